package backup

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/cumulusfs/cumulus/internal/fmtutil"
	"github.com/cumulusfs/cumulus/internal/hashreg"
	"github.com/cumulusfs/cumulus/internal/objref"
	"github.com/cumulusfs/cumulus/internal/remote"
	"github.com/cumulusfs/cumulus/internal/reusedb"
)

// writeChecksumsFile allocates and writes the meta/*.sha1sums file (spec
// §6): one "sha1sum -c"-compatible line per live segment whose recorded
// checksum uses the sha1 algorithm. Returns the file's own sha224 digest.
func writeChecksumsFile(uploader *remote.Uploader, db *reusedb.DB, segments []string, remotePath string) (string, error) {
	rf := uploader.Allocate("checksums", remotePath)
	f, err := os.Create(rf.LocalPath())
	if err != nil {
		return "", err
	}

	sorted := append([]string(nil), segments...)
	sort.Strings(sorted)

	w := bufio.NewWriter(f)
	for _, seg := range sorted {
		meta, ok, err := db.GetSegmentMetadata(seg)
		if err != nil {
			f.Close()
			return "", err
		}
		if !ok {
			continue
		}
		hex, ok := strings.CutPrefix(meta.Checksum, hashreg.Required+"=")
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s  *%s\n", hex, meta.Path)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	csum, err := hashreg.HashFile(hashreg.Default, rf.LocalPath())
	if err != nil {
		return "", err
	}
	rf.Send()
	return csum, nil
}

// writeDBMetaFile allocates and writes the meta/*.meta<filter-ext> file
// (spec §6): a blank-line-separated Key: Value record per live segment,
// piped through filterCmd on its way to the remote. Returns the file's own
// sha224 digest.
func writeDBMetaFile(uploader *remote.Uploader, db *reusedb.DB, segments []string, remotePath, filterCmd string) (string, error) {
	rf := uploader.Allocate("meta", remotePath)

	sorted := append([]string(nil), segments...)
	sort.Strings(sorted)

	var body strings.Builder
	for _, seg := range sorted {
		meta, ok, err := db.GetSegmentMetadata(seg)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		fmt.Fprintf(&body, "segment: %s\n", seg)
		fmt.Fprintf(&body, "path: %s\n", meta.Path)
		fmt.Fprintf(&body, "checksum: %s\n", meta.Checksum)
		fmt.Fprintf(&body, "type: %s\n", meta.Type)
		fmt.Fprintf(&body, "data_size: %d\n", meta.DataSize)
		fmt.Fprintf(&body, "disk_size: %d\n", meta.DiskSize)
		fmt.Fprintf(&body, "mtime: %g\n", meta.Mtime)
		body.WriteByte('\n')
	}

	if err := writeThroughFilter(rf.LocalPath(), filterCmd, []byte(body.String())); err != nil {
		return "", err
	}

	csum, err := hashreg.HashFile(hashreg.Default, rf.LocalPath())
	if err != nil {
		return "", err
	}
	rf.Send()
	return csum, nil
}

// writeThroughFilter writes data to path, optionally piping it through
// "/bin/sh -c filterCmd" first, per spec §4.D's filter contract applied to
// a plain file rather than a TAR stream.
func writeThroughFilter(path, filterCmd string, data []byte) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	if filterCmd == "" {
		_, err := out.Write(data)
		return err
	}

	cmd := exec.Command("/bin/sh", "-c", filterCmd)
	cmd.Stdout = out
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("backup: filter stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("backup: starting filter %q: %w", filterCmd, err)
	}
	if _, err := stdin.Write(data); err != nil {
		stdin.Close()
		return fmt.Errorf("backup: writing to filter: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("backup: closing filter stdin: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("backup: filter exited with error: %w", err)
	}
	return nil
}

// descriptor carries the fields written into the snapshot descriptor file,
// per spec §6.
type descriptor struct {
	date      time.Time
	scheme    string
	root      objref.Ref
	dbState   string
	checksums string
	segments  []string
}

// writeDescriptor allocates and writes the snapshot descriptor, optionally
// piped through sigFilter (spec §4.L step 10 / §6).
func writeDescriptor(uploader *remote.Uploader, remotePath string, d descriptor, sigFilter string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Format: Cumulus Snapshot v0.11\n")
	fmt.Fprintf(&b, "Producer: Cumulus %s\n", Version)
	fmt.Fprintf(&b, "Date: %s\n", fmtutil.DescriptorTime(d.date))
	if d.scheme != "" {
		fmt.Fprintf(&b, "Scheme: %s\n", d.scheme)
	}
	fmt.Fprintf(&b, "Root: %s\n", d.root.String())
	if d.dbState != "" {
		fmt.Fprintf(&b, "Database-state: %s\n", d.dbState)
	}
	if d.checksums != "" {
		fmt.Fprintf(&b, "Checksums: %s\n", d.checksums)
	}
	fmt.Fprintf(&b, "Segments:\n")

	sorted := append([]string(nil), d.segments...)
	sort.Strings(sorted)
	for _, seg := range sorted {
		fmt.Fprintf(&b, "    %s\n", seg)
	}

	rf := uploader.Allocate("snapshots", remotePath)
	if err := writeThroughFilter(rf.LocalPath(), sigFilter, []byte(b.String())); err != nil {
		return err
	}
	rf.Send()
	return nil
}
