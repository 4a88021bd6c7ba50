// Command cumulus drives the backup engine from the command line: take a
// snapshot, walk a local database for consistency, or list prior
// snapshots. Flags follow spec §6's CLI surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/cumulusfs/cumulus/internal/backup"
	"github.com/cumulusfs/cumulus/internal/fsck"
	"github.com/cumulusfs/cumulus/internal/logging"
	"github.com/cumulusfs/cumulus/internal/reusedb"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "backup":
		err = runBackup(os.Args[2:])
	case "fsck":
		err = runFsck(os.Args[2:])
	case "snapshots":
		err = runSnapshots(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "cumulus: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cumulus: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: cumulus <backup|fsck|snapshots> [flags] ...\n")
}

func runBackup(args []string) error {
	fs := pflag.NewFlagSet("backup", pflag.ContinueOnError)
	dest := fs.String("dest", "", "remote destination directory (or gs://bucket/prefix)")
	uploadScript := fs.String("upload-script", "", "shell command implementing the PUT protocol, instead of --dest")
	localDB := fs.String("localdb", "", "local database directory (default: --dest)")
	tmpDir := fs.String("tmpdir", "", "staging directory (default: $TMPDIR or /tmp)")
	filter := fs.String("filter", "", "shell command filtering segment/meta data on its way out")
	filterExt := fs.String("filter-extension", "", "extension appended to filtered remote paths")
	sigFilter := fs.String("signature-filter", "", "shell command filtering the descriptor file")
	scheme := fs.String("scheme", "", "snapshot scheme name")
	include := fs.StringArray("include", nil, "include pattern")
	exclude := fs.StringArray("exclude", nil, "exclude pattern")
	dirMerge := fs.StringArray("dir-merge", nil, "dir-merge pattern")
	fullMetadata := fs.Bool("full-metadata", false, "never reuse prior metadata-log records")
	rebuildStatcache := fs.Bool("rebuild-statcache", false, "ignore the existing statcache and re-read every file")
	verbose := fs.BoolP("verbose", "v", false, "trace each file to stdout")
	dryRun := fs.Bool("dry-run", false, "walk and account data without uploading anything")
	bandwidth := fs.Int("bandwidth-limit", 0, "cap upload throughput in bytes/sec for a local or gs:// destination (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := backup.Options{
		Dest:             *dest,
		UploadScript:     *uploadScript,
		LocalDB:          *localDB,
		TmpDir:           *tmpDir,
		Filter:           *filter,
		FilterExtension:  *filterExt,
		SignatureFilter:  *sigFilter,
		Scheme:           *scheme,
		Paths:            fs.Args(),
		Include:          *include,
		Exclude:          *exclude,
		DirMerge:         *dirMerge,
		FullMetadata:     *fullMetadata,
		RebuildStatcache: *rebuildStatcache,
		Verbose:          *verbose,
		DryRun:           *dryRun,
		BandwidthLimit:   *bandwidth,
	}

	log := logging.New(*verbose, false)
	result, err := backup.Run(opts, log)
	if err != nil {
		return err
	}
	log.Print("snapshot root: %s", result.Root.String())
	log.Print("descriptor: %s", result.DescriptorPath)
	return nil
}

func runFsck(args []string) error {
	fs := pflag.NewFlagSet("fsck", pflag.ContinueOnError)
	localDB := fs.String("localdb", "", "local database directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *localDB == "" {
		return fmt.Errorf("fsck: --localdb is required")
	}

	report, err := fsck.Check(*localDB + "/localdb.sqlite")
	if err != nil {
		return err
	}
	report.Print(os.Stdout)
	if !report.OK() {
		os.Exit(1)
	}
	return nil
}

func runSnapshots(args []string) error {
	fs := pflag.NewFlagSet("snapshots", pflag.ContinueOnError)
	localDB := fs.String("localdb", "", "local database directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *localDB == "" {
		return fmt.Errorf("snapshots: --localdb is required")
	}

	snaps, err := reusedb.ListSnapshots(*localDB + "/localdb.sqlite")
	if err != nil {
		return err
	}
	for _, s := range snaps {
		name := s.Name
		if s.Scheme != "" {
			name = s.Scheme + "-" + name
		}
		fmt.Printf("%s\tintent=%g\n", name, s.Intent)
	}
	return nil
}
