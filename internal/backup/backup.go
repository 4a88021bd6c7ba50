package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cumulusfs/cumulus/internal/filedriver"
	"github.com/cumulusfs/cumulus/internal/logging"
	"github.com/cumulusfs/cumulus/internal/metalog"
	"github.com/cumulusfs/cumulus/internal/objref"
	"github.com/cumulusfs/cumulus/internal/remote"
	"github.com/cumulusfs/cumulus/internal/reusedb"
	"github.com/cumulusfs/cumulus/internal/rules"
	"github.com/cumulusfs/cumulus/internal/segstore"
)

// Version identifies this build in the descriptor's "Producer:" line.
const Version = "0.11-go"

// snapshotIntent is the fixed retention weight recorded for every run; the
// original tool exposed a --intent flag for GC tuning that spec.md's
// Non-goals drop along with the GC tool itself.
const snapshotIntent = 1.0

func envTmpDir() string { return os.Getenv("TMPDIR") }

// Result summarizes a completed run.
type Result struct {
	Root           objref.Ref
	Segments       []string
	DescriptorPath string
	ChecksumsPath  string
	DBMetaPath     string
}

// Run executes one backup per spec §4.L's eleven steps.
func Run(opts Options, log *logging.Logger) (Result, error) {
	if err := opts.validate(); err != nil {
		return Result{}, err
	}
	if log == nil {
		log = logging.New(opts.Verbose, false)
	}

	// Step 1: temp directory and snapshot timestamp.
	timestamp := time.Now().Format("20060102T150405")
	stageDir := filepath.Join(opts.tmpDir(), "cumulus."+uuid.New().String())
	if err := os.MkdirAll(stageDir, 0700); err != nil {
		return Result{}, fmt.Errorf("backup: creating temp directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(stageDir); err != nil {
			log.Warning("backup: cannot delete temp directory %s: %v", stageDir, err)
		}
	}()

	ruleList, err := buildRules(opts)
	if err != nil {
		return Result{}, err
	}

	// Step 2: uploader, reuse DB, segment store, metadata writer.
	storage, err := storageFor(opts, log)
	if err != nil {
		return Result{}, err
	}
	uploader, err := remote.New(stageDir, opts.UploadScript, storage, log)
	if err != nil {
		return Result{}, fmt.Errorf("backup: starting uploader: %w", err)
	}
	uploader.EnableIntegrityProtection()
	uploader.SetDryRun(opts.DryRun)

	localDBDir := opts.localDBDir()
	dbPath := filepath.Join(localDBDir, "localdb.sqlite")
	db, err := reusedb.Open(dbPath, timestamp, opts.Scheme, snapshotIntent)
	if err != nil {
		return Result{}, fmt.Errorf("backup: opening reuse database: %w", err)
	}

	store := segstore.New(uploader, db, opts.Filter, opts.FilterExtension, log)

	metaWriteFunc := func(data []byte) (objref.Ref, error) {
		return store.WriteObject(data, "metadata")
	}
	meta, err := metalog.Open(localDBDir, timestamp, opts.Scheme, metaWriteFunc, db, opts.FullMetadata)
	if err != nil {
		db.Close()
		return Result{}, fmt.Errorf("backup: opening metadata writer: %w", err)
	}

	drv := filedriver.New(db, meta, store.WriteObject, ruleList, opts.RebuildStatcache, opts.Verbose)

	// Step 3: walk each input path.
	for _, p := range opts.Paths {
		if err := drv.Scan(p); err != nil {
			db.Close()
			return Result{}, fmt.Errorf("backup: scanning %s: %w", p, err)
		}
	}

	// Step 4: close the metadata writer.
	root, err := meta.Close()
	if err != nil {
		db.Close()
		return Result{}, fmt.Errorf("backup: closing metadata writer: %w", err)
	}

	// Step 5: sync the segment store and print stats.
	if err := store.Sync(); err != nil {
		db.Close()
		return Result{}, fmt.Errorf("backup: syncing segment store: %w", err)
	}
	store.DumpStats()

	segments, err := db.GetUsedSegments()
	if err != nil {
		db.Close()
		return Result{}, fmt.Errorf("backup: listing used segments: %w", err)
	}

	base := "snapshot-"
	if opts.Scheme != "" {
		base += opts.Scheme + "-"
	}
	base += timestamp

	// Step 6: checksums file.
	checksumsRemote := "meta/" + base + ".sha1sums"
	checksumsCsum, err := writeChecksumsFile(uploader, db, segments, checksumsRemote)
	if err != nil {
		db.Close()
		return Result{}, fmt.Errorf("backup: writing checksums file: %w", err)
	}

	// Step 7: dbmeta file.
	dbmetaRemote := "meta/" + base + ".meta" + opts.FilterExtension
	dbmetaCsum, err := writeDBMetaFile(uploader, db, segments, dbmetaRemote, opts.Filter)
	if err != nil {
		db.Close()
		return Result{}, fmt.Errorf("backup: writing dbmeta file: %w", err)
	}

	// Step 8: close the DB.
	if err := db.Close(); err != nil {
		return Result{}, fmt.Errorf("backup: closing reuse database: %w", err)
	}

	// Step 9: sync the uploader before writing the descriptor.
	if err := uploader.Sync(); err != nil {
		return Result{}, fmt.Errorf("backup: syncing uploader before descriptor: %w", err)
	}

	// Step 10: descriptor.
	descriptorRemote := "snapshots/" + base + ".cumulus"
	if err := writeDescriptor(uploader, descriptorRemote, descriptor{
		date:      time.Now(),
		scheme:    opts.Scheme,
		root:      root,
		dbState:   dbmetaCsum,
		checksums: checksumsCsum,
		segments:  segments,
	}, opts.SignatureFilter); err != nil {
		return Result{}, fmt.Errorf("backup: writing descriptor: %w", err)
	}

	// Step 11: final sync; temp dir removal happens via the deferred call.
	if err := uploader.Sync(); err != nil {
		return Result{}, fmt.Errorf("backup: final uploader sync: %w", err)
	}
	if err := uploader.Close(); err != nil {
		return Result{}, fmt.Errorf("backup: closing uploader: %w", err)
	}

	return Result{
		Root:           root,
		Segments:       segments,
		DescriptorPath: descriptorRemote,
		ChecksumsPath:  checksumsRemote,
		DBMetaPath:     dbmetaRemote,
	}, nil
}

func buildRules(opts Options) (*rules.List, error) {
	var rl rules.List
	for _, p := range opts.Include {
		if err := rl.AddPattern(rules.Include, p, ""); err != nil {
			return nil, fmt.Errorf("backup: --include=%q: %w", p, err)
		}
	}
	for _, p := range opts.Exclude {
		if err := rl.AddPattern(rules.Exclude, p, ""); err != nil {
			return nil, fmt.Errorf("backup: --exclude=%q: %w", p, err)
		}
	}
	for _, p := range opts.DirMerge {
		if err := rl.AddPattern(rules.DirMerge, p, ""); err != nil {
			return nil, fmt.Errorf("backup: --dir-merge=%q: %w", p, err)
		}
	}
	return &rl, nil
}

func storageFor(opts Options, log *logging.Logger) (remote.FileStorage, error) {
	if opts.UploadScript != "" {
		return nil, nil
	}
	if strings.HasPrefix(opts.Dest, "gs://") {
		bucket, prefix := splitGCSPath(opts.Dest)
		return remote.NewGCS(context.Background(), remote.GCSOptions{
			BucketName:              bucket,
			Prefix:                  prefix,
			MaxUploadBytesPerSecond: opts.BandwidthLimit,
		})
	}
	return remote.NewDisk(opts.Dest, opts.BandwidthLimit), nil
}

func splitGCSPath(dest string) (bucket, prefix string) {
	rest := strings.TrimPrefix(dest, "gs://")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], rest[i+1:]
	}
	return rest, ""
}
