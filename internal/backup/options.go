// Package backup implements the snapshot orchestrator of spec §4.L: it
// wires together the reuse database, segment store, metadata writer, and
// remote uploader, drives one traversal per input path, and writes the
// checksums/dbmeta/descriptor trio that make a snapshot restorable.
//
// Grounded on original_source/main.cc's backup entry point (the v0.11
// dbmeta-then-descriptor sequence): the same open/scan/close/sync/write
// order, translated from a single long main() into a struct-owned run.
package backup

import "fmt"

// Options configures one backup run, mirroring spec §6's CLI flags.
type Options struct {
	// Dest is a local directory or "gs://bucket/prefix" GCS destination.
	// Exactly one of Dest or UploadScript must be set.
	Dest string
	// UploadScript, if set, is run as "/bin/sh -c UploadScript" and driven
	// with the PUT protocol instead of writing to Dest directly.
	UploadScript string

	// LocalDB is the directory holding localdb.sqlite and the statcache.
	// Defaults to Dest.
	LocalDB string
	// TmpDir holds the run's staging directory. Defaults to $TMPDIR or /tmp.
	TmpDir string

	// Filter, if set, is the "/bin/sh -c" command segment and dbmeta
	// content is piped through on its way to storage.
	Filter string
	// FilterExtension is appended to filtered segment/meta remote paths
	// (e.g. ".bz2").
	FilterExtension string
	// SignatureFilter, if set, wraps the descriptor file only.
	SignatureFilter string

	// Scheme names this backup configuration, distinguishing multiple
	// independent snapshot sequences sharing one destination.
	Scheme string

	// Paths are the filesystem roots to scan.
	Paths []string

	Include  []string
	Exclude  []string
	DirMerge []string

	FullMetadata     bool
	RebuildStatcache bool
	Verbose          bool

	// DryRun walks, chunks, and accounts data as usual but never lets any
	// staged file reach the remote.
	DryRun bool

	// BandwidthLimit caps upload throughput in bytes/sec; 0 is unlimited.
	// Applies to local-disk and gs:// destinations; uploads through
	// UploadScript are not limited.
	BandwidthLimit int
}

func (o Options) validate() error {
	if o.Dest == "" && o.UploadScript == "" {
		return fmt.Errorf("backup: one of Dest or UploadScript is required")
	}
	if o.Dest != "" && o.UploadScript != "" {
		return fmt.Errorf("backup: Dest and UploadScript are mutually exclusive")
	}
	if len(o.Paths) == 0 {
		return fmt.Errorf("backup: at least one path is required")
	}
	return nil
}

func (o Options) localDBDir() string {
	if o.LocalDB != "" {
		return o.LocalDB
	}
	return o.Dest
}

func (o Options) tmpDir() string {
	if o.TmpDir != "" {
		return o.TmpDir
	}
	if d := envTmpDir(); d != "" {
		return d
	}
	return "/tmp"
}
