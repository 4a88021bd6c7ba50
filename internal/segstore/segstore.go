// Package segstore implements the segment store of spec §4.F: a mapping
// from group tag to open segment, rotating segments at a 4 MiB estimated
// size and handing finished segments to the uploader.
//
// Grounded on mmp-bk/storage/packidx.go's PackFileBackend, which owns
// essentially the same responsibility (accumulate blobs into a bounded
// container, roll over and hand off to storage when full); reworked here
// around tarseg's TAR packer and named groups rather than a single
// content-addressed pack stream.
package segstore

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/cumulusfs/cumulus/internal/hashreg"
	"github.com/cumulusfs/cumulus/internal/logging"
	"github.com/cumulusfs/cumulus/internal/objref"
	"github.com/cumulusfs/cumulus/internal/remote"
	"github.com/cumulusfs/cumulus/internal/reusedb"
	"github.com/cumulusfs/cumulus/internal/tarseg"
)

// TargetSize is the estimated segment size, in bytes, at which an open
// segment is closed and handed off for upload (spec §4.F/§3).
const TargetSize = 4 << 20

type openSegment struct {
	uuid   string
	group  string
	rf     *remote.RemoteFile
	packer *tarseg.Packer

	uncompressed int64
}

type groupStats struct {
	uncompressed int64
	compressed   int64
}

// Store maintains one open segment per group tag and finalizes segments
// that reach TargetSize.
type Store struct {
	log       *logging.Logger
	uploader  *remote.Uploader
	db        *reusedb.DB
	filterCmd string
	filterExt string

	mu     sync.Mutex
	open   map[string]*openSegment
	stats  map[string]*groupStats
}

// New returns a Store that finalizes segments through uploader and
// records their metadata in db.
func New(uploader *remote.Uploader, db *reusedb.DB, filterCmd, filterExt string, log *logging.Logger) *Store {
	return &Store{
		log:       log,
		uploader:  uploader,
		db:        db,
		filterCmd: filterCmd,
		filterExt: filterExt,
		open:      make(map[string]*openSegment),
		stats:     make(map[string]*groupStats),
	}
}

// WriteObject appends data to the open segment for group (creating one if
// needed), returning the object's reference. If the segment's estimated
// size reaches TargetSize afterward, it is closed.
func (s *Store) WriteObject(data []byte, group string) (objref.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, err := s.segmentForGroupLocked(group)
	if err != nil {
		return objref.NullRef(), err
	}

	seq, err := seg.packer.WriteObject(data)
	if err != nil {
		return objref.NullRef(), fmt.Errorf("segstore: writing object to segment %s: %w", seg.uuid, err)
	}
	seg.uncompressed += int64(len(data))

	st := s.stats[group]
	if st == nil {
		st = &groupStats{}
		s.stats[group] = st
	}
	st.uncompressed += int64(len(data))

	ref := objref.New(seg.uuid, seq).WithExactRange(int64(len(data)))

	if seg.packer.SizeEstimate() >= TargetSize {
		if err := s.closeSegmentLocked(group); err != nil {
			return objref.NullRef(), err
		}
	}

	return ref, nil
}

func (s *Store) segmentForGroupLocked(group string) (*openSegment, error) {
	if seg, ok := s.open[group]; ok {
		return seg, nil
	}

	segUUID := uuid.New().String()
	remotePath := "segments/" + segUUID + ".tar" + s.filterExt
	rf := s.uploader.Allocate("data", remotePath)

	out, err := os.OpenFile(rf.LocalPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("segstore: creating staging file for segment %s: %w", segUUID, err)
	}

	packer, err := tarseg.Open(segUUID, out, s.filterCmd, s.log)
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("segstore: opening packer for segment %s: %w", segUUID, err)
	}
	packer.SetDiskSizeFunc(func() int64 {
		info, err := os.Stat(rf.LocalPath())
		if err != nil {
			return 0
		}
		return info.Size()
	})

	seg := &openSegment{uuid: segUUID, group: group, rf: rf, packer: packer}
	s.open[group] = seg
	return seg, nil
}

func (s *Store) closeSegmentLocked(group string) error {
	seg, ok := s.open[group]
	if !ok {
		return nil
	}
	delete(s.open, group)

	if err := seg.packer.Close(); err != nil {
		return fmt.Errorf("segstore: closing segment %s: %w", seg.uuid, err)
	}

	checksum, err := hashreg.HashFile(hashreg.Required, seg.rf.LocalPath())
	if err != nil {
		s.log.Warning("segstore: hashing segment %s failed: %v", seg.uuid, err)
		checksum = ""
	}

	diskSize := seg.uncompressed
	if info, err := os.Stat(seg.rf.LocalPath()); err == nil {
		diskSize = info.Size()
	}

	if err := s.db.SetSegmentMetadata(seg.uuid, reusedb.SegmentMetadata{
		Path:     seg.rf.RemotePath(),
		Checksum: checksum,
		Type:     seg.group,
		DataSize: seg.uncompressed,
		DiskSize: diskSize,
	}); err != nil {
		return fmt.Errorf("segstore: recording metadata for segment %s: %w", seg.uuid, err)
	}

	st := s.stats[group]
	st.compressed += diskSize

	seg.rf.Send()
	return nil
}

// Sync closes every open group's segment, per spec §4.F.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for group := range s.open {
		if err := s.closeSegmentLocked(group); err != nil {
			return err
		}
	}
	return nil
}

// DumpStats prints per-group uncompressed/compressed totals.
func (s *Store) DumpStats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for group, st := range s.stats {
		s.log.Print("group %s: %s uncompressed, %s on disk",
			group, logging.FmtBytes(st.uncompressed), logging.FmtBytes(st.compressed))
	}
}
