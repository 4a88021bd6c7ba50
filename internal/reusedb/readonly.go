package reusedb

import (
	"database/sql"
	"fmt"
)

// SegmentInfo is a read-only view of one `segment` table row, for tooling
// that inspects the database outside of a backup run (fsck, snapshots).
type SegmentInfo struct {
	UUID     string
	Path     string
	Checksum string
	Type     string
	DataSize int64
	DiskSize int64
	Mtime    float64
}

// BlockInfo is a read-only view of one `block_index` table row.
type BlockInfo struct {
	Segment  string
	Seq      string
	Checksum string
	Size     int64
	Expired  bool
}

// SnapshotInfo is a read-only view of one `snapshots` table row.
type SnapshotInfo struct {
	Name      string
	Scheme    string
	Timestamp float64
	Intent    float64
}

// ListSegments returns every segment ever recorded in the database at
// path, ordered by uuid. Unlike Open, it does not begin a transaction or
// insert a snapshot row: it is read-only tooling support (spec.md's
// Non-goals exclude the GC tool, but leave fsck and a snapshot listing in
// scope per original_source/main.cc's "--fsck"/"list" helpers).
func ListSegments(path string) ([]SegmentInfo, error) {
	sqlDB, rows, err := queryReadOnly(path,
		"select segment, path, checksum, type, data_size, disk_size, mtime from segments order by segment")
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()
	defer rows.Close()

	var out []SegmentInfo
	for rows.Next() {
		var s SegmentInfo
		var pathCol, checksum, typ sql.NullString
		var dataSize, diskSize sql.NullInt64
		var mtime sql.NullFloat64
		if err := rows.Scan(&s.UUID, &pathCol, &checksum, &typ, &dataSize, &diskSize, &mtime); err != nil {
			return nil, fmt.Errorf("reusedb: scanning segment row: %w", err)
		}
		s.Path, s.Checksum, s.Type = pathCol.String, checksum.String, typ.String
		s.DataSize, s.DiskSize, s.Mtime = dataSize.Int64, diskSize.Int64, mtime.Float64
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListBlocks returns every object ever recorded across every segment,
// ordered by segment then seq, for fsck's coverage walk. A block whose
// segment id has no segments row is reported with Segment set to
// "segmentid:<id>".
func ListBlocks(path string) ([]BlockInfo, error) {
	sqlDB, rows, err := queryReadOnly(path,
		"select coalesce(segments.segment, 'segmentid:' || block_index.segmentid), block_index.object, "+
			"block_index.checksum, block_index.size, block_index.expired "+
			"from block_index left join segments on segments.segmentid = block_index.segmentid "+
			"order by segments.segment, block_index.object")
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()
	defer rows.Close()

	var out []BlockInfo
	for rows.Next() {
		var b BlockInfo
		var expired sql.NullInt64
		if err := rows.Scan(&b.Segment, &b.Seq, &b.Checksum, &b.Size, &expired); err != nil {
			return nil, fmt.Errorf("reusedb: scanning block row: %w", err)
		}
		b.Expired = expired.Valid && expired.Int64 != 0
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListSnapshots returns every recorded snapshot, ordered by timestamp.
func ListSnapshots(path string) ([]SnapshotInfo, error) {
	sqlDB, rows, err := queryReadOnly(path, "select name, scheme, timestamp, intent from snapshots order by timestamp")
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var s SnapshotInfo
		var scheme sql.NullString
		if err := rows.Scan(&s.Name, &scheme, &s.Timestamp, &s.Intent); err != nil {
			return nil, fmt.Errorf("reusedb: scanning snapshot row: %w", err)
		}
		s.Scheme = scheme.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func queryReadOnly(path, query string) (*sql.DB, *sql.Rows, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("reusedb: opening %s: %w", path, err)
	}
	rows, err := sqlDB.Query(query)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("reusedb: %s: %w", query, err)
	}
	return sqlDB, rows, nil
}
