// Package reusedb implements the transactional reuse database of spec
// §4.G: a local SQLite store tracking every segment and block ever
// written, and, for the run in progress, which of them this snapshot
// references.
//
// Grounded on original_source/localdb.cc for exact schema and query
// semantics (schema_version, segments, block_index, snapshot_refs,
// segment_utilization, subblock_signatures), translated from raw
// sqlite3_prepare/step calls into Go's database/sql with the
// modernc.org/sqlite driver, in the style of bureau-foundation-bureau's
// telemetry store (a single struct wrapping a pooled/singleton handle
// with typed accessor methods, one prepared query per concern).
package reusedb

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/cumulusfs/cumulus/internal/objref"
)

const (
	schemaMajor = 0
	schemaMinor = 11
)

// ErrSchemaMismatch is returned by Open when the on-disk schema version
// does not exactly match the version this package writes.
var ErrSchemaMismatch = fmt.Errorf("reusedb: local database schema version mismatch")

// DB is a transactional handle on the reuse database for one run: opened
// with BEGIN at Open and COMMIT at Close, per spec §4.G.
type DB struct {
	sql        *sql.DB
	tx         *sql.Tx
	snapshotID int64
}

// SegmentMetadata mirrors the `segment` table's descriptive columns.
type SegmentMetadata struct {
	Path     string
	Checksum string
	Type     string
	DataSize int64
	DiskSize int64
	Mtime    float64 // julian day; populated by GetSegmentMetadata only
}

// Open opens (creating if necessary) the reuse database at path, verifies
// its schema, inserts a snapshot row for (snapshotName, scheme, intent),
// and begins the run's transaction. Schema mismatch is fatal per spec
// §4.G / §7.
func Open(path, snapshotName, scheme string, intent float64) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("reusedb: opening %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1) // sqlite: one writer at a time, exclusive to this run

	if err := ensureSchema(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	tx, err := sqlDB.Begin()
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("reusedb: beginning transaction: %w", err)
	}

	var major, minor int
	if err := tx.QueryRow("select major, minor from schema_version").Scan(&major, &minor); err != nil {
		tx.Rollback()
		sqlDB.Close()
		return nil, fmt.Errorf("reusedb: reading schema version: %w", err)
	}
	if major != schemaMajor || minor != schemaMinor {
		tx.Rollback()
		sqlDB.Close()
		return nil, ErrSchemaMismatch
	}

	res, err := tx.Exec(
		"insert into snapshots(name, scheme, timestamp, intent) values (?, ?, julianday('now'), ?)",
		snapshotName, scheme, intent)
	if err != nil {
		tx.Rollback()
		sqlDB.Close()
		return nil, fmt.Errorf("reusedb: inserting snapshot row: %w", err)
	}
	snapshotID, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		sqlDB.Close()
		return nil, fmt.Errorf("reusedb: reading snapshot id: %w", err)
	}

	if _, err := tx.Exec(
		"create temporary table snapshot_refs (" +
			"segmentid integer not null, object text not null, size integer not null)"); err != nil {
		tx.Rollback()
		sqlDB.Close()
		return nil, fmt.Errorf("reusedb: creating snapshot_refs: %w", err)
	}
	if _, err := tx.Exec(
		"create unique index snapshot_refs_index on snapshot_refs(segmentid, object)"); err != nil {
		tx.Rollback()
		sqlDB.Close()
		return nil, fmt.Errorf("reusedb: indexing snapshot_refs: %w", err)
	}

	return &DB{sql: sqlDB, tx: tx, snapshotID: snapshotID}, nil
}

func ensureSchema(db *sql.DB) error {
	var count int
	if err := db.QueryRow("select count(*) from sqlite_master where type='table' and name='schema_version'").Scan(&count); err != nil {
		return fmt.Errorf("reusedb: probing schema: %w", err)
	}
	if count > 0 {
		return nil
	}

	stmts := []string{
		"create table schema_version (major integer, minor integer)",
		fmt.Sprintf("insert into schema_version(major, minor) values (%d, %d)", schemaMajor, schemaMinor),
		"create table segments (" +
			"segmentid integer primary key, segment text unique not null, " +
			"path text, checksum text, type text, data_size integer, disk_size integer, mtime real)",
		"create table block_index (" +
			"blockid integer primary key, segmentid integer not null, object text not null, " +
			"checksum text not null, size integer not null, timestamp real not null, expired integer, " +
			"unique(segmentid, object))",
		"create index block_index_checksum on block_index(checksum, size)",
		"create table subblock_signatures (" +
			"blockid integer primary key, algorithm text not null, signatures blob not null)",
		"create table snapshots (" +
			"snapshotid integer primary key, name text, scheme text, timestamp real, intent real)",
		"create table segment_utilization (" +
			"snapshotid integer not null, segmentid integer not null, size integer not null, " +
			"primary key(snapshotid, segmentid))",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("reusedb: initializing schema: %w", err)
		}
	}
	return nil
}

// segmentToID resolves a segment UUID to its dense integer id, assigning
// one on first use.
func (d *DB) segmentToID(segment string) (int64, error) {
	if _, err := d.tx.Exec("insert or ignore into segments(segment) values (?)", segment); err != nil {
		return 0, fmt.Errorf("reusedb: inserting segment %s: %w", segment, err)
	}
	var id int64
	if err := d.tx.QueryRow("select segmentid from segments where segment = ?", segment).Scan(&id); err != nil {
		return 0, fmt.Errorf("reusedb: resolving segment %s: %w", segment, err)
	}
	return id, nil
}

// StoreObject records a newly-written object. ref must carry a checksum
// and an exact range giving the object's size, per spec §4.G. Storing an
// object that is already recorded updates its checksum and size in place.
func (d *DB) StoreObject(ref objref.Ref, age float64) error {
	if !ref.IsNormal() || ref.Checksum() == "" || !ref.HasRange() || !ref.RangeExact() {
		return fmt.Errorf("reusedb: StoreObject requires a checksummed, exact-range reference, got %s", ref)
	}
	segID, err := d.segmentToID(ref.Segment())
	if err != nil {
		return err
	}

	if age == 0 {
		_, err = d.tx.Exec(
			"insert into block_index(segmentid, object, checksum, size, timestamp) "+
				"values (?, ?, ?, ?, julianday('now')) "+
				"on conflict(segmentid, object) do update set checksum = excluded.checksum, size = excluded.size",
			segID, ref.Seq(), ref.Checksum(), ref.RangeLen())
	} else {
		_, err = d.tx.Exec(
			"insert into block_index(segmentid, object, checksum, size, timestamp) "+
				"values (?, ?, ?, ?, ?) "+
				"on conflict(segmentid, object) do update set checksum = excluded.checksum, size = excluded.size",
			segID, ref.Seq(), ref.Checksum(), ref.RangeLen(), age)
	}
	if err != nil {
		return fmt.Errorf("reusedb: storing block %s: %w", ref, err)
	}
	return nil
}

// FindObject returns a whole-object reference to a live block matching
// checksum and size, or the null reference if none exists.
func (d *DB) FindObject(checksum string, size int64) (objref.Ref, error) {
	var segID int64
	var object string
	err := d.tx.QueryRow(
		"select segmentid, object from block_index where checksum = ? and size = ? and expired is null",
		checksum, size).Scan(&segID, &object)
	if err == sql.ErrNoRows {
		return objref.NullRef(), nil
	}
	if err != nil {
		return objref.NullRef(), fmt.Errorf("reusedb: FindObject: %w", err)
	}
	segment, err := d.idToSegment(segID)
	if err != nil {
		return objref.NullRef(), err
	}
	ref := objref.Parse(segment + "/" + object).WithExactRange(size)
	return ref, nil
}

func (d *DB) idToSegment(segID int64) (string, error) {
	var segment string
	if err := d.tx.QueryRow("select segment from segments where segmentid = ?", segID).Scan(&segment); err != nil {
		return "", fmt.Errorf("reusedb: resolving segment id %d: %w", segID, err)
	}
	return segment, nil
}

// IsOldObject reports the recorded age and expired-group of any block
// (live or expired) matching checksum and size.
func (d *DB) IsOldObject(checksum string, size int64) (age float64, group int64, found bool, err error) {
	var groupNull sql.NullInt64
	row := d.tx.QueryRow(
		"select timestamp, expired from block_index where checksum = ? and size = ?", checksum, size)
	err = row.Scan(&age, &groupNull)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("reusedb: IsOldObject: %w", err)
	}
	return age, groupNull.Int64, true, nil
}

// IsAvailable reports whether ref's underlying object can still be read.
// Synthetic (null/zero) references are always available.
func (d *DB) IsAvailable(ref objref.Ref) (bool, error) {
	if !ref.IsNormal() {
		return true, nil
	}
	segID, err := d.segmentToID(ref.Segment())
	if err != nil {
		return false, err
	}
	var count int
	err = d.tx.QueryRow(
		"select count(*) from block_index where segmentid = ? and object = ? and expired is null",
		segID, ref.Seq()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("reusedb: IsAvailable: %w", err)
	}
	return count > 0, nil
}

// GetUsedSegments returns the set of segment UUIDs referenced so far by
// this snapshot.
func (d *DB) GetUsedSegments() ([]string, error) {
	rows, err := d.tx.Query(
		"select segment from segments where segmentid in (select segmentid from snapshot_refs)")
	if err != nil {
		return nil, fmt.Errorf("reusedb: GetUsedSegments: %w", err)
	}
	defer rows.Close()

	var segments []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("reusedb: scanning segment: %w", err)
		}
		segments = append(segments, s)
	}
	return segments, rows.Err()
}

// UseObject accounts one reference into snapshot_refs, per spec §4.G /
// invariant I3: bytes_referenced only grows, capped at size-1 unless a
// whole-object reference pins it to the full size.
func (d *DB) UseObject(ref objref.Ref) error {
	if !ref.IsNormal() {
		return nil
	}
	segID, err := d.segmentToID(ref.Segment())
	if err != nil {
		return err
	}

	var oldSize int64
	err = d.tx.QueryRow(
		"select size from snapshot_refs where segmentid = ? and object = ?",
		segID, ref.Seq()).Scan(&oldSize)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reusedb: UseObject reading old size: %w", err)
	}

	var objectSize int64
	if ref.RangeExact() {
		objectSize = ref.RangeLen()
	} else {
		err = d.tx.QueryRow(
			"select size from block_index where segmentid = ? and object = ?",
			segID, ref.Seq()).Scan(&objectSize)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("reusedb: UseObject reading object size: %w", err)
		}
	}

	var newRefs int64
	if ref.HasRange() {
		newRefs = ref.RangeLen()
	} else {
		newRefs = objectSize
	}
	newSize := oldSize + newRefs
	if oldSize < objectSize && newRefs < objectSize {
		if objectSize-1 < newSize {
			newSize = objectSize - 1
		}
	}
	if objectSize < newSize {
		newSize = objectSize
	}
	if newSize < 0 {
		newSize = 0
	}

	if newSize != oldSize {
		if _, err := d.tx.Exec(
			"insert or replace into snapshot_refs(segmentid, object, size) values (?, ?, ?)",
			segID, ref.Seq(), newSize); err != nil {
			return fmt.Errorf("reusedb: UseObject writing: %w", err)
		}
	}
	return nil
}

// SetSegmentMetadata records a closed segment's descriptor fields.
// Idempotent for the same segment; mtime is initialised only once.
func (d *DB) SetSegmentMetadata(segment string, meta SegmentMetadata) error {
	segID, err := d.segmentToID(segment)
	if err != nil {
		return err
	}
	_, err = d.tx.Exec(
		"update segments set path = ?, checksum = ?, type = ?, data_size = ?, disk_size = ?, "+
			"mtime = coalesce(mtime, julianday('now')) where segmentid = ?",
		meta.Path, meta.Checksum, meta.Type, meta.DataSize, meta.DiskSize, segID)
	if err != nil {
		return fmt.Errorf("reusedb: SetSegmentMetadata: %w", err)
	}
	return nil
}

// GetSegmentMetadata looks up a segment's descriptor fields for
// descriptor emission.
func (d *DB) GetSegmentMetadata(segment string) (SegmentMetadata, bool, error) {
	var meta SegmentMetadata
	var path, checksum, typ sql.NullString
	var dataSize, diskSize sql.NullInt64
	var mtime sql.NullFloat64
	err := d.tx.QueryRow(
		"select path, checksum, type, data_size, disk_size, mtime from segments where segment = ?",
		segment).Scan(&path, &checksum, &typ, &dataSize, &diskSize, &mtime)
	if err == sql.ErrNoRows {
		return meta, false, nil
	}
	if err != nil {
		return meta, false, fmt.Errorf("reusedb: GetSegmentMetadata: %w", err)
	}
	meta = SegmentMetadata{
		Path: path.String, Checksum: checksum.String, Type: typ.String,
		DataSize: dataSize.Int64, DiskSize: diskSize.Int64, Mtime: mtime.Float64,
	}
	return meta, path.Valid && checksum.Valid, nil
}

// LoadChunkSignatures returns the packed subblock signature blob
// associated with ref's underlying block, if any.
func (d *DB) LoadChunkSignatures(ref objref.Ref) ([]byte, string, bool, error) {
	segID, err := d.segmentToID(ref.Segment())
	if err != nil {
		return nil, "", false, err
	}
	var blockID int64
	err = d.tx.QueryRow(
		"select blockid from block_index where segmentid = ? and object = ?",
		segID, ref.Seq()).Scan(&blockID)
	if err == sql.ErrNoRows {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("reusedb: LoadChunkSignatures resolving block: %w", err)
	}

	var sig []byte
	var algo string
	err = d.tx.QueryRow(
		"select signatures, algorithm from subblock_signatures where blockid = ?",
		blockID).Scan(&sig, &algo)
	if err == sql.ErrNoRows {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("reusedb: LoadChunkSignatures: %w", err)
	}
	return sig, algo, true, nil
}

// StoreChunkSignatures stores the packed subblock signatures for ref's
// underlying block, overwriting any prior row for that block (spec §3:
// "written at most once per block; writer overwrites any prior row").
func (d *DB) StoreChunkSignatures(ref objref.Ref, sig []byte, algorithm string) error {
	segID, err := d.segmentToID(ref.Segment())
	if err != nil {
		return err
	}
	var blockID int64
	err = d.tx.QueryRow(
		"select blockid from block_index where segmentid = ? and object = ?",
		segID, ref.Seq()).Scan(&blockID)
	if err != nil {
		return fmt.Errorf("reusedb: StoreChunkSignatures resolving block: %w", err)
	}
	_, err = d.tx.Exec(
		"insert or replace into subblock_signatures(blockid, algorithm, signatures) values (?, ?, ?)",
		blockID, algorithm, sig)
	if err != nil {
		return fmt.Errorf("reusedb: StoreChunkSignatures: %w", err)
	}
	return nil
}

// Close summarises snapshot_refs into segment_utilization, commits, and
// closes the database.
func (d *DB) Close() error {
	if _, err := d.tx.Exec(
		"insert or replace into segment_utilization "+
			"select ? as snapshotid, segmentid, sum(size) from snapshot_refs group by segmentid",
		d.snapshotID); err != nil {
		d.tx.Rollback()
		d.sql.Close()
		return fmt.Errorf("reusedb: summarizing segment_utilization: %w", err)
	}
	if err := d.tx.Commit(); err != nil {
		d.sql.Close()
		return fmt.Errorf("reusedb: committing: %w", err)
	}
	return d.sql.Close()
}

// SnapshotID returns the id assigned to this run's snapshot row.
func (d *DB) SnapshotID() int64 { return d.snapshotID }
