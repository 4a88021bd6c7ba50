package reusedb

import (
	"path/filepath"
	"testing"

	"github.com/cumulusfs/cumulus/internal/objref"
)

const testSegment = "cf47429e-a503-43ac-9c31-bb3175fbb820"

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "localdb.sqlite")
	db, err := Open(path, "test-snapshot", "", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStoreAndFindObject(t *testing.T) {
	db := openTestDB(t)

	ref := objref.New(testSegment, 0).WithChecksum("sha224=abc123").WithExactRange(4096)
	if err := db.StoreObject(ref, 0); err != nil {
		t.Fatalf("StoreObject: %v", err)
	}

	found, err := db.FindObject("sha224=abc123", 4096)
	if err != nil {
		t.Fatalf("FindObject: %v", err)
	}
	if found.IsNull() {
		t.Fatal("expected FindObject to hit the stored block")
	}
	if found.Segment() != testSegment || found.Seq() != "00000000" {
		t.Fatalf("found ref = %s, want segment/seq %s/00000000", found, testSegment)
	}

	miss, err := db.FindObject("sha224=notstored", 4096)
	if err != nil {
		t.Fatalf("FindObject miss: %v", err)
	}
	if !miss.IsNull() {
		t.Fatalf("expected miss to return null, got %s", miss)
	}
}

func TestIsAvailable(t *testing.T) {
	db := openTestDB(t)

	ref := objref.New(testSegment, 0).WithChecksum("sha224=abc").WithExactRange(10)
	if err := db.StoreObject(ref, 0); err != nil {
		t.Fatal(err)
	}

	avail, err := db.IsAvailable(objref.New(testSegment, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !avail {
		t.Error("expected stored block to be available")
	}

	avail, err = db.IsAvailable(objref.New(testSegment, 1))
	if err != nil {
		t.Fatal(err)
	}
	if avail {
		t.Error("expected unstored object to be unavailable")
	}

	avail, err = db.IsAvailable(objref.ZeroRef(0))
	if err != nil {
		t.Fatal(err)
	}
	if !avail {
		t.Error("synthetic references must always be available")
	}
}

func TestUseObjectCapsAtSizeMinusOneForPartials(t *testing.T) {
	db := openTestDB(t)

	ref := objref.New(testSegment, 0).WithChecksum("sha224=abc").WithExactRange(100)
	if err := db.StoreObject(ref, 0); err != nil {
		t.Fatal(err)
	}

	whole := objref.New(testSegment, 0)
	part1 := whole.WithRange(0, 60)
	part2 := whole.WithRange(60, 40)

	if err := db.UseObject(part1); err != nil {
		t.Fatal(err)
	}
	if err := db.UseObject(part2); err != nil {
		t.Fatal(err)
	}

	segments, err := db.GetUsedSegments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 || segments[0] != testSegment {
		t.Fatalf("used segments = %v, want [%s]", segments, testSegment)
	}

	var covered int64
	if err := db.tx.QueryRow("select size from snapshot_refs").Scan(&covered); err != nil {
		t.Fatal(err)
	}
	if covered != 99 {
		t.Fatalf("covered bytes after two partial uses = %d, want 99", covered)
	}
}

func TestUseObjectWholeReferencePinsFullSize(t *testing.T) {
	db := openTestDB(t)

	ref := objref.New(testSegment, 0).WithChecksum("sha224=abc").WithExactRange(100)
	if err := db.StoreObject(ref, 0); err != nil {
		t.Fatal(err)
	}

	if err := db.UseObject(objref.New(testSegment, 0).WithExactRange(100)); err != nil {
		t.Fatal(err)
	}

	var covered int64
	if err := db.tx.QueryRow("select size from snapshot_refs").Scan(&covered); err != nil {
		t.Fatal(err)
	}
	if covered != 100 {
		t.Fatalf("covered bytes after a whole-object use = %d, want 100", covered)
	}
}

func TestSegmentMetadataRoundTrip(t *testing.T) {
	db := openTestDB(t)

	meta := SegmentMetadata{
		Path:     "segments/" + testSegment + ".tar.bz2",
		Checksum: "sha1=deadbeef",
		Type:     "data",
		DataSize: 4096,
		DiskSize: 2048,
	}
	if err := db.SetSegmentMetadata(testSegment, meta); err != nil {
		t.Fatalf("SetSegmentMetadata: %v", err)
	}

	got, ok, err := db.GetSegmentMetadata(testSegment)
	if err != nil {
		t.Fatalf("GetSegmentMetadata: %v", err)
	}
	if !ok {
		t.Fatal("expected metadata to be found")
	}
	if got.Mtime == 0 {
		t.Error("expected mtime to be populated by SetSegmentMetadata's julianday('now') default")
	}
	got.Mtime = 0
	if got != meta {
		t.Fatalf("GetSegmentMetadata = %+v, want %+v", got, meta)
	}
}

func TestChunkSignaturesRoundTrip(t *testing.T) {
	db := openTestDB(t)

	ref := objref.New(testSegment, 0).WithChecksum("sha224=abc").WithExactRange(20000)
	if err := db.StoreObject(ref, 0); err != nil {
		t.Fatal(err)
	}

	sig := []byte{0x01, 0x02, 0x03, 0x04}
	if err := db.StoreChunkSignatures(ref, sig, "lbfs-4096/sha224"); err != nil {
		t.Fatalf("StoreChunkSignatures: %v", err)
	}

	got, algo, ok, err := db.LoadChunkSignatures(ref)
	if err != nil {
		t.Fatalf("LoadChunkSignatures: %v", err)
	}
	if !ok {
		t.Fatal("expected signatures to be found")
	}
	if algo != "lbfs-4096/sha224" || string(got) != string(sig) {
		t.Fatalf("LoadChunkSignatures = (%v, %q), want (%v, %q)", got, algo, sig, "lbfs-4096/sha224")
	}
}

func TestOpenAcceptsExistingMatchingSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "localdb.sqlite")
	db, err := Open(path, "first", "", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A second Open against the same, already-initialised file with a
	// compatible schema should succeed without re-creating tables.
	db2, err := Open(path, "second", "", 0)
	if err != nil {
		t.Fatalf("re-Open of existing schema: %v", err)
	}
	if err := db2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
