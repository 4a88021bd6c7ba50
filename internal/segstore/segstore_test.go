package segstore

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cumulusfs/cumulus/internal/remote"
	"github.com/cumulusfs/cumulus/internal/reusedb"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	stageDir := t.TempDir()
	destDir := t.TempDir()

	uploader, err := remote.New(stageDir, "", remote.NewDisk(destDir, 0), nil)
	if err != nil {
		t.Fatalf("remote.New: %v", err)
	}
	t.Cleanup(func() { uploader.Close() })

	db, err := reusedb.Open(filepath.Join(stageDir, "localdb.sqlite"), "test", "", 0)
	if err != nil {
		t.Fatalf("reusedb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return New(uploader, db, "", "", nil), destDir
}

func TestWriteObjectAssignsDenseSequenceNumbers(t *testing.T) {
	s, _ := newTestStore(t)

	r0, err := s.WriteObject([]byte("first"), "data")
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	r1, err := s.WriteObject([]byte("second"), "data")
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if r0.Segment() != r1.Segment() {
		t.Fatalf("expected both objects in the same open segment, got %s and %s", r0, r1)
	}
	if r0.Seq() != "00000000" || r1.Seq() != "00000001" {
		t.Fatalf("sequence numbers = %s, %s", r0.Seq(), r1.Seq())
	}
}

func TestDifferentGroupsGetDifferentSegments(t *testing.T) {
	s, _ := newTestStore(t)

	dataRef, err := s.WriteObject([]byte("x"), "data")
	if err != nil {
		t.Fatal(err)
	}
	metaRef, err := s.WriteObject([]byte("y"), "metadata")
	if err != nil {
		t.Fatal(err)
	}
	if dataRef.Segment() == metaRef.Segment() {
		t.Fatal("expected distinct groups to use distinct segments")
	}
}

func TestSyncUploadsSegmentContent(t *testing.T) {
	s, destDir := newTestStore(t)

	ref, err := s.WriteObject([]byte("payload bytes"), "data")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	// Store.Sync only hands closed segments to the uploader; wait for the
	// uploader to finish copying them to the destination.
	if err := s.uploader.Sync(); err != nil {
		t.Fatalf("uploader Sync: %v", err)
	}

	path := filepath.Join(destDir, "segments", ref.Segment()+".tar")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening uploaded segment: %v", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("tar.Next: %v", err)
	}
	if hdr.Name != ref.Segment()+"/"+ref.Seq() {
		t.Errorf("tar member name = %q, want %q", hdr.Name, ref.Segment()+"/"+ref.Seq())
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload bytes" {
		t.Errorf("segment content = %q", data)
	}
}
