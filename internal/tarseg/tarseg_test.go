package tarseg

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestWriteObjectNoFilterRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	p, err := Open("cf47429e-a503-43ac-9c31-bb3175fbb820", nopWriteCloser{&buf}, "", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	seq0, err := p.WriteObject([]byte("hello"))
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	seq1, err := p.WriteObject([]byte("world!!"))
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if seq0 != 0 || seq1 != 1 {
		t.Fatalf("sequence numbers = %d, %d, want 0, 1", seq0, seq1)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tr := tar.NewReader(&buf)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar.Next: %v", err)
		}
		names = append(names, hdr.Name)
		if hdr.Mode != 0600 {
			t.Errorf("mode = %o, want 0600", hdr.Mode)
		}
	}
	want := []string{
		"cf47429e-a503-43ac-9c31-bb3175fbb820/00000000",
		"cf47429e-a503-43ac-9c31-bb3175fbb820/00000001",
	}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestWriteObjectThroughFilter(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "segment.tar")
	out, err := os.Create(outPath)
	if err != nil {
		t.Fatal(err)
	}

	p, err := Open("cf47429e-a503-43ac-9c31-bb3175fbb820", out, "cat", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := p.WriteObject([]byte("payload")); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	tr := tar.NewReader(f)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("tar.Next: %v", err)
	}
	if hdr.Name != "cf47429e-a503-43ac-9c31-bb3175fbb820/00000000" {
		t.Errorf("name = %q", hdr.Name)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("data = %q, want %q", data, "payload")
	}
}

func TestSizeEstimate(t *testing.T) {
	var buf bytes.Buffer
	p, err := Open("cf47429e-a503-43ac-9c31-bb3175fbb820", nopWriteCloser{&buf}, "", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := make([]byte, 1280)
	if _, err := p.WriteObject(data); err != nil {
		t.Fatal(err)
	}
	if got, want := p.SizeEstimate(), int64(10); got != want {
		t.Errorf("SizeEstimate() = %d, want %d (1280/128)", got, want)
	}

	p.SetDiskSizeFunc(func() int64 { return 5000 })
	if got, want := p.SizeEstimate(), int64(5000); got != want {
		t.Errorf("SizeEstimate() with larger on-disk size = %d, want %d", got, want)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}
