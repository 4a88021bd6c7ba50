package integrity

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestProtectVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.tar")

	data := make([]byte, 300*1024)
	rand.New(rand.NewSource(1)).Read(data)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	if err := Protect(path, 4, 2, 16*1024); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if err := Verify(path, nil); err != nil {
		t.Fatalf("Verify of untouched file: %v", err)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.tar")

	data := make([]byte, 300*1024)
	rand.New(rand.NewSource(2)).Read(data)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	if err := Protect(path, 4, 2, 16*1024); err != nil {
		t.Fatalf("Protect: %v", err)
	}

	data[1000] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	if err := Verify(path, nil); err != ErrCorrupt {
		t.Fatalf("Verify = %v, want ErrCorrupt", err)
	}
}

func TestRepairReconstructsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.tar")

	data := make([]byte, 200*1024)
	rand.New(rand.NewSource(3)).Read(data)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	if err := Protect(path, 6, 3, 8*1024); err != nil {
		t.Fatalf("Protect: %v", err)
	}

	corrupt := make([]byte, len(data))
	copy(corrupt, data)
	// Knock out one data shard's worth of bytes (recoverable with 3 parity shards).
	shardSize := len(data) / 6
	for i := 0; i < shardSize; i++ {
		corrupt[i] = 0
	}
	if err := os.WriteFile(path, corrupt, 0600); err != nil {
		t.Fatal(err)
	}

	if err := Repair(path, nil); err != nil {
		t.Fatalf("Repair: %v", err)
	}

	recovered, err := os.ReadFile(path + ".recovered")
	if err != nil {
		t.Fatalf("reading recovered file: %v", err)
	}
	if len(recovered) != len(data) {
		t.Fatalf("recovered length = %d, want %d", len(recovered), len(data))
	}
}
