package chunker

import (
	"math/rand"
	"testing"
)

func TestSplitDeterministic(t *testing.T) {
	buf := make([]byte, 512*1024)
	rand.New(rand.NewSource(42)).Read(buf)

	a := Split(buf)
	b := Split(buf)

	if len(a) != len(b) {
		t.Fatalf("break counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("break %d differs: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestChunkLengthsWithinBounds(t *testing.T) {
	buf := make([]byte, 1024*1024)
	rand.New(rand.NewSource(7)).Read(buf)

	breaks := Split(buf)
	start := 0
	for i, end := range breaks {
		length := end - start
		last := i == len(breaks)-1
		if length < MinChunk && !last {
			t.Fatalf("chunk %d length %d below MinChunk", i, length)
		}
		if length > MaxChunk {
			t.Fatalf("chunk %d length %d exceeds MaxChunk", i, length)
		}
		start = end
	}
	if len(breaks) == 0 || breaks[len(breaks)-1] != len(buf) {
		t.Fatalf("final break must cover the whole buffer")
	}
}

func TestSmallBufferIsSingleChunk(t *testing.T) {
	buf := []byte("a small file that never reaches a break point")
	breaks := Split(buf)
	if len(breaks) != 1 || breaks[0] != len(buf) {
		t.Fatalf("expected single trailing chunk, got %v", breaks)
	}
}

func TestPrependShiftsOnlyLeadingBreaks(t *testing.T) {
	// Content-defined chunking: prepending bytes should leave later
	// break-points at the same *content* position, i.e. shifted by
	// exactly the prepended length, once the algorithm has resynced.
	base := make([]byte, 256*1024)
	rand.New(rand.NewSource(99)).Read(base)

	prefix := make([]byte, 16)
	rand.New(rand.NewSource(123)).Read(prefix)
	modified := append(append([]byte{}, prefix...), base...)

	baseBreaks := Split(base)
	modBreaks := Split(modified)

	if len(baseBreaks) == 0 || len(modBreaks) == 0 {
		t.Fatal("expected at least one break in a 256KiB buffer")
	}

	shifted := 0
	for _, mb := range modBreaks {
		for _, bb := range baseBreaks {
			if mb-len(prefix) == bb {
				shifted++
				break
			}
		}
	}
	if shifted == 0 {
		t.Fatalf("expected at least one resynced break-point after prepending bytes")
	}
}
