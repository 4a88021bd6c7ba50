package objref

import "testing"

func TestParseFormatRoundTrip(t *testing.T) {
	cases := []string{
		"null",
		"zero",
		"zero[128]",
		"cf47429e-a503-43ac-9c31-bb3175fbb820/0000002b",
		"cf47429e-a503-43ac-9c31-bb3175fbb820/0000002b[1024+512]",
		"cf47429e-a503-43ac-9c31-bb3175fbb820/0000002b[=4096]",
		"cf47429e-a503-43ac-9c31-bb3175fbb820/0000002b(sha1=b9f5d0a21b8d07356723f041f5463dec892654af)[1024+512]",
	}
	for _, s := range cases {
		r := Parse(s)
		if got := r.String(); got != s {
			t.Errorf("Parse(%q).String() = %q, want %q", s, got, s)
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"nul",
		"cf47429e-a503-43ac-9c31-bb3175fbb820/2b",
		"cf47429e-a503-43ac-9c31-bb3175fbb820/0000002bextra",
		"cf47429e-a503-43ac-9c31-bb3175fbb820/0000002b[abc]",
		"not-a-segment/0000002b",
	}
	for _, s := range cases {
		if r := Parse(s); !r.IsNull() {
			t.Errorf("Parse(%q) = %q, want null", s, r.String())
		}
	}
}

func TestIsNullIsNormal(t *testing.T) {
	if !NullRef().IsNull() {
		t.Fatal("NullRef should be null")
	}
	n := New("cf47429e-a503-43ac-9c31-bb3175fbb820", 5)
	if !n.IsNormal() || n.IsNull() || n.IsZero() {
		t.Fatalf("New() should be normal, got %q", n.String())
	}
}

func TestMergeAdjacentRanges(t *testing.T) {
	seg := "cf47429e-a503-43ac-9c31-bb3175fbb820"
	a := New(seg, 1).WithRange(0, 100)
	b := New(seg, 1).WithRange(100, 50)

	merged, ok := a.Merge(b)
	if !ok {
		t.Fatal("expected adjacent ranges to merge")
	}
	if merged.RangeStart() != 0 || merged.RangeLen() != 150 {
		t.Fatalf("merged range = [%d+%d], want [0+150]", merged.RangeStart(), merged.RangeLen())
	}
}

func TestMergeRejectsNonAdjacent(t *testing.T) {
	seg := "cf47429e-a503-43ac-9c31-bb3175fbb820"
	a := New(seg, 1).WithRange(0, 100)
	b := New(seg, 1).WithRange(200, 50)
	if _, ok := a.Merge(b); ok {
		t.Fatal("expected non-adjacent ranges not to merge")
	}
}

func TestMergeRejectsExactRange(t *testing.T) {
	seg := "cf47429e-a503-43ac-9c31-bb3175fbb820"
	a := New(seg, 1).WithExactRange(100)
	b := New(seg, 1).WithRange(100, 50)
	if _, ok := a.Merge(b); ok {
		t.Fatal("expected exact ranges never to merge")
	}
}

func TestMergeIntoNullAdoptsOther(t *testing.T) {
	seg := "cf47429e-a503-43ac-9c31-bb3175fbb820"
	other := New(seg, 2).WithRange(0, 10)
	merged, ok := NullRef().Merge(other)
	if !ok || !merged.Equal(other) {
		t.Fatalf("merge into null = %q, ok=%v, want %q", merged.String(), ok, other.String())
	}
}

func TestChecksumMismatchBlocksMerge(t *testing.T) {
	seg := "cf47429e-a503-43ac-9c31-bb3175fbb820"
	a := New(seg, 1).WithChecksum("sha1=aa").WithRange(0, 10)
	b := New(seg, 1).WithChecksum("sha1=bb").WithRange(10, 10)
	if _, ok := a.Merge(b); ok {
		t.Fatal("expected mismatched checksums to block merge")
	}
}
