package hashreg

import "testing"

func TestDigestStrIdempotent(t *testing.T) {
	d := New("sha224")
	if d == nil {
		t.Fatal("sha224 should be registered")
	}
	d.Update([]byte("hello "))
	d.Update([]byte("world"))
	first := d.DigestStr()
	second := d.DigestStr()
	if first != second {
		t.Fatalf("Digest() not idempotent: %q != %q", first, second)
	}
	if first[:7] != "sha224=" {
		t.Fatalf("unexpected prefix: %q", first)
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	if New("md5-but-not-registered") != nil {
		t.Fatal("expected nil Digest for unknown algorithm")
	}
}

func TestShake256RegisteredAndFixedWidth(t *testing.T) {
	d := New("shake256")
	if d == nil {
		t.Fatal("shake256 should be registered")
	}
	d.Update([]byte("data"))
	sum := d.Digest()
	if len(sum) != 32 {
		t.Fatalf("shake256 digest length = %d, want 32", len(sum))
	}
}
