// Package hashreg implements the pluggable digest registry described in
// spec §4.A: a process-wide map from algorithm name to an incremental
// digest constructor, producing "name=hex" strings for object references
// and segment checksums.
//
// Grounded on mmp-bk/storage.go's HashBytes/String pattern (a fixed digest
// producing a hex-encoded identity string); generalized here to multiple
// named, incremental algorithms since the spec requires both the
// historical sha1 format and a new default, plus an extra algorithm
// (shake256) carried over from the teacher's own hash choice.
package hashreg

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/sha3"
)

// Digest is an incremental hash that can be updated with more bytes and
// finalized exactly once (subsequent calls to Digest return the same
// bytes, matching spec §4.A's "idempotent; first call finalises").
type Digest struct {
	name string
	h    hash.Hash
	done bool
	sum  []byte
}

// New returns a new Digest for the named algorithm, or nil if the
// algorithm is unknown (per §4.A, "unknown algorithm -> null constructor
// result; caller's responsibility").
func New(name string) *Digest {
	ctor, ok := registry[name]
	if !ok {
		return nil
	}
	return &Digest{name: name, h: ctor()}
}

// Default is the digest algorithm used for new content (spec §4.A).
const Default = "sha224"

// Required is the algorithm retained for interoperability with the
// historical checksum file format (spec §4.A, §6 .sha1sums).
const Required = "sha1"

var registry = map[string]func() hash.Hash{
	"sha1":     sha1.New,
	"sha224":   sha256.New224,
	"shake256": newShake256,
}

// shake256Hash adapts sha3's extendable-output ShakeHash to the fixed hash.Hash
// interface so it can share the registry with the fixed-output algorithms;
// mmp-bk's storage.HashBytes takes a fixed 32-byte SHAKE256 sum the same way.
type shake256Hash struct {
	sha3.ShakeHash
}

func newShake256() hash.Hash {
	return &shake256Hash{sha3.NewShake256()}
}

func (s *shake256Hash) Sum(b []byte) []byte {
	clone := s.ShakeHash.Clone()
	out := make([]byte, 32)
	clone.Read(out)
	return append(b, out...)
}

func (s *shake256Hash) Size() int      { return 32 }
func (s *shake256Hash) BlockSize() int { return 136 }

// Update feeds more bytes into the digest. It is a no-op after Digest has
// been called once.
func (d *Digest) Update(b []byte) {
	if d == nil || d.done {
		return
	}
	d.h.Write(b)
}

// Digest finalizes (on first call) and returns the raw digest bytes.
func (d *Digest) Digest() []byte {
	if d == nil {
		return nil
	}
	if !d.done {
		d.sum = d.h.Sum(nil)
		d.done = true
	}
	return d.sum
}

// DigestStr returns "name=hex", the textual form embedded in object
// references and segment metadata.
func (d *Digest) DigestStr() string {
	if d == nil {
		return ""
	}
	return d.name + "=" + hex.EncodeToString(d.Digest())
}

// Size returns the raw digest length in bytes for a registered algorithm,
// or 0 if unknown. Used to lay out fixed-width hash fields (e.g. packed
// subblock signatures) without keeping a live Digest around.
func Size(name string) int {
	d := New(name)
	if d == nil {
		return 0
	}
	return len(d.Digest())
}

// HashFile streams path in 4 KiB chunks through the named algorithm and
// returns its "name=hex" digest string.
func HashFile(name, path string) (string, error) {
	d := New(name)
	if d == nil {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			d.Update(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return d.DigestStr(), nil
}
