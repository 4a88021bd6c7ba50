// Package integrity protects staged segment and meta files against local
// bit rot before they leave the client for a "dumb", unindexed remote that
// cannot itself detect corruption (spec §1).
//
// Grounded on mmp-bk/rdso: a file is split into N data shards, K parity
// shards are computed with Reed-Solomon coding, and a per-shard hash chain
// (at a configurable rate) lets Verify pinpoint which shards are bad
// without re-deriving the whole parity computation. The sidecar format
// (a gob-encoded sidecar struct) and the data/parity shard split are kept
// verbatim from the teacher; only the entry points are renamed to match
// the staging-file domain (Protect/Verify/Repair rather than
// EncodeFile/CheckFile/RestoreFile).
package integrity

import (
	"encoding/gob"
	"errors"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"

	"github.com/cumulusfs/cumulus/internal/logging"
)

// HashSize is the width of the per-shard integrity hash.
const HashSize = 32

type shardHash [HashSize]byte

func hashBytes(b []byte) shardHash {
	var h shardHash
	sha3.ShakeSum256(h[:], b)
	return h
}

// sidecar is the gob-encoded structure written to "<path>.rs".
type sidecar struct {
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]shardHash // data shards first, then parity
	ParityShards               [][]byte
}

// ErrCorrupt is returned by Verify when one or more shards fail their
// integrity hash.
var ErrCorrupt = errors.New("integrity: staged file failed verification")

// DefaultShards chooses a (data, parity) split for a file of the given
// size: small staging files (up to 1 MiB) use a modest split; bigger ones get proportionally more data shards while
// capping parity at 4, since a local disk or object store is expected to
// fail a whole file rather than flip scattered bits.
func DefaultShards(size int64) (nData, nParity int) {
	switch {
	case size <= 1<<20:
		return 4, 2
	case size <= 16<<20:
		return 10, 3
	default:
		return 16, 4
	}
}

// Protect reads path, computes Reed-Solomon parity shards plus a hash
// chain, and writes the result to path+".rs". It does not modify path.
func Protect(path string, nData, nParity int, hashRate int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	dataShards, err := readAndShard(f, fi.Size(), nData)
	if err != nil {
		return err
	}

	sc := sidecar{
		FileSize:      fi.Size(),
		NDataShards:   nData,
		NParityShards: nParity,
		HashRate:      hashRate,
	}
	for i := 0; i < nParity; i++ {
		sc.ParityShards = append(sc.ParityShards, make([]byte, len(dataShards[0])))
	}

	enc, err := reedsolomon.New(nData, nParity)
	if err != nil {
		return err
	}
	all := append(append([][]byte{}, dataShards...), sc.ParityShards...)
	if err := enc.Encode(all); err != nil {
		return err
	}

	for _, s := range dataShards {
		sc.Hashes = append(sc.Hashes, hashChunks(s, hashRate))
	}
	for _, s := range sc.ParityShards {
		sc.Hashes = append(sc.Hashes, hashChunks(s, hashRate))
	}

	out, err := os.Create(path + ".rs")
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(out).Encode(sc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Verify checks path against its "<path>.rs" sidecar, logging a warning
// for every mismatching shard via log (which may be nil). It returns
// ErrCorrupt if any shard fails.
func Verify(path string, log *logging.Logger) error {
	_, err := checkOrRepair(path, log, false)
	return err
}

// Repair attempts to reconstruct path from its sidecar's parity shards,
// writing the recovered file to path+".recovered". If every shard passes
// its hash, nothing is written and Repair returns nil. If the damaged
// chunks cannot be rebuilt, it returns the Reed-Solomon reconstruction
// error; Repair never returns ErrCorrupt.
func Repair(path string, log *logging.Logger) error {
	_, err := checkOrRepair(path, log, true)
	return err
}

func readAndShard(r io.Reader, size int64, nShards int) ([][]byte, error) {
	shardSize := (size + int64(nShards) - 1) / int64(nShards)
	buf := make([]byte, int64(nShards)*shardSize)
	if _, err := io.ReadFull(r, buf[:size]); err != nil {
		return nil, err
	}
	return splitEvery(buf, shardSize), nil
}

func splitEvery(b []byte, size int64) (out [][]byte) {
	for int64(len(b)) > size {
		out = append(out, b[:size])
		b = b[size:]
	}
	return append(out, b)
}

func hashChunks(b []byte, rate int64) []shardHash {
	var hs []shardHash
	for _, c := range splitEvery(b, rate) {
		hs = append(hs, hashBytes(c))
	}
	return hs
}

func readSidecar(path string) (sidecar, error) {
	var sc sidecar
	f, err := os.Open(path)
	if err != nil {
		return sc, err
	}
	defer f.Close()
	return sc, gob.NewDecoder(f).Decode(&sc)
}

func checkOrRepair(path string, log *logging.Logger, repair bool) (bool, error) {
	sc, err := readSidecar(path + ".rs")
	if err != nil {
		return false, err
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	dataShards, err := readAndShard(f, sc.FileSize, sc.NDataShards)
	if err != nil {
		return false, err
	}

	var chunked [][][]byte
	for _, s := range dataShards {
		chunked = append(chunked, splitEvery(s, sc.HashRate))
	}
	for _, s := range sc.ParityShards {
		chunked = append(chunked, splitEvery(s, sc.HashRate))
	}

	errors := 0
	nChunks := len(chunked[0])
	for c := 0; c < nChunks; c++ {
		for s := range chunked {
			if hashBytes(chunked[s][c]) != sc.Hashes[s][c] {
				kind := "data"
				if s >= len(dataShards) {
					kind = "parity"
				}
				if log != nil {
					log.Warning("%s: %s shard %d chunk %d failed integrity check", path, kind, s, c)
				}
				errors++
				chunked[s][c] = nil
			}
		}
	}

	if errors == 0 {
		return true, nil
	}
	if !repair {
		return false, ErrCorrupt
	}

	enc, err := reedsolomon.New(sc.NDataShards, sc.NParityShards)
	if err != nil {
		return false, err
	}
	for c := 0; c < nChunks; c++ {
		recon := make([][]byte, len(chunked))
		missing := 0
		for s := range chunked {
			recon[s] = chunked[s][c]
			if recon[s] == nil {
				missing++
			}
		}
		if missing == 0 {
			continue
		}
		if err := enc.Reconstruct(recon); err != nil {
			return false, err
		}
		for s := 0; s < len(dataShards); s++ {
			copy(dataShards[s][int64(c)*sc.HashRate:], recon[s])
		}
	}

	out, err := os.Create(path + ".recovered")
	if err != nil {
		return false, err
	}
	remaining := sc.FileSize
	for _, s := range dataShards {
		n := int64(len(s))
		if n > remaining {
			n = remaining
		}
		if _, err := out.Write(s[:n]); err != nil {
			out.Close()
			return false, err
		}
		remaining -= n
	}
	return false, out.Close()
}
