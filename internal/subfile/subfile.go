// Package subfile implements the sub-file (block-level) deduplication
// engine of spec §4.H: new file blocks are split into content-defined
// chunks, matched against a chunk-hash index built from previously
// indexed old blocks, and the resulting COPY/NEW item list is compacted
// into as few object references as possible.
//
// Grounded on mmp-bk/storage/split.go's chunk-then-hash pipeline
// (HashSplitter feeding a per-chunk Hash), generalized to also carry an
// old-block index for cross-snapshot reuse, which the teacher's
// single-run splitter has no equivalent of.
package subfile

import (
	"encoding/binary"
	"fmt"

	"github.com/cumulusfs/cumulus/internal/chunker"
	"github.com/cumulusfs/cumulus/internal/hashreg"
	"github.com/cumulusfs/cumulus/internal/objref"
	"github.com/cumulusfs/cumulus/internal/reusedb"
)

// MinSignatureSize is the minimum block size for which chunk signatures
// are stored, per spec §4.H's edge case.
const MinSignatureSize = 16 * 1024

// HashAlgorithm is the digest used for chunk signatures.
const HashAlgorithm = hashreg.Default

// Algorithm identifies the combined chunker+hash scheme, per spec §4.H's
// "<chunker>/<hash>" identifier.
var Algorithm = chunker.Algorithm + "/" + HashAlgorithm

type chunkLoc struct {
	block  int
	offset int64
	length int64
}

// WriteFunc stores data under group and returns its reference, matching
// segstore.Store.WriteObject's signature without importing segstore.
type WriteFunc func(data []byte, group string) (objref.Ref, error)

// Engine performs sub-file matching against a fixed set of old blocks
// for one DB handle.
type Engine struct {
	db        *reusedb.DB
	oldBlocks []objref.Ref

	indexed bool
	index   map[string]chunkLoc
}

// New returns an Engine bound to db.
func New(db *reusedb.DB) *Engine {
	return &Engine{db: db, index: make(map[string]chunkLoc)}
}

// LoadOldBlocks registers the set of old block references to draw
// matches from. Indexing is lazy: it happens on first CreateIncremental
// call.
func (e *Engine) LoadOldBlocks(refs []objref.Ref) {
	e.oldBlocks = refs
	e.indexed = false
	e.index = make(map[string]chunkLoc)
}

func (e *Engine) ensureIndexed() error {
	if e.indexed {
		return nil
	}
	for i, ref := range e.oldBlocks {
		sig, algo, ok, err := e.db.LoadChunkSignatures(ref)
		if err != nil {
			return fmt.Errorf("subfile: loading signatures for block %d: %w", i, err)
		}
		if !ok || algo != Algorithm {
			continue
		}
		var offset int64
		for _, c := range unpackSignatures(sig) {
			e.index[string(c.hash)] = chunkLoc{block: i, offset: offset, length: int64(c.length)}
			offset += int64(c.length)
		}
	}
	e.indexed = true
	return nil
}

type packedChunk struct {
	length uint16
	hash   []byte
}

func packSignatures(chunks []packedChunk) []byte {
	var buf []byte
	for _, c := range chunks {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], c.length)
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, c.hash...)
	}
	return buf
}

func unpackSignatures(buf []byte) []packedChunk {
	hashSize := hashreg.Size(HashAlgorithm)
	var chunks []packedChunk
	for len(buf) >= 2+hashSize {
		length := binary.BigEndian.Uint16(buf[:2])
		hash := append([]byte(nil), buf[2:2+hashSize]...)
		chunks = append(chunks, packedChunk{length: length, hash: hash})
		buf = buf[2+hashSize:]
	}
	return chunks
}

func chunkHash(b []byte) []byte {
	d := hashreg.New(HashAlgorithm)
	d.Update(b)
	return d.Digest()
}

// item is one entry of the working reference list before compaction.
type item struct {
	isCopy bool
	ref    objref.Ref // valid for COPY items immediately

	// NEW-item fields, valid until the literal object is written.
	srcOffset int64
	length    int64
	hash      []byte
}

// CreateIncremental implements spec §4.H's key algorithm: split newBlock
// into chunks, match against the old-block index, and emit a compacted
// list of references. write is used to store any literal (unmatched)
// bytes; group selects the storage group for that write. Every object
// written here is recorded in the reuse database before its chunk
// signatures are stored.
func (e *Engine) CreateIncremental(newBlock []byte, write WriteFunc, group string) ([]objref.Ref, error) {
	if err := e.ensureIndexed(); err != nil {
		return nil, err
	}

	offsets := chunker.Split(newBlock)
	items := make([]item, 0, len(offsets))
	start := int64(0)
	anyHit := false
	for _, end := range offsets {
		chunk := newBlock[start:end]
		h := chunkHash(chunk)
		if loc, ok := e.index[string(h)]; ok {
			anyHit = true
			ref := e.oldBlocks[loc.block].WithRange(loc.offset, loc.length)
			items = append(items, item{isCopy: true, ref: ref})
		} else {
			items = append(items, item{isCopy: false, srcOffset: start, length: int64(end) - start, hash: h})
		}
		start = int64(end)
	}

	if !anyHit {
		ref, err := write(newBlock, group)
		if err != nil {
			return nil, err
		}
		ref = ref.WithExactRange(int64(len(newBlock)))
		csum := hashreg.New(HashAlgorithm)
		csum.Update(newBlock)
		if err := e.db.StoreObject(ref.WithChecksum(csum.DigestStr()), 0); err != nil {
			return nil, fmt.Errorf("subfile: recording block: %w", err)
		}
		if len(newBlock) >= MinSignatureSize {
			var packed []packedChunk
			start := int64(0)
			for _, end := range offsets {
				packed = append(packed, packedChunk{length: uint16(int64(end) - start), hash: chunkHash(newBlock[start:end])})
				start = int64(end)
			}
			if err := e.db.StoreChunkSignatures(ref, packSignatures(packed), Algorithm); err != nil {
				return nil, fmt.Errorf("subfile: storing signatures: %w", err)
			}
		}
		return []objref.Ref{ref}, nil
	}

	hasNew := false
	for _, it := range items {
		if !it.isCopy {
			hasNew = true
			break
		}
	}

	if hasNew {
		var literal []byte
		var newChunks []packedChunk
		newOffsets := make([]int64, len(items))
		for i, it := range items {
			if it.isCopy {
				continue
			}
			newOffsets[i] = int64(len(literal))
			literal = append(literal, newBlock[it.srcOffset:it.srcOffset+it.length]...)
			newChunks = append(newChunks, packedChunk{length: uint16(it.length), hash: it.hash})
		}

		newObjRef, err := write(literal, group)
		if err != nil {
			return nil, err
		}
		newObjRef = newObjRef.WithExactRange(int64(len(literal)))
		csum := hashreg.New(HashAlgorithm)
		csum.Update(literal)
		if err := e.db.StoreObject(newObjRef.WithChecksum(csum.DigestStr()), 0); err != nil {
			return nil, fmt.Errorf("subfile: recording block: %w", err)
		}

		if len(literal) >= MinSignatureSize {
			if err := e.db.StoreChunkSignatures(newObjRef, packSignatures(newChunks), Algorithm); err != nil {
				return nil, fmt.Errorf("subfile: storing signatures: %w", err)
			}
		}

		for i, it := range items {
			if it.isCopy {
				continue
			}
			items[i].ref = newObjRef.WithRange(newOffsets[i], it.length)
			items[i].isCopy = true
		}
	}

	refs := make([]objref.Ref, 0, len(items))
	for _, it := range items {
		refs = append(refs, it.ref)
	}
	return mergeAdjacent(refs), nil
}

// StoreSignatures recomputes chunk signatures for data (an already-stored
// block named by ref) and stores them, without writing any new data. Used
// when rebuilding the statcache's sub-file index for content that was
// found unchanged by whole-block hash and so was never re-chunked.
func (e *Engine) StoreSignatures(data []byte, ref objref.Ref) error {
	if len(data) < MinSignatureSize {
		return nil
	}
	offsets := chunker.Split(data)
	var packed []packedChunk
	start := int64(0)
	for _, end := range offsets {
		packed = append(packed, packedChunk{length: uint16(int64(end) - start), hash: chunkHash(data[start:end])})
		start = int64(end)
	}
	return e.db.StoreChunkSignatures(ref, packSignatures(packed), Algorithm)
}

// mergeAdjacent walks refs in order, merging consecutive references per
// the §3 merge rule.
func mergeAdjacent(refs []objref.Ref) []objref.Ref {
	if len(refs) == 0 {
		return refs
	}
	out := make([]objref.Ref, 0, len(refs))
	cur := refs[0]
	for _, r := range refs[1:] {
		if merged, ok := cur.Merge(r); ok {
			cur = merged
			continue
		}
		out = append(out, cur)
		cur = r
	}
	out = append(out, cur)
	return out
}
