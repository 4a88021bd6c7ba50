// Package metalog implements the metadata log writer of spec §4.I: an
// append-only, chunked, deduplicated log of per-inode metadata records,
// with a statcache fast path that lets unchanged files be described by
// an indirect reference into a prior snapshot's log instead of being
// re-emitted.
//
// Grounded on original_source/metadata.cc's MetadataWriter: the same
// read-ahead statcache comparison, chunked flush, and indirect-reference
// merging, translated from C++ map<string,string> + iostream plumbing
// into Go's bufio and a sorted-key encoding.
package metalog

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/cumulusfs/cumulus/internal/hashreg"
	"github.com/cumulusfs/cumulus/internal/objref"
	"github.com/cumulusfs/cumulus/internal/reusedb"
)

// FlushThreshold is the in-memory queue size, in bytes of encoded text,
// above which pending records are flushed to a new metadata object.
const FlushThreshold = 64 * 1024

// WriteFunc stores data as a new object and returns its reference.
type WriteFunc func(data []byte) (objref.Ref, error)

// Record is an ordered set of metadata fields for one inode. "name" is
// always emitted first regardless of insertion order.
type Record map[string]string

// Equal reports whether two records carry exactly the same fields.
func (r Record) Equal(other Record) bool {
	if len(r) != len(other) {
		return false
	}
	for k, v := range r {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (r Record) encode() string {
	var b strings.Builder
	if name, ok := r["name"]; ok {
		fmt.Fprintf(&b, "name: %s\n", name)
	}
	keys := make([]string, 0, len(r))
	for k := range r {
		if k == "name" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, r[k])
	}
	return b.String()
}

type pendingItem struct {
	text   string
	reused bool
	ref    objref.Ref
	offset int
}

// Writer accepts ordered records and produces chunked metadata objects,
// consulting and rewriting a statcache file as it goes.
type Writer struct {
	write WriteFunc
	db    *reusedb.DB

	fullMetadata bool

	statcachePath    string
	statcacheTmpPath string
	statcacheIn      *bufio.Reader
	statcacheInFile  *os.File
	statcacheOut     *bufio.Writer
	statcacheOutFile *os.File

	oldEOF    bool
	oldRecord Record
	oldLoc    string

	items     []pendingItem
	chunkSize int
	root      strings.Builder
}

// Open opens the statcache at dir/statcache2[-scheme], preparing a fresh
// dir/statcache2[-scheme].<snapshotName> to write into. Read errors on
// the old statcache degrade silently to "no prior data" (spec §7); write
// errors on the new one are fatal.
func Open(dir, snapshotName, scheme string, write WriteFunc, db *reusedb.DB, fullMetadata bool) (*Writer, error) {
	base := dir + "/statcache2"
	if scheme != "" {
		base += "-" + scheme
	}
	tmp := base + "." + snapshotName

	w := &Writer{
		write:            write,
		db:               db,
		fullMetadata:     fullMetadata,
		statcachePath:    base,
		statcacheTmpPath: tmp,
	}

	if f, err := os.Open(base); err == nil {
		w.statcacheInFile = f
		w.statcacheIn = bufio.NewReader(f)
	} else {
		w.oldEOF = true
	}

	outFile, err := os.Create(tmp)
	if err != nil {
		if w.statcacheInFile != nil {
			w.statcacheInFile.Close()
		}
		return nil, fmt.Errorf("metalog: creating %s: %w", tmp, err)
	}
	w.statcacheOutFile = outFile
	w.statcacheOut = bufio.NewWriter(outFile)

	w.readStatcache()
	return w, nil
}

// readStatcache advances to the next "@@<ref>\n<record>\n\n" entry of the
// old statcache, loading it into oldRecord/oldLoc.
func (w *Writer) readStatcache() {
	if w.statcacheIn == nil {
		w.oldEOF = true
		return
	}

	w.oldRecord = Record{}

	line, err := w.statcacheIn.ReadString('\n')
	if err != nil && line == "" {
		w.oldEOF = true
		return
	}
	line = strings.TrimSuffix(line, "\n")
	if !strings.HasPrefix(line, "@@") {
		w.oldEOF = true
		return
	}
	w.oldLoc = line[2:]

	field := ""
	for {
		l, err := w.statcacheIn.ReadString('\n')
		if l == "" && err != nil {
			break
		}
		l = strings.TrimSuffix(l, "\n")
		if l == "" {
			break
		}
		if (l[0] == ' ' || l[0] == '\t') && field != "" {
			w.oldRecord[field] += "\n" + l
			if err != nil {
				break
			}
			continue
		}
		idx := strings.IndexByte(l, ':')
		if idx < 0 {
			if err != nil {
				break
			}
			continue
		}
		field = l[:idx]
		val := strings.TrimLeft(l[idx+1:], " \t")
		w.oldRecord[field] = val
		if err != nil {
			break
		}
	}

	if len(w.oldRecord) == 0 {
		w.oldEOF = true
	}
}

// pathLess implements the filesystem-visit-order comparison of
// original_source/metadata.cc's pathcmp: path components compared
// separately, left to right.
func pathLess(a, b string) bool {
	as := strings.Split(a, "/")
	bs := strings.Split(b, "/")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] != bs[i] {
			return as[i] < bs[i]
		}
	}
	return len(as) < len(bs)
}

func pathCompare(a, b string) int {
	if a == b {
		return 0
	}
	if pathLess(a, b) {
		return -1
	}
	return 1
}

// Find advances over the old statcache in filesystem-visit order until an
// entry with matching name is found (true) or surpassed (false).
func (w *Writer) Find(path string) bool {
	for !w.oldEOF {
		cmp := pathCompare(w.oldRecord["name"], path)
		if cmp == 0 {
			return true
		}
		if cmp > 0 {
			return false
		}
		w.readStatcache()
	}
	return false
}

// StatInfo carries the comparison fields is_unchanged checks against the
// loaded statcache record.
type StatInfo struct {
	Ctime int64
	Mtime int64
	Size  int64
	Inode string // "<dev-major>/<dev-minor>/<ino>"
}

// IsUnchanged compares stat against the record loaded by the most recent
// successful Find, per spec §4.I.
func (w *Writer) IsUnchanged(stat StatInfo) bool {
	if v, ok := w.oldRecord["volatile"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n != 0 {
			return false
		}
	}
	if v, ok := w.oldRecord["ctime"]; !ok || !matchesInt(v, stat.Ctime) {
		return false
	}
	if v, ok := w.oldRecord["mtime"]; !ok || !matchesInt(v, stat.Mtime) {
		return false
	}
	if v, ok := w.oldRecord["size"]; !ok || !matchesInt(v, stat.Size) {
		return false
	}
	if v, ok := w.oldRecord["inode"]; !ok || v != stat.Inode {
		return false
	}
	return true
}

func matchesInt(s string, want int64) bool {
	n, err := strconv.ParseInt(s, 10, 64)
	return err == nil && n == want
}

// OldChecksum returns the "checksum" field of the record loaded by the
// most recent Find, for the statcache fast path's sanity check against a
// freshly recomputed whole-file checksum.
func (w *Writer) OldChecksum() string {
	return w.oldRecord["checksum"]
}

// OldBlocks parses the "data" field of the most recently loaded old
// record into its list of object references, for the statcache fast
// path.
func (w *Writer) OldBlocks() []objref.Ref {
	fields := strings.Fields(w.oldRecord["data"])
	refs := make([]objref.Ref, 0, len(fields))
	for _, f := range fields {
		if r := objref.Parse(f); !r.IsNull() {
			refs = append(refs, r)
		}
	}
	return refs
}

// Add queues record. If it is byte-identical to the record loaded by the
// most recent Find, full-metadata mode is off, and the old indirect
// reference is still available, the queued item is tagged reusable.
func (w *Writer) Add(record Record) {
	item := pendingItem{text: record.encode() + "\n"}

	if !w.fullMetadata && record.Equal(w.oldRecord) {
		ref := objref.Parse(w.oldLoc)
		if !ref.IsNull() {
			if avail, err := w.db.IsAvailable(ref); err == nil && avail {
				item.reused = true
				item.ref = ref
			}
		}
	}

	w.items = append(w.items, item)
	w.chunkSize += len(item.text)

	if w.chunkSize > FlushThreshold {
		w.flush()
	}
}

// flush walks the queue in order, writing non-reusable items directly and
// merging consecutive reusable references into "@<ref>" lines.
func (w *Writer) flush() error {
	var metadata strings.Builder
	var indirect objref.Ref
	offset := 0

	flushIndirect := func() {
		if indirect.IsNull() {
			return
		}
		refstr := indirect.String()
		fmt.Fprintf(&metadata, "@%s\n", refstr)
		offset += len(refstr) + 2
		indirect = objref.NullRef()
	}

	for i := range w.items {
		it := &w.items[i]
		if it.reused {
			if merged, ok := indirect.Merge(it.ref); ok {
				indirect = merged
			} else {
				flushIndirect()
				indirect = it.ref
			}
			continue
		}

		// A blank line separates an "@<ref>" block from the inline text
		// that follows it in the same flush.
		hadIndirect := !indirect.IsNull()
		flushIndirect()
		if hadIndirect {
			metadata.WriteByte('\n')
			offset++
		}
		it.offset = offset
		metadata.WriteString(it.text)
		offset += len(it.text)
	}
	flushIndirect()

	m := metadata.String()
	if len(m) == 0 {
		w.items = nil
		w.chunkSize = 0
		return nil
	}

	ref, err := w.write([]byte(m))
	if err != nil {
		return fmt.Errorf("metalog: writing metadata object: %w", err)
	}
	ref = ref.WithExactRange(int64(len(m)))
	csum := hashreg.New(hashreg.Default)
	csum.Update([]byte(m))
	if err := w.db.StoreObject(ref.WithChecksum(csum.DigestStr()), 0); err != nil {
		return fmt.Errorf("metalog: recording metadata object: %w", err)
	}
	w.root.WriteString("@" + ref.String() + "\n")
	if err := w.db.UseObject(ref); err != nil {
		return fmt.Errorf("metalog: recording metadata object use: %w", err)
	}

	for _, it := range w.items {
		var r objref.Ref
		if it.reused {
			r = it.ref
			if err := w.db.UseObject(r); err != nil {
				return fmt.Errorf("metalog: recording reused reference: %w", err)
			}
		} else {
			r = ref.WithRange(int64(it.offset), int64(len(it.text)))
		}
		if _, err := fmt.Fprintf(w.statcacheOut, "@@%s\n%s", r.String(), it.text); err != nil {
			return fmt.Errorf("metalog: writing statcache entry: %w", err)
		}
	}

	w.items = nil
	w.chunkSize = 0
	return nil
}

// Close flushes any pending records, writes the accumulated root buffer
// as one final metadata object, renames the new statcache over the old,
// and returns the root's reference.
func (w *Writer) Close() (objref.Ref, error) {
	if err := w.flush(); err != nil {
		return objref.NullRef(), err
	}

	rootData := w.root.String()
	ref, err := w.write([]byte(rootData))
	if err != nil {
		return objref.NullRef(), fmt.Errorf("metalog: writing root object: %w", err)
	}
	ref = ref.WithExactRange(int64(len(rootData)))
	if err := w.db.UseObject(ref); err != nil {
		return objref.NullRef(), fmt.Errorf("metalog: recording root object use: %w", err)
	}

	if err := w.statcacheOut.Flush(); err != nil {
		return objref.NullRef(), fmt.Errorf("metalog: flushing statcache: %w", err)
	}
	if err := w.statcacheOutFile.Close(); err != nil {
		return objref.NullRef(), fmt.Errorf("metalog: closing statcache: %w", err)
	}
	if w.statcacheInFile != nil {
		w.statcacheInFile.Close()
	}
	if err := os.Rename(w.statcacheTmpPath, w.statcachePath); err != nil {
		return objref.NullRef(), fmt.Errorf("metalog: renaming statcache: %w", err)
	}

	return ref, nil
}
