// Package fsck implements a read-only consistency check over a reuse
// database: every live object reference should resolve to a segment that
// the database actually recorded. It never deletes or rewrites anything;
// that is left to a GC tool spec.md's Non-goals put out of scope.
//
// Grounded on original_source/ruby/cumulus-util's "verify" helper, which
// walks the same two tables read-only and reports holes without touching
// the remote.
package fsck

import (
	"fmt"
	"io"
	"sort"

	"github.com/cumulusfs/cumulus/internal/reusedb"
)

// Report is the result of one Check run.
type Report struct {
	SegmentsChecked int
	BlocksChecked   int
	MissingSegments []string
}

// OK reports whether the database is free of missing-segment references.
func (r Report) OK() bool {
	return len(r.MissingSegments) == 0
}

// Print writes a human-readable summary of the report to w.
func (r Report) Print(w io.Writer) {
	fmt.Fprintf(w, "%d segments, %d blocks checked\n", r.SegmentsChecked, r.BlocksChecked)
	if r.OK() {
		fmt.Fprintln(w, "no missing segment coverage")
		return
	}
	fmt.Fprintf(w, "%d blocks reference missing segments:\n", len(r.MissingSegments))
	for _, seg := range r.MissingSegments {
		fmt.Fprintf(w, "  %s\n", seg)
	}
}

// Check opens the reuse database at dbPath read-only and verifies that
// every block's segment is present in the segments table. It performs no
// writes and holds no long-lived transaction.
func Check(dbPath string) (Report, error) {
	segments, err := reusedb.ListSegments(dbPath)
	if err != nil {
		return Report{}, fmt.Errorf("fsck: listing segments: %w", err)
	}
	known := make(map[string]bool, len(segments))
	for _, s := range segments {
		known[s.UUID] = true
	}

	blocks, err := reusedb.ListBlocks(dbPath)
	if err != nil {
		return Report{}, fmt.Errorf("fsck: listing blocks: %w", err)
	}

	missing := make(map[string]bool)
	for _, b := range blocks {
		if b.Expired {
			continue
		}
		if !known[b.Segment] {
			missing[b.Segment] = true
		}
	}

	var missingList []string
	for seg := range missing {
		missingList = append(missingList, seg)
	}
	sort.Strings(missingList)

	return Report{
		SegmentsChecked: len(segments),
		BlocksChecked:   len(blocks),
		MissingSegments: missingList,
	}, nil
}
