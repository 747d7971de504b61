// Package report implements the recursive usage walk spec §4.F describes:
// for each page in a subtree, report its level, how many of its 16
// buckets are populated, and how many entries its local map (or cache)
// holds. Grounded on the teacher's own diagnostic habit of walking the
// buffer pool and logging per-page stats (see bufmgr.go's pool audit
// helpers), generalized from a flat pool scan to a recursive tree walk
// and from fmt.Printf to structured zap logging (spec §10 ambient stack).
package report

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nibbletree/statepage/batch"
	"github.com/nibbletree/statepage/page"
	"github.com/nibbletree/statepage/pagemgr"
)

// Reporter receives one usage line per page visited during Walk.
type Reporter interface {
	ReportDataUsage(level uint8, bucketsUsed, entriesInMap int)
}

// ZapReporter logs each page's usage at Info level, the structured
// equivalent of the teacher's own Printf-based pool audit.
type ZapReporter struct {
	Log *zap.Logger
}

// ReportDataUsage implements Reporter.
func (r ZapReporter) ReportDataUsage(level uint8, bucketsUsed, entriesInMap int) {
	r.Log.Info("page usage",
		zap.Uint8("level", level),
		zap.Int("buckets_used", bucketsUsed),
		zap.Int("entries", entriesInMap),
	)
}

// Walk recursively visits root and every reachable descendant (via
// ordinary bucket fan-out and any storage tree root pointers are left to
// the caller — Walk only follows the bucket table, matching spec §4.F's
// scope), reporting each page's usage to r.
func Walk(root pagemgr.DbAddress, b *batch.Batch, r Reporter) error {
	if root.IsNull() {
		return nil
	}
	img, err := b.GetAt(root)
	if err != nil {
		return errors.Wrapf(err, "report: could not resolve page %d", root)
	}
	p := page.Open(img)

	level, bucketsUsed, entries := p.Describe()
	r.ReportDataUsage(level, bucketsUsed, entries)

	for n := 0; n < page.NumBuckets; n++ {
		child := p.Bucket(n)
		if child.IsNull() {
			continue
		}
		if err := Walk(child, b, r); err != nil {
			return err
		}
	}
	return nil
}
