// Package batch implements the write-epoch context described as an
// out-of-scope collaborator in spec §1: the current BatchId, plus
// GetAt/GetWritableCopy/GetNewPage/GetAddress against the underlying
// PageManager. Grounded on the teacher's BufMgr epoch/dirty-bit handling
// in bufmgr.go, simplified to the single-writer model spec §5 requires —
// no latch table, no clock-hand eviction, because only one write batch
// exists at a time and pages are never evicted mid-batch.
package batch

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nibbletree/statepage/pagemgr"
)

// Batch owns a mutable view of the page graph for one write epoch. It is
// not safe for concurrent use — spec §5 is explicit that only one write
// batch exists at a time.
type Batch struct {
	id      uint64
	mgr     pagemgr.PageManager
	cowed   map[pagemgr.DbAddress]*pagemgr.PageImage
	touched map[pagemgr.DbAddress]struct{}
}

// New starts a write batch at id against mgr. Callers are responsible for
// choosing a monotonically increasing id across batches (spec Invariant 2).
func New(id uint64, mgr pagemgr.PageManager) *Batch {
	return &Batch{
		id:      id,
		mgr:     mgr,
		cowed:   make(map[pagemgr.DbAddress]*pagemgr.PageImage),
		touched: make(map[pagemgr.DbAddress]struct{}),
	}
}

// BatchId returns the current write epoch (spec Invariant 2).
func (b *Batch) BatchId() uint64 { return b.id }

// GetAt resolves addr to its current page image.
func (b *Batch) GetAt(addr pagemgr.DbAddress) (*pagemgr.PageImage, error) {
	return b.mgr.GetAt(addr)
}

// GetWritableCopy returns a page stamped with the current BatchId, COW'ing
// img if it isn't already. A page already COW'd once in this batch (its
// pre-COW address is in b.cowed) is returned without copying again, so a
// page touched twice in one batch is copied exactly once.
func (b *Batch) GetWritableCopy(img *pagemgr.PageImage) (*pagemgr.PageImage, error) {
	if img.Header().BatchId == b.id {
		return img, nil
	}
	if already, ok := b.cowed[img.Addr]; ok {
		return already, nil
	}
	copy, err := b.mgr.GetWritableCopy(img, b.id)
	if err != nil {
		return nil, errors.Wrapf(err, "batch: COW of page %d failed", img.Addr)
	}
	if copy.Header().BatchId != b.id {
		return nil, errors.Errorf("batch: invariant violated — COW copy of page %d was not stamped with batch %d", img.Addr, b.id)
	}
	b.cowed[img.Addr] = copy
	b.touched[copy.Addr] = struct{}{}
	return copy, nil
}

// GetNewPage allocates a fresh page stamped with the current BatchId.
func (b *Batch) GetNewPage(pageType pagemgr.PageType, treeLevel uint8) (*pagemgr.PageImage, error) {
	img, err := b.mgr.GetNewPage(b.id, pageType, treeLevel)
	if err != nil {
		return nil, errors.Wrap(err, "batch: allocator returned no page")
	}
	b.touched[img.Addr] = struct{}{}
	return img, nil
}

// GetAddress returns the address a page image is currently registered
// under.
func (b *Batch) GetAddress(img *pagemgr.PageImage) pagemgr.DbAddress {
	return b.mgr.GetAddress(img)
}

// TouchedAddresses returns every address allocated or COW'd during this
// batch, in no particular order — the set a caller needs to pass to
// FlushPages at commit.
func (b *Batch) TouchedAddresses() []pagemgr.DbAddress {
	out := make([]pagemgr.DbAddress, 0, len(b.touched))
	for a := range b.touched {
		out = append(out, a)
	}
	return out
}

// Commit flushes every page touched in this batch and then the root,
// matching the teacher's Close() flush-dirty-then-flush-zero ordering.
func (b *Batch) Commit(ctx context.Context, root pagemgr.DbAddress) error {
	if err := b.mgr.FlushPages(ctx, b.TouchedAddresses()); err != nil {
		return errors.Wrap(err, "batch: commit failed flushing touched pages")
	}
	if err := b.mgr.FlushRootPage(ctx, root); err != nil {
		return errors.Wrap(err, "batch: commit failed flushing root page")
	}
	return nil
}
