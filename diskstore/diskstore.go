// Package diskstore is the concrete, O_DIRECT-backed PageManager named as
// a supplemented feature in SPEC_FULL.md §12: a reference implementation
// of the out-of-scope collaborator spec §6 only specifies an interface
// for. Grounded on the teacher's own use of github.com/ncw/directio in its
// go.mod, simplified to the single-writer model spec §5 requires — no
// latch table, no clock-hand eviction, every page written through
// immediately rather than held dirty in a pool (spec's Non-goal "no
// multi-writer concurrency on the same batch" removes the need for the
// teacher's BufMgr pinning machinery).
package diskstore

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nibbletree/statepage/pagemgr"
)

// Store is a disk-backed PageManager. Every page is PageSize bytes,
// read and written at aligned offsets via O_DIRECT.
type Store struct {
	mu     sync.Mutex
	file   *os.File
	nextID uint32
	root   pagemgr.DbAddress
	log    *zap.Logger
}

// Open opens (creating if absent) path as an O_DIRECT page store.
func Open(path string, log *zap.Logger) (*Store, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "diskstore: open %s", path)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{file: f, log: log}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return errors.Wrap(s.file.Close(), "diskstore: close")
}

func (s *Store) offsetOf(addr pagemgr.DbAddress) int64 {
	return int64(addr) * int64(pagemgr.PageSize)
}

func (s *Store) readRaw(addr pagemgr.DbAddress) ([]byte, error) {
	block := directio.AlignedBlock(pagemgr.PageSize)
	n, err := s.file.ReadAt(block, s.offsetOf(addr))
	if err != nil {
		return nil, errors.Wrapf(err, "diskstore: read page %d", addr)
	}
	if n != pagemgr.PageSize {
		return nil, errors.Errorf("diskstore: short read of page %d (%d of %d bytes)", addr, n, pagemgr.PageSize)
	}
	return block, nil
}

func (s *Store) writeRaw(addr pagemgr.DbAddress, raw []byte) error {
	block := directio.AlignedBlock(pagemgr.PageSize)
	copy(block, raw)
	n, err := s.file.WriteAt(block, s.offsetOf(addr))
	if err != nil {
		return errors.Wrapf(err, "diskstore: write page %d", addr)
	}
	if n != pagemgr.PageSize {
		return errors.Errorf("diskstore: short write of page %d (%d of %d bytes)", addr, n, pagemgr.PageSize)
	}
	s.log.Debug("page written", zap.Uint32("address", uint32(addr)))
	return nil
}

func (s *Store) allocAddress() pagemgr.DbAddress {
	return pagemgr.DbAddress(atomic.AddUint32(&s.nextID, 1))
}

// GetAt resolves addr to its current page image by reading it from disk.
func (s *Store) GetAt(addr pagemgr.DbAddress) (*pagemgr.PageImage, error) {
	if addr.IsNull() {
		return nil, errors.New("diskstore: GetAt called with the null address")
	}
	raw, err := s.readRaw(addr)
	if err != nil {
		return nil, err
	}
	return &pagemgr.PageImage{Addr: addr, Raw: raw}, nil
}

// GetWritableCopy allocates a fresh address, copies img's bytes there, and
// stamps the copy with batchId.
func (s *Store) GetWritableCopy(img *pagemgr.PageImage, batchId uint64) (*pagemgr.PageImage, error) {
	s.mu.Lock()
	addr := s.allocAddress()
	s.mu.Unlock()

	clone := img.Clone(addr)
	h := clone.Header()
	h.BatchId = batchId
	clone.SetHeader(h)
	if err := s.writeRaw(addr, clone.Raw); err != nil {
		return nil, err
	}
	return clone, nil
}

// GetNewPage allocates a fresh, zeroed page stamped with batchId.
func (s *Store) GetNewPage(batchId uint64, pageType pagemgr.PageType, treeLevel uint8) (*pagemgr.PageImage, error) {
	s.mu.Lock()
	addr := s.allocAddress()
	s.mu.Unlock()

	img := pagemgr.NewZeroed(addr)
	img.SetHeader(pagemgr.PageHeader{BatchId: batchId, Type: pageType, TreeLevel: treeLevel, Mode: pagemgr.ModeMap})
	if err := s.writeRaw(addr, img.Raw); err != nil {
		return nil, err
	}
	return img, nil
}

// GetAddress returns the address a page image is currently registered
// under.
func (s *Store) GetAddress(img *pagemgr.PageImage) pagemgr.DbAddress { return img.Addr }

// FlushPages re-persists every touched page. Pages are already written
// through on allocation/COW, so this re-write is idempotent; it exists to
// satisfy the PageManager contract for managers that do buffer dirty
// pages, and to pick up a future durability mechanism (fsync batching)
// without changing the Batch/PageManager boundary.
func (s *Store) FlushPages(ctx context.Context, addrs []pagemgr.DbAddress) error {
	for _, addr := range addrs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := s.readRaw(addr); err != nil {
			return errors.Wrapf(err, "diskstore: flush could not verify page %d", addr)
		}
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "diskstore: fsync on flush")
	}
	return nil
}

// FlushRootPage records addr as the current root and fsyncs.
func (s *Store) FlushRootPage(ctx context.Context, addr pagemgr.DbAddress) error {
	if _, err := s.readRaw(addr); err != nil {
		return errors.Wrapf(err, "diskstore: flush could not verify root page %d", addr)
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "diskstore: fsync on root flush")
	}
	s.mu.Lock()
	s.root = addr
	s.mu.Unlock()
	s.log.Info("root committed", zap.Uint32("address", uint32(addr)))
	return nil
}

// Root returns the last address committed via FlushRootPage.
func (s *Store) Root() pagemgr.DbAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

var _ pagemgr.PageManager = (*Store)(nil)
