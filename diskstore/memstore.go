package diskstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dsnet/golib/memfile"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nibbletree/statepage/pagemgr"
)

// MemStore is an in-memory PageManager backed by github.com/dsnet/golib/memfile,
// used as diskstore.Store's test double: same ReadAt/WriteAt-based code
// path, no real file descriptor (spec §12 supplemented feature).
type MemStore struct {
	mu     sync.Mutex
	buf    []byte
	file   *memfile.File
	nextID uint32
	root   pagemgr.DbAddress
	log    *zap.Logger
}

// NewMemStore creates an empty in-memory page store.
func NewMemStore(log *zap.Logger) *MemStore {
	if log == nil {
		log = zap.NewNop()
	}
	m := &MemStore{log: log}
	m.file = memfile.New(&m.buf)
	return m
}

func (s *MemStore) offsetOf(addr pagemgr.DbAddress) int64 {
	return int64(addr) * int64(pagemgr.PageSize)
}

func (s *MemStore) readRaw(addr pagemgr.DbAddress) ([]byte, error) {
	block := make([]byte, pagemgr.PageSize)
	n, err := s.file.ReadAt(block, s.offsetOf(addr))
	if err != nil {
		return nil, errors.Wrapf(err, "diskstore: memstore read page %d", addr)
	}
	if n != pagemgr.PageSize {
		return nil, errors.Errorf("diskstore: memstore short read of page %d (%d of %d bytes)", addr, n, pagemgr.PageSize)
	}
	return block, nil
}

func (s *MemStore) writeRaw(addr pagemgr.DbAddress, raw []byte) error {
	n, err := s.file.WriteAt(raw, s.offsetOf(addr))
	if err != nil {
		return errors.Wrapf(err, "diskstore: memstore write page %d", addr)
	}
	if n != pagemgr.PageSize {
		return errors.Errorf("diskstore: memstore short write of page %d (%d of %d bytes)", addr, n, pagemgr.PageSize)
	}
	return nil
}

func (s *MemStore) allocAddress() pagemgr.DbAddress {
	return pagemgr.DbAddress(atomic.AddUint32(&s.nextID, 1))
}

func (s *MemStore) GetAt(addr pagemgr.DbAddress) (*pagemgr.PageImage, error) {
	if addr.IsNull() {
		return nil, errors.New("diskstore: memstore GetAt called with the null address")
	}
	raw, err := s.readRaw(addr)
	if err != nil {
		return nil, err
	}
	return &pagemgr.PageImage{Addr: addr, Raw: raw}, nil
}

func (s *MemStore) GetWritableCopy(img *pagemgr.PageImage, batchId uint64) (*pagemgr.PageImage, error) {
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

func (s *MemStore) GetNewPage(batchId uint64, pageType pagemgr.PageType, treeLevel uint8) (*pagemgr.PageImage, error) {
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

func (s *MemStore) GetAddress(img *pagemgr.PageImage) pagemgr.DbAddress { return img.Addr }

func (s *MemStore) FlushPages(ctx context.Context, addrs []pagemgr.DbAddress) error {
	for _, addr := range addrs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := s.readRaw(addr); err != nil {
			return errors.Wrapf(err, "diskstore: memstore flush could not verify page %d", addr)
		}
	}
	return nil
}

func (s *MemStore) FlushRootPage(ctx context.Context, addr pagemgr.DbAddress) error {
	if _, err := s.readRaw(addr); err != nil {
		return errors.Wrapf(err, "diskstore: memstore flush could not verify root page %d", addr)
	}
	s.mu.Lock()
	s.root = addr
	s.mu.Unlock()
	s.log.Info("root committed", zap.Uint32("address", uint32(addr)))
	return nil
}

// Root returns the last address committed via FlushRootPage.
func (s *MemStore) Root() pagemgr.DbAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

var _ pagemgr.PageManager = (*MemStore)(nil)
