package pagemgr

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

var errNullAddress = errors.New("pagemgr: GetAt called with the null address")

func errUnknownPage(addr DbAddress) error {
	return errors.Errorf("pagemgr: no page registered at address %d", addr)
}

// InMemory is a sample PageManager implementation that stores every page
// in memory only, with no eviction. It mirrors the teacher's own
// ParentBufMgrDummy: a map from address to page plus an atomically
// incrementing next-address counter, used directly in unit tests.
type InMemory struct {
	pages  map[DbAddress]*PageImage
	nextID uint32
	root   DbAddress
}

// NewInMemory creates an empty in-memory PageManager. Address 0 stays
// reserved; the first page handed out by GetNewPage is address 1.
func NewInMemory() *InMemory {
	return &InMemory{pages: make(map[DbAddress]*PageImage)}
}

func (m *InMemory) GetAt(addr DbAddress) (*PageImage, error) {
	if addr.IsNull() {
		return nil, errNullAddress
	}
	img, ok := m.pages[addr]
	if !ok {
		return nil, errUnknownPage(addr)
	}
	return img, nil
}

func (m *InMemory) GetWritableCopy(img *PageImage, batchId uint64) (*PageImage, error) {
	addr := m.allocAddress()
	clone := img.Clone(addr)
	h := clone.Header()
	h.BatchId = batchId
	clone.SetHeader(h)
	m.pages[addr] = clone
	return clone, nil
}

func (m *InMemory) GetNewPage(batchId uint64, pageType PageType, treeLevel uint8) (*PageImage, error) {
	addr := m.allocAddress()
	img := NewZeroed(addr)
	img.SetHeader(PageHeader{BatchId: batchId, Type: pageType, TreeLevel: treeLevel, Mode: ModeMap})
	m.pages[addr] = img
	return img, nil
}

func (m *InMemory) GetAddress(img *PageImage) DbAddress {
	return img.Addr
}

// FlushPages persists nothing, since everything already lives in memory;
// it only checks that every address is a registered page. Kept so
// InMemory satisfies PageManager for tests that exercise a commit path.
func (m *InMemory) FlushPages(ctx context.Context, addrs []DbAddress) error {
	for _, a := range addrs {
		if _, ok := m.pages[a]; !ok {
			return fmt.Errorf("pagemgr: flush of unknown page %d", a)
		}
	}
	return nil
}

// FlushRootPage records addr as the current root and is otherwise a no-op.
func (m *InMemory) FlushRootPage(ctx context.Context, addr DbAddress) error {
	if _, ok := m.pages[addr]; !ok {
		return fmt.Errorf("pagemgr: flush of unknown root page %d", addr)
	}
	m.root = addr
	return nil
}

// Root returns the last address committed via FlushRootPage.
func (m *InMemory) Root() DbAddress { return m.root }

func (m *InMemory) allocAddress() DbAddress {
	return DbAddress(atomic.AddUint32(&m.nextID, 1))
}
