// Package pagemgr defines the PageManager contract (spec §6): the
// out-of-scope collaborator that supplies fresh pages, resolves addresses
// to page images, and persists pages at commit. The interface shape
// mirrors the teacher's own interfaces.ParentPage / interfaces.ParentBufMgr
// split — a thin page handle plus a manager that fetches, copies, and
// allocates them — generalized from "a parent DB's page pool to embed a
// B-link tree inside" to "the bottom-most page store for a DataPage tree".
package pagemgr

import (
	"context"
	"encoding/binary"
)

// PageSize is the fixed on-disk page size (spec §3, §6).
const PageSize = 4096

// PageHeaderSize is the fixed, 8-byte-aligned size of PageHeader's encoded
// form at the front of every page.
const PageHeaderSize = 16

// DbAddress is a 4-byte little-endian unsigned page index. Zero is the
// reserved null sentinel — the allocator must never hand out page 0 as a
// user page (spec §9 Open Questions).
type DbAddress uint32

// NullAddress is the reserved sentinel meaning "no page".
const NullAddress DbAddress = 0

// IsNull reports whether the address is the null sentinel.
func (a DbAddress) IsNull() bool { return a == NullAddress }

// PutDbAddress encodes addr as 4 little-endian bytes into dst[:4].
func PutDbAddress(dst []byte, addr DbAddress) {
	binary.LittleEndian.PutUint32(dst, uint32(addr))
}

// GetDbAddress decodes a 4-byte little-endian DbAddress from src[:4].
func GetDbAddress(src []byte) DbAddress {
	return DbAddress(binary.LittleEndian.Uint32(src))
}

// PageType tags what a page's data region currently represents.
type PageType uint8

const (
	// DataPageType is an ordinary radix-descent DataPage (spec §4.D).
	DataPageType PageType = iota
	// MassiveStorageTreeType is a dedicated subtree extracted from a page
	// dominated by one account's storage cells (spec §4.D split step).
	MassiveStorageTreeType
)

// DataMode distinguishes which of the two mutually exclusive interpretations
// of a DataPage's data region currently applies (spec §3 Invariant 3, §9).
type DataMode uint8

const (
	// ModeMap: the data region is a NibbleBasedMap.
	ModeMap DataMode = iota
	// ModeCache: the data region is a HashingMap (only valid once all 16
	// buckets are populated).
	ModeCache
)

// PageHeader is the fixed, 16-byte header at the front of every page:
// batch epoch, page type, tree level, and data-region mode.
type PageHeader struct {
	BatchId   uint64
	Type      PageType
	TreeLevel uint8
	Mode      DataMode
}

// Encode writes the header into dst[:PageHeaderSize].
func (h PageHeader) Encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], h.BatchId)
	dst[8] = byte(h.Type)
	dst[9] = h.TreeLevel
	dst[10] = byte(h.Mode)
	for i := 11; i < PageHeaderSize; i++ {
		dst[i] = 0
	}
}

// DecodeHeader reads a PageHeader from src[:PageHeaderSize].
func DecodeHeader(src []byte) PageHeader {
	return PageHeader{
		BatchId:   binary.LittleEndian.Uint64(src[0:8]),
		Type:      PageType(src[8]),
		TreeLevel: src[9],
		Mode:      DataMode(src[10]),
	}
}

// PageImage is an in-memory handle on one page's bytes: a decoded header
// view over the first PageHeaderSize bytes of Raw, plus the remaining
// payload. Raw is always exactly PageSize bytes.
type PageImage struct {
	Addr DbAddress
	Raw  []byte
}

// NewZeroed allocates a fresh, zeroed page image for addr.
func NewZeroed(addr DbAddress) *PageImage {
	return &PageImage{Addr: addr, Raw: make([]byte, PageSize)}
}

// Header decodes the page's header.
func (img *PageImage) Header() PageHeader {
	return DecodeHeader(img.Raw[:PageHeaderSize])
}

// SetHeader re-encodes h into the page's header region.
func (img *PageImage) SetHeader(h PageHeader) {
	h.Encode(img.Raw[:PageHeaderSize])
}

// Payload returns the mutable payload region following the header.
func (img *PageImage) Payload() []byte {
	return img.Raw[PageHeaderSize:]
}

// Clone returns a deep copy of the image, addressed at addr.
func (img *PageImage) Clone(addr DbAddress) *PageImage {
	raw := make([]byte, PageSize)
	copy(raw, img.Raw)
	return &PageImage{Addr: addr, Raw: raw}
}

// PageManager is the out-of-scope collaborator named by spec §6. It
// supplies fresh pages, resolves addresses to page images, and persists
// pages at commit. batch.Batch is the only caller inside this module;
// higher layers never talk to a PageManager directly.
type PageManager interface {
	// GetAt resolves addr to its current page image.
	GetAt(addr DbAddress) (*PageImage, error)
	// GetWritableCopy returns a writable clone of img stamped with
	// batchId, registered under a freshly allocated address.
	GetWritableCopy(img *PageImage, batchId uint64) (*PageImage, error)
	// GetNewPage allocates a fresh, zeroed page stamped with batchId.
	GetNewPage(batchId uint64, pageType PageType, treeLevel uint8) (*PageImage, error)
	// GetAddress returns the address a page image is currently registered
	// under.
	GetAddress(img *PageImage) DbAddress
	// FlushPages persists the given pages durably.
	FlushPages(ctx context.Context, addrs []DbAddress) error
	// FlushRootPage persists addr as the new root of the tree, durably
	// and atomically with respect to FlushPages.
	FlushRootPage(ctx context.Context, addr DbAddress) error
}
