// DataPage ties one page image to its two payload sections: the fixed
// 16-entry bucket table of child addresses, and the data region that is
// interpreted either as a NibbleBasedMap or, once every bucket is
// populated, as a HashingMap (spec §3 Invariant 3, §4.A).
package page

import (
	"github.com/nibbletree/statepage/pagemgr"
)

// NumBuckets is the per-page nibble fan-out: one child slot per possible
// nibble value (spec §3, §4.D).
const NumBuckets = 16

// bucketEntrySize is the encoded width of one bucket's DbAddress.
const bucketEntrySize = 4

// bucketTableSize is the fixed size, in bytes, of the bucket table.
const bucketTableSize = NumBuckets * bucketEntrySize

// DataPage is a typed view over one page's payload.
type DataPage struct {
	Img *pagemgr.PageImage
}

// Open wraps a page image as a DataPage.
func Open(img *pagemgr.PageImage) *DataPage { return &DataPage{Img: img} }

func (p *DataPage) bucketTable() []byte { return p.Img.Payload()[:bucketTableSize] }

// dataRegion returns the mutable bytes interpreted as a NibbleBasedMap or
// HashingMap, depending on Mode.
func (p *DataPage) dataRegion() []byte { return p.Img.Payload()[bucketTableSize:] }

// Bucket returns the child address stored for nibble n (NullAddress if
// absent).
func (p *DataPage) Bucket(n int) pagemgr.DbAddress {
	off := n * bucketEntrySize
	return pagemgr.GetDbAddress(p.bucketTable()[off : off+bucketEntrySize])
}

// SetBucket records addr as the child for nibble n.
func (p *DataPage) SetBucket(n int, addr pagemgr.DbAddress) {
	off := n * bucketEntrySize
	pagemgr.PutDbAddress(p.bucketTable()[off:off+bucketEntrySize], addr)
}

// AllBucketsFull reports whether every nibble already has a child —
// HashingMap's activation precondition (spec §3 Invariant 3).
func (p *DataPage) AllBucketsFull() bool {
	for n := 0; n < NumBuckets; n++ {
		if p.Bucket(n).IsNull() {
			return false
		}
	}
	return true
}

// Mode reports which interpretation currently applies to the data region.
func (p *DataPage) Mode() pagemgr.DataMode { return p.Img.Header().Mode }

func (p *DataPage) setMode(mode pagemgr.DataMode) {
	h := p.Img.Header()
	h.Mode = mode
	p.Img.SetHeader(h)
}

// Type returns the page's storage role (ordinary DataPage vs a massive
// storage tree subtree root).
func (p *DataPage) Type() pagemgr.PageType { return p.Img.Header().Type }

// TreeLevel returns how many nibbles of the navigation key have already
// been consumed to reach this page (spec §4.A PageHeader.TreeLevel).
func (p *DataPage) TreeLevel() uint8 { return p.Img.Header().TreeLevel }

// AsMap views the data region as a NibbleBasedMap. Only valid in ModeMap.
func (p *DataPage) AsMap() *Map { return NewMap(p.dataRegion()) }

// AsCache views the data region as a HashingMap. Only valid in ModeCache.
func (p *DataPage) AsCache() *HashingMap { return NewHashingMap(p.dataRegion()) }
