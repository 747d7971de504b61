package page

import (
	"encoding/binary"

	"github.com/nibbletree/statepage/keys"
	"github.com/nibbletree/statepage/nibble"
)

// SlotSize is the fixed on-disk size of one slot descriptor (spec §4.A).
const SlotSize = 4

// itemAddressMask isolates the 12 low bits of Slot.Raw that hold the
// page-relative item offset.
const itemAddressMask = 0x0FFF

// dataTypeMask isolates the 4 high bits of Slot.Raw that hold the slot's
// DataType. Spec §9 flags the source's `1111 << 12` as a bug (it evaluates
// to decimal 1111, not 0xF000) and mandates 0xF000 here — an implementation
// using the buggy value would let the type field bleed into the address
// field.
const dataTypeMask = 0xF000

const dataTypeShift = 12

// packRaw packs a 12-bit item address and a DataType into the Raw u16.
func packRaw(itemAddress uint16, typ keys.DataType) uint16 {
	if itemAddress > itemAddressMask {
		panic("page: item address does not fit in 12 bits")
	}
	return (itemAddress & itemAddressMask) | (uint16(typ)<<dataTypeShift)&dataTypeMask
}

// unpackRaw is the inverse of packRaw.
func unpackRaw(raw uint16) (itemAddress uint16, typ keys.DataType) {
	itemAddress = raw & itemAddressMask
	typ = keys.DataType((raw & dataTypeMask) >> dataTypeShift)
	return
}

// prefixNibbleMask/prefixCountShift encode Slot.Prefix per spec §4.A:
//
//	bits 0..3   nibble[0]
//	bits 4..7   nibble[1]
//	bits 8..11  nibble[2]
//	bits 12..15 stored-nibble-count (0..3)
const prefixCountShift = 12

// maxPrefixNibbles is the most nibbles a Slot.Prefix can hold inline.
const maxPrefixNibbles = 3

// packPrefix packs up to three nibbles and their count into a Prefix u16.
func packPrefix(nibbles []byte) uint16 {
	if len(nibbles) > maxPrefixNibbles {
		panic("page: prefix holds at most 3 nibbles")
	}
	var p uint16
	for i, nb := range nibbles {
		p |= uint16(nb&0x0f) << (4 * uint(i))
	}
	p |= uint16(len(nibbles)) << prefixCountShift
	return p
}

// prefixCount returns the stored-nibble-count field of a Prefix word.
func prefixCount(prefix uint16) int {
	return int(prefix >> prefixCountShift)
}

// DecodeNibblesFromPrefix is the inverse of packPrefix: it returns the up
// to three nibbles encoded in prefix.
func DecodeNibblesFromPrefix(prefix uint16) []byte {
	n := prefixCount(prefix)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = byte((prefix >> (4 * uint(i))) & 0x0f)
	}
	return out
}

// FirstNibbleOfPrefix returns nibble[0], valid only when prefixCount(prefix) > 0.
func FirstNibbleOfPrefix(prefix uint16) byte {
	return byte(prefix & 0x0f)
}

// ExtractPrefix consumes up to three leading nibbles of path and returns
// the packed Prefix word plus the residual path (spec §4.A).
func ExtractPrefix(path nibble.Path) (prefix uint16, residual nibble.Path) {
	n := path.Length()
	if n > maxPrefixNibbles {
		n = maxPrefixNibbles
	}
	prefix = packPrefix(path.Take(n))
	residual = path.SliceFrom(n)
	return
}

// slot is a decoded view of one 4-byte slot descriptor.
type slot struct {
	itemAddress uint16
	typ         keys.DataType
	prefix      uint16
}

// slotOffset returns the byte offset of slot index idx within a data
// region, relative to the start of the region (the mapHeader occupies the
// first mapHeaderSize bytes).
func slotOffset(idx int) int {
	return mapHeaderSize + idx*SlotSize
}

func readSlot(region []byte, idx int) slot {
	off := slotOffset(idx)
	raw := binary.LittleEndian.Uint16(region[off : off+2])
	prefix := binary.LittleEndian.Uint16(region[off+2 : off+4])
	addr, typ := unpackRaw(raw)
	return slot{itemAddress: addr, typ: typ, prefix: prefix}
}

func writeSlot(region []byte, idx int, s slot) {
	off := slotOffset(idx)
	binary.LittleEndian.PutUint16(region[off:off+2], packRaw(s.itemAddress, s.typ))
	binary.LittleEndian.PutUint16(region[off+2:off+4], s.prefix)
}

func clearSlot(region []byte, idx int) {
	off := slotOffset(idx)
	for i := 0; i < SlotSize; i++ {
		region[off+i] = 0
	}
}
