// NibbleBasedMap: the append-only slot directory + heap that occupies a
// DataPage's data region in its default (non-cache) mode (spec §3, §4.B).
// Grounded on the teacher's own bltree.go slot manipulation
// (insertSlot/cleanPage/splitPage): slots grow from the low end, the item
// heap grows from the high end, and garbage is reclaimed lazily.
package page

import (
	"bytes"
	"encoding/binary"

	"github.com/nibbletree/statepage/keys"
	"github.com/nibbletree/statepage/nibble"
)

// mapHeaderSize is the fixed 8-byte header: Low, High, Deleted, and a
// 2-byte padding field (spec §4.A).
const mapHeaderSize = 8

// MinDataRegionSize is the smallest data region NibbleBasedMap can operate
// over: enough for one slot plus minimal heap room (spec §4.B).
const MinDataRegionSize = 3 * 8

// AllNibbles requests every live slot from EnumerateNibble, regardless of
// its first prefix nibble.
const AllNibbles = -1

// Map is a NibbleBasedMap view over a byte region shared with its backing
// page — all mutation is in place.
type Map struct {
	region []byte
}

// NewMap wraps region (a DataPage's data region) as a NibbleBasedMap. The
// region's header is read as-is; a freshly zeroed region is already a
// valid, empty map (Low = High = Deleted = 0).
func NewMap(region []byte) *Map {
	if len(region) < MinDataRegionSize {
		panic("page: data region smaller than MinDataRegionSize")
	}
	return &Map{region: region}
}

func getLow(region []byte) uint16      { return binary.LittleEndian.Uint16(region[0:2]) }
func setLow(region []byte, v uint16)   { binary.LittleEndian.PutUint16(region[0:2], v) }
func getHigh(region []byte) uint16     { return binary.LittleEndian.Uint16(region[2:4]) }
func setHigh(region []byte, v uint16)  { binary.LittleEndian.PutUint16(region[2:4], v) }
func getDeleted(region []byte) uint16  { return binary.LittleEndian.Uint16(region[4:6]) }
func setDeleted(region []byte, v uint16) { binary.LittleEndian.PutUint16(region[4:6], v) }

// Low is the number of bytes of slots written so far.
func (m *Map) Low() uint16 { return getLow(m.region) }

// High is the number of bytes of heap consumed so far.
func (m *Map) High() uint16 { return getHigh(m.region) }

// Deleted is the number of tombstoned (not yet reclaimed) slots.
func (m *Map) Deleted() uint16 { return getDeleted(m.region) }

// Taken is Low + High: total bytes committed to slots and heap.
func (m *Map) Taken() int { return int(m.Low()) + int(m.High()) }

// capacity is the usable byte budget for slots + heap, excluding the
// mapHeader itself.
func (m *Map) capacity() int { return len(m.region) - mapHeaderSize }

// SlotCount returns the number of slot descriptors written, live or dead.
func (m *Map) SlotCount() int { return int(m.Low()) / SlotSize }

// Count returns the number of live (non-tombstoned) slots.
func (m *Map) Count() int {
	c := 0
	for idx := 0; idx < m.SlotCount(); idx++ {
		if readSlot(m.region, idx).typ != keys.Deleted {
			c++
		}
	}
	return c
}

// itemBytes returns the raw heap bytes belonging to slot idx, whose upper
// bound is the item address of the previously inserted slot (idx-1) or the
// region length for the very first slot (spec §3 "Items").
func (m *Map) itemBytes(idx int, s slot) []byte {
	lower := int(s.itemAddress)
	upper := len(m.region)
	if idx > 0 {
		upper = int(readSlot(m.region, idx-1).itemAddress)
	}
	return m.region[lower:upper]
}

func (m *Map) itemLen(idx int, s slot) int {
	return len(m.itemBytes(idx, s))
}

// findSlotIndex locates the live slot, if any, whose key equals key: same
// prefix word, same DataType, matching residual path, and (for
// StorageCell-family keys) matching additional key.
func (m *Map) findSlotIndex(key keys.Key) (int, bool) {
	prefix, residual := ExtractPrefix(key.Path)
	for idx := 0; idx < m.SlotCount(); idx++ {
		s := readSlot(m.region, idx)
		if s.typ == keys.Deleted || s.typ != key.Type || s.prefix != prefix {
			continue
		}
		payload := m.itemBytes(idx, s)
		encodedResidual, consumed := nibble.Decode(payload)
		if !encodedResidual.Equal(residual) {
			continue
		}
		if hasAdditionalKey(key.Type) {
			rest := payload[consumed:]
			if len(rest) < keys.AdditionalKeySize || !bytes.Equal(rest[:keys.AdditionalKeySize], key.AdditionalKey) {
				continue
			}
		}
		return idx, true
	}
	return 0, false
}

func hasAdditionalKey(t keys.DataType) bool {
	return t == keys.StorageCell || t == keys.StorageTreeStorageCell
}

// TryGet looks up key and returns its stored value bytes.
func (m *Map) TryGet(key keys.Key) (bool, []byte) {
	idx, found := m.findSlotIndex(key)
	if !found {
		return false, nil
	}
	s := readSlot(m.region, idx)
	payload := m.itemBytes(idx, s)
	_, consumed := nibble.Decode(payload)
	rest := payload[consumed:]
	if hasAdditionalKey(key.Type) {
		rest = rest[keys.AdditionalKeySize:]
	}
	out := make([]byte, len(rest))
	copy(out, rest)
	return true, out
}

// buildPayload assembles the on-heap item layout:
// [encoded_residual_path][additional_key?][value].
func buildPayload(residual nibble.Path, additionalKey, data []byte) []byte {
	encoded := residual.Encode()
	out := make([]byte, 0, len(encoded)+len(additionalKey)+len(data))
	out = append(out, encoded...)
	out = append(out, additionalKey...)
	out = append(out, data...)
	return out
}

// appendRaw appends one new slot+heap item to region in a single
// low-level step: the common tail of TrySet and Defragment.
func appendRaw(region []byte, typ keys.DataType, prefix uint16, payload []byte) bool {
	capacity := len(region) - mapHeaderSize
	low := getLow(region)
	high := getHigh(region)
	total := len(payload)
	if int(low)+int(high)+total+SlotSize > capacity {
		return false
	}
	itemAddr := len(region) - int(high) - total
	copy(region[itemAddr:itemAddr+total], payload)
	idx := int(low) / SlotSize
	writeSlot(region, idx, slot{itemAddress: uint16(itemAddr), typ: typ, prefix: prefix})
	setLow(region, low+SlotSize)
	setHigh(region, high+uint16(total))
	return true
}

// TrySet implements spec §4.B TrySet: overwrite in place when the existing
// value has identical length, otherwise tombstone-and-append, defragmenting
// once on overflow before giving up.
func (m *Map) TrySet(key keys.Key, data []byte) bool {
	if idx, found := m.findSlotIndex(key); found {
		s := readSlot(m.region, idx)
		payload := m.itemBytes(idx, s)
		_, consumed := nibble.Decode(payload)
		rest := payload[consumed:]
		if hasAdditionalKey(key.Type) {
			rest = rest[keys.AdditionalKeySize:]
		}
		if len(rest) == len(data) {
			copy(rest, data)
			return true
		}
		s.typ = keys.Deleted
		writeSlot(m.region, idx, s)
		setDeleted(m.region, getDeleted(m.region)+1)
	}

	prefix, residual := ExtractPrefix(key.Path)
	payload := buildPayload(residual, key.AdditionalKey, data)

	if appendRaw(m.region, key.Type, prefix, payload) {
		return true
	}
	if m.Deleted() == 0 {
		return false
	}
	m.Defragment()
	return appendRaw(m.region, key.Type, prefix, payload)
}

// DeleteAt tombstones slot idx directly (used by DataPage split/extraction,
// which already knows the index from an enumeration pass) and immediately
// collects any now-dead tail.
func (m *Map) DeleteAt(idx int) {
	s := readSlot(m.region, idx)
	if s.typ == keys.Deleted {
		return
	}
	s.typ = keys.Deleted
	writeSlot(m.region, idx, s)
	setDeleted(m.region, getDeleted(m.region)+1)
	m.CollectTombstones()
}

// Delete marks key's slot tombstoned and immediately collects tombstones
// (spec §4.B).
func (m *Map) Delete(key keys.Key) {
	idx, found := m.findSlotIndex(key)
	if !found {
		return
	}
	m.DeleteAt(idx)
}

// CollectTombstones walks slots from the tail backward while they are
// Deleted, reclaiming their slot and heap bytes, and stops at the first
// live slot (spec §4.B; spec §8 property 7, "tombstone freedom").
func (m *Map) CollectTombstones() {
	for {
		n := m.SlotCount()
		if n == 0 {
			return
		}
		idx := n - 1
		s := readSlot(m.region, idx)
		if s.typ != keys.Deleted {
			return
		}
		freed := m.itemLen(idx, s)
		clearSlot(m.region, idx)
		setLow(m.region, getLow(m.region)-SlotSize)
		setHigh(m.region, getHigh(m.region)-uint16(freed))
		setDeleted(m.region, getDeleted(m.region)-1)
	}
}

// Defragment rebuilds the map in a scratch buffer, keeping only live
// slots in their current order, and copies the result back over region
// (spec §4.B; spec §8 property 3).
func (m *Map) Defragment() {
	scratch := make([]byte, len(m.region))
	slotCount := m.SlotCount()
	for idx := 0; idx < slotCount; idx++ {
		s := readSlot(m.region, idx)
		if s.typ == keys.Deleted {
			continue
		}
		payload := m.itemBytes(idx, s)
		if !appendRaw(scratch, s.typ, s.prefix, payload) {
			panic("page: defragment could not fit live entries — invariant violated")
		}
	}
	copy(m.region, scratch)
	if m.Deleted() != 0 {
		panic("page: defragment postcondition violated, Deleted != 0")
	}
}

// Entry is one live slot as seen by EnumerateNibble: its slot index, type,
// fully reconstructed key, and raw stored value.
type Entry struct {
	Index   int
	Type    keys.DataType
	Key     keys.Key
	RawData []byte
}

// EnumerateNibble yields every live slot whose first prefix nibble equals
// n, or every live slot when n == AllNibbles. Unlike the teacher's pointer
// trick for prepending prefix nibbles ahead of the stored path in place
// (spec §9 Design Notes), this reconstructs each path into its own owned
// buffer — safe to retain across calls, at the cost of an allocation per
// entry.
func (m *Map) EnumerateNibble(n int) []Entry {
	var out []Entry
	for idx := 0; idx < m.SlotCount(); idx++ {
		s := readSlot(m.region, idx)
		if s.typ == keys.Deleted {
			continue
		}
		count := prefixCount(s.prefix)
		if n != AllNibbles {
			if count == 0 || int(FirstNibbleOfPrefix(s.prefix)) != n {
				continue
			}
		}
		payload := m.itemBytes(idx, s)
		prefixNibbles := DecodeNibblesFromPrefix(s.prefix)
		residual, consumed := nibble.Decode(payload)
		full := make([]byte, 0, len(prefixNibbles)+residual.Length())
		full = append(full, prefixNibbles...)
		full = append(full, residual.Take(residual.Length())...)
		path := nibble.FromNibbles(full)

		rest := payload[consumed:]
		var additional []byte
		if hasAdditionalKey(s.typ) {
			additional = append([]byte{}, rest[:keys.AdditionalKeySize]...)
			rest = rest[keys.AdditionalKeySize:]
		}
		value := append([]byte{}, rest...)

		out = append(out, Entry{
			Index:   idx,
			Type:    s.typ,
			Key:     keys.Key{Path: path, Type: s.typ, AdditionalKey: additional},
			RawData: value,
		})
	}
	return out
}

// EnumerateAll is EnumerateNibble(AllNibbles).
func (m *Map) EnumerateAll() []Entry { return m.EnumerateNibble(AllNibbles) }

// NibbleStats is the result of GetBiggestNibbleStats.
type NibbleStats struct {
	Nibble            int
	StorageCellRatio  float64
}

// GetBiggestNibbleStats counts live slots per first-prefix-nibble and,
// separately, StorageCell-typed slots per nibble, returning the nibble
// with the most live entries (ties broken toward the smallest nibble) and
// that nibble's share of StorageCell entries over all live slots in the
// page (spec §4.B).
func (m *Map) GetBiggestNibbleStats() NibbleStats {
	var counts [16]int
	var storageCellCounts [16]int
	total := 0
	for idx := 0; idx < m.SlotCount(); idx++ {
		s := readSlot(m.region, idx)
		if s.typ == keys.Deleted {
			continue
		}
		total++
		if prefixCount(s.prefix) == 0 {
			continue
		}
		n := int(FirstNibbleOfPrefix(s.prefix))
		counts[n]++
		if s.typ == keys.StorageCell {
			storageCellCounts[n]++
		}
	}
	best := 0
	for n := 1; n < 16; n++ {
		if counts[n] > counts[best] {
			best = n
		}
	}
	ratio := 0.0
	if total > 0 {
		ratio = float64(storageCellCounts[best]) / float64(total)
	}
	return NibbleStats{Nibble: best, StorageCellRatio: ratio}
}
