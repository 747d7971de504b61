// HashingMap: the secondary, open-addressed cache that may overlay a
// DataPage's data region once every child bucket is populated (spec §3,
// §4.C). Grounded on the teacher's own directory-plus-heap layout in
// bltree.go, re-keyed for open addressing instead of sorted binary search,
// and hashed with xxhash (spec §11 domain stack) the same way go-ethereum
// hashes trie keys for its in-memory caches.
package page

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/nibbletree/statepage/keys"
	"github.com/nibbletree/statepage/nibble"
)

// hashMapHeaderSize is HashingMap's fixed header: Count, High, and 4 bytes
// of padding.
const hashMapHeaderSize = 8

// NumHashSlots is the fixed size of the open-addressed directory. Spec §9
// leaves the exact probing scheme as an implementation choice; this
// implementation fixes it at a constant-size directory with linear probing
// and no tombstones (Clear is the only removal path — see §13 decisions in
// SPEC_FULL.md).
const NumHashSlots = 32

// hashDirEntrySize is one directory entry: Hash(4) + Type(1) + pad(1) +
// Offset(2) + Length(2).
const hashDirEntrySize = 10

// HashingMap is a HashingMap view over a byte region shared with its
// backing page.
type HashingMap struct {
	region []byte
}

// NewHashingMap wraps region as a HashingMap. A freshly zeroed region is
// already valid and empty.
func NewHashingMap(region []byte) *HashingMap {
	if len(region) < hashMapHeaderSize+NumHashSlots*hashDirEntrySize {
		panic("page: data region too small for a HashingMap directory")
	}
	return &HashingMap{region: region}
}

// GetHash computes the directory hash for key: xxhash64 over the encoded
// path, the type tag, and any additional key, truncated to 32 bits.
func GetHash(key keys.Key) uint32 {
	h := xxhash.New()
	h.Write(key.Path.Encode())
	h.Write([]byte{byte(key.Type)})
	if len(key.AdditionalKey) > 0 {
		h.Write(key.AdditionalKey)
	}
	return uint32(h.Sum64())
}

func (m *HashingMap) Count() uint16 { return binary.LittleEndian.Uint16(m.region[0:2]) }
func (m *HashingMap) High() uint16  { return binary.LittleEndian.Uint16(m.region[2:4]) }

func (m *HashingMap) setCount(v uint16) { binary.LittleEndian.PutUint16(m.region[0:2], v) }
func (m *HashingMap) setHigh(v uint16)  { binary.LittleEndian.PutUint16(m.region[2:4], v) }

// Full reports whether every directory slot is occupied.
func (m *HashingMap) Full() bool { return int(m.Count()) >= NumHashSlots }

type hashDirEntry struct {
	hash   uint32
	typ    keys.DataType
	offset uint16
	length uint16
}

func dirOffset(idx int) int { return hashMapHeaderSize + idx*hashDirEntrySize }

func readDirEntry(region []byte, idx int) hashDirEntry {
	off := dirOffset(idx)
	return hashDirEntry{
		hash:   binary.LittleEndian.Uint32(region[off : off+4]),
		typ:    keys.DataType(region[off+4]),
		offset: binary.LittleEndian.Uint16(region[off+6 : off+8]),
		length: binary.LittleEndian.Uint16(region[off+8 : off+10]),
	}
}

func writeDirEntry(region []byte, idx int, e hashDirEntry) {
	off := dirOffset(idx)
	binary.LittleEndian.PutUint32(region[off:off+4], e.hash)
	region[off+4] = byte(e.typ)
	region[off+5] = 0
	binary.LittleEndian.PutUint16(region[off+6:off+8], e.offset)
	binary.LittleEndian.PutUint16(region[off+8:off+10], e.length)
}

func (m *HashingMap) heapBytes(e hashDirEntry) []byte {
	return m.region[e.offset : int(e.offset)+int(e.length)]
}

// find runs the linear probe for key starting at hash % NumHashSlots. It
// returns (idx, true) on a confirmed match, (idx, false) with idx pointing
// at the first empty slot encountered (tombstone-free probing: an empty
// slot always terminates the chain), or (-1, false) if the directory is
// completely full and key is absent.
func (m *HashingMap) find(key keys.Key, hash uint32) (int, bool) {
	start := int(hash % NumHashSlots)
	for i := 0; i < NumHashSlots; i++ {
		probe := (start + i) % NumHashSlots
		e := readDirEntry(m.region, probe)
		if e.length == 0 {
			return probe, false
		}
		if e.hash != hash || e.typ != key.Type {
			continue
		}
		payload := m.heapBytes(e)
		path, consumed := nibble.Decode(payload)
		if !path.Equal(key.Path) {
			continue
		}
		rest := payload[consumed:]
		if hasAdditionalKey(key.Type) {
			if len(rest) < keys.AdditionalKeySize || !bytes.Equal(rest[:keys.AdditionalKeySize], key.AdditionalKey) {
				continue
			}
		}
		return probe, true
	}
	return -1, false
}

func buildHashPayload(key keys.Key, data []byte) []byte {
	encoded := key.Path.Encode()
	out := make([]byte, 0, len(encoded)+len(key.AdditionalKey)+len(data))
	out = append(out, encoded...)
	out = append(out, key.AdditionalKey...)
	out = append(out, data...)
	return out
}

// appendHeap writes payload to the heap tail and records it at directory
// slot idx. isNew must be true unless idx already held this same key (an
// overwrite whose new length differs from the old one, which is written as
// a fresh heap chunk; the stale bytes become unreachable until Clear).
func (m *HashingMap) appendHeap(idx int, hash uint32, typ keys.DataType, payload []byte, isNew bool) bool {
	dirEnd := hashMapHeaderSize + NumHashSlots*hashDirEntrySize
	high := m.High()
	total := len(payload)
	if dirEnd+int(high)+total > len(m.region) {
		return false
	}
	itemAddr := len(m.region) - int(high) - total
	copy(m.region[itemAddr:itemAddr+total], payload)
	writeDirEntry(m.region, idx, hashDirEntry{hash: hash, typ: typ, offset: uint16(itemAddr), length: uint16(total)})
	m.setHigh(high + uint16(total))
	if isNew {
		m.setCount(m.Count() + 1)
	}
	return true
}

// TryGet looks up key in the cache.
func (m *HashingMap) TryGet(key keys.Key) (bool, []byte) {
	hash := GetHash(key)
	idx, found := m.find(key, hash)
	if !found {
		return false, nil
	}
	e := readDirEntry(m.region, idx)
	payload := m.heapBytes(e)
	_, consumed := nibble.Decode(payload)
	rest := payload[consumed:]
	if hasAdditionalKey(key.Type) {
		rest = rest[keys.AdditionalKeySize:]
	}
	out := make([]byte, len(rest))
	copy(out, rest)
	return true, out
}

// TrySet inserts or overwrites key's cached value. It returns false when
// the directory is full (no matching or empty slot found in the full probe
// sequence) or the heap has no room for the new payload.
func (m *HashingMap) TrySet(key keys.Key, data []byte) bool {
	hash := GetHash(key)
	idx, found := m.find(key, hash)
	if idx == -1 {
		return false
	}
	if found {
		e := readDirEntry(m.region, idx)
		payload := m.heapBytes(e)
		_, consumed := nibble.Decode(payload)
		rest := payload[consumed:]
		if hasAdditionalKey(key.Type) {
			rest = rest[keys.AdditionalKeySize:]
		}
		if len(rest) == len(data) {
			copy(rest, data)
			return true
		}
		return m.appendHeap(idx, hash, key.Type, buildHashPayload(key, data), false)
	}
	return m.appendHeap(idx, hash, key.Type, buildHashPayload(key, data), true)
}

// Clear wipes the entire region, the only removal path HashingMap supports
// (spec §9 Open Questions; no per-key delete, no tombstones).
func (m *HashingMap) Clear() {
	for i := range m.region {
		m.region[i] = 0
	}
}

// Enumerate returns every live cache entry.
func (m *HashingMap) Enumerate() []Entry {
	var out []Entry
	for idx := 0; idx < NumHashSlots; idx++ {
		e := readDirEntry(m.region, idx)
		if e.length == 0 {
			continue
		}
		payload := m.heapBytes(e)
		path, consumed := nibble.Decode(payload)
		rest := payload[consumed:]
		var additional []byte
		if hasAdditionalKey(e.typ) {
			additional = append([]byte{}, rest[:keys.AdditionalKeySize]...)
			rest = rest[keys.AdditionalKeySize:]
		}
		value := append([]byte{}, rest...)
		out = append(out, Entry{
			Index:   idx,
			Type:    e.typ,
			Key:     keys.Key{Path: path, Type: e.typ, AdditionalKey: additional},
			RawData: value,
		})
	}
	return out
}
