// Package nibble implements the immutable nibble-path view used to address
// the radix-like fan-out of a DataPage tree. Every level of the tree
// consumes one nibble (4 bits) of the path, so a 32-byte account or storage
// key yields a path of up to 64 nibbles.
package nibble

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Path is an immutable view over a byte-packed key, addressed in nibbles
// (4-bit units). Slicing never copies the backing array; it only advances
// the nibble offset, the same way the teacher's BLTree keys are sliced by
// index rather than reallocated on every descent.
type Path struct {
	data []byte
	off  int // nibble offset into data
	n    int // number of nibbles remaining from off
}

// New wraps raw, byte-aligned key bytes as a full-length nibble path.
func New(data []byte) Path {
	return Path{data: data, off: 0, n: len(data) * 2}
}

// FromNibbles builds a path from already-split nibble values (0..15 each),
// used when reconstructing a path from a decoded slot prefix plus a stored
// residual (see page.DecodeNibblesFromPrefix).
func FromNibbles(nibbles []byte) Path {
	packed := make([]byte, (len(nibbles)+1)/2)
	for i, nb := range nibbles {
		if i%2 == 0 {
			packed[i/2] = nb << 4
		} else {
			packed[i/2] |= nb & 0x0f
		}
	}
	return Path{data: packed, off: 0, n: len(nibbles)}
}

// FromUint256 builds a full 32-byte, 64-nibble path from a 256-bit integer,
// the same big-endian account/storage-key representation go-ethereum uses
// for trie paths (spec §11 domain stack): account paths and storage cell
// indices are naturally ordered 256-bit values before they become byte
// keys, and fixture code that wants "the path after this one" or "a path
// in this range" reads far more clearly against uint256.Int arithmetic
// than against raw byte slices.
func FromUint256(v *uint256.Int) Path {
	b := v.Bytes32()
	return New(b[:])
}

// Empty reports whether the path has no nibbles left.
func (p Path) Empty() bool { return p.n == 0 }

// Length returns the number of nibbles remaining in the path.
func (p Path) Length() int { return p.n }

// nibbleAt returns the absolute nibble at index idx (0-based from the start
// of the backing array, not from p.off).
func nibbleAt(data []byte, idx int) byte {
	b := data[idx/2]
	if idx%2 == 0 {
		return b >> 4
	}
	return b & 0x0f
}

// FirstNibble returns the leading nibble of the path. Only valid when
// Length() > 0.
func (p Path) FirstNibble() byte {
	if p.n == 0 {
		panic("nibble: FirstNibble on empty path")
	}
	return nibbleAt(p.data, p.off)
}

// Nibble returns the nibble at position i (0-based, relative to the current
// path start).
func (p Path) Nibble(i int) byte {
	if i < 0 || i >= p.n {
		panic(fmt.Sprintf("nibble: index %d out of range (len %d)", i, p.n))
	}
	return nibbleAt(p.data, p.off+i)
}

// SliceFrom returns the path with the leading k nibbles consumed, the same
// way a DataPage descent strips one nibble per level.
func (p Path) SliceFrom(k int) Path {
	if k < 0 || k > p.n {
		panic(fmt.Sprintf("nibble: SliceFrom(%d) out of range (len %d)", k, p.n))
	}
	return Path{data: p.data, off: p.off + k, n: p.n - k}
}

// Take returns the first k nibbles as a standalone slice of nibble values.
func (p Path) Take(k int) []byte {
	if k < 0 || k > p.n {
		panic(fmt.Sprintf("nibble: Take(%d) out of range (len %d)", k, p.n))
	}
	out := make([]byte, k)
	for i := 0; i < k; i++ {
		out[i] = nibbleAt(p.data, p.off+i)
	}
	return out
}

// Equal reports whether two paths denote the same nibble sequence,
// irrespective of their backing arrays or offsets.
func (p Path) Equal(o Path) bool {
	if p.n != o.n {
		return false
	}
	for i := 0; i < p.n; i++ {
		if nibbleAt(p.data, p.off+i) != nibbleAt(o.data, o.off+i) {
			return false
		}
	}
	return true
}

// Encode packs the path into the canonical on-heap representation used by
// NibbleBasedMap items: one length-prefix byte holding the nibble count,
// followed by ceil(n/2) bytes with two nibbles per byte (high nibble
// first; the final nibble of an odd-length path is padded with a zero low
// nibble).
func (p Path) Encode() []byte {
	out := make([]byte, 1+(p.n+1)/2)
	out[0] = byte(p.n)
	for i := 0; i < p.n; i++ {
		nb := nibbleAt(p.data, p.off+i)
		if i%2 == 0 {
			out[1+i/2] = nb << 4
		} else {
			out[1+i/2] |= nb & 0x0f
		}
	}
	return out
}

// Decode is the inverse of Encode: it reads a length-prefixed, nibble-packed
// path from the front of buf and returns the path plus the number of bytes
// consumed.
func Decode(buf []byte) (Path, int) {
	if len(buf) == 0 {
		return Path{}, 0
	}
	n := int(buf[0])
	consumed := 1 + (n+1)/2
	body := buf[1:consumed]
	return Path{data: body, off: 0, n: n}, consumed
}

// Bytes returns the path's nibbles packed back into bytes, left-aligned,
// padding the final nibble with zero if the length is odd, so an odd-length
// path does not round-trip through New.
func (p Path) Bytes() []byte {
	out := make([]byte, (p.n+1)/2)
	for i := 0; i < p.n; i++ {
		nb := nibbleAt(p.data, p.off+i)
		if i%2 == 0 {
			out[i/2] = nb << 4
		} else {
			out[i/2] |= nb & 0x0f
		}
	}
	return out
}

// String renders the path as a hex nibble string, for panics and logs —
// the same motivation as the teacher's own debug Sprintf helpers.
func (p Path) String() string {
	s := make([]byte, p.n)
	const hexDigits = "0123456789abcdef"
	for i := 0; i < p.n; i++ {
		s[i] = hexDigits[nibbleAt(p.data, p.off+i)]
	}
	return string(s)
}
