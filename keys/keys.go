// Package keys implements the tagged key model addressed by a DataPage
// tree: accounts, per-account storage cells, and the auxiliary Merkle and
// storage-tree indirection records described in spec §3 and §4.E.
package keys

import (
	"fmt"

	"github.com/nibbletree/statepage/nibble"
)

// DataType tags the kind of record a Key refers to. The ordering and
// numeric values are part of the persistent slot format (the 4-bit type
// field packed by page.packRaw) and must not change across releases.
type DataType uint8

const (
	Account DataType = iota
	CodeHash
	StorageRootHash
	StorageCell
	StorageTreeRootPageAddress
	StorageTreeStorageCell
	Merkle
	Deleted
)

func (t DataType) String() string {
	switch t {
	case Account:
		return "Account"
	case CodeHash:
		return "CodeHash"
	case StorageRootHash:
		return "StorageRootHash"
	case StorageCell:
		return "StorageCell"
	case StorageTreeRootPageAddress:
		return "StorageTreeRootPageAddress"
	case StorageTreeStorageCell:
		return "StorageTreeStorageCell"
	case Merkle:
		return "Merkle"
	case Deleted:
		return "Deleted"
	default:
		return fmt.Sprintf("DataType(%d)", uint8(t))
	}
}

// AdditionalKeySize is the fixed width of the extra key component carried
// by StorageCell and StorageTreeStorageCell keys (a 32-byte storage index).
const AdditionalKeySize = 32

// Key is the tagged record addressed against a DataPage tree: a path
// (consumed one nibble per tree level), a type tag, and — for storage
// cell variants — a 32-byte additional key.
type Key struct {
	Path          nibble.Path
	Type          DataType
	AdditionalKey []byte // nil unless Type needs one
}

// NewAccount builds an Account key at path.
func NewAccount(path nibble.Path) Key {
	return Key{Path: path, Type: Account}
}

// NewCodeHash builds a CodeHash key at path.
func NewCodeHash(path nibble.Path) Key {
	return Key{Path: path, Type: CodeHash}
}

// NewStorageRootHash builds a StorageRootHash key at path.
func NewStorageRootHash(path nibble.Path) Key {
	return Key{Path: path, Type: StorageRootHash}
}

// NewStorageCell builds a StorageCell key: a storage value keyed by
// (path, cellIndex). cellIndex must be exactly AdditionalKeySize bytes.
func NewStorageCell(path nibble.Path, cellIndex []byte) Key {
	if len(cellIndex) != AdditionalKeySize {
		panic(fmt.Sprintf("keys: StorageCell additional key must be %d bytes, got %d", AdditionalKeySize, len(cellIndex)))
	}
	return Key{Path: path, Type: StorageCell, AdditionalKey: cellIndex}
}

// NewMerkle builds a Merkle key at path.
func NewMerkle(path nibble.Path) Key {
	return Key{Path: path, Type: Merkle}
}

// StorageTreeRootPageAddressKey builds the synthetic key whose stored value is
// always a 4-byte little-endian DbAddress of a dedicated storage subtree
// rooted at accountPath.
func StorageTreeRootPageAddressKey(accountPath nibble.Path) Key {
	return Key{Path: accountPath, Type: StorageTreeRootPageAddress}
}

// StorageTreeStorageCellKey rewrites a StorageCell key for use inside a
// dedicated storage subtree: the account path becomes implicit in the
// subtree root, so Path is emptied and only AdditionalKey survives.
func StorageTreeStorageCellKey(original Key) Key {
	if original.Type != StorageCell && original.Type != StorageTreeStorageCell {
		panic("keys: StorageTreeStorageCellKey requires a StorageCell-family key")
	}
	return Key{Path: nibble.New(nil), Type: StorageTreeStorageCell, AdditionalKey: original.AdditionalKey}
}

// CanBeCached reports whether this key's type benefits from the in-page
// HashingMap absorption path (§4.C / §4.D). Implementations must apply
// this predicate identically on the read and write paths — every caller
// (page.DataPage.Set, page.DataPage.TryGet, and the split/extraction paths
// that decide on cache promotion) calls this function directly rather
// than re-deriving the rule.
func (k Key) CanBeCached() bool {
	switch k.Type {
	case Account, StorageCell:
		return true
	default:
		return false
	}
}

// String renders the key for diagnostics and panics.
func (k Key) String() string {
	if len(k.AdditionalKey) > 0 {
		return fmt.Sprintf("%s(path=%s, additional=%x)", k.Type, k.Path, k.AdditionalKey)
	}
	return fmt.Sprintf("%s(path=%s)", k.Type, k.Path)
}
