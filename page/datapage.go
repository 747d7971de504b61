// DataPage.Set and DataPage.TryGet implement the recursive descent
// algorithm spec §4.D calls "the hardest part of the repository": consult
// the HashingMap fast path when active, otherwise follow the bucket table
// one nibble at a time, falling back to the local NibbleBasedMap once no
// child exists for the next nibble, and splitting or extracting a massive
// storage tree when that local map overflows. Grounded on the teacher's
// bltree.go Insert/Find traversal (descend, mutate a COW'd copy, propagate
// the new child address back up to the caller) generalized from a sorted
// B-link page chain to a 16-way nibble radix fan-out.
package page

import (
	"github.com/pkg/errors"

	"github.com/nibbletree/statepage/batch"
	"github.com/nibbletree/statepage/keys"
	"github.com/nibbletree/statepage/nibble"
	"github.com/nibbletree/statepage/pagemgr"
)

// storageCellDominanceRatio is the threshold at which a page's biggest
// nibble group, already mostly StorageCell entries for one account, is
// extracted into a dedicated massive storage tree instead of an ordinary
// child page (spec §4.D).
const storageCellDominanceRatio = 0.9

// navigationPath returns the nibble path Set/TryGet should descend by at
// this page: the key's own path for an ordinary DataPage, or the
// unconsumed suffix of its additional key for a massive storage tree
// subtree, whose entries carry an empty Path by construction
// (keys.StorageTreeStorageCellKey) and are instead addressed by
// AdditionalKey nibbles, with TreeLevel tracking how many have been
// consumed so far.
func navigationPath(p *DataPage, key keys.Key) nibble.Path {
	if p.Type() == pagemgr.MassiveStorageTreeType {
		return nibble.New(key.AdditionalKey).SliceFrom(int(p.TreeLevel()))
	}
	return key.Path
}

// childKey rewrites key for a one-level descent into the named child: an
// ordinary DataPage strips the consumed leading nibble from Path; a
// massive storage tree subtree passes key through unchanged, since its
// navigation depth lives in the child's TreeLevel rather than in Path.
func (p *DataPage) childKey(key keys.Key) keys.Key {
	if p.Type() == pagemgr.MassiveStorageTreeType {
		return key
	}
	return keys.Key{Path: key.Path.SliceFrom(1), Type: key.Type, AdditionalKey: key.AdditionalKey}
}

func (p *DataPage) openChild(addr pagemgr.DbAddress, b *batch.Batch) (*DataPage, error) {
	img, err := b.GetAt(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "page: could not resolve child at address %d", addr)
	}
	return Open(img), nil
}

func encodeAddr(addr pagemgr.DbAddress) []byte {
	buf := make([]byte, 4)
	pagemgr.PutDbAddress(buf, addr)
	return buf
}

func decodeAddr(buf []byte) pagemgr.DbAddress { return pagemgr.GetDbAddress(buf) }

// lookupStorageTreeRoot reports the dedicated subtree root address for
// accountPath, if that account's storage cells were previously extracted
// from this page (spec §4.D split step).
func (p *DataPage) lookupStorageTreeRoot(accountPath nibble.Path) (pagemgr.DbAddress, bool) {
	ok, val := p.AsMap().TryGet(keys.StorageTreeRootPageAddressKey(accountPath))
	if !ok {
		return pagemgr.NullAddress, false
	}
	return decodeAddr(val), true
}

// TryGet resolves key against this page and, recursively, its descendants.
func (p *DataPage) TryGet(key keys.Key, b *batch.Batch) (bool, []byte, error) {
	if p.Mode() == pagemgr.ModeCache && key.CanBeCached() {
		if ok, val := p.AsCache().TryGet(key); ok {
			return true, val, nil
		}
	}

	nav := navigationPath(p, key)
	if !nav.Empty() {
		n := int(nav.FirstNibble())
		if addr := p.Bucket(n); !addr.IsNull() {
			child, err := p.openChild(addr, b)
			if err != nil {
				return false, nil, err
			}
			return child.TryGet(p.childKey(key), b)
		}
	}

	localKey := keys.Key{Path: nav, Type: key.Type, AdditionalKey: key.AdditionalKey}
	if ok, val := p.AsMap().TryGet(localKey); ok {
		return true, val, nil
	}

	if key.Type == keys.StorageCell {
		if addr, ok := p.lookupStorageTreeRoot(nav); ok {
			sub, err := p.openChild(addr, b)
			if err != nil {
				return false, nil, err
			}
			return sub.TryGet(keys.StorageTreeStorageCellKey(key), b)
		}
	}

	return false, nil, nil
}

// Set writes key=data into this page's subtree, copy-on-write, returning
// the (possibly new) page that replaces p in its parent's bucket table.
func (p *DataPage) Set(key keys.Key, data []byte, b *batch.Batch) (*DataPage, error) {
	writable, err := b.GetWritableCopy(p.Img)
	if err != nil {
		return nil, err
	}
	p2 := Open(writable)

	nav := navigationPath(p2, key)
	if !nav.Empty() {
		n := int(nav.FirstNibble())
		if addr := p2.Bucket(n); !addr.IsNull() {
			if p2.Mode() == pagemgr.ModeCache && key.CanBeCached() {
				if p2.AsCache().TrySet(key, data) {
					return p2, nil
				}
				if err := p2.spillCache(b); err != nil {
					return nil, err
				}
			}
			child, err := p2.openChild(addr, b)
			if err != nil {
				return nil, err
			}
			newChild, err := child.Set(p2.childKey(key), data, b)
			if err != nil {
				return nil, err
			}
			p2.SetBucket(n, b.GetAddress(newChild.Img))
			return p2, nil
		}
	}

	localKey := keys.Key{Path: nav, Type: key.Type, AdditionalKey: key.AdditionalKey}

	if key.Type == keys.StorageCell {
		if addr, ok := p2.lookupStorageTreeRoot(nav); ok {
			sub, err := p2.openChild(addr, b)
			if err != nil {
				return nil, err
			}
			newSub, err := sub.Set(keys.StorageTreeStorageCellKey(key), data, b)
			if err != nil {
				return nil, err
			}
			if !p2.AsMap().TrySet(keys.StorageTreeRootPageAddressKey(nav), encodeAddr(b.GetAddress(newSub.Img))) {
				return nil, errors.New("page: no room to update storage tree root pointer")
			}
			return p2, nil
		}
	}

	if p2.AsMap().TrySet(localKey, data) {
		return p2, nil
	}
	return p2.handleOverflow(key, data, b)
}

// handleOverflow runs when the local NibbleBasedMap has no room for a new
// entry: it picks the biggest nibble group and either extracts it into a
// dedicated massive storage tree (when it is dominated by one account's
// storage cells) or splits it into an ordinary child page, then recurses
// through Set with the original key so the descent logic itself decides
// whether the pending write now belongs locally or in the page the split
// or extraction just created (spec §4.D).
func (p2 *DataPage) handleOverflow(key keys.Key, data []byte, b *batch.Batch) (*DataPage, error) {
	stats := p2.AsMap().GetBiggestNibbleStats()
	if stats.StorageCellRatio > storageCellDominanceRatio {
		return p2.extractStorageTree(stats, key, data, b)
	}
	return p2.splitNibble(stats.Nibble, key, data, b)
}

// splitNibble migrates every entry prefixed by nibble n into a freshly
// allocated child DataPage, installs the bucket pointer, and — per spec
// §3 Invariant 3 — promotes the page to HashingMap mode immediately if
// that filled the last bucket and key is cacheable, before ever retrying
// the pending insert. Either way the retry happens by recursing into
// Set(key, ...), never by re-inserting directly into the local map: key's
// own first nibble may now equal n, in which case Set must forward the
// write into the child the split just created rather than leave it
// behind in this page's map.
func (p2 *DataPage) splitNibble(n int, key keys.Key, data []byte, b *batch.Batch) (*DataPage, error) {
	entries := p2.AsMap().EnumerateNibble(n)
	child, err := b.GetNewPage(p2.Type(), p2.TreeLevel()+1)
	if err != nil {
		return nil, errors.Wrap(err, "page: split could not allocate a child page")
	}
	childPage := Open(child)
	for _, e := range entries {
		ck := keys.Key{Path: e.Key.Path.SliceFrom(1), Type: e.Type, AdditionalKey: e.Key.AdditionalKey}
		if !childPage.AsMap().TrySet(ck, e.RawData) {
			return nil, errors.New("page: split target has no room for a migrated entry")
		}
		p2.AsMap().DeleteAt(e.Index)
	}
	p2.SetBucket(n, b.GetAddress(child))

	if key.CanBeCached() && p2.AllBucketsFull() {
		return p2.promoteToCache(key, data, b)
	}
	return p2.Set(key, data, b)
}

// extractStorageTree moves every StorageCell entry in nibble group
// stats.Nibble that belongs to the same account as the group's first
// StorageCell entry into a dedicated MassiveStorageTreeType subtree addressed by
// AdditionalKey, replacing them in this page with a single
// StorageTreeRootPageAddress pointer entry. A nibble is only 4 bits wide,
// so two unrelated accounts' storage cells can collide on it and jointly
// cross the dominance ratio; entries belonging to any other account stay
// put rather than being swept into a subtree keyed by a path that isn't
// theirs (spec §4.D).
func (p2 *DataPage) extractStorageTree(stats NibbleStats, key keys.Key, data []byte, b *batch.Batch) (*DataPage, error) {
	group := p2.AsMap().EnumerateNibble(stats.Nibble)
	var entries []Entry
	var accountPath nibble.Path
	for _, e := range group {
		if e.Type != keys.StorageCell {
			continue
		}
		if entries == nil {
			accountPath = e.Key.Path
		} else if !e.Key.Path.Equal(accountPath) {
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, errors.New("page: storage tree extraction requested with no entries")
	}

	root, err := b.GetNewPage(pagemgr.MassiveStorageTreeType, 0)
	if err != nil {
		return nil, errors.Wrap(err, "page: extraction could not allocate a subtree root")
	}
	rootPage := Open(root)

	for _, e := range entries {
		subKey := keys.StorageTreeStorageCellKey(e.Key)
		subLocal := keys.Key{Path: nibble.New(e.Key.AdditionalKey), Type: subKey.Type, AdditionalKey: subKey.AdditionalKey}
		if !rootPage.AsMap().TrySet(subLocal, e.RawData) {
			return nil, errors.New("page: storage tree extraction target has no room")
		}
		p2.AsMap().DeleteAt(e.Index)
	}

	ptrKey := keys.StorageTreeRootPageAddressKey(accountPath)
	if !p2.AsMap().TrySet(ptrKey, encodeAddr(b.GetAddress(root))) {
		return nil, errors.New("page: no room for storage tree root pointer after extraction")
	}

	if key.CanBeCached() && p2.AllBucketsFull() {
		return p2.promoteToCache(key, data, b)
	}
	return p2.Set(key, data, b)
}

// promoteToCache pushes every remaining local entry down into its nibble's
// child bucket (all 16 are already populated, by precondition) and
// reinterprets the now-empty data region as a HashingMap (spec §3
// Invariant 3), then recurses into Set to place the entry that triggered
// the promotion. Entries with an already-exhausted path cannot be pushed
// by nibble and are left in place as an acknowledged limitation — in
// practice this only arises after 64 levels of descent on a 32-byte key.
func (p2 *DataPage) promoteToCache(key keys.Key, data []byte, b *batch.Batch) (*DataPage, error) {
	entries := p2.AsMap().EnumerateAll()
	for _, e := range entries {
		if e.Key.Path.Empty() {
			continue
		}
		n := int(e.Key.Path.FirstNibble())
		addr := p2.Bucket(n)
		child, err := p2.openChild(addr, b)
		if err != nil {
			return nil, err
		}
		ck := keys.Key{Path: e.Key.Path.SliceFrom(1), Type: e.Type, AdditionalKey: e.Key.AdditionalKey}
		newChild, err := child.Set(ck, e.RawData, b)
		if err != nil {
			return nil, err
		}
		p2.SetBucket(n, b.GetAddress(newChild.Img))
	}

	region := p2.dataRegion()
	for i := range region {
		region[i] = 0
	}
	p2.setMode(pagemgr.ModeCache)

	return p2.Set(key, data, b)
}

// spillCache runs when a cache-mode page's HashingMap has no room to
// absorb one more entry: every currently cached entry is pushed down into
// its first-nibble child page (the nibble is read off the entry's own,
// still-unsliced, Key.Path — cache entries are stored with the routing
// nibble intact so a later spill can recover it), the corresponding
// bucket address is updated, and the cache region is wiped so it can
// absorb new writes again (spec §4.D "Cache spill").
func (p2 *DataPage) spillCache(b *batch.Batch) error {
	cache := p2.AsCache()
	entries := cache.Enumerate()
	for _, e := range entries {
		n := int(e.Key.Path.FirstNibble())
		addr := p2.Bucket(n)
		child, err := p2.openChild(addr, b)
		if err != nil {
			return err
		}
		shorterKey := keys.Key{Path: e.Key.Path.SliceFrom(1), Type: e.Type, AdditionalKey: e.Key.AdditionalKey}
		newChild, err := child.Set(shorterKey, e.RawData, b)
		if err != nil {
			return err
		}
		p2.SetBucket(n, b.GetAddress(newChild.Img))
	}
	cache.Clear()
	return nil
}

// Describe reports this page's level, how many of its buckets are
// populated, and how many live entries its local map (or cache) holds —
// the raw material for report.Walk (spec §4.F).
func (p *DataPage) Describe() (level uint8, bucketsUsed int, entries int) {
	level = p.TreeLevel()
	for n := 0; n < NumBuckets; n++ {
		if !p.Bucket(n).IsNull() {
			bucketsUsed++
		}
	}
	if p.Mode() == pagemgr.ModeCache {
		entries = int(p.AsCache().Count())
	} else {
		entries = p.AsMap().Count()
	}
	return
}
