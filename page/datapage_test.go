package page

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nibbletree/statepage/batch"
	"github.com/nibbletree/statepage/keys"
	"github.com/nibbletree/statepage/nibble"
	"github.com/nibbletree/statepage/pagemgr"
)

func newRootPage(t *testing.T) (*DataPage, *batch.Batch) {
	t.Helper()
	store := pagemgr.NewInMemory()
	b := batch.New(1, store)
	img, err := b.GetNewPage(pagemgr.DataPageType, 0)
	require.NoError(t, err)
	return Open(img), b
}

func accountPath(i int) nibble.Path {
	raw := make([]byte, 32)
	raw[0] = byte(i)
	raw[1] = byte(i * 7)
	return nibble.New(raw)
}

func TestDataPage_SetTryGetRoundTrip(t *testing.T) {
	p, b := newRootPage(t)

	key := keys.NewAccount(accountPath(1))
	p2, err := p.Set(key, []byte("account-1"), b)
	require.NoError(t, err)

	ok, got, err := p2.TryGet(key, b)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("account-1"), got)
}

func TestDataPage_MissingKeyNotFound(t *testing.T) {
	p, b := newRootPage(t)
	ok, _, err := p.TryGet(keys.NewAccount(accountPath(1)), b)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDataPage_OverflowSplitsIntoChildBuckets(t *testing.T) {
	p, b := newRootPage(t)

	const n = 250
	for i := 0; i < n; i++ {
		key := keys.NewAccount(accountPath(i))
		next, err := p.Set(key, []byte(fmt.Sprintf("account-%d", i)), b)
		require.NoError(t, err)
		p = next
	}

	nonNullBuckets := 0
	for n := 0; n < NumBuckets; n++ {
		if !p.Bucket(n).IsNull() {
			nonNullBuckets++
			require.Empty(t, p.AsMap().EnumerateNibble(n),
				"bucket exclusivity: nibble %d has a child bucket but the parent's map still holds local entries for it", n)
		}
	}
	require.Greater(t, nonNullBuckets, 0, "inserting enough accounts must force at least one split")

	for i := 0; i < n; i++ {
		key := keys.NewAccount(accountPath(i))
		ok, got, err := p.TryGet(key, b)
		require.NoError(t, err)
		require.True(t, ok, "account %d should still be reachable after splitting", i)
		require.Equal(t, []byte(fmt.Sprintf("account-%d", i)), got)
	}
}

func TestDataPage_StorageCellDominanceExtractsMassiveStorageTree(t *testing.T) {
	p, b := newRootPage(t)

	account := accountPath(42)
	const n = 300
	for i := 0; i < n; i++ {
		cellIndex := make([]byte, keys.AdditionalKeySize)
		cellIndex[0] = byte(i)
		cellIndex[1] = byte(i >> 8)
		key := keys.NewStorageCell(account, cellIndex)
		next, err := p.Set(key, []byte(fmt.Sprintf("cell-%d", i)), b)
		require.NoError(t, err)
		p = next
	}

	_, found := p.lookupStorageTreeRoot(account)
	require.True(t, found, "one account dominating a nibble group with storage cells must get extracted")

	for i := 0; i < n; i++ {
		cellIndex := make([]byte, keys.AdditionalKeySize)
		cellIndex[0] = byte(i)
		cellIndex[1] = byte(i >> 8)
		key := keys.NewStorageCell(account, cellIndex)
		ok, got, err := p.TryGet(key, b)
		require.NoError(t, err)
		require.True(t, ok, "cell %d should still be reachable after extraction", i)
		require.Equal(t, []byte(fmt.Sprintf("cell-%d", i)), got)
	}
}

// TestDataPage_StorageCellExtractionDoesNotStealOtherAccountsOnNibbleCollision
// covers the case where two unrelated accounts' storage cells collide on
// the same first nibble and jointly cross the dominance ratio: only the
// account that owns the nibble group's first StorageCell entry may be swept into
// the new massive storage tree, the other account's cell must stay
// reachable right where it was.
func TestDataPage_StorageCellExtractionDoesNotStealOtherAccountsOnNibbleCollision(t *testing.T) {
	p, b := newRootPage(t)

	dominant := pathWithFirstNibble(7, 1)
	other := pathWithFirstNibble(7, 2)

	otherCellIndex := make([]byte, keys.AdditionalKeySize)
	otherCellIndex[0] = 0xAA
	otherKey := keys.NewStorageCell(other, otherCellIndex)

	const dominantCells = 300
	for i := 0; i < dominantCells; i++ {
		cellIndex := make([]byte, keys.AdditionalKeySize)
		cellIndex[0] = byte(i)
		cellIndex[1] = byte(i >> 8)
		key := keys.NewStorageCell(dominant, cellIndex)
		next, err := p.Set(key, []byte(fmt.Sprintf("dom-%d", i)), b)
		require.NoError(t, err)
		p = next

		if i == 150 {
			next, err := p.Set(otherKey, []byte("other-cell"), b)
			require.NoError(t, err)
			p = next
		}
	}

	_, found := p.lookupStorageTreeRoot(dominant)
	require.True(t, found, "the dominant account's storage cells must be extracted")

	ok, got, err := p.TryGet(otherKey, b)
	require.NoError(t, err)
	require.True(t, ok, "a colliding account's storage cell must not be swept into the dominant account's subtree")
	require.Equal(t, []byte("other-cell"), got)

	for i := 0; i < dominantCells; i++ {
		cellIndex := make([]byte, keys.AdditionalKeySize)
		cellIndex[0] = byte(i)
		cellIndex[1] = byte(i >> 8)
		key := keys.NewStorageCell(dominant, cellIndex)
		ok, got, err := p.TryGet(key, b)
		require.NoError(t, err)
		require.True(t, ok, "dominant cell %d should still be reachable after extraction", i)
		require.Equal(t, []byte(fmt.Sprintf("dom-%d", i)), got)
	}
}

// fillAllBucketsWithFreshChildren simulates a page that has already split
// every nibble into its own child, without going through the organic
// overflow path, then promotes it into cache mode the way promoteToCache
// would — letting cache-mode tests start from a known, minimal state.
func fillAllBucketsWithFreshChildren(t *testing.T, p *DataPage, b *batch.Batch) {
	t.Helper()
	for n := 0; n < NumBuckets; n++ {
		child, err := b.GetNewPage(pagemgr.DataPageType, p.TreeLevel()+1)
		require.NoError(t, err)
		p.SetBucket(n, b.GetAddress(child))
	}
	require.True(t, p.AllBucketsFull())
	p.setMode(pagemgr.ModeCache)
	region := p.dataRegion()
	for i := range region {
		region[i] = 0
	}
}

func pathWithFirstNibble(n int, tag byte) nibble.Path {
	raw := make([]byte, 32)
	raw[0] = byte(n) << 4
	raw[1] = tag
	return nibble.New(raw)
}

func TestDataPage_CacheModeAbsorbsWithoutForwardingToChild(t *testing.T) {
	p, b := newRootPage(t)
	fillAllBucketsWithFreshChildren(t, p, b)

	before := make([]pagemgr.DbAddress, NumBuckets)
	for n := 0; n < NumBuckets; n++ {
		before[n] = p.Bucket(n)
	}

	key := keys.NewAccount(pathWithFirstNibble(5, 1))
	p2, err := p.Set(key, []byte("cached-value"), b)
	require.NoError(t, err)
	require.Same(t, p.Img, p2.Img, "cache absorption must COW to the same image already owned by this batch")

	for n := 0; n < NumBuckets; n++ {
		require.Equal(t, before[n], p2.Bucket(n), "cache absorption must leave every bucket address untouched")
	}

	ok, got, err := p2.TryGet(key, b)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("cached-value"), got)
}

func TestDataPage_CacheSpillFlushesIntoChildrenOnOverflow(t *testing.T) {
	p, b := newRootPage(t)
	fillAllBucketsWithFreshChildren(t, p, b)

	cachedKeys := make([]keys.Key, NumHashSlots)
	cachedVals := make([][]byte, NumHashSlots)
	for i := 0; i < NumHashSlots; i++ {
		cachedKeys[i] = keys.NewAccount(pathWithFirstNibble(i%NumBuckets, byte(i)))
		cachedVals[i] = []byte(fmt.Sprintf("cache-%d", i))
		require.True(t, p.AsCache().TrySet(cachedKeys[i], cachedVals[i]))
	}
	require.True(t, p.AsCache().Full())

	overflowKey := keys.NewAccount(pathWithFirstNibble(3, 250))
	p2, err := p.Set(overflowKey, []byte("overflow-value"), b)
	require.NoError(t, err)

	require.Equal(t, uint16(0), p2.AsCache().Count(), "a full cache must be spilled and cleared, not left over capacity")

	ok, got, err := p2.TryGet(overflowKey, b)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("overflow-value"), got)

	for i, k := range cachedKeys {
		ok, got, err := p2.TryGet(k, b)
		require.NoError(t, err)
		require.True(t, ok, "spilled entry %d must remain reachable through its child bucket", i)
		require.Equal(t, cachedVals[i], got)
	}
}

func TestDataPage_Describe(t *testing.T) {
	p, b := newRootPage(t)
	key := keys.NewAccount(accountPath(1))
	p2, err := p.Set(key, []byte("v"), b)
	require.NoError(t, err)

	level, bucketsUsed, entries := p2.Describe()
	require.Equal(t, uint8(0), level)
	require.Equal(t, 0, bucketsUsed)
	require.Equal(t, 1, entries)
}
