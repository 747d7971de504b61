package page

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nibbletree/statepage/keys"
	"github.com/nibbletree/statepage/nibble"
)

func newTestCacheRegion(t *testing.T) []byte {
	t.Helper()
	return make([]byte, hashMapHeaderSize+NumHashSlots*hashDirEntrySize+2048)
}

func TestHashingMap_SetGetRoundTrip(t *testing.T) {
	c := NewHashingMap(newTestCacheRegion(t))
	key := keys.NewAccount(nibble.FromNibbles([]byte{1, 2, 3, 4}))

	require.True(t, c.TrySet(key, []byte("cached-account")))
	ok, got := c.TryGet(key)
	require.True(t, ok)
	require.Equal(t, []byte("cached-account"), got)
	require.Equal(t, uint16(1), c.Count())
}

func TestHashingMap_OverwriteSameLengthKeepsDirectorySlot(t *testing.T) {
	c := NewHashingMap(newTestCacheRegion(t))
	key := keys.NewAccount(nibble.FromNibbles([]byte{5, 5}))

	require.True(t, c.TrySet(key, []byte("aaaa")))
	require.True(t, c.TrySet(key, []byte("bbbb")))
	require.Equal(t, uint16(1), c.Count())

	ok, got := c.TryGet(key)
	require.True(t, ok)
	require.Equal(t, []byte("bbbb"), got)
}

func TestHashingMap_ClearWipesEverything(t *testing.T) {
	c := NewHashingMap(newTestCacheRegion(t))
	key := keys.NewAccount(nibble.FromNibbles([]byte{9, 9}))
	require.True(t, c.TrySet(key, []byte("v")))

	c.Clear()

	ok, _ := c.TryGet(key)
	require.False(t, ok)
	require.Equal(t, uint16(0), c.Count())
	require.Empty(t, c.Enumerate())
}

func TestHashingMap_StorageCellIdentityRequiresAdditionalKeyMatch(t *testing.T) {
	c := NewHashingMap(newTestCacheRegion(t))
	path := nibble.FromNibbles([]byte{1, 1})
	cellA := make([]byte, keys.AdditionalKeySize)
	cellB := make([]byte, keys.AdditionalKeySize)
	cellB[0] = 1

	require.True(t, c.TrySet(keys.NewStorageCell(path, cellA), []byte("cell-a")))
	require.True(t, c.TrySet(keys.NewStorageCell(path, cellB), []byte("cell-b")))

	ok, got := c.TryGet(keys.NewStorageCell(path, cellA))
	require.True(t, ok)
	require.Equal(t, []byte("cell-a"), got)

	ok, got = c.TryGet(keys.NewStorageCell(path, cellB))
	require.True(t, ok)
	require.Equal(t, []byte("cell-b"), got)
}

func TestHashingMap_FullDirectoryRejectsNewKeys(t *testing.T) {
	region := make([]byte, hashMapHeaderSize+NumHashSlots*hashDirEntrySize+NumHashSlots*64)
	c := NewHashingMap(region)
	for i := 0; i < NumHashSlots; i++ {
		path := nibble.FromNibbles([]byte{byte(i % 16), byte(i / 16)})
		require.True(t, c.TrySet(keys.NewAccount(path), []byte{byte(i)}))
	}
	require.True(t, c.Full())

	extra := keys.NewAccount(nibble.FromNibbles([]byte{15, 15, 15}))
	require.False(t, c.TrySet(extra, []byte("overflow")))
}
