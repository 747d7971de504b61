package page

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nibbletree/statepage/keys"
	"github.com/nibbletree/statepage/nibble"
)

func newTestRegion(t *testing.T) []byte {
	t.Helper()
	return make([]byte, 512)
}

func TestMap_SetGetRoundTrip(t *testing.T) {
	m := NewMap(newTestRegion(t))
	key := keys.NewAccount(nibble.FromNibbles([]byte{1, 2, 3, 4, 5}))

	require.True(t, m.TrySet(key, []byte("account-data")))
	ok, got := m.TryGet(key)
	require.True(t, ok)
	require.Equal(t, []byte("account-data"), got)
	require.Equal(t, 1, m.Count())
}

func TestMap_OverwriteSameLength(t *testing.T) {
	m := NewMap(newTestRegion(t))
	key := keys.NewAccount(nibble.FromNibbles([]byte{1, 2}))

	require.True(t, m.TrySet(key, []byte("aaaa")))
	require.True(t, m.TrySet(key, []byte("bbbb")))
	ok, got := m.TryGet(key)
	require.True(t, ok)
	require.Equal(t, []byte("bbbb"), got)
	require.Equal(t, 1, m.SlotCount(), "overwrite with identical length must not grow the slot count")
}

func TestMap_OverwriteDifferentLengthTombstonesOld(t *testing.T) {
	m := NewMap(newTestRegion(t))
	key := keys.NewAccount(nibble.FromNibbles([]byte{1, 2}))

	require.True(t, m.TrySet(key, []byte("short")))
	require.True(t, m.TrySet(key, []byte("a much longer replacement value")))
	require.Equal(t, uint16(1), m.Deleted(), "the old slot must be tombstoned, not reused")

	ok, got := m.TryGet(key)
	require.True(t, ok)
	require.Equal(t, []byte("a much longer replacement value"), got)
}

func TestMap_DeleteAndTombstoneCollection(t *testing.T) {
	m := NewMap(newTestRegion(t))
	a := keys.NewAccount(nibble.FromNibbles([]byte{1, 2}))
	b := keys.NewAccount(nibble.FromNibbles([]byte{3, 4}))

	require.True(t, m.TrySet(a, []byte("a")))
	require.True(t, m.TrySet(b, []byte("b")))
	require.Equal(t, 2, m.SlotCount())

	m.Delete(b) // b is the tail slot; deleting it must reclaim both its slot and heap bytes
	require.Equal(t, 1, m.SlotCount())
	require.Equal(t, uint16(0), m.Deleted())

	ok, _ := m.TryGet(b)
	require.False(t, ok)
	ok, got := m.TryGet(a)
	require.True(t, ok)
	require.Equal(t, []byte("a"), got)
}

func TestMap_DefragmentReclaimsNonTailTombstone(t *testing.T) {
	m := NewMap(newTestRegion(t))
	a := keys.NewAccount(nibble.FromNibbles([]byte{1, 2}))
	b := keys.NewAccount(nibble.FromNibbles([]byte{3, 4}))
	c := keys.NewAccount(nibble.FromNibbles([]byte{5, 6}))

	require.True(t, m.TrySet(a, []byte("a")))
	require.True(t, m.TrySet(b, []byte("b")))
	require.True(t, m.TrySet(c, []byte("c")))

	m.Delete(a) // not the tail: leaves a hole until Defragment runs
	require.Equal(t, uint16(1), m.Deleted())
	require.Equal(t, 3, m.SlotCount())

	m.Defragment()
	require.Equal(t, uint16(0), m.Deleted())
	require.Equal(t, 2, m.SlotCount())

	for _, tt := range []struct {
		key  keys.Key
		want []byte
	}{{b, []byte("b")}, {c, []byte("c")}} {
		ok, got := m.TryGet(tt.key)
		require.True(t, ok)
		require.Equal(t, tt.want, got)
	}
	ok, _ := m.TryGet(a)
	require.False(t, ok)
}

func TestMap_EnumerateNibbleFiltersByFirstNibble(t *testing.T) {
	m := NewMap(newTestRegion(t))
	a := keys.NewAccount(nibble.FromNibbles([]byte{1, 0, 0}))
	b := keys.NewAccount(nibble.FromNibbles([]byte{1, 1, 1}))
	c := keys.NewAccount(nibble.FromNibbles([]byte{2, 0, 0}))
	require.True(t, m.TrySet(a, []byte("a")))
	require.True(t, m.TrySet(b, []byte("b")))
	require.True(t, m.TrySet(c, []byte("c")))

	entries := m.EnumerateNibble(1)
	require.Len(t, entries, 2)
	paths := map[string]bool{}
	for _, e := range entries {
		paths[e.Key.Path.String()] = true
	}
	require.True(t, paths[a.Path.String()])
	require.True(t, paths[b.Path.String()])

	require.Len(t, m.EnumerateAll(), 3)
}

func TestMap_GetBiggestNibbleStats(t *testing.T) {
	m := NewMap(newTestRegion(t))
	cellIndex := make([]byte, keys.AdditionalKeySize)
	account := nibble.FromNibbles([]byte{7, 0, 0})

	require.True(t, m.TrySet(keys.NewStorageCell(account, cellIndex), []byte("cell-0")))
	cellIndex2 := make([]byte, keys.AdditionalKeySize)
	cellIndex2[0] = 1
	require.True(t, m.TrySet(keys.NewStorageCell(account, cellIndex2), []byte("cell-1")))
	require.True(t, m.TrySet(keys.NewAccount(nibble.FromNibbles([]byte{3, 0, 0})), []byte("other")))

	stats := m.GetBiggestNibbleStats()
	require.Equal(t, 7, stats.Nibble)
	require.InDelta(t, 2.0/3.0, stats.StorageCellRatio, 1e-9)
}

func TestMap_TrySetFailsWhenFullAndUndefragmentable(t *testing.T) {
	m := NewMap(make([]byte, MinDataRegionSize))
	key := keys.NewAccount(nibble.FromNibbles([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}))
	require.False(t, m.TrySet(key, []byte("this value is far too large to fit")))
}
