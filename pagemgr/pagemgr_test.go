package pagemgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemory_GetNewPageThenGetAt(t *testing.T) {
	m := NewInMemory()
	img, err := m.GetNewPage(1, DataPageType, 0)
	require.NoError(t, err)
	require.False(t, img.Addr.IsNull())

	got, err := m.GetAt(img.Addr)
	require.NoError(t, err)
	require.Equal(t, img, got)
	require.Equal(t, uint64(1), got.Header().BatchId)
}

func TestInMemory_GetAtNullAddress(t *testing.T) {
	m := NewInMemory()
	_, err := m.GetAt(NullAddress)
	require.Error(t, err)
}

func TestInMemory_GetWritableCopyAllocatesNewAddress(t *testing.T) {
	m := NewInMemory()
	img, err := m.GetNewPage(1, DataPageType, 0)
	require.NoError(t, err)

	copyImg, err := m.GetWritableCopy(img, 2)
	require.NoError(t, err)
	require.NotEqual(t, img.Addr, copyImg.Addr)
	require.Equal(t, uint64(2), copyImg.Header().BatchId)
}

func TestInMemory_FlushRootPageSetsRoot(t *testing.T) {
	m := NewInMemory()
	img, err := m.GetNewPage(1, DataPageType, 0)
	require.NoError(t, err)

	require.NoError(t, m.FlushRootPage(context.Background(), img.Addr))
	require.Equal(t, img.Addr, m.Root())
}

func TestPageHeader_EncodeDecodeRoundTrip(t *testing.T) {
	h := PageHeader{BatchId: 7, Type: MassiveStorageTreeType, TreeLevel: 3, Mode: ModeCache}
	buf := make([]byte, PageHeaderSize)
	h.Encode(buf)
	require.Equal(t, h, DecodeHeader(buf))
}

func TestDbAddress_PutGetRoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	PutDbAddress(buf, DbAddress(123456))
	require.Equal(t, DbAddress(123456), GetDbAddress(buf))
}
