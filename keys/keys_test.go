package keys

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nibbletree/statepage/nibble"
)

func TestCanBeCached(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want bool
	}{
		{name: "account is cacheable", key: NewAccount(nibble.New([]byte{1})), want: true},
		{name: "storage cell is cacheable", key: NewStorageCell(nibble.New([]byte{1}), make([]byte, AdditionalKeySize)), want: true},
		{name: "code hash is not cacheable", key: NewCodeHash(nibble.New([]byte{1})), want: false},
		{name: "merkle is not cacheable", key: NewMerkle(nibble.New([]byte{1})), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.key.CanBeCached())
		})
	}
}

func TestNewStorageCell_WrongAdditionalKeySizePanics(t *testing.T) {
	require.Panics(t, func() {
		NewStorageCell(nibble.New([]byte{1}), []byte{1, 2, 3})
	})
}

func TestStorageTreeStorageCellKey_RequiresStorageCellFamily(t *testing.T) {
	require.Panics(t, func() {
		StorageTreeStorageCellKey(NewAccount(nibble.New([]byte{1})))
	})

	cell := NewStorageCell(nibble.New([]byte{0x12, 0x34}), make([]byte, AdditionalKeySize))
	sub := StorageTreeStorageCellKey(cell)
	require.Equal(t, StorageTreeStorageCell, sub.Type)
	require.True(t, sub.Path.Empty())
	require.Equal(t, cell.AdditionalKey, sub.AdditionalKey)
}

func TestDataType_String(t *testing.T) {
	require.Equal(t, "Account", Account.String())
	require.Equal(t, "Deleted", Deleted.String())
}
