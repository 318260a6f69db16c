package pagemanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageResetClearsState(t *testing.T) {
	p := NewPage(7)
	p.Pin()
	p.SetDirty(true)
	p.SetLSN(12)
	copy(p.GetData(), []byte("hello"))

	p.Reset()

	assert.Equal(t, InvalidPageID, p.GetPageID())
	assert.Equal(t, 0, p.GetPinCount())
	assert.False(t, p.IsDirty())
	assert.Equal(t, InvalidLSN, p.GetLSN())
	require.Len(t, p.GetData(), PageSize)
	for _, b := range p.GetData() {
		require.Zero(t, b)
	}
}

func TestPageUnpinNeverGoesNegative(t *testing.T) {
	p := NewPage(1)
	assert.False(t, p.Unpin())
	assert.Equal(t, 0, p.GetPinCount())

	p.Pin()
	p.Pin()
	assert.True(t, p.Unpin())
	assert.True(t, p.Unpin())
	assert.False(t, p.Unpin())
	assert.Equal(t, 0, p.GetPinCount())
}

func TestRowIDValid(t *testing.T) {
	assert.False(t, InvalidRowID.Valid())
	assert.True(t, RowID{PageID: 0, SlotNum: 3}.Valid())
}
