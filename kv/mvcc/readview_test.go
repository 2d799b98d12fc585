package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadViewBounds(t *testing.T) {
	view := NewReadView(101, []uint64{100, 102}, 103)
	assert.Equal(t, uint64(100), view.LowLimitID)
	assert.Equal(t, uint64(103), view.UpLimitID)
	assert.Equal(t, 2, view.ActiveCount())
}

func TestReadViewBoundsNoActive(t *testing.T) {
	view := NewReadView(7, nil, 9)
	assert.Equal(t, uint64(7), view.LowLimitID)
	assert.Equal(t, uint64(9), view.UpLimitID)
	assert.Equal(t, 0, view.ActiveCount())
}

func TestReadViewVisibility(t *testing.T) {
	// Transactions 100 and 104 were active when txn 102 took its snapshot; the next
	// id to be assigned was 105.
	view := NewReadView(102, []uint64{100, 104}, 105)

	// Committed strictly before the snapshot.
	assert.True(t, view.Sees(99))
	// The view owner's own writes.
	assert.True(t, view.Sees(102))
	// Active at snapshot time, therefore uncommitted then.
	assert.False(t, view.Sees(100))
	assert.False(t, view.Sees(104))
	// Within the bounds but not active: committed between construction bounds.
	assert.True(t, view.Sees(101))
	assert.True(t, view.Sees(103))
	// Began after the snapshot.
	assert.False(t, view.Sees(105))
	assert.False(t, view.Sees(200))
}

func TestReadViewSelfOnly(t *testing.T) {
	view := NewReadView(5, nil, 6)
	assert.True(t, view.Sees(5))
	assert.True(t, view.Sees(4))
	assert.False(t, view.Sees(6))
}
