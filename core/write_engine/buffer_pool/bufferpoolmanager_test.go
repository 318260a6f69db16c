package bufferpool

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// --- Test Helpers ---

func setupBPM(t *testing.T, poolSize int, policy string) (*BufferPoolManager, *flushmanager.DiskManager) {
	t.Helper()
	dm, err := flushmanager.NewDiskManager(filepath.Join(t.TempDir(), "bpm.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	replacer, err := NewReplacer(policy, poolSize)
	require.NoError(t, err)
	return NewBufferPoolManager(poolSize, dm, replacer, zap.NewNop()), dm
}

func newPageWithByte(t *testing.T, bpm *BufferPoolManager, b byte) pagemanager.PageID {
	t.Helper()
	page, id, err := bpm.NewPage()
	require.NoError(t, err)
	page.GetData()[0] = b
	page.GetData()[pagemanager.PageSize-1] = b
	return id
}

// --- Tests ---

// TestPoolOfThreeRefusesFourthPinnedPage runs the canonical exhaustion
// scenario: three pinned pages fill the pool, a fourth NewPage fails, and
// unpinning one lets the next NewPage evict it.
func TestPoolOfThreeRefusesFourthPinnedPage(t *testing.T) {
	for _, policy := range []string{ReplacerLRU, ReplacerClock} {
		t.Run(policy, func(t *testing.T) {
			bpm, dm := setupBPM(t, 3, policy)

			a := newPageWithByte(t, bpm, 'A')
			newPageWithByte(t, bpm, 'B')
			newPageWithByte(t, bpm, 'C')

			allocated := dm.GetMetaData().NumAllocatedPages
			_, _, err := bpm.NewPage()
			require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)
			assert.Equal(t, allocated, dm.GetMetaData().NumAllocatedPages, "failed NewPage must not leak a page id")

			require.NoError(t, bpm.UnpinPage(a, true))
			_, d, err := bpm.NewPage()
			require.NoError(t, err)
			assert.False(t, bpm.IsResident(a))
			assert.True(t, bpm.IsResident(d))
			assert.Equal(t, uint64(1), bpm.Stats().Evictions)
			assert.Equal(t, uint64(1), bpm.Stats().WriteBacks)
		})
	}
}

func TestFetchRequiresMatchingUnpins(t *testing.T) {
	bpm, _ := setupBPM(t, 1, ReplacerLRU)
	id := newPageWithByte(t, bpm, 1)

	for i := 0; i < 2; i++ {
		_, err := bpm.FetchPage(id)
		require.NoError(t, err)
	}
	pins, ok := bpm.GetPinCount(id)
	require.True(t, ok)
	require.Equal(t, 3, pins)

	// k fetches need k unpins before the frame can be reused
	for i := 0; i < 2; i++ {
		require.NoError(t, bpm.UnpinPage(id, false))
		_, _, err := bpm.NewPage()
		require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull, "after %d unpins", i+1)
	}
	require.NoError(t, bpm.UnpinPage(id, false))
	_, _, err := bpm.NewPage()
	require.NoError(t, err)
	assert.False(t, bpm.IsResident(id))
}

func TestUnpinErrors(t *testing.T) {
	bpm, _ := setupBPM(t, 2, ReplacerLRU)
	id := newPageWithByte(t, bpm, 1)
	require.NoError(t, bpm.UnpinPage(id, false))

	err := bpm.UnpinPage(id, false)
	require.ErrorIs(t, err, flushmanager.ErrPageNotPinned)
	pins, _ := bpm.GetPinCount(id)
	assert.Equal(t, 0, pins, "a rejected unpin leaves the pin count at zero")

	err = bpm.UnpinPage(999, false)
	assert.ErrorIs(t, err, flushmanager.ErrPageNotFound)
}

// TestEvictionRoundTripsThroughDisk uses a pool smaller than the working set
// so every page is written back and read again.
func TestEvictionRoundTripsThroughDisk(t *testing.T) {
	for _, policy := range []string{ReplacerLRU, ReplacerClock} {
		t.Run(policy, func(t *testing.T) {
			bpm, _ := setupBPM(t, 3, policy)

			ids := make([]pagemanager.PageID, 10)
			for i := range ids {
				ids[i] = newPageWithByte(t, bpm, byte(i+1))
				require.NoError(t, bpm.UnpinPage(ids[i], true))
			}
			for i, id := range ids {
				page, err := bpm.FetchPage(id)
				require.NoError(t, err)
				assert.Equal(t, byte(i+1), page.GetData()[0])
				assert.Equal(t, byte(i+1), page.GetData()[pagemanager.PageSize-1])
				require.NoError(t, bpm.UnpinPage(id, false))
			}
			assert.True(t, bpm.CheckAllUnpinned())
			assert.Greater(t, bpm.Stats().Misses, uint64(0))
		})
	}
}

func TestFetchHitDoesNotTouchDisk(t *testing.T) {
	bpm, _ := setupBPM(t, 2, ReplacerLRU)
	id := newPageWithByte(t, bpm, 9)
	require.NoError(t, bpm.UnpinPage(id, true))

	_, err := bpm.FetchPage(id)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id, false))
	stats := bpm.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(0), stats.Misses)
}

func TestDeletePage(t *testing.T) {
	bpm, dm := setupBPM(t, 2, ReplacerLRU)
	id := newPageWithByte(t, bpm, 1)

	err := bpm.DeletePage(id)
	require.ErrorIs(t, err, flushmanager.ErrPagePinned)
	assert.True(t, bpm.IsResident(id))

	require.NoError(t, bpm.UnpinPage(id, true))
	require.NoError(t, bpm.DeletePage(id))
	assert.False(t, bpm.IsResident(id))
	free, err := dm.IsPageFree(id)
	require.NoError(t, err)
	assert.True(t, free)

	// the freed frame is reusable without an eviction
	_, again, err := bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, id, again, "the freed page id is handed out again")
	assert.Equal(t, uint64(0), bpm.Stats().Evictions)
}

func TestDeleteNonResidentPage(t *testing.T) {
	bpm, dm := setupBPM(t, 1, ReplacerLRU)
	first := newPageWithByte(t, bpm, 1)
	require.NoError(t, bpm.UnpinPage(first, true))
	second := newPageWithByte(t, bpm, 2)
	require.NoError(t, bpm.UnpinPage(second, true))
	require.False(t, bpm.IsResident(first))

	require.NoError(t, bpm.DeletePage(first))
	free, err := dm.IsPageFree(first)
	require.NoError(t, err)
	assert.True(t, free)
}

func TestFlushPage(t *testing.T) {
	bpm, dm := setupBPM(t, 2, ReplacerLRU)
	id := newPageWithByte(t, bpm, 0x5A)

	require.NoError(t, bpm.FlushPage(id))
	buf := make([]byte, pagemanager.PageSize)
	require.NoError(t, dm.ReadPage(id, buf))
	assert.Equal(t, byte(0x5A), buf[0])

	err := bpm.FlushPage(12345)
	assert.ErrorIs(t, err, flushmanager.ErrPageNotFound)
	require.NoError(t, bpm.UnpinPage(id, false))
}

func TestCloseFlushesDirtyPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "close.db")
	dm, err := flushmanager.NewDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	bpm := NewBufferPoolManager(4, dm, nil, zap.NewNop())

	id := newPageWithByte(t, bpm, 0x77)
	require.NoError(t, bpm.UnpinPage(id, true))
	require.NoError(t, bpm.Close())
	require.NoError(t, dm.Close())

	dm, err = flushmanager.NewDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	defer dm.Close()
	bpm = NewBufferPoolManager(4, dm, nil, zap.NewNop())
	page, err := bpm.FetchPage(id)
	require.NoError(t, err)
	assert.Equal(t, byte(0x77), page.GetData()[0])
	require.NoError(t, bpm.UnpinPage(id, false))
}

func TestFetchInvalidPageID(t *testing.T) {
	bpm, _ := setupBPM(t, 1, ReplacerLRU)
	_, err := bpm.FetchPage(pagemanager.InvalidPageID)
	assert.ErrorIs(t, err, flushmanager.ErrInvalidPageID)
}

func TestPageGuardReleasesOnce(t *testing.T) {
	bpm, _ := setupBPM(t, 1, ReplacerLRU)
	guard, err := bpm.NewPageGuard()
	require.NoError(t, err)
	guard.Data()[0] = 3
	guard.MarkDirty()

	require.NoError(t, guard.Release())
	require.NoError(t, guard.Release(), "second release is a no-op")
	pins, ok := bpm.GetPinCount(guard.PageID())
	require.True(t, ok)
	assert.Equal(t, 0, pins)

	again, err := bpm.FetchPageGuard(guard.PageID())
	require.NoError(t, err)
	defer again.Release()
	assert.Equal(t, byte(3), again.Data()[0])
}

func TestFlushDirtyPagesSkipsPinned(t *testing.T) {
	bpm, _ := setupBPM(t, 4, ReplacerLRU)
	idle := newPageWithByte(t, bpm, 1)
	require.NoError(t, bpm.UnpinPage(idle, true))
	busy := newPageWithByte(t, bpm, 2)

	n, err := bpm.FlushDirtyPages(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = bpm.FlushDirtyPages(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "idle page is clean now and busy is still pinned")
	require.NoError(t, bpm.UnpinPage(busy, true))
}
