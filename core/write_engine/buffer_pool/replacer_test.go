package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

func TestLRUReplacerVictimOrder(t *testing.T) {
	r := NewLRUReplacer(7)

	// Scenario: unpin six frames, unpin 1 again (no effect), pin 3 and 4.
	for _, f := range []pagemanager.FrameID{1, 2, 3, 4, 5, 6, 1} {
		r.Unpin(f)
	}
	require.Equal(t, 6, r.Size())

	for _, want := range []pagemanager.FrameID{1, 2, 3} {
		got, ok := r.Victim()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	r.Pin(3) // already evicted, no-op
	r.Pin(4)
	assert.Equal(t, 2, r.Size())

	r.Unpin(4)
	for _, want := range []pagemanager.FrameID{5, 6, 4} {
		got, ok := r.Victim()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := r.Victim()
	assert.False(t, ok)
	assert.Equal(t, 0, r.Size())
}

func TestClockReplacerSecondChance(t *testing.T) {
	r := NewClockReplacer(4)
	for _, f := range []pagemanager.FrameID{0, 1, 2, 3} {
		r.Unpin(f)
	}
	require.Equal(t, 4, r.Size())

	// first sweep clears every reference bit, then frame 0 goes
	got, ok := r.Victim()
	require.True(t, ok)
	assert.Equal(t, pagemanager.FrameID(0), got)

	// frame 1 gets a fresh reference and is skipped in favour of 2
	r.Pin(1)
	r.Unpin(1)
	got, ok = r.Victim()
	require.True(t, ok)
	assert.Equal(t, pagemanager.FrameID(2), got)

	r.Pin(3)
	got, ok = r.Victim()
	require.True(t, ok)
	assert.Equal(t, pagemanager.FrameID(1), got)

	_, ok = r.Victim()
	assert.False(t, ok)
}

func TestReplacersNeverReturnPinnedFrames(t *testing.T) {
	for _, policy := range []string{ReplacerLRU, ReplacerClock} {
		t.Run(policy, func(t *testing.T) {
			r, err := NewReplacer(policy, 10)
			require.NoError(t, err)
			for f := 0; f < 10; f++ {
				r.Unpin(pagemanager.FrameID(f))
			}
			pinned := map[pagemanager.FrameID]bool{2: true, 5: true, 7: true}
			for f := range pinned {
				r.Pin(f)
			}
			assert.Equal(t, 7, r.Size())

			seen := map[pagemanager.FrameID]bool{}
			for {
				f, ok := r.Victim()
				if !ok {
					break
				}
				assert.False(t, pinned[f], "victim %d is pinned", f)
				assert.False(t, seen[f], "victim %d returned twice", f)
				seen[f] = true
			}
			assert.Len(t, seen, 7)
		})
	}
}

func TestNewReplacerUnknownPolicy(t *testing.T) {
	_, err := NewReplacer("mru", 4)
	assert.ErrorIs(t, err, flushmanager.ErrUnknownReplacer)
}
