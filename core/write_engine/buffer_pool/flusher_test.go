package bufferpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFlusherWritesBackIdlePages(t *testing.T) {
	bpm, _ := setupBPM(t, 4, ReplacerLRU)
	id := newPageWithByte(t, bpm, 0x11)
	require.NoError(t, bpm.UnpinPage(id, true))

	f := NewFlusher(bpm, 10*time.Millisecond, 1000, zap.NewNop())
	require.NoError(t, f.Start())
	require.NoError(t, f.Start(), "starting twice is a no-op")

	assert.Eventually(t, func() bool {
		return bpm.Stats().Flushes > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.Stop())
	require.NoError(t, f.Stop(), "stopping twice is a no-op")
}

func TestFlusherRejectsZeroInterval(t *testing.T) {
	bpm, _ := setupBPM(t, 1, ReplacerLRU)
	f := NewFlusher(bpm, 0, 0, nil)
	assert.Error(t, f.Start())
}
