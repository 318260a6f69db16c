package bufferpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// FlushDirtyPages writes back dirty pages that nobody has pinned, waiting on
// limiter before each write. Pinned pages are skipped because their holders
// may still be changing them. It returns how many pages were written.
func (bpm *BufferPoolManager) FlushDirtyPages(ctx context.Context, limiter *rate.Limiter) (int, error) {
	bpm.mu.Lock()
	candidates := make([]pagemanager.PageID, 0, len(bpm.pageTable))
	for pageID, frameID := range bpm.pageTable {
		page := bpm.pages[frameID]
		if page.IsDirty() && page.GetPinCount() == 0 {
			candidates = append(candidates, pageID)
		}
	}
	bpm.mu.Unlock()

	flushed := 0
	for _, pageID := range candidates {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return flushed, err
			}
		}
		ok, err := bpm.flushIfIdle(pageID)
		if err != nil {
			return flushed, err
		}
		if ok {
			flushed++
		}
	}
	return flushed, nil
}

// flushIfIdle re-checks residency, dirtiness and pin count under the lock,
// since the page may have changed while we waited on the limiter.
func (bpm *BufferPoolManager) flushIfIdle(pageID pagemanager.PageID) (bool, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return false, nil
	}
	page := bpm.pages[frameID]
	if !page.IsDirty() || page.GetPinCount() != 0 {
		return false, nil
	}
	return true, bpm.flushFrameLocked(page)
}

// Flusher periodically writes dirty pages back in the background so that
// eviction rarely has to wait on a write.
type Flusher struct {
	bpm      *BufferPoolManager
	interval time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger

	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// NewFlusher creates a background flusher. pagesPerSecond <= 0 disables throttling.
func NewFlusher(bpm *BufferPoolManager, interval time.Duration, pagesPerSecond int, logger *zap.Logger) *Flusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if pagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(pagesPerSecond), pagesPerSecond)
	}
	return &Flusher{
		bpm:      bpm,
		interval: interval,
		limiter:  limiter,
		logger:   logger.Named("flusher"),
	}
}

// Start launches the flush loop. Calling Start on a running flusher does nothing.
func (f *Flusher) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	if f.interval <= 0 {
		return errors.New("flusher interval must be positive")
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.stopChan = make(chan struct{})
	f.running = true

	f.logger.Info("Starting background flusher", zap.Duration("interval", f.interval))
	f.wg.Add(1)
	go f.flushLoop(ctx)
	return nil
}

// Stop ends the flush loop and waits for an in-flight pass to return.
func (f *Flusher) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return nil
	}
	close(f.stopChan)
	f.cancel()
	f.wg.Wait()
	f.running = false
	f.logger.Info("Background flusher stopped")
	return nil
}

func (f *Flusher) flushLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ticker.C:
			n, err := f.bpm.FlushDirtyPages(ctx, f.limiter)
			if err != nil && !errors.Is(err, context.Canceled) {
				f.logger.Error("Background flush failed", zap.Error(err))
				continue
			}
			if n > 0 {
				f.logger.Debug("Background flush pass", zap.Int("pages", n))
			}
		}
	}
}
