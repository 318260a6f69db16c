package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagedb/internal/telemetry"
)

// Stats are cumulative counters kept alongside the exported metrics.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	WriteBacks uint64
	Flushes    uint64
}

// BufferPoolManager caches disk pages in a fixed array of frames. Callers pin
// a page with FetchPage or NewPage and must release it with exactly one
// UnpinPage. Only frames with a zero pin count are ever evicted.
type BufferPoolManager struct {
	diskManager *flushmanager.DiskManager
	poolSize    int
	pages       []*pagemanager.Page                        // Page frames
	pageTable   map[pagemanager.PageID]pagemanager.FrameID // PageID to frame index
	freeList    []pagemanager.FrameID                      // frames holding no page
	replacer    Replacer
	// mu guards pageTable, freeList, replacer and every frame's metadata.
	mu      sync.Mutex
	stats   Stats
	metrics *internaltelemetry.BufferPoolMetrics
	logger  *zap.Logger
}

// NewBufferPoolManager creates a pool of poolSize frames over diskManager.
// A nil replacer selects LRU.
func NewBufferPoolManager(poolSize int, diskManager *flushmanager.DiskManager, replacer Replacer, logger *zap.Logger) *BufferPoolManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if replacer == nil {
		replacer = NewLRUReplacer(poolSize)
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		poolSize:    poolSize,
		pages:       make([]*pagemanager.Page, poolSize),
		pageTable:   make(map[pagemanager.PageID]pagemanager.FrameID, poolSize),
		freeList:    make([]pagemanager.FrameID, 0, poolSize),
		replacer:    replacer,
		metrics:     internaltelemetry.NoopBufferPoolMetrics(),
		logger:      logger.Named("buffer_pool"),
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID)
		bpm.freeList = append(bpm.freeList, pagemanager.FrameID(i))
	}
	bpm.logger.Info("BufferPoolManager initialized", zap.Int("pool_size", poolSize))
	return bpm
}

// SetMetrics replaces the no-op instruments installed by the constructor.
func (bpm *BufferPoolManager) SetMetrics(m *internaltelemetry.BufferPoolMetrics) {
	if m == nil {
		return
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bpm.metrics = m
}

func (bpm *BufferPoolManager) PoolSize() int { return bpm.poolSize }

func (bpm *BufferPoolManager) DiskManager() *flushmanager.DiskManager { return bpm.diskManager }

// FetchPage pins pageID, reading it from disk when it is not resident.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	if pageID < 0 {
		return nil, fmt.Errorf("%w: %d", flushmanager.ErrInvalidPageID, pageID)
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// 1. Resident: bump the pin count.
	if frameID, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameID]
		bpm.pinLocked(frameID, page)
		bpm.stats.Hits++
		internaltelemetry.Add(bpm.metrics.HitsCounter, 1)
		bpm.logger.Debug("Page hit", zap.Int32("page_id", int32(pageID)), zap.Int("frame", int(frameID)), zap.Int("pin_count", page.GetPinCount()))
		return page, nil
	}

	// 2. Miss: take a free or evicted frame and load the page into it.
	frameID, err := bpm.getFrameLocked()
	if err != nil {
		bpm.logger.Debug("No frame available for fetch", zap.Int32("page_id", int32(pageID)), zap.Error(err))
		return nil, err
	}
	page := bpm.pages[frameID]
	page.Reset()
	if err := bpm.diskManager.ReadPage(pageID, page.GetData()); err != nil {
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}
	page.SetPageID(pageID)
	bpm.pageTable[pageID] = frameID
	bpm.pinLocked(frameID, page)

	bpm.stats.Misses++
	internaltelemetry.Add(bpm.metrics.MissesCounter, 1)
	bpm.logger.Debug("Page loaded from disk", zap.Int32("page_id", int32(pageID)), zap.Int("frame", int(frameID)))
	return page, nil
}

// NewPage allocates a fresh page id and pins a zero-filled frame for it.
func (bpm *BufferPoolManager) NewPage() (*pagemanager.Page, pagemanager.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// Refuse before allocating so an exhausted pool does not leak page ids.
	if len(bpm.freeList) == 0 && bpm.replacer.Size() == 0 {
		return nil, pagemanager.InvalidPageID, flushmanager.ErrBufferPoolFull
	}
	newPageID, err := bpm.diskManager.AllocatePage()
	if err != nil {
		bpm.logger.Error("Failed to allocate new page on disk", zap.Error(err))
		return nil, pagemanager.InvalidPageID, err
	}
	frameID, err := bpm.getFrameLocked()
	if err != nil {
		if derr := bpm.diskManager.DeallocatePage(newPageID); derr != nil {
			bpm.logger.Error("Failed to return orphaned page id", zap.Int32("page_id", int32(newPageID)), zap.Error(derr))
		}
		return nil, pagemanager.InvalidPageID, fmt.Errorf("failed to get frame for new page %d: %w", newPageID, err)
	}

	page := bpm.pages[frameID]
	page.Reset()
	page.SetPageID(newPageID)
	// A new page must reach disk even if nobody writes to it.
	page.SetDirty(true)
	bpm.pageTable[newPageID] = frameID
	bpm.pinLocked(frameID, page)

	bpm.logger.Debug("New page", zap.Int32("page_id", int32(newPageID)), zap.Int("frame", int(frameID)))
	return page, newPageID, nil
}

// UnpinPage releases one pin on pageID. isDirty is sticky: it can mark the
// page dirty but never clean.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.logger.Warn("Unpin of non-resident page", zap.Int32("page_id", int32(pageID)))
		return fmt.Errorf("%w: page %d not found to unpin", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameID]
	if !page.Unpin() {
		bpm.logger.Warn("Unpin of page with pin count 0", zap.Int32("page_id", int32(pageID)))
		return fmt.Errorf("%w: page %d", flushmanager.ErrPageNotPinned, pageID)
	}
	if isDirty {
		page.SetDirty(true)
	}
	if page.GetPinCount() == 0 {
		bpm.replacer.Unpin(frameID)
		bpm.metrics.PinnedPagesGauge.Add(context.Background(), -1)
	}
	return nil
}

// DeletePage drops pageID from the pool and returns its id to the disk
// manager. A pinned page is left untouched and ErrPagePinned is returned.
func (bpm *BufferPoolManager) DeletePage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frameID, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameID]
		if page.GetPinCount() > 0 {
			bpm.logger.Warn("Refusing to delete pinned page", zap.Int32("page_id", int32(pageID)), zap.Int("pin_count", page.GetPinCount()))
			return fmt.Errorf("%w: page %d has pin count %d", flushmanager.ErrPagePinned, pageID, page.GetPinCount())
		}
		bpm.replacer.Pin(frameID)
		delete(bpm.pageTable, pageID)
		page.Reset()
		bpm.freeList = append(bpm.freeList, frameID)
	}
	if err := bpm.diskManager.DeallocatePage(pageID); err != nil {
		return fmt.Errorf("failed to deallocate page %d: %w", pageID, err)
	}
	bpm.logger.Debug("Deleted page", zap.Int32("page_id", int32(pageID)))
	return nil
}

// FlushPage writes a resident page to disk regardless of its dirty flag.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to flush", flushmanager.ErrPageNotFound, pageID)
	}
	return bpm.flushFrameLocked(bpm.pages[frameID])
}

// FlushAllPages writes every dirty resident page and syncs the file.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	var errs []error
	for _, frameID := range bpm.pageTable {
		page := bpm.pages[frameID]
		if !page.IsDirty() {
			continue
		}
		if err := bpm.flushFrameLocked(page); err != nil {
			errs = append(errs, err)
		}
	}
	if err := bpm.diskManager.Sync(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close flushes every resident page. The disk manager stays open; its owner closes it.
func (bpm *BufferPoolManager) Close() error {
	bpm.logger.Info("Flushing buffer pool on close")
	return bpm.FlushAllPages()
}

// --- Disk manager pass-throughs ---

func (bpm *BufferPoolManager) AllocatePage() (pagemanager.PageID, error) {
	return bpm.diskManager.AllocatePage()
}

func (bpm *BufferPoolManager) DeallocatePage(pageID pagemanager.PageID) error {
	return bpm.diskManager.DeallocatePage(pageID)
}

func (bpm *BufferPoolManager) IsPageFree(pageID pagemanager.PageID) (bool, error) {
	return bpm.diskManager.IsPageFree(pageID)
}

// --- Debugging ---

// CheckAllUnpinned reports whether every resident page has a zero pin count,
// logging each page that does not.
func (bpm *BufferPoolManager) CheckAllUnpinned() bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	ok := true
	for pageID, frameID := range bpm.pageTable {
		if n := bpm.pages[frameID].GetPinCount(); n != 0 {
			ok = false
			bpm.logger.Warn("Page still pinned", zap.Int32("page_id", int32(pageID)), zap.Int("pin_count", n))
		}
	}
	return ok
}

// GetPinCount returns the pin count of a resident page.
func (bpm *BufferPoolManager) GetPinCount(pageID pagemanager.PageID) (int, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return 0, false
	}
	return bpm.pages[frameID].GetPinCount(), true
}

func (bpm *BufferPoolManager) IsResident(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	_, ok := bpm.pageTable[pageID]
	return ok
}

func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.stats
}

// --- internal helpers, all called with bpm.mu held ---

// getFrameLocked returns an empty frame, preferring the free list and
// otherwise evicting the replacer's victim. A dirty victim is written back
// before its frame is handed out.
func (bpm *BufferPoolManager) getFrameLocked() (pagemanager.FrameID, error) {
	if n := len(bpm.freeList); n > 0 {
		frameID := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameID, nil
	}

	frameID, ok := bpm.replacer.Victim()
	if !ok {
		return -1, flushmanager.ErrBufferPoolFull
	}
	victim := bpm.pages[frameID]
	if victim.IsDirty() {
		if err := bpm.diskManager.WritePage(victim.GetPageID(), victim.GetData()); err != nil {
			// Keep the page resident and evictable so nothing is lost.
			bpm.replacer.Unpin(frameID)
			return -1, fmt.Errorf("failed to flush dirty victim page %d: %w", victim.GetPageID(), err)
		}
		victim.SetDirty(false)
		bpm.stats.WriteBacks++
		internaltelemetry.Add(bpm.metrics.WriteBacksCounter, 1)
	}
	delete(bpm.pageTable, victim.GetPageID())
	bpm.stats.Evictions++
	internaltelemetry.Add(bpm.metrics.EvictionsCounter, 1)
	bpm.logger.Debug("Evicted page", zap.Int32("page_id", int32(victim.GetPageID())), zap.Int("frame", int(frameID)))
	return frameID, nil
}

func (bpm *BufferPoolManager) pinLocked(frameID pagemanager.FrameID, page *pagemanager.Page) {
	if page.GetPinCount() == 0 {
		bpm.metrics.PinnedPagesGauge.Add(context.Background(), 1)
	}
	page.Pin()
	bpm.replacer.Pin(frameID)
}

func (bpm *BufferPoolManager) flushFrameLocked(page *pagemanager.Page) error {
	if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
		bpm.logger.Error("Failed to flush page", zap.Int32("page_id", int32(page.GetPageID())), zap.Error(err))
		return err
	}
	page.SetDirty(false)
	bpm.stats.Flushes++
	internaltelemetry.Add(bpm.metrics.FlushesCounter, 1)
	return nil
}
