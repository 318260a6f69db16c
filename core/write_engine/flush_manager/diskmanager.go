package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// --- DiskManager ---

// metaPhysicalPage is where the disk meta page lives. It is never handed out
// as a logical page.
const metaPhysicalPage = 0

// MetaData is a point-in-time copy of the disk meta page.
type MetaData struct {
	NumAllocatedPages uint32
	NumExtents        uint32
	ExtentUsedPage    []uint32
}

// DiskManager owns the database file. It maps logical page ids onto physical
// pages, tracks free space with one bitmap page per extent, and performs raw
// page I/O. It is safe for concurrent use.
type DiskManager struct {
	filePath string
	file     *os.File
	meta     *MetaPage
	// bitmaps caches extent bitmap pages after their first read. Every change
	// is written through to disk.
	bitmaps map[uint32]*BitmapPage
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewDiskManager opens filePath, creating it when absent, and loads the meta page.
func NewDiskManager(filePath string, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating directory %s: %v", ErrIO, dir, err)
		}
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	dm := &DiskManager{
		filePath: filePath,
		file:     file,
		bitmaps:  make(map[uint32]*BitmapPage),
		logger:   logger.Named("disk_manager"),
	}

	buf := make([]byte, pagemanager.PageSize)
	if err := dm.readPhysicalPage(metaPhysicalPage, buf); err != nil {
		_ = file.Close()
		return nil, err
	}
	meta, err := DecodeMetaPage(buf)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("opening %s: %w", filePath, err)
	}
	dm.meta = meta

	dm.logger.Info("Opened database file",
		zap.String("path", filePath),
		zap.Uint32("allocated_pages", meta.NumAllocatedPages),
		zap.Uint32("extents", meta.NumExtents),
	)
	return dm, nil
}

func (dm *DiskManager) FilePath() string { return dm.filePath }

// ReadPage reads logical page pageID into pageData. Pages that were never
// written read back as zeroes.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkOpen(); err != nil {
		return err
	}
	if err := checkPageBuffer(pageData); err != nil {
		return err
	}
	physical, err := mapPageID(pageID)
	if err != nil {
		return err
	}
	return dm.readPhysicalPage(physical, pageData)
}

// WritePage writes pageData to logical page pageID. It does not sync.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkOpen(); err != nil {
		return err
	}
	if err := checkPageBuffer(pageData); err != nil {
		return err
	}
	physical, err := mapPageID(pageID)
	if err != nil {
		return err
	}
	return dm.writePhysicalPage(physical, pageData)
}

// AllocatePage returns the lowest free logical page id of the first extent
// with room, appending a new extent when every existing one is full.
func (dm *DiskManager) AllocatePage() (pagemanager.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkOpen(); err != nil {
		return pagemanager.InvalidPageID, err
	}

	extent := uint32(0)
	for ; extent < dm.meta.NumExtents; extent++ {
		if dm.meta.ExtentUsedPage[extent] < BitmapSize {
			break
		}
	}
	if extent == dm.meta.NumExtents {
		if dm.meta.NumExtents >= MaxExtents {
			return pagemanager.InvalidPageID, fmt.Errorf("%w: all %d extents are full", ErrOutOfPageIDs, MaxExtents)
		}
		dm.bitmaps[extent] = NewBitmapPage(make([]byte, pagemanager.PageSize))
		dm.meta.NumExtents++
		dm.logger.Debug("Created new extent", zap.Uint32("extent", extent))
	}

	bitmap, err := dm.loadBitmap(extent)
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	offset, ok := bitmap.AllocatePage()
	if !ok {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: extent %d reported free space but has none", ErrCorruptBitmap, extent)
	}
	if err := dm.writePhysicalPage(bitmapPhysicalPage(extent), bitmap.Data()); err != nil {
		bitmap.DeAllocatePage(offset)
		return pagemanager.InvalidPageID, err
	}
	dm.meta.ExtentUsedPage[extent]++
	dm.meta.NumAllocatedPages++
	if err := dm.writeMetaLocked(); err != nil {
		return pagemanager.InvalidPageID, err
	}

	pageID := pagemanager.PageID(extent*BitmapSize + offset)
	dm.logger.Debug("Allocated page", zap.Int32("page_id", int32(pageID)))
	return pageID, nil
}

// DeallocatePage marks pageID free. The page's bytes are left as they are.
func (dm *DiskManager) DeallocatePage(pageID pagemanager.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkOpen(); err != nil {
		return err
	}
	if _, err := mapPageID(pageID); err != nil {
		return err
	}
	extent, offset := uint32(pageID)/BitmapSize, uint32(pageID)%BitmapSize
	if extent >= dm.meta.NumExtents {
		return fmt.Errorf("%w: page %d", ErrPageAlreadyFree, pageID)
	}
	bitmap, err := dm.loadBitmap(extent)
	if err != nil {
		return err
	}
	if !bitmap.DeAllocatePage(offset) {
		return fmt.Errorf("%w: page %d", ErrPageAlreadyFree, pageID)
	}
	if err := dm.writePhysicalPage(bitmapPhysicalPage(extent), bitmap.Data()); err != nil {
		return err
	}
	dm.meta.ExtentUsedPage[extent]--
	dm.meta.NumAllocatedPages--
	dm.logger.Debug("Deallocated page", zap.Int32("page_id", int32(pageID)))
	return dm.writeMetaLocked()
}

// IsPageFree reports whether pageID is unallocated.
func (dm *DiskManager) IsPageFree(pageID pagemanager.PageID) (bool, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkOpen(); err != nil {
		return false, err
	}
	if _, err := mapPageID(pageID); err != nil {
		return false, err
	}
	extent, offset := uint32(pageID)/BitmapSize, uint32(pageID)%BitmapSize
	if extent >= dm.meta.NumExtents {
		return true, nil
	}
	bitmap, err := dm.loadBitmap(extent)
	if err != nil {
		return false, err
	}
	return bitmap.IsPageFree(offset), nil
}

// GetMetaData returns a copy of the in-memory meta page.
func (dm *DiskManager) GetMetaData() MetaData {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	used := make([]uint32, dm.meta.NumExtents)
	copy(used, dm.meta.ExtentUsedPage[:dm.meta.NumExtents])
	return MetaData{
		NumAllocatedPages: dm.meta.NumAllocatedPages,
		NumExtents:        dm.meta.NumExtents,
		ExtentUsedPage:    used,
	}
}

// Sync flushes all buffered data to disk.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, dm.filePath, err)
	}
	return nil
}

// Close persists the meta page, syncs and closes the file. Closing twice is a no-op.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	var errs []error
	if err := dm.writeMetaLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := dm.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("%w: syncing on close: %v", ErrIO, err))
	}
	if err := dm.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: closing %s: %v", ErrIO, dm.filePath, err))
	}
	dm.file = nil
	dm.bitmaps = nil
	dm.logger.Info("Closed database file", zap.String("path", dm.filePath))
	return errors.Join(errs...)
}

// --- internal helpers, all called with dm.mu held ---

func (dm *DiskManager) checkOpen() error {
	if dm.file == nil {
		return ErrDiskManagerClose
	}
	return nil
}

func (dm *DiskManager) loadBitmap(extent uint32) (*BitmapPage, error) {
	if bitmap, ok := dm.bitmaps[extent]; ok {
		return bitmap, nil
	}
	buf := make([]byte, pagemanager.PageSize)
	if err := dm.readPhysicalPage(bitmapPhysicalPage(extent), buf); err != nil {
		return nil, err
	}
	bitmap := NewBitmapPage(buf)
	if !bitmap.Validate() || bitmap.PageAllocated() != dm.meta.ExtentUsedPage[extent] {
		return nil, fmt.Errorf("%w: extent %d", ErrCorruptBitmap, extent)
	}
	dm.bitmaps[extent] = bitmap
	return bitmap, nil
}

func (dm *DiskManager) writeMetaLocked() error {
	buf := make([]byte, pagemanager.PageSize)
	dm.meta.Encode(buf)
	return dm.writePhysicalPage(metaPhysicalPage, buf)
}

func (dm *DiskManager) readPhysicalPage(physical int64, pageData []byte) error {
	offset := physical * pagemanager.PageSize
	n, err := dm.file.ReadAt(pageData, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		dm.logger.Error("Failed to read page", zap.Int64("physical_page", physical), zap.Error(err))
		return fmt.Errorf("%w: reading physical page %d: %v", ErrIO, physical, err)
	}
	if n < len(pageData) {
		// Sparse region or past EOF.
		clear(pageData[n:])
	}
	return nil
}

func (dm *DiskManager) writePhysicalPage(physical int64, pageData []byte) error {
	offset := physical * pagemanager.PageSize
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		dm.logger.Error("Failed to write page", zap.Int64("physical_page", physical), zap.Error(err))
		return fmt.Errorf("%w: writing physical page %d: %v", ErrIO, physical, err)
	}
	return nil
}

// mapPageID translates a logical page id into its physical page number. Each
// extent is a bitmap page followed by BitmapSize data pages, after the meta page.
func mapPageID(pageID pagemanager.PageID) (int64, error) {
	if pageID < 0 || int64(pageID) >= MaxValidPageID {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	id := int64(pageID)
	return 2 + id/BitmapSize + id, nil
}

func bitmapPhysicalPage(extent uint32) int64 {
	return int64(extent)*(BitmapSize+1) + 1
}

func checkPageBuffer(pageData []byte) error {
	if len(pageData) != pagemanager.PageSize {
		return fmt.Errorf("%w: buffer is %d bytes, want %d", ErrInvalidPageData, len(pageData), pagemanager.PageSize)
	}
	return nil
}
