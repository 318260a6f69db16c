package flushmanager

import "errors"

// --- Error Definitions ---

var (
	// Disk space management
	ErrIO               = errors.New("i/o error")
	ErrInvalidPageID    = errors.New("invalid page id")
	ErrInvalidPageData  = errors.New("invalid page data")
	ErrOutOfPageIDs     = errors.New("no free page ids left in database file")
	ErrPageAlreadyFree  = errors.New("page is already free")
	ErrCorruptMetaPage  = errors.New("disk meta page is corrupt")
	ErrCorruptBitmap    = errors.New("extent bitmap page is corrupt")
	ErrDiskManagerClose = errors.New("disk manager is closed")

	// Buffer pool
	ErrPageNotFound    = errors.New("page not found in buffer pool")
	ErrBufferPoolFull  = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned      = errors.New("page is pinned and cannot be evicted")
	ErrPageNotPinned   = errors.New("page is not pinned")
	ErrUnknownReplacer = errors.New("unknown replacement policy")
)
