package pagemanager

import (
	"sync"
)

// --- Page Management ---

// PageSize is the fixed size of every page on disk and every frame in memory.
const PageSize = 4096

// PageID is a logical page number handed out by the disk manager.
type PageID int32

const (
	// InvalidPageID marks an empty frame, a missing sibling or the absent root.
	InvalidPageID PageID = -1
)

// LSN is the log sequence number carried in page headers. Recovery is not
// implemented, so it is stored and preserved but never interpreted.
type LSN int32

const InvalidLSN LSN = -1

// FrameID indexes a slot of the buffer pool's frame array.
type FrameID int

// RowID locates a record by the heap page that holds it and its slot number.
type RowID struct {
	PageID  PageID
	SlotNum uint32
}

// RowIDSize is the encoded size of a RowID inside an index leaf.
const RowIDSize = 8

// InvalidRowID is returned alongside a "not found" result.
var InvalidRowID = RowID{PageID: InvalidPageID}

func (r RowID) Valid() bool { return r.PageID != InvalidPageID }

// Page represents an in-memory copy of a disk page.
type Page struct {
	id       PageID
	data     []byte
	pinCount int
	isDirty  bool
	lsn      LSN

	// latch protects the bytes of this page. The buffer pool lock does not.
	latch sync.RWMutex
}

// NewPage creates a new Page instance.
func NewPage(id PageID) *Page {
	return &Page{
		id:   id,
		data: make([]byte, PageSize),
		lsn:  InvalidLSN,
	}
}

// Reset returns the frame to its empty state and zeroes its data.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.lsn = InvalidLSN
	clear(p.data)
}

func (p *Page) GetData() []byte          { return p.data }
func (p *Page) GetPageID() PageID        { return p.id }
func (p *Page) SetPageID(id PageID)      { p.id = id }
func (p *Page) IsDirty() bool            { return p.isDirty }
func (p *Page) SetDirty(dirty bool)      { p.isDirty = dirty }
func (p *Page) Pin()                     { p.pinCount++ }
func (p *Page) GetPinCount() int         { return p.pinCount }
func (p *Page) SetPinCount(pinCount int) { p.pinCount = pinCount }
func (p *Page) GetLSN() LSN              { return p.lsn }
func (p *Page) SetLSN(lsn LSN)           { p.lsn = lsn }

// Unpin decrements the pin count. It reports false, and changes nothing, when
// the page was not pinned.
func (p *Page) Unpin() bool {
	if p.pinCount <= 0 {
		return false
	}
	p.pinCount--
	return true
}

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() { p.latch.Lock() }

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() { p.latch.Unlock() }
