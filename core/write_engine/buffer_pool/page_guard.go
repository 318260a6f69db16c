package bufferpool

import (
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// PageGuard holds one pin on a page and releases it exactly once.
//
//	guard, err := bpm.FetchPageGuard(id)
//	if err != nil { ... }
//	defer guard.Release()
type PageGuard struct {
	bpm      *BufferPoolManager
	page     *pagemanager.Page
	dirty    bool
	released bool
}

// FetchPageGuard is FetchPage wrapped in a guard.
func (bpm *BufferPoolManager) FetchPageGuard(pageID pagemanager.PageID) (*PageGuard, error) {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	return &PageGuard{bpm: bpm, page: page}, nil
}

// NewPageGuard is NewPage wrapped in a guard.
func (bpm *BufferPoolManager) NewPageGuard() (*PageGuard, error) {
	page, _, err := bpm.NewPage()
	if err != nil {
		return nil, err
	}
	return &PageGuard{bpm: bpm, page: page}, nil
}

func (g *PageGuard) PageID() pagemanager.PageID { return g.page.GetPageID() }

// Data returns the page bytes. Callers that modify them must call MarkDirty.
func (g *PageGuard) Data() []byte { return g.page.GetData() }

func (g *PageGuard) Page() *pagemanager.Page { return g.page }

func (g *PageGuard) MarkDirty() { g.dirty = true }

// Release unpins the page. Later calls are no-ops.
func (g *PageGuard) Release() error {
	if g == nil || g.released {
		return nil
	}
	g.released = true
	return g.bpm.UnpinPage(g.page.GetPageID(), g.dirty)
}
