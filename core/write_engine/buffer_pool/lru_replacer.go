package bufferpool

import (
	"container/list"
	"sync"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// LRUReplacer evicts the frame that has been unpinned the longest.
type LRUReplacer struct {
	mu       sync.Mutex
	capacity int
	lruList  *list.List // front = most recently unpinned
	lruMap   map[pagemanager.FrameID]*list.Element
}

func NewLRUReplacer(numFrames int) *LRUReplacer {
	return &LRUReplacer{
		capacity: numFrames,
		lruList:  list.New(),
		lruMap:   make(map[pagemanager.FrameID]*list.Element, numFrames),
	}
}

func (r *LRUReplacer) Victim() (pagemanager.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lruList.Back()
	if e == nil {
		return -1, false
	}
	frameID := r.lruList.Remove(e).(pagemanager.FrameID)
	delete(r.lruMap, frameID)
	return frameID, true
}

func (r *LRUReplacer) Pin(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.lruMap[frameID]; ok {
		r.lruList.Remove(e)
		delete(r.lruMap, frameID)
	}
}

func (r *LRUReplacer) Unpin(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lruMap[frameID]; ok {
		return
	}
	if r.lruList.Len() >= r.capacity {
		return
	}
	r.lruMap[frameID] = r.lruList.PushFront(frameID)
}

func (r *LRUReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lruList.Len()
}
