package bufferpool

import (
	"sync"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// ClockReplacer approximates LRU with a second-chance sweep over a fixed ring
// of frames. A frame that was unpinned since the hand last passed it gets its
// reference bit cleared instead of being evicted.
type ClockReplacer struct {
	mu         sync.Mutex
	inReplacer []bool
	refBit     []bool
	hand       int
	size       int
}

func NewClockReplacer(numFrames int) *ClockReplacer {
	return &ClockReplacer{
		inReplacer: make([]bool, numFrames),
		refBit:     make([]bool, numFrames),
	}
}

func (r *ClockReplacer) Victim() (pagemanager.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return -1, false
	}
	// At most two sweeps: the first clears every reference bit.
	for {
		i := r.hand
		r.hand = (r.hand + 1) % len(r.inReplacer)
		if !r.inReplacer[i] {
			continue
		}
		if r.refBit[i] {
			r.refBit[i] = false
			continue
		}
		r.inReplacer[i] = false
		r.size--
		return pagemanager.FrameID(i), true
	}
}

func (r *ClockReplacer) Pin(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(frameID) || !r.inReplacer[frameID] {
		return
	}
	r.inReplacer[frameID] = false
	r.refBit[frameID] = false
	r.size--
}

func (r *ClockReplacer) Unpin(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(frameID) || r.inReplacer[frameID] {
		return
	}
	r.inReplacer[frameID] = true
	r.refBit[frameID] = true
	r.size++
}

func (r *ClockReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *ClockReplacer) valid(frameID pagemanager.FrameID) bool {
	return frameID >= 0 && int(frameID) < len(r.inReplacer)
}
