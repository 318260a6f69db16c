package bufferpool

import (
	"fmt"
	"strings"

	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// Replacer tracks frames whose pin count is zero and picks one to evict.
// Implementations must never return a frame that has been pinned since its
// last Unpin.
type Replacer interface {
	// Victim removes and returns the frame to evict. It reports false when
	// no frame is evictable.
	Victim() (pagemanager.FrameID, bool)
	// Pin removes frameID from the candidate set.
	Pin(frameID pagemanager.FrameID)
	// Unpin adds frameID to the candidate set. Unpinning a frame that is
	// already a candidate does not change its position.
	Unpin(frameID pagemanager.FrameID)
	// Size is the number of evictable frames.
	Size() int
}

const (
	ReplacerLRU   = "lru"
	ReplacerClock = "clock"
)

// NewReplacer builds the replacement policy named by policy for a pool of poolSize frames.
func NewReplacer(policy string, poolSize int) (Replacer, error) {
	switch strings.ToLower(policy) {
	case ReplacerLRU, "":
		return NewLRUReplacer(poolSize), nil
	case ReplacerClock:
		return NewClockReplacer(poolSize), nil
	default:
		return nil, fmt.Errorf("%w: %q", flushmanager.ErrUnknownReplacer, policy)
	}
}
