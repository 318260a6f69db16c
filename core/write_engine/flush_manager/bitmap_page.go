package flushmanager

import (
	"encoding/binary"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// --- Extent Bitmap Page ---
//
// Layout (little endian):
//
//	0  u32 page_allocated   number of set bits
//	4  u32 next_free_page   lowest clear bit, BitmapSize when full
//	8  [PageSize-8]byte     one bit per data page of the extent, LSB first

const (
	bitmapHeaderSize = 8
	bitmapOffAlloc   = 0
	bitmapOffNext    = 4

	// BitmapSize is the number of data pages covered by one bitmap page.
	BitmapSize = (pagemanager.PageSize - bitmapHeaderSize) * 8
)

// BitmapPage is a view over the bytes of an extent bitmap page. It never copies
// the buffer, so changes are visible to whoever owns the bytes.
type BitmapPage struct {
	data []byte
}

func NewBitmapPage(data []byte) *BitmapPage {
	return &BitmapPage{data: data}
}

func (b *BitmapPage) Data() []byte { return b.data }

func (b *BitmapPage) PageAllocated() uint32 {
	return binary.LittleEndian.Uint32(b.data[bitmapOffAlloc:])
}

func (b *BitmapPage) NextFreePage() uint32 {
	return binary.LittleEndian.Uint32(b.data[bitmapOffNext:])
}

func (b *BitmapPage) setPageAllocated(n uint32) {
	binary.LittleEndian.PutUint32(b.data[bitmapOffAlloc:], n)
}

func (b *BitmapPage) setNextFreePage(n uint32) {
	binary.LittleEndian.PutUint32(b.data[bitmapOffNext:], n)
}

// Validate checks the header against the bit array.
func (b *BitmapPage) Validate() bool {
	if len(b.data) != pagemanager.PageSize {
		return false
	}
	if b.PageAllocated() > BitmapSize || b.NextFreePage() > BitmapSize {
		return false
	}
	var count uint32
	for _, v := range b.data[bitmapHeaderSize:] {
		for ; v != 0; v &= v - 1 {
			count++
		}
	}
	return count == b.PageAllocated()
}

// AllocatePage claims the lowest free slot. It reports false when the extent is full.
func (b *BitmapPage) AllocatePage() (uint32, bool) {
	if b.PageAllocated() >= BitmapSize {
		return 0, false
	}
	offset := b.NextFreePage()
	if offset >= BitmapSize || !b.IsPageFree(offset) {
		// stale hint, fall back to a full scan
		var ok bool
		if offset, ok = b.scanFree(0); !ok {
			return 0, false
		}
	}
	b.setBit(offset, true)
	b.setPageAllocated(b.PageAllocated() + 1)

	next, ok := b.scanFree(offset + 1)
	if !ok {
		next = BitmapSize
	}
	b.setNextFreePage(next)
	return offset, true
}

// DeAllocatePage clears a slot. It reports false when the slot was already free.
func (b *BitmapPage) DeAllocatePage(offset uint32) bool {
	if offset >= BitmapSize || b.IsPageFree(offset) {
		return false
	}
	b.setBit(offset, false)
	b.setPageAllocated(b.PageAllocated() - 1)
	if offset < b.NextFreePage() {
		b.setNextFreePage(offset)
	}
	return true
}

func (b *BitmapPage) IsPageFree(offset uint32) bool {
	if offset >= BitmapSize {
		return false
	}
	byteIdx, bit := offset/8, offset%8
	return b.data[bitmapHeaderSize+byteIdx]&(1<<bit) == 0
}

func (b *BitmapPage) setBit(offset uint32, set bool) {
	byteIdx, bit := offset/8, offset%8
	if set {
		b.data[bitmapHeaderSize+byteIdx] |= 1 << bit
	} else {
		b.data[bitmapHeaderSize+byteIdx] &^= 1 << bit
	}
}

// scanFree returns the first clear bit at or after from.
func (b *BitmapPage) scanFree(from uint32) (uint32, bool) {
	for off := from; off < BitmapSize; {
		byteIdx := off / 8
		if off%8 == 0 && b.data[bitmapHeaderSize+byteIdx] == 0xFF {
			off += 8
			continue
		}
		if b.IsPageFree(off) {
			return off, true
		}
		off++
	}
	return 0, false
}
