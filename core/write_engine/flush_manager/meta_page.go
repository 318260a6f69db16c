package flushmanager

import (
	"encoding/binary"
	"fmt"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// --- Disk Meta Page ---
//
// Physical page 0 of the database file (little endian):
//
//	0  u32 num_allocated_pages
//	4  u32 num_extents
//	8  u32 extent_used_page[MaxExtents]

const (
	metaHeaderSize = 8

	// MaxExtents is how many extents a single meta page can describe.
	MaxExtents = (pagemanager.PageSize - metaHeaderSize) / 4

	// MaxValidPageID is the exclusive upper bound of logical page ids.
	MaxValidPageID = MaxExtents * BitmapSize
)

// MetaPage is the decoded form of the disk meta page.
type MetaPage struct {
	NumAllocatedPages uint32
	NumExtents        uint32
	ExtentUsedPage    [MaxExtents]uint32
}

func (m *MetaPage) Encode(buf []byte) {
	clear(buf[:pagemanager.PageSize])
	binary.LittleEndian.PutUint32(buf[0:], m.NumAllocatedPages)
	binary.LittleEndian.PutUint32(buf[4:], m.NumExtents)
	for i := uint32(0); i < m.NumExtents && i < MaxExtents; i++ {
		binary.LittleEndian.PutUint32(buf[metaHeaderSize+4*i:], m.ExtentUsedPage[i])
	}
}

// DecodeMetaPage parses and validates a meta page. An all-zero page decodes to
// an empty file.
func DecodeMetaPage(buf []byte) (*MetaPage, error) {
	if len(buf) != pagemanager.PageSize {
		return nil, fmt.Errorf("%w: meta page buffer is %d bytes", ErrCorruptMetaPage, len(buf))
	}
	m := &MetaPage{
		NumAllocatedPages: binary.LittleEndian.Uint32(buf[0:]),
		NumExtents:        binary.LittleEndian.Uint32(buf[4:]),
	}
	if m.NumExtents > MaxExtents {
		return nil, fmt.Errorf("%w: %d extents exceeds maximum %d", ErrCorruptMetaPage, m.NumExtents, MaxExtents)
	}
	var total uint64
	for i := uint32(0); i < m.NumExtents; i++ {
		used := binary.LittleEndian.Uint32(buf[metaHeaderSize+4*i:])
		if used > BitmapSize {
			return nil, fmt.Errorf("%w: extent %d reports %d used pages", ErrCorruptMetaPage, i, used)
		}
		m.ExtentUsedPage[i] = used
		total += uint64(used)
	}
	if total != uint64(m.NumAllocatedPages) {
		return nil, fmt.Errorf("%w: extent usage sums to %d but %d pages are allocated",
			ErrCorruptMetaPage, total, m.NumAllocatedPages)
	}
	return m, nil
}
