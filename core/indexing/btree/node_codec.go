package btree

import (
	"encoding/binary"
	"fmt"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// --- Index page layout ---
//
// Common header (little endian):
//
//	0  u32 page_type
//	4  u32 key_size
//	8  i32 lsn
//	12 u32 size
//	16 u32 max_size
//	20 i32 parent_page_id
//	24 i32 page_id
//
// Leaves add `28 i32 next_page_id`. The body follows the header as size
// contiguous pairs: (key, RowID) in leaves, (key, child page id) in
// internal nodes.

const (
	offPageType   = 0
	offKeySize    = 4
	offLSN        = 8
	offSize       = 12
	offMaxSize    = 16
	offParentID   = 20
	offPageID     = 24
	offNextPageID = 28

	NodeHeaderSize = 28
	LeafHeaderSize = 32

	childIDSize = 4
)

// LeafCapacity is how many (key, RowID) pairs fit in one leaf page.
func LeafCapacity(keySize int) int {
	return (pagemanager.PageSize - LeafHeaderSize) / (keySize + pagemanager.RowIDSize)
}

// InternalCapacity is how many (key, child) slots fit in one internal page.
func InternalCapacity(keySize int) int {
	return (pagemanager.PageSize - NodeHeaderSize) / (keySize + childIDSize)
}

func readPageType(data []byte) pageType {
	return pageType(binary.LittleEndian.Uint32(data[offPageType:]))
}

// encodeNode writes n into the page buffer data, replacing its contents.
func encodeNode[K any](n node[K], data []byte, codec KeyCodec[K]) {
	clear(data)
	h := n.header()
	binary.LittleEndian.PutUint32(data[offPageType:], uint32(n.kind()))
	binary.LittleEndian.PutUint32(data[offKeySize:], uint32(codec.Size))
	binary.LittleEndian.PutUint32(data[offLSN:], uint32(h.lsn))
	binary.LittleEndian.PutUint32(data[offSize:], uint32(n.size()))
	binary.LittleEndian.PutUint32(data[offMaxSize:], uint32(h.maxSize))
	binary.LittleEndian.PutUint32(data[offParentID:], uint32(h.parentPageID))
	binary.LittleEndian.PutUint32(data[offPageID:], uint32(h.pageID))

	switch n := n.(type) {
	case *leafNode[K]:
		binary.LittleEndian.PutUint32(data[offNextPageID:], uint32(n.nextPageID))
		off := LeafHeaderSize
		for i, k := range n.keys {
			codec.Encode(k, data[off:off+codec.Size])
			off += codec.Size
			binary.LittleEndian.PutUint32(data[off:], uint32(n.values[i].PageID))
			binary.LittleEndian.PutUint32(data[off+4:], n.values[i].SlotNum)
			off += pagemanager.RowIDSize
		}
	case *internalNode[K]:
		off := NodeHeaderSize
		for i, k := range n.keys {
			// slot 0's key is never read back
			if i > 0 {
				codec.Encode(k, data[off:off+codec.Size])
			}
			off += codec.Size
			binary.LittleEndian.PutUint32(data[off:], uint32(n.children[i]))
			off += childIDSize
		}
	}
}

// decodeNode parses an index page. Any header that does not describe a
// well-formed node of this key size is reported as ErrCorruptNode.
func decodeNode[K any](data []byte, codec KeyCodec[K]) (node[K], error) {
	if len(data) != pagemanager.PageSize {
		return nil, fmt.Errorf("%w: page buffer is %d bytes", ErrCorruptNode, len(data))
	}
	typ := readPageType(data)
	keySize := int(binary.LittleEndian.Uint32(data[offKeySize:]))
	size := int(binary.LittleEndian.Uint32(data[offSize:]))
	h := nodeHeader{
		lsn:          pagemanager.LSN(binary.LittleEndian.Uint32(data[offLSN:])),
		maxSize:      int(binary.LittleEndian.Uint32(data[offMaxSize:])),
		parentPageID: pagemanager.PageID(binary.LittleEndian.Uint32(data[offParentID:])),
		pageID:       pagemanager.PageID(binary.LittleEndian.Uint32(data[offPageID:])),
	}
	if keySize != codec.Size {
		return nil, fmt.Errorf("%w: page %d has key size %d, index uses %d", ErrCorruptNode, h.pageID, keySize, codec.Size)
	}

	switch typ {
	case leafPageType:
		if size > LeafCapacity(keySize) {
			return nil, fmt.Errorf("%w: leaf %d claims %d entries", ErrCorruptNode, h.pageID, size)
		}
		n := &leafNode[K]{
			nodeHeader: h,
			nextPageID: pagemanager.PageID(binary.LittleEndian.Uint32(data[offNextPageID:])),
			keys:       make([]K, size),
			values:     make([]pagemanager.RowID, size),
		}
		off := LeafHeaderSize
		for i := 0; i < size; i++ {
			n.keys[i] = codec.Decode(data[off : off+keySize])
			off += keySize
			n.values[i] = pagemanager.RowID{
				PageID:  pagemanager.PageID(binary.LittleEndian.Uint32(data[off:])),
				SlotNum: binary.LittleEndian.Uint32(data[off+4:]),
			}
			off += pagemanager.RowIDSize
		}
		return n, nil

	case internalPageType:
		if size > InternalCapacity(keySize) {
			return nil, fmt.Errorf("%w: internal node %d claims %d children", ErrCorruptNode, h.pageID, size)
		}
		n := &internalNode[K]{
			nodeHeader: h,
			keys:       make([]K, size),
			children:   make([]pagemanager.PageID, size),
		}
		off := NodeHeaderSize
		for i := 0; i < size; i++ {
			if i > 0 {
				n.keys[i] = codec.Decode(data[off : off+keySize])
			}
			off += keySize
			n.children[i] = pagemanager.PageID(binary.LittleEndian.Uint32(data[off:]))
			off += childIDSize
		}
		return n, nil

	default:
		return nil, fmt.Errorf("%w: page %d has type tag %d", ErrCorruptNode, h.pageID, uint32(typ))
	}
}
