package btree

import (
	"encoding/binary"
	"fmt"
	"sync"

	bufferpool "github.com/sushant-115/pagedb/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// --- Index roots page ---
//
// Logical page 0 records the root page id of every index in the file
// (little endian):
//
//	0  u32 magic
//	4  u32 count
//	8  count x (u32 index_id, i32 root_page_id)

const (
	// IndexRootsPageID is the logical page reserved for the roots directory.
	IndexRootsPageID pagemanager.PageID = 0

	indexRootsMagic      uint32 = 0x49445852 // "IDXR"
	indexRootsHeaderSize        = 8
	indexRootsEntrySize         = 8

	// MaxIndexes is how many indexes one roots page can track.
	MaxIndexes = (pagemanager.PageSize - indexRootsHeaderSize) / indexRootsEntrySize
)

// RootEntry pairs an index with its current root page.
type RootEntry struct {
	IndexID    uint32
	RootPageID pagemanager.PageID
}

// IndexRoots reads and updates the roots directory through the buffer pool.
type IndexRoots struct {
	bpm *bufferpool.BufferPoolManager
	mu  sync.Mutex
}

// OpenIndexRoots returns the roots directory of the file behind bpm,
// creating it on a fresh file. Page 0 must either be free or already hold a
// roots page.
func OpenIndexRoots(bpm *bufferpool.BufferPoolManager) (*IndexRoots, error) {
	r := &IndexRoots{bpm: bpm}

	free, err := bpm.IsPageFree(IndexRootsPageID)
	if err != nil {
		return nil, err
	}
	if free {
		guard, err := bpm.NewPageGuard()
		if err != nil {
			return nil, fmt.Errorf("creating index roots page: %w", err)
		}
		defer guard.Release()
		if guard.PageID() != IndexRootsPageID {
			return nil, fmt.Errorf("%w: allocator returned page %d", ErrRootsPageMissing, guard.PageID())
		}
		encodeRoots(nil, guard.Data())
		guard.MarkDirty()
		return r, nil
	}

	// Validate once up front so a bad file fails at open.
	if _, err := r.read(); err != nil {
		return nil, err
	}
	return r, nil
}

// GetRootID returns the root of indexID and whether the index is registered.
func (r *IndexRoots) GetRootID(indexID uint32) (pagemanager.PageID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.read()
	if err != nil {
		return pagemanager.InvalidPageID, false, err
	}
	for _, e := range entries {
		if e.IndexID == indexID {
			return e.RootPageID, true, nil
		}
	}
	return pagemanager.InvalidPageID, false, nil
}

// Entries lists every registered index.
func (r *IndexRoots) Entries() ([]RootEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read()
}

// Insert registers a new index.
func (r *IndexRoots) Insert(indexID uint32, root pagemanager.PageID) error {
	return r.modify(func(entries []RootEntry) ([]RootEntry, error) {
		for _, e := range entries {
			if e.IndexID == indexID {
				return nil, fmt.Errorf("%w: %d", ErrIndexExists, indexID)
			}
		}
		if len(entries) >= MaxIndexes {
			return nil, ErrRootsPageFull
		}
		return append(entries, RootEntry{IndexID: indexID, RootPageID: root}), nil
	})
}

// Update changes the root of a registered index.
func (r *IndexRoots) Update(indexID uint32, root pagemanager.PageID) error {
	return r.modify(func(entries []RootEntry) ([]RootEntry, error) {
		for i := range entries {
			if entries[i].IndexID == indexID {
				entries[i].RootPageID = root
				return entries, nil
			}
		}
		return nil, fmt.Errorf("%w: %d", ErrIndexNotFound, indexID)
	})
}

// Delete unregisters an index.
func (r *IndexRoots) Delete(indexID uint32) error {
	return r.modify(func(entries []RootEntry) ([]RootEntry, error) {
		for i := range entries {
			if entries[i].IndexID == indexID {
				return append(entries[:i], entries[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("%w: %d", ErrIndexNotFound, indexID)
	})
}

func (r *IndexRoots) read() ([]RootEntry, error) {
	guard, err := r.bpm.FetchPageGuard(IndexRootsPageID)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	return decodeRoots(guard.Data())
}

func (r *IndexRoots) modify(fn func([]RootEntry) ([]RootEntry, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	guard, err := r.bpm.FetchPageGuard(IndexRootsPageID)
	if err != nil {
		return err
	}
	defer guard.Release()

	entries, err := decodeRoots(guard.Data())
	if err != nil {
		return err
	}
	entries, err = fn(entries)
	if err != nil {
		return err
	}
	encodeRoots(entries, guard.Data())
	guard.MarkDirty()
	return nil
}

func encodeRoots(entries []RootEntry, data []byte) {
	clear(data)
	binary.LittleEndian.PutUint32(data[0:], indexRootsMagic)
	binary.LittleEndian.PutUint32(data[4:], uint32(len(entries)))
	off := indexRootsHeaderSize
	for _, e := range entries {
		binary.LittleEndian.PutUint32(data[off:], e.IndexID)
		binary.LittleEndian.PutUint32(data[off+4:], uint32(e.RootPageID))
		off += indexRootsEntrySize
	}
}

func decodeRoots(data []byte) ([]RootEntry, error) {
	if magic := binary.LittleEndian.Uint32(data[0:]); magic != indexRootsMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrCorruptRootsPage, magic)
	}
	count := int(binary.LittleEndian.Uint32(data[4:]))
	if count > MaxIndexes {
		return nil, fmt.Errorf("%w: %d entries", ErrCorruptRootsPage, count)
	}
	entries := make([]RootEntry, count)
	off := indexRootsHeaderSize
	for i := range entries {
		entries[i] = RootEntry{
			IndexID:    binary.LittleEndian.Uint32(data[off:]),
			RootPageID: pagemanager.PageID(binary.LittleEndian.Uint32(data[off+4:])),
		}
		off += indexRootsEntrySize
	}
	return entries, nil
}
