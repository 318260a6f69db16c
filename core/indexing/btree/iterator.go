package btree

import (
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// IndexIterator walks leaf entries in key order. It keeps a decoded copy of
// the current leaf and holds no pin between calls. Mutating the tree while an
// iterator is open is not supported.
type IndexIterator[K any] struct {
	tree   *BPlusTree[K]
	pageID pagemanager.PageID
	index  int
	leaf   *leafNode[K]
}

// Begin positions an iterator at the smallest key.
func (t *BPlusTree[K]) Begin() (*IndexIterator[K], error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == pagemanager.InvalidPageID {
		return t.endLocked(), nil
	}
	var zero K
	leaf, err := t.findLeaf(zero, true)
	if err != nil {
		return nil, err
	}
	return t.iteratorAt(leaf, 0)
}

// BeginAt positions an iterator at the first key >= key.
func (t *BPlusTree[K]) BeginAt(key K) (*IndexIterator[K], error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == pagemanager.InvalidPageID {
		return t.endLocked(), nil
	}
	leaf, err := t.findLeaf(key, false)
	if err != nil {
		return nil, err
	}
	return t.iteratorAt(leaf, leaf.keyIndex(key, t.keyOrder))
}

// End returns the past-the-end sentinel.
func (t *BPlusTree[K]) End() *IndexIterator[K] {
	return t.endLocked()
}

func (t *BPlusTree[K]) endLocked() *IndexIterator[K] {
	return &IndexIterator[K]{tree: t, pageID: pagemanager.InvalidPageID}
}

// iteratorAt builds an iterator at leaf[index], skipping forward to the next
// leaf when index is past the last entry.
func (t *BPlusTree[K]) iteratorAt(leaf *leafNode[K], index int) (*IndexIterator[K], error) {
	it := &IndexIterator[K]{tree: t, pageID: leaf.pageID, index: index, leaf: leaf}
	if err := it.settle(); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *IndexIterator[K]) IsEnd() bool {
	return it.pageID == pagemanager.InvalidPageID
}

// Key returns the current key. It is the zero key at End.
func (it *IndexIterator[K]) Key() K {
	if it.IsEnd() {
		var zero K
		return zero
	}
	return it.leaf.keys[it.index]
}

// Value returns the current RowID. It is InvalidRowID at End.
func (it *IndexIterator[K]) Value() pagemanager.RowID {
	if it.IsEnd() {
		return pagemanager.InvalidRowID
	}
	return it.leaf.values[it.index]
}

// Next advances to the following entry, crossing into the next leaf as needed.
func (it *IndexIterator[K]) Next() error {
	if it.IsEnd() {
		return ErrIteratorExhausted
	}
	it.index++
	return it.settle()
}

// Equal reports whether both iterators point at the same slot.
func (it *IndexIterator[K]) Equal(other *IndexIterator[K]) bool {
	return it.pageID == other.pageID && it.index == other.index
}

// settle follows next pointers until index addresses an entry or the chain ends.
func (it *IndexIterator[K]) settle() error {
	for it.index >= it.leaf.size() {
		next := it.leaf.nextPageID
		if next == pagemanager.InvalidPageID {
			it.pageID, it.index, it.leaf = pagemanager.InvalidPageID, 0, nil
			return nil
		}
		n, err := it.tree.loadNode(next)
		if err != nil {
			return err
		}
		leaf, ok := n.(*leafNode[K])
		if !ok {
			return ErrCorruptNode
		}
		it.pageID, it.index, it.leaf = next, 0, leaf
	}
	return nil
}
