package btree

import (
	"sort"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

type pageType uint32

const (
	invalidPageType  pageType = 0
	leafPageType     pageType = 1
	internalPageType pageType = 2
)

func (p pageType) String() string {
	switch p {
	case leafPageType:
		return "leaf"
	case internalPageType:
		return "internal"
	default:
		return "invalid"
	}
}

// nodeHeader is the part of a node shared by leaves and internal nodes.
type nodeHeader struct {
	pageID       pagemanager.PageID
	parentPageID pagemanager.PageID
	maxSize      int
	lsn          pagemanager.LSN
}

func (h *nodeHeader) header() *nodeHeader { return h }

func (h *nodeHeader) isRoot() bool { return h.parentPageID == pagemanager.InvalidPageID }

// node is a decoded index page: either a *leafNode or an *internalNode.
type node[K any] interface {
	header() *nodeHeader
	kind() pageType
	size() int
	minSize() int
}

// leafNode holds sorted, unique keys and the row each key points at.
type leafNode[K any] struct {
	nodeHeader
	nextPageID pagemanager.PageID
	keys       []K
	values     []pagemanager.RowID
}

func (n *leafNode[K]) kind() pageType { return leafPageType }
func (n *leafNode[K]) size() int      { return len(n.keys) }
func (n *leafNode[K]) minSize() int   { return n.maxSize / 2 }

// keyIndex returns the position of the first key >= key.
func (n *leafNode[K]) keyIndex(key K, order Order[K]) int {
	return sort.Search(len(n.keys), func(i int) bool { return order(n.keys[i], key) >= 0 })
}

func (n *leafNode[K]) lookup(key K, order Order[K]) (pagemanager.RowID, bool) {
	i := n.keyIndex(key, order)
	if i < len(n.keys) && order(n.keys[i], key) == 0 {
		return n.values[i], true
	}
	return pagemanager.InvalidRowID, false
}

// insert adds key in order. It reports false, leaving the node unchanged, on a duplicate.
func (n *leafNode[K]) insert(key K, value pagemanager.RowID, order Order[K]) bool {
	i := n.keyIndex(key, order)
	if i < len(n.keys) && order(n.keys[i], key) == 0 {
		return false
	}
	n.keys = insertAt(n.keys, i, key)
	n.values = insertAt(n.values, i, value)
	return true
}

func (n *leafNode[K]) remove(key K, order Order[K]) bool {
	i := n.keyIndex(key, order)
	if i >= len(n.keys) || order(n.keys[i], key) != 0 {
		return false
	}
	n.keys = removeAt(n.keys, i)
	n.values = removeAt(n.values, i)
	return true
}

// moveHalfTo moves the upper half of n into the empty recipient. n keeps the
// ceiling of its entries.
func (n *leafNode[K]) moveHalfTo(recipient *leafNode[K]) {
	keep := (len(n.keys) + 1) / 2
	recipient.keys = append(recipient.keys, n.keys[keep:]...)
	recipient.values = append(recipient.values, n.values[keep:]...)
	n.keys = n.keys[:keep:keep]
	n.values = n.values[:keep:keep]
}

// moveAllTo appends every entry of n to recipient, its left neighbour.
func (n *leafNode[K]) moveAllTo(recipient *leafNode[K]) {
	recipient.keys = append(recipient.keys, n.keys...)
	recipient.values = append(recipient.values, n.values...)
	recipient.nextPageID = n.nextPageID
	n.keys, n.values = nil, nil
}

// internalNode routes searches. Slot i pairs keys[i] with children[i]; keys[0]
// is a placeholder that is never compared, so children[0] covers everything
// below keys[1].
type internalNode[K any] struct {
	nodeHeader
	keys     []K
	children []pagemanager.PageID
}

func (n *internalNode[K]) kind() pageType { return internalPageType }
func (n *internalNode[K]) size() int      { return len(n.children) }
func (n *internalNode[K]) minSize() int   { return n.maxSize / 2 }

// lookup returns the child whose key range covers key.
func (n *internalNode[K]) lookup(key K, order Order[K]) pagemanager.PageID {
	// first slot in [1, size) whose key is greater than key
	i := 1 + sort.Search(len(n.keys)-1, func(i int) bool { return order(n.keys[i+1], key) > 0 })
	return n.children[i-1]
}

func (n *internalNode[K]) childIndex(child pagemanager.PageID) int {
	for i, c := range n.children {
		if c == child {
			return i
		}
	}
	return -1
}

// insertAfter places (key, child) right after the slot that points at left.
func (n *internalNode[K]) insertAfter(left pagemanager.PageID, key K, child pagemanager.PageID) bool {
	i := n.childIndex(left)
	if i < 0 {
		return false
	}
	n.keys = insertAt(n.keys, i+1, key)
	n.children = insertAt(n.children, i+1, child)
	return true
}

func (n *internalNode[K]) removeAt(i int) {
	n.keys = removeAt(n.keys, i)
	n.children = removeAt(n.children, i)
}

// moveHalfTo moves the upper half of n's slots into the empty recipient and
// returns the key that now separates the two nodes. The recipient keeps that
// key as its slot 0 placeholder.
func (n *internalNode[K]) moveHalfTo(recipient *internalNode[K]) K {
	keep := (len(n.children) + 1) / 2
	recipient.keys = append(recipient.keys, n.keys[keep:]...)
	recipient.children = append(recipient.children, n.children[keep:]...)
	n.keys = n.keys[:keep:keep]
	n.children = n.children[:keep:keep]
	return recipient.keys[0]
}

// moveAllTo appends every slot of n to recipient, its left neighbour. middleKey
// is the parent's separator between them and replaces n's placeholder.
func (n *internalNode[K]) moveAllTo(recipient *internalNode[K], middleKey K) {
	n.keys[0] = middleKey
	recipient.keys = append(recipient.keys, n.keys...)
	recipient.children = append(recipient.children, n.children...)
	n.keys, n.children = nil, nil
}

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	copy(s[i:], s[i+1:])
	var zero T
	s[len(s)-1] = zero
	return s[:len(s)-1]
}
