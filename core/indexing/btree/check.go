package btree

import (
	"fmt"
	"strings"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// Check walks the whole tree and verifies its structural invariants: node
// occupancy, key order and ranges, parent pointers, uniform leaf depth and
// the leaf chain. It also fails if any buffer pool page is left pinned.
func (t *BPlusTree[K]) Check() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.rootPageID != pagemanager.InvalidPageID {
		c := &treeChecker[K]{tree: t, leafDepth: -1}
		if err := c.visit(t.rootPageID, pagemanager.InvalidPageID, nil, nil, 0); err != nil {
			return err
		}
		if err := c.checkLeafChain(); err != nil {
			return err
		}
	}
	if !t.bpm.CheckAllUnpinned() {
		return fmt.Errorf("%w: pages left pinned", ErrTreeInvariant)
	}
	return nil
}

type treeChecker[K any] struct {
	tree      *BPlusTree[K]
	leafDepth int
	leaves    []*leafNode[K]
}

func (c *treeChecker[K]) fail(pageID pagemanager.PageID, format string, args ...any) error {
	return fmt.Errorf("%w: page %d: %s", ErrTreeInvariant, pageID, fmt.Sprintf(format, args...))
}

// visit checks the subtree at pageID. Every key must lie in [lower, upper);
// nil bounds are open.
func (c *treeChecker[K]) visit(pageID, parentID pagemanager.PageID, lower, upper *K, depth int) error {
	t := c.tree
	n, err := t.loadNode(pageID)
	if err != nil {
		return err
	}
	h := n.header()
	if h.parentPageID != parentID {
		return c.fail(pageID, "parent pointer is %d, want %d", h.parentPageID, parentID)
	}
	isRoot := parentID == pagemanager.InvalidPageID
	maxSize := t.maxSizeOf(n)
	if n.size() >= maxSize {
		return c.fail(pageID, "size %d reached max %d", n.size(), maxSize)
	}
	if !isRoot && n.size() < n.minSize() {
		return c.fail(pageID, "size %d below min %d", n.size(), n.minSize())
	}

	inRange := func(k K) bool {
		if lower != nil && t.keyOrder(k, *lower) < 0 {
			return false
		}
		return upper == nil || t.keyOrder(k, *upper) < 0
	}

	switch n := n.(type) {
	case *leafNode[K]:
		if n.size() == 0 {
			return c.fail(pageID, "empty leaf")
		}
		for i, k := range n.keys {
			if i > 0 && t.keyOrder(n.keys[i-1], k) >= 0 {
				return c.fail(pageID, "keys out of order at slot %d", i)
			}
			if !inRange(k) {
				return c.fail(pageID, "key at slot %d outside its separator range", i)
			}
		}
		if c.leafDepth == -1 {
			c.leafDepth = depth
		} else if c.leafDepth != depth {
			return c.fail(pageID, "leaf at depth %d, others at %d", depth, c.leafDepth)
		}
		c.leaves = append(c.leaves, n)

	case *internalNode[K]:
		if n.size() < 2 {
			return c.fail(pageID, "internal node with %d children", n.size())
		}
		for i := 1; i < n.size(); i++ {
			if i > 1 && t.keyOrder(n.keys[i-1], n.keys[i]) >= 0 {
				return c.fail(pageID, "separators out of order at slot %d", i)
			}
			if !inRange(n.keys[i]) {
				return c.fail(pageID, "separator at slot %d outside its range", i)
			}
		}
		for i, child := range n.children {
			lo, hi := lower, upper
			if i > 0 {
				lo = &n.keys[i]
			}
			if i+1 < n.size() {
				hi = &n.keys[i+1]
			}
			if err := c.visit(child, pageID, lo, hi, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *treeChecker[K]) checkLeafChain() error {
	for i, leaf := range c.leaves {
		want := pagemanager.InvalidPageID
		if i+1 < len(c.leaves) {
			want = c.leaves[i+1].pageID
		}
		if leaf.nextPageID != want {
			return c.fail(leaf.pageID, "next pointer is %d, want %d", leaf.nextPageID, want)
		}
	}
	return nil
}

// String dumps the tree level by level for debugging.
func (t *BPlusTree[K]) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == pagemanager.InvalidPageID {
		return "B+Tree (empty)\n"
	}
	var sb strings.Builder
	level := []pagemanager.PageID{t.rootPageID}
	for depth := 0; len(level) > 0; depth++ {
		fmt.Fprintf(&sb, "Level %d:", depth)
		var next []pagemanager.PageID
		for _, pageID := range level {
			n, err := t.loadNode(pageID)
			if err != nil {
				fmt.Fprintf(&sb, " [page %d: %v]", pageID, err)
				continue
			}
			switch n := n.(type) {
			case *leafNode[K]:
				fmt.Fprintf(&sb, " [leaf %d parent=%d next=%d %v]", n.pageID, n.parentPageID, n.nextPageID, n.keys)
			case *internalNode[K]:
				fmt.Fprintf(&sb, " [internal %d parent=%d %v]", n.pageID, n.parentPageID, n.keys[1:])
				next = append(next, n.children...)
			}
		}
		sb.WriteString("\n")
		level = next
	}
	return sb.String()
}
