package btree

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	bufferpool "github.com/sushant-115/pagedb/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagedb/internal/telemetry"
)

// UndefinedSize asks NewBPlusTree to size nodes so one page holds as many
// entries as fit.
const UndefinedSize = 0

const (
	minLeafMaxSize     = 2
	minInternalMaxSize = 4
)

// BPlusTree is a unique-key index from K to RowID stored in buffer pool
// pages. Nodes are decoded into memory, changed, and encoded back before
// their page is unpinned, so no pin outlives a single node access.
//
// Mutations are serialized by the tree. Point lookups may run concurrently
// with each other but not with a mutation's structural changes.
type BPlusTree[K any] struct {
	indexID         uint32
	rootPageID      pagemanager.PageID
	bpm             *bufferpool.BufferPoolManager
	roots           *IndexRoots
	keyOrder        Order[K]
	codec           KeyCodec[K]
	leafMaxSize     int
	internalMaxSize int

	mu      sync.RWMutex
	metrics *internaltelemetry.BTreeMetrics
	logger  *zap.Logger
}

// NewBPlusTree opens index indexID in the file behind bpm, registering it
// in the roots page when it does not exist yet. Pass UndefinedSize for either
// max size to derive it from the key size.
func NewBPlusTree[K any](indexID uint32, bpm *bufferpool.BufferPoolManager, keyOrder Order[K], codec KeyCodec[K],
	leafMaxSize, internalMaxSize int, logger *zap.Logger) (*BPlusTree[K], error) {
	if keyOrder == nil {
		return nil, ErrNilKeyOrder
	}
	if !codec.valid() {
		return nil, ErrInvalidKeyCodec
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if leafMaxSize == UndefinedSize {
		leafMaxSize = LeafCapacity(codec.Size)
	}
	if internalMaxSize == UndefinedSize {
		internalMaxSize = InternalCapacity(codec.Size)
	}
	if leafMaxSize < minLeafMaxSize || leafMaxSize > LeafCapacity(codec.Size) {
		return nil, fmt.Errorf("%w: leaf max size %d must be in [%d, %d]",
			ErrInvalidNodeSize, leafMaxSize, minLeafMaxSize, LeafCapacity(codec.Size))
	}
	if internalMaxSize < minInternalMaxSize || internalMaxSize > InternalCapacity(codec.Size) {
		return nil, fmt.Errorf("%w: internal max size %d must be in [%d, %d]",
			ErrInvalidNodeSize, internalMaxSize, minInternalMaxSize, InternalCapacity(codec.Size))
	}

	roots, err := OpenIndexRoots(bpm)
	if err != nil {
		return nil, err
	}
	rootPageID, ok, err := roots.GetRootID(indexID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := roots.Insert(indexID, pagemanager.InvalidPageID); err != nil {
			return nil, err
		}
	}

	t := &BPlusTree[K]{
		indexID:         indexID,
		rootPageID:      rootPageID,
		bpm:             bpm,
		roots:           roots,
		keyOrder:        keyOrder,
		codec:           codec,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		metrics:         internaltelemetry.NoopBTreeMetrics(),
		logger:          logger.Named("btree").With(zap.Uint32("index_id", indexID)),
	}
	t.logger.Info("Opened B+Tree",
		zap.Int32("root_page_id", int32(rootPageID)),
		zap.Int("leaf_max_size", leafMaxSize),
		zap.Int("internal_max_size", internalMaxSize),
	)
	return t, nil
}

// SetMetrics replaces the no-op instruments installed by the constructor.
func (t *BPlusTree[K]) SetMetrics(m *internaltelemetry.BTreeMetrics) {
	if m != nil {
		t.metrics = m
	}
}

func (t *BPlusTree[K]) IndexID() uint32      { return t.indexID }
func (t *BPlusTree[K]) LeafMaxSize() int     { return t.leafMaxSize }
func (t *BPlusTree[K]) InternalMaxSize() int { return t.internalMaxSize }

func (t *BPlusTree[K]) IsEmpty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootPageID == pagemanager.InvalidPageID
}

func (t *BPlusTree[K]) GetRootPageID() pagemanager.PageID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootPageID
}

// --- Search ---

// GetValue returns the RowID stored under key.
func (t *BPlusTree[K]) GetValue(key K) (pagemanager.RowID, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == pagemanager.InvalidPageID {
		return pagemanager.InvalidRowID, false, nil
	}
	leaf, err := t.findLeaf(key, false)
	if err != nil {
		return pagemanager.InvalidRowID, false, err
	}
	value, ok := leaf.lookup(key, t.keyOrder)
	return value, ok, nil
}

// findLeaf descends from the root to the leaf that covers key, or to the
// leftmost leaf.
func (t *BPlusTree[K]) findLeaf(key K, leftmost bool) (*leafNode[K], error) {
	pageID := t.rootPageID
	for {
		n, err := t.loadNode(pageID)
		if err != nil {
			return nil, err
		}
		switch n := n.(type) {
		case *leafNode[K]:
			return n, nil
		case *internalNode[K]:
			if leftmost {
				pageID = n.children[0]
			} else {
				pageID = n.lookup(key, t.keyOrder)
			}
		}
	}
}

// --- Insertion ---

// Insert adds key. It returns false, without changing the tree, when key is
// already present.
func (t *BPlusTree[K]) Insert(key K, value pagemanager.RowID) (bool, error) {
	if t.codec.Check != nil {
		if err := t.codec.Check(key); err != nil {
			return false, err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rootPageID == pagemanager.InvalidPageID {
		return true, t.startNewTree(key, value)
	}
	leaf, err := t.findLeaf(key, false)
	if err != nil {
		return false, err
	}
	if !leaf.insert(key, value, t.keyOrder) {
		return false, nil
	}
	if leaf.size() < t.leafMaxSize {
		return true, t.storeNode(leaf)
	}
	return true, t.splitLeaf(leaf)
}

func (t *BPlusTree[K]) startNewTree(key K, value pagemanager.RowID) error {
	root := &leafNode[K]{
		nodeHeader: nodeHeader{parentPageID: pagemanager.InvalidPageID, maxSize: t.leafMaxSize, lsn: pagemanager.InvalidLSN},
		nextPageID: pagemanager.InvalidPageID,
		keys:       []K{key},
		values:     []pagemanager.RowID{value},
	}
	if err := t.createNode(root); err != nil {
		return err
	}
	return t.updateRoot(root.pageID)
}

func (t *BPlusTree[K]) splitLeaf(leaf *leafNode[K]) error {
	sibling := &leafNode[K]{
		nodeHeader: nodeHeader{parentPageID: leaf.parentPageID, maxSize: t.leafMaxSize, lsn: pagemanager.InvalidLSN},
		nextPageID: leaf.nextPageID,
	}
	leaf.moveHalfTo(sibling)
	if err := t.createNode(sibling); err != nil {
		return err
	}
	leaf.nextPageID = sibling.pageID
	if err := t.storeNode(leaf); err != nil {
		return err
	}
	t.recordSplit(leafPageType)
	t.logger.Debug("Split leaf", zap.Int32("page_id", int32(leaf.pageID)), zap.Int32("sibling", int32(sibling.pageID)))
	return t.insertIntoParent(leaf.header(), sibling.keys[0], sibling.header())
}

// insertIntoParent links right into the tree after a split of left. Both
// nodes have already been written back.
func (t *BPlusTree[K]) insertIntoParent(left *nodeHeader, key K, right *nodeHeader) error {
	if left.isRoot() {
		var zero K
		root := &internalNode[K]{
			nodeHeader: nodeHeader{parentPageID: pagemanager.InvalidPageID, maxSize: t.internalMaxSize, lsn: pagemanager.InvalidLSN},
			keys:       []K{zero, key},
			children:   []pagemanager.PageID{left.pageID, right.pageID},
		}
		if err := t.createNode(root); err != nil {
			return err
		}
		if err := t.setParent(root.pageID, left.pageID, right.pageID); err != nil {
			return err
		}
		return t.updateRoot(root.pageID)
	}

	parent, err := t.loadInternal(left.parentPageID)
	if err != nil {
		return err
	}
	if !parent.insertAfter(left.pageID, key, right.pageID) {
		return fmt.Errorf("%w: page %d is not a child of its parent %d", ErrTreeInvariant, left.pageID, parent.pageID)
	}
	if parent.size() < t.internalMaxSize {
		return t.storeNode(parent)
	}

	sibling := &internalNode[K]{
		nodeHeader: nodeHeader{parentPageID: parent.parentPageID, maxSize: t.internalMaxSize, lsn: pagemanager.InvalidLSN},
	}
	separator := parent.moveHalfTo(sibling)
	if err := t.createNode(sibling); err != nil {
		return err
	}
	if err := t.storeNode(parent); err != nil {
		return err
	}
	if err := t.setParent(sibling.pageID, sibling.children...); err != nil {
		return err
	}
	t.recordSplit(internalPageType)
	t.logger.Debug("Split internal node", zap.Int32("page_id", int32(parent.pageID)), zap.Int32("sibling", int32(sibling.pageID)))
	return t.insertIntoParent(parent.header(), separator, sibling.header())
}

// --- Deletion ---

// Remove deletes key. Removing an absent key is a no-op.
func (t *BPlusTree[K]) Remove(key K) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rootPageID == pagemanager.InvalidPageID {
		return nil
	}
	leaf, err := t.findLeaf(key, false)
	if err != nil {
		return err
	}
	if !leaf.remove(key, t.keyOrder) {
		return nil
	}
	if leaf.isRoot() {
		return t.adjustRoot(leaf)
	}
	if leaf.size() >= leaf.minSize() {
		return t.storeNode(leaf)
	}
	return t.coalesceOrRedistribute(leaf)
}

// coalesceOrRedistribute fixes an undersized non-root node n that has been
// changed in memory but not written back. The sibling is the right one when
// n is its parent's first child and the left one otherwise.
func (t *BPlusTree[K]) coalesceOrRedistribute(n node[K]) error {
	h := n.header()
	parent, err := t.loadInternal(h.parentPageID)
	if err != nil {
		return err
	}
	index := parent.childIndex(h.pageID)
	if index < 0 {
		return fmt.Errorf("%w: page %d is not a child of its parent %d", ErrTreeInvariant, h.pageID, parent.pageID)
	}
	siblingIndex := index - 1
	if index == 0 {
		siblingIndex = 1
	}
	if siblingIndex >= parent.size() {
		return fmt.Errorf("%w: internal node %d has a single child", ErrTreeInvariant, parent.pageID)
	}
	sibling, err := t.loadNode(parent.children[siblingIndex])
	if err != nil {
		return err
	}
	if sibling.kind() != n.kind() {
		return fmt.Errorf("%w: siblings %d and %d differ in kind", ErrTreeInvariant, h.pageID, sibling.header().pageID)
	}

	if sibling.size()+n.size() >= t.maxSizeOf(n) {
		return t.redistribute(sibling, n, parent, index)
	}

	// The left-hand node in page order survives.
	left, right, rightIndex := sibling, n, index
	if index == 0 {
		left, right, rightIndex = n, sibling, 1
	}
	if err := t.coalesce(left, right, parent, rightIndex); err != nil {
		return err
	}

	if parent.isRoot() {
		return t.adjustRoot(parent)
	}
	if parent.size() < parent.minSize() {
		return t.coalesceOrRedistribute(parent)
	}
	return t.storeNode(parent)
}

// coalesce moves every entry of right into left, deletes right's page and
// drops its slot from parent. parent is changed in memory only.
func (t *BPlusTree[K]) coalesce(left, right node[K], parent *internalNode[K], rightIndex int) error {
	var moved []pagemanager.PageID
	switch r := right.(type) {
	case *leafNode[K]:
		r.moveAllTo(left.(*leafNode[K]))
	case *internalNode[K]:
		moved = r.children
		r.moveAllTo(left.(*internalNode[K]), parent.keys[rightIndex])
	}
	if err := t.storeNode(left); err != nil {
		return err
	}
	leftID := left.header().pageID
	if err := t.setParent(leftID, moved...); err != nil {
		return err
	}
	rightID := right.header().pageID
	if err := t.bpm.DeletePage(rightID); err != nil {
		return err
	}
	parent.removeAt(rightIndex)

	t.recordMerge(left.kind())
	t.logger.Debug("Coalesced nodes", zap.Int32("left", int32(leftID)), zap.Int32("right", int32(rightID)))
	return nil
}

// redistribute moves one entry from sibling into n across their shared
// boundary and rewrites the separator in parent. index is n's slot in parent.
func (t *BPlusTree[K]) redistribute(sibling, n node[K], parent *internalNode[K], index int) error {
	moved := pagemanager.InvalidPageID
	switch n := n.(type) {
	case *leafNode[K]:
		s := sibling.(*leafNode[K])
		if index == 0 {
			// sibling is on the right: its first entry moves to n's end
			n.keys = append(n.keys, s.keys[0])
			n.values = append(n.values, s.values[0])
			s.keys = removeAt(s.keys, 0)
			s.values = removeAt(s.values, 0)
			parent.keys[1] = s.keys[0]
		} else {
			// sibling is on the left: its last entry moves to n's front
			last := len(s.keys) - 1
			n.keys = insertAt(n.keys, 0, s.keys[last])
			n.values = insertAt(n.values, 0, s.values[last])
			s.keys = s.keys[:last]
			s.values = s.values[:last]
			parent.keys[index] = n.keys[0]
		}
	case *internalNode[K]:
		s := sibling.(*internalNode[K])
		if index == 0 {
			// the separator comes down to n, s's first key goes up
			moved = s.children[0]
			n.keys = append(n.keys, parent.keys[1])
			n.children = append(n.children, moved)
			parent.keys[1] = s.keys[1]
			s.removeAt(0)
		} else {
			last := len(s.children) - 1
			moved = s.children[last]
			n.keys[0] = parent.keys[index]
			var zero K
			n.keys = insertAt(n.keys, 0, zero)
			n.children = insertAt(n.children, 0, moved)
			parent.keys[index] = s.keys[last]
			s.removeAt(last)
		}
	}

	if err := t.storeNode(n); err != nil {
		return err
	}
	if err := t.storeNode(sibling); err != nil {
		return err
	}
	if err := t.storeNode(parent); err != nil {
		return err
	}
	if moved != pagemanager.InvalidPageID {
		if err := t.setParent(n.header().pageID, moved); err != nil {
			return err
		}
	}
	t.recordRedistribute(n.kind())
	return nil
}

// adjustRoot writes back a changed root, collapsing it when it has become
// trivial: an internal root with one child hands the root to that child,
// and an empty leaf root leaves the tree empty.
func (t *BPlusTree[K]) adjustRoot(root node[K]) error {
	h := root.header()
	switch r := root.(type) {
	case *internalNode[K]:
		if r.size() > 1 {
			return t.storeNode(r)
		}
		child := r.children[0]
		if err := t.setParent(pagemanager.InvalidPageID, child); err != nil {
			return err
		}
		if err := t.bpm.DeletePage(h.pageID); err != nil {
			return err
		}
		t.logger.Debug("Collapsed root", zap.Int32("old_root", int32(h.pageID)), zap.Int32("new_root", int32(child)))
		return t.updateRoot(child)
	case *leafNode[K]:
		if r.size() > 0 {
			return t.storeNode(r)
		}
		if err := t.bpm.DeletePage(h.pageID); err != nil {
			return err
		}
		t.logger.Debug("Tree is now empty")
		return t.updateRoot(pagemanager.InvalidPageID)
	}
	return nil
}

// --- Teardown ---

// Destroy frees every page of the tree and unregisters the index.
func (t *BPlusTree[K]) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rootPageID != pagemanager.InvalidPageID {
		if err := t.destroySubtree(t.rootPageID); err != nil {
			return err
		}
	}
	t.rootPageID = pagemanager.InvalidPageID
	return t.roots.Delete(t.indexID)
}

func (t *BPlusTree[K]) destroySubtree(pageID pagemanager.PageID) error {
	n, err := t.loadNode(pageID)
	if err != nil {
		return err
	}
	if in, ok := n.(*internalNode[K]); ok {
		for _, child := range in.children {
			if err := t.destroySubtree(child); err != nil {
				return err
			}
		}
	}
	return t.bpm.DeletePage(pageID)
}

// --- Page access ---

// loadNode decodes a snapshot of pageID. The page is unpinned before return.
func (t *BPlusTree[K]) loadNode(pageID pagemanager.PageID) (node[K], error) {
	guard, err := t.bpm.FetchPageGuard(pageID)
	if err != nil {
		return nil, fmt.Errorf("fetching index page %d: %w", pageID, err)
	}
	defer guard.Release()
	n, err := decodeNode(guard.Data(), t.codec)
	if err != nil {
		return nil, err
	}
	if n.header().pageID != pageID {
		return nil, fmt.Errorf("%w: page %d records id %d", ErrCorruptNode, pageID, n.header().pageID)
	}
	return n, nil
}

func (t *BPlusTree[K]) loadInternal(pageID pagemanager.PageID) (*internalNode[K], error) {
	n, err := t.loadNode(pageID)
	if err != nil {
		return nil, err
	}
	in, ok := n.(*internalNode[K])
	if !ok {
		return nil, fmt.Errorf("%w: parent page %d is a leaf", ErrTreeInvariant, pageID)
	}
	return in, nil
}

// storeNode encodes n into its page and unpins it dirty.
func (t *BPlusTree[K]) storeNode(n node[K]) error {
	guard, err := t.bpm.FetchPageGuard(n.header().pageID)
	if err != nil {
		return fmt.Errorf("fetching index page %d: %w", n.header().pageID, err)
	}
	encodeNode(n, guard.Data(), t.codec)
	guard.MarkDirty()
	return guard.Release()
}

// createNode allocates a page for n, assigns its id and writes it.
func (t *BPlusTree[K]) createNode(n node[K]) error {
	guard, err := t.bpm.NewPageGuard()
	if err != nil {
		return fmt.Errorf("allocating index page: %w", err)
	}
	n.header().pageID = guard.PageID()
	encodeNode(n, guard.Data(), t.codec)
	guard.MarkDirty()
	return guard.Release()
}

// setParent rewrites the parent pointer stored in each child page. Only the
// header field is touched, so no other decoded copy goes stale.
func (t *BPlusTree[K]) setParent(parentID pagemanager.PageID, children ...pagemanager.PageID) error {
	for _, child := range children {
		n, err := t.loadNode(child)
		if err != nil {
			return err
		}
		n.header().parentPageID = parentID
		if err := t.storeNode(n); err != nil {
			return err
		}
	}
	return nil
}

func (t *BPlusTree[K]) updateRoot(rootPageID pagemanager.PageID) error {
	t.rootPageID = rootPageID
	internaltelemetry.Add(t.metrics.RootChangesCounter, 1)
	if err := t.roots.Update(t.indexID, rootPageID); err != nil {
		return fmt.Errorf("persisting root page id: %w", err)
	}
	return nil
}

func (t *BPlusTree[K]) maxSizeOf(n node[K]) int {
	if n.kind() == leafPageType {
		return t.leafMaxSize
	}
	return t.internalMaxSize
}

// --- Metrics ---

func kindAttr(kind pageType) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", kind.String()))
}

func (t *BPlusTree[K]) recordSplit(kind pageType) {
	t.metrics.SplitsCounter.Add(context.Background(), 1, kindAttr(kind))
}

func (t *BPlusTree[K]) recordMerge(kind pageType) {
	t.metrics.MergesCounter.Add(context.Background(), 1, kindAttr(kind))
}

func (t *BPlusTree[K]) recordRedistribute(kind pageType) {
	t.metrics.RedistributionsCounter.Add(context.Background(), 1, kindAttr(kind))
}
