package btree

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	bufferpool "github.com/sushant-115/pagedb/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// --- Test Helpers ---

type testTree struct {
	tree *BPlusTree[int64]
	bpm  *bufferpool.BufferPoolManager
	dm   *flushmanager.DiskManager
	path string
}

func setupTree(t *testing.T, poolSize, leafMax, internalMax int) *testTree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tree.db")
	bpm, dm := setupPool(t, path, poolSize)
	t.Cleanup(func() { _ = dm.Close() })

	tree, err := NewBPlusTree[int64](1, bpm, DefaultKeyOrder[int64], Int64KeyCodec(), leafMax, internalMax, zap.NewNop())
	require.NoError(t, err)
	return &testTree{tree: tree, bpm: bpm, dm: dm, path: path}
}

func rowFor(k int64) pagemanager.RowID {
	return pagemanager.RowID{PageID: pagemanager.PageID(k % 1000), SlotNum: uint32(k)}
}

func insertKeys(t *testing.T, tree *BPlusTree[int64], keys []int64) {
	t.Helper()
	for _, k := range keys {
		ok, err := tree.Insert(k, rowFor(k))
		require.NoError(t, err)
		require.True(t, ok, "insert %d", k)
	}
}

func scanKeys(t *testing.T, tree *BPlusTree[int64]) []int64 {
	t.Helper()
	var keys []int64
	it, err := tree.Begin()
	require.NoError(t, err)
	for !it.IsEnd() {
		keys = append(keys, it.Key())
		require.Equal(t, rowFor(it.Key()), it.Value())
		require.NoError(t, it.Next())
	}
	return keys
}

func sequence(from, to int64) []int64 {
	keys := make([]int64, 0, to-from+1)
	for k := from; k <= to; k++ {
		keys = append(keys, k)
	}
	return keys
}

// --- Tests ---

func TestNewBPlusTreeValidatesSizes(t *testing.T) {
	bpm, dm := setupPool(t, filepath.Join(t.TempDir(), "sizes.db"), 4)
	defer dm.Close()

	_, err := NewBPlusTree[int64](1, bpm, DefaultKeyOrder[int64], Int64KeyCodec(), 1, 10, nil)
	assert.ErrorIs(t, err, ErrInvalidNodeSize)
	_, err = NewBPlusTree[int64](1, bpm, DefaultKeyOrder[int64], Int64KeyCodec(), 10, 3, nil)
	assert.ErrorIs(t, err, ErrInvalidNodeSize)
	_, err = NewBPlusTree[int64](1, bpm, DefaultKeyOrder[int64], Int64KeyCodec(), LeafCapacity(8)+1, 10, nil)
	assert.ErrorIs(t, err, ErrInvalidNodeSize)
	_, err = NewBPlusTree[int64](1, bpm, nil, Int64KeyCodec(), 10, 10, nil)
	assert.ErrorIs(t, err, ErrNilKeyOrder)

	tree, err := NewBPlusTree[int64](1, bpm, DefaultKeyOrder[int64], Int64KeyCodec(), UndefinedSize, UndefinedSize, nil)
	require.NoError(t, err)
	assert.Equal(t, LeafCapacity(8), tree.LeafMaxSize())
	assert.Equal(t, InternalCapacity(8), tree.InternalMaxSize())
}

func TestEmptyTree(t *testing.T) {
	tt := setupTree(t, 8, 4, 4)
	assert.True(t, tt.tree.IsEmpty())

	_, ok, err := tt.tree.GetValue(1)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, tt.tree.Remove(1))

	it, err := tt.tree.Begin()
	require.NoError(t, err)
	assert.True(t, it.IsEnd())
	assert.True(t, it.Equal(tt.tree.End()))
	require.NoError(t, tt.tree.Check())
}

func TestInsertAndGetValue(t *testing.T) {
	const leafMax = 8
	tt := setupTree(t, 16, leafMax, 5)

	keys := sequence(1, 5*leafMax)
	rand.New(rand.NewSource(1)).Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	insertKeys(t, tt.tree, keys)
	require.NoError(t, tt.tree.Check())

	for _, k := range keys {
		v, ok, err := tt.tree.GetValue(k)
		require.NoError(t, err)
		require.True(t, ok, "key %d", k)
		assert.Equal(t, rowFor(k), v)
	}
	_, ok, err := tt.tree.GetValue(10_000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertDuplicateLeavesTreeUnchanged(t *testing.T) {
	tt := setupTree(t, 8, 4, 4)
	insertKeys(t, tt.tree, []int64{5, 1, 9})

	before := tt.tree.String()
	ok, err := tt.tree.Insert(5, pagemanager.RowID{PageID: 77})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, tt.tree.String())

	v, _, err := tt.tree.GetValue(5)
	require.NoError(t, err)
	assert.Equal(t, rowFor(5), v)
}

// TestLeafSplitLinksSiblings fills one leaf to its max size and checks that
// the split produced two chained leaves under a new internal root.
func TestLeafSplitLinksSiblings(t *testing.T) {
	tt := setupTree(t, 8, 4, 4)
	insertKeys(t, tt.tree, []int64{40, 10, 30, 20})

	root, err := tt.tree.loadNode(tt.tree.GetRootPageID())
	require.NoError(t, err)
	in, ok := root.(*internalNode[int64])
	require.True(t, ok, "root should be internal after a split")
	require.Equal(t, 2, in.size())
	assert.Equal(t, int64(30), in.keys[1])

	left, err := tt.tree.loadNode(in.children[0])
	require.NoError(t, err)
	right, err := tt.tree.loadNode(in.children[1])
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20}, left.(*leafNode[int64]).keys)
	assert.Equal(t, []int64{30, 40}, right.(*leafNode[int64]).keys)
	assert.Equal(t, in.children[1], left.(*leafNode[int64]).nextPageID)
	assert.Equal(t, pagemanager.InvalidPageID, right.(*leafNode[int64]).nextPageID)
	assert.Equal(t, in.pageID, left.header().parentPageID)
	assert.Equal(t, in.pageID, right.header().parentPageID)

	assert.Equal(t, []int64{10, 20, 30, 40}, scanKeys(t, tt.tree))
	require.NoError(t, tt.tree.Check())
}

// TestLeafMergeCollapsesRoot removes from a two-leaf tree until the leaves
// cannot borrow from each other, which merges them and collapses the root.
func TestLeafMergeCollapsesRoot(t *testing.T) {
	tt := setupTree(t, 8, 4, 4)
	insertKeys(t, tt.tree, []int64{1, 2, 3, 4})
	oldRoot := tt.tree.GetRootPageID()

	require.NoError(t, tt.tree.Remove(4))
	require.NoError(t, tt.tree.Check())

	root, err := tt.tree.loadNode(tt.tree.GetRootPageID())
	require.NoError(t, err)
	leaf, ok := root.(*leafNode[int64])
	require.True(t, ok, "root should collapse to the surviving leaf")
	assert.Equal(t, []int64{1, 2, 3}, leaf.keys)
	assert.True(t, leaf.isRoot())

	free, err := tt.bpm.IsPageFree(oldRoot)
	require.NoError(t, err)
	assert.True(t, free, "collapsed root page is returned to the disk manager")
}

func TestLeafRedistributeFromRightSibling(t *testing.T) {
	tt := setupTree(t, 8, 4, 4)
	insertKeys(t, tt.tree, []int64{1, 2, 3, 4, 5})

	// leaves are [1 2] [3 4 5]; removing 1 leaves one entry, and the right
	// sibling has enough to share
	require.NoError(t, tt.tree.Remove(1))
	require.NoError(t, tt.tree.Check())

	root, err := tt.tree.loadNode(tt.tree.GetRootPageID())
	require.NoError(t, err)
	in := root.(*internalNode[int64])
	require.Equal(t, 2, in.size())
	assert.Equal(t, int64(4), in.keys[1])
	assert.Equal(t, []int64{2, 3, 4, 5}, scanKeys(t, tt.tree))
}

func TestLeafRedistributeFromLeftSibling(t *testing.T) {
	tt := setupTree(t, 8, 4, 4)
	insertKeys(t, tt.tree, []int64{10, 20, 30, 40, 5})

	// leaves are [5 10 20] [30 40]; removing 40 borrows 20 from the left
	require.NoError(t, tt.tree.Remove(40))
	require.NoError(t, tt.tree.Check())

	root, err := tt.tree.loadNode(tt.tree.GetRootPageID())
	require.NoError(t, err)
	in := root.(*internalNode[int64])
	assert.Equal(t, int64(20), in.keys[1])
	assert.Equal(t, []int64{5, 10, 20, 30}, scanKeys(t, tt.tree))
}

// TestRandomInsertRemove drives a deep tree through splits, merges and
// redistributions at both levels and checks every invariant along the way.
func TestRandomInsertRemove(t *testing.T) {
	for _, sizes := range []struct{ leaf, internal int }{{2, 4}, {3, 4}, {4, 5}, {7, 6}} {
		tt := setupTree(t, 6, sizes.leaf, sizes.internal)
		rng := rand.New(rand.NewSource(int64(sizes.leaf*100 + sizes.internal)))

		keys := rng.Perm(300)
		present := map[int64]bool{}
		for i, k := range keys {
			insertKeys(t, tt.tree, []int64{int64(k)})
			present[int64(k)] = true
			if i%50 == 0 {
				require.NoError(t, tt.tree.Check(), "after %d inserts", i+1)
			}
		}
		require.NoError(t, tt.tree.Check())

		rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
		for i, k := range keys {
			require.NoError(t, tt.tree.Remove(int64(k)))
			delete(present, int64(k))
			if i%25 == 0 {
				require.NoError(t, tt.tree.Check(), "after %d removes", i+1)
				for p := range present {
					_, ok, err := tt.tree.GetValue(p)
					require.NoError(t, err)
					require.True(t, ok, "lost key %d", p)
				}
			}
			_, ok, err := tt.tree.GetValue(int64(k))
			require.NoError(t, err)
			require.False(t, ok, "removed key %d still found", k)
		}
		assert.True(t, tt.tree.IsEmpty())
		require.NoError(t, tt.tree.Check())

		// only the roots page stays allocated
		assert.Equal(t, uint32(1), tt.dm.GetMetaData().NumAllocatedPages)
	}
}

func TestRemoveAbsentKeyIsNoop(t *testing.T) {
	tt := setupTree(t, 8, 4, 4)
	insertKeys(t, tt.tree, sequence(1, 10))
	before := tt.tree.String()
	require.NoError(t, tt.tree.Remove(100))
	assert.Equal(t, before, tt.tree.String())
}

func TestIteratorScansInOrder(t *testing.T) {
	tt := setupTree(t, 8, 4, 4)
	keys := sequence(1, 100)
	rand.New(rand.NewSource(7)).Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	insertKeys(t, tt.tree, keys)

	assert.Equal(t, sequence(1, 100), scanKeys(t, tt.tree))
	assert.True(t, tt.bpm.CheckAllUnpinned())
}

func TestIteratorBeginAt(t *testing.T) {
	tt := setupTree(t, 8, 4, 4)
	for k := int64(0); k < 50; k++ {
		insertKeys(t, tt.tree, []int64{k * 2})
	}

	it, err := tt.tree.BeginAt(31)
	require.NoError(t, err)
	require.False(t, it.IsEnd())
	assert.Equal(t, int64(32), it.Key())

	it, err = tt.tree.BeginAt(40)
	require.NoError(t, err)
	assert.Equal(t, int64(40), it.Key())
	require.NoError(t, it.Next())
	assert.Equal(t, int64(42), it.Key())

	it, err = tt.tree.BeginAt(99)
	require.NoError(t, err)
	assert.True(t, it.IsEnd())
	assert.True(t, it.Equal(tt.tree.End()))
	assert.ErrorIs(t, it.Next(), ErrIteratorExhausted)
}

func TestTreeWorksWithTinyPool(t *testing.T) {
	tt := setupTree(t, 3, 4, 4)
	insertKeys(t, tt.tree, sequence(1, 200))
	for k := int64(1); k <= 200; k += 2 {
		require.NoError(t, tt.tree.Remove(k))
	}
	require.NoError(t, tt.tree.Check())
	assert.Equal(t, 100, len(scanKeys(t, tt.tree)))
	assert.Greater(t, tt.bpm.Stats().Evictions, uint64(0))
}

func TestInsertFailsWhenPoolIsPinned(t *testing.T) {
	tt := setupTree(t, 2, 4, 4)
	var held []pagemanager.PageID
	for i := 0; i < 2; i++ {
		_, id, err := tt.bpm.NewPage()
		require.NoError(t, err)
		held = append(held, id)
	}

	_, err := tt.tree.Insert(1, rowFor(1))
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)

	for _, id := range held {
		require.NoError(t, tt.bpm.UnpinPage(id, false))
	}
	insertKeys(t, tt.tree, []int64{1})
}

func TestTreeSurvivesReopen(t *testing.T) {
	tt := setupTree(t, 8, 4, 4)
	insertKeys(t, tt.tree, sequence(1, 60))
	root := tt.tree.GetRootPageID()
	require.NoError(t, tt.bpm.Close())
	require.NoError(t, tt.dm.Close())

	bpm, dm := setupPool(t, tt.path, 8)
	defer dm.Close()
	tree, err := NewBPlusTree[int64](1, bpm, DefaultKeyOrder[int64], Int64KeyCodec(), 4, 4, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, root, tree.GetRootPageID())
	assert.Equal(t, sequence(1, 60), scanKeys(t, tree))
	require.NoError(t, tree.Check())

	// a second index in the same file starts empty
	other, err := NewBPlusTree[int64](2, bpm, DefaultKeyOrder[int64], Int64KeyCodec(), 4, 4, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, other.IsEmpty())
}

func TestDestroyFreesAllPages(t *testing.T) {
	tt := setupTree(t, 8, 4, 4)
	insertKeys(t, tt.tree, sequence(1, 80))
	require.Greater(t, tt.dm.GetMetaData().NumAllocatedPages, uint32(1))

	require.NoError(t, tt.tree.Destroy())
	assert.True(t, tt.tree.IsEmpty())
	assert.Equal(t, uint32(1), tt.dm.GetMetaData().NumAllocatedPages)

	_, ok, err := tt.tree.roots.GetRootID(1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStringKeys(t *testing.T) {
	bpm, dm := setupPool(t, filepath.Join(t.TempDir(), "str.db"), 8)
	defer dm.Close()
	tree, err := NewBPlusTree[string](3, bpm, DefaultKeyOrder[string], FixedStringKeyCodec(16), 4, 4, zap.NewNop())
	require.NoError(t, err)

	words := []string{"pear", "apple", "fig", "kiwi", "banana", "cherry", "date", "grape"}
	for i, w := range words {
		ok, err := tree.Insert(w, pagemanager.RowID{PageID: 1, SlotNum: uint32(i)})
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, err = tree.Insert("a key that is far too long", pagemanager.RowID{})
	assert.ErrorIs(t, err, ErrKeyTooLarge)

	var got []string
	it, err := tree.Begin()
	require.NoError(t, err)
	for ; !it.IsEnd(); require.NoError(t, it.Next()) {
		got = append(got, it.Key())
	}
	assert.Equal(t, []string{"apple", "banana", "cherry", "date", "fig", "grape", "kiwi", "pear"}, got)
	require.NoError(t, tree.Check())
}
