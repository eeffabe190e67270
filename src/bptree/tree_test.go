package bptree

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bptdb/src/buffermgr"
	"bptdb/src/filemgr"
	"bptdb/src/page"
)

func newTestTree(t *testing.T, frames int) (*Tree, int) {
	t.Helper()
	fm := filemgr.NewFileManager(zaptest.NewLogger(t).Sugar())
	pool, err := buffermgr.NewBufferPool(frames, fm, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown() })

	tree := NewTree(pool, zaptest.NewLogger(t).Sugar())
	tableID, err := pool.OpenTable(filepath.Join(t.TempDir(), "tree.db"))
	require.NoError(t, err)
	return tree, tableID
}

// checkInvariants validates the structural invariants of the whole
// file: key ordering within and across nodes, equal leaf depth, parent
// edges, the sibling chain, and free-list/page accounting.
func checkInvariants(t *testing.T, tr *Tree, tableID int) {
	t.Helper()
	pool := tr.Pool()

	header, err := pool.GetPage(tableID, 0)
	require.NoError(t, err)
	root := header.Page.Root()
	freeHead := header.Page.FreeHead()
	totalPages := header.Page.TotalPages()
	pool.PutPage(header, false)

	live := make(map[page.Pagenum]bool)
	var leaves []page.Pagenum
	leafDepth := -1

	var walk func(pn page.Pagenum, parent page.Pagenum, depth int, lo, hi int64)
	walk = func(pn page.Pagenum, parent page.Pagenum, depth int, lo, hi int64) {
		require.False(t, live[pn], "page %d reached twice", pn)
		live[pn] = true

		f, err := pool.GetPage(tableID, pn)
		require.NoError(t, err)
		defer pool.PutPage(f, false)

		require.Equal(t, parent, f.Page.Parent(), "parent edge of page %d", pn)
		n := f.Page.NumKeys()

		if f.Page.IsLeaf() {
			if leafDepth == -1 {
				leafDepth = depth
			}
			require.Equal(t, leafDepth, depth, "leaf %d at unequal depth", pn)
			leaves = append(leaves, pn)
			for i := 0; i < n; i++ {
				k := f.Page.RecordKey(i)
				require.GreaterOrEqual(t, k, lo, "leaf %d key below range", pn)
				require.Less(t, k, hi, "leaf %d key above range", pn)
				if i > 0 {
					require.Greater(t, k, f.Page.RecordKey(i-1), "leaf %d keys out of order", pn)
				}
			}
			return
		}

		require.Greater(t, n, 0, "internal %d has no keys", pn)
		for i := 0; i < n; i++ {
			k := f.Page.EntryKey(i)
			require.GreaterOrEqual(t, k, lo, "internal %d key below range", pn)
			require.Less(t, k, hi, "internal %d key above range", pn)
			if i > 0 {
				require.Greater(t, k, f.Page.EntryKey(i-1), "internal %d keys out of order", pn)
			}
		}
		for i := 0; i <= n; i++ {
			childLo, childHi := lo, hi
			if i > 0 {
				childLo = f.Page.EntryKey(i - 1)
			}
			if i < n {
				childHi = f.Page.EntryKey(i)
			}
			walk(f.Page.Child(i), pn, depth+1, childLo, childHi)
		}
	}

	if root != 0 {
		walk(root, 0, 0, math.MinInt64, math.MaxInt64)
	}

	// The sibling chain covers exactly the leaves, left to right.
	if len(leaves) > 0 {
		chain := []page.Pagenum{}
		seen := make(map[page.Pagenum]bool)
		pn := leaves[0]
		for pn != 0 {
			require.False(t, seen[pn], "sibling chain cycles at page %d", pn)
			seen[pn] = true
			chain = append(chain, pn)

			f, err := pool.GetPage(tableID, pn)
			require.NoError(t, err)
			next := f.Page.RightSibling()
			pool.PutPage(f, false)
			pn = next
		}
		require.Equal(t, leaves, chain, "sibling chain disagrees with tree order")
	}

	// Free list: acyclic, disjoint from live pages, and accounted for.
	freeCount := uint64(0)
	seenFree := make(map[page.Pagenum]bool)
	for pn := freeHead; pn != 0; {
		require.False(t, seenFree[pn], "free list cycles at page %d", pn)
		require.False(t, live[pn], "free page %d is reachable from the root", pn)
		seenFree[pn] = true
		freeCount++

		f, err := pool.GetPage(tableID, pn)
		require.NoError(t, err)
		next := f.Page.NextFree()
		pool.PutPage(f, false)
		pn = next
	}

	require.Equal(t, totalPages, uint64(len(live))+freeCount+1,
		"total pages != live + free + header")
}

func collectKeys(t *testing.T, tr *Tree, tableID int) []int64 {
	t.Helper()
	var keys []int64
	require.NoError(t, tr.ScanLeaves(tableID, func(k int64, _ []byte) bool {
		keys = append(keys, k)
		return true
	}))
	return keys
}

func TestInsertThenFind(t *testing.T) {
	tr, tableID := newTestTree(t, 16)

	require.NoError(t, tr.Insert(tableID, 1, []byte("one")))
	value, err := tr.Find(tableID, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), value)

	_, err = tr.Find(tableID, 2)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDuplicateInsertIsRejected(t *testing.T) {
	tr, tableID := newTestTree(t, 16)

	require.NoError(t, tr.Insert(tableID, 7, []byte("first")))
	require.ErrorIs(t, tr.Insert(tableID, 7, []byte("second")), ErrDuplicateKey)

	value, err := tr.Find(tableID, 7)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), value, "failed insert must leave the tree unmodified")
}

func TestHundredInsertsScanInOrder(t *testing.T) {
	tr, tableID := newTestTree(t, 16)

	for i := 1; i <= 100; i++ {
		require.NoError(t, tr.Insert(tableID, int64(i), []byte(strconv.Itoa(i))))
	}

	value, err := tr.Find(tableID, 50)
	require.NoError(t, err)
	require.Equal(t, []byte("50"), value)

	keys := collectKeys(t, tr, tableID)
	require.Len(t, keys, 100)
	for i, k := range keys {
		require.Equal(t, int64(i+1), k)
	}

	checkInvariants(t, tr, tableID)
}

func TestFirstLeafSplit(t *testing.T) {
	tr, tableID := newTestTree(t, 16)
	pool := tr.Pool()

	// The 32nd insert overflows the first leaf.
	for i := 1; i <= 32; i++ {
		require.NoError(t, tr.Insert(tableID, int64(i), []byte(strconv.Itoa(i))))
	}

	header, err := pool.GetPage(tableID, 0)
	require.NoError(t, err)
	root := header.Page.Root()
	pool.PutPage(header, false)

	f, err := pool.GetPage(tableID, root)
	require.NoError(t, err)
	require.False(t, f.Page.IsLeaf(), "root must be internal after the split")
	require.Equal(t, 1, f.Page.NumKeys())
	left, right := f.Page.Child(0), f.Page.Child(1)
	pool.PutPage(f, false)

	for _, leaf := range []page.Pagenum{left, right} {
		f, err := pool.GetPage(tableID, leaf)
		require.NoError(t, err)
		require.True(t, f.Page.IsLeaf())
		require.Equal(t, 16, f.Page.NumKeys())
		pool.PutPage(f, false)
	}

	require.NoError(t, tr.Delete(tableID, 16))
	keys := collectKeys(t, tr, tableID)
	require.Len(t, keys, 31)
	for i := 1; i < len(keys); i++ {
		require.Greater(t, keys[i], keys[i-1])
	}

	checkInvariants(t, tr, tableID)
}

func TestInsertDeleteRoundTrip(t *testing.T) {
	tr, tableID := newTestTree(t, 16)

	require.NoError(t, tr.Insert(tableID, 10, []byte("ten")))
	require.NoError(t, tr.Delete(tableID, 10))
	_, err := tr.Find(tableID, 10)
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.ErrorIs(t, tr.Delete(tableID, 10), ErrKeyNotFound)
}

func TestPermutationInsertDeleteLeavesEmptyTree(t *testing.T) {
	tr, tableID := newTestTree(t, 32)
	pool := tr.Pool()

	const n = 300
	rng := rand.New(rand.NewSource(42))

	insertOrder := rng.Perm(n)
	for _, k := range insertOrder {
		require.NoError(t, tr.Insert(tableID, int64(k+1), []byte(strconv.Itoa(k+1))))
	}
	checkInvariants(t, tr, tableID)

	deleteOrder := rng.Perm(n)
	for _, k := range deleteOrder {
		require.NoError(t, tr.Delete(tableID, int64(k+1)))
	}

	header, err := pool.GetPage(tableID, 0)
	require.NoError(t, err)
	require.Equal(t, page.Pagenum(0), header.Page.Root(), "tree must be empty")
	pool.PutPage(header, false)

	checkInvariants(t, tr, tableID)
}

func TestThousandInsertsDeleteAllButLast(t *testing.T) {
	tr, tableID := newTestTree(t, 64)

	for i := 1; i <= 1000; i++ {
		require.NoError(t, tr.Insert(tableID, int64(i), []byte(fmt.Sprintf("%d", i))))
	}
	for i := 1; i <= 999; i++ {
		require.NoError(t, tr.Delete(tableID, int64(i)))
	}

	value, err := tr.Find(tableID, 1000)
	require.NoError(t, err)
	require.Equal(t, []byte("1000"), value)

	// checkInvariants asserts total = live + free + header, which pins
	// down the page accounting after the churn.
	checkInvariants(t, tr, tableID)
}

func TestUpdateValueInPlace(t *testing.T) {
	tr, tableID := newTestTree(t, 16)

	require.NoError(t, tr.Insert(tableID, 5, []byte("before")))
	leaf, index, value, err := tr.Locate(tableID, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("before"), value)

	require.NoError(t, tr.WriteValue(tableID, leaf, index, []byte("after")))
	got, err := tr.Find(tableID, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("after"), got)
}
