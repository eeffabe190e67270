package bptree

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bptdb/src/buffermgr"
	"bptdb/src/filemgr"
)

func TestJoinEmitsMatchingKeys(t *testing.T) {
	fm := filemgr.NewFileManager(zaptest.NewLogger(t).Sugar())
	pool, err := buffermgr.NewBufferPool(16, fm, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown() })
	tr := NewTree(pool, zaptest.NewLogger(t).Sugar())

	dir := t.TempDir()
	t1, err := pool.OpenTable(filepath.Join(dir, "left.db"))
	require.NoError(t, err)
	t2, err := pool.OpenTable(filepath.Join(dir, "right.db"))
	require.NoError(t, err)

	// Left: evens 2..80. Right: multiples of three 3..90. Matches:
	// multiples of six 6..78.
	for i := 1; i <= 40; i++ {
		k := int64(2 * i)
		require.NoError(t, tr.Insert(t1, k, []byte("L"+strconv.FormatInt(k, 10))))
	}
	for i := 1; i <= 30; i++ {
		k := int64(3 * i)
		require.NoError(t, tr.Insert(t2, k, []byte("R"+strconv.FormatInt(k, 10))))
	}

	outPath := filepath.Join(dir, "join.csv")
	require.NoError(t, tr.Join(t1, t2, outPath))

	raw, err := os.ReadFile(outPath)
	require.NoError(t, err)

	want := ""
	for k := 6; k <= 78; k += 6 {
		want += strconv.Itoa(k) + ",L" + strconv.Itoa(k) + "," + strconv.Itoa(k) + ",R" + strconv.Itoa(k) + "\n"
	}
	require.Equal(t, want, string(raw))
}

func TestJoinWithEmptyTableWritesNothing(t *testing.T) {
	fm := filemgr.NewFileManager(zaptest.NewLogger(t).Sugar())
	pool, err := buffermgr.NewBufferPool(8, fm, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown() })
	tr := NewTree(pool, zaptest.NewLogger(t).Sugar())

	dir := t.TempDir()
	t1, err := pool.OpenTable(filepath.Join(dir, "full.db"))
	require.NoError(t, err)
	t2, err := pool.OpenTable(filepath.Join(dir, "empty.db"))
	require.NoError(t, err)

	require.NoError(t, tr.Insert(t1, 1, []byte("one")))

	outPath := filepath.Join(dir, "join.csv")
	require.NoError(t, tr.Join(t1, t2, outPath))

	raw, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Empty(t, raw)
}
