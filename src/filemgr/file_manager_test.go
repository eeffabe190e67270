package filemgr

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bptdb/src/page"
)

func newTestManager(t *testing.T) *FileManager {
	t.Helper()
	return NewFileManager(zaptest.NewLogger(t).Sugar())
}

func TestOpenCreatesInitializedHeader(t *testing.T) {
	fm := newTestManager(t)
	path := filepath.Join(t.TempDir(), "t1.db")

	id, err := fm.Open(path)
	require.NoError(t, err)
	require.Equal(t, 1, id)

	var header page.Page
	require.NoError(t, fm.ReadPage(id, 0, &header))
	require.Equal(t, page.Pagenum(0), header.FreeHead())
	require.Equal(t, page.Pagenum(0), header.Root())
	require.Equal(t, uint64(1), header.TotalPages())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(page.Size), info.Size())
}

func TestOpenIsIdempotentPerPath(t *testing.T) {
	fm := newTestManager(t)
	dir := t.TempDir()

	id1, err := fm.Open(filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	id2, err := fm.Open(filepath.Join(dir, "b.db"))
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	again, err := fm.Open(filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	require.Equal(t, id1, again)
}

func TestOpenRunsOutOfSlots(t *testing.T) {
	fm := newTestManager(t)
	dir := t.TempDir()

	for i := 0; i < MaxTables; i++ {
		_, err := fm.Open(filepath.Join(dir, fmt.Sprintf("t%d.db", i)))
		require.NoError(t, err)
	}

	_, err := fm.Open(filepath.Join(dir, "one-too-many.db"))
	require.ErrorIs(t, err, ErrOutOfSlots)
}

func TestExtendAppendsOnePage(t *testing.T) {
	fm := newTestManager(t)
	path := filepath.Join(t.TempDir(), "t.db")
	id, err := fm.Open(path)
	require.NoError(t, err)

	// Without a buffered header the count is written through.
	pn, err := fm.Extend(id, nil)
	require.NoError(t, err)
	require.Equal(t, page.Pagenum(1), pn)

	var header page.Page
	require.NoError(t, fm.ReadPage(id, 0, &header))
	require.Equal(t, uint64(2), header.TotalPages())

	// With a buffered header only the in-memory copy changes.
	pn, err = fm.Extend(id, &header)
	require.NoError(t, err)
	require.Equal(t, page.Pagenum(2), pn)
	require.Equal(t, uint64(3), header.TotalPages())

	var onDisk page.Page
	require.NoError(t, fm.ReadPage(id, 0, &onDisk))
	require.Equal(t, uint64(2), onDisk.TotalPages())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(3*page.Size), info.Size())
}

func TestWriteReadRoundTrip(t *testing.T) {
	fm := newTestManager(t)
	id, err := fm.Open(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)

	pn, err := fm.Extend(id, nil)
	require.NoError(t, err)

	var leaf page.Page
	leaf.InitLeaf(0)
	leaf.SetRecordKey(0, 123)
	leaf.SetRecordValue(0, []byte("payload"))
	leaf.SetNumKeys(1)
	require.NoError(t, fm.WritePage(id, pn, &leaf))

	var got page.Page
	require.NoError(t, fm.ReadPage(id, pn, &got))
	require.Equal(t, leaf, got)
}

func TestCloseFreesSlot(t *testing.T) {
	fm := newTestManager(t)
	path := filepath.Join(t.TempDir(), "t.db")

	id, err := fm.Open(path)
	require.NoError(t, err)
	require.NoError(t, fm.Close(id))

	require.ErrorIs(t, fm.ReadPage(id, 0, &page.Page{}), ErrInvalidTable)

	// The slot is reusable.
	again, err := fm.Open(path)
	require.NoError(t, err)
	require.Equal(t, id, again)
}
