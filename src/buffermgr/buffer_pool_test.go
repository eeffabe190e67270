package buffermgr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bptdb/src/filemgr"
	"bptdb/src/page"
)

func newTestPool(t *testing.T, frames int) (*BufferPool, int) {
	t.Helper()
	fm := filemgr.NewFileManager(zaptest.NewLogger(t).Sugar())
	pool, err := NewBufferPool(frames, fm, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	tableID, err := pool.OpenTable(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	return pool, tableID
}

func TestNewBufferPoolRejectsBadSize(t *testing.T) {
	fm := filemgr.NewFileManager(zaptest.NewLogger(t).Sugar())
	_, err := NewBufferPool(0, fm, zaptest.NewLogger(t).Sugar())
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestGetPageHitAndPinning(t *testing.T) {
	pool, tableID := newTestPool(t, 4)
	defer pool.Shutdown()

	f, err := pool.GetPage(tableID, 0)
	require.NoError(t, err)
	require.Equal(t, tableID, f.TableID())
	require.Equal(t, page.Pagenum(0), f.Pagenum())
	pool.PutPage(f, false)

	again, err := pool.GetPage(tableID, 0)
	require.NoError(t, err)
	pool.PutPage(again, false)

	stats := pool.GetStats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
}

func TestClockEvictsUnpinnedAndWritesBackDirty(t *testing.T) {
	pool, tableID := newTestPool(t, 2)
	defer pool.Shutdown()

	// Grow the file so pages 1..3 exist.
	for i := 0; i < 3; i++ {
		_, err := pool.AllocPage(tableID)
		require.NoError(t, err)
	}

	// Dirty page 1, then evict it by touring more pages than frames.
	f, err := pool.GetPage(tableID, 1)
	require.NoError(t, err)
	f.Page.InitLeaf(0)
	f.Page.SetRecordKey(0, 99)
	f.Page.SetRecordValue(0, []byte("evicted"))
	f.Page.SetNumKeys(1)
	pool.PutPage(f, true)

	for _, pn := range []page.Pagenum{2, 3, 0, 2, 3} {
		f, err := pool.GetPage(tableID, pn)
		require.NoError(t, err)
		pool.PutPage(f, false)
	}
	require.Greater(t, pool.GetStats().Evictions, uint64(0))

	// The dirty page survived its eviction round trip.
	f, err = pool.GetPage(tableID, 1)
	require.NoError(t, err)
	require.Equal(t, int64(99), f.Page.RecordKey(0))
	require.Equal(t, []byte("evicted"), f.Page.RecordValue(0))
	pool.PutPage(f, false)
}

func TestAllocPageExtendsThenRecycles(t *testing.T) {
	pool, tableID := newTestPool(t, 4)
	defer pool.Shutdown()

	pn1, err := pool.AllocPage(tableID)
	require.NoError(t, err)
	require.Equal(t, page.Pagenum(1), pn1)

	pn2, err := pool.AllocPage(tableID)
	require.NoError(t, err)
	require.Equal(t, page.Pagenum(2), pn2)

	header, err := pool.GetPage(tableID, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), header.Page.TotalPages())
	require.Equal(t, page.Pagenum(0), header.Page.FreeHead())
	pool.PutPage(header, false)

	// Freed pages come back before the file grows again.
	require.NoError(t, pool.FreePage(tableID, pn1))
	require.NoError(t, pool.FreePage(tableID, pn2))

	got, err := pool.AllocPage(tableID)
	require.NoError(t, err)
	require.Equal(t, pn2, got, "free list is LIFO")
	got, err = pool.AllocPage(tableID)
	require.NoError(t, err)
	require.Equal(t, pn1, got)

	header, err = pool.GetPage(tableID, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), header.Page.TotalPages())
	pool.PutPage(header, false)
}

func TestCloseTableFlushesAndInvalidates(t *testing.T) {
	fm := filemgr.NewFileManager(zaptest.NewLogger(t).Sugar())
	pool, err := NewBufferPool(4, fm, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "t.db")
	tableID, err := pool.OpenTable(path)
	require.NoError(t, err)

	pn, err := pool.AllocPage(tableID)
	require.NoError(t, err)
	f, err := pool.GetPage(tableID, pn)
	require.NoError(t, err)
	f.Page.InitLeaf(0)
	f.Page.SetRecordKey(0, 5)
	f.Page.SetRecordValue(0, []byte("five"))
	f.Page.SetNumKeys(1)
	pool.PutPage(f, true)

	require.NoError(t, pool.CloseTable(tableID))
	require.Equal(t, 0, pool.GetStats().Used)

	// Reopen and confirm the dirty page reached disk.
	tableID, err = pool.OpenTable(path)
	require.NoError(t, err)
	f, err = pool.GetPage(tableID, pn)
	require.NoError(t, err)
	require.Equal(t, []byte("five"), f.Page.RecordValue(0))
	pool.PutPage(f, false)

	require.NoError(t, pool.Shutdown())
}

func TestShutdownTwiceFails(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	require.NoError(t, pool.Shutdown())
	require.ErrorIs(t, pool.Shutdown(), ErrInvalidState)
}
