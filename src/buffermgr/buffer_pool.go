package buffermgr

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"bptdb/src/filemgr"
	"bptdb/src/page"
)

var (
	// ErrInvalidState is returned for operations on a pool that was never
	// initialized, was shut down, or was sized below one frame.
	ErrInvalidState = errors.New("invalid buffer pool state")
)

// Frame caches one page of one table. A frame with tableID 0 is invalid.
// The pool latch guards the metadata fields; the frame's own latch guards
// Page and is held by the caller between GetPage and PutPage.
type Frame struct {
	mu sync.Mutex

	Page page.Page

	tableID int
	pageNum page.Pagenum
	dirty   bool
	pins    int
	refBit  bool
}

// TableID returns the table this frame currently caches, 0 if invalid.
func (f *Frame) TableID() int { return f.tableID }

// Pagenum returns the page number this frame currently caches.
func (f *Frame) Pagenum() page.Pagenum { return f.pageNum }

// BufferPool caches a fixed number of pages and picks eviction victims
// with a second-chance clock. A pinned frame is never evicted. Header
// pages ride through the pool like any other page, which gives page
// alloc/free the same latch discipline as tree operations.
type BufferPool struct {
	mu       sync.Mutex
	unpinned *sync.Cond // signaled on every unpin

	frames    []*Frame
	clockHand int

	fm     *filemgr.FileManager
	logger *zap.SugaredLogger

	// Stats
	hits      uint64
	misses    uint64
	evictions uint64
}

// NewBufferPool allocates a pool of bufNum frames over the given file
// manager.
func NewBufferPool(bufNum int, fm *filemgr.FileManager, logger *zap.SugaredLogger) (*BufferPool, error) {
	if bufNum < 1 {
		return nil, fmt.Errorf("pool size %d: %w", bufNum, ErrInvalidState)
	}

	bp := &BufferPool{
		frames: make([]*Frame, bufNum),
		fm:     fm,
		logger: logger,
	}
	bp.unpinned = sync.NewCond(&bp.mu)
	for i := range bp.frames {
		bp.frames[i] = &Frame{}
	}
	return bp, nil
}

// OpenTable opens or creates the table file at path through the file
// manager and returns its table id.
func (bp *BufferPool) OpenTable(path string) (int, error) {
	return bp.fm.Open(path)
}

// GetPage returns the frame caching (tableID, pn), pinned and with its
// content latch held. The caller must release it with PutPage. On a miss
// the page is loaded into an invalid frame if one exists, otherwise into
// a clock victim; a dirty victim is written back first.
func (bp *BufferPool) GetPage(tableID int, pn page.Pagenum) (*Frame, error) {
	bp.mu.Lock()

	if bp.frames == nil {
		bp.mu.Unlock()
		return nil, fmt.Errorf("get page %d of table %d: %w", pn, tableID, ErrInvalidState)
	}

	for {
		// Hit: linear scan of the frame table.
		if f := bp.lookup(tableID, pn); f != nil {
			bp.hits++
			f.pins++
			f.refBit = true
			bp.mu.Unlock()
			f.mu.Lock()
			if f.tableID != tableID || f.pageNum != pn {
				// The load that installed this page failed and the frame
				// was invalidated while we queued on its latch. Retry.
				bp.PutPage(f, false)
				bp.mu.Lock()
				continue
			}
			return f, nil
		}

		bp.misses++

		// Miss with a free slot.
		var victim *Frame
		for _, f := range bp.frames {
			if f.tableID == 0 {
				victim = f
				break
			}
		}

		// Miss without a free slot: run the clock.
		if victim == nil {
			victim = bp.runClock()
		}
		if victim != nil {
			return bp.loadInto(victim, tableID, pn)
		}

		// Every frame is pinned. Wait for an unpin and retry from the
		// top; the page may have been loaded by then.
		bp.unpinned.Wait()
	}
}

func (bp *BufferPool) lookup(tableID int, pn page.Pagenum) *Frame {
	for _, f := range bp.frames {
		if f.tableID == tableID && f.pageNum == pn {
			return f
		}
	}
	return nil
}

// runClock advances the hand until it finds an unpinned frame with a
// clear reference bit, clearing reference bits as it passes. Returns nil
// if two full sweeps found every frame pinned. Caller holds the pool
// latch.
func (bp *BufferPool) runClock() *Frame {
	for step := 0; step < 2*len(bp.frames); step++ {
		f := bp.frames[bp.clockHand]
		bp.clockHand = (bp.clockHand + 1) % len(bp.frames)

		if f.pins > 0 {
			continue
		}
		if f.refBit {
			f.refBit = false
			continue
		}
		return f
	}
	return nil
}

// loadInto claims f for (tableID, pn) and performs the I/O outside the
// pool latch. Claiming (identity + pin) under the latch first means a
// concurrent GetPage for the same page queues on the frame latch until
// the load completes.
func (bp *BufferPool) loadInto(f *Frame, tableID int, pn page.Pagenum) (*Frame, error) {
	oldTableID, oldPageNum, oldDirty := f.tableID, f.pageNum, f.dirty

	if oldTableID != 0 {
		bp.evictions++
	}

	f.tableID = tableID
	f.pageNum = pn
	f.pins = 1
	f.refBit = true
	f.dirty = false
	bp.mu.Unlock()

	f.mu.Lock()

	if oldTableID != 0 && oldDirty {
		if err := bp.fm.WritePage(oldTableID, oldPageNum, &f.Page); err != nil {
			bp.invalidateAfterError(f)
			return nil, fmt.Errorf("could not write back victim page %d of table %d: %w", oldPageNum, oldTableID, err)
		}
	}

	if err := bp.fm.ReadPage(tableID, pn, &f.Page); err != nil {
		bp.invalidateAfterError(f)
		return nil, fmt.Errorf("could not load page %d of table %d: %w", pn, tableID, err)
	}

	return f, nil
}

func (bp *BufferPool) invalidateAfterError(f *Frame) {
	f.mu.Unlock()
	bp.mu.Lock()
	f.tableID = 0
	f.pins-- // our claim pin; latecomers drop theirs on retry
	f.dirty = false
	f.refBit = false
	bp.unpinned.Broadcast()
	bp.mu.Unlock()
}

// PutPage unpins a frame obtained from GetPage and releases its content
// latch. A frame stays dirty until written back, no matter how many clean
// puts follow a dirty one.
func (bp *BufferPool) PutPage(f *Frame, dirty bool) {
	bp.mu.Lock()
	if dirty {
		f.dirty = true
	}
	f.pins--
	bp.unpinned.Broadcast()
	bp.mu.Unlock()
	f.mu.Unlock()
}

// AllocPage allocates a page for the table: the head of the free list if
// there is one, otherwise a fresh page appended to the file. The header
// page is updated through the pool.
func (bp *BufferPool) AllocPage(tableID int) (page.Pagenum, error) {
	header, err := bp.GetPage(tableID, 0)
	if err != nil {
		return 0, err
	}

	pn := header.Page.FreeHead()

	if pn == 0 {
		// No free page in the file. Extend it; the buffered header copy
		// picks up the new page count.
		pn, err = bp.fm.Extend(tableID, &header.Page)
		if err != nil {
			bp.PutPage(header, false)
			return 0, err
		}
	} else {
		free, err := bp.GetPage(tableID, pn)
		if err != nil {
			bp.PutPage(header, false)
			return 0, err
		}
		header.Page.SetFreeHead(free.Page.NextFree())
		bp.PutPage(free, false)
	}

	bp.PutPage(header, true)
	return pn, nil
}

// FreePage pushes the page onto the front of the table's free list.
func (bp *BufferPool) FreePage(tableID int, pn page.Pagenum) error {
	header, err := bp.GetPage(tableID, 0)
	if err != nil {
		return err
	}
	target, err := bp.GetPage(tableID, pn)
	if err != nil {
		bp.PutPage(header, false)
		return err
	}

	target.Page.SetNextFree(header.Page.FreeHead())
	header.Page.SetFreeHead(pn)

	bp.PutPage(target, true)
	bp.PutPage(header, true)
	return nil
}

// CloseTable flushes and invalidates every frame of the table, waiting
// out pins, then closes the table file.
func (bp *BufferPool) CloseTable(tableID int) error {
	bp.mu.Lock()
	if bp.frames == nil {
		bp.mu.Unlock()
		return fmt.Errorf("close table %d: %w", tableID, ErrInvalidState)
	}

	var errs error
	for _, f := range bp.frames {
		for f.tableID == tableID && f.pins > 0 {
			bp.unpinned.Wait()
		}
		if f.tableID != tableID {
			continue
		}
		if f.dirty {
			if err := bp.fm.WritePage(tableID, f.pageNum, &f.Page); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		f.tableID = 0
		f.dirty = false
		f.refBit = false
	}
	bp.mu.Unlock()

	return multierr.Append(errs, bp.fm.Close(tableID))
}

// Shutdown flushes every valid frame, closes all open tables, and
// deallocates the pool. The pool cannot be used afterwards.
func (bp *BufferPool) Shutdown() error {
	bp.mu.Lock()
	if bp.frames == nil {
		bp.mu.Unlock()
		return ErrInvalidState
	}

	bp.logger.Infof("Buffer pool stats at shutdown: hits=%d, misses=%d, evictions=%d",
		bp.hits, bp.misses, bp.evictions)

	var errs error
	for _, f := range bp.frames {
		for f.tableID != 0 && f.pins > 0 {
			bp.unpinned.Wait()
		}
		if f.tableID == 0 {
			continue
		}
		if f.dirty {
			if err := bp.fm.WritePage(f.tableID, f.pageNum, &f.Page); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		f.tableID = 0
	}
	bp.frames = nil
	bp.mu.Unlock()

	for _, id := range bp.fm.OpenTables() {
		errs = multierr.Append(errs, bp.fm.Close(id))
	}
	return errs
}

// Stats reports pool counters since construction.
type Stats struct {
	Frames    int
	Used      int
	Dirty     int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// GetStats returns statistics about the buffer pool
func (bp *BufferPool) GetStats() Stats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	s := Stats{
		Frames:    len(bp.frames),
		Hits:      bp.hits,
		Misses:    bp.misses,
		Evictions: bp.evictions,
	}
	for _, f := range bp.frames {
		if f.tableID != 0 {
			s.Used++
			if f.dirty {
				s.Dirty++
			}
		}
	}
	return s
}
