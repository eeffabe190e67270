package lockmgr

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"bptdb/src/buffermgr"
	"bptdb/src/page"
)

// LockHashTableSize is the number of buckets in the lock hash table.
// Locks hash by page number.
const LockHashTableSize = 128

// Mode is the lock mode of a record lock.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// Result is the outcome of an Acquire call. On Conflict the caller must
// sleep via Wait until the blocker releases; on Deadlock the caller must
// abort the transaction.
type Result int

const (
	Success Result = iota
	Conflict
	Deadlock
)

// TrxStatus distinguishes a running transaction from one parked on a
// lock queue.
type TrxStatus int

const (
	Running TrxStatus = iota
	Waiting
)

var (
	// ErrDeadlock reports a transaction aborted by deadlock detection.
	ErrDeadlock = errors.New("transaction aborted by deadlock")

	// ErrUnknownTrx reports an operation on a transaction id that is not
	// active (never begun, already committed, or aborted).
	ErrUnknownTrx = errors.New("unknown transaction")
)

// Lock is one record-level lock, threaded through two lists: its hash
// bucket (arrival order across all records of the bucket) and the queue
// of locks on its own record.
type Lock struct {
	tableID     int
	pageNum     page.Pagenum
	recordIndex int
	mode        Mode
	acquired    bool
	trx         *Trx

	hashPrev, hashNext *Lock
	recPrev, recNext   *Lock
}

type undoRecord struct {
	tableID     int
	pageNum     page.Pagenum
	recordIndex int
	oldValue    [page.ValueSize]byte
}

// Trx is one active transaction: its lock set, the lock it is parked on,
// the condition variable its thread sleeps on, and its undo stack.
type Trx struct {
	id int

	mu   sync.Mutex
	cond *sync.Cond

	status     TrxStatus
	locks      []*Lock
	waitingFor *Lock
	undo       []undoRecord
}

// ID returns the transaction id.
func (x *Trx) ID() int { return x.id }

// PushUndo records the pre-image of a record about to be overwritten.
func (x *Trx) PushUndo(tableID int, pn page.Pagenum, recordIndex int, oldValue [page.ValueSize]byte) {
	x.mu.Lock()
	x.undo = append(x.undo, undoRecord{
		tableID:     tableID,
		pageNum:     pn,
		recordIndex: recordIndex,
		oldValue:    oldValue,
	})
	x.mu.Unlock()
}

type bucket struct {
	head, tail *Lock
}

// LockManager grants record-level shared/exclusive locks with
// synchronous deadlock detection, and drives per-transaction undo on
// abort. Latch order: transaction-table latch, then lock-table latch,
// then a transaction's own mutex; the lock-table latch is always
// released before a caller blocks on its condition variable.
type LockManager struct {
	trxMu   sync.Mutex
	trxs    map[int]*Trx
	nextTID int

	tableMu sync.Mutex
	buckets [LockHashTableSize]bucket

	pool   *buffermgr.BufferPool
	logger *zap.SugaredLogger
}

// NewLockManager creates a lock manager over the buffer pool (undo
// writes restored values back through it).
func NewLockManager(pool *buffermgr.BufferPool, logger *zap.SugaredLogger) *LockManager {
	return &LockManager{
		trxs:    make(map[int]*Trx),
		nextTID: 1,
		pool:    pool,
		logger:  logger,
	}
}

// Begin allocates and registers a new transaction.
func (lm *LockManager) Begin() *Trx {
	lm.trxMu.Lock()
	defer lm.trxMu.Unlock()

	trx := &Trx{id: lm.nextTID, status: Running}
	trx.cond = sync.NewCond(&trx.mu)
	lm.nextTID++
	lm.trxs[trx.id] = trx

	lm.logger.Debugf("Transaction %d started", trx.id)
	return trx
}

// Lookup resolves an active transaction id.
func (lm *LockManager) Lookup(tid int) (*Trx, error) {
	lm.trxMu.Lock()
	defer lm.trxMu.Unlock()

	trx, ok := lm.trxs[tid]
	if !ok {
		return nil, fmt.Errorf("transaction %d: %w", tid, ErrUnknownTrx)
	}
	return trx, nil
}

// Commit releases the transaction's locks and discards its undo log.
func (lm *LockManager) Commit(tid int) error {
	lm.trxMu.Lock()
	trx, ok := lm.trxs[tid]
	if ok {
		delete(lm.trxs, tid)
	}
	lm.trxMu.Unlock()

	if !ok {
		return fmt.Errorf("transaction %d: %w", tid, ErrUnknownTrx)
	}

	lm.releaseLocks(trx)
	trx.mu.Lock()
	trx.undo = nil
	trx.mu.Unlock()

	lm.logger.Debugf("Transaction %d committed", tid)
	return nil
}

// Abort rolls the transaction's updates back in LIFO order, then
// releases its locks, waking any successors.
func (lm *LockManager) Abort(trx *Trx) error {
	lm.trxMu.Lock()
	delete(lm.trxs, trx.id)
	lm.trxMu.Unlock()

	trx.mu.Lock()
	undo := trx.undo
	trx.undo = nil
	trx.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		rec := undo[i]
		f, err := lm.pool.GetPage(rec.tableID, rec.pageNum)
		if err != nil {
			return fmt.Errorf("undo of transaction %d: %w", trx.id, err)
		}
		f.Page.SetRawRecordValue(rec.recordIndex, rec.oldValue)
		lm.pool.PutPage(f, true)
	}

	lm.releaseLocks(trx)
	lm.logger.Infof("Transaction %d aborted and rolled back", trx.id)
	return nil
}

// Acquire requests a record lock for trx. Success means the lock is
// held. Conflict means a waiting lock was enqueued and trx must Wait.
// Deadlock means granting would close a waits-for cycle; nothing was
// enqueued and the caller must abort.
func (lm *LockManager) Acquire(tableID int, pn page.Pagenum, recordIndex int, mode Mode, trx *Trx) Result {
	lm.tableMu.Lock()
	defer lm.tableMu.Unlock()

	b := &lm.buckets[int(pn)%LockHashTableSize]

	// Find the first lock on this record.
	head := b.head
	for head != nil && (head.tableID != tableID || head.pageNum != pn || head.recordIndex != recordIndex) {
		head = head.hashNext
	}

	// Case: no lock on the record. Grant immediately.
	if head == nil {
		l := lm.newLock(b, tableID, pn, recordIndex, mode, trx)
		l.acquired = true
		trx.locks = append(trx.locks, l)
		return Success
	}

	// Walk the record chain checking whether trx already holds a lock
	// here.
	node := head
	upgrade := false
	var tail *Lock
	for {
		if node.trx == trx {
			if mode == Shared || node.mode == Exclusive {
				// Already covered by the held lock.
				return Success
			}
			upgrade = true
			break
		}
		if node.recNext == nil {
			tail = node
			break
		}
		node = node.recNext
	}

	if upgrade {
		for node.recNext != nil {
			node = node.recNext
		}
		tail = node

		// A lock already queued behind ours would wait for us while we
		// wait for it.
		if !tail.acquired {
			return Deadlock
		}

		for n := tail; n != nil; n = n.recPrev {
			if n.trx != trx {
				// Another reader shares the record; queue the upgrade
				// behind it.
				l := lm.newLock(b, tableID, pn, recordIndex, mode, trx)
				l.recPrev = tail
				tail.recNext = l
				trx.locks = append(trx.locks, l)
				lm.park(trx, n)
				return Conflict
			}
		}

		// Every lock on the record is ours: upgrade in place.
		tail.mode = Exclusive
		return Success
	}

	// Only other transactions hold this record.
	if mode == Shared && tail.mode == Shared && tail.acquired {
		// Shared stacking on a granted shared tail.
		l := lm.newLock(b, tableID, pn, recordIndex, mode, trx)
		l.acquired = true
		l.recPrev = tail
		tail.recNext = l
		trx.locks = append(trx.locks, l)
		return Success
	}

	var blocker *Lock
	if mode == Shared && tail.mode == Shared && !tail.acquired {
		// The shared tail is itself parked; wait on whatever it waits on.
		blocker = tail.trx.waitingFor
	} else {
		blocker = tail
	}

	if lm.wouldDeadlock(trx, blocker.trx) {
		return Deadlock
	}

	l := lm.newLock(b, tableID, pn, recordIndex, mode, trx)
	l.recPrev = tail
	tail.recNext = l
	trx.locks = append(trx.locks, l)
	lm.park(trx, blocker)
	return Conflict
}

// Wait parks the calling goroutine until the transaction's pending lock
// is granted. Must follow an Acquire that returned Conflict.
func (lm *LockManager) Wait(trx *Trx) {
	trx.mu.Lock()
	for trx.status == Waiting {
		trx.cond.Wait()
	}
	trx.mu.Unlock()
}

// newLock appends a fresh lock to the bucket list.
func (lm *LockManager) newLock(b *bucket, tableID int, pn page.Pagenum, recordIndex int, mode Mode, trx *Trx) *Lock {
	l := &Lock{
		tableID:     tableID,
		pageNum:     pn,
		recordIndex: recordIndex,
		mode:        mode,
		trx:         trx,
	}
	if b.tail == nil {
		b.head = l
		b.tail = l
	} else {
		l.hashPrev = b.tail
		b.tail.hashNext = l
		b.tail = l
	}
	return l
}

// park marks trx as waiting on blocker. Caller holds the lock-table
// latch; the caller's thread blocks later, in Wait.
func (lm *LockManager) park(trx *Trx, blocker *Lock) {
	trx.mu.Lock()
	trx.status = Waiting
	trx.waitingFor = blocker
	trx.mu.Unlock()
}

// wouldDeadlock follows the waits-for chain from the blocking
// transaction. If the walk comes back to the requester, granting the
// wait would close a cycle. Caller holds the lock-table latch, which
// freezes status and waitingFor fields.
func (lm *LockManager) wouldDeadlock(requester, blocked *Trx) bool {
	current := blocked
	for current.status == Waiting && current != requester {
		current = current.waitingFor.trx
	}
	return current == requester
}

// releaseLocks unlinks every lock held by trx and promotes any waiters
// the departures unblocked.
func (lm *LockManager) releaseLocks(trx *Trx) {
	lm.tableMu.Lock()
	defer lm.tableMu.Unlock()

	for _, l := range trx.locks {
		b := &lm.buckets[int(l.pageNum)%LockHashTableSize]

		if l.hashPrev != nil {
			l.hashPrev.hashNext = l.hashNext
		} else if b.head == l {
			b.head = l.hashNext
		}
		if l.hashNext != nil {
			l.hashNext.hashPrev = l.hashPrev
		} else if b.tail == l {
			b.tail = l.hashPrev
		}

		survivor := l.recNext
		if l.recPrev != nil {
			l.recPrev.recNext = l.recNext
			survivor = l.recPrev
		}
		if l.recNext != nil {
			l.recNext.recPrev = l.recPrev
		}

		if survivor != nil {
			head := survivor
			for head.recPrev != nil {
				head = head.recPrev
			}
			lm.promoteWaiters(head)
		}
	}
	trx.locks = nil
}

// promoteWaiters grants whatever the head of a record chain now allows:
// a leading exclusive waiter, a run of leading shared waiters, a shared
// run extending granted shared locks, or an exclusive upgrade once its
// transaction is the only remaining holder.
func (lm *LockManager) promoteWaiters(head *Lock) {
	anyAcquired := false
	anyExclusive := false
	n := head
	for ; n != nil && n.acquired; n = n.recNext {
		anyAcquired = true
		if n.mode == Exclusive {
			anyExclusive = true
		}
	}
	if n == nil {
		return
	}

	if !anyAcquired {
		if n.mode == Exclusive {
			lm.grant(n)
			return
		}
		for ; n != nil && !n.acquired && n.mode == Shared; n = n.recNext {
			lm.grant(n)
		}
		return
	}

	if anyExclusive {
		return
	}

	// All granted locks are shared.
	if n.mode == Shared {
		for ; n != nil && !n.acquired && n.mode == Shared; n = n.recNext {
			lm.grant(n)
		}
		return
	}

	// The waiter wants exclusive: that is an upgrade completing only if
	// every remaining shared holder is the waiter's own transaction.
	for m := head; m != nil && m.acquired; m = m.recNext {
		if m.trx != n.trx {
			return
		}
	}
	lm.grant(n)
}

// grant marks the lock acquired and wakes its transaction.
func (lm *LockManager) grant(l *Lock) {
	l.acquired = true
	x := l.trx
	x.mu.Lock()
	x.status = Running
	x.waitingFor = nil
	x.cond.Signal()
	x.mu.Unlock()
}

// ActiveTransactions reports how many transactions are currently
// registered.
func (lm *LockManager) ActiveTransactions() int {
	lm.trxMu.Lock()
	defer lm.trxMu.Unlock()
	return len(lm.trxs)
}
