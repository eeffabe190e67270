package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"bptdb/src/bptree"
	"bptdb/src/buffermgr"
	"bptdb/src/filemgr"
	"bptdb/src/helpers"
	"bptdb/src/lockmgr"
	"bptdb/src/page"
)

// Public status codes, mirrored by the shell. Library callers get
// sentinel errors instead; these exist for exit-code compatibility.
const (
	OperationSuccess  = 0
	OperationNotFound = 1
	OperationAborted  = -1
)

// Engine is the handle every public operation runs through. InitDB
// constructs it; nothing in the engine lives in package globals.
type Engine struct {
	sessionID string

	fm    *filemgr.FileManager
	pool  *buffermgr.BufferPool
	tree  *bptree.Tree
	locks *lockmgr.LockManager

	logger *zap.SugaredLogger
}

// InitDB builds an engine with a buffer pool of numBuf frames.
func InitDB(numBuf int, logger *zap.SugaredLogger) (*Engine, error) {
	fm := filemgr.NewFileManager(logger)
	pool, err := buffermgr.NewBufferPool(numBuf, fm, logger)
	if err != nil {
		return nil, fmt.Errorf("could not initialize buffer pool: %w", err)
	}

	e := &Engine{
		sessionID: helpers.NewUUID(),
		fm:        fm,
		pool:      pool,
		tree:      bptree.NewTree(pool, logger),
		logger:    logger,
	}
	e.locks = lockmgr.NewLockManager(pool, logger)

	logger.Infof("Engine session %s initialized with %d buffer frames", e.sessionID, numBuf)
	return e, nil
}

// OpenTable opens or creates the table file at path. Returns the table
// id (1..10); reopening the same path returns the same id.
func (e *Engine) OpenTable(path string) (int, error) {
	return e.pool.OpenTable(path)
}

// CloseTable flushes the table's cached pages and closes its file.
func (e *Engine) CloseTable(tableID int) error {
	return e.pool.CloseTable(tableID)
}

// Shutdown flushes everything and tears the engine down.
func (e *Engine) Shutdown() error {
	e.logger.Infof("Engine session %s shutting down", e.sessionID)
	return e.pool.Shutdown()
}

// Insert stores a new record; the value may be at most 119 bytes.
func (e *Engine) Insert(tableID int, key int64, value string) error {
	if len(value) > page.ValueSize-1 {
		return fmt.Errorf("value of key %d is %d bytes, limit %d", key, len(value), page.ValueSize-1)
	}
	return e.tree.Insert(tableID, key, []byte(value))
}

// Find returns the value stored under key.
func (e *Engine) Find(tableID int, key int64) (string, error) {
	value, err := e.tree.Find(tableID, key)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// Delete removes the record stored under key.
func (e *Engine) Delete(tableID int, key int64) error {
	return e.tree.Delete(tableID, key)
}

// BeginTrx starts a transaction and returns its id.
func (e *Engine) BeginTrx() int {
	return e.locks.Begin().ID()
}

// EndTrx commits: locks are released and the undo log is discarded.
func (e *Engine) EndTrx(tid int) error {
	return e.locks.Commit(tid)
}

// FindTrx reads the value under key inside a transaction, holding a
// shared lock on the record from the read until commit. Returns
// ErrDeadlock after rolling the transaction back if waiting would
// deadlock; the caller must discard the transaction id.
func (e *Engine) FindTrx(tableID int, key int64, tid int) (string, error) {
	trx, err := e.locks.Lookup(tid)
	if err != nil {
		return "", err
	}

	for {
		leaf, index, _, err := e.tree.Locate(tableID, key)
		if err != nil {
			return "", err
		}

		switch e.locks.Acquire(tableID, leaf, index, lockmgr.Shared, trx) {
		case lockmgr.Success:
			// The pre-lock read may be stale; reread under the lock.
			raw, err := e.tree.ReadRawValue(tableID, leaf, index)
			if err != nil {
				return "", err
			}
			return rawToString(raw), nil
		case lockmgr.Conflict:
			e.locks.Wait(trx)
		case lockmgr.Deadlock:
			if aerr := e.locks.Abort(trx); aerr != nil {
				return "", aerr
			}
			return "", fmt.Errorf("find of key %d in table %d: %w", key, tableID, lockmgr.ErrDeadlock)
		}
	}
}

// UpdateTrx overwrites the value under key inside a transaction, holding
// an exclusive lock on the record and logging the pre-image for undo.
// Returns ErrDeadlock after rolling back if waiting would deadlock.
func (e *Engine) UpdateTrx(tableID int, key int64, value string, tid int) error {
	if len(value) > page.ValueSize-1 {
		return fmt.Errorf("value of key %d is %d bytes, limit %d", key, len(value), page.ValueSize-1)
	}

	trx, err := e.locks.Lookup(tid)
	if err != nil {
		return err
	}

	for {
		leaf, index, _, err := e.tree.Locate(tableID, key)
		if err != nil {
			return err
		}

		switch e.locks.Acquire(tableID, leaf, index, lockmgr.Exclusive, trx) {
		case lockmgr.Success:
			old, err := e.tree.ReadRawValue(tableID, leaf, index)
			if err != nil {
				return err
			}
			trx.PushUndo(tableID, leaf, index, old)
			return e.tree.WriteValue(tableID, leaf, index, []byte(value))
		case lockmgr.Conflict:
			e.locks.Wait(trx)
		case lockmgr.Deadlock:
			if aerr := e.locks.Abort(trx); aerr != nil {
				return aerr
			}
			return fmt.Errorf("update of key %d in table %d: %w", key, tableID, lockmgr.ErrDeadlock)
		}
	}
}

// JoinTable writes the equi-join of two tables to outPath, one
// "key,value,key,value" line per matching key.
func (e *Engine) JoinTable(tableID1, tableID2 int, outPath string) error {
	return e.tree.Join(tableID1, tableID2, outPath)
}

// ScanLeaves walks a table's records in key order.
func (e *Engine) ScanLeaves(tableID int, fn func(key int64, value []byte) bool) error {
	return e.tree.ScanLeaves(tableID, fn)
}

// PoolStats reports buffer pool counters.
func (e *Engine) PoolStats() buffermgr.Stats {
	return e.pool.GetStats()
}

// StatusCode maps an operation result onto the public exit-code
// convention: 0 success, 1 duplicate/not-found, -1 abort or failure.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return OperationSuccess
	case errors.Is(err, bptree.ErrKeyNotFound), errors.Is(err, bptree.ErrDuplicateKey):
		return OperationNotFound
	default:
		return OperationAborted
	}
}

func rawToString(raw [page.ValueSize]byte) string {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw[:])
}
