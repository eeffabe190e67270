package bptree

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"bptdb/src/buffermgr"
	"bptdb/src/page"
)

var (
	// ErrDuplicateKey is returned by Insert when the key already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrKeyNotFound is returned when a key is absent from the table.
	ErrKeyNotFound = errors.New("key not found")
)

// Tree translates record-level operations into page-level reads and
// writes through the buffer pool. All structural algorithms live here;
// the tree itself holds no per-table state, so one Tree serves every
// open table.
type Tree struct {
	pool   *buffermgr.BufferPool
	logger *zap.SugaredLogger
}

// NewTree creates a tree engine over the given buffer pool.
func NewTree(pool *buffermgr.BufferPool, logger *zap.SugaredLogger) *Tree {
	return &Tree{pool: pool, logger: logger}
}

// Pool exposes the underlying buffer pool.
func (t *Tree) Pool() *buffermgr.BufferPool { return t.pool }

func (t *Tree) root(tableID int) (page.Pagenum, error) {
	header, err := t.pool.GetPage(tableID, 0)
	if err != nil {
		return 0, err
	}
	root := header.Page.Root()
	t.pool.PutPage(header, false)
	return root, nil
}

func (t *Tree) setRoot(tableID int, root page.Pagenum) error {
	header, err := t.pool.GetPage(tableID, 0)
	if err != nil {
		return err
	}
	header.Page.SetRoot(root)
	t.pool.PutPage(header, true)
	return nil
}

// findLeaf descends from root picking, at each internal node, the child
// indexed by the count of keys less than or equal to the search key.
// Returns 0 for an empty tree.
func (t *Tree) findLeaf(tableID int, root page.Pagenum, key int64) (page.Pagenum, error) {
	if root == 0 {
		return 0, nil
	}

	current := root
	f, err := t.pool.GetPage(tableID, current)
	if err != nil {
		return 0, err
	}

	for !f.Page.IsLeaf() {
		i := 0
		for i < f.Page.NumKeys() && key >= f.Page.EntryKey(i) {
			i++
		}
		next := f.Page.Child(i)
		t.pool.PutPage(f, false)

		current = next
		f, err = t.pool.GetPage(tableID, current)
		if err != nil {
			return 0, err
		}
	}

	t.pool.PutPage(f, false)
	return current, nil
}

// Find looks up key and returns a copy of its value.
func (t *Tree) Find(tableID int, key int64) ([]byte, error) {
	_, _, value, err := t.Locate(tableID, key)
	return value, err
}

// Locate resolves key to its (leaf page, record index) position and
// returns a copy of the current value. The position is only meaningful
// until a structural change moves the record.
func (t *Tree) Locate(tableID int, key int64) (page.Pagenum, int, []byte, error) {
	root, err := t.root(tableID)
	if err != nil {
		return 0, 0, nil, err
	}

	leaf, err := t.findLeaf(tableID, root, key)
	if err != nil {
		return 0, 0, nil, err
	}
	if leaf == 0 {
		return 0, 0, nil, fmt.Errorf("key %d in table %d: %w", key, tableID, ErrKeyNotFound)
	}

	f, err := t.pool.GetPage(tableID, leaf)
	if err != nil {
		return 0, 0, nil, err
	}

	for i := 0; i < f.Page.NumKeys(); i++ {
		if f.Page.RecordKey(i) == key {
			value := f.Page.RecordValue(i)
			t.pool.PutPage(f, false)
			return leaf, i, value, nil
		}
	}

	t.pool.PutPage(f, false)
	return 0, 0, nil, fmt.Errorf("key %d in table %d: %w", key, tableID, ErrKeyNotFound)
}

// ReadRawValue copies the full value slot at (leaf, index), terminator
// and padding included.
func (t *Tree) ReadRawValue(tableID int, leaf page.Pagenum, index int) ([page.ValueSize]byte, error) {
	f, err := t.pool.GetPage(tableID, leaf)
	if err != nil {
		return [page.ValueSize]byte{}, err
	}
	raw := f.Page.RawRecordValue(index)
	t.pool.PutPage(f, false)
	return raw, nil
}

// WriteValue overwrites the value at (leaf, index) in place.
func (t *Tree) WriteValue(tableID int, leaf page.Pagenum, index int, value []byte) error {
	f, err := t.pool.GetPage(tableID, leaf)
	if err != nil {
		return err
	}
	f.Page.SetRecordValue(index, value)
	t.pool.PutPage(f, true)
	return nil
}

// ScanLeaves walks the leaf chain left to right, calling fn for every
// record in key order. Scanning stops early when fn returns false.
func (t *Tree) ScanLeaves(tableID int, fn func(key int64, value []byte) bool) error {
	root, err := t.root(tableID)
	if err != nil {
		return err
	}
	if root == 0 {
		return nil
	}

	// Descend along the leftmost edge.
	current := root
	f, err := t.pool.GetPage(tableID, current)
	if err != nil {
		return err
	}
	for !f.Page.IsLeaf() {
		next := f.Page.LeftmostChild()
		t.pool.PutPage(f, false)
		current = next
		f, err = t.pool.GetPage(tableID, current)
		if err != nil {
			return err
		}
	}

	for {
		for i := 0; i < f.Page.NumKeys(); i++ {
			if !fn(f.Page.RecordKey(i), f.Page.RecordValue(i)) {
				t.pool.PutPage(f, false)
				return nil
			}
		}
		next := f.Page.RightSibling()
		t.pool.PutPage(f, false)
		if next == 0 {
			return nil
		}
		f, err = t.pool.GetPage(tableID, next)
		if err != nil {
			return err
		}
	}
}

// cut finds the split point of a node that has grown too big.
func cut(length int) int {
	if length%2 == 0 {
		return length / 2
	}
	return length/2 + 1
}
