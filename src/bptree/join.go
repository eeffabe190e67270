package bptree

import (
	"bufio"
	"fmt"
	"math"
	"os"

	"bptdb/src/buffermgr"
	"bptdb/src/page"
)

// leafCursor walks one table's leaf chain, keeping at most one page
// pinned at a time.
type leafCursor struct {
	pool    *buffermgr.BufferPool
	tableID int
	frame   *buffermgr.Frame
	idx     int
}

// start positions the cursor on the first record at or after the
// leftmost leaf. Returns false if the table holds no records.
func (c *leafCursor) start(leaf page.Pagenum) (bool, error) {
	f, err := c.pool.GetPage(c.tableID, leaf)
	if err != nil {
		return false, err
	}
	c.frame = f
	c.idx = 0
	return c.skipEmpty()
}

// skipEmpty advances past exhausted leaves until a record is under the
// cursor.
func (c *leafCursor) skipEmpty() (bool, error) {
	for c.idx >= c.frame.Page.NumKeys() {
		next := c.frame.Page.RightSibling()
		c.pool.PutPage(c.frame, false)
		c.frame = nil
		if next == 0 {
			return false, nil
		}
		f, err := c.pool.GetPage(c.tableID, next)
		if err != nil {
			return false, err
		}
		c.frame = f
		c.idx = 0
	}
	return true, nil
}

func (c *leafCursor) key() int64    { return c.frame.Page.RecordKey(c.idx) }
func (c *leafCursor) value() []byte { return c.frame.Page.RecordValue(c.idx) }

// advance steps to the next record, crossing to the right sibling when
// the current leaf runs out. Returns false at the end of the chain.
func (c *leafCursor) advance() (bool, error) {
	c.idx++
	return c.skipEmpty()
}

func (c *leafCursor) release() {
	if c.frame != nil {
		c.pool.PutPage(c.frame, false)
		c.frame = nil
	}
}

// Join performs a sort-merge equi-join over the leaf chains of two
// tables and writes one "key,value,key,value" line per match to the
// file at outPath. Keys are unique per table, so each match emits
// exactly one line.
func (t *Tree) Join(tableID1, tableID2 int, outPath string) error {
	if outPath == "" {
		return fmt.Errorf("join of tables %d and %d: empty output path", tableID1, tableID2)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("could not create join output %s: %w", outPath, err)
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	root1, err := t.root(tableID1)
	if err != nil {
		return err
	}
	root2, err := t.root(tableID2)
	if err != nil {
		return err
	}
	if root1 == 0 || root2 == 0 {
		return w.Flush()
	}

	leaf1, err := t.findLeaf(tableID1, root1, math.MinInt64)
	if err != nil {
		return err
	}
	leaf2, err := t.findLeaf(tableID2, root2, math.MinInt64)
	if err != nil {
		return err
	}

	c1 := &leafCursor{pool: t.pool, tableID: tableID1}
	c2 := &leafCursor{pool: t.pool, tableID: tableID2}
	defer c1.release()
	defer c2.release()

	ok1, err := c1.start(leaf1)
	if err != nil {
		return err
	}
	ok2, err := c2.start(leaf2)
	if err != nil {
		return err
	}

	for ok1 && ok2 {
		k1, k2 := c1.key(), c2.key()
		switch {
		case k1 < k2:
			ok1, err = c1.advance()
		case k2 < k1:
			ok2, err = c2.advance()
		default:
			if _, werr := fmt.Fprintf(w, "%d,%s,%d,%s\n", k1, c1.value(), k2, c2.value()); werr != nil {
				return fmt.Errorf("could not write join output: %w", werr)
			}
			ok1, err = c1.advance()
			if err != nil {
				return err
			}
			ok2, err = c2.advance()
		}
		if err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("could not flush join output %s: %w", outPath, err)
	}
	return nil
}
