package bptree

import (
	"errors"
	"fmt"

	"bptdb/src/page"
)

// Insert adds a new record. Keys are unique per table; inserting an
// existing key fails with ErrDuplicateKey and leaves the tree unchanged.
func (t *Tree) Insert(tableID int, key int64, value []byte) error {
	root, err := t.root(tableID)
	if err != nil {
		return err
	}

	// No duplicates.
	if _, err := t.Find(tableID, key); err == nil {
		return ErrDuplicateKey
	} else if !errors.Is(err, ErrKeyNotFound) {
		return err
	}

	// Case: the tree doesn't exist yet. Start a new tree.
	if root == 0 {
		newRoot, err := t.startNewTree(tableID, key, value)
		if err != nil {
			return err
		}
		return t.setRoot(tableID, newRoot)
	}

	leaf, err := t.findLeaf(tableID, root, key)
	if err != nil {
		return err
	}

	f, err := t.pool.GetPage(tableID, leaf)
	if err != nil {
		return err
	}
	leafNumKeys := f.Page.NumKeys()
	t.pool.PutPage(f, false)

	// Case: the leaf has room for the new record.
	if leafNumKeys < page.MaxLeafRecords {
		return t.insertIntoLeaf(tableID, leaf, key, value)
	}

	// Case: the leaf must be split.
	newRoot, err := t.insertIntoLeafAfterSplit(tableID, root, leaf, key, value)
	if err != nil {
		return err
	}
	if newRoot != root {
		return t.setRoot(tableID, newRoot)
	}
	return nil
}

// startNewTree allocates a single leaf holding the first record.
func (t *Tree) startNewTree(tableID int, key int64, value []byte) (page.Pagenum, error) {
	pn, err := t.pool.AllocPage(tableID)
	if err != nil {
		return 0, err
	}

	f, err := t.pool.GetPage(tableID, pn)
	if err != nil {
		return 0, err
	}
	f.Page.InitLeaf(0)
	f.Page.SetRecordKey(0, key)
	f.Page.SetRecordValue(0, value)
	f.Page.SetNumKeys(1)
	t.pool.PutPage(f, true)

	return pn, nil
}

// insertIntoLeaf shifts the tail of a non-full leaf right and stores the
// record at its sorted position.
func (t *Tree) insertIntoLeaf(tableID int, leaf page.Pagenum, key int64, value []byte) error {
	f, err := t.pool.GetPage(tableID, leaf)
	if err != nil {
		return err
	}

	n := f.Page.NumKeys()
	insertionPoint := 0
	for insertionPoint < n && f.Page.RecordKey(insertionPoint) < key {
		insertionPoint++
	}

	for i := n; i > insertionPoint; i-- {
		f.Page.CopyRecord(i, &f.Page, i-1)
	}
	f.Page.SetRecordKey(insertionPoint, key)
	f.Page.SetRecordValue(insertionPoint, value)
	f.Page.SetNumKeys(n + 1)

	t.pool.PutPage(f, true)
	return nil
}

// insertIntoLeafAfterSplit distributes the 31 existing records plus the
// new one across the old leaf and a fresh right sibling, 16 and 16, and
// propagates the new leaf's first key to the parent. Returns the root
// page after the insertion.
func (t *Tree) insertIntoLeafAfterSplit(tableID int, root, leaf page.Pagenum, key int64, value []byte) (page.Pagenum, error) {
	newLeaf, err := t.pool.AllocPage(tableID)
	if err != nil {
		return 0, err
	}

	f, err := t.pool.GetPage(tableID, leaf)
	if err != nil {
		return 0, err
	}

	n := f.Page.NumKeys()
	insertionIndex := 0
	for insertionIndex < n && f.Page.RecordKey(insertionIndex) < key {
		insertionIndex++
	}

	tempKeys := make([]int64, 0, n+1)
	tempValues := make([][]byte, 0, n+1)
	for i := 0; i < n; i++ {
		if i == insertionIndex {
			tempKeys = append(tempKeys, key)
			tempValues = append(tempValues, value)
		}
		tempKeys = append(tempKeys, f.Page.RecordKey(i))
		tempValues = append(tempValues, f.Page.RecordValue(i))
	}
	if insertionIndex == n {
		tempKeys = append(tempKeys, key)
		tempValues = append(tempValues, value)
	}

	split := cut(page.MaxLeafRecords)

	for i := 0; i < split; i++ {
		f.Page.SetRecordKey(i, tempKeys[i])
		f.Page.SetRecordValue(i, tempValues[i])
	}
	f.Page.SetNumKeys(split)

	nf, err := t.pool.GetPage(tableID, newLeaf)
	if err != nil {
		t.pool.PutPage(f, true)
		return 0, err
	}
	nf.Page.InitLeaf(f.Page.Parent())
	for i, j := split, 0; i < len(tempKeys); i, j = i+1, j+1 {
		nf.Page.SetRecordKey(j, tempKeys[i])
		nf.Page.SetRecordValue(j, tempValues[i])
	}
	nf.Page.SetNumKeys(len(tempKeys) - split)

	// Splice the new leaf into the sibling chain.
	nf.Page.SetRightSibling(f.Page.RightSibling())
	f.Page.SetRightSibling(newLeaf)

	newKey := nf.Page.RecordKey(0)

	t.pool.PutPage(nf, true)
	t.pool.PutPage(f, true)

	return t.insertIntoParent(tableID, root, leaf, newKey, newLeaf)
}

// insertIntoParent inserts (key, right) above a split. Returns the root
// page after the insertion.
func (t *Tree) insertIntoParent(tableID int, root, left page.Pagenum, key int64, right page.Pagenum) (page.Pagenum, error) {
	f, err := t.pool.GetPage(tableID, left)
	if err != nil {
		return 0, err
	}
	parent := f.Page.Parent()
	t.pool.PutPage(f, false)

	// Case: the split reached the root; grow the tree by one level.
	if parent == 0 {
		return t.insertIntoNewRoot(tableID, left, key, right)
	}

	leftIndex, err := t.getLeftIndex(tableID, parent, left)
	if err != nil {
		return 0, err
	}

	pf, err := t.pool.GetPage(tableID, parent)
	if err != nil {
		return 0, err
	}
	parentNumKeys := pf.Page.NumKeys()
	t.pool.PutPage(pf, false)

	// Simple case: the new key fits into the parent.
	if parentNumKeys < page.MaxInternalKeys {
		if err := t.insertIntoNode(tableID, parent, leftIndex, key, right); err != nil {
			return 0, err
		}
		return root, nil
	}

	// Harder case: split the parent.
	return t.insertIntoNodeAfterSplit(tableID, root, parent, leftIndex, key, right)
}

// getLeftIndex finds the logical child index of left within parent.
func (t *Tree) getLeftIndex(tableID int, parent, left page.Pagenum) (int, error) {
	f, err := t.pool.GetPage(tableID, parent)
	if err != nil {
		return 0, err
	}
	defer t.pool.PutPage(f, false)

	for i := 0; i <= f.Page.NumKeys(); i++ {
		if f.Page.Child(i) == left {
			return i, nil
		}
	}
	return 0, fmt.Errorf("page %d is not a child of page %d in table %d", left, parent, tableID)
}

// insertIntoNode shifts and inserts (key, right) into a non-full
// internal node at leftIndex.
func (t *Tree) insertIntoNode(tableID int, node page.Pagenum, leftIndex int, key int64, right page.Pagenum) error {
	f, err := t.pool.GetPage(tableID, node)
	if err != nil {
		return err
	}

	n := f.Page.NumKeys()
	for i := n; i > leftIndex; i-- {
		f.Page.SetChild(i+1, f.Page.Child(i))
		f.Page.SetEntryKey(i, f.Page.EntryKey(i-1))
	}
	f.Page.SetEntryKey(leftIndex, key)
	f.Page.SetChild(leftIndex+1, right)
	f.Page.SetNumKeys(n + 1)

	t.pool.PutPage(f, true)
	return nil
}

// insertIntoNodeAfterSplit splits a full internal node around the middle
// key, which moves up to the parent rather than staying in either half.
// The children moved into the new node are reparented. Returns the root
// page after the insertion.
func (t *Tree) insertIntoNodeAfterSplit(tableID int, root, oldNode page.Pagenum, leftIndex int, key int64, right page.Pagenum) (page.Pagenum, error) {
	newNode, err := t.pool.AllocPage(tableID)
	if err != nil {
		return 0, err
	}

	f, err := t.pool.GetPage(tableID, oldNode)
	if err != nil {
		return 0, err
	}

	// Build the logical arrays with the new entry at its place.
	n := f.Page.NumKeys()
	tempKeys := make([]int64, 0, n+1)
	tempChildren := make([]page.Pagenum, 0, n+2)
	for i := 0; i <= n; i++ {
		tempChildren = append(tempChildren, f.Page.Child(i))
	}
	for i := 0; i < n; i++ {
		tempKeys = append(tempKeys, f.Page.EntryKey(i))
	}

	tempKeys = append(tempKeys, 0)
	copy(tempKeys[leftIndex+1:], tempKeys[leftIndex:])
	tempKeys[leftIndex] = key

	tempChildren = append(tempChildren, 0)
	copy(tempChildren[leftIndex+2:], tempChildren[leftIndex+1:])
	tempChildren[leftIndex+1] = right

	// The middle key moves up; the halves keep split-1 and len-split keys.
	split := cut(page.OrderInternal)
	kPrime := tempKeys[split-1]

	for i := 0; i < split-1; i++ {
		f.Page.SetChild(i, tempChildren[i])
		f.Page.SetEntryKey(i, tempKeys[i])
	}
	f.Page.SetChild(split-1, tempChildren[split-1])
	f.Page.SetNumKeys(split - 1)

	nf, err := t.pool.GetPage(tableID, newNode)
	if err != nil {
		t.pool.PutPage(f, true)
		return 0, err
	}
	nf.Page.InitInternal(f.Page.Parent())
	newNumKeys := len(tempKeys) - split
	for j := 0; j < newNumKeys; j++ {
		nf.Page.SetChild(j, tempChildren[split+j])
		nf.Page.SetEntryKey(j, tempKeys[split+j])
	}
	nf.Page.SetChild(newNumKeys, tempChildren[len(tempChildren)-1])
	nf.Page.SetNumKeys(newNumKeys)

	// Children that moved into the new node get their parent pointer
	// rewritten.
	movedChildren := make([]page.Pagenum, 0, newNumKeys+1)
	for i := 0; i <= newNumKeys; i++ {
		movedChildren = append(movedChildren, nf.Page.Child(i))
	}

	t.pool.PutPage(nf, true)
	t.pool.PutPage(f, true)

	for _, child := range movedChildren {
		cf, err := t.pool.GetPage(tableID, child)
		if err != nil {
			return 0, err
		}
		cf.Page.SetParent(newNode)
		t.pool.PutPage(cf, true)
	}

	return t.insertIntoParent(tableID, root, oldNode, kPrime, newNode)
}

// insertIntoNewRoot creates a new internal root holding (left | key |
// right) and reparents both children.
func (t *Tree) insertIntoNewRoot(tableID int, left page.Pagenum, key int64, right page.Pagenum) (page.Pagenum, error) {
	rootPage, err := t.pool.AllocPage(tableID)
	if err != nil {
		return 0, err
	}

	f, err := t.pool.GetPage(tableID, rootPage)
	if err != nil {
		return 0, err
	}
	f.Page.InitInternal(0)
	f.Page.SetLeftmostChild(left)
	f.Page.SetEntry(0, key, right)
	f.Page.SetNumKeys(1)
	t.pool.PutPage(f, true)

	for _, child := range []page.Pagenum{left, right} {
		cf, err := t.pool.GetPage(tableID, child)
		if err != nil {
			return 0, err
		}
		cf.Page.SetParent(rootPage)
		t.pool.PutPage(cf, true)
	}

	return rootPage, nil
}
