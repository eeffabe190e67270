package bptree

import (
	"fmt"

	"bptdb/src/page"
)

// Delete removes the record with the given key. Deletion uses delayed
// merge: a node is merged with a neighbor only once it has become
// completely empty, never because it dropped below half occupancy.
func (t *Tree) Delete(tableID int, key int64) error {
	root, err := t.root(tableID)
	if err != nil {
		return err
	}

	leaf, err := t.findLeaf(tableID, root, key)
	if err != nil {
		return err
	}
	if leaf == 0 {
		return fmt.Errorf("key %d in table %d: %w", key, tableID, ErrKeyNotFound)
	}

	return t.deleteRecord(tableID, root, leaf, key)
}

// deleteRecord removes key from the leaf and restores the tree
// invariants bottom-up.
func (t *Tree) deleteRecord(tableID int, root, leaf page.Pagenum, key int64) error {
	remaining, err := t.removeFromLeaf(tableID, leaf, key)
	if err != nil {
		return err
	}

	// Case: deletion was performed in the root.
	if leaf == root {
		return t.adjustRoot(tableID, root)
	}

	// Case: the leaf still has records. The simple case.
	if remaining > 0 {
		return nil
	}

	// Case: the leaf emptied. Merge it with a neighbor.
	neighbor, neighborIndex, kPrime, parent, err := t.pickNeighbor(tableID, leaf)
	if err != nil {
		return err
	}

	return t.delayedMerge(tableID, root, leaf, parent, neighbor, neighborIndex, kPrime)
}

// removeFromLeaf deletes the record and shifts the tail left. Returns
// the number of records left in the leaf.
func (t *Tree) removeFromLeaf(tableID int, leaf page.Pagenum, key int64) (int, error) {
	f, err := t.pool.GetPage(tableID, leaf)
	if err != nil {
		return 0, err
	}

	n := f.Page.NumKeys()
	idx := 0
	for idx < n && f.Page.RecordKey(idx) != key {
		idx++
	}
	if idx == n {
		t.pool.PutPage(f, false)
		return 0, fmt.Errorf("key %d in leaf %d of table %d: %w", key, leaf, tableID, ErrKeyNotFound)
	}

	for i := idx + 1; i < n; i++ {
		f.Page.CopyRecord(i-1, &f.Page, i)
	}
	f.Page.SetNumKeys(n - 1)

	t.pool.PutPage(f, true)
	return n - 1, nil
}

// pickNeighbor resolves the merge partner of an emptied node: the left
// sibling if one exists, else the right one, along with the separator
// key between them in the parent.
func (t *Tree) pickNeighbor(tableID int, node page.Pagenum) (neighbor page.Pagenum, neighborIndex int, kPrime int64, parent page.Pagenum, err error) {
	f, err := t.pool.GetPage(tableID, node)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	parent = f.Page.Parent()
	t.pool.PutPage(f, false)

	neighborIndex, err = t.getNeighborIndex(tableID, parent, node)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	kPrimeIndex := neighborIndex
	if neighborIndex == -1 {
		kPrimeIndex = 0
	}

	pf, err := t.pool.GetPage(tableID, parent)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if neighborIndex == -1 {
		neighbor = pf.Page.Child(1)
	} else {
		neighbor = pf.Page.Child(neighborIndex)
	}
	kPrime = pf.Page.EntryKey(kPrimeIndex)
	t.pool.PutPage(pf, false)

	return neighbor, neighborIndex, kPrime, parent, nil
}

// getNeighborIndex returns the logical index of node's left sibling in
// parent, or -1 when node is the leftmost child.
func (t *Tree) getNeighborIndex(tableID int, parent, node page.Pagenum) (int, error) {
	f, err := t.pool.GetPage(tableID, parent)
	if err != nil {
		return 0, err
	}
	defer t.pool.PutPage(f, false)

	for i := 0; i <= f.Page.NumKeys(); i++ {
		if f.Page.Child(i) == node {
			return i - 1, nil
		}
	}
	return 0, fmt.Errorf("page %d is not a child of page %d in table %d", node, parent, tableID)
}

// delayedMerge folds an emptied node into its neighbor without any
// occupancy check, frees the dead page, and removes the separator from
// the parent.
func (t *Tree) delayedMerge(tableID int, root, node, parent, neighbor page.Pagenum, neighborIndex int, kPrime int64) error {
	f, err := t.pool.GetPage(tableID, node)
	if err != nil {
		return err
	}
	isLeaf := f.Page.IsLeaf()
	// For a leaf this is its right sibling; for an emptied internal node
	// it is the one remaining child. Same slot either way.
	orphan := f.Page.RightSibling()
	t.pool.PutPage(f, false)

	freed := node

	if isLeaf {
		if neighborIndex != -1 {
			// The left neighbor inherits the dead leaf's right sibling.
			nf, err := t.pool.GetPage(tableID, neighbor)
			if err != nil {
				return err
			}
			nf.Page.SetRightSibling(orphan)
			t.pool.PutPage(nf, true)
		} else {
			// Leftmost leaf: absorb the right neighbor's content so the
			// leftmost identity survives, and free what was the neighbor.
			nf, err := t.pool.GetPage(tableID, neighbor)
			if err != nil {
				return err
			}
			content := nf.Page
			t.pool.PutPage(nf, false)

			f, err := t.pool.GetPage(tableID, node)
			if err != nil {
				return err
			}
			f.Page = content
			t.pool.PutPage(f, true)

			freed = neighbor
		}
	} else {
		nf, err := t.pool.GetPage(tableID, neighbor)
		if err != nil {
			return err
		}
		n := nf.Page.NumKeys()
		if neighborIndex != -1 {
			// Append the separator and the dead node's child.
			nf.Page.SetEntry(n, kPrime, orphan)
			nf.Page.SetNumKeys(n + 1)
		} else {
			// Dead node was leftmost: prepend, demoting the neighbor's
			// leftmost child into the entry array.
			for i := n; i > 0; i-- {
				nf.Page.SetEntry(i, nf.Page.EntryKey(i-1), nf.Page.EntryChild(i-1))
			}
			nf.Page.SetEntry(0, kPrime, nf.Page.LeftmostChild())
			nf.Page.SetLeftmostChild(orphan)
			nf.Page.SetNumKeys(n + 1)
		}
		t.pool.PutPage(nf, true)

		of, err := t.pool.GetPage(tableID, orphan)
		if err != nil {
			return err
		}
		of.Page.SetParent(neighbor)
		t.pool.PutPage(of, true)
	}

	if err := t.pool.FreePage(tableID, freed); err != nil {
		return err
	}

	return t.deleteInternalEntry(tableID, root, parent, kPrime, freed)
}

// deleteInternalEntry removes (kPrime, pointer) from an internal node
// and, if the node empties, merges or redistributes with a neighbor.
// Redistribution happens exactly when the neighbor is full; a full
// neighbor cannot take one more appended entry.
func (t *Tree) deleteInternalEntry(tableID int, root, node page.Pagenum, key int64, pointer page.Pagenum) error {
	remaining, err := t.removeFromInternal(tableID, node, key, pointer)
	if err != nil {
		return err
	}

	if node == root {
		return t.adjustRoot(tableID, root)
	}

	if remaining > 0 {
		return nil
	}

	neighbor, neighborIndex, kPrime, parent, err := t.pickNeighbor(tableID, node)
	if err != nil {
		return err
	}
	kPrimeIndex := neighborIndex
	if neighborIndex == -1 {
		kPrimeIndex = 0
	}

	nf, err := t.pool.GetPage(tableID, neighbor)
	if err != nil {
		return err
	}
	neighborNumKeys := nf.Page.NumKeys()
	t.pool.PutPage(nf, false)

	if neighborNumKeys < page.MaxInternalKeys {
		return t.delayedMerge(tableID, root, node, parent, neighbor, neighborIndex, kPrime)
	}
	return t.redistribute(tableID, node, parent, neighbor, neighborIndex, kPrime, kPrimeIndex)
}

// removeFromInternal shifts out the separator key and the child pointer.
// Returns the number of keys left.
func (t *Tree) removeFromInternal(tableID int, node page.Pagenum, key int64, pointer page.Pagenum) (int, error) {
	f, err := t.pool.GetPage(tableID, node)
	if err != nil {
		return 0, err
	}

	n := f.Page.NumKeys()

	idx := 0
	for idx < n && f.Page.EntryKey(idx) != key {
		idx++
	}
	if idx == n {
		t.pool.PutPage(f, false)
		return 0, fmt.Errorf("separator %d missing from page %d of table %d", key, node, tableID)
	}
	for i := idx + 1; i < n; i++ {
		f.Page.SetEntryKey(i-1, f.Page.EntryKey(i))
	}

	cidx := 0
	for cidx <= n && f.Page.Child(cidx) != pointer {
		cidx++
	}
	if cidx > n {
		t.pool.PutPage(f, false)
		return 0, fmt.Errorf("page %d is not a child of page %d in table %d", pointer, node, tableID)
	}
	for i := cidx + 1; i <= n; i++ {
		f.Page.SetChild(i-1, f.Page.Child(i))
	}

	f.Page.SetNumKeys(n - 1)
	t.pool.PutPage(f, true)
	return n - 1, nil
}

// redistribute rotates one (key, child) pair from a full neighbor into
// the emptied node, passing the separator through the parent.
func (t *Tree) redistribute(tableID int, node, parent, neighbor page.Pagenum, neighborIndex int, kPrime int64, kPrimeIndex int) error {
	var stolenKey int64
	var stolenChild page.Pagenum

	nf, err := t.pool.GetPage(tableID, neighbor)
	if err != nil {
		return err
	}
	n := nf.Page.NumKeys()

	if neighborIndex != -1 {
		// Steal the left neighbor's last pair.
		stolenKey = nf.Page.EntryKey(n - 1)
		stolenChild = nf.Page.EntryChild(n - 1)
		nf.Page.SetNumKeys(n - 1)
		t.pool.PutPage(nf, true)

		pf, err := t.pool.GetPage(tableID, parent)
		if err != nil {
			return err
		}
		pf.Page.SetEntryKey(kPrimeIndex, stolenKey)
		t.pool.PutPage(pf, true)

		f, err := t.pool.GetPage(tableID, node)
		if err != nil {
			return err
		}
		f.Page.SetEntry(0, kPrime, f.Page.LeftmostChild())
		f.Page.SetLeftmostChild(stolenChild)
		f.Page.SetNumKeys(f.Page.NumKeys() + 1)
		t.pool.PutPage(f, true)
	} else {
		// Node is leftmost: steal the right neighbor's first pair.
		stolenKey = nf.Page.EntryKey(0)
		stolenChild = nf.Page.LeftmostChild()
		nf.Page.SetLeftmostChild(nf.Page.EntryChild(0))
		for i := 0; i < n-1; i++ {
			nf.Page.SetEntry(i, nf.Page.EntryKey(i+1), nf.Page.EntryChild(i+1))
		}
		nf.Page.SetNumKeys(n - 1)
		t.pool.PutPage(nf, true)

		pf, err := t.pool.GetPage(tableID, parent)
		if err != nil {
			return err
		}
		pf.Page.SetEntryKey(kPrimeIndex, stolenKey)
		t.pool.PutPage(pf, true)

		f, err := t.pool.GetPage(tableID, node)
		if err != nil {
			return err
		}
		f.Page.SetEntry(0, kPrime, stolenChild)
		f.Page.SetNumKeys(f.Page.NumKeys() + 1)
		t.pool.PutPage(f, true)
	}

	cf, err := t.pool.GetPage(tableID, stolenChild)
	if err != nil {
		return err
	}
	cf.Page.SetParent(node)
	t.pool.PutPage(cf, true)

	return nil
}

// adjustRoot handles an emptied root: an internal root promotes its sole
// child; an empty leaf root leaves the tree empty.
func (t *Tree) adjustRoot(tableID int, root page.Pagenum) error {
	f, err := t.pool.GetPage(tableID, root)
	if err != nil {
		return err
	}

	// Case: nonempty root.
	if f.Page.NumKeys() > 0 {
		t.pool.PutPage(f, false)
		return nil
	}

	var newRoot page.Pagenum
	isLeaf := f.Page.IsLeaf()
	if !isLeaf {
		newRoot = f.Page.LeftmostChild()
	}
	t.pool.PutPage(f, false)

	if !isLeaf {
		cf, err := t.pool.GetPage(tableID, newRoot)
		if err != nil {
			return err
		}
		cf.Page.SetParent(0)
		t.pool.PutPage(cf, true)
	}

	if err := t.setRoot(tableID, newRoot); err != nil {
		return err
	}
	return t.pool.FreePage(tableID, root)
}
