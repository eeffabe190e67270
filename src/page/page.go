package page

import (
	"bytes"
	"encoding/binary"
)

// On-disk layout constants. The byte offsets are contractual: files written
// by this engine interoperate with any implementation of the same format.
const (
	// Size of one on-disk page in bytes.
	Size = 4096

	// OrderLeaf is the order of a leaf page: at most OrderLeaf-1 records.
	OrderLeaf = 32

	// OrderInternal is the order of an internal page: at most
	// OrderInternal-1 keys.
	OrderInternal = 249

	// MaxLeafRecords and MaxInternalKeys are the per-page capacities
	// derived from the orders.
	MaxLeafRecords  = OrderLeaf - 1
	MaxInternalKeys = OrderInternal - 1

	// ValueSize is the full width of a record value slot, including the
	// null terminator. Payloads are at most ValueSize-1 bytes.
	ValueSize = 120

	// specialOffset is where leftmost_child (internal) or right_sibling
	// (leaf) sits; entriesOffset is where the entry/record array begins.
	specialOffset = 120
	entriesOffset = 128

	internalEntrySize = 16
	leafRecordSize    = 8 + ValueSize
)

// Pagenum identifies a page: its byte offset in the file divided by Size.
// Page 0 is always the table header page.
type Pagenum uint64

// Page is one raw on-disk page. All four variants (header, free, internal,
// leaf) are views over the same bytes, addressed through the accessors
// below. Integers are little-endian.
type Page [Size]byte

func (p *Page) u64(off int) uint64      { return binary.LittleEndian.Uint64(p[off : off+8]) }
func (p *Page) put64(off int, v uint64) { binary.LittleEndian.PutUint64(p[off:off+8], v) }
func (p *Page) i32(off int) int32       { return int32(binary.LittleEndian.Uint32(p[off : off+4])) }
func (p *Page) put32(off int, v int32)  { binary.LittleEndian.PutUint32(p[off:off+4], uint32(v)) }

// Header page view (page 0 of every table file).

func (p *Page) FreeHead() Pagenum        { return Pagenum(p.u64(0)) }
func (p *Page) SetFreeHead(pn Pagenum)   { p.put64(0, uint64(pn)) }
func (p *Page) Root() Pagenum            { return Pagenum(p.u64(8)) }
func (p *Page) SetRoot(pn Pagenum)       { p.put64(8, uint64(pn)) }
func (p *Page) TotalPages() uint64       { return p.u64(16) }
func (p *Page) SetTotalPages(n uint64)   { p.put64(16, n) }

// Free page view.

func (p *Page) NextFree() Pagenum      { return Pagenum(p.u64(0)) }
func (p *Page) SetNextFree(pn Pagenum) { p.put64(0, uint64(pn)) }

// Node (internal or leaf) common header.

func (p *Page) Parent() Pagenum      { return Pagenum(p.u64(0)) }
func (p *Page) SetParent(pn Pagenum) { p.put64(0, uint64(pn)) }

func (p *Page) IsLeaf() bool { return p.i32(8) != 0 }
func (p *Page) setLeaf(leaf bool) {
	if leaf {
		p.put32(8, 1)
	} else {
		p.put32(8, 0)
	}
}

func (p *Page) NumKeys() int      { return int(p.i32(12)) }
func (p *Page) SetNumKeys(n int)  { p.put32(12, int32(n)) }

// Internal page view. The logical child i is the leftmost child pointer
// for i == 0 and entries[i-1].child otherwise.

func (p *Page) LeftmostChild() Pagenum      { return Pagenum(p.u64(specialOffset)) }
func (p *Page) SetLeftmostChild(pn Pagenum) { p.put64(specialOffset, uint64(pn)) }

func (p *Page) EntryKey(i int) int64 {
	return int64(p.u64(entriesOffset + i*internalEntrySize))
}

func (p *Page) EntryChild(i int) Pagenum {
	return Pagenum(p.u64(entriesOffset + i*internalEntrySize + 8))
}

func (p *Page) SetEntry(i int, key int64, child Pagenum) {
	p.put64(entriesOffset+i*internalEntrySize, uint64(key))
	p.put64(entriesOffset+i*internalEntrySize+8, uint64(child))
}

func (p *Page) SetEntryKey(i int, key int64) {
	p.put64(entriesOffset+i*internalEntrySize, uint64(key))
}

func (p *Page) SetEntryChild(i int, child Pagenum) {
	p.put64(entriesOffset+i*internalEntrySize+8, uint64(child))
}

// Child returns the logical i-th child of an internal node.
func (p *Page) Child(i int) Pagenum {
	if i == 0 {
		return p.LeftmostChild()
	}
	return p.EntryChild(i - 1)
}

// SetChild stores pn as the logical i-th child of an internal node.
func (p *Page) SetChild(i int, pn Pagenum) {
	if i == 0 {
		p.SetLeftmostChild(pn)
	} else {
		p.SetEntryChild(i-1, pn)
	}
}

// Leaf page view.

func (p *Page) RightSibling() Pagenum      { return Pagenum(p.u64(specialOffset)) }
func (p *Page) SetRightSibling(pn Pagenum) { p.put64(specialOffset, uint64(pn)) }

func (p *Page) RecordKey(i int) int64 {
	return int64(p.u64(entriesOffset + i*leafRecordSize))
}

func (p *Page) SetRecordKey(i int, key int64) {
	p.put64(entriesOffset+i*leafRecordSize, uint64(key))
}

// RecordValue returns the value payload of record i, up to but not
// including the null terminator.
func (p *Page) RecordValue(i int) []byte {
	off := entriesOffset + i*leafRecordSize + 8
	raw := p[off : off+ValueSize]
	if n := bytes.IndexByte(raw, 0); n >= 0 {
		raw = raw[:n]
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

// SetRecordValue stores value into record i's slot, null-terminated.
// Values longer than ValueSize-1 bytes are truncated.
func (p *Page) SetRecordValue(i int, value []byte) {
	off := entriesOffset + i*leafRecordSize + 8
	if len(value) > ValueSize-1 {
		value = value[:ValueSize-1]
	}
	n := copy(p[off:off+ValueSize], value)
	p[off+n] = 0
}

// rawRecordValue returns the full 120-byte slot, terminator and padding
// included. Used for undo captures where byte fidelity matters.
func (p *Page) rawRecordValue(i int) []byte {
	off := entriesOffset + i*leafRecordSize + 8
	return p[off : off+ValueSize]
}

// RawRecordValue copies the full value slot of record i.
func (p *Page) RawRecordValue(i int) [ValueSize]byte {
	var out [ValueSize]byte
	copy(out[:], p.rawRecordValue(i))
	return out
}

// SetRawRecordValue restores a full value slot captured earlier.
func (p *Page) SetRawRecordValue(i int, value [ValueSize]byte) {
	off := entriesOffset + i*leafRecordSize + 8
	copy(p[off:off+ValueSize], value[:])
}

// CopyRecord copies record j of src into slot i of p.
func (p *Page) CopyRecord(i int, src *Page, j int) {
	dst := entriesOffset + i*leafRecordSize
	from := entriesOffset + j*leafRecordSize
	copy(p[dst:dst+leafRecordSize], src[from:from+leafRecordSize])
}

// InitHeader formats p as a fresh table header page.
func (p *Page) InitHeader() {
	*p = Page{}
	p.SetFreeHead(0)
	p.SetRoot(0)
	p.SetTotalPages(1)
}

// InitLeaf formats p as an empty leaf.
func (p *Page) InitLeaf(parent Pagenum) {
	*p = Page{}
	p.SetParent(parent)
	p.setLeaf(true)
	p.SetNumKeys(0)
	p.SetRightSibling(0)
}

// InitInternal formats p as an empty internal node.
func (p *Page) InitInternal(parent Pagenum) {
	*p = Page{}
	p.SetParent(parent)
	p.setLeaf(false)
	p.SetNumKeys(0)
	p.SetLeftmostChild(0)
}
