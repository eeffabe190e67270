package page

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The byte offsets below are contractual; a file written by one build
// must be readable by any other.
func TestContractualOffsets(t *testing.T) {
	var p Page

	p.InitHeader()
	p.SetFreeHead(7)
	p.SetRoot(3)
	p.SetTotalPages(11)
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(p[0:8]))
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(p[8:16]))
	assert.Equal(t, uint64(11), binary.LittleEndian.Uint64(p[16:24]))

	p.InitLeaf(5)
	p.SetRightSibling(9)
	p.SetRecordKey(0, 42)
	p.SetRecordValue(0, []byte("hello"))
	assert.Equal(t, uint64(5), binary.LittleEndian.Uint64(p[0:8]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(p[8:12]))
	assert.Equal(t, uint64(9), binary.LittleEndian.Uint64(p[120:128]))
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(p[128:136]))
	assert.Equal(t, byte('h'), p[136])
	assert.Equal(t, byte(0), p[141], "value must be null-terminated")

	p.InitInternal(2)
	p.SetLeftmostChild(4)
	p.SetEntry(0, 100, 6)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(p[8:12]))
	assert.Equal(t, uint64(4), binary.LittleEndian.Uint64(p[120:128]))
	assert.Equal(t, uint64(100), binary.LittleEndian.Uint64(p[128:136]))
	assert.Equal(t, uint64(6), binary.LittleEndian.Uint64(p[136:144]))
}

func TestLogicalChildren(t *testing.T) {
	var p Page
	p.InitInternal(0)
	p.SetChild(0, 10)
	p.SetEntry(0, 1, 0)
	p.SetChild(1, 20)
	p.SetEntry(1, 2, 0)
	p.SetChild(2, 30)
	p.SetNumKeys(2)

	require.Equal(t, Pagenum(10), p.LeftmostChild())
	require.Equal(t, Pagenum(10), p.Child(0))
	require.Equal(t, Pagenum(20), p.Child(1))
	require.Equal(t, Pagenum(20), p.EntryChild(0))
	require.Equal(t, Pagenum(30), p.Child(2))
}

func TestValueTruncationAndRestore(t *testing.T) {
	var p Page
	p.InitLeaf(0)

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	p.SetRecordValue(0, long)
	require.Len(t, p.RecordValue(0), ValueSize-1)

	p.SetRecordValue(1, []byte("before"))
	raw := p.RawRecordValue(1)
	p.SetRecordValue(1, []byte("after"))
	require.Equal(t, []byte("after"), p.RecordValue(1))
	p.SetRawRecordValue(1, raw)
	require.Equal(t, []byte("before"), p.RecordValue(1))
}

func TestCopyRecord(t *testing.T) {
	var src, dst Page
	src.InitLeaf(0)
	src.SetRecordKey(3, 77)
	src.SetRecordValue(3, []byte("seventy-seven"))

	dst.InitLeaf(0)
	dst.CopyRecord(0, &src, 3)
	require.Equal(t, int64(77), dst.RecordKey(0))
	require.Equal(t, []byte("seventy-seven"), dst.RecordValue(0))
}
