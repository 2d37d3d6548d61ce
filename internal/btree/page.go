// Package btree implements the on-disk B+Tree spec.md §4.3 describes: one
// tree per table (TABLE_INTERIOR/TABLE_LEAF pages) and one per secondary
// index (INDEX_INTERIOR/INDEX_LEAF pages), both built from the same
// slotted-page layout since neither cares what its keys mean — the caller
// (internal/catalog) is responsible for encoding Values into byte strings
// that already sort correctly under bytes.Compare (catalog.EncodeKey).
//
// Grounded on the teacher's slotted leaf layout
// (_examples/SimonWaldherr-tinySQL/internal/storage/pager/btree_page.go) and
// tree-walking shape (_examples/SimonWaldherr-tinySQL/internal/storage/pager/btree.go),
// generalized from the teacher's single hard-coded table-tree type to serve
// both table and index trees via the same code.
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/relitedb/relite/internal/errs"
	"github.com/relitedb/relite/internal/page"
)

// Sub-header immediately following the common 16-byte page header:
//
//	[0:2]  cell count        (uint16)
//	[2:4]  free space start  (uint16, offset where the cell area begins; cells are packed from here to the end of the page)
//	[4:8]  rightmost child   (uint32, interior pages only; 0 for leaves)
//	[8:12] reserved
//
// Immediately after the sub-header sits the slot array: cellCount uint16
// entries, each the byte offset (from the start of the page) of one cell,
// kept sorted by key so a cursor can binary-search it directly.
const (
	subHdrOff      = page.HeaderSize
	subHdrLen      = 12
	cellCountOff   = subHdrOff
	freeStartOff   = subHdrOff + 2
	rightChildOff  = subHdrOff + 4
	slotArrayOff   = subHdrOff + subHdrLen
	slotSize       = 2
)

type node struct {
	buf      []byte
	pageSize int
}

func wrap(buf []byte) *node { return &node{buf: buf, pageSize: len(buf)} }

func initNode(buf []byte, t page.Type, id page.ID) *node {
	page.Init(buf, t, id)
	n := wrap(buf)
	n.setCellCount(0)
	n.setFreeStart(len(buf))
	n.setRightChild(page.InvalidID)
	return n
}

func (n *node) typ() page.Type   { return page.TypeOf(n.buf) }
func (n *node) id() page.ID      { return page.IDOf(n.buf) }
func (n *node) isLeaf() bool     { return n.typ().IsLeaf() }
func (n *node) isInterior() bool { return n.typ().IsInterior() }

func (n *node) cellCount() int { return int(binary.LittleEndian.Uint16(n.buf[cellCountOff:])) }
func (n *node) setCellCount(c int) {
	binary.LittleEndian.PutUint16(n.buf[cellCountOff:], uint16(c))
}

// freeStart returns the offset where the cell area begins. A stored 0 means
// pageSize: an empty 65536-byte page's cell area starts at an offset the
// uint16 field cannot hold, and no real cell area ever starts at offset 0.
func (n *node) freeStart() int {
	v := int(binary.LittleEndian.Uint16(n.buf[freeStartOff:]))
	if v == 0 {
		return n.pageSize
	}
	return v
}
func (n *node) setFreeStart(off int) {
	binary.LittleEndian.PutUint16(n.buf[freeStartOff:], uint16(off))
}

func (n *node) rightChild() page.ID {
	return page.ID(binary.LittleEndian.Uint32(n.buf[rightChildOff:]))
}
func (n *node) setRightChild(id page.ID) {
	binary.LittleEndian.PutUint32(n.buf[rightChildOff:], uint32(id))
}

// nextLeaf and rightChild occupy the same field: a node is either a leaf
// (no children, so the field links to the next leaf in key order for range
// scans) or an interior node (no sibling link needed, so the field is the
// rightmost child pointer).
func (n *node) nextLeaf() page.ID       { return n.rightChild() }
func (n *node) setNextLeaf(id page.ID)  { n.setRightChild(id) }

// setCellChild overwrites the child pointer trailing an interior cell
// in place, without touching its key or moving any other cell.
func (n *node) setCellChild(i int, child page.ID) {
	off := n.slotOffset(i)
	keyLen := int(binary.LittleEndian.Uint16(n.buf[off:]))
	binary.LittleEndian.PutUint32(n.buf[off+2+keyLen:], uint32(child))
}

func (n *node) cellChild(i int) page.ID {
	off := n.slotOffset(i)
	keyLen := int(binary.LittleEndian.Uint16(n.buf[off:]))
	return page.ID(binary.LittleEndian.Uint32(n.buf[off+2+keyLen:]))
}

func (n *node) slotOffset(i int) int {
	off := slotArrayOff + i*slotSize
	return int(binary.LittleEndian.Uint16(n.buf[off:]))
}
func (n *node) setSlotOffset(i, cellOff int) {
	off := slotArrayOff + i*slotSize
	binary.LittleEndian.PutUint16(n.buf[off:], uint16(cellOff))
}

// slotArrayEnd is the first byte past the slot array, i.e. where free space
// available for new slots begins.
func (n *node) slotArrayEnd() int { return slotArrayOff + n.cellCount()*slotSize }

func (n *node) freeSpace() int { return n.freeStart() - n.slotArrayEnd() }

// liveBytes sums the slot-array entry plus cell bytes for every currently
// live cell. Unlike freeSpace, this reflects space reclaimed by earlier
// deletions: removeCell only drops a slot-array entry, it never compacts
// the cell area, so freeStart (and therefore freeSpace) keeps counting a
// deleted cell's bytes as "used" until the next rebuild touches the page.
func (n *node) liveBytes() int {
	total := n.cellCount() * slotSize
	for i := 0; i < n.cellCount(); i++ {
		total += len(n.cellBytes(i))
	}
	return total
}

// underflowed reports whether n has fallen below half of its usable
// capacity (cell payloads plus slot array, measured against the space
// available past the fixed header), the byte-budget counterpart of
// spec.md §4.3's "cell count below half the branching factor" — cells are
// variable length in this slotted layout, so occupancy is tracked in
// bytes rather than against a fixed fanout, the same way a full page
// triggers splitAndInsert by bytes rather than by a cell-count ceiling.
func (n *node) underflowed() bool {
	capacity := n.pageSize - slotArrayOff
	return n.liveBytes() < capacity/2
}

// leaf cell layout:
//
//	[0:2]  key length (uint16)
//	[2:2+keyLen] key bytes
//	[+0:4] total logical payload length (uint32)
//	[+0:2] inline payload length (uint16)
//	[+0:inlineLen] inline payload bytes
//	[+0:4] overflow page id (present only when inlineLen < total length; 0 = none)
type leafCell struct {
	key          []byte
	totalLen     int
	inline       []byte
	overflowHead page.ID
}

func encodeLeafCell(c leafCell) []byte {
	hasOverflow := c.totalLen > len(c.inline)
	size := 2 + len(c.key) + 4 + 2 + len(c.inline)
	if hasOverflow {
		size += 4
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(c.key)))
	off += 2
	copy(buf[off:], c.key)
	off += len(c.key)
	binary.LittleEndian.PutUint32(buf[off:], uint32(c.totalLen))
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(c.inline)))
	off += 2
	copy(buf[off:], c.inline)
	off += len(c.inline)
	if hasOverflow {
		binary.LittleEndian.PutUint32(buf[off:], uint32(c.overflowHead))
	}
	return buf
}

func decodeLeafCell(buf []byte) leafCell {
	off := 0
	keyLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	key := buf[off : off+keyLen]
	off += keyLen
	total := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	inlineLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	inline := buf[off : off+inlineLen]
	off += inlineLen
	var ovfl page.ID
	if total > inlineLen {
		ovfl = page.ID(binary.LittleEndian.Uint32(buf[off:]))
	}
	return leafCell{key: key, totalLen: total, inline: inline, overflowHead: ovfl}
}

// interior cell: [keyLen u16][key][child page id u32]
func encodeInteriorCell(key []byte, child page.ID) []byte {
	buf := make([]byte, 2+len(key)+4)
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(key)))
	copy(buf[2:], key)
	binary.LittleEndian.PutUint32(buf[2+len(key):], uint32(child))
	return buf
}

func decodeInteriorCell(buf []byte) (key []byte, child page.ID) {
	keyLen := int(binary.LittleEndian.Uint16(buf[0:]))
	key = buf[2 : 2+keyLen]
	child = page.ID(binary.LittleEndian.Uint32(buf[2+keyLen:]))
	return
}

// cellBytes returns the raw bytes of cell i (leaf or interior) without
// knowing its size in advance: leaf cells are self-describing via their
// length fields, so we parse defensively from the slot offset to EOF and
// trust the parsed length.
func (n *node) cellBytes(i int) []byte {
	off := n.slotOffset(i)
	if n.isLeaf() {
		c := decodeLeafCell(n.buf[off:])
		return n.buf[off : off+leafCellEncodedLen(c)]
	}
	keyLen := int(binary.LittleEndian.Uint16(n.buf[off:]))
	return n.buf[off : off+2+keyLen+4]
}

func leafCellEncodedLen(c leafCell) int {
	n := 2 + len(c.key) + 4 + 2 + len(c.inline)
	if c.totalLen > len(c.inline) {
		n += 4
	}
	return n
}

// cellKey returns just the key portion of cell i, without copying the cell.
func (n *node) cellKey(i int) []byte {
	off := n.slotOffset(i)
	keyLen := int(binary.LittleEndian.Uint16(n.buf[off:]))
	return n.buf[off+2 : off+2+keyLen]
}

// find returns the slot index of the first cell whose key is >= target, and
// whether that cell's key equals target exactly.
func (n *node) find(target []byte) (idx int, exact bool) {
	lo, hi := 0, n.cellCount()
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytes.Compare(n.cellKey(mid), target)
		if c == 0 {
			return mid, true
		}
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}

// insertCell inserts raw cell bytes at slot idx, shifting later slots right.
// Returns an error if there isn't room; the caller is expected to have
// checked freeSpace() first and split if necessary.
func (n *node) insertCell(idx int, cell []byte) error {
	needed := len(cell) + slotSize
	if n.freeSpace() < needed {
		return errs.New(errs.Internal, "insertCell: page full")
	}
	newFreeStart := n.freeStart() - len(cell)
	copy(n.buf[newFreeStart:], cell)
	n.setFreeStart(newFreeStart)

	count := n.cellCount()
	for i := count; i > idx; i-- {
		n.setSlotOffset(i, n.slotOffset(i-1))
	}
	n.setSlotOffset(idx, newFreeStart)
	n.setCellCount(count + 1)
	return nil
}

// removeCell deletes the cell at slot idx. The vacated bytes in the cell
// area are not reclaimed (no in-page compaction); a full page rewrite
// during the next split compacts them if it ever matters.
func (n *node) removeCell(idx int) {
	count := n.cellCount()
	for i := idx; i < count-1; i++ {
		n.setSlotOffset(i, n.slotOffset(i+1))
	}
	n.setCellCount(count - 1)
}

// usedBytes reports the size of the cell area, from freeStart to the end of
// the page, including bytes of removed cells not yet compacted away. Split
// decisions use freeSpace, not this.
func (n *node) usedBytes() int {
	return n.pageSize - n.freeStart()
}

// allCellsCopy returns an independent copy of every cell's raw bytes, in
// slot order, for use when rebuilding a node from scratch (split/compact).
func (n *node) allCellsCopy() [][]byte {
	count := n.cellCount()
	out := make([][]byte, count)
	for i := 0; i < count; i++ {
		src := n.cellBytes(i)
		dst := make([]byte, len(src))
		copy(dst, src)
		out[i] = dst
	}
	return out
}

// rebuild resets n to an empty node of the same type/id and reinserts cells
// in order, reclaiming any space left behind by prior removals.
func rebuild(buf []byte, t page.Type, id page.ID, cells [][]byte, rightChild page.ID) *node {
	n := initNode(buf, t, id)
	for _, c := range cells {
		if err := n.insertCell(n.cellCount(), c); err != nil {
			panic("btree: rebuild: " + err.Error())
		}
	}
	n.setRightChild(rightChild)
	return n
}
