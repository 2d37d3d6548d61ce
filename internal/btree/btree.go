package btree

import (
	"github.com/relitedb/relite/internal/errs"
	"github.com/relitedb/relite/internal/page"
	"github.com/relitedb/relite/internal/pager"
)

// maxInlineFraction bounds how much of a page a single leaf cell's inline
// payload may occupy before the remainder spills to overflow pages
// (spec.md §4.2 "OVERFLOW").
const maxInlineFraction = 4

// Tree is a single B+Tree: either a table tree (TABLE_INTERIOR/TABLE_LEAF,
// keyed by primary key) or an index tree (INDEX_INTERIOR/INDEX_LEAF, keyed
// by the composite (indexed value, pk) encoding from internal/catalog).
type Tree struct {
	p           *pager.Pager
	root        page.ID
	interiorTyp page.Type
	leafTyp     page.Type
}

func tableTree(p *pager.Pager, root page.ID) *Tree {
	return &Tree{p: p, root: root, interiorTyp: page.TypeTableInterior, leafTyp: page.TypeTableLeaf}
}

func indexTree(p *pager.Pager, root page.ID) *Tree {
	return &Tree{p: p, root: root, interiorTyp: page.TypeIndexInterior, leafTyp: page.TypeIndexLeaf}
}

// OpenTable wraps an existing table tree given its root page.
func OpenTable(p *pager.Pager, root page.ID) *Tree { return tableTree(p, root) }

// OpenIndex wraps an existing index tree given its root page.
func OpenIndex(p *pager.Pager, root page.ID) *Tree { return indexTree(p, root) }

// CreateTable allocates a brand-new, empty table tree and returns it.
func CreateTable(p *pager.Pager) (*Tree, error) { return create(p, page.TypeTableInterior, page.TypeTableLeaf) }

// CreateIndex allocates a brand-new, empty index tree and returns it.
func CreateIndex(p *pager.Pager) (*Tree, error) { return create(p, page.TypeIndexInterior, page.TypeIndexLeaf) }

func create(p *pager.Pager, interiorTyp, leafTyp page.Type) (*Tree, error) {
	id, buf, err := p.Allocate(leafTyp)
	if err != nil {
		return nil, err
	}
	initNode(buf, leafTyp, id)
	page.SetCRC(buf)
	p.Put(id, buf)
	return &Tree{p: p, root: id, interiorTyp: interiorTyp, leafTyp: leafTyp}, nil
}

// RootID returns the tree's current root page, which can change across
// Insert/Delete calls when the root splits; callers that persist a root
// pointer (internal/catalog) must re-read this after every mutation.
func (t *Tree) RootID() page.ID { return t.root }

func (t *Tree) loadForWrite(id page.ID) (*node, []byte, error) {
	buf, err := t.p.Get(id)
	if err != nil {
		return nil, nil, err
	}
	pre := make([]byte, len(buf))
	copy(pre, buf)
	if err := t.p.MarkDirty(id, pre); err != nil {
		return nil, nil, err
	}
	return wrap(buf), pre, nil
}

func (t *Tree) commit(n *node) {
	page.SetCRC(n.buf)
	t.p.Put(n.id(), n.buf)
}

func (t *Tree) load(id page.ID) (*node, error) {
	buf, err := t.p.Get(id)
	if err != nil {
		return nil, err
	}
	return wrap(buf), nil
}

// pathEntry records one interior hop during descent: the node visited and
// the index used to choose the next child (cellCount means "used rightChild").
type pathEntry struct {
	id  page.ID
	pos int
}

// descend walks from the root to the leaf that should contain key, returning
// the path of interior hops taken.
func (t *Tree) descend(key []byte) ([]pathEntry, page.ID, error) {
	var path []pathEntry
	id := t.root
	for {
		n, err := t.load(id)
		if err != nil {
			return nil, 0, err
		}
		if n.isLeaf() {
			return path, id, nil
		}
		idx, exact := n.find(key)
		if exact {
			idx++
		}
		var child page.ID
		if idx == n.cellCount() {
			child = n.rightChild()
		} else {
			child = n.cellChild(idx)
		}
		path = append(path, pathEntry{id: id, pos: idx})
		id = child
	}
}

// Get looks up key and returns its payload (reassembled from overflow pages
// if necessary).
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	_, leafID, err := t.descend(key)
	if err != nil {
		return nil, false, err
	}
	n, err := t.load(leafID)
	if err != nil {
		return nil, false, err
	}
	idx, exact := n.find(key)
	if !exact {
		return nil, false, nil
	}
	cell := decodeLeafCell(n.cellBytes(idx))
	val, err := t.materializePayload(cell)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (t *Tree) materializePayload(c leafCell) ([]byte, error) {
	if c.totalLen == len(c.inline) {
		out := make([]byte, len(c.inline))
		copy(out, c.inline)
		return out, nil
	}
	tail, err := t.p.ReadOverflow(c.overflowHead)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, c.totalLen)
	out = append(out, c.inline...)
	out = append(out, tail...)
	return out, nil
}

func (t *Tree) makeLeafCell(key, value []byte) (leafCell, error) {
	maxInline := t.p.PageSize() / maxInlineFraction
	if len(value) <= maxInline {
		return leafCell{key: key, totalLen: len(value), inline: value}, nil
	}
	head := value[:maxInline]
	tail := value[maxInline:]
	ovflID, err := t.p.WriteOverflow(tail)
	if err != nil {
		return leafCell{}, err
	}
	return leafCell{key: key, totalLen: len(value), inline: head, overflowHead: ovflID}, nil
}

// Insert adds a new (key, value) pair, failing with a CONSTRAINT error if
// key already exists.
func (t *Tree) Insert(key, value []byte) error {
	return t.put(key, value, false)
}

// Put upserts (key, value), replacing any existing value for key.
func (t *Tree) Put(key, value []byte) error {
	return t.put(key, value, true)
}

func (t *Tree) put(key, value []byte, upsert bool) error {
	path, leafID, err := t.descend(key)
	if err != nil {
		return err
	}
	n, _, err := t.loadForWrite(leafID)
	if err != nil {
		return err
	}
	idx, exact := n.find(key)
	if exact {
		if !upsert {
			return errs.New(errs.Constraint, "duplicate key")
		}
		old := decodeLeafCell(n.cellBytes(idx))
		if old.totalLen > len(old.inline) {
			if err := t.p.FreeOverflow(old.overflowHead); err != nil {
				return err
			}
		}
		n.removeCell(idx)
	}

	cell, err := t.makeLeafCell(key, value)
	if err != nil {
		return err
	}
	cellBytes := encodeLeafCell(cell)

	if n.freeSpace() >= len(cellBytes)+slotSize {
		if err := n.insertCell(idx, cellBytes); err != nil {
			return err
		}
		t.commit(n)
		return nil
	}
	return t.splitAndInsert(path, n, idx, cellBytes)
}

// splitAndInsert splits the over-full leaf n in two, inserts cellBytes into
// whichever half it belongs in, and propagates the new separator up the
// path, splitting interior nodes as needed (up to and including growing a
// new root).
func (t *Tree) splitAndInsert(path []pathEntry, n *node, idx int, cellBytes []byte) error {
	cells := n.allCellsCopy()
	// Insert the new cell into the in-memory slice at idx, then split the
	// combined set evenly; simpler and more uniform than juggling whichever
	// physical half has room.
	merged := make([][]byte, 0, len(cells)+1)
	merged = append(merged, cells[:idx]...)
	merged = append(merged, cellBytes)
	merged = append(merged, cells[idx:]...)

	mid := len(merged) / 2
	leftCells, rightCells := merged[:mid], merged[mid:]

	rightID, rightBuf, err := t.p.Allocate(n.typ())
	if err != nil {
		return err
	}
	prevNextLeaf := n.nextLeaf()
	right := rebuild(rightBuf, n.typ(), rightID, rightCells, prevNextLeaf)
	t.commit(right)

	leftBuf := n.buf
	left := rebuild(leftBuf, n.typ(), n.id(), leftCells, rightID)
	t.commit(left)

	separator := decodeLeafCell(rightCells[0]).key
	return t.propagateSplit(path, n.id(), separator, rightID)
}

// propagateSplit inserts a (separator, rightID) pointer into the parent
// named by the last hop in path, recursing upward (and growing a new root)
// if that parent is itself full.
func (t *Tree) propagateSplit(path []pathEntry, leftID page.ID, separator []byte, rightID page.ID) error {
	if len(path) == 0 {
		return t.growRoot(leftID, separator, rightID)
	}
	last := path[len(path)-1]
	parent, _, err := t.loadForWrite(last.id)
	if err != nil {
		return err
	}
	cell := encodeInteriorCell(separator, leftID)

	if last.pos == parent.cellCount() {
		// leftID was the rightChild; insert the new separator cell at the
		// end and rightID becomes the new rightChild.
		if parent.freeSpace() >= len(cell)+slotSize {
			if err := parent.insertCell(parent.cellCount(), cell); err != nil {
				return err
			}
			parent.setRightChild(rightID)
			t.commit(parent)
			return nil
		}
		return t.splitInteriorAndInsert(path[:len(path)-1], parent, parent.cellCount(), cell, rightID, true)
	}

	// leftID was cells[last.pos].child; insert the new cell at last.pos and
	// repoint the (shifted) old cell's child to rightID.
	if parent.freeSpace() >= len(cell)+slotSize {
		if err := parent.insertCell(last.pos, cell); err != nil {
			return err
		}
		parent.setCellChild(last.pos+1, rightID)
		t.commit(parent)
		return nil
	}
	return t.splitInteriorAndInsert(path[:len(path)-1], parent, last.pos, cell, rightID, false)
}

// splitInteriorAndInsert splits a full interior node, inserting (cell,
// newChild) at position idx first. If atEnd, newChild replaces the node's
// rightChild; otherwise it replaces the child of the cell immediately after
// idx once inserted, matching propagateSplit's non-split path above.
func (t *Tree) splitInteriorAndInsert(path []pathEntry, n *node, idx int, cell []byte, newChild page.ID, atEnd bool) error {
	type entry struct {
		key   []byte
		child page.ID
	}
	count := n.cellCount()
	entries := make([]entry, 0, count+1)
	for i := 0; i < count; i++ {
		k, c := decodeInteriorCell(n.cellBytes(i))
		kc := make([]byte, len(k))
		copy(kc, k)
		entries = append(entries, entry{key: kc, child: c})
	}
	newKey, newLeftChild := decodeInteriorCell(cell)
	inserted := entry{key: append([]byte(nil), newKey...), child: newLeftChild}

	merged := make([]entry, 0, len(entries)+1)
	merged = append(merged, entries[:idx]...)
	merged = append(merged, inserted)
	merged = append(merged, entries[idx:]...)

	oldRightChild := n.rightChild()
	if atEnd {
		oldRightChild = newChild
	} else {
		merged[idx+1].child = newChild
	}

	mid := len(merged) / 2
	medianKey := merged[mid].key
	leftEntries := merged[:mid]
	rightEntries := merged[mid+1:]
	leftRightChild := merged[mid].child

	rightID, rightBuf, err := t.p.Allocate(n.typ())
	if err != nil {
		return err
	}
	rightCells := make([][]byte, len(rightEntries))
	for i, e := range rightEntries {
		rightCells[i] = encodeInteriorCell(e.key, e.child)
	}
	right := rebuild(rightBuf, n.typ(), rightID, rightCells, oldRightChild)
	t.commit(right)

	leftCells := make([][]byte, len(leftEntries))
	for i, e := range leftEntries {
		leftCells[i] = encodeInteriorCell(e.key, e.child)
	}
	left := rebuild(n.buf, n.typ(), n.id(), leftCells, leftRightChild)
	t.commit(left)

	return t.propagateSplit(path, n.id(), medianKey, rightID)
}

// growRoot builds a new root interior page when the old root split,
// deepening the tree by one level.
func (t *Tree) growRoot(leftID page.ID, separator []byte, rightID page.ID) error {
	newRootID, buf, err := t.p.Allocate(t.interiorTyp)
	if err != nil {
		return err
	}
	n := initNode(buf, t.interiorTyp, newRootID)
	if err := n.insertCell(0, encodeInteriorCell(separator, leftID)); err != nil {
		return err
	}
	n.setRightChild(rightID)
	t.commit(n)
	t.root = newRootID
	return nil
}

// Delete removes key if present, then restores the minimum-fill invariant
// by borrowing from a sibling or merging with one, cascading upward and
// shrinking the tree's height if the root itself empties out (spec.md
// §4.3 "Merge / redistribute").
func (t *Tree) Delete(key []byte) (bool, error) {
	path, leafID, err := t.descend(key)
	if err != nil {
		return false, err
	}
	n, _, err := t.loadForWrite(leafID)
	if err != nil {
		return false, err
	}
	idx, exact := n.find(key)
	if !exact {
		return false, nil
	}
	cell := decodeLeafCell(n.cellBytes(idx))
	if cell.totalLen > len(cell.inline) {
		if err := t.p.FreeOverflow(cell.overflowHead); err != nil {
			return false, err
		}
	}
	n.removeCell(idx)
	t.commit(n)

	if err := t.rebalance(path, n); err != nil {
		return false, err
	}
	if err := t.shrinkRootIfNeeded(); err != nil {
		return false, err
	}
	return true, nil
}

// childAt returns parent's child pointer at position i, where i ranges
// over [0, parent.cellCount()]: positions below cellCount name a cell's
// (left) child, and cellCount itself names rightChild — the same indexing
// descend uses to record a pathEntry.pos.
func childAt(parent *node, i int) page.ID {
	if i == parent.cellCount() {
		return parent.rightChild()
	}
	return parent.cellChild(i)
}

// wouldUnderflowAfterRemoving reports whether n would drop below the fill
// threshold if a cell of cellLen bytes (plus its slot) were taken from it —
// used to decide whether a sibling has enough slack to lend a boundary
// cell without becoming underflowed itself.
func wouldUnderflowAfterRemoving(n *node, cellLen int) bool {
	capacity := n.pageSize - slotArrayOff
	return n.liveBytes()-cellLen-slotSize < capacity/2
}

// canLend reports whether sib can give up its cell at donorIdx (its last
// cell when lending to a right neighbor, its first when lending to a left
// neighbor) without itself underflowing.
func canLend(sib *node, donorIdx int) bool {
	if sib.cellCount() <= 1 {
		return false
	}
	return !wouldUnderflowAfterRemoving(sib, len(sib.cellBytes(donorIdx)))
}

// replaceSeparatorKey rewrites parent's cell at sepIdx to newKey, keeping
// its child pointer. Interior cells are variable length (the key is
// stored inline), so this is a remove-then-reinsert rather than an
// in-place patch.
func replaceSeparatorKey(parent *node, sepIdx int, newKey []byte, childID page.ID) error {
	parent.removeCell(sepIdx)
	return parent.insertCell(sepIdx, encodeInteriorCell(newKey, childID))
}

// removeChildAt deletes parent's separator cell at sepIdx — the cell whose
// child pointer names the left node of the merged pair — and repoints the
// pointer that named the right node, which just merged away, to survivorID
// instead: the cell immediately after sepIdx if one exists, otherwise
// rightChild.
func removeChildAt(parent *node, sepIdx int, survivorID page.ID) {
	if sepIdx+1 < parent.cellCount() {
		parent.setCellChild(sepIdx+1, survivorID)
	} else {
		parent.setRightChild(survivorID)
	}
	parent.removeCell(sepIdx)
}

// borrowFromLeftLeaf moves left's last cell to become n's new first cell.
// A leaf separator always equals its right sibling's first key, so the
// parent's separator at sepIdx is rewritten to match.
func borrowFromLeftLeaf(parent *node, sepIdx int, left, n *node) error {
	moved := append([]byte(nil), left.cellBytes(left.cellCount()-1)...)
	left.removeCell(left.cellCount() - 1)
	if err := n.insertCell(0, moved); err != nil {
		return err
	}
	return replaceSeparatorKey(parent, sepIdx, decodeLeafCell(moved).key, left.id())
}

// borrowFromRightLeaf moves right's first cell to become n's new last
// cell, then rewrites the parent separator to right's new first key.
func borrowFromRightLeaf(parent *node, sepIdx int, n, right *node) error {
	moved := append([]byte(nil), right.cellBytes(0)...)
	right.removeCell(0)
	if err := n.insertCell(n.cellCount(), moved); err != nil {
		return err
	}
	newSep := append([]byte(nil), decodeLeafCell(right.cellBytes(0)).key...)
	return replaceSeparatorKey(parent, sepIdx, newSep, n.id())
}

// borrowFromLeftInterior performs the classic interior-node rotation:
// the parent separator is pulled down as n's new first entry (paired with
// left's old rightChild), and left's former last entry's key rises to
// become the new parent separator.
func borrowFromLeftInterior(parent *node, sepIdx int, left, n *node) error {
	sepKey, _ := decodeInteriorCell(parent.cellBytes(sepIdx))
	sepKey = append([]byte(nil), sepKey...)
	oldLeftRight := left.rightChild()

	lastIdx := left.cellCount() - 1
	lastKey, lastChild := decodeInteriorCell(left.cellBytes(lastIdx))
	lastKey = append([]byte(nil), lastKey...)

	if err := n.insertCell(0, encodeInteriorCell(sepKey, oldLeftRight)); err != nil {
		return err
	}
	left.removeCell(lastIdx)
	left.setRightChild(lastChild)
	return replaceSeparatorKey(parent, sepIdx, lastKey, left.id())
}

// borrowFromRightInterior is borrowFromLeftInterior's mirror: the parent
// separator becomes n's new last entry (paired with n's old rightChild),
// and right's former first entry's key rises to become the new separator.
func borrowFromRightInterior(parent *node, sepIdx int, n, right *node) error {
	sepKey, _ := decodeInteriorCell(parent.cellBytes(sepIdx))
	sepKey = append([]byte(nil), sepKey...)
	oldNRight := n.rightChild()

	firstKey, firstChild := decodeInteriorCell(right.cellBytes(0))
	firstKey = append([]byte(nil), firstKey...)

	if err := n.insertCell(n.cellCount(), encodeInteriorCell(sepKey, oldNRight)); err != nil {
		return err
	}
	n.setRightChild(firstChild)
	right.removeCell(0)
	return replaceSeparatorKey(parent, sepIdx, firstKey, n.id())
}

// mergeLeafCells folds right's cells after left's into left's page,
// relinking the leaf chain around the now-empty right page. The caller
// commits the result and frees right.
func mergeLeafCells(left, right *node) *node {
	cells := left.allCellsCopy()
	cells = append(cells, right.allCellsCopy()...)
	return rebuild(left.buf, left.typ(), left.id(), cells, right.nextLeaf())
}

// mergeInteriorCells folds right's entries into left's page, pulling the
// parent's separator at sepIdx down as the bridging key between left's old
// rightChild and right's first entry. The caller commits the result and
// frees right.
func mergeInteriorCells(parent *node, sepIdx int, left, right *node) *node {
	sepKey, _ := decodeInteriorCell(parent.cellBytes(sepIdx))
	bridge := encodeInteriorCell(append([]byte(nil), sepKey...), left.rightChild())

	cells := left.allCellsCopy()
	cells = append(cells, bridge)
	cells = append(cells, right.allCellsCopy()...)
	return rebuild(left.buf, left.typ(), left.id(), cells, right.rightChild())
}

// bridgeCellLen is the encoded size of the interior cell an interior merge
// would pull down from the parent's separator at sepIdx, for the merge-fit
// check below — leaf merges have no such bridge.
func bridgeCellLen(parent *node, sepIdx int) int {
	sepKey, _ := decodeInteriorCell(parent.cellBytes(sepIdx))
	return 2 + len(sepKey) + 4
}

// mergeFits reports whether left and right's live cells (plus, for an
// interior merge, the bridged-down separator and its slot) would actually
// fit in one page. Two siblings can both be underflowed (each below half
// capacity) yet still sum to more than one page once large cells are
// involved, and rebuild() panics on overflow rather than failing softly.
func mergeFits(pageSize int, left, right *node, extra int) bool {
	capacity := pageSize - slotArrayOff
	return left.liveBytes()+right.liveBytes()+extra <= capacity
}

// rebalance restores the minimum-fill invariant for n after a deletion has
// left it underflowed, borrowing a cell from an adjacent sibling or
// merging with one and cascading the shrink upward — the mirror image of
// splitAndInsert/propagateSplit's upward propagation of growth. path is
// n's ancestor chain as returned by descend (not including n itself); an
// empty path means n is the root, which spec.md §4.3 exempts. Both
// siblings (where they exist) are considered for lending and merging, so
// a full or oversized neighbor on one side doesn't force an unsafe move
// when the other side would work.
func (t *Tree) rebalance(path []pathEntry, n *node) error {
	if len(path) == 0 || !n.underflowed() {
		return nil
	}
	last := path[len(path)-1]
	parent, _, err := t.loadForWrite(last.id)
	if err != nil {
		return err
	}
	ancestors := path[:len(path)-1]
	childPos := last.pos
	hasLeft := childPos > 0
	hasRight := childPos < parent.cellCount()

	var left, right *node
	if hasLeft {
		if left, _, err = t.loadForWrite(childAt(parent, childPos-1)); err != nil {
			return err
		}
	}
	if hasRight {
		if right, _, err = t.loadForWrite(childAt(parent, childPos+1)); err != nil {
			return err
		}
	}

	if hasLeft && canLend(left, left.cellCount()-1) {
		if n.isLeaf() {
			err = borrowFromLeftLeaf(parent, childPos-1, left, n)
		} else {
			err = borrowFromLeftInterior(parent, childPos-1, left, n)
		}
		if err != nil {
			return err
		}
		t.commit(left)
		t.commit(n)
		t.commit(parent)
		return nil
	}
	if hasRight && canLend(right, 0) {
		if n.isLeaf() {
			err = borrowFromRightLeaf(parent, childPos, n, right)
		} else {
			err = borrowFromRightInterior(parent, childPos, n, right)
		}
		if err != nil {
			return err
		}
		t.commit(n)
		t.commit(right)
		t.commit(parent)
		return nil
	}

	leftExtra, rightExtra := 0, 0
	if !n.isLeaf() {
		if hasLeft {
			leftExtra = bridgeCellLen(parent, childPos-1) + slotSize
		}
		if hasRight {
			rightExtra = bridgeCellLen(parent, childPos) + slotSize
		}
	}

	if hasLeft && mergeFits(n.pageSize, left, n, leftExtra) {
		var merged *node
		if n.isLeaf() {
			merged = mergeLeafCells(left, n)
		} else {
			merged = mergeInteriorCells(parent, childPos-1, left, n)
		}
		t.commit(merged)
		if err := t.p.Free(n.id()); err != nil {
			return err
		}
		removeChildAt(parent, childPos-1, merged.id())
		t.commit(parent)
		return t.rebalance(ancestors, parent)
	}
	if hasRight && mergeFits(n.pageSize, n, right, rightExtra) {
		var merged *node
		if n.isLeaf() {
			merged = mergeLeafCells(n, right)
		} else {
			merged = mergeInteriorCells(parent, childPos, n, right)
		}
		t.commit(merged)
		if err := t.p.Free(right.id()); err != nil {
			return err
		}
		removeChildAt(parent, childPos, merged.id())
		t.commit(parent)
		return t.rebalance(ancestors, parent)
	}

	// Neither sibling can lend a cell and neither merge would fit in one
	// page — both siblings are oversized relative to n despite being
	// underflowed themselves. Leave n underflowed rather than risk
	// corrupting the tree or panicking inside rebuild(); it is still a
	// structurally valid node, just below the target fill level.
	return nil
}

// shrinkRootIfNeeded collapses the tree by one level when merges have
// emptied the root down to a single child, growRoot's symmetric
// counterpart on the insert side.
func (t *Tree) shrinkRootIfNeeded() error {
	root, err := t.load(t.root)
	if err != nil {
		return err
	}
	if root.isLeaf() || root.cellCount() > 0 {
		return nil
	}
	newRoot := root.rightChild()
	if err := t.p.Free(t.root); err != nil {
		return err
	}
	t.root = newRoot
	return nil
}
