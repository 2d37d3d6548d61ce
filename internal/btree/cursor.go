package btree

import "bytes"

// Cursor walks a tree's leaves in ascending key order, the access pattern
// SeqScan and IndexScan (internal/sqlfront) both use.
type Cursor struct {
	t       *Tree
	leaf    *node
	idx     int
	done    bool
}

// SeekFirst positions the cursor at the smallest key in the tree.
func (t *Tree) SeekFirst() (*Cursor, error) {
	id := t.root
	for {
		n, err := t.load(id)
		if err != nil {
			return nil, err
		}
		if n.isLeaf() {
			c := &Cursor{t: t, leaf: n, idx: 0}
			c.done = c.idx >= n.cellCount()
			return c, nil
		}
		if n.cellCount() == 0 {
			id = n.rightChild()
			continue
		}
		_, id = decodeInteriorCell(n.cellBytes(0))
	}
}

// SeekGE positions the cursor at the first key >= key.
func (t *Tree) SeekGE(key []byte) (*Cursor, error) {
	_, leafID, err := t.descend(key)
	if err != nil {
		return nil, err
	}
	n, err := t.load(leafID)
	if err != nil {
		return nil, err
	}
	idx, _ := n.find(key)
	c := &Cursor{t: t, leaf: n, idx: idx}
	if idx >= n.cellCount() {
		if err := c.advanceLeaf(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Cursor) advanceLeaf() error {
	next := c.leaf.nextLeaf()
	if next == 0 {
		c.done = true
		return nil
	}
	n, err := c.t.load(next)
	if err != nil {
		return err
	}
	c.leaf = n
	c.idx = 0
	if n.cellCount() == 0 {
		return c.advanceLeaf()
	}
	return nil
}

// Valid reports whether the cursor is positioned on a live entry.
func (c *Cursor) Valid() bool { return !c.done }

// Key returns the current entry's key.
func (c *Cursor) Key() []byte {
	return append([]byte(nil), c.leaf.cellKey(c.idx)...)
}

// Value returns the current entry's payload, reassembled from overflow
// pages if needed.
func (c *Cursor) Value() ([]byte, error) {
	cell := decodeLeafCell(c.leaf.cellBytes(c.idx))
	return c.t.materializePayload(cell)
}

// Next advances the cursor to the following entry, returning false once
// exhausted.
func (c *Cursor) Next() (bool, error) {
	if c.done {
		return false, nil
	}
	c.idx++
	if c.idx >= c.leaf.cellCount() {
		if err := c.advanceLeaf(); err != nil {
			return false, err
		}
	}
	return !c.done, nil
}

// KeyPrefixLess reports whether the cursor's current key sorts strictly
// before bound, comparing raw key bytes without decoding them.
func (c *Cursor) KeyPrefixLess(bound []byte) bool {
	return bytes.Compare(c.Key(), bound) < 0
}
