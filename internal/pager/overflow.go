package pager

import (
	"encoding/binary"

	"github.com/relitedb/relite/internal/page"
)

// Overflow pages hold the tail of a payload too large to fit in a single
// B+Tree leaf slot, chained by a next-page pointer, following the teacher's
// OverflowPage layout (_examples/SimonWaldherr-tinySQL/internal/storage/pager/overflow.go)
// adapted onto our common 16-byte page header instead of its bespoke one.
//
//	[HeaderSize:HeaderSize+4]  next overflow page id (0 = end of chain)
//	[HeaderSize+4:+4]          payload length in this page (uint32 LE)
//	[HeaderSize+8:]            payload bytes
const (
	ovflNextOff = page.HeaderSize
	ovflLenOff  = page.HeaderSize + 4
	ovflDataOff = page.HeaderSize + 8
)

func overflowCapacity(pageSize int) int { return pageSize - ovflDataOff }

func writeOverflowHeader(buf []byte, id, next page.ID, n int) {
	page.Init(buf, page.TypeOverflow, id)
	binary.LittleEndian.PutUint32(buf[ovflNextOff:], uint32(next))
	binary.LittleEndian.PutUint32(buf[ovflLenOff:], uint32(n))
}

func overflowNext(buf []byte) page.ID { return page.ID(binary.LittleEndian.Uint32(buf[ovflNextOff:])) }
func overflowLen(buf []byte) int      { return int(binary.LittleEndian.Uint32(buf[ovflLenOff:])) }
func overflowData(buf []byte) []byte  { return buf[ovflDataOff : ovflDataOff+overflowLen(buf)] }

// WriteOverflow stores payload across as many freshly allocated overflow
// pages as needed and returns the id of the first one (the chain head a
// B+Tree leaf slot points at).
func (p *Pager) WriteOverflow(payload []byte) (page.ID, error) {
	cap := overflowCapacity(p.pageSize)
	var headID, prevID page.ID
	var prevBuf []byte
	remaining := payload

	for len(remaining) > 0 || headID == page.InvalidID {
		id, buf, err := p.Allocate(page.TypeOverflow)
		if err != nil {
			return 0, err
		}
		n := len(remaining)
		if n > cap {
			n = cap
		}
		writeOverflowHeader(buf, id, page.InvalidID, n)
		copy(buf[ovflDataOff:], remaining[:n])
		page.SetCRC(buf)
		if err := p.writeRaw(id, buf); err != nil {
			return 0, err
		}
		if headID == page.InvalidID {
			headID = id
		}
		if prevBuf != nil {
			binary.LittleEndian.PutUint32(prevBuf[ovflNextOff:], uint32(id))
			page.SetCRC(prevBuf)
			if err := p.writeRaw(prevID, prevBuf); err != nil {
				return 0, err
			}
		}
		prevID, prevBuf = id, buf
		remaining = remaining[n:]
		if len(remaining) == 0 {
			break
		}
	}
	return headID, nil
}

// ReadOverflow reassembles the payload stored starting at head.
func (p *Pager) ReadOverflow(head page.ID) ([]byte, error) {
	var out []byte
	id := head
	for id != page.InvalidID {
		buf, err := p.readRaw(id)
		if err != nil {
			return nil, err
		}
		out = append(out, overflowData(buf)...)
		id = overflowNext(buf)
	}
	return out, nil
}

// FreeOverflow releases every page in the chain starting at head.
func (p *Pager) FreeOverflow(head page.ID) error {
	id := head
	for id != page.InvalidID {
		buf, err := p.readRaw(id)
		if err != nil {
			return err
		}
		next := overflowNext(buf)
		if err := p.Free(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}
