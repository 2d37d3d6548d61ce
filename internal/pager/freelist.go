package pager

import (
	"encoding/binary"

	"github.com/relitedb/relite/internal/page"
)

// Free pages form a singly linked list threaded through the pages
// themselves: the 4 bytes immediately after the common page header hold the
// next free page id (0 = end of list), mirroring the teacher's FreeListPage
// layout (_examples/SimonWaldherr-tinySQL/internal/storage/pager/freelist.go)
// but simplified to a single list instead of a batched free-list page.
const freeNextOff = page.HeaderSize

func freeNextOf(buf []byte) page.ID { return page.ID(binary.LittleEndian.Uint32(buf[freeNextOff:])) }

func setFreeNext(buf []byte, next page.ID) {
	binary.LittleEndian.PutUint32(buf[freeNextOff:], uint32(next))
}

// popFree removes and returns the head of the free list, or ok=false if the
// list is empty. Must read through Get rather than readRaw: a page freed
// earlier in this same write transaction has its FREE-typed image (and
// correct next-pointer) sitting in the dirty buffer pool only, not yet
// flushed to disk, so reading raw bytes here would derive the new
// FreeListHead from a stale on-disk copy and corrupt the list.
func (p *Pager) popFree() (id page.ID, ok bool, err error) {
	if p.meta.FreeListHead == page.InvalidID {
		return 0, false, nil
	}
	head := p.meta.FreeListHead
	buf, err := p.Get(head)
	if err != nil {
		return 0, false, err
	}
	p.meta.FreeListHead = freeNextOf(buf)
	return head, true, nil
}

// pushFree prepends id to the free list. buf is the page's current buffer,
// which pushFree overwrites in place with a FREE-typed page header and a
// next-pointer to the prior head.
func (p *Pager) pushFree(id page.ID, buf []byte) {
	page.Init(buf, page.TypeFree, id)
	setFreeNext(buf, p.meta.FreeListHead)
	page.SetCRC(buf)
	p.meta.FreeListHead = id
}
