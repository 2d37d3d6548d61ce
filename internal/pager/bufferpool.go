package pager

import (
	"container/list"

	"github.com/relitedb/relite/internal/page"
)

// bufferPool is a fixed-capacity LRU page cache, grounded on the teacher's
// PageBufferPool (_examples/SimonWaldherr-tinySQL/internal/storage/pager/pager.go),
// simplified to single-threaded use: callers serialize access themselves
// via the connection's RESERVED/EXCLUSIVE lock (internal/locking), so the
// pool itself carries no mutex.
type bufferPool struct {
	capacity int
	entries  map[page.ID]*list.Element
	order    *list.List // front = most recently used
}

type bufferEntry struct {
	id   page.ID
	buf  []byte
	dirty bool
}

func newBufferPool(capacity int) *bufferPool {
	return &bufferPool{
		capacity: capacity,
		entries:  make(map[page.ID]*list.Element),
		order:    list.New(),
	}
}

// get returns a cached page's buffer, promoting it to most-recently-used.
func (p *bufferPool) get(id page.ID) ([]byte, bool) {
	el, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	p.order.MoveToFront(el)
	return el.Value.(*bufferEntry).buf, true
}

// put inserts or replaces the cached buffer for id, evicting the least
// recently used page, clean or dirty, if the pool is over capacity. A dirty victim is
// returned so the caller (Pager) can flush it before it's dropped; the
// buffer pool never performs I/O itself.
func (p *bufferPool) put(id page.ID, buf []byte, dirty bool) (evictedID page.ID, evictedBuf []byte, evicted bool) {
	if el, ok := p.entries[id]; ok {
		e := el.Value.(*bufferEntry)
		e.buf = buf
		e.dirty = e.dirty || dirty
		p.order.MoveToFront(el)
		return 0, nil, false
	}
	el := p.order.PushFront(&bufferEntry{id: id, buf: buf, dirty: dirty})
	p.entries[id] = el

	if p.order.Len() <= p.capacity {
		return 0, nil, false
	}
	back := p.order.Back()
	victim := back.Value.(*bufferEntry)
	p.order.Remove(back)
	delete(p.entries, victim.id)
	if victim.dirty {
		return victim.id, victim.buf, true
	}
	return 0, nil, false
}

// markDirty flags a cached page as dirty without changing its LRU position.
func (p *bufferPool) markDirty(id page.ID) {
	if el, ok := p.entries[id]; ok {
		el.Value.(*bufferEntry).dirty = true
	}
}

// drop removes id from the pool without flushing it (used on rollback: the
// page's in-memory image is stale and must be re-read from disk).
func (p *bufferPool) drop(id page.ID) {
	if el, ok := p.entries[id]; ok {
		p.order.Remove(el)
		delete(p.entries, id)
	}
}

// dirtyPages returns every dirty page currently cached, for commit flush.
func (p *bufferPool) dirtyPages() []*bufferEntry {
	var out []*bufferEntry
	for el := p.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*bufferEntry)
		if e.dirty {
			out = append(out, e)
		}
	}
	return out
}

func (p *bufferPool) clearDirty() {
	for el := p.order.Front(); el != nil; el = el.Next() {
		el.Value.(*bufferEntry).dirty = false
	}
}

func (p *bufferPool) reset() {
	p.entries = make(map[page.ID]*list.Element)
	p.order.Init()
}
