// Package pager implements relite's on-disk page store: fixed-size pages
// (internal/page), a free list, overflow chains for oversized payloads, and
// crash recovery via a rollback journal of page pre-images (spec.md §4.1,
// §6). It is the teacher's pager.go (_examples/SimonWaldherr-tinySQL/
// internal/storage/pager/pager.go) rebuilt around undo logging instead of
// the teacher's WAL-based redo logging.
package pager

import (
	"os"
	"path/filepath"

	"github.com/relitedb/relite/internal/errs"
	"github.com/relitedb/relite/internal/page"
)

// Options configures Open.
type Options struct {
	// PageSize is used only when creating a brand-new database file.
	PageSize int
	// CacheCapacity is the number of pages the buffer pool holds in memory.
	CacheCapacity int
}

// DefaultOptions matches spec.md §3's default page size and a modest cache.
func DefaultOptions() Options {
	return Options{PageSize: page.DefaultSize, CacheCapacity: 256}
}

// Pager owns a single database file plus its sibling rollback journal. It is
// not safe for concurrent use; internal/locking and internal/conn serialize
// writers and readers around it.
type Pager struct {
	file        *os.File
	path        string
	journalPath string
	pageSize    int
	pool        *bufferPool
	meta        *Meta

	j       *journal // non-nil only while a write transaction is open
	writing bool
}

// Open opens path, creating a new database if it doesn't exist, and
// replays any rollback journal left behind by a crash before returning.
func Open(path string, opts Options) (*Pager, error) {
	journalPath := path + "-journal"

	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)
	if ps := opts.PageSize; isNew && ps != 0 && (ps < page.MinSize || ps > page.MaxSize || ps&(ps-1) != 0) {
		return nil, errs.New(errs.Internal, "invalid page size %d", ps)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "open database file")
	}

	p := &Pager{file: f, path: path, journalPath: journalPath}

	if isNew {
		pageSize := opts.PageSize
		if pageSize == 0 {
			pageSize = page.DefaultSize
		}
		p.pageSize = pageSize
		p.meta = NewMeta(uint32(pageSize))
		if err := p.writeRaw(0, p.meta.Marshal(pageSize)); err != nil {
			f.Close()
			return nil, err
		}
		if err := p.file.Sync(); err != nil {
			f.Close()
			return nil, errs.Wrap(errs.IO, err, "fsync new database file")
		}
	} else {
		// Read page size from the raw meta page bytes before we know the
		// real page size, by reading only the fixed metaFixedLen-byte prefix
		// (page size lives within the first 40 bytes, true regardless of the
		// file's actual page size).
		head := make([]byte, metaFixedLen)
		if _, err := f.ReadAt(head, 0); err != nil {
			f.Close()
			return nil, errs.Wrap(errs.IO, err, "read meta page")
		}
		m, err := UnmarshalMeta(head)
		if err != nil {
			f.Close()
			return nil, err
		}
		p.pageSize = int(m.PageSize)
		p.meta = m
	}

	cap := opts.CacheCapacity
	if cap <= 0 {
		cap = 256
	}
	p.pool = newBufferPool(cap)

	if err := p.recoverIfNeeded(); err != nil {
		f.Close()
		return nil, err
	}

	return p, nil
}

// PageSize reports the page size this database was created with.
func (p *Pager) PageSize() int { return p.pageSize }

// File returns the underlying database file handle, for internal/locking to
// acquire byte-range locks against; the pager itself has no notion of lock
// state, that's layered on top by internal/conn.
func (p *Pager) File() *os.File { return p.file }

// SchemaVersion reports the current schema-change counter (spec.md §5: a
// reader must invalidate its catalog snapshot when this has moved since it
// last acquired SHARED).
func (p *Pager) SchemaVersion() uint32 { return p.meta.SchemaVersion }

// Meta returns the in-memory meta record. Callers must not mutate the
// returned fields directly except through SetCatalogRoot/BumpSchemaVersion.
func (p *Pager) Meta() Meta { return *p.meta }

// SetCatalogRoot updates the catalog root page recorded in the meta page.
// Must be called within a write transaction; flushed at Commit.
func (p *Pager) SetCatalogRoot(id page.ID) { p.meta.CatalogRoot = id }

// BumpSchemaVersion increments the schema-change counter (spec.md §3,
// invalidating cached plans keyed on schema version).
func (p *Pager) BumpSchemaVersion() { p.meta.SchemaVersion++ }

func (p *Pager) readRaw(id page.ID) ([]byte, error) {
	buf := make([]byte, p.pageSize)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.ReadAt(buf, off); err != nil {
		return nil, errs.Wrap(errs.IO, err, "read page %d", id)
	}
	if id != 0 {
		if err := page.VerifyCRC(buf); err != nil {
			return nil, errs.Wrap(errs.Corrupt, err, "page %d failed integrity check", id)
		}
	}
	return buf, nil
}

func (p *Pager) writeRaw(id page.ID, buf []byte) error {
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.WriteAt(buf, off); err != nil {
		return errs.Wrap(errs.IO, err, "write page %d", id)
	}
	return nil
}

// Get fetches a page's current contents, through the buffer pool.
func (p *Pager) Get(id page.ID) ([]byte, error) {
	if buf, ok := p.pool.get(id); ok {
		return buf, nil
	}
	buf, err := p.readRaw(id)
	if err != nil {
		return nil, err
	}
	p.cacheClean(id, buf)
	return buf, nil
}

func (p *Pager) cacheClean(id page.ID, buf []byte) {
	evID, evBuf, evicted := p.pool.put(id, buf, false)
	if evicted {
		// A dirty page can only be evicted mid-transaction, and only after
		// its pre-image was already journaled and fsynced by MarkDirty; it
		// is safe to flush it to the main file early.
		_ = p.writeRaw(evID, evBuf)
	}
}

// BeginWrite opens a write transaction: creates the rollback journal and
// journals the current meta page as its first pre-image record, since every
// write transaction changes at least one of the meta page's fields.
func (p *Pager) BeginWrite() error {
	if p.writing {
		return errs.New(errs.Internal, "BeginWrite called with a transaction already open")
	}
	j, err := createJournal(p.journalPath, p.pageSize, p.meta.PageCount)
	if err != nil {
		return err
	}
	p.j = j
	p.writing = true

	metaBuf, err := p.readRaw(0)
	if err != nil {
		return err
	}
	if err := p.MarkDirty(0, metaBuf); err != nil {
		return err
	}
	return nil
}

// MarkDirty journals preImage as page id's pre-image (if not already
// journaled this transaction) and flags id dirty in the cache. Callers must
// call this BEFORE mutating a page buffer in place.
func (p *Pager) MarkDirty(id page.ID, preImage []byte) error {
	if !p.writing {
		return errs.New(errs.Internal, "MarkDirty called outside a write transaction")
	}
	if !p.j.alreadyJournaled(id) {
		if err := p.j.appendPreImage(id, preImage); err != nil {
			return err
		}
		// fsync immediately rather than batching until commit: simpler to
		// reason about than tracking whether any dirty page has been
		// flushed early by cache eviction since the last sync.
		if err := p.j.sync(); err != nil {
			return err
		}
	}
	p.pool.markDirty(id)
	return nil
}

// Put writes buf as page id's new contents in the cache. Callers must have
// already called MarkDirty for id in this transaction.
func (p *Pager) Put(id page.ID, buf []byte) {
	p.cacheDirty(id, buf)
}

func (p *Pager) cacheDirty(id page.ID, buf []byte) {
	evID, evBuf, evicted := p.pool.put(id, buf, true)
	if evicted {
		_ = p.writeRaw(evID, evBuf)
	}
}

// Allocate returns a fresh, zeroed page of the given type: either a reused
// free-list page (its pre-image journaled first) or a brand-new page at the
// end of the file.
func (p *Pager) Allocate(t page.Type) (page.ID, []byte, error) {
	if !p.writing {
		return 0, nil, errs.New(errs.Internal, "Allocate called outside a write transaction")
	}
	id, reused, err := p.popFree()
	if err != nil {
		return 0, nil, err
	}
	if reused {
		freeBuf, err := p.Get(id)
		if err != nil {
			return 0, nil, err
		}
		if err := p.MarkDirty(id, freeBuf); err != nil {
			return 0, nil, err
		}
	} else {
		id = page.ID(p.meta.PageCount)
		p.meta.PageCount++
	}
	buf := page.New(p.pageSize, t, id)
	p.cacheDirty(id, buf)
	return id, buf, nil
}

// Free returns id to the free list. Its current contents are journaled as
// its pre-image before being overwritten with the free-list linkage.
func (p *Pager) Free(id page.ID) error {
	if !p.writing {
		return errs.New(errs.Internal, "Free called outside a write transaction")
	}
	buf, err := p.Get(id)
	if err != nil {
		return err
	}
	if err := p.MarkDirty(id, buf); err != nil {
		return err
	}
	freeBuf := make([]byte, p.pageSize)
	copy(freeBuf, buf)
	p.pushFree(id, freeBuf)
	p.cacheDirty(id, freeBuf)
	return nil
}

// Commit flushes every dirty page and the meta page to the main file,
// fsyncs it, then deletes the journal — the durability point spec.md §4.1
// defines as the moment a transaction becomes permanent.
func (p *Pager) Commit() error {
	if !p.writing {
		return errs.New(errs.Internal, "Commit called outside a write transaction")
	}
	for _, e := range p.pool.dirtyPages() {
		if e.id == 0 {
			continue // meta is flushed explicitly below, from p.meta
		}
		if err := p.writeRaw(e.id, e.buf); err != nil {
			return err
		}
	}
	if err := p.writeRaw(0, p.meta.Marshal(p.pageSize)); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return errs.Wrap(errs.IO, err, "fsync database file")
	}
	if err := p.j.remove(); err != nil {
		return err
	}
	syncDir(p.path)

	p.pool.clearDirty()
	p.j = nil
	p.writing = false
	return nil
}

// Rollback discards every change made in the current write transaction by
// replaying the journal's pre-images back onto the main file.
func (p *Pager) Rollback() error {
	if !p.writing {
		return errs.New(errs.Internal, "Rollback called outside a write transaction")
	}
	if err := applyJournal(p.file, p.j, p.pageSize); err != nil {
		return err
	}
	metaBuf, err := p.readRaw(0)
	if err != nil {
		return err
	}
	m, err := UnmarshalMeta(metaBuf)
	if err != nil {
		return err
	}
	p.meta = m
	p.pool.reset()

	if err := p.j.remove(); err != nil {
		return err
	}
	syncDir(p.path)

	p.j = nil
	p.writing = false
	return nil
}

// recoverIfNeeded replays a journal left behind by a crashed writer, if one
// exists, before the database is used (spec.md §4.1 "Recovery").
func (p *Pager) recoverIfNeeded() error {
	j, err := openJournalForRecovery(p.journalPath)
	if err != nil {
		return err
	}
	if j == nil {
		return nil
	}
	if err := applyJournal(p.file, j, j.pageSize); err != nil {
		return err
	}
	metaBuf := make([]byte, j.pageSize)
	if _, err := p.file.ReadAt(metaBuf, 0); err != nil {
		return errs.Wrap(errs.IO, err, "read recovered meta page")
	}
	m, err := UnmarshalMeta(metaBuf)
	if err != nil {
		return err
	}
	p.meta = m
	p.pageSize = int(m.PageSize)

	if err := j.remove(); err != nil {
		return err
	}
	syncDir(p.path)
	return nil
}

// applyJournal restores every pre-image in j onto f and truncates f back to
// j's recorded original page count, undoing a partially-applied transaction.
func applyJournal(f *os.File, j *journal, pageSize int) error {
	records, err := j.records()
	if err != nil {
		return err
	}
	for id, image := range records {
		off := int64(id) * int64(pageSize)
		if _, err := f.WriteAt(image, off); err != nil {
			return errs.Wrap(errs.IO, err, "restore page %d", id)
		}
	}
	if err := f.Truncate(int64(j.origCount) * int64(pageSize)); err != nil {
		return errs.Wrap(errs.IO, err, "truncate database file")
	}
	if err := f.Sync(); err != nil {
		return errs.Wrap(errs.IO, err, "fsync database file")
	}
	return nil
}

// syncDir fsyncs the directory containing path, completing the durability
// chain spec.md §4.1 specifies (pre-images, db file, then the directory
// entry for the journal's removal). Best-effort: some platforms and
// filesystems don't support fsync on directories.
func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// Close releases the underlying file handle. The caller must not call Close
// with a write transaction still open.
func (p *Pager) Close() error {
	if err := p.file.Close(); err != nil {
		return errs.Wrap(errs.IO, err, "close database file")
	}
	return nil
}
