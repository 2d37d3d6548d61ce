package pager

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/relitedb/relite/internal/errs"
	"github.com/relitedb/relite/internal/page"
)

// journal is the rollback journal, spec.md §4.1: an undo log of page
// pre-images. Unlike the teacher's wal.go (_examples/SimonWaldherr-tinySQL/
// internal/storage/pager/wal.go), which logs committed new images forward
// (redo/WAL), this logs the *original* contents of every page the first time
// a write transaction touches it (undo/rollback-journal). Recovery after a
// crash, or an explicit ROLLBACK, both work the same way: replay every
// record back onto the main file and discard the journal.
//
// On-disk layout:
//
//	header  [0:16]   magic "PYSQLITE-RBJ-01\x00"
//	        [16:20]  page size (uint32 LE)
//	        [20:24]  original page count (uint32 LE) — truncation target on rollback
//	records (repeated): [0:4] page id (uint32 LE)
//	                     [4:4+pageSize] page image
//	                     [4+pageSize:8+pageSize] CRC32-C of the image
const (
	journalMagic    = "PYSQLITE-RBJ-01\x00"
	journalHdrLen   = 24
	journalMagicLen = 16
)

var journalCRCTable = crc32.MakeTable(crc32.Castagnoli)

func journalRecordLen(pageSize int) int { return 4 + pageSize + 4 }

type journal struct {
	f          *os.File
	path       string
	pageSize   int
	origCount  uint32
	dirtied    map[page.ID]bool // pages already journaled this transaction
}

// createJournal starts a brand-new journal for a write transaction about to
// begin, truncating any stale journal left by a prior process.
func createJournal(path string, pageSize int, origCount uint32) (*journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "create journal")
	}
	var hdr [journalHdrLen]byte
	copy(hdr[:journalMagicLen], journalMagic)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(pageSize))
	binary.LittleEndian.PutUint32(hdr[20:24], origCount)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IO, err, "write journal header")
	}
	return &journal{f: f, path: path, pageSize: pageSize, origCount: origCount, dirtied: make(map[page.ID]bool)}, nil
}

// openJournalForRecovery opens a journal left behind by a crashed process.
// It returns nil, nil if no journal file exists (clean shutdown).
func openJournalForRecovery(path string) (*journal, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "open journal")
	}
	var hdr [journalHdrLen]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		f.Close()
		// A journal too short to carry a header is itself an incomplete
		// write; there is nothing to recover from it, and the main file was
		// never touched for this (never-started) transaction.
		return nil, nil
	}
	if string(hdr[:journalMagicLen]) != journalMagic {
		f.Close()
		return nil, errs.New(errs.Corrupt, "bad journal magic")
	}
	pageSize := int(binary.LittleEndian.Uint32(hdr[16:20]))
	origCount := binary.LittleEndian.Uint32(hdr[20:24])
	return &journal{f: f, path: path, pageSize: pageSize, origCount: origCount}, nil
}

// alreadyJournaled reports whether id's pre-image has already been recorded
// in the current transaction; mark_dirty must journal a page at most once
// per transaction (spec.md §4.1 "first mutation").
func (j *journal) alreadyJournaled(id page.ID) bool { return j.dirtied[id] }

// appendPreImage records buf as the pre-image of page id.
func (j *journal) appendPreImage(id page.ID, buf []byte) error {
	rec := make([]byte, 0, journalRecordLen(j.pageSize))
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], uint32(id))
	rec = append(rec, idBuf[:]...)
	rec = append(rec, buf...)
	crc := crc32.Checksum(buf, journalCRCTable)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	rec = append(rec, crcBuf[:]...)

	if _, err := j.f.Write(rec); err != nil {
		return errs.Wrap(errs.IO, err, "append journal record")
	}
	j.dirtied[id] = true
	return nil
}

// sync fsyncs the journal file, the durability point that must precede any
// write to the main database file (spec.md §4.1 ordering).
func (j *journal) sync() error {
	if err := j.f.Sync(); err != nil {
		return errs.Wrap(errs.IO, err, "fsync journal")
	}
	return nil
}

// records reads every pre-image record in the journal, in file order. On a
// page id repeated more than once (should not happen within one well-formed
// transaction, but a half-written recovery journal might), the first
// occurrence is authoritative since it is the true original image.
func (j *journal) records() (map[page.ID][]byte, error) {
	if _, err := j.f.Seek(journalHdrLen, io.SeekStart); err != nil {
		return nil, errs.Wrap(errs.IO, err, "seek journal")
	}
	out := make(map[page.ID][]byte)
	recLen := journalRecordLen(j.pageSize)
	buf := make([]byte, recLen)
	for {
		n, err := io.ReadFull(j.f, buf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// Trailing partial record: the process crashed mid-append. The
			// remaining complete records are still valid pre-images.
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.IO, err, "read journal record")
		}
		if n != recLen {
			break
		}
		id := page.ID(binary.LittleEndian.Uint32(buf[0:4]))
		image := make([]byte, j.pageSize)
		copy(image, buf[4:4+j.pageSize])
		storedCRC := binary.LittleEndian.Uint32(buf[4+j.pageSize:])
		if crc32.Checksum(image, journalCRCTable) != storedCRC {
			// A torn/corrupt record: stop here, same reasoning as a partial
			// record — everything journaled before it is still trustworthy.
			break
		}
		if _, seen := out[id]; !seen {
			out[id] = image
		}
	}
	return out, nil
}

func (j *journal) close() error {
	return j.f.Close()
}

// remove closes and deletes the journal file. Per spec.md §4.1, deleting the
// journal (and fsync'ing its containing directory) is what marks a
// transaction as durably committed.
func (j *journal) remove() error {
	path := j.path
	if err := j.f.Close(); err != nil {
		return errs.Wrap(errs.IO, err, "close journal")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IO, err, "remove journal")
	}
	return nil
}
