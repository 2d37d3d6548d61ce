package pager

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/relitedb/relite/internal/errs"
	"github.com/relitedb/relite/internal/page"
)

// Meta is the parsed contents of page 0, laid out exactly as spec.md §6:
//
//	offset  size  field
//	0       16    magic "PYSQLITE-FMT-01\x00"
//	16      4     page size
//	20      4     page count
//	24      4     free-list head (0 = none)
//	28      4     catalog root page
//	32      4     schema-change counter
//
// A CRC32-C of bytes [0:36) is stored at offset 36 so a corrupt or
// truncated meta page is detectable (spec.md §7 CORRUPT), which the literal
// spec table leaves to the reader's discretion; everything past offset 40
// is reserved and zero-filled.
const (
	metaMagic      = "PYSQLITE-FMT-01\x00"
	metaMagicOff   = 0
	metaMagicLen   = 16
	metaPageSzOff  = 16
	metaCountOff   = 20
	metaFreeOff    = 24
	metaCatRootOff = 28
	metaSchemaOff  = 32
	metaCRCOff     = 36
	metaFixedLen   = 40
)

var metaCRCTable = crc32.MakeTable(crc32.Castagnoli)

// Meta mirrors page 0 in memory.
type Meta struct {
	PageSize      uint32
	PageCount     uint32
	FreeListHead  page.ID
	CatalogRoot   page.ID
	SchemaVersion uint32
}

// NewMeta returns the meta record for a brand-new database: one page
// allocated (the meta page itself), no free list, no catalog yet.
func NewMeta(pageSize uint32) *Meta {
	return &Meta{
		PageSize:      pageSize,
		PageCount:     1,
		FreeListHead:  page.InvalidID,
		CatalogRoot:   page.InvalidID,
		SchemaVersion: 0,
	}
}

// Marshal writes m into a full page-sized buffer.
func (m *Meta) Marshal(pageSize int) []byte {
	buf := make([]byte, pageSize)
	copy(buf[metaMagicOff:metaMagicOff+metaMagicLen], metaMagic)
	binary.LittleEndian.PutUint32(buf[metaPageSzOff:], m.PageSize)
	binary.LittleEndian.PutUint32(buf[metaCountOff:], m.PageCount)
	binary.LittleEndian.PutUint32(buf[metaFreeOff:], uint32(m.FreeListHead))
	binary.LittleEndian.PutUint32(buf[metaCatRootOff:], uint32(m.CatalogRoot))
	binary.LittleEndian.PutUint32(buf[metaSchemaOff:], m.SchemaVersion)
	crc := crc32.Checksum(buf[:metaCRCOff], metaCRCTable)
	binary.LittleEndian.PutUint32(buf[metaCRCOff:], crc)
	return buf
}

// UnmarshalMeta parses and validates page 0.
func UnmarshalMeta(buf []byte) (*Meta, error) {
	if len(buf) < metaFixedLen {
		return nil, errs.New(errs.Corrupt, "meta page too short (%d bytes)", len(buf))
	}
	magic := string(buf[metaMagicOff : metaMagicOff+metaMagicLen])
	if magic != metaMagic {
		return nil, errs.New(errs.Corrupt, "bad meta magic %q", magic)
	}
	stored := binary.LittleEndian.Uint32(buf[metaCRCOff:])
	if got := crc32.Checksum(buf[:metaCRCOff], metaCRCTable); got != stored {
		return nil, errs.New(errs.Corrupt, "meta page checksum mismatch (stored=%08x computed=%08x)", stored, got)
	}
	m := &Meta{
		PageSize:      binary.LittleEndian.Uint32(buf[metaPageSzOff:]),
		PageCount:     binary.LittleEndian.Uint32(buf[metaCountOff:]),
		FreeListHead:  page.ID(binary.LittleEndian.Uint32(buf[metaFreeOff:])),
		CatalogRoot:   page.ID(binary.LittleEndian.Uint32(buf[metaCatRootOff:])),
		SchemaVersion: binary.LittleEndian.Uint32(buf[metaSchemaOff:]),
	}
	if m.PageSize < page.MinSize || m.PageSize > page.MaxSize || m.PageSize&(m.PageSize-1) != 0 {
		return nil, errs.New(errs.Corrupt, "invalid page size %d in meta page", m.PageSize)
	}
	return m, nil
}
