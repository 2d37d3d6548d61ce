// Package page defines the fixed-size, typed page format shared by the
// pager and the B+Tree: every page on disk carries the same 16-byte header
// (type, page id, checksum) regardless of what the rest of its bytes mean.
package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// DefaultSize is the page size used for new databases.
	DefaultSize = 4096
	// MinSize and MaxSize bound the page sizes accepted at open time.
	MinSize = 512
	MaxSize = 65536

	// HeaderSize is the length, in bytes, of the common page header.
	//
	//	[0]     Type      (1 byte)
	//	[1]     Flags     (1 byte)
	//	[2:4]   Reserved  (2 bytes)
	//	[4:8]   ID        (4 bytes, uint32 LE)
	//	[8:12]  CRC32     (4 bytes, uint32 LE, Castagnoli, computed with this field zeroed)
	//	[12:16] Reserved  (4 bytes)
	HeaderSize = 16

	// InvalidID is the null page pointer; page 0 is always the meta page, so
	// no live structure ever legitimately points at it as a sibling/child.
	InvalidID ID = 0
)

// ID is a page number: its byte offset in the database file is ID * pageSize.
type ID uint32

// Type identifies what a page's body means, per spec.md §3.
type Type uint8

const (
	TypeMeta           Type = 0
	TypeTableInterior   Type = 1
	TypeTableLeaf       Type = 2
	TypeIndexInterior   Type = 3
	TypeIndexLeaf       Type = 4
	TypeOverflow        Type = 5
	TypeFree            Type = 6
)

func (t Type) String() string {
	switch t {
	case TypeMeta:
		return "META"
	case TypeTableInterior:
		return "TABLE_INTERIOR"
	case TypeTableLeaf:
		return "TABLE_LEAF"
	case TypeIndexInterior:
		return "INDEX_INTERIOR"
	case TypeIndexLeaf:
		return "INDEX_LEAF"
	case TypeOverflow:
		return "OVERFLOW"
	case TypeFree:
		return "FREE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

func (t Type) IsInterior() bool { return t == TypeTableInterior || t == TypeIndexInterior }
func (t Type) IsLeaf() bool     { return t == TypeTableLeaf || t == TypeIndexLeaf }

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Init stamps a fresh header (type + id, zeroed CRC) at the front of buf.
func Init(buf []byte, t Type, id ID) {
	buf[0] = byte(t)
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id))
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
}

// TypeOf reads the type byte of a page buffer.
func TypeOf(buf []byte) Type { return Type(buf[0]) }

// IDOf reads the page id stamped in the header.
func IDOf(buf []byte) ID { return ID(binary.LittleEndian.Uint32(buf[4:8])) }

// SetID overwrites the page id stamped in the header.
func SetID(buf []byte, id ID) { binary.LittleEndian.PutUint32(buf[4:8], uint32(id)) }

// computeCRC computes the CRC32-C of buf with the CRC field treated as zero.
func computeCRC(buf []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(buf[:8])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[12:])
	return h.Sum32()
}

// SetCRC computes and stores the page checksum.
func SetCRC(buf []byte) {
	binary.LittleEndian.PutUint32(buf[8:12], computeCRC(buf))
}

// VerifyCRC reports whether the stored checksum matches the page contents.
func VerifyCRC(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("page: short buffer (%d bytes)", len(buf))
	}
	stored := binary.LittleEndian.Uint32(buf[8:12])
	if got := computeCRC(buf); got != stored {
		return fmt.Errorf("page %d: checksum mismatch (stored=%08x computed=%08x)", IDOf(buf), stored, got)
	}
	return nil
}

// New allocates a zeroed page buffer of the given size with its header set.
func New(size int, t Type, id ID) []byte {
	buf := make([]byte, size)
	Init(buf, t, id)
	return buf
}
