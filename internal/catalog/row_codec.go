package catalog

import (
	"encoding/binary"
	"math"

	"github.com/relitedb/relite/internal/errs"
)

// Row is a tuple in schema column order.
type Row []Value

// wire format per row, spec.md §4.4:
//
//	[0:2]  field count (uint16 LE)
//	for each field:
//	  [0]  type tag (0x00 NULL, 0x01 INT, 0x02 STR, 0x03 FLOAT)
//	  ...  payload (none for NULL; 8-byte LE for INT; 8-byte LE for FLOAT;
//	       4-byte LE length + UTF-8 bytes for STR)
const (
	tagNull  byte = 0x00
	tagInt   byte = 0x01
	tagStr   byte = 0x02
	tagFloat byte = 0x03
)

// EncodeRow serializes a row into the compact, self-describing binary
// format used as B+Tree leaf payloads.
func EncodeRow(row Row) []byte {
	est := 2 + len(row)*9
	buf := make([]byte, 0, est)
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(row)))
	buf = append(buf, hdr[:]...)

	for _, v := range row {
		switch v.Kind {
		case KindNull:
			buf = append(buf, tagNull)
		case KindInt:
			buf = append(buf, tagInt)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(v.I))
			buf = append(buf, b[:]...)
		case KindFloat:
			buf = append(buf, tagFloat)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.F))
			buf = append(buf, b[:]...)
		case KindStr:
			buf = append(buf, tagStr)
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(len(v.S)))
			buf = append(buf, b[:]...)
			buf = append(buf, v.S...)
		default:
			panic("catalog: EncodeRow: unknown kind")
		}
	}
	return buf
}

// DecodeRow is the inverse of EncodeRow.
func DecodeRow(data []byte) (Row, error) {
	if len(data) < 2 {
		return nil, errs.New(errs.Corrupt, "row data too short (%d bytes)", len(data))
	}
	count := int(binary.LittleEndian.Uint16(data[:2]))
	off := 2
	row := make(Row, count)

	for i := 0; i < count; i++ {
		if off >= len(data) {
			return nil, errs.New(errs.Corrupt, "truncated row at field %d", i)
		}
		tag := data[off]
		off++
		switch tag {
		case tagNull:
			row[i] = Null()
		case tagInt:
			if off+8 > len(data) {
				return nil, errs.New(errs.Corrupt, "truncated int at field %d", i)
			}
			row[i] = Int(int64(binary.LittleEndian.Uint64(data[off : off+8])))
			off += 8
		case tagFloat:
			if off+8 > len(data) {
				return nil, errs.New(errs.Corrupt, "truncated float at field %d", i)
			}
			row[i] = Float(math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8])))
			off += 8
		case tagStr:
			if off+4 > len(data) {
				return nil, errs.New(errs.Corrupt, "truncated string length at field %d", i)
			}
			slen := int(binary.LittleEndian.Uint32(data[off : off+4]))
			off += 4
			if slen < 0 || off+slen > len(data) {
				return nil, errs.New(errs.Corrupt, "truncated string data at field %d", i)
			}
			row[i] = Str(string(data[off : off+slen]))
			off += slen
		default:
			return nil, errs.New(errs.Corrupt, "unknown row tag 0x%02x at field %d", tag, i)
		}
	}
	return row, nil
}
