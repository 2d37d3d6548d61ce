// Package catalog implements the deterministic row/key codec (spec.md §4.4)
// and the schema dictionary built from the bootstrap `__schema__` table
// (spec.md §3). It is the only package that knows how Go values map onto
// the engine's two declared column types, INT and STR.
package catalog

import (
	"bytes"
	"fmt"

	"github.com/relitedb/relite/internal/errs"
)

// Kind tags a Value's underlying representation.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindStr
	// KindFloat is produced only by the AVG aggregate (see DESIGN.md "One
	// addition beyond spec.md's Value union"); no column is ever typed
	// FLOAT and no literal parses to one.
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindInt:
		return "INT"
	case KindStr:
		return "STR"
	case KindFloat:
		return "FLOAT"
	default:
		return "UNKNOWN"
	}
}

// Value is a tagged union: Null, Int(i64), Str(bytes), or Float (see KindFloat).
type Value struct {
	Kind Kind
	I    int64
	S    string
	F    float64
}

// Null, Int and Str are the constructors the parser and executor use.
func Null() Value             { return Value{Kind: KindNull} }
func Int(v int64) Value       { return Value{Kind: KindInt, I: v} }
func Str(v string) Value      { return Value{Kind: KindStr, S: v} }
func Float(v float64) Value   { return Value{Kind: KindFloat, F: v} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return fmt.Sprintf("%d", v.I)
	case KindStr:
		return v.S
	case KindFloat:
		return fmt.Sprintf("%g", v.F)
	default:
		return "?"
	}
}

// ColType is a column's declared type, per spec.md §3.
type ColType uint8

const (
	ColInt ColType = iota
	ColStr
)

func (t ColType) String() string {
	if t == ColInt {
		return "INT"
	}
	return "STR"
}

// Compare orders two values of compatible kind. NULL sorts first (spec.md
// §8, property 3); INT compares numerically; STR compares byte-wise
// (spec.md Open Question 1 resolved in the byte-wise direction); comparing
// INT against STR is a TYPE error, mirroring the executor's own evalutation
// rules for `<`/`>` between incompatible types.
func Compare(a, b Value) (int, error) {
	if a.Kind == KindNull || b.Kind == KindNull {
		if a.Kind == KindNull && b.Kind == KindNull {
			return 0, nil
		}
		if a.Kind == KindNull {
			return -1, nil
		}
		return 1, nil
	}
	aIsNum := a.Kind == KindInt || a.Kind == KindFloat
	bIsNum := b.Kind == KindInt || b.Kind == KindFloat
	if aIsNum && bIsNum {
		af, bf := numericOf(a), numericOf(b)
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if a.Kind == KindStr && b.Kind == KindStr {
		return bytes.Compare([]byte(a.S), []byte(b.S)), nil
	}
	return 0, errs.New(errs.Type, "cannot compare %s with %s", a.Kind, b.Kind)
}

func numericOf(v Value) float64 {
	if v.Kind == KindInt {
		return float64(v.I)
	}
	return v.F
}

// EncodeKey produces a byte string whose lexicographic order matches the
// semantic order defined by Compare: NULL < INT (numeric order) < STR
// (byte order). This is the format used for every B+Tree key — table-tree
// PK keys and the value half of secondary-index composite keys alike.
func EncodeKey(v Value) []byte {
	switch v.Kind {
	case KindNull:
		return []byte{0x00}
	case KindInt, KindFloat:
		var iv int64
		if v.Kind == KindInt {
			iv = v.I
		} else {
			iv = int64(v.F)
		}
		buf := make([]byte, 9)
		buf[0] = 0x01
		// Flip the sign bit so two's-complement big-endian bytes sort
		// numerically across negative and non-negative values.
		u := uint64(iv) ^ (1 << 63)
		for i := 0; i < 8; i++ {
			buf[1+i] = byte(u >> uint(8*(7-i)))
		}
		return buf
	case KindStr:
		buf := make([]byte, 1+len(v.S))
		buf[0] = 0x02
		copy(buf[1:], v.S)
		return buf
	default:
		panic("catalog: EncodeKey: unknown kind")
	}
}

// EncodeCompositeKey builds the (indexed_value, pk) composite key used by
// secondary-index B+Trees (spec.md §3, §4.3 "Duplicate keys").
func EncodeCompositeKey(indexed, pk Value) []byte {
	ik := EncodeKey(indexed)
	pkk := EncodeKey(pk)
	buf := make([]byte, 4+len(ik)+len(pkk))
	putU32(buf, uint32(len(ik)))
	copy(buf[4:], ik)
	copy(buf[4+len(ik):], pkk)
	return buf
}

// SplitCompositeKey reverses EncodeCompositeKey, returning the raw encoded
// halves (still in EncodeKey form, not decoded back to Values).
func SplitCompositeKey(key []byte) (indexedEnc, pkEnc []byte) {
	n := getU32(key)
	return key[4 : 4+n], key[4+n:]
}

func putU32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

func getU32(buf []byte) uint32 {
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
}

// IndexSeekBound returns the byte string that seeks a secondary index's
// composite-key tree to the first entry whose indexed value equals indexed:
// it is exactly the length-prefixed EncodeKey(indexed) half of a composite
// key with no pk suffix, which bytes.Compare always orders before any full
// composite key sharing that prefix.
func IndexSeekBound(indexed Value) []byte {
	ik := EncodeKey(indexed)
	buf := make([]byte, 4+len(ik))
	putU32(buf, uint32(len(ik)))
	copy(buf[4:], ik)
	return buf
}

// DecodeKeyValue is used by index scans to recover the leading (indexed
// value) component of a composite key well enough to bound a range scan;
// full fidelity isn't needed since the executor re-evaluates the predicate
// against the fetched row.
func DecodeKeyValue(enc []byte) Value {
	if len(enc) == 0 {
		return Null()
	}
	switch enc[0] {
	case 0x00:
		return Null()
	case 0x01:
		u := uint64(0)
		for i := 0; i < 8; i++ {
			u = u<<8 | uint64(enc[1+i])
		}
		u ^= 1 << 63
		return Int(int64(u))
	case 0x02:
		return Str(string(enc[1:]))
	default:
		return Null()
	}
}
