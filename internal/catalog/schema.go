package catalog

import (
	"strconv"
	"strings"

	"github.com/relitedb/relite/internal/errs"
	"github.com/relitedb/relite/internal/page"
)

// ColumnDef is one column's declaration, spec.md §3.
type ColumnDef struct {
	Name    string
	Type    ColType
	NotNull bool
}

// TableSchema is one table's catalog entry: its column list, which column
// is the primary key, and the root page of its table tree.
type TableSchema struct {
	Name    string
	Columns []ColumnDef
	PK      int // index into Columns
	Root    page.ID
}

// IndexSchema is one secondary index's catalog entry.
type IndexSchema struct {
	Name   string
	Table  string
	Column string
	Unique bool
	Root   page.ID
}

func (t *TableSchema) ColumnIndex(name string) (int, bool) {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i, true
		}
	}
	return 0, false
}

// encodeColumnDefs serializes columns into the __schema__ table's "defs"
// field: "name:TYPE:notnull|name2:TYPE:notnull".
func encodeColumnDefs(cols []ColumnDef) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		nn := "0"
		if c.NotNull {
			nn = "1"
		}
		parts[i] = c.Name + ":" + c.Type.String() + ":" + nn
	}
	return strings.Join(parts, "|")
}

func decodeColumnDefs(s string) ([]ColumnDef, error) {
	if s == "" {
		return nil, errs.New(errs.Corrupt, "empty column definition list")
	}
	parts := strings.Split(s, "|")
	cols := make([]ColumnDef, len(parts))
	for i, p := range parts {
		fields := strings.Split(p, ":")
		if len(fields) != 3 {
			return nil, errs.New(errs.Corrupt, "malformed column definition %q", p)
		}
		var ct ColType
		switch fields[1] {
		case "INT":
			ct = ColInt
		case "STR":
			ct = ColStr
		default:
			return nil, errs.New(errs.Corrupt, "unknown column type %q", fields[1])
		}
		nn, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, errs.Wrap(errs.Corrupt, err, "malformed notnull flag")
		}
		cols[i] = ColumnDef{Name: fields[0], Type: ct, NotNull: nn != 0}
	}
	return cols, nil
}
