package sqlfront

import "testing"

func mustParse(t *testing.T, sql string) Statement {
	t.Helper()
	stmt, err := Parse(sql)
	if err != nil {
		t.Fatalf("Parse(%q): %v", sql, err)
	}
	return stmt
}

func TestParseCreateTable(t *testing.T) {
	stmt := mustParse(t, "CREATE TABLE t (id INT PRIMARY KEY, name STR NOT NULL)")
	ct, ok := stmt.(CreateTableStmt)
	if !ok {
		t.Fatalf("got %T, want CreateTableStmt", stmt)
	}
	if ct.Name != "t" || len(ct.Columns) != 2 || ct.PK != 0 {
		t.Fatalf("unexpected parse: %+v", ct)
	}
	if !ct.Columns[1].NotNull {
		t.Fatalf("expected name column NOT NULL")
	}
}

func TestParseCreateUniqueIndex(t *testing.T) {
	stmt := mustParse(t, "CREATE UNIQUE INDEX idx_name ON t (name)")
	ci, ok := stmt.(CreateIndexStmt)
	if !ok {
		t.Fatalf("got %T, want CreateIndexStmt", stmt)
	}
	if !ci.Unique || ci.Table != "t" || ci.Column != "name" {
		t.Fatalf("unexpected parse: %+v", ci)
	}
}

func TestParseInsertWithColumnList(t *testing.T) {
	stmt := mustParse(t, "INSERT INTO t (id) VALUES (1)")
	ins, ok := stmt.(InsertStmt)
	if !ok {
		t.Fatalf("got %T, want InsertStmt", stmt)
	}
	if len(ins.Columns) != 1 || ins.Columns[0] != "id" || len(ins.Rows) != 1 {
		t.Fatalf("unexpected parse: %+v", ins)
	}
}

func TestParseSelectWhereAndOrderLimit(t *testing.T) {
	stmt := mustParse(t, "SELECT id, name FROM t WHERE id > 1 AND name = 'a' ORDER BY id DESC LIMIT 10 OFFSET 2")
	sel, ok := stmt.(SelectStmt)
	if !ok {
		t.Fatalf("got %T, want SelectStmt", stmt)
	}
	if len(sel.Columns) != 2 || sel.From.Name != "t" {
		t.Fatalf("unexpected parse: %+v", sel)
	}
	if sel.Where == nil || len(sel.OrderBy) != 1 || !sel.OrderBy[0].Desc {
		t.Fatalf("unexpected WHERE/ORDER BY: %+v", sel)
	}
	if sel.Limit == nil || *sel.Limit != 10 || sel.Offset == nil || *sel.Offset != 2 {
		t.Fatalf("unexpected LIMIT/OFFSET: %+v", sel)
	}
}

func TestParseSelectJoinAndAggregate(t *testing.T) {
	stmt := mustParse(t, "SELECT a.id, COUNT(*) FROM a LEFT JOIN b ON a.id = b.a_id GROUP BY a.id HAVING COUNT(*) > 1")
	sel, ok := stmt.(SelectStmt)
	if !ok {
		t.Fatalf("got %T, want SelectStmt", stmt)
	}
	if len(sel.Joins) != 1 || !sel.Joins[0].Left {
		t.Fatalf("expected one LEFT JOIN: %+v", sel.Joins)
	}
	if len(sel.GroupBy) != 1 || sel.Having == nil {
		t.Fatalf("expected GROUP BY + HAVING: %+v", sel)
	}
}

func TestParseSelectStar(t *testing.T) {
	stmt := mustParse(t, "SELECT * FROM t")
	sel := stmt.(SelectStmt)
	if len(sel.Columns) != 1 || !sel.Columns[0].Star {
		t.Fatalf("unexpected parse: %+v", sel)
	}
}

func TestParseWithCTE(t *testing.T) {
	stmt := mustParse(t, "WITH recent AS (SELECT id FROM t WHERE id > 5) SELECT id FROM recent")
	sel := stmt.(SelectStmt)
	if len(sel.With) != 1 || sel.With[0].Name != "recent" {
		t.Fatalf("unexpected CTE parse: %+v", sel)
	}
	if sel.From.Name != "recent" {
		t.Fatalf("expected FROM recent, got %+v", sel.From)
	}
}

func TestParseUpdateDelete(t *testing.T) {
	stmt := mustParse(t, "UPDATE t SET name = 'b' WHERE id = 1")
	upd, ok := stmt.(UpdateStmt)
	if !ok || len(upd.Set) != 1 || upd.Where == nil {
		t.Fatalf("unexpected UPDATE parse: %+v", stmt)
	}

	stmt2 := mustParse(t, "DELETE FROM t WHERE id = 1")
	del, ok := stmt2.(DeleteStmt)
	if !ok || del.Table != "t" || del.Where == nil {
		t.Fatalf("unexpected DELETE parse: %+v", stmt2)
	}
}

func TestParseExplain(t *testing.T) {
	stmt := mustParse(t, "EXPLAIN SELECT * FROM t")
	ex, ok := stmt.(ExplainStmt)
	if !ok {
		t.Fatalf("got %T, want ExplainStmt", stmt)
	}
	if _, ok := ex.Inner.(SelectStmt); !ok {
		t.Fatalf("expected inner SelectStmt, got %T", ex.Inner)
	}
}

func TestParseFloatLiteralRejected(t *testing.T) {
	_, err := Parse("SELECT 1.5 FROM t")
	if err == nil {
		t.Fatalf("expected floating-point literals to be rejected")
	}
}
