package sqlfront

import (
	"path/filepath"
	"testing"

	"github.com/relitedb/relite/internal/catalog"
	"github.com/relitedb/relite/internal/page"
	"github.com/relitedb/relite/internal/pager"
)

func openTestExecutor(t *testing.T) (*Executor, *pager.Pager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := pager.Open(path, pager.Options{PageSize: page.MinSize, CacheCapacity: 64})
	if err != nil {
		t.Fatalf("pager.Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	cat, err := catalog.Open(p)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	return New(p, cat), p
}

func run(t *testing.T, ex *Executor, p *pager.Pager, sql string) *Result {
	t.Helper()
	stmt, err := Parse(sql)
	if err != nil {
		t.Fatalf("Parse(%q): %v", sql, err)
	}
	needsWrite := true
	if _, ok := stmt.(SelectStmt); ok {
		needsWrite = false
	}
	if _, ok := stmt.(ExplainStmt); ok {
		needsWrite = false
	}
	if needsWrite {
		if err := p.BeginWrite(); err != nil {
			t.Fatalf("BeginWrite: %v", err)
		}
	}
	res, err := ex.Execute(stmt)
	if needsWrite {
		if err != nil {
			p.Rollback()
			t.Fatalf("Execute(%q): %v", sql, err)
		}
		if err := p.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	} else if err != nil {
		t.Fatalf("Execute(%q): %v", sql, err)
	}
	return res
}

func setupTable(t *testing.T, ex *Executor, p *pager.Pager) {
	t.Helper()
	run(t, ex, p, "CREATE TABLE t (id INT PRIMARY KEY, name STR, age INT)")
	run(t, ex, p, "INSERT INTO t VALUES (1, 'alice', 30)")
	run(t, ex, p, "INSERT INTO t VALUES (2, 'bob', 25)")
	run(t, ex, p, "INSERT INTO t VALUES (3, 'carol', 35)")
}

func TestExecInsertAndSelect(t *testing.T) {
	ex, p := openTestExecutor(t)
	setupTable(t, ex, p)

	res := run(t, ex, p, "SELECT id, name FROM t WHERE age > 26 ORDER BY id")
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(res.Rows))
	}
	if res.Rows[0][1].S != "alice" || res.Rows[1][1].S != "carol" {
		t.Fatalf("unexpected rows: %+v", res.Rows)
	}
}

func TestExecSelectStar(t *testing.T) {
	ex, p := openTestExecutor(t)
	setupTable(t, ex, p)

	res := run(t, ex, p, "SELECT * FROM t WHERE id = 2")
	if len(res.Rows) != 1 || len(res.Columns) != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Rows[0][1].S != "bob" {
		t.Fatalf("expected bob, got %+v", res.Rows[0])
	}
}

func TestExecUpdate(t *testing.T) {
	ex, p := openTestExecutor(t)
	setupTable(t, ex, p)

	res := run(t, ex, p, "UPDATE t SET age = 31 WHERE name = 'alice'")
	if res.RowsAffected != 1 {
		t.Fatalf("RowsAffected = %d, want 1", res.RowsAffected)
	}
	sel := run(t, ex, p, "SELECT age FROM t WHERE id = 1")
	if sel.Rows[0][0].I != 31 {
		t.Fatalf("age = %v, want 31", sel.Rows[0][0])
	}
}

func TestExecDelete(t *testing.T) {
	ex, p := openTestExecutor(t)
	setupTable(t, ex, p)

	res := run(t, ex, p, "DELETE FROM t WHERE id = 2")
	if res.RowsAffected != 1 {
		t.Fatalf("RowsAffected = %d, want 1", res.RowsAffected)
	}
	sel := run(t, ex, p, "SELECT id FROM t ORDER BY id")
	if len(sel.Rows) != 2 {
		t.Fatalf("rows after delete = %d, want 2", len(sel.Rows))
	}
}

func TestExecAggregate(t *testing.T) {
	ex, p := openTestExecutor(t)
	setupTable(t, ex, p)

	res := run(t, ex, p, "SELECT COUNT(*), SUM(age), AVG(age) FROM t")
	if len(res.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(res.Rows))
	}
	if res.Rows[0][0].I != 3 {
		t.Fatalf("COUNT = %v, want 3", res.Rows[0][0])
	}
	if res.Rows[0][1].I != 90 {
		t.Fatalf("SUM = %v, want 90", res.Rows[0][1])
	}
	if res.Rows[0][2].Kind != catalog.KindFloat {
		t.Fatalf("AVG kind = %v, want FLOAT", res.Rows[0][2].Kind)
	}
}

func TestExecGroupByHaving(t *testing.T) {
	ex, p := openTestExecutor(t)
	run(t, ex, p, "CREATE TABLE orders (id INT PRIMARY KEY, customer STR, amount INT)")
	run(t, ex, p, "INSERT INTO orders VALUES (1, 'x', 10)")
	run(t, ex, p, "INSERT INTO orders VALUES (2, 'x', 20)")
	run(t, ex, p, "INSERT INTO orders VALUES (3, 'y', 5)")

	res := run(t, ex, p, "SELECT customer, SUM(amount) FROM orders GROUP BY customer HAVING SUM(amount) > 15")
	if len(res.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(res.Rows))
	}
	if res.Rows[0][0].S != "x" || res.Rows[0][1].I != 30 {
		t.Fatalf("unexpected group result: %+v", res.Rows[0])
	}
}

func TestExecJoin(t *testing.T) {
	ex, p := openTestExecutor(t)
	run(t, ex, p, "CREATE TABLE a (id INT PRIMARY KEY, name STR)")
	run(t, ex, p, "CREATE TABLE b (id INT PRIMARY KEY, a_id INT, tag STR)")
	run(t, ex, p, "INSERT INTO a VALUES (1, 'alice')")
	run(t, ex, p, "INSERT INTO a VALUES (2, 'bob')")
	run(t, ex, p, "INSERT INTO b VALUES (1, 1, 'x')")

	res := run(t, ex, p, "SELECT a.name, b.tag FROM a LEFT JOIN b ON a.id = b.a_id ORDER BY a.id")
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(res.Rows))
	}
	if res.Rows[0][1].S != "x" {
		t.Fatalf("expected matched row tag=x, got %+v", res.Rows[0])
	}
	if !res.Rows[1][1].IsNull() {
		t.Fatalf("expected unmatched row's tag to be NULL, got %+v", res.Rows[1])
	}
}

func TestExecUniqueIndexEnforced(t *testing.T) {
	ex, p := openTestExecutor(t)
	run(t, ex, p, "CREATE TABLE t (id INT PRIMARY KEY, email STR)")
	run(t, ex, p, "CREATE UNIQUE INDEX idx_email ON t (email)")
	run(t, ex, p, "INSERT INTO t VALUES (1, 'a@example.com')")

	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	stmt, err := Parse("INSERT INTO t VALUES (2, 'a@example.com')")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := ex.Execute(stmt); err == nil {
		p.Rollback()
		t.Fatalf("expected UNIQUE constraint violation")
	} else {
		p.Rollback()
	}
}

func TestExecIndexScanSelection(t *testing.T) {
	ex, p := openTestExecutor(t)
	setupTable(t, ex, p)
	run(t, ex, p, "CREATE INDEX idx_name ON t (name)")

	res := run(t, ex, p, "SELECT id FROM t WHERE name = 'bob'")
	if len(res.Rows) != 1 || res.Rows[0][0].I != 2 {
		t.Fatalf("unexpected index-scan result: %+v", res.Rows)
	}
}

func TestExecCTE(t *testing.T) {
	ex, p := openTestExecutor(t)
	setupTable(t, ex, p)

	res := run(t, ex, p, "WITH older AS (SELECT id, name FROM t WHERE age > 26) SELECT name FROM older ORDER BY name")
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(res.Rows))
	}
	if res.Rows[0][0].S != "alice" || res.Rows[1][0].S != "carol" {
		t.Fatalf("unexpected CTE result: %+v", res.Rows)
	}
}

func TestExecExplain(t *testing.T) {
	ex, p := openTestExecutor(t)
	setupTable(t, ex, p)

	res := run(t, ex, p, "EXPLAIN SELECT name FROM t WHERE age > 26 ORDER BY name")
	if len(res.Rows) == 0 {
		t.Fatalf("expected a non-empty plan dump")
	}
}

func TestExecNotNullConstraint(t *testing.T) {
	ex, p := openTestExecutor(t)
	run(t, ex, p, "CREATE TABLE t (id INT PRIMARY KEY, v STR NOT NULL)")

	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	stmt, err := Parse("INSERT INTO t (id) VALUES (1)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := ex.Execute(stmt); err == nil {
		p.Rollback()
		t.Fatalf("expected NOT NULL violation")
	} else {
		p.Rollback()
	}
}
