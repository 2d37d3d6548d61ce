package conn

import (
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Connection {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	c, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func mustExec(t *testing.T, c *Connection, sql string) {
	t.Helper()
	if _, err := c.Execute(sql); err != nil {
		t.Fatalf("Execute(%q): %v", sql, err)
	}
}

func TestAutoCommitInsertVisible(t *testing.T) {
	c := openTest(t)
	mustExec(t, c, "CREATE TABLE t (id INT PRIMARY KEY, v STR)")
	mustExec(t, c, "INSERT INTO t VALUES (1, 'a')")

	res, err := c.Execute("SELECT * FROM t")
	if err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(res.Rows))
	}
}

func TestExplicitTransactionCommit(t *testing.T) {
	c := openTest(t)
	mustExec(t, c, "CREATE TABLE t (id INT PRIMARY KEY, v STR)")

	mustExec(t, c, "BEGIN")
	if c.State() != InTxn {
		t.Fatalf("state after BEGIN = %v, want InTxn", c.State())
	}
	mustExec(t, c, "INSERT INTO t VALUES (1, 'a')")
	mustExec(t, c, "INSERT INTO t VALUES (2, 'b')")
	mustExec(t, c, "COMMIT")
	if c.State() != Idle {
		t.Fatalf("state after COMMIT = %v, want Idle", c.State())
	}

	res, err := c.Execute("SELECT * FROM t")
	if err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(res.Rows))
	}
}

func TestExplicitTransactionRollback(t *testing.T) {
	c := openTest(t)
	mustExec(t, c, "CREATE TABLE t (id INT PRIMARY KEY, v STR)")
	mustExec(t, c, "INSERT INTO t VALUES (1, 'a')")

	mustExec(t, c, "BEGIN")
	mustExec(t, c, "INSERT INTO t VALUES (2, 'b')")
	mustExec(t, c, "ROLLBACK")

	res, err := c.Execute("SELECT * FROM t")
	if err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("rows after rollback = %d, want 1", len(res.Rows))
	}
}

func TestFailedStatementAborts(t *testing.T) {
	c := openTest(t)
	mustExec(t, c, "CREATE TABLE t (id INT PRIMARY KEY, v STR NOT NULL)")

	mustExec(t, c, "BEGIN")
	if _, err := c.Execute("INSERT INTO t (id) VALUES (1)"); err == nil {
		t.Fatalf("expected NOT NULL violation")
	}
	if c.State() != Aborted {
		t.Fatalf("state after failed statement = %v, want Aborted", c.State())
	}
	if _, err := c.Execute("SELECT 1"); err == nil {
		t.Fatalf("expected statements to be rejected while ABORTED")
	}
	mustExec(t, c, "ROLLBACK")
	if c.State() != Idle {
		t.Fatalf("state after ROLLBACK = %v, want Idle", c.State())
	}
}

func TestReopenSeesCommittedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	c, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustExec(t, c, "CREATE TABLE t (id INT PRIMARY KEY, v STR)")
	mustExec(t, c, "INSERT INTO t VALUES (1, 'a')")
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	res, err := c2.Execute("SELECT * FROM t")
	if err != nil {
		t.Fatalf("SELECT after reopen: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("rows after reopen = %d, want 1", len(res.Rows))
	}
}
