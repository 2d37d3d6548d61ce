package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/relitedb/relite/internal/errs"
	"github.com/relitedb/relite/internal/page"
	"github.com/relitedb/relite/internal/pager"
)

func openTestPager(t *testing.T) *pager.Pager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := pager.Open(path, pager.Options{PageSize: page.MinSize, CacheCapacity: 16})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func withWrite(t *testing.T, p *pager.Pager, fn func() error) {
	t.Helper()
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	if err := fn(); err != nil {
		p.Rollback()
		t.Fatalf("txn body: %v", err)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestTreeInsertGet(t *testing.T) {
	p := openTestPager(t)
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	tree, err := CreateTable(p)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	withWrite(t, p, func() error {
		for i := 0; i < 50; i++ {
			key := []byte(fmt.Sprintf("k%03d", i))
			val := []byte(fmt.Sprintf("value-%d", i))
			if err := tree.Insert(key, val); err != nil {
				return err
			}
		}
		return nil
	})

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		val, found, err := tree.Get(key)
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if !found {
			t.Fatalf("Get(%s): not found", key)
		}
		want := fmt.Sprintf("value-%d", i)
		if string(val) != want {
			t.Fatalf("Get(%s) = %q, want %q", key, val, want)
		}
	}
}

func TestTreeDuplicateKeyRejected(t *testing.T) {
	p := openTestPager(t)
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	tree, err := CreateTable(p)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	if err := tree.Insert([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err = tree.Insert([]byte("a"), []byte("2"))
	if err == nil {
		t.Fatalf("expected CONSTRAINT error on duplicate insert")
	}
	if errs.KindOf(err) != errs.Constraint {
		t.Fatalf("KindOf(err) = %v, want CONSTRAINT", errs.KindOf(err))
	}
	p.Rollback()
}

func TestTreeScanOrder(t *testing.T) {
	p := openTestPager(t)
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	tree, err := CreateTable(p)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	keys := []string{"m", "a", "z", "b", "y", "c"}
	withWrite(t, p, func() error {
		for _, k := range keys {
			if err := tree.Insert([]byte(k), []byte(k+"-val")); err != nil {
				return err
			}
		}
		return nil
	})

	cur, err := tree.SeekFirst()
	if err != nil {
		t.Fatalf("SeekFirst: %v", err)
	}
	var got []string
	for cur.Valid() {
		got = append(got, string(cur.Key()))
		if _, err := cur.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	want := []string{"a", "b", "c", "m", "y", "z"}
	if len(got) != len(want) {
		t.Fatalf("scan returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scan[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestTreeDeleteAndOverflow(t *testing.T) {
	p := openTestPager(t)
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	tree, err := CreateTable(p)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	big := make([]byte, page.MinSize*2)
	for i := range big {
		big[i] = byte(i)
	}

	withWrite(t, p, func() error {
		if err := tree.Insert([]byte("big"), big); err != nil {
			return err
		}
		return tree.Insert([]byte("small"), []byte("x"))
	})

	val, found, err := tree.Get([]byte("big"))
	if err != nil || !found {
		t.Fatalf("Get(big): found=%v err=%v", found, err)
	}
	if len(val) != len(big) {
		t.Fatalf("Get(big) len = %d, want %d", len(val), len(big))
	}

	withWrite(t, p, func() error {
		ok, err := tree.Delete([]byte("big"))
		if err != nil {
			return err
		}
		if !ok {
			t.Fatalf("Delete(big) = false, want true")
		}
		return nil
	})

	_, found, err = tree.Get([]byte("big"))
	if err != nil {
		t.Fatalf("Get(big) after delete: %v", err)
	}
	if found {
		t.Fatalf("Get(big) after delete: still found")
	}
}
