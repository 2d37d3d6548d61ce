package catalog

import (
	"github.com/relitedb/relite/internal/btree"
	"github.com/relitedb/relite/internal/errs"
	"github.com/relitedb/relite/internal/page"
	"github.com/relitedb/relite/internal/pager"
)

// schemaRowKind tags a __schema__ row (spec.md §3's bootstrap table).
const (
	schemaKindTable = "TABLE"
	schemaKindIndex = "INDEX"
)

// schemaColumns is the fixed layout of every row in __schema__:
//
//	kind  STR  "TABLE" or "INDEX"
//	name  STR  table or index name (the row's key, via EncodeKey)
//	owner STR  owning table name (INDEX rows only; empty for TABLE rows)
//	root  INT  root page of the table/index tree
//	defs  STR  TABLE: encoded column list; INDEX: indexed column name
//	extra INT  TABLE: index of the PRIMARY KEY column; INDEX: 1 if UNIQUE, 0 otherwise
//
// Grounded on the teacher's bootstrap catalog
// (_examples/SimonWaldherr-tinySQL/internal/storage/pager/catalog.go), which
// keeps a similar CatalogEntry table but for a single entry kind; this
// generalizes it to carry both tables and indexes in one tree.
const SchemaTableName = "__schema__"

// Catalog is the schema dictionary: an in-memory index over the on-disk
// __schema__ table, rebuilt by a full scan each time the database is opened.
type Catalog struct {
	p          *pager.Pager
	schemaTree *btree.Tree
	tables     map[string]*TableSchema
	indexes    map[string][]*IndexSchema // keyed by owning table name
}

// Open loads the catalog from pager's meta page, scanning __schema__ if it
// already exists.
func Open(p *pager.Pager) (*Catalog, error) {
	c := &Catalog{
		p:       p,
		tables:  make(map[string]*TableSchema),
		indexes: make(map[string][]*IndexSchema),
	}
	root := p.Meta().CatalogRoot
	if root == page.InvalidID {
		return c, nil
	}
	c.schemaTree = btree.OpenTable(p, root)
	if err := c.loadAll(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) loadAll() error {
	cur, err := c.schemaTree.SeekFirst()
	if err != nil {
		return err
	}
	for cur.Valid() {
		val, err := cur.Value()
		if err != nil {
			return err
		}
		row, err := DecodeRow(val)
		if err != nil {
			return err
		}
		if err := c.indexRow(row); err != nil {
			return err
		}
		if _, err := cur.Next(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) indexRow(row Row) error {
	if len(row) != 6 {
		return errs.New(errs.Corrupt, "malformed __schema__ row: %d fields", len(row))
	}
	kind, name, owner, root, defs := row[0].S, row[1].S, row[2].S, row[3].I, row[4].S
	switch kind {
	case schemaKindTable:
		cols, err := decodeColumnDefs(defs)
		if err != nil {
			return err
		}
		pk := int(row[5].I)
		c.tables[name] = &TableSchema{Name: name, Columns: cols, PK: pk, Root: page.ID(root)}
	case schemaKindIndex:
		c.indexes[owner] = append(c.indexes[owner], &IndexSchema{
			Name: name, Table: owner, Column: defs, Unique: row[5].I != 0, Root: page.ID(root),
		})
	default:
		return errs.New(errs.Corrupt, "unknown __schema__ row kind %q", kind)
	}
	return nil
}

func (c *Catalog) ensureSchemaTree() error {
	if c.schemaTree != nil {
		return nil
	}
	tree, err := btree.CreateTable(c.p)
	if err != nil {
		return err
	}
	c.schemaTree = tree
	c.p.SetCatalogRoot(tree.RootID())
	return nil
}

func (c *Catalog) putSchemaRow(name string, row Row) error {
	if err := c.ensureSchemaTree(); err != nil {
		return err
	}
	if err := c.schemaTree.Put(EncodeKey(Str(name)), EncodeRow(row)); err != nil {
		return err
	}
	c.p.SetCatalogRoot(c.schemaTree.RootID())
	return nil
}

// Table returns the schema for name, or ok=false if it doesn't exist.
func (c *Catalog) Table(name string) (*TableSchema, bool) {
	t, ok := c.tables[name]
	return t, ok
}

// Indexes returns every secondary index declared on table.
func (c *Catalog) Indexes(table string) []*IndexSchema {
	return c.indexes[table]
}

// CreateTable declares a new table with the given columns (pk is the index
// of the primary-key column within cols). Must be called within an open
// pager write transaction.
func (c *Catalog) CreateTable(name string, cols []ColumnDef, pk int) (*TableSchema, error) {
	if name == SchemaTableName {
		return nil, errs.New(errs.Schema, "%s is reserved", SchemaTableName)
	}
	if _, exists := c.tables[name]; exists {
		return nil, errs.New(errs.Schema, "table %q already exists", name)
	}
	tree, err := btree.CreateTable(c.p)
	if err != nil {
		return nil, err
	}
	row := Row{Str(schemaKindTable), Str(name), Str(""), Int(int64(tree.RootID())), Str(encodeColumnDefs(cols)), Int(int64(pk))}
	if err := c.putSchemaRow(name, row); err != nil {
		return nil, err
	}
	c.p.BumpSchemaVersion()
	ts := &TableSchema{Name: name, Columns: cols, PK: pk, Root: tree.RootID()}
	c.tables[name] = ts
	return ts, nil
}

// DropTable removes a table's catalog entry (and its declared indexes'
// entries). The underlying tree pages are not reclaimed: they stay allocated
// and are not returned to the free list.
func (c *Catalog) DropTable(name string) error {
	if _, exists := c.tables[name]; !exists {
		return errs.New(errs.Schema, "no such table: %s", name)
	}
	if err := c.ensureSchemaTree(); err != nil {
		return err
	}
	if _, err := c.schemaTree.Delete(EncodeKey(Str(name))); err != nil {
		return err
	}
	for _, idx := range c.indexes[name] {
		if _, err := c.schemaTree.Delete(EncodeKey(Str(idx.Name))); err != nil {
			return err
		}
	}
	c.p.SetCatalogRoot(c.schemaTree.RootID())
	c.p.BumpSchemaVersion()
	delete(c.tables, name)
	delete(c.indexes, name)
	return nil
}

// CreateIndex declares a secondary index over table.column.
func (c *Catalog) CreateIndex(name, table, column string, unique bool) (*IndexSchema, error) {
	ts, ok := c.tables[table]
	if !ok {
		return nil, errs.New(errs.Schema, "no such table: %s", table)
	}
	if _, ok := ts.ColumnIndex(column); !ok {
		return nil, errs.New(errs.Schema, "no such column: %s.%s", table, column)
	}
	for _, idx := range c.indexes[table] {
		if idx.Name == name {
			return nil, errs.New(errs.Schema, "index %q already exists", name)
		}
	}
	tree, err := btree.CreateIndex(c.p)
	if err != nil {
		return nil, err
	}
	uniqueFlag := int64(0)
	if unique {
		uniqueFlag = 1
	}
	row := Row{Str(schemaKindIndex), Str(name), Str(table), Int(int64(tree.RootID())), Str(column), Int(uniqueFlag)}
	if err := c.putSchemaRow(name, row); err != nil {
		return nil, err
	}
	c.p.BumpSchemaVersion()
	idx := &IndexSchema{Name: name, Table: table, Column: column, Unique: unique, Root: tree.RootID()}
	c.indexes[table] = append(c.indexes[table], idx)
	return idx, nil
}

// DropIndex removes an index's catalog entry.
func (c *Catalog) DropIndex(name string) error {
	for table, idxs := range c.indexes {
		for i, idx := range idxs {
			if idx.Name == name {
				if err := c.ensureSchemaTree(); err != nil {
					return err
				}
				if _, err := c.schemaTree.Delete(EncodeKey(Str(name))); err != nil {
					return err
				}
				c.p.SetCatalogRoot(c.schemaTree.RootID())
				c.p.BumpSchemaVersion()
				c.indexes[table] = append(idxs[:i], idxs[i+1:]...)
				return nil
			}
		}
	}
	return errs.New(errs.Schema, "no such index: %s", name)
}

// SyncTableRoot persists tree's current root page into table's catalog
// entry if a split changed it since the entry was last read or written.
// Called once after a DML statement finishes mutating a table's tree.
func (c *Catalog) SyncTableRoot(table string, tree *btree.Tree) error {
	ts, ok := c.tables[table]
	if !ok {
		return errs.New(errs.Internal, "SyncTableRoot: unknown table %s", table)
	}
	if tree.RootID() == ts.Root {
		return nil
	}
	ts.Root = tree.RootID()
	row := Row{Str(schemaKindTable), Str(table), Str(""), Int(int64(ts.Root)), Str(encodeColumnDefs(ts.Columns)), Int(int64(ts.PK))}
	return c.putSchemaRow(table, row)
}

// SyncIndexRoot is SyncTableRoot's counterpart for a secondary index tree.
func (c *Catalog) SyncIndexRoot(idx *IndexSchema, tree *btree.Tree) error {
	if tree.RootID() == idx.Root {
		return nil
	}
	idx.Root = tree.RootID()
	uniqueFlag := int64(0)
	if idx.Unique {
		uniqueFlag = 1
	}
	row := Row{Str(schemaKindIndex), Str(idx.Name), Str(idx.Table), Int(int64(idx.Root)), Str(idx.Column), Int(uniqueFlag)}
	return c.putSchemaRow(idx.Name, row)
}

// TableNames lists every declared table, for `.tables` / catalog scans.
func (c *Catalog) TableNames() []string {
	names := make([]string, 0, len(c.tables))
	for n := range c.tables {
		names = append(names, n)
	}
	return names
}
