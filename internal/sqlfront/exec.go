package sqlfront

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/relitedb/relite/internal/btree"
	"github.com/relitedb/relite/internal/catalog"
	"github.com/relitedb/relite/internal/errs"
	"github.com/relitedb/relite/internal/pager"
)

// Executor runs a parsed, planned statement against an open database,
// pulling rows through a tree of volcano-style iterators (spec.md §4.5). It
// is grounded on the teacher's evaluator (_examples/SimonWaldherr-tinySQL/
// internal/engine/{eval,exec}.go), generalized from its map[string]any row
// representation to relite's typed catalog.Value/catalog.Row.
type Executor struct {
	p   *pager.Pager
	cat *catalog.Catalog
}

// New builds an Executor over an already-open pager and catalog.
func New(p *pager.Pager, cat *catalog.Catalog) *Executor {
	return &Executor{p: p, cat: cat}
}

// Result is the outcome of one executed statement: either a row set
// (SELECT, EXPLAIN) or an affected-row count (DDL, INSERT/UPDATE/DELETE).
type Result struct {
	Columns      []string
	Rows         [][]catalog.Value
	RowsAffected int
}

// Execute runs one parsed statement to completion.
func (ex *Executor) Execute(stmt Statement) (*Result, error) {
	switch s := stmt.(type) {
	case CreateTableStmt:
		if _, err := ex.cat.CreateTable(s.Name, s.Columns, s.PK); err != nil {
			return nil, err
		}
		return &Result{}, nil
	case CreateIndexStmt:
		return ex.execCreateIndex(s)
	case DropTableStmt:
		if err := ex.cat.DropTable(s.Name); err != nil {
			return nil, err
		}
		return &Result{}, nil
	case InsertStmt:
		return ex.execInsert(s)
	case UpdateStmt:
		return ex.execUpdate(s)
	case DeleteStmt:
		return ex.execDelete(s)
	case SelectStmt:
		return ex.execSelect(s)
	case ExplainStmt:
		return ex.execExplain(s)
	default:
		return nil, errs.New(errs.Internal, "unknown statement type %T", stmt)
	}
}

// --- DDL ---

func (ex *Executor) execCreateIndex(s CreateIndexStmt) (*Result, error) {
	idx, err := ex.cat.CreateIndex(s.Name, s.Table, s.Column, s.Unique)
	if err != nil {
		return nil, err
	}
	ts, _ := ex.cat.Table(s.Table)
	ci, _ := ts.ColumnIndex(s.Column)
	tree := btree.OpenTable(ex.p, ts.Root)
	itree := btree.OpenIndex(ex.p, idx.Root)

	cur, err := tree.SeekFirst()
	if err != nil {
		return nil, err
	}
	for cur.Valid() {
		val, err := cur.Value()
		if err != nil {
			return nil, err
		}
		row, err := catalog.DecodeRow(val)
		if err != nil {
			return nil, err
		}
		pk := row[ts.PK]
		if s.Unique && !row[ci].IsNull() {
			if err := ex.checkUniqueIndexes(ts, []*catalog.IndexSchema{idx}, row, pk); err != nil {
				return nil, err
			}
		}
		if err := itree.Insert(catalog.EncodeCompositeKey(row[ci], pk), []byte{}); err != nil {
			return nil, err
		}
		if _, err := cur.Next(); err != nil {
			return nil, err
		}
	}
	if err := ex.cat.SyncIndexRoot(idx, itree); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

// --- DML ---

func (ex *Executor) execInsert(s InsertStmt) (*Result, error) {
	ts, ok := ex.cat.Table(s.Table)
	if !ok {
		return nil, errs.New(errs.Schema, "no such table: %s", s.Table)
	}
	tree := btree.OpenTable(ex.p, ts.Root)
	indexes := ex.cat.Indexes(s.Table)

	affected := 0
	for _, rowExprs := range s.Rows {
		row, err := buildInsertRow(ts, s.Columns, rowExprs)
		if err != nil {
			return nil, err
		}
		pk := row[ts.PK]
		if pk.IsNull() {
			return nil, errs.New(errs.Constraint, "NOT NULL constraint failed: %s.%s", s.Table, ts.Columns[ts.PK].Name)
		}
		if err := ex.checkUniqueIndexes(ts, indexes, row, pk); err != nil {
			return nil, err
		}
		if err := tree.Insert(catalog.EncodeKey(pk), catalog.EncodeRow(row)); err != nil {
			return nil, err
		}
		for _, idx := range indexes {
			ci, _ := ts.ColumnIndex(idx.Column)
			itree := btree.OpenIndex(ex.p, idx.Root)
			if err := itree.Insert(catalog.EncodeCompositeKey(row[ci], pk), []byte{}); err != nil {
				return nil, err
			}
			if err := ex.cat.SyncIndexRoot(idx, itree); err != nil {
				return nil, err
			}
		}
		affected++
	}
	if err := ex.cat.SyncTableRoot(s.Table, tree); err != nil {
		return nil, err
	}
	return &Result{RowsAffected: affected}, nil
}

func buildInsertRow(ts *catalog.TableSchema, cols []string, exprs []Expr) (catalog.Row, error) {
	row := make(catalog.Row, len(ts.Columns))
	for i := range row {
		row[i] = catalog.Null()
	}

	if len(cols) == 0 {
		if len(exprs) != len(ts.Columns) {
			return nil, errs.New(errs.Syntax, "table %s has %d columns but %d values were supplied", ts.Name, len(ts.Columns), len(exprs))
		}
		for i, e := range exprs {
			v, err := evalExpr(e, Tuple{})
			if err != nil {
				return nil, err
			}
			cv, err := coerceToColumn(v, ts.Columns[i].Type)
			if err != nil {
				return nil, err
			}
			row[i] = cv
		}
	} else {
		if len(cols) != len(exprs) {
			return nil, errs.New(errs.Syntax, "column count doesn't match value count")
		}
		for i, name := range cols {
			ci, ok := ts.ColumnIndex(name)
			if !ok {
				return nil, errs.New(errs.Schema, "no such column: %s.%s", ts.Name, name)
			}
			v, err := evalExpr(exprs[i], Tuple{})
			if err != nil {
				return nil, err
			}
			cv, err := coerceToColumn(v, ts.Columns[ci].Type)
			if err != nil {
				return nil, err
			}
			row[ci] = cv
		}
	}

	for i, c := range ts.Columns {
		if c.NotNull && row[i].IsNull() {
			return nil, errs.New(errs.Constraint, "NOT NULL constraint failed: %s.%s", ts.Name, c.Name)
		}
	}
	return row, nil
}

// checkUniqueIndexes rejects an insert/update when any UNIQUE index would
// gain a second entry for the same value, excluding the row whose own
// primary key is selfPK (a no-op update of an unchanged value isn't a
// conflict with itself).
func (ex *Executor) checkUniqueIndexes(ts *catalog.TableSchema, indexes []*catalog.IndexSchema, row catalog.Row, selfPK catalog.Value) error {
	for _, idx := range indexes {
		if !idx.Unique {
			continue
		}
		ci, _ := ts.ColumnIndex(idx.Column)
		val := row[ci]
		if val.IsNull() {
			continue
		}
		itree := btree.OpenIndex(ex.p, idx.Root)
		cur, err := itree.SeekGE(catalog.IndexSeekBound(val))
		if err != nil {
			return err
		}
		target := catalog.EncodeKey(val)
		for cur.Valid() {
			ik, pkEnc := catalog.SplitCompositeKey(cur.Key())
			if !bytes.Equal(ik, target) {
				break
			}
			existingPK := catalog.DecodeKeyValue(pkEnc)
			c, err := catalog.Compare(existingPK, selfPK)
			if err != nil {
				return err
			}
			if c != 0 {
				return errs.New(errs.Constraint, "UNIQUE constraint failed: %s.%s", ts.Name, idx.Column)
			}
			ok, err := cur.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}
	}
	return nil
}

// execUpdate snapshots every matching row before mutating the table tree,
// so in-place page splits triggered by one row's update can't invalidate a
// cursor still walking the same tree.
func (ex *Executor) execUpdate(s UpdateStmt) (*Result, error) {
	ts, ok := ex.cat.Table(s.Table)
	if !ok {
		return nil, errs.New(errs.Schema, "no such table: %s", s.Table)
	}
	tree := btree.OpenTable(ex.p, ts.Root)
	indexes := ex.cat.Indexes(s.Table)

	matches, err := ex.scanMatching(ts, s.Where)
	if err != nil {
		return nil, err
	}

	affected := 0
	for _, oldRow := range matches {
		newRow := append(catalog.Row(nil), oldRow...)
		rowTuple := rowToTuple(oldRow, ts, ts.Name)
		for _, asg := range s.Set {
			ci, ok := ts.ColumnIndex(asg.Column)
			if !ok {
				return nil, errs.New(errs.Schema, "no such column: %s.%s", ts.Name, asg.Column)
			}
			v, err := evalExpr(asg.Value, rowTuple)
			if err != nil {
				return nil, err
			}
			cv, err := coerceToColumn(v, ts.Columns[ci].Type)
			if err != nil {
				return nil, err
			}
			newRow[ci] = cv
		}
		for i, c := range ts.Columns {
			if c.NotNull && newRow[i].IsNull() {
				return nil, errs.New(errs.Constraint, "NOT NULL constraint failed: %s.%s", ts.Name, c.Name)
			}
		}

		oldPK, newPK := oldRow[ts.PK], newRow[ts.PK]
		if err := ex.checkUniqueIndexes(ts, indexes, newRow, oldPK); err != nil {
			return nil, err
		}
		pkSame, err := catalog.Compare(oldPK, newPK)
		if err != nil {
			return nil, err
		}
		if pkSame != 0 {
			if _, err := tree.Delete(catalog.EncodeKey(oldPK)); err != nil {
				return nil, err
			}
			if err := tree.Insert(catalog.EncodeKey(newPK), catalog.EncodeRow(newRow)); err != nil {
				return nil, err
			}
		} else if err := tree.Put(catalog.EncodeKey(newPK), catalog.EncodeRow(newRow)); err != nil {
			return nil, err
		}

		for _, idx := range indexes {
			ci, _ := ts.ColumnIndex(idx.Column)
			oldVal, newVal := oldRow[ci], newRow[ci]
			valChanged, err := catalog.Compare(oldVal, newVal)
			if err != nil {
				return nil, err
			}
			if valChanged == 0 && pkSame == 0 {
				continue
			}
			itree := btree.OpenIndex(ex.p, idx.Root)
			if _, err := itree.Delete(catalog.EncodeCompositeKey(oldVal, oldPK)); err != nil {
				return nil, err
			}
			if err := itree.Insert(catalog.EncodeCompositeKey(newVal, newPK), []byte{}); err != nil {
				return nil, err
			}
			if err := ex.cat.SyncIndexRoot(idx, itree); err != nil {
				return nil, err
			}
		}
		affected++
	}
	if err := ex.cat.SyncTableRoot(s.Table, tree); err != nil {
		return nil, err
	}
	return &Result{RowsAffected: affected}, nil
}

func (ex *Executor) execDelete(s DeleteStmt) (*Result, error) {
	ts, ok := ex.cat.Table(s.Table)
	if !ok {
		return nil, errs.New(errs.Schema, "no such table: %s", s.Table)
	}
	tree := btree.OpenTable(ex.p, ts.Root)
	indexes := ex.cat.Indexes(s.Table)

	matches, err := ex.scanMatching(ts, s.Where)
	if err != nil {
		return nil, err
	}

	for _, row := range matches {
		pk := row[ts.PK]
		if _, err := tree.Delete(catalog.EncodeKey(pk)); err != nil {
			return nil, err
		}
		for _, idx := range indexes {
			ci, _ := ts.ColumnIndex(idx.Column)
			itree := btree.OpenIndex(ex.p, idx.Root)
			if _, err := itree.Delete(catalog.EncodeCompositeKey(row[ci], pk)); err != nil {
				return nil, err
			}
			if err := ex.cat.SyncIndexRoot(idx, itree); err != nil {
				return nil, err
			}
		}
	}
	if err := ex.cat.SyncTableRoot(s.Table, tree); err != nil {
		return nil, err
	}
	return &Result{RowsAffected: len(matches)}, nil
}

func (ex *Executor) scanMatching(ts *catalog.TableSchema, where Expr) ([]catalog.Row, error) {
	tree := btree.OpenTable(ex.p, ts.Root)
	it := &seqScanIter{tree: tree, ts: ts, alias: ts.Name}
	var matches []catalog.Row
	for {
		t, ok, err := it.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if where != nil {
			v, err := evalExpr(where, t)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				continue
			}
		}
		matches = append(matches, tupleToRow(t, ts))
	}
	return matches, nil
}

// --- SELECT / EXPLAIN ---

func (ex *Executor) execSelect(s SelectStmt) (*Result, error) {
	p, err := NewPlanner(ex.cat).PlanSelect(s)
	if err != nil {
		return nil, err
	}
	it, err := ex.build(p, &execContext{})
	if err != nil {
		return nil, err
	}
	var rows [][]catalog.Value
	var cols []string
	for {
		t, ok, err := it.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if cols == nil {
			cols = make([]string, len(t.cols))
			for i, c := range t.cols {
				cols[i] = c.name
			}
		}
		rows = append(rows, append([]catalog.Value(nil), t.vals...))
	}
	if cols == nil {
		cols = projectColumnNames(p)
	}
	return &Result{Columns: cols, Rows: rows}, nil
}

func (ex *Executor) execExplain(s ExplainStmt) (*Result, error) {
	inner, ok := s.Inner.(SelectStmt)
	if !ok {
		return nil, errs.New(errs.Syntax, "EXPLAIN supports SELECT statements only")
	}
	p, err := NewPlanner(ex.cat).PlanSelect(inner)
	if err != nil {
		return nil, err
	}
	lines := explainPlan(p, 0)
	rows := make([][]catalog.Value, len(lines))
	for i, l := range lines {
		rows[i] = []catalog.Value{catalog.Str(l)}
	}
	return &Result{Columns: []string{"plan"}, Rows: rows}, nil
}

func projectColumnNames(p Plan) []string {
	switch v := p.(type) {
	case Project:
		names := make([]string, 0, len(v.Items))
		for _, it := range v.Items {
			if it.Star {
				continue
			}
			names = append(names, it.Name)
		}
		return names
	case CteMaterialize:
		return projectColumnNames(v.Body)
	default:
		return nil
	}
}

func explainPlan(p Plan, indent int) []string {
	pad := strings.Repeat("  ", indent)
	switch v := p.(type) {
	case SeqScan:
		return []string{pad + fmt.Sprintf("SeqScan %s AS %s", v.Table.Name, v.Alias)}
	case IndexScan:
		return []string{pad + fmt.Sprintf("IndexScan %s USING %s AS %s", v.Table.Name, v.Index.Name, v.Alias)}
	case Filter:
		return append([]string{pad + "Filter"}, explainPlan(v.Input, indent+1)...)
	case NestedLoopJoin:
		kind := "NestedLoopJoin"
		if v.LeftOuter {
			kind = "NestedLoopJoin (LEFT OUTER)"
		}
		lines := []string{pad + kind}
		lines = append(lines, explainPlan(v.Left, indent+1)...)
		lines = append(lines, explainPlan(v.Right, indent+1)...)
		return lines
	case HashAggregate:
		return append([]string{pad + "HashAggregate"}, explainPlan(v.Input, indent+1)...)
	case Sort:
		return append([]string{pad + "Sort"}, explainPlan(v.Input, indent+1)...)
	case Limit:
		return append([]string{pad + "Limit"}, explainPlan(v.Input, indent+1)...)
	case Project:
		return append([]string{pad + "Project"}, explainPlan(v.Input, indent+1)...)
	case CteMaterialize:
		lines := []string{pad + "CteMaterialize " + v.Name}
		lines = append(lines, explainPlan(v.Query, indent+1)...)
		lines = append(lines, explainPlan(v.Body, indent)...)
		return lines
	case CteScan:
		return []string{pad + fmt.Sprintf("CteScan %s AS %s", v.Name, v.Alias)}
	case singleRowScan:
		return []string{pad + "SingleRow"}
	default:
		return []string{pad + fmt.Sprintf("%T", p)}
	}
}

// --- row <-> tuple plumbing ---

// colRef names one column in a Tuple: the alias/table it came from plus its
// own name, letting Lookup resolve both "col" and "t.col" references.
type colRef struct {
	table string
	name  string
}

// Tuple is the executor's row representation while it flows through the
// plan tree: parallel column-identity and value slices, plus (only on rows
// produced by HashAggregate) a side table of precomputed aggregate results
// that FuncCall evaluation reads from instead of recomputing.
type Tuple struct {
	cols []colRef
	vals []catalog.Value
	aggs map[string]catalog.Value
}

func (t Tuple) Lookup(table, name string) (catalog.Value, bool) {
	for i, c := range t.cols {
		if name != "" && !strings.EqualFold(c.name, name) {
			continue
		}
		if table != "" && !strings.EqualFold(c.table, table) {
			continue
		}
		return t.vals[i], true
	}
	return catalog.Value{}, false
}

func combineTuples(a, b Tuple) Tuple {
	cols := make([]colRef, 0, len(a.cols)+len(b.cols))
	vals := make([]catalog.Value, 0, len(a.vals)+len(b.vals))
	cols = append(cols, a.cols...)
	cols = append(cols, b.cols...)
	vals = append(vals, a.vals...)
	vals = append(vals, b.vals...)
	return Tuple{cols: cols, vals: vals}
}

func nullTuple(cols []colRef) Tuple {
	vals := make([]catalog.Value, len(cols))
	for i := range vals {
		vals[i] = catalog.Null()
	}
	return Tuple{cols: cols, vals: vals}
}

func rowToTuple(row catalog.Row, ts *catalog.TableSchema, alias string) Tuple {
	cols := make([]colRef, len(ts.Columns))
	for i, c := range ts.Columns {
		cols[i] = colRef{table: alias, name: c.Name}
	}
	return Tuple{cols: cols, vals: append(catalog.Row(nil), row...)}
}

func tupleToRow(t Tuple, ts *catalog.TableSchema) catalog.Row {
	row := make(catalog.Row, len(ts.Columns))
	for i, c := range ts.Columns {
		v, _ := t.Lookup(ts.Name, c.Name)
		row[i] = v
	}
	return row
}

func reAlias(t Tuple, alias string) Tuple {
	cols := make([]colRef, len(t.cols))
	for i, c := range t.cols {
		cols[i] = colRef{table: alias, name: c.name}
	}
	return Tuple{cols: cols, vals: t.vals, aggs: t.aggs}
}

func coerceToColumn(v catalog.Value, ct catalog.ColType) (catalog.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	switch ct {
	case catalog.ColInt:
		if v.Kind != catalog.KindInt {
			return catalog.Value{}, errs.New(errs.Type, "expected INT, got %s", v.Kind)
		}
	case catalog.ColStr:
		if v.Kind != catalog.KindStr {
			return catalog.Value{}, errs.New(errs.Type, "expected STR, got %s", v.Kind)
		}
	}
	return v, nil
}

// --- iterator tree ---

type iterator interface {
	next() (Tuple, bool, error)
}

// execContext carries state shared across the whole iterator tree for one
// statement: materialized CTE rows, keyed by name, computed once even if
// referenced by more than one CteScan (spec.md §4.5 "WITH").
type execContext struct {
	cteRows map[string][]Tuple
}

func (ex *Executor) build(p Plan, ctx *execContext) (iterator, error) {
	switch v := p.(type) {
	case SeqScan:
		tree := btree.OpenTable(ex.p, v.Table.Root)
		return &seqScanIter{tree: tree, ts: v.Table, alias: v.Alias}, nil
	case IndexScan:
		itree := btree.OpenIndex(ex.p, v.Index.Root)
		ttree := btree.OpenTable(ex.p, v.Table.Root)
		return &indexScanIter{itree: itree, ttree: ttree, ts: v.Table, alias: v.Alias, eqVal: v.Eq}, nil
	case Filter:
		in, err := ex.build(v.Input, ctx)
		if err != nil {
			return nil, err
		}
		return &filterIter{input: in, pred: v.Pred}, nil
	case NestedLoopJoin:
		left, err := ex.build(v.Left, ctx)
		if err != nil {
			return nil, err
		}
		right, err := ex.build(v.Right, ctx)
		if err != nil {
			return nil, err
		}
		var rightRows []Tuple
		for {
			t, ok, err := right.next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			rightRows = append(rightRows, t)
		}
		return &nestedLoopJoinIter{
			left: left, rightRows: rightRows, on: v.On, leftOuter: v.LeftOuter,
			rightCols: planColumns(v.Right, ctx),
		}, nil
	case HashAggregate:
		in, err := ex.build(v.Input, ctx)
		if err != nil {
			return nil, err
		}
		return runHashAggregate(in, v)
	case Sort:
		in, err := ex.build(v.Input, ctx)
		if err != nil {
			return nil, err
		}
		return sortRows(in, v.Items)
	case Limit:
		in, err := ex.build(v.Input, ctx)
		if err != nil {
			return nil, err
		}
		return &limitIter{input: in, limit: v.Limit, offset: v.Offset}, nil
	case Project:
		in, err := ex.build(v.Input, ctx)
		if err != nil {
			return nil, err
		}
		return &projectIter{input: in, items: v.Items}, nil
	case CteMaterialize:
		qIter, err := ex.build(v.Query, ctx)
		if err != nil {
			return nil, err
		}
		var rows []Tuple
		for {
			t, ok, err := qIter.next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			rows = append(rows, t)
		}
		if ctx.cteRows == nil {
			ctx.cteRows = map[string][]Tuple{}
		}
		ctx.cteRows[v.Name] = rows
		return ex.build(v.Body, ctx)
	case CteScan:
		return &sliceIter{rows: ctx.cteRows[v.Name], alias: v.Alias}, nil
	case singleRowScan:
		return &singleRowIter{}, nil
	default:
		return nil, errs.New(errs.Internal, "unknown plan node %T", p)
	}
}

func planColumns(p Plan, ctx *execContext) []colRef {
	switch v := p.(type) {
	case SeqScan:
		cols := make([]colRef, len(v.Table.Columns))
		for i, c := range v.Table.Columns {
			cols[i] = colRef{table: v.Alias, name: c.Name}
		}
		return cols
	case IndexScan:
		cols := make([]colRef, len(v.Table.Columns))
		for i, c := range v.Table.Columns {
			cols[i] = colRef{table: v.Alias, name: c.Name}
		}
		return cols
	case CteScan:
		if rows, ok := ctx.cteRows[v.Name]; ok && len(rows) > 0 {
			return rows[0].cols
		}
		return nil
	default:
		return nil
	}
}

type seqScanIter struct {
	tree    *btree.Tree
	ts      *catalog.TableSchema
	alias   string
	cur     *btree.Cursor
	started bool
}

func (it *seqScanIter) next() (Tuple, bool, error) {
	if !it.started {
		c, err := it.tree.SeekFirst()
		if err != nil {
			return Tuple{}, false, err
		}
		it.cur = c
		it.started = true
	}
	if !it.cur.Valid() {
		return Tuple{}, false, nil
	}
	val, err := it.cur.Value()
	if err != nil {
		return Tuple{}, false, err
	}
	row, err := catalog.DecodeRow(val)
	if err != nil {
		return Tuple{}, false, err
	}
	if _, err := it.cur.Next(); err != nil {
		return Tuple{}, false, err
	}
	return rowToTuple(row, it.ts, it.alias), true, nil
}

type indexScanIter struct {
	itree, ttree *btree.Tree
	ts           *catalog.TableSchema
	alias        string
	eqVal        catalog.Value
	cur          *btree.Cursor
	started      bool
	done         bool
}

func (it *indexScanIter) next() (Tuple, bool, error) {
	if !it.started {
		c, err := it.itree.SeekGE(catalog.IndexSeekBound(it.eqVal))
		if err != nil {
			return Tuple{}, false, err
		}
		it.cur = c
		it.started = true
	}
	target := catalog.EncodeKey(it.eqVal)
	for !it.done && it.cur.Valid() {
		ik, pkEnc := catalog.SplitCompositeKey(it.cur.Key())
		if !bytes.Equal(ik, target) {
			it.done = true
			break
		}
		pkVal := catalog.DecodeKeyValue(pkEnc)
		rowBytes, found, err := it.ttree.Get(catalog.EncodeKey(pkVal))
		if err != nil {
			return Tuple{}, false, err
		}
		if _, err := it.cur.Next(); err != nil {
			return Tuple{}, false, err
		}
		if !found {
			continue // stale index entry; the owning row was deleted
		}
		row, err := catalog.DecodeRow(rowBytes)
		if err != nil {
			return Tuple{}, false, err
		}
		return rowToTuple(row, it.ts, it.alias), true, nil
	}
	return Tuple{}, false, nil
}

type filterIter struct {
	input iterator
	pred  Expr
}

func (it *filterIter) next() (Tuple, bool, error) {
	for {
		t, ok, err := it.input.next()
		if err != nil || !ok {
			return Tuple{}, false, err
		}
		v, err := evalExpr(it.pred, t)
		if err != nil {
			return Tuple{}, false, err
		}
		if truthy(v) {
			return t, true, nil
		}
	}
}

type nestedLoopJoinIter struct {
	left      iterator
	rightRows []Tuple
	rightCols []colRef
	on        Expr
	leftOuter bool

	curLeft    Tuple
	haveLeft   bool
	rightIdx   int
	matchedAny bool
}

func (it *nestedLoopJoinIter) next() (Tuple, bool, error) {
	for {
		if !it.haveLeft {
			t, ok, err := it.left.next()
			if err != nil || !ok {
				return Tuple{}, false, err
			}
			it.curLeft = t
			it.haveLeft = true
			it.rightIdx = 0
			it.matchedAny = false
		}
		for it.rightIdx < len(it.rightRows) {
			rr := it.rightRows[it.rightIdx]
			it.rightIdx++
			combined := combineTuples(it.curLeft, rr)
			if it.on == nil {
				it.matchedAny = true
				return combined, true, nil
			}
			v, err := evalExpr(it.on, combined)
			if err != nil {
				return Tuple{}, false, err
			}
			if truthy(v) {
				it.matchedAny = true
				return combined, true, nil
			}
		}
		if !it.matchedAny && it.leftOuter {
			it.haveLeft = false
			return combineTuples(it.curLeft, nullTuple(it.rightCols)), true, nil
		}
		it.haveLeft = false
	}
}

type sliceIter struct {
	rows  []Tuple
	pos   int
	alias string
}

func (it *sliceIter) next() (Tuple, bool, error) {
	if it.pos >= len(it.rows) {
		return Tuple{}, false, nil
	}
	t := it.rows[it.pos]
	it.pos++
	if it.alias != "" {
		t = reAlias(t, it.alias)
	}
	return t, true, nil
}

type singleRowIter struct{ done bool }

func (it *singleRowIter) next() (Tuple, bool, error) {
	if it.done {
		return Tuple{}, false, nil
	}
	it.done = true
	return Tuple{}, true, nil
}

type limitIter struct {
	input          iterator
	limit, offset  *int
	skipped        int
	emitted        int
	startedSkipped bool
}

func (it *limitIter) next() (Tuple, bool, error) {
	if !it.startedSkipped {
		it.startedSkipped = true
		off := 0
		if it.offset != nil {
			off = *it.offset
		}
		for it.skipped < off {
			_, ok, err := it.input.next()
			if err != nil {
				return Tuple{}, false, err
			}
			if !ok {
				break
			}
			it.skipped++
		}
	}
	if it.limit != nil && it.emitted >= *it.limit {
		return Tuple{}, false, nil
	}
	t, ok, err := it.input.next()
	if err != nil || !ok {
		return Tuple{}, false, err
	}
	it.emitted++
	return t, true, nil
}

type projectIter struct {
	input iterator
	items []ProjectItem
}

func (it *projectIter) next() (Tuple, bool, error) {
	t, ok, err := it.input.next()
	if err != nil || !ok {
		return Tuple{}, false, err
	}
	var cols []colRef
	var vals []catalog.Value
	for _, item := range it.items {
		if item.Star {
			for i, c := range t.cols {
				if item.StarFrom != "" && !strings.EqualFold(c.table, item.StarFrom) {
					continue
				}
				cols = append(cols, c)
				vals = append(vals, t.vals[i])
			}
			continue
		}
		v, err := evalExpr(item.Expr, t)
		if err != nil {
			return Tuple{}, false, err
		}
		cols = append(cols, colRef{name: item.Name})
		vals = append(vals, v)
	}
	return Tuple{cols: cols, vals: vals}, true, nil
}

func sortRows(in iterator, items []OrderItem) (iterator, error) {
	var rows []Tuple
	for {
		t, ok, err := in.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rows = append(rows, t)
	}
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		if sortErr != nil {
			return false
		}
		for _, it := range items {
			vi, err := evalExpr(it.Expr, rows[i])
			if err != nil {
				sortErr = err
				return false
			}
			vj, err := evalExpr(it.Expr, rows[j])
			if err != nil {
				sortErr = err
				return false
			}
			c, err := catalog.Compare(vi, vj)
			if err != nil {
				sortErr = err
				return false
			}
			if c == 0 {
				continue
			}
			if it.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return &sliceIter{rows: rows}, nil
}

// --- aggregation ---

type aggState struct {
	count      int64
	sumInt     int64
	sumFloat   float64
	allInt     bool
	haveMinMax bool
	min, max   catalog.Value
}

func runHashAggregate(in iterator, agg HashAggregate) (iterator, error) {
	type group struct {
		rep    Tuple
		states []*aggState
	}
	groups := map[string]*group{}
	var order []string
	newStates := func() []*aggState {
		st := make([]*aggState, len(agg.Aggs))
		for i := range st {
			st[i] = &aggState{allInt: true}
		}
		return st
	}

	seenAny := false
	for {
		t, ok, err := in.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		seenAny = true

		var keyParts [][]byte
		for _, k := range agg.Keys {
			v, err := evalExpr(k, t)
			if err != nil {
				return nil, err
			}
			keyParts = append(keyParts, catalog.EncodeKey(v))
		}
		gk := string(bytes.Join(keyParts, []byte{0xff}))

		g, ok := groups[gk]
		if !ok {
			g = &group{rep: t, states: newStates()}
			groups[gk] = g
			order = append(order, gk)
		}
		for i, spec := range agg.Aggs {
			var v catalog.Value
			if !spec.Star {
				v, err = evalExpr(spec.Arg, t)
				if err != nil {
					return nil, err
				}
			}
			if err := updateAgg(g.states[i], spec, v); err != nil {
				return nil, err
			}
		}
	}

	if len(agg.Keys) == 0 && !seenAny {
		groups[""] = &group{rep: Tuple{}, states: newStates()}
		order = append(order, "")
	}

	rows := make([]Tuple, 0, len(order))
	for _, gk := range order {
		g := groups[gk]
		aggsMap := make(map[string]catalog.Value, len(agg.Aggs))
		for i, spec := range agg.Aggs {
			aggsMap[aggKeyOf(spec.Func, spec.Arg, spec.Star)] = finalizeAgg(g.states[i], spec)
		}
		out := g.rep
		out.aggs = aggsMap
		rows = append(rows, out)
	}
	return &sliceIter{rows: rows}, nil
}

func updateAgg(s *aggState, spec AggSpec, v catalog.Value) error {
	switch spec.Func {
	case "COUNT":
		if spec.Star || !v.IsNull() {
			s.count++
		}
	case "SUM", "AVG":
		if v.IsNull() {
			return nil
		}
		s.count++
		switch v.Kind {
		case catalog.KindInt:
			s.sumInt += v.I
			s.sumFloat += float64(v.I)
		case catalog.KindFloat:
			s.allInt = false
			s.sumFloat += v.F
		default:
			return errs.New(errs.Type, "%s requires a numeric argument", spec.Func)
		}
	case "MIN":
		if v.IsNull() {
			return nil
		}
		if !s.haveMinMax {
			s.min, s.haveMinMax = v, true
			return nil
		}
		c, err := catalog.Compare(v, s.min)
		if err != nil {
			return err
		}
		if c < 0 {
			s.min = v
		}
	case "MAX":
		if v.IsNull() {
			return nil
		}
		if !s.haveMinMax {
			s.max, s.haveMinMax = v, true
			return nil
		}
		c, err := catalog.Compare(v, s.max)
		if err != nil {
			return err
		}
		if c > 0 {
			s.max = v
		}
	default:
		return errs.New(errs.Syntax, "unknown aggregate function %s", spec.Func)
	}
	return nil
}

func finalizeAgg(s *aggState, spec AggSpec) catalog.Value {
	switch spec.Func {
	case "COUNT":
		return catalog.Int(s.count)
	case "SUM":
		if s.count == 0 {
			return catalog.Null()
		}
		if s.allInt {
			return catalog.Int(s.sumInt)
		}
		return catalog.Float(s.sumFloat)
	case "AVG":
		if s.count == 0 {
			return catalog.Null()
		}
		return catalog.Float(s.sumFloat / float64(s.count))
	case "MIN":
		if !s.haveMinMax {
			return catalog.Null()
		}
		return s.min
	case "MAX":
		if !s.haveMinMax {
			return catalog.Null()
		}
		return s.max
	default:
		return catalog.Null()
	}
}

// --- scalar expression evaluation ---

type triState int

const (
	triFalse triState = iota
	triTrue
	triUnknown
)

func toTri(v catalog.Value) triState {
	if v.IsNull() {
		return triUnknown
	}
	if v.Kind == catalog.KindInt && v.I == 0 {
		return triFalse
	}
	return triTrue
}

func fromTri(s triState) catalog.Value {
	switch s {
	case triUnknown:
		return catalog.Null()
	case triTrue:
		return catalog.Int(1)
	default:
		return catalog.Int(0)
	}
}

func notTri(s triState) triState {
	switch s {
	case triUnknown:
		return triUnknown
	case triTrue:
		return triFalse
	default:
		return triTrue
	}
}

func andTri(a, b triState) triState {
	if a == triFalse || b == triFalse {
		return triFalse
	}
	if a == triUnknown || b == triUnknown {
		return triUnknown
	}
	return triTrue
}

func orTri(a, b triState) triState {
	if a == triTrue || b == triTrue {
		return triTrue
	}
	if a == triUnknown || b == triUnknown {
		return triUnknown
	}
	return triFalse
}

func boolValue(b bool) catalog.Value {
	if b {
		return catalog.Int(1)
	}
	return catalog.Int(0)
}

func truthy(v catalog.Value) bool { return toTri(v) == triTrue }

func qualifiedName(c ColumnRef) string {
	if c.Table != "" {
		return c.Table + "." + c.Name
	}
	return c.Name
}

func evalExpr(e Expr, t Tuple) (catalog.Value, error) {
	switch ex := e.(type) {
	case ColumnRef:
		v, ok := t.Lookup(ex.Table, ex.Name)
		if !ok {
			return catalog.Value{}, errs.New(errs.Schema, "no such column: %s", qualifiedName(ex))
		}
		return v, nil
	case Literal:
		return ex.Value, nil
	case FuncCall:
		if t.aggs == nil {
			return catalog.Value{}, errs.New(errs.Internal, "aggregate function used outside an aggregate context")
		}
		var arg Expr
		if !ex.Star && len(ex.Args) > 0 {
			arg = ex.Args[0]
		}
		key := aggKeyOf(ex.Name, arg, ex.Star)
		v, ok := t.aggs[key]
		if !ok {
			return catalog.Value{}, errs.New(errs.Internal, "aggregate %s not computed", key)
		}
		return v, nil
	case UnaryExpr:
		return evalUnary(ex, t)
	case IsNullExpr:
		v, err := evalExpr(ex.Expr, t)
		if err != nil {
			return catalog.Value{}, err
		}
		isNull := v.IsNull()
		if ex.Negate {
			isNull = !isNull
		}
		return boolValue(isNull), nil
	case BinaryExpr:
		return evalBinary(ex, t)
	default:
		return catalog.Value{}, errs.New(errs.Internal, "unknown expression node %T", e)
	}
}

func evalUnary(u UnaryExpr, t Tuple) (catalog.Value, error) {
	v, err := evalExpr(u.Expr, t)
	if err != nil {
		return catalog.Value{}, err
	}
	switch u.Op {
	case "-":
		if v.IsNull() {
			return v, nil
		}
		switch v.Kind {
		case catalog.KindInt:
			return catalog.Int(-v.I), nil
		case catalog.KindFloat:
			return catalog.Float(-v.F), nil
		default:
			return catalog.Value{}, errs.New(errs.Type, "cannot negate %s", v.Kind)
		}
	case "NOT":
		return fromTri(notTri(toTri(v))), nil
	default:
		return catalog.Value{}, errs.New(errs.Internal, "unknown unary operator %s", u.Op)
	}
}

func evalBinary(b BinaryExpr, t Tuple) (catalog.Value, error) {
	switch b.Op {
	case "AND":
		lv, err := evalExpr(b.Left, t)
		if err != nil {
			return catalog.Value{}, err
		}
		if toTri(lv) == triFalse {
			return fromTri(triFalse), nil
		}
		rv, err := evalExpr(b.Right, t)
		if err != nil {
			return catalog.Value{}, err
		}
		return fromTri(andTri(toTri(lv), toTri(rv))), nil
	case "OR":
		lv, err := evalExpr(b.Left, t)
		if err != nil {
			return catalog.Value{}, err
		}
		if toTri(lv) == triTrue {
			return fromTri(triTrue), nil
		}
		rv, err := evalExpr(b.Right, t)
		if err != nil {
			return catalog.Value{}, err
		}
		return fromTri(orTri(toTri(lv), toTri(rv))), nil
	}

	lv, err := evalExpr(b.Left, t)
	if err != nil {
		return catalog.Value{}, err
	}
	rv, err := evalExpr(b.Right, t)
	if err != nil {
		return catalog.Value{}, err
	}

	switch b.Op {
	case "=", "<>", "<", "<=", ">", ">=":
		if lv.IsNull() || rv.IsNull() {
			return catalog.Null(), nil
		}
		c, err := catalog.Compare(lv, rv)
		if err != nil {
			return catalog.Value{}, err
		}
		switch b.Op {
		case "=":
			return boolValue(c == 0), nil
		case "<>":
			return boolValue(c != 0), nil
		case "<":
			return boolValue(c < 0), nil
		case "<=":
			return boolValue(c <= 0), nil
		case ">":
			return boolValue(c > 0), nil
		default: // ">="
			return boolValue(c >= 0), nil
		}
	case "LIKE":
		if lv.IsNull() || rv.IsNull() {
			return catalog.Null(), nil
		}
		if lv.Kind != catalog.KindStr || rv.Kind != catalog.KindStr {
			return catalog.Value{}, errs.New(errs.Type, "LIKE requires string operands")
		}
		return boolValue(likeMatch(lv.S, rv.S)), nil
	case "+", "-", "*", "/":
		return evalArith(b.Op, lv, rv)
	default:
		return catalog.Value{}, errs.New(errs.Internal, "unknown binary operator %s", b.Op)
	}
}

func evalArith(op string, lv, rv catalog.Value) (catalog.Value, error) {
	if lv.IsNull() || rv.IsNull() {
		return catalog.Null(), nil
	}
	lNum := lv.Kind == catalog.KindInt || lv.Kind == catalog.KindFloat
	rNum := rv.Kind == catalog.KindInt || rv.Kind == catalog.KindFloat
	if !lNum || !rNum {
		return catalog.Value{}, errs.New(errs.Type, "arithmetic requires numeric operands")
	}
	if lv.Kind == catalog.KindInt && rv.Kind == catalog.KindInt {
		a, b := lv.I, rv.I
		switch op {
		case "+":
			return catalog.Int(a + b), nil
		case "-":
			return catalog.Int(a - b), nil
		case "*":
			return catalog.Int(a * b), nil
		default: // "/"
			if b == 0 {
				return catalog.Value{}, errs.New(errs.Type, "division by zero")
			}
			return catalog.Int(a / b), nil
		}
	}
	af, bf := numericValue(lv), numericValue(rv)
	switch op {
	case "+":
		return catalog.Float(af + bf), nil
	case "-":
		return catalog.Float(af - bf), nil
	case "*":
		return catalog.Float(af * bf), nil
	default: // "/"
		if bf == 0 {
			return catalog.Value{}, errs.New(errs.Type, "division by zero")
		}
		return catalog.Float(af / bf), nil
	}
}

func numericValue(v catalog.Value) float64 {
	if v.Kind == catalog.KindInt {
		return float64(v.I)
	}
	return v.F
}

// likeMatch implements SQL LIKE with % (any run of characters) and _ (any
// single character) wildcards; no ESCAPE clause.
func likeMatch(s, pattern string) bool {
	return likeMatchRunes([]rune(s), []rune(pattern))
}

func likeMatchRunes(s, p []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	if p[0] == '%' {
		if likeMatchRunes(s, p[1:]) {
			return true
		}
		for len(s) > 0 {
			s = s[1:]
			if likeMatchRunes(s, p[1:]) {
				return true
			}
		}
		return false
	}
	if len(s) == 0 {
		return false
	}
	if p[0] == '_' || p[0] == s[0] {
		return likeMatchRunes(s[1:], p[1:])
	}
	return false
}
