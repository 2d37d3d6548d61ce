package sqlfront

import (
	"strings"

	"github.com/relitedb/relite/internal/catalog"
	"github.com/relitedb/relite/internal/errs"
)

// Plan is a node in the logical plan tree the planner builds from a
// SelectStmt and the volcano executor (exec.go) walks. Grounded on the
// teacher's planner (_examples/SimonWaldherr-tinySQL/internal/engine/
// planner.go), which also lowers a parsed SELECT into a small tree of
// scan/filter/join/aggregate/sort/project nodes before execution.
type Plan interface{ isPlan() }

// SeqScan walks every row of a table in primary-key order.
type SeqScan struct {
	Table *catalog.TableSchema
	Alias string
}

// IndexScan walks a secondary index tree restricted to rows whose indexed
// column equals Eq (spec.md §4.5 "Index selection"). The planner emits it
// only when it finds an equality predicate on an indexed column.
type IndexScan struct {
	Table *catalog.TableSchema
	Index *catalog.IndexSchema
	Alias string
	Eq    catalog.Value
}

// Filter drops rows for which Pred does not evaluate truthy (spec.md §4.5's
// tri-valued WHERE semantics: NULL and FALSE are both non-truthy).
type Filter struct {
	Input Plan
	Pred  Expr
}

// NestedLoopJoin pairs each left row with every right row satisfying On;
// when LeftOuter is true, unmatched left rows are emitted once with right-side
// columns NULL-padded (LEFT OUTER JOIN).
type NestedLoopJoin struct {
	Left, Right Plan
	On          Expr
	LeftOuter   bool
}

// HashAggregate groups input rows by Keys and computes Aggs per group. A nil
// Keys slice with at least one Agg computes a single, whole-input group.
type HashAggregate struct {
	Input Plan
	Keys  []Expr
	Aggs  []AggSpec
}

// AggSpec is one aggregate function applied over a group.
type AggSpec struct {
	Func string // COUNT, SUM, AVG, MIN, MAX
	Arg  Expr   // nil for COUNT(*)
	Star bool
}

// Sort orders its input by Items, stably.
type Sort struct {
	Input Plan
	Items []OrderItem
}

// Limit bounds and offsets rows after ordering.
type Limit struct {
	Input  Plan
	Limit  *int
	Offset *int
}

// Project evaluates Items against each input row to produce the final
// output tuple and column names.
type Project struct {
	Input Plan
	Items []ProjectItem
}

// ProjectItem is one output column: either a named expression or, for
// SELECT * / t.*, every column of a source table flattened in place.
type ProjectItem struct {
	Expr     Expr
	Name     string
	Star     bool
	StarFrom string
}

// CteMaterialize runs Query once and hands its rows to every CteScan that
// references Name within the same statement (spec.md §4.5 "WITH").
type CteMaterialize struct {
	Name  string
	Query Plan
	Body  Plan
}

// CteScan reads the rows a CteMaterialize already computed for Name.
type CteScan struct {
	Name  string
	Alias string
}

func (SeqScan) isPlan()         {}
func (IndexScan) isPlan()       {}
func (Filter) isPlan()          {}
func (NestedLoopJoin) isPlan()  {}
func (HashAggregate) isPlan()   {}
func (Sort) isPlan()            {}
func (Limit) isPlan()           {}
func (Project) isPlan()         {}
func (CteMaterialize) isPlan()  {}
func (CteScan) isPlan()         {}

// Catalog is the subset of *catalog.Catalog the planner needs, kept as an
// interface so the planner depends only on these lookups and can be tested
// against a fake; the Executor itself holds the concrete *catalog.Catalog.
type Catalog interface {
	Table(name string) (*catalog.TableSchema, bool)
	Indexes(table string) []*catalog.IndexSchema
}

// Planner lowers parsed statements into plans against a fixed catalog
// snapshot (spec.md §4.5: plans are invalidated by a schema-version bump,
// enforced by internal/conn, not here).
type Planner struct {
	cat Catalog
}

func NewPlanner(cat Catalog) *Planner { return &Planner{cat: cat} }

// PlanSelect builds the plan tree for a SELECT statement.
func (pl *Planner) PlanSelect(stmt SelectStmt) (Plan, error) {
	var body Plan
	var err error

	cteNames := make(map[string]bool, len(stmt.With))
	for _, c := range stmt.With {
		cteNames[c.Name] = true
	}

	body, err = pl.planFrom(stmt, cteNames)
	if err != nil {
		return nil, err
	}

	if stmt.Where != nil {
		body = Filter{Input: body, Pred: stmt.Where}
	}

	if len(stmt.GroupBy) > 0 || hasAggregate(stmt.Columns) {
		aggs, err := collectAggs(stmt.Columns, stmt.Having)
		if err != nil {
			return nil, err
		}
		body = HashAggregate{Input: body, Keys: stmt.GroupBy, Aggs: aggs}
		if stmt.Having != nil {
			body = Filter{Input: body, Pred: stmt.Having}
		}
	}

	if len(stmt.OrderBy) > 0 {
		body = Sort{Input: body, Items: stmt.OrderBy}
	}

	if stmt.Limit != nil || stmt.Offset != nil {
		body = Limit{Input: body, Limit: stmt.Limit, Offset: stmt.Offset}
	}

	items, err := projectItems(stmt.Columns)
	if err != nil {
		return nil, err
	}
	body = Project{Input: body, Items: items}

	for i := len(stmt.With) - 1; i >= 0; i-- {
		cte := stmt.With[i]
		inner, err := pl.PlanSelect(*cte.Query)
		if err != nil {
			return nil, err
		}
		body = CteMaterialize{Name: cte.Name, Query: inner, Body: body}
	}

	return body, nil
}

func (pl *Planner) planFrom(stmt SelectStmt, cteNames map[string]bool) (Plan, error) {
	if stmt.From.Name == "" {
		// FROM-less SELECT (e.g. "SELECT 1"): a single implicit empty-tuple
		// row drives Project once.
		return singleRowScan{}, nil
	}

	left, err := pl.planTableRef(stmt.From, cteNames)
	if err != nil {
		return nil, err
	}
	if len(stmt.Joins) == 0 {
		if scan, ok := left.(SeqScan); ok && stmt.Where != nil {
			if idx, eqVal, found := findEqIndexPredicate(stmt.Where, pl.cat.Indexes(scan.Table.Name), scan.Alias); found {
				left = IndexScan{Table: scan.Table, Index: idx, Alias: scan.Alias, Eq: eqVal}
			}
		}
	}

	for _, j := range stmt.Joins {
		right, err := pl.planTableRef(j.Table, cteNames)
		if err != nil {
			return nil, err
		}
		left = NestedLoopJoin{Left: left, Right: right, On: j.On, LeftOuter: j.Left}
	}
	return left, nil
}

func (pl *Planner) planTableRef(ref TableRef, cteNames map[string]bool) (Plan, error) {
	if cteNames[ref.Name] {
		return CteScan{Name: ref.Name, Alias: ref.displayName()}, nil
	}
	ts, ok := pl.cat.Table(ref.Name)
	if !ok {
		return nil, errs.New(errs.Schema, "no such table: %s", ref.Name)
	}
	return SeqScan{Table: ts, Alias: ref.displayName()}, nil
}

// singleRowScan is a plan-internal marker for a FROM-less SELECT; the
// executor treats it as a one-row, zero-column input.
type singleRowScan struct{}

func (singleRowScan) isPlan() {}

func hasAggregate(items []SelectItem) bool {
	for _, it := range items {
		if exprHasAgg(it.Expr) {
			return true
		}
	}
	return false
}

func exprHasAgg(e Expr) bool {
	switch v := e.(type) {
	case FuncCall:
		return true
	case BinaryExpr:
		return exprHasAgg(v.Left) || exprHasAgg(v.Right)
	case UnaryExpr:
		return exprHasAgg(v.Expr)
	case IsNullExpr:
		return exprHasAgg(v.Expr)
	default:
		return false
	}
}

// collectAggs gathers every FuncCall appearing in the projection list and
// HAVING clause into a deduplicated AggSpec list the HashAggregate node
// computes once per group.
func collectAggs(items []SelectItem, having Expr) ([]AggSpec, error) {
	var aggs []AggSpec
	seen := map[string]bool{}
	add := func(fc FuncCall) error {
		if !fc.Star && len(fc.Args) != 1 {
			return errs.New(errs.Syntax, "aggregate %s takes exactly one argument", fc.Name)
		}
		var arg Expr
		if !fc.Star {
			arg = fc.Args[0]
		}
		key := aggKeyOf(fc.Name, arg, fc.Star)
		if seen[key] {
			return nil
		}
		seen[key] = true
		aggs = append(aggs, AggSpec{Func: fc.Name, Arg: arg, Star: fc.Star})
		return nil
	}
	var walk func(e Expr) error
	walk = func(e Expr) error {
		switch v := e.(type) {
		case FuncCall:
			return add(v)
		case BinaryExpr:
			if err := walk(v.Left); err != nil {
				return err
			}
			return walk(v.Right)
		case UnaryExpr:
			return walk(v.Expr)
		case IsNullExpr:
			return walk(v.Expr)
		}
		return nil
	}
	for _, it := range items {
		if it.Expr != nil {
			if err := walk(it.Expr); err != nil {
				return nil, err
			}
		}
	}
	if having != nil {
		if err := walk(having); err != nil {
			return nil, err
		}
	}
	return aggs, nil
}

// aggKeyOf names one aggregate call uniquely within a statement, so the
// HashAggregate executor (exec.go) can key its computed results the same
// way collectAggs deduplicated them and FuncCall evaluation can look them
// back up against the matching group's precomputed value.
func aggKeyOf(name string, arg Expr, star bool) string {
	if star {
		return name + "(*)"
	}
	return name + "(" + exprKey(arg) + ")"
}

// findEqIndexPredicate looks for a top-level (AND-joined) equality
// predicate in where matching one of indexes's columns against a literal,
// the only shape spec.md §4.5 "Index selection" optimizes.
func findEqIndexPredicate(where Expr, indexes []*catalog.IndexSchema, alias string) (*catalog.IndexSchema, catalog.Value, bool) {
	var conjuncts []Expr
	var walk func(e Expr)
	walk = func(e Expr) {
		if b, ok := e.(BinaryExpr); ok && b.Op == "AND" {
			walk(b.Left)
			walk(b.Right)
			return
		}
		conjuncts = append(conjuncts, e)
	}
	walk(where)

	for _, c := range conjuncts {
		b, ok := c.(BinaryExpr)
		if !ok || b.Op != "=" {
			continue
		}
		col, lit, ok := matchColLiteral(b.Left, b.Right)
		if !ok || !matchesAlias(col, alias) {
			continue
		}
		for _, idx := range indexes {
			if strings.EqualFold(idx.Column, col.Name) {
				return idx, lit.Value, true
			}
		}
	}
	return nil, catalog.Value{}, false
}

func matchColLiteral(a, b Expr) (ColumnRef, Literal, bool) {
	if col, ok := a.(ColumnRef); ok {
		if lit, ok2 := b.(Literal); ok2 {
			return col, lit, true
		}
	}
	if col, ok := b.(ColumnRef); ok {
		if lit, ok2 := a.(Literal); ok2 {
			return col, lit, true
		}
	}
	return ColumnRef{}, Literal{}, false
}

func matchesAlias(col ColumnRef, alias string) bool {
	return col.Table == "" || strings.EqualFold(col.Table, alias)
}

func exprKey(e Expr) string {
	switch v := e.(type) {
	case ColumnRef:
		return v.Table + "." + v.Name
	case Literal:
		return v.Value.String()
	default:
		return ""
	}
}

func projectItems(cols []SelectItem) ([]ProjectItem, error) {
	items := make([]ProjectItem, len(cols))
	for i, c := range cols {
		if c.Star {
			items[i] = ProjectItem{Star: true, StarFrom: c.Table}
			continue
		}
		name := c.Alias
		if name == "" {
			name = exprDisplayName(c.Expr)
		}
		items[i] = ProjectItem{Expr: c.Expr, Name: name}
	}
	return items, nil
}

func exprDisplayName(e Expr) string {
	switch v := e.(type) {
	case ColumnRef:
		return v.Name
	case FuncCall:
		if v.Star {
			return v.Name + "(*)"
		}
		return v.Name + "(...)"
	default:
		return "?column?"
	}
}
