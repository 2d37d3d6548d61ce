package sqlfront

import (
	"strconv"
	"strings"

	"github.com/relitedb/relite/internal/catalog"
	"github.com/relitedb/relite/internal/errs"
)

// Parser is a recursive-descent parser over a single SQL statement,
// following the teacher's chain of precedence functions
// (_examples/SimonWaldherr-tinySQL/internal/engine/parser.go):
// or -> and -> not -> isNull -> comparison -> addsub -> muldiv -> unary -> primary.
type Parser struct {
	toks []token
	pos  int
}

// Parse tokenizes and parses a single statement.
func Parse(sql string) (Statement, error) {
	lx := newLexer(sql)
	var toks []token
	for {
		t := lx.nextToken()
		toks = append(toks, t)
		if t.typ == tEOF {
			break
		}
	}
	p := &Parser{toks: toks}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() && !p.peekSymbol(";") {
		return nil, p.errorf("unexpected token %q after statement", p.cur().val)
	}
	return stmt, nil
}

func (p *Parser) cur() token  { return p.toks[p.pos] }
func (p *Parser) atEnd() bool { return p.cur().typ == tEOF }
func (p *Parser) advance() token {
	t := p.cur()
	if !p.atEnd() {
		p.pos++
	}
	return t
}

func (p *Parser) errorf(format string, args ...any) error {
	return errs.At(errs.Syntax, p.cur().pos, format, args...)
}

func (p *Parser) peekKeyword(kw string) bool {
	return p.cur().typ == tKeyword && p.cur().val == kw
}
func (p *Parser) peekSymbol(sym string) bool {
	return p.cur().typ == tSymbol && p.cur().val == sym
}

func (p *Parser) eatKeyword(kw string) error {
	if !p.peekKeyword(kw) {
		return p.errorf("expected %s", kw)
	}
	p.advance()
	return nil
}

func (p *Parser) eatSymbol(sym string) error {
	if !p.peekSymbol(sym) {
		return p.errorf("expected %q", sym)
	}
	p.advance()
	return nil
}

func (p *Parser) eatIdent() (string, error) {
	if p.cur().typ != tIdent {
		return "", p.errorf("expected identifier")
	}
	return p.advance().val, nil
}

func (p *Parser) parseStatement() (Statement, error) {
	switch {
	case p.peekKeyword("CREATE"):
		return p.parseCreate()
	case p.peekKeyword("DROP"):
		return p.parseDrop()
	case p.peekKeyword("INSERT"):
		return p.parseInsert()
	case p.peekKeyword("UPDATE"):
		return p.parseUpdate()
	case p.peekKeyword("DELETE"):
		return p.parseDelete()
	case p.peekKeyword("SELECT"), p.peekKeyword("WITH"):
		return p.parseSelect()
	case p.peekKeyword("EXPLAIN"):
		p.advance()
		inner, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		return ExplainStmt{Inner: inner}, nil
	default:
		return nil, p.errorf("unexpected token %q", p.cur().val)
	}
}

// --- DDL ---

func (p *Parser) parseCreate() (Statement, error) {
	p.advance() // CREATE
	unique := false
	if p.peekKeyword("UNIQUE") {
		unique = true
		p.advance()
	}
	switch {
	case p.peekKeyword("TABLE"):
		p.advance()
		return p.parseCreateTable()
	case p.peekKeyword("INDEX"):
		p.advance()
		return p.parseCreateIndex(unique)
	default:
		return nil, p.errorf("expected TABLE or INDEX after CREATE")
	}
}

func (p *Parser) parseCreateTable() (Statement, error) {
	name, err := p.eatIdent()
	if err != nil {
		return nil, err
	}
	if err := p.eatSymbol("("); err != nil {
		return nil, err
	}
	var cols []catalog.ColumnDef
	pk := 0
	for {
		colName, err := p.eatIdent()
		if err != nil {
			return nil, err
		}
		ct, err := p.parseColType()
		if err != nil {
			return nil, err
		}
		notNull := false
		for {
			switch {
			case p.peekKeyword("NOT"):
				p.advance()
				if err := p.eatKeyword("NULL"); err != nil {
					return nil, err
				}
				notNull = true
			case p.peekKeyword("PRIMARY"):
				p.advance()
				if err := p.eatKeyword("KEY"); err != nil {
					return nil, err
				}
				pk = len(cols)
				notNull = true
			default:
				goto doneColumnAttrs
			}
		}
	doneColumnAttrs:
		cols = append(cols, catalog.ColumnDef{Name: colName, Type: ct, NotNull: notNull})
		if p.peekSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.eatSymbol(")"); err != nil {
		return nil, err
	}
	return CreateTableStmt{Name: name, Columns: cols, PK: pk}, nil
}

func (p *Parser) parseColType() (catalog.ColType, error) {
	switch {
	case p.peekKeyword("INT"), p.peekKeyword("INTEGER"):
		p.advance()
		return catalog.ColInt, nil
	case p.peekKeyword("STR"), p.peekKeyword("TEXT"):
		p.advance()
		return catalog.ColStr, nil
	default:
		return 0, p.errorf("expected a column type (INT or STR)")
	}
}

func (p *Parser) parseCreateIndex(unique bool) (Statement, error) {
	name, err := p.eatIdent()
	if err != nil {
		return nil, err
	}
	if err := p.eatKeyword("ON"); err != nil {
		return nil, err
	}
	table, err := p.eatIdent()
	if err != nil {
		return nil, err
	}
	if err := p.eatSymbol("("); err != nil {
		return nil, err
	}
	col, err := p.eatIdent()
	if err != nil {
		return nil, err
	}
	if err := p.eatSymbol(")"); err != nil {
		return nil, err
	}
	return CreateIndexStmt{Name: name, Table: table, Column: col, Unique: unique}, nil
}

func (p *Parser) parseDrop() (Statement, error) {
	p.advance() // DROP
	if err := p.eatKeyword("TABLE"); err != nil {
		return nil, err
	}
	name, err := p.eatIdent()
	if err != nil {
		return nil, err
	}
	return DropTableStmt{Name: name}, nil
}

// --- DML ---

func (p *Parser) parseInsert() (Statement, error) {
	p.advance() // INSERT
	if err := p.eatKeyword("INTO"); err != nil {
		return nil, err
	}
	table, err := p.eatIdent()
	if err != nil {
		return nil, err
	}
	var cols []string
	if p.peekSymbol("(") {
		p.advance()
		for {
			c, err := p.eatIdent()
			if err != nil {
				return nil, err
			}
			cols = append(cols, c)
			if p.peekSymbol(",") {
				p.advance()
				continue
			}
			break
		}
		if err := p.eatSymbol(")"); err != nil {
			return nil, err
		}
	}
	if err := p.eatKeyword("VALUES"); err != nil {
		return nil, err
	}
	var rows [][]Expr
	for {
		if err := p.eatSymbol("("); err != nil {
			return nil, err
		}
		var row []Expr
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			row = append(row, e)
			if p.peekSymbol(",") {
				p.advance()
				continue
			}
			break
		}
		if err := p.eatSymbol(")"); err != nil {
			return nil, err
		}
		rows = append(rows, row)
		if p.peekSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	return InsertStmt{Table: table, Columns: cols, Rows: rows}, nil
}

func (p *Parser) parseUpdate() (Statement, error) {
	p.advance() // UPDATE
	table, err := p.eatIdent()
	if err != nil {
		return nil, err
	}
	if err := p.eatKeyword("SET"); err != nil {
		return nil, err
	}
	var assigns []Assignment
	for {
		col, err := p.eatIdent()
		if err != nil {
			return nil, err
		}
		if err := p.eatSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		assigns = append(assigns, Assignment{Column: col, Value: val})
		if p.peekSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	var where Expr
	if p.peekKeyword("WHERE") {
		p.advance()
		where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	return UpdateStmt{Table: table, Set: assigns, Where: where}, nil
}

func (p *Parser) parseDelete() (Statement, error) {
	p.advance() // DELETE
	if err := p.eatKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.eatIdent()
	if err != nil {
		return nil, err
	}
	var where Expr
	if p.peekKeyword("WHERE") {
		p.advance()
		where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	return DeleteStmt{Table: table, Where: where}, nil
}

// --- SELECT ---

func (p *Parser) parseSelect() (Statement, error) {
	var ctes []CTE
	if p.peekKeyword("WITH") {
		p.advance()
		for {
			name, err := p.eatIdent()
			if err != nil {
				return nil, err
			}
			if err := p.eatKeyword("AS"); err != nil {
				return nil, err
			}
			if err := p.eatSymbol("("); err != nil {
				return nil, err
			}
			inner, err := p.parseSelect()
			if err != nil {
				return nil, err
			}
			if err := p.eatSymbol(")"); err != nil {
				return nil, err
			}
			sel := inner.(SelectStmt)
			ctes = append(ctes, CTE{Name: name, Query: &sel})
			if p.peekSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}

	if err := p.eatKeyword("SELECT"); err != nil {
		return nil, err
	}
	var items []SelectItem
	for {
		item, err := p.parseSelectItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if p.peekSymbol(",") {
			p.advance()
			continue
		}
		break
	}

	stmt := SelectStmt{With: ctes, Columns: items}

	if p.peekKeyword("FROM") {
		p.advance()
		from, err := p.parseTableRef()
		if err != nil {
			return nil, err
		}
		stmt.From = from

		for p.peekKeyword("JOIN") || p.peekKeyword("LEFT") || p.peekKeyword("INNER") {
			left := false
			if p.peekKeyword("LEFT") {
				left = true
				p.advance()
				if p.peekKeyword("OUTER") {
					p.advance()
				}
			} else if p.peekKeyword("INNER") {
				p.advance()
			}
			if err := p.eatKeyword("JOIN"); err != nil {
				return nil, err
			}
			tbl, err := p.parseTableRef()
			if err != nil {
				return nil, err
			}
			if err := p.eatKeyword("ON"); err != nil {
				return nil, err
			}
			on, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			stmt.Joins = append(stmt.Joins, JoinClause{Left: left, Table: tbl, On: on})
		}
	}

	if p.peekKeyword("WHERE") {
		p.advance()
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = w
	}

	if p.peekKeyword("GROUP") {
		p.advance()
		if err := p.eatKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			stmt.GroupBy = append(stmt.GroupBy, e)
			if p.peekSymbol(",") {
				p.advance()
				continue
			}
			break
		}
		if p.peekKeyword("HAVING") {
			p.advance()
			h, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			stmt.Having = h
		}
	}

	if p.peekKeyword("ORDER") {
		p.advance()
		if err := p.eatKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			desc := false
			if p.peekKeyword("ASC") {
				p.advance()
			} else if p.peekKeyword("DESC") {
				desc = true
				p.advance()
			}
			stmt.OrderBy = append(stmt.OrderBy, OrderItem{Expr: e, Desc: desc})
			if p.peekSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}

	if p.peekKeyword("LIMIT") {
		p.advance()
		n, err := p.parseIntLiteral()
		if err != nil {
			return nil, err
		}
		stmt.Limit = &n
		if p.peekKeyword("OFFSET") {
			p.advance()
			m, err := p.parseIntLiteral()
			if err != nil {
				return nil, err
			}
			stmt.Offset = &m
		}
	}

	return stmt, nil
}

func (p *Parser) parseIntLiteral() (int, error) {
	if p.cur().typ != tNumber {
		return 0, p.errorf("expected a number")
	}
	v, err := strconv.Atoi(p.advance().val)
	if err != nil {
		return 0, p.errorf("invalid integer literal")
	}
	return v, nil
}

func (p *Parser) parseTableRef() (TableRef, error) {
	name, err := p.eatIdent()
	if err != nil {
		return TableRef{}, err
	}
	alias := ""
	if p.peekKeyword("AS") {
		p.advance()
		alias, err = p.eatIdent()
		if err != nil {
			return TableRef{}, err
		}
	} else if p.cur().typ == tIdent {
		alias = p.advance().val
	}
	return TableRef{Name: name, Alias: alias}, nil
}

func (p *Parser) parseSelectItem() (SelectItem, error) {
	if p.peekSymbol("*") {
		p.advance()
		return SelectItem{Star: true}, nil
	}
	e, err := p.parseExpr()
	if err != nil {
		return SelectItem{}, err
	}
	if cr, ok := e.(ColumnRef); ok && cr.Name == "*" {
		return SelectItem{Star: true, Table: cr.Table}, nil
	}
	alias := ""
	if p.peekKeyword("AS") {
		p.advance()
		alias, err = p.eatIdent()
		if err != nil {
			return SelectItem{}, err
		}
	} else if p.cur().typ == tIdent {
		alias = p.advance().val
	}
	return SelectItem{Expr: e, Alias: alias}, nil
}

// --- expressions, precedence low to high ---

func (p *Parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peekKeyword("OR") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peekKeyword("AND") {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.peekKeyword("NOT") {
		p.advance()
		e, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: "NOT", Expr: e}, nil
	}
	return p.parseIsNull()
}

func (p *Parser) parseIsNull() (Expr, error) {
	e, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	if p.peekKeyword("IS") {
		p.advance()
		negate := false
		if p.peekKeyword("NOT") {
			negate = true
			p.advance()
		}
		if err := p.eatKeyword("NULL"); err != nil {
			return nil, err
		}
		return IsNullExpr{Expr: e, Negate: negate}, nil
	}
	return e, nil
}

var cmpOps = map[string]bool{"=": true, "<>": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *Parser) parseCmp() (Expr, error) {
	left, err := p.parseAddSub()
	if err != nil {
		return nil, err
	}
	if p.cur().typ == tSymbol && cmpOps[p.cur().val] {
		op := p.advance().val
		if op == "!=" {
			op = "<>"
		}
		right, err := p.parseAddSub()
		if err != nil {
			return nil, err
		}
		return BinaryExpr{Op: op, Left: left, Right: right}, nil
	}
	if p.peekKeyword("LIKE") {
		p.advance()
		right, err := p.parseAddSub()
		if err != nil {
			return nil, err
		}
		return BinaryExpr{Op: "LIKE", Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *Parser) parseAddSub() (Expr, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return nil, err
	}
	for p.peekSymbol("+") || p.peekSymbol("-") {
		op := p.advance().val
		right, err := p.parseMulDiv()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMulDiv() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peekSymbol("*") || p.peekSymbol("/") {
		op := p.advance().val
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	if p.peekSymbol("-") {
		p.advance()
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: "-", Expr: e}, nil
	}
	return p.parsePrimary()
}

var aggFuncs = map[string]bool{"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true}

func (p *Parser) parsePrimary() (Expr, error) {
	t := p.cur()
	switch {
	case t.typ == tNumber:
		p.advance()
		if strings.Contains(t.val, ".") {
			return nil, p.errorf("floating-point literals are not supported")
		}
		n, err := strconv.ParseInt(t.val, 10, 64)
		if err != nil {
			return nil, p.errorf("invalid integer literal %q", t.val)
		}
		return Literal{Value: catalog.Int(n)}, nil
	case t.typ == tString:
		p.advance()
		return Literal{Value: catalog.Str(t.val)}, nil
	case t.typ == tKeyword && t.val == "NULL":
		p.advance()
		return Literal{Value: catalog.Null()}, nil
	case t.typ == tKeyword && aggFuncs[t.val]:
		return p.parseFuncCall(t.val)
	case t.typ == tSymbol && t.val == "(":
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.eatSymbol(")"); err != nil {
			return nil, err
		}
		return e, nil
	case t.typ == tIdent:
		return p.parseColumnRefOrCall()
	default:
		return nil, p.errorf("unexpected token %q in expression", t.val)
	}
}

func (p *Parser) parseFuncCall(name string) (Expr, error) {
	p.advance() // function name keyword
	if err := p.eatSymbol("("); err != nil {
		return nil, err
	}
	if name == "COUNT" && p.peekSymbol("*") {
		p.advance()
		if err := p.eatSymbol(")"); err != nil {
			return nil, err
		}
		return FuncCall{Name: name, Star: true}, nil
	}
	var args []Expr
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, e)
		if p.peekSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.eatSymbol(")"); err != nil {
		return nil, err
	}
	return FuncCall{Name: name, Args: args}, nil
}

func (p *Parser) parseColumnRefOrCall() (Expr, error) {
	first := p.advance().val
	if p.peekSymbol(".") {
		p.advance()
		if p.peekSymbol("*") {
			p.advance()
			return ColumnRef{Table: first, Name: "*"}, nil
		}
		name, err := p.eatIdent()
		if err != nil {
			return nil, err
		}
		return ColumnRef{Table: first, Name: name}, nil
	}
	return ColumnRef{Name: first}, nil
}
