package sqlquery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"
	"github.com/zpiroux/flowline/entity"
)

// typeUnknown is the type of expressions referring to columns when no schema is bound.
const typeUnknown entity.DataType = -1

var aggregateFuncs = map[string]bool{
	"count": true,
	"sum":   true,
	"avg":   true,
	"min":   true,
	"max":   true,
}

// evalCtx is the row being evaluated. In grouped queries row is the first row of the
// group (-1 for an empty group) and aggs holds the group's aggregate results.
type evalCtx struct {
	batch *entity.Batch
	row   int
	aggs  []any
}

type evalFunc func(c *evalCtx) (any, error)

type cexpr struct {
	text     string
	typ      entity.DataType
	nullable bool
	eval     evalFunc
}

type aggregate struct {
	fn       string
	arg      *cexpr // nil for count(*)
	distinct bool
	typ      entity.DataType
}

type orderKey struct {
	column int // output column index, or -1 if expr is used
	expr   *cexpr
	desc   bool
}

// plan is a query compiled against one input schema. A plan compiled without a schema
// only validates the query structure and has a nil output schema.
type plan struct {
	out     *entity.Schema
	columns []*cexpr
	where   *cexpr
	grouped bool
	groupBy []*cexpr
	aggs    []*aggregate
	having  *cexpr
	order   []orderKey
}

// query is a parsed SELECT statement over the stage table.
type query struct {
	sql        string
	sel        *sqlparser.Select
	qualifiers map[string]bool
	grouped    bool
	distinct   bool
	limit      int64 // -1 if no limit
	offset     int64
}

func parseQuery(sql, table string) (*query, error) {
	fail := func(format string, args ...any) error {
		return queryError(sql, fmt.Sprintf(format, args...))
	}
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, &entity.QueryError{Query: sql, Reason: "syntax error", Err: fmt.Errorf("%w: %v", entity.ErrInvalidSpec, err)}
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		return nil, fail("only SELECT statements are supported")
	}
	if sel.Lock != "" {
		return nil, fail("locking clauses are not supported")
	}

	q := &query{sql: sql, sel: sel, qualifiers: make(map[string]bool), distinct: sel.Distinct != "", limit: -1}
	if len(sel.From) != 1 {
		return nil, fail("query must select from the single table %s", table)
	}
	from, ok := sel.From[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return nil, fail("joins are not supported")
	}
	name, ok := from.Expr.(sqlparser.TableName)
	if !ok {
		return nil, fail("subqueries are not supported")
	}
	if !name.Qualifier.IsEmpty() || !strings.EqualFold(name.Name.String(), table) {
		return nil, fail("unknown table %s, expected %s", sqlparser.String(name), table)
	}
	q.qualifiers[strings.ToLower(table)] = true
	if !from.As.IsEmpty() {
		q.qualifiers[strings.ToLower(from.As.String())] = true
	}

	if sel.Limit != nil {
		if q.limit, err = intLiteral(sel.Limit.Rowcount); err != nil {
			return nil, fail("LIMIT must be a non-negative integer")
		}
		if sel.Limit.Offset != nil {
			if q.offset, err = intLiteral(sel.Limit.Offset); err != nil {
				return nil, fail("OFFSET must be a non-negative integer")
			}
		}
	}

	nodes := []sqlparser.SQLNode{sel.SelectExprs, sel.OrderBy}
	if sel.Having != nil {
		nodes = append(nodes, sel.Having)
	}
	q.grouped = len(sel.GroupBy) > 0 || sel.Having != nil || hasAggregate(nodes...)

	// Compiling without a schema catches unsupported constructs up front.
	if _, err := q.compile(nil); err != nil {
		return nil, err
	}
	return q, nil
}

func hasAggregate(nodes ...sqlparser.SQLNode) bool {
	found := false
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if f, ok := node.(*sqlparser.FuncExpr); ok && aggregateFuncs[f.Name.Lowered()] {
			found = true
			return false, nil
		}
		return true, nil
	}, nodes...)
	return found
}

func intLiteral(e sqlparser.Expr) (int64, error) {
	v, ok := e.(*sqlparser.SQLVal)
	if !ok || v.Type != sqlparser.IntVal {
		return 0, fmt.Errorf("not an integer literal: %s", sqlparser.String(e))
	}
	n, err := strconv.ParseInt(string(v.Val), 10, 64)
	if err == nil && n < 0 {
		err = fmt.Errorf("negative value: %d", n)
	}
	return n, err
}

func queryError(sql, reason string) error {
	return &entity.QueryError{Query: sql, Reason: reason, Err: entity.ErrInvalidSpec}
}

type compiler struct {
	q         *query
	schema    *entity.Schema
	clause    string
	grouped   bool
	groupKeys map[string]bool
	aggs      []*aggregate
	inAgg     bool
	keyed     bool
	aliases   map[string]sqlparser.Expr
	resolving map[string]bool
}

func (c *compiler) errorf(format string, args ...any) error {
	return queryError(c.q.sql, fmt.Sprintf(format, args...))
}

// compile builds the plan of the query for the schema, which may be nil.
func (q *query) compile(schema *entity.Schema) (*plan, error) {
	sel := q.sel
	c := &compiler{q: q, schema: schema, groupKeys: make(map[string]bool), resolving: make(map[string]bool)}
	p := &plan{grouped: q.grouped}
	var err error

	if sel.Where != nil {
		c.clause = "WHERE"
		if p.where, err = c.compileBool(sel.Where.Expr); err != nil {
			return nil, err
		}
	}

	aliases := make(map[string]sqlparser.Expr)
	for _, item := range sel.SelectExprs {
		if ae, ok := item.(*sqlparser.AliasedExpr); ok && !ae.As.IsEmpty() {
			aliases[ae.As.Lowered()] = ae.Expr
		}
	}

	c.clause = "GROUP BY"
	c.aliases = aliases
	for _, g := range sel.GroupBy {
		if ord, err := intLiteral(g); err == nil {
			if g, err = c.ordinal(ord); err != nil {
				return nil, err
			}
		} else if col, ok := g.(*sqlparser.ColName); ok && col.Qualifier.IsEmpty() {
			if alias, ok := aliases[col.Name.Lowered()]; ok && !c.hasColumn(col.Name.String()) {
				c.groupKeys[col.Name.Lowered()] = true
				g = alias
			}
		}
		key, err := c.compile(g)
		if err != nil {
			return nil, err
		}
		p.groupBy = append(p.groupBy, key)
		c.groupKeys[strings.ToLower(sqlparser.String(g))] = true
	}
	c.grouped = q.grouped

	c.clause = "SELECT"
	c.aliases = nil
	var fields []entity.Field
	hasStar := false
	for _, item := range sel.SelectExprs {
		switch item := item.(type) {
		case *sqlparser.StarExpr:
			hasStar = true
			if err := c.checkQualifier(item.TableName); err != nil {
				return nil, err
			}
			if c.grouped {
				return nil, c.errorf("SELECT * cannot be used with GROUP BY or aggregate functions")
			}
			if schema == nil {
				fields = nil
				continue
			}
			for i, f := range schema.Fields() {
				p.columns = append(p.columns, columnExpr(f, i))
				fields = append(fields, f)
			}
		case *sqlparser.AliasedExpr:
			col, err := c.compile(item.Expr)
			if err != nil {
				return nil, err
			}
			name := item.As.String()
			if name == "" {
				if ref, ok := item.Expr.(*sqlparser.ColName); ok {
					name = ref.Name.String()
				} else {
					name = col.text
				}
			}
			p.columns = append(p.columns, col)
			fields = append(fields, entity.Field{Name: name, Type: col.typ, Nullable: col.nullable})
		default:
			return nil, c.errorf("unsupported select expression %s", sqlparser.String(item))
		}
	}

	if sel.Having != nil {
		c.clause = "HAVING"
		c.aliases = aliases
		if p.having, err = c.compileBool(sel.Having.Expr); err != nil {
			return nil, err
		}
	}

	c.clause = "ORDER BY"
	c.aliases = aliases
	for _, o := range sel.OrderBy {
		key := orderKey{column: -1, desc: o.Direction == sqlparser.DescScr}
		if ord, err := intLiteral(o.Expr); err == nil {
			if ord < 1 || (schema != nil || !hasStar) && int(ord) > len(p.columns) {
				return nil, c.errorf("ORDER BY position %d is not in select list", ord)
			}
			key.column = int(ord) - 1
		} else if idx := outputIndex(fields, o.Expr); idx >= 0 {
			key.column = idx
		} else if key.expr, err = c.compile(o.Expr); err != nil {
			return nil, err
		}
		p.order = append(p.order, key)
	}
	p.aggs = c.aggs

	if schema != nil {
		for i, f := range fields {
			if f.Type == typeUnknown {
				fields[i].Type = entity.TypeNull
			}
		}
		if p.out, err = entity.NewSchema(fields...); err != nil {
			return nil, c.errorf("invalid result schema: %v", err)
		}
	}
	return p, nil
}

// ordinal returns the select list expression at the 1-based position.
func (c *compiler) ordinal(pos int64) (sqlparser.Expr, error) {
	items := c.q.sel.SelectExprs
	if pos < 1 || int(pos) > len(items) {
		return nil, c.errorf("%s position %d is not in select list", c.clause, pos)
	}
	ae, ok := items[pos-1].(*sqlparser.AliasedExpr)
	if !ok {
		return nil, c.errorf("%s position %d does not refer to an expression", c.clause, pos)
	}
	return ae.Expr, nil
}

func outputIndex(fields []entity.Field, e sqlparser.Expr) int {
	col, ok := e.(*sqlparser.ColName)
	if !ok || !col.Qualifier.IsEmpty() {
		return -1
	}
	for i, f := range fields {
		if strings.EqualFold(f.Name, col.Name.String()) {
			return i
		}
	}
	return -1
}

func columnExpr(f entity.Field, idx int) *cexpr {
	return &cexpr{
		text:     f.Name,
		typ:      f.Type,
		nullable: f.Nullable,
		eval: func(c *evalCtx) (any, error) {
			if c.row < 0 {
				return nil, nil
			}
			return c.batch.Value(c.row, idx), nil
		},
	}
}

func (c *compiler) checkQualifier(t sqlparser.TableName) error {
	if t.IsEmpty() {
		return nil
	}
	if !t.Qualifier.IsEmpty() || !c.q.qualifiers[strings.ToLower(t.Name.String())] {
		return c.errorf("unknown table %s", sqlparser.String(t))
	}
	return nil
}

func (c *compiler) hasColumn(name string) bool {
	if c.schema == nil {
		return false
	}
	_, ok := c.lookup(name)
	return ok
}

// lookup finds a column by exact name, or by a unique case insensitive match.
func (c *compiler) lookup(name string) (int, bool) {
	if i, ok := c.schema.Index(name); ok {
		return i, true
	}
	found := -1
	for i, n := range c.schema.Names() {
		if strings.EqualFold(n, name) {
			if found >= 0 {
				return -1, false
			}
			found = i
		}
	}
	return found, found >= 0
}

func (c *compiler) compileBool(e sqlparser.Expr) (*cexpr, error) {
	x, err := c.compile(e)
	if err != nil {
		return nil, err
	}
	if !isBoolType(x.typ) {
		return nil, c.errorf("%s condition %s is of type %s, expected bool", c.clause, x.text, x.typ)
	}
	return x, nil
}

func (c *compiler) compile(e sqlparser.Expr) (*cexpr, error) {
	text := sqlparser.String(e)
	if c.grouped && !c.inAgg && !c.keyed && c.groupKeys[strings.ToLower(text)] {
		c.keyed = true
		defer func() { c.keyed = false }()
	}

	switch e := e.(type) {
	case *sqlparser.ParenExpr:
		x, err := c.compile(e.Expr)
		if err != nil {
			return nil, err
		}
		return &cexpr{text: text, typ: x.typ, nullable: x.nullable, eval: x.eval}, nil
	case *sqlparser.SQLVal:
		return c.literal(e)
	case *sqlparser.NullVal:
		return constant(text, entity.TypeNull, nil), nil
	case sqlparser.BoolVal:
		return constant(text, entity.TypeBool, bool(e)), nil
	case *sqlparser.ColName:
		return c.column(e)
	case *sqlparser.AndExpr:
		return c.logical(text, "and", e.Left, e.Right)
	case *sqlparser.OrExpr:
		return c.logical(text, "or", e.Left, e.Right)
	case *sqlparser.NotExpr:
		return c.not(text, e.Expr)
	case *sqlparser.ComparisonExpr:
		return c.comparison(text, e)
	case *sqlparser.RangeCond:
		return c.between(text, e)
	case *sqlparser.IsExpr:
		return c.is(text, e)
	case *sqlparser.BinaryExpr:
		return c.arithmetic(text, e)
	case *sqlparser.UnaryExpr:
		return c.unary(text, e)
	case *sqlparser.FuncExpr:
		if aggregateFuncs[e.Name.Lowered()] {
			return c.aggregate(text, e)
		}
		return c.function(text, e)
	case *sqlparser.CaseExpr:
		return c.caseExpr(text, e)
	case *sqlparser.ConvertExpr:
		return c.cast(text, e)
	}
	return nil, c.errorf("unsupported expression %s", text)
}

func constant(text string, typ entity.DataType, v any) *cexpr {
	return &cexpr{
		text:     text,
		typ:      typ,
		nullable: v == nil,
		eval:     func(*evalCtx) (any, error) { return v, nil },
	}
}

func (c *compiler) literal(e *sqlparser.SQLVal) (*cexpr, error) {
	text := sqlparser.String(e)
	switch e.Type {
	case sqlparser.StrVal:
		return constant(text, entity.TypeString, string(e.Val)), nil
	case sqlparser.IntVal:
		n, err := strconv.ParseInt(string(e.Val), 10, 64)
		if err != nil {
			return nil, c.errorf("invalid integer %s", e.Val)
		}
		return constant(text, entity.TypeInt64, n), nil
	case sqlparser.FloatVal:
		f, err := strconv.ParseFloat(string(e.Val), 64)
		if err != nil {
			return nil, c.errorf("invalid number %s", e.Val)
		}
		return constant(text, entity.TypeFloat64, f), nil
	}
	return nil, c.errorf("unsupported literal %s", text)
}

func (c *compiler) column(e *sqlparser.ColName) (*cexpr, error) {
	if err := c.checkQualifier(e.Qualifier); err != nil {
		return nil, err
	}
	name := e.Name.String()

	if c.schema != nil {
		if idx, ok := c.lookup(name); ok {
			if c.grouped && !c.inAgg && !c.keyed {
				return nil, c.errorf("column %s must appear in GROUP BY or be used in an aggregate function", name)
			}
			return columnExpr(c.schema.Field(idx), idx), nil
		}
	}

	alias, isAlias := c.aliases[e.Name.Lowered()]
	if isAlias && e.Qualifier.IsEmpty() && !c.resolving[e.Name.Lowered()] {
		c.resolving[e.Name.Lowered()] = true
		defer delete(c.resolving, e.Name.Lowered())
		prev := c.keyed
		c.keyed = c.keyed || c.groupKeys[e.Name.Lowered()]
		defer func() { c.keyed = prev }()
		return c.compile(alias)
	}

	if c.schema != nil {
		return nil, c.errorf("unknown column %s", name)
	}
	if c.grouped && !c.inAgg && !c.keyed {
		return nil, c.errorf("column %s must appear in GROUP BY or be used in an aggregate function", name)
	}
	return &cexpr{text: name, typ: typeUnknown, nullable: true, eval: unbound}, nil
}

func unbound(*evalCtx) (any, error) {
	return nil, fmt.Errorf("query not bound to a schema")
}

func (c *compiler) logical(text, op string, left, right sqlparser.Expr) (*cexpr, error) {
	l, err := c.compileBool(left)
	if err != nil {
		return nil, err
	}
	r, err := c.compileBool(right)
	if err != nil {
		return nil, err
	}
	return &cexpr{text: text, typ: entity.TypeBool, nullable: true, eval: func(ctx *evalCtx) (any, error) {
		lv, err := l.eval(ctx)
		if err != nil {
			return nil, err
		}
		lb, _ := lv.(bool)
		lnull := lv == nil
		// Short circuit
		if !lnull && (op == "and" && !lb || op == "or" && lb) {
			return lb, nil
		}
		rv, err := r.eval(ctx)
		if err != nil {
			return nil, err
		}
		rb, _ := rv.(bool)
		rnull := rv == nil
		if op == "and" {
			switch {
			case !rnull && !rb:
				return false, nil
			case lnull || rnull:
				return nil, nil
			}
			return true, nil
		}
		switch {
		case !rnull && rb:
			return true, nil
		case lnull || rnull:
			return nil, nil
		}
		return false, nil
	}}, nil
}

func (c *compiler) not(text string, e sqlparser.Expr) (*cexpr, error) {
	x, err := c.compileBool(e)
	if err != nil {
		return nil, err
	}
	return &cexpr{text: text, typ: entity.TypeBool, nullable: x.nullable, eval: func(ctx *evalCtx) (any, error) {
		v, err := x.eval(ctx)
		if v == nil || err != nil {
			return nil, err
		}
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%s: %v is not a boolean", x.text, v)
		}
		return !b, nil
	}}, nil
}

func (c *compiler) comparison(text string, e *sqlparser.ComparisonExpr) (*cexpr, error) {
	if e.Escape != nil {
		return nil, c.errorf("LIKE ... ESCAPE is not supported")
	}
	l, err := c.compile(e.Left)
	if err != nil {
		return nil, err
	}

	switch e.Operator {
	case sqlparser.InStr, sqlparser.NotInStr:
		tuple, ok := e.Right.(sqlparser.ValTuple)
		if !ok {
			return nil, c.errorf("IN requires a list of values: %s", text)
		}
		var list []*cexpr
		for _, item := range tuple {
			x, err := c.compile(item)
			if err != nil {
				return nil, err
			}
			if err := c.checkComparable(l, x); err != nil {
				return nil, err
			}
			list = append(list, x)
		}
		return &cexpr{text: text, typ: entity.TypeBool, nullable: true, eval: inEval(l, list, e.Operator == sqlparser.NotInStr)}, nil
	}

	r, err := c.compile(e.Right)
	if err != nil {
		return nil, err
	}

	switch e.Operator {
	case sqlparser.LikeStr, sqlparser.NotLikeStr, sqlparser.RegexpStr, sqlparser.NotRegexpStr:
		if !isStringType(l.typ) || !isStringType(r.typ) {
			return nil, c.errorf("%s requires string operands: %s", strings.ToUpper(e.Operator), text)
		}
		like := e.Operator == sqlparser.LikeStr || e.Operator == sqlparser.NotLikeStr
		negate := e.Operator == sqlparser.NotLikeStr || e.Operator == sqlparser.NotRegexpStr
		m, err := newMatcher(r, like)
		if err != nil {
			return nil, c.errorf("invalid pattern in %s: %v", text, err)
		}
		return &cexpr{text: text, typ: entity.TypeBool, nullable: true, eval: func(ctx *evalCtx) (any, error) {
			lv, err := l.eval(ctx)
			if lv == nil || err != nil {
				return nil, err
			}
			ok, err := m.match(ctx, lv)
			if ok == nil || err != nil {
				return nil, err
			}
			return *ok != negate, nil
		}}, nil
	}

	if err := c.checkComparable(l, r); err != nil {
		return nil, err
	}
	var test func(int) bool
	switch e.Operator {
	case sqlparser.EqualStr, sqlparser.NullSafeEqualStr:
		test = func(n int) bool { return n == 0 }
	case sqlparser.NotEqualStr:
		test = func(n int) bool { return n != 0 }
	case sqlparser.LessThanStr:
		test = func(n int) bool { return n < 0 }
	case sqlparser.LessEqualStr:
		test = func(n int) bool { return n <= 0 }
	case sqlparser.GreaterThanStr:
		test = func(n int) bool { return n > 0 }
	case sqlparser.GreaterEqualStr:
		test = func(n int) bool { return n >= 0 }
	default:
		return nil, c.errorf("unsupported operator %s", e.Operator)
	}
	nullSafe := e.Operator == sqlparser.NullSafeEqualStr
	return &cexpr{text: text, typ: entity.TypeBool, nullable: !nullSafe, eval: func(ctx *evalCtx) (any, error) {
		lv, err := l.eval(ctx)
		if err != nil {
			return nil, err
		}
		rv, err := r.eval(ctx)
		if err != nil {
			return nil, err
		}
		if lv == nil || rv == nil {
			if nullSafe {
				return lv == nil && rv == nil, nil
			}
			return nil, nil
		}
		n, err := compareValues(lv, rv)
		if err != nil {
			return nil, err
		}
		return test(n), nil
	}}, nil
}

func inEval(l *cexpr, list []*cexpr, negate bool) evalFunc {
	return func(ctx *evalCtx) (any, error) {
		lv, err := l.eval(ctx)
		if lv == nil || err != nil {
			return nil, err
		}
		sawNull := false
		for _, x := range list {
			v, err := x.eval(ctx)
			if err != nil {
				return nil, err
			}
			if v == nil {
				sawNull = true
				continue
			}
			n, err := compareValues(lv, v)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				return !negate, nil
			}
		}
		if sawNull {
			return nil, nil
		}
		return negate, nil
	}
}

func (c *compiler) between(text string, e *sqlparser.RangeCond) (*cexpr, error) {
	var xs [3]*cexpr
	for i, sub := range []sqlparser.Expr{e.Left, e.From, e.To} {
		x, err := c.compile(sub)
		if err != nil {
			return nil, err
		}
		xs[i] = x
	}
	if err := c.checkComparable(xs[0], xs[1]); err != nil {
		return nil, err
	}
	if err := c.checkComparable(xs[0], xs[2]); err != nil {
		return nil, err
	}
	negate := e.Operator == sqlparser.NotBetweenStr
	return &cexpr{text: text, typ: entity.TypeBool, nullable: true, eval: func(ctx *evalCtx) (any, error) {
		var vs [3]any
		for i, x := range xs {
			v, err := x.eval(ctx)
			if v == nil || err != nil {
				return nil, err
			}
			vs[i] = v
		}
		lo, err := compareValues(vs[0], vs[1])
		if err != nil {
			return nil, err
		}
		hi, err := compareValues(vs[0], vs[2])
		if err != nil {
			return nil, err
		}
		return (lo >= 0 && hi <= 0) != negate, nil
	}}, nil
}

func (c *compiler) is(text string, e *sqlparser.IsExpr) (*cexpr, error) {
	x, err := c.compile(e.Expr)
	if err != nil {
		return nil, err
	}
	var test func(v any) bool
	switch e.Operator {
	case sqlparser.IsNullStr:
		test = func(v any) bool { return v == nil }
	case sqlparser.IsNotNullStr:
		test = func(v any) bool { return v != nil }
	case sqlparser.IsTrueStr:
		test = func(v any) bool { return v == true }
	case sqlparser.IsNotTrueStr:
		test = func(v any) bool { return v != true }
	case sqlparser.IsFalseStr:
		test = func(v any) bool { return v == false }
	case sqlparser.IsNotFalseStr:
		test = func(v any) bool { return v != false }
	default:
		return nil, c.errorf("unsupported operator %s", e.Operator)
	}
	if e.Operator != sqlparser.IsNullStr && e.Operator != sqlparser.IsNotNullStr && !isBoolType(x.typ) {
		return nil, c.errorf("%s requires a boolean operand", strings.ToUpper(e.Operator))
	}
	return &cexpr{text: text, typ: entity.TypeBool, eval: func(ctx *evalCtx) (any, error) {
		v, err := x.eval(ctx)
		if err != nil {
			return nil, err
		}
		return test(v), nil
	}}, nil
}

func (c *compiler) arithmetic(text string, e *sqlparser.BinaryExpr) (*cexpr, error) {
	switch e.Operator {
	case sqlparser.PlusStr, sqlparser.MinusStr, sqlparser.MultStr, sqlparser.DivStr, sqlparser.IntDivStr, sqlparser.ModStr:
	default:
		return nil, c.errorf("unsupported operator %s", e.Operator)
	}
	l, err := c.compile(e.Left)
	if err != nil {
		return nil, err
	}
	r, err := c.compile(e.Right)
	if err != nil {
		return nil, err
	}
	if !isNumericType(l.typ) || !isNumericType(r.typ) {
		return nil, c.errorf("operator %s requires numeric operands: %s", e.Operator, text)
	}
	typ := entity.TypeInt64
	switch {
	case l.typ == typeUnknown || r.typ == typeUnknown:
		typ = typeUnknown
	case l.typ == entity.TypeFloat64 || r.typ == entity.TypeFloat64:
		typ = entity.TypeFloat64
	}
	op := e.Operator
	return &cexpr{text: text, typ: typ, nullable: true, eval: func(ctx *evalCtx) (any, error) {
		lv, err := l.eval(ctx)
		if lv == nil || err != nil {
			return nil, err
		}
		rv, err := r.eval(ctx)
		if rv == nil || err != nil {
			return nil, err
		}
		return arith(op, lv, rv)
	}}, nil
}

func (c *compiler) unary(text string, e *sqlparser.UnaryExpr) (*cexpr, error) {
	x, err := c.compile(e.Expr)
	if err != nil {
		return nil, err
	}
	switch e.Operator {
	case sqlparser.UPlusStr:
		if !isNumericType(x.typ) {
			return nil, c.errorf("unary + requires a numeric operand: %s", text)
		}
		return &cexpr{text: text, typ: x.typ, nullable: x.nullable, eval: x.eval}, nil
	case sqlparser.UMinusStr:
		if !isNumericType(x.typ) {
			return nil, c.errorf("unary - requires a numeric operand: %s", text)
		}
		return &cexpr{text: text, typ: x.typ, nullable: x.nullable, eval: func(ctx *evalCtx) (any, error) {
			v, err := x.eval(ctx)
			if v == nil || err != nil {
				return nil, err
			}
			return arith(sqlparser.MinusStr, int64(0), v)
		}}, nil
	}
	return nil, c.errorf("unsupported operator %s", e.Operator)
}

func (c *compiler) aggregate(text string, e *sqlparser.FuncExpr) (*cexpr, error) {
	fn := e.Name.Lowered()
	switch {
	case c.clause == "WHERE" || c.clause == "GROUP BY":
		return nil, c.errorf("aggregate function %s not allowed in %s", fn, c.clause)
	case c.inAgg:
		return nil, c.errorf("aggregate function calls cannot be nested: %s", text)
	case len(e.Exprs) != 1:
		return nil, c.errorf("%s takes exactly one argument", fn)
	}

	agg := &aggregate{fn: fn, distinct: e.Distinct}
	switch arg := e.Exprs[0].(type) {
	case *sqlparser.StarExpr:
		if fn != "count" || e.Distinct {
			return nil, c.errorf("%s(*) is not supported", fn)
		}
	case *sqlparser.AliasedExpr:
		c.inAgg = true
		x, err := c.compile(arg.Expr)
		c.inAgg = false
		if err != nil {
			return nil, err
		}
		agg.arg = x
	default:
		return nil, c.errorf("unsupported argument in %s", text)
	}

	switch fn {
	case "count":
		agg.typ = entity.TypeInt64
	case "sum":
		if !isNumericType(agg.arg.typ) {
			return nil, c.errorf("sum requires a numeric argument, got %s", agg.arg.typ)
		}
		agg.typ = agg.arg.typ
	case "avg":
		if !isNumericType(agg.arg.typ) {
			return nil, c.errorf("avg requires a numeric argument, got %s", agg.arg.typ)
		}
		agg.typ = entity.TypeFloat64
	default:
		agg.typ = agg.arg.typ
	}

	idx := len(c.aggs)
	c.aggs = append(c.aggs, agg)
	return &cexpr{text: text, typ: agg.typ, nullable: fn != "count", eval: func(ctx *evalCtx) (any, error) {
		return ctx.aggs[idx], nil
	}}, nil
}

func (c *compiler) args(e *sqlparser.FuncExpr) ([]*cexpr, error) {
	if e.Distinct {
		return nil, c.errorf("DISTINCT is only supported in aggregate functions")
	}
	var out []*cexpr
	for _, item := range e.Exprs {
		ae, ok := item.(*sqlparser.AliasedExpr)
		if !ok {
			return nil, c.errorf("unsupported argument in %s", sqlparser.String(e))
		}
		x, err := c.compile(ae.Expr)
		if err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, nil
}

func (c *compiler) function(text string, e *sqlparser.FuncExpr) (*cexpr, error) {
	if !e.Qualifier.IsEmpty() {
		return nil, c.errorf("unknown function %s", text)
	}
	fn := e.Name.Lowered()
	args, err := c.args(e)
	if err != nil {
		return nil, err
	}
	f, ok := scalarFuncs[fn]
	if !ok {
		return nil, c.errorf("unknown function %s", fn)
	}
	if len(args) < f.minArgs || (f.maxArgs >= 0 && len(args) > f.maxArgs) {
		return nil, c.errorf("wrong number of arguments to %s", fn)
	}
	types := make([]entity.DataType, len(args))
	for i, a := range args {
		types[i] = a.typ
	}
	typ, err := f.typ(types)
	if err != nil {
		return nil, c.errorf("%s: %v", fn, err)
	}
	return &cexpr{text: text, typ: typ, nullable: true, eval: func(ctx *evalCtx) (any, error) {
		vs := make([]any, len(args))
		for i, a := range args {
			v, err := a.eval(ctx)
			if err != nil {
				return nil, err
			}
			vs[i] = v
		}
		v, err := f.eval(vs)
		if v == nil || err != nil || typ == typeUnknown {
			return v, err
		}
		return entity.NormalizeValue(typ, v)
	}}, nil
}

func (c *compiler) caseExpr(text string, e *sqlparser.CaseExpr) (*cexpr, error) {
	var base *cexpr
	var err error
	if e.Expr != nil {
		if base, err = c.compile(e.Expr); err != nil {
			return nil, err
		}
	}
	type branch struct{ cond, val *cexpr }
	var branches []branch
	var types []entity.DataType
	for _, w := range e.Whens {
		var cond *cexpr
		if base != nil {
			if cond, err = c.compile(w.Cond); err == nil {
				err = c.checkComparable(base, cond)
			}
		} else {
			cond, err = c.compileBool(w.Cond)
		}
		if err != nil {
			return nil, err
		}
		val, err := c.compile(w.Val)
		if err != nil {
			return nil, err
		}
		branches = append(branches, branch{cond, val})
		types = append(types, val.typ)
	}
	var elseExpr *cexpr
	if e.Else != nil {
		if elseExpr, err = c.compile(e.Else); err != nil {
			return nil, err
		}
		types = append(types, elseExpr.typ)
	}
	typ, err := unify(types)
	if err != nil {
		return nil, c.errorf("CASE results: %v", err)
	}

	return &cexpr{text: text, typ: typ, nullable: true, eval: func(ctx *evalCtx) (any, error) {
		var bv any
		if base != nil {
			v, err := base.eval(ctx)
			if err != nil {
				return nil, err
			}
			bv = v
		}
		for _, b := range branches {
			cv, err := b.cond.eval(ctx)
			if err != nil {
				return nil, err
			}
			hit := cv == true
			if base != nil {
				hit = false
				if bv != nil && cv != nil {
					n, err := compareValues(bv, cv)
					if err != nil {
						return nil, err
					}
					hit = n == 0
				}
			}
			if hit {
				return normalized(typ, b.val, ctx)
			}
		}
		if elseExpr != nil {
			return normalized(typ, elseExpr, ctx)
		}
		return nil, nil
	}}, nil
}

func normalized(typ entity.DataType, x *cexpr, ctx *evalCtx) (any, error) {
	v, err := x.eval(ctx)
	if v == nil || err != nil || typ == typeUnknown || typ == entity.TypeNull {
		return v, err
	}
	return entity.NormalizeValue(typ, v)
}

func (c *compiler) cast(text string, e *sqlparser.ConvertExpr) (*cexpr, error) {
	x, err := c.compile(e.Expr)
	if err != nil {
		return nil, err
	}
	var typ entity.DataType
	switch strings.ToLower(e.Type.Type) {
	case "signed", "signed integer", "unsigned", "unsigned integer":
		typ = entity.TypeInt64
	case "decimal":
		typ = entity.TypeFloat64
	case "char", "nchar":
		typ = entity.TypeString
	case "date", "datetime":
		typ = entity.TypeTimestamp
	case "binary":
		typ = entity.TypeBinary
	default:
		return nil, c.errorf("unsupported cast to %s", e.Type.Type)
	}
	return &cexpr{text: text, typ: typ, nullable: true, eval: func(ctx *evalCtx) (any, error) {
		v, err := x.eval(ctx)
		if v == nil || err != nil {
			return nil, err
		}
		return castValue(typ, v)
	}}, nil
}

func (c *compiler) checkComparable(a, b *cexpr) error {
	if !comparableTypes(a.typ, b.typ) {
		return c.errorf("cannot compare %s (%s) with %s (%s)", a.text, a.typ, b.text, b.typ)
	}
	return nil
}
