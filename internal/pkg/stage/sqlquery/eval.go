package sqlquery

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xwb1989/sqlparser"
	"github.com/zpiroux/flowline/entity"
)

var errDivisionByZero = errors.New("division by zero")

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02"}

func isBoolType(t entity.DataType) bool {
	return t == entity.TypeBool || t == entity.TypeNull || t == typeUnknown
}

func isNumericType(t entity.DataType) bool {
	return t.IsNumeric() || t == entity.TypeNull || t == typeUnknown
}

func isStringType(t entity.DataType) bool {
	return t == entity.TypeString || t == entity.TypeNull || t == typeUnknown
}

func comparableTypes(a, b entity.DataType) bool {
	switch {
	case a == b:
		return true
	case a == typeUnknown || b == typeUnknown || a == entity.TypeNull || b == entity.TypeNull:
		return true
	case a.IsNumeric() && b.IsNumeric():
		return true
	}
	pair := func(x, y entity.DataType) bool { return a == x && b == y || a == y && b == x }
	return pair(entity.TypeTimestamp, entity.TypeString) || pair(entity.TypeBinary, entity.TypeString)
}

// unify returns the common type of the branches of a conditional expression.
func unify(types []entity.DataType) (entity.DataType, error) {
	out := entity.TypeNull
	for _, t := range types {
		switch {
		case t == entity.TypeNull:
		case t == typeUnknown || out == typeUnknown:
			out = typeUnknown
		case out == entity.TypeNull || out == t:
			out = t
		case out.IsNumeric() && t.IsNumeric():
			out = entity.TypeFloat64
		default:
			return out, fmt.Errorf("incompatible types %s and %s", out, t)
		}
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// compareValues orders two non-null values, returning -1, 0 or 1.
func compareValues(a, b any) (int, error) {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return cmpOrdered(x, y), nil
		}
	case string:
		switch y := b.(type) {
		case string:
			return strings.Compare(x, y), nil
		case time.Time:
			n, err := compareValues(y, x)
			return -n, err
		case []byte:
			return bytes.Compare([]byte(x), y), nil
		}
	case bool:
		if y, ok := b.(bool); ok {
			return cmpOrdered(boolInt(x), boolInt(y)), nil
		}
	case time.Time:
		switch y := b.(type) {
		case time.Time:
			return x.Compare(y), nil
		case string:
			t, err := parseTime(y)
			if err != nil {
				return 0, err
			}
			return x.Compare(t), nil
		}
	case []byte:
		switch y := b.(type) {
		case []byte:
			return bytes.Compare(x, y), nil
		case string:
			return bytes.Compare(x, []byte(y)), nil
		}
	}
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return cmpOrdered(x, y), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %v (%T) with %v (%T)", a, a, b, b)
}

func cmpOrdered[T int64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// arith applies an arithmetic operator to two non-null numeric values. Integer
// operands give an integer result, with truncating division.
func arith(op string, a, b any) (any, error) {
	x, xInt := a.(int64)
	y, yInt := b.(int64)
	if xInt && yInt {
		switch op {
		case sqlparser.PlusStr:
			return x + y, nil
		case sqlparser.MinusStr:
			return x - y, nil
		case sqlparser.MultStr:
			return x * y, nil
		case sqlparser.DivStr, sqlparser.IntDivStr:
			if y == 0 {
				return nil, errDivisionByZero
			}
			return x / y, nil
		case sqlparser.ModStr:
			if y == 0 {
				return nil, errDivisionByZero
			}
			return x % y, nil
		}
		return nil, fmt.Errorf("unsupported operator %s", op)
	}

	fx, ok1 := toFloat(a)
	fy, ok2 := toFloat(b)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("operator %s requires numeric operands, got %T and %T", op, a, b)
	}
	switch op {
	case sqlparser.PlusStr:
		return fx + fy, nil
	case sqlparser.MinusStr:
		return fx - fy, nil
	case sqlparser.MultStr:
		return fx * fy, nil
	case sqlparser.DivStr:
		if fy == 0 {
			return nil, errDivisionByZero
		}
		return fx / fy, nil
	case sqlparser.IntDivStr:
		if fy == 0 {
			return nil, errDivisionByZero
		}
		return int64(fx / fy), nil
	case sqlparser.ModStr:
		if fy == 0 {
			return nil, errDivisionByZero
		}
		return math.Mod(fx, fy), nil
	}
	return nil, fmt.Errorf("unsupported operator %s", op)
}

// formatValue renders a value as text, as used by concat and casts to string.
func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func castValue(t entity.DataType, v any) (any, error) {
	switch t {
	case entity.TypeString:
		return formatValue(v), nil
	case entity.TypeBinary:
		return []byte(formatValue(v)), nil
	case entity.TypeInt64:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			return int64(x), nil
		case bool:
			return boolInt(x), nil
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
				return n, nil
			}
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot cast %q to integer", x)
			}
			return int64(f), nil
		case time.Time:
			return x.UnixMilli(), nil
		}
	case entity.TypeFloat64:
		switch x := v.(type) {
		case int64:
			return float64(x), nil
		case float64:
			return x, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot cast %q to decimal", x)
			}
			return f, nil
		}
	case entity.TypeTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			return parseTime(x)
		case int64:
			return time.UnixMilli(x).UTC(), nil
		}
	}
	return nil, fmt.Errorf("cannot cast %v (%T) to %s", v, v, t)
}

// matcher implements LIKE and REGEXP. Literal patterns are compiled once.
type matcher struct {
	pattern *cexpr
	like    bool
	static  *regexp.Regexp
}

func newMatcher(pattern *cexpr, like bool) (*matcher, error) {
	m := &matcher{pattern: pattern, like: like}
	if pattern.typ == entity.TypeString && !pattern.nullable {
		v, err := pattern.eval(nil)
		if err == nil {
			s, _ := v.(string)
			if m.static, err = m.compile(s); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *matcher) compile(pattern string) (*regexp.Regexp, error) {
	if !m.like {
		return regexp.Compile(pattern)
	}
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// match returns nil if the pattern is null.
func (m *matcher) match(ctx *evalCtx, v any) (*bool, error) {
	re := m.static
	if re == nil {
		pv, err := m.pattern.eval(ctx)
		if pv == nil || err != nil {
			return nil, err
		}
		if re, err = m.compile(formatValue(pv)); err != nil {
			return nil, err
		}
	}
	ok := re.MatchString(formatValue(v))
	return &ok, nil
}

type scalarFunc struct {
	minArgs int
	maxArgs int // -1 for variadic
	typ     func(args []entity.DataType) (entity.DataType, error)
	eval    func(args []any) (any, error)
}

func fixedType(t entity.DataType, check func(entity.DataType) bool) func([]entity.DataType) (entity.DataType, error) {
	return func(args []entity.DataType) (entity.DataType, error) {
		for _, a := range args {
			if check != nil && !check(a) {
				return t, fmt.Errorf("unsupported argument type %s", a)
			}
		}
		return t, nil
	}
}

func firstArgType(check func(entity.DataType) bool) func([]entity.DataType) (entity.DataType, error) {
	return func(args []entity.DataType) (entity.DataType, error) {
		if !check(args[0]) {
			return args[0], fmt.Errorf("unsupported argument type %s", args[0])
		}
		return args[0], nil
	}
}

var scalarFuncs = map[string]scalarFunc{
	"lower": {1, 1, fixedType(entity.TypeString, isStringType), func(args []any) (any, error) {
		if args[0] == nil {
			return nil, nil
		}
		return strings.ToLower(formatValue(args[0])), nil
	}},
	"upper": {1, 1, fixedType(entity.TypeString, isStringType), func(args []any) (any, error) {
		if args[0] == nil {
			return nil, nil
		}
		return strings.ToUpper(formatValue(args[0])), nil
	}},
	"length": {1, 1, fixedType(entity.TypeInt64, isStringType), func(args []any) (any, error) {
		if args[0] == nil {
			return nil, nil
		}
		return int64(utf8.RuneCountInString(formatValue(args[0]))), nil
	}},
	"abs": {1, 1, firstArgType(isNumericType), func(args []any) (any, error) {
		switch x := args[0].(type) {
		case int64:
			if x < 0 {
				return -x, nil
			}
			return x, nil
		case float64:
			return math.Abs(x), nil
		}
		return nil, nil
	}},
	"round": {1, 2, func(args []entity.DataType) (entity.DataType, error) {
		for _, a := range args {
			if !isNumericType(a) {
				return a, fmt.Errorf("unsupported argument type %s", a)
			}
		}
		if len(args) == 1 && args[0] == entity.TypeInt64 {
			return entity.TypeInt64, nil
		}
		return entity.TypeFloat64, nil
	}, func(args []any) (any, error) {
		if args[0] == nil {
			return nil, nil
		}
		if n, ok := args[0].(int64); ok && len(args) == 1 {
			return n, nil
		}
		f, _ := toFloat(args[0])
		places := int64(0)
		if len(args) == 2 {
			if args[1] == nil {
				return nil, nil
			}
			p, ok := args[1].(int64)
			if !ok {
				return nil, fmt.Errorf("round: decimal places must be an integer")
			}
			places = p
		}
		scale := math.Pow(10, float64(places))
		return math.Round(f*scale) / scale, nil
	}},
	"coalesce": {1, -1, unify, func(args []any) (any, error) {
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	}},
	"concat": {1, -1, fixedType(entity.TypeString, nil), func(args []any) (any, error) {
		var sb strings.Builder
		for _, a := range args {
			if a == nil {
				return nil, nil
			}
			sb.WriteString(formatValue(a))
		}
		return sb.String(), nil
	}},
}

// valuesKey encodes values into a string usable as a map key for grouping and
// de-duplication.
func valuesKey(vs []any) string {
	var sb strings.Builder
	for _, v := range vs {
		switch x := v.(type) {
		case nil:
			sb.WriteString("n;")
		case int64:
			sb.WriteString("i" + strconv.FormatInt(x, 10) + ";")
		case float64:
			if x == math.Trunc(x) && math.Abs(x) < 1e15 {
				// Equal integer and float values group together
				sb.WriteString("i" + strconv.FormatInt(int64(x), 10) + ";")
			} else {
				sb.WriteString("f" + strconv.FormatFloat(x, 'g', -1, 64) + ";")
			}
		case time.Time:
			sb.WriteString("t" + strconv.FormatInt(x.UnixNano(), 10) + ";")
		case []byte:
			sb.WriteString("b" + strconv.Itoa(len(x)) + ":" + string(x))
		default:
			s := formatValue(x)
			sb.WriteString(fmt.Sprintf("%T%d:%s", x, len(s), s))
		}
	}
	return sb.String()
}
