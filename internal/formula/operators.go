// internal/formula/operators.go
package formula

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Binary operator semantics.
 *
 * Arithmetic works on float64 with time support layered on top:
 *   - time + duration, duration + time, time - duration -> time
 *   - time - time -> duration
 *   - duration (+-) duration, duration (* /) number -> duration
 *   - duration / duration -> number
 *
 * "+" with a string operand concatenates using text coercion. Comparison
 * mixes int/float transparently. Non-finite results are errors, never
 * propagated as NaN or Inf.
 */

func applyBinary(op string, l, r any) (any, error) {
	switch op {
	case "+":
		return add(l, r)
	case "-":
		return sub(l, r)
	case "*":
		return mul(l, r)
	case "/":
		return div(l, r)
	case "//", "%", "**":
		a, b, ok := asNumbers(l, r)
		if !ok {
			return nil, mismatch(op, l, r)
		}
		return arith(op, a, b)
	case "==":
		return compareEqual(l, r), nil
	case "!=":
		return !compareEqual(l, r), nil
	case "<", "<=", ">", ">=":
		c, err := compareOrdered(l, r)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, op)
		}
		switch op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	default:
		return nil, fmt.Errorf("unsupported operator %q", op)
	}
}

func add(l, r any) (any, error) {
	_, ls := l.(string)
	_, rs := r.(string)
	if ls || rs {
		if l == nil || r == nil {
			return nil, mismatch("+", l, r)
		}
		return textOf(l) + textOf(r), nil
	}
	switch a := l.(type) {
	case time.Time:
		if d, ok := r.(time.Duration); ok {
			return a.Add(d), nil
		}
	case time.Duration:
		switch b := r.(type) {
		case time.Time:
			return b.Add(a), nil
		case time.Duration:
			return a + b, nil
		}
	}
	a, b, ok := asNumbers(l, r)
	if !ok {
		return nil, mismatch("+", l, r)
	}
	return finite(a + b)
}

func sub(l, r any) (any, error) {
	switch a := l.(type) {
	case time.Time:
		switch b := r.(type) {
		case time.Duration:
			return a.Add(-b), nil
		case time.Time:
			return a.Sub(b), nil
		}
	case time.Duration:
		if b, ok := r.(time.Duration); ok {
			return a - b, nil
		}
	}
	a, b, ok := asNumbers(l, r)
	if !ok {
		return nil, mismatch("-", l, r)
	}
	return finite(a - b)
}

func mul(l, r any) (any, error) {
	if d, ok := l.(time.Duration); ok {
		if n, ok := toFloat64(r); ok {
			return time.Duration(float64(d) * n), nil
		}
	}
	if d, ok := r.(time.Duration); ok {
		if n, ok := toFloat64(l); ok {
			return time.Duration(float64(d) * n), nil
		}
	}
	a, b, ok := asNumbers(l, r)
	if !ok {
		return nil, mismatch("*", l, r)
	}
	return finite(a * b)
}

func div(l, r any) (any, error) {
	if d, ok := l.(time.Duration); ok {
		switch b := r.(type) {
		case time.Duration:
			if b == 0 {
				return nil, types.ErrDivisionByZero
			}
			return float64(d) / float64(b), nil
		default:
			n, ok := toFloat64(r)
			if !ok {
				return nil, mismatch("/", l, r)
			}
			if n == 0 {
				return nil, types.ErrDivisionByZero
			}
			return time.Duration(float64(d) / n), nil
		}
	}
	a, b, ok := asNumbers(l, r)
	if !ok {
		return nil, mismatch("/", l, r)
	}
	return arith("/", a, b)
}

// arith applies a numeric operator. Floor division and modulo follow the
// sign of the divisor.
func arith(op string, a, b float64) (any, error) {
	switch op {
	case "/":
		if b == 0 {
			return nil, types.ErrDivisionByZero
		}
		return finite(a / b)
	case "//":
		if b == 0 {
			return nil, types.ErrDivisionByZero
		}
		return finite(math.Floor(a / b))
	case "%":
		if b == 0 {
			return nil, types.ErrDivisionByZero
		}
		return finite(a - b*math.Floor(a/b))
	case "**":
		return finite(math.Pow(a, b))
	default:
		return nil, fmt.Errorf("unsupported operator %q", op)
	}
}

func finite(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite result", types.ErrEvaluation)
	}
	return f, nil
}

func mismatch(op string, l, r any) error {
	return fmt.Errorf("%w: %s %s %s", types.ErrTypeMismatch, typeName(l), op, typeName(r))
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "none"
	case float64, int, int64:
		return "number"
	case string:
		return "string"
	case bool:
		return "bool"
	case time.Time:
		return "datetime"
	case time.Duration:
		return "duration"
	case []any:
		return "list"
	case map[string]any:
		return "mapping"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// compareEqual performs equality comparison with numeric type coercion.
// Handles float64/int/int64 mixing for JSON compatibility.
func compareEqual(a, b any) bool {
	if na, nb, ok := asNumbers(a, b); ok {
		return na == nb
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	switch a.(type) {
	case []any, map[string]any:
		return reflect.DeepEqual(a, b)
	}
	switch b.(type) {
	case []any, map[string]any:
		return false
	}
	return a == b
}

// compareOrdered performs three-way comparison (-1/0/1) of numbers, strings,
// datetimes or durations. Mixed kinds are a type mismatch.
func compareOrdered(a, b any) (int, error) {
	if na, nb, ok := asNumbers(a, b); ok {
		return cmp3(na < nb, na > nb), nil
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), nil
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), nil
		}
	case time.Duration:
		if y, ok := b.(time.Duration); ok {
			return cmp3(x < y, x > y), nil
		}
	}
	return 0, fmt.Errorf("%w: cannot order %s and %s", types.ErrTypeMismatch, typeName(a), typeName(b))
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	default:
		return 0
	}
}

// asNumbers attempts to convert both values to float64 for numeric comparison.
func asNumbers(a, b any) (float64, float64, bool) {
	na, oka := toFloat64(a)
	nb, okb := toFloat64(b)
	return na, nb, oka && okb
}

// toFloat64 converts value to float64 if it's a numeric type.
// Booleans are not numbers.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// truthy applies Python-style truthiness.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case time.Time:
		return !x.IsZero()
	case time.Duration:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		if f, ok := toFloat64(v); ok {
			return f != 0
		}
		return true
	}
}
