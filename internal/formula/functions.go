// internal/formula/functions.go
package formula

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/relvacode/iso8601"
	"github.com/sosodev/duration"

	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Built-in function library.
 *
 * Functions receive already-evaluated arguments. Aggregates (sum, mean, ...)
 * are not in the table: they need access to collection patterns and are
 * handled by the evaluator directly. metadata() is likewise special.
 *
 * Date functions take their clock from the table so tests and replays can
 * pin "now".
 */

// Function is a callable available to formulas.
type Function func(args []any) (any, error)

// FunctionTable maps function names to implementations.
type FunctionTable map[string]Function

// AggregateFunctions accept collection patterns and variadic numbers.
var AggregateFunctions = map[string]bool{
	"sum": true, "mean": true, "avg": true, "max": true, "min": true,
	"count": true, "std": true, "var": true,
}

// TimeFunctions produce values that depend on the wall clock.
var TimeFunctions = map[string]bool{
	"now": true, "today": true,
}

// DateFunctions produce datetime or duration values.
var DateFunctions = map[string]bool{
	"now": true, "today": true, "as_datetime": true, "as_date": true,
	"duration": true, "days": true, "hours": true, "minutes": true,
	"seconds": true, "weeks": true,
}

const metadataFunction = "metadata"

// Clone returns a copy safe to extend.
func (t FunctionTable) Clone() FunctionTable {
	out := make(FunctionTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Has reports whether name is callable: a table entry, an aggregate or metadata.
func (t FunctionTable) Has(name string) bool {
	if _, ok := t[name]; ok {
		return true
	}
	return AggregateFunctions[name] || name == metadataFunction
}

// DefaultFunctions returns the built-in table. A nil clock uses time.Now.
func DefaultFunctions(clock func() time.Time) FunctionTable {
	if clock == nil {
		clock = time.Now
	}
	return FunctionTable{
		"abs":   unaryMath("abs", math.Abs),
		"floor": unaryMath("floor", math.Floor),
		"ceil":  unaryMath("ceil", math.Ceil),
		"exp":   unaryMath("exp", math.Exp),
		"sqrt": func(args []any) (any, error) {
			x, err := numberArgs("sqrt", args, 1)
			if err != nil {
				return nil, err
			}
			if x[0] < 0 {
				return nil, fmt.Errorf("%w: sqrt of negative number", types.ErrEvaluation)
			}
			return math.Sqrt(x[0]), nil
		},
		"round": func(args []any) (any, error) {
			if err := arity("round", args, 1, 2); err != nil {
				return nil, err
			}
			x, ok := toFloat64(args[0])
			if !ok {
				return nil, argMismatch("round", args[0])
			}
			digits := 0.0
			if len(args) == 2 {
				if digits, ok = toFloat64(args[1]); !ok {
					return nil, argMismatch("round", args[1])
				}
			}
			scale := math.Pow(10, math.Trunc(digits))
			return math.Round(x*scale) / scale, nil
		},
		"pow": func(args []any) (any, error) {
			x, err := numberArgs("pow", args, 2)
			if err != nil {
				return nil, err
			}
			return finite(math.Pow(x[0], x[1]))
		},
		"log": func(args []any) (any, error) {
			if err := arity("log", args, 1, 2); err != nil {
				return nil, err
			}
			x, err := numberArgs("log", args, len(args))
			if err != nil {
				return nil, err
			}
			if x[0] <= 0 {
				return nil, fmt.Errorf("%w: log of non-positive number", types.ErrEvaluation)
			}
			if len(x) == 2 {
				if x[1] <= 0 || x[1] == 1 {
					return nil, fmt.Errorf("%w: invalid log base", types.ErrEvaluation)
				}
				return math.Log(x[0]) / math.Log(x[1]), nil
			}
			return math.Log(x[0]), nil
		},
		"clamp": func(args []any) (any, error) {
			x, err := numberArgs("clamp", args, 3)
			if err != nil {
				return nil, err
			}
			return math.Min(math.Max(x[0], x[1]), x[2]), nil
		},
		"int": func(args []any) (any, error) {
			if err := arity("int", args, 1, 1); err != nil {
				return nil, err
			}
			res, err := coerceNumeric(args[0])
			if err != nil {
				return nil, err
			}
			f, ok := toFloat64(res.Value)
			if !ok {
				return nil, argMismatch("int", args[0])
			}
			return math.Trunc(f), nil
		},
		"float": func(args []any) (any, error) {
			if err := arity("float", args, 1, 1); err != nil {
				return nil, err
			}
			res, err := coerceNumeric(args[0])
			if err != nil {
				return nil, err
			}
			if _, ok := toFloat64(res.Value); !ok {
				return nil, argMismatch("float", args[0])
			}
			return res.Value, nil
		},
		"len": func(args []any) (any, error) {
			if err := arity("len", args, 1, 1); err != nil {
				return nil, err
			}
			switch v := args[0].(type) {
			case string:
				return float64(len([]rune(v))), nil
			case []any:
				return float64(len(v)), nil
			case map[string]any:
				return float64(len(v)), nil
			}
			return nil, argMismatch("len", args[0])
		},

		"now": func(args []any) (any, error) {
			if err := arity("now", args, 0, 0); err != nil {
				return nil, err
			}
			return clock(), nil
		},
		"today": func(args []any) (any, error) {
			if err := arity("today", args, 0, 0); err != nil {
				return nil, err
			}
			t := clock()
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()), nil
		},
		"as_datetime": asDatetime("as_datetime", false),
		"as_date":     asDatetime("as_date", true),
		"as_timestamp": func(args []any) (any, error) {
			if err := arity("as_timestamp", args, 1, 1); err != nil {
				return nil, err
			}
			t, err := timeArg("as_timestamp", args[0])
			if err != nil {
				return nil, err
			}
			return float64(t.UnixNano()) / float64(time.Second), nil
		},
		"duration": func(args []any) (any, error) {
			if err := arity("duration", args, 1, 1); err != nil {
				return nil, err
			}
			switch v := args[0].(type) {
			case time.Duration:
				return v, nil
			case string:
				d, err := duration.Parse(strings.TrimSpace(v))
				if err != nil {
					return nil, fmt.Errorf("%w: %v", types.ErrCoercionFailed, err)
				}
				return d.ToTimeDuration(), nil
			}
			return nil, argMismatch("duration", args[0])
		},
		"weeks":   unitDuration("weeks", 7*24*time.Hour),
		"days":    unitDuration("days", 24*time.Hour),
		"hours":   unitDuration("hours", time.Hour),
		"minutes": unitDuration("minutes", time.Minute),
		"seconds": unitDuration("seconds", time.Second),

		"upper":      stringFunc("upper", strings.ToUpper),
		"lower":      stringFunc("lower", strings.ToLower),
		"trim":       stringFunc("trim", strings.TrimSpace),
		"contains":   stringPredicate("contains", strings.Contains),
		"startswith": stringPredicate("startswith", strings.HasPrefix),
		"endswith":   stringPredicate("endswith", strings.HasSuffix),
		"replace": func(args []any) (any, error) {
			if err := arity("replace", args, 3, 3); err != nil {
				return nil, err
			}
			return strings.ReplaceAll(textOf(args[0]), textOf(args[1]), textOf(args[2])), nil
		},
		"str":     familyFunc("str", FamilyString),
		"numeric": familyFunc("numeric", FamilyNumeric),
		"bool":    familyFunc("bool", FamilyBoolean),
		"date":    familyFunc("date", FamilyDate),
	}
}

// familyFunc exposes a result-family coercion as a function so wrappers
// also work inside larger expressions.
func familyFunc(name string, family Family) Function {
	return func(args []any) (any, error) {
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		res, err := Coerce(args[0], family)
		if err != nil {
			return nil, err
		}
		return res.Value, nil
	}
}

func arity(name string, args []any, lo, hi int) error {
	if len(args) < lo || len(args) > hi {
		if lo == hi {
			return fmt.Errorf("%w: %s() takes %d arguments, got %d", types.ErrTypeMismatch, name, lo, len(args))
		}
		return fmt.Errorf("%w: %s() takes %d to %d arguments, got %d", types.ErrTypeMismatch, name, lo, hi, len(args))
	}
	return nil
}

func argMismatch(name string, v any) error {
	return fmt.Errorf("%w: %s() does not accept %s", types.ErrTypeMismatch, name, typeName(v))
}

func numberArgs(name string, args []any, n int) ([]float64, error) {
	if err := arity(name, args, n, n); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, a := range args {
		f, ok := toFloat64(a)
		if !ok {
			return nil, argMismatch(name, a)
		}
		out[i] = f
	}
	return out, nil
}

func unaryMath(name string, fn func(float64) float64) Function {
	return func(args []any) (any, error) {
		x, err := numberArgs(name, args, 1)
		if err != nil {
			return nil, err
		}
		return finite(fn(x[0]))
	}
}

func unitDuration(name string, unit time.Duration) Function {
	return func(args []any) (any, error) {
		x, err := numberArgs(name, args, 1)
		if err != nil {
			return nil, err
		}
		return time.Duration(x[0] * float64(unit)), nil
	}
}

func stringFunc(name string, fn func(string) string) Function {
	return func(args []any) (any, error) {
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		return fn(textOf(args[0])), nil
	}
}

func stringPredicate(name string, fn func(string, string) bool) Function {
	return func(args []any) (any, error) {
		if err := arity(name, args, 2, 2); err != nil {
			return nil, err
		}
		return fn(textOf(args[0]), textOf(args[1])), nil
	}
}

func asDatetime(name string, dateOnly bool) Function {
	return func(args []any) (any, error) {
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		t, err := timeArg(name, args[0])
		if err != nil {
			return nil, err
		}
		if dateOnly {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		}
		return t, nil
	}
}

// timeArg accepts a datetime, an ISO 8601 string or a unix timestamp.
func timeArg(name string, v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		t, err := iso8601.ParseString(strings.TrimSpace(x))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", types.ErrCoercionFailed, err)
		}
		return t, nil
	}
	if f, ok := toFloat64(v); ok {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
	}
	return time.Time{}, argMismatch(name, v)
}

// aggregate computes an aggregate over already flattened values.
func aggregate(name string, values []any) (any, error) {
	if name == "count" {
		return float64(len(values)), nil
	}
	nums := make([]float64, 0, len(values))
	for _, v := range values {
		f, ok := toFloat64(v)
		if !ok {
			return nil, argMismatch(name, v)
		}
		nums = append(nums, f)
	}
	if name == "sum" {
		total := 0.0
		for _, n := range nums {
			total += n
		}
		return finite(total)
	}
	if len(nums) == 0 {
		return nil, fmt.Errorf("%w: %s() of empty collection", types.ErrEvaluation, name)
	}
	switch name {
	case "max":
		m := nums[0]
		for _, n := range nums[1:] {
			m = math.Max(m, n)
		}
		return m, nil
	case "min":
		m := nums[0]
		for _, n := range nums[1:] {
			m = math.Min(m, n)
		}
		return m, nil
	case "mean", "avg":
		return finite(mean(nums))
	case "var":
		return finite(variance(nums))
	case "std":
		return finite(math.Sqrt(variance(nums)))
	}
	return nil, fmt.Errorf("%w: %s", types.ErrUnknownFunction, name)
}

func mean(nums []float64) float64 {
	total := 0.0
	for _, n := range nums {
		total += n
	}
	return total / float64(len(nums))
}

// variance is the population variance.
func variance(nums []float64) float64 {
	m := mean(nums)
	total := 0.0
	for _, n := range nums {
		total += (n - m) * (n - m)
	}
	return total / float64(len(nums))
}
