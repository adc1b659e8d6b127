// internal/formula/coercion.go
package formula

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relvacode/iso8601"
	"github.com/sosodev/duration"

	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Type coercion for formula results and host inputs.
 *
 * Every routed formula belongs to a result family; the family decides how
 * the raw evaluator output is converted before it reaches the host:
 *   - NUMERIC: Strict - numbers and numeric strings to float64. Booleans
 *     from comparisons pass through unchanged; anything else fails.
 *   - STRING: Lenient - every value renders as text.
 *   - BOOLEAN: bool, 0/1 and the on/off/true/false words.
 *   - DATE: datetime and duration values; ISO 8601 strings parse to datetime.
 *   - METADATA: value preserved as-is.
 *
 * Key distinction: a nil result is a valid "none" outcome (IsNull), never a
 * coercion failure and never silently turned into 0.
 */

// Family is the result family chosen by the router.
type Family int

const (
	FamilyNumeric Family = iota
	FamilyString
	FamilyBoolean
	FamilyDate
	FamilyMetadata
)

// String returns the family name used in logs and the API.
func (f Family) String() string {
	switch f {
	case FamilyNumeric:
		return "numeric"
	case FamilyString:
		return "string"
	case FamilyBoolean:
		return "boolean"
	case FamilyDate:
		return "date"
	case FamilyMetadata:
		return "metadata"
	default:
		return "invalid"
	}
}

// CoercionResult holds the coerced value or indicates null.
type CoercionResult struct {
	Value  any  // coerced value (valid only if !IsNull)
	IsNull bool // true if input was nil/null
}

// Coerce converts value into the family's result type.
// Returns CoercionResult with IsNull=true for nil input.
func Coerce(value any, family Family) (CoercionResult, error) {
	if value == nil {
		return CoercionResult{IsNull: true}, nil
	}

	switch family {
	case FamilyNumeric:
		return coerceNumeric(value)
	case FamilyString:
		return coerceText(value)
	case FamilyBoolean:
		return coerceBoolean(value)
	case FamilyDate:
		return coerceDate(value)
	case FamilyMetadata:
		return coerceAny(value)
	default:
		return CoercionResult{}, types.ErrCoercionFailed
	}
}

// coerceNumeric converts value to float64.
// Whitespace-only strings return ErrNonNumericResult.
func coerceNumeric(value any) (CoercionResult, error) {
	switch v := value.(type) {
	case bool:
		// comparison formulas route numeric; keep their boolean result
		return CoercionResult{Value: v}, nil
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return CoercionResult{}, fmt.Errorf("%w: empty string", types.ErrNonNumericResult)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return CoercionResult{}, fmt.Errorf("%w: %q", types.ErrNonNumericResult, v)
		}
		return CoercionResult{Value: f}, nil
	default:
		if f, ok := toFloat64(value); ok {
			return CoercionResult{Value: f}, nil
		}
		return CoercionResult{}, fmt.Errorf("%w: %s", types.ErrNonNumericResult, typeName(value))
	}
}

// coerceText converts all types to string representation.
func coerceText(value any) (CoercionResult, error) {
	return CoercionResult{Value: textOf(value)}, nil
}

// textOf renders a value as text. Whole floats render without a fraction.
func textOf(value any) string {
	switch v := value.(type) {
	case nil:
		return "none"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case time.Time:
		return v.Format(time.RFC3339)
	case time.Duration:
		return duration.Format(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// coerceBoolean accepts bools, the numbers 0 and 1, and on/off/true/false.
func coerceBoolean(value any) (CoercionResult, error) {
	switch v := value.(type) {
	case bool:
		return CoercionResult{Value: v}, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "on", "yes", "1":
			return CoercionResult{Value: true}, nil
		case "false", "off", "no", "0":
			return CoercionResult{Value: false}, nil
		}
		return CoercionResult{}, types.ErrCoercionFailed
	default:
		if f, ok := toFloat64(value); ok && (f == 0 || f == 1) {
			return CoercionResult{Value: f == 1}, nil
		}
		return CoercionResult{}, types.ErrCoercionFailed
	}
}

// coerceDate keeps datetimes, durations and numbers; strings must be ISO 8601.
func coerceDate(value any) (CoercionResult, error) {
	switch v := value.(type) {
	case time.Time, time.Duration:
		return CoercionResult{Value: v}, nil
	case string:
		t, err := iso8601.ParseString(strings.TrimSpace(v))
		if err != nil {
			return CoercionResult{}, fmt.Errorf("%w: %v", types.ErrCoercionFailed, err)
		}
		return CoercionResult{Value: t}, nil
	default:
		if f, ok := toFloat64(value); ok {
			return CoercionResult{Value: f}, nil
		}
		return CoercionResult{}, types.ErrCoercionFailed
	}
}

// coerceAny preserves original type.
func coerceAny(value any) (CoercionResult, error) {
	return CoercionResult{Value: value}, nil
}

// NormalizeValue converts a host state value into evaluator form. Hosts
// report states as strings; numeric strings become float64 and integer types
// widen to float64. Everything else passes through.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return x
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return x
	case bool, time.Time, time.Duration:
		return x
	default:
		if f, ok := toFloat64(v); ok {
			return f
		}
		return v
	}
}
