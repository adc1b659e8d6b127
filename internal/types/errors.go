package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for synthkeeper operations. One sentinel per taxonomy kind;
// FormulaError wraps the matching sentinel so errors.Is works on either.
var (
	// ErrCompile indicates a malformed formula. Never cached.
	ErrCompile = errors.New("formula compile error")

	// ErrMissingDependency indicates a named variable or entity could not be resolved.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrCircularDependency indicates a resolution chain returned to itself.
	ErrCircularDependency = errors.New("circular dependency")

	// ErrCrossSensorResolution indicates a cross-sensor reference could not be honoured.
	ErrCrossSensorResolution = errors.New("cross-sensor resolution failed")

	// ErrSelfReferenceUnavailable indicates neither a backing value nor a
	// previously computed value exists for the state token.
	ErrSelfReferenceUnavailable = errors.New("no self-reference value available")

	// ErrCircuitOpen indicates a formula is skipped after repeated fatal failures.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrTransitory indicates a retryable failure (unavailable/unknown input).
	ErrTransitory = errors.New("transitory failure")

	// ErrEvaluation indicates a runtime failure while evaluating a compiled formula.
	ErrEvaluation = errors.New("evaluation error")
)

// Detail errors wrapped inside FormulaError.Err.
var (
	// ErrEmptyFormula indicates an empty or whitespace-only formula text.
	ErrEmptyFormula = errors.New("formula is empty")

	// ErrFormulaTooLong indicates a formula exceeds MaxFormulaLength.
	ErrFormulaTooLong = errors.New("formula exceeds maximum length")

	// ErrNestingTooDeep indicates a formula exceeds MaxNestingDepth.
	ErrNestingTooDeep = errors.New("formula nesting exceeds maximum depth")

	// ErrTooManyArguments indicates a call exceeds MaxFunctionArgs.
	ErrTooManyArguments = errors.New("too many function arguments")

	// ErrUnknownFunction indicates a call to a function that is not registered.
	ErrUnknownFunction = errors.New("unknown function")

	// ErrDivisionByZero indicates division or modulo by zero.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrTypeMismatch indicates an operator or function received incompatible operands.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrNonNumericResult indicates a numeric formula produced a non-numeric value.
	ErrNonNumericResult = errors.New("formula result is not numeric")

	// ErrCoercionFailed indicates type coercion failed.
	ErrCoercionFailed = errors.New("type coercion failed")

	// ErrFieldNotFound indicates an attribute path could not be resolved.
	ErrFieldNotFound = errors.New("field not found")

	// ErrResolutionLimit indicates a resolution pass hit its iteration cap.
	ErrResolutionLimit = errors.New("resolution step limit exceeded")

	// ErrFormulaNotFound indicates an unknown formula id.
	ErrFormulaNotFound = errors.New("formula not found")

	// ErrSensorNotFound indicates an unknown sensor key.
	ErrSensorNotFound = errors.New("sensor not found")
)

// ErrorKind enumerates the evaluation error taxonomy.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindCompile
	KindMissingDependency
	KindCircularDependency
	KindCrossSensorResolution
	KindSelfReferenceUnavailable
	KindCircuitOpen
	KindTransitory
	KindEvaluation
)

var kindSentinels = map[ErrorKind]error{
	KindCompile:                  ErrCompile,
	KindMissingDependency:        ErrMissingDependency,
	KindCircularDependency:       ErrCircularDependency,
	KindCrossSensorResolution:    ErrCrossSensorResolution,
	KindSelfReferenceUnavailable: ErrSelfReferenceUnavailable,
	KindCircuitOpen:              ErrCircuitOpen,
	KindTransitory:               ErrTransitory,
	KindEvaluation:               ErrEvaluation,
}

// String returns the wire name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindCompile:
		return "compile_error"
	case KindMissingDependency:
		return "missing_dependency"
	case KindCircularDependency:
		return "circular_dependency"
	case KindCrossSensorResolution:
		return "cross_sensor_resolution"
	case KindSelfReferenceUnavailable:
		return "self_reference_unavailable"
	case KindCircuitOpen:
		return "circuit_open"
	case KindTransitory:
		return "transitory"
	case KindEvaluation:
		return "evaluation_error"
	default:
		return "invalid"
	}
}

// Fatal reports whether the kind counts toward the circuit breaker's fatal
// counter. Transitory and self-reference failures resolve on their own once
// inputs arrive; circuit-open results are not re-counted.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindCompile, KindMissingDependency, KindCircularDependency,
		KindCrossSensorResolution, KindEvaluation:
		return true
	default:
		return false
	}
}

// FormulaError is the structured error surfaced by the engine.
type FormulaError struct {
	Kind      ErrorKind
	FormulaID string
	Names     []string // unresolved names, or every cycle participant
	Chain     []string // computed-variable chain, outermost first
	State     StateKind
	EntityID  string
	Message   string
	Err       error
}

// Error formats the kind, formula, names and cause.
func (e *FormulaError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.FormulaID != "" {
		fmt.Fprintf(&b, " in %s", e.FormulaID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Names) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Names, ", "))
	}
	if len(e.Chain) > 1 {
		fmt.Fprintf(&b, " (via %s)", strings.Join(e.Chain, " -> "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *FormulaError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf classifies any error into the taxonomy. Nil maps to KindNone;
// unclassified errors map to KindEvaluation.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var fe *FormulaError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	for kind := KindCompile; kind <= KindEvaluation; kind++ {
		if errors.Is(err, kindSentinels[kind]) {
			return kind
		}
	}
	return KindEvaluation
}

// NewCompileError wraps a parser failure.
func NewCompileError(text string, cause error) *FormulaError {
	return &FormulaError{Kind: KindCompile, Message: fmt.Sprintf("%q", text), Err: cause}
}

// NewMissingDependency reports unresolved names.
func NewMissingDependency(names ...string) *FormulaError {
	return &FormulaError{Kind: KindMissingDependency, Names: names}
}

// NewCircularDependency reports every participant in a cycle.
func NewCircularDependency(cycle []string) *FormulaError {
	return &FormulaError{Kind: KindCircularDependency, Names: cycle}
}

// NewTransitory reports an unavailable/unknown input.
func NewTransitory(entityID string, state StateKind) *FormulaError {
	return &FormulaError{
		Kind:     KindTransitory,
		EntityID: entityID,
		State:    state,
		Message:  fmt.Sprintf("%s is %s", entityID, state),
	}
}

// NewSelfReferenceUnavailable reports a state token with no value source.
func NewSelfReferenceUnavailable(sensorKey string) *FormulaError {
	return &FormulaError{Kind: KindSelfReferenceUnavailable, Names: []string{sensorKey}}
}

// NewCircuitOpen reports a skipped formula.
func NewCircuitOpen(formulaID string, fatal int) *FormulaError {
	return &FormulaError{
		Kind:      KindCircuitOpen,
		FormulaID: formulaID,
		Message:   fmt.Sprintf("skipped after %d fatal errors", fatal),
	}
}

// NewEvaluationError wraps a runtime failure.
func NewEvaluationError(cause error) *FormulaError {
	return &FormulaError{Kind: KindEvaluation, Err: cause}
}
