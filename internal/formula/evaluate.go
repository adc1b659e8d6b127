// internal/formula/evaluate.go
package formula

import (
	"errors"
	"fmt"
	"strings"

	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Tree-walking evaluation of compiled programs.
 *
 * Evaluation reads only the Context: an unbound name is a missing dependency,
 * never an implicit zero. Runtime failures are wrapped as evaluation errors;
 * errors that already carry a taxonomy kind pass through unchanged. A panic
 * inside a user function is recovered and reported as an evaluation error.
 *
 * Name lookup for dotted references tries the full name first (entity ids
 * and bound variables), then the longest bound prefix whose attribute map or
 * mapping value contains the remaining path.
 *
 * Aggregates flatten their arguments: a string containing ':' is a
 * collection pattern expanded from Context.Collections, a list value is
 * spread, anything else is a single element.
 */

// Run evaluates the program against ctx.
func (p *Program) Run(ctx *Context) (result any, err error) {
	if ctx == nil {
		ctx = NewContext()
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = types.NewEvaluationError(fmt.Errorf("panic: %v", r))
		}
	}()

	e := &evaluator{ctx: ctx, funcs: p.funcs}
	v, err := e.eval(p.root)
	if err != nil {
		var fe *types.FormulaError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, types.NewEvaluationError(err)
	}
	return v, nil
}

type evaluator struct {
	ctx   *Context
	funcs FunctionTable
}

func (e *evaluator) eval(n Node) (any, error) {
	switch n := n.(type) {
	case *NumberLit:
		return n.Value, nil
	case *StringLit:
		return n.Value, nil
	case *BoolLit:
		return n.Value, nil
	case *NoneLit:
		return nil, nil
	case *Ident:
		v, ok := e.ctx.Values[n.Name]
		if !ok {
			return nil, types.NewMissingDependency(n.Name)
		}
		return v, nil
	case *Member:
		return e.evalMember(n)
	case *Call:
		return e.evalCall(n)
	case *Unary:
		return e.evalUnary(n)
	case *Binary:
		return e.evalBinary(n)
	case *Conditional:
		cond, err := e.eval(n.Cond)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return e.eval(n.Then)
		}
		return e.eval(n.Else)
	default:
		return nil, fmt.Errorf("unsupported expression %T", n)
	}
}

func (e *evaluator) evalMember(n *Member) (any, error) {
	name, ok := dottedName(n)
	if !ok {
		target, err := e.eval(n.Target)
		if err != nil {
			return nil, err
		}
		return ResolvePath([]string{n.Name}, target)
	}
	if v, ok := e.ctx.Values[name]; ok {
		return v, nil
	}

	segs := strings.Split(name, ".")
	for i := len(segs) - 1; i >= 1; i-- {
		base := strings.Join(segs[:i], ".")
		if attrs, ok := e.ctx.Attributes[base]; ok {
			if v, err := ResolvePath(segs[i:], attrs); err == nil {
				return v, nil
			}
		}
		if v, ok := e.ctx.Values[base]; ok {
			if m, isMap := v.(map[string]any); isMap {
				if v, err := ResolvePath(segs[i:], m); err == nil {
					return v, nil
				}
			}
			return nil, &types.FormulaError{
				Kind:  types.KindMissingDependency,
				Names: []string{name},
				Err:   types.ErrFieldNotFound,
			}
		}
	}
	return nil, types.NewMissingDependency(name)
}

func (e *evaluator) evalCall(n *Call) (any, error) {
	if n.Name == metadataFunction {
		return e.evalMetadata(n)
	}
	if AggregateFunctions[n.Name] {
		values, err := e.flatten(n.Args)
		if err != nil {
			return nil, err
		}
		return aggregate(n.Name, values)
	}

	fn, ok := e.funcs[n.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownFunction, n.Name)
	}
	args := make([]any, len(n.Args))
	for i, a := range n.Args {
		v, err := e.eval(a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn(args)
}

func (e *evaluator) evalMetadata(n *Call) (any, error) {
	ref, _ := metadataRefName(n.Args[0])
	keyVal, err := e.eval(n.Args[1])
	if err != nil {
		return nil, err
	}
	key := textOf(keyVal)
	v, ok := e.ctx.Metadata[MetadataRef{Ref: ref, Key: key}]
	if !ok {
		return nil, types.NewMissingDependency(fmt.Sprintf("metadata(%s, %s)", ref, key))
	}
	return v, nil
}

func (e *evaluator) flatten(args []Node) ([]any, error) {
	var out []any
	for _, a := range args {
		if s, ok := a.(*StringLit); ok && IsCollectionPattern(s.Value) {
			values, ok := e.ctx.Collections[s.Value]
			if !ok {
				return nil, types.NewMissingDependency(s.Value)
			}
			out = append(out, values...)
			continue
		}
		v, err := e.eval(a)
		if err != nil {
			return nil, err
		}
		if list, ok := v.([]any); ok {
			out = append(out, list...)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *evaluator) evalUnary(n *Unary) (any, error) {
	x, err := e.eval(n.X)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "not":
		return !truthy(x), nil
	case "-":
		return mul(x, -1.0)
	case "+":
		if _, ok := toFloat64(x); !ok {
			return nil, fmt.Errorf("%w: unary + on %s", types.ErrTypeMismatch, typeName(x))
		}
		return x, nil
	default:
		return nil, fmt.Errorf("unsupported operator %q", n.Op)
	}
}

func (e *evaluator) evalBinary(n *Binary) (any, error) {
	l, err := e.eval(n.Left)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "and":
		if !truthy(l) {
			return false, nil
		}
		r, err := e.eval(n.Right)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	case "or":
		if truthy(l) {
			return true, nil
		}
		r, err := e.eval(n.Right)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}
	r, err := e.eval(n.Right)
	if err != nil {
		return nil, err
	}
	return applyBinary(n.Op, l, r)
}

// IsCollectionPattern reports whether a string literal names a collection,
// e.g. "device_class:power".
func IsCollectionPattern(s string) bool {
	return strings.Contains(s, ":")
}
