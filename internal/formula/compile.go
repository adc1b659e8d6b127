// internal/formula/compile.go
package formula

import (
	"fmt"
	"strings"

	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Formula compilation and validation.
 *
 * Compiles formula text into a Program: a parsed expression tree bound to the
 * function table it may call. Compilation depends only on the text and the
 * table, never on runtime values, which is what makes compiled programs safe
 * to share through the compilation cache.
 *
 * Compilation workflow:
 *   1. Validate resource limits (empty text, length)
 *   2. Parse (nesting depth and call arity are bounded while parsing)
 *   3. Resolve every call against the function table
 *   4. Check metadata() arity and reference shape
 *
 * All failures are returned as compile errors; callers never cache them.
 */

// Program is a compiled formula ready for repeated evaluation.
type Program struct {
	text  string
	root  Node
	funcs FunctionTable
}

// Compile parses and validates text against funcs.
func Compile(text string, funcs FunctionTable) (*Program, error) {
	if strings.TrimSpace(text) == "" {
		return nil, types.NewCompileError(text, types.ErrEmptyFormula)
	}
	if len(text) > types.MaxFormulaLength {
		return nil, types.NewCompileError(text[:32]+"...", types.ErrFormulaTooLong)
	}

	root, err := Parse(text)
	if err != nil {
		return nil, types.NewCompileError(text, err)
	}

	var verr error
	walk(root, func(n Node) bool {
		if verr != nil {
			return false
		}
		call, ok := n.(*Call)
		if !ok {
			return true
		}
		if !funcs.Has(call.Name) {
			verr = fmt.Errorf("%w: %s", types.ErrUnknownFunction, call.Name)
			return false
		}
		if call.Name == metadataFunction {
			if len(call.Args) != 2 {
				verr = fmt.Errorf("%w: metadata() takes 2 arguments, got %d", types.ErrTypeMismatch, len(call.Args))
				return false
			}
			if _, ok := metadataRefName(call.Args[0]); !ok {
				verr = fmt.Errorf("%w: metadata() reference must be a name or string", types.ErrTypeMismatch)
				return false
			}
		}
		return true
	})
	if verr != nil {
		return nil, types.NewCompileError(text, verr)
	}

	return &Program{text: text, root: root, funcs: funcs}, nil
}

// Text returns the source text.
func (p *Program) Text() string { return p.text }

// Root returns the parsed expression tree.
func (p *Program) Root() Node { return p.root }

// metadataRefName returns the reference text of metadata()'s first argument
// without evaluating it: a bare name, a dotted entity id or a string literal.
func metadataRefName(n Node) (string, bool) {
	if s, ok := n.(*StringLit); ok {
		return s.Value, true
	}
	return dottedName(n)
}
