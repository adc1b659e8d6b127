// internal/formula/ast.go
package formula

import "strings"

// Node is a parsed formula expression.
type Node interface {
	node()
}

// NumberLit is a numeric literal. All numbers are float64.
type NumberLit struct{ Value float64 }

// StringLit is a quoted string literal.
type StringLit struct{ Value string }

// BoolLit is true or false.
type BoolLit struct{ Value bool }

// NoneLit is the none literal.
type NoneLit struct{}

// Ident is a bare name.
type Ident struct{ Name string }

// Member is dotted access: Target.Name.
type Member struct {
	Target Node
	Name   string
}

// Call is a function call. Only bare names are callable.
type Call struct {
	Name string
	Args []Node
}

// Unary is a prefix operator: "-", "+", "not".
type Unary struct {
	Op string
	X  Node
}

// Binary is an infix operator; "and"/"or" short-circuit.
type Binary struct {
	Op          string
	Left, Right Node
}

// Conditional is "Then if Cond else Else".
type Conditional struct {
	Cond, Then, Else Node
}

func (*NumberLit) node()   {}
func (*StringLit) node()   {}
func (*BoolLit) node()     {}
func (*NoneLit) node()     {}
func (*Ident) node()       {}
func (*Member) node()      {}
func (*Call) node()        {}
func (*Unary) node()       {}
func (*Binary) node()      {}
func (*Conditional) node() {}

// dottedName flattens an Ident/Member chain into "a.b.c".
// Returns false when the chain is rooted in anything other than an Ident.
func dottedName(n Node) (string, bool) {
	var parts []string
	for {
		switch v := n.(type) {
		case *Ident:
			parts = append(parts, v.Name)
			for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
				parts[i], parts[j] = parts[j], parts[i]
			}
			return strings.Join(parts, "."), true
		case *Member:
			parts = append(parts, v.Name)
			n = v.Target
		default:
			return "", false
		}
	}
}

// walk visits n and its children depth-first. fn returning false skips children.
func walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch v := n.(type) {
	case *Member:
		walk(v.Target, fn)
	case *Call:
		for _, a := range v.Args {
			walk(a, fn)
		}
	case *Unary:
		walk(v.X, fn)
	case *Binary:
		walk(v.Left, fn)
		walk(v.Right, fn)
	case *Conditional:
		walk(v.Cond, fn)
		walk(v.Then, fn)
		walk(v.Else, fn)
	}
}
