// internal/formula/parser.go
package formula

import (
	"fmt"

	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Recursive-descent parser for the formula language.
 *
 * Precedence, loosest first:
 *   x if c else y        (right associative)
 *   or, ||
 *   and, &&
 *   not, !
 *   == != < <= > >=      (left associative, no chaining)
 *   + -
 *   * / // %
 *   unary - +
 *   **                   (right associative, binds tighter than unary on the left)
 *   postfix .name, call
 *
 * Nesting depth is bounded by MaxNestingDepth and call arity by
 * MaxFunctionArgs; both are enforced while parsing so hostile input cannot
 * grow the Go stack.
 */

type parser struct {
	toks  []token
	pos   int
	depth int
}

// Parse parses formula text into an expression tree.
func Parse(src string) (Node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.start)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) isOp(texts ...string) bool {
	tok := p.peek()
	if tok.kind != tokOp {
		return false
	}
	for _, t := range texts {
		if tok.text == t {
			return true
		}
	}
	return false
}

func (p *parser) isKeyword(word string) bool {
	tok := p.peek()
	return tok.kind == tokIdent && tok.text == word
}

func (p *parser) expectOp(text string) error {
	if !p.isOp(text) {
		tok := p.peek()
		if tok.kind == tokEOF {
			return fmt.Errorf("expected %q, got end of formula", text)
		}
		return fmt.Errorf("expected %q at offset %d, got %q", text, tok.start, tok.text)
	}
	p.next()
	return nil
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > types.MaxNestingDepth {
		return types.ErrNestingTooDeep
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseExpr() (Node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	return p.parseConditional()
}

func (p *parser) parseConditional() (Node, error) {
	then, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.isKeyword("if") {
		return then, nil
	}
	p.next()
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.isKeyword("else") {
		return nil, fmt.Errorf("expected 'else' at offset %d", p.peek().start)
	}
	p.next()
	otherwise, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &Conditional{Cond: cond, Then: then, Else: otherwise}, nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") || p.isOp("||") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "or", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") || p.isOp("&&") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "and", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.isKeyword("not") || p.isOp("!") {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "not", X: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.isOp("==", "!=", "<", "<=", ">", ">=") {
		op := p.next().text
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.isOp("+", "-") {
		op := p.next().text
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*", "/", "//", "%") {
		op := p.next().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.isOp("-", "+") {
		op := p.next().text
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: op, X: x}, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (Node, error) {
	base, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	if !p.isOp("**") {
		return base, nil
	}
	p.next()
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	exp, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &Binary{Op: "**", Left: base, Right: exp}, nil
}

func (p *parser) parsePostfix() (Node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.isOp(".") {
		p.next()
		tok := p.next()
		if tok.kind != tokIdent {
			return nil, fmt.Errorf("expected name after '.' at offset %d", tok.start)
		}
		n = &Member{Target: n, Name: tok.text}
	}
	return n, nil
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		return &NumberLit{Value: tok.num}, nil
	case tokString:
		return &StringLit{Value: tok.text}, nil
	case tokIdent:
		switch tok.text {
		case "true", "True":
			return &BoolLit{Value: true}, nil
		case "false", "False":
			return &BoolLit{Value: false}, nil
		case "none", "None":
			return &NoneLit{}, nil
		}
		if isKeyword(tok.text) {
			return nil, fmt.Errorf("unexpected keyword %q at offset %d", tok.text, tok.start)
		}
		if p.isOp("(") {
			return p.parseCall(tok.text)
		}
		return &Ident{Name: tok.text}, nil
	case tokOp:
		if tok.text == "(" {
			n, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return n, nil
		}
		return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.start)
	default:
		return nil, fmt.Errorf("unexpected end of formula")
	}
}

func (p *parser) parseCall(name string) (Node, error) {
	p.next() // (
	call := &Call{Name: name}
	if p.isOp(")") {
		p.next()
		return call, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		if len(call.Args) > types.MaxFunctionArgs {
			return nil, fmt.Errorf("%w: %s", types.ErrTooManyArguments, name)
		}
		if p.isOp(",") {
			p.next()
			continue
		}
		if err := p.expectOp(")"); err != nil {
			return nil, err
		}
		return call, nil
	}
}
