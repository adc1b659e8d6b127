// internal/formula/lexer.go
package formula

import (
	"fmt"
	"strconv"
	"strings"
)

/*
 * Formula tokenizer.
 *
 * Produces a flat token slice with byte offsets so callers other than the
 * parser can work on token boundaries: the router scans string literals and
 * the cross-sensor rewrite replaces identifier tokens in place without
 * touching string contents.
 *
 * A name segment directly after '.' may begin with a digit so entity ids like
 * sensor.1st_floor_power lex as ident '.' ident rather than ident number.
 */

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
)

type token struct {
	kind  tokenKind
	text  string  // raw text for ident/op, decoded contents for strings
	num   float64 // valid for tokNumber
	start int     // byte offset of first character
	end   int     // byte offset after last character
}

// two-character operators are matched before single characters
var twoCharOps = []string{"**", "//", "==", "!=", "<=", ">=", "&&", "||"}

const singleCharOps = "+-*/%<>(),.!"

var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "if": true, "else": true,
	"true": true, "false": true, "none": true,
	"True": true, "False": true, "None": true,
}

// isKeyword reports whether an identifier token is reserved by the grammar.
func isKeyword(s string) bool {
	return keywords[s]
}

// lex tokenizes src. The returned slice always ends with a tokEOF token.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case isDigit(c) && afterDot(toks):
			start := i
			for i < len(src) && isNameChar(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], start: start, end: i})

		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1]) && !afterValue(toks)):
			tok, next, err := lexNumber(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i = next

		case c == '\'' || c == '"':
			tok, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i = next

		case isNameStart(c):
			start := i
			for i < len(src) && isNameChar(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], start: start, end: i})

		default:
			matched := false
			for _, op := range twoCharOps {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{kind: tokOp, text: op, start: i, end: i + 2})
					i += 2
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if strings.IndexByte(singleCharOps, c) >= 0 {
				toks = append(toks, token{kind: tokOp, text: string(c), start: i, end: i + 1})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	toks = append(toks, token{kind: tokEOF, start: len(src), end: len(src)})
	return toks, nil
}

// lexNumber scans digits, an optional fraction and an optional exponent.
func lexNumber(src string, i int) (token, int, error) {
	start := i
	for i < len(src) && isDigit(src[i]) {
		i++
	}
	if i < len(src) && src[i] == '.' {
		i++
		for i < len(src) && isDigit(src[i]) {
			i++
		}
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && isDigit(src[j]) {
			i = j
			for i < len(src) && isDigit(src[i]) {
				i++
			}
		}
	}
	text := src[start:i]
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, 0, fmt.Errorf("invalid number %q at offset %d", text, start)
	}
	return token{kind: tokNumber, text: text, num: f, start: start, end: i}, i, nil
}

// lexString scans a quoted string, decoding backslash escapes.
func lexString(src string, i int) (token, int, error) {
	quote := src[i]
	start := i
	i++
	var b strings.Builder
	for i < len(src) {
		c := src[i]
		if c == '\\' && i+1 < len(src) {
			switch src[i+1] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(src[i+1])
			}
			i += 2
			continue
		}
		if c == quote {
			return token{kind: tokString, text: b.String(), start: start, end: i + 1}, i + 1, nil
		}
		b.WriteByte(c)
		i++
	}
	return token{}, 0, fmt.Errorf("unterminated string starting at offset %d", start)
}

// afterDot reports whether the previous token is a '.' that follows a name,
// the position where an entity object id may begin with a digit.
func afterDot(toks []token) bool {
	n := len(toks)
	return n >= 2 && toks[n-1].kind == tokOp && toks[n-1].text == "." && toks[n-2].kind == tokIdent
}

// afterValue reports whether the previous token ends an operand, so a
// following '.' is member access rather than the start of a number.
func afterValue(toks []token) bool {
	if len(toks) == 0 {
		return false
	}
	last := toks[len(toks)-1]
	return last.kind == tokIdent || last.kind == tokNumber || last.kind == tokString ||
		(last.kind == tokOp && last.text == ")")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool { return isNameStart(c) || isDigit(c) }
