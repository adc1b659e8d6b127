// internal/formula/router.go
package formula

import "strings"

/*
 * Formula routing.
 *
 * Decides the result family of a formula and whether its results may be
 * cached. Rules apply in order, first match wins:
 *   1. A wrapper covering the whole text (str, numeric, date, bool) selects
 *      its family and the inner text is evaluated. Only numeric caches.
 *   2. metadata() calls route to METADATA, uncached.
 *   3. Calls to clock functions (now, today) route to DATE, uncached.
 *   4. A quoted literal that is not a collection pattern routes to STRING,
 *      uncached.
 *   5. Everything else is NUMERIC and cached.
 */

// Route is the routing decision for one formula text.
type Route struct {
	Family      Family
	Inner       string // text to evaluate; equals the input unless a wrapper was stripped
	Wrapped     bool
	ShouldCache bool
}

var wrappers = []struct {
	name   string
	family Family
	cache  bool
}{
	{"str", FamilyString, false},
	{"numeric", FamilyNumeric, true},
	{"date", FamilyDate, false},
	{"bool", FamilyBoolean, false},
}

// Router classifies formulas using their static analysis.
type Router struct {
	analysis *AnalysisService
}

// NewRouter creates a router backed by the analysis service.
func NewRouter(analysis *AnalysisService) *Router {
	return &Router{analysis: analysis}
}

// Route classifies text. The first match wins: an outer wrapper, then a
// metadata lookup, then a clock call, then a plain string literal; the
// rest is numeric. Metadata and clock routes are never cached.
func (r *Router) Route(text string) Route {
	trimmed := strings.TrimSpace(text)

	for _, w := range wrappers {
		if inner, ok := unwrap(trimmed, w.name); ok {
			return Route{Family: w.family, Inner: inner, Wrapped: true, ShouldCache: w.cache}
		}
	}

	a := r.analysis.Analyze(text)
	if len(a.MetadataRefs) > 0 {
		return Route{Family: FamilyMetadata, Inner: text}
	}
	for name := range TimeFunctions {
		if a.Calls.Has(name) {
			return Route{Family: FamilyDate, Inner: text}
		}
	}
	if hasPlainStringLiteral(text) {
		return Route{Family: FamilyString, Inner: text}
	}
	return Route{Family: FamilyNumeric, Inner: text, ShouldCache: true}
}

// unwrap returns the inner text when s is exactly name(...) with balanced
// parentheses. Parentheses inside quotes do not count.
func unwrap(s, name string) (string, bool) {
	if !strings.HasPrefix(s, name) {
		return "", false
	}
	rest := strings.TrimLeft(s[len(name):], " \t")
	if !strings.HasPrefix(rest, "(") {
		return "", false
	}
	end, ok := matchParen(rest)
	if !ok || end != len(rest)-1 {
		return "", false
	}
	return strings.TrimSpace(rest[1:end]), true
}

// matchParen returns the index of the parenthesis closing s[0].
func matchParen(s string) (int, bool) {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// hasPlainStringLiteral reports a quoted literal that is not a collection
// pattern. Untokenizable text falls back to a raw quote scan.
func hasPlainStringLiteral(text string) bool {
	toks, err := lex(text)
	if err != nil {
		return strings.ContainsAny(text, `'"`)
	}
	for _, tok := range toks {
		if tok.kind == tokString && !IsCollectionPattern(tok.text) {
			return true
		}
	}
	return false
}
