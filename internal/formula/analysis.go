// internal/formula/analysis.go
package formula

import (
	"sort"
	"strings"
	"sync"
)

/*
 * Static analysis of formula text.
 *
 * Produces the dependency picture of a formula without evaluating it:
 *   - Variables: bare names to resolve through bindings
 *   - EntityRefs: dotted names whose first segment is a known entity domain
 *   - MetadataRefs: (ref, key) pairs from metadata() calls
 *   - Aggregates / CollectionPatterns: aggregate calls and their ':' patterns
 *   - Dependencies: the union the resolver must satisfy
 *
 * Rules that keep the picture honest:
 *   - "state" is the self-reference token; it sets HasStateToken and never
 *     appears in Variables
 *   - metadata() references are not variable dependencies; the pair is
 *     recorded and the reference name is added to Dependencies only
 *   - variable.attribute records the base variable
 *
 * Results are cached by exact text. Analysis never fails: unparseable text
 * yields an empty analysis (compilation reports the error).
 */

// Set is a string set.
type Set map[string]struct{}

// Add inserts s.
func (s Set) Add(v string) { s[v] = struct{}{} }

// Has reports membership.
func (s Set) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Sorted returns members in ascending order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Analysis is the static dependency picture of one formula.
type Analysis struct {
	Variables          Set
	EntityRefs         Set
	MetadataRefs       []MetadataRef
	Aggregates         Set
	CollectionPatterns Set
	Dependencies       Set
	Calls              Set
	HasStateToken      bool
	Valid              bool
}

func newAnalysis() *Analysis {
	return &Analysis{
		Variables:          make(Set),
		EntityRefs:         make(Set),
		Aggregates:         make(Set),
		CollectionPatterns: make(Set),
		Dependencies:       make(Set),
		Calls:              make(Set),
	}
}

// DefaultDomains are the entity domains recognised in dotted references.
var DefaultDomains = []string{
	"sensor", "binary_sensor", "input_number", "input_boolean", "input_select",
	"input_text", "input_datetime", "number", "switch", "light", "climate",
	"weather", "device_tracker", "person", "zone", "sun", "counter", "timer",
	"cover", "fan", "lock", "media_player", "select", "button", "event", "update",
	"water_heater", "humidifier", "vacuum", "camera", "calendar", "automation",
	"script", "scene", "group",
}

// AnalysisService analyzes and caches formula dependency pictures.
type AnalysisService struct {
	mu      sync.RWMutex
	cache   map[string]*Analysis
	domains Set
}

// NewAnalysisService creates a service recognising DefaultDomains plus extra.
func NewAnalysisService(extraDomains ...string) *AnalysisService {
	domains := make(Set, len(DefaultDomains)+len(extraDomains))
	for _, d := range DefaultDomains {
		domains.Add(d)
	}
	for _, d := range extraDomains {
		domains.Add(d)
	}
	return &AnalysisService{cache: make(map[string]*Analysis), domains: domains}
}

// Analyze returns the cached analysis for text, computing it on first use.
// The returned value is shared; callers must not mutate it.
func (s *AnalysisService) Analyze(text string) *Analysis {
	s.mu.RLock()
	a, ok := s.cache[text]
	s.mu.RUnlock()
	if ok {
		return a
	}

	s.mu.RLock()
	a = s.analyze(text)
	s.mu.RUnlock()

	s.mu.Lock()
	s.cache[text] = a
	s.mu.Unlock()
	return a
}

// IsEntityID reports whether name looks like domain.object_id for a known domain.
func (s *AnalysisService) IsEntityID(name string) bool {
	domain, rest, ok := strings.Cut(name, ".")
	if !ok || rest == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.domains.Has(domain)
}

// AddDomains extends the recognised domains. Cached analyses are dropped
// since entity classification may change.
func (s *AnalysisService) AddDomains(domains ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := false
	for _, d := range domains {
		if d != "" && !s.domains.Has(d) {
			s.domains.Add(d)
			added = true
		}
	}
	if added {
		s.cache = make(map[string]*Analysis)
	}
}

// Len returns the number of cached analyses.
func (s *AnalysisService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Clear drops every cached analysis.
func (s *AnalysisService) Clear() {
	s.mu.Lock()
	s.cache = make(map[string]*Analysis)
	s.mu.Unlock()
}

func (s *AnalysisService) analyze(text string) *Analysis {
	a := newAnalysis()
	root, err := Parse(text)
	if err != nil {
		return a
	}
	a.Valid = true
	s.visit(a, root)
	return a
}

func (s *AnalysisService) visit(a *Analysis, n Node) {
	switch n := n.(type) {
	case *Ident:
		s.addName(a, n.Name)

	case *Member:
		name, ok := dottedName(n)
		if !ok {
			s.visit(a, n.Target)
			return
		}
		s.addName(a, name)

	case *Call:
		a.Calls.Add(n.Name)
		if n.Name == metadataFunction && len(n.Args) == 2 {
			ref, ok := metadataRefName(n.Args[0])
			if ok {
				key := ""
				if lit, isLit := n.Args[1].(*StringLit); isLit {
					key = lit.Value
				} else {
					s.visit(a, n.Args[1])
				}
				if ref != "state" {
					a.Dependencies.Add(ref)
				}
				a.MetadataRefs = append(a.MetadataRefs, MetadataRef{Ref: ref, Key: key})
				return
			}
		}
		if AggregateFunctions[n.Name] {
			a.Aggregates.Add(n.Name)
			for _, arg := range n.Args {
				if lit, ok := arg.(*StringLit); ok && IsCollectionPattern(lit.Value) {
					a.CollectionPatterns.Add(lit.Value)
					continue
				}
				s.visit(a, arg)
			}
			return
		}
		for _, arg := range n.Args {
			s.visit(a, arg)
		}

	case *Unary:
		s.visit(a, n.X)
	case *Binary:
		s.visit(a, n.Left)
		s.visit(a, n.Right)
	case *Conditional:
		s.visit(a, n.Cond)
		s.visit(a, n.Then)
		s.visit(a, n.Else)
	}
}

// addName classifies a bare or dotted name.
func (s *AnalysisService) addName(a *Analysis, name string) {
	segs := strings.Split(name, ".")
	if segs[0] == "state" {
		a.HasStateToken = true
		return
	}
	if len(segs) >= 2 && s.domains.Has(segs[0]) {
		id := segs[0] + "." + segs[1]
		a.EntityRefs.Add(id)
		a.Dependencies.Add(id)
		return
	}
	a.Variables.Add(segs[0])
	a.Dependencies.Add(segs[0])
}

// Identifiers returns every non-keyword identifier token in text with its
// byte span, skipping names that follow a '.' (attribute segments). Used by
// cross-sensor detection and rewriting, which must not touch string contents.
func Identifiers(text string) ([]IdentSpan, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	var out []IdentSpan
	for i, tok := range toks {
		if tok.kind != tokIdent || isKeyword(tok.text) {
			continue
		}
		if i > 0 && toks[i-1].kind == tokOp && toks[i-1].text == "." {
			continue
		}
		end := tok.end
		full := tok.text
		// absorb following .segment chains so entity ids come back whole
		j := i + 1
		for j+1 < len(toks) && toks[j].kind == tokOp && toks[j].text == "." && toks[j+1].kind == tokIdent {
			full += "." + toks[j+1].text
			end = toks[j+1].end
			j += 2
		}
		isCall := j < len(toks) && toks[j].kind == tokOp && toks[j].text == "(" && j == i+1
		out = append(out, IdentSpan{Name: tok.text, Full: full, Start: tok.start, End: tok.end, FullEnd: end, Call: isCall})
	}
	return out, nil
}

// IdentSpan is an identifier occurrence in formula text.
type IdentSpan struct {
	Name    string // first segment
	Full    string // dotted chain starting at this identifier
	Start   int
	End     int // end of first segment
	FullEnd int // end of dotted chain
	Call    bool
}
