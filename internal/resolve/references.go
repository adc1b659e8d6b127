// internal/resolve/references.go
package resolve

import (
	"sort"

	"github.com/solatis/synthkeeper/internal/formula"
	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Cross-sensor reference detection (parse time).
 *
 * Scans every formula, attribute, variable binding and alternate-state
 * handler of a configuration for tokens equal to a sensor key. Declared
 * variable names shadow sensor keys of the same name inside their scope.
 * Only identifier tokens are considered: string contents, attribute segments
 * after a dot and call targets never match.
 *
 * The result maps sensor key -> referenced sensor keys (self included).
 * Sensors with no references are absent from the map.
 */

// ReferenceMap maps a sensor key to the sensor keys it references.
type ReferenceMap map[string]formula.Set

// Keys returns the referencing sensors in sorted order.
func (m ReferenceMap) Keys() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func (m ReferenceMap) Clone() ReferenceMap {
	out := make(ReferenceMap, len(m))
	for k, refs := range m {
		c := make(formula.Set, len(refs))
		for r := range refs {
			c.Add(r)
		}
		out[k] = c
	}
	return out
}

// BuildReferenceMap runs Phase 1 over cfg.
func BuildReferenceMap(cfg *types.Config) ReferenceMap {
	out := make(ReferenceMap)
	if cfg == nil {
		return out
	}
	keys := make(map[string]bool, len(cfg.Sensors))
	for _, s := range cfg.Sensors {
		keys[s.Key] = true
	}

	for i := range cfg.Sensors {
		s := &cfg.Sensors[i]
		refs := make(formula.Set)
		for j := range s.Formulas {
			f := &s.Formulas[j]
			scope := Bindings(cfg, s, f)
			declared := declaredNames(scope)
			scanText(f.Text, declared, keys, refs)
			scanAlternates(f.AlternateStates, declared, keys, refs)
			for name := range reachable(f, scope) {
				scanBinding(scope[name], declared, keys, refs)
			}
		}
		if len(refs) > 0 {
			out[s.Key] = refs
		}
	}
	return out
}

func declaredNames(scope map[string]types.VariableBinding) map[string]bool {
	out := make(map[string]bool, len(scope))
	for name := range scope {
		out[name] = true
	}
	return out
}

func scanText(text string, declared, keys map[string]bool, refs formula.Set) {
	spans, err := formula.Identifiers(text)
	if err != nil {
		return
	}
	for _, sp := range spans {
		if sp.Call || declared[sp.Name] {
			continue
		}
		if keys[sp.Name] {
			refs.Add(sp.Name)
		}
	}
}

func scanAlternates(alt *types.AlternateStates, declared, keys map[string]bool, refs formula.Set) {
	if alt == nil {
		return
	}
	for _, text := range []string{alt.Unavailable, alt.Unknown, alt.None, alt.Fallback} {
		if text != "" {
			scanText(text, declared, keys, refs)
		}
	}
}

func scanBinding(b types.VariableBinding, declared, keys map[string]bool, refs formula.Set) {
	switch b.Kind() {
	case types.BindingEntity:
		if keys[b.EntityID()] {
			refs.Add(b.EntityID())
		}
	case types.BindingComputed:
		cv := b.Computed()
		inner := make(map[string]bool, len(declared)+len(cv.Variables))
		for k := range declared {
			inner[k] = true
		}
		for k := range cv.Variables {
			inner[k] = true
		}
		scanText(cv.Formula, inner, keys, refs)
		scanAlternates(cv.AlternateStates, inner, keys, refs)
		for _, nested := range cv.Variables {
			scanBinding(nested, inner, keys, refs)
		}
	}
}

// reachable returns the scope names a formula can resolve: its own
// declarations plus inherited names used by its text or, transitively, by
// computed variables it reaches.
func reachable(f *types.Formula, scope map[string]types.VariableBinding) map[string]bool {
	seen := make(map[string]bool)
	var queue []string
	push := func(name string) {
		if _, ok := scope[name]; ok && !seen[name] {
			seen[name] = true
			queue = append(queue, name)
		}
	}
	for name := range f.Variables {
		push(name)
	}
	for _, name := range identifierNames(f.Text) {
		push(name)
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if b := scope[name]; b.Kind() == types.BindingComputed {
			for _, n := range identifierNames(b.Computed().Formula) {
				push(n)
			}
		}
	}
	return seen
}

func identifierNames(text string) []string {
	spans, err := formula.Identifiers(text)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(spans))
	for _, sp := range spans {
		if !sp.Call {
			out = append(out, sp.Name)
		}
	}
	return out
}
