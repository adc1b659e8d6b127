// internal/graph/graph.go
package graph

import (
	"sort"
	"sync"

	"github.com/solatis/synthkeeper/internal/formula"
	"github.com/solatis/synthkeeper/internal/resolve"
	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Dependency graph scheduler.
 *
 * Nodes are sensors. Each node records the external ids it reads directly
 * (entity references in formula text, entity bindings, backing entities,
 * plus ids observed during evaluation) and the sensor keys it depends on
 * (from the cross-sensor reference map).
 *
 * Affected(changed) computes the re-evaluation plan for a change set:
 *   1. directly affected: sensors whose direct ids intersect changed
 *   2. fixed-point expansion through dependents, cycle-safe via visited set
 *   3. Kahn ordering within the affected set, ties broken by config order;
 *      nodes left over by a cycle are appended in config order
 *   4. only changed ids that are not synthetic sensors are invalidated
 *
 * A graph built without a reference map is degraded: plans contain only
 * the directly affected sensors.
 */

// Node is one sensor in the graph.
type Node struct {
	Key          string
	Index        int
	Entities     formula.Set
	Dependencies formula.Set
	Dependents   formula.Set
}

// Plan is the re-evaluation plan for one change set.
type Plan struct {
	Order      []string // sensors to evaluate, dependencies first
	Direct     []string // directly affected sensors, config order
	Invalidate []string // external ids whose cached results must be dropped
	Degraded   bool     // dependency metadata unavailable
}

// Graph is the sensor dependency graph of one configuration.
type Graph struct {
	mu           sync.RWMutex
	nodes        map[string]*Node
	order        []string
	byEntity     map[string]formula.Set
	degraded     bool
	keyForEntity func(string) (string, bool)
}

// Build constructs the graph of cfg. refs is the cross-sensor reference map;
// nil degrades the graph. keyForEntity maps registered synthetic ids back to
// sensor keys and may be nil.
func Build(cfg *types.Config, refs map[string]formula.Set, analysis *formula.AnalysisService, keyForEntity func(string) (string, bool)) *Graph {
	if keyForEntity == nil {
		keyForEntity = func(string) (string, bool) { return "", false }
	}
	g := &Graph{
		nodes:        make(map[string]*Node),
		byEntity:     make(map[string]formula.Set),
		degraded:     refs == nil,
		keyForEntity: keyForEntity,
	}
	if cfg == nil {
		return g
	}

	for i, s := range cfg.Sensors {
		g.nodes[s.Key] = &Node{
			Key:          s.Key,
			Index:        i,
			Entities:     make(formula.Set),
			Dependencies: make(formula.Set),
			Dependents:   make(formula.Set),
		}
		g.order = append(g.order, s.Key)
	}

	for i := range cfg.Sensors {
		s := &cfg.Sensors[i]
		n := g.nodes[s.Key]
		ids := make(formula.Set)
		if s.BackingEntity != "" {
			ids.Add(s.BackingEntity)
		}
		for j := range s.Formulas {
			f := &s.Formulas[j]
			scope := resolve.Bindings(cfg, s, f)
			collectIDs(analysis, f.Text, scope, ids, map[string]bool{})
			if alt := f.AlternateStates; alt != nil {
				for _, text := range []string{alt.Unavailable, alt.Unknown, alt.None, alt.Fallback} {
					if text != "" {
						collectIDs(analysis, text, scope, ids, map[string]bool{})
					}
				}
			}
		}
		for id := range ids {
			g.addEntityLocked(n, id)
		}
		if refs != nil {
			for dep := range refs[s.Key] {
				g.addEdgeLocked(s.Key, dep)
			}
		}
	}
	return g
}

// collectIDs gathers external ids read by text in scope, following
// computed variables. Sensor keys are left to the reference map.
func collectIDs(analysis *formula.AnalysisService, text string, scope map[string]types.VariableBinding, ids formula.Set, seen map[string]bool) {
	a := analysis.Analyze(text)
	for id := range a.EntityRefs {
		ids.Add(id)
	}
	names := a.Variables.Sorted()
	for _, mr := range a.MetadataRefs {
		names = append(names, mr.Ref)
	}
	for _, name := range names {
		b, ok := scope[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		switch b.Kind() {
		case types.BindingEntity:
			ids.Add(b.EntityID())
		case types.BindingComputed:
			cv := b.Computed()
			merged := make(map[string]types.VariableBinding, len(scope)+len(cv.Variables))
			for k, v := range scope {
				merged[k] = v
			}
			for k, v := range cv.Variables {
				merged[k] = v
			}
			collectIDs(analysis, cv.Formula, merged, ids, seen)
		}
	}
}

// addEntityLocked records a direct read. Sensor keys and registered
// synthetic ids become dependency edges instead.
func (g *Graph) addEntityLocked(n *Node, id string) {
	if _, isSensor := g.nodes[id]; isSensor {
		g.addEdgeLocked(n.Key, id)
		return
	}
	if key, ok := g.keyForEntity(id); ok {
		if _, known := g.nodes[key]; known {
			g.addEdgeLocked(n.Key, key)
			return
		}
	}
	n.Entities.Add(id)
	readers, ok := g.byEntity[id]
	if !ok {
		readers = make(formula.Set)
		g.byEntity[id] = readers
	}
	readers.Add(n.Key)
}

func (g *Graph) addEdgeLocked(from, to string) {
	if from == to {
		return
	}
	src, ok := g.nodes[from]
	if !ok {
		return
	}
	dst, ok := g.nodes[to]
	if !ok {
		return
	}
	src.Dependencies.Add(to)
	dst.Dependents.Add(from)
}

// Observe records external ids a sensor read during evaluation, such as
// collection members that cannot be known statically.
func (g *Graph) Observe(key string, ids []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[key]
	if !ok {
		return
	}
	for _, id := range ids {
		if !n.Entities.Has(id) {
			g.addEntityLocked(n, id)
		}
	}
}

// Degraded reports whether dependency metadata is unavailable.
func (g *Graph) Degraded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.degraded
}

// Keys returns every sensor key in config order.
func (g *Graph) Keys() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Node returns a copy of the node for key.
func (g *Graph) Node(key string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[key]
	if !ok {
		return Node{}, false
	}
	return Node{
		Key:          n.Key,
		Index:        n.Index,
		Entities:     copySet(n.Entities),
		Dependencies: copySet(n.Dependencies),
		Dependents:   copySet(n.Dependents),
	}, true
}

// Affected computes the re-evaluation plan for a set of changed ids.
func (g *Graph) Affected(changed []string) Plan {
	g.mu.RLock()
	defer g.mu.RUnlock()

	plan := Plan{Degraded: g.degraded}
	direct := make(formula.Set)
	seeds := make(formula.Set)
	invalidate := make(formula.Set)

	for _, id := range changed {
		for key := range g.byEntity[id] {
			direct.Add(key)
		}
		key, synthetic := g.keyForEntity(id)
		if n, ok := g.nodes[key]; synthetic && ok {
			for dep := range n.Dependents {
				seeds.Add(dep)
			}
			continue
		}
		if _, isSensor := g.nodes[id]; isSensor {
			continue
		}
		invalidate.Add(id)
	}

	plan.Direct = g.configOrder(direct)
	plan.Invalidate = invalidate.Sorted()

	if g.degraded {
		plan.Order = plan.Direct
		return plan
	}

	affected := make(formula.Set)
	queue := append([]string(nil), plan.Direct...)
	queue = append(queue, g.configOrder(seeds)...)
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if affected.Has(key) {
			continue
		}
		affected.Add(key)
		for dep := range g.nodes[key].Dependents {
			if !affected.Has(dep) {
				queue = append(queue, dep)
			}
		}
	}

	plan.Order = g.topoOrder(affected)
	return plan
}

// TopologicalOrder orders every sensor, dependencies first.
func (g *Graph) TopologicalOrder() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	all := make(formula.Set, len(g.nodes))
	for key := range g.nodes {
		all.Add(key)
	}
	return g.topoOrder(all)
}

// topoOrder runs Kahn's algorithm over the subgraph induced by subset.
func (g *Graph) topoOrder(subset formula.Set) []string {
	inDegree := make(map[string]int, len(subset))
	for key := range subset {
		deg := 0
		for dep := range g.nodes[key].Dependencies {
			if subset.Has(dep) {
				deg++
			}
		}
		inDegree[key] = deg
	}

	out := make([]string, 0, len(subset))
	for len(inDegree) > 0 {
		var tier []string
		for key, deg := range inDegree {
			if deg == 0 {
				tier = append(tier, key)
			}
		}
		if len(tier) == 0 {
			// cycle: remaining nodes in config order
			rest := make(formula.Set, len(inDegree))
			for key := range inDegree {
				rest.Add(key)
			}
			return append(out, g.configOrder(rest)...)
		}
		g.sortByIndex(tier)
		for _, key := range tier {
			delete(inDegree, key)
			out = append(out, key)
			for dep := range g.nodes[key].Dependents {
				if _, ok := inDegree[dep]; ok {
					inDegree[dep]--
				}
			}
		}
	}
	return out
}

func (g *Graph) configOrder(s formula.Set) []string {
	out := make([]string, 0, len(s))
	for key := range s {
		if _, ok := g.nodes[key]; ok {
			out = append(out, key)
		}
	}
	g.sortByIndex(out)
	return out
}

func (g *Graph) sortByIndex(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		return g.nodes[keys[i]].Index < g.nodes[keys[j]].Index
	})
}

func copySet(s formula.Set) formula.Set {
	out := make(formula.Set, len(s))
	for k := range s {
		out.Add(k)
	}
	return out
}
