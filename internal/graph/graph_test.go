package graph

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/solatis/synthkeeper/internal/formula"
	"github.com/solatis/synthkeeper/internal/resolve"
	"github.com/solatis/synthkeeper/internal/types"
)

func sensor(key, text string, vars map[string]types.VariableBinding) types.Sensor {
	return types.Sensor{Key: key, Formulas: []types.Formula{{ID: key, Text: text, Variables: vars}}}
}

func build(cfg *types.Config, keyForEntity func(string) (string, bool)) *Graph {
	return Build(cfg, resolve.BuildReferenceMap(cfg), formula.NewAnalysisService(), keyForEntity)
}

func energyConfig() *types.Config {
	return &types.Config{Sensors: []types.Sensor{
		sensor("total", "leg1 + leg2", map[string]types.VariableBinding{
			"leg1": types.EntityRef("sensor.x"),
			"leg2": types.EntityRef("sensor.y"),
		}),
		sensor("sibling", "sensor.z * 2", nil),
		sensor("chain", "derived + 1", nil),
		sensor("derived", "total * 2", nil),
	}}
}

func TestGraph_Affected(t *testing.T) {
	g := build(energyConfig(), nil)

	plan := g.Affected([]string{"sensor.x"})
	if !reflect.DeepEqual(plan.Direct, []string{"total"}) {
		t.Errorf("Direct = %v, want [total]", plan.Direct)
	}
	if !reflect.DeepEqual(plan.Order, []string{"total", "derived", "chain"}) {
		t.Errorf("Order = %v, want [total derived chain]", plan.Order)
	}
	if !reflect.DeepEqual(plan.Invalidate, []string{"sensor.x"}) {
		t.Errorf("Invalidate = %v, want [sensor.x]", plan.Invalidate)
	}
	if plan.Degraded {
		t.Errorf("Degraded = true, want false")
	}

	plan = g.Affected([]string{"sensor.z"})
	if !reflect.DeepEqual(plan.Order, []string{"sibling"}) {
		t.Errorf("Order = %v, want [sibling]", plan.Order)
	}

	plan = g.Affected([]string{"sensor.unrelated"})
	if len(plan.Order) != 0 {
		t.Errorf("Order = %v, want empty", plan.Order)
	}
}

func TestGraph_Degraded(t *testing.T) {
	cfg := energyConfig()
	g := Build(cfg, nil, formula.NewAnalysisService(), nil)

	plan := g.Affected([]string{"sensor.x"})
	if !plan.Degraded {
		t.Errorf("Degraded = false, want true")
	}
	if !reflect.DeepEqual(plan.Order, []string{"total"}) {
		t.Errorf("Order = %v, want [total]", plan.Order)
	}
}

func TestGraph_SyntheticIDsNotInvalidated(t *testing.T) {
	ids := map[string]string{"sensor.total_power": "total"}
	g := build(energyConfig(), func(id string) (string, bool) {
		key, ok := ids[id]
		return key, ok
	})

	plan := g.Affected([]string{"sensor.total_power"})
	if len(plan.Invalidate) != 0 {
		t.Errorf("Invalidate = %v, want empty", plan.Invalidate)
	}
	if !reflect.DeepEqual(plan.Order, []string{"derived", "chain"}) {
		t.Errorf("Order = %v, want [derived chain]", plan.Order)
	}
}

func TestGraph_RewrittenIDsBecomeEdges(t *testing.T) {
	ids := map[string]string{"sensor.base_total": "base"}
	cfg := &types.Config{Sensors: []types.Sensor{
		sensor("user", "sensor.base_total + 1", nil),
		sensor("base", "sensor.grid", nil),
	}}
	g := Build(cfg, map[string]formula.Set{}, formula.NewAnalysisService(), func(id string) (string, bool) {
		key, ok := ids[id]
		return key, ok
	})

	n, _ := g.Node("user")
	if !n.Dependencies.Has("base") || n.Entities.Has("sensor.base_total") {
		t.Errorf("user node = %+v, want dependency on base", n)
	}
	if got := g.Affected([]string{"sensor.grid"}).Order; !reflect.DeepEqual(got, []string{"base", "user"}) {
		t.Errorf("Order = %v, want [base user]", got)
	}
}

func TestGraph_Cycle(t *testing.T) {
	cfg := &types.Config{Sensors: []types.Sensor{
		sensor("a", "b + sensor.x", nil),
		sensor("b", "a + 1", nil),
		sensor("c", "b * 2", nil),
	}}
	g := build(cfg, nil)

	plan := g.Affected([]string{"sensor.x"})
	if !reflect.DeepEqual(plan.Order, []string{"a", "b", "c"}) {
		t.Errorf("Order = %v, want [a b c]", plan.Order)
	}
}

func TestGraph_BindingsAndBacking(t *testing.T) {
	s := sensor("energy", "state + extra", map[string]types.VariableBinding{
		"extra": types.Computed(types.ComputedVariable{
			Formula:   "meter * 2",
			Variables: map[string]types.VariableBinding{"meter": types.EntityRef("sensor.meter")},
		}),
		"unused": types.EntityRef("sensor.unused"),
	})
	s.BackingEntity = "sensor.raw"
	s.Formulas[0].AlternateStates = &types.AlternateStates{Unavailable: "sensor.fallback"}
	g := build(&types.Config{Sensors: []types.Sensor{s}}, nil)

	n, _ := g.Node("energy")
	want := []string{"sensor.fallback", "sensor.meter", "sensor.raw"}
	if !reflect.DeepEqual(n.Entities.Sorted(), want) {
		t.Errorf("Entities = %v, want %v", n.Entities.Sorted(), want)
	}
}

func TestGraph_Observe(t *testing.T) {
	cfg := &types.Config{Sensors: []types.Sensor{sensor("agg", `sum("device_class:power")`, nil)}}
	g := build(cfg, nil)

	if got := g.Affected([]string{"sensor.p1"}).Order; len(got) != 0 {
		t.Fatalf("Order before Observe = %v, want empty", got)
	}
	g.Observe("agg", []string{"sensor.p1", "sensor.p2"})
	if got := g.Affected([]string{"sensor.p1"}).Order; !reflect.DeepEqual(got, []string{"agg"}) {
		t.Errorf("Order = %v, want [agg]", got)
	}
}

func TestGraph_TopologicalOrder(t *testing.T) {
	g := build(energyConfig(), nil)
	want := []string{"total", "sibling", "derived", "chain"}
	if got := g.TopologicalOrder(); !reflect.DeepEqual(got, want) {
		t.Errorf("TopologicalOrder() = %v, want %v", got, want)
	}
}

// Property-based test: every plan evaluates dependencies before dependents
func TestGraph_PropertyOrderRespectsDependencies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("dependencies precede dependents", prop.ForAll(
		func(masks []int) bool {
			n := len(masks)
			cfg := &types.Config{}
			// reverse config order so ties cannot hide ordering bugs
			for i := n - 1; i >= 0; i-- {
				terms := []string{"sensor.src"}
				for j := 0; j < i; j++ {
					if masks[i]&(1<<j) != 0 {
						terms = append(terms, fmt.Sprintf("s%d", j))
					}
				}
				cfg.Sensors = append(cfg.Sensors, sensor(fmt.Sprintf("s%d", i), strings.Join(terms, " + "), nil))
			}

			order := build(cfg, nil).Affected([]string{"sensor.src"}).Order
			if len(order) != n {
				return false
			}
			pos := make(map[string]int, n)
			for i, key := range order {
				pos[key] = i
			}
			for i := 0; i < n; i++ {
				for j := 0; j < i; j++ {
					if masks[i]&(1<<j) != 0 && pos[fmt.Sprintf("s%d", j)] > pos[fmt.Sprintf("s%d", i)] {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.IntRange(0, 255)),
	))

	properties.TestingRun(t)
}
