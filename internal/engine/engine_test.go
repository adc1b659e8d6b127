package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solatis/synthkeeper/internal/breaker"
	"github.com/solatis/synthkeeper/internal/formula"
	"github.com/solatis/synthkeeper/internal/resolve"
	"github.com/solatis/synthkeeper/internal/types"
)

// host is a mutable in-memory state source.
type host struct {
	mu     sync.Mutex
	states map[string]types.State
	queued map[string][]types.State
	calls  map[string]int
}

func newHost() *host {
	return &host{
		states: make(map[string]types.State),
		queued: make(map[string][]types.State),
		calls:  make(map[string]int),
	}
}

func (h *host) set(id string, v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[id] = types.State{Value: v, Exists: true}
}

func (h *host) queue(id string, states ...types.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queued[id] = append(h.queued[id], states...)
}

func (h *host) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[id]
}

func (h *host) GetState(_ context.Context, id string) (types.State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[id]++
	if q := h.queued[id]; len(q) > 0 {
		h.queued[id] = q[1:]
		return q[0], nil
	}
	return h.states[id], nil
}

type memStore struct {
	entries map[string][]resolve.RegistryEntry
}

func (m *memStore) LoadRegistry(_ context.Context, name string) ([]resolve.RegistryEntry, error) {
	return m.entries[name], nil
}

func (m *memStore) SaveRegistry(_ context.Context, name string, entries []resolve.RegistryEntry) error {
	m.entries[name] = entries
	return nil
}

func sensor(key, text string, vars map[string]types.VariableBinding) types.Sensor {
	return types.Sensor{Key: key, Formulas: []types.Formula{{Text: text, Variables: vars}}}
}

func newEngine(t *testing.T, h *host, sensors []types.Sensor, opts ...Option) *Engine {
	t.Helper()
	e, err := New(&types.Config{Name: "test", Sensors: sensors}, h, opts...)
	require.NoError(t, err)
	return e
}

func TestEngine_EndToEndChangePropagation(t *testing.T) {
	h := newHost()
	h.set("sensor.x", 1000.0)
	h.set("sensor.y", 500.0)
	h.set("sensor.z", 1.0)
	e := newEngine(t, h, []types.Sensor{
		sensor("total", "leg1 + leg2", map[string]types.VariableBinding{
			"leg1": types.EntityRef("sensor.x"),
			"leg2": types.EntityRef("sensor.y"),
		}),
		sensor("sibling", "sensor.z + 1", nil),
		sensor("doubled", "total * 2", nil),
	})
	ctx := context.Background()

	res := e.Evaluate(ctx, "total", nil)
	require.True(t, res.Success, "Evaluate() error = %v", res.Err)
	require.Equal(t, 1500.0, res.Value)

	h.set("sensor.x", 1200.0)
	cycle := e.NotifyChanged(ctx, []string{"sensor.x"})

	require.Equal(t, []string{"total", "doubled"}, cycle.Plan.Order)
	total, ok := cycle.Sensor("total")
	require.True(t, ok)
	require.Equal(t, 1700.0, total.Main.Value)
	doubled, _ := cycle.Sensor("doubled")
	require.Equal(t, 3400.0, doubled.Main.Value)
	_, ok = cycle.Sensor("sibling")
	require.False(t, ok, "sibling must not be re-evaluated")
	require.Equal(t, 0, h.count("sensor.z"))
}

func TestEngine_CircuitBreaker(t *testing.T) {
	h := newHost()
	e := newEngine(t, h, []types.Sensor{sensor("broken", "sensor.gone + 1", nil)},
		WithBreaker(breaker.Config{MaxFatalErrors: 2, MaxTransitoryErrors: 20, ResetOnSuccess: true}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := e.Evaluate(ctx, "broken", nil)
		require.False(t, res.Success)
		require.Equal(t, types.KindMissingDependency, res.Kind)
	}
	res := e.Evaluate(ctx, "broken", nil)
	require.Equal(t, types.KindCircuitOpen, res.Kind)
	require.ErrorIs(t, res.Err, types.ErrCircuitOpen)
	require.Equal(t, 2, h.count("sensor.gone"))
	require.Equal(t, []string{"broken"}, e.Stats().OpenCircuits)

	e.ResetBreaker("broken")
	h.set("sensor.gone", 1.0)
	require.True(t, e.Evaluate(ctx, "broken", nil).Success)
}

func TestEngine_UpstreamRecoveryKeepsCircuitClosed(t *testing.T) {
	h := newHost()
	h.set("sensor.x", "unavailable")
	e := newEngine(t, h, []types.Sensor{
		sensor("b", "x + 1", map[string]types.VariableBinding{"x": types.EntityRef("sensor.x")}),
		sensor("a", "b * 2", nil),
	}, WithBreaker(breaker.Config{MaxFatalErrors: 2, MaxTransitoryErrors: 20, ResetOnSuccess: true}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cycle := e.EvaluateAll(ctx)
		a, ok := cycle.Sensor("a")
		require.True(t, ok)
		require.False(t, a.Main.Success)
		require.Equal(t, types.KindTransitory, a.Main.Kind, "cycle %d", i)
	}
	require.Empty(t, e.Stats().OpenCircuits)

	h.set("sensor.x", 5.0)
	cycle := e.EvaluateAll(ctx)
	b, _ := cycle.Sensor("b")
	require.True(t, b.Main.Success, "b error = %v", b.Main.Err)
	require.Equal(t, 6.0, b.Main.Value)
	a, _ := cycle.Sensor("a")
	require.True(t, a.Main.Success, "a error = %v", a.Main.Err)
	require.Equal(t, 12.0, a.Main.Value)
	require.Equal(t, breaker.Status{}, e.Stats().Breaker["a"])
}

func TestEngine_CachingAndRouting(t *testing.T) {
	e := newEngine(t, newHost(), []types.Sensor{
		sensor("num", "2 + 3 * 4", nil),
		sensor("text", `upper("abc")`, nil),
	})
	ctx := context.Background()

	first := e.Evaluate(ctx, "num", nil)
	second := e.Evaluate(ctx, "num", nil)
	require.Equal(t, 14.0, first.Value)
	require.False(t, first.Cached)
	require.True(t, second.Cached)
	require.Equal(t, formula.FamilyNumeric, second.Family)
	require.Equal(t, uint64(1), e.Stats().Compiled.Hits)

	for i := 0; i < 2; i++ {
		res := e.Evaluate(ctx, "text", nil)
		require.Equal(t, "ABC", res.Value)
		require.Equal(t, formula.FamilyString, res.Family)
		require.False(t, res.Cached)
	}
}

func TestEngine_WrappedTextCachedSeparately(t *testing.T) {
	h := newHost()
	h.set("sensor.x", 4.0)
	x := map[string]types.VariableBinding{"x": types.EntityRef("sensor.x")}
	e := newEngine(t, h, []types.Sensor{
		sensor("plain", "x + 1", x),
		sensor("wrapped", "numeric(x + 1)", x),
	})
	ctx := context.Background()

	plain := e.Evaluate(ctx, "plain", nil)
	require.True(t, plain.Success, "Evaluate() error = %v", plain.Err)
	require.False(t, plain.Cached)

	wrapped := e.Evaluate(ctx, "wrapped", nil)
	require.True(t, wrapped.Success, "Evaluate() error = %v", wrapped.Err)
	require.Equal(t, 5.0, wrapped.Value)
	require.False(t, wrapped.Cached)

	stats := e.Stats()
	require.Equal(t, 2, stats.Compiled.Entries)
	require.Equal(t, uint64(0), stats.Compiled.Hits)
	require.Equal(t, 2, stats.Results.Entries)

	require.True(t, e.Evaluate(ctx, "wrapped", nil).Cached)
	e.ClearFormula("x + 1")
	require.True(t, e.Evaluate(ctx, "wrapped", nil).Cached)
	require.False(t, e.Evaluate(ctx, "plain", nil).Cached)
}

func TestEngine_AlternateStates(t *testing.T) {
	withHandler := sensor("handled", "power * 2", map[string]types.VariableBinding{
		"power": types.EntityRef("sensor.p"),
	})
	withHandler.Formulas[0].AlternateStates = &types.AlternateStates{Unavailable: "0", None: "-1"}
	bare := sensor("bare", "power * 2", map[string]types.VariableBinding{
		"power": types.EntityRef("sensor.p"),
	})
	passthrough := sensor("passthrough", "power", map[string]types.VariableBinding{
		"power": types.EntityRef("sensor.p"),
	})

	h := newHost()
	e := newEngine(t, h, []types.Sensor{withHandler, bare, passthrough})
	ctx := context.Background()

	h.set("sensor.p", "unavailable")
	res := e.Evaluate(ctx, "handled", nil)
	require.True(t, res.Success, "Evaluate() error = %v", res.Err)
	require.Equal(t, 0.0, res.Value)
	require.Equal(t, types.StateUnavailable, res.State)

	res = e.Evaluate(ctx, "bare", nil)
	require.False(t, res.Success)
	require.Equal(t, types.KindTransitory, res.Kind)

	h.set("sensor.p", nil)
	res = e.Evaluate(ctx, "handled", nil)
	require.Equal(t, -1.0, res.Value)
	require.Equal(t, types.StateNone, res.State)

	res = e.Evaluate(ctx, "passthrough", nil)
	require.True(t, res.Success)
	require.Nil(t, res.Value)
	require.Equal(t, types.StateNone, res.State)
}

func TestEngine_RetryTransitory(t *testing.T) {
	h := newHost()
	h.queue("sensor.p", types.State{Value: "unavailable", Exists: true})
	h.set("sensor.p", 5.0)
	e := newEngine(t, h, []types.Sensor{sensor("p", "sensor.p * 2", nil)},
		WithRetry(&breaker.Retry{MaxAttempts: 3, RetryOnUnavailable: true}))

	res := e.Evaluate(context.Background(), "p", nil)
	require.True(t, res.Success, "Evaluate() error = %v", res.Err)
	require.Equal(t, 10.0, res.Value)
	require.Equal(t, 2, h.count("sensor.p"))
}

func TestEngine_CrossSensorProtocol(t *testing.T) {
	h := newHost()
	h.set("sensor.src", 3.0)
	e := newEngine(t, h, []types.Sensor{
		sensor("A", "B + 1", nil),
		sensor("B", "sensor.src * 2", nil),
	})
	ctx := context.Background()

	cycle := e.EvaluateAll(ctx)
	require.Equal(t, []string{"B", "A"}, cycle.Plan.Order)
	a, _ := cycle.Sensor("A")
	require.Equal(t, 7.0, a.Main.Value)

	// only A references another sensor; B's id is recorded without
	// advancing the protocol
	require.NoError(t, e.RegisterSensorEntityID(ctx, "B", "sensor.b_out"))
	require.Equal(t, "awaiting_registrations", e.Stats().Phase)
	require.Equal(t, []string{"A"}, e.Stats().Pending)
	id, ok := e.Registry().EntityID("B")
	require.True(t, ok)
	require.Equal(t, "sensor.b_out", id)
	require.NoError(t, e.RegisterSensorEntityID(ctx, "A", "sensor.a_out"))
	require.True(t, e.Resolver().IsPhase3Complete())

	s, _ := e.Config().Sensor("A")
	require.Equal(t, "sensor.b_out + 1", s.Main().Text)

	h.set("sensor.src", 10.0)
	cycle = e.NotifyChanged(ctx, []string{"sensor.src"})
	require.Equal(t, []string{"B", "A"}, cycle.Plan.Order)
	a, _ = cycle.Sensor("A")
	require.Equal(t, 21.0, a.Main.Value)
	require.Equal(t, 0, h.count("sensor.b_out"))
}

func TestEngine_SelfReferenceFromStore(t *testing.T) {
	store := &memStore{entries: map[string][]resolve.RegistryEntry{
		"test": {{Key: "counter", Value: 41.0, HasValue: true}},
	}}
	e := newEngine(t, newHost(), []types.Sensor{sensor("counter", "state + 1", nil)}, WithStore(store))
	ctx := context.Background()

	res := e.Evaluate(ctx, "counter", nil)
	require.Equal(t, types.KindSelfReferenceUnavailable, res.Kind)

	require.NoError(t, e.Restore(ctx))
	res = e.Evaluate(ctx, "counter", nil)
	require.Equal(t, 42.0, res.Value)

	e.EvaluateAll(ctx)
	require.Equal(t, 43.0, store.entries["test"][0].Value)
}

func TestEngine_EvaluateSensorAttributes(t *testing.T) {
	h := newHost()
	h.set("sensor.w", 2500.0)
	s := sensor("power", "sensor.w", nil)
	s.Formulas = append(s.Formulas, types.Formula{Attribute: "kw", Text: "state / 1000"})
	e := newEngine(t, h, []types.Sensor{s})

	out, err := e.EvaluateSensor(context.Background(), "power", nil)
	require.NoError(t, err)
	require.Equal(t, 2500.0, out.Main.Value)
	require.Equal(t, 2.5, out.Attributes["kw"].Value)
	require.Equal(t, "power_kw", out.Attributes["kw"].FormulaID)

	_, err = e.EvaluateSensor(context.Background(), "nope", nil)
	require.ErrorIs(t, err, types.ErrSensorNotFound)
}

func TestEngine_Failures(t *testing.T) {
	e := newEngine(t, newHost(), []types.Sensor{
		sensor("syntax", "1 +", nil),
		sensor("boom", "explode()", nil),
		sensor("divzero", "1 / 0", nil),
	}, WithFunction("explode", func([]any) (any, error) { panic("kaboom") }))
	ctx := context.Background()

	tests := []struct {
		id   string
		kind types.ErrorKind
	}{
		{"syntax", types.KindCompile},
		{"boom", types.KindEvaluation},
		{"divzero", types.KindEvaluation},
	}
	for _, tt := range tests {
		res := e.Evaluate(ctx, tt.id, nil)
		require.False(t, res.Success, tt.id)
		require.Nil(t, res.Value, tt.id)
		require.Equal(t, tt.kind, res.Kind, tt.id)
	}

	res := e.Evaluate(ctx, "missing", nil)
	require.ErrorIs(t, res.Err, types.ErrFormulaNotFound)
}

func TestEngine_MetadataAndDates(t *testing.T) {
	h := newHost()
	h.mu.Lock()
	h.states["sensor.p"] = types.State{Value: 1.0, Exists: true, Attributes: map[string]any{"unit": "W"}}
	h.mu.Unlock()
	clock := func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	e := newEngine(t, h, []types.Sensor{
		sensor("unit", `metadata(sensor.p, "unit")`, nil),
		sensor("later", "now() + hours(2)", nil),
	}, WithClock(clock))
	ctx := context.Background()

	res := e.Evaluate(ctx, "unit", nil)
	require.Equal(t, formula.FamilyMetadata, res.Family)
	require.Equal(t, "W", res.Value)

	res = e.Evaluate(ctx, "later", nil)
	require.Equal(t, formula.FamilyDate, res.Family)
	require.Equal(t, clock().Add(2*time.Hour), res.Value)
}

func TestEngine_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  *types.Config
	}{
		{"nil", nil},
		{"duplicate keys", &types.Config{Sensors: []types.Sensor{sensor("a", "1", nil), sensor("a", "2", nil)}}},
		{"no formulas", &types.Config{Sensors: []types.Sensor{{Key: "a"}}}},
		{"empty key", &types.Config{Sensors: []types.Sensor{sensor("", "1", nil)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, newHost())
			require.Error(t, err)
		})
	}
}

func TestEngine_InvalidateAndClear(t *testing.T) {
	h := newHost()
	h.set("sensor.p", 2.0)
	e := newEngine(t, h, []types.Sensor{sensor("p", "sensor.p * 2", nil)})
	ctx := context.Background()

	e.Evaluate(ctx, "p", nil)
	require.True(t, e.Evaluate(ctx, "p", nil).Cached)
	require.Equal(t, 1, e.InvalidateEntity("sensor.p"))
	require.False(t, e.Evaluate(ctx, "p", nil).Cached)

	require.True(t, e.Evaluate(ctx, "p", nil).Cached)
	e.ClearFormula("sensor.p * 2")
	require.False(t, e.Evaluate(ctx, "p", nil).Cached)

	e.ClearCaches()
	stats := e.Stats()
	require.Equal(t, 0, stats.Compiled.Entries)
	require.Equal(t, 0, stats.Results.Entries)
}
