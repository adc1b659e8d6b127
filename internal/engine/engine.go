// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/solatis/synthkeeper/internal/breaker"
	"github.com/solatis/synthkeeper/internal/formula"
	"github.com/solatis/synthkeeper/internal/graph"
	"github.com/solatis/synthkeeper/internal/resolve"
	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Formula evaluation engine.
 *
 * One Engine per configuration load. It owns the long-lived shared state
 * (compilation cache, analysis cache, result cache, sensor registry,
 * cross-sensor resolver, dependency graph, circuit breaker) and exposes
 * the host-facing operations:
 *
 *   Evaluate / EvaluateSensor   one formula or one sensor, fresh pass
 *   NotifyChanged               change set -> ordered re-evaluation cycle
 *   EvaluateAll                 every sensor in dependency order
 *   RegisterSensorEntityID      host id registration (Phase 2/3)
 *
 * Evaluation flow per formula:
 *   route -> breaker check -> compile -> build context (retry on
 *   transitory) -> alternate-state handler -> result cache -> evaluate ->
 *   coerce to the route's family -> record value in the registry.
 *
 * Every failure becomes a Result with Success=false and a typed kind;
 * panics are recovered. No failure is reported as 0, "" or nil.
 */

// Result is the outcome of evaluating one formula.
type Result struct {
	FormulaID string
	Success   bool
	Value     any
	Kind      types.ErrorKind
	Err       error
	Cached    bool
	State     types.StateKind // state whose alternate handler produced Value, or none for a null result
	Family    formula.Family
}

// SensorResult is the outcome of evaluating a sensor's formulas.
type SensorResult struct {
	Key        string
	Main       Result
	Attributes map[string]Result
}

// Store persists the sensor registry per configuration name.
type Store interface {
	LoadRegistry(ctx context.Context, configName string) ([]resolve.RegistryEntry, error)
	SaveRegistry(ctx context.Context, configName string, entries []resolve.RegistryEntry) error
}

// Engine evaluates the formulas of one configuration.
type Engine struct {
	mu     sync.RWMutex
	config *types.Config
	graph  *graph.Graph

	name        string
	lookup      types.StateLookup
	collections types.CollectionLookup
	analysis    *formula.AnalysisService
	compiler    *formula.CompilationCache
	router      *formula.Router
	results     *formula.ResultCache
	registry    *resolve.Registry
	pipeline    *resolve.Pipeline
	cross       *resolve.CrossSensorResolver
	breaker     *breaker.Breaker
	retry       *breaker.Retry
	store       Store
	logger      *slog.Logger
}

// New creates an engine for cfg. lookup is the host's state capability.
func New(cfg *types.Config, lookup types.StateLookup, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := prepareConfig(cfg)
	if err != nil {
		return nil, err
	}

	funcs := formula.DefaultFunctions(o.clock)
	for name, fn := range o.functions {
		funcs[name] = fn
	}
	registry := o.registry
	if registry == nil {
		registry = resolve.NewRegistry()
	}
	analysis := formula.NewAnalysisService(o.extraDomains...)
	compiler := formula.NewCompilationCache(o.maxCompiled, funcs)

	e := &Engine{
		config:      cfg,
		name:        configName(cfg),
		lookup:      lookup,
		collections: o.collections,
		analysis:    analysis,
		compiler:    compiler,
		router:      formula.NewRouter(analysis),
		results:     formula.NewResultCache(o.maxResults),
		registry:    registry,
		pipeline: resolve.NewPipeline(analysis, compiler, registry,
			resolve.WithMaxSteps(o.maxSteps),
			resolve.WithLogger(o.logger),
		),
		cross:   resolve.NewCrossSensorResolver(cfg, registry, o.logger),
		breaker: breaker.New(o.breaker, o.logger),
		retry:   o.retry,
		store:   o.store,
		logger:  o.logger,
	}
	if e.retry != nil && e.retry.Logger == nil {
		e.retry.Logger = o.logger
	}
	e.graph = e.buildGraph(cfg)
	e.cross.OnResolved(e.applyResolved)

	e.logger.Info("engine created",
		slog.String("config", e.name),
		slog.Int("sensors", len(cfg.Sensors)),
		slog.Int("cross_sensor_refs", len(e.cross.References())),
	)
	return e, nil
}

// prepareConfig validates cfg and returns a copy with formula ids filled in.
func prepareConfig(cfg *types.Config) (*types.Config, error) {
	if cfg == nil {
		return nil, errors.New("configuration is nil")
	}
	out := cfg.Clone()
	seen := make(map[string]bool, len(out.Sensors))
	for i := range out.Sensors {
		s := &out.Sensors[i]
		if strings.TrimSpace(s.Key) == "" {
			return nil, fmt.Errorf("sensor %d has no key", i)
		}
		if seen[s.Key] {
			return nil, fmt.Errorf("duplicate sensor key %q", s.Key)
		}
		seen[s.Key] = true
		if len(s.Formulas) == 0 {
			return nil, fmt.Errorf("sensor %q has no formulas", s.Key)
		}
		if !s.Formulas[0].IsMain() {
			return nil, fmt.Errorf("sensor %q: first formula must be the main formula", s.Key)
		}
		for j := range s.Formulas {
			f := &s.Formulas[j]
			if j > 0 && f.IsMain() {
				return nil, fmt.Errorf("sensor %q: formula %d has no attribute name", s.Key, j)
			}
			if f.ID == "" {
				f.ID = types.FormulaID(s.Key, f.Attribute)
			}
		}
	}
	return out, nil
}

func configName(cfg *types.Config) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return string(cfg.ID)
}

func (e *Engine) buildGraph(cfg *types.Config) *graph.Graph {
	return graph.Build(cfg, e.cross.References(), e.analysis, e.registry.KeyForEntity)
}

// applyResolved swaps in the Phase 3 configuration.
func (e *Engine) applyResolved(resolved *types.Config) {
	g := e.buildGraph(resolved)
	e.mu.Lock()
	e.config = resolved
	e.graph = g
	e.mu.Unlock()
	e.results.Clear()
	e.logger.Info("resolved configuration applied", slog.String("config", e.name))
}

func (e *Engine) snapshot() (*types.Config, *graph.Graph) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config, e.graph
}

// Config returns the active configuration (the resolved one once Phase 3
// has run).
func (e *Engine) Config() *types.Config {
	cfg, _ := e.snapshot()
	return cfg
}

// Registry returns the sensor registry.
func (e *Engine) Registry() *resolve.Registry { return e.registry }

// Resolver returns the cross-sensor resolver.
func (e *Engine) Resolver() *resolve.CrossSensorResolver { return e.cross }

// Router returns the formula router.
func (e *Engine) Router() *formula.Router { return e.router }

// Analysis returns the analysis service.
func (e *Engine) Analysis() *formula.AnalysisService { return e.analysis }

// Evaluate evaluates one formula by id in a fresh resolution pass.
func (e *Engine) Evaluate(ctx context.Context, formulaID string, extra map[string]any) Result {
	cfg, _ := e.snapshot()
	s, f, ok := cfg.Formula(formulaID)
	if !ok {
		return failure(formulaID, fmt.Errorf("%w: %s", types.ErrFormulaNotFound, formulaID))
	}
	return e.evaluate(ctx, e.newPass(), cfg, s, f, extra)
}

// EvaluateSensor evaluates a sensor's main formula, then its attributes.
// Attributes see the fresh main value as the state token.
func (e *Engine) EvaluateSensor(ctx context.Context, key string, extra map[string]any) (SensorResult, error) {
	cfg, _ := e.snapshot()
	s, ok := cfg.Sensor(key)
	if !ok {
		return SensorResult{}, fmt.Errorf("%w: %s", types.ErrSensorNotFound, key)
	}
	return e.evaluateSensor(ctx, e.newPass(), cfg, s, extra), nil
}

func (e *Engine) evaluateSensor(ctx context.Context, pass *resolve.Pass, cfg *types.Config, s *types.Sensor, extra map[string]any) SensorResult {
	out := SensorResult{Key: s.Key, Main: e.evaluate(ctx, pass, cfg, s, s.Main(), extra)}
	if len(s.Formulas) == 1 {
		return out
	}

	attrExtra := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		attrExtra[k] = v
	}
	if out.Main.Success {
		attrExtra["state"] = out.Main.Value
	}
	out.Attributes = make(map[string]Result, len(s.Formulas)-1)
	for i := 1; i < len(s.Formulas); i++ {
		f := &s.Formulas[i]
		out.Attributes[f.Attribute] = e.evaluate(ctx, pass, cfg, s, f, attrExtra)
	}
	return out
}

func (e *Engine) newPass() *resolve.Pass {
	return resolve.NewPass(e.lookup, e.collections)
}

func (e *Engine) evaluate(ctx context.Context, pass *resolve.Pass, cfg *types.Config, s *types.Sensor, f *types.Formula, extra map[string]any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			err := types.NewEvaluationError(fmt.Errorf("panic: %v", r))
			e.breaker.Record(f.ID, err)
			res = failure(f.ID, err)
		}
	}()

	route := e.router.Route(f.Text)
	ev := &evaluation{e: e, ctx: ctx, pass: pass, sensor: s, formula: f, route: route}
	ev.req = resolve.Request{Config: cfg, Sensor: s, Formula: f, Text: route.Inner, Extra: extra}

	if err := e.breaker.Allow(f.ID); err != nil {
		return ev.fail(err)
	}
	res = ev.run()
	if res.Success {
		e.breaker.Record(f.ID, nil)
	} else {
		e.breaker.Record(f.ID, res.Err)
		e.logger.DebugContext(ctx, "formula evaluation failed",
			slog.String("formula_id", f.ID),
			slog.String("kind", res.Kind.String()),
			slog.String("error", res.Err.Error()),
		)
	}
	return res
}

// NotifyChanged re-evaluates every sensor affected by the changed ids in
// dependency order, within one resolution pass.
func (e *Engine) NotifyChanged(ctx context.Context, changed []string) Cycle {
	cfg, g := e.snapshot()
	plan := g.Affected(changed)
	for _, id := range plan.Invalidate {
		e.results.InvalidateEntity(id)
	}
	if plan.Degraded {
		e.logger.WarnContext(ctx, "dependency metadata unavailable, evaluating direct sensors only",
			slog.Int("sensors", len(plan.Order)),
		)
	}
	pass := e.newPass()
	pass.Prefetch(ctx, plan.Invalidate)
	return e.runCycle(ctx, pass, cfg, plan)
}

// EvaluateAll evaluates every sensor in dependency order.
func (e *Engine) EvaluateAll(ctx context.Context) Cycle {
	cfg, g := e.snapshot()
	return e.runCycle(ctx, e.newPass(), cfg, graph.Plan{Order: g.TopologicalOrder(), Degraded: g.Degraded()})
}

// RegisterSensorEntityID records the host-assigned external id of a sensor.
// The id always reaches the registry, and is persisted, even for a sensor
// the cross-sensor protocol does not wait on; such a call leaves the
// protocol phase alone but still lets the graph map the id to its sensor.
func (e *Engine) RegisterSensorEntityID(ctx context.Context, key, entityID string) error {
	if domain, _, ok := strings.Cut(entityID, "."); ok {
		e.analysis.AddDomains(domain)
	}
	if err := e.cross.RegisterSensorEntityID(key, entityID); err != nil {
		return err
	}
	if !e.cross.IsPhase3Complete() {
		// ids registered before Phase 3 still turn into graph edges
		cfg, _ := e.snapshot()
		g := e.buildGraph(cfg)
		e.mu.Lock()
		e.graph = g
		e.mu.Unlock()
	}
	return e.Persist(ctx)
}

// InvalidateEntity drops cached results that read entityID.
func (e *Engine) InvalidateEntity(entityID string) int {
	return e.results.InvalidateEntity(entityID)
}

// ClearFormula drops one formula text from the compilation and result
// caches. text is matched exactly, wrapper included.
func (e *Engine) ClearFormula(text string) {
	e.compiler.Remove(text)
	e.results.InvalidateText(text)
}

// ClearCaches drops every cached compilation, analysis and result.
func (e *Engine) ClearCaches() {
	e.compiler.Clear()
	e.results.Clear()
	e.analysis.Clear()
}

// ResetBreaker closes the circuit of a formula.
func (e *Engine) ResetBreaker(formulaID string) {
	e.breaker.Reset(formulaID)
}

// Restore loads persisted registry entries.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	entries, err := e.store.LoadRegistry(ctx, e.name)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	e.registry.Restore(entries)
	return nil
}

// Persist saves the registry.
func (e *Engine) Persist(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveRegistry(ctx, e.name, e.registry.Snapshot()); err != nil {
		return fmt.Errorf("failed to save registry: %w", err)
	}
	return nil
}

func failure(formulaID string, err error) Result {
	return Result{FormulaID: formulaID, Kind: types.KindOf(err), Err: err}
}
