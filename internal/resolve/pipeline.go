// internal/resolve/pipeline.go
package resolve

import (
	"context"
	"errors"
	"log/slog"

	"github.com/solatis/synthkeeper/internal/formula"
	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Variable resolution pipeline.
 *
 * Builds the concrete evaluation context for one formula. Only names the
 * formula's analysis actually uses are resolved, in this order per name:
 *   1. caller-supplied extra values
 *   2. declared bindings: literal, computed (recursively), entity reference
 *      (an entity id equal to a sensor key is a cross-sensor reference)
 *   3. undeclared names equal to a sensor key (cross-sensor, own key = self)
 * plus entity ids, the state token, metadata pairs and collection patterns.
 *
 * Scoping: main formulas see global variables under their own; attribute
 * formulas additionally inherit the main formula's variables, attribute
 * declarations winning. Computed variables see their own variables first,
 * then the enclosing scope.
 *
 * Cycles among computed variables are caught with an explicit resolution
 * stack; a fixed step cap bounds every build regardless of graph size.
 * External states that are unavailable or unknown surface as transitory
 * errors, never as zero; none states bind nil and are reported so an
 * alternate-state handler can take over.
 */

// Request describes one context build.
type Request struct {
	Config  *types.Config
	Sensor  *types.Sensor
	Formula *types.Formula
	Text    string         // text to analyze; defaults to Formula.Text
	Extra   map[string]any // caller-supplied values, override resolution
}

// Resolution is a built evaluation context.
type Resolution struct {
	Context    *formula.Context
	Entities   []string // external ids read, sorted
	NoneInputs []string // external ids whose state was none
}

// Pipeline resolves formula variables into evaluation contexts.
type Pipeline struct {
	analysis *formula.AnalysisService
	compiler *formula.CompilationCache
	registry *Registry
	maxSteps int
	logger   *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithMaxSteps overrides the per-build step cap.
func WithMaxSteps(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxSteps = n
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPipeline creates a pipeline. The compiler evaluates computed variables.
func NewPipeline(analysis *formula.AnalysisService, compiler *formula.CompilationCache, registry *Registry, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		analysis: analysis,
		compiler: compiler,
		registry: registry,
		maxSteps: types.DefaultMaxResolutionSteps,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Registry returns the sensor registry the pipeline reads.
func (p *Pipeline) Registry() *Registry { return p.registry }

// BuildContext resolves every input of req's formula text.
func (p *Pipeline) BuildContext(ctx context.Context, pass *Pass, req Request) (*Resolution, error) {
	r := p.newResolver(ctx, pass, req)
	out := formula.NewContext()
	out.Merge(req.Extra)
	if err := r.resolveScope(r.text(), Bindings(req.Config, req.Sensor, req.Formula), out); err != nil {
		return nil, err
	}
	return &Resolution{Context: out, Entities: r.entities.Sorted(), NoneInputs: r.none}, nil
}

// EvaluateText resolves and evaluates text in the scope of req's formula.
// Used for alternate-state handlers.
func (p *Pipeline) EvaluateText(ctx context.Context, pass *Pass, req Request, text string) (any, error) {
	r := p.newResolver(ctx, pass, req)
	return r.evaluateIn(text, Bindings(req.Config, req.Sensor, req.Formula))
}

// Bindings returns the variable scope of a formula: globals for main
// formulas, main formula variables for attributes, own declarations last.
func Bindings(cfg *types.Config, s *types.Sensor, f *types.Formula) map[string]types.VariableBinding {
	out := make(map[string]types.VariableBinding)
	if cfg != nil {
		for k, v := range cfg.Variables {
			out[k] = v
		}
	}
	if f == nil {
		return out
	}
	if !f.IsMain() && s != nil {
		if main := s.Main(); main != nil {
			for k, v := range main.Variables {
				out[k] = v
			}
		}
	}
	for k, v := range f.Variables {
		out[k] = v
	}
	return out
}

type resolver struct {
	p        *Pipeline
	ctx      context.Context
	pass     *Pass
	req      Request
	keys     map[string]bool
	entities formula.Set
	none     []string
	stack    []string
	steps    int
}

func (p *Pipeline) newResolver(ctx context.Context, pass *Pass, req Request) *resolver {
	keys := make(map[string]bool)
	if req.Config != nil {
		for _, s := range req.Config.Sensors {
			keys[s.Key] = true
		}
	}
	return &resolver{
		p:        p,
		ctx:      ctx,
		pass:     pass,
		req:      req,
		keys:     keys,
		entities: make(formula.Set),
	}
}

func (r *resolver) text() string {
	if r.req.Text != "" {
		return r.req.Text
	}
	if r.req.Formula != nil {
		return r.req.Formula.Text
	}
	return ""
}

func (r *resolver) step() error {
	r.steps++
	if r.steps > r.p.maxSteps {
		return &types.FormulaError{
			Kind:    types.KindCircularDependency,
			Names:   append([]string(nil), r.stack...),
			Message: "resolution did not converge",
			Err:     types.ErrResolutionLimit,
		}
	}
	return nil
}

// resolveScope fills out with everything text reads, resolving names
// through scope.
func (r *resolver) resolveScope(text string, scope map[string]types.VariableBinding, out *formula.Context) error {
	a := r.p.analysis.Analyze(text)

	for _, name := range a.Variables.Sorted() {
		if _, ok := out.Get(name); ok {
			continue
		}
		v, attrs, err := r.resolveName(name, scope)
		if err != nil {
			return err
		}
		out.Set(name, v)
		out.SetAttributes(name, attrs)
	}

	for _, id := range a.EntityRefs.Sorted() {
		if _, ok := out.Get(id); ok {
			continue
		}
		if err := r.step(); err != nil {
			return err
		}
		v, attrs, err := r.resolveEntity(id, id)
		if err != nil {
			return err
		}
		out.Set(id, v)
		out.SetAttributes(id, attrs)
	}

	if a.HasStateToken {
		if _, ok := out.Get("state"); !ok {
			var (
				v     any
				attrs map[string]any
				err   error
			)
			if _, declared := scope["state"]; declared {
				v, attrs, err = r.resolveName("state", scope)
			} else {
				v, attrs, err = r.resolveSelf()
			}
			if err != nil {
				return err
			}
			out.Set("state", v)
			out.SetAttributes("state", attrs)
		}
	}

	for _, mr := range a.MetadataRefs {
		if err := r.resolveMetadata(mr, scope, out); err != nil {
			return err
		}
	}

	for _, pattern := range a.CollectionPatterns.Sorted() {
		if err := r.resolveCollection(pattern, out); err != nil {
			return err
		}
	}
	return nil
}

// resolveName resolves a bare name through scope, falling back to sensor keys.
func (r *resolver) resolveName(name string, scope map[string]types.VariableBinding) (any, map[string]any, error) {
	if err := r.step(); err != nil {
		return nil, nil, err
	}
	b, ok := scope[name]
	if !ok {
		if r.keys[name] {
			return r.resolveSensorKey(name, name)
		}
		return nil, nil, types.NewMissingDependency(name)
	}

	switch b.Kind() {
	case types.BindingLiteral:
		return b.LiteralValue(), nil, nil
	case types.BindingComputed:
		v, err := r.resolveComputed(name, b.Computed(), scope)
		return v, nil, err
	case types.BindingEntity:
		id := b.EntityID()
		if r.keys[id] {
			return r.resolveSensorKey(name, id)
		}
		return r.resolveEntity(name, id)
	default:
		return nil, nil, types.NewMissingDependency(name)
	}
}

// resolveEntity reads an external id. A registered synthetic sensor's id
// reads its last evaluated value so the cycle sees fresh upstream results.
func (r *resolver) resolveEntity(name, id string) (any, map[string]any, error) {
	r.entities.Add(id)
	if key, ok := r.p.registry.KeyForEntity(id); ok {
		if v, ok := r.p.registry.Value(key); ok {
			return v, nil, nil
		}
	}

	st, err := r.pass.State(r.ctx, id)
	if err != nil {
		return nil, nil, &types.FormulaError{
			Kind:     types.KindTransitory,
			Names:    []string{name},
			EntityID: id,
			State:    types.StateUnavailable,
			Message:  "state lookup failed",
			Err:      err,
		}
	}
	return r.stateValue(name, id, st)
}

// stateValue converts a host state into an evaluator value or typed outcome.
func (r *resolver) stateValue(name, id string, st types.State) (any, map[string]any, error) {
	if !st.Exists {
		return nil, nil, &types.FormulaError{
			Kind:     types.KindMissingDependency,
			Names:    []string{name},
			EntityID: id,
			Message:  id + " does not exist",
		}
	}
	switch kind := st.Kind(); kind {
	case types.StateUnavailable, types.StateUnknown:
		fe := types.NewTransitory(id, kind)
		fe.Names = []string{name}
		return nil, nil, fe
	case types.StateNone:
		r.none = append(r.none, id)
		return nil, st.Attributes, nil
	}
	return formula.NormalizeValue(st.Value), st.Attributes, nil
}

// resolveSensorKey resolves a reference to another synthetic sensor by key.
// Callers only pass keys present in the config.
func (r *resolver) resolveSensorKey(name, key string) (any, map[string]any, error) {
	if r.req.Sensor != nil && key == r.req.Sensor.Key {
		return r.resolveSelf()
	}
	if v, ok := r.p.registry.Value(key); ok {
		return v, nil, nil
	}
	if id, ok := r.p.registry.EntityID(key); ok {
		return r.resolveEntity(name, id)
	}
	r.p.logger.DebugContext(r.ctx, "cross-sensor reference has no value",
		slog.String("sensor", key),
		slog.String("variable", name),
	)
	// the sibling is configured but has not produced a value; it may once
	// its own inputs arrive
	return nil, nil, &types.FormulaError{
		Kind:    types.KindTransitory,
		Names:   []string{key},
		State:   types.StateUnavailable,
		Message: "sensor " + key + " has no value yet",
	}
}

// resolveComputed evaluates a computed variable in its own scope.
func (r *resolver) resolveComputed(name string, cv *types.ComputedVariable, scope map[string]types.VariableBinding) (any, error) {
	for i, n := range r.stack {
		if n == name {
			cycle := append([]string(nil), r.stack[i:]...)
			return nil, types.NewCircularDependency(cycle)
		}
	}
	r.stack = append(r.stack, name)
	defer func() { r.stack = r.stack[:len(r.stack)-1] }()

	merged := make(map[string]types.VariableBinding, len(scope)+len(cv.Variables))
	for k, v := range scope {
		merged[k] = v
	}
	for k, v := range cv.Variables {
		merged[k] = v
	}

	noneBefore := len(r.none)
	v, err := r.evaluateIn(cv.Formula, merged)
	if len(r.none) > noneBefore {
		if text, ok := cv.AlternateStates.For(types.StateNone); ok {
			return r.evaluateIn(text, merged)
		}
	}
	if err == nil {
		return v, nil
	}

	var fe *types.FormulaError
	if errors.As(err, &fe) && fe.Kind == types.KindTransitory {
		if text, ok := cv.AlternateStates.For(fe.State); ok {
			return r.evaluateIn(text, merged)
		}
	}
	return nil, wrapComputed(name, err)
}

// evaluateIn resolves text in scope and evaluates it.
func (r *resolver) evaluateIn(text string, scope map[string]types.VariableBinding) (any, error) {
	sub := formula.NewContext()
	sub.Merge(r.req.Extra)
	if err := r.resolveScope(text, scope, sub); err != nil {
		return nil, err
	}
	compiled, err := r.p.compiler.GetCompiled(text)
	if err != nil {
		return nil, err
	}
	return compiled.Evaluate(sub)
}

// wrapComputed reports a computed-variable failure against the outer name.
// Cycles, transitory and self-reference failures keep their own kind.
func wrapComputed(name string, err error) error {
	var fe *types.FormulaError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case types.KindCircularDependency, types.KindTransitory, types.KindSelfReferenceUnavailable:
			return err
		}
		chain := []string{name}
		if fe.Kind == types.KindMissingDependency {
			if len(fe.Chain) > 0 {
				chain = append(chain, fe.Chain...)
			} else if len(fe.Names) > 0 {
				chain = append(chain, fe.Names...)
			}
		}
		return &types.FormulaError{
			Kind:    types.KindMissingDependency,
			Names:   []string{name},
			Chain:   chain,
			Message: "computed variable could not be resolved",
			Err:     err,
		}
	}
	return &types.FormulaError{
		Kind:    types.KindMissingDependency,
		Names:   []string{name},
		Chain:   []string{name},
		Message: "computed variable could not be resolved",
		Err:     err,
	}
}
