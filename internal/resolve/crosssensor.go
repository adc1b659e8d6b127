// internal/resolve/crosssensor.go
package resolve

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/solatis/synthkeeper/internal/formula"
	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Cross-sensor reference resolver: registration and rewrite.
 *
 * State machine:
 *   per key of the reference map:  Pending -> Registered
 *   aggregate:  NoReferences                       (Phase 1 found nothing)
 *               AwaitingRegistrations -> Ready -> Resolved
 *
 * Tracked sensors are the keys of the reference map, i.e. the sensors that
 * reference another sensor. Sensors that are only referenced are not
 * waited on. Every RegisterSensorEntityID call records the id in the
 * registry, then re-checks the aggregate predicate. The moment every
 * tracked sensor is registered, Phase 3 rewrites a clone of the
 * configuration: a token equal to the enclosing sensor's key becomes
 * "state", any other key with a known id becomes that id, and keys without
 * an id stay as written (the pipeline still resolves them by key).
 * Resolvers without a stored configuration reach Ready but never Resolved.
 *
 * Registering an untracked key leaves the protocol state untouched; the id
 * still lands in the registry. Registering an already registered key with
 * a different id is last-write-wins; when Phase 3 already ran it is re-run.
 */

// SensorPhase is the per-sensor registration state.
type SensorPhase int

const (
	SensorPending SensorPhase = iota
	SensorRegistered
)

// Phase is the aggregate protocol state.
type Phase int

const (
	PhaseNoReferences Phase = iota
	PhaseAwaitingRegistrations
	PhaseReady
	PhaseResolved
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseNoReferences:
		return "no_references"
	case PhaseAwaitingRegistrations:
		return "awaiting_registrations"
	case PhaseReady:
		return "ready"
	case PhaseResolved:
		return "resolved"
	default:
		return "invalid"
	}
}

// CrossSensorResolver drives the registration and rewrite phases.
type CrossSensorResolver struct {
	mu        sync.Mutex
	config    *types.Config
	refs      ReferenceMap
	sensors   map[string]SensorPhase
	ids       map[string]string
	registry  *Registry
	resolved  *types.Config
	phase     Phase
	logger    *slog.Logger
	listeners []func(*types.Config)
}

// NewCrossSensorResolver runs Phase 1 over cfg and awaits registrations.
func NewCrossSensorResolver(cfg *types.Config, registry *Registry, logger *slog.Logger) *CrossSensorResolver {
	r := NewBareResolver(registry, logger)
	r.config = cfg
	r.SetReferences(BuildReferenceMap(cfg))
	return r
}

// NewBareResolver creates a resolver without a configuration. Phase 3
// never produces a resolved configuration for it.
func NewBareResolver(registry *Registry, logger *slog.Logger) *CrossSensorResolver {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CrossSensorResolver{
		refs:     make(ReferenceMap),
		sensors:  make(map[string]SensorPhase),
		ids:      make(map[string]string),
		registry: registry,
		logger:   logger,
	}
}

// SetReferences replaces the reference map and resets registration state.
func (r *CrossSensorResolver) SetReferences(refs ReferenceMap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = refs.Clone()
	r.sensors = make(map[string]SensorPhase, len(refs))
	for key := range r.refs {
		r.sensors[key] = SensorPending
	}
	r.ids = make(map[string]string)
	r.resolved = nil
	if len(r.refs) == 0 {
		r.phase = PhaseNoReferences
	} else {
		r.phase = PhaseAwaitingRegistrations
	}
}

// OnResolved registers a callback invoked after every Phase 3 run.
func (r *CrossSensorResolver) OnResolved(fn func(*types.Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// RegisterSensorEntityID records the host-assigned id for a sensor and runs
// Phase 3 when it completes registration.
//
// The id is always written to the registry, which backs self-reference and
// the id lookups of Phase 3. For a key that is not tracked this is the only
// effect: phases and pending keys are unchanged.
func (r *CrossSensorResolver) RegisterSensorEntityID(key, entityID string) error {
	if strings.TrimSpace(entityID) == "" {
		return &types.FormulaError{
			Kind:    types.KindCrossSensorResolution,
			Names:   []string{key},
			Message: "empty entity id",
		}
	}
	r.registry.SetEntityID(key, entityID)

	r.mu.Lock()
	state, tracked := r.sensors[key]
	if !tracked {
		r.mu.Unlock()
		return nil
	}
	if state == SensorRegistered && r.ids[key] != entityID {
		r.logger.Warn("sensor re-registered with a different entity id",
			slog.String("sensor", key),
			slog.String("previous", r.ids[key]),
			slog.String("entity_id", entityID),
		)
	}
	r.ids[key] = entityID
	r.sensors[key] = SensorRegistered

	if !r.allRegisteredLocked() {
		r.mu.Unlock()
		return nil
	}
	r.phase = PhaseReady
	if r.config == nil {
		r.mu.Unlock()
		return nil
	}

	resolved := RewriteConfig(r.config, r.refs, r.idForLocked)
	r.resolved = resolved
	r.phase = PhaseResolved
	listeners := append([]func(*types.Config){}, r.listeners...)
	r.mu.Unlock()

	r.logger.Info("cross-sensor references resolved",
		slog.Int("sensors", len(r.refs)),
	)
	for _, fn := range listeners {
		fn(resolved)
	}
	return nil
}

func (r *CrossSensorResolver) allRegisteredLocked() bool {
	for _, state := range r.sensors {
		if state != SensorRegistered {
			return false
		}
	}
	return true
}

func (r *CrossSensorResolver) idForLocked(key string) (string, bool) {
	if id, ok := r.ids[key]; ok {
		return id, true
	}
	return r.registry.EntityID(key)
}

// AreAllRegistrationsComplete reports whether every key of the reference
// map has registered. True immediately when Phase 1 found no references.
func (r *CrossSensorResolver) AreAllRegistrationsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allRegisteredLocked()
}

// IsPhase3Complete reports whether a resolved configuration exists.
func (r *CrossSensorResolver) IsPhase3Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase == PhaseResolved
}

// ResolvedConfig returns the rewritten configuration, if Phase 3 ran.
func (r *CrossSensorResolver) ResolvedConfig() (*types.Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved, r.resolved != nil
}

// Phase returns the aggregate protocol state.
func (r *CrossSensorResolver) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// SensorPhase returns the registration state of a tracked sensor.
func (r *CrossSensorResolver) SensorPhase(key string) (SensorPhase, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.sensors[key]
	return p, ok
}

// PendingKeys returns tracked sensors still awaiting registration.
func (r *CrossSensorResolver) PendingKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for key, state := range r.sensors {
		if state == SensorPending {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// References returns a copy of the Phase 1 map.
func (r *CrossSensorResolver) References() ReferenceMap {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs.Clone()
}

// RewriteConfig returns a clone of cfg with sensor-key tokens replaced:
// the enclosing sensor's own key by "state", other keys by their ids.
// Keys without an id are left untouched.
func RewriteConfig(cfg *types.Config, refs ReferenceMap, idFor func(string) (string, bool)) *types.Config {
	out := cfg.Clone()
	out.Variables = rewriteBindings(out.Variables, "", allKeys(refs), map[string]bool{}, idFor)

	for i := range out.Sensors {
		s := &out.Sensors[i]
		if id, ok := idFor(s.Key); ok {
			s.EntityID = id
		}
		candidates := refs[s.Key]
		if len(candidates) == 0 {
			continue
		}
		for j := range s.Formulas {
			f := &s.Formulas[j]
			declared := declaredNames(Bindings(cfg, s, f))
			f.Text = rewriteText(f.Text, s.Key, candidates, declared, idFor)
			f.Variables = rewriteBindings(f.Variables, s.Key, candidates, declared, idFor)
			f.AlternateStates = rewriteAlternates(f.AlternateStates, s.Key, candidates, declared, idFor)
		}
	}
	return out
}

func allKeys(refs ReferenceMap) formula.Set {
	out := make(formula.Set)
	for _, set := range refs {
		for k := range set {
			out.Add(k)
		}
	}
	return out
}

func rewriteText(text, self string, candidates formula.Set, declared map[string]bool, idFor func(string) (string, bool)) string {
	spans, err := formula.Identifiers(text)
	if err != nil {
		return text
	}
	var b strings.Builder
	last := 0
	for _, sp := range spans {
		if sp.Call || declared[sp.Name] || !candidates.Has(sp.Name) {
			continue
		}
		repl := "state"
		if sp.Name != self {
			id, ok := idFor(sp.Name)
			if !ok {
				continue
			}
			repl = id
		}
		b.WriteString(text[last:sp.Start])
		b.WriteString(repl)
		last = sp.End
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

func rewriteBindings(in map[string]types.VariableBinding, self string, candidates formula.Set, declared map[string]bool, idFor func(string) (string, bool)) map[string]types.VariableBinding {
	if in == nil {
		return nil
	}
	out := make(map[string]types.VariableBinding, len(in))
	for name, b := range in {
		switch b.Kind() {
		case types.BindingEntity:
			id := b.EntityID()
			if !candidates.Has(id) {
				break
			}
			if id == self {
				if name == "state" {
					// the state token already means self
					continue
				}
				b = types.Computed(types.ComputedVariable{Formula: "state"})
			} else if eid, ok := idFor(id); ok {
				b = types.EntityRef(eid)
			}
		case types.BindingComputed:
			cv := *b.Computed()
			inner := make(map[string]bool, len(declared)+len(cv.Variables))
			for k := range declared {
				inner[k] = true
			}
			for k := range cv.Variables {
				inner[k] = true
			}
			cv.Formula = rewriteText(cv.Formula, self, candidates, inner, idFor)
			cv.Variables = rewriteBindings(cv.Variables, self, candidates, inner, idFor)
			cv.AlternateStates = rewriteAlternates(cv.AlternateStates, self, candidates, inner, idFor)
			b = types.Computed(cv)
		}
		out[name] = b
	}
	return out
}

func rewriteAlternates(alt *types.AlternateStates, self string, candidates formula.Set, declared map[string]bool, idFor func(string) (string, bool)) *types.AlternateStates {
	if alt == nil {
		return nil
	}
	return &types.AlternateStates{
		Unavailable: rewriteText(alt.Unavailable, self, candidates, declared, idFor),
		Unknown:     rewriteText(alt.Unknown, self, candidates, declared, idFor),
		None:        rewriteText(alt.None, self, candidates, declared, idFor),
		Fallback:    rewriteText(alt.Fallback, self, candidates, declared, idFor),
	}
}
