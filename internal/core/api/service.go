// Package api provides the gRPC formula service and the host-side state
// table it evaluates against.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sosodev/duration"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/synthkeeper/internal/engine"
	"github.com/solatis/synthkeeper/internal/types"
)

// FormulaService implements FormulaServer over one loaded configuration.
// Thin orchestration layer delegating to the engine and the state table.
// Each Load builds a fresh engine; the previous one is discarded.
type FormulaService struct {
	mu     sync.RWMutex
	engine *engine.Engine
	states *StateTable
	store  engine.Store
	opts   []engine.Option
	logger *slog.Logger
}

// NewFormulaService creates a service evaluating against states. store may
// be nil to keep the registry in memory only.
func NewFormulaService(states *StateTable, store engine.Store, logger *slog.Logger, opts ...engine.Option) (*FormulaService, error) {
	if states == nil {
		return nil, fmt.Errorf("states cannot be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FormulaService{
		states: states,
		store:  store,
		opts:   opts,
		logger: logger,
	}, nil
}

// Load replaces the active configuration. On error the previous engine
// stays active.
func (s *FormulaService) Load(ctx context.Context, cfg *types.Config) error {
	opts := append([]engine.Option{}, s.opts...)
	opts = append(opts, engine.WithCollections(s.states), engine.WithLogger(s.logger))
	if s.store != nil {
		opts = append(opts, engine.WithStore(s.store))
	}

	eng, err := engine.New(cfg, s.states, opts...)
	if err != nil {
		return err
	}
	if err := eng.Restore(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.engine = eng
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "sensor configuration loaded",
		slog.String("name", cfg.Name),
		slog.String("config_id", string(cfg.ID)),
		slog.Int("sensors", len(cfg.Sensors)),
	)
	return nil
}

// Engine returns the active engine, or nil before the first Load.
func (s *FormulaService) Engine() *engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// States returns the host state table.
func (s *FormulaService) States() *StateTable { return s.states }

func (s *FormulaService) active() (*engine.Engine, error) {
	if eng := s.Engine(); eng != nil {
		return eng, nil
	}
	return nil, toStatus(errNotLoaded)
}

// Evaluate evaluates one formula. Request: formula_id, optional variables.
func (s *FormulaService) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	eng, err := s.active()
	if err != nil {
		return nil, err
	}
	id := req.GetFields()["formula_id"].GetStringValue()
	if id == "" {
		return nil, invalidArgument("formula_id required")
	}

	res := eng.Evaluate(ctx, id, variables(req))
	if errors.Is(res.Err, types.ErrFormulaNotFound) {
		return nil, toStatus(res.Err)
	}
	return newStruct(resultMap(res))
}

// EvaluateSensor evaluates a sensor and its attributes. Request:
// sensor_key, optional variables.
func (s *FormulaService) EvaluateSensor(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	eng, err := s.active()
	if err != nil {
		return nil, err
	}
	key := req.GetFields()["sensor_key"].GetStringValue()
	if key == "" {
		return nil, invalidArgument("sensor_key required")
	}

	res, err := eng.EvaluateSensor(ctx, key, variables(req))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(sensorMap(res))
}

// NotifyChanges applies host state changes and re-evaluates the affected
// sensors. Request: changes {id: value | {state, attributes}}, optional
// removed [ids].
func (s *FormulaService) NotifyChanges(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	eng, err := s.active()
	if err != nil {
		return nil, err
	}

	fields := req.GetFields()
	var changed []string
	for id, raw := range fields["changes"].GetStructValue().AsMap() {
		value, attrs := stateParts(raw)
		s.states.Set(id, value, attrs)
		changed = append(changed, id)
	}
	for _, v := range fields["removed"].GetListValue().GetValues() {
		id := v.GetStringValue()
		if id == "" {
			continue
		}
		s.states.Remove(id)
		changed = append(changed, id)
	}
	if len(changed) == 0 {
		return nil, invalidArgument("changes or removed required")
	}
	sort.Strings(changed)

	cycle := eng.NotifyChanged(ctx, changed)
	if err := ctx.Err(); err != nil {
		return nil, toStatus(err)
	}
	return newStruct(cycleMap(cycle))
}

// RegisterEntity records the host-assigned id of a sensor. Request:
// sensor_key, entity_id.
func (s *FormulaService) RegisterEntity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	eng, err := s.active()
	if err != nil {
		return nil, err
	}
	fields := req.GetFields()
	key := fields["sensor_key"].GetStringValue()
	if key == "" {
		return nil, invalidArgument("sensor_key required")
	}

	if err := eng.RegisterSensorEntityID(ctx, key, fields["entity_id"].GetStringValue()); err != nil {
		return nil, toStatus(err)
	}
	resolver := eng.Resolver()
	return newStruct(map[string]any{
		"phase":    resolver.Phase().String(),
		"pending":  anySlice(resolver.PendingKeys()),
		"resolved": resolver.IsPhase3Complete(),
	})
}

// Stats reports engine statistics.
func (s *FormulaService) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	eng, err := s.active()
	if err != nil {
		return nil, err
	}
	st := eng.Stats()
	cfg := eng.Config()

	breakers := make(map[string]any, len(st.Breaker))
	for id, b := range st.Breaker {
		breakers[id] = map[string]any{
			"fatal":      b.Fatal,
			"transitory": b.Transitory,
			"open":       b.Open,
			"degraded":   b.Degraded,
		}
	}
	created := ""
	if t := types.ConfigIDTime(cfg.ID); !t.IsZero() {
		created = t.Format(time.RFC3339)
	}
	return newStruct(map[string]any{
		"config_name":       cfg.Name,
		"config_id":         string(cfg.ID),
		"config_created_at": created,
		"sensors":     len(cfg.Sensors),
		"states":      s.states.Len(),
		"compiled": map[string]any{
			"entries":  st.Compiled.Entries,
			"hits":     st.Compiled.Hits,
			"misses":   st.Compiled.Misses,
			"hit_rate": st.Compiled.HitRate,
		},
		"results": map[string]any{
			"entries":  st.Results.Entries,
			"hits":     st.Results.Hits,
			"misses":   st.Results.Misses,
			"hit_rate": st.Results.HitRate,
		},
		"analyses":      st.Analyses,
		"phase":         st.Phase,
		"pending":       anySlice(st.Pending),
		"open_circuits": anySlice(st.OpenCircuits),
		"breakers":      breakers,
	})
}

func variables(req *structpb.Struct) map[string]any {
	v, ok := req.GetFields()["variables"]
	if !ok {
		return nil
	}
	return v.GetStructValue().AsMap()
}

func resultMap(r engine.Result) map[string]any {
	m := map[string]any{
		"formula_id": r.FormulaID,
		"success":    r.Success,
		"value":      protoValue(r.Value),
		"state":      r.State.String(),
		"cached":     r.Cached,
	}
	if r.Success {
		m["family"] = r.Family.String()
	} else {
		m["error_kind"] = r.Kind.String()
		if r.Err != nil {
			m["error"] = r.Err.Error()
		}
	}
	return m
}

func sensorMap(r engine.SensorResult) map[string]any {
	attrs := make(map[string]any, len(r.Attributes))
	for name, res := range r.Attributes {
		attrs[name] = resultMap(res)
	}
	return map[string]any{
		"sensor_key": r.Key,
		"main":       resultMap(r.Main),
		"attributes": attrs,
	}
}

func cycleMap(c engine.Cycle) map[string]any {
	sensors := make([]any, 0, len(c.Sensors))
	for _, s := range c.Sensors {
		sensors = append(sensors, sensorMap(s))
	}
	return map[string]any{
		"cycle_id": c.ID,
		"order":    anySlice(c.Plan.Order),
		"degraded": c.Plan.Degraded,
		"failed":   len(c.Failed()),
		"sensors":  sensors,
	}
}

// protoValue converts evaluation values to structpb-compatible values.
func protoValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.Format(time.RFC3339)
	case time.Duration:
		return duration.Format(x)
	case []string:
		return anySlice(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = protoValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = protoValue(item)
		}
		return out
	case nil, bool, string, float64, float32, int, int32, int64, uint, uint32, uint64:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, toStatus(fmt.Errorf("failed to encode response: %w", err))
	}
	return out, nil
}
