package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/synthkeeper/internal/resolve"
	"github.com/solatis/synthkeeper/internal/types"
)

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

func energyConfig() *types.Config {
	return &types.Config{
		Name: "energy",
		Sensors: []types.Sensor{
			{
				Key: "total",
				Formulas: []types.Formula{
					{Text: "leg1 + leg2", Variables: map[string]types.VariableBinding{
						"leg1": types.EntityRef("sensor.leg1"),
						"leg2": types.EntityRef("sensor.leg2"),
					}},
					{Attribute: "kw", Text: "state / 1000"},
				},
			},
			{Key: "doubled", Formulas: []types.Formula{{Text: "total * 2"}}},
			{Key: "power_sum", Formulas: []types.Formula{{Text: `sum("device_class:power")`}}},
		},
	}
}

func newTestService(t *testing.T) (*FormulaService, *memStore) {
	t.Helper()
	states := NewStateTable()
	states.Set("sensor.leg1", 1000.0, map[string]any{"device_class": "power"})
	states.Set("sensor.leg2", 500.0, map[string]any{"device_class": "power"})
	store := &memStore{entries: make(map[string][]resolve.RegistryEntry)}
	svc, err := NewFormulaService(states, store, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Load(context.Background(), energyConfig()))
	return svc, store
}

func request(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, status.Code(err), "error = %v", err)
}

func TestFormulaService_NotLoaded(t *testing.T) {
	svc, err := NewFormulaService(NewStateTable(), nil, nil)
	require.NoError(t, err)

	_, err = svc.Evaluate(context.Background(), request(t, map[string]any{"formula_id": "total"}))
	requireCode(t, err, codes.FailedPrecondition)

	_, err = NewFormulaService(nil, nil, nil)
	require.Error(t, err)
}

func TestFormulaService_Evaluate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Evaluate(ctx, request(t, map[string]any{"formula_id": "total"}))
	require.NoError(t, err)
	fields := resp.AsMap()
	require.Equal(t, true, fields["success"])
	require.Equal(t, 1500.0, fields["value"])
	require.Equal(t, "numeric", fields["family"])

	resp, err = svc.Evaluate(ctx, request(t, map[string]any{
		"formula_id": "doubled",
		"variables":  map[string]any{"total": 10.0},
	}))
	require.NoError(t, err)
	require.Equal(t, 20.0, resp.AsMap()["value"])

	_, err = svc.Evaluate(ctx, request(t, map[string]any{"formula_id": "nope"}))
	requireCode(t, err, codes.NotFound)

	_, err = svc.Evaluate(ctx, request(t, map[string]any{}))
	requireCode(t, err, codes.InvalidArgument)
}

func TestFormulaService_EvaluateFailureInResponse(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.States().Set("sensor.leg1", "unavailable", nil)

	resp, err := svc.Evaluate(ctx, request(t, map[string]any{"formula_id": "total"}))
	require.NoError(t, err)
	fields := resp.AsMap()
	require.Equal(t, false, fields["success"])
	require.Equal(t, types.KindTransitory.String(), fields["error_kind"])
	require.NotEmpty(t, fields["error"])
}

func TestFormulaService_EvaluateSensor(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.EvaluateSensor(ctx, request(t, map[string]any{"sensor_key": "total"}))
	require.NoError(t, err)
	fields := resp.AsMap()
	require.Equal(t, 1500.0, fields["main"].(map[string]any)["value"])
	kw := fields["attributes"].(map[string]any)["kw"].(map[string]any)
	require.Equal(t, 1.5, kw["value"])

	_, err = svc.EvaluateSensor(ctx, request(t, map[string]any{"sensor_key": "nope"}))
	requireCode(t, err, codes.NotFound)
}

func TestFormulaService_NotifyChanges(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	resp, err := svc.NotifyChanges(ctx, request(t, map[string]any{
		"changes": map[string]any{
			"sensor.leg1": map[string]any{"state": 1200.0, "attributes": map[string]any{"device_class": "power"}},
		},
	}))
	require.NoError(t, err)
	fields := resp.AsMap()
	require.Equal(t, []any{"total", "doubled"}, fields["order"])
	require.Equal(t, 0.0, fields["failed"])

	byKey := map[string]map[string]any{}
	for _, raw := range fields["sensors"].([]any) {
		s := raw.(map[string]any)
		byKey[s["sensor_key"].(string)] = s["main"].(map[string]any)
	}
	require.Equal(t, 1700.0, byKey["total"]["value"])
	require.Equal(t, 3400.0, byKey["doubled"]["value"])

	// last values are persisted after the cycle
	require.NotEmpty(t, store.entries["energy"])

	_, err = svc.NotifyChanges(ctx, request(t, map[string]any{}))
	requireCode(t, err, codes.InvalidArgument)

	resp, err = svc.NotifyChanges(ctx, request(t, map[string]any{"removed": []any{"sensor.leg2"}}))
	require.NoError(t, err)
	require.GreaterOrEqual(t, resp.AsMap()["failed"], 1.0)
}

func TestFormulaService_Collections(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Evaluate(context.Background(), request(t, map[string]any{"formula_id": "power_sum"}))
	require.NoError(t, err)
	require.Equal(t, 1500.0, resp.AsMap()["value"])
}

func TestFormulaService_RegisterEntity(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	// only doubled references another sensor; total is recorded but not awaited
	resp, err := svc.RegisterEntity(ctx, request(t, map[string]any{
		"sensor_key": "total",
		"entity_id":  "sensor.energy_total",
	}))
	require.NoError(t, err)
	fields := resp.AsMap()
	require.Equal(t, false, fields["resolved"])
	require.Equal(t, []any{"doubled"}, fields["pending"])

	resp, err = svc.RegisterEntity(ctx, request(t, map[string]any{
		"sensor_key": "doubled",
		"entity_id":  "sensor.energy_doubled",
	}))
	require.NoError(t, err)
	fields = resp.AsMap()
	require.Equal(t, true, fields["resolved"])
	require.Equal(t, "resolved", fields["phase"])
	require.Equal(t, "sensor.energy_total * 2", svc.Engine().Config().Sensors[1].Formulas[0].Text)

	var registered bool
	for _, e := range store.entries["energy"] {
		if e.Key == "total" && e.EntityID == "sensor.energy_total" {
			registered = true
		}
	}
	require.True(t, registered, "registration not persisted: %+v", store.entries["energy"])

	_, err = svc.RegisterEntity(ctx, request(t, map[string]any{"sensor_key": "total", "entity_id": " "}))
	requireCode(t, err, codes.InvalidArgument)
	_, err = svc.RegisterEntity(ctx, request(t, map[string]any{}))
	requireCode(t, err, codes.InvalidArgument)
}

func TestFormulaService_Stats(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Evaluate(ctx, request(t, map[string]any{"formula_id": "total"}))
	require.NoError(t, err)

	resp, err := svc.Stats(ctx, request(t, nil))
	require.NoError(t, err)
	fields := resp.AsMap()
	require.Equal(t, "energy", fields["config_name"])
	require.Equal(t, 3.0, fields["sensors"])
	require.Equal(t, 2.0, fields["states"])
	require.GreaterOrEqual(t, fields["compiled"].(map[string]any)["entries"], 1.0)
}

func TestFormulaService_LoadKeepsPreviousOnError(t *testing.T) {
	svc, _ := newTestService(t)
	before := svc.Engine()

	err := svc.Load(context.Background(), &types.Config{Name: "broken", Sensors: []types.Sensor{{Key: "empty"}}})
	require.Error(t, err)
	require.Same(t, before, svc.Engine())
}
