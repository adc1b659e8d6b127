package api

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/solatis/synthkeeper/internal/types"
)

func TestStateTable(t *testing.T) {
	ctx := context.Background()
	table := NewStateTable()
	table.Set("sensor.a", 10.0, map[string]any{"device_class": "power", "area": "Garage"})

	st, err := table.GetState(ctx, "sensor.a")
	if err != nil {
		t.Fatalf("GetState() error = %v, want nil", err)
	}
	if !st.Exists || st.Value != 10.0 || st.LastChanged.IsZero() {
		t.Errorf("GetState() = %+v", st)
	}

	// nil attributes keep the previous ones
	table.Set("sensor.a", 11.0, nil)
	st, _ = table.GetState(ctx, "sensor.a")
	if st.Value != 11.0 || st.Attributes["area"] != "Garage" {
		t.Errorf("GetState() after update = %+v", st)
	}

	st, _ = table.GetState(ctx, "sensor.missing")
	if st.Exists {
		t.Error("missing id reports Exists=true")
	}

	table.Remove("sensor.a")
	if table.Len() != 0 {
		t.Errorf("Len() after Remove = %d, want 0", table.Len())
	}
}

func TestStateTableCollect(t *testing.T) {
	ctx := context.Background()
	table := NewStateTable()
	table.Set("sensor.solar", 100.0, map[string]any{"device_class": "power", "labels": []any{"Solar", "roof"}})
	table.Set("sensor.grid", 200.0, map[string]any{"device_class": "Power", "area": "garage"})
	table.Set("sensor.temp", 21.0, map[string]any{"device_class": "temperature", "area": "garage"})
	table.Set("switch.pump", "on", nil)

	tests := []struct {
		pattern string
		want    []string
	}{
		{"device_class:power", []string{"sensor.grid", "sensor.solar"}},
		{"area:garage", []string{"sensor.grid", "sensor.temp"}},
		{"labels:solar", []string{"sensor.solar"}},
		{"regex:^switch\\.", []string{"switch.pump"}},
		{"device_class:temperature|labels:roof", []string{"sensor.solar", "sensor.temp"}},
		{"area:attic", nil},
		{"label:roof", []string{"sensor.solar"}},
		{"attribute:area=garage", []string{"sensor.grid", "sensor.temp"}},
		{"state:>150", []string{"sensor.grid"}},
		{"state:<=100", []string{"sensor.solar", "sensor.temp"}},
		{"state:on", []string{"switch.pump"}},
		{"state:!=on", []string{"sensor.grid", "sensor.solar", "sensor.temp"}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := table.Collect(ctx, tt.pattern)
			if err != nil {
				t.Fatalf("Collect() error = %v, want nil", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Collect() = %v, want %v", got, tt.want)
			}
		})
	}

	for _, bad := range []string{"power", "device_class:", "regex:(", ":x", "attribute:area"} {
		if _, err := table.Collect(ctx, bad); err == nil {
			t.Errorf("Collect(%q) error = nil, want error", bad)
		}
	}
}

func TestLoadStates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "states.yaml")
	doc := `
sensor.leg1: 1000
sensor.status: unavailable
sensor.meter:
  state: 42.5
  attributes:
    device_class: energy
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	table, err := LoadStates(path)
	if err != nil {
		t.Fatalf("LoadStates() error = %v, want nil", err)
	}
	if table.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", table.Len())
	}
	ctx := context.Background()
	st, _ := table.GetState(ctx, "sensor.leg1")
	if st.Value != 1000 {
		t.Errorf("leg1 = %v (%T), want 1000", st.Value, st.Value)
	}
	st, _ = table.GetState(ctx, "sensor.status")
	if st.Kind() != types.StateUnavailable {
		t.Errorf("status kind = %v, want unavailable", st.Kind())
	}
	st, _ = table.GetState(ctx, "sensor.meter")
	if st.Value != 42.5 || st.Attributes["device_class"] != "energy" {
		t.Errorf("meter = %+v", st)
	}

	if _, err := LoadStates(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadStates() on missing file error = nil, want error")
	}
}
