// Package types provides domain models shared across synthkeeper components.
//
// Zero-dependency design: types.go, bindings.go and errors.go use only the
// standard library so the formula, resolve and engine packages can share them
// without pulling each other in. ID utilities in ids.go import uuid but are
// isolated from the rest.
package types

import (
	"context"
	"strings"
	"time"
)

// ConfigID represents a UUIDv7 configuration set identifier.
// String alias enables type safety while maintaining plain string storage.
type ConfigID string

// Metadata carries sensor and formula metadata (unit, device class, ...).
// Layers merge global -> sensor -> formula, later wins.
type Metadata map[string]any

// MergeMetadata merges metadata layers in order; keys in later layers win.
// Nil layers are skipped. Always returns a fresh map.
func MergeMetadata(layers ...Metadata) Metadata {
	merged := make(Metadata)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

// StateKind classifies the outcome of reading an external data source.
type StateKind int

const (
	StateOK StateKind = iota
	StateUnavailable
	StateUnknown
	StateNone
)

// String returns the host-facing name of the state kind.
func (k StateKind) String() string {
	switch k {
	case StateOK:
		return "ok"
	case StateUnavailable:
		return "unavailable"
	case StateUnknown:
		return "unknown"
	case StateNone:
		return "none"
	default:
		return "invalid"
	}
}

// State is the value of an external data source as reported by the host.
// Exists=false (no such source) is distinct from Value=nil (source reports none).
type State struct {
	Value       any
	Exists      bool
	Attributes  map[string]any
	LastChanged time.Time
}

// Kind classifies the state value. The host reports unavailable/unknown as
// literal strings; nil and "none" map to StateNone.
func (s State) Kind() StateKind {
	if s.Value == nil {
		return StateNone
	}
	str, ok := s.Value.(string)
	if !ok {
		return StateOK
	}
	switch strings.ToLower(strings.TrimSpace(str)) {
	case "unavailable":
		return StateUnavailable
	case "unknown":
		return StateUnknown
	case "none", "null":
		return StateNone
	default:
		return StateOK
	}
}

// StateLookup is the host's state-lookup capability.
// Implementations may block on host I/O; all other engine work is pure.
type StateLookup interface {
	GetState(ctx context.Context, id string) (State, error)
}

// StateLookupFunc adapts a function to StateLookup.
type StateLookupFunc func(ctx context.Context, id string) (State, error)

// GetState implements StateLookup.
func (f StateLookupFunc) GetState(ctx context.Context, id string) (State, error) {
	return f(ctx, id)
}

// CollectionLookup resolves a collection pattern such as "device_class:power"
// to the external ids it matches. Optional host capability.
type CollectionLookup interface {
	Collect(ctx context.Context, pattern string) ([]string, error)
}

// Config is a parsed configuration set handed to the engine.
type Config struct {
	ID        ConfigID
	Name      string
	Metadata  Metadata                   // global metadata layer
	Variables map[string]VariableBinding // global variables, inherited by main formulas
	Sensors   []Sensor
}

// Sensor is a configured synthetic entity producing one main value plus
// optional named attributes. Formulas[0] is the main formula.
type Sensor struct {
	Key           string // unique configuration-time key
	Name          string
	EntityID      string // external identifier; empty until the host assigns one
	BackingEntity string // designated external backing source for self-reference
	Formulas      []Formula
	Metadata      Metadata
}

// Formula is a single named expression belonging to a sensor.
type Formula struct {
	ID              string // {sensor_key} for main, {sensor_key}_{attribute} otherwise
	Attribute       string // empty for the main formula
	Text            string
	Variables       map[string]VariableBinding
	AlternateStates *AlternateStates
	Metadata        Metadata
}

// IsMain reports whether the formula is its sensor's main formula.
func (f *Formula) IsMain() bool {
	return f.Attribute == ""
}

// AlternateStates holds per-state override expressions. Empty fields are unset.
// Fallback applies to any non-ok state without a specific handler.
type AlternateStates struct {
	Unavailable string
	Unknown     string
	None        string
	Fallback    string
}

// For returns the handler expression for the given state kind.
func (a *AlternateStates) For(kind StateKind) (string, bool) {
	if a == nil {
		return "", false
	}
	var text string
	switch kind {
	case StateUnavailable:
		text = a.Unavailable
	case StateUnknown:
		text = a.Unknown
	case StateNone:
		text = a.None
	}
	if text == "" {
		text = a.Fallback
	}
	return text, text != ""
}

// FormulaID derives a formula identifier from its sensor key and attribute name.
func FormulaID(sensorKey, attribute string) string {
	if attribute == "" {
		return sensorKey
	}
	return sensorKey + "_" + attribute
}

// Main returns the sensor's main formula, or nil for a sensor without formulas.
func (s *Sensor) Main() *Formula {
	if len(s.Formulas) == 0 {
		return nil
	}
	return &s.Formulas[0]
}

// Sensor returns the sensor with the given key.
func (c *Config) Sensor(key string) (*Sensor, bool) {
	for i := range c.Sensors {
		if c.Sensors[i].Key == key {
			return &c.Sensors[i], true
		}
	}
	return nil, false
}

// Formula returns the formula with the given id together with its sensor.
func (c *Config) Formula(id string) (*Sensor, *Formula, bool) {
	for i := range c.Sensors {
		s := &c.Sensors[i]
		for j := range s.Formulas {
			if s.Formulas[j].ID == id {
				return s, &s.Formulas[j], true
			}
		}
	}
	return nil, nil, false
}

// SensorKeys returns all sensor keys in configuration order.
func (c *Config) SensorKeys() []string {
	keys := make([]string, 0, len(c.Sensors))
	for _, s := range c.Sensors {
		keys = append(keys, s.Key)
	}
	return keys
}

// Clone returns a deep copy of the configuration. Formula texts are immutable
// strings and are shared; maps and slices are copied.
func (c *Config) Clone() *Config {
	out := &Config{
		ID:        c.ID,
		Name:      c.Name,
		Metadata:  MergeMetadata(c.Metadata),
		Variables: CloneBindings(c.Variables),
		Sensors:   make([]Sensor, len(c.Sensors)),
	}
	for i, s := range c.Sensors {
		cs := s
		cs.Metadata = MergeMetadata(s.Metadata)
		cs.Formulas = make([]Formula, len(s.Formulas))
		for j, f := range s.Formulas {
			cf := f
			cf.Variables = CloneBindings(f.Variables)
			cf.Metadata = MergeMetadata(f.Metadata)
			if f.AlternateStates != nil {
				alt := *f.AlternateStates
				cf.AlternateStates = &alt
			}
			cs.Formulas[j] = cf
		}
		out.Sensors[i] = cs
	}
	return out
}

// Resource limits enforced by the formula engine to bound evaluation cost.
const (
	// MaxFormulaLength rejects pathological formula texts at compile time.
	MaxFormulaLength = 4096

	// MaxNestingDepth bounds parser recursion (parentheses, calls, unary chains).
	MaxNestingDepth = 64

	// MaxFunctionArgs limits call arity.
	MaxFunctionArgs = 64

	// MaxCollectionSize limits how many ids a collection pattern may expand to.
	MaxCollectionSize = 1024

	// DefaultMaxResolutionSteps is the fixed iteration cap for one resolution
	// pass, independent of graph size.
	DefaultMaxResolutionSteps = 256
)
