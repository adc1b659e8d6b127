// internal/core/config/sensors.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/iancoleman/strcase"
	"gopkg.in/yaml.v3"

	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * YAML sensor configuration sets.
 *
 * Documents are decoded through yaml.Node so mapping order survives: sensor
 * order drives evaluation tie-breaks and the first formula of a sensor is its
 * main formula. Sensors may be given as a mapping keyed by sensor key or as a
 * sequence; sequence entries take their key from unique_id, or from the
 * snake_cased name when no unique_id is present.
 *
 * Variable values: numbers, booleans and null are literals, strings are
 * entity ids or sensor keys, mappings with a formula are computed variables.
 * Attribute values are formula text or a mapping with its own variables,
 * alternate states and metadata.
 */

type fileDoc struct {
	ID             string    `yaml:"id"`
	Name           string    `yaml:"name"`
	GlobalSettings globalDoc `yaml:"global_settings"`
	Sensors        yaml.Node `yaml:"sensors"`
}

type globalDoc struct {
	Variables yaml.Node      `yaml:"variables"`
	Metadata  types.Metadata `yaml:"metadata"`
}

type sensorDoc struct {
	UniqueID        string            `yaml:"unique_id"`
	Name            string            `yaml:"name"`
	EntityID        string            `yaml:"entity_id"`
	Formula         string            `yaml:"formula"`
	Variables       yaml.Node         `yaml:"variables"`
	AlternateStates map[string]string `yaml:"alternate_states"`
	Attributes      yaml.Node         `yaml:"attributes"`
	Metadata        types.Metadata    `yaml:"metadata"`
}

type formulaDoc struct {
	Formula         string            `yaml:"formula"`
	Variables       yaml.Node         `yaml:"variables"`
	AlternateStates map[string]string `yaml:"alternate_states"`
	Metadata        types.Metadata    `yaml:"metadata"`
}

// LoadSensors reads a sensor configuration set from a YAML file. The set is
// named after the file unless the document names itself.
func LoadSensors(path string) (*types.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sensor file: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return ParseSensors(data, name)
}

// ParseSensors decodes a YAML sensor configuration set.
func ParseSensors(data []byte, name string) (*types.Config, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse sensor file: %w", err)
	}

	cfg := &types.Config{
		ID:       types.NewConfigID(),
		Name:     name,
		Metadata: doc.GlobalSettings.Metadata,
	}
	if doc.ID != "" {
		id, err := types.ParseConfigID(doc.ID)
		if err != nil {
			return nil, err
		}
		cfg.ID = id
	}
	if doc.Name != "" {
		cfg.Name = doc.Name
	}

	vars, err := decodeBindings(&doc.GlobalSettings.Variables)
	if err != nil {
		return nil, fmt.Errorf("global_settings: %w", err)
	}
	cfg.Variables = vars

	sensors, err := decodeSensors(&doc.Sensors)
	if err != nil {
		return nil, err
	}
	cfg.Sensors = sensors
	return cfg, nil
}

func decodeSensors(n *yaml.Node) ([]types.Sensor, error) {
	var out []types.Sensor
	seen := make(map[string]int)

	add := func(key string, node *yaml.Node) error {
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("line %d: duplicate sensor key %q (first defined on line %d)", node.Line, key, prev)
		}
		seen[key] = node.Line
		s, err := decodeSensor(key, node)
		if err != nil {
			return fmt.Errorf("sensor %q: %w", key, err)
		}
		out = append(out, s)
		return nil
	}

	switch n.Kind {
	case 0:
		return nil, fmt.Errorf("sensor file defines no sensors")
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if err := add(n.Content[i].Value, n.Content[i+1]); err != nil {
				return nil, err
			}
		}
	case yaml.SequenceNode:
		for _, item := range n.Content {
			var head struct {
				UniqueID string `yaml:"unique_id"`
				Name     string `yaml:"name"`
			}
			if err := item.Decode(&head); err != nil {
				return nil, fmt.Errorf("line %d: %w", item.Line, err)
			}
			key := head.UniqueID
			if key == "" {
				key = strcase.ToSnake(head.Name)
			}
			if key == "" {
				return nil, fmt.Errorf("line %d: sensor needs a unique_id or a name", item.Line)
			}
			if err := add(key, item); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("line %d: sensors must be a mapping or a sequence", n.Line)
	}
	return out, nil
}

func decodeSensor(key string, n *yaml.Node) (types.Sensor, error) {
	var doc sensorDoc
	if err := n.Decode(&doc); err != nil {
		return types.Sensor{}, fmt.Errorf("line %d: %w", n.Line, err)
	}
	if strings.TrimSpace(doc.Formula) == "" {
		return types.Sensor{}, fmt.Errorf("line %d: missing formula", n.Line)
	}

	vars, err := decodeBindings(&doc.Variables)
	if err != nil {
		return types.Sensor{}, err
	}
	name := doc.Name
	if name == "" {
		name = key
	}
	s := types.Sensor{
		Key:           key,
		Name:          name,
		BackingEntity: doc.EntityID,
		Metadata:      doc.Metadata,
		Formulas: []types.Formula{{
			ID:              key,
			Text:            doc.Formula,
			Variables:       vars,
			AlternateStates: decodeAlternates(doc.AlternateStates),
		}},
	}

	attrs, err := decodeAttributes(key, &doc.Attributes)
	if err != nil {
		return types.Sensor{}, err
	}
	s.Formulas = append(s.Formulas, attrs...)
	return s, nil
}

func decodeAttributes(key string, n *yaml.Node) ([]types.Formula, error) {
	if n.Kind == 0 {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: attributes must be a mapping", n.Line)
	}
	var out []types.Formula
	for i := 0; i+1 < len(n.Content); i += 2 {
		attr, value := n.Content[i].Value, n.Content[i+1]
		f := types.Formula{ID: types.FormulaID(key, attr), Attribute: attr}
		switch value.Kind {
		case yaml.ScalarNode:
			f.Text = value.Value
		case yaml.MappingNode:
			var doc formulaDoc
			if err := value.Decode(&doc); err != nil {
				return nil, fmt.Errorf("attribute %q: line %d: %w", attr, value.Line, err)
			}
			vars, err := decodeBindings(&doc.Variables)
			if err != nil {
				return nil, fmt.Errorf("attribute %q: %w", attr, err)
			}
			f.Text = doc.Formula
			f.Variables = vars
			f.AlternateStates = decodeAlternates(doc.AlternateStates)
			f.Metadata = doc.Metadata
		default:
			return nil, fmt.Errorf("attribute %q: line %d: unsupported value", attr, value.Line)
		}
		if strings.TrimSpace(f.Text) == "" {
			return nil, fmt.Errorf("attribute %q: line %d: missing formula", attr, value.Line)
		}
		out = append(out, f)
	}
	return out, nil
}

func decodeBindings(n *yaml.Node) (map[string]types.VariableBinding, error) {
	if n.Kind == 0 {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: variables must be a mapping", n.Line)
	}
	out := make(map[string]types.VariableBinding, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		name, value := n.Content[i].Value, n.Content[i+1]
		b, err := decodeBinding(value)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		out[name] = b
	}
	return out, nil
}

func decodeBinding(n *yaml.Node) (types.VariableBinding, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		switch n.ShortTag() {
		case "!!str":
			return types.EntityRef(n.Value), nil
		case "!!null":
			return types.Literal(nil), nil
		default:
			var v any
			if err := n.Decode(&v); err != nil {
				return types.VariableBinding{}, fmt.Errorf("line %d: %w", n.Line, err)
			}
			return types.Literal(v), nil
		}
	case yaml.MappingNode:
		var doc formulaDoc
		if err := n.Decode(&doc); err != nil {
			return types.VariableBinding{}, fmt.Errorf("line %d: %w", n.Line, err)
		}
		if strings.TrimSpace(doc.Formula) == "" {
			return types.VariableBinding{}, fmt.Errorf("line %d: computed variable needs a formula", n.Line)
		}
		vars, err := decodeBindings(&doc.Variables)
		if err != nil {
			return types.VariableBinding{}, err
		}
		return types.Computed(types.ComputedVariable{
			Formula:         doc.Formula,
			Variables:       vars,
			AlternateStates: decodeAlternates(doc.AlternateStates),
		}), nil
	default:
		return types.VariableBinding{}, fmt.Errorf("line %d: unsupported variable value", n.Line)
	}
}

// decodeAlternates accepts UNAVAILABLE/unavailable style keys.
func decodeAlternates(m map[string]string) *types.AlternateStates {
	if len(m) == 0 {
		return nil
	}
	alt := &types.AlternateStates{}
	for k, v := range m {
		switch strings.ToLower(k) {
		case "unavailable":
			alt.Unavailable = v
		case "unknown":
			alt.Unknown = v
		case "none":
			alt.None = v
		case "fallback":
			alt.Fallback = v
		}
	}
	return alt
}
