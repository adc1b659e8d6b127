// internal/core/api/states.go
package api

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * In-memory host state table.
 *
 * Serves as the state-lookup and collection capability for the server and
 * the CLI. Unknown ids report Exists=false rather than an error.
 *
 * Collection patterns are "kind:value" alternatives joined by "|":
 *   regex:<expr>            matches ids
 *   state:<op><value>       compares the state; op is one of
 *                           == != >= <= > < (default ==), numeric when
 *                           both sides parse as numbers
 *   attribute:<name>=<val>  matches an arbitrary attribute
 *   label:<val>             matches the "labels" list (or "label")
 *   <name>:<val>            matches the attribute of that name
 *                           (device_class:power, area:garage)
 * List attributes match when any element matches. Text matching is
 * case-insensitive.
 */

// StateTable is a concurrency-safe map of external states.
type StateTable struct {
	mu     sync.RWMutex
	states map[string]types.State
	now    func() time.Time
}

// NewStateTable creates an empty table.
func NewStateTable() *StateTable {
	return &StateTable{states: make(map[string]types.State), now: time.Now}
}

// Set records the value and attributes of id. Nil attributes keep the
// previous ones.
func (t *StateTable) Set(id string, value any, attrs map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.states[id]
	if attrs == nil {
		attrs = prev.Attributes
	}
	t.states[id] = types.State{Value: value, Exists: true, Attributes: attrs, LastChanged: t.now()}
}

// Remove forgets id.
func (t *StateTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}

// Len returns the number of known ids.
func (t *StateTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// GetState implements types.StateLookup.
func (t *StateTable) GetState(_ context.Context, id string) (types.State, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[id], nil
}

// Collect implements types.CollectionLookup. Matching ids are returned sorted.
func (t *StateTable) Collect(_ context.Context, pattern string) ([]string, error) {
	matchers, err := parsePattern(pattern)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for id, st := range t.states {
		for _, m := range matchers {
			if m(id, st) {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type matcher func(id string, st types.State) bool

func parsePattern(pattern string) ([]matcher, error) {
	var out []matcher
	for _, alt := range strings.Split(pattern, "|") {
		kind, value, ok := strings.Cut(strings.TrimSpace(alt), ":")
		kind, value = strings.TrimSpace(kind), strings.TrimSpace(value)
		if !ok || kind == "" || value == "" {
			return nil, fmt.Errorf("invalid collection pattern %q", pattern)
		}
		m, err := newMatcher(kind, value)
		if err != nil {
			return nil, fmt.Errorf("invalid collection pattern %q: %w", pattern, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func newMatcher(kind, value string) (matcher, error) {
	switch kind {
	case "regex":
		re, err := regexp.Compile(value)
		if err != nil {
			return nil, err
		}
		return func(id string, _ types.State) bool { return re.MatchString(id) }, nil
	case "state":
		return stateMatcher(value), nil
	case "attribute":
		name, want, ok := strings.Cut(value, "=")
		name, want = strings.TrimSpace(name), strings.TrimSpace(want)
		if !ok || name == "" {
			return nil, fmt.Errorf("attribute pattern needs name=value")
		}
		return func(_ string, st types.State) bool {
			return attributeMatches(st.Attributes[name], want)
		}, nil
	case "label":
		return func(_ string, st types.State) bool {
			return attributeMatches(st.Attributes["labels"], value) || attributeMatches(st.Attributes["label"], value)
		}, nil
	default:
		return func(_ string, st types.State) bool {
			return attributeMatches(st.Attributes[kind], value)
		}, nil
	}
}

var stateOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// stateMatcher compares a state against "<op><value>".
func stateMatcher(expr string) matcher {
	op := "=="
	for _, candidate := range stateOps {
		if strings.HasPrefix(expr, candidate) {
			op, expr = candidate, strings.TrimSpace(expr[len(candidate):])
			break
		}
	}
	want, wantNum := number(expr)

	return func(_ string, st types.State) bool {
		if st.Value == nil {
			return false
		}
		got, gotNum := number(st.Value)
		if wantNum && gotNum {
			switch op {
			case "==":
				return got == want
			case "!=":
				return got != want
			case ">=":
				return got >= want
			case "<=":
				return got <= want
			case ">":
				return got > want
			default:
				return got < want
			}
		}
		equal := strings.EqualFold(fmt.Sprint(st.Value), expr)
		switch op {
		case "==":
			return equal
		case "!=":
			return !equal
		default:
			return false
		}
	}
}

// number reads v as a float. Strings are parsed.
func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func attributeMatches(attr any, want string) bool {
	switch v := attr.(type) {
	case nil:
		return false
	case []any:
		for _, item := range v {
			if attributeMatches(item, want) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range v {
			if strings.EqualFold(item, want) {
				return true
			}
		}
		return false
	default:
		return strings.EqualFold(fmt.Sprint(v), want)
	}
}

// LoadStates reads a YAML state file. Each key is an external id mapped to
// either a plain value or {state: value, attributes: {...}}.
func LoadStates(path string) (*StateTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	table := NewStateTable()
	for id, raw := range doc {
		value, attrs := stateParts(raw)
		table.Set(id, value, attrs)
	}
	return table, nil
}

// stateParts splits a {state, attributes} document from a plain value.
func stateParts(raw any) (any, map[string]any) {
	m, ok := raw.(map[string]any)
	if !ok {
		return raw, nil
	}
	value, hasState := m["state"]
	if !hasState {
		return raw, nil
	}
	attrs, _ := m["attributes"].(map[string]any)
	return value, attrs
}
