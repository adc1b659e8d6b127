// internal/resolve/registry.go
package resolve

import (
	"sort"
	"sync"
	"time"
)

/*
 * Sensor registry.
 *
 * Long-lived shared state per configuration load: sensor key -> assigned
 * external id and last successfully evaluated value. Written by the host
 * (id registration) and by the engine (values); read by cross-sensor and
 * self-reference resolution. Guarded by a single RWMutex.
 */

// RegistryEntry is a snapshot of one sensor's registry state.
type RegistryEntry struct {
	Key       string
	EntityID  string
	Value     any
	HasValue  bool
	UpdatedAt time.Time
}

// Registry maps sensor keys to external ids and last values.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*RegistryEntry
	byEntity map[string]string
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]*RegistryEntry),
		byEntity: make(map[string]string),
		now:      time.Now,
	}
}

func (r *Registry) entryLocked(key string) *RegistryEntry {
	e, ok := r.entries[key]
	if !ok {
		e = &RegistryEntry{Key: key}
		r.entries[key] = e
	}
	return e
}

// SetEntityID records the external id for key and returns the previous id.
func (r *Registry) SetEntityID(key, entityID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(key)
	prev := e.EntityID
	if prev != "" {
		delete(r.byEntity, prev)
	}
	e.EntityID = entityID
	if entityID != "" {
		r.byEntity[entityID] = key
	}
	return prev
}

// EntityID returns the external id registered for key.
func (r *Registry) EntityID(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok || e.EntityID == "" {
		return "", false
	}
	return e.EntityID, true
}

// KeyForEntity returns the sensor key owning an external id.
func (r *Registry) KeyForEntity(entityID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byEntity[entityID]
	return key, ok
}

// SetValue records the last successfully evaluated value for key.
func (r *Registry) SetValue(key string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(key)
	e.Value = v
	e.HasValue = true
	e.UpdatedAt = r.now()
}

// Value returns the last evaluated value for key.
func (r *Registry) Value(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok || !e.HasValue {
		return nil, false
	}
	return e.Value, true
}

// Snapshot returns all entries ordered by key.
func (r *Registry) Snapshot() []RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Restore loads entries, typically from persistent storage at startup.
// Existing entries for the same keys are overwritten.
func (r *Registry) Restore(entries []RegistryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range entries {
		e := r.entryLocked(in.Key)
		if e.EntityID != "" {
			delete(r.byEntity, e.EntityID)
		}
		*e = in
		if e.EntityID != "" {
			r.byEntity[e.EntityID] = e.Key
		}
	}
}
