// internal/core/db/store.go
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relvacode/iso8601"

	"github.com/solatis/synthkeeper/internal/resolve"
	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Persistent sensor registry.
 *
 * Each save replaces the configuration set's rows in one transaction, so a
 * load always sees a complete snapshot. Values are stored as JSON; numbers
 * come back as float64, which the formula layer normalizes anyway.
 */

// RegistryStore persists sensor registries per configuration name.
type RegistryStore struct {
	queries *Queries
	now     func() time.Time
}

// NewRegistryStore creates a store over loaded queries.
func NewRegistryStore(q *Queries) *RegistryStore {
	return &RegistryStore{queries: q, now: time.Now}
}

// ConfigSet is a persisted configuration set header.
type ConfigSet struct {
	Name      string `db:"config_name"`
	ID        string `db:"config_id"`
	UpdatedAt string `db:"updated_at"`
}

type registryRow struct {
	SensorKey string         `db:"sensor_key"`
	EntityID  string         `db:"entity_id"`
	ValueJSON sql.NullString `db:"value_json"`
	UpdatedAt string         `db:"updated_at"`
}

// LoadRegistry returns the stored entries of a configuration set. An
// unknown name yields no entries.
func (s *RegistryStore) LoadRegistry(ctx context.Context, configName string) ([]resolve.RegistryEntry, error) {
	var rows []registryRow
	if err := s.queries.Select(ctx, "list-registry-entries", &rows, configName); err != nil {
		return nil, fmt.Errorf("failed to list registry entries: %w", err)
	}

	entries := make([]resolve.RegistryEntry, 0, len(rows))
	for _, row := range rows {
		e := resolve.RegistryEntry{Key: row.SensorKey, EntityID: row.EntityID}
		if row.ValueJSON.Valid {
			if err := json.Unmarshal([]byte(row.ValueJSON.String), &e.Value); err != nil {
				return nil, fmt.Errorf("sensor %q: invalid stored value: %w", row.SensorKey, err)
			}
			e.HasValue = true
		}
		if t, err := iso8601.ParseString(row.UpdatedAt); err == nil {
			e.UpdatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SaveRegistry replaces the stored entries of a configuration set.
func (s *RegistryStore) SaveRegistry(ctx context.Context, configName string, entries []resolve.RegistryEntry) error {
	return s.SaveConfigSet(ctx, ConfigSet{Name: configName}, entries)
}

// SaveConfigSet replaces the stored entries and records the set header.
// An empty set ID keeps the stored one.
func (s *RegistryStore) SaveConfigSet(ctx context.Context, set ConfigSet, entries []resolve.RegistryEntry) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	header := "upsert-config-set"
	if set.ID == "" {
		// keep a stored id; the fresh one only applies to a new row
		header = "touch-config-set"
		set.ID = string(types.NewConfigID())
	}

	return s.queries.InTx(ctx, func(q *Queries) error {
		if _, err := q.Exec(ctx, header, set.Name, set.ID, now); err != nil {
			return fmt.Errorf("failed to upsert config set: %w", err)
		}
		if _, err := q.Exec(ctx, "delete-registry-entries", set.Name); err != nil {
			return fmt.Errorf("failed to clear registry entries: %w", err)
		}
		for _, e := range entries {
			var value sql.NullString
			if e.HasValue {
				data, err := json.Marshal(e.Value)
				if err != nil {
					return fmt.Errorf("sensor %q: value not serializable: %w", e.Key, err)
				}
				value = sql.NullString{String: string(data), Valid: true}
			}
			updated := now
			if !e.UpdatedAt.IsZero() {
				updated = e.UpdatedAt.UTC().Format(time.RFC3339Nano)
			}
			if _, err := q.Exec(ctx, "insert-registry-entry", set.Name, e.Key, e.EntityID, value, updated); err != nil {
				return fmt.Errorf("failed to insert registry entry %q: %w", e.Key, err)
			}
		}
		return nil
	})
}

// DeleteConfigSet removes a configuration set and its registry.
func (s *RegistryStore) DeleteConfigSet(ctx context.Context, configName string) error {
	return s.queries.InTx(ctx, func(q *Queries) error {
		if _, err := q.Exec(ctx, "delete-registry-entries", configName); err != nil {
			return fmt.Errorf("failed to clear registry entries: %w", err)
		}
		if _, err := q.Exec(ctx, "delete-config-set", configName); err != nil {
			return fmt.Errorf("failed to delete config set: %w", err)
		}
		return nil
	})
}

// ConfigSets lists the persisted configuration sets by name.
func (s *RegistryStore) ConfigSets(ctx context.Context) ([]ConfigSet, error) {
	var sets []ConfigSet
	if err := s.queries.Select(ctx, "list-config-sets", &sets); err != nil {
		return nil, fmt.Errorf("failed to list config sets: %w", err)
	}
	return sets, nil
}
