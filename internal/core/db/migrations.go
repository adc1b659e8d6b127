// internal/core/db/migrations.go
package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/relvacode/iso8601"

	embeddedmigrations "github.com/solatis/synthkeeper/migrations"
)

/*
 * Schema migrations for the sensor registry.
 *
 * Migration files are embedded per driver and applied in filename order,
 * each in its own transaction together with its bookkeeping row. Applied
 * migrations are pinned by SHA256; an edited or unknown applied migration
 * stops every further run.
 */

// MigrationStatus represents the state of a single migration.
type MigrationStatus struct {
	ID          string
	Checksum    string
	Applied     bool
	AppliedAt   *time.Time
	ExecutionMs int64
}

// appliedRow is one row of the migrations table. applied_at is TEXT on
// sqlite and TIMESTAMP on postgres, so it is read as text and parsed.
type appliedRow struct {
	ID          string `db:"migration_id"`
	Checksum    string `db:"checksum"`
	AppliedAt   string `db:"applied_at"`
	ExecutionMs int64  `db:"execution_ms"`
}

// Migrator applies the embedded migrations of one database.
type Migrator struct {
	db         *sqlx.DB
	migrations []migration
	logger     *slog.Logger
}

// NewMigrator loads the migration set matching the database driver.
func NewMigrator(db *sqlx.DB, logger *slog.Logger) (*Migrator, error) {
	fsys, dir, err := embeddedmigrations.ForDriver(db.DriverName())
	if err != nil {
		return nil, err
	}
	migrations, err := parseMigrationFiles(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to parse migrations: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Migrator{db: db, migrations: migrations, logger: logger}, nil
}

// MigrateUp runs all pending migrations against the database.
func MigrateUp(db *sqlx.DB) error {
	m, err := NewMigrator(db, nil)
	if err != nil {
		return err
	}
	_, err = m.Up(context.Background())
	return err
}

// MigrateStatus returns the status of all migrations (applied and pending).
func MigrateStatus(db *sqlx.DB) ([]MigrationStatus, error) {
	m, err := NewMigrator(db, nil)
	if err != nil {
		return nil, err
	}
	return m.Status(context.Background())
}

// Up validates checksums and applies pending migrations in order. It
// returns the ids applied by this call.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	// SHA256 hash detects unauthorized modification of applied migrations
	if err := m.validateChecksums(applied); err != nil {
		return nil, fmt.Errorf("migration checksum validation failed: %w", err)
	}

	var ran []string
	for _, mig := range m.migrations {
		if _, ok := applied[mig.ID]; ok {
			continue
		}
		elapsed, err := m.apply(ctx, mig)
		if err != nil {
			return ran, err
		}
		m.logger.InfoContext(ctx, "migration applied",
			slog.String("migration", mig.ID),
			slog.Duration("elapsed", elapsed),
		)
		ran = append(ran, mig.ID)
	}
	return ran, nil
}

// Status reports every embedded migration in order, applied or pending.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(m.migrations))
	for _, mig := range m.migrations {
		row, ok := applied[mig.ID]
		if !ok {
			statuses = append(statuses, MigrationStatus{ID: mig.ID, Checksum: mig.Checksum})
			continue
		}
		status := MigrationStatus{
			ID:          row.ID,
			Checksum:    row.Checksum,
			Applied:     true,
			ExecutionMs: row.ExecutionMs,
		}
		if t, err := iso8601.ParseString(row.AppliedAt); err == nil {
			status.AppliedAt = &t
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Pending returns the ids of migrations not yet applied.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	statuses, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, s := range statuses {
		if !s.Applied {
			pending = append(pending, s.ID)
		}
	}
	return pending, nil
}

// applied ensures the tracking table exists and reads it.
func (m *Migrator) applied(ctx context.Context) (map[string]appliedRow, error) {
	if err := createMigrationsTable(ctx, m.db); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	var rows []appliedRow
	query := "SELECT migration_id, checksum, applied_at, execution_ms FROM migrations"
	if m.db.DriverName() == "postgres" {
		// TIMESTAMP scans into time.Time; render it as text for appliedRow
		query = `SELECT migration_id, checksum, to_char(applied_at, 'YYYY-MM-DD"T"HH24:MI:SS"Z"') AS applied_at, execution_ms FROM migrations`
	}
	if err := m.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}

	applied := make(map[string]appliedRow, len(rows))
	for _, r := range rows {
		applied[r.ID] = r
	}
	return applied, nil
}

// validateChecksums verifies all applied migrations match embedded checksums
func (m *Migrator) validateChecksums(applied map[string]appliedRow) error {
	expected := make(map[string]string, len(m.migrations))
	for _, mig := range m.migrations {
		expected[mig.ID] = mig.Checksum
	}

	ids := make([]string, 0, len(applied))
	for id := range applied {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		want, ok := expected[id]
		if !ok {
			return fmt.Errorf("migration %s exists in database but not in embedded files", id)
		}
		if got := applied[id].Checksum; got != want {
			return fmt.Errorf("checksum mismatch for migration %s: expected %s, got %s", id, want, got)
		}
	}
	return nil
}

// apply runs one migration and records it in the same transaction.
func (m *Migrator) apply(ctx context.Context, mig migration) (time.Duration, error) {
	start := time.Now()

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction for migration %s: %w", mig.ID, err)
	}
	defer tx.Rollback()

	// lib/pq doesn't support multiple statements in single Exec
	for _, stmt := range strings.Split(mig.SQL, ";") {
		stmt = stripComments(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("failed to apply migration %s: statement failed: %w", mig.ID, err)
		}
	}

	elapsed := time.Since(start)
	if err := recordMigration(ctx, tx, mig, elapsed); err != nil {
		return 0, fmt.Errorf("failed to record migration %s: %w", mig.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit migration %s: %w", mig.ID, err)
	}
	return elapsed, nil
}

// migration represents a parsed migration file
type migration struct {
	ID       string
	Checksum string
	SQL      string
}

// parseMigrationFiles extracts ordered list of migrations from embed.FS
func parseMigrationFiles(fsys embed.FS, dir string) ([]migration, error) {
	var migrations []migration

	err := fs.WalkDir(fsys, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}

		content, err := fsys.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		migrations = append(migrations, migration{
			ID:       filepath.Base(path),
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
			SQL:      string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].ID < migrations[j].ID
	})
	return migrations, nil
}

// createMigrationsTable ensures migrations tracking table exists
// Schema must match the migrations table in 001_initial_schema.sql
func createMigrationsTable(ctx context.Context, db *sqlx.DB) error {
	createSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			migration_id TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP WITHOUT TIME ZONE NOT NULL,
			execution_ms INTEGER NOT NULL
		)
	`
	if db.DriverName() == "sqlite3" {
		createSQL = `
			CREATE TABLE IF NOT EXISTS migrations (
				migration_id TEXT PRIMARY KEY,
				checksum TEXT NOT NULL,
				applied_at TEXT NOT NULL,
				execution_ms INTEGER NOT NULL,
				CHECK (applied_at LIKE '____-__-__T__:__:__Z')
			)
		`
	}

	_, err := db.ExecContext(ctx, createSQL)
	return err
}

// stripComments drops full-line "--" comments so a statement preceded by a
// comment still runs.
func stripComments(stmt string) string {
	var lines []string
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// recordMigration stores migration metadata for audit trail within a transaction
func recordMigration(ctx context.Context, tx *sqlx.Tx, mig migration, elapsed time.Duration) error {
	now := time.Now().UTC()
	var appliedAt any = now
	if tx.DriverName() == "sqlite3" {
		appliedAt = now.Format(time.RFC3339)
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(
		"INSERT INTO migrations (migration_id, checksum, applied_at, execution_ms) VALUES (?, ?, ?, ?)"),
		mig.ID, mig.Checksum, appliedAt, elapsed.Milliseconds(),
	)
	return err
}
