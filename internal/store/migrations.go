package store

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration represents a schema migration step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// MigrationStatus reports the current and available migration versions.
type MigrationStatus struct {
	CurrentVersion   int             `json:"current_version"`
	AvailableVersion int             `json:"available_version"`
	Pending          []MigrationInfo `json:"pending"`
}

// MigrationInfo describes a single migration.
type MigrationInfo struct {
	Version     int    `json:"version"`
	Description string `json:"description"`
}

// migrations is the ordered list of all schema migrations.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema: blob_records and cleanup_log",
		SQL: `
CREATE TABLE IF NOT EXISTS blob_records (
  digest TEXT PRIMARY KEY,
  blob_key TEXT NOT NULL,
  size_bytes INTEGER NOT NULL,
  media_type TEXT,
  owner_of_record TEXT NOT NULL,
  reference_count INTEGER NOT NULL DEFAULT 1 CHECK (reference_count >= 0),
  storage_backend TEXT NOT NULL DEFAULT 'local_cas',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cleanup_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  cleanup_type TEXT NOT NULL,
  files_deleted INTEGER NOT NULL DEFAULT 0,
  space_freed_bytes INTEGER NOT NULL DEFAULT 0,
  execution_time_ms INTEGER NOT NULL DEFAULT 0,
  details TEXT,
  executed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blob_records_refcount ON blob_records(reference_count);
CREATE INDEX IF NOT EXISTS idx_blob_records_owner ON blob_records(owner_of_record);
CREATE INDEX IF NOT EXISTS idx_cleanup_log_executed ON cleanup_log(executed_at DESC);
CREATE INDEX IF NOT EXISTS idx_cleanup_log_type ON cleanup_log(cleanup_type);
`,
	},
	{
		Version:     2,
		Description: "ingest_history table for per-digest duplicate auditing",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  digest TEXT NOT NULL,
  owner_id TEXT NOT NULL,
  size_bytes INTEGER NOT NULL,
  deduplicated INTEGER NOT NULL DEFAULT 0,
  ingested_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingest_history_digest ON ingest_history(digest);
CREATE INDEX IF NOT EXISTS idx_ingest_history_owner ON ingest_history(owner_id);
`,
	},
	{
		Version:     3,
		Description: "sweep candidate index tuning from measured query plans",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_blob_records_refcount_created ON blob_records(reference_count, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_ingest_history_ingested ON ingest_history(ingested_at);
`,
	},
}

const migrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);
`

// ensureMigrationsTable creates the schema_migrations table if it doesn't exist.
func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(migrationsTableSQL)
	return err
}

// currentVersion returns the highest applied migration version, or 0 if none.
func currentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// runMigrations applies all pending migrations in order.
func runMigrations(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))", m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// MigrationPlan returns the current migration status without applying anything.
func MigrationPlan(db *sql.DB) (*MigrationStatus, error) {
	if err := ensureMigrationsTable(db); err != nil {
		return nil, err
	}

	current, err := currentVersion(db)
	if err != nil {
		return nil, err
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	available := 0
	if len(sorted) > 0 {
		available = sorted[len(sorted)-1].Version
	}

	var pending []MigrationInfo
	for _, m := range sorted {
		if m.Version > current {
			pending = append(pending, MigrationInfo{Version: m.Version, Description: m.Description})
		}
	}

	return &MigrationStatus{
		CurrentVersion:   current,
		AvailableVersion: available,
		Pending:          pending,
	}, nil
}
