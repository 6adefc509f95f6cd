// Package db is the storage layer: a small SQLite schema holding
// experiments, variants, the append-only raw-metric log, the deduplicated
// daily-metric table, and allocation history. All query parameters are
// bound; nothing is interpolated into SQL.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"mab-api/internal/logger"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection.
type DB struct {
	sql *sql.DB
}

func defaultPath() string {
	// Prefer working directory so the DB is stable across go run / go build.
	// Fall back to executable directory for deployed builds.
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, "mab.db")
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "mab.db")
}

// Open opens (or creates) the database at path and runs migrations.
// An empty path uses the default location next to the working directory.
func Open(path string) (*DB, error) {
	if path == "" {
		path = defaultPath()
	}
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", path))
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Ping verifies the connection is live. Used by the health endpoint.
func (d *DB) Ping() error {
	return d.sql.Ping()
}

func (d *DB) migrate() error {
	version := 0
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS experiments (
				id          TEXT PRIMARY KEY,
				name        TEXT NOT NULL UNIQUE,
				description TEXT NOT NULL DEFAULT '',
				status      TEXT NOT NULL DEFAULT 'active',
				created_at  TEXT NOT NULL,
				updated_at  TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS variants (
				id            TEXT PRIMARY KEY,
				experiment_id TEXT NOT NULL REFERENCES experiments(id),
				name          TEXT NOT NULL,
				is_control    INTEGER NOT NULL DEFAULT 0,
				created_at    TEXT NOT NULL,
				UNIQUE(experiment_id, name)
			);
			CREATE INDEX IF NOT EXISTS idx_variants_experiment ON variants(experiment_id);

			CREATE TABLE IF NOT EXISTS raw_metrics (
				id          TEXT PRIMARY KEY,
				variant_id  TEXT NOT NULL REFERENCES variants(id),
				metric_date TEXT NOT NULL,
				impressions INTEGER NOT NULL,
				clicks      INTEGER NOT NULL,
				sessions    INTEGER NOT NULL DEFAULT 0,
				revenue     REAL NOT NULL DEFAULT 0,
				source      TEXT NOT NULL DEFAULT 'api',
				batch_id    TEXT,
				ingested_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_raw_metrics_variant ON raw_metrics(variant_id, metric_date);

			CREATE TABLE IF NOT EXISTS daily_metrics (
				id          TEXT PRIMARY KEY,
				variant_id  TEXT NOT NULL REFERENCES variants(id),
				metric_date TEXT NOT NULL,
				impressions INTEGER NOT NULL,
				clicks      INTEGER NOT NULL,
				sessions    INTEGER NOT NULL DEFAULT 0,
				revenue     REAL NOT NULL DEFAULT 0,
				updated_at  TEXT NOT NULL,
				UNIQUE(variant_id, metric_date)
			);

			CREATE TABLE IF NOT EXISTS allocation_history (
				id                TEXT PRIMARY KEY,
				experiment_id     TEXT NOT NULL REFERENCES experiments(id),
				computed_at       TEXT NOT NULL,
				window_days       INTEGER NOT NULL,
				algorithm         TEXT NOT NULL,
				algorithm_version TEXT NOT NULL,
				seed              INTEGER NOT NULL,
				used_fallback     INTEGER NOT NULL DEFAULT 0,
				total_impressions INTEGER NOT NULL DEFAULT 0,
				total_clicks      INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_allocation_history_exp ON allocation_history(experiment_id, computed_at);

			CREATE TABLE IF NOT EXISTS allocation_details (
				id                    TEXT PRIMARY KEY,
				allocation_id         TEXT NOT NULL REFERENCES allocation_history(id),
				variant_id            TEXT NOT NULL,
				variant_name          TEXT NOT NULL,
				is_control            INTEGER NOT NULL DEFAULT 0,
				allocation_percentage REAL NOT NULL,
				impressions           INTEGER NOT NULL,
				clicks                INTEGER NOT NULL,
				ctr                   REAL NOT NULL,
				beta_alpha            REAL NOT NULL,
				beta_beta             REAL NOT NULL,
				ctr_ci_lower          REAL,
				ctr_ci_upper          REAL
			);
			CREATE INDEX IF NOT EXISTS idx_allocation_details_alloc ON allocation_details(allocation_id);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info("DB", "Applied migration v1")
	}

	return nil
}

// SqlDB returns the underlying *sql.DB for use by other packages.
func (d *DB) SqlDB() *sql.DB {
	return d.sql
}
