package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the jobs schema in-place.
//
// Instance history and sample series are JSON array columns so single
// samples can be appended with json_insert without reading the row.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			job_type TEXT NOT NULL,
			execution_site TEXT NOT NULL,
			release_tag TEXT,
			-- dependencies is a JSON array of job ids.
			dependencies TEXT NOT NULL DEFAULT '[]',
			archived INTEGER NOT NULL DEFAULT 0,
			comment TEXT NOT NULL DEFAULT 'N/A',
			enable_monitoring INTEGER NOT NULL DEFAULT 0,
			body_ref TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_title ON jobs(title);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_execution_site ON jobs(execution_site);`,

		`CREATE TABLE IF NOT EXISTS job_instances (
			job_id TEXT NOT NULL,
			instance_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			minor_status TEXT NOT NULL,
			status_history TEXT NOT NULL DEFAULT '[]',
			cpu TEXT NOT NULL DEFAULT '[]',
			memory TEXT NOT NULL DEFAULT '[]',
			cpu_max REAL NOT NULL DEFAULT -1,
			mem_max REAL NOT NULL DEFAULT -1,
			body TEXT NOT NULL DEFAULT '',
			hostname TEXT,
			batch_id INTEGER,
			nevents INTEGER NOT NULL DEFAULT 0,
			site TEXT NOT NULL,
			log TEXT NOT NULL DEFAULT '',
			is_pilot INTEGER NOT NULL DEFAULT 0,
			pilot_job_id TEXT,
			pilot_instance_id INTEGER,
			created_at TEXT NOT NULL,
			last_update TEXT NOT NULL,
			PRIMARY KEY(job_id, instance_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_instances_status ON job_instances(job_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_job_instances_site ON job_instances(site);`,
		`CREATE INDEX IF NOT EXISTS idx_job_instances_created_at ON job_instances(created_at);`,

		`CREATE TABLE IF NOT EXISTS datafiles (
			datafile_id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			site TEXT NOT NULL,
			file_type TEXT NOT NULL DEFAULT 'root',
			status TEXT NOT NULL DEFAULT 'New',
			created_at TEXT NOT NULL,
			UNIQUE(filename, site)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_datafiles_created_at ON datafiles(created_at);`,

		`CREATE TABLE IF NOT EXISTS heartbeats (
			heartbeat_id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			process TEXT NOT NULL DEFAULT 'default',
			beat_at TEXT NOT NULL,
			deltat REAL NOT NULL DEFAULT 0,
			version TEXT NOT NULL DEFAULT 'None',
			created_at TEXT NOT NULL,
			UNIQUE(hostname, process)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: pilot references on instances.
	if current == 1 {
		alters := []string{
			`ALTER TABLE job_instances ADD COLUMN pilot_job_id TEXT;`,
			`ALTER TABLE job_instances ADD COLUMN pilot_instance_id INTEGER;`,
		}
		for _, stmt := range alters {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				msg := err.Error()
				// SQLite/libsql report duplicate columns as an error; treat as idempotent.
				if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
