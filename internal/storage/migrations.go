package storage

import (
	"database/sql"

	"github.com/pkg/errors"
)

type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_task_tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				task_id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				priority TEXT NOT NULL,
				requirements_json TEXT,
				parameters_json TEXT,
				timeout_ms INTEGER NOT NULL,
				max_retries INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS executions (
				task_id TEXT PRIMARY KEY,
				device_serial TEXT,
				status TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				result TEXT,
				error TEXT,
				assigned_at TEXT,
				finished_at TEXT,
				FOREIGN KEY(task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,
		},
	},
}

// migrate applies pending migrations in version order, each in its own
// transaction, tracked in schema_migrations.
func migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("storage: db is nil")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return errors.Wrap(err, "storage: ensure schema_migrations")
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

// appliedVersions drains the version query before returning so the single
// connection is free for the migration transactions that follow.
func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: load applied migrations")
	}
	defer rows.Close()
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, errors.Wrap(err, "storage: scan migration version")
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "storage: iterate migration versions")
	}
	return applied, nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "storage: begin migration %d", m.version)
	}
	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "storage: migration %d (%s)", m.version, m.name)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "storage: record migration %d", m.version)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "storage: commit migration %d", m.version)
	}
	return nil
}
