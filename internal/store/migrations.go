package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all pbsched tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS resource_defs (
		name  TEXT PRIMARY KEY,
		type  TEXT NOT NULL,
		flags TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS nodes (
		id             TEXT PRIMARY KEY,
		host           TEXT NOT NULL,
		is_natural     INTEGER NOT NULL DEFAULT 0,
		state          TEXT NOT NULL,
		comment        TEXT NOT NULL DEFAULT '',
		partition_name TEXT NOT NULL DEFAULT '',
		queue_name     TEXT NOT NULL DEFAULT '',
		seq            INTEGER NOT NULL,
		last_heartbeat TEXT,
		created_at     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_host ON nodes(host)`,

	`CREATE TABLE IF NOT EXISTS node_resources (
		node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		name    TEXT NOT NULL,
		value   TEXT NOT NULL,
		PRIMARY KEY (node_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS queues (
		name       TEXT PRIMARY KEY,
		attrs      TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS hooks (
		name       TEXT PRIMARY KEY,
		attrs      TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id         TEXT PRIMARY KEY,
		seq        INTEGER NOT NULL,
		state      TEXT NOT NULL,
		queue      TEXT NOT NULL,
		body       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_seq ON jobs(seq)`,

	`CREATE TABLE IF NOT EXISTS server_attrs (
		id    INTEGER PRIMARY KEY CHECK (id = 1),
		attrs TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS calendar (
		job_id TEXT PRIMARY KEY,
		start  TEXT NOT NULL
	)`,

	// Lifecycle records are append-only.
	`CREATE TABLE IF NOT EXISTS job_records (
		id     TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		event  TEXT NOT NULL,
		state  TEXT NOT NULL DEFAULT '',
		host   TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		time   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_records_job_id ON job_records(job_id)`,

	`CREATE TABLE IF NOT EXISTS node_records (
		id      TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		state   TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		time    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_node_records_node_id ON node_records(node_id)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "job_records",
		column:   "seq",
		alterSQL: "ALTER TABLE job_records ADD COLUMN seq INTEGER NOT NULL DEFAULT 0",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_job_records_seq ON job_records(job_id, seq)",
	},
	{
		table:    "node_records",
		column:   "seq",
		alterSQL: "ALTER TABLE node_records ADD COLUMN seq INTEGER NOT NULL DEFAULT 0",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_node_records_seq ON node_records(node_id, seq)",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
