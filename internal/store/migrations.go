package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all runner tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id          TEXT PRIMARY KEY,
		email       TEXT NOT NULL DEFAULT '',
		matr        TEXT NOT NULL DEFAULT '',
		first_name  TEXT NOT NULL DEFAULT '',
		last_name   TEXT NOT NULL DEFAULT '',
		credits     INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
		privileged  INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS exercises (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		return_type    TEXT NOT NULL DEFAULT 'void',
		params         TEXT NOT NULL DEFAULT '[]',
		comment        TEXT NOT NULL DEFAULT '',
		file_extension TEXT NOT NULL DEFAULT '',
		includes       TEXT NOT NULL DEFAULT '[]'
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		exercise_id  TEXT NOT NULL,
		code         TEXT NOT NULL,
		state        TEXT NOT NULL DEFAULT 'pending',
		message      TEXT NOT NULL DEFAULT '',
		stdout       TEXT NOT NULL DEFAULT '',
		stderr       TEXT NOT NULL DEFAULT '',
		credits_cost INTEGER NOT NULL DEFAULT 0,
		process_id   INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		started_at   TEXT,
		finished_at  TEXT,
		total_ns     INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS credit_ledger (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    TEXT NOT NULL,
		task_id    TEXT NOT NULL DEFAULT '',
		amount     INTEGER NOT NULL,
		reason     TEXT NOT NULL,
		balance    INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_state_created ON tasks(state, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks(user_id, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_matr ON users(matr) WHERE matr != ''`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_user ON credit_ledger(user_id, id)`,
}

// alterStatements contains ALTER TABLE statements for schema evolution.
// Each is executed only if the column does not already exist.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string
}{
	// Exercises created before the include list existed.
	{
		table:    "exercises",
		column:   "includes",
		alterSQL: `ALTER TABLE exercises ADD COLUMN includes TEXT NOT NULL DEFAULT '[]'`,
	},
}

// migrate runs all DDL statements against db.
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

	found := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return err
		}
		if strings.EqualFold(name, column) {
			found = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if found {
		return nil
	}

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
