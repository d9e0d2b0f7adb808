// Package store provides SQLite-backed persistence for AOP's task tree,
// mutation lifecycle, and budget requests.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
PRAGMA journal_mode = WAL;
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	parent_id TEXT REFERENCES tasks(id),
	tier INTEGER NOT NULL,
	domain TEXT NOT NULL DEFAULT 'platform',
	objective TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	token_budget INTEGER NOT NULL DEFAULT 0,
	token_usage INTEGER NOT NULL DEFAULT 0,
	context_efficiency_ratio REAL NOT NULL DEFAULT 0,
	risk_factor REAL NOT NULL DEFAULT 0,
	compliance_score INTEGER NOT NULL DEFAULT 0,
	before_checksum TEXT,
	after_checksum TEXT,
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	target_files TEXT,
	created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS mutations (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	agent_uid TEXT NOT NULL,
	file_path TEXT NOT NULL,
	diff_content TEXT NOT NULL,
	intent_description TEXT NOT NULL DEFAULT '',
	intent_hash TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	test_result TEXT,
	exit_code INTEGER,
	rejection_reason TEXT,
	rejection_step TEXT,
	status TEXT NOT NULL DEFAULT 'proposed',
	proposed_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	applied_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_mutations_task ON mutations(task_id, proposed_at DESC);
CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status);

CREATE TABLE IF NOT EXISTS budget_requests (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	requester TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	requested_increment INTEGER NOT NULL,
	budget_snapshot INTEGER NOT NULL DEFAULT 0,
	usage_snapshot INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	approved_increment INTEGER,
	resolution_note TEXT,
	created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_budget_requests_task ON budget_requests(task_id);
CREATE INDEX IF NOT EXISTS idx_budget_requests_status ON budget_requests(status);

CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT,
	event_type TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_audit_events_task ON audit_events(task_id, id);

CREATE TABLE IF NOT EXISTS model_health (
	provider TEXT NOT NULL,
	model_id TEXT NOT NULL,
	quality REAL NOT NULL DEFAULT 0.70,
	success_rate REAL NOT NULL DEFAULT 0.90,
	avg_latency_ms REAL NOT NULL DEFAULT 2000,
	avg_cost_usd REAL NOT NULL DEFAULT 0.125,
	samples INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	PRIMARY KEY (provider, model_id)
);
`

// Store wraps the SQLite connection shared by every AOP persistence package.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path, applying
// the schema. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // WAL + modernc.org/sqlite: serialise writers in-process
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for packages that need raw access
// (audit, registry health cache) without duplicating connection setup.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
