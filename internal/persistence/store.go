// Package persistence is the durable single-writer store backing the engine:
// projects, tasks, agents, activity, dependencies, questions, events,
// notifications, knowledge, artifacts, triggers, and usage, all in one SQLite
// database. Writers are serialized through a single connection; mutations that
// touch more than one row run inside a transaction.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "og-v1-2026-05-task-engine"

	// DefaultStaleTimeoutMinutes applies when an agent has no per-agent
	// stale_timeout.
	DefaultStaleTimeoutMinutes = 240

	defaultMaxConcurrentTasks = 2
)

// Store wraps the single SQLite connection. All mutations go through it.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so row helpers can run inside
// or outside a transaction. The connection pool is capped at one connection,
// so everything inside an open transaction must go through the tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".opengate", "opengate.db")
}

func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger}
	ctx := context.Background()
	if err := store.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	// Checkpoint any pending WAL before migrating so an old WAL never meets a
	// new schema.
	if err := store.Checkpoint(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Checkpoint truncates the WAL into the main database file. Called at startup
// and on graceful shutdown.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// inTx runs f inside a transaction with busy retry. f must route every query
// through the passed tx — the pool has one connection.
func (s *Store) inTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// nowRFC3339 is the canonical timestamp format. RFC3339 UTC strings compare
// lexicographically in timestamp order, which the scheduling gate relies on.
func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// HashAPIKey hashes a bearer credential for storage and lookup. FNV-1a 64 in
// lowercase hex: deterministic and index-friendly. Not a password hash — API
// keys are high-entropy random strings, and the hash is an exact-match lookup
// key, not a rate-limited verifier.
func HashAPIKey(key string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%016x", h.Sum64())
}

// nullStr maps optional strings to sql NULLs.
func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// strPtr converts a sql.NullString to *string.
func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// jsonOrNull serializes raw JSON for storage, mapping empty to NULL.
func jsonOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// rawJSON converts a stored TEXT column back to json.RawMessage.
func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// jsonList stores string slices as JSON arrays.
func jsonList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func parseJSONList(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return []string{}
	}
	return out
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'backlog'
				CHECK(status IN ('backlog','todo','in_progress','review','blocked','done','cancelled','handoff')),
			priority TEXT NOT NULL DEFAULT 'medium',
			assignee_type TEXT,
			assignee_id TEXT,
			reviewer_type TEXT,
			reviewer_id TEXT,
			context TEXT,
			output TEXT,
			due_date TEXT,
			scheduled_at TEXT,
			recurrence_rule TEXT,
			recurrence_parent_id TEXT,
			status_history TEXT NOT NULL DEFAULT '[]',
			has_open_questions INTEGER NOT NULL DEFAULT 0,
			started_review_at TEXT,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_tags (
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			tag TEXT NOT NULL,
			PRIMARY KEY (task_id, tag)
		);`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			depends_on TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			PRIMARY KEY (task_id, depends_on)
		);`,
		`CREATE TABLE IF NOT EXISTS task_activity (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			author_type TEXT NOT NULL,
			author_id TEXT NOT NULL,
			content TEXT NOT NULL,
			activity_type TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key_hash TEXT NOT NULL UNIQUE,
			skills TEXT NOT NULL DEFAULT '[]',
			description TEXT,
			max_concurrent_tasks INTEGER NOT NULL DEFAULT 2,
			webhook_url TEXT,
			webhook_events TEXT,
			capabilities TEXT NOT NULL DEFAULT '[]',
			seniority TEXT NOT NULL DEFAULT 'mid',
			role TEXT NOT NULL DEFAULT 'executor',
			stale_timeout INTEGER NOT NULL DEFAULT 240,
			last_seen_at TEXT,
			owner_id TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			task_id TEXT,
			project_id TEXT NOT NULL,
			actor_type TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			event_id INTEGER REFERENCES events(id),
			event_type TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT,
			read INTEGER NOT NULL DEFAULT 0,
			webhook_status TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_questions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			question TEXT NOT NULL,
			question_type TEXT NOT NULL DEFAULT 'clarification',
			context TEXT,
			asked_by_type TEXT NOT NULL,
			asked_by_id TEXT NOT NULL,
			target_type TEXT,
			target_id TEXT,
			required_capability TEXT,
			status TEXT NOT NULL DEFAULT 'open',
			blocking INTEGER NOT NULL DEFAULT 1,
			resolved_by_type TEXT,
			resolved_by_id TEXT,
			resolution TEXT,
			dismissed_reason TEXT,
			dismissed_at TEXT,
			created_at TEXT NOT NULL,
			resolved_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS question_replies (
			id TEXT PRIMARY KEY,
			question_id TEXT NOT NULL REFERENCES task_questions(id) ON DELETE CASCADE,
			author_type TEXT NOT NULL,
			author_id TEXT NOT NULL,
			body TEXT NOT NULL,
			is_resolution INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS project_knowledge (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			key TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			category TEXT,
			created_by_type TEXT NOT NULL,
			created_by_id TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(project_id, key)
		);`,
		`CREATE TABLE IF NOT EXISTS task_artifacts (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			artifact_type TEXT NOT NULL,
			value TEXT NOT NULL,
			created_by_type TEXT NOT NULL,
			created_by_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_usage (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL,
			reported_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS webhook_log (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT,
			response_status INTEGER,
			response_body TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS webhook_triggers (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			action_type TEXT NOT NULL,
			action_config TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS webhook_trigger_logs (
			id TEXT PRIMARY KEY,
			trigger_id TEXT NOT NULL REFERENCES webhook_triggers(id) ON DELETE CASCADE,
			received_at TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT,
			result TEXT,
			error TEXT
		);`,

		`CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assignee_id ON tasks(assignee_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_tags_tag ON task_tags(tag);`,
		`CREATE INDEX IF NOT EXISTS idx_deps_task_id ON task_dependencies(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON task_dependencies(depends_on);`,
		`CREATE INDEX IF NOT EXISTS idx_activity_task_id ON task_activity(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_api_key_hash ON agents(api_key_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_agent ON notifications(agent_id, read, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_questions_task ON task_questions(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_questions_target ON task_questions(target_type, target_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_replies_question ON question_replies(question_id);`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_project_key ON project_knowledge(project_id, key);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_task ON task_artifacts(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_task ON task_usage(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_agent ON task_usage(agent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_log_agent ON webhook_log(agent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_trigger_project ON webhook_triggers(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_trigger_log_trigger ON webhook_trigger_logs(trigger_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersion, schemaChecksum,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}
