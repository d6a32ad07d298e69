// Package store persists the data model of spec.md S3 to sqlite, grounded
// on apps/ReleaseParty/backend/internal/store: database/sql over
// modernc.org/sqlite, a statement-list migration run once at Open, and one
// file per entity group with explicit SQL (no ORM).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite connection. Single-writer (MaxOpenConns=1) so that
// BEGIN IMMEDIATE transactions give the row-lock semantics spec.md S5
// assumes for counter mutations, without a separate lock manager.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and parent directories) if needed and
// runs migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS github_tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			token_cipher TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '',
			expires_at TEXT,
			revoked_at TEXT,
			last_used_at TEXT,
			UNIQUE(account_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			github_token_id INTEGER NOT NULL,
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			github_id INTEGER NOT NULL,
			default_branch TEXT NOT NULL DEFAULT 'main',
			active INTEGER NOT NULL DEFAULT 0,
			poll_interval_seconds INTEGER NOT NULL DEFAULT 60,
			label_mappings TEXT NOT NULL DEFAULT '{}',
			pr_action_labels TEXT NOT NULL DEFAULT '[]',
			allowed_github_usernames TEXT NOT NULL DEFAULT '[]',
			auto_scan_prs INTEGER NOT NULL DEFAULT 0,
			auto_fix_merge_conflicts INTEGER NOT NULL DEFAULT 0,
			max_pr_followup_runs INTEGER NOT NULL DEFAULT 3,
			total_cost_cents INTEGER NOT NULL DEFAULT 0,
			total_tokens_used INTEGER NOT NULL DEFAULT 0,
			detected_language TEXT NOT NULL DEFAULT 'ruby',
			UNIQUE(account_id, github_id)
		);`,
		`CREATE TABLE IF NOT EXISTS issues (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			github_issue_id INTEGER NOT NULL,
			github_number INTEGER NOT NULL,
			title TEXT NOT NULL,
			body TEXT,
			labels TEXT NOT NULL DEFAULT '[]',
			github_state TEXT NOT NULL,
			is_pull_request INTEGER NOT NULL DEFAULT 0,
			github_creator_login TEXT NOT NULL,
			paid_state TEXT NOT NULL DEFAULT 'new',
			pr_followup_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE(project_id, github_issue_id)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			issue_id INTEGER,
			agent_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			started_at TEXT,
			completed_at TEXT,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			worktree_path TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL DEFAULT '',
			base_commit_sha TEXT NOT NULL DEFAULT '',
			result_commit_sha TEXT NOT NULL DEFAULT '',
			pull_request_url TEXT NOT NULL DEFAULT '',
			pull_request_number INTEGER NOT NULL DEFAULT 0,
			source_pull_request_number INTEGER,
			custom_prompt TEXT NOT NULL DEFAULT '',
			tokens_input INTEGER NOT NULL DEFAULT 0,
			tokens_output INTEGER NOT NULL DEFAULT 0,
			cost_cents INTEGER NOT NULL DEFAULT 0,
			proxy_token TEXT NOT NULL DEFAULT '',
			container_id TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			agent_run_id INTEGER,
			path TEXT NOT NULL,
			branch_name TEXT NOT NULL,
			base_commit TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			pushed INTEGER NOT NULL DEFAULT 0,
			cleaned_at TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(project_id, branch_name)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_run_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_run_id INTEGER NOT NULL,
			log_type TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_states (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			temporal_workflow_id TEXT NOT NULL UNIQUE,
			workflow_type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			input_data TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS prompt_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slug TEXT NOT NULL,
			version INTEGER NOT NULL,
			template TEXT NOT NULL,
			variables TEXT NOT NULL DEFAULT '[]',
			system_prompt TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			change_notes TEXT NOT NULL DEFAULT '',
			parent_version_id INTEGER,
			project_id INTEGER,
			account_id INTEGER,
			UNIQUE(slug, version, project_id, account_id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// withImmediate runs fn inside a BEGIN IMMEDIATE transaction, giving the
// row-level-lock semantics spec.md S4.9/S5 requires for counter mutations.
func (s *Store) withImmediate(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		// Some drivers start the tx eagerly; ignore "already in transaction" noise.
		_ = err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}
