// Package records is a thin module over Postgres persisting rows whose
// authoritative state lives elsewhere (workspaces, sessions, runs, secret
// envelopes, apps catalog, auth tokens) plus non-routing reads. The cache
// wins for live session status; these rows win for history once a status
// becomes terminal.
package records

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Store wraps a Postgres connection pool with termflux's row-shaped
// persistence helpers.
type Store struct {
	db  *sql.DB
	log *logrus.Logger
}

// New opens a Postgres connection pool and verifies connectivity.
func New(dsn string, log *logrus.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("records: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("records: ping: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{db: db, log: log}, nil
}

// NewForTesting adapts an existing *sql.DB (e.g. sqlmock or a test
// container).
func NewForTesting(db *sql.DB) *Store {
	return &Store{db: db, log: logrus.StandardLogger()}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates every table termflux needs if absent. Versioned schema
// migration is owned by external tooling; this only bootstraps a fresh
// database.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id VARCHAR(64) PRIMARY KEY,
			display_name VARCHAR(255) NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			org_id VARCHAR(64),
			status VARCHAR(32) NOT NULL,
			container_handle VARCHAR(128),
			cpu_cores DOUBLE PRECISION NOT NULL,
			memory_mib BIGINT NOT NULL,
			disk_mib BIGINT NOT NULL,
			env JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(32) PRIMARY KEY,
			workspace_id VARCHAR(64) NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			user_id VARCHAR(64) NOT NULL,
			multiplexer_name VARCHAR(64) NOT NULL,
			window_index INT NOT NULL DEFAULT 0,
			cols INT NOT NULL,
			rows INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
			closed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id VARCHAR(64) PRIMARY KEY,
			workspace_id VARCHAR(64) NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			steps JSONB NOT NULL,
			env JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id VARCHAR(32) PRIMARY KEY,
			workflow_id VARCHAR(64) NOT NULL,
			workspace_id VARCHAR(64) NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			variables JSONB,
			step_results JSONB,
			final_error TEXT,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id VARCHAR(64) PRIMARY KEY,
			workspace_id VARCHAR(64) NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			alg_id VARCHAR(64) NOT NULL,
			salt_b64 TEXT NOT NULL,
			nonce_b64 TEXT NOT NULL,
			ct_b64 TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(workspace_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS apps (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			install_script TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS app_installs (
			workspace_id VARCHAR(64) NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			app_id VARCHAR(64) NOT NULL REFERENCES apps(id),
			installed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (workspace_id, app_id)
		)`,
		`CREATE TABLE IF NOT EXISTS auth_tokens (
			token VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("records: migrate: %w", err)
		}
	}
	return nil
}
