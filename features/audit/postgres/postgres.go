// Package postgres implements the audit seam on PostgreSQL. Tracked nodes
// append one row each to workflow_execution_logs; runs started from an
// external execution record finish with a single terminal update of
// workflow_executions.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weftworks/weft/features/audit"
	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/telemetry"
)

// Querier is the subset of pgxpool.Pool the store uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ Querier = (*pgxpool.Pool)(nil)

// Options configures the store.
type Options struct {
	// Pool executes statements. Required; the caller owns its lifecycle.
	Pool Querier
	// Logger receives store diagnostics.
	Logger telemetry.Logger
}

// Store is the Postgres-backed audit store.
type Store struct {
	pool Querier
	log  telemetry.Logger
}

var _ audit.Store = (*Store)(nil)

// Connect opens a pgx pool against url and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// New returns a Postgres-backed audit store.
func New(opts Options) (*Store, error) {
	if opts.Pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Store{pool: opts.Pool, log: log}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS workflow_execution_logs (
	id            UUID PRIMARY KEY,
	execution_id  TEXT NOT NULL,
	node_id       TEXT NOT NULL,
	node_name     TEXT,
	node_type     TEXT,
	activity_name TEXT,
	status        TEXT NOT NULL,
	input         JSONB,
	output        JSONB,
	error         TEXT,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	duration      BIGINT,
	timestamp     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS workflow_execution_logs_execution_id_idx
	ON workflow_execution_logs (execution_id);
CREATE TABLE IF NOT EXISTS workflow_executions (
	id           TEXT PRIMARY KEY,
	output       JSONB,
	status       TEXT,
	completed_at TIMESTAMPTZ,
	duration     BIGINT
);
`

// EnsureSchema creates the audit tables when they do not exist. Deployments
// where another service owns the execution table can skip it.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

const insertLogSQL = `
INSERT INTO workflow_execution_logs
	(id, execution_id, node_id, node_name, node_type, activity_name, status,
	 input, output, error, started_at, completed_at, duration)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// InsertLog appends one node-level audit row.
func (s *Store) InsertLog(ctx context.Context, in *api.AuditLogInput) error {
	if in.ExecutionID == "" {
		return errors.New("execution id is required")
	}
	_, err := s.pool.Exec(ctx, insertLogSQL,
		uuid.NewString(),
		in.ExecutionID,
		in.NodeID,
		in.NodeName,
		in.NodeType,
		in.ActivityName,
		in.Status,
		in.Input,
		in.Output,
		in.Error,
		nullableTime(in.StartedAt),
		nullableTime(in.CompletedAt),
		in.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

const updateExecutionSQL = `
UPDATE workflow_executions
SET output = $2, status = $3, completed_at = $4, duration = $5
WHERE id = $1`

// UpdateExecution writes the terminal columns of an externally created
// execution row. A missing row is logged rather than returned as an error
// since retrying cannot create it.
func (s *Store) UpdateExecution(ctx context.Context, in *api.PersistResultsInput) error {
	if in.DBExecutionID == "" {
		return errors.New("db execution id is required")
	}
	tag, err := s.pool.Exec(ctx, updateExecutionSQL,
		in.DBExecutionID,
		in.Output,
		in.Status,
		nullableTime(in.CompletedAt),
		in.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("update workflow execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Warn(ctx, "no execution row to update", "db_execution_id", in.DBExecutionID)
	}
	return nil
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
