// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RenderOutcome is one terminal row of the render log: how a job ended and
// how long it spent waiting and rendering.
type RenderOutcome struct {
	JobID   string
	Stage   string
	At      time.Time
	WaitMs  int64
	RunMs   int64
	PDFSize int64
	Note    string
}

// RenderStoreConfig controls the Postgres connection pool used for render log rows.
type RenderStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RenderStore writes render outcomes into Postgres.
type RenderStore struct {
	pool  execCloser
	table string
}

// NewRenderStore creates a Postgres-backed RenderStore using the provided config.
func NewRenderStore(ctx context.Context, cfg RenderStoreConfig) (*RenderStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("renderlog.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "render_log"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RenderStore{pool: pool, table: table}, nil
}

// NewRenderStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRenderStoreWithPool(pool execCloser, table string) (*RenderStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "render_log"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RenderStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RenderStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordOutcome inserts one render log row.
func (s *RenderStore) RecordOutcome(ctx context.Context, outcome RenderOutcome) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("render store is not configured")
	}
	if outcome.JobID == "" {
		return fmt.Errorf("outcome job id is required")
	}
	if outcome.Stage == "" {
		return fmt.Errorf("outcome stage is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	stage,
	finished_at,
	wait_ms,
	run_ms,
	pdf_bytes,
	note
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)`, s.table)

	args := []any{
		outcome.JobID,
		outcome.Stage,
		outcome.At,
		outcome.WaitMs,
		outcome.RunMs,
		outcome.PDFSize,
		outcome.Note,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert render outcome: %w", err)
	}
	return nil
}
