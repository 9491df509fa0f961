// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/conversion-progress/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "conversion_runs"

// RunStoreConfig controls the Postgres connection pool used for run rows.
type RunStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// IDFunc generates surrogate keys for new rows.
type IDFunc func() (uuid.UUID, error)

// RunStore implements store.RunRepository on Postgres.
type RunStore struct {
	pool  pool
	table string
	newID IDFunc
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore connects a pool using cfg.
func NewRunStore(ctx context.Context, cfg RunStoreConfig, newID IDFunc) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewRunStoreWithPool(p, cfg.Table, newID)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(p pool, table string, newID IDFunc) (*RunStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if newID == nil {
		newID = uuid.NewV7
	}
	return &RunStore{pool: p, table: table, newID: newID}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the run table when it does not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id                 uuid PRIMARY KEY,
	job_id             text NOT NULL UNIQUE,
	file_name          text,
	started_at         timestamptz NOT NULL,
	finished_at        timestamptz,
	status             text NOT NULL,
	error_message      text,
	output_file        text,
	processing_seconds double precision
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// UpsertRunStart inserts a running row or fills in a missing file name.
func (s *RunStore) UpsertRunStart(ctx context.Context, jobID, fileName string, startedAt time.Time) error {
	id, err := s.newID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, job_id, file_name, started_at, status)
VALUES ($1, $2, NULLIF($3, ''), $4, $5)
ON CONFLICT (job_id) DO UPDATE
SET file_name = COALESCE(%[1]s.file_name, EXCLUDED.file_name)`, s.table)
	if _, err := s.pool.Exec(ctx, query, id, jobID, fileName, startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run terminal. Runs never seen before are inserted with
// finishedAt as their start time.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	jobID string,
	finishedAt time.Time,
	status store.RunStatus,
	result store.RunResult,
) error {
	id, err := s.newID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, job_id, file_name, started_at, finished_at, status, error_message, output_file, processing_seconds)
VALUES ($1, $2, NULLIF($3, ''), $4, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
ON CONFLICT (job_id) DO UPDATE
SET finished_at = EXCLUDED.finished_at,
	status = EXCLUDED.status,
	error_message = EXCLUDED.error_message,
	file_name = COALESCE(%[1]s.file_name, EXCLUDED.file_name),
	output_file = COALESCE(EXCLUDED.output_file, %[1]s.output_file),
	processing_seconds = COALESCE(EXCLUDED.processing_seconds, %[1]s.processing_seconds)`, s.table)
	_, err = s.pool.Exec(ctx, query,
		id,
		jobID,
		result.FileName,
		finishedAt,
		string(status),
		result.ErrorMessage,
		result.OutputFile,
		result.ProcessingSeconds,
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// GetRun loads a single run by job id.
func (s *RunStore) GetRun(ctx context.Context, jobID string) (store.Run, error) {
	query := fmt.Sprintf(`
SELECT id, job_id, file_name, started_at, finished_at, status, error_message, output_file, processing_seconds
FROM %s
WHERE job_id = $1`, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := fmt.Sprintf(`
SELECT id, job_id, file_name, started_at, finished_at, status, error_message, output_file, processing_seconds
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.table)
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run      store.Run
		fileName *string
		status   string
	)
	err := row.Scan(
		&run.ID,
		&run.JobID,
		&fileName,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.ErrorMessage,
		&run.OutputFile,
		&run.ProcessingSeconds,
	)
	if err != nil {
		return store.Run{}, err
	}
	if fileName != nil {
		run.FileName = *fileName
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
