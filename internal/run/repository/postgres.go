package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id                 TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	current_step_index INTEGER NOT NULL,
	retry_count        INTEGER NOT NULL,
	max_retries        INTEGER NOT NULL,
	project_dir        TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	finished_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS run_steps (
	run_id      TEXT NOT NULL,
	step_index  INTEGER NOT NULL,
	title       TEXT NOT NULL,
	status      TEXT NOT NULL,
	retries     INTEGER NOT NULL,
	iterations  INTEGER NOT NULL,
	last_error  TEXT,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	PRIMARY KEY (run_id, step_index)
);

CREATE TABLE IF NOT EXISTS run_events (
	run_id     TEXT NOT NULL,
	id         BIGINT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	type       TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	message    TEXT NOT NULL,
	payload    JSONB,
	PRIMARY KEY (run_id, id)
);

CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// PostgresRepository persists runs in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ RunRepository = (*PostgresRepository)(nil)

// NewPostgresRepository connects to PostgreSQL and migrates the schema.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) SaveRun(ctx context.Context, run v1.Run) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, status, current_step_index, retry_count, max_retries, project_dir, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step_index = EXCLUDED.current_step_index,
			retry_count = EXCLUDED.retry_count,
			finished_at = EXCLUDED.finished_at`,
		run.ID, run.Status, run.CurrentStepIndex, run.RetryCount, run.MaxRetries,
		run.ProjectDir, run.CreatedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	for i, st := range run.Steps {
		var lastError *string
		if st.LastError != "" {
			lastError = &st.LastError
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO run_steps (run_id, step_index, title, status, retries, iterations, last_error, started_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (run_id, step_index) DO UPDATE SET
				status = EXCLUDED.status,
				retries = EXCLUDED.retries,
				iterations = EXCLUDED.iterations,
				last_error = EXCLUDED.last_error,
				started_at = EXCLUDED.started_at,
				finished_at = EXCLUDED.finished_at`,
			run.ID, i, st.Title, st.Status, st.Retries, st.Iterations,
			lastError, st.StartedAt, st.FinishedAt)
		if err != nil {
			return fmt.Errorf("failed to save step %d: %w", i, err)
		}
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) GetRun(ctx context.Context, id string) (v1.Run, error) {
	run, err := r.scanRun(ctx, r.pool.QueryRow(ctx, `
		SELECT id, status, current_step_index, retry_count, max_retries, project_dir, created_at, finished_at
		FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return v1.Run{}, apperrors.NotFound("run", id)
	}
	if err != nil {
		return v1.Run{}, fmt.Errorf("failed to load run: %w", err)
	}

	if run.Steps, err = r.loadSteps(ctx, id); err != nil {
		return v1.Run{}, err
	}
	return run, nil
}

func (r *PostgresRepository) ListRuns(ctx context.Context) ([]v1.Run, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, status, current_step_index, retry_count, max_retries, project_dir, created_at, finished_at
		FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []v1.Run
	for rows.Next() {
		run, err := r.scanRun(ctx, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		if runs[i].Steps, err = r.loadSteps(ctx, runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (r *PostgresRepository) AppendEvents(ctx context.Context, events []v1.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, ev := range events {
		var payload []byte
		if len(ev.Payload) > 0 {
			if payload, err = json.Marshal(ev.Payload); err != nil {
				return fmt.Errorf("failed to marshal event payload: %w", err)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO run_events (run_id, id, timestamp, type, step_index, message, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (run_id, id) DO NOTHING`,
			ev.RunID, ev.ID, ev.Timestamp, ev.Type, ev.StepIndex, ev.Message, payload)
		if err != nil {
			return fmt.Errorf("failed to append event %d: %w", ev.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) GetEvents(ctx context.Context, runID string, afterID int64) ([]v1.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT run_id, id, timestamp, type, step_index, message, payload
		FROM run_events WHERE run_id = $1 AND id > $2 ORDER BY id`, runID, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var events []v1.Event
	for rows.Next() {
		var ev v1.Event
		var payload []byte
		if err := rows.Scan(&ev.RunID, &ev.ID, &ev.Timestamp, &ev.Type, &ev.StepIndex, &ev.Message, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &ev.Payload)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) scanRun(_ context.Context, row pgx.Row) (v1.Run, error) {
	var run v1.Run
	var finishedAt *time.Time
	if err := row.Scan(&run.ID, &run.Status, &run.CurrentStepIndex, &run.RetryCount,
		&run.MaxRetries, &run.ProjectDir, &run.CreatedAt, &finishedAt); err != nil {
		return v1.Run{}, err
	}
	run.FinishedAt = finishedAt
	return run, nil
}

func (r *PostgresRepository) loadSteps(ctx context.Context, runID string) ([]v1.StepState, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT step_index, title, status, retries, iterations, last_error, started_at, finished_at
		FROM run_steps WHERE run_id = $1 ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	defer rows.Close()

	var steps []v1.StepState
	for rows.Next() {
		var idx int
		var st v1.StepState
		var lastError *string
		if err := rows.Scan(&idx, &st.Title, &st.Status, &st.Retries, &st.Iterations,
			&lastError, &st.StartedAt, &st.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if lastError != nil {
			st.LastError = *lastError
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
