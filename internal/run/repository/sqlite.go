package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id                 TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	current_step_index INTEGER NOT NULL,
	retry_count        INTEGER NOT NULL,
	max_retries        INTEGER NOT NULL,
	project_dir        TEXT NOT NULL,
	created_at         TIMESTAMP NOT NULL,
	finished_at        TIMESTAMP
);

CREATE TABLE IF NOT EXISTS run_steps (
	run_id      TEXT NOT NULL,
	step_index  INTEGER NOT NULL,
	title       TEXT NOT NULL,
	status      TEXT NOT NULL,
	retries     INTEGER NOT NULL,
	iterations  INTEGER NOT NULL,
	last_error  TEXT,
	started_at  TIMESTAMP,
	finished_at TIMESTAMP,
	PRIMARY KEY (run_id, step_index)
);

CREATE TABLE IF NOT EXISTS run_events (
	run_id     TEXT NOT NULL,
	id         INTEGER NOT NULL,
	timestamp  TIMESTAMP NOT NULL,
	type       TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	message    TEXT NOT NULL,
	payload    TEXT,
	PRIMARY KEY (run_id, id)
);

CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// SQLiteRepository persists runs in a local SQLite database.
type SQLiteRepository struct {
	db *sqlx.DB
}

var _ RunRepository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (and migrates) the database at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

type runRow struct {
	ID               string       `db:"id"`
	Status           string       `db:"status"`
	CurrentStepIndex int          `db:"current_step_index"`
	RetryCount       int          `db:"retry_count"`
	MaxRetries       int          `db:"max_retries"`
	ProjectDir       string       `db:"project_dir"`
	CreatedAt        time.Time    `db:"created_at"`
	FinishedAt       sql.NullTime `db:"finished_at"`
}

type stepRow struct {
	RunID      string         `db:"run_id"`
	StepIndex  int            `db:"step_index"`
	Title      string         `db:"title"`
	Status     string         `db:"status"`
	Retries    int            `db:"retries"`
	Iterations int            `db:"iterations"`
	LastError  sql.NullString `db:"last_error"`
	StartedAt  sql.NullTime   `db:"started_at"`
	FinishedAt sql.NullTime   `db:"finished_at"`
}

type eventRow struct {
	RunID     string         `db:"run_id"`
	ID        int64          `db:"id"`
	Timestamp time.Time      `db:"timestamp"`
	Type      string         `db:"type"`
	StepIndex int            `db:"step_index"`
	Message   string         `db:"message"`
	Payload   sql.NullString `db:"payload"`
}

func (r *SQLiteRepository) SaveRun(ctx context.Context, run v1.Run) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, status, current_step_index, retry_count, max_retries, project_dir, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_step_index = excluded.current_step_index,
			retry_count = excluded.retry_count,
			finished_at = excluded.finished_at`,
		run.ID, run.Status, run.CurrentStepIndex, run.RetryCount, run.MaxRetries,
		run.ProjectDir, run.CreatedAt, nullTime(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	for i, st := range run.Steps {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_steps (run_id, step_index, title, status, retries, iterations, last_error, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, step_index) DO UPDATE SET
				status = excluded.status,
				retries = excluded.retries,
				iterations = excluded.iterations,
				last_error = excluded.last_error,
				started_at = excluded.started_at,
				finished_at = excluded.finished_at`,
			run.ID, i, st.Title, st.Status, st.Retries, st.Iterations,
			nullString(st.LastError), nullTime(st.StartedAt), nullTime(st.FinishedAt))
		if err != nil {
			return fmt.Errorf("failed to save step %d: %w", i, err)
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (v1.Run, error) {
	var row runRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return v1.Run{}, apperrors.NotFound("run", id)
	}
	if err != nil {
		return v1.Run{}, fmt.Errorf("failed to load run: %w", err)
	}

	var stepRows []stepRow
	if err := r.db.SelectContext(ctx, &stepRows,
		`SELECT * FROM run_steps WHERE run_id = ? ORDER BY step_index`, id); err != nil {
		return v1.Run{}, fmt.Errorf("failed to load steps: %w", err)
	}

	return toRun(row, stepRows), nil
}

func (r *SQLiteRepository) ListRuns(ctx context.Context) ([]v1.Run, error) {
	var rows []runRow
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM runs ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]v1.Run, 0, len(rows))
	for _, row := range rows {
		var stepRows []stepRow
		if err := r.db.SelectContext(ctx, &stepRows,
			`SELECT * FROM run_steps WHERE run_id = ? ORDER BY step_index`, row.ID); err != nil {
			return nil, fmt.Errorf("failed to load steps: %w", err)
		}
		runs = append(runs, toRun(row, stepRows))
	}
	return runs, nil
}

func (r *SQLiteRepository) AppendEvents(ctx context.Context, events []v1.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		payload, err := marshalPayload(ev.Payload)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO run_events (run_id, id, timestamp, type, step_index, message, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.RunID, ev.ID, ev.Timestamp, ev.Type, ev.StepIndex, ev.Message, payload)
		if err != nil {
			return fmt.Errorf("failed to append event %d: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) GetEvents(ctx context.Context, runID string, afterID int64) ([]v1.Event, error) {
	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM run_events WHERE run_id = ? AND id > ? ORDER BY id`, runID, afterID); err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	events := make([]v1.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, toEvent(row))
	}
	return events, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func toRun(row runRow, steps []stepRow) v1.Run {
	run := v1.Run{
		ID:               row.ID,
		Status:           v1.RunStatus(row.Status),
		CurrentStepIndex: row.CurrentStepIndex,
		RetryCount:       row.RetryCount,
		MaxRetries:       row.MaxRetries,
		ProjectDir:       row.ProjectDir,
		CreatedAt:        row.CreatedAt,
		FinishedAt:       timePtr(row.FinishedAt),
	}
	run.Steps = make([]v1.StepState, len(steps))
	for _, st := range steps {
		run.Steps[st.StepIndex] = v1.StepState{
			Title:      st.Title,
			Status:     v1.StepStatus(st.Status),
			Retries:    st.Retries,
			Iterations: st.Iterations,
			LastError:  st.LastError.String,
			StartedAt:  timePtr(st.StartedAt),
			FinishedAt: timePtr(st.FinishedAt),
		}
	}
	return run
}

func toEvent(row eventRow) v1.Event {
	ev := v1.Event{
		ID:        row.ID,
		RunID:     row.RunID,
		Timestamp: row.Timestamp,
		Type:      v1.EventType(row.Type),
		StepIndex: row.StepIndex,
		Message:   row.Message,
	}
	if row.Payload.Valid && row.Payload.String != "" {
		_ = json.Unmarshal([]byte(row.Payload.String), &ev.Payload)
	}
	return ev
}

func marshalPayload(payload map[string]any) (sql.NullString, error) {
	if len(payload) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	out := t.Time
	return &out
}
