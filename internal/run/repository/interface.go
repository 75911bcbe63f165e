// Package repository persists runs, step states, and events as flat
// records. The engine writes snapshots here so finished runs stay
// queryable after their runner is gone.
package repository

import (
	"context"

	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

// RunRepository stores run snapshots and their event logs.
type RunRepository interface {
	// SaveRun upserts a run and its step states.
	SaveRun(ctx context.Context, run v1.Run) error

	// GetRun returns a run by id, or a NotFound error.
	GetRun(ctx context.Context, id string) (v1.Run, error)

	// ListRuns returns all stored runs, newest first.
	ListRuns(ctx context.Context) ([]v1.Run, error)

	// AppendEvents stores new events. Events are immutable; ids are
	// assigned by the engine and never rewritten here.
	AppendEvents(ctx context.Context, events []v1.Event) error

	// GetEvents returns a run's events with id > afterID, in id order.
	GetEvents(ctx context.Context, runID string, afterID int64) ([]v1.Event, error)

	// Close releases the underlying store.
	Close() error
}
