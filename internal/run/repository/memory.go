package repository

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

// MemoryRepository is the in-memory store, used by default and in tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	runs   map[string]v1.Run
	events map[string][]v1.Event
}

var _ RunRepository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		runs:   make(map[string]v1.Run),
		events: make(map[string][]v1.Event),
	}
}

func (r *MemoryRepository) SaveRun(_ context.Context, run v1.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := make([]v1.StepState, len(run.Steps))
	copy(steps, run.Steps)
	run.Steps = steps
	r.runs[run.ID] = run
	return nil
}

func (r *MemoryRepository) GetRun(_ context.Context, id string) (v1.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return v1.Run{}, apperrors.NotFound("run", id)
	}
	steps := make([]v1.StepState, len(run.Steps))
	copy(steps, run.Steps)
	run.Steps = steps
	return run, nil
}

func (r *MemoryRepository) ListRuns(_ context.Context) ([]v1.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]v1.Run, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) AppendEvents(_ context.Context, events []v1.Event) error {
	if len(events) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range events {
		r.events[ev.RunID] = append(r.events[ev.RunID], ev)
	}
	return nil
}

func (r *MemoryRepository) GetEvents(_ context.Context, runID string, afterID int64) ([]v1.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []v1.Event
	for _, ev := range r.events[runID] {
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) Close() error {
	return nil
}
