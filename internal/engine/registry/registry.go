// Package registry tracks all in-flight and historical runs. It maps
// run ids to live runners, schedules queued runs against the
// concurrency limit, and falls back to persisted state once a run is
// finished.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/engine/eventlog"
	"github.com/agentflow/agentflow/internal/engine/runner"
	"github.com/agentflow/agentflow/internal/events/bus"
	"github.com/agentflow/agentflow/internal/run/repository"
	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

const busSource = "run-registry"

// entry is one live run and its persistence cursor.
type entry struct {
	runner  *runner.Runner
	log     *eventlog.Log
	started bool

	// persistMu serializes snapshot and event flushes for this run.
	persistMu   sync.Mutex
	persistedID int64
}

// Registry owns the run-id to runner map.
type Registry struct {
	deps          runner.Deps
	limits        runner.Limits
	repo          repository.RunRepository
	bus           bus.EventBus
	logger        *logger.Logger
	maxConcurrent int

	mu      sync.Mutex
	live    map[string]*entry
	waiting *runQueue
	running int
	closed  bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New creates a run registry. maxConcurrent bounds how many runs
// execute at once; further submissions queue.
func New(deps runner.Deps, limits runner.Limits, repo repository.RunRepository, eventBus bus.EventBus, maxConcurrent int) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		deps:          deps,
		limits:        limits,
		repo:          repo,
		bus:           eventBus,
		logger:        deps.Logger.WithFields(zap.String("component", "run-registry")),
		maxConcurrent: maxConcurrent,
		live:          make(map[string]*entry),
		waiting:       newRunQueue(),
		rootCtx:       ctx,
		rootCancel:    cancel,
	}
}

// Submit validates a workflow definition, creates a queued run, and
// schedules it. Higher priority runs start first when slots are scarce.
func (r *Registry) Submit(ctx context.Context, def v1.WorkflowDefinition, projectDir string, priority int) (string, error) {
	if err := validateDefinition(def); err != nil {
		return "", err
	}
	if projectDir == "" {
		return "", apperrors.ValidationError("project_dir", "must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", apperrors.Conflict("registry is shutting down")
	}

	e := &entry{}
	run := runner.New(def, projectDir, r.deps, r.limits, r.hooksFor(e))
	e.runner = run
	e.log = run.Log()

	r.live[run.ID()] = e
	if err := r.persistSnapshot(e); err != nil {
		delete(r.live, run.ID())
		return "", apperrors.Wrap(err, "failed to persist new run")
	}

	if r.running < r.maxConcurrent {
		r.startLocked(e)
	} else {
		r.waiting.push(run.ID(), priority)
		r.logger.Info("run queued",
			zap.String("run_id", run.ID()),
			zap.Int("waiting", r.waiting.Len()))
	}
	return run.ID(), nil
}

// Status returns the polling snapshot for a run: derived run state plus
// all events with id > afterID.
func (r *Registry) Status(ctx context.Context, runID string, afterID int64) (v1.RunStatusSnapshot, error) {
	r.mu.Lock()
	e, ok := r.live[runID]
	r.mu.Unlock()

	if ok {
		// LastEventID must never run ahead of the newest event in the
		// snapshot; pollers advance their cursor to it.
		events := e.log.After(afterID)
		lastID := afterID
		if n := len(events); n > 0 {
			lastID = events[n-1].ID
		}
		return v1.RunStatusSnapshot{
			Run:         e.runner.Snapshot(),
			Events:      events,
			LastEventID: lastID,
		}, nil
	}

	run, err := r.repo.GetRun(ctx, runID)
	if err != nil {
		return v1.RunStatusSnapshot{}, err
	}
	events, err := r.repo.GetEvents(ctx, runID, afterID)
	if err != nil {
		return v1.RunStatusSnapshot{}, err
	}
	lastID := afterID
	if n := len(events); n > 0 {
		lastID = events[n-1].ID
	}
	return v1.RunStatusSnapshot{Run: run, Events: events, LastEventID: lastID}, nil
}

// List returns all known runs, live state taking precedence over
// persisted snapshots.
func (r *Registry) List(ctx context.Context) ([]v1.Run, error) {
	runs, err := r.repo.ListRuns(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range runs {
		if e, ok := r.live[runs[i].ID]; ok {
			runs[i] = e.runner.Snapshot()
		}
	}
	return runs, nil
}

// Control dispatches a control operation to the live runner, or reports
// that the run is not running.
func (r *Registry) Control(ctx context.Context, runID string, req v1.ControlRequest) error {
	r.mu.Lock()
	e, ok := r.live[runID]
	if ok && req.Op == v1.ControlStop && r.waiting.remove(runID) {
		// Still queued: cancel without ever starting the worker.
		delete(r.live, runID)
		r.mu.Unlock()
		r.finishQueuedRun(e)
		return nil
	}
	r.mu.Unlock()

	if !ok {
		if _, err := r.repo.GetRun(ctx, runID); err != nil {
			return err
		}
		return apperrors.RunNotRunning(runID)
	}
	return e.runner.Control(req)
}

// Shutdown stops all live runs and waits for their workers to exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var started, queued []*entry
	for _, e := range r.live {
		if e.started {
			started = append(started, e)
		} else {
			r.waiting.remove(e.runner.ID())
			delete(r.live, e.runner.ID())
			queued = append(queued, e)
		}
	}
	r.mu.Unlock()

	for _, e := range queued {
		r.finishQueuedRun(e)
	}
	for _, e := range started {
		_ = e.runner.Control(v1.ControlRequest{Op: v1.ControlStop})
	}
	r.rootCancel()

	for _, e := range started {
		select {
		case <-e.runner.Done():
		case <-ctx.Done():
			return fmt.Errorf("shutdown timed out waiting for runs: %w", ctx.Err())
		}
	}
	return nil
}

// startLocked begins executing a run. Caller holds r.mu.
func (r *Registry) startLocked(e *entry) {
	r.running++
	e.started = true
	e.runner.Start(r.rootCtx)
	r.logger.Info("run started",
		zap.String("run_id", e.runner.ID()),
		zap.Int("running", r.running))
	r.publish(bus.SubjectRunStarted, "run-started", map[string]any{"run_id": e.runner.ID()})
}

// onRunDone frees the worker slot and starts the next queued run.
func (r *Registry) onRunDone(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.live, e.runner.ID())
	r.running--

	if r.closed {
		return
	}
	for r.running < r.maxConcurrent {
		id, ok := r.waiting.pop()
		if !ok {
			return
		}
		next, live := r.live[id]
		if !live {
			continue
		}
		r.startLocked(next)
	}
}

// finishQueuedRun persists the cancelled state of a run stopped before
// it ever started.
func (r *Registry) finishQueuedRun(e *entry) {
	snap := e.runner.Snapshot()
	snap.Status = v1.RunStatusCancelled
	now := time.Now().UTC()
	snap.FinishedAt = &now
	if err := r.repo.SaveRun(context.Background(), snap); err != nil {
		r.logger.Error("failed to persist cancelled queued run",
			zap.String("run_id", snap.ID), zap.Error(err))
	}
	r.publish(bus.SubjectRunFinished, "run-finished",
		map[string]any{"run_id": snap.ID, "status": string(v1.RunStatusCancelled)})
}

func (r *Registry) hooksFor(e *entry) runner.Hooks {
	return runner.Hooks{
		OnUpdate: func(run v1.Run) {
			if err := r.persistRun(e, run); err != nil {
				r.logger.Error("failed to persist run snapshot",
					zap.String("run_id", run.ID), zap.Error(err))
			}
		},
		OnStepFailed: func(run v1.Run, stepIndex int, reason string) {
			r.publish(bus.SubjectStepFailed, "step-failed", map[string]any{
				"run_id":     run.ID,
				"step_index": stepIndex,
				"reason":     reason,
			})
		},
		OnFinished: func(run v1.Run) {
			if err := r.persistRun(e, run); err != nil {
				r.logger.Error("failed to persist finished run",
					zap.String("run_id", run.ID), zap.Error(err))
			}
			r.publish(bus.SubjectRunFinished, "run-finished", map[string]any{
				"run_id": run.ID,
				"status": string(run.Status),
			})
			r.onRunDone(e)
		},
	}
}

// persistRun writes the run snapshot and flushes any unpersisted events.
func (r *Registry) persistRun(e *entry, run v1.Run) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	ctx := context.Background()
	if err := r.repo.SaveRun(ctx, run); err != nil {
		return err
	}
	events := e.log.After(e.persistedID)
	if len(events) == 0 {
		return nil
	}
	if err := r.repo.AppendEvents(ctx, events); err != nil {
		return err
	}
	e.persistedID = events[len(events)-1].ID
	return nil
}

func (r *Registry) persistSnapshot(e *entry) error {
	return r.persistRun(e, e.runner.Snapshot())
}

func (r *Registry) publish(subject, eventType string, data map[string]any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(context.Background(), subject, bus.NewEvent(eventType, busSource, data)); err != nil {
		r.logger.Warn("failed to publish bus event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func validateDefinition(def v1.WorkflowDefinition) error {
	if len(def.Steps) == 0 {
		return apperrors.ValidationError("steps", "workflow must have at least one step")
	}
	for i, s := range def.Steps {
		if s.Prompt == "" {
			return apperrors.ValidationError("steps", fmt.Sprintf("step %d: prompt must not be empty", i))
		}
		if s.CompletionSignal == "" {
			return apperrors.ValidationError("steps", fmt.Sprintf("step %d: completion_signal must not be empty", i))
		}
		if s.Backend == "" {
			return apperrors.ValidationError("steps", fmt.Sprintf("step %d: backend must not be empty", i))
		}
		if s.VerifyPrompt != "" && s.VerifySignal == "" {
			return apperrors.ValidationError("steps", fmt.Sprintf("step %d: verify_signal required with verify_prompt", i))
		}
	}
	return nil
}
