// Package runner executes one run of a workflow definition. Each run
// gets its own goroutine; steps within the run are strictly sequential.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/backend/credentials"
	"github.com/agentflow/agentflow/internal/backend/registry"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/engine/eventlog"
	"github.com/agentflow/agentflow/internal/engine/supervisor"
	"github.com/agentflow/agentflow/internal/engine/workspace"
	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

// Deps are the collaborators a runner drives.
type Deps struct {
	Supervisor  *supervisor.Supervisor
	Workspaces  *workspace.Manager
	Backends    *registry.Registry
	Credentials credentials.Provider
	Logger      *logger.Logger
}

// Limits carries the engine-level execution bounds applied when a step
// spec leaves them unset.
type Limits struct {
	DefaultMaxIterations int
	DefaultMaxRetries    int
	StepTimeout          time.Duration
	FirstOutputTimeout   time.Duration
	StopGracePeriod      time.Duration
}

// Hooks let the owner observe run transitions. All hooks are optional
// and are called outside the runner's lock with a copy of the run.
type Hooks struct {
	OnUpdate     func(run v1.Run)
	OnStepFailed func(run v1.Run, stepIndex int, reason string)
	OnFinished   func(run v1.Run)
}

// controlMsg is one accepted control operation handed to the run loop.
type controlMsg struct {
	op        v1.ControlOp
	fromIndex int
}

// Runner owns the state machine for one run.
type Runner struct {
	deps   Deps
	limits Limits
	hooks  Hooks
	def    v1.WorkflowDefinition
	log    *eventlog.Log
	logger *logger.Logger

	mu            sync.Mutex
	run           *v1.Run
	stepCancel    context.CancelFunc
	stopRequested bool

	// autoRetried marks that the automatic retry for the current halt
	// cycle has been spent. A manual control resets it.
	autoRetried bool

	controls chan controlMsg
	done     chan struct{}
}

// New creates a runner in queued state with a fresh event log. Call
// Start to begin execution.
func New(def v1.WorkflowDefinition, projectDir string, deps Deps, limits Limits, hooks Hooks) *Runner {
	steps := make([]v1.StepState, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = v1.StepState{Title: s.Title, Status: v1.StepStatusPending}
	}

	maxRetries := def.MaxRetries
	if maxRetries == 0 {
		maxRetries = limits.DefaultMaxRetries
	}

	run := &v1.Run{
		ID:         uuid.New().String(),
		Status:     v1.RunStatusQueued,
		Steps:      steps,
		MaxRetries: maxRetries,
		ProjectDir: projectDir,
		CreatedAt:  time.Now().UTC(),
	}

	return &Runner{
		deps:     deps,
		limits:   limits,
		hooks:    hooks,
		def:      def,
		log:      eventlog.New(run.ID),
		logger:   deps.Logger.WithFields(zap.String("component", "runner"), zap.String("run_id", run.ID)),
		run:      run,
		controls: make(chan controlMsg, 1),
		done:     make(chan struct{}),
	}
}

// ID returns the run's id.
func (r *Runner) ID() string {
	return r.run.ID
}

// Log returns the run's event log.
func (r *Runner) Log() *eventlog.Log {
	return r.log
}

// Done is closed when the run loop exits.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Snapshot returns a copy of the run's current state.
func (r *Runner) Snapshot() v1.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneRun(r.run)
}

// Start launches the run loop on its own goroutine. The context bounds
// the whole run; cancelling it behaves like a stop.
func (r *Runner) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	r.transition(func(run *v1.Run) {
		run.Status = v1.RunStatusRunning
	})
	r.logger.Info("run started", zap.Int("steps", len(r.def.Steps)))

	for {
		if r.isStopRequested() || ctx.Err() != nil {
			r.finish(v1.RunStatusCancelled)
			return
		}

		idx := r.currentIndex()
		if idx >= len(r.def.Steps) {
			// Success requires every step completed or skipped. A
			// continue can move the cursor past a failed step; the run
			// parks on the earliest unresolved step instead of ending.
			if unresolved, ok := r.firstUnresolvedStep(); ok {
				r.transition(func(run *v1.Run) {
					run.CurrentStepIndex = unresolved
				})
				if !r.haltAndAwaitControl(ctx, unresolved, r.unresolvedReason(unresolved)) {
					return
				}
				continue
			}
			r.finish(v1.RunStatusSucceeded)
			return
		}

		res := r.executeStep(ctx, idx)
		switch res.kind {
		case stepCompleted:
			r.transition(func(run *v1.Run) {
				run.CurrentStepIndex++
				run.RetryCount = 0
			})
			r.autoRetried = false

		case stepCancelled:
			r.finish(v1.RunStatusCancelled)
			return

		case stepFailed:
			if r.tryAutoRetry(idx, res.reason) {
				continue
			}
			if !r.haltAndAwaitControl(ctx, idx, res.reason) {
				return
			}
		}
	}
}

// tryAutoRetry spends at most one automatic retry per halt cycle while
// retry budget remains.
func (r *Runner) tryAutoRetry(idx int, reason string) bool {
	r.mu.Lock()
	if r.autoRetried || r.run.RetryCount >= r.run.MaxRetries {
		r.mu.Unlock()
		return false
	}
	r.autoRetried = true
	r.run.RetryCount++
	r.run.Steps[idx].Retries++
	r.mu.Unlock()

	r.log.Append(v1.EventWarning, idx, "retrying step automatically after failure",
		map[string]any{"reason": reason, "retry": r.Snapshot().RetryCount})
	r.logger.Warn("auto-retrying failed step",
		zap.Int("step_index", idx),
		zap.String("reason", reason))
	return true
}

// haltAndAwaitControl parks the run in paused or failed state until a
// control operation arrives. It returns false when the loop must exit.
func (r *Runner) haltAndAwaitControl(ctx context.Context, idx int, reason string) bool {
	halted := v1.RunStatusFailed
	r.mu.Lock()
	if r.run.RetryCount < r.run.MaxRetries {
		halted = v1.RunStatusPaused
	}
	r.mu.Unlock()

	r.transition(func(run *v1.Run) {
		run.Status = halted
	})
	r.logger.Warn("run halted awaiting control",
		zap.Int("step_index", idx),
		zap.String("reason", reason),
		zap.String("status", string(halted)))

	if r.hooks.OnStepFailed != nil {
		r.hooks.OnStepFailed(r.Snapshot(), idx, reason)
	}

	for {
		var msg controlMsg
		select {
		case msg = <-r.controls:
		case <-ctx.Done():
			r.finish(v1.RunStatusCancelled)
			return false
		}

		switch msg.op {
		case v1.ControlStop:
			r.finish(v1.RunStatusCancelled)
			return false

		case v1.ControlRetry:
			r.transition(func(run *v1.Run) {
				run.Status = v1.RunStatusRunning
				run.RetryCount++
				run.Steps[idx].Retries++
			})
			r.autoRetried = false
			r.log.Append(v1.EventWarning, idx, "step retried by operator", nil)
			return true

		case v1.ControlSkip:
			now := time.Now().UTC()
			r.transition(func(run *v1.Run) {
				run.Status = v1.RunStatusRunning
				run.Steps[idx].Status = v1.StepStatusSkipped
				run.Steps[idx].FinishedAt = &now
				run.CurrentStepIndex++
				run.RetryCount = 0
			})
			r.autoRetried = false
			r.log.Append(v1.EventWarning, idx, "step skipped by operator", nil)
			return true

		case v1.ControlContinue:
			// Pure index repositioning: statuses of intermediate steps
			// are left as they are.
			r.transition(func(run *v1.Run) {
				run.Status = v1.RunStatusRunning
				run.CurrentStepIndex = msg.fromIndex
				run.RetryCount = 0
			})
			r.autoRetried = false
			r.log.Append(v1.EventWarning, msg.fromIndex, "run resumed by operator", nil)
			return true
		}
	}
}

// finish moves the run to a terminal state.
func (r *Runner) finish(status v1.RunStatus) {
	now := time.Now().UTC()
	r.transition(func(run *v1.Run) {
		run.Status = status
		run.FinishedAt = &now
	})
	r.logger.Info("run finished", zap.String("status", string(status)))
	if r.hooks.OnFinished != nil {
		r.hooks.OnFinished(r.Snapshot())
	}
}

// transition mutates the run under the lock and reports the new state
// through OnUpdate.
func (r *Runner) transition(mutate func(run *v1.Run)) {
	r.mu.Lock()
	mutate(r.run)
	snapshot := cloneRun(r.run)
	r.mu.Unlock()

	if r.hooks.OnUpdate != nil {
		r.hooks.OnUpdate(snapshot)
	}
}

// firstUnresolvedStep returns the earliest step that is neither
// completed nor skipped.
func (r *Runner) firstUnresolvedStep() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, st := range r.run.Steps {
		if st.Status != v1.StepStatusCompleted && st.Status != v1.StepStatusSkipped {
			return i, true
		}
	}
	return -1, false
}

// unresolvedReason reports why a step blocks run completion.
func (r *Runner) unresolvedReason(idx int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lastErr := r.run.Steps[idx].LastError; lastErr != "" {
		return lastErr
	}
	return "step not completed"
}

func (r *Runner) currentIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.CurrentStepIndex
}

func (r *Runner) isStopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

func (r *Runner) setStepCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepCancel = cancel
}

func cloneRun(run *v1.Run) v1.Run {
	out := *run
	out.Steps = make([]v1.StepState, len(run.Steps))
	copy(out.Steps, run.Steps)
	return out
}
