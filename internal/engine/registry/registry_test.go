package registry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	backendregistry "github.com/agentflow/agentflow/internal/backend/registry"
	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/engine/runner"
	"github.com/agentflow/agentflow/internal/engine/supervisor"
	"github.com/agentflow/agentflow/internal/engine/workspace"
	"github.com/agentflow/agentflow/internal/events/bus"
	"github.com/agentflow/agentflow/internal/run/repository"
	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

type hostEnv struct{}

func (hostEnv) EnvFor(*backendregistry.Backend) ([]string, error) { return os.Environ(), nil }

func testDeps(t *testing.T) runner.Deps {
	t.Helper()
	log := logger.Default()

	backends := backendregistry.NewRegistry(log)
	backends.Register(&backendregistry.Backend{
		ID:      "sh",
		Command: "sh",
		Args:    []string{"-c", backendregistry.PromptPlaceholder},
		Enabled: true,
	})

	return runner.Deps{
		Supervisor:  supervisor.New(log),
		Workspaces:  workspace.NewManager(t.TempDir(), log),
		Backends:    backends,
		Credentials: hostEnv{},
		Logger:      log,
	}
}

func testLimits() runner.Limits {
	return runner.Limits{
		DefaultMaxIterations: 1,
		StepTimeout:          15 * time.Second,
		StopGracePeriod:      200 * time.Millisecond,
	}
}

func newTestRegistry(t *testing.T, maxConcurrent int, eventBus bus.EventBus) *Registry {
	t.Helper()
	r := New(testDeps(t), testLimits(), repository.NewMemoryRepository(), eventBus, maxConcurrent)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func shDef(scripts ...string) v1.WorkflowDefinition {
	def := v1.WorkflowDefinition{}
	for _, s := range scripts {
		def.Steps = append(def.Steps, v1.StepSpec{
			Title:            "step",
			Prompt:           s,
			CompletionSignal: "DONE",
			Backend:          "sh",
		})
	}
	return def
}

func waitRunStatus(t *testing.T, r *Registry, runID string, want v1.RunStatus) v1.RunStatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := r.Status(context.Background(), runID, 0)
		if err == nil && snap.Run.Status == want {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap, _ := r.Status(context.Background(), runID, 0)
	t.Fatalf("run %s never reached %s, currently %s", runID, want, snap.Run.Status)
	return v1.RunStatusSnapshot{}
}

func TestRegistry_SubmitValidatesDefinition(t *testing.T) {
	r := newTestRegistry(t, 2, nil)
	ctx := context.Background()

	cases := []v1.WorkflowDefinition{
		{},
		{Steps: []v1.StepSpec{{Title: "no prompt", CompletionSignal: "DONE", Backend: "sh"}}},
		{Steps: []v1.StepSpec{{Title: "no signal", Prompt: "echo hi", Backend: "sh"}}},
		{Steps: []v1.StepSpec{{Title: "no backend", Prompt: "echo hi", CompletionSignal: "DONE"}}},
		{Steps: []v1.StepSpec{{Title: "verify without signal", Prompt: "echo hi",
			CompletionSignal: "DONE", Backend: "sh", VerifyPrompt: "echo check"}}},
	}
	for i, def := range cases {
		if _, err := r.Submit(ctx, def, t.TempDir(), 0); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}

	if _, err := r.Submit(ctx, shDef("echo DONE"), "", 0); err == nil {
		t.Fatalf("expected validation error for empty project dir")
	}
}

func TestRegistry_RunToCompletionAndPersistedFallback(t *testing.T) {
	r := newTestRegistry(t, 2, nil)
	ctx := context.Background()

	runID, err := r.Submit(ctx, shDef("echo DONE"), t.TempDir(), 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := waitRunStatus(t, r, runID, v1.RunStatusSucceeded)
	if len(snap.Events) == 0 {
		t.Fatalf("expected events in snapshot")
	}
	if snap.LastEventID != snap.Events[len(snap.Events)-1].ID {
		t.Fatalf("last_event_id %d does not match newest event %d",
			snap.LastEventID, snap.Events[len(snap.Events)-1].ID)
	}

	// The runner is gone once finished; status must come from the
	// repository and still include the full event history.
	tail, err := r.Status(ctx, runID, snap.LastEventID)
	if err != nil {
		t.Fatalf("status after finish: %v", err)
	}
	if len(tail.Events) != 0 {
		t.Fatalf("expected no events past cursor, got %d", len(tail.Events))
	}
}

func TestRegistry_StatusCursorNeverSkipsEvents(t *testing.T) {
	r := newTestRegistry(t, 2, nil)
	ctx := context.Background()

	script := `i=0; while [ $i -lt 100 ]; do echo line $i; i=$((i+1)); done; echo DONE`
	runID, err := r.Submit(ctx, shDef(script), t.TempDir(), 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Several pollers advance their cursor to last_event_id after every
	// snapshot. None of them may skip an event, even while the run is
	// appending concurrently.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var cursor int64
			var seen []int64
			deadline := time.Now().Add(15 * time.Second)
			for time.Now().Before(deadline) {
				snap, err := r.Status(ctx, runID, cursor)
				if err != nil {
					errs <- fmt.Errorf("status: %w", err)
					return
				}
				if n := len(snap.Events); n > 0 {
					if snap.LastEventID != snap.Events[n-1].ID {
						errs <- fmt.Errorf("last_event_id %d does not match newest delivered event %d",
							snap.LastEventID, snap.Events[n-1].ID)
						return
					}
				} else if snap.LastEventID != cursor {
					errs <- fmt.Errorf("empty snapshot moved cursor from %d to %d",
						cursor, snap.LastEventID)
					return
				}
				for _, ev := range snap.Events {
					seen = append(seen, ev.ID)
				}
				cursor = snap.LastEventID
				if snap.Run.Status.IsTerminal() && len(snap.Events) == 0 {
					break
				}
			}
			for i, id := range seen {
				if id != int64(i+1) {
					errs <- fmt.Errorf("poller skipped an event: position %d has id %d", i, id)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestRegistry_StatusUnknownRun(t *testing.T) {
	r := newTestRegistry(t, 2, nil)
	_, err := r.Status(context.Background(), "no-such-run", 0)
	if !apperrors.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRegistry_ControlOnFinishedRun(t *testing.T) {
	r := newTestRegistry(t, 2, nil)
	ctx := context.Background()

	runID, err := r.Submit(ctx, shDef("echo DONE"), t.TempDir(), 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitRunStatus(t, r, runID, v1.RunStatusSucceeded)

	err = r.Control(ctx, runID, v1.ControlRequest{Op: v1.ControlRetry})
	if !apperrors.IsControlRejected(err) {
		t.Fatalf("expected RunNotRunning, got %v", err)
	}
}

func TestRegistry_ConcurrencyLimitQueuesRuns(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	ctx := context.Background()

	slow, err := r.Submit(ctx, shDef("echo started; sleep 1; echo DONE"), t.TempDir(), 0)
	if err != nil {
		t.Fatalf("submit slow: %v", err)
	}
	waitRunStatus(t, r, slow, v1.RunStatusRunning)

	quick, err := r.Submit(ctx, shDef("echo DONE"), t.TempDir(), 0)
	if err != nil {
		t.Fatalf("submit quick: %v", err)
	}

	snap, err := r.Status(ctx, quick, 0)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Run.Status != v1.RunStatusQueued {
		t.Fatalf("expected second run queued, got %s", snap.Run.Status)
	}

	waitRunStatus(t, r, slow, v1.RunStatusSucceeded)
	waitRunStatus(t, r, quick, v1.RunStatusSucceeded)
}

func TestRegistry_StopQueuedRunBeforeStart(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	ctx := context.Background()

	slow, err := r.Submit(ctx, shDef("echo started; sleep 30; echo DONE"), t.TempDir(), 0)
	if err != nil {
		t.Fatalf("submit slow: %v", err)
	}
	waitRunStatus(t, r, slow, v1.RunStatusRunning)

	queued, err := r.Submit(ctx, shDef("echo DONE"), t.TempDir(), 0)
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}
	if err := r.Control(ctx, queued, v1.ControlRequest{Op: v1.ControlStop}); err != nil {
		t.Fatalf("stop queued: %v", err)
	}

	snap := waitRunStatus(t, r, queued, v1.RunStatusCancelled)
	if snap.Run.FinishedAt == nil {
		t.Fatalf("expected finished_at on cancelled queued run")
	}

	if err := r.Control(ctx, slow, v1.ControlRequest{Op: v1.ControlStop}); err != nil {
		t.Fatalf("stop slow: %v", err)
	}
	waitRunStatus(t, r, slow, v1.RunStatusCancelled)
}

func TestRegistry_ListMergesLiveAndPersisted(t *testing.T) {
	r := newTestRegistry(t, 2, nil)
	ctx := context.Background()

	done, err := r.Submit(ctx, shDef("echo DONE"), t.TempDir(), 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitRunStatus(t, r, done, v1.RunStatusSucceeded)

	live, err := r.Submit(ctx, shDef("echo started; sleep 30; echo DONE"), t.TempDir(), 0)
	if err != nil {
		t.Fatalf("submit live: %v", err)
	}
	waitRunStatus(t, r, live, v1.RunStatusRunning)

	runs, err := r.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	statuses := map[string]v1.RunStatus{}
	for _, run := range runs {
		statuses[run.ID] = run.Status
	}
	if statuses[done] != v1.RunStatusSucceeded {
		t.Fatalf("expected finished run succeeded, got %s", statuses[done])
	}
	if statuses[live] != v1.RunStatusRunning {
		t.Fatalf("expected live run running, got %s", statuses[live])
	}
}

func TestRegistry_PublishesLifecycleEvents(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()

	var mu sync.Mutex
	var types []string
	_, err := eventBus.Subscribe("run.>", func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r := newTestRegistry(t, 2, eventBus)
	runID, err := r.Submit(context.Background(), shDef("echo DONE"), t.TempDir(), 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitRunStatus(t, r, runID, v1.RunStatusSucceeded)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(types)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawStarted, sawFinished bool
	for _, typ := range types {
		switch typ {
		case "run-started":
			sawStarted = true
		case "run-finished":
			sawFinished = true
		}
	}
	if !sawStarted || !sawFinished {
		t.Fatalf("missing lifecycle notifications: started=%v finished=%v", sawStarted, sawFinished)
	}
}
