package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/engine/supervisor"
	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

type stepResultKind int

const (
	stepCompleted stepResultKind = iota
	stepFailed
	stepCancelled
)

type stepResult struct {
	kind   stepResultKind
	reason string
}

// executeStep runs one step's iteration loop: acquire a workspace,
// invoke the backend until the completion signal appears, then run the
// verification gate if one is configured.
func (r *Runner) executeStep(ctx context.Context, idx int) stepResult {
	step := r.def.Steps[idx]

	started := time.Now().UTC()
	r.transition(func(run *v1.Run) {
		run.Status = v1.RunStatusRunning
		st := &run.Steps[idx]
		st.Status = v1.StepStatusRunning
		st.StartedAt = &started
		st.FinishedAt = nil
		st.LastError = ""
	})
	r.logger.Info("step started",
		zap.Int("step_index", idx),
		zap.String("title", step.Title))

	backend, err := r.deps.Backends.Resolve(step.Backend)
	if err != nil {
		return r.failStep(idx, apperrors.ReasonProcessFailure, err.Error())
	}
	env, err := r.deps.Credentials.EnvFor(backend)
	if err != nil {
		return r.failStep(idx, apperrors.ReasonProcessFailure, err.Error())
	}

	projectDir := r.Snapshot().ProjectDir
	ws, warnings, err := r.deps.Workspaces.Prepare(projectDir, step.WorkspacePolicy, step.AllowedPaths)
	if err != nil {
		return r.failStep(idx, apperrors.ReasonProcessFailure, err.Error())
	}
	defer r.deps.Workspaces.Release(ws)
	for _, w := range warnings {
		r.log.Append(v1.EventWarning, idx, w, nil)
	}

	maxIter := step.MaxIterations
	if maxIter <= 0 {
		maxIter = r.limits.DefaultMaxIterations
	}
	if maxIter <= 0 {
		maxIter = 1
	}

	var transcript string
	signalFound := false
	for iter := 1; iter <= maxIter; iter++ {
		r.transition(func(run *v1.Run) {
			run.Steps[idx].Iterations = iter
		})

		prompt := step.Prompt
		if iter > 1 && step.LoopIncludePrevious && transcript != "" {
			prompt = step.Prompt + "\n\nOutput from the previous attempt:\n" + transcript
		}

		found, output, outcome := r.invoke(ctx, idx, backend.Command, backend.BuildArgs(prompt), env, ws.Dir, backend.Structured, step.CompletionSignal)

		if r.isStopRequested() || outcome.Result == supervisor.ResultCancelled {
			return r.cancelStep(idx)
		}

		switch outcome.Result {
		case supervisor.ResultSuccess:
			transcript = output
			if found {
				signalFound = true
			}
		case supervisor.ResultTimeout:
			return r.failStep(idx, apperrors.ReasonTimeout,
				fmt.Sprintf("process exceeded wall-clock budget after %s", outcome.Duration.Round(time.Millisecond)))
		case supervisor.ResultStalled:
			return r.failStep(idx, apperrors.ReasonStalled,
				"no output within first-output budget")
		default:
			return r.failStep(idx, apperrors.ReasonProcessFailure,
				fmt.Sprintf("exit code %d: %s", outcome.ExitCode, tail(outcome.Stderr)))
		}
		if signalFound {
			break
		}
	}

	if !signalFound {
		return r.failStep(idx, apperrors.ReasonNoCompletionSignal,
			fmt.Sprintf("completion signal %q not seen within %d iterations", step.CompletionSignal, maxIter))
	}

	if step.VerifyPrompt != "" {
		if res, ok := r.verifyStep(ctx, idx, step, backend.Command, env, ws.Dir, maxIter); !ok {
			return res
		}
	}

	finished := time.Now().UTC()
	r.transition(func(run *v1.Run) {
		st := &run.Steps[idx]
		st.Status = v1.StepStatusCompleted
		st.FinishedAt = &finished
	})
	r.log.Append(v1.EventStepCompleted, idx, step.Title, nil)
	r.logger.Info("step completed", zap.Int("step_index", idx))
	return stepResult{kind: stepCompleted}
}

// verifyStep runs the verification gate. The verify signal must appear
// in an independent invocation's output; absence fails the step even
// though the primary phase signaled success.
func (r *Runner) verifyStep(ctx context.Context, idx int, step v1.StepSpec, command string, env []string, dir string, maxIter int) (stepResult, bool) {
	backend, err := r.deps.Backends.Resolve(step.Backend)
	if err != nil {
		return r.failStep(idx, apperrors.ReasonProcessFailure, err.Error()), false
	}

	for iter := 1; iter <= maxIter; iter++ {
		found, _, outcome := r.invoke(ctx, idx, command, backend.BuildArgs(step.VerifyPrompt), env, dir, backend.Structured, step.VerifySignal)

		if r.isStopRequested() || outcome.Result == supervisor.ResultCancelled {
			return r.cancelStep(idx), false
		}

		switch outcome.Result {
		case supervisor.ResultSuccess:
			if found {
				return stepResult{}, true
			}
		case supervisor.ResultTimeout:
			return r.failStep(idx, apperrors.ReasonTimeout, "verification process exceeded wall-clock budget"), false
		case supervisor.ResultStalled:
			return r.failStep(idx, apperrors.ReasonStalled, "verification process produced no output"), false
		default:
			return r.failStep(idx, apperrors.ReasonProcessFailure,
				fmt.Sprintf("verification exit code %d: %s", outcome.ExitCode, tail(outcome.Stderr))), false
		}
	}

	return r.failStep(idx, apperrors.ReasonVerificationFailed,
		fmt.Sprintf("verify signal %q not seen within %d iterations", step.VerifySignal, maxIter)), false
}

// invoke runs one backend process and streams its events into the log.
// It returns whether the signal literal was seen, the accumulated
// transcript, and the process outcome.
func (r *Runner) invoke(ctx context.Context, idx int, command string, args, env []string, dir string, structured bool, signal string) (bool, string, supervisor.Outcome) {
	stepCtx, cancel := context.WithCancel(ctx)
	r.setStepCancel(cancel)
	defer func() {
		r.setStepCancel(nil)
		cancel()
	}()
	// A stop issued between invocations has no context to cancel, so
	// honor the flag before launching anything.
	if r.isStopRequested() {
		return false, "", supervisor.Outcome{Result: supervisor.ResultCancelled}
	}

	opts := supervisor.Options{
		Command:            command,
		Args:               args,
		Env:                env,
		Dir:                dir,
		Timeout:            r.limits.StepTimeout,
		FirstOutputTimeout: r.limits.FirstOutputTimeout,
		StopGracePeriod:    r.limits.StopGracePeriod,
		Structured:         structured,
	}

	inv, err := r.deps.Supervisor.Launch(stepCtx, opts)
	if err != nil {
		r.log.Append(v1.EventError, idx, fmt.Sprintf("failed to launch backend: %v", err), nil)
		return false, "", supervisor.Outcome{Result: supervisor.ResultFailed, ExitCode: -1, Stderr: err.Error()}
	}

	r.log.Append(v1.EventProcessStart, idx, command, map[string]any{"dir": dir})

	signalFound := false
	var transcript strings.Builder
	for ev := range inv.Events {
		r.log.Append(ev.Type, idx, ev.Message, ev.Payload)
		if ev.Message != "" {
			transcript.WriteString(ev.Message)
			transcript.WriteString("\n")
		}
		if signal != "" && strings.Contains(ev.Message, signal) {
			signalFound = true
		}
	}

	outcome := inv.Wait()
	payload := map[string]any{
		"result":      string(outcome.Result),
		"exit_code":   outcome.ExitCode,
		"duration_ms": outcome.Duration.Milliseconds(),
	}
	if outcome.Result == supervisor.ResultFailed && outcome.Stderr != "" {
		payload["stderr_tail"] = tail(outcome.Stderr)
	}
	r.log.Append(v1.EventProcessEnd, idx, string(outcome.Result), payload)

	return signalFound, transcript.String(), outcome
}

func (r *Runner) failStep(idx int, reason, detail string) stepResult {
	now := time.Now().UTC()
	lastError := reason
	if detail != "" {
		lastError = reason + ": " + detail
	}
	r.transition(func(run *v1.Run) {
		st := &run.Steps[idx]
		st.Status = v1.StepStatusFailed
		st.LastError = lastError
		st.FinishedAt = &now
	})
	r.log.Append(v1.EventStepFailed, idx, lastError, map[string]any{"reason": reason})
	r.logger.Warn("step failed",
		zap.Int("step_index", idx),
		zap.String("reason", reason),
		zap.String("detail", detail))
	return stepResult{kind: stepFailed, reason: reason}
}

// cancelStep records a stop that landed mid-step. The run itself moves
// to cancelled in the main loop.
func (r *Runner) cancelStep(idx int) stepResult {
	now := time.Now().UTC()
	r.transition(func(run *v1.Run) {
		st := &run.Steps[idx]
		st.Status = v1.StepStatusFailed
		st.LastError = "cancelled"
		st.FinishedAt = &now
	})
	return stepResult{kind: stepCancelled}
}

func tail(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
