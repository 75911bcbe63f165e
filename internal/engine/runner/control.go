package runner

import (
	"fmt"

	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

// Control applies a workflow-level control operation. Operations issued
// against an incompatible run state are rejected with ControlRejected;
// the run is never disturbed by a rejected operation.
func (r *Runner) Control(req v1.ControlRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := r.run.Status
	if status.IsTerminal() {
		return apperrors.RunNotRunning(r.run.ID)
	}

	switch req.Op {
	case v1.ControlStop:
		// Stop preempts any suspension point: it cancels the in-flight
		// invocation and wakes a halted run loop.
		r.stopRequested = true
		if r.stepCancel != nil {
			r.stepCancel()
		}
		select {
		case r.controls <- controlMsg{op: v1.ControlStop}:
		default:
		}
		return nil

	case v1.ControlRetry, v1.ControlSkip:
		if status != v1.RunStatusPaused && status != v1.RunStatusFailed {
			return apperrors.ControlRejected(string(req.Op), string(status))
		}
		select {
		case r.controls <- controlMsg{op: req.Op}:
			return nil
		default:
			return apperrors.Conflict("another control operation is already pending")
		}

	case v1.ControlContinue:
		if status != v1.RunStatusPaused && status != v1.RunStatusFailed {
			return apperrors.ControlRejected(string(req.Op), string(status))
		}
		if req.FromStepIndex < 0 || req.FromStepIndex >= len(r.def.Steps) {
			return apperrors.ValidationError("from_step_index",
				fmt.Sprintf("must be in [0, %d)", len(r.def.Steps)))
		}
		select {
		case r.controls <- controlMsg{op: req.Op, fromIndex: req.FromStepIndex}:
			return nil
		default:
			return apperrors.Conflict("another control operation is already pending")
		}

	default:
		return apperrors.BadRequest(fmt.Sprintf("unknown control operation %q", req.Op))
	}
}
