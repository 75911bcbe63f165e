// Package v1 defines the shared API types for agentflow.
// Run, StepState, and Event are flat records so any relational or
// document store can persist them unchanged.
package v1

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if no further execution can happen for the run.
// Failed and paused runs are NOT terminal: they wait indefinitely for a
// control operation.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusCancelled
}

// StepStatus represents the lifecycle state of a single step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// WorkspacePolicy controls what part of the project filesystem a step's
// subprocess can see.
type WorkspacePolicy string

const (
	// WorkspaceFull runs the step directly in the project directory.
	WorkspaceFull WorkspacePolicy = "full"
	// WorkspaceEmpty runs the step in a fresh empty temporary directory.
	WorkspaceEmpty WorkspacePolicy = "empty"
	// WorkspaceWhitelist runs the step in a temporary directory populated
	// with a caller-specified subset of the project directory. Writes never
	// propagate back to the project.
	WorkspaceWhitelist WorkspacePolicy = "whitelist"
)

// EventType identifies the kind of an event log entry.
type EventType string

const (
	EventProcessStart   EventType = "process-start"
	EventProcessEnd     EventType = "process-end"
	EventAgentMessage   EventType = "agent-message"
	EventToolInvocation EventType = "tool-invocation"
	EventCommandExec    EventType = "command-exec"
	EventCommandOutput  EventType = "command-output"
	EventStepCompleted  EventType = "step-completed"
	EventStepFailed     EventType = "step-failed"
	EventWarning        EventType = "warning"
	EventError          EventType = "error"
)

// StepSpec describes one step of a workflow definition.
type StepSpec struct {
	Title            string          `json:"title"`
	Prompt           string          `json:"prompt"`
	CompletionSignal string          `json:"completion_signal"`
	VerifyPrompt     string          `json:"verify_prompt,omitempty"`
	VerifySignal     string          `json:"verify_signal,omitempty"`
	MaxIterations    int             `json:"max_iterations,omitempty"`
	Backend          string          `json:"backend"`
	WorkspacePolicy  WorkspacePolicy `json:"workspace_policy,omitempty"`
	AllowedPaths     []string        `json:"allowed_paths,omitempty"`

	// LoopIncludePrevious feeds the previous iteration's transcript back
	// into the prompt so the backend can self-correct.
	LoopIncludePrevious bool `json:"loop_include_previous,omitempty"`
}

// WorkflowDefinition is an ordered sequence of steps. It is immutable
// once a run has started.
type WorkflowDefinition struct {
	Name       string     `json:"name,omitempty"`
	Steps      []StepSpec `json:"steps"`
	MaxRetries int        `json:"max_retries,omitempty"`
}

// StepState tracks the runtime state of one step within a run.
type StepState struct {
	Title      string     `json:"title"`
	Status     StepStatus `json:"status"`
	Retries    int        `json:"retries"`
	Iterations int        `json:"iterations"`
	LastError  string     `json:"last_error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Run is one execution of a WorkflowDefinition.
type Run struct {
	ID               string      `json:"id"`
	Status           RunStatus   `json:"status"`
	CurrentStepIndex int         `json:"current_step_index"`
	Steps            []StepState `json:"steps"`
	RetryCount       int         `json:"retry_count"`
	MaxRetries       int         `json:"max_retries"`
	ProjectDir       string      `json:"project_dir"`
	CreatedAt        time.Time   `json:"created_at"`
	FinishedAt       *time.Time  `json:"finished_at,omitempty"`
}

// Event is an immutable, append-only event log entry. IDs are unique and
// gap-free per run; events for a run are totally ordered by ID.
type Event struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	StepIndex int            `json:"step_index"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ControlOp identifies a workflow-level control operation.
type ControlOp string

const (
	ControlStop     ControlOp = "stop"
	ControlRetry    ControlOp = "retry"
	ControlSkip     ControlOp = "skip"
	ControlContinue ControlOp = "continue"
)

// ControlRequest is the payload for a control operation against a run.
type ControlRequest struct {
	Op ControlOp `json:"op"`

	// FromStepIndex is the target index for the continue operation.
	FromStepIndex int `json:"from_step_index,omitempty"`
}

// RunStatusSnapshot is the polling response: the run's derived status
// plus all events with ID > the caller's cursor.
type RunStatusSnapshot struct {
	Run         Run     `json:"run"`
	Events      []Event `json:"events"`
	LastEventID int64   `json:"last_event_id"`
}
