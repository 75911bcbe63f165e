package api

import v1 "github.com/agentflow/agentflow/pkg/api/v1"

// SubmitRunRequest is the payload for creating a run.
type SubmitRunRequest struct {
	Workflow   v1.WorkflowDefinition `json:"workflow" binding:"required"`
	ProjectDir string                `json:"project_dir" binding:"required"`
	Priority   int                   `json:"priority,omitempty"`
}

// SubmitRunResponse returns the id of the created run.
type SubmitRunResponse struct {
	RunID string `json:"run_id"`
}

// ListRunsResponse wraps the run list.
type ListRunsResponse struct {
	Runs []v1.Run `json:"runs"`
}

// BackendInfo is the externally visible description of one backend.
type BackendInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Structured  bool   `json:"structured"`
	Enabled     bool   `json:"enabled"`
}

// ListBackendsResponse wraps the backend list.
type ListBackendsResponse struct {
	Backends []BackendInfo `json:"backends"`
}
