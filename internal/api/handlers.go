package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	backendregistry "github.com/agentflow/agentflow/internal/backend/registry"
	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	runregistry "github.com/agentflow/agentflow/internal/engine/registry"
	v1 "github.com/agentflow/agentflow/pkg/api/v1"
)

// Handler serves the run API.
type Handler struct {
	runs     *runregistry.Registry
	backends *backendregistry.Registry
	logger   *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(runs *runregistry.Registry, backends *backendregistry.Registry, log *logger.Logger) *Handler {
	return &Handler{
		runs:     runs,
		backends: backends,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// SubmitRun creates a run from a workflow definition.
// POST /api/v1/runs
func (h *Handler) SubmitRun(c *gin.Context) {
	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	runID, err := h.runs.Submit(c.Request.Context(), req.Workflow, req.ProjectDir, req.Priority)
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("run submitted",
		zap.String("run_id", runID),
		zap.Int("steps", len(req.Workflow.Steps)))
	c.JSON(http.StatusCreated, SubmitRunResponse{RunID: runID})
}

// ListRuns returns all known runs.
// GET /api/v1/runs
func (h *Handler) ListRuns(c *gin.Context) {
	runs, err := h.runs.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListRunsResponse{Runs: runs})
}

// GetRunStatus is the polling primitive: run state plus events with
// id > after.
// GET /api/v1/runs/:runId?after=N
func (h *Handler) GetRunStatus(c *gin.Context) {
	runID := c.Param("runId")

	var afterID int64
	if after := c.Query("after"); after != "" {
		parsed, err := strconv.ParseInt(after, 10, 64)
		if err != nil || parsed < 0 {
			respondError(c, apperrors.ValidationError("after", "must be a non-negative integer"))
			return
		}
		afterID = parsed
	}

	snapshot, err := h.runs.Status(c.Request.Context(), runID, afterID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// ControlRun applies stop/retry/skip/continue to a run.
// POST /api/v1/runs/:runId/control
func (h *Handler) ControlRun(c *gin.Context) {
	runID := c.Param("runId")

	var req v1.ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	if err := h.runs.Control(c.Request.Context(), runID, req); err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("control applied",
		zap.String("run_id", runID),
		zap.String("op", string(req.Op)))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListBackends returns the registered agent backends.
// GET /api/v1/backends
func (h *Handler) ListBackends(c *gin.Context) {
	var out []BackendInfo
	for _, b := range h.backends.List() {
		out = append(out, BackendInfo{
			ID:          b.ID,
			Name:        b.Name,
			Description: b.Description,
			Structured:  b.Structured,
			Enabled:     b.Enabled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, ListBackendsResponse{Backends: out})
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
