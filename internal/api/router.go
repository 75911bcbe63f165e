// Package api exposes the run engine over HTTP: submit, poll, control.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentflow/agentflow/internal/common/logger"
)

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(h *Handler, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(CORS())

	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	{
		api.POST("/runs", h.SubmitRun)
		api.GET("/runs", h.ListRuns)
		api.GET("/runs/:runId", h.GetRunStatus)
		api.POST("/runs/:runId/control", h.ControlRun)
		api.GET("/runs/:runId/events/ws", h.StreamRunEvents)
		api.GET("/backends", h.ListBackends)
	}

	return router
}
