package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are already filtered by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsPollInterval = 500 * time.Millisecond
	wsWriteTimeout = 10 * time.Second
)

// StreamRunEvents pushes a run's events over a websocket. It is a
// convenience layer over the polling primitive: the server polls the
// registry with an internal cursor and forwards new events as frames.
// GET /api/v1/runs/:runId/events/ws
func (h *Handler) StreamRunEvents(c *gin.Context) {
	runID := c.Param("runId")

	// Reject unknown runs before upgrading.
	if _, err := h.runs.Status(c.Request.Context(), runID, 0); err != nil {
		respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reader goroutine: surfaces client disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var cursor int64
	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
		}

		snapshot, err := h.runs.Status(c.Request.Context(), runID, cursor)
		if err != nil {
			h.logger.Warn("websocket poll failed",
				zap.String("run_id", runID), zap.Error(err))
			return
		}

		for _, ev := range snapshot.Events {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			cursor = ev.ID
		}

		if snapshot.Run.Status.IsTerminal() && cursor >= snapshot.LastEventID {
			// Final frame carries the run state so clients can render
			// the terminal status without another poll.
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			_ = conn.WriteJSON(snapshot.Run)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(snapshot.Run.Status)))
			return
		}
	}
}
