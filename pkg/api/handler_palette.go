package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mindcanvas/mindcanvas/pkg/models"
	"github.com/mindcanvas/mindcanvas/pkg/palette"
	"github.com/mindcanvas/mindcanvas/pkg/services"
)

type paletteStartRequest struct {
	Topic    string              `json:"topic" binding:"required"`
	Kind     models.DiagramKind  `json:"kind" binding:"required"`
	Existing map[string][]string `json:"existing,omitempty"`
}

type paletteStartResponse struct {
	SessionID string   `json:"session_id"`
	Stage     string   `json:"stage"`
	Tabs      []string `json:"tabs,omitempty"`
}

// handlePaletteStart opens a session. Reopening a diagram with existing
// content rehydrates the dedup set and fast-forwards the stage.
func (s *Server) handlePaletteStart(c *gin.Context) {
	var req paletteStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, services.NewValidationError("body", err.Error()))
		return
	}
	if !req.Kind.Valid() {
		abortWithError(c, services.NewValidationError("kind", "unknown diagram kind"))
		return
	}

	sess := s.sessions.Open(palette.OpenRequest{
		UserID:   mustAuth(c).UserID,
		Topic:    req.Topic,
		Kind:     req.Kind,
		Existing: req.Existing,
	})
	c.JSON(http.StatusOK, paletteStartResponse{
		SessionID: sess.ID,
		Stage:     sess.Stage(),
		Tabs:      sess.Tabs(),
	})
}

type paletteBatchRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	StageData string `json:"stage_data,omitempty"`
}

// handlePaletteNextBatch runs one fan-out batch as an SSE stream. The
// client disconnecting cancels the batch through the request context; no
// database connection is held at any point in this handler.
func (s *Server) handlePaletteNextBatch(c *gin.Context) {
	var req paletteBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, services.NewValidationError("body", err.Error()))
		return
	}
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if req.StageData != "" {
		sess.SetStageData(req.StageData)
	}

	events, err := s.streamer.NextBatch(c.Request.Context(), sess)
	if err != nil {
		abortWithError(c, err)
		return
	}

	w, ok := newSSEWriter(c)
	if !ok {
		abortWithError(c, services.NewValidationError("connection", "response does not support streaming"))
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if err := w.event(string(ev.Type), ev); err != nil {
				// Client went away; the context cancellation tears down
				// the batch.
				return
			}
		case <-keepAlive.C:
			if err := w.comment(); err != nil {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

type paletteStageRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// handlePaletteAdvanceStage locks the current stage and moves on.
func (s *Server) handlePaletteAdvanceStage(c *gin.Context) {
	var req paletteStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, services.NewValidationError("body", err.Error()))
		return
	}
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	next, err := sess.AdvanceStage()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stage": next})
}

// handlePaletteClose ends a session explicitly.
func (s *Server) handlePaletteClose(c *gin.Context) {
	var req paletteStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, services.NewValidationError("body", err.Error()))
		return
	}
	if err := s.sessions.Close(req.SessionID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true})
}
