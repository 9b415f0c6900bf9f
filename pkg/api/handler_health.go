package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mindcanvas/mindcanvas/pkg/version"
)

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Full(),
	})
}

// handleDeepHealth checks the database and the coordination store.
func (s *Server) handleDeepHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok", "version": version.Full()}

	dbHealth, err := s.db.Health(ctx)
	body["database"] = dbHealth
	if err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}

	if err := s.store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["store"] = "unreachable"
	} else {
		body["store"] = "ok"
	}

	c.JSON(status, body)
}
