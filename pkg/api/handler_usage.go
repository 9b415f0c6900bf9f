package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mindcanvas/mindcanvas/pkg/services"
)

// handleUsageSummary reports per-model consumption for a user. Admin only.
func (s *Server) handleUsageSummary(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		abortWithError(c, services.NewValidationError("user_id", "must be an integer"))
		return
	}
	days := 30
	if raw := c.Query("days"); raw != "" {
		if days, err = strconv.Atoi(raw); err != nil || days <= 0 {
			abortWithError(c, services.NewValidationError("days", "must be a positive integer"))
			return
		}
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	summary, err := s.usage.SummarizeUser(c.Request.Context(), userID, since)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"since":   since,
		"models":  summary,
	})
}
