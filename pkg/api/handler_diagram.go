package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mindcanvas/mindcanvas/pkg/diagram"
	"github.com/mindcanvas/mindcanvas/pkg/services"
)

// handleGenerateDiagram is the synchronous one-shot path.
func (s *Server) handleGenerateDiagram(c *gin.Context) {
	var req diagram.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, services.NewValidationError("body", err.Error()))
		return
	}

	auth := mustAuth(c)
	req.UserID = auth.UserID
	if req.Language == "" {
		req.Language = auth.Language
	}

	result, err := s.diagrams.Generate(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
