package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mindcanvas/mindcanvas/pkg/models"
	"github.com/mindcanvas/mindcanvas/pkg/telemetry"
)

const authContextKey = "mindcanvas.auth"

// requestID tags every request for log correlation.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// requestLogger records one structured line and one metrics sample per
// request.
func requestLogger(metrics *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.ObserveRequest(route, strconv.Itoa(status), elapsed)
		slog.Info("Request",
			"request_id", c.GetString("request_id"),
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"elapsed", elapsed)
	}
}

// recovery converts panics into 500s without killing the worker.
func recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Handler panic",
					"request_id", c.GetString("request_id"),
					"route", c.FullPath(),
					"panic", r)
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					errorBody{Code: "internal", Message: "internal server error"})
			}
		}()
		c.Next()
	}
}

// authRequired accepts X-API-Key or Authorization: Bearer. The resulting
// AuthContext is a value; no SQL handle rides along with the request.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if key := c.GetHeader("X-API-Key"); key != "" {
			auth, err := s.auth.AuthenticateAPIKey(ctx, key)
			if err != nil {
				abortWithError(c, err)
				return
			}
			c.Set(authContextKey, auth)
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
			auth, err := s.auth.AuthenticateToken(ctx, token)
			if err != nil {
				abortWithError(c, err)
				return
			}
			c.Set(authContextKey, auth)
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized,
			errorBody{Code: "auth", Message: "missing credential"})
	}
}

// adminRequired gates admin endpoints on bearer-authenticated admins.
func adminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := mustAuth(c)
		if auth == nil || !auth.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden,
				errorBody{Code: "auth", Message: "admin access required"})
			return
		}
		c.Next()
	}
}

// mustAuth fetches the AuthContext set by authRequired.
func mustAuth(c *gin.Context) *models.AuthContext {
	v, ok := c.Get(authContextKey)
	if !ok {
		return nil
	}
	auth, _ := v.(*models.AuthContext)
	return auth
}
