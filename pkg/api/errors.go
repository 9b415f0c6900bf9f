package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mindcanvas/mindcanvas/pkg/diagram"
	"github.com/mindcanvas/mindcanvas/pkg/llm"
	"github.com/mindcanvas/mindcanvas/pkg/palette"
	"github.com/mindcanvas/mindcanvas/pkg/ratelimit"
	"github.com/mindcanvas/mindcanvas/pkg/services"
	"github.com/mindcanvas/mindcanvas/pkg/sms"
	"github.com/mindcanvas/mindcanvas/pkg/store"
)

// errorBody is the only error shape clients ever see. Detail stays in the
// server logs.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RetryAfter is the seconds until the request may be retried, set on
	// cooldown rejections.
	RetryAfter int `json:"retry_after_seconds,omitempty"`
}

// abortWithError maps an internal error onto the client taxonomy and ends
// the request.
func abortWithError(c *gin.Context, err error) {
	status, body := mapError(err)
	if status == 0 {
		// Client is gone; nothing to write.
		c.Abort()
		return
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	if body.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	c.AbortWithStatusJSON(status, body)
}

func mapError(err error) (int, errorBody) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, errorBody{Code: "validation", Message: validErr.Error()}
	}

	switch {
	case errors.Is(err, context.Canceled):
		// Cancelled requests are recorded, not answered.
		return 0, errorBody{}
	case errors.Is(err, diagram.ErrEmptyPrompt),
		errors.Is(err, diagram.ErrUnknownKind),
		errors.Is(err, palette.ErrStageLocked),
		errors.Is(err, palette.ErrNoMoreStages),
		errors.Is(err, sms.ErrCodeMismatch),
		errors.Is(err, sms.ErrCodeExpired):
		return http.StatusBadRequest, errorBody{Code: "validation", Message: err.Error()}
	case errors.Is(err, services.ErrCredentialInvalid):
		return http.StatusUnauthorized, errorBody{Code: "auth", Message: "invalid or expired credential"}
	case errors.Is(err, services.ErrOrgInactive):
		return http.StatusForbidden, errorBody{Code: "auth", Message: "organization is locked or expired"}
	case errors.Is(err, services.ErrQuotaExceeded),
		errors.Is(err, sms.ErrHourlyCap):
		return http.StatusTooManyRequests, errorBody{Code: "quota_exceeded", Message: err.Error()}
	case errors.Is(err, sms.ErrCooldown):
		body := errorBody{Code: "quota_exceeded", Message: "resend cooldown active"}
		var cd *sms.CooldownError
		if errors.As(err, &cd) && cd.Wait > 0 {
			body.RetryAfter = int((cd.Wait + time.Second - 1) / time.Second)
		}
		return http.StatusTooManyRequests, body
	case errors.Is(err, sms.ErrTooManyAttempts):
		return http.StatusTooManyRequests, errorBody{Code: "quota_exceeded", Message: "too many verification attempts"}
	case errors.Is(err, ratelimit.ErrStoreUnavailable),
		errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, errorBody{Code: "unavailable", Message: "service temporarily unavailable"}
	case errors.Is(err, palette.ErrSessionNotFound),
		errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, errorBody{Code: "not_found", Message: "resource not found"}
	}

	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		switch llmErr.Kind {
		case llm.KindTimeout:
			return http.StatusGatewayTimeout, errorBody{Code: "upstream_timeout", Message: "provider timed out"}
		case llm.KindRateLimited:
			return http.StatusTooManyRequests, errorBody{Code: "rate_limited", Message: "provider is rate limiting"}
		case llm.KindCancelled:
			return 0, errorBody{}
		default:
			return http.StatusBadGateway, errorBody{Code: "upstream_error", Message: "provider request failed"}
		}
	}

	return http.StatusInternalServerError, errorBody{Code: "internal", Message: "internal server error"}
}
