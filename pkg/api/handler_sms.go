package api

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/mindcanvas/mindcanvas/pkg/services"
	"github.com/mindcanvas/mindcanvas/pkg/sms"
)

var (
	phonePattern   = regexp.MustCompile(`^\+?[0-9]{8,15}$`)
	purposePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)
)

type smsSendRequest struct {
	Phone   string `json:"phone" binding:"required"`
	Purpose string `json:"purpose,omitempty"`
}

// resolvePurpose defaults to the login flow and rejects purposes that
// would not make valid store-key segments.
func resolvePurpose(purpose string) (string, error) {
	if purpose == "" {
		return sms.PurposeLogin, nil
	}
	if !purposePattern.MatchString(purpose) {
		return "", services.NewValidationError("purpose", "malformed purpose")
	}
	return purpose, nil
}

// handleSMSSend issues a one-time code.
func (s *Server) handleSMSSend(c *gin.Context) {
	var req smsSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, services.NewValidationError("body", err.Error()))
		return
	}
	if !phonePattern.MatchString(req.Phone) {
		abortWithError(c, services.NewValidationError("phone", "malformed phone number"))
		return
	}
	purpose, err := resolvePurpose(req.Purpose)
	if err != nil {
		abortWithError(c, err)
		return
	}

	if err := s.smsSvc.SendCode(c.Request.Context(), req.Phone, purpose); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

type smsVerifyRequest struct {
	Phone    string `json:"phone" binding:"required"`
	Code     string `json:"code" binding:"required"`
	Purpose  string `json:"purpose,omitempty"`
	Language string `json:"language,omitempty"`
}

// handleSMSVerify checks the code and, on success, logs the user in:
// first-time phones get a user row, and a bearer token comes back.
func (s *Server) handleSMSVerify(c *gin.Context) {
	var req smsVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, services.NewValidationError("body", err.Error()))
		return
	}
	if !phonePattern.MatchString(req.Phone) {
		abortWithError(c, services.NewValidationError("phone", "malformed phone number"))
		return
	}

	purpose, err := resolvePurpose(req.Purpose)
	if err != nil {
		abortWithError(c, err)
		return
	}

	if err := s.smsSvc.VerifyCode(c.Request.Context(), req.Phone, purpose, req.Code); err != nil {
		abortWithError(c, err)
		return
	}

	user, err := s.auth.EnsureUser(c.Request.Context(), req.Phone)
	if err != nil {
		abortWithError(c, err)
		return
	}
	token, err := s.auth.IssueToken(user, req.Language)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "verified",
		"token":  token,
		"user":   user,
	})
}
