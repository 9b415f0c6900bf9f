package sms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/store"
	"github.com/mindcanvas/mindcanvas/pkg/telemetry"
)

var (
	// ErrCooldown means a code was sent to this phone too recently.
	// SendCode returns it wrapped in a CooldownError carrying the wait.
	ErrCooldown = errors.New("sms: resend cooldown active")

	// ErrHourlyCap means the phone has hit its hourly send budget.
	ErrHourlyCap = errors.New("sms: hourly cap reached")

	// ErrCodeExpired means no code is outstanding for the phone.
	ErrCodeExpired = errors.New("sms: code expired or never sent")

	// ErrCodeMismatch means an outstanding code exists but does not match.
	ErrCodeMismatch = errors.New("sms: code mismatch")

	// ErrTooManyAttempts means the attempt budget for the outstanding code
	// is exhausted. The code is deleted; the caller must request a new one
	// after the attempt window expires.
	ErrTooManyAttempts = errors.New("sms: too many verification attempts")
)

// CooldownError reports how long until the phone may request another code.
type CooldownError struct {
	Wait time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("sms: resend cooldown active, retry in %s", e.Wait.Round(time.Second))
}

// Is lets errors.Is(err, ErrCooldown) match.
func (e *CooldownError) Is(target error) bool { return target == ErrCooldown }

// PurposeLogin is the purpose used by the login flow. Other flows pass
// their own purpose so their codes stay independent.
const PurposeLogin = "login"

const (
	codeDigits = 6
	capWindow  = time.Hour
)

// Service implements the one-time-code flows.
type Service struct {
	store   store.Store
	gateway Gateway
	cfg     config.SMSConfig
	metrics *telemetry.Metrics
}

// NewService creates the SMS service.
func NewService(st store.Store, gateway Gateway, cfg config.SMSConfig, metrics *telemetry.Metrics) *Service {
	return &Service{store: st, gateway: gateway, cfg: cfg, metrics: metrics}
}

// Codes and attempt budgets are scoped per phone AND purpose so a login
// code and, say, a phone-change code cannot consume each other. The
// cooldown and hourly cap are per phone: they meter SMS deliveries, which
// all purposes share.
func codeKey(phone, purpose string) string     { return store.PrefixSMS + "code:" + phone + ":" + purpose }
func attemptsKey(phone, purpose string) string { return store.PrefixSMS + "att:" + phone + ":" + purpose }
func cooldownKey(phone string) string          { return store.PrefixSMS + "cd:" + phone }
func capKey(phone string) string               { return store.PrefixSMS + "cap:" + phone }

// SendCode issues a fresh code to phone for the given purpose, subject to
// the resend cooldown and the hourly cap. Both gates are atomic
// increments, so concurrent sends across workers cannot slip past them.
func (s *Service) SendCode(ctx context.Context, phone, purpose string) error {
	cd, err := s.store.IncrWithTTL(ctx, cooldownKey(phone), s.cfg.ResendCooldown)
	if err != nil {
		return fmt.Errorf("failed to check resend cooldown: %w", err)
	}
	if cd > 1 {
		s.observe("cooldown")
		wait := s.cfg.ResendCooldown
		if ttl, err := s.store.TTL(ctx, cooldownKey(phone)); err == nil && ttl > 0 {
			wait = ttl
		}
		return &CooldownError{Wait: wait}
	}

	sent, err := s.store.IncrWithTTL(ctx, capKey(phone), capWindow)
	if err != nil {
		return fmt.Errorf("failed to check hourly cap: %w", err)
	}
	if sent > int64(s.cfg.HourlyCap) {
		s.observe("capped")
		return ErrHourlyCap
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}
	if err := s.store.SetWithTTL(ctx, codeKey(phone, purpose), code, s.cfg.CodeTTL); err != nil {
		return fmt.Errorf("failed to store code: %w", err)
	}
	// A fresh code starts with a fresh attempt budget.
	if err := s.store.Del(ctx, attemptsKey(phone, purpose)); err != nil {
		slog.Warn("Failed to reset attempt counter", "error", err)
	}

	if err := s.gateway.SendCode(ctx, phone, code); err != nil {
		// The user never received anything; roll back so they can retry
		// immediately instead of waiting out the cooldown.
		if delErr := s.store.Del(ctx, codeKey(phone, purpose), cooldownKey(phone)); delErr != nil {
			slog.Warn("Failed to roll back undelivered code", "error", delErr)
		}
		s.observe("gateway_error")
		return fmt.Errorf("failed to deliver code: %w", err)
	}

	s.observe("sent")
	slog.Info("SMS code sent", "phone", maskPhone(phone), "purpose", purpose)
	return nil
}

// VerifyCode checks code against the outstanding one for phone and
// purpose. The code is single-use: a successful match deletes it
// atomically, so two racing verifications can produce at most one success.
func (s *Service) VerifyCode(ctx context.Context, phone, purpose, code string) error {
	attempts, err := s.store.IncrWithTTL(ctx, attemptsKey(phone, purpose), s.cfg.CodeTTL)
	if err != nil {
		return fmt.Errorf("failed to count verification attempt: %w", err)
	}
	if attempts > int64(s.cfg.MaxAttempts) {
		// Burn the code. Further attempts stay rejected until the attempt
		// counter's window expires, even if a guess would have matched.
		if delErr := s.store.Del(ctx, codeKey(phone, purpose)); delErr != nil {
			slog.Warn("Failed to delete code after attempt budget", "error", delErr)
		}
		s.observe("attempts_exhausted")
		return ErrTooManyAttempts
	}

	matched, err := s.store.CompareAndDelete(ctx, codeKey(phone, purpose), code)
	if err != nil {
		return fmt.Errorf("failed to verify code: %w", err)
	}
	if !matched {
		if _, getErr := s.store.Get(ctx, codeKey(phone, purpose)); errors.Is(getErr, store.ErrNotFound) {
			s.observe("expired")
			return ErrCodeExpired
		}
		s.observe("mismatch")
		return ErrCodeMismatch
	}

	if err := s.store.Del(ctx, attemptsKey(phone, purpose)); err != nil {
		slog.Warn("Failed to clear attempt counter", "error", err)
	}
	s.observe("verified")
	return nil
}

func (s *Service) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.SMSSends.WithLabelValues(outcome).Inc()
	}
}

// generateCode draws a uniform 6-digit code from crypto/rand.
func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

// maskPhone keeps logs free of full phone numbers.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:len(phone)-4] + "****"
}
