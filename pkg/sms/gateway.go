// Package sms issues and verifies phone one-time codes. Codes, resend
// cooldowns, hourly caps, and attempt counters all live in the shared
// coordination store, so any worker can verify a code any worker sent.
package sms

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mindcanvas/mindcanvas/pkg/config"
)

// Gateway delivers a code to a phone. The production implementation talks
// to the external SMS provider; tests substitute a recorder.
type Gateway interface {
	SendCode(ctx context.Context, phone, code string) error
}

const gatewayTimeout = 10 * time.Second

// GatewayClient is the HTTP gateway implementation.
type GatewayClient struct {
	http   *resty.Client
	appID  string
	secret string
}

// NewGatewayClient creates the gateway client from configuration.
func NewGatewayClient(cfg config.SMSConfig) *GatewayClient {
	client := resty.New().
		SetBaseURL(cfg.GatewayURL).
		SetTimeout(gatewayTimeout)
	return &GatewayClient{http: client, appID: cfg.GatewayAppID, secret: cfg.GatewaySecret}
}

type gatewaySendRequest struct {
	AppID     string `json:"app_id"`
	Phone     string `json:"phone"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

type gatewaySendResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SendCode posts one delivery request. The request is signed with an
// HMAC over app id, phone, and timestamp.
func (g *GatewayClient) SendCode(ctx context.Context, phone, code string) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := gatewaySendRequest{
		AppID:     g.appID,
		Phone:     phone,
		Code:      code,
		Timestamp: ts,
		Signature: g.sign(phone, ts),
	}

	var parsed gatewaySendResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&parsed).
		Post("/v1/sms/send")
	if err != nil {
		return fmt.Errorf("failed to reach SMS gateway: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("SMS gateway returned status %d", resp.StatusCode())
	}
	if parsed.Code != 0 {
		return fmt.Errorf("SMS gateway refused delivery: %d %s", parsed.Code, parsed.Message)
	}
	return nil
}

func (g *GatewayClient) sign(phone, ts string) string {
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write([]byte(g.appID + phone + ts))
	return hex.EncodeToString(mac.Sum(nil))
}
