package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coder/websocket"

	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/ratelimit"
)

// RealtimeMessage is one frame of the duplex provider protocol. The type
// discriminator is one of input, response_chunk, response_done, error.
type RealtimeMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Realtime message types.
const (
	RealtimeInput         = "input"
	RealtimeResponseChunk = "response_chunk"
	RealtimeResponseDone  = "response_done"
	RealtimeError         = "error"
)

// RealtimeSession is a scoped duplex channel to a realtime provider. The
// rate-limit permit is held for the whole session and released by Close,
// which is safe to call on every exit path.
type RealtimeSession struct {
	provider *config.ProviderConfig
	conn     *websocket.Conn
	permit   *ratelimit.Permit
}

// OpenRealtime dials a realtime provider. The caller owns the returned
// session and must Close it.
func (c *Client) OpenRealtime(ctx context.Context, providerID string) (*RealtimeSession, error) {
	provider, err := c.registry.Get(providerID)
	if err != nil {
		return nil, newError(KindUpstream, providerID, err.Error(), err)
	}
	if provider.Kind != config.ProviderKindRealtime {
		return nil, newError(KindUpstream, providerID, "provider is not a realtime endpoint", nil)
	}

	permit, aerr := c.acquire(ctx, providerID)
	if aerr != nil {
		return nil, aerr
	}

	url := strings.Replace(provider.BaseURL, "http", "ws", 1)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + provider.APIKey},
		},
	})
	if err != nil {
		permit.Release()
		return nil, classifyErr(providerID, err)
	}

	return &RealtimeSession{provider: provider, conn: conn, permit: permit}, nil
}

// Send writes one input frame.
func (s *RealtimeSession) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(RealtimeMessage{Type: RealtimeInput, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal realtime input: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return classifyErr(s.provider.ID, err)
	}
	return nil
}

// Receive reads the next provider frame. Provider-side error frames come
// back as classified errors, not as messages.
func (s *RealtimeSession) Receive(ctx context.Context) (*RealtimeMessage, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, classifyErr(s.provider.ID, err)
	}
	var msg RealtimeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, newError(KindMalformed, s.provider.ID, "unparseable realtime frame", err)
	}
	if msg.Type == RealtimeError {
		return nil, newError(KindUpstream, s.provider.ID,
			fmt.Sprintf("provider error %s: %s", msg.Code, msg.Message), nil)
	}
	return &msg, nil
}

// Close shuts the connection and releases the permit. Idempotent.
func (s *RealtimeSession) Close() {
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.permit.Release()
}
