package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/llm"
)

// Client-facing WebSocket message shape.
type wsMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client and server message types.
const (
	wsTypeInput     = "input"
	wsTypeCancel    = "cancel"
	wsTypeAck       = "ack"
	wsTypeTextChunk = "text_chunk"
	wsTypeDone      = "done"
	wsTypeError     = "error"
)

// handleRealtime bridges a client WebSocket to a realtime provider
// session. One provider session per client connection; closing either
// side tears down both.
func (s *Server) handleRealtime(c *gin.Context) {
	provider := s.realtimeProvider()
	if provider == "" {
		abortWithError(c, errors.New("no realtime provider configured"))
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	session, err := s.llm.OpenRealtime(ctx, provider)
	if err != nil {
		writeWS(ctx, conn, wsMessage{Type: wsTypeError, Message: "provider unavailable"})
		conn.Close(websocket.StatusTryAgainLater, "provider unavailable")
		return
	}
	defer session.Close()

	writeWS(ctx, conn, wsMessage{Type: wsTypeAck})

	// Provider-to-client pump.
	go func() {
		defer cancel()
		for {
			msg, err := session.Receive(ctx)
			if err != nil {
				if ctx.Err() == nil {
					writeWS(ctx, conn, wsMessage{Type: wsTypeError, Message: "provider stream failed"})
				}
				return
			}
			switch msg.Type {
			case llm.RealtimeResponseChunk:
				if !writeWS(ctx, conn, wsMessage{Type: wsTypeTextChunk, Text: msg.Text}) {
					return
				}
			case llm.RealtimeResponseDone:
				if !writeWS(ctx, conn, wsMessage{Type: wsTypeDone}) {
					return
				}
			}
		}
	}()

	// Client-to-provider pump. Runs on the handler goroutine; returning
	// cancels the session via the deferred calls above.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			writeWS(ctx, conn, wsMessage{Type: wsTypeError, Message: "unparseable message"})
			continue
		}
		switch msg.Type {
		case wsTypeInput:
			if err := session.Send(ctx, msg.Text); err != nil {
				writeWS(ctx, conn, wsMessage{Type: wsTypeError, Message: "provider send failed"})
				return
			}
		case wsTypeCancel:
			conn.Close(websocket.StatusNormalClosure, "client cancelled")
			return
		}
	}
}

// realtimeProvider picks the first configured realtime endpoint.
func (s *Server) realtimeProvider() string {
	for _, id := range s.cfg.Providers.IDs() {
		p, err := s.cfg.Providers.Get(id)
		if err == nil && p.Kind == config.ProviderKindRealtime {
			return id
		}
	}
	return ""
}

func writeWS(ctx context.Context, conn *websocket.Conn, msg wsMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return false
	}
	return true
}
