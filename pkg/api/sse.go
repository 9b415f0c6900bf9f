package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// keepAliveInterval spaces the comment lines that keep intermediaries
// from closing an otherwise quiet stream.
const keepAliveInterval = 15 * time.Second

// sseWriter frames events onto an unbuffered event-stream response.
type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

// newSSEWriter sets the stream headers and returns the writer, or false
// when the connection cannot stream.
func newSSEWriter(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{c: c, flusher: flusher}, true
}

// event writes one `event:`/`data:` block and flushes it.
func (w *sseWriter) event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal sse payload: %w", err)
	}
	if _, err := fmt.Fprintf(w.c.Writer, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// comment writes a keep-alive comment line.
func (w *sseWriter) comment() error {
	if _, err := fmt.Fprint(w.c.Writer, ": keep-alive\n\n"); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
