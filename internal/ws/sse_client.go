package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// SSEClient adapts an HTTP response writer into a hub Subscriber emitting
// Server-Sent Events. Dashboards that cannot hold a websocket open consume
// the drift and deployment streams this way.
type SSEClient struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	log     *slog.Logger
	nextID  uint64
	closed  bool
}

func NewSSEClient(w io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{w: w, flusher: flusher, log: logger}
}

// Send emits payload as a numbered data event.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.writeFrame(fmt.Sprintf("id: %d\ndata: %s\n\n", c.nextID, payload))
}

// Heartbeat emits a comment frame so proxies keep the connection open.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeFrame(": keepalive\n\n")
}

func (c *SSEClient) writeFrame(frame string) error {
	if c.closed {
		return io.EOF
	}
	if _, err := io.WriteString(c.w, frame); err != nil {
		c.closed = true
		c.log.Warn("sse write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
