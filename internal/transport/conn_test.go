package transport

import (
	"context"
	"sync"

	"github.com/pitabwire/caseflow/model"
)

// recordingConn is an in-process realtime.Conn used by handler tests.
type recordingConn struct {
	id   string
	mu   sync.Mutex
	sent []model.Envelope
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(_ context.Context, env model.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *recordingConn) Close(string) {}

func (c *recordingConn) envelopes() []model.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Envelope(nil), c.sent...)
}
