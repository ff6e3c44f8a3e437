package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/pitabwire/caseflow/model"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	sent   []model.Envelope
	fail   bool
	closed bool
	reason string
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, env model.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.fail {
		return errors.New("write: broken pipe")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
}

func (c *fakeConn) setFail(v bool) {
	c.mu.Lock()
	c.fail = v
	c.mu.Unlock()
}

func (c *fakeConn) envelopes() []model.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Envelope(nil), c.sent...)
}

func (c *fakeConn) typesSent() []model.EnvelopeType {
	var out []model.EnvelopeType
	for _, env := range c.envelopes() {
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// blockingConn never completes a send until ctx is done.
type blockingConn struct {
	fakeConn
}

func (c *blockingConn) Send(ctx context.Context, _ model.Envelope) error {
	<-ctx.Done()
	return ctx.Err()
}

type stubCases map[string]model.Case

func (s stubCases) GetCase(_ context.Context, caseID string) (model.Case, error) {
	c, ok := s[caseID]
	if !ok {
		return model.Case{}, model.NewCaseNotFoundError(caseID)
	}
	return c, nil
}

type countingObserver struct {
	mu          sync.Mutex
	deliveries  map[string]int
	prunes      int
	inbound     map[string]int
	malformed   int
	connections int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{deliveries: map[string]int{}, inbound: map[string]int{}}
}

func (o *countingObserver) ObserveDelivery(envelopeType, outcome string) {
	o.mu.Lock()
	o.deliveries[envelopeType+"/"+outcome]++
	o.mu.Unlock()
}

func (o *countingObserver) ObservePrune() {
	o.mu.Lock()
	o.prunes++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveInbound(messageType string) {
	o.mu.Lock()
	o.inbound[messageType]++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveMalformed() {
	o.mu.Lock()
	o.malformed++
	o.mu.Unlock()
}

func (o *countingObserver) SetConnections(n int) {
	o.mu.Lock()
	o.connections = n
	o.mu.Unlock()
}
