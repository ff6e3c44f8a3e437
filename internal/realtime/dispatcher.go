package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// Defaults used when options are not supplied.
const (
	DefaultWriteTimeout     = 5 * time.Second
	DefaultMaxParallelSends = 64
)

// SnapshotSource loads case snapshots for connect-time and on-demand replies.
type SnapshotSource interface {
	GetCase(ctx context.Context, caseID string) (model.Case, error)
}

// DeliveryObserver records dispatcher activity.
type DeliveryObserver interface {
	ObserveDelivery(envelopeType, outcome string)
	ObservePrune()
	ObserveInbound(messageType string)
	ObserveMalformed()
	SetConnections(n int)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithObserver sets the delivery observer.
func WithObserver(o DeliveryObserver) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithWriteTimeout bounds every single delivery.
func WithWriteTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.writeTimeout = t
		}
	}
}

// WithMaxParallelSends bounds the number of concurrent deliveries per
// fan-out.
func WithMaxParallelSends(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxParallel = n
		}
	}
}

// WithClock overrides the time source used for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher delivers envelopes to registered connections. A connection
// whose delivery fails is unregistered and closed; callers only ever see the
// number of successful deliveries.
type Dispatcher struct {
	registry     *Registry
	cases        SnapshotSource
	logger       *zap.Logger
	observer     DeliveryObserver
	writeTimeout time.Duration
	maxParallel  int
	now          func() time.Time
}

// NewDispatcher creates a dispatcher over registry. cases may be nil, in
// which case no snapshots are sent.
func NewDispatcher(registry *Registry, cases SnapshotSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:     registry,
		cases:        cases,
		logger:       zap.NewNop(),
		writeTimeout: DefaultWriteTimeout,
		maxParallel:  DefaultMaxParallelSends,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetSnapshotSource installs the snapshot source after construction. The
// workflow machine and the dispatcher reference each other, so one of them
// has to be wired late.
func (d *Dispatcher) SetSnapshotSource(cases SnapshotSource) {
	d.cases = cases
}

// Registry returns the underlying registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// SendToConnection delivers env to a single connection.
func (d *Dispatcher) SendToConnection(ctx context.Context, connID string, env model.Envelope) int {
	conn, ok := d.registry.Connection(connID)
	if !ok {
		return 0
	}
	return d.deliver(ctx, "realtime.send_to_connection", []Conn{conn}, env)
}

// SendToSubscriber delivers env to every connection of a subscriber.
func (d *Dispatcher) SendToSubscriber(ctx context.Context, subscriberID string, env model.Envelope) int {
	if env.SubscriberID == "" {
		env.SubscriberID = subscriberID
	}
	return d.deliver(ctx, "realtime.send_to_subscriber", d.registry.BySubscriber(subscriberID), env)
}

// SendToCase delivers env to every connection watching caseID.
func (d *Dispatcher) SendToCase(ctx context.Context, caseID string, env model.Envelope) int {
	if env.CaseID == "" {
		env.CaseID = caseID
	}
	return d.deliver(ctx, "realtime.send_to_case", d.registry.ByCase(caseID), env)
}

// Broadcast delivers env to every registered connection.
func (d *Dispatcher) Broadcast(ctx context.Context, env model.Envelope) int {
	return d.deliver(ctx, "realtime.broadcast", d.registry.All(), env)
}

// deliver sends env to the target snapshot concurrently. The registry lock is
// never held here.
func (d *Dispatcher) deliver(ctx context.Context, spanName string, targets []Conn, env model.Envelope) int {
	if err := env.Validate(); err != nil {
		d.logger.Warn("refusing to deliver invalid envelope", zap.Error(err))
		if d.observer != nil {
			d.observer.ObserveDelivery(string(env.Type), observability.OutcomeRejected)
		}
		return 0
	}
	if len(targets) == 0 {
		return 0
	}

	// Deliveries must not be cut short because the caller's request ended.
	ctx = context.WithoutCancel(ctx)
	ctx, span := observability.StartSpan(ctx, spanName,
		observability.AttrEnvelopeType.String(string(env.Type)),
		observability.AttrTargets.Int(len(targets)),
	)
	defer span.End()

	var delivered atomic.Int64
	var g errgroup.Group
	g.SetLimit(d.maxParallel)
	for _, conn := range targets {
		g.Go(func() error {
			if d.sendOne(ctx, conn, env) {
				delivered.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(delivered.Load())
	span.SetAttributes(observability.AttrDelivered.Int(n))
	return n
}

func (d *Dispatcher) sendOne(ctx context.Context, conn Conn, env model.Envelope) bool {
	wctx, cancel := context.WithTimeout(ctx, d.writeTimeout)
	err := conn.Send(wctx, env)
	cancel()

	if err != nil {
		if d.observer != nil {
			d.observer.ObserveDelivery(string(env.Type), observability.OutcomeFailed)
		}
		d.prune(conn, err)
		return false
	}
	if d.observer != nil {
		d.observer.ObserveDelivery(string(env.Type), observability.OutcomeDelivered)
	}
	return true
}

// prune removes a connection after a failed delivery.
func (d *Dispatcher) prune(conn Conn, cause error) {
	if !d.registry.UnregisterIf(conn) {
		return
	}
	conn.Close("delivery failed")
	d.logger.Warn("pruned connection after failed delivery",
		zap.String("connection_id", conn.ID()),
		zap.Error(cause),
	)
	if d.observer != nil {
		d.observer.ObservePrune()
		d.observer.SetConnections(d.registry.Len())
	}
}

// OnConnect registers conn and, when caseID is set, sends it a one-time
// case_status snapshot. A failed snapshot lookup sends nothing and keeps
// the connection.
func (d *Dispatcher) OnConnect(ctx context.Context, conn Conn, subscriberID, caseID string) {
	d.registry.Register(conn, subscriberID, caseID)
	if d.observer != nil {
		d.observer.SetConnections(d.registry.Len())
	}
	observability.ConnectionLogger(d.logger, conn.ID(), subscriberID, caseID).Info("connection registered")

	if caseID != "" {
		d.sendSnapshot(ctx, conn.ID(), caseID, model.CaseStatusKindStatus, false)
	}
}

// OnDisconnect unregisters a connection. Unknown ids are ignored.
func (d *Dispatcher) OnDisconnect(connID string) {
	if _, ok := d.registry.Unregister(connID); !ok {
		return
	}
	if d.observer != nil {
		d.observer.SetConnections(d.registry.Len())
	}
	d.logger.Info("connection unregistered", zap.String("connection_id", connID))
}

// HandleInbound processes one message received from a connection. Malformed
// or unknown messages are answered with an error envelope; the connection is
// never closed here.
func (d *Dispatcher) HandleInbound(ctx context.Context, connID string, raw []byte) {
	if _, ok := d.registry.Connection(connID); !ok {
		return
	}

	var msg model.InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.malformed(ctx, connID, "message is not valid JSON")
		return
	}
	if d.observer != nil {
		label := msg.Type
		if !model.KnownInboundType(label) {
			label = observability.LabelUnknown
		}
		d.observer.ObserveInbound(label)
	}

	switch msg.Type {
	case model.InboundPing:
		d.SendToConnection(ctx, connID, model.NewPongEnvelope(d.now()))

	case model.InboundSubscribeCase:
		if msg.CaseID == "" {
			d.malformed(ctx, connID, "subscribe_case requires case_id")
			return
		}
		d.registry.ResubscribeCase(connID, msg.CaseID)
		d.logger.Debug("connection resubscribed",
			zap.String("connection_id", connID),
			zap.String("case_id", msg.CaseID),
		)
		d.sendSnapshot(ctx, connID, msg.CaseID, model.CaseStatusKindStatus, false)

	case model.InboundGetCaseStatus, model.InboundGetWorkflowSteps:
		caseID := msg.CaseID
		if caseID == "" {
			caseID = d.registry.WatchedCase(connID)
		}
		if caseID == "" {
			d.malformed(ctx, connID, msg.Type+" requires case_id")
			return
		}
		kind := model.CaseStatusKindStatus
		if msg.Type == model.InboundGetWorkflowSteps {
			kind = model.CaseStatusKindSteps
		}
		d.sendSnapshot(ctx, connID, caseID, kind, true)

	default:
		d.malformed(ctx, connID, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (d *Dispatcher) malformed(ctx context.Context, connID, reason string) {
	if d.observer != nil {
		d.observer.ObserveMalformed()
	}
	d.logger.Debug("dropping malformed inbound message",
		zap.String("connection_id", connID),
		zap.String("reason", reason),
	)
	d.SendToConnection(ctx, connID, model.NewErrorEnvelope("", model.NewMalformedMessageError(reason), d.now()))
}

// sendSnapshot replies with the current case state. When reportErrors is
// set, a failed lookup is answered with an error envelope.
func (d *Dispatcher) sendSnapshot(ctx context.Context, connID, caseID, kind string, reportErrors bool) {
	if d.cases == nil {
		return
	}
	c, err := d.cases.GetCase(ctx, caseID)
	if err != nil {
		d.logger.Debug("case snapshot unavailable",
			zap.String("connection_id", connID),
			zap.String("case_id", caseID),
			zap.Error(err),
		)
		if reportErrors {
			ee := &model.ErrorEnvelope{Code: model.CodeOf(err), Message: "case snapshot unavailable"}
			if model.IsCode(err, model.ErrCaseNotFound) {
				ee = model.NewCaseNotFoundError(caseID)
			}
			d.SendToConnection(ctx, connID, model.NewErrorEnvelope(caseID, ee, d.now()))
		}
		return
	}

	env := model.NewCaseStatusEnvelope(c, d.now())
	if kind == model.CaseStatusKindSteps {
		env = model.NewCaseStepsEnvelope(c, d.now())
	}
	d.SendToConnection(ctx, connID, env)
}

// Stats returns the registry counts.
func (d *Dispatcher) Stats() model.ConnectionStats {
	return d.registry.Snapshot()
}

// PublishDashboard broadcasts the current connection counts.
func (d *Dispatcher) PublishDashboard(ctx context.Context) int {
	return d.Broadcast(ctx, model.NewDashboardEnvelope(d.Stats(), d.now()))
}

// RunDashboard publishes dashboard updates every interval until ctx is done.
// A non-positive interval disables the ticker.
func (d *Dispatcher) RunDashboard(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.PublishDashboard(ctx)
		}
	}
}

// CloseAll unregisters and closes every connection.
func (d *Dispatcher) CloseAll(reason string) {
	for _, conn := range d.registry.All() {
		if _, ok := d.registry.Unregister(conn.ID()); ok {
			conn.Close(reason)
		}
	}
	if d.observer != nil {
		d.observer.SetConnections(d.registry.Len())
	}
}
