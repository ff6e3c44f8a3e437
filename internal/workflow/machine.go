package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/capability"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// Notifier delivers envelopes to the watchers of a case. It returns the
// number of successful deliveries.
type Notifier interface {
	SendToCase(ctx context.Context, caseID string, env model.Envelope) int
}

// ActionObserver records the outcome of each action. Outcome is "ok" or the
// error code of the rejection.
type ActionObserver interface {
	ObserveAction(action, outcome string, duration time.Duration)
}

// ActionRequest asks the machine to apply an action to a case.
type ActionRequest struct {
	CaseID   string
	Action   model.Action
	ActorID  string
	Comment  string
	Metadata map[string]any

	// IdempotencyKey, when set, makes a retried request replay the first
	// result instead of applying the action again.
	IdempotencyKey string
}

// ActionResult is the structured outcome of ExecuteAction. On success Case
// holds the saved case; on failure Code and Reason describe the rejection.
type ActionResult struct {
	OK       bool
	Case     *model.Case
	Code     string
	Reason   string
	Replayed bool
}

// Err returns the rejection as an *model.ErrorEnvelope, or nil on success.
func (r ActionResult) Err() error {
	if r.OK {
		return nil
	}
	return &model.ErrorEnvelope{Code: r.Code, Message: r.Reason}
}

func failure(err error) ActionResult {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ActionResult{Code: ee.Code, Reason: ee.Message}
	}
	return ActionResult{Code: model.ErrInternalError, Reason: err.Error()}
}

// Option configures a Machine.
type Option func(*Machine)

// WithNotifier sets the notifier that receives case_update envelopes.
func WithNotifier(n Notifier) Option {
	return func(m *Machine) { m.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithObserver sets the action observer.
func WithObserver(o ActionObserver) Option {
	return func(m *Machine) { m.observer = o }
}

// WithIdempotency enables replay of retried actions. A ttl of zero uses
// DefaultIdempotencyTTL.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(m *Machine) {
		m.idempotency = store
		m.idempotencyTTL = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine drives cases through the review lifecycle. Actions on the same
// case are serialized; actions on different cases run in parallel.
type Machine struct {
	store    CaseStore
	policy   *capability.Policy
	notifier Notifier
	observer ActionObserver
	locks    *caseLocks
	logger   *zap.Logger
	now      func() time.Time

	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
}

// NewMachine creates a new workflow state machine.
func NewMachine(store CaseStore, policy *capability.Policy, opts ...Option) *Machine {
	m := &Machine{
		store:  store,
		policy: policy,
		locks:  newCaseLocks(),
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.policy == nil {
		m.policy = capability.DefaultPolicy()
	}
	if m.idempotencyTTL <= 0 {
		m.idempotencyTTL = DefaultIdempotencyTTL
	}
	return m
}

// ExecuteAction validates and applies an action. The case_update event is
// emitted only after the new state is saved and the case lock is released.
func (m *Machine) ExecuteAction(ctx context.Context, req ActionRequest) ActionResult {
	start := m.now()
	ctx, span := observability.StartSpan(ctx, "workflow.execute_action",
		observability.AttrCaseID.String(req.CaseID),
		observability.AttrAction.String(string(req.Action)),
		observability.AttrActorID.String(req.ActorID),
	)

	logger := observability.LoggerFrom(ctx, m.logger).With(
		zap.String("case_id", req.CaseID),
		zap.String("action", string(req.Action)),
		zap.String("actor_id", req.ActorID),
	)
	if len(req.Metadata) > 0 {
		logger.Debug("workflow action requested", zap.Any("metadata", observability.RedactBody(req.Metadata, nil)))
	}

	result, env := m.execute(ctx, req)

	outcome := "ok"
	switch {
	case !result.OK:
		outcome = result.Code
	case result.Replayed:
		outcome = "replayed"
	}
	span.SetAttributes(observability.AttrOutcome.String(outcome))
	observability.EndSpanWithError(span, result.Err())
	if m.observer != nil {
		m.observer.ObserveAction(actionLabel(req.Action), outcome, m.now().Sub(start))
	}

	if !result.OK {
		if result.Code == model.ErrInternalError {
			logger.Error("workflow action failed", zap.String("reason", result.Reason))
		} else {
			logger.Warn("workflow action rejected",
				zap.String("code", result.Code),
				zap.String("reason", result.Reason),
			)
		}
		return result
	}

	if result.Replayed {
		logger.Info("workflow action replayed", zap.String("idempotency_key", req.IdempotencyKey))
		return result
	}
	logger.Info("workflow action applied", zap.String("status", string(result.Case.Status)))
	if m.notifier != nil && env != nil {
		n := m.notifier.SendToCase(ctx, req.CaseID, *env)
		logger.Debug("case update delivered", zap.Int("delivered", n))
	}
	return result
}

// actionLabel keeps caller-supplied action names out of metric labels.
func actionLabel(a model.Action) string {
	if !a.Valid() {
		return observability.LabelUnknown
	}
	return string(a)
}

func (m *Machine) execute(ctx context.Context, req ActionRequest) (ActionResult, *model.Envelope) {
	if req.CaseID == "" {
		return failure(model.NewBadRequestError("case id is required")), nil
	}
	if !req.Action.Valid() {
		return failure(model.NewBadRequestError(fmt.Sprintf("unknown action %q", req.Action))), nil
	}
	if req.Action == model.ActionComment && req.Comment == "" {
		return failure(model.NewBadRequestError("comment text is required")), nil
	}

	// 1. Resolve actor.
	actor, err := m.resolveActor(ctx, req.ActorID)
	if err != nil {
		return failure(err), nil
	}

	// 2. Serialize on the case.
	release := m.locks.acquire(req.CaseID)
	defer release()

	var idemKey, idemHash string
	if req.IdempotencyKey != "" && m.idempotency != nil {
		idemKey = FormatIdempotencyKey(req.CaseID, actor.ID, req.IdempotencyKey)
		idemHash = hashRequest(req)
		cached, found, err := m.idempotency.Check(ctx, idemKey, idemHash)
		if err != nil {
			return failure(err), nil
		}
		if found && cached != nil {
			return ActionResult{OK: true, Case: cached, Replayed: true}, nil
		}
	}

	// 3. Load case.
	current, err := m.store.LoadCase(ctx, req.CaseID)
	exists := err == nil
	if err != nil && !model.IsCode(err, model.ErrCaseNotFound) {
		return failure(fmt.Errorf("load case: %w", err)), nil
	}
	if req.Action == model.ActionCreate && exists {
		return failure(model.NewCaseExistsError(req.CaseID)), nil
	}
	if req.Action != model.ActionCreate && !exists {
		return failure(model.NewCaseNotFoundError(req.CaseID)), nil
	}

	// 4. Evaluate guard.
	if rej := m.policy.Check(req.Action, actor.Role, current.Status); rej != nil {
		return failure(rej), nil
	}

	// 5. Apply on a copy.
	now := m.now()
	var next model.Case
	if req.Action == model.ActionCreate {
		next = m.newCase(req, actor, now)
	} else {
		next = current.Clone()
		m.apply(&next, req, actor, now)
		if now.Before(current.UpdatedAt) {
			now = current.UpdatedAt
		}
		next.UpdatedAt = now
	}

	// 6. Persist.
	if err := m.store.SaveCase(ctx, next); err != nil {
		return failure(err), nil
	}
	next.Version++

	if idemKey != "" {
		if err := m.idempotency.Store(ctx, idemKey, idemHash, next, m.idempotencyTTL); err != nil {
			m.logger.Warn("storing idempotent result failed", zap.String("case_id", req.CaseID), zap.Error(err))
		}
	}

	env := model.NewCaseUpdateEnvelope(req.CaseID, model.CaseUpdatePayload{
		Action:         req.Action,
		NewStatus:      next.Status,
		PreviousStatus: current.Status,
		ActorID:        actor.ID,
	}, now)
	return ActionResult{OK: true, Case: &next}, &env
}

func (m *Machine) resolveActor(ctx context.Context, actorID string) (model.Actor, error) {
	actors, err := m.store.ListActors(ctx)
	if err != nil {
		return model.Actor{}, fmt.Errorf("list actors: %w", err)
	}
	for _, a := range actors {
		if a.ID != actorID {
			continue
		}
		if !a.Active {
			return model.Actor{}, model.NewActorInactiveError(actorID)
		}
		return a, nil
	}
	return model.Actor{}, model.NewActorNotFoundError(actorID)
}

// lifecycleSteps are the steps a new case starts with.
var lifecycleSteps = []model.Action{
	model.ActionCreate,
	model.ActionReview,
	model.ActionApprove,
	model.ActionFinalize,
}

func (m *Machine) newCase(req ActionRequest, actor model.Actor, now time.Time) model.Case {
	c := model.Case{
		ID:        req.CaseID,
		Status:    m.policy.Target(model.ActionCreate, ""),
		CreatedBy: actor.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, name := range lifecycleSteps {
		c.Steps = append(c.Steps, m.pendingStep(name))
	}
	complete(&c.Steps[0], actor.ID, now)
	if req.Comment != "" {
		c.Steps[0].Comments = append(c.Steps[0].Comments, model.Comment{ActorID: actor.ID, Text: req.Comment, CreatedAt: now})
	}
	if len(req.Metadata) > 0 {
		c.Metadata = make(map[string]any, len(req.Metadata))
		mergeMetadata(c.Metadata, req.Metadata)
	}
	return c
}

func (m *Machine) pendingStep(name model.Action) model.Step {
	step := model.Step{Name: name, Status: model.StepStatusPending}
	if g, ok := m.policy.Guard(name); ok {
		step.RequiredRoles = append([]model.Role(nil), g.Roles...)
	}
	return step
}

func (m *Machine) apply(c *model.Case, req ActionRequest, actor model.Actor, now time.Time) {
	var comment *model.Comment
	if req.Comment != "" {
		comment = &model.Comment{ActorID: actor.ID, Text: req.Comment, CreatedAt: now}
	}

	if req.Action.ChangesStatus() {
		c.Status = m.policy.Target(req.Action, c.Status)
		step := c.Step(req.Action)
		if step == nil {
			c.Steps = append(c.Steps, m.pendingStep(req.Action))
			step = &c.Steps[len(c.Steps)-1]
		}
		complete(step, actor.ID, now)
		if comment != nil {
			step.Comments = append(step.Comments, *comment)
		}
		if len(req.Metadata) > 0 {
			if c.Metadata == nil {
				c.Metadata = make(map[string]any)
			}
			mergeMetadata(c.Metadata, req.Metadata)
		}
		return
	}

	if req.Action == model.ActionRequestConsultation {
		if c.Metadata == nil {
			c.Metadata = make(map[string]any)
		}
		mergeMetadata(c.Metadata, req.Metadata)
		entry := map[string]any{
			"requested_by": actor.ID,
			"requested_at": now.Format(time.RFC3339Nano),
		}
		if req.Comment != "" {
			entry["note"] = req.Comment
		}
		consultations, _ := c.Metadata["consultations"].([]any)
		c.Metadata["consultations"] = append(consultations, entry)
	}
	if comment != nil {
		appendComment(c, comment)
	}
}

func complete(step *model.Step, actorID string, at time.Time) {
	step.Status = model.StepStatusCompleted
	step.CompletedBy = actorID
	completedAt := at
	step.CompletedAt = &completedAt
}

// appendComment attaches a comment to the current step, creating a comment
// step for cases that somehow have none.
func appendComment(c *model.Case, comment *model.Comment) {
	step := c.CurrentStep()
	if step == nil {
		c.Steps = append(c.Steps, model.Step{Name: model.ActionComment, Status: model.StepStatusCompleted})
		step = &c.Steps[len(c.Steps)-1]
	}
	step.Comments = append(step.Comments, *comment)
}

// mergeMetadata copies src into dst. The consultations key is owned by the
// machine and never overwritten by callers.
func mergeMetadata(dst, src map[string]any) {
	for k, v := range src {
		if k == "consultations" {
			continue
		}
		dst[k] = v
	}
}

// GetCase returns a snapshot of a case.
func (m *Machine) GetCase(ctx context.Context, caseID string) (model.Case, error) {
	return m.store.LoadCase(ctx, caseID)
}

// Steps returns the step history of a case.
func (m *Machine) Steps(ctx context.Context, caseID string) ([]model.Step, error) {
	c, err := m.store.LoadCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return c.Steps, nil
}
