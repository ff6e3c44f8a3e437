package model

import (
	"fmt"
	"time"
)

// EnvelopeType discriminates the payload carried by an Envelope.
type EnvelopeType string

// Envelope types pushed to connections.
const (
	EnvelopeCaseStatus       EnvelopeType = "case_status"
	EnvelopeCaseUpdate       EnvelopeType = "case_update"
	EnvelopeWorkflowProgress EnvelopeType = "workflow_progress"
	EnvelopeSystemAlert      EnvelopeType = "system_alert"
	EnvelopeDashboardUpdate  EnvelopeType = "dashboard_update"
	EnvelopePong             EnvelopeType = "pong"
	EnvelopeError            EnvelopeType = "error"
)

// Envelope is a typed message pushed to one or more connections. Payload
// holds the struct matching Type; Validate enforces the pairing.
type Envelope struct {
	Type         EnvelopeType `json:"type"`
	CaseID       string       `json:"case_id,omitempty"`
	SubscriberID string       `json:"subscriber_id,omitempty"`
	Payload      any          `json:"payload,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Case status payload kinds.
const (
	CaseStatusKindStatus = "status"
	CaseStatusKindSteps  = "steps"
)

// CaseStatusPayload is a full or partial snapshot of a case.
type CaseStatusPayload struct {
	Kind  string `json:"kind"`
	Case  *Case  `json:"case,omitempty"`
	Steps []Step `json:"steps,omitempty"`
}

// CaseUpdatePayload describes a completed workflow action.
type CaseUpdatePayload struct {
	Action         Action     `json:"action"`
	NewStatus      CaseStatus `json:"new_status"`
	PreviousStatus CaseStatus `json:"previous_status,omitempty"`
	ActorID        string     `json:"actor_id"`
}

// ProgressPayload reports progress of a long-running job attached to a case.
type ProgressPayload struct {
	StepName string  `json:"step_name"`
	Percent  float64 `json:"percent"`
	Status   string  `json:"status"`
}

// AlertPayload is a system-wide notice.
type AlertPayload struct {
	AlertType string `json:"alert_type"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
}

// ConnectionStats counts live connections. It never carries connection
// objects, only counts keyed by identifier.
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	PerSubscriber    map[string]int `json:"per_subscriber"`
	PerCase          map[string]int `json:"per_case"`
}

// DashboardPayload is the periodic dashboard refresh.
type DashboardPayload struct {
	Connections ConnectionStats `json:"connections"`
}

// PongPayload answers a client ping.
type PongPayload struct {
	ServerTime time.Time `json:"server_time"`
}

// Validate checks that Type is known and that Payload matches it.
func (e Envelope) Validate() error {
	var ok bool
	switch e.Type {
	case EnvelopeCaseStatus:
		_, ok = e.Payload.(CaseStatusPayload)
	case EnvelopeCaseUpdate:
		_, ok = e.Payload.(CaseUpdatePayload)
	case EnvelopeWorkflowProgress:
		_, ok = e.Payload.(ProgressPayload)
	case EnvelopeSystemAlert:
		_, ok = e.Payload.(AlertPayload)
	case EnvelopeDashboardUpdate:
		_, ok = e.Payload.(DashboardPayload)
	case EnvelopePong:
		_, ok = e.Payload.(PongPayload)
	case EnvelopeError:
		_, ok = e.Payload.(*ErrorEnvelope)
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if !ok {
		return fmt.Errorf("envelope %q carries payload of type %T", e.Type, e.Payload)
	}
	switch e.Type {
	case EnvelopeCaseStatus, EnvelopeCaseUpdate, EnvelopeWorkflowProgress:
		if e.CaseID == "" {
			return fmt.Errorf("envelope %q requires a case id", e.Type)
		}
	}
	return nil
}

// NewCaseStatusEnvelope builds a full case snapshot envelope.
func NewCaseStatusEnvelope(c Case, at time.Time) Envelope {
	snapshot := c.Clone()
	return Envelope{
		Type:      EnvelopeCaseStatus,
		CaseID:    c.ID,
		Payload:   CaseStatusPayload{Kind: CaseStatusKindStatus, Case: &snapshot},
		Timestamp: at,
	}
}

// NewCaseStepsEnvelope builds an envelope carrying only the step list.
func NewCaseStepsEnvelope(c Case, at time.Time) Envelope {
	snapshot := c.Clone()
	return Envelope{
		Type:      EnvelopeCaseStatus,
		CaseID:    c.ID,
		Payload:   CaseStatusPayload{Kind: CaseStatusKindSteps, Steps: snapshot.Steps},
		Timestamp: at,
	}
}

// NewCaseUpdateEnvelope builds the event emitted after a successful action.
func NewCaseUpdateEnvelope(caseID string, p CaseUpdatePayload, at time.Time) Envelope {
	return Envelope{Type: EnvelopeCaseUpdate, CaseID: caseID, Payload: p, Timestamp: at}
}

// NewProgressEnvelope builds a workflow_progress envelope.
func NewProgressEnvelope(caseID string, p ProgressPayload, at time.Time) Envelope {
	return Envelope{Type: EnvelopeWorkflowProgress, CaseID: caseID, Payload: p, Timestamp: at}
}

// NewAlertEnvelope builds a system_alert envelope.
func NewAlertEnvelope(p AlertPayload, at time.Time) Envelope {
	return Envelope{Type: EnvelopeSystemAlert, Payload: p, Timestamp: at}
}

// NewDashboardEnvelope builds a dashboard_update envelope.
func NewDashboardEnvelope(stats ConnectionStats, at time.Time) Envelope {
	return Envelope{Type: EnvelopeDashboardUpdate, Payload: DashboardPayload{Connections: stats}, Timestamp: at}
}

// NewPongEnvelope builds the reply to a ping.
func NewPongEnvelope(at time.Time) Envelope {
	return Envelope{Type: EnvelopePong, Payload: PongPayload{ServerTime: at}, Timestamp: at}
}

// NewErrorEnvelope wraps an error body for delivery to a single connection.
func NewErrorEnvelope(caseID string, err *ErrorEnvelope, at time.Time) Envelope {
	return Envelope{Type: EnvelopeError, CaseID: caseID, Payload: err, Timestamp: at}
}

// Inbound message types sent by clients.
const (
	InboundPing             = "ping"
	InboundSubscribeCase    = "subscribe_case"
	InboundGetCaseStatus    = "get_case_status"
	InboundGetWorkflowSteps = "get_workflow_steps"
)

// KnownInboundType reports whether t is one of the inbound message types.
func KnownInboundType(t string) bool {
	switch t {
	case InboundPing, InboundSubscribeCase, InboundGetCaseStatus, InboundGetWorkflowSteps:
		return true
	}
	return false
}

// InboundMessage is a message received from a connection.
type InboundMessage struct {
	Type   string `json:"type"`
	CaseID string `json:"case_id,omitempty"`
}
