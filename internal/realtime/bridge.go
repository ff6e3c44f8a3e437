package realtime

import (
	"context"
	"math"
	"strings"

	"github.com/pitabwire/caseflow/model"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Bridge lets external producers, such as analysis pipelines, notify
// connections without going through the workflow.
type Bridge struct {
	dispatcher *Dispatcher
}

// NewBridge creates a bridge over d.
func NewBridge(d *Dispatcher) *Bridge {
	return &Bridge{dispatcher: d}
}

// NotifyCaseProgress sends a workflow_progress envelope to the watchers of
// caseID. Percent is clamped to [0, 100].
func (b *Bridge) NotifyCaseProgress(ctx context.Context, caseID, stepName string, percent float64, status string) (int, error) {
	if caseID == "" {
		return 0, model.NewBadRequestError("case id is required")
	}
	if stepName == "" {
		return 0, model.NewBadRequestError("step name is required")
	}
	env := model.NewProgressEnvelope(caseID, model.ProgressPayload{
		StepName: stepName,
		Percent:  clampPercent(percent),
		Status:   status,
	}, b.dispatcher.now())
	return b.dispatcher.SendToCase(ctx, caseID, env), nil
}

// NotifySystemAlert broadcasts a system_alert envelope. An empty severity
// defaults to info.
func (b *Bridge) NotifySystemAlert(ctx context.Context, alertType, message, severity string) (int, error) {
	if alertType == "" {
		return 0, model.NewBadRequestError("alert type is required")
	}
	severity = strings.ToLower(severity)
	switch severity {
	case "":
		severity = SeverityInfo
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return 0, model.NewBadRequestError("severity must be one of info, warning, critical")
	}
	env := model.NewAlertEnvelope(model.AlertPayload{
		AlertType: alertType,
		Message:   message,
		Severity:  severity,
	}, b.dispatcher.now())
	return b.dispatcher.Broadcast(ctx, env), nil
}

func clampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
