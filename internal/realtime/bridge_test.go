package realtime

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/caseflow/model"
)

func TestBridge_notifyCaseProgress(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	ctx := context.Background()
	watcher := newFakeConn("w")
	bystander := newFakeConn("b")
	d.OnConnect(ctx, watcher, "u1", "C7")
	d.OnConnect(ctx, bystander, "u2", "")

	b := NewBridge(d)
	n, err := b.NotifyCaseProgress(ctx, "C7", "segmentation", 42.5, "running")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, bystander.envelopes())

	env := watcher.envelopes()[0]
	assert.Equal(t, model.EnvelopeWorkflowProgress, env.Type)
	p := env.Payload.(model.ProgressPayload)
	assert.Equal(t, "segmentation", p.StepName)
	assert.InDelta(t, 42.5, p.Percent, 0.001)
	assert.Equal(t, "running", p.Status)
}

func TestBridge_progressIsClamped(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{in: -5, want: 0},
		{in: 0, want: 0},
		{in: 100, want: 100},
		{in: 250, want: 100},
		{in: math.NaN(), want: 0},
		{in: math.Inf(1), want: 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, clampPercent(tt.in), "clampPercent(%v)", tt.in)
	}
}

func TestBridge_notifyCaseProgressValidation(t *testing.T) {
	b := NewBridge(NewDispatcher(NewRegistry(), nil))

	_, err := b.NotifyCaseProgress(context.Background(), "", "seg", 10, "running")
	assert.True(t, model.IsCode(err, model.ErrBadRequest))

	_, err = b.NotifyCaseProgress(context.Background(), "C1", "", 10, "running")
	assert.True(t, model.IsCode(err, model.ErrBadRequest))

	n, err := b.NotifyCaseProgress(context.Background(), "C1", "seg", 10, "running")
	require.NoError(t, err)
	assert.Zero(t, n, "no watchers means zero deliveries")
}

func TestBridge_notifySystemAlert(t *testing.T) {
	d, _ := newTestDispatcher(nil)
	ctx := context.Background()
	a := newFakeConn("a")
	c := newFakeConn("c")
	d.OnConnect(ctx, a, "u1", "C1")
	d.OnConnect(ctx, c, "u2", "")

	b := NewBridge(d)
	n, err := b.NotifySystemAlert(ctx, "maintenance", "PACS offline at 22:00", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p := c.envelopes()[0].Payload.(model.AlertPayload)
	assert.Equal(t, SeverityInfo, p.Severity)
	assert.Equal(t, "maintenance", p.AlertType)

	_, err = b.NotifySystemAlert(ctx, "maintenance", "x", "apocalyptic")
	assert.True(t, model.IsCode(err, model.ErrBadRequest))

	_, err = b.NotifySystemAlert(ctx, "", "x", "info")
	assert.True(t, model.IsCode(err, model.ErrBadRequest))

	n, err = b.NotifySystemAlert(ctx, "capacity", "queue depth high", "WARNING")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	p = a.envelopes()[1].Payload.(model.AlertPayload)
	assert.Equal(t, SeverityWarning, p.Severity)
}
