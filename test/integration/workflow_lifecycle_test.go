package integration

import (
	"net/http"
	"sync"
	"testing"

	"github.com/pitabwire/caseflow/model"
)

// ==========================================================================
// Full Review Lifecycle
// ==========================================================================

func TestWorkflow_FullReviewLifecycle(t *testing.T) {
	h := NewTestHarness(t)

	// 1. Create.
	c := h.MustAction("C-100", model.ActionCreate, "clin1")
	if c.Status != model.CaseStatusDraft {
		t.Fatalf("status after create = %q, want draft", c.Status)
	}
	if c.CreatedBy != "clin1" {
		t.Errorf("created_by = %q, want clin1", c.CreatedBy)
	}
	if len(c.Steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(c.Steps))
	}
	if c.Steps[0].Status != model.StepStatusCompleted || c.Steps[1].Status != model.StepStatusPending {
		t.Errorf("step statuses = %q/%q, want completed/pending", c.Steps[0].Status, c.Steps[1].Status)
	}

	// 2. Review, approve, finalize.
	for _, step := range []struct {
		action model.Action
		actor  string
		want   model.CaseStatus
	}{
		{model.ActionReview, "rad1", model.CaseStatusInReview},
		{model.ActionApprove, "clin1", model.CaseStatusApproved},
		{model.ActionFinalize, "rad1", model.CaseStatusFinalized},
	} {
		c = h.MustAction("C-100", step.action, step.actor)
		if c.Status != step.want {
			t.Fatalf("status after %s = %q, want %q", step.action, c.Status, step.want)
		}
		s := c.Step(step.action)
		if s == nil || s.Status != model.StepStatusCompleted || s.CompletedBy != step.actor {
			t.Errorf("step %s = %+v, want completed by %s", step.action, s, step.actor)
		}
	}
	if c.Version != 4 {
		t.Errorf("version = %d, want 4", c.Version)
	}

	// 3. Read back case and steps.
	var got model.Case
	h.AssertJSON(t, h.GET("/api/v1/cases/C-100", ""), http.StatusOK, &got)
	if got.Status != model.CaseStatusFinalized {
		t.Errorf("GET status = %q, want finalized", got.Status)
	}

	var steps struct {
		CaseID string       `json:"case_id"`
		Steps  []model.Step `json:"steps"`
	}
	h.AssertJSON(t, h.GET("/api/v1/cases/C-100/steps", ""), http.StatusOK, &steps)
	if steps.CaseID != "C-100" || len(steps.Steps) != 4 {
		t.Errorf("steps response = %+v", steps)
	}

	// 4. A finalized case can still be archived by an admin.
	c = h.MustAction("C-100", model.ActionArchive, "admin1")
	if c.Status != model.CaseStatusArchived {
		t.Errorf("status after archive = %q, want archived", c.Status)
	}
}

func TestWorkflow_Rejection(t *testing.T) {
	h := NewTestHarness(t)

	h.MustAction("C-200", model.ActionCreate, "rad1")
	h.MustAction("C-200", model.ActionReview, "rad1")
	c := h.MustAction("C-200", model.ActionReject, "clin1")
	if c.Status != model.CaseStatusRejected {
		t.Fatalf("status = %q, want rejected", c.Status)
	}

	// Nothing moves a rejected case forward again.
	h.AssertError(t, h.Action("C-200", model.ActionApprove, "clin1", ""), http.StatusUnprocessableEntity, model.ErrInvalidTransition)
	h.AssertError(t, h.Action("C-200", model.ActionReview, "rad1", ""), http.StatusUnprocessableEntity, model.ErrInvalidTransition)
}

func TestWorkflow_CommentsAndConsultations(t *testing.T) {
	h := NewTestHarness(t)

	h.MustAction("C-300", model.ActionCreate, "rad1")

	var c model.Case
	h.AssertJSON(t, h.POST("/api/v1/cases/C-300/actions", map[string]any{
		"action":   "comment",
		"actor_id": "clin1",
		"comment":  "prior imaging attached",
	}, ""), http.StatusOK, &c)
	if c.Status != model.CaseStatusDraft {
		t.Errorf("comment changed status to %q", c.Status)
	}
	if cur := c.CurrentStep(); cur == nil || len(cur.Comments) != 1 || cur.Comments[0].ActorID != "clin1" {
		t.Errorf("current step comments = %+v", cur)
	}

	h.AssertJSON(t, h.POST("/api/v1/cases/C-300/actions", map[string]any{
		"action":   "request_consultation",
		"actor_id": "rad1",
		"comment":  "neuro opinion please",
		"metadata": map[string]any{"priority": "high"},
	}, ""), http.StatusOK, &c)
	consultations, _ := c.Metadata["consultations"].([]any)
	if len(consultations) != 1 {
		t.Fatalf("consultations = %v, want one entry", c.Metadata["consultations"])
	}
	if c.Metadata["priority"] != "high" {
		t.Errorf("metadata priority = %v, want high", c.Metadata["priority"])
	}

	// An empty comment is rejected.
	h.AssertError(t, h.POST("/api/v1/cases/C-300/actions", map[string]any{
		"action":   "comment",
		"actor_id": "clin1",
	}, ""), http.StatusBadRequest, model.ErrBadRequest)
}

// ==========================================================================
// Rejections
// ==========================================================================

func TestWorkflow_Rejections(t *testing.T) {
	h := NewTestHarness(t)
	h.MustAction("C-400", model.ActionCreate, "rad1")

	tests := []struct {
		name     string
		caseID   string
		action   model.Action
		actor    string
		wantHTTP int
		wantCode string
	}{
		{"unknown actor", "C-400", model.ActionReview, "ghost", http.StatusNotFound, model.ErrActorNotFound},
		{"inactive actor", "C-400", model.ActionReview, "rad2", http.StatusForbidden, model.ErrActorInactive},
		{"role not allowed", "C-400", model.ActionReview, "clin1", http.StatusForbidden, model.ErrUnauthorized},
		{"technician cannot create", "C-401", model.ActionCreate, "tech1", http.StatusForbidden, model.ErrUnauthorized},
		{"wrong state", "C-400", model.ActionFinalize, "rad1", http.StatusUnprocessableEntity, model.ErrInvalidTransition},
		{"archive is admin only", "C-400", model.ActionArchive, "rad1", http.StatusForbidden, model.ErrUnauthorized},
		{"missing case", "C-404", model.ActionReview, "rad1", http.StatusNotFound, model.ErrCaseNotFound},
		{"duplicate create", "C-400", model.ActionCreate, "clin1", http.StatusConflict, model.ErrCaseExists},
		{"unknown action", "C-400", model.Action("delete"), "rad1", http.StatusBadRequest, model.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.AssertError(t, h.Action(tt.caseID, tt.action, tt.actor, ""), tt.wantHTTP, tt.wantCode)
		})
	}

	h.AssertError(t, h.POST("/api/v1/cases/C-400/actions", map[string]any{
		"action":   "comment",
		"actor_id": "view1",
		"comment":  "looks fine",
	}, ""), http.StatusForbidden, model.ErrUnauthorized)

	// None of the rejections touched the case.
	var c model.Case
	h.AssertJSON(t, h.GET("/api/v1/cases/C-400", ""), http.StatusOK, &c)
	if c.Status != model.CaseStatusDraft || c.Version != 1 {
		t.Errorf("case after rejections = %s v%d, want draft v1", c.Status, c.Version)
	}
}

func TestWorkflow_AdminBypassesGuards(t *testing.T) {
	h := NewTestHarness(t)

	h.MustAction("C-500", model.ActionCreate, "admin1")
	c := h.MustAction("C-500", model.ActionFinalize, "admin1")
	if c.Status != model.CaseStatusFinalized {
		t.Errorf("status = %q, want finalized", c.Status)
	}
}

// ==========================================================================
// Concurrency
// ==========================================================================

func TestWorkflow_ConcurrentActionsOnOneCase(t *testing.T) {
	h := NewTestHarness(t)
	h.MustAction("C-600", model.ActionCreate, "rad1")

	const n = 20
	var wg sync.WaitGroup
	statuses := make([]int, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := h.POST("/api/v1/cases/C-600/actions", map[string]any{
				"action":   "comment",
				"actor_id": "clin1",
				"comment":  "note",
			}, "")
			statuses[i] = resp.StatusCode
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	for i, s := range statuses {
		if s != http.StatusOK {
			t.Errorf("request %d status = %d, want 200", i, s)
		}
	}

	var c model.Case
	h.AssertJSON(t, h.GET("/api/v1/cases/C-600", ""), http.StatusOK, &c)
	if c.Version != n+1 {
		t.Errorf("version = %d, want %d", c.Version, n+1)
	}
	if got := len(c.CurrentStep().Comments); got != n {
		t.Errorf("comments = %d, want %d", got, n)
	}
}

func TestWorkflow_RacingTransitionsOnlyOneWins(t *testing.T) {
	h := NewTestHarness(t)
	h.MustAction("C-700", model.ActionCreate, "rad1")
	h.MustAction("C-700", model.ActionReview, "rad1")

	const n = 10
	var wg sync.WaitGroup
	statuses := make([]int, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := h.Action("C-700", model.ActionApprove, "clin1", "")
			statuses[i] = resp.StatusCode
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, s := range statuses {
		switch s {
		case http.StatusOK:
			ok++
		case http.StatusUnprocessableEntity:
		default:
			t.Errorf("unexpected status %d", s)
		}
	}
	if ok != 1 {
		t.Errorf("successful approvals = %d, want 1", ok)
	}
}
