package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/caseflow/model"
)

func doJSON(t *testing.T, h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Error.Code
}

func act(action model.Action, actor string) map[string]any {
	return map[string]any{"action": action, "actor_id": actor}
}

func TestHandleCaseAction_lifecycle(t *testing.T) {
	r := NewRouter(testDeps(t))

	w := doJSON(t, r, "POST", "/api/v1/cases/C1/actions", act(model.ActionCreate, "rad1"), "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	for _, step := range []struct {
		action model.Action
		actor  string
		want   model.CaseStatus
	}{
		{model.ActionReview, "rad1", model.CaseStatusInReview},
		{model.ActionApprove, "clin1", model.CaseStatusApproved},
		{model.ActionFinalize, "rad1", model.CaseStatusFinalized},
	} {
		w := doJSON(t, r, "POST", "/api/v1/cases/C1/actions", act(step.action, step.actor), "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var c model.Case
		require.NoError(t, json.NewDecoder(w.Body).Decode(&c))
		assert.Equal(t, step.want, c.Status)
	}

	w = doJSON(t, r, "GET", "/api/v1/cases/C1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var c model.Case
	require.NoError(t, json.NewDecoder(w.Body).Decode(&c))
	assert.Equal(t, model.CaseStatusFinalized, c.Status)

	w = doJSON(t, r, "GET", "/api/v1/cases/C1/steps", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var steps struct {
		CaseID string       `json:"case_id"`
		Steps  []model.Step `json:"steps"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&steps))
	assert.Equal(t, "C1", steps.CaseID)
	assert.Len(t, steps.Steps, 4)
}

func TestHandleCaseAction_errors(t *testing.T) {
	r := NewRouter(testDeps(t))
	require.Equal(t, http.StatusCreated, doJSON(t, r, "POST", "/api/v1/cases/C1/actions", act(model.ActionCreate, "rad1"), "").Code)

	tests := []struct {
		name     string
		caseID   string
		body     any
		wantCode int
		wantErr  string
	}{
		{"skip review", "C1", act(model.ActionApprove, "clin1"), 422, model.ErrInvalidTransition},
		{"wrong role", "C1", act(model.ActionReview, "clin1"), 403, model.ErrUnauthorized},
		{"inactive actor", "C1", act(model.ActionReview, "rad2"), 403, model.ErrActorInactive},
		{"unknown actor", "C1", act(model.ActionReview, "ghost"), 404, model.ErrActorNotFound},
		{"unknown case", "C9", act(model.ActionReview, "rad1"), 404, model.ErrCaseNotFound},
		{"duplicate create", "C1", act(model.ActionCreate, "rad1"), 409, model.ErrCaseExists},
		{"unknown action", "C1", act("delete", "rad1"), 400, model.ErrBadRequest},
		{"missing actor", "C1", map[string]any{"action": "review"}, 400, model.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, "POST", "/api/v1/cases/"+tt.caseID+"/actions", tt.body, "")
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, errorCode(t, w))
		})
	}
}

func TestHandleCaseAction_invalidJSON(t *testing.T) {
	r := NewRouter(testDeps(t))
	req := httptest.NewRequest("POST", "/api/v1/cases/C1/actions", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCaseAction_authenticatedSubjectIsActor(t *testing.T) {
	deps := testDeps(t)
	deps.Authenticate = JWTAuthenticator(testIdentityCfg(), testSigningKey)
	r := NewRouter(deps)
	token := signJWT(t, testSigningKey, jwt.SigningMethodHS256, validClaims())

	// The subject acts even without naming itself.
	w := doJSON(t, r, "POST", "/api/v1/cases/C1/actions", map[string]any{"action": "create"}, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var c model.Case
	require.NoError(t, json.NewDecoder(w.Body).Decode(&c))
	assert.Equal(t, "rad1", c.CreatedBy)

	// Naming someone else is refused.
	w = doJSON(t, r, "POST", "/api/v1/cases/C1/actions", act(model.ActionReview, "admin1"), token)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, model.ErrUnauthorized, errorCode(t, w))

	// No token at all.
	w = doJSON(t, r, "POST", "/api/v1/cases/C1/actions", act(model.ActionReview, "rad1"), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, model.ErrUnauthenticated, errorCode(t, w))
}

func TestHandleRealtimeStats(t *testing.T) {
	deps := testDeps(t)
	r := NewRouter(deps)
	deps.Dispatcher.OnConnect(context.Background(), &recordingConn{id: "a"}, "u1", "C1")

	w := doJSON(t, r, "GET", "/api/v1/realtime/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats model.ConnectionStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, map[string]int{"C1": 1}, stats.PerCase)
}

func TestHandleCaseProgress(t *testing.T) {
	deps := testDeps(t)
	r := NewRouter(deps)
	watcher := &recordingConn{id: "w"}
	deps.Dispatcher.OnConnect(context.Background(), watcher, "u1", "C5")

	w := doJSON(t, r, "POST", "/api/v1/cases/C5/progress",
		map[string]any{"step_name": "segmentation", "percent": 140, "status": "running"}, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]int
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp["delivered"])

	sent := watcher.envelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, model.EnvelopeWorkflowProgress, sent[0].Type)
	assert.Equal(t, float64(100), sent[0].Payload.(model.ProgressPayload).Percent)

	w = doJSON(t, r, "POST", "/api/v1/cases/C5/progress", map[string]any{"percent": 10}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSystemAlert(t *testing.T) {
	deps := testDeps(t)
	r := NewRouter(deps)
	a := &recordingConn{id: "a"}
	b := &recordingConn{id: "b"}
	deps.Dispatcher.OnConnect(context.Background(), a, "u1", "C1")
	deps.Dispatcher.OnConnect(context.Background(), b, "u2", "")

	w := doJSON(t, r, "POST", "/api/v1/alerts",
		map[string]any{"alert_type": "maintenance", "message": "PACS restart at 22:00"}, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, a.envelopes(), 1)
	assert.Len(t, b.envelopes(), 1)

	w = doJSON(t, r, "POST", "/api/v1/alerts", map[string]any{"alert_type": "x", "severity": "doom"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
