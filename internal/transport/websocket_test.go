package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

// wireEnvelope mirrors model.Envelope with a raw payload for decoding.
type wireEnvelope struct {
	Type    model.EnvelopeType `json:"type"`
	CaseID  string             `json:"case_id"`
	Payload json.RawMessage    `json:"payload"`
}

func startServer(t *testing.T, deps Dependencies) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(func() {
		deps.Dispatcher.CloseAll("test finished")
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wireEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env wireEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(msg)))
}

func waitForConnections(t *testing.T, deps Dependencies, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return deps.Dispatcher.Stats().TotalConnections == n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocket_snapshotOnConnectAndUpdates(t *testing.T) {
	deps := testDeps(t)
	srv := startServer(t, deps)
	ctx := context.Background()

	res := deps.Machine.ExecuteAction(ctx, workflow.ActionRequest{CaseID: "C3", Action: model.ActionCreate, ActorID: "rad1"})
	require.True(t, res.OK)

	a := dial(t, srv, "?case_id=C3&subscriber_id=alice")
	b := dial(t, srv, "?case_id=C3&subscriber_id=bob")
	idle := dial(t, srv, "?subscriber_id=carol")

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		assert.Equal(t, model.EnvelopeCaseStatus, env.Type)
		assert.Equal(t, "C3", env.CaseID)
	}
	waitForConnections(t, deps, 3)

	res = deps.Machine.ExecuteAction(ctx, workflow.ActionRequest{CaseID: "C3", Action: model.ActionReview, ActorID: "rad1"})
	require.True(t, res.OK)

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		require.Equal(t, model.EnvelopeCaseUpdate, env.Type)
		var p model.CaseUpdatePayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, model.CaseStatusInReview, p.NewStatus)
		assert.Equal(t, model.CaseStatusDraft, p.PreviousStatus)
		assert.Equal(t, "rad1", p.ActorID)
	}

	// The idle connection only sees broadcasts.
	_, err := deps.Bridge.NotifySystemAlert(ctx, "maintenance", "restart", "info")
	require.NoError(t, err)
	assert.Equal(t, model.EnvelopeSystemAlert, readEnvelope(t, idle).Type)

	stats := deps.Dispatcher.Stats()
	assert.Equal(t, map[string]int{"alice": 1, "bob": 1, "carol": 1}, stats.PerSubscriber)
	assert.Equal(t, map[string]int{"C3": 2}, stats.PerCase)
}

func TestWebSocket_inboundProtocol(t *testing.T) {
	deps := testDeps(t)
	srv := startServer(t, deps)
	ctx := context.Background()
	require.True(t, deps.Machine.ExecuteAction(ctx, workflow.ActionRequest{CaseID: "C8", Action: model.ActionCreate, ActorID: "rad1"}).OK)

	conn := dial(t, srv, "")
	waitForConnections(t, deps, 1)

	writeMessage(t, conn, `{"type":"ping"}`)
	assert.Equal(t, model.EnvelopePong, readEnvelope(t, conn).Type)

	writeMessage(t, conn, `{"type":"subscribe_case","case_id":"C8"}`)
	env := readEnvelope(t, conn)
	assert.Equal(t, model.EnvelopeCaseStatus, env.Type)
	assert.Equal(t, "C8", env.CaseID)

	writeMessage(t, conn, `{"type":"get_workflow_steps"}`)
	env = readEnvelope(t, conn)
	var p model.CaseStatusPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, model.CaseStatusKindSteps, p.Kind)
	assert.Len(t, p.Steps, 4)

	writeMessage(t, conn, `this is not json`)
	env = readEnvelope(t, conn)
	require.Equal(t, model.EnvelopeError, env.Type)
	var ee model.ErrorEnvelope
	require.NoError(t, json.Unmarshal(env.Payload, &ee))
	assert.Equal(t, model.ErrMalformedMessage, ee.Code)

	// The connection survives a malformed message.
	writeMessage(t, conn, `{"type":"ping"}`)
	assert.Equal(t, model.EnvelopePong, readEnvelope(t, conn).Type)
}

func TestWebSocket_disconnectUnregisters(t *testing.T) {
	deps := testDeps(t)
	srv := startServer(t, deps)

	conn := dial(t, srv, "?case_id=C1")
	waitForConnections(t, deps, 1)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	waitForConnections(t, deps, 0)
}

func TestWebSocket_closeAllEndsConnections(t *testing.T) {
	deps := testDeps(t)
	srv := startServer(t, deps)

	conn := dial(t, srv, "")
	waitForConnections(t, deps, 1)

	deps.Dispatcher.CloseAll("server shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestWebSocket_authenticatedSubscriber(t *testing.T) {
	deps := testDeps(t)
	deps.Authenticate = JWTAuthenticator(testIdentityCfg(), testSigningKey)
	srv := startServer(t, deps)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := signJWT(t, testSigningKey, jwt.SigningMethodHS256, validClaims())
	// subscriber_id is ignored once the caller is authenticated.
	dial(t, srv, "?token="+token+"&subscriber_id=mallory")
	waitForConnections(t, deps, 1)
	assert.Equal(t, map[string]int{"rad1": 1}, deps.Dispatcher.Stats().PerSubscriber)
}
