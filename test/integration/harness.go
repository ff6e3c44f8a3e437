// Package integration provides a reusable test harness for end-to-end
// integration testing of the caseflow server. It starts a full HTTP server
// with the workflow machine, the realtime dispatcher, a roster loaded from
// testdata, and optionally a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/pitabwire/caseflow/internal/capability"
	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/realtime"
	"github.com/pitabwire/caseflow/internal/roster"
	"github.com/pitabwire/caseflow/internal/transport"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

const signingKeyEnv = "CASEFLOW_TEST_SIGNING_KEY"

// TestHarness encapsulates a fully wired caseflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store      workflow.CaseStore
	Machine    *workflow.Machine
	Dispatcher *realtime.Dispatcher
	Bridge     *realtime.Bridge
	Roster     *roster.Loader
	Metrics    *observability.Metrics

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	rosterFile     string
	policyFile     string
	sqlite         bool
	auth           bool
	handlerTimeout time.Duration
	writeTimeout   time.Duration
}

// WithRosterFile sets the actor roster YAML file. Relative paths are
// resolved from the testdata directory.
func WithRosterFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.rosterFile = path
	}
}

// WithPolicyFile sets the guard policy YAML file.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithSQLiteStore backs the harness with a sqlite database in a temp dir
// instead of the in-memory store.
func WithSQLiteStore() HarnessOption {
	return func(c *harnessConfig) {
		c.sqlite = true
	}
}

// WithAuth enables bearer token authentication.
func WithAuth() HarnessOption {
	return func(c *harnessConfig) {
		c.auth = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full caseflow test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		writeTimeout:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	if hc.rosterFile == "" {
		hc.rosterFile = "roster.yaml"
	}
	if !filepath.IsAbs(hc.rosterFile) {
		hc.rosterFile = filepath.Join(testdataDir(), hc.rosterFile)
	}

	h := &TestHarness{t: t}
	ctx := context.Background()
	logger := zap.NewNop()

	// Step 1: Build the case store.
	if hc.sqlite {
		s, err := workflow.OpenSQLiteCaseStore(ctx, filepath.Join(t.TempDir(), "caseflow.db"))
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		h.Store = s
	} else {
		h.Store = workflow.NewMemoryCaseStore()
	}

	// Step 2: Metrics on a private registry so harnesses do not collide.
	reg := prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(reg)

	// Step 3: Load the roster.
	h.Roster = roster.NewLoader(hc.rosterFile, h.Store,
		roster.WithLogger(logger),
		roster.WithObserver(h.Metrics),
	)
	if err := h.Roster.Load(ctx); err != nil {
		t.Fatalf("load roster: %v", err)
	}

	// Step 4: Build the guard policy.
	policy := capability.DefaultPolicy()
	if hc.policyFile != "" {
		var err error
		policy, err = capability.LoadPolicy(hc.policyFile)
		if err != nil {
			t.Fatalf("load policy file: %v", err)
		}
	}

	// Step 5: Build the realtime layer and the machine.
	h.Dispatcher = realtime.NewDispatcher(realtime.NewRegistry(), nil,
		realtime.WithLogger(logger),
		realtime.WithObserver(h.Metrics),
		realtime.WithWriteTimeout(hc.writeTimeout),
	)
	h.Machine = workflow.NewMachine(h.Store, policy,
		workflow.WithNotifier(h.Dispatcher),
		workflow.WithObserver(h.Metrics),
		workflow.WithLogger(logger),
		workflow.WithIdempotency(workflow.NewMemoryIdempotencyStore(), time.Hour),
	)
	h.Dispatcher.SetSnapshotSource(h.Machine)
	h.Bridge = realtime.NewBridge(h.Dispatcher)

	// Step 6: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Realtime.WriteTimeout = hc.writeTimeout
	h.cfg.Realtime.OriginPatterns = []string{"*"}

	var signingKey []byte
	if hc.auth {
		h.issuer = newTokenIssuer(t)
		t.Setenv(signingKeyEnv, string(h.issuer.Key()))
		h.cfg.Identity.Issuer = h.issuer.Issuer()
		h.cfg.Identity.Audience = h.issuer.Audience()
		h.cfg.Identity.SigningKeyEnv = signingKeyEnv
		signingKey = h.cfg.Identity.SigningKey()
	}

	// Step 7: Build router with full middleware chain.
	readiness := observability.ReadinessChecks{RosterLoaded: h.Roster.Loaded}
	if hcheck, ok := h.Store.(observability.HealthChecker); ok {
		readiness.CaseStore = hcheck
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         h.cfg,
		Logger:         logger,
		Authenticate:   transport.JWTAuthenticator(h.cfg.Identity, signingKey),
		Machine:        h.Machine,
		Dispatcher:     h.Dispatcher,
		Bridge:         h.Bridge,
		HealthHandler:  observability.HandleHealth(),
		ReadyHandler:   observability.HandleReady(readiness),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(h.Metrics.MetricsMiddleware(observability.TracingMiddleware(router)))
	t.Cleanup(func() {
		h.Dispatcher.CloseAll("test finished")
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	h.requireAuth()
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	h.requireAuth()
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed with an unknown key.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	h.requireAuth()
	return h.issuer.GenerateForeignToken(claims)
}

func (h *TestHarness) requireAuth() {
	h.t.Helper()
	if h.issuer == nil {
		h.t.Fatal("harness started without WithAuth")
	}
}

// --- HTTP client helpers ---

// GET performs a GET request, authenticated when token is non-empty.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// Action posts a workflow action for a case.
func (h *TestHarness) Action(caseID string, action model.Action, actorID, token string) *http.Response {
	h.t.Helper()
	body := map[string]any{"action": action}
	if actorID != "" {
		body["actor_id"] = actorID
	}
	return h.POST("/api/v1/cases/"+caseID+"/actions", body, token)
}

// MustAction posts a workflow action and fails the test unless it succeeds.
func (h *TestHarness) MustAction(caseID string, action model.Action, actorID string) model.Case {
	h.t.Helper()
	want := http.StatusOK
	if action == model.ActionCreate {
		want = http.StatusCreated
	}
	var c model.Case
	h.AssertJSON(h.t, h.Action(caseID, action, actorID, ""), want, &c)
	return c
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body ErrorResponse
	h.AssertJSON(t, resp, status, &body)
	if body.Error == nil {
		t.Fatalf("error response has no error object, want code %q", code)
	}
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// ErrorResponse is the JSON body written for every failed request.
type ErrorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// --- WebSocket client helpers ---

// WireEnvelope mirrors model.Envelope with a raw payload for decoding.
type WireEnvelope struct {
	Type         model.EnvelopeType `json:"type"`
	CaseID       string             `json:"case_id"`
	SubscriberID string             `json:"subscriber_id"`
	Payload      json.RawMessage    `json:"payload"`
}

// Decode unmarshals the payload into target.
func (e WireEnvelope) Decode(t *testing.T, target any) {
	t.Helper()
	if err := json.Unmarshal(e.Payload, target); err != nil {
		t.Fatalf("decode %s payload: %v\npayload: %s", e.Type, err, string(e.Payload))
	}
}

// Client is a WebSocket connection to the harness server. A background
// reader feeds envelopes into a channel so that waiting for an envelope never
// cancels a read on the connection itself.
type Client struct {
	t        *testing.T
	conn     *websocket.Conn
	incoming chan WireEnvelope
	readErr  chan error
}

func newClient(t *testing.T, conn *websocket.Conn) *Client {
	c := &Client{
		t:        t,
		conn:     conn,
		incoming: make(chan WireEnvelope, 64),
		readErr:  make(chan error, 1),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.incoming)
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.readErr <- err
			return
		}
		var env WireEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.readErr <- fmt.Errorf("unmarshal envelope: %w", err)
			return
		}
		c.incoming <- env
	}
}

// Dial opens a WebSocket connection. Query is appended verbatim to /ws.
func (h *TestHarness) Dial(query string) *Client {
	h.t.Helper()
	c, resp, err := h.DialRaw(query)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		h.t.Fatalf("dial /ws%s: %v (status %d)", query, err, status)
	}
	return c
}

// DialRaw opens a WebSocket connection and returns the dial error instead
// of failing the test.
func (h *TestHarness) DialRaw(query string) (*Client, *http.Response, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws" + query
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, resp, err
	}
	h.t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return newClient(h.t, conn), resp, nil
}

// Send writes a raw text message.
func (c *Client) Send(msg string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		c.t.Fatalf("write %q: %v", msg, err)
	}
}

// Ready round-trips a ping. The server registers a connection before it
// reads the first message, so after Ready the connection receives fan-out.
func (c *Client) Ready() {
	c.t.Helper()
	c.Send(`{"type":"ping"}`)
	c.Expect(model.EnvelopePong)
}

// Read returns the next envelope.
func (c *Client) Read() WireEnvelope {
	c.t.Helper()
	env, err := c.next(5 * time.Second)
	if err != nil {
		c.t.Fatalf("read envelope: %v", err)
	}
	return env
}

// Expect reads the next envelope and checks its type.
func (c *Client) Expect(typ model.EnvelopeType) WireEnvelope {
	c.t.Helper()
	env := c.Read()
	if env.Type != typ {
		c.t.Fatalf("envelope type = %q, want %q\npayload: %s", env.Type, typ, string(env.Payload))
	}
	return env
}

// ExpectNone fails if an envelope arrives within d.
func (c *Client) ExpectNone(d time.Duration) {
	c.t.Helper()
	select {
	case env, ok := <-c.incoming:
		if ok {
			c.t.Fatalf("unexpected %s envelope: %s", env.Type, string(env.Payload))
		}
	case <-time.After(d):
	}
}

// Close closes the connection from the client side.
func (c *Client) Close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "client done")
}

// CloseStatus drains envelopes until the server closes the connection and
// returns the close status.
func (c *Client) CloseStatus() websocket.StatusCode {
	c.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-c.incoming:
			if !ok {
				return websocket.CloseStatus(<-c.readErr)
			}
		case <-timeout:
			c.t.Fatal("connection was not closed")
			return -1
		}
	}
}

func (c *Client) next(d time.Duration) (WireEnvelope, error) {
	select {
	case env, ok := <-c.incoming:
		if !ok {
			return WireEnvelope{}, <-c.readErr
		}
		return env, nil
	case <-time.After(d):
		return WireEnvelope{}, fmt.Errorf("no envelope within %s", d)
	}
}

// --- Default test claims ---

// RadiologistClaims returns TestClaims for the active radiologist.
func RadiologistClaims() TestClaims {
	return TestClaims{SubjectID: "rad1", Name: "Dr. Ana Ruiz", Roles: []string{"radiologist"}}
}

// ClinicianClaims returns TestClaims for the clinician.
func ClinicianClaims() TestClaims {
	return TestClaims{SubjectID: "clin1", Name: "Dr. Chen Li", Roles: []string{"clinician"}}
}

// AdminClaims returns TestClaims for the administrator.
func AdminClaims() TestClaims {
	return TestClaims{SubjectID: "admin1", Name: "Operations", Roles: []string{"admin"}}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
