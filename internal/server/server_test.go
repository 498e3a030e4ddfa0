package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"

	"github.com/nexusgate/nexusgate/internal/cache"
	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/loadtest"
	"github.com/nexusgate/nexusgate/internal/mcp"
	"github.com/nexusgate/nexusgate/internal/model"
	"github.com/nexusgate/nexusgate/internal/openapi"
	"github.com/nexusgate/nexusgate/internal/resolver"
	"github.com/nexusgate/nexusgate/internal/service"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret = "test-secret-for-jwt-integration-tests"
	testPassword  = "supersecretpassword"
)

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server      *Server
	store       *config.Store
	authSvc     *service.AuthService
	adminToken  string
	viewerToken string
}

type envOption func(*Config, *Deps)

// newTestEnv creates a fresh environment with an in-memory store, an admin
// (the first registered user) and a viewer, and a fully wired Server.
func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := service.NewAuthService(store, testJWTSecret, time.Hour)
	mem := cache.NewMemory(1000)
	checker := resolver.NewCached(resolver.New(store, model.DefaultLimits()), cache.NewLoader(mem, time.Minute))
	manager := loadtest.NewManager(nil, logger)
	t.Cleanup(manager.Close)

	cfg := DefaultConfig()
	deps := Deps{
		Store:     store,
		AuthSvc:   authSvc,
		Resolver:  checker,
		Cache:     mem,
		LoadTests: manager,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	env := &testEnv{
		server:  New(cfg, deps, logger),
		store:   store,
		authSvc: authSvc,
	}
	env.adminToken = env.register(t, "admin@example.com")
	env.viewerToken = env.register(t, "viewer@example.com")
	return env
}

func (e *testEnv) register(t *testing.T, email string) string {
	t.Helper()
	rr := e.do(t, "POST", "/api/users/register", jsonBody(t, map[string]string{
		"email": email, "name": "Test", "password": testPassword,
	}), "")
	assertStatus(t, rr, http.StatusCreated)
	var resp model.AuthResponse
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("register returned no token")
	}
	return resp.Token
}

// do sends a request through the full middleware stack.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) admin(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = jsonBody(t, body)
	}
	return e.do(t, method, path, r, e.adminToken)
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return bytes.NewBuffer(b)
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v; body: %s", err, rr.Body.String())
	}
}

func assertEnvelope(t *testing.T, rr *httptest.ResponseRecorder, status int, path string) model.ErrorResponse {
	t.Helper()
	assertStatus(t, rr, status)
	var env model.ErrorResponse
	decodeJSON(t, rr, &env)
	if env.Status != status || env.Error != http.StatusText(status) || env.Path != path || env.Timestamp.IsZero() {
		t.Errorf("envelope = %+v, want status %d path %s", env, status, path)
	}
	if env.Message == "" {
		t.Error("envelope message is empty")
	}
	return env
}

func (e *testEnv) createRoute(t *testing.T, name, path string) model.ServiceRoute {
	t.Helper()
	rr := e.admin(t, "POST", "/service-routes", map[string]interface{}{
		"name": name, "path": path, "targetUrl": "http://upstream.internal" + path,
	})
	assertStatus(t, rr, http.StatusCreated)
	var route model.ServiceRoute
	decodeJSON(t, rr, &route)
	return route
}

func (e *testEnv) createKey(t *testing.T, client string) model.APIKey {
	t.Helper()
	rr := e.admin(t, "POST", "/api/keys", map[string]interface{}{"clientName": client})
	assertStatus(t, rr, http.StatusCreated)
	var key model.APIKey
	decodeJSON(t, rr, &key)
	return key
}

func (e *testEnv) createLimit(t *testing.T, keyID, routeID *int64, rpm int) model.RateLimit {
	t.Helper()
	rr := e.admin(t, "POST", "/rate-limits", map[string]interface{}{
		"name": fmt.Sprintf("limit-%d", rpm), "apiKeyId": keyID, "serviceRouteId": routeID,
		"requestsPerMinute": rpm, "requestsPerHour": rpm * 60, "requestsPerDay": rpm * 1440,
	})
	assertStatus(t, rr, http.StatusCreated)
	var rl model.RateLimit
	decodeJSON(t, rr, &rl)
	return rl
}

func (e *testEnv) check(t *testing.T, keyID, routeID int64) *httptest.ResponseRecorder {
	t.Helper()
	path := fmt.Sprintf("/rate-limits/check?apiKeyId=%d&serviceRouteId=%d", keyID, routeID)
	return e.do(t, "GET", path, nil, e.viewerToken)
}

func (e *testEnv) checkResult(t *testing.T, keyID, routeID int64) model.RateLimitCheckResult {
	t.Helper()
	rr := e.check(t, keyID, routeID)
	assertStatus(t, rr, http.StatusOK)
	var res model.RateLimitCheckResult
	decodeJSON(t, rr, &res)
	return res
}

// ---------------------------------------------------------------------------
// Probes, metrics, docs
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/healthz", nil, "")
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/readyz", nil, "")
	assertStatus(t, rr, http.StatusOK)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rr, &body)
	if body.Status != "ok" || body.Checks["store"] != "ok" {
		t.Errorf("readyz = %+v", body)
	}
	if _, ok := body.Checks["cache"]; ok {
		t.Error("in-process cache should not be probed")
	}
}

func TestReadyzRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	rc, err := cache.NewRedis(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { rc.Close() })

	env := newTestEnv(t, func(_ *Config, d *Deps) { d.Cache = rc })

	rr := env.do(t, "GET", "/readyz", nil, "")
	assertStatus(t, rr, http.StatusOK)

	mr.Close()
	rr = env.do(t, "GET", "/readyz", nil, "")
	assertStatus(t, rr, http.StatusServiceUnavailable)
	if !strings.Contains(rr.Body.String(), "degraded") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "GET", "/healthz", nil, "")

	rr := env.do(t, "GET", "/metrics", nil, "")
	assertStatus(t, rr, http.StatusOK)
	body := rr.Body.String()
	for _, want := range []string{"nexusgate_uptime_seconds", `nexusgate_http_requests_total{method="GET",route="/healthz",status="2xx"}`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestOpenAPIServed(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/openapi.json", nil, "")
	assertStatus(t, rr, http.StatusOK)

	var doc struct {
		OpenAPI string                     `json:"openapi"`
		Paths   map[string]json.RawMessage `json:"paths"`
	}
	decodeJSON(t, rr, &doc)
	if doc.OpenAPI != "3.0.3" {
		t.Errorf("openapi = %q", doc.OpenAPI)
	}
	if _, ok := doc.Paths["/rate-limits/check"]; !ok {
		t.Error("/rate-limits/check not documented")
	}
}

// Every mounted API route must appear in the generated document.
func TestEveryRouteDocumented(t *testing.T) {
	env := newTestEnv(t)

	documented := make(map[string]bool)
	for _, ep := range openapi.Endpoints() {
		documented[ep.Method+" "+ep.Path] = true
	}
	undocumented := map[string]bool{"/metrics": true, "/openapi.json": true, "/mcp": true}

	err := chi.Walk(env.server.Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if undocumented[route] {
			return nil
		}
		if !documented[method+" "+route] {
			t.Errorf("%s %s is mounted but not documented", method, route)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("chi.Walk: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Auth and error envelope
// ---------------------------------------------------------------------------

func TestProtectedEndpoints_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/service-routes", "/api/keys", "/rate-limits", "/rate-limits/check", "/logs", "/overview", "/api/users/me"} {
		t.Run(path, func(t *testing.T) {
			rr := env.do(t, "GET", path, nil, "")
			assertEnvelope(t, rr, http.StatusUnauthorized, path)
		})
	}
}

func TestProtectedEndpoints_InvalidToken(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/service-routes", nil, "not-a-jwt")
	env2 := assertEnvelope(t, rr, http.StatusUnauthorized, "/service-routes")
	if env2.Message != "Invalid token" {
		t.Errorf("message = %q", env2.Message)
	}
}

func TestViewerCannotWrite(t *testing.T) {
	env := newTestEnv(t)
	writes := []struct {
		method, path string
	}{
		{"POST", "/service-routes"},
		{"PUT", "/service-routes/1"},
		{"DELETE", "/service-routes/1"},
		{"POST", "/api/keys"},
		{"PATCH", "/api/keys/1/toggle"},
		{"POST", "/rate-limits"},
		{"DELETE", "/rate-limits/1"},
		{"POST", "/logs"},
		{"POST", "/load-test/start"},
		{"GET", "/api/users"},
	}
	for _, w := range writes {
		t.Run(w.method+" "+w.path, func(t *testing.T) {
			rr := env.do(t, w.method, w.path, strings.NewReader(`{}`), env.viewerToken)
			assertEnvelope(t, rr, http.StatusForbidden, w.path)
		})
	}

	// Reads are fine.
	rr := env.do(t, "GET", "/service-routes", nil, env.viewerToken)
	assertStatus(t, rr, http.StatusOK)
}

func TestSignInFlow(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/users/signin", jsonBody(t, map[string]string{
		"email": "viewer@example.com", "password": testPassword,
	}), "")
	assertStatus(t, rr, http.StatusOK)
	var auth model.AuthResponse
	decodeJSON(t, rr, &auth)
	if auth.User.Role != model.RoleViewer {
		t.Errorf("role = %q, want viewer", auth.User.Role)
	}

	rr = env.do(t, "GET", "/api/users/me", nil, auth.Token)
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "POST", "/api/users/signin", jsonBody(t, map[string]string{
		"email": "viewer@example.com", "password": "wrong-password",
	}), "")
	assertEnvelope(t, rr, http.StatusUnauthorized, "/api/users/signin")
}

func TestAuthEndpointsRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *Deps) { c.AuthRateLimit = 4 })

	// Two registrations already happened in newTestEnv.
	body := `{"email":"viewer@example.com","password":"wrong-password"}`
	for i := 0; i < 2; i++ {
		rr := env.do(t, "POST", "/api/users/signin", strings.NewReader(body), "")
		assertStatus(t, rr, http.StatusUnauthorized)
	}
	rr := env.do(t, "POST", "/api/users/signin", strings.NewReader(body), "")
	assertEnvelope(t, rr, http.StatusTooManyRequests, "/api/users/signin")
}

func TestUnknownPath(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/no-such-thing", nil, "")
	assertEnvelope(t, rr, http.StatusNotFound, "/no-such-thing")
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "DELETE", "/healthz", nil, "")
	assertEnvelope(t, rr, http.StatusMethodNotAllowed, "/healthz")
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("OPTIONS", "/service-routes", nil)
	req.Header.Set("Origin", "http://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)

	if rr.Code >= 300 {
		t.Fatalf("preflight status = %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("missing Access-Control-Allow-Origin")
	}
	if !strings.Contains(rr.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Errorf("Access-Control-Allow-Methods = %q", rr.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "trace-123" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

func TestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *Deps) { c.MaxBodySize = 128 })
	big := map[string]string{"name": strings.Repeat("x", 200), "path": "/big", "targetUrl": "http://big.internal"}
	rr := env.admin(t, "POST", "/service-routes", big)
	if rr.Code == http.StatusCreated {
		t.Fatalf("oversized body accepted")
	}
}

// ---------------------------------------------------------------------------
// Resolution scenarios, end to end
// ---------------------------------------------------------------------------

func TestResolutionScenarios(t *testing.T) {
	env := newTestEnv(t)
	r1 := env.createRoute(t, "Orders", "/orders")
	k1 := env.createKey(t, "Acme")
	k2 := env.createKey(t, "Globex")

	// 1. Nothing configured: fallback numbers.
	res := env.checkResult(t, k1.ID, r1.ID)
	if res.Source != model.SourceSystemDefault || res.RequestsPerMinute != 60 || res.RateLimitID != nil {
		t.Fatalf("scenario 1: %+v", res)
	}

	// 2. Route default.
	routeDefault := env.createLimit(t, nil, &r1.ID, 100)
	res = env.checkResult(t, k1.ID, r1.ID)
	if res.Source != model.SourceRouteDefault || res.RequestsPerMinute != 100 {
		t.Fatalf("scenario 2: %+v", res)
	}

	// 3. Specific beats route default for K1 only.
	specific := env.createLimit(t, &k1.ID, &r1.ID, 10)
	res = env.checkResult(t, k1.ID, r1.ID)
	if res.Source != model.SourceSpecific || res.RequestsPerMinute != 10 {
		t.Fatalf("scenario 3 (K1): %+v", res)
	}
	res = env.checkResult(t, k2.ID, r1.ID)
	if res.Source != model.SourceRouteDefault || res.RequestsPerMinute != 100 {
		t.Fatalf("scenario 3 (K2): %+v", res)
	}

	// 4. Inactive specific falls back to the route default.
	rr := env.admin(t, "PATCH", fmt.Sprintf("/rate-limits/%d/toggle", specific.ID), nil)
	assertStatus(t, rr, http.StatusOK)
	res = env.checkResult(t, k1.ID, r1.ID)
	if res.Source != model.SourceRouteDefault || res.RequestsPerMinute != 100 {
		t.Fatalf("scenario 4: %+v", res)
	}

	// 5. Delete is blocked by the active route default, then allowed.
	routePath := fmt.Sprintf("/service-routes/%d", r1.ID)
	rr = env.admin(t, "DELETE", routePath, nil)
	assertEnvelope(t, rr, http.StatusConflict, routePath)

	rr = env.admin(t, "PATCH", fmt.Sprintf("/rate-limits/%d/toggle", routeDefault.ID), nil)
	assertStatus(t, rr, http.StatusOK)
	rr = env.admin(t, "DELETE", routePath, nil)
	assertStatus(t, rr, http.StatusNoContent)

	rr = env.check(t, k1.ID, r1.ID)
	assertEnvelope(t, rr, http.StatusNotFound, "/rate-limits/check")
}

func TestKeyGlobalAndSystemDefault(t *testing.T) {
	env := newTestEnv(t)
	r1 := env.createRoute(t, "Orders", "/orders")
	k1 := env.createKey(t, "Acme")

	system := env.createLimit(t, nil, nil, 30)
	res := env.checkResult(t, k1.ID, r1.ID)
	if res.Source != model.SourceSystemDefault || res.RateLimitID == nil || *res.RateLimitID != system.ID {
		t.Fatalf("system default record: %+v", res)
	}

	env.createLimit(t, &k1.ID, nil, 40)
	res = env.checkResult(t, k1.ID, r1.ID)
	if res.Source != model.SourceKeyGlobal || res.RequestsPerMinute != 40 {
		t.Fatalf("key global: %+v", res)
	}
}

// A check never serves a cached result after a write that changes it.
func TestChecksSeeWritesImmediately(t *testing.T) {
	env := newTestEnv(t)
	r1 := env.createRoute(t, "Orders", "/orders")
	k1 := env.createKey(t, "Acme")

	routeDefault := env.createLimit(t, nil, &r1.ID, 100)
	if res := env.checkResult(t, k1.ID, r1.ID); res.RequestsPerMinute != 100 {
		t.Fatalf("initial: %+v", res)
	}

	rr := env.admin(t, "PUT", fmt.Sprintf("/rate-limits/%d", routeDefault.ID), map[string]interface{}{"requestsPerMinute": 150})
	assertStatus(t, rr, http.StatusOK)
	if res := env.checkResult(t, k1.ID, r1.ID); res.RequestsPerMinute != 150 {
		t.Fatalf("after update: %+v", res)
	}

	// Deleting the key turns a cached answer into NotFound.
	rr = env.admin(t, "DELETE", fmt.Sprintf("/api/keys/%d", k1.ID), nil)
	assertStatus(t, rr, http.StatusNoContent)
	assertStatus(t, env.check(t, k1.ID, r1.ID), http.StatusNotFound)
}

func TestDuplicateActiveScopeRejected(t *testing.T) {
	env := newTestEnv(t)
	r1 := env.createRoute(t, "Orders", "/orders")
	env.createLimit(t, nil, &r1.ID, 100)

	rr := env.admin(t, "POST", "/rate-limits", map[string]interface{}{
		"name": "dup", "serviceRouteId": r1.ID, "requestsPerMinute": 5, "requestsPerHour": 50, "requestsPerDay": 500,
	})
	assertEnvelope(t, rr, http.StatusConflict, "/rate-limits")
}

// ---------------------------------------------------------------------------
// MCP endpoint
// ---------------------------------------------------------------------------

func TestMCPEndpointRequiresAuth(t *testing.T) {
	env := newTestEnv(t, func(c *Config, d *Deps) {
		c.EnableMCP = true
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		d.MCP = mcp.NewMCPServer(d.Store, d.Resolver, "test", logger)
	})

	rr := env.do(t, "POST", "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`), "")
	assertEnvelope(t, rr, http.StatusUnauthorized, "/mcp")
}

func TestMCPDisabledByDefault(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/mcp", strings.NewReader(`{}`), env.adminToken)
	assertStatus(t, rr, http.StatusNotFound)
}
