package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dtc/pkg/middleware"
	"github.com/platinummonkey/dtc/pkg/observability"
)

type testDeps struct {
	accounts *mockAccounts
	capsules *mockCapsules
	billing  BillingService
	links    *mockLinks
	auth     *fakeAuth
	limiter  middleware.Limiter
	registry *prometheus.Registry
	logs     *bytes.Buffer
}

func newTestDeps() *testDeps {
	return &testDeps{
		accounts: &mockAccounts{},
		capsules: &mockCapsules{},
		billing:  &mockBilling{},
		links:    &mockLinks{},
		auth:     newFakeAuth(),
		logs:     &bytes.Buffer{},
	}
}

func (d *testDeps) server() *Server {
	logger := observability.NewLogger(observability.DebugLevel, d.logs)
	var metrics *observability.Metrics
	if d.registry != nil {
		metrics = observability.NewMetrics(d.registry)
	}
	return NewServer(Deps{
		Accounts:     d.accounts,
		Capsules:     d.capsules,
		Billing:      d.billing,
		MediaLinks:   d.links,
		Auth:         d.auth,
		LoginLimiter: d.limiter,
		Health:       observability.NewHealthChecker(nil, nil, nil, "test"),
		Registry:     d.registry,
		Metrics:      metrics,
		Logger:       logger,
	}, Options{CORSOrigins: []string{"https://app.example.com"}, MaxUploadBytes: 1 << 20})
}

func do(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	r := httptest.NewRequest(method, path, reader)
	if reader != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestServer_Health(t *testing.T) {
	srv := newTestDeps().server()

	w := do(t, srv, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	deps := newTestDeps()
	deps.registry = prometheus.NewRegistry()
	srv := deps.server()

	do(t, srv, http.MethodGet, "/api/v1/capsules", "", nil)

	w := do(t, srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `route="/api/v1/capsules"`)
}

func TestServer_RequiresAuthentication(t *testing.T) {
	srv := newTestDeps().server()

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/me"},
		{http.MethodGet, "/api/v1/capsules"},
		{http.MethodPost, "/api/v1/capsules"},
		{http.MethodGet, "/api/v1/capsules/1/media/2"},
		{http.MethodPost, "/api/v1/billing/checkout"},
		{http.MethodGet, "/api/v1/admin/users"},
	}
	for _, route := range routes {
		w := do(t, srv, route.method, route.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", route.method, route.path)
	}
}

func TestServer_AdminRequiresRole(t *testing.T) {
	srv := newTestDeps().server()

	w := do(t, srv, http.MethodGet, "/api/v1/admin/users", "user", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_NotFound(t *testing.T) {
	srv := newTestDeps().server()

	w := do(t, srv, http.MethodGet, "/api/v1/nope", "user", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "route not found", decode(t, w)["error"])
}

func TestServer_RequestIDAndCORS(t *testing.T) {
	srv := newTestDeps().server()

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/capsules", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServer_InternalErrorsAreHidden(t *testing.T) {
	deps := newTestDeps()
	srv := deps.server()

	w := do(t, srv, http.MethodGet, "/api/v1/capsules", "user", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal server error", decode(t, w)["error"])
	assert.Contains(t, deps.logs.String(), errNotImplemented.Error())
}
