package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doseal/agentwallet/internal/config"
	"github.com/doseal/agentwallet/internal/security"
)

const adminSecret = "test-admin-secret-0123"

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		DBDriver:           "postgres",
		AdminSecret:        adminSecret,
		CallbackAllowedIPs: []string{"192.0.2.0/24"},
		RateLimitRPM:       600,
		SupportLine:        "0800 123 456",
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

type call struct {
	method, path, body string
	admin              bool
	remote             string
}

func do(t *testing.T, s *Server, c call) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(c.method, c.path, bytes.NewBufferString(c.body))
	req.Header.Set("Content-Type", "application/json")
	if c.admin {
		req.Header.Set(security.AdminSecretHeader, adminSecret)
	}
	if c.remote != "" {
		req.RemoteAddr = c.remote
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func assertBalance(t *testing.T, s *Server, available, held, captured string) {
	t.Helper()
	w, body := do(t, s, call{method: http.MethodGet, path: "/v1/admin/businesses/biz-1/agents/agent-1/balance", admin: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	bal := body["balance"].(map[string]any)
	assert.Equal(t, available, bal["available"], "available")
	assert.Equal(t, held, bal["held"], "held")
	assert.Equal(t, captured, bal["captured"], "captured")
}

func runRemittance(t *testing.T, s *Server) {
	w, body := do(t, s, call{method: http.MethodPost, admin: true,
		path: "/v1/admin/businesses/biz-1/treasury/seed", body: `{"amount":"500.00","seededBy":"ops"}`})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, body = do(t, s, call{method: http.MethodPost, admin: true,
		path: "/v1/admin/businesses/biz-1/agents/agent-1/funding", body: `{"amount":"100.00","createdBy":"ops"}`})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "COMPLETED", body["request"].(map[string]any)["status"])

	w, _ = do(t, s, call{method: http.MethodPost, admin: true,
		path: "/v1/admin/businesses/biz-1/transactions",
		body: `{"internalReference":"DR_srv1","amount":"60.00","agentId":"agent-1","senderCountry":"GB",
		        "senderName":"Ama Mensah","senderPhone":"+447700900123","gatewayRef":"ZP-1"}`})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assertBalance(t, s, "40.00", "60.00", "0.00")

	w, body = do(t, s, call{method: http.MethodPost, path: "/v1/callbacks/debit",
		body: `{"code":200,"message":"Debit successful","reference":"DR_srv1","zeepay_id":"ZP-1"}`})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["success"])

	w, _ = do(t, s, call{method: http.MethodPost, path: "/v1/callbacks/credit",
		body: `{"code":200,"message":"Credit successful","reference":"CR_srv1","gateway_id":"GW-9"}`})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assertBalance(t, s, "40.00", "0.00", "60.00")

	w, body = do(t, s, call{method: http.MethodGet, admin: true, path: "/v1/admin/businesses/biz-1/transactions?limit=1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["has_more"])

	w, body = do(t, s, call{method: http.MethodGet, admin: true,
		path: "/v1/admin/businesses/biz-1/agents/agent-1/reconciliation"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["report"].(map[string]any)["healthy"])

	w, body = do(t, s, call{method: http.MethodGet, admin: true,
		path: "/v1/admin/businesses/biz-1/treasury/reconciliation"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["report"].(map[string]any)["healthy"])

	w, body = do(t, s, call{method: http.MethodGet, admin: true, path: "/v1/admin/businesses/biz-1/treasury"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "400.00", body["treasury"].(map[string]any)["available"])
}

func TestServer_RemittanceInMemory(t *testing.T) {
	runRemittance(t, newTestServer(t, testConfig()))
}

func TestServer_RemittanceSQLite(t *testing.T) {
	cfg := testConfig()
	cfg.DBDriver = "sqlite3"
	cfg.DatabaseURL = filepath.Join(t.TempDir(), "wallet.db")
	cfg.HoldExpiry = 0

	s := newTestServer(t, cfg)
	runRemittance(t, s)

	w, body := do(t, s, call{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	checks := body["checks"].([]any)
	require.Len(t, checks, 1)
	assert.Equal(t, "database", checks[0].(map[string]any)["name"])
}

func TestServer_AdminRequiresSecret(t *testing.T) {
	s := newTestServer(t, testConfig())
	w, _ := do(t, s, call{method: http.MethodGet, path: "/v1/admin/businesses/biz-1/transactions"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_CallbackAllowlist(t *testing.T) {
	s := newTestServer(t, testConfig())
	w, _ := do(t, s, call{method: http.MethodPost, path: "/v1/callbacks/debit",
		body: `{"code":200,"reference":"DR_x"}`, remote: "203.0.113.5:9000"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/debit", bytes.NewBufferString(`{}`))
	req.RemoteAddr = "203.0.113.5:9000"
	req.Header.Set("X-Forwarded-For", "192.0.2.10")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code, "forwarded headers from untrusted peers are ignored")
}

func TestServer_HealthAndMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.HoldExpiry = 0
	s := newTestServer(t, cfg)

	w, _ := do(t, s, call{method: http.MethodGet, path: "/health/live"})
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, s, call{method: http.MethodGet, path: "/health/ready"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready until Run")

	w, _ = do(t, s, call{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w, _ = do(t, s, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServer_BadAllowlist(t *testing.T) {
	cfg := testConfig()
	cfg.CallbackAllowedIPs = []string{"not-an-ip"}
	_, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	assert.Error(t, err)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://wallet:hunter2@db:5432/wallet")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "@db:5432/wallet")
	assert.Equal(t, "/var/lib/wallet.db", maskDSN("/var/lib/wallet.db"))
}
