package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doseal/agentwallet/internal/metrics"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *time.Time) {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, now := newTestLimiter(t, Config{RequestsPerMinute: 60, Burst: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "clients have separate buckets")

	*now = now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1"), "one token per second refills")
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestLimiter_EvictsIdleClients(t *testing.T) {
	l, now := newTestLimiter(t, Config{RequestsPerMinute: 60, Burst: 1, IdleTTL: time.Minute})

	l.Allow("a")
	*now = now.Add(30 * time.Second)
	l.Allow("b")
	*now = now.Add(45 * time.Second)

	assert.Equal(t, 1, l.evictIdle())
	l.mu.Lock()
	_, hasA := l.clients["a"]
	_, hasB := l.clients["b"]
	l.mu.Unlock()
	assert.False(t, hasA)
	assert.True(t, hasB)
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{RequestsPerMinute: 600})
	defer l.Stop()
	assert.Equal(t, 100, l.cfg.Burst)
	assert.Equal(t, DefaultConfig().IdleTTL, l.cfg.IdleTTL)
	l.Stop() // idempotent
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 30, Burst: 1})

	r := gin.New()
	r.Use(l.Middleware())
	r.POST("/v1/callbacks/debit", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("/v1/callbacks/debit"))

	send := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/debit", nil)
		req.RemoteAddr = "203.0.113.9:5000"
		r.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, send().Code)
	w := send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("/v1/callbacks/debit")))
}
