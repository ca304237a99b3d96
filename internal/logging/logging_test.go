package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "json")

	logger.Info("dropped")
	logger.Warn("hold released", "hold_id", "hold-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "hold released", rec["msg"])
	assert.Equal(t, "hold-1", rec["hold_id"])
	assert.Equal(t, "agentwallet", rec["service"])
}

func TestNewWithWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "text").Info("ready")
	assert.Contains(t, buf.String(), "msg=ready")
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Equal(t, slog.Default(), FromContext(ctx))

	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	ctx = WithLogger(WithRequestID(ctx, "req-7"), logger)

	assert.Equal(t, "req-7", RequestID(ctx))
	assert.Same(t, logger, FromContext(ctx))

	L(ctx).Info("callback received")
	assert.Contains(t, buf.String(), `"request_id":"req-7"`)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	r := gin.New()
	r.Use(Recovery(), RequestIDMiddleware(logger), AccessLogMiddleware())
	r.GET("/ok", func(c *gin.Context) {
		assert.NotEmpty(t, RequestID(c.Request.Context()))
		c.Status(http.StatusNoContent)
	})
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(RequestIDHeader, "gw-123")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "gw-123", w.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), `"request_id":"gw-123"`)
	assert.Contains(t, buf.String(), `"status":204`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Len(t, w.Header().Get(RequestIDHeader), 36, "minted ids are uuids")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, buf.String(), "panic recovered")
}
