package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedikit/tagrelay/internal/metrics"
)

func TestHealthEndpoint(t *testing.T) {
	s := NewServer(0, metrics.New(), 4, 2, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 4, body["servers"])
	assert.EqualValues(t, 2, body["accounts"])
	assert.NotEmpty(t, body["uptime"])
}

func TestMetricsEndpoint(t *testing.T) {
	met := metrics.New()
	met.ObservePost("a.example")
	s := NewServer(0, met, 1, 1, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tagrelay_posts_received_total")
}

func TestUnknownPath(t *testing.T) {
	s := NewServer(0, metrics.New(), 1, 1, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
