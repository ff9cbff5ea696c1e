package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func Test_normalizePath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{name: "root", path: "/", expected: "/"},
		{name: "static", path: "/raft/append_entries", expected: "/raft/append_entries"},
		{name: "id", path: "/shards/17/verify", expected: "/shards/:id/verify"},
		{name: "trailing slash", path: "/raft/status/", expected: "/raft/status"},
		{name: "double slash", path: "//api/v1//revtree", expected: "/api/v1/revtree"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizePath(tt.path))
		})
	}
}

func TestMetrics(t *testing.T) {
	reqs := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "requests_total"}, MetricLabels)
	durs := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "request_duration_seconds"}, MetricLabels)

	h := Metrics("raft", reqs, durs)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/shards/3", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	require.Equal(t, 1, testutil.CollectAndCount(reqs))
	got := testutil.ToFloat64(reqs.With(prometheus.Labels{
		"handler":       "raft",
		"method":        http.MethodPost,
		"path":          "/shards/:id",
		"status":        "5XX",
		"response_code": "503",
	}))
	require.Equal(t, float64(1), got)
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := Logging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/fail", nil))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	require.Equal(t, zap.DebugLevel, entries[0].Level)
	require.Equal(t, int64(http.StatusOK), entries[0].ContextMap()["status"])
	require.Equal(t, zap.WarnLevel, entries[1].Level)
	require.Equal(t, "/fail", entries[1].ContextMap()["path"])
}
