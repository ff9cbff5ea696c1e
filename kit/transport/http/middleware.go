package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Middleware constructor.
type Middleware func(http.Handler) http.Handler

// MetricLabels are the label names Metrics expects its vectors to carry.
var MetricLabels = []string{"handler", "method", "path", "status", "response_code"}

// Metrics counts requests and observes their durations, labelled by
// handler, method, normalized path and status class. Only 2xx and 5xx
// responses are recorded.
func Metrics(name string, reqMetric *prometheus.CounterVec, durMetric *prometheus.HistogramVec) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			code := rec.code()
			if class := code / 100; class != 2 && class != 5 {
				return
			}
			label := prometheus.Labels{
				"handler":       name,
				"method":        r.Method,
				"path":          normalizePath(r.URL.Path),
				"status":        strconv.Itoa(code/100) + "XX",
				"response_code": strconv.Itoa(code),
			}
			durMetric.With(label).Observe(time.Since(start).Seconds())
			reqMetric.With(label).Inc()
		})
	}
}

// Logging logs every request at debug level and server errors at warn.
func Logging(log *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.code()),
				zap.Duration("took", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
			}
			if rec.code() >= http.StatusInternalServerError {
				log.Warn("Request failed", fields...)
				return
			}
			log.Debug("Request", fields...)
		})
	}
}

// normalizePath cleans p and replaces numeric segments with ":id" so that
// indexes and node ids do not explode label cardinality.
func normalizePath(p string) string {
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		switch {
		case seg == "" || seg == ".":
			continue
		case isNumeric(seg):
			seg = ":id"
		}
		parts = append(parts, seg)
	}
	return "/" + strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
