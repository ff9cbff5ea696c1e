// Package prom collects the prometheus metrics of the agency services.
package prom

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PrometheusCollector is implemented by services that expose metrics.
type PrometheusCollector interface {
	PrometheusCollectors() []prometheus.Collector
}

// Registry is a prometheus registry that logs gathering errors.
type Registry struct {
	*prometheus.Registry

	log *zap.Logger
}

// NewRegistry returns a registry holding the process and Go runtime collectors.
func NewRegistry(log *zap.Logger) *Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return &Registry{Registry: r, log: log}
}

// MustRegisterServices registers the collectors of every service.
// It panics if a collector is registered twice.
func (r *Registry) MustRegisterServices(services ...PrometheusCollector) {
	for _, s := range services {
		r.MustRegister(s.PrometheusCollectors()...)
	}
}

// HTTPHandler returns a handler serving the gathered metrics. Gathering
// errors are logged and the metrics that could be gathered are still served.
func (r *Registry) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{
		ErrorLog:      promLogger{r.log},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

type promLogger struct {
	log *zap.Logger
}

func (l promLogger) Println(v ...interface{}) {
	l.log.Info("Failed to gather metrics", zap.String("error", fmt.Sprint(v...)))
}
