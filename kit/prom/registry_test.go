package prom_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/influxdata/agency/kit/prom"
	"github.com/influxdata/agency/kit/prom/promtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type counterService struct {
	c prometheus.Counter
}

func (s counterService) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{s.c}
}

func TestRegistry_HTTPHandler(t *testing.T) {
	reg := prom.NewRegistry(zaptest.NewLogger(t))
	svc := counterService{c: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agency",
		Name:      "test_total",
		Help:      "test counter",
	})}
	reg.MustRegisterServices(svc)
	svc.c.Add(3)

	s := httptest.NewServer(reg.HTTPHandler())
	defer s.Close()

	resp, err := http.Get(s.URL)
	require.NoError(t, err)
	mfs, err := promtest.FromHTTPResponse(resp)
	require.NoError(t, err)

	m := promtest.MustFindMetric(t, mfs, "agency_test_total", map[string]string{})
	require.Equal(t, float64(3), m.GetCounter().GetValue())
	require.Nil(t, promtest.FindMetric(mfs, "agency_missing_total", nil))

	gathered := promtest.MustGather(t, reg)
	require.NotNil(t, promtest.FindMetric(gathered, "agency_test_total", nil))
}

func TestRegistry_MustRegisterServices_Duplicate(t *testing.T) {
	reg := prom.NewRegistry(zaptest.NewLogger(t))
	svc := counterService{c: prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "dup"})}
	reg.MustRegisterServices(svc)
	require.Panics(t, func() { reg.MustRegisterServices(svc) })
}
