// Package promtest finds gathered prometheus metrics in tests.
package promtest

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// FromHTTPResponse decodes the metric families served in r and closes its body.
func FromHTTPResponse(r *http.Response) ([]*dto.MetricFamily, error) {
	defer r.Body.Close()

	var mfs []*dto.MetricFamily
	dec := expfmt.NewDecoder(r.Body, expfmt.ResponseFormat(r.Header))
	for {
		mf := &dto.MetricFamily{}
		if err := dec.Decode(mf); err == io.EOF {
			return mfs, nil
		} else if err != nil {
			return nil, err
		}
		mfs = append(mfs, mf)
	}
}

// MustGather gathers g and fails tb on error.
func MustGather(tb testing.TB, g prometheus.Gatherer) []*dto.MetricFamily {
	tb.Helper()
	mfs, err := g.Gather()
	if err != nil {
		tb.Fatalf("gather metrics: %v", err)
	}
	return mfs
}

// FindMetric returns the metric of family name whose labels are exactly
// labels, or nil.
func FindMetric(mfs []*dto.MetricFamily, name string, labels map[string]string) *dto.Metric {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if labelsEqual(m.Label, labels) {
				return m
			}
		}
	}
	return nil
}

// MustFindMetric is like FindMetric but fails tb when there is no match,
// logging the names of the families that were gathered.
func MustFindMetric(tb testing.TB, mfs []*dto.MetricFamily, name string, labels map[string]string) *dto.Metric {
	tb.Helper()
	if m := FindMetric(mfs, name, labels); m != nil {
		return m
	}
	for _, mf := range mfs {
		tb.Logf("gathered %s", mf.GetName())
	}
	tb.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func labelsEqual(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(pairs) != len(labels) {
		return false
	}
	for _, p := range pairs {
		if v, ok := labels[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}
