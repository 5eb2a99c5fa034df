package kvenv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is nil-safe: every method on it tolerates a nil receiver, so
// call sites never need to check whether WithMetrics was passed at Open.
type metrics struct {
	commitsTotal prometheus.Counter
	pagesTotal   prometheus.Gauge
	pagesFree    prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &metrics{
		commitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cowkv_commits_total",
			Help: "Total number of read-write transactions committed.",
		}),
		pagesTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "cowkv_pages_allocated",
			Help: "Number of pages currently allocated in the data file.",
		}),
		pagesFree: f.NewGauge(prometheus.GaugeOpts{
			Name: "cowkv_pages_free",
			Help: "Number of allocated pages currently marked free in the active bitmap.",
		}),
	}
}

func (m *metrics) observeCommit() {
	if m == nil {
		return
	}
	m.commitsTotal.Inc()
}

func (m *metrics) refresh(allocated, free int64) {
	if m == nil {
		return
	}
	m.pagesTotal.Set(float64(allocated))
	m.pagesFree.Set(float64(free))
}
