package peermgr

import (
	"github.com/prometheus/client_golang/prometheus"
)

// poolMetrics instruments the pool. The collectors are created per manager
// and exposed via Collectors so the caller decides on registration; nothing
// is registered globally.
type poolMetrics struct {
	promoted       prometheus.Gauge
	queryTimeouts  prometheus.Counter
	evictions      prometheus.Counter
	selectFailures prometheus.Counter
}

func newPoolMetrics() *poolMetrics {
	return &poolMetrics{
		promoted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peermgr",
			Name:      "promoted_peers",
			Help:      "Number of currently promoted peers.",
		}),
		queryTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peermgr",
			Name:      "query_timeouts_total",
			Help:      "Queries that expired without a response.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peermgr",
			Name:      "evictions_total",
			Help: "Promoted peers evicted in favor of peers " +
				"carrying needed services.",
		}),
		selectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peermgr",
			Name:      "select_failures_total",
			Help: "Peer selections that expired without a " +
				"qualifying peer.",
		}),
	}
}

// Collectors returns the manager's prometheus collectors for registration.
func (m *Manager) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.metrics.promoted,
		m.metrics.queryTimeouts,
		m.metrics.evictions,
		m.metrics.selectFailures,
	}
}
