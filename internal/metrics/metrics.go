// Package metrics exposes Prometheus collectors for the executor and
// control loop, scraped via internal/diagnostics' /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the agent's collectors behind one struct so callers
// don't reach for package-level globals.
type Registry struct {
	DownloadsTotal   *prometheus.CounterVec
	BytesDownloaded  prometheus.Counter
	EvictionsTotal   prometheus.Counter
	RetryQueueDepth  prometheus.Gauge
	HeartbeatLatency prometheus.Histogram
}

// NewRegistry builds and registers a fresh Registry against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		DownloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dependency_agent_downloads_total",
			Help: "Completed download attempts by outcome.",
		}, []string{"outcome"}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dependency_agent_bytes_downloaded_total",
			Help: "Total bytes written to artifact files.",
		}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dependency_agent_evictions_total",
			Help: "Total dynamic artifacts evicted.",
		}),
		RetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dependency_agent_retry_queue_depth",
			Help: "Current number of artifacts awaiting a scheduled retry.",
		}),
		HeartbeatLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dependency_agent_heartbeat_latency_seconds",
			Help:    "Latency of heartbeat POSTs to the control plane.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		r.DownloadsTotal,
		r.BytesDownloaded,
		r.EvictionsTotal,
		r.RetryQueueDepth,
		r.HeartbeatLatency,
	)
	return r
}
