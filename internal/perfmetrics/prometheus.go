package perfmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors are the Prometheus mirrors of the engine's derived metrics.
// These can be scraped by Prometheus and visualized in Grafana.
type Collectors struct {
	registry *prometheus.Registry

	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	Messages          *prometheus.CounterVec
	Bytes             *prometheus.CounterVec
	Errors            *prometheus.CounterVec
	ResponseTime      prometheus.Histogram
	HeapInUse         prometheus.Gauge
	Score             prometheus.Gauge

	EventsDistributed *prometheus.CounterVec
	ClusterNodes      prometheus.Gauge
	CompressionRatio  prometheus.Gauge

	AuthAttempts    prometheus.Gauge
	AuthRateLimited prometheus.Gauge
	AuthRevoked     prometheus.Gauge
}

// NewCollectors builds and registers all collectors on a private registry.
func NewCollectors() *Collectors {
	registry := prometheus.NewRegistry()

	c := &Collectors{
		registry: registry,
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rt_connections_total",
			Help: "Total number of socket connections established",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rt_connections_active",
			Help: "Current number of active socket connections",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_messages_total",
			Help: "Total messages by direction and type",
		}, []string{"direction", "type"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_bytes_total",
			Help: "Total payload bytes by direction",
		}, []string{"direction"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_errors_total",
			Help: "Total errors by kind",
		}, []string{"kind"}),
		ResponseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rt_response_time_seconds",
			Help:    "Response time distribution",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		HeapInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rt_heap_inuse_bytes",
			Help: "Heap bytes in use",
		}),
		Score: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rt_performance_score",
			Help: "Composite performance score 0-100",
		}),
		EventsDistributed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_events_distributed_total",
			Help: "Domain events distributed by type and scope",
		}, []string{"type", "scope"}),
		ClusterNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rt_cluster_nodes",
			Help: "Known cluster nodes including self",
		}),
		CompressionRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rt_compression_ratio_avg",
			Help: "Average compression ratio over the stats window",
		}),
		AuthAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rt_auth_attempts_total",
			Help: "Total authentication attempts seen by the gate",
		}),
		AuthRateLimited: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rt_auth_rate_limited_total",
			Help: "Authentication attempts rejected by the attempt window",
		}),
		AuthRevoked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rt_auth_revoked_credentials",
			Help: "Credentials currently on the revocation list",
		}),
	}

	registry.MustRegister(
		c.ConnectionsTotal,
		c.ConnectionsActive,
		c.Messages,
		c.Bytes,
		c.Errors,
		c.ResponseTime,
		c.HeapInUse,
		c.Score,
		c.EventsDistributed,
		c.ClusterNodes,
		c.CompressionRatio,
		c.AuthAttempts,
		c.AuthRateLimited,
		c.AuthRevoked,
	)

	return c
}

// Handler returns the scrape endpoint handler for this registry.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
