package coord

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures coordinator metrics are only registered once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of coordinator metrics.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for the coordinator.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	Rejections        *prometheus.CounterVec // tunnelgrid_coordinator_rejections_total{reason}
	HeartbeatsTotal   prometheus.Counter
	IdleEvictions     prometheus.Counter
	StaleEvictions    prometheus.Counter
}

// InitMetrics initializes coordinator metrics. Metrics are only registered
// once; subsequent calls return the same instance. Pass nil to use the
// default Prometheus registry.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			ActiveConnections: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "tunnelgrid_coordinator_active_connections",
				Help: "Number of currently admitted agent connections",
			}),

			ConnectionsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "tunnelgrid_coordinator_connections_total",
				Help: "Total agent connections admitted since start",
			}),

			Rejections: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "tunnelgrid_coordinator_rejections_total",
				Help: "Total admission rejections by reason",
			}, []string{"reason"}),

			HeartbeatsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "tunnelgrid_coordinator_heartbeats_total",
				Help: "Total heartbeat probes received from agents",
			}),

			IdleEvictions: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "tunnelgrid_coordinator_idle_evictions_total",
				Help: "Connections closed for exceeding the idle timeout",
			}),

			StaleEvictions: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "tunnelgrid_coordinator_stale_evictions_total",
				Help: "Connections closed for missing heartbeats",
			}),
		}
	})

	return metricsInstance
}
