package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the engine. A nil *Metrics
// or a disabled config yields no-op observations.
type Metrics struct {
	enabled bool

	actionsCompleted *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec
	lockAcquires     *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	membershipSize   prometheus.Gauge
	clustersManaged  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "herd"
	}

	m := &Metrics{
		enabled:  true,
		registry: prometheus.NewRegistry(),
		actionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_completed_total",
			Help:      "Actions completed, by type and outcome.",
		}, []string{"type", "outcome"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Action execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		lockAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquire_total",
			Help:      "Lock acquisition attempts, by outcome.",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_ready_actions",
			Help:      "READY actions observed by the last scheduler tick.",
		}),
		membershipSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "membership_live_engines",
			Help:      "Live engine instances in the membership view.",
		}),
		clustersManaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clusters_owned",
			Help:      "Clusters owned by this engine instance.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.actionsCompleted, m.actionDuration, m.lockAcquires,
		m.queueDepth, m.membershipSize, m.clustersManaged,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}

	return m, nil
}

// ObserveActionCompleted records an action completion.
func (m *Metrics) ObserveActionCompleted(actionType, outcome string, duration time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.actionsCompleted.WithLabelValues(actionType, outcome).Inc()
	m.actionDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// ObserveLockAcquire records a lock acquisition attempt.
func (m *Metrics) ObserveLockAcquire(outcome string) {
	if m == nil || !m.enabled {
		return
	}
	m.lockAcquires.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the READY queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil || !m.enabled {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetMembershipSize records the live engine count.
func (m *Metrics) SetMembershipSize(n int) {
	if m == nil || !m.enabled {
		return
	}
	m.membershipSize.Set(float64(n))
}

// SetClustersOwned records how many clusters this instance owns.
func (m *Metrics) SetClustersOwned(n int) {
	if m == nil || !m.enabled {
		return
	}
	m.clustersManaged.Set(float64(n))
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil || !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
