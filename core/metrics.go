package core

// Prometheus metrics for the replication engine and transaction multiplexer,
// grounded on the teacher's HealthLogger pattern (core/system_health_logging.go):
// a private registry, a struct of pre-constructed collectors, and a
// StartMetricsServer helper exposing them over /metrics.

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds every Prometheus collector the core exposes. A nil *Metrics
// is valid everywhere it's accepted: callers that don't want metrics simply
// don't construct one, and every call site nil-checks before touching it.
type Metrics struct {
	registry *prometheus.Registry

	localChanges   prometheus.Counter
	appliedChanges prometheus.Counter
	rejectedChanges prometheus.Counter

	inFlightTIDs  prometheus.Gauge
	dirtyBacklog  prometheus.Gauge
	heartbeatSent prometheus.Counter
	heartbeatMiss prometheus.Counter
}

// NewMetrics constructs and registers every collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.localChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latticekv_local_changes_total",
		Help: "Total number of locally originated key mutations.",
	})
	m.appliedChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latticekv_applied_replication_total",
		Help: "Total number of remote replication entries accepted.",
	})
	m.rejectedChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latticekv_rejected_replication_total",
		Help: "Total number of remote replication entries rejected by conflict resolution.",
	})
	m.inFlightTIDs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latticekv_inflight_transactions",
		Help: "Number of transaction ids currently awaiting a reply.",
	})
	m.dirtyBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latticekv_dirty_backlog",
		Help: "Sum of outstanding dirty entries across all peer modification iterators.",
	})
	m.heartbeatSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latticekv_heartbeat_sent_total",
		Help: "Total number of heartbeat pings sent.",
	})
	m.heartbeatMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latticekv_heartbeat_missed_total",
		Help: "Total number of heartbeat timeouts observed.",
	})

	reg.MustRegister(
		m.localChanges,
		m.appliedChanges,
		m.rejectedChanges,
		m.inFlightTIDs,
		m.dirtyBacklog,
		m.heartbeatSent,
		m.heartbeatMiss,
	)
	return m
}

// RejectReplication records a conflict-resolution rejection.
func (m *Metrics) RejectReplication() {
	if m == nil {
		return
	}
	m.rejectedChanges.Inc()
}

// SetInFlightTIDs reports the current size of the multiplexer's waiter set.
func (m *Metrics) SetInFlightTIDs(n int) {
	if m == nil {
		return
	}
	m.inFlightTIDs.Set(float64(n))
}

// SetDirtyBacklog reports the current sum of outstanding dirty entries.
func (m *Metrics) SetDirtyBacklog(n int) {
	if m == nil {
		return
	}
	m.dirtyBacklog.Set(float64(n))
}

// HeartbeatSent records a heartbeat ping having been sent.
func (m *Metrics) HeartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeatSent.Inc()
}

// HeartbeatMissed records a heartbeat timeout.
func (m *Metrics) HeartbeatMissed() {
	if m == nil {
		return
	}
	m.heartbeatMiss.Inc()
}

// StartMetricsServer exposes the registry on addr's /metrics path, returning
// the underlying http.Server so callers control its shutdown.
func (m *Metrics) StartMetricsServer(addr string, log *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if log != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}
	}()
	return srv
}
