// Package metrics exposes the Shard Worker's counters as Prometheus
// metrics, grounded on the teacher's promauto-vec style
// (pkg/observability/metrics.go) and struct-held collector style
// (pkg/monitoring/prometheus.go).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sharding-system/pkg/worker"
)

// Recorder holds the process-wide counters/gauges for every worker
// connection, labeled by host so a single registry serves every shard.
type Recorder struct {
	connectAttempts *prometheus.CounterVec
	connectErrors   *prometheus.CounterVec
	queriesExecuted *prometheus.CounterVec
	queryErrors     *prometheus.CounterVec
	queriesCanceled *prometheus.CounterVec
	poolAvailable   *prometheus.GaugeVec
}

// NewRecorder builds a Recorder and registers its metrics with reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests), or
// prometheus.DefaultRegisterer for the process-wide one.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbshard_worker_connect_attempts_total",
			Help: "Total connection attempts made by a shard worker.",
		}, []string{"host"}),
		connectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbshard_worker_connect_errors_total",
			Help: "Total connection attempts that failed.",
		}, []string{"host"}),
		queriesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbshard_worker_queries_executed_total",
			Help: "Total queries that completed with a Rows result.",
		}, []string{"host"}),
		queryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbshard_worker_query_errors_total",
			Help: "Total queries that completed with an Errors result.",
		}, []string{"host"}),
		queriesCanceled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbshard_worker_queries_canceled_total",
			Help: "Total queries that completed canceled.",
		}, []string{"host"}),
		poolAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbshard_pool_available_connections",
			Help: "Spare connections immediately available in a pool.",
		}, []string{"pool"}),
	}
	reg.MustRegister(r.connectAttempts, r.connectErrors, r.queriesExecuted,
		r.queryErrors, r.queriesCanceled, r.poolAvailable)
	return r
}

// ForHost returns a worker.Metrics adapter that labels every observation
// with host. One Worker (one host) should use one adapter.
func (r *Recorder) ForHost(host string) worker.Metrics {
	return &hostMetrics{r: r, host: host}
}

// SetPoolAvailable reports the number of immediately-acquirable spare
// connections in the named pool (§4.7's IsAvailable, made observable).
func (r *Recorder) SetPoolAvailable(pool string, n int) {
	r.poolAvailable.WithLabelValues(pool).Set(float64(n))
}

type hostMetrics struct {
	r    *Recorder
	host string
}

func (h *hostMetrics) ConnectAttempt() { h.r.connectAttempts.WithLabelValues(h.host).Inc() }
func (h *hostMetrics) ConnectError()   { h.r.connectErrors.WithLabelValues(h.host).Inc() }
func (h *hostMetrics) QueryExecuted()  { h.r.queriesExecuted.WithLabelValues(h.host).Inc() }
func (h *hostMetrics) QueryError()     { h.r.queryErrors.WithLabelValues(h.host).Inc() }
func (h *hostMetrics) QueryCanceled()  { h.r.queriesCanceled.WithLabelValues(h.host).Inc() }
