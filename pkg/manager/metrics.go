package manager

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hive/pkg/logx"
)

// metrics exposes tick-level counters. Each manager gets its own registry
// so repeated construction (tests, restarts) never double-registers.
type metrics struct {
	registry *prometheus.Registry

	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	stepErrors   *prometheus.CounterVec
	nudges       prometheus.Counter
	escalations  prometheus.Counter
	liveSessions prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &metrics{
		registry: registry,
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "hive_manager_ticks_total",
			Help: "Supervision ticks completed.",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hive_manager_tick_duration_seconds",
			Help:    "Wall time of one supervision tick.",
			Buckets: prometheus.DefBuckets,
		}),
		stepErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_manager_step_errors_total",
			Help: "Non-fatal step failures by step name.",
		}, []string{"step"}),
		nudges: factory.NewCounter(prometheus.CounterOpts{
			Name: "hive_manager_nudges_total",
			Help: "Nudges delivered to stuck sessions.",
		}),
		escalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "hive_manager_escalations_total",
			Help: "Escalations raised to humans.",
		}),
		liveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hive_manager_live_sessions",
			Help: "Agent sessions seen in the last tick.",
		}),
	}
}

// serve exposes /metrics on addr until the server fails. Best-effort: a
// bind failure is logged, not fatal.
func (m *metrics) serve(addr string, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics endpoint on %s failed: %v", addr, err)
		}
	}()
}
