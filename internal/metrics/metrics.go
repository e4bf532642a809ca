// Package metrics exposes Prometheus instrumentation for the record workflow.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	actionsTotal      *prometheus.CounterVec
	actionDuration    *prometheus.HistogramVec
	loadDuration      prometheus.Histogram
	loadSkipped       *prometheus.CounterVec
	recordsLoaded     prometheus.Gauge
	ledgerDuration    *prometheus.HistogramVec
	ledgerErrors      *prometheus.CounterVec
	cbState           *prometheus.GaugeVec
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exrisk_http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exrisk_http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exrisk_actions_total",
			Help: "Workflow actions by action and outcome phase.",
		}, []string{"action", "phase"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exrisk_action_duration_seconds",
			Help:    "Time from pending to outcome per workflow action.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
		}, []string{"action"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exrisk_load_duration_seconds",
			Help:    "Duration of full record set reloads.",
			Buckets: prometheus.DefBuckets,
		}),
		loadSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exrisk_load_skipped_total",
			Help: "Index entries skipped during reload, by reason.",
		}, []string{"reason"}),
		recordsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exrisk_records",
			Help: "Records in the current snapshot.",
		}),
		ledgerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exrisk_ledger_call_duration_seconds",
			Help:    "Histogram of ledger call durations by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		ledgerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exrisk_ledger_errors_total",
			Help: "Total ledger call failures by operation.",
		}, []string{"op"}),
		cbState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exrisk_cb_state",
			Help: "Circuit breaker state gauge (0 closed, 1 half, 2 open).",
		}, []string{"target"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpDuration,
		m.actionsTotal,
		m.actionDuration,
		m.loadDuration,
		m.loadSkipped,
		m.recordsLoaded,
		m.ledgerDuration,
		m.ledgerErrors,
		m.cbState,
	)

	m.cbState.WithLabelValues("ledger").Set(0)

	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts and times requests served by next under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		duration := time.Since(start).Seconds()
		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(duration)
		}
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Action(action, phase string, duration time.Duration) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(action, phase).Inc()
	if duration > 0 {
		m.actionDuration.WithLabelValues(action).Observe(duration.Seconds())
	}
}

func (m *Metrics) Load(duration time.Duration, records int) {
	if m == nil {
		return
	}
	m.loadDuration.Observe(duration.Seconds())
	m.recordsLoaded.Set(float64(records))
}

func (m *Metrics) LoadSkipped(reason string) {
	if m == nil {
		return
	}
	m.loadSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) LedgerCall(op string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.ledgerDuration.WithLabelValues(op).Observe(duration.Seconds())
	if !success {
		m.ledgerErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) SetCircuitBreakerState(target string, state float64) {
	if m == nil {
		return
	}
	m.cbState.WithLabelValues(target).Set(state)
}
