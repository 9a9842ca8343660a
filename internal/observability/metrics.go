package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	WaitingRequests  prometheus.Gauge
	RequestEvents    *prometheus.CounterVec
	Finalizations    *prometheus.CounterVec
	SideEffectErrors *prometheus.CounterVec
	PlatformRetries  *prometheus.CounterVec
	WaitDuration     prometheus.Histogram

	stages   *stageWindow
	gatherer prometheus.Gatherer
}

// NewMetrics registers the instruments on reg. A nil reg means a private
// registry, which keeps tests independent of the global one.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active support sessions.",
		}),
		WaitingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiting_requests",
			Help:      "Number of support requests waiting for a supporter.",
		}),
		RequestEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_events_total",
			Help:      "Support request events by type.",
		}, []string{"event"}),
		Finalizations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Finalized support requests by reason.",
		}, []string{"reason"}),
		SideEffectErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effect_errors_total",
			Help:      "Failed best-effort platform side effects by operation.",
		}, []string{"op"}),
		PlatformRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_retries_total",
			Help:      "Retried platform calls by operation.",
		}, []string{"op"}),
		WaitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_wait_seconds",
			Help:      "Time a request spent waiting before it was accepted or finalized.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}),
		stages:   newStageWindow(256),
		gatherer: gatherer,
	}
}

func (m *Metrics) IncRequestEvent(event string) {
	if m == nil {
		return
	}
	m.RequestEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncFinalization(reason string) {
	if m == nil {
		return
	}
	m.Finalizations.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncSideEffectError(op string) {
	if m == nil {
		return
	}
	m.SideEffectErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) IncPlatformRetry(op string) {
	if m == nil {
		return
	}
	m.PlatformRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) AddWaiting(delta int) {
	if m == nil {
		return
	}
	m.WaitingRequests.Add(float64(delta))
}

// ObserveWait records how long a request waited, both in the histogram
// and in the rolling stage window under stage.
func (m *Metrics) ObserveWait(stage string, d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.WaitDuration.Observe(d.Seconds())
	m.stages.Observe(stage, float64(d.Milliseconds()))
}

// WaitStats returns rolling percentiles of recent wait times per stage.
func (m *Metrics) WaitStats() StageSnapshot {
	if m == nil {
		return StageSnapshot{}
	}
	return m.stages.Snapshot()
}

// Handler serves the registry the instruments were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
