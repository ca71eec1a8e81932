package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	sessionsTotal   *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	sessionDuration *prometheus.HistogramVec

	upstreamCalls    *prometheus.CounterVec
	upstreamRetries  *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	turnOutcomes     *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	filesFinalized   prometheus.Counter
	notifyDropped    *prometheus.CounterVec
	notifyQueueDepth *prometheus.GaugeVec
	postprocessSteps *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			sessionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "appgen_sessions_total",
					Help: "Generation sessions by final state.",
				},
				[]string{"state"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "appgen_active_sessions",
					Help: "Generation sessions currently running.",
				},
			),
			sessionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "appgen_session_duration_seconds",
					Help:    "Generation session duration in seconds by final state.",
					Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
				},
				[]string{"state"},
			),
			upstreamCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "appgen_upstream_calls_total",
					Help: "Upstream completion calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			upstreamRetries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "appgen_upstream_retries_total",
					Help: "Retried upstream calls by error kind.",
				},
				[]string{"kind"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "appgen_turn_duration_seconds",
					Help:    "Upstream turn duration in seconds by provider.",
					Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
				},
				[]string{"provider"},
			),
			turnOutcomes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "appgen_turn_outcomes_total",
					Help: "Classified turn outcomes.",
				},
				[]string{"outcome"},
			),
			tokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "appgen_tokens_total",
					Help: "Tokens consumed by provider and direction.",
				},
				[]string{"provider", "direction"},
			),
			filesFinalized: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "appgen_files_finalized_total",
					Help: "Files finalized across all sessions.",
				},
			),
			notifyDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "appgen_notifications_dropped_total",
					Help: "Chunk notifications dropped because a consumer fell behind.",
				},
				[]string{"sink"},
			),
			notifyQueueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "appgen_notification_queue_depth",
					Help: "Pending notifications per sink kind.",
				},
				[]string{"sink"},
			),
			postprocessSteps: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "appgen_postprocess_steps_total",
					Help: "Post-processing steps by step and status.",
				},
				[]string{"step", "status"},
			),
		}

		prometheus.MustRegister(
			m.sessionsTotal,
			m.activeSessions,
			m.sessionDuration,
			m.upstreamCalls,
			m.upstreamRetries,
			m.turnDuration,
			m.turnOutcomes,
			m.tokensTotal,
			m.filesFinalized,
			m.notifyDropped,
			m.notifyQueueDepth,
			m.postprocessSteps,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionDone(state string, duration time.Duration) {
	m := getMetrics()
	m.sessionsTotal.WithLabelValues(state).Inc()
	m.sessionDuration.WithLabelValues(state).Observe(duration.Seconds())
}

func RecordUpstreamCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.upstreamCalls.WithLabelValues(provider, status).Inc()
	m.turnDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordUpstreamRetry(kind string) {
	getMetrics().upstreamRetries.WithLabelValues(kind).Inc()
}

func RecordTurnOutcome(outcome string) {
	getMetrics().turnOutcomes.WithLabelValues(outcome).Inc()
}

func RecordTokens(provider string, input, output int) {
	m := getMetrics()
	m.tokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	m.tokensTotal.WithLabelValues(provider, "output").Add(float64(output))
}

func RecordFileFinalized() {
	getMetrics().filesFinalized.Inc()
}

func RecordNotificationDropped(sink string) {
	getMetrics().notifyDropped.WithLabelValues(sink).Inc()
}

func SetNotificationQueueDepth(sink string, depth int) {
	getMetrics().notifyQueueDepth.WithLabelValues(sink).Set(float64(depth))
}

func RecordPostprocessStep(step string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().postprocessSteps.WithLabelValues(step, status).Inc()
}
