package observability

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yungbote/marketbench-backend/internal/platform/envutil"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

const namespace = "marketbench"

// Metrics is nil-safe: every method is a no-op on a nil receiver, so callers
// never branch on whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	apiInflight prometheus.Gauge

	webhookEvents  *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	generations    *prometheus.CounterVec
	generationTime *prometheus.HistogramVec
	llmRequests    *prometheus.CounterVec
	llmLatency     *prometheus.HistogramVec
	llmTokens      *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	staleFailed    prometheus.Counter
	emails         *prometheus.CounterVec
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", true)
}

func Current() *Metrics {
	return instance
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = newMetrics()
		if log != nil {
			log.Info("prometheus metrics initialized")
		}
	})
	return instance
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "requests_total",
			Help: "API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "api", Name: "request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"method", "route", "status"}),
		apiInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "api", Name: "inflight_requests",
			Help: "In-flight API requests.",
		}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "webhook", Name: "events_total",
			Help: "Stripe webhook deliveries by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "report", Name: "transitions_total",
			Help: "Report status transitions by target status, source and whether a row changed.",
		}, []string{"to", "source", "applied"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generation", Name: "runs_total",
			Help: "Report generation runs by plan and outcome.",
		}, []string{"plan", "outcome"}),
		generationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "generation", Name: "duration_seconds",
			Help:    "Wall time of one generation run.",
			Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 240, 300},
		}, []string{"plan", "outcome"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "requests_total",
			Help: "AI completion requests by model and status.",
		}, []string{"model", "status"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "llm", Name: "request_duration_seconds",
			Help:    "AI completion latency in seconds.",
			Buckets: []float64{1, 5, 10, 20, 40, 60, 90, 120, 180, 240},
		}, []string{"model", "status"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "tokens_total",
			Help: "AI tokens by model and direction.",
		}, []string{"model", "direction"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generation", Name: "dispatch_total",
			Help: "Generation dispatches by mode and outcome.",
		}, []string{"mode", "outcome"}),
		staleFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "stale_failed_total",
			Help: "Processing reports moved to failed by the stall sweeper.",
		}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "email", Name: "sent_total",
			Help: "Transactional emails by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.webhookEvents, m.transitions,
		m.generations, m.generationTime,
		m.llmRequests, m.llmLatency, m.llmTokens,
		m.dispatches, m.staleFailed, m.emails,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	method = label(method, "UNKNOWN")
	route = label(route, "unknown")
	status = label(status, "0")
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route, status).Observe(dur.Seconds())
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) IncWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(label(eventType, "unknown"), label(outcome, "unknown")).Inc()
}

func (m *Metrics) IncTransition(to, source string, applied bool) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(to, "unknown"), label(source, "unknown"), strconv.FormatBool(applied)).Inc()
}

func (m *Metrics) ObserveGeneration(plan, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	plan = label(plan, "unknown")
	outcome = label(outcome, "unknown")
	m.generations.WithLabelValues(plan, outcome).Inc()
	if dur > 0 {
		m.generationTime.WithLabelValues(plan, outcome).Observe(dur.Seconds())
	}
}

func (m *Metrics) ObserveLLMRequest(model, status string, dur time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	model = label(model, "unknown")
	status = label(status, "unknown")
	m.llmRequests.WithLabelValues(model, status).Inc()
	if dur > 0 {
		m.llmLatency.WithLabelValues(model, status).Observe(dur.Seconds())
	}
	if inputTokens > 0 {
		m.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

func (m *Metrics) IncDispatch(mode, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(label(mode, "unknown"), label(outcome, "unknown")).Inc()
}

func (m *Metrics) AddStaleFailed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.staleFailed.Add(float64(n))
}

func (m *Metrics) IncEmail(kind, outcome string) {
	if m == nil {
		return
	}
	m.emails.WithLabelValues(label(kind, "unknown"), label(outcome, "unknown")).Inc()
}

const maxLabelLen = 64

func label(v, def string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	v = strings.ReplaceAll(v, " ", "_")
	if len(v) > maxLabelLen {
		v = v[:maxLabelLen]
	}
	return v
}

func parseFloat(raw string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}
