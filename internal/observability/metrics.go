package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Runs                *prometheus.CounterVec
	ActiveConversations prometheus.Gauge
	Turns               *prometheus.CounterVec
	GenerationFailures  *prometheus.CounterVec
	GenerationLatency   *prometheus.HistogramVec
	SafetyEscalations   *prometheus.CounterVec
	PersistErrors       *prometheus.CounterVec
	MemoryExtractions   *prometheus.CounterVec
	EventsDropped       prometheus.Counter
	WSMessages          *prometheus.CounterVec
	JobEvents           *prometheus.CounterVec
	JobDuration         prometheus.Histogram

	Window *TurnWindow
}

// NewMetrics registers instruments on reg, or on the default registry when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished simulated conversations by terminal status.",
		}, []string{"status"}),
		ActiveConversations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_conversations",
			Help:      "Simulated conversations currently in their turn loop.",
		}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Generated turns by speaker.",
		}, []string{"speaker"}),
		GenerationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_failures_total",
			Help:      "Generation calls that fell back, by role.",
		}, []string{"role"}),
		GenerationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_ms",
			Help:      "Generation call latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}, []string{"role"}),
		SafetyEscalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_escalations_total",
			Help:      "Escalated responder turns by outcome (partial or replaced).",
		}, []string{"outcome"}),
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Persistence failures by operation.",
		}, []string{"op"}),
		MemoryExtractions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_extractions_total",
			Help:      "ShortMemory recomputations by extraction method.",
		}, []string{"method"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Live events dropped because a subscriber was too slow.",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		JobEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_events_total",
			Help:      "Batch job lifecycle events.",
		}, []string{"event"}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of finished batch jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		Window: NewTurnWindow(256),
	}
}

func (m *Metrics) ObserveGeneration(role string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.GenerationLatency.WithLabelValues(role).Observe(float64(d.Milliseconds()))
	if failed {
		m.GenerationFailures.WithLabelValues(role).Inc()
	}
	m.Window.ObserveGeneration(role, failed)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.Window.ObserveStage(stage, d)
}

func (m *Metrics) IncTurn(speaker string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(speaker).Inc()
}

// ObserveModeration records one moderated reply; only escalations reach the counter.
func (m *Metrics) ObserveModeration(escalated, partial bool) {
	if m == nil {
		return
	}
	m.Window.ObserveModeration(escalated, partial)
	if !escalated {
		return
	}
	outcome := "replaced"
	if partial {
		outcome = "partial"
	}
	m.SafetyEscalations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncPersistError(op string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) IncMemory(method string) {
	if m == nil {
		return
	}
	m.MemoryExtractions.WithLabelValues(method).Inc()
}

func (m *Metrics) ConversationStarted() {
	if m == nil {
		return
	}
	m.ActiveConversations.Inc()
}

func (m *Metrics) ConversationFinished(status string) {
	if m == nil {
		return
	}
	m.ActiveConversations.Dec()
	m.Runs.WithLabelValues(status).Inc()
}

func (m *Metrics) IncWSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) ObserveJobEvent(event string) {
	if m == nil {
		return
	}
	m.JobEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveJobDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.JobDuration.Observe(d.Seconds())
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a specific registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
