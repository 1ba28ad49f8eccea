package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry exposes Prometheus collectors that report engine activity.
type Telemetry struct {
	taskOutcomes  *prometheus.CounterVec
	backendCalls  *prometheus.CounterVec
	callDuration  prometheus.Histogram
	decisions     *prometheus.CounterVec
	lessons       prometheus.Counter
	droppedEvents *prometheus.CounterVec
	tokens        prometheus.Counter
	cost          prometheus.Counter
	inflight      prometheus.Gauge
	runsActive    prometheus.Gauge
}

var (
	defaultTelemetryOnce sync.Once
	sharedTelemetry      *Telemetry
)

// DefaultTelemetry returns the instance registered with the global
// Prometheus registry. Collectors are created once so several engines in
// one process share them.
func DefaultTelemetry() *Telemetry {
	defaultTelemetryOnce.Do(func() {
		sharedTelemetry = MustNewTelemetry(prometheus.DefaultRegisterer)
	})
	return sharedTelemetry
}

// MustNewTelemetry constructs Telemetry using the provided registerer.
// Collectors that are already registered are reused; any other
// registration error panics.
func MustNewTelemetry(reg prometheus.Registerer) *Telemetry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	t := &Telemetry{
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autopilot",
			Subsystem: "engine",
			Name:      "task_attempts_total",
			Help:      "Finished task attempts by outcome.",
		}, []string{"outcome"}),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autopilot",
			Subsystem: "engine",
			Name:      "backend_calls_total",
			Help:      "Reasoning backend calls by result.",
		}, []string{"result"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autopilot",
			Subsystem: "engine",
			Name:      "backend_call_duration_seconds",
			Help:      "Duration of task execution backend calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autopilot",
			Subsystem: "engine",
			Name:      "decisions_total",
			Help:      "Recovery decisions by chosen strategy.",
		}, []string{"strategy"}),
		lessons: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autopilot",
			Subsystem: "engine",
			Name:      "lessons_recorded_total",
			Help:      "Durable lessons committed to the knowledge store.",
		}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autopilot",
			Subsystem: "engine",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber was full.",
		}, []string{"type"}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autopilot",
			Subsystem: "engine",
			Name:      "tokens_total",
			Help:      "Tokens consumed by backend calls.",
		}),
		cost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autopilot",
			Subsystem: "engine",
			Name:      "cost_dollars_total",
			Help:      "Estimated backend spend in dollars.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autopilot",
			Subsystem: "engine",
			Name:      "inflight_calls",
			Help:      "Task execution calls currently in flight.",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autopilot",
			Subsystem: "engine",
			Name:      "runs_active",
			Help:      "Runs that have not finished.",
		}),
	}

	register(reg, &t.taskOutcomes)
	register(reg, &t.backendCalls)
	register(reg, &t.callDuration)
	register(reg, &t.decisions)
	register(reg, &t.lessons)
	register(reg, &t.droppedEvents)
	register(reg, &t.tokens)
	register(reg, &t.cost)
	register(reg, &t.inflight)
	register(reg, &t.runsActive)
	return t
}

// register adds a collector, swapping in the existing one when the same
// metric was registered before.
func register[C prometheus.Collector](reg prometheus.Registerer, c *C) {
	if err := reg.Register(*c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				*c = existing
				return
			}
		}
		panic(err)
	}
}

// ObserveAttempt records a finished attempt.
func (t *Telemetry) ObserveAttempt(outcome string, took time.Duration) {
	if t == nil {
		return
	}
	t.taskOutcomes.WithLabelValues(outcome).Inc()
	t.callDuration.Observe(took.Seconds())
}

// ObserveCall records one backend call result.
func (t *Telemetry) ObserveCall(result string, tokens int64, cost float64) {
	if t == nil {
		return
	}
	t.backendCalls.WithLabelValues(result).Inc()
	if tokens > 0 {
		t.tokens.Add(float64(tokens))
	}
	if cost > 0 {
		t.cost.Add(cost)
	}
}

// IncDecision counts a recovery decision.
func (t *Telemetry) IncDecision(strategy string) {
	if t == nil {
		return
	}
	t.decisions.WithLabelValues(strategy).Inc()
}

// IncLesson counts a stored lesson.
func (t *Telemetry) IncLesson() {
	if t == nil {
		return
	}
	t.lessons.Inc()
}

// IncDropped counts a dropped event.
func (t *Telemetry) IncDropped(eventType EventType) {
	if t == nil {
		return
	}
	t.droppedEvents.WithLabelValues(string(eventType)).Inc()
}

// AddInflight moves the in-flight call gauge.
func (t *Telemetry) AddInflight(delta float64) {
	if t == nil {
		return
	}
	t.inflight.Add(delta)
}

// AddRuns moves the active run gauge.
func (t *Telemetry) AddRuns(delta float64) {
	if t == nil {
		return
	}
	t.runsActive.Add(delta)
}
