package acs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes session counters to Prometheus on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	sessionRPCs     prometheus.Histogram
	sessionDuration prometheus.Histogram
	faults          *prometheus.CounterVec
	tasksSubmitted  prometheus.Counter
}

// NewMetrics creates the collectors under namespace, "graylogic_acs"
// when empty.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "graylogic_acs"
	}
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.sessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "started_total",
		Help:      "Sessions opened by an Inform",
	})
	m.sessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "ended_total",
		Help:      "Sessions committed, by outcome (ok, faulted)",
	}, []string{"outcome"})
	m.sessionRPCs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "rpcs",
		Help:      "ACS requests sent per session",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 9), // 1 to 256
	})
	m.sessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "duration_seconds",
		Help:      "Time from Inform to commit",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	})
	m.faults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fault",
		Name:      "recorded_total",
		Help:      "Channel faults stored, by code",
	}, []string{"code"})
	m.tasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "submitted_total",
		Help:      "Tasks queued through the API or MQTT",
	})

	m.registry.MustRegister(
		m.sessionsStarted,
		m.sessionsEnded,
		m.sessionRPCs,
		m.sessionDuration,
		m.faults,
		m.tasksSubmitted,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the registry to serve.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SessionStarted counts an Inform.
func (m *Metrics) SessionStarted() { m.sessionsStarted.Inc() }

// SessionEnded records a committed session.
func (m *Metrics) SessionEnded(faulted bool, rpcs int, d time.Duration) {
	outcome := "ok"
	if faulted {
		outcome = "faulted"
	}
	m.sessionsEnded.WithLabelValues(outcome).Inc()
	m.sessionRPCs.Observe(float64(rpcs))
	m.sessionDuration.Observe(d.Seconds())
}

// FaultRecorded counts a stored fault.
func (m *Metrics) FaultRecorded(code string) { m.faults.WithLabelValues(code).Inc() }

// TaskSubmitted counts a queued task.
func (m *Metrics) TaskSubmitted() { m.tasksSubmitted.Inc() }
