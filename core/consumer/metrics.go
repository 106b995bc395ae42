package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics captures per-consumer invocation, panic, and duration telemetry.
type Metrics struct {
	invocations *prometheus.CounterVec
	panics      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics constructs metrics instruments registered against the supplied
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "evbus",
				Subsystem: "consumer",
				Name:      "invocations_total",
				Help:      "Total number of handler invocations.",
			},
			[]string{"consumer"},
		),
		panics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "evbus",
				Subsystem: "consumer",
				Name:      "panics_total",
				Help:      "Total number of handler panics recovered.",
			},
			[]string{"consumer"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "evbus",
				Subsystem: "consumer",
				Name:      "duration_seconds",
				Help:      "Handler execution time.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"consumer"},
		),
	}
	reg.MustRegister(m.invocations, m.panics, m.duration)
	return m
}

func (m *Metrics) observeInvocation(consumer string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(consumer).Inc()
	m.duration.WithLabelValues(consumer).Observe(elapsed.Seconds())
}

func (m *Metrics) observePanic(consumer string) {
	if m == nil {
		return
	}
	m.panics.WithLabelValues(consumer).Inc()
}
