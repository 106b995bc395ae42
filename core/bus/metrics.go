package bus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks dispatcher throughput, delivery outcomes, and inbox depth.
type Metrics struct {
	commandsTotal  *prometheus.CounterVec
	publishedTotal prometheus.Counter
	deliveredTotal *prometheus.CounterVec
	dropsTotal     *prometheus.CounterVec
	isrRejected    prometheus.Counter
	fanoutDuration prometheus.Histogram
	fanoutSize     prometheus.Histogram
	inboxDepth     prometheus.Gauge
	retainedCount  prometheus.Gauge
}

// NewMetrics constructs and registers bus metrics with the provided
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "evbus",
				Subsystem: "dispatcher",
				Name:      "commands_total",
				Help:      "Commands served by the dispatcher, labeled by operation.",
			},
			[]string{"op"},
		),
		publishedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "evbus",
				Subsystem: "dispatcher",
				Name:      "published_total",
				Help:      "Publications fanned out by the dispatcher.",
			},
		),
		deliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "evbus",
				Subsystem: "dispatcher",
				Name:      "delivered_total",
				Help:      "Deliveries completed, labeled by sink kind.",
			},
			[]string{"sink"},
		),
		dropsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "evbus",
				Subsystem: "dispatcher",
				Name:      "drops_total",
				Help:      "Deliveries dropped because a listener queue was full, labeled by listener.",
			},
			[]string{"listener"},
		),
		isrRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "evbus",
				Subsystem: "dispatcher",
				Name:      "isr_rejected_total",
				Help:      "ISR publications rejected because the inbox was full.",
			},
		),
		fanoutDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "evbus",
				Subsystem: "dispatcher",
				Name:      "fanout_seconds",
				Help:      "Time to fan one publication out to all subscribed listeners.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		fanoutSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "evbus",
				Subsystem: "dispatcher",
				Name:      "fanout_size",
				Help:      "Number of listeners delivered to per publication.",
				Buckets:   prometheus.LinearBuckets(0, 2, 10),
			},
		),
		inboxDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "evbus",
				Subsystem: "dispatcher",
				Name:      "inbox_depth",
				Help:      "Commands waiting in the dispatcher inbox when a command is served.",
			},
		),
		retainedCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "evbus",
				Subsystem: "dispatcher",
				Name:      "retained_events",
				Help:      "Topics currently holding a retained event.",
			},
		),
	}
	reg.MustRegister(
		m.commandsTotal, m.publishedTotal, m.deliveredTotal, m.dropsTotal,
		m.isrRejected, m.fanoutDuration, m.fanoutSize, m.inboxDepth, m.retainedCount,
	)
	return m
}

func (m *Metrics) observeCommand(op opCode, depth int) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(op.String()).Inc()
	m.inboxDepth.Set(float64(depth))
}

func (m *Metrics) observeFanout(listeners int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.publishedTotal.Inc()
	m.fanoutSize.Observe(float64(listeners))
	m.fanoutDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeDelivery(sink sinkKind) {
	if m == nil {
		return
	}
	m.deliveredTotal.WithLabelValues(sink.String()).Inc()
}

func (m *Metrics) observeDrop(listener string) {
	if m == nil {
		return
	}
	m.dropsTotal.WithLabelValues(listener).Inc()
}

func (m *Metrics) observeISRReject() {
	if m == nil {
		return
	}
	m.isrRejected.Inc()
}

func (m *Metrics) setRetained(count int) {
	if m == nil {
		return
	}
	m.retainedCount.Set(float64(count))
}

// LatencyStats reports observed delivery latency for one topic, measured
// from the publication stamp to delivery completion.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Count uint64
}

// latencyTable keeps per-topic min/max delivery latency for introspection.
type latencyTable struct {
	mu       sync.Mutex
	perTopic []LatencyStats
}

func newLatencyTable(topics int) *latencyTable {
	return &latencyTable{perTopic: make([]LatencyStats, topics)}
}

func (t *latencyTable) observe(topic int, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.perTopic[topic]
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Count++
}

func (t *latencyTable) get(topic int) (LatencyStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.perTopic[topic]
	return s, s.Count > 0
}

func (t *latencyTable) snapshot() []LatencyStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]LatencyStats, len(t.perTopic))
	copy(out, t.perTopic)
	return out
}
