package alloc

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/embedx/evbus/core/mempool"
)

// Metrics captures observability counters for allocator operations.
type Metrics struct {
	allocsTotal   *prometheus.CounterVec
	releasesTotal *prometheus.CounterVec
	failuresTotal prometheus.Counter
	inUse         *prometheus.GaugeVec
	highWater     *prometheus.GaugeVec
}

// NewMetrics constructs metrics instruments and registers them with the
// provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		allocsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "evbus",
				Subsystem: "alloc",
				Name:      "events_total",
				Help:      "Total number of envelopes drawn from pools, labeled by pool.",
			},
			[]string{"pool"},
		),
		releasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "evbus",
				Subsystem: "alloc",
				Name:      "releases_total",
				Help:      "Total number of envelopes returned to pools, labeled by pool.",
			},
			[]string{"pool"},
		),
		failuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "evbus",
				Subsystem: "alloc",
				Name:      "failures_total",
				Help:      "Total number of allocations that found every matching pool exhausted.",
			},
		),
		inUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "evbus",
				Subsystem: "alloc",
				Name:      "blocks_in_use",
				Help:      "Blocks currently handed out, labeled by pool.",
			},
			[]string{"pool"},
		),
		highWater: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "evbus",
				Subsystem: "alloc",
				Name:      "blocks_high_water",
				Help:      "Most blocks simultaneously handed out, labeled by pool.",
			},
			[]string{"pool"},
		),
	}
	reg.MustRegister(m.allocsTotal, m.releasesTotal, m.failuresTotal, m.inUse, m.highWater)
	return m
}

func (m *Metrics) observeAlloc(p *mempool.Pool) {
	if m == nil {
		return
	}
	m.allocsTotal.WithLabelValues(p.Name()).Inc()
	m.observeGauges(p)
}

func (m *Metrics) observeRelease(p *mempool.Pool) {
	if m == nil {
		return
	}
	m.releasesTotal.WithLabelValues(p.Name()).Inc()
	m.observeGauges(p)
}

func (m *Metrics) observeFailure() {
	if m == nil {
		return
	}
	m.failuresTotal.Inc()
}

func (m *Metrics) observeGauges(p *mempool.Pool) {
	info := p.Stats()
	m.inUse.WithLabelValues(p.Name()).Set(float64(info.InUse))
	m.highWater.WithLabelValues(p.Name()).Set(float64(info.HighWater))
}
