package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Observer receives the operational signals the collector emits.
type Observer interface {
	ObserveTick(job, outcome, reason string, seconds float64)
	SetMode(mode float64)
	SetCollectionEnabled(enabled bool)
	SetFootprint(bytes int64)
	IncDimensionFailure(dimension, kind string)
	AddRowsWritten(tier string, n int)
}

// PromObserver exports Observer signals as Prometheus collectors.
type PromObserver struct {
	ticks             *prometheus.CounterVec
	tickDuration      *prometheus.HistogramVec
	mode              prometheus.Gauge
	collectionEnabled prometheus.Gauge
	footprint         prometheus.Gauge
	dimensionFailures *prometheus.CounterVec
	rowsWritten       *prometheus.CounterVec
}

// NewPromObserver creates the collectors and registers them with reg.
func NewPromObserver(reg prometheus.Registerer) *PromObserver {
	p := &PromObserver{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbhealth_ticks_total",
			Help: "Ticks by job, outcome and skip reason.",
		}, []string{"job", "outcome", "reason"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbhealth_tick_duration_seconds",
			Help:    "Wall time of admitted ticks.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"job"}),
		mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbhealth_mode",
			Help: "Collection mode, 0 normal and 1 emergency.",
		}),
		collectionEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbhealth_collection_enabled",
			Help: "1 while collection is allowed by the storage capacity valve.",
		}),
		footprint: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbhealth_storage_footprint_bytes",
			Help: "Bytes used by the durable tiers.",
		}),
		dimensionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbhealth_dimension_failures_total",
			Help: "Provider failures per dimension and kind.",
		}, []string{"dimension", "kind"}),
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbhealth_rows_written_total",
			Help: "Rows appended to each durable tier.",
		}, []string{"tier"}),
	}

	reg.MustRegister(p.ticks, p.tickDuration, p.mode, p.collectionEnabled,
		p.footprint, p.dimensionFailures, p.rowsWritten)
	p.collectionEnabled.Set(1)

	return p
}

func (p *PromObserver) ObserveTick(job, outcome, reason string, seconds float64) {
	p.ticks.WithLabelValues(job, outcome, reason).Inc()
	if outcome != "skip" {
		p.tickDuration.WithLabelValues(job).Observe(seconds)
	}
}

func (p *PromObserver) SetMode(mode float64) {
	p.mode.Set(mode)
}

func (p *PromObserver) SetCollectionEnabled(enabled bool) {
	if enabled {
		p.collectionEnabled.Set(1)
		return
	}
	p.collectionEnabled.Set(0)
}

func (p *PromObserver) SetFootprint(bytes int64) {
	p.footprint.Set(float64(bytes))
}

func (p *PromObserver) IncDimensionFailure(dimension, kind string) {
	p.dimensionFailures.WithLabelValues(dimension, kind).Inc()
}

func (p *PromObserver) AddRowsWritten(tier string, n int) {
	p.rowsWritten.WithLabelValues(tier).Add(float64(n))
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveTick(job, outcome, reason string, seconds float64) {}
func (Nop) SetMode(mode float64)                                     {}
func (Nop) SetCollectionEnabled(enabled bool)                        {}
func (Nop) SetFootprint(bytes int64)                                 {}
func (Nop) IncDimensionFailure(dimension, kind string)               {}
func (Nop) AddRowsWritten(tier string, n int)                        {}

var (
	_ Observer = (*PromObserver)(nil)
	_ Observer = Nop{}
)
