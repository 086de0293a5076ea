package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus metrics for the relay. All methods are safe
// to call on a nil *Collector, which records nothing.
type Collector struct {
	// Dispatch metrics
	dispatchesTotal    *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
	duplicatesTotal    prometheus.Counter
	inFlightDispatches prometheus.Gauge
	commandsTotal      *prometheus.CounterVec

	// Upstream generation API metrics
	upstreamAttemptsTotal *prometheus.CounterVec
	upstreamDuration      *prometheus.HistogramVec

	// Duplicate guard
	sweptTotal prometheus.Counter
}

// NewCollector registers metrics on the default registry.
func NewCollector() *Collector {
	return NewCollectorWithRegistry(nil)
}

// NewCollectorWithRegistry registers metrics on registry, or on the default
// registerer when registry is nil.
func NewCollectorWithRegistry(registry *prometheus.Registry) *Collector {
	var factory promauto.Factory
	if registry == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	} else {
		factory = promauto.With(registry)
	}

	return &Collector{
		dispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bai_dispatches_total",
				Help: "Total number of dispatched updates by route and result",
			},
			[]string{"route", "status"},
		),

		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bai_dispatch_duration_seconds",
				Help:    "Time from admission to release of a dispatch",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"route"},
		),

		duplicatesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bai_duplicate_updates_total",
				Help: "Updates rejected because the same message is already in flight",
			},
		),

		inFlightDispatches: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bai_dispatches_in_flight",
				Help: "Number of dispatches currently being processed",
			},
		),

		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bai_commands_total",
				Help: "Static commands answered",
			},
			[]string{"command"},
		),

		upstreamAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bai_upstream_attempts_total",
				Help: "Generation API call attempts by call name and result",
			},
			[]string{"call", "status"},
		),

		upstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bai_upstream_attempt_duration_seconds",
				Help:    "Duration of individual generation API attempts",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"call", "status"},
		),

		sweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bai_dedup_swept_total",
				Help: "Stale processing states removed by the sweeper",
			},
		),
	}
}

func (c *Collector) RecordDispatch(route, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dispatchesTotal.WithLabelValues(route, status).Inc()
	c.dispatchDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (c *Collector) RecordDuplicate() {
	if c == nil {
		return
	}
	c.duplicatesTotal.Inc()
}

func (c *Collector) DispatchStarted() {
	if c == nil {
		return
	}
	c.inFlightDispatches.Inc()
}

func (c *Collector) DispatchFinished() {
	if c == nil {
		return
	}
	c.inFlightDispatches.Dec()
}

func (c *Collector) RecordCommand(command string) {
	if c == nil {
		return
	}
	c.commandsTotal.WithLabelValues(command).Inc()
}

func (c *Collector) RecordUpstreamAttempt(call, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.upstreamAttemptsTotal.WithLabelValues(call, status).Inc()
	c.upstreamDuration.WithLabelValues(call, status).Observe(duration.Seconds())
}

func (c *Collector) RecordSwept(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.sweptTotal.Add(float64(n))
}
