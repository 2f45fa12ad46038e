package backtest

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the in-process gauges/counters the driver updates during a
// run: event throughput at each progress interval, equity at each equity
// point, and the liquidation counter at each liquidation. The core never
// starts an HTTP listener itself — a host process registers Metrics against
// its own prometheus.Registry and serves /metrics if it wants to.
type Metrics struct {
	Equity          prometheus.Gauge
	EventsProcessed prometheus.Counter
	Liquidations    prometheus.Counter
	EventsPerSecond prometheus.Gauge
}

// NewMetrics constructs a fresh, unregistered Metrics set.
func NewMetrics() *Metrics {
	return &Metrics{
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_equity",
			Help: "Current account equity during the run.",
		}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_events_processed_total",
			Help: "Total events popped from the priority queue.",
		}),
		Liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_liquidations_total",
			Help: "Total forced liquidations triggered during the run.",
		}),
		EventsPerSecond: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_events_per_second",
			Help: "Processing throughput sampled at each progress interval.",
		}),
	}
}

// Register adds every collector to reg. Call once per Metrics instance.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{m.Equity, m.EventsProcessed, m.Liquidations, m.EventsPerSecond} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
