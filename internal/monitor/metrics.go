package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tickwatch"

// Metrics groups the registry's Prometheus collectors.
type Metrics struct {
	TicksIngested    *prometheus.CounterVec
	TicksRejected    *prometheus.CounterVec
	AlertsFired      *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	PollFailures     *prometheus.CounterVec
	Staleness        *prometheus.GaugeVec
	TrackedSymbols   prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksIngested: counterVec(reg, "ticks_ingested_total", "Ticks accepted into a session.", "symbol"),
		TicksRejected: counterVec(reg, "ticks_rejected_total", "Ticks rejected by a session.", "symbol", "reason"),
		AlertsFired:   counterVec(reg, "alerts_fired_total", "Alerts emitted to the sink.", "kind"),
		AlertsSuppressed: counterVec(reg, "alerts_suppressed_total",
			"Rule matches suppressed by the cooldown.", "kind"),
		PollFailures: counterVec(reg, "poll_failures_total", "Failed tick source requests.", "symbol", "reason"),
		Staleness: gaugeVec(reg, "poll_staleness_seconds",
			"Seconds since the last successful poll of a symbol.", "symbol"),
		TrackedSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tracked_symbols",
			Help:      "Symbols currently selected for polling.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TrackedSymbols)
	}
	return m
}

func counterVec(reg prometheus.Registerer, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	}, labels)
	if reg != nil {
		reg.MustRegister(c)
	}
	return c
}

func gaugeVec(reg prometheus.Registerer, name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	}, labels)
	if reg != nil {
		reg.MustRegister(g)
	}
	return g
}
