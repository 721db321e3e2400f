package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollectors holds all prometheus metric collectors, adapted
// from the karoo proxy's InitPrometheus for slot occupancy instead of shares.
// Cumulative counters are exposed as gauges since the underlying
// Collector tracks running totals directly rather than deltas.
type PrometheusCollectors struct {
	SlotsTotal        prometheus.Gauge
	SlotsUsed         prometheus.Gauge
	Admissions        prometheus.Gauge
	Rejections        prometheus.Gauge
	HandshakeFailures prometheus.Gauge
	AuthDenials       prometheus.Gauge
}

// InitPrometheus initializes and registers prometheus metrics under
// namespace, reusing an already-registered collector on repeat calls.
func InitPrometheus(namespace string) *PrometheusCollectors {
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	pc := &PrometheusCollectors{}

	pc.SlotsTotal = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "slots_total",
		Help:      "Fixed size of the proxy slot pool",
	})).(prometheus.Gauge)

	pc.SlotsUsed = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "slots_used",
		Help:      "Number of slots currently occupied by an active session",
	})).(prometheus.Gauge)

	pc.Admissions = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admissions_total",
		Help:      "Total number of clients successfully handed off to a slot",
	})).(prometheus.Gauge)

	pc.Rejections = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rejections_total",
		Help:      "Total number of connections rejected for lack of a free worker or slot",
	})).(prometheus.Gauge)

	pc.HandshakeFailures = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "handshake_failures_total",
		Help:      "Total number of handshakes that failed for any reason: malformed, connection lost, wrong password or denied callsign",
	})).(prometheus.Gauge)

	pc.AuthDenials = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "auth_denials_total",
		Help:      "Total number of callsigns denied by the authorizer after a valid password",
	})).(prometheus.Gauge)

	return pc
}

// UpdateFromCollector syncs the atomic Collector's current values onto
// the registered prometheus collectors. Intended to be called
// periodically from the core's report loop.
func (p *PrometheusCollectors) UpdateFromCollector(c *Collector) {
	snap := c.Snapshot()
	p.SlotsTotal.Set(float64(snap.SlotsTotal))
	p.SlotsUsed.Set(float64(snap.SlotsUsed))
	p.Admissions.Set(float64(snap.Admissions))
	p.Rejections.Set(float64(snap.Rejections))
	p.HandshakeFailures.Set(float64(snap.HandshakeFailures))
	p.AuthDenials.Set(float64(snap.AuthDenials))
}
