package pool

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports pool bookkeeping as Prometheus collectors. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	active         prometheus.Gauge
	idle           prometheus.Gauge
	endpointActive *prometheus.GaugeVec
	created        prometheus.Counter
	reused         prometheus.Counter
	discarded      prometheus.Counter
	evicted        prometheus.Counter
	waits          prometheus.Counter
}

// NewMetrics creates unregistered pool collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "restflow",
			Subsystem: "pool",
			Name:      "active_connections",
			Help:      "Active connections across all endpoints, including dials in flight.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "restflow",
			Subsystem: "pool",
			Name:      "idle_connections",
			Help:      "Connections parked in the idle cache.",
		}),
		endpointActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "restflow",
			Subsystem: "pool",
			Name:      "endpoint_active_connections",
			Help:      "Active connections per endpoint.",
		}, []string{"endpoint"}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "restflow",
			Subsystem: "pool",
			Name:      "connections_created_total",
			Help:      "Connections dialed.",
		}),
		reused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "restflow",
			Subsystem: "pool",
			Name:      "connections_reused_total",
			Help:      "Times a pooled connection served another request.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "restflow",
			Subsystem: "pool",
			Name:      "connections_discarded_total",
			Help:      "Connections closed because they were released unhealthy.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "restflow",
			Subsystem: "pool",
			Name:      "connections_evicted_total",
			Help:      "Healthy connections closed to free global quota for another endpoint.",
		}),
		waits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "restflow",
			Subsystem: "pool",
			Name:      "waits_total",
			Help:      "Acquisitions that had to wait for quota.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.active, m.idle, m.endpointActive,
		m.created, m.reused, m.discarded, m.evicted, m.waits,
	}
}

// Register adds every collector to reg. On failure, collectors registered
// so far are removed again.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil || reg == nil {
		return nil
	}
	var done []prometheus.Collector
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			for _, d := range done {
				reg.Unregister(d)
			}
			return fmt.Errorf("failed to register pool metrics: %w", err)
		}
		done = append(done, c)
	}
	return nil
}

// Unregister removes every collector from reg.
func (m *Metrics) Unregister(reg prometheus.Registerer) {
	if m == nil || reg == nil {
		return
	}
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}

func (m *Metrics) setActive(key Key, total, endpoint int) {
	if m == nil {
		return
	}
	m.active.Set(float64(total))
	if endpoint == 0 {
		m.endpointActive.DeleteLabelValues(key.String())
		return
	}
	m.endpointActive.WithLabelValues(key.String()).Set(float64(endpoint))
}

func (m *Metrics) setIdle(n int) {
	if m == nil {
		return
	}
	m.idle.Set(float64(n))
}

func (m *Metrics) incCreated() {
	if m != nil {
		m.created.Inc()
	}
}

func (m *Metrics) incReused() {
	if m != nil {
		m.reused.Inc()
	}
}

func (m *Metrics) incDiscarded() {
	if m != nil {
		m.discarded.Inc()
	}
}

func (m *Metrics) incEvicted() {
	if m != nil {
		m.evicted.Inc()
	}
}

func (m *Metrics) incWaits() {
	if m != nil {
		m.waits.Inc()
	}
}
