package netprobe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	kindTCP  = "tcp"
	kindICMP = "icmp"

	namespace = "netprobe"
)

// Observer is notified about slot lifecycle and attempt results of the
// scanners. Implementations must be safe for concurrent use.
type Observer interface {
	SlotStarted(kind string)
	SlotExited(kind string)
	Attempted(kind string)
	Completed(kind string, outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) SlotStarted(string)        {}
func (nopObserver) SlotExited(string)         {}
func (nopObserver) Attempted(string)          {}
func (nopObserver) Completed(string, Outcome) {}

// Metrics is an Observer that exports Prometheus metrics on its own
// registry.
type Metrics struct {
	registry *prometheus.Registry

	activeSlots *prometheus.GaugeVec
	slotsTotal  *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	results     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_probes",
			Help:      "Number of probe slots currently running",
		}, []string{"kind"}),
		slotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_started_total",
			Help:      "Number of probe slots started",
		}, []string{"kind"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Number of connect or echo attempts",
		}, []string{"kind"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Number of attempt results by outcome",
		}, []string{"kind", "outcome"}),
	}
	m.registry.MustRegister(
		m.activeSlots,
		m.slotsTotal,
		m.attempts,
		m.results,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) SlotStarted(kind string) {
	m.slotsTotal.WithLabelValues(kind).Inc()
	m.activeSlots.WithLabelValues(kind).Inc()
}

func (m *Metrics) SlotExited(kind string) {
	m.activeSlots.WithLabelValues(kind).Dec()
}

func (m *Metrics) Attempted(kind string) {
	m.attempts.WithLabelValues(kind).Inc()
}

func (m *Metrics) Completed(kind string, outcome Outcome) {
	m.results.WithLabelValues(kind, string(outcome)).Inc()
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
