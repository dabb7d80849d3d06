// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the dataplane's Prometheus instrumentation:
// packet outcome counters, Unified Flow Table hit/miss rates, and
// per-layer flow occupancy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/port"
)

// Metrics holds every Prometheus collector the dataplane reports.
type Metrics struct {
	PacketsProcessed *prometheus.CounterVec
	PacketsDropped   *prometheus.CounterVec
	PacketsHairpin   *prometheus.CounterVec

	UftHits   *prometheus.CounterVec
	UftMisses *prometheus.CounterVec

	LayerFlows *prometheus.GaugeVec
	UftFlows   *prometheus.GaugeVec
}

// New builds an unregistered Metrics instance.
func New() *Metrics {
	return &Metrics{
		PacketsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpcdp_packets_processed_total",
			Help: "Total packets handled by a port's Process, by direction.",
		}, []string{"port", "direction"}),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpcdp_packets_dropped_total",
			Help: "Total packets dropped, by direction and drop reason.",
		}, []string{"port", "direction", "reason"}),

		PacketsHairpin: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpcdp_packets_hairpinned_total",
			Help: "Total packets answered in place rather than forwarded.",
		}, []string{"port", "direction"}),

		UftHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpcdp_uft_hits_total",
			Help: "Unified Flow Table hits, by direction.",
		}, []string{"port", "direction"}),

		UftMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpcdp_uft_misses_total",
			Help: "Unified Flow Table misses, by direction.",
		}, []string{"port", "direction"}),

		LayerFlows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vpcdp_layer_flows",
			Help: "Cached flow count per layer and direction.",
		}, []string{"port", "layer", "direction"}),

		UftFlows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vpcdp_uft_flows",
			Help: "Unified Flow Table occupancy, by direction.",
		}, []string{"port", "direction"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.PacketsProcessed.Describe(ch)
	m.PacketsDropped.Describe(ch)
	m.PacketsHairpin.Describe(ch)
	m.UftHits.Describe(ch)
	m.UftMisses.Describe(ch)
	m.LayerFlows.Describe(ch)
	m.UftFlows.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.PacketsProcessed.Collect(ch)
	m.PacketsDropped.Collect(ch)
	m.PacketsHairpin.Collect(ch)
	m.UftHits.Collect(ch)
	m.UftMisses.Collect(ch)
	m.LayerFlows.Collect(ch)
	m.UftFlows.Collect(ch)
}

// Register registers every collector with the default Prometheus registry.
func (m *Metrics) Register() {
	prometheus.MustRegister(m)
}

func dirLabel(dir headers.Direction) string {
	if dir == headers.Out {
		return "out"
	}
	return "in"
}

// Observe records one Process outcome against portName's counters. Callers
// own the UFT-hit/miss distinction (Process doesn't report it directly):
// pass uftHit true when the packet matched a cached Unified Flow Table
// entry rather than walking the layer stack.
func (m *Metrics) Observe(portName string, dir headers.Direction, res port.Result, uftHit bool) {
	d := dirLabel(dir)
	m.PacketsProcessed.WithLabelValues(portName, d).Inc()

	if uftHit {
		m.UftHits.WithLabelValues(portName, d).Inc()
	} else {
		m.UftMisses.WithLabelValues(portName, d).Inc()
	}

	switch res.Kind {
	case port.KindDrop, port.KindBadState, port.KindParseErr:
		reason := res.DropReason
		if reason == "" {
			reason = res.Kind.String()
		}
		m.PacketsDropped.WithLabelValues(portName, d, reason).Inc()
	case port.KindHairpin:
		m.PacketsHairpin.WithLabelValues(portName, d).Inc()
	}
}

// SampleFlows snapshots p's per-layer and Unified Flow Table occupancy into
// the gauge vectors. Intended to be called on a timer, not per-packet.
func (m *Metrics) SampleFlows(portName string, p *port.Port) {
	out, in := p.NumUftFlows()
	m.UftFlows.WithLabelValues(portName, "out").Set(float64(out))
	m.UftFlows.WithLabelValues(portName, "in").Set(float64(in))

	for _, name := range p.LayerNames() {
		l := p.Layer(name)
		if l == nil {
			continue
		}
		lOut, lIn := l.NumFlows()
		m.LayerFlows.WithLabelValues(portName, name, "out").Set(float64(lOut))
		m.LayerFlows.WithLabelValues(portName, name, "in").Set(float64(lIn))
	}
}
