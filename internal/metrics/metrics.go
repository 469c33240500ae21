// Package metrics provides Prometheus instrumentation for the forwarders and
// the admission filter.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coman3/YetAnotherProxyManager/internal/filter"
	"github.com/coman3/YetAnotherProxyManager/internal/forwarder"
	"github.com/coman3/YetAnotherProxyManager/internal/route"
)

const namespace = "yapm"

// Metrics holds all collectors, registered on their own registry.
type Metrics struct {
	reg *prometheus.Registry

	ActiveConnections  *prometheus.GaugeVec
	Bytes              *prometheus.CounterVec
	Packets            *prometheus.CounterVec
	Sessions           *prometheus.GaugeVec
	Running            *prometheus.GaugeVec
	AdmissionDecisions *prometheus.CounterVec

	mu          sync.Mutex
	packetsSeen map[string]uint64
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "forwarder",
				Name:      "active_connections",
				Help:      "Number of connections currently relayed, by listen port",
			},
			[]string{"protocol", "port"},
		),
		Bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forwarder",
				Name:      "bytes_total",
				Help:      "Bytes relayed, upload is client to upstream",
			},
			[]string{"protocol", "route", "direction"},
		),
		Packets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forwarder",
				Name:      "packets_total",
				Help:      "Datagrams relayed in both directions",
			},
			[]string{"route"},
		),
		Sessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "forwarder",
				Name:      "sessions",
				Help:      "Live UDP client sessions",
			},
			[]string{"route"},
		),
		Running: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "forwarders_running",
				Help:      "Number of running forwarders",
			},
			[]string{"protocol"},
		),
		AdmissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_decisions_total",
				Help:      "Filter decisions taken for HTTP requests",
			},
			[]string{"route", "action"},
		),
		packetsSeen: make(map[string]uint64),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RecordDecision counts one admission decision.
func (m *Metrics) RecordDecision(routeID string, action filter.Action) {
	m.AdmissionDecisions.WithLabelValues(routeID, string(action)).Inc()
}

// RecordTraffic adds per-route traffic deltas.
func (m *Metrics) RecordTraffic(items []forwarder.TrafficItem) {
	for _, it := range items {
		p := string(it.Protocol)
		m.Bytes.WithLabelValues(p, it.RouteID, "upload").Add(float64(it.UploadBytes))
		m.Bytes.WithLabelValues(p, it.RouteID, "download").Add(float64(it.DownloadBytes))
	}
}

// ObserveForwarders replaces the gauges of protocol with stats, and advances
// the packet counters from the forwarders' cumulative totals.
func (m *Metrics) ObserveForwarders(protocol route.Protocol, stats []forwarder.Stats) {
	m.ActiveConnections.DeletePartialMatch(prometheus.Labels{"protocol": string(protocol)})
	m.Running.WithLabelValues(string(protocol)).Set(float64(len(stats)))

	if protocol == route.ProtocolTCP {
		byPort := make(map[int]int64)
		for _, s := range stats {
			byPort[s.ListenPort] += s.ActiveConnections
		}
		for port, n := range byPort {
			m.ActiveConnections.WithLabelValues(string(protocol), strconv.Itoa(port)).Set(float64(n))
		}
	}

	if protocol != route.ProtocolUDP {
		return
	}

	m.Sessions.Reset()
	m.mu.Lock()
	defer m.mu.Unlock()
	live := make(map[string]bool, len(stats))
	for _, s := range stats {
		live[s.RouteID] = true
		m.Sessions.WithLabelValues(s.RouteID).Set(float64(s.Sessions))

		last := m.packetsSeen[s.RouteID]
		delta := s.PacketsForwarded - last
		if s.PacketsForwarded < last {
			// The forwarder was restarted and its count began again.
			delta = s.PacketsForwarded
		}
		m.Packets.WithLabelValues(s.RouteID).Add(float64(delta))
		m.packetsSeen[s.RouteID] = s.PacketsForwarded
	}
	for id := range m.packetsSeen {
		if !live[id] {
			delete(m.packetsSeen, id)
		}
	}
}
