package forwarder

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/coman3/YetAnotherProxyManager/internal/logger"
	"github.com/coman3/YetAnotherProxyManager/internal/route"
)

// Factory builds an unstarted forwarder for one route.
type Factory func(routeID string, cfg route.StreamConfig) Forwarder

// RouteSource supplies the desired routes and notifies when they change.
type RouteSource interface {
	EnabledRoutesByProtocol(p route.Protocol) []route.Route
	Subscribe(fn func()) (unsubscribe func())
}

// TrafficItem is the traffic of one route since the previous report.
type TrafficItem struct {
	RouteID       string
	Protocol      route.Protocol
	UploadBytes   int64
	DownloadBytes int64
}

type running struct {
	cfg route.StreamConfig
	fwd Forwarder
}

// Manager keeps the set of running forwarders of one protocol equal to the
// enabled routes of that protocol.
type Manager struct {
	protocol route.Protocol
	factory  Factory
	log      *slog.Logger

	// resyncMu serializes Resync and StopAll.
	resyncMu sync.Mutex
	ctx      context.Context

	mu         sync.RWMutex
	forwarders map[string]*running

	notify chan struct{}
}

// NewManager creates a manager that builds forwarders with factory.
func NewManager(protocol route.Protocol, factory Factory) *Manager {
	return &Manager{
		protocol:   protocol,
		factory:    factory,
		log:        logger.With("component", "manager", "protocol", protocol),
		ctx:        context.Background(),
		forwarders: make(map[string]*running),
		notify:     make(chan struct{}, 1),
	}
}

// NewTCPManager returns a manager of TCP forwarders.
func NewTCPManager() *Manager {
	return NewManager(route.ProtocolTCP, func(id string, cfg route.StreamConfig) Forwarder {
		return NewTCPForwarder(id, cfg)
	})
}

// NewUDPManager returns a manager of UDP forwarders.
func NewUDPManager() *Manager {
	return NewManager(route.ProtocolUDP, func(id string, cfg route.StreamConfig) Forwarder {
		return NewUDPForwarder(id, cfg)
	})
}

func (m *Manager) Protocol() route.Protocol { return m.protocol }

// Run resyncs from src once, then again after every change notification, until
// ctx is cancelled. All running forwarders are stopped before Run returns.
func (m *Manager) Run(ctx context.Context, src RouteSource) error {
	m.resyncMu.Lock()
	m.ctx = ctx
	m.resyncMu.Unlock()

	defer m.StopAll()
	unsubscribe := src.Subscribe(m.Notify)
	defer unsubscribe()

	m.Resync(src.EnabledRoutesByProtocol(m.protocol))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.notify:
			m.Resync(src.EnabledRoutesByProtocol(m.protocol))
		}
	}
}

// Notify schedules a resync in Run. Bursts of notifications coalesce into one.
func (m *Manager) Notify() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Resync reconciles the running forwarders against routes. Routes of another
// protocol, disabled routes and routes without a stream configuration are
// ignored. Forwarders of removed or changed routes are stopped before any new
// forwarder starts, so a port handed from one route to another can be rebound.
func (m *Manager) Resync(routes []route.Route) {
	m.resyncMu.Lock()
	defer m.resyncMu.Unlock()

	desired := m.desired(routes)

	m.mu.RLock()
	var stale []string
	for id, r := range m.forwarders {
		cfg, ok := desired[id]
		if !ok || needsRestart(r.cfg, cfg) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(stale)

	for _, id := range stale {
		m.stop(id, desired)
	}

	ids := make([]string, 0, len(desired))
	for id := range desired {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		m.mu.RLock()
		_, ok := m.forwarders[id]
		m.mu.RUnlock()
		if ok {
			continue
		}
		m.start(id, desired[id])
	}
}

// needsRestart reports whether a running forwarder must be replaced to serve
// next. A Timeout-only change takes effect at the next restart.
func needsRestart(cur, next route.StreamConfig) bool {
	return cur.ListenPort != next.ListenPort ||
		cur.UpstreamHost != next.UpstreamHost ||
		cur.UpstreamPort != next.UpstreamPort ||
		cur.BufferSize != next.BufferSize
}

// desired filters routes down to this manager's targets. When two routes claim
// the same listen port the later one in routes wins.
func (m *Manager) desired(routes []route.Route) map[string]route.StreamConfig {
	byPort := make(map[int]string)
	desired := make(map[string]route.StreamConfig)
	for _, r := range routes {
		if !r.Enabled || r.Protocol != m.protocol || r.Stream == nil {
			continue
		}
		if prev, ok := desired[r.ID]; ok && byPort[prev.ListenPort] == r.ID {
			delete(byPort, prev.ListenPort)
		}
		if owner, ok := byPort[r.Stream.ListenPort]; ok && owner != r.ID {
			m.log.Warn("listen port claimed by two routes, keeping the later one",
				"listen_port", r.Stream.ListenPort, "dropped", owner, "route_id", r.ID)
			delete(desired, owner)
		}
		byPort[r.Stream.ListenPort] = r.ID
		desired[r.ID] = *r.Stream
	}
	return desired
}

func (m *Manager) start(id string, cfg route.StreamConfig) {
	fwd := m.factory(id, cfg)
	if err := fwd.Start(m.ctx); err != nil {
		m.log.Error("failed to start forwarder", "route_id", id, "listen_port", cfg.ListenPort, "error", err)
		return
	}

	m.mu.Lock()
	m.forwarders[id] = &running{cfg: cfg, fwd: fwd}
	m.mu.Unlock()
}

func (m *Manager) stop(id string, desired map[string]route.StreamConfig) {
	m.mu.Lock()
	r, ok := m.forwarders[id]
	delete(m.forwarders, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := r.fwd.Stop(); err != nil {
		m.log.Error("failed to stop forwarder", "route_id", id, "error", err)
	}
	if _, keep := desired[id]; keep {
		m.log.Info("route changed, restarting forwarder", "route_id", id)
	} else {
		m.log.Info("stopped forwarder for removed route", "route_id", id)
	}
}

// StopAll stops every running forwarder and waits for them to finish.
func (m *Manager) StopAll() {
	m.resyncMu.Lock()
	defer m.resyncMu.Unlock()

	m.mu.Lock()
	all := m.forwarders
	m.forwarders = make(map[string]*running)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, r := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.fwd.Stop(); err != nil {
				m.log.Error("failed to stop forwarder", "route_id", id, "error", err)
			}
		}()
	}
	wg.Wait()
}

// Forwarder returns the running forwarder of a route.
func (m *Manager) Forwarder(routeID string) (Forwarder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.forwarders[routeID]
	if !ok {
		return nil, false
	}
	return r.fwd, true
}

// Running returns the number of running forwarders.
func (m *Manager) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.forwarders)
}

// Stats returns a snapshot of every running forwarder ordered by listen port.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	stats := make([]Stats, 0, len(m.forwarders))
	for _, r := range m.forwarders {
		stats = append(stats, r.fwd.Stats())
	}
	m.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].ListenPort != stats[j].ListenPort {
			return stats[i].ListenPort < stats[j].ListenPort
		}
		return stats[i].RouteID < stats[j].RouteID
	})
	return stats
}

// ActiveConnections sums the active connections of all forwarders.
func (m *Manager) ActiveConnections() int64 {
	var total int64
	for _, s := range m.Stats() {
		total += s.ActiveConnections
	}
	return total
}

// ActiveConnectionsByPort returns the active connections keyed by listen port.
func (m *Manager) ActiveConnectionsByPort() map[int]int64 {
	byPort := make(map[int]int64)
	for _, s := range m.Stats() {
		byPort[s.ListenPort] += s.ActiveConnections
	}
	return byPort
}

// PacketsForwarded sums the datagrams relayed by all forwarders.
func (m *Manager) PacketsForwarded() uint64 {
	var total uint64
	for _, s := range m.Stats() {
		total += s.PacketsForwarded
	}
	return total
}

// TrafficDeltas returns the traffic of every forwarder since the previous call,
// omitting routes that moved no bytes.
func (m *Manager) TrafficDeltas() []TrafficItem {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []TrafficItem
	for id, r := range m.forwarders {
		up, down := r.fwd.Traffic().GetAndReset()
		if up == 0 && down == 0 {
			continue
		}
		items = append(items, TrafficItem{
			RouteID:       id,
			Protocol:      m.protocol,
			UploadBytes:   up,
			DownloadBytes: down,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RouteID < items[j].RouteID })
	return items
}
