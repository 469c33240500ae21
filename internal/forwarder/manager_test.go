package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coman3/YetAnotherProxyManager/internal/route"
)

// recorder collects forwarder lifecycle events in order.
type recorder struct {
	mu      sync.Mutex
	events  []string
	failing map[string]bool
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events
	r.events = nil
	return events
}

func (r *recorder) factory(id string, cfg route.StreamConfig) Forwarder {
	return &fakeForwarder{id: id, cfg: cfg, rec: r}
}

type fakeForwarder struct {
	id      string
	cfg     route.StreamConfig
	rec     *recorder
	traffic TrafficCounter
}

func (f *fakeForwarder) Start(context.Context) error {
	f.rec.mu.Lock()
	fail := f.rec.failing[f.id]
	f.rec.mu.Unlock()
	if fail {
		return errors.New("bind: address already in use")
	}
	f.rec.add(fmt.Sprintf("start %s:%d", f.id, f.cfg.ListenPort))
	return nil
}

func (f *fakeForwarder) Stop() error {
	f.rec.add(fmt.Sprintf("stop %s:%d", f.id, f.cfg.ListenPort))
	return nil
}

func (f *fakeForwarder) RouteID() string { return f.id }
func (f *fakeForwarder) ListenPort() int { return f.cfg.ListenPort }
func (f *fakeForwarder) Addr() net.Addr { return nil }
func (f *fakeForwarder) Traffic() *TrafficCounter { return &f.traffic }

func (f *fakeForwarder) Stats() Stats {
	return Stats{
		RouteID:           f.id,
		ListenPort:        f.cfg.ListenPort,
		ActiveConnections: int64(f.cfg.ListenPort % 10),
		PacketsForwarded:  uint64(f.cfg.ListenPort),
	}
}

func tcpRoute(id string, port int) route.Route {
	return route.Route{
		ID:       id,
		Enabled:  true,
		Protocol: route.ProtocolTCP,
		Stream:   &route.StreamConfig{ListenPort: port, UpstreamHost: "10.0.0.1", UpstreamPort: 80},
	}
}

func newTestManager() (*Manager, *recorder) {
	rec := &recorder{failing: make(map[string]bool)}
	return NewManager(route.ProtocolTCP, rec.factory), rec
}

func TestManager_Resync(t *testing.T) {
	m, rec := newTestManager()

	m.Resync([]route.Route{tcpRoute("a", 8001), tcpRoute("b", 8002)})
	require.Equal(t, []string{"start a:8001", "start b:8002"}, rec.take())
	require.Equal(t, 2, m.Running())

	// Idempotent.
	m.Resync([]route.Route{tcpRoute("a", 8001), tcpRoute("b", 8002)})
	require.Empty(t, rec.take())

	// Removed route is stopped, unchanged one is left alone.
	m.Resync([]route.Route{tcpRoute("a", 8001)})
	require.Equal(t, []string{"stop b:8002"}, rec.take())

	// Changed route is stopped before it is started again.
	m.Resync([]route.Route{tcpRoute("a", 9001)})
	require.Equal(t, []string{"stop a:8001", "start a:9001"}, rec.take())

	// Buffer size and upstream changes restart.
	changed := tcpRoute("a", 9001)
	changed.Stream.BufferSize = 4096
	m.Resync([]route.Route{changed})
	require.Equal(t, []string{"stop a:9001", "start a:9001"}, rec.take())

	moved := tcpRoute("a", 9001)
	moved.Stream.BufferSize = 4096
	moved.Stream.UpstreamHost = "10.0.0.2"
	m.Resync([]route.Route{moved})
	require.Equal(t, []string{"stop a:9001", "start a:9001"}, rec.take())

	// Timeout-only changes keep the running forwarder.
	retimed := tcpRoute("a", 9001)
	retimed.Stream.BufferSize = 4096
	retimed.Stream.UpstreamHost = "10.0.0.2"
	retimed.Stream.Timeout = 30 * time.Second
	m.Resync([]route.Route{retimed})
	require.Empty(t, rec.take())

	// Name changes do not.
	renamed := retimed
	renamed.Name = "renamed"
	m.Resync([]route.Route{renamed})
	require.Empty(t, rec.take())

	m.Resync(nil)
	require.Equal(t, []string{"stop a:9001"}, rec.take())
	require.Zero(t, m.Running())
}

func TestManager_ResyncIgnoresOtherRoutes(t *testing.T) {
	m, rec := newTestManager()

	disabled := tcpRoute("disabled", 8001)
	disabled.Enabled = false
	udp := tcpRoute("udp", 8002)
	udp.Protocol = route.ProtocolUDP
	noStream := tcpRoute("nostream", 8003)
	noStream.Stream = nil

	m.Resync([]route.Route{disabled, udp, noStream, tcpRoute("ok", 8004)})
	require.Equal(t, []string{"start ok:8004"}, rec.take())

	// Disabling a running route stops it.
	off := tcpRoute("ok", 8004)
	off.Enabled = false
	m.Resync([]route.Route{off})
	require.Equal(t, []string{"stop ok:8004"}, rec.take())
}

func TestManager_StopsBeforeStarting(t *testing.T) {
	m, rec := newTestManager()

	m.Resync([]route.Route{tcpRoute("a", 8001), tcpRoute("b", 8002)})
	rec.take()

	// Swap ports: both old listeners must be gone before either new one binds.
	m.Resync([]route.Route{tcpRoute("a", 8002), tcpRoute("b", 8001)})
	require.Equal(t, []string{"stop a:8001", "stop b:8002", "start a:8002", "start b:8001"}, rec.take())
}

func TestManager_PortConflictLastWins(t *testing.T) {
	m, rec := newTestManager()

	m.Resync([]route.Route{tcpRoute("first", 8001), tcpRoute("second", 8001)})
	require.Equal(t, []string{"start second:8001"}, rec.take())

	m.Resync([]route.Route{tcpRoute("second", 8001), tcpRoute("first", 8001)})
	require.Equal(t, []string{"stop second:8001", "start first:8001"}, rec.take())
}

func TestManager_StartFailure(t *testing.T) {
	m, rec := newTestManager()
	rec.failing["bad"] = true

	m.Resync([]route.Route{tcpRoute("bad", 8001), tcpRoute("good", 8002)})
	require.Equal(t, []string{"start good:8002"}, rec.take())
	require.Equal(t, 1, m.Running())
	_, ok := m.Forwarder("bad")
	require.False(t, ok)

	// The next resync tries again.
	rec.failing["bad"] = false
	m.Resync([]route.Route{tcpRoute("bad", 8001), tcpRoute("good", 8002)})
	require.Equal(t, []string{"start bad:8001"}, rec.take())
}

func TestManager_Snapshots(t *testing.T) {
	m, _ := newTestManager()
	m.Resync([]route.Route{tcpRoute("b", 8002), tcpRoute("a", 8001), tcpRoute("c", 8013)})

	stats := m.Stats()
	require.Len(t, stats, 3)
	require.Equal(t, []int{8001, 8002, 8013}, []int{stats[0].ListenPort, stats[1].ListenPort, stats[2].ListenPort})

	require.Equal(t, int64(1+2+3), m.ActiveConnections())
	require.Equal(t, map[int]int64{8001: 1, 8002: 2, 8013: 3}, m.ActiveConnectionsByPort())
	require.Equal(t, uint64(8001+8002+8013), m.PacketsForwarded())

	fwd, ok := m.Forwarder("a")
	require.True(t, ok)
	fwd.Traffic().AddUpload(100)
	fwd.Traffic().AddDownload(7)

	items := m.TrafficDeltas()
	require.Equal(t, []TrafficItem{{RouteID: "a", Protocol: route.ProtocolTCP, UploadBytes: 100, DownloadBytes: 7}}, items)
	require.Empty(t, m.TrafficDeltas())
}

func TestManager_StopAll(t *testing.T) {
	m, rec := newTestManager()
	m.Resync([]route.Route{tcpRoute("a", 8001), tcpRoute("b", 8002)})
	rec.take()

	m.StopAll()
	require.ElementsMatch(t, []string{"stop a:8001", "stop b:8002"}, rec.take())
	require.Zero(t, m.Running())
}

// fakeSource is an in-memory RouteSource.
type fakeSource struct {
	mu     sync.Mutex
	routes []route.Route
	subs   map[int]func()
	next   int
}

func (s *fakeSource) EnabledRoutesByProtocol(p route.Protocol) []route.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []route.Route
	for _, r := range s.routes {
		if r.Enabled && r.Protocol == p {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeSource) Subscribe(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func())
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *fakeSource) set(routes ...route.Route) {
	s.mu.Lock()
	s.routes = routes
	subs := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (s *fakeSource) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func TestManager_Run(t *testing.T) {
	m, _ := newTestManager()
	src := &fakeSource{routes: []route.Route{tcpRoute("a", 8001)}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, src) }()

	require.Eventually(t, func() bool { return m.Running() == 1 }, 5*time.Second, 10*time.Millisecond)

	src.set(tcpRoute("a", 8001), tcpRoute("b", 8002))
	require.Eventually(t, func() bool { return m.Running() == 2 }, 5*time.Second, 10*time.Millisecond)

	src.set()
	require.Eventually(t, func() bool { return m.Running() == 0 }, 5*time.Second, 10*time.Millisecond)

	src.set(tcpRoute("c", 8003))
	require.Eventually(t, func() bool { _, ok := m.Forwarder("c"); return ok }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Zero(t, m.Running())
	require.Zero(t, src.subscribers())
}

func TestManager_RebindsChangedPort(t *testing.T) {
	host, port := startTCPEcho(t)
	m := NewTCPManager()
	defer m.StopAll()

	first, second := freePort(t, "tcp"), freePort(t, "tcp")
	for second == first {
		second = freePort(t, "tcp")
	}
	r := route.Route{
		ID:       "echo",
		Enabled:  true,
		Protocol: route.ProtocolTCP,
		Stream:   &route.StreamConfig{ListenPort: first, UpstreamHost: host, UpstreamPort: port},
	}

	m.Resync([]route.Route{r})
	conn, err := net.Dial("tcp", loopback(first))
	require.NoError(t, err)
	conn.Close()

	moved := r
	moved.Stream = &route.StreamConfig{ListenPort: second, UpstreamHost: host, UpstreamPort: port}
	m.Resync([]route.Route{moved})

	_, err = net.DialTimeout("tcp", loopback(first), time.Second)
	require.Error(t, err)

	conn, err = net.Dial("tcp", loopback(second))
	require.NoError(t, err)
	defer conn.Close()
	roundTripTCP(t, conn, "moved")
}

func TestManager_UDP(t *testing.T) {
	host, port := startUDPEcho(t)
	m := NewUDPManager()
	defer m.StopAll()

	listen := freePort(t, "udp")
	m.Resync([]route.Route{{
		ID:       "dns",
		Enabled:  true,
		Protocol: route.ProtocolUDP,
		Stream:   &route.StreamConfig{ListenPort: listen, UpstreamHost: host, UpstreamPort: port},
	}})
	require.Equal(t, 1, m.Running())

	conn := dialUDP(t, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: listen})
	roundTrip(t, conn, "query")
	require.Eventually(t, func() bool { return m.PacketsForwarded() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, m.Stats()[0].Sessions)
}

func roundTripTCP(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, msg, string(buf))
}
