package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coman3/YetAnotherProxyManager/internal/logger"
	"github.com/coman3/YetAnotherProxyManager/internal/route"
)

var errForwarderStopped = errors.New("forwarder stopped")

// udpSession is the per-client state of a UDP forwarder: a dedicated upstream
// socket and the time of the last datagram seen in either direction.
type udpSession struct {
	id         string
	key        string
	clientAddr *net.UDPAddr
	upstream   *net.UDPConn
	lastActive atomic.Int64
	closeOnce  sync.Once
}

func (s *udpSession) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *udpSession) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActive.Load()))
}

func (s *udpSession) close() {
	s.closeOnce.Do(func() { s.upstream.Close() })
}

// UDPForwarder relays datagrams between clients and one upstream target,
// keeping a session per client endpoint until it has been idle too long.
type UDPForwarder struct {
	routeID string
	cfg     route.StreamConfig
	target  *net.UDPAddr

	conn          *net.UDPConn
	traffic       TrafficCounter
	packets       atomic.Uint64
	idleTimeout   time.Duration
	sweepInterval time.Duration

	sessionsMu sync.Mutex
	sessions   map[string]*udpSession

	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	startMu  sync.Mutex
	stopOnce sync.Once
}

// NewUDPForwarder creates a forwarder for routeID. It does not bind until Start.
func NewUDPForwarder(routeID string, cfg route.StreamConfig) *UDPForwarder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = udpIdleTimeout
	}
	return &UDPForwarder{
		routeID:       routeID,
		cfg:           cfg,
		idleTimeout:   timeout,
		sweepInterval: max(min(udpCleanupInterval, timeout/2), udpMinSweep),
		sessions:      make(map[string]*udpSession),
		log: logger.With("route_id", routeID, "protocol", route.ProtocolUDP,
			"listen_port", cfg.ListenPort, "target", cfg.Target()),
	}
}

// Start resolves the upstream once, binds the listen port and starts the
// receive and sweep loops.
func (f *UDPForwarder) Start(ctx context.Context) error {
	f.startMu.Lock()
	defer f.startMu.Unlock()

	if f.conn != nil {
		return errors.New("udp forwarder already started")
	}
	if f.cfg.ListenPort < 0 || f.cfg.ListenPort > 65535 {
		return fmt.Errorf("%w: %d", route.ErrInvalidPort, f.cfg.ListenPort)
	}

	target, err := net.ResolveUDPAddr("udp", f.cfg.Target())
	if err != nil {
		return fmt.Errorf("resolve target %s: %w", f.cfg.Target(), err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: f.cfg.ListenPort})
	if err != nil {
		return fmt.Errorf("listen udp on port %d: %w", f.cfg.ListenPort, err)
	}
	f.target = target
	f.conn = conn
	f.ctx, f.cancel = context.WithCancel(ctx)
	context.AfterFunc(f.ctx, func() { conn.Close() })

	f.wg.Add(2)
	go f.readLoop()
	go f.cleanupLoop()

	f.log.Info("udp forwarder started", "addr", conn.LocalAddr().String(), "idle_timeout", f.idleTimeout)
	return nil
}

// Stop closes the listening socket and every session, then waits for all loops.
func (f *UDPForwarder) Stop() error {
	f.stopOnce.Do(func() {
		f.startMu.Lock()
		conn, cancel := f.conn, f.cancel
		f.startMu.Unlock()
		if conn == nil {
			return
		}

		cancel()
		conn.Close()

		f.sessionsMu.Lock()
		for key, sess := range f.sessions {
			sess.close()
			delete(f.sessions, key)
		}
		f.sessionsMu.Unlock()

		f.wg.Wait()
		f.log.Info("udp forwarder stopped", "packets", f.packets.Load())
	})
	return nil
}

// RouteID returns the id of the route this forwarder serves.
func (f *UDPForwarder) RouteID() string { return f.routeID }

// ListenPort returns the configured listen port.
func (f *UDPForwarder) ListenPort() int { return f.cfg.ListenPort }

// Addr returns the bound address, or nil before Start.
func (f *UDPForwarder) Addr() net.Addr {
	f.startMu.Lock()
	defer f.startMu.Unlock()
	if f.conn == nil {
		return nil
	}
	return f.conn.LocalAddr()
}

// Traffic returns the forwarder's byte counters.
func (f *UDPForwarder) Traffic() *TrafficCounter { return &f.traffic }

// PacketsForwarded counts datagrams relayed in both directions.
func (f *UDPForwarder) PacketsForwarded() uint64 { return f.packets.Load() }

// SessionCount returns the number of live client sessions.
func (f *UDPForwarder) SessionCount() int {
	f.sessionsMu.Lock()
	defer f.sessionsMu.Unlock()
	return len(f.sessions)
}

// HasSession reports whether a session exists for the client endpoint addr.
func (f *UDPForwarder) HasSession(addr string) bool {
	f.sessionsMu.Lock()
	defer f.sessionsMu.Unlock()
	_, ok := f.sessions[addr]
	return ok
}

// Stats returns a snapshot of the forwarder's counters and session table.
func (f *UDPForwarder) Stats() Stats {
	up, down := f.traffic.Totals()
	return Stats{
		RouteID:          f.routeID,
		Protocol:         route.ProtocolUDP,
		ListenPort:       f.cfg.ListenPort,
		Target:           f.cfg.Target(),
		Sessions:         f.SessionCount(),
		PacketsForwarded: f.packets.Load(),
		UploadBytes:      up,
		DownloadBytes:    down,
	}
}

// readLoop reads whole datagrams; the buffer always fits the largest UDP payload.
func (f *UDPForwarder) readLoop() {
	defer f.wg.Done()

	buf := make([]byte, udpMaxPacketSize)
	for {
		n, clientAddr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if f.ctx.Err() != nil || isClosedError(err) {
				return
			}
			f.log.Debug("udp read error", "error", err)
			continue
		}

		f.forward(clientAddr, buf[:n])
	}
}

// forward sends one client datagram upstream. A session that was swept between
// lookup and write is replaced once.
func (f *UDPForwarder) forward(clientAddr *net.UDPAddr, data []byte) {
	for attempt := 0; attempt < 2; attempt++ {
		sess, err := f.session(clientAddr)
		if err != nil {
			if !errors.Is(err, errForwarderStopped) {
				f.log.Error("udp dial target failed", "client", clientAddr.String(), "error", err)
			}
			return
		}

		sess.touch()
		if _, err := sess.upstream.Write(data); err != nil {
			f.removeSession(sess)
			if isClosedError(err) {
				continue
			}
			f.log.Debug("udp write to target failed", "client", clientAddr.String(), "error", err)
			return
		}

		f.traffic.AddUpload(int64(len(data)))
		f.packets.Add(1)
		return
	}
}

// session returns the session for clientAddr, creating it if absent. Creation
// happens under the table lock so concurrent packets from one client share it.
func (f *UDPForwarder) session(clientAddr *net.UDPAddr) (*udpSession, error) {
	key := clientAddr.String()

	f.sessionsMu.Lock()
	defer f.sessionsMu.Unlock()

	if sess, ok := f.sessions[key]; ok {
		return sess, nil
	}
	if f.ctx.Err() != nil {
		return nil, errForwarderStopped
	}

	upstream, err := net.DialUDP("udp", nil, f.target)
	if err != nil {
		return nil, err
	}

	sess := &udpSession{
		id:         uuid.NewString(),
		key:        key,
		clientAddr: clientAddr,
		upstream:   upstream,
	}
	sess.touch()
	f.sessions[key] = sess

	f.wg.Add(1)
	go f.sessionLoop(sess)

	f.log.Debug("udp session created", "session_id", sess.id, "client", key)
	return sess, nil
}

// removeSession drops sess from the table if it is still the current session
// for its client, and closes its upstream socket.
func (f *UDPForwarder) removeSession(sess *udpSession) {
	f.sessionsMu.Lock()
	if cur, ok := f.sessions[sess.key]; ok && cur == sess {
		delete(f.sessions, sess.key)
	}
	f.sessionsMu.Unlock()
	sess.close()
}

// sessionLoop relays upstream replies back to the session's client until the
// session socket is closed.
func (f *UDPForwarder) sessionLoop(sess *udpSession) {
	defer f.wg.Done()
	defer f.removeSession(sess)

	buf := make([]byte, udpMaxPacketSize)
	for {
		n, err := sess.upstream.Read(buf)
		if err != nil {
			if !isClosedError(err) && f.ctx.Err() == nil {
				f.log.Debug("udp read from target failed", "session_id", sess.id, "error", err)
			}
			return
		}

		sess.touch()
		if _, err := f.conn.WriteToUDP(buf[:n], sess.clientAddr); err != nil {
			if !isClosedError(err) {
				f.log.Debug("udp write to client failed", "session_id", sess.id, "error", err)
			}
			continue
		}
		f.traffic.AddDownload(int64(n))
		f.packets.Add(1)
	}
}

func (f *UDPForwarder) cleanupLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case now := <-ticker.C:
			f.sweep(now)
		}
	}
}

// sweep disposes of sessions idle for longer than the idle timeout.
func (f *UDPForwarder) sweep(now time.Time) int {
	f.sessionsMu.Lock()
	defer f.sessionsMu.Unlock()

	removed := 0
	for key, sess := range f.sessions {
		if sess.idle(now) > f.idleTimeout {
			delete(f.sessions, key)
			sess.close()
			removed++
		}
	}
	if removed > 0 {
		f.log.Debug("udp sessions expired", "count", removed, "remaining", len(f.sessions))
	}
	return removed
}
