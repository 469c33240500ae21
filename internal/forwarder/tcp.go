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

	"github.com/coman3/YetAnotherProxyManager/internal/logger"
	"github.com/coman3/YetAnotherProxyManager/internal/route"
)

// TCPForwarder accepts connections on a listen port and relays each one to the
// upstream target over its own connection.
type TCPForwarder struct {
	routeID string
	cfg     route.StreamConfig
	target  string

	listener net.Listener
	buffers  *bufferPool
	traffic  TrafficCounter
	active   atomic.Int64

	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	startMu  sync.Mutex
	stopOnce sync.Once
}

// NewTCPForwarder creates a forwarder for routeID. It does not bind until Start.
func NewTCPForwarder(routeID string, cfg route.StreamConfig) *TCPForwarder {
	return &TCPForwarder{
		routeID: routeID,
		cfg:     cfg,
		target:  cfg.Target(),
		buffers: newBufferPool(cfg.BufferSize),
		log: logger.With("route_id", routeID, "protocol", route.ProtocolTCP,
			"listen_port", cfg.ListenPort, "target", cfg.Target()),
	}
}

// Start binds the listen port on all interfaces and begins accepting.
func (f *TCPForwarder) Start(ctx context.Context) error {
	f.startMu.Lock()
	defer f.startMu.Unlock()

	if f.listener != nil {
		return errors.New("tcp forwarder already started")
	}
	if f.cfg.ListenPort < 0 || f.cfg.ListenPort > 65535 {
		return fmt.Errorf("%w: %d", route.ErrInvalidPort, f.cfg.ListenPort)
	}

	addr := fmt.Sprintf(":%d", f.cfg.ListenPort)
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	f.listener = listener
	f.ctx, f.cancel = context.WithCancel(ctx)
	context.AfterFunc(f.ctx, func() { listener.Close() })

	f.wg.Add(1)
	go f.acceptLoop()

	f.log.Info("tcp forwarder started", "addr", listener.Addr().String())
	return nil
}

// Stop closes the listener, tears down in-flight relays and waits for them.
func (f *TCPForwarder) Stop() error {
	f.stopOnce.Do(func() {
		f.startMu.Lock()
		listener, cancel := f.listener, f.cancel
		f.startMu.Unlock()
		if listener == nil {
			return
		}

		cancel()
		listener.Close()
		f.wg.Wait()
		f.log.Info("tcp forwarder stopped")
	})
	return nil
}

// RouteID returns the id of the route this forwarder serves.
func (f *TCPForwarder) RouteID() string { return f.routeID }

// ListenPort returns the configured listen port.
func (f *TCPForwarder) ListenPort() int { return f.cfg.ListenPort }

// Addr returns the bound address, or nil before Start.
func (f *TCPForwarder) Addr() net.Addr {
	f.startMu.Lock()
	defer f.startMu.Unlock()
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// Traffic returns the forwarder's byte counters.
func (f *TCPForwarder) Traffic() *TrafficCounter { return &f.traffic }

// ActiveConnections returns the number of connections currently being relayed.
func (f *TCPForwarder) ActiveConnections() int64 { return f.active.Load() }

// Stats returns a snapshot of the forwarder's counters.
func (f *TCPForwarder) Stats() Stats {
	up, down := f.traffic.Totals()
	return Stats{
		RouteID:           f.routeID,
		Protocol:          route.ProtocolTCP,
		ListenPort:        f.cfg.ListenPort,
		Target:            f.target,
		ActiveConnections: f.active.Load(),
		UploadBytes:       up,
		DownloadBytes:     down,
	}
}

func (f *TCPForwarder) connectTimeout() time.Duration {
	if f.cfg.Timeout > 0 {
		return f.cfg.Timeout
	}
	return defaultConnectTimeout
}

func (f *TCPForwarder) acceptLoop() {
	defer f.wg.Done()

	var delay time.Duration
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if f.ctx.Err() != nil || isClosedError(err) {
				return
			}
			// Back off on repeated accept failures such as fd exhaustion.
			delay = min(max(delay*2, 5*time.Millisecond), time.Second)
			f.log.Error("tcp accept error", "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-f.ctx.Done():
				return
			}
			continue
		}
		delay = 0

		f.wg.Add(1)
		go f.handleConnection(conn)
	}
}

func (f *TCPForwarder) handleConnection(client net.Conn) {
	defer f.wg.Done()
	defer client.Close()

	f.active.Add(1)
	defer f.active.Add(-1)

	dialer := net.Dialer{Timeout: f.connectTimeout()}
	upstream, err := dialer.DialContext(f.ctx, "tcp", f.target)
	if err != nil {
		if f.ctx.Err() == nil {
			f.log.Error("tcp dial target failed", "client", client.RemoteAddr().String(), "error", err)
		}
		return
	}
	defer upstream.Close()

	f.log.Debug("tcp connection opened", "client", client.RemoteAddr().String())
	f.relay(client, upstream)
	f.log.Debug("tcp connection closed", "client", client.RemoteAddr().String())
}

// relay copies in both directions. The first direction to finish, or forwarder
// shutdown, closes both connections; relay returns once both copies have ended.
func (f *TCPForwarder) relay(client, upstream net.Conn) {
	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn, count func(int64)) {
		defer func() { done <- struct{}{} }()
		buf := f.buffers.get()
		defer f.buffers.put(buf)
		if _, err := copyBuffer(dst, src, *buf, count); err != nil && !isClosedError(err) {
			f.log.Debug("tcp relay error", "client", client.RemoteAddr().String(), "error", err)
		}
	}

	go pipe(upstream, client, f.traffic.AddUpload)
	go pipe(client, upstream, f.traffic.AddDownload)

	pending := 2
	select {
	case <-done:
		pending--
	case <-f.ctx.Done():
	}
	client.Close()
	upstream.Close()
	for ; pending > 0; pending-- {
		<-done
	}
}
