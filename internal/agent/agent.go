// Package agent wires the route store to the forwarders, the hub connection,
// the reporting loops and the ops HTTP server.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coman3/YetAnotherProxyManager/internal/config"
	"github.com/coman3/YetAnotherProxyManager/internal/filter"
	"github.com/coman3/YetAnotherProxyManager/internal/forwarder"
	"github.com/coman3/YetAnotherProxyManager/internal/geo"
	"github.com/coman3/YetAnotherProxyManager/internal/hub"
	"github.com/coman3/YetAnotherProxyManager/internal/logger"
	"github.com/coman3/YetAnotherProxyManager/internal/metrics"
	"github.com/coman3/YetAnotherProxyManager/internal/status"
	"github.com/coman3/YetAnotherProxyManager/internal/store"
)

type Agent struct {
	cfg       *config.Config
	store     *store.Store
	tcp       *forwarder.Manager
	udp       *forwarder.Manager
	metrics   *metrics.Metrics
	collector *status.Collector
	evaluator *filter.Evaluator
	hub       *hub.Client

	lastStatus atomic.Pointer[status.Snapshot]
	opsAddr    atomic.Pointer[net.Addr]
	ready      chan struct{}
}

// New loads the routes file and builds every component. Nothing listens
// until Run.
func New(cfg *config.Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := store.Open(cfg.RoutesFile)
	if err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}

	a := &Agent{
		cfg:     cfg,
		store:   st,
		tcp:     forwarder.NewTCPManager(),
		udp:     forwarder.NewUDPManager(),
		metrics: metrics.New(),
		ready:   make(chan struct{}),
	}
	a.collector = status.NewCollector(a.tcp, a.udp)

	lookup := geo.NewCached(st.Geo(), geo.CacheConfig{
		Size:     cfg.GeoCacheSize,
		TTL:      cfg.GeoCacheTTL,
		Rate:     cfg.GeoRatePerSecond,
		Burst:    cfg.GeoBurst,
		Negative: true,
	})
	a.evaluator = filter.NewEvaluator(lookup)

	if cfg.HubURL != "" {
		a.hub, err = hub.NewClient(hub.Config{
			URL:      cfg.HubURL,
			Token:    cfg.HubToken,
			OnChange: a.reload,
		})
		if err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Store returns the route store.
func (a *Agent) Store() *store.Store { return a.store }

// Ready is closed once the ops server is listening.
func (a *Agent) Ready() <-chan struct{} { return a.ready }

// OpsAddr returns the address of the ops server, or nil before it listens.
func (a *Agent) OpsAddr() net.Addr {
	if p := a.opsAddr.Load(); p != nil {
		return *p
	}
	return nil
}

// Run starts all components and blocks until ctx is cancelled or one of them
// fails. Every forwarder is stopped before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.OpsAddr)
	if err != nil {
		return fmt.Errorf("listen ops on %s: %w", a.cfg.OpsAddr, err)
	}
	addr := ln.Addr()
	a.opsAddr.Store(&addr)
	close(a.ready)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.tcp.Run(ctx, a.store) })
	g.Go(func() error { return a.udp.Run(ctx, a.store) })
	g.Go(func() error { return a.serveOps(ctx, ln) })
	g.Go(func() error {
		a.trafficLoop(ctx)
		return nil
	})
	g.Go(func() error {
		a.statusLoop(ctx)
		return nil
	})
	if a.cfg.ReloadInterval > 0 {
		g.Go(func() error {
			a.reloadLoop(ctx)
			return nil
		})
	}
	if a.hub != nil {
		g.Go(func() error { return a.hub.Run(ctx) })
	}

	logger.Info("agent started", "ops_addr", addr.String(), "routes", len(a.store.Routes()))
	err = g.Wait()
	a.reportTraffic()
	logger.Info("agent stopped")
	return err
}

// reload re-reads the routes file. A bad file is logged and the running
// configuration is kept.
func (a *Agent) reload() {
	if err := a.store.Reload(); err != nil {
		logger.Error("reload routes failed", "error", err)
	}
}

// reloadLoop is a fallback for change notifications: the hub is the primary
// trigger, but a missed event must not leave the forwarders stale forever.
func (a *Agent) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reload()
		}
	}
}

// AdmissionMiddleware returns the filter middleware for an HTTP route. Denied
// requests are answered with 403 and counted in the metrics.
func (a *Agent) AdmissionMiddleware(routeID string) func(http.Handler) http.Handler {
	return filter.Middleware(a.store, a.evaluator, routeID, a.metrics)
}

func (a *Agent) serveOps(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.opsHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}
