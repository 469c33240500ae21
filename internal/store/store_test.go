package store

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coman3/YetAnotherProxyManager/internal/filter"
	"github.com/coman3/YetAnotherProxyManager/internal/route"
)

const routesYAML = `
routes:
  - id: web
    protocol: http
    enabled: true
    domain: example.com
  - id: ssh
    name: ssh bastion
    protocol: tcp
    enabled: true
    stream:
      listen_port: 2222
      upstream_host: 10.0.0.5
      upstream_port: 22
      timeout: 5s
  - id: dns
    protocol: udp
    enabled: true
    stream:
      listen_port: 5353
      upstream_host: 10.0.0.53
      upstream_port: 53
  - id: old
    protocol: tcp
    enabled: false
    stream:
      listen_port: 2222
      upstream_host: 10.0.0.6
      upstream_port: 22
filters:
  - route_id: web
    enabled: true
    default_action: deny
    groups:
      - name: office
        priority: 10
        operator: or
        action: allow
        enabled: true
        rules:
          - type: cidr
            cidr:
              block: 192.168.0.0/16
geo:
  - cidr: 81.2.69.0/24
    country_code: GB
    continent_code: EU
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func tcpRoute(id string, port int) route.Route {
	return route.Route{
		ID:       id,
		Enabled:  true,
		Protocol: route.ProtocolTCP,
		Stream:   &route.StreamConfig{ListenPort: port, UpstreamHost: "10.0.0.1", UpstreamPort: 80},
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(writeFile(t, routesYAML))
	require.NoError(t, err)

	require.Len(t, s.Routes(), 4)

	tcp := s.EnabledRoutesByProtocol(route.ProtocolTCP)
	require.Len(t, tcp, 1)
	require.Equal(t, "ssh", tcp[0].ID)
	require.Equal(t, 5*time.Second, tcp[0].Stream.Timeout)
	require.Equal(t, "10.0.0.5:22", tcp[0].Stream.Target())

	udp := s.EnabledRoutesByProtocol(route.ProtocolUDP)
	require.Len(t, udp, 1)
	require.Equal(t, 5353, udp[0].Stream.ListenPort)

	cfg, err := s.FilterConfiguration("web")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, filter.ActionDeny, cfg.DefaultAction)
	require.Len(t, cfg.Groups, 1)

	cfg, err = s.FilterConfiguration("ssh")
	require.NoError(t, err)
	require.Nil(t, cfg)

	loc, err := s.Geo().Lookup(context.Background(), net.ParseIP("81.2.69.160"))
	require.NoError(t, err)
	require.Equal(t, "GB", loc.CountryCode)
}

func TestOpen_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	s, err := Open(path)
	require.NoError(t, err)
	require.Empty(t, s.Routes())

	// The first mutation creates the file.
	require.NoError(t, s.SaveRoute(tcpRoute("a", 8001)))
	reopened, err := Open(path)
	require.NoError(t, err)
	require.Len(t, reopened.Routes(), 1)
}

func TestOpen_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed", "routes: [\n"},
		{"unknown field", "routes:\n  - id: a\n    protocol: tcp\n    colour: red\n"},
		{"missing stream", "routes:\n  - id: a\n    protocol: tcp\n    enabled: true\n"},
		{"bad port", "routes:\n  - id: a\n    protocol: udp\n    stream: {listen_port: 0, upstream_host: h, upstream_port: 53}\n"},
		{"duplicate id", "routes:\n  - {id: a, protocol: http}\n  - {id: a, protocol: http}\n"},
		{"port conflict", "routes:\n" +
			"  - {id: a, protocol: tcp, enabled: true, stream: {listen_port: 80, upstream_host: h, upstream_port: 1}}\n" +
			"  - {id: b, protocol: tcp, enabled: true, stream: {listen_port: 80, upstream_host: h, upstream_port: 2}}\n"},
		{"filter for unknown route", "routes: []\nfilters:\n  - {route_id: x, enabled: true}\n"},
		{"invalid filter", "routes:\n  - {id: a, protocol: http}\nfilters:\n  - route_id: a\n    enabled: true\n    groups:\n      - {name: g, operator: xor, action: allow, enabled: true}\n"},
		{"bad geo cidr", "routes: []\ngeo:\n  - {cidr: nonsense, country_code: GB}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(writeFile(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestOpen_SameProtocolPortDifferentProtocols(t *testing.T) {
	content := "routes:\n" +
		"  - {id: a, protocol: tcp, enabled: true, stream: {listen_port: 53, upstream_host: h, upstream_port: 53}}\n" +
		"  - {id: b, protocol: udp, enabled: true, stream: {listen_port: 53, upstream_host: h, upstream_port: 53}}\n"
	s, err := Open(writeFile(t, content))
	require.NoError(t, err)
	require.Len(t, s.Routes(), 2)
}

func TestReload(t *testing.T) {
	path := writeFile(t, routesYAML)
	s, err := Open(path)
	require.NoError(t, err)

	var notified atomic.Int32
	unsubscribe := s.Subscribe(func() { notified.Add(1) })

	require.NoError(t, os.WriteFile(path, []byte("routes:\n  - {id: only, protocol: http, enabled: true}\n"), 0o644))
	require.NoError(t, s.Reload())
	require.Equal(t, int32(1), notified.Load())
	require.Len(t, s.Routes(), 1)
	require.Zero(t, s.Geo().Len())

	// A broken file leaves the store as it was.
	require.NoError(t, os.WriteFile(path, []byte("routes: {"), 0o644))
	require.Error(t, s.Reload())
	require.Len(t, s.Routes(), 1)
	require.Equal(t, int32(1), notified.Load())

	unsubscribe()
	require.NoError(t, os.WriteFile(path, []byte("routes: []\n"), 0o644))
	require.NoError(t, s.Reload())
	require.Equal(t, int32(1), notified.Load())
	require.Empty(t, s.Routes())
}

func TestReload_NoFile(t *testing.T) {
	require.Error(t, New().Reload())
}

func TestMutations(t *testing.T) {
	path := writeFile(t, routesYAML)
	s, err := Open(path)
	require.NoError(t, err)

	var notified atomic.Int32
	s.Subscribe(func() { notified.Add(1) })

	require.NoError(t, s.SaveRoute(tcpRoute("api", 8443)))
	require.Equal(t, int32(1), notified.Load())
	r, err := s.Route("api")
	require.NoError(t, err)
	require.Equal(t, 8443, r.Stream.ListenPort)

	// Conflicts with the enabled ssh route.
	require.Error(t, s.SaveRoute(tcpRoute("clash", 2222)))
	// Replacing a route with itself on the same port is fine.
	require.NoError(t, s.SaveRoute(tcpRoute("api", 8443)))

	// Enabling the old route would clash with ssh.
	require.Error(t, s.SetEnabled("old", true))
	require.NoError(t, s.SetEnabled("ssh", false))
	require.NoError(t, s.SetEnabled("old", true))
	tcp := s.EnabledRoutesByProtocol(route.ProtocolTCP)
	require.Equal(t, []string{"api", "old"}, []string{tcp[0].ID, tcp[1].ID})

	require.NoError(t, s.SaveFilter(filter.Configuration{RouteID: "api", Enabled: true, DefaultAction: filter.ActionAllow}))
	require.ErrorIs(t, s.SaveFilter(filter.Configuration{RouteID: "ghost"}), ErrNotFound)

	require.NoError(t, s.DeleteRoute("api"))
	cfg, err := s.FilterConfiguration("api")
	require.NoError(t, err)
	require.Nil(t, cfg)
	require.ErrorIs(t, s.DeleteRoute("api"), ErrNotFound)
	_, err = s.Route("api")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.SetEnabled("api", true), ErrNotFound)

	// Mutations were written back to the file.
	reopened, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, s.Snapshot(), reopened.Snapshot())
}

func TestReturnedRoutesAreCopies(t *testing.T) {
	s := New()
	require.NoError(t, s.SaveRoute(tcpRoute("a", 8001)))

	r, err := s.Route("a")
	require.NoError(t, err)
	r.Stream.ListenPort = 9999

	again, err := s.Route("a")
	require.NoError(t, err)
	require.Equal(t, 8001, again.Stream.ListenPort)
}

func TestApply(t *testing.T) {
	s := New()
	var notified atomic.Int32
	s.Subscribe(func() { notified.Add(1) })

	err := s.Apply(Snapshot{Routes: []route.Route{tcpRoute("a", 80), tcpRoute("b", 80)}})
	require.Error(t, err)
	require.Zero(t, notified.Load())

	require.NoError(t, s.Apply(Snapshot{Routes: []route.Route{tcpRoute("a", 80), tcpRoute("b", 81)}}))
	require.Equal(t, int32(1), notified.Load())
	require.Len(t, s.EnabledRoutesByProtocol(route.ProtocolTCP), 2)
}
