// Package route defines the proxy route model shared by the store, the forwarders
// and the admission filter.
package route

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Protocol is the kind of traffic a route carries.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
)

// IsValid reports whether p is a known protocol.
func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolHTTP, ProtocolTCP, ProtocolUDP:
		return true
	}
	return false
}

// IsStream reports whether p is forwarded at layer 4.
func (p Protocol) IsStream() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

var (
	ErrInvalidPort     = errors.New("port out of range")
	ErrMissingStream   = errors.New("stream route requires stream configuration")
	ErrMissingUpstream = errors.New("upstream host is required")
)

// StreamConfig describes a layer 4 forwarding target.
type StreamConfig struct {
	ListenPort   int    `yaml:"listen_port" json:"listen_port"`
	UpstreamHost string `yaml:"upstream_host" json:"upstream_host"`
	UpstreamPort int    `yaml:"upstream_port" json:"upstream_port"`

	// Timeout is the connect timeout for TCP and the idle session timeout for UDP.
	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	BufferSize int           `yaml:"buffer_size,omitempty" json:"buffer_size,omitempty"`
}

// Target returns the upstream address in host:port form.
func (c StreamConfig) Target() string {
	return net.JoinHostPort(c.UpstreamHost, strconv.Itoa(c.UpstreamPort))
}

// Validate checks port ranges and required fields.
func (c StreamConfig) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("listen port %d: %w", c.ListenPort, ErrInvalidPort)
	}
	if c.UpstreamPort < 1 || c.UpstreamPort > 65535 {
		return fmt.Errorf("upstream port %d: %w", c.UpstreamPort, ErrInvalidPort)
	}
	if strings.TrimSpace(c.UpstreamHost) == "" {
		return ErrMissingUpstream
	}
	if c.Timeout < 0 {
		return fmt.Errorf("negative timeout %s", c.Timeout)
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("negative buffer size %d", c.BufferSize)
	}
	return nil
}

// Route is one proxied endpoint. HTTP routes are served by the embedded HTTP engine;
// TCP and UDP routes carry a StreamConfig and are served by the forwarders.
type Route struct {
	ID       string        `yaml:"id" json:"id"`
	Name     string        `yaml:"name,omitempty" json:"name,omitempty"`
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Protocol Protocol      `yaml:"protocol" json:"protocol"`
	Domain   string        `yaml:"domain,omitempty" json:"domain,omitempty"`
	Stream   *StreamConfig `yaml:"stream,omitempty" json:"stream,omitempty"`
}

// IsStream reports whether r is a layer 4 route with a stream configuration.
func (r Route) IsStream() bool {
	return r.Protocol.IsStream() && r.Stream != nil
}

// Validate checks the route in isolation. Cross-route conflicts are checked by the store.
func (r Route) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("route id is required")
	}
	if !r.Protocol.IsValid() {
		return fmt.Errorf("route %s: unknown protocol %q", r.ID, r.Protocol)
	}
	if !r.Protocol.IsStream() {
		return nil
	}
	if r.Stream == nil {
		return fmt.Errorf("route %s: %w", r.ID, ErrMissingStream)
	}
	if err := r.Stream.Validate(); err != nil {
		return fmt.Errorf("route %s: %w", r.ID, err)
	}
	return nil
}

// ListenKey identifies the socket a stream route binds.
type ListenKey struct {
	Protocol Protocol
	Port     int
}

// CheckListenConflicts returns an error naming the first pair of enabled stream routes
// that claim the same protocol and listen port.
func CheckListenConflicts(routes []Route) error {
	owners := make(map[ListenKey]string)
	for _, r := range routes {
		if !r.Enabled || !r.IsStream() {
			continue
		}
		key := ListenKey{Protocol: r.Protocol, Port: r.Stream.ListenPort}
		if other, ok := owners[key]; ok {
			return fmt.Errorf("routes %s and %s both listen on %s/%d", other, r.ID, key.Protocol, key.Port)
		}
		owners[key] = r.ID
	}
	return nil
}
