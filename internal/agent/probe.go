package agent

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/coman3/YetAnotherProxyManager/internal/logger"
	"github.com/coman3/YetAnotherProxyManager/internal/route"
)

const defaultProbeTimeout = 5 * time.Second

// ProbeResult is the outcome of checking that a route's upstream is reachable.
type ProbeResult struct {
	RouteID   string `json:"route_id"`
	Target    string `json:"target"`
	Protocol  string `json:"protocol"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Probe dials the upstream of a stream route. For UDP only address resolution
// and socket setup can be checked.
func (a *Agent) Probe(ctx context.Context, routeID string, timeout time.Duration) (*ProbeResult, error) {
	r, err := a.store.Route(routeID)
	if err != nil {
		return nil, err
	}
	if !r.IsStream() {
		return nil, fmt.Errorf("route %s is not a stream route", routeID)
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	result := &ProbeResult{
		RouteID:  r.ID,
		Target:   r.Stream.Target(),
		Protocol: string(r.Protocol),
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	network := "tcp"
	if r.Protocol == route.ProtocolUDP {
		network = "udp"
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, result.Target)
	if err != nil {
		result.Error = err.Error()
	} else {
		conn.Close()
		result.Success = true
	}
	result.LatencyMs = time.Since(start).Milliseconds()

	logger.Debug("probe executed",
		"route_id", routeID,
		"target", result.Target,
		"success", result.Success,
		"latency_ms", result.LatencyMs)

	return result, nil
}
