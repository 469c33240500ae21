// Package forwarder relays raw TCP and UDP traffic from listen ports to upstream
// targets, and reconciles the running forwarders against the route configuration.
package forwarder

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/coman3/YetAnotherProxyManager/internal/route"
)

// Forwarder is a running listener that relays traffic for one route.
type Forwarder interface {
	Start(ctx context.Context) error
	// Stop releases the listening socket and waits for every connection or session
	// to be torn down. It is safe to call more than once.
	Stop() error
	RouteID() string
	ListenPort() int
	Addr() net.Addr
	Stats() Stats
	Traffic() *TrafficCounter
}

// Stats is a point-in-time snapshot of a forwarder for the reporting layer.
type Stats struct {
	RouteID           string         `json:"route_id"`
	Protocol          route.Protocol `json:"protocol"`
	ListenPort        int            `json:"listen_port"`
	Target            string         `json:"target"`
	ActiveConnections int64          `json:"active_connections"`
	Sessions          int            `json:"sessions"`
	PacketsForwarded  uint64         `json:"packets_forwarded"`
	UploadBytes       int64          `json:"upload_bytes"`
	DownloadBytes     int64          `json:"download_bytes"`
}

// TrafficCounter tracks upload (client to upstream) and download bytes. It keeps
// cumulative totals for snapshots and a resettable delta for periodic reporting.
type TrafficCounter struct {
	uploadBytes   atomic.Int64
	downloadBytes atomic.Int64
	uploadTotal   atomic.Int64
	downloadTotal atomic.Int64
}

// AddUpload adds to upload bytes counter.
func (t *TrafficCounter) AddUpload(n int64) {
	t.uploadBytes.Add(n)
	t.uploadTotal.Add(n)
}

// AddDownload adds to download bytes counter.
func (t *TrafficCounter) AddDownload(n int64) {
	t.downloadBytes.Add(n)
	t.downloadTotal.Add(n)
}

// GetAndReset returns the bytes counted since the previous call.
func (t *TrafficCounter) GetAndReset() (upload, download int64) {
	upload = t.uploadBytes.Swap(0)
	download = t.downloadBytes.Swap(0)
	return
}

// Totals returns the bytes counted since the forwarder started.
func (t *TrafficCounter) Totals() (upload, download int64) {
	return t.uploadTotal.Load(), t.downloadTotal.Load()
}
