package status

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"github.com/coman3/YetAnotherProxyManager/internal/forwarder"
	"github.com/coman3/YetAnotherProxyManager/internal/route"
)

// Host is the resource usage of the machine.
type Host struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	MemoryUsed     uint64  `json:"memory_used"`
	MemoryTotal    uint64  `json:"memory_total"`
	DiskPercent    float64 `json:"disk_percent"`
	DiskUsed       uint64  `json:"disk_used"`
	DiskTotal      uint64  `json:"disk_total"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
	TCPConnections int     `json:"tcp_connections"`
	UDPConnections int     `json:"udp_connections"`
}

// Forwarders summarizes the running forwarders.
type Forwarders struct {
	Running                 map[route.Protocol]int `json:"running"`
	ActiveConnections       int64                  `json:"active_connections"`
	ActiveConnectionsByPort map[int]int64          `json:"active_connections_by_port"`
	PacketsForwarded        uint64                 `json:"packets_forwarded"`
	Sessions                int                    `json:"sessions"`
	Stats                   []forwarder.Stats      `json:"stats"`
}

// Snapshot is the status reported by the agent.
type Snapshot struct {
	CollectedAt   time.Time  `json:"collected_at"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Host          Host       `json:"host"`
	Forwarders    Forwarders `json:"forwarders"`
}

// Source is a set of forwarders of one protocol.
type Source interface {
	Protocol() route.Protocol
	Stats() []forwarder.Stats
}

// Collector collects system status information.
type Collector struct {
	startTime time.Time
	diskPath  string
	sources   []Source
}

// NewCollector creates a new status collector over the given forwarder sources.
func NewCollector(sources ...Source) *Collector {
	return &Collector{
		startTime: time.Now(),
		diskPath:  "/",
		sources:   sources,
	}
}

// Collect gathers current system status. Host metrics that cannot be read
// are left zero.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		CollectedAt:   time.Now(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Host:          c.collectHost(ctx),
		Forwarders:    c.collectForwarders(),
	}
	return snap, ctx.Err()
}

func (c *Collector) collectForwarders() Forwarders {
	f := Forwarders{
		Running:                 make(map[route.Protocol]int),
		ActiveConnectionsByPort: make(map[int]int64),
		Stats:                   []forwarder.Stats{},
	}
	for _, src := range c.sources {
		stats := src.Stats()
		f.Running[src.Protocol()] += len(stats)
		for _, s := range stats {
			f.ActiveConnections += s.ActiveConnections
			if src.Protocol() == route.ProtocolTCP {
				f.ActiveConnectionsByPort[s.ListenPort] += s.ActiveConnections
			}
			f.PacketsForwarded += s.PacketsForwarded
			f.Sessions += s.Sessions
		}
		f.Stats = append(f.Stats, stats...)
	}
	return f
}

func (c *Collector) collectHost(ctx context.Context) Host {
	var h Host

	// CPU usage
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(cpuPercent) > 0 {
		h.CPUPercent = cpuPercent[0]
	}

	// Memory usage
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		h.MemoryPercent = memInfo.UsedPercent
		h.MemoryUsed = memInfo.Used
		h.MemoryTotal = memInfo.Total
	}

	diskInfo, err := disk.UsageWithContext(ctx, c.diskPath)
	if err == nil {
		h.DiskPercent = diskInfo.UsedPercent
		h.DiskUsed = diskInfo.Used
		h.DiskTotal = diskInfo.Total
	}

	bootTime, err := host.BootTimeWithContext(ctx)
	if err == nil {
		h.UptimeSeconds = time.Now().Unix() - int64(bootTime)
	}

	conns, err := net.ConnectionsWithContext(ctx, "all")
	if err == nil {
		for _, conn := range conns {
			switch conn.Type {
			case 1: // SOCK_STREAM (TCP)
				h.TCPConnections++
			case 2: // SOCK_DGRAM (UDP)
				h.UDPConnections++
			}
		}
	}

	return h
}
