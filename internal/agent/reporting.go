package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/coman3/YetAnotherProxyManager/internal/logger"
	"github.com/coman3/YetAnotherProxyManager/internal/status"
)

func (a *Agent) trafficLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.TrafficInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reportTraffic()
		}
	}
}

func (a *Agent) statusLoop(ctx context.Context) {
	a.reportStatus(ctx)

	ticker := time.NewTicker(a.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reportStatus(ctx)
		}
	}
}

// reportStatus collects a status snapshot, keeps it for /status and pushes
// the forwarder gauges.
func (a *Agent) reportStatus(ctx context.Context) *status.Snapshot {
	st, err := a.collector.Collect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("collect status failed", "error", err)
		}
		return nil
	}
	a.lastStatus.Store(st)

	a.metrics.ObserveForwarders(a.tcp.Protocol(), a.tcp.Stats())
	a.metrics.ObserveForwarders(a.udp.Protocol(), a.udp.Stats())

	logger.Debug("status collected",
		"cpu", fmt.Sprintf("%.1f%%", st.Host.CPUPercent),
		"mem", fmt.Sprintf("%.1f%%", st.Host.MemoryPercent),
		"tcp_forwarders", st.Forwarders.Running[a.tcp.Protocol()],
		"udp_forwarders", st.Forwarders.Running[a.udp.Protocol()],
		"active_connections", st.Forwarders.ActiveConnections)
	return st
}

// reportTraffic moves the traffic since the last report into the metrics.
func (a *Agent) reportTraffic() {
	items := append(a.tcp.TrafficDeltas(), a.udp.TrafficDeltas()...)
	if len(items) == 0 {
		return
	}
	a.metrics.RecordTraffic(items)

	var totalUpload, totalDownload int64
	for _, item := range items {
		totalUpload += item.UploadBytes
		totalDownload += item.DownloadBytes
	}
	logger.Info("traffic reported",
		"routes", len(items),
		"upload_bytes", totalUpload,
		"download_bytes", totalDownload)
}
