package container

import (
	"context"
	"encoding/json"

	"github.com/docker/docker/api/types/container"
	"github.com/termflux/termflux/internal/errs"
)

// Stats returns a one-shot resource snapshot for a workspace container.
func (c *Client) Stats(ctx context.Context, workspaceID string) (Stats, error) {
	name := containerName(workspaceID)

	resp, err := c.cli.ContainerStats(ctx, name, false)
	if err != nil {
		return Stats{}, errs.Backend(err, "stats for %s", name)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, errs.Backend(err, "decode stats for %s", name)
	}

	var rx, tx int64
	for _, n := range raw.Networks {
		rx += int64(n.RxBytes)
		tx += int64(n.TxBytes)
	}

	return Stats{
		CPUPercent: calculateCPUPercent(&raw),
		MemUsed:    int64(raw.MemoryStats.Usage),
		MemLimit:   int64(raw.MemoryStats.Limit),
		NetRx:      rx,
		NetTx:      tx,
	}, nil
}

// calculateCPUPercent computes (containerDelta/systemDelta) * onlineCPUs * 100
// from consecutive cgroup CPU samples.
func calculateCPUPercent(stats *container.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)

	if systemDelta <= 0 || cpuDelta <= 0 {
		return 0
	}

	onlineCPUs := float64(stats.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if onlineCPUs == 0 {
		onlineCPUs = 1
	}

	return (cpuDelta / systemDelta) * onlineCPUs * 100.0
}
