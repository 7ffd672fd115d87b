package docker

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"

	"github.com/p-arndt/werkstatt/internal/runtime"
)

func decodeStats(r io.Reader) (*runtime.ResourceUsage, error) {
	var s container.StatsResponse
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return usageFromStats(&s), nil
}

func usageFromStats(s *container.StatsResponse) *runtime.ResourceUsage {
	u := &runtime.ResourceUsage{}

	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta > 0 && sysDelta > 0 {
		u.CPUPercent = cpuDelta / sysDelta * online * 100
	}

	// Page cache is reclaimable; report what the docker CLI reports.
	// cgroup v2 names it inactive_file, v1 total_inactive_file.
	used := s.MemoryStats.Usage
	if cache, ok := s.MemoryStats.Stats["inactive_file"]; ok && cache < used {
		used -= cache
	} else if cache, ok := s.MemoryStats.Stats["total_inactive_file"]; ok && cache < used {
		used -= cache
	}
	u.MemUsedMB = float64(used) / units.MiB
	u.MemLimitMB = float64(s.MemoryStats.Limit) / units.MiB

	for _, n := range s.Networks {
		u.NetRxMB += float64(n.RxBytes) / units.MiB
		u.NetTxMB += float64(n.TxBytes) / units.MiB
	}
	return u
}
