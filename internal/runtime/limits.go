package runtime

import "github.com/p-arndt/werkstatt/internal/errdefs"

// Hard caps. Requests above them are rejected, never clamped.
const (
	MaxMemoryMB = 8192
	MaxCPUCores = 4.0
	MaxDiskMB   = 102400
)

// ValidateLimits runs before any backend call.
func ValidateLimits(l Limits) error {
	switch {
	case l.MemoryLimitMB <= 0:
		return &errdefs.ValidationError{Field: "memoryLimitMB", Value: l.MemoryLimitMB}
	case l.MemoryLimitMB > MaxMemoryMB:
		return &errdefs.ValidationError{Field: "memoryLimitMB", Value: l.MemoryLimitMB, Max: MaxMemoryMB}
	case l.CPUCores <= 0:
		return &errdefs.ValidationError{Field: "cpuCores", Value: l.CPUCores}
	case l.CPUCores > MaxCPUCores:
		return &errdefs.ValidationError{Field: "cpuCores", Value: l.CPUCores, Max: MaxCPUCores}
	case l.DiskLimitMB < 0:
		return &errdefs.ValidationError{Field: "diskLimitMB", Value: l.DiskLimitMB}
	case l.DiskLimitMB > MaxDiskMB:
		return &errdefs.ValidationError{Field: "diskLimitMB", Value: l.DiskLimitMB, Max: MaxDiskMB}
	}
	return nil
}
