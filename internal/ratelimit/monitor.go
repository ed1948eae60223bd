package ratelimit

import "runtime"

const defaultHeapSoftLimit = 512 << 20

// Monitor sizes persistence batches against live heap usage so large tenants
// do not balloon the process while small ones still get full batches.
type Monitor struct {
	heapSoftLimit uint64
	readMemStats  func(*runtime.MemStats)
}

func NewMonitor(heapSoftLimit uint64) *Monitor {
	if heapSoftLimit == 0 {
		heapSoftLimit = defaultHeapSoftLimit
	}
	return &Monitor{
		heapSoftLimit: heapSoftLimit,
		readMemStats:  runtime.ReadMemStats,
	}
}

// BatchSize returns a value between min and max scaled by heap pressure:
// max while the heap sits under half the soft limit, min once it reaches the
// limit, linear in between.
func (m *Monitor) BatchSize(min, max int) int {
	if min >= max {
		return min
	}
	var ms runtime.MemStats
	m.readMemStats(&ms)

	limit := float64(m.heapSoftLimit)
	used := float64(ms.HeapAlloc)
	if used <= limit/2 {
		return max
	}
	if used >= limit {
		return min
	}
	frac := (used - limit/2) / (limit / 2)
	size := max - int(frac*float64(max-min))
	if size < min {
		return min
	}
	if size > max {
		return max
	}
	return size
}
