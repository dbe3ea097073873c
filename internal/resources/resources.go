// -------------------------------------------------------------------------------
// Resource Usage Sampler - Process CPU and Memory
//
// Samples the current process's CPU utilization and resident memory for
// inclusion in sync payloads. CPU percent is derived from the delta in
// cumulative CPU time between samples, so the first interval yields no
// sample (there is no baseline yet).
// -------------------------------------------------------------------------------

package resources

import (
	"sync"
	"time"
)

// Sample is one point-in-time resource usage reading.
type Sample struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  int64   `json:"memory_rss"`
}

// Collector produces resource usage samples for the sync engine.
type Collector struct {
	mu           sync.Mutex
	lastCPUTime  float64
	lastSampleAt time.Time
	first        bool
}

// NewCollector creates a collector with no baseline yet.
func NewCollector() *Collector {
	return &Collector{first: true}
}

// Sample returns the current resource usage, or nil when no baseline exists
// yet or the platform readings are unavailable.
func (c *Collector) Sample() *Sample {
	cpuTime, rss, err := readProcessStats()
	if err != nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.first {
		c.first = false
		c.lastCPUTime = cpuTime
		c.lastSampleAt = now
		return nil
	}

	elapsed := now.Sub(c.lastSampleAt).Seconds()
	var cpuPercent float64
	if elapsed > 0 {
		cpuPercent = (cpuTime - c.lastCPUTime) / elapsed * 100
		if cpuPercent < 0 {
			cpuPercent = 0
		}
	}
	c.lastCPUTime = cpuTime
	c.lastSampleAt = now

	return &Sample{CPUPercent: cpuPercent, MemoryRSS: rss}
}
