//go:build !linux

// -------------------------------------------------------------------------------
// Process Stats - Fallback Backend
//
// Without procfs there is no portable per-process CPU time reading, so only
// memory is reported (from the Go runtime's view of OS-obtained memory).
// -------------------------------------------------------------------------------

package resources

import "runtime"

func readProcessStats() (cpuTime float64, rss int64, err error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return 0, int64(ms.Sys), nil
}
