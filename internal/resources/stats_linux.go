//go:build linux

// -------------------------------------------------------------------------------
// Process Stats - Linux Backend (procfs)
// -------------------------------------------------------------------------------

package resources

import "github.com/prometheus/procfs"

// readProcessStats returns the process's cumulative CPU time in seconds and
// resident memory in bytes, read from /proc/self.
func readProcessStats() (cpuTime float64, rss int64, err error) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, 0, err
	}
	return stat.CPUTime(), int64(stat.ResidentMemory()), nil
}
