//go:build linux

package local

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Kernel USER_HZ; fixed at 100 on every supported architecture.
const clockTicks = 100

// readProcMetrics pulls cpu%, resident memory (MB), and uptime seconds for
// pid out of /proc. CPU is averaged over the process lifetime, which is
// what a periodic health sweep wants: a spiky probe would flap the status.
func readProcMetrics(pid int) (cpuPercent float64, rssMB float64, uptimeSeconds int64, err error) {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, 0, err
	}

	// Field 2 (comm) may contain spaces; parse from after the closing paren.
	idx := strings.LastIndexByte(string(stat), ')')
	if idx < 0 {
		return 0, 0, 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(stat[idx+1:]))
	// After comm: field 3 is state, so utime=field 14 -> index 11,
	// stime -> 12, starttime=field 22 -> index 19.
	if len(fields) < 20 {
		return 0, 0, 0, fmt.Errorf("short stat for pid %d", pid)
	}
	utime, _ := strconv.ParseFloat(fields[11], 64)
	stime, _ := strconv.ParseFloat(fields[12], 64)
	starttime, _ := strconv.ParseFloat(fields[19], 64)

	sysUptime, err := systemUptimeSeconds()
	if err != nil {
		return 0, 0, 0, err
	}

	procUptime := sysUptime - starttime/clockTicks
	if procUptime < 1 {
		procUptime = 1
	}
	cpuPercent = (utime + stime) / clockTicks / procUptime * 100

	if rssKB, err := readVmRSSKB(pid); err == nil {
		rssMB = float64(rssKB) / 1024
	}

	return cpuPercent, rssMB, int64(procUptime), nil
}

func systemUptimeSeconds() (float64, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, fmt.Errorf("malformed /proc/uptime")
	}
	return strconv.ParseFloat(fields[0], 64)
}

func readVmRSSKB(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		return strconv.ParseInt(fields[1], 10, 64)
	}
	return 0, fmt.Errorf("no VmRSS for pid %d", pid)
}
