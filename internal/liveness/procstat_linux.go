//go:build linux

package liveness

import (
	"os"
	"strconv"
	"strings"
)

// readProcStartTime parses field 22 (starttime, in clock ticks since boot)
// from /proc/<pid>/stat. The comm field is wrapped in parentheses and may
// itself contain spaces/parens, so we locate it by the last ')' rather than
// splitting naively.
func readProcStartTime(pid int) (int64, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, false
	}
	s := string(data)
	close := strings.LastIndexByte(s, ')')
	if close < 0 || close+2 >= len(s) {
		return 0, false
	}
	rest := strings.Fields(s[close+2:])
	// rest[0] is field 3 (state); starttime is field 22, i.e. rest[19].
	const starttimeOffset = 22 - 3
	if len(rest) <= starttimeOffset {
		return 0, false
	}
	ticks, err := strconv.ParseInt(rest[starttimeOffset], 10, 64)
	if err != nil {
		return 0, false
	}
	return ticksToUnixSeconds(ticks), true
}

func ticksToUnixSeconds(ticks int64) int64 {
	const clockTicksPerSec = 100 // USER_HZ on virtually all Linux distros
	bootTime := systemBootTime()
	return bootTime + ticks/clockTicksPerSec
}

func systemBootTime() int64 {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "btime ") {
			fields := strings.Fields(line)
			if len(fields) == 2 {
				if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return v
				}
			}
		}
	}
	return 0
}
