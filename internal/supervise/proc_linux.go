//go:build linux

package supervise

import (
	"fmt"
	"os"
	"strings"
)

// StartToken returns the kernel start time of pid in clock ticks since boot,
// field 22 of /proc/<pid>/stat. Together with the PID it names a process
// uniquely across PID reuse.
func StartToken(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", err
	}
	// comm (field 2) may contain spaces and parentheses; fields resume after the last ')'.
	s := string(data)
	end := strings.LastIndexByte(s, ')')
	if end < 0 {
		return "", fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[end+1:])
	const startTimeIndex = 22 - 3
	if len(fields) <= startTimeIndex {
		return "", fmt.Errorf("short stat for pid %d", pid)
	}
	return fields[startTimeIndex], nil
}
