//go:build !linux

package supervise

import (
	"os/exec"
	"strconv"
	"strings"
)

// StartToken returns the start time of pid as reported by ps.
func StartToken(pid int) (string, error) {
	out, err := exec.Command("ps", "-o", "lstart=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
