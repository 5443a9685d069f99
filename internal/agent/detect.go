package agent

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const maxRateLimitWait = 24 * time.Hour

var resetRe = regexp.MustCompile(`(?i)\bresets(?:\s+at)?\s+(\d+)(?::(\d+))?\s*(am|pm)\s*\(([^)]+)\)`)

// ParseRateLimit reads a "Limit reached ... Resets 5:30pm (America/Los_Angeles)"
// notice from agent output and returns how long to wait until the reset.
// The wait is capped at 24h. ok is false when the output is not a rate limit
// notice; wait is then fallback.
func ParseRateLimit(output string, now time.Time, fallback time.Duration) (wait time.Duration, ok bool) {
	if !strings.Contains(strings.ToLower(output), "limit reached") {
		return fallback, false
	}
	m := resetRe.FindStringSubmatch(output)
	if m == nil {
		return fallback, true
	}

	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch strings.ToLower(m[3]) {
	case "pm":
		if hour != 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return fallback, true
	}

	loc, err := time.LoadLocation(strings.TrimSpace(m[4]))
	if err != nil {
		return fallback, true
	}
	local := now.In(loc)
	target := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !target.After(local) {
		target = target.AddDate(0, 0, 1)
	}

	wait = target.Sub(local)
	if wait < 0 {
		wait = 0
	}
	if wait > maxRateLimitWait {
		wait = maxRateLimitWait
	}
	return wait, true
}

var authPatterns = []string{
	"not logged in",
	"authentication failed",
	"unauthorized",
	"invalid api key",
	"please run claude login",
	"login required",
}

// IsAuthError reports whether agent output says the agent is not
// authenticated. Retrying such a failure cannot succeed until an operator
// logs in.
func IsAuthError(output string) bool {
	s := strings.ToLower(output)
	for _, p := range authPatterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
