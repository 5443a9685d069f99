package blockers

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gabelul/autocoder/pkg/models"
)

type Cause string

const (
	CauseCycle      Cause = "cycle"
	CauseDependency Cause = "dependency"
	CauseTransient  Cause = "transient"
	CauseOther      Cause = "other"
)

// transientPatterns name classes of recoverable failures found in last_error.
var transientPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"timeout", regexp.MustCompile(`(?i)\btime[d ]?\s?out\b|deadline exceeded`)},
	{"rate_limit", regexp.MustCompile(`(?i)rate[ _-]?limit|limit reached|too many requests|\b429\b`)},
	{"network", regexp.MustCompile(`(?i)connection (reset|refused|closed)|econnreset|network is unreachable|temporary failure|broken pipe`)},
	{"server_error", regexp.MustCompile(`(?i)\b50[0234]\b|bad gateway|service unavailable|internal server error|overloaded`)},
	{"patch", regexp.MustCompile(`(?i)patch does not apply|did not look like a unified diff|failed to (produce|apply) a patch|trunk moved`)},
}

var (
	digitsRe = regexp.MustCompile(`\d+`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// classify decides the cause of a stuck feature. inCycle holds the
// signature of its cycle when it is part of one; unmet lists dependencies
// that are missing or not DONE.
func classify(f *models.Feature, inCycle string, unmet []int64) (Cause, string, bool) {
	if inCycle != "" {
		return CauseCycle, inCycle, false
	}
	if len(unmet) > 0 {
		return CauseDependency, "on:" + idList(unmet), false
	}
	if f.BlockedReason != nil {
		switch *f.BlockedReason {
		case models.BlockedDependency:
			// Its dependencies have all completed since.
			return CauseDependency, "resolved", true
		case models.BlockedAttemptsExhausted:
			if name := transientClass(f.LastError); name != "" {
				return CauseTransient, name, true
			}
			return CauseTransient, string(models.BlockedAttemptsExhausted), true
		}
	}
	if name := transientClass(f.LastError); name != "" {
		return CauseTransient, name, true
	}
	return CauseOther, otherSignature(f), false
}

func transientClass(lastError *string) string {
	if lastError == nil {
		return ""
	}
	for _, p := range transientPatterns {
		if p.re.MatchString(*lastError) {
			return p.name
		}
	}
	return ""
}

// otherSignature normalises the first line of last_error so that failures
// differing only in numbers group together.
func otherSignature(f *models.Feature) string {
	if f.LastError == nil || strings.TrimSpace(*f.LastError) == "" {
		if f.BlockedReason != nil {
			return string(*f.BlockedReason)
		}
		return "unknown"
	}
	line, _, _ := strings.Cut(strings.TrimSpace(*f.LastError), "\n")
	line = strings.ToLower(line)
	line = digitsRe.ReplaceAllString(line, "#")
	line = spaceRe.ReplaceAllString(line, " ")
	if len(line) > 60 {
		line = line[:60]
	}
	return line
}

func idList(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return strings.Join(parts, ",")
}
