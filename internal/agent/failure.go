package agent

import (
	"errors"
	"fmt"
	"time"
)

type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureRateLimited FailureKind = "rate_limited"
	FailureAuth        FailureKind = "auth"
	FailureAgentError  FailureKind = "agent_error"
	FailureNoChanges   FailureKind = "no_changes"
)

// Failure is a generation attempt that ended without a usable patch.
type Failure struct {
	Kind   FailureKind
	Reason string
	// RetryAfter is the earliest useful retry, when the agent said so.
	RetryAfter time.Duration
}

func (f *Failure) Error() string {
	if f.Reason == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

// AsFailure unwraps a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
