package models

import (
	"fmt"
	"time"
)

// Outcome is the result a worker reports when handing a claimed feature back.
type Outcome string

const (
	// OutcomeDone marks the feature DONE.
	OutcomeDone Outcome = "done"
	// OutcomeRetry counts an attempt and schedules the feature again after backoff.
	OutcomeRetry Outcome = "retry"
	// OutcomeBlocked counts an attempt and blocks the feature.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeRequeue returns the feature to PENDING without counting an attempt.
	OutcomeRequeue Outcome = "requeue"
)

func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeDone, OutcomeRetry, OutcomeBlocked, OutcomeRequeue:
		return o, nil
	}
	return "", fmt.Errorf("unknown outcome %q (want done|retry|blocked|requeue)", s)
}

type ReleaseRequest struct {
	FeatureID int64
	// WorkerID restricts the release to the given claimant. Empty releases
	// whoever holds the feature.
	WorkerID string
	Outcome  Outcome
	Notes    string
	// RetryAfter is a lower bound on the backoff delay for OutcomeRetry.
	RetryAfter time.Duration
}

// Requeue schedules a BLOCKED feature back to PENDING.
type Requeue struct {
	FeatureID int64
	NotBefore time.Time
}
