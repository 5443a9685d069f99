package models

import (
	"fmt"
	"strings"
	"time"
)

type FeatureStatus string

const (
	FeatureStatusStaged     FeatureStatus = "STAGED"
	FeatureStatusPending    FeatureStatus = "PENDING"
	FeatureStatusInProgress FeatureStatus = "IN_PROGRESS"
	FeatureStatusDone       FeatureStatus = "DONE"
	FeatureStatusBlocked    FeatureStatus = "BLOCKED"
)

// Valid reports whether s is one of the known statuses.
func (s FeatureStatus) Valid() bool {
	switch s {
	case FeatureStatusStaged, FeatureStatusPending, FeatureStatusInProgress,
		FeatureStatusDone, FeatureStatusBlocked:
		return true
	}
	return false
}

// ParseFeatureStatus accepts a status in any case.
func ParseFeatureStatus(s string) (FeatureStatus, error) {
	status := FeatureStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown status %q (want STAGED|PENDING|IN_PROGRESS|DONE|BLOCKED)", s)
	}
	return status, nil
}

// BlockedReason records why a feature entered BLOCKED.
type BlockedReason string

const (
	BlockedAttemptsExhausted BlockedReason = "attempts_exhausted"
	BlockedTerminal          BlockedReason = "terminal"
	BlockedDependency        BlockedReason = "dependency"
	BlockedCycle             BlockedReason = "cycle"
	BlockedOperator          BlockedReason = "operator"
)

// RegressionCategory is the category given to features created by ReportRegression.
const RegressionCategory = "REGRESSION"

type Feature struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Category        string         `json:"category"`
	Steps           []string       `json:"steps,omitempty"`
	Status          FeatureStatus  `json:"status"`
	Priority        int            `json:"priority"`
	Attempts        int            `json:"attempts"`
	LastError       *string        `json:"last_error"`
	BlockedReason   *BlockedReason `json:"blocked_reason,omitempty"`
	NextAttemptAt   *time.Time     `json:"next_attempt_at"`
	DependsOn       []int64        `json:"depends_on,omitempty"`
	RegressionCount int            `json:"regression_count"`
	RegressionOfID  *int64         `json:"regression_of_id,omitempty"`
	ClaimedBy       *string        `json:"claimed_by"`
	ClaimedAt       *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ClaimableAt reports whether a PENDING feature's backoff gate has elapsed at now.
// Dependencies are not considered.
func (f *Feature) ClaimableAt(now time.Time) bool {
	if f.Status != FeatureStatusPending {
		return false
	}
	return f.NextAttemptAt == nil || !f.NextAttemptAt.After(now)
}

// QueueStats summarizes the queue by status.
// Claimable counts PENDING features whose dependencies are DONE and whose
// backoff has elapsed; Waiting counts those still inside their backoff window.
type QueueStats struct {
	Staged     int `json:"staged"`
	Pending    int `json:"pending"`
	Claimable  int `json:"claimable"`
	Waiting    int `json:"waiting"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Blocked    int `json:"blocked"`
}

// Total returns the number of features across all statuses.
func (s QueueStats) Total() int {
	return s.Staged + s.Pending + s.InProgress + s.Done + s.Blocked
}
