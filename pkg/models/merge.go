package models

import "time"

type Verdict string

const (
	VerdictAccept Verdict = "ACCEPT"
	VerdictReject Verdict = "REJECT"
)

type CommandResult struct {
	Name     string        `json:"name"`
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output"`
}

// Passed reports whether the command exited 0 within its timeout.
func (r CommandResult) Passed() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

type ReviewResult struct {
	Engine   string `json:"engine"`
	Approved bool   `json:"approved"`
	Output   string `json:"output"`
}

// MergeRecord is the evaluation artifact produced for every verify-and-merge call.
type MergeRecord struct {
	ID        string  `json:"id"`
	FeatureID int64   `json:"feature_id"`
	WorkerID  string  `json:"worker_id"`
	BaseTip   string  `json:"base_tip"`
	TrunkTip  string  `json:"trunk_tip"`
	MergedTip string  `json:"merged_tip,omitempty"`
	Verdict   Verdict `json:"verdict"`

	// Terminal marks a rejection that cannot pass by retrying.
	Terminal   bool            `json:"terminal"`
	Reason     string          `json:"reason,omitempty"`
	NoTests    bool            `json:"no_tests,omitempty"`
	Commands   []CommandResult `json:"commands,omitempty"`
	Reviews    []ReviewResult  `json:"reviews,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

func (r *MergeRecord) Accepted() bool {
	return r.Verdict == VerdictAccept
}
