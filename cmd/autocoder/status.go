package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/gabelul/autocoder/internal/db"
	"github.com/gabelul/autocoder/internal/supervise"
	"github.com/gabelul/autocoder/pkg/models"
)

type poolStatus struct {
	Running bool  `json:"running"`
	PID     int   `json:"pid,omitempty"`
	Epoch   int64 `json:"epoch"`
}

type statusReport struct {
	Pool    poolStatus             `json:"pool"`
	Queue   models.QueueStats      `json:"queue"`
	Workers []*models.WorkerRecord `json:"workers"`
	Next    []*models.Feature      `json:"next"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the queue and the running pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				report, err := collectStatus(cmd, p, database)
				if err != nil {
					return err
				}
				if opts.json {
					return writeJSON(p.out, report)
				}
				renderStatus(p.out, report, time.Now())
				return nil
			})
		},
	}
}

func collectStatus(cmd *cobra.Command, p *project, database *db.DB) (*statusReport, error) {
	ctx := cmd.Context()
	report := &statusReport{}

	if p.cfg.Orchestrator.LockPath != "" {
		rec, err := supervise.ReadRunLock(p.cfg.Orchestrator.LockPath)
		switch {
		case err == nil:
			report.Pool.Epoch = rec.Epoch
			if rec.PID != 0 && supervise.Alive(rec.PID, rec.StartToken) {
				report.Pool.Running = true
				report.Pool.PID = rec.PID
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	var err error
	if report.Queue, err = database.Stats(ctx); err != nil {
		return nil, err
	}
	if report.Workers, err = database.ListWorkers(ctx); err != nil {
		return nil, err
	}
	pending := models.FeatureStatusPending
	if report.Next, err = database.ListFeatures(ctx, db.ListFilter{Status: &pending, Limit: 5}); err != nil {
		return nil, err
	}
	return report, nil
}

func renderStatus(w io.Writer, r *statusReport, now time.Time) {
	title := lipgloss.NewStyle().Bold(true).Underline(true)
	label := lipgloss.NewStyle().Width(14)

	fmt.Fprintln(w, title.Render("autocoder status"))
	fmt.Fprintln(w)

	pool := warnStyle.Render("not running")
	if r.Pool.Running {
		pool = okStyle.Render(fmt.Sprintf("running (pid %d)", r.Pool.PID))
	}
	fmt.Fprintln(w, label.Render("Pool")+pool+mutedStyle.Render(fmt.Sprintf("  epoch %d", r.Pool.Epoch)))
	fmt.Fprintln(w)

	q := r.Queue
	rows := []struct {
		name  string
		count int
		style lipgloss.Style
	}{
		{"Staged", q.Staged, mutedStyle},
		{"Pending", q.Pending, accentStyle},
		{"  claimable", q.Claimable, accentStyle},
		{"  waiting", q.Waiting, mutedStyle},
		{"In progress", q.InProgress, warnStyle},
		{"Done", q.Done, okStyle},
		{"Blocked", q.Blocked, failStyle},
	}
	for _, row := range rows {
		fmt.Fprintln(w, label.Render(row.name)+row.style.Render(fmt.Sprintf("%d", row.count)))
	}
	fmt.Fprintln(w, label.Render("Total")+boldStyle.Render(fmt.Sprintf("%d", q.Total())))

	if len(r.Workers) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, boldStyle.Render("Workers"))
		for _, wr := range r.Workers {
			feature := mutedStyle.Render("idle")
			if wr.FeatureID != nil {
				feature = fmt.Sprintf("#%d", *wr.FeatureID)
			}
			age := now.Sub(wr.HeartbeatAt).Truncate(time.Second)
			fmt.Fprintf(w, "  %-12s %-8s %s\n", wr.ID, feature, mutedStyle.Render("heartbeat "+age.String()+" ago"))
		}
	}

	if len(r.Next) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, boldStyle.Render("Next up"))
		for _, f := range r.Next {
			var notes []string
			if f.Priority != 0 {
				notes = append(notes, fmt.Sprintf("priority %d", f.Priority))
			}
			if f.NextAttemptAt != nil && f.NextAttemptAt.After(now) {
				notes = append(notes, "retry in "+f.NextAttemptAt.Sub(now).Truncate(time.Second).String())
			}
			line := fmt.Sprintf("  #%-4d %s", f.ID, f.Name)
			if len(notes) > 0 {
				line += " " + mutedStyle.Render("("+strings.Join(notes, ", ")+")")
			}
			fmt.Fprintln(w, line)
		}
	}
}
