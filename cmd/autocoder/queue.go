package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gabelul/autocoder/internal/db"
	"github.com/gabelul/autocoder/pkg/models"
)

func newClaimCmd(opts *rootOptions) *cobra.Command {
	var (
		workerID string
		max      int
	)
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim claimable features for an external worker",
		Long: `Claim up to --max features for --worker. Features are handed out in claim
order: highest priority first, then oldest. A feature is claimable when it is
pending, its retry time has passed, and its dependencies are done.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				features, err := database.ClaimFeatures(cmd.Context(), workerID, max)
				if err != nil {
					return err
				}
				if opts.json {
					return writeJSON(p.out, features)
				}
				if len(features) == 0 {
					fmt.Fprintln(p.out, mutedStyle.Render("Nothing claimable."))
					return nil
				}
				for _, f := range features {
					checkf(p.out, "Claimed #%d %s", f.ID, f.Name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "Claimant identity")
	cmd.Flags().IntVarP(&max, "max", "n", 1, "Maximum number of features")
	cmd.MarkFlagRequired("worker")
	return cmd
}

func newReleaseCmd(opts *rootOptions) *cobra.Command {
	var (
		req     models.ReleaseRequest
		outcome string
	)
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Hand a claimed feature back with an outcome",
		Long: `Release a claimed feature.

Outcomes:
  done      the feature is complete
  retry     a failed attempt; retried after backoff until attempts run out
  blocked   a failure retrying will not fix
  requeue   hand the claim back without spending an attempt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if req.Outcome, err = models.ParseOutcome(outcome); err != nil {
				return err
			}
			req.FeatureID = id
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				changed, err := database.Release(cmd.Context(), req)
				if err != nil {
					return err
				}
				if !changed {
					fmt.Fprintln(p.out, warnStyle.Render(fmt.Sprintf("Feature #%d was not in progress; nothing changed.", id)))
					return nil
				}
				f, err := database.GetFeature(cmd.Context(), id)
				if err != nil {
					return err
				}
				checkf(p.out, "Released #%d as %s, now %s", id, req.Outcome, f.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outcome, "outcome", "o", "", "done, retry, blocked or requeue")
	cmd.Flags().StringVar(&req.WorkerID, "worker", "", "Claimant; the release fails if someone else holds the feature")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "Failure notes, stored as the last error")
	cmd.Flags().DurationVar(&req.RetryAfter, "retry-after", 0, "Minimum backoff before a retry")
	cmd.MarkFlagRequired("outcome")
	return cmd
}

func newRegressionCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regression",
		Short: "Re-test finished features and report regressions",
	}

	next := &cobra.Command{
		Use:   "next",
		Short: "Pick a done feature to re-test, least tested first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				f, err := database.GetForRegression(cmd.Context())
				if err != nil {
					return err
				}
				if opts.json {
					return writeJSON(p.out, f)
				}
				if f == nil {
					fmt.Fprintln(p.out, mutedStyle.Render("No done features to re-test."))
					return nil
				}
				showFeature(p.out, f)
				return nil
			})
		},
	}

	var summary, details string
	report := &cobra.Command{
		Use:   "report <id>",
		Short: "Report that a done feature regressed",
		Long: `Create a regression feature for a done feature. While that regression is
open, further reports refresh it instead of creating another.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				regID, created, err := database.ReportRegression(cmd.Context(), id, summary, details)
				if err != nil {
					return fmt.Errorf("feature %d: %w", id, err)
				}
				if opts.json {
					return writeJSON(p.out, map[string]any{"id": regID, "created": created})
				}
				if created {
					checkf(p.out, "Reported regression #%d of #%d", regID, id)
				} else {
					checkf(p.out, "Refreshed open regression #%d of #%d", regID, id)
				}
				return nil
			})
		},
	}
	report.Flags().StringVar(&summary, "summary", "", "One-line summary")
	report.Flags().StringVar(&details, "details", "", "What failed and how to reproduce it")
	report.MarkFlagRequired("summary")

	cmd.AddCommand(next, report)
	return cmd
}
