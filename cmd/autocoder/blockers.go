package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gabelul/autocoder/internal/blockers"
	"github.com/gabelul/autocoder/internal/db"
)

func newBlockersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blockers",
		Short: "Group stuck features by cause and retry them",
	}

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Show blocked and stalled features grouped by cause",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				s, err := blockers.New(database, p.log).Summarize(cmd.Context())
				if err != nil {
					return err
				}
				if opts.json {
					return writeJSON(p.out, s)
				}
				renderSummary(p.out, s)
				return nil
			})
		},
	}

	var (
		mode string
		req  blockers.RetryRequest
	)
	retry := &cobra.Command{
		Use:   "retry",
		Short: "Return blocked features to the queue, staggered",
		Long: `Return blocked features to pending with their attempts reset.

Modes:
  recommended  only groups whose cause a retry can fix (default)
  all          every blocked feature
  group        the features of --group`,
		Example: `  autocoder blockers retry
  autocoder blockers retry --mode group --group transient:rate_limit --max-immediate 2 --stagger 1m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.Mode, err = blockers.ParseRetryMode(mode); err != nil {
				return err
			}
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				res, err := blockers.New(database, p.log).Retry(cmd.Context(), req)
				if err != nil {
					return err
				}
				if opts.json {
					return writeJSON(p.out, res)
				}
				checkf(p.out, "Requeued %d of %d selected feature(s)", res.Requeued, len(res.Selected))
				for _, e := range res.Schedule {
					if !e.NotBefore.IsZero() {
						fmt.Fprintf(p.out, "  #%-4d %s\n", e.FeatureID, mutedStyle.Render("not before "+e.NotBefore.Local().Format("15:04:05")))
					}
				}
				return nil
			})
		},
	}
	retry.Flags().StringVar(&mode, "mode", "recommended", "recommended, all or group")
	retry.Flags().StringVar(&req.GroupKey, "group", "", "Group key for --mode group")
	retry.Flags().IntVar(&req.MaxImmediate, "max-immediate", 0, "Features released at once before staggering")
	retry.Flags().DurationVar(&req.Stagger, "stagger", 0, "Spacing of the remaining features")

	cmd.AddCommand(summary, retry)
	return cmd
}

func renderSummary(w io.Writer, s *blockers.Summary) {
	fmt.Fprintf(w, "%s blocked, %s stalled, %s worth retrying\n",
		failStyle.Render(fmt.Sprint(s.BlockedTotal)),
		warnStyle.Render(fmt.Sprint(s.StalledTotal)),
		okStyle.Render(fmt.Sprint(s.RecommendedTotal)))

	if len(s.Groups) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("Nothing is stuck."))
		return
	}
	for _, g := range s.Groups {
		fmt.Fprintln(w)
		head := boldStyle.Render(g.Key)
		if g.Recommended {
			head += " " + okStyle.Render("retry recommended")
		}
		fmt.Fprintln(w, head)
		for _, b := range g.Blockers {
			line := fmt.Sprintf("  #%-4d %-30s %s", b.FeatureID, b.Name, mutedStyle.Render(string(b.Status)))
			if b.LastError != "" {
				first, _, _ := strings.Cut(b.LastError, "\n")
				line += "  " + mutedStyle.Render(first)
			}
			fmt.Fprintln(w, line)
		}
	}
}
