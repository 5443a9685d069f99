package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gabelul/autocoder/internal/db"
	"github.com/gabelul/autocoder/pkg/models"
)

func newFeatureCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feature",
		Short: "Add, inspect and remove features",
	}
	cmd.AddCommand(
		newFeatureAddCmd(opts),
		newFeatureListCmd(opts),
		newFeatureShowCmd(opts),
		newFeatureDeleteCmd(opts),
		newFeatureEnqueueCmd(opts),
	)
	return cmd
}

func newFeatureAddCmd(opts *rootOptions) *cobra.Command {
	var (
		f         models.Feature
		dependsOn []int64
		staged    bool
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Queue a new feature",
		Example: `  autocoder feature add login -d "Users can log in" -s "open /login" -s "submit the form"
  autocoder feature add logout -d "Users can log out" --depends-on 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			f.DependsOn = dependsOn
			if staged {
				f.Status = models.FeatureStatusStaged
			}
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				if err := database.CreateFeature(cmd.Context(), &f); err != nil {
					return err
				}
				if opts.json {
					return writeJSON(p.out, &f)
				}
				checkf(p.out, "Added feature #%d %s (%s)", f.ID, f.Name, f.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&f.Description, "description", "d", "", "What the feature must do")
	cmd.Flags().StringVarP(&f.Category, "category", "c", "", "Free-form category")
	cmd.Flags().StringArrayVarP(&f.Steps, "step", "s", nil, "Acceptance step (repeatable)")
	cmd.Flags().IntVarP(&f.Priority, "priority", "p", 0, "Higher is claimed first")
	cmd.Flags().Int64SliceVar(&dependsOn, "depends-on", nil, "Ids of prerequisite features")
	cmd.Flags().BoolVar(&staged, "staged", false, "Hold the feature until 'feature enqueue'")
	return cmd
}

func newFeatureListCmd(opts *rootOptions) *cobra.Command {
	var (
		status string
		filter db.ListFilter
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List features in claim order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				s, err := models.ParseFeatureStatus(status)
				if err != nil {
					return err
				}
				filter.Status = &s
			}
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				features, err := database.ListFeatures(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if opts.json {
					return writeJSON(p.out, features)
				}
				return featureTable(p.out, features)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (staged, pending, in_progress, done, blocked)")
	cmd.Flags().StringVarP(&filter.Category, "category", "c", "", "Filter by category")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 0, "Maximum number of features")
	return cmd
}

func featureTable(w io.Writer, features []*models.Feature) error {
	if len(features) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No features."))
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPRIORITY\tATTEMPTS\tDEPENDS ON")
	for _, f := range features {
		deps := make([]string, len(f.DependsOn))
		for i, id := range f.DependsOn {
			deps[i] = "#" + strconv.FormatInt(id, 10)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n", f.ID, f.Name, f.Status, f.Priority, f.Attempts, strings.Join(deps, ","))
	}
	return tw.Flush()
}

func newFeatureShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				f, err := database.GetFeature(cmd.Context(), id)
				if err != nil {
					return err
				}
				if f == nil {
					return fmt.Errorf("feature %d: %w", id, db.ErrNotFound)
				}
				if opts.json {
					return writeJSON(p.out, f)
				}
				showFeature(p.out, f)
				return nil
			})
		},
	}
}

func showFeature(w io.Writer, f *models.Feature) {
	label := func(s string) string { return mutedStyle.Render(fmt.Sprintf("%-12s", s)) }

	fmt.Fprintf(w, "%s %s\n", boldStyle.Render(fmt.Sprintf("#%d", f.ID)), boldStyle.Render(f.Name))
	fmt.Fprintln(w, label("Status")+string(f.Status))
	if f.BlockedReason != nil {
		fmt.Fprintln(w, label("Blocked")+string(*f.BlockedReason))
	}
	if f.Category != "" {
		fmt.Fprintln(w, label("Category")+f.Category)
	}
	fmt.Fprintln(w, label("Priority")+strconv.Itoa(f.Priority))
	fmt.Fprintln(w, label("Attempts")+strconv.Itoa(f.Attempts))
	if f.NextAttemptAt != nil {
		fmt.Fprintln(w, label("Next try")+f.NextAttemptAt.Local().Format("2006-01-02 15:04:05"))
	}
	if f.ClaimedBy != nil {
		fmt.Fprintln(w, label("Claimed by")+*f.ClaimedBy)
	}
	if f.RegressionOfID != nil {
		fmt.Fprintf(w, "%s#%d\n", label("Regresses"), *f.RegressionOfID)
	}
	if len(f.DependsOn) > 0 {
		deps := make([]string, len(f.DependsOn))
		for i, id := range f.DependsOn {
			deps[i] = "#" + strconv.FormatInt(id, 10)
		}
		fmt.Fprintln(w, label("Depends on")+strings.Join(deps, ", "))
	}
	if f.Description != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, f.Description)
	}
	if len(f.Steps) > 0 {
		fmt.Fprintln(w)
		for i, s := range f.Steps {
			fmt.Fprintf(w, "  %d. %s\n", i+1, s)
		}
	}
	if f.LastError != nil && *f.LastError != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, failStyle.Render("Last error:"))
		fmt.Fprintln(w, *f.LastError)
	}
}

func newFeatureDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a feature and its dependency edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				if err := database.DeleteFeature(cmd.Context(), id); err != nil {
					return fmt.Errorf("feature %d: %w", id, err)
				}
				checkf(p.out, "Deleted feature #%d", id)
				return nil
			})
		},
	}
}

func newFeatureEnqueueCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Move staged features to pending in claim order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				n, err := database.EnqueueStaged(cmd.Context(), limit)
				if err != nil {
					return err
				}
				checkf(p.out, "Enqueued %d feature(s)", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number to enqueue (default all)")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid feature id %q", s)
	}
	return id, nil
}
