// Package main is the autocoder CLI: it plans features into the work queue,
// runs the worker pool against a project, and inspects what got stuck.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var version = "dev"

// Styles for output
var (
	okStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#86b300",
		Dark:  "#c2d94c",
	})
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#f2ae49",
		Dark:  "#ffb454",
	})
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#f07171",
		Dark:  "#f07178",
	})
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#828c99",
		Dark:  "#6c7680",
	})
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
		Light: "#399ee6",
		Dark:  "#59c2ff",
	})
	boldStyle = lipgloss.NewStyle().Bold(true)
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	project string
	json    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "autocoder",
		Short: "Run coding agents in parallel against a feature queue",
		Long: `autocoder keeps a queue of features in .autocoder/, hands them to coding
agents working in isolated git worktrees, and merges each result into trunk
only after it passes the project's lint, typecheck and test commands.

Examples:
  autocoder init                         # Set up the project
  autocoder feature add login -d "..."   # Queue a feature
  autocoder run --workers 3              # Work the queue
  autocoder blockers summary             # See what got stuck`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.project, "project", "C", ".", "Project directory")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "Output in JSON format")

	root.AddCommand(
		newInitCmd(opts),
		newRunCmd(opts),
		newStatusCmd(opts),
		newFeatureCmd(opts),
		newClaimCmd(opts),
		newReleaseCmd(opts),
		newRegressionCmd(opts),
		newBlockersCmd(opts),
		newSnapshotCmd(opts),
		newMCPCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// execute runs the CLI with args, writing command output to stdout and
// logs and errors to stderr.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func main() {
	if err := execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
