package main

import (
	"github.com/spf13/cobra"

	"github.com/gabelul/autocoder/internal/blockers"
	"github.com/gabelul/autocoder/internal/db"
	"github.com/gabelul/autocoder/internal/mcp"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the queue tools over MCP on stdio",
		Long: `Serve planning, queue, regression and blocker tools to an MCP client on
stdin/stdout. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(p *project, database *db.DB) error {
				s := mcp.NewServer(database, blockers.New(database, p.log), version)
				return mcp.Serve(s)
			})
		},
	}
}
