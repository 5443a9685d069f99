package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gabelul/autocoder/internal/config"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after defaults, file and environment",
		Long: `Print the configuration as layered from the built-in defaults, autocoder.yaml
and AUTOCODER_* environment variables. Values are shown before strict-mode
clamping; the adjustments clamping makes are listed after.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(opts.project)
			if err != nil {
				return err
			}
			out, err := config.Render(filepath.Join(dir, config.FileName))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprint(w, string(out))

			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			for _, note := range cfg.Clamped {
				fmt.Fprintln(w, warnStyle.Render("# strict: "+note))
			}
			return nil
		},
	})
	return cmd
}
