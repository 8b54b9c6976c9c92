package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after all overrides",
		Long: `Print the configuration in effect after defaults, the config file,
environment variables and flags have been applied. The application key
secret is never printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return config.RenderEffective(mustCLIContext(cmd.Context()).Cfg, os.Stdout)
		},
	})

	return cmd
}
