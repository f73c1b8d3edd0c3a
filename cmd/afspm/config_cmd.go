package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360/afspm/config"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return err
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "env",
		Short: "List the environment variables that override configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), strings.Join(config.EnvVars(), "\n"))
			return err
		},
	})
	return cmd
}
