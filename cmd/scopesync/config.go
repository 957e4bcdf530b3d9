package main

import (
	"github.com/spf13/cobra"
)

func configCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Load the configuration file, apply defaults and validate the
result, then print it as TOML. Use the output as a starting
scopesync.toml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return cfg.Write(cmd.OutOrStdout())
		},
	}
}
