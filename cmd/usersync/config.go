package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/usersync/internal/config"
	"github.com/mschirtzinger/usersync/internal/ui"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage usersync configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with every default",
		Long: `Write a TOML config file holding every setting at its default value.

The default path is usersync.toml in the current directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "usersync.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.PassLine("Wrote "+path))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		Long: `Print every setting after defaults, the config file, USERSYNC_*
environment variables and flags have been applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if used := opts.v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(out, "# %s\n", used)
			}
			return writeYAML(out, config.Settings(opts.v))
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
