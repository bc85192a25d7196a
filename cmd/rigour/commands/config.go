package commands

import (
	"github.com/spf13/cobra"
)

func newConfigCommand(rt *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Short:   "Inspect the effective configuration",
		GroupID: "core",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration as YAML",
		Long: `Print the configuration after defaults, the config file, legacy
environment variables (SERVICE, PORT, ...), RIGOUR_ variables and flags
have been applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := rt.manager.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	return cmd
}
