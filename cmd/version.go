package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"flowgate/pkg/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the release identity reported with crashes",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "failed to load config: %v\n", err)
			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), versionLine(cfg))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func versionLine(cfg *config.Config) string {
	version := cfg.Build.AppVersion()
	if version == "" {
		version = "unknown"
	}
	return fmt.Sprintf("flowgate %s (stage %s)", version, cfg.Stage)
}
