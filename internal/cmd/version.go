package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Print version information",
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, _ []string) error {
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), versionInfo)
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "jobtrail %s (commit %s, built %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
		return err
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	addJSONFlag(versionCmd)
}
