package cmd

import (
	"fmt"

	"github.com/cisc375/sage/sage"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			sage.Version,
			sage.CommitSHA,
			sage.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
