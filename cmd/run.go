package cmd

import (
	"log"

	"github.com/cisc375/sage/sage"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Sage bot and API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := sage.New(ctx, cfg)
		if err != nil {
			log.Fatalf("error creating sage: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running sage: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
