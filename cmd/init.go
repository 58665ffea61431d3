package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/cisc375/sage/sage"
	"github.com/spf13/cobra"
)

var faqImportFile string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and optionally import FAQs",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable SAGE_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable SAGE_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		db, err := sage.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		out := cmd.OutOrStdout()

		if faqImportFile != "" {
			data, readErr := os.ReadFile(faqImportFile)
			if readErr != nil {
				log.Fatalf("Error reading FAQ file: %v", readErr)
			}
			var entries []sage.FAQImportEntry
			if err = json.Unmarshal(data, &entries); err != nil {
				log.Fatalf("Error parsing FAQ file: %v", err)
			}
			imported, importErr := sage.ImportFAQs(ctx, db, entries)
			if importErr != nil {
				log.Fatalf("Error importing FAQs: %v", importErr)
			}
			fmt.Fprintf(out, "Imported %d FAQ entries.\n", imported)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(
		&faqImportFile,
		"faqs",
		"",
		"Path to a JSON file of FAQ entries to import",
	)
}
