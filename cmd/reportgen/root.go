package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/reportgen/internal/api"
	"github.com/jackzampolin/reportgen/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	authToken    string
)

var rootCmd = &cobra.Command{
	Use:   "reportgen",
	Short: "Diagnosis report generation service",
	Long: `reportgen turns warehouse metrics into written diagnosis reports.

A request names a period and a scope (module, province, office). The server
expands the scope, loads the detail rows for every section, generates the
sections concurrently with an OpenAI-compatible model, repairs their markup,
stores the result and posts it to the configured callback.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.reportgen/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "reportgen home directory (default: ~/.reportgen)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&authToken, "token", "", "Bearer token for the server API (default: $REPORTGEN_SERVER_AUTH_TOKEN)",
	)

	// Load .env and set client options before any command runs
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		if err := api.SetOutputFormat(outputFormat); err != nil {
			return err
		}
		if authToken == "" {
			authToken = os.Getenv("REPORTGEN_SERVER_AUTH_TOKEN")
		}
		api.SetAuthToken(authToken)
		return nil
	}

	rootCmd.AddCommand(versionCmd)
}
