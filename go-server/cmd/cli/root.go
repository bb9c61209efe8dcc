package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiToken  string
)

var rootCmd = &cobra.Command{
	Use:           "connectorctl",
	Short:         "connectorctl manages connectors on a connector orchestrator.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func Execute() error {
	return rootCmd.Execute()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CONNECTOR_SERVER", "http://localhost:8080"), "orchestrator base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("CONNECTOR_TOKEN"), "workspace bearer token")

	rootCmd.AddCommand(createCmd, getCmd, stopCmd, resumeCmd, updateCmd, deleteCmd, syncCmd, migrateCmd)
}
