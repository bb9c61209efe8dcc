package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	createConfig string
	updateConfig string
)

var createCmd = &cobra.Command{
	Use:   "create <provider>",
	Short: "Create a connector and print its webhook secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := parseConfigFlag(createConfig)
		if err != nil {
			return err
		}
		return call(cmd, http.MethodPost, "/connectors/create/"+args[0], map[string]interface{}{"config": cfg})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a connector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callByID(cmd, http.MethodGet, "/connectors/", args[0], nil)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Pause a connector and cancel any running sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callByID(cmd, http.MethodPost, "/connectors/stop/", args[0], nil)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused connector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callByID(cmd, http.MethodPost, "/connectors/resume/", args[0], nil)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Replace a connector's configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := parseConfigFlag(updateConfig)
		if err != nil {
			return err
		}
		return callByID(cmd, http.MethodPost, "/connectors/update/", args[0], map[string]interface{}{"config": cfg})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a connector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callByID(cmd, http.MethodDelete, "/connectors/delete/", args[0], nil)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <id>",
	Short: "Request a manual sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callByID(cmd, http.MethodPost, "/connectors/sync/", args[0], nil)
	},
}

func init() {
	createCmd.Flags().StringVar(&createConfig, "config", "{}", "provider config as a JSON object, including \"token\"")
	updateCmd.Flags().StringVar(&updateConfig, "config", "", "replacement config as a JSON object")
	_ = updateCmd.MarkFlagRequired("config")
}

func parseConfigFlag(raw string) (json.RawMessage, error) {
	if !json.Valid([]byte(raw)) {
		return nil, &exitError{code: 2, err: fmt.Errorf("--config is not valid JSON")}
	}
	return json.RawMessage(raw), nil
}

func callByID(cmd *cobra.Command, method, prefix, rawID string, body interface{}) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("invalid connector id %q", rawID)}
	}
	return call(cmd, method, prefix+id.String(), body)
}

func call(cmd *cobra.Command, method, path string, body interface{}) error {
	client, err := newAPIClient(serverURL, apiToken)
	if err != nil {
		return err
	}
	raw, err := client.do(cmd.Context(), method, path, body)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), raw)
}
