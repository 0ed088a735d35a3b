package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"conduit/internal/db"
)

var (
	Version    = "0.1.0"
	jsonOutput bool
)

// commandsExemptFromDB lists commands that don't require database initialization
var commandsExemptFromDB = map[string]bool{
	"init":       true,
	"version":    true,
	"help":       true,
	"completion": true,
}

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Conduit - issue and PR synchronization between trackers",
	Long: `Conduit imports issues, pull requests, and comments from external
providers into a local work item store, and keeps them synchronized
afterwards through webhooks.

QUICK START:
  conduit init                          # Initialize in current directory
  conduit connect github                # Connect a provider with a token
  conduit mapping auto <conn> <project> # Propose state/priority mappings
  conduit job create <conn> <project> owner/repo
  conduit job show <id>                 # Watch progress
  conduit serve                         # Webhook gateway + workers

PROVIDERS: github, csv (read-only file import)

JOB LIFECYCLE: queued > created > initiated > pulling > pulled >
transforming > transformed > pushing > finished. A job that hits
unmapped states pauses at 'pulled'; fix the mappings and re-run.

SYNC RULES:
  conduit rule set <conn> <project> --direction bidirectional
  conduit rule set <conn> <project> --lifecycle merged=<state-id>

JSON OUTPUT: Add --json flag to any command for machine-readable output.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if commandsExemptFromDB[cmd.Name()] {
			return nil
		}
		return db.EnsureInitialized()
	},
}

func Execute() {
	defer db.CloseDB()

	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			OutputJSON(map[string]interface{}{"error": true, "message": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.Version = Version
}

func OutputJSON(data interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	encoder.Encode(data)
}

func IsJSONOutput() bool {
	return jsonOutput
}
