package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"conduit/internal/connection"
	"conduit/internal/db"
	"conduit/internal/models"
	"conduit/internal/output"
	"conduit/internal/provider"
)

var (
	connectToken   string
	connectBaseURL string
	connectFile    string
)

var connectCmd = &cobra.Command{
	Use:   "connect <provider>",
	Short: "Connect an external provider",
	Long: `Connect an external provider to this workspace. The credential is
validated against the provider and stored in the OS keyring; the
database only holds an opaque handle.

Examples:
  conduit connect github --token ghp_xxxx
  conduit connect github --token ghp_xxxx --base-url https://ghe.example.com
  conduit connect csv --file ./backlog.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <connection-id>",
	Short: "Disconnect a provider connection",
	Long: `Disconnect a connection: cancels its in-flight jobs, deactivates its
sync rules, and removes the stored credential. Completed jobs, work
items, and links are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runDisconnect,
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List provider connections",
	RunE:  runConnections,
}

func init() {
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(connectionsCmd)
	connectCmd.Flags().StringVarP(&connectToken, "token", "t", "", "Access token (PAT or OAuth)")
	connectCmd.Flags().StringVar(&connectBaseURL, "base-url", "", "API base URL for self-hosted instances")
	connectCmd.Flags().StringVar(&connectFile, "file", "", "Source file path (csv provider)")
}

func runConnect(cmd *cobra.Command, args []string) error {
	providerName := args[0]
	if !provider.IsRegistered(providerName) {
		return fmt.Errorf("unknown provider: %s (available: %v)", providerName, provider.List())
	}

	workspaceID, err := db.GetConfig(models.ConfigWorkspaceID)
	if err != nil {
		return fmt.Errorf("workspace id missing; re-run 'conduit init': %w", err)
	}

	cred := provider.Credential{
		Token:   connectToken,
		BaseURL: connectBaseURL,
	}
	if connectFile != "" {
		cred.Extra = map[string]string{"path": connectFile}
	}

	manager := connection.NewManager()
	conn, err := manager.Connect(cmd.Context(), workspaceID, providerName, cred)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"success": true, "connection": conn})
		return nil
	}
	fmt.Printf("Connected: %s (%s/%s)\n", conn.ID, conn.Provider, conn.ExternalAccountID)
	return nil
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	manager := connection.NewManager()
	if err := manager.Disconnect(args[0]); err != nil {
		return err
	}
	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"success": true, "connection_id": args[0]})
		return nil
	}
	fmt.Printf("Disconnected: %s\n", args[0])
	return nil
}

func runConnections(cmd *cobra.Command, args []string) error {
	var conns []models.Connection
	if err := db.GetDB().Order("created_at ASC").Find(&conns).Error; err != nil {
		return err
	}

	f := output.New(IsJSONOutput())
	if len(conns) == 0 && !IsJSONOutput() {
		f.Info("No connections. Run 'conduit connect <provider>' to add one.")
		return nil
	}
	f.ConnectionList(conns)
	return nil
}
