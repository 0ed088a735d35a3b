package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"conduit/internal/db"
	"conduit/internal/models"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage engine configuration",
	Long: `Engine configuration lives in the workspace database. Useful keys:

  worker_slots             Concurrent import jobs (default 2)
  batch_parallelism        Concurrent batch transforms per job (default 4)
  adapter_timeout_seconds  Per-call provider timeout (default 30)
  listen_addr              Gateway listen address (default :8080)
  webhook_secret_<provider> HMAC secret for webhook verification`,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values",
	RunE:  runConfigList,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configListCmd)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	if err := db.SetConfig(args[0], args[1]); err != nil {
		return err
	}
	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"success": true, "key": args[0]})
		return nil
	}
	fmt.Printf("Set %s\n", args[0])
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	value, err := db.GetConfig(args[0])
	if err != nil {
		return fmt.Errorf("config key not found: %s", args[0])
	}
	if IsJSONOutput() {
		OutputJSON(map[string]string{args[0]: value})
		return nil
	}
	fmt.Println(value)
	return nil
}

func runConfigList(cmd *cobra.Command, args []string) error {
	var configs []models.Config
	if err := db.GetDB().Order("key ASC").Find(&configs).Error; err != nil {
		return err
	}
	if IsJSONOutput() {
		out := map[string]string{}
		for _, c := range configs {
			out[c.Key] = c.Value
		}
		OutputJSON(out)
		return nil
	}
	for _, c := range configs {
		fmt.Printf("%s: %s\n", c.Key, c.Value)
	}
	return nil
}
