package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"conduit/internal/db"
	"conduit/internal/models"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize conduit in the current directory",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Force reinitialize")
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	conduitDir := filepath.Join(cwd, db.ConduitDir)
	dbPath := filepath.Join(conduitDir, db.DBFileName)

	// Check if already initialized
	if info, err := os.Stat(conduitDir); err == nil && info.IsDir() {
		if !forceInit {
			return fmt.Errorf("already initialized. Use --force to reinitialize")
		}
		if err := os.RemoveAll(conduitDir); err != nil {
			return fmt.Errorf("failed to remove existing conduit directory: %w", err)
		}
	}

	if err := os.MkdirAll(conduitDir, 0755); err != nil {
		return fmt.Errorf("failed to create conduit directory: %w", err)
	}

	database, err := db.InitDB(dbPath)
	if err != nil {
		return err
	}

	workspaceID := uuid.New().String()
	seed := []models.Config{
		{Key: models.ConfigSchemaVersion, Value: db.SchemaVersion},
		{Key: models.ConfigInitializedAt, Value: time.Now().Format(time.RFC3339)},
		{Key: models.ConfigWorkspaceID, Value: workspaceID},
	}
	for _, c := range seed {
		if err := database.Create(&c).Error; err != nil {
			return fmt.Errorf("failed to save %s: %w", c.Key, err)
		}
	}

	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"success": true, "path": conduitDir, "workspace_id": workspaceID})
		return nil
	}

	fmt.Printf("Conduit initialized in %s/\n", db.ConduitDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  conduit connect github --token <PAT>   Connect a provider")
	fmt.Println("  conduit connections                    List connections")
	return nil
}
