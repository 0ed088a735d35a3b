package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"conduit/internal/db"
	"conduit/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine summary",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	database := db.GetDB()

	var connCount, activeConnCount int64
	database.Model(&models.Connection{}).Count(&connCount)
	database.Model(&models.Connection{}).Where("status = ?", models.ConnectionActive).Count(&activeConnCount)

	type statusRow struct {
		Status string
		Count  int64
	}
	var jobRows []statusRow
	database.Model(&models.ImportJob{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&jobRows)

	var itemCount, linkCount, ruleCount int64
	database.Model(&models.WorkItem{}).Count(&itemCount)
	database.Model(&models.ExternalLink{}).Count(&linkCount)
	database.Model(&models.SyncRule{}).Where("active = ?", true).Count(&ruleCount)

	if IsJSONOutput() {
		jobs := map[string]int64{}
		for _, r := range jobRows {
			jobs[r.Status] = r.Count
		}
		OutputJSON(map[string]interface{}{
			"connections":        connCount,
			"active_connections": activeConnCount,
			"jobs":               jobs,
			"work_items":         itemCount,
			"external_links":     linkCount,
			"active_sync_rules":  ruleCount,
		})
		return nil
	}

	fmt.Printf("Connections:  %d (%d active)\n", connCount, activeConnCount)
	fmt.Printf("Work items:   %d (%d linked)\n", itemCount, linkCount)
	fmt.Printf("Sync rules:   %d active\n", ruleCount)
	if len(jobRows) > 0 {
		fmt.Println("\nJobs:")
		for _, r := range jobRows {
			fmt.Printf("  %-22s %d\n", r.Status, r.Count)
		}
	}
	return nil
}
