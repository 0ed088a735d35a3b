package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gorm.io/gorm/clause"

	"conduit/internal/db"
	"conduit/internal/models"
)

var (
	ruleDirection  string
	ruleLifecycle  []string
	ruleDeactivate bool
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage continuous sync rules",
	Long: `A sync rule keeps one project synchronized with its connection after
import. Inbound rules only apply provider events; bidirectional rules
also push local changes back.`,
}

var ruleSetCmd = &cobra.Command{
	Use:   "set <connection-id> <project-id>",
	Short: "Create or update a sync rule",
	Long: `Create or update the sync rule for a connection and project.

The lifecycle map translates PR/MR events into local states. Events
with no entry are ignored.

Examples:
  conduit rule set <conn> <proj> --direction bidirectional
  conduit rule set <conn> <proj> --lifecycle merged=<state-id> --lifecycle closed=<state-id>
  conduit rule set <conn> <proj> --deactivate`,
	Args: cobra.ExactArgs(2),
	RunE: runRuleSet,
}

var ruleListCmd = &cobra.Command{
	Use:   "list <connection-id>",
	Short: "List sync rules for a connection",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleList,
}

func init() {
	rootCmd.AddCommand(ruleCmd)
	ruleCmd.AddCommand(ruleSetCmd)
	ruleCmd.AddCommand(ruleListCmd)
	ruleSetCmd.Flags().StringVarP(&ruleDirection, "direction", "d", "", "Sync direction (inbound/bidirectional)")
	ruleSetCmd.Flags().StringArrayVar(&ruleLifecycle, "lifecycle", nil, "Lifecycle mapping <event>=<state-id> (repeatable)")
	ruleSetCmd.Flags().BoolVar(&ruleDeactivate, "deactivate", false, "Deactivate the rule")
}

var validLifecycleEvents = map[string]bool{
	models.LifecycleDraftOpened:     true,
	models.LifecycleOpened:          true,
	models.LifecycleReviewRequested: true,
	models.LifecycleReadyForMerge:   true,
	models.LifecycleMerged:          true,
	models.LifecycleClosed:          true,
}

func runRuleSet(cmd *cobra.Command, args []string) error {
	connectionID, projectID := args[0], args[1]

	conn, err := db.GetConnectionByID(connectionID)
	if err != nil {
		return fmt.Errorf("connection not found: %s", connectionID)
	}
	if !conn.IsActive() && !ruleDeactivate {
		return fmt.Errorf("connection %s is %s; reconnect before configuring sync", conn.ID, conn.Status)
	}

	if ruleDirection != "" &&
		ruleDirection != models.SyncDirectionInbound &&
		ruleDirection != models.SyncDirectionBidirectional {
		return fmt.Errorf("invalid direction: %s (must be %s or %s)",
			ruleDirection, models.SyncDirectionInbound, models.SyncDirectionBidirectional)
	}

	lifecycle := models.LifecycleMap{}
	for _, pair := range ruleLifecycle {
		event, stateID, ok := strings.Cut(pair, "=")
		if !ok || stateID == "" {
			return fmt.Errorf("lifecycle mapping must be <event>=<state-id>, got %q", pair)
		}
		if !validLifecycleEvents[event] {
			return fmt.Errorf("invalid lifecycle event: %s", event)
		}
		lifecycle[event] = stateID
	}

	existing, err := db.GetSyncRule(connectionID, projectID)
	if err != nil {
		return err
	}

	rule := models.SyncRule{
		ConnectionID: connectionID,
		ProjectID:    projectID,
		Direction:    models.SyncDirectionInbound,
		Active:       !ruleDeactivate,
	}
	if existing != nil {
		rule = *existing
		rule.Active = !ruleDeactivate
	}
	if ruleDirection != "" {
		rule.Direction = ruleDirection
	}
	if len(lifecycle) > 0 {
		rule.Lifecycle = lifecycle
	}

	err = db.GetDB().Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}, {Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"direction", "lifecycle", "active"}),
	}).Create(&rule).Error
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"success": true, "rule": rule})
		return nil
	}
	state := "active"
	if !rule.Active {
		state = "inactive"
	}
	fmt.Printf("Rule for %s/%s: %s, %s\n", connectionID, projectID, rule.Direction, state)
	return nil
}

func runRuleList(cmd *cobra.Command, args []string) error {
	var rules []models.SyncRule
	if err := db.GetDB().Where("connection_id = ?", args[0]).Order("project_id ASC").Find(&rules).Error; err != nil {
		return err
	}

	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"count": len(rules), "rules": rules})
		return nil
	}
	if len(rules) == 0 {
		fmt.Println("No rules.")
		return nil
	}
	for _, r := range rules {
		state := "active"
		if !r.Active {
			state = "inactive"
		}
		fmt.Printf("[%s] %s - %s (%d lifecycle mapping(s))\n", r.ProjectID, r.Direction, state, len(r.Lifecycle))
	}
	return nil
}
