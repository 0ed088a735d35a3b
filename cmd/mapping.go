package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gorm.io/gorm/clause"

	"conduit/internal/connection"
	"conduit/internal/db"
	"conduit/internal/mapper"
	"conduit/internal/models"
	"conduit/internal/output"
	"conduit/internal/provider"
)

var mappingAutoPages int

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Manage state and priority mappings",
	Long: `Mappings translate provider state/priority vocabulary into local
values. A job pauses before transforming when it encounters values with
no mapping; resolve them here and re-run the job.`,
}

var mappingShowCmd = &cobra.Command{
	Use:   "show <connection-id> <project-id>",
	Short: "Show mappings for a connection and project",
	Args:  cobra.ExactArgs(2),
	RunE:  runMappingShow,
}

var mappingSetCmd = &cobra.Command{
	Use:   "set <connection-id> <project-id> <kind> <external>=<local>",
	Short: "Set one mapping",
	Long: `Set one mapping. Kind is state, priority, or user.

Examples:
  conduit mapping set <conn> <proj> state "In Review"=<state-id>
  conduit mapping set <conn> <proj> priority P1=high
  conduit mapping set <conn> <proj> user octocat=<user-id>`,
	Args: cobra.ExactArgs(4),
	RunE: runMappingSet,
}

var mappingAutoCmd = &cobra.Command{
	Use:   "auto <connection-id> <project-id> <scope>",
	Short: "Propose mappings from a sample of the source",
	Long: `Fetch a sample of entities from the source and auto-map their distinct
state and priority values onto local ones by name and synonym matching.
Values with no confident match are stored unmapped for manual review.`,
	Args: cobra.ExactArgs(3),
	RunE: runMappingAuto,
}

func init() {
	rootCmd.AddCommand(mappingCmd)
	mappingCmd.AddCommand(mappingShowCmd)
	mappingCmd.AddCommand(mappingSetCmd)
	mappingCmd.AddCommand(mappingAutoCmd)
	mappingAutoCmd.Flags().IntVar(&mappingAutoPages, "pages", 3, "Source pages to sample")
}

func runMappingShow(cmd *cobra.Command, args []string) error {
	connectionID, projectID := args[0], args[1]

	states, err := db.GetStateMappings(connectionID, projectID)
	if err != nil {
		return err
	}
	priorities, err := db.GetPriorityMappings(connectionID, projectID)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"states": states, "priorities": priorities})
		return nil
	}

	f := output.New(false)
	f.Section("State mappings")
	if len(states) == 0 {
		f.Info("  (none)")
	}
	for _, m := range states {
		printMappingRow(m.ExternalValue, m.LocalStateID, m.AutoMapped)
	}
	f.Section("Priority mappings")
	if len(priorities) == 0 {
		f.Info("  (none)")
	}
	for _, m := range priorities {
		printMappingRow(m.ExternalValue, m.LocalPriority, m.AutoMapped)
	}
	return nil
}

func printMappingRow(external, local string, auto bool) {
	target := local
	if target == "" {
		target = "(unmapped)"
	}
	note := ""
	if auto {
		note = " [auto]"
	}
	fmt.Printf("  %-30s -> %s%s\n", external, target, note)
}

func runMappingSet(cmd *cobra.Command, args []string) error {
	connectionID, projectID, kind, pair := args[0], args[1], args[2], args[3]

	external, local, ok := strings.Cut(pair, "=")
	if !ok || external == "" {
		return fmt.Errorf("mapping must be <external>=<local>, got %q", pair)
	}

	database := db.GetDB()
	switch kind {
	case "state":
		m := models.StateMapping{
			ConnectionID:  connectionID,
			ProjectID:     projectID,
			ExternalValue: external,
			LocalStateID:  local,
		}
		err := database.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connection_id"}, {Name: "project_id"}, {Name: "external_value"}},
			DoUpdates: clause.AssignmentColumns([]string{"local_state_id", "auto_mapped"}),
		}).Create(&m).Error
		if err != nil {
			return err
		}
	case "priority":
		switch local {
		case models.PriorityUrgent, models.PriorityHigh, models.PriorityMedium, models.PriorityLow, models.PriorityNone:
		default:
			return fmt.Errorf("invalid priority: %s", local)
		}
		m := models.PriorityMapping{
			ConnectionID:  connectionID,
			ProjectID:     projectID,
			ExternalValue: external,
			LocalPriority: local,
		}
		err := database.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connection_id"}, {Name: "project_id"}, {Name: "external_value"}},
			DoUpdates: clause.AssignmentColumns([]string{"local_priority", "auto_mapped"}),
		}).Create(&m).Error
		if err != nil {
			return err
		}
	case "user":
		m := models.UserMapping{
			ConnectionID:   connectionID,
			ExternalUserID: external,
			LocalUserID:    local,
		}
		err := database.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connection_id"}, {Name: "external_user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"local_user_id"}),
		}).Create(&m).Error
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid kind: %s (must be state, priority, or user)", kind)
	}

	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"success": true, "kind": kind, "external": external, "local": local})
		return nil
	}
	fmt.Printf("Mapped %s %q -> %q\n", kind, external, local)
	return nil
}

func runMappingAuto(cmd *cobra.Command, args []string) error {
	connectionID, projectID, scope := args[0], args[1], args[2]
	ctx := cmd.Context()

	conn, err := db.GetConnectionByID(connectionID)
	if err != nil {
		return fmt.Errorf("connection not found: %s", connectionID)
	}
	adapter, err := provider.New(conn.Provider)
	if err != nil {
		return err
	}
	manager := connection.NewManager()
	handle, err := manager.Handle(ctx, conn, adapter)
	if err != nil {
		return err
	}

	// Sample pages for the distinct vocabulary
	stateSet := map[string]bool{}
	prioritySet := map[string]bool{}
	cursor := ""
	for i := 0; i < mappingAutoPages; i++ {
		page, err := adapter.FetchEntities(ctx, handle, scope, cursor)
		if err != nil {
			return err
		}
		for _, e := range page.Entities {
			if e.State != "" {
				stateSet[e.State] = true
			}
			if e.Priority != "" {
				prioritySet[e.Priority] = true
			}
		}
		if page.Done {
			break
		}
		cursor = page.NextCursor
	}

	locals, err := db.GetProjectStates(projectID)
	if err != nil {
		return err
	}

	states, unmappedStates := mapper.AutoMapStates(sortedSet(stateSet), locals)
	priorities, unmappedPriorities := mapper.AutoMapPriorities(sortedSet(prioritySet))

	database := db.GetDB()
	for external, localID := range states {
		m := models.StateMapping{
			ConnectionID: connectionID, ProjectID: projectID,
			ExternalValue: external, LocalStateID: localID, AutoMapped: true,
		}
		if err := database.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connection_id"}, {Name: "project_id"}, {Name: "external_value"}},
			DoNothing: true,
		}).Create(&m).Error; err != nil {
			return err
		}
	}
	for _, external := range unmappedStates {
		m := models.StateMapping{
			ConnectionID: connectionID, ProjectID: projectID,
			ExternalValue: external, AutoMapped: true,
		}
		if err := database.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connection_id"}, {Name: "project_id"}, {Name: "external_value"}},
			DoNothing: true,
		}).Create(&m).Error; err != nil {
			return err
		}
	}
	for external, local := range priorities {
		m := models.PriorityMapping{
			ConnectionID: connectionID, ProjectID: projectID,
			ExternalValue: external, LocalPriority: local, AutoMapped: true,
		}
		if err := database.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connection_id"}, {Name: "project_id"}, {Name: "external_value"}},
			DoNothing: true,
		}).Create(&m).Error; err != nil {
			return err
		}
	}
	for _, external := range unmappedPriorities {
		m := models.PriorityMapping{
			ConnectionID: connectionID, ProjectID: projectID,
			ExternalValue: external, AutoMapped: true,
		}
		if err := database.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "connection_id"}, {Name: "project_id"}, {Name: "external_value"}},
			DoNothing: true,
		}).Create(&m).Error; err != nil {
			return err
		}
	}

	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{
			"success":             true,
			"states_mapped":       len(states),
			"states_unmapped":     unmappedStates,
			"priorities_mapped":   len(priorities),
			"priorities_unmapped": unmappedPriorities,
		})
		return nil
	}
	fmt.Printf("Mapped %d state value(s), %d priority value(s)\n", len(states), len(priorities))
	if len(unmappedStates) > 0 {
		fmt.Printf("Unmapped states: %s\n", strings.Join(unmappedStates, ", "))
	}
	if len(unmappedPriorities) > 0 {
		fmt.Printf("Unmapped priorities: %s\n", strings.Join(unmappedPriorities, ", "))
	}
	return nil
}

func sortedSet(set map[string]bool) []string {
	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}
