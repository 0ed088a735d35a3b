package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"conduit/internal/connection"
	"conduit/internal/db"
	"conduit/internal/models"
	"conduit/internal/provider"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage local projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a local project with a default workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectCreate,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local projects",
	RunE:  runProjectList,
}

var projectStatesCmd = &cobra.Command{
	Use:   "states <project-id>",
	Short: "List a project's workflow states",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectStates,
}

var projectSourcesCmd = &cobra.Command{
	Use:   "sources <connection-id>",
	Short: "List importable source projects for a connection",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectSources,
}

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectStatesCmd)
	projectCmd.AddCommand(projectSourcesCmd)
}

// defaultStates is the workflow a new project starts with, one state per
// group so auto-mapping always has a landing spot.
var defaultStates = []struct {
	Name  string
	Group string
}{
	{"Backlog", models.StateGroupBacklog},
	{"Todo", models.StateGroupUnstarted},
	{"In Progress", models.StateGroupStarted},
	{"Done", models.StateGroupCompleted},
	{"Cancelled", models.StateGroupCancelled},
}

func runProjectCreate(cmd *cobra.Command, args []string) error {
	workspaceID, err := db.GetConfig(models.ConfigWorkspaceID)
	if err != nil {
		return fmt.Errorf("workspace id missing; re-run 'conduit init': %w", err)
	}

	project := models.Project{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        args[0],
	}
	err = db.GetDB().Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&project).Error; err != nil {
			return err
		}
		for _, s := range defaultStates {
			state := models.State{
				ID:        uuid.NewString(),
				ProjectID: project.ID,
				Name:      s.Name,
				Group:     s.Group,
			}
			if err := tx.Create(&state).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"success": true, "project": project})
		return nil
	}
	fmt.Printf("Created project %s (%s)\n", project.Name, project.ID)
	return nil
}

func runProjectList(cmd *cobra.Command, args []string) error {
	var projects []models.Project
	if err := db.GetDB().Order("created_at ASC").Find(&projects).Error; err != nil {
		return err
	}
	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"count": len(projects), "projects": projects})
		return nil
	}
	if len(projects) == 0 {
		fmt.Println("No projects. Run 'conduit project create <name>' to add one.")
		return nil
	}
	for _, p := range projects {
		fmt.Printf("[%s] %s\n", p.ID, p.Name)
	}
	return nil
}

func runProjectStates(cmd *cobra.Command, args []string) error {
	states, err := db.GetProjectStates(args[0])
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"count": len(states), "states": states})
		return nil
	}
	for _, s := range states {
		fmt.Printf("[%s] %-15s (%s)\n", s.ID, s.Name, s.Group)
	}
	return nil
}

func runProjectSources(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	conn, err := db.GetConnectionByID(args[0])
	if err != nil {
		return fmt.Errorf("connection not found: %s", args[0])
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

	var refs []provider.ProjectRef
	cursor := ""
	for {
		page, err := adapter.ListProjects(ctx, handle, cursor)
		if err != nil {
			return err
		}
		refs = append(refs, page.Projects...)
		if page.Done {
			break
		}
		cursor = page.NextCursor
	}

	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"count": len(refs), "projects": refs})
		return nil
	}
	for _, r := range refs {
		fmt.Printf("%-40s %s\n", r.ID, r.Name)
	}
	return nil
}
