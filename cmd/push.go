package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"conduit/internal/connection"
	"conduit/internal/db"
	"conduit/internal/models"
	"conduit/internal/output"
	"conduit/internal/syncer"
)

var pushCommentBody string

var pushCmd = &cobra.Command{
	Use:   "push <work-item-id>",
	Short: "Push a work item's state to its linked providers",
	Long: `Push a local work item's current state outward through every external
link it has. Only bidirectional, active sync rules push; links under
inbound-only rules are skipped silently.

With --comment, the given body is posted to the external entity as well.`,
	Args: cobra.ExactArgs(1),
	RunE: runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)
	pushCmd.Flags().StringVarP(&pushCommentBody, "comment", "c", "", "Also post this comment to the external entity")
}

func runPush(cmd *cobra.Command, args []string) error {
	workItemID := args[0]

	var links []models.ExternalLink
	if err := db.GetDB().Where("work_item_id = ?", workItemID).Find(&links).Error; err != nil {
		return err
	}
	if len(links) == 0 {
		return fmt.Errorf("work item %s has no external links; import or sync it first", workItemID)
	}

	manager := connection.NewManager()
	ctrl := syncer.New(manager)

	for _, link := range links {
		conn, err := db.GetConnectionByID(link.ConnectionID)
		if err != nil {
			return err
		}
		if pushCommentBody != "" {
			if err := ctrl.PushComment(cmd.Context(), conn, workItemID, pushCommentBody); err != nil {
				return fmt.Errorf("push comment via connection %s: %w", conn.ID, err)
			}
		}
		if err := ctrl.PushLocal(cmd.Context(), conn, workItemID); err != nil {
			return fmt.Errorf("push state via connection %s: %w", conn.ID, err)
		}
	}

	f := output.New(IsJSONOutput())
	f.Success(fmt.Sprintf("Pushed work item %s through %d link(s)", workItemID, len(links)))
	return nil
}
