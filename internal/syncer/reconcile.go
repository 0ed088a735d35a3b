package syncer

import (
	"context"
	"log"
	"time"

	"conduit/internal/db"
	"conduit/internal/models"
	"conduit/internal/provider"
)

// RunPolling drives periodic reconciliation until the context is done.
// Webhooks can be dropped or never configured; polling catches the
// external edits they would have delivered.
func (c *Controller) RunPolling(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Reconcile(ctx); err != nil {
				log.Printf("sync: reconciliation pass failed: %v", err)
			}
		}
	}
}

// Reconcile re-fetches every imported scope for each active connection
// that has an active sync rule and replays the entities through the same
// inbound path webhook events take. Entities whose revision matches our
// last outbound push are recognized as echoes and dropped there.
func (c *Controller) Reconcile(ctx context.Context) error {
	var conns []models.Connection
	if err := db.GetDB().
		Where("status = ?", models.ConnectionActive).
		Order("id ASC").
		Find(&conns).Error; err != nil {
		return err
	}
	for i := range conns {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.reconcileConnection(ctx, &conns[i]); err != nil {
			log.Printf("sync: reconcile connection %s: %v", conns[i].ID, err)
		}
	}
	return nil
}

func (c *Controller) reconcileConnection(ctx context.Context, conn *models.Connection) error {
	rules, err := db.ActiveSyncRules(conn.ID)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}

	// Poll the scopes previous imports established; there is nothing to
	// reconcile in a scope we never pulled from.
	var scopes []string
	if err := db.GetDB().Model(&models.ImportJob{}).
		Where("connection_id = ?", conn.ID).
		Distinct().
		Order("source_scope ASC").
		Pluck("source_scope", &scopes).Error; err != nil {
		return err
	}
	if len(scopes) == 0 {
		return nil
	}

	adapter, err := provider.New(conn.Provider)
	if err != nil {
		return err
	}
	handle, err := c.manager.Handle(ctx, conn, adapter)
	if err != nil {
		return err
	}

	for _, scope := range scopes {
		if err := c.reconcileScope(ctx, conn, adapter, handle, scope); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) reconcileScope(ctx context.Context, conn *models.Connection, adapter provider.Adapter, handle provider.Handle, scope string) error {
	cursor := ""
	for {
		page, err := adapter.FetchEntities(ctx, handle, scope, cursor)
		if err != nil {
			if provider.KindOf(err) == provider.KindAuth {
				// The cached handle went stale mid-session; drop it so the
				// next pass re-authenticates from the keyring.
				c.manager.Invalidate(conn.ID)
			}
			return err
		}
		for _, entity := range page.Entities {
			if err := c.reconcileEntity(ctx, conn, entity); err != nil {
				log.Printf("sync: reconcile %s on connection %s: %v", entity.ExternalID, conn.ID, err)
			}
		}
		if page.Done {
			return nil
		}
		cursor = page.NextCursor
	}
}

func (c *Controller) reconcileEntity(ctx context.Context, conn *models.Connection, entity provider.RawEntity) error {
	link, err := db.FindLink(conn.ID, entity.ExternalID)
	if err != nil {
		return err
	}
	ev := Event{
		ExternalID:  entity.ExternalID,
		Kind:        entity.Kind,
		Action:      ActionUpdated,
		Title:       entity.Title,
		Description: entity.Description,
		State:       entity.State,
		Revision:    entity.Revision,
		UpdatedAt:   entity.UpdatedAt,
	}
	if link == nil {
		ev.Action = ActionCreated
	}
	return c.HandleInbound(ctx, conn, ev)
}
