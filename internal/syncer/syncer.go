// Package syncer keeps local work items and external issues/PRs
// synchronized after import. Inbound webhook events and outbound pushes
// for the same external entity are serialized per entity id, and echoes
// of our own pushes are recognized by revision and dropped.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"conduit/internal/connection"
	"conduit/internal/db"
	"conduit/internal/mapper"
	"conduit/internal/models"
	"conduit/internal/provider"
)

// Sentinel errors for event routing
var (
	ErrConnectionNotFound = errors.New("connection not found or inactive")
	ErrNoActiveRule       = errors.New("no active sync rule for connection")
)

// Event is a provider webhook event normalized by the gateway
type Event struct {
	DeliveryID string
	ExternalID string
	Kind       string // issue, pull_request, merge_request
	Action     string // created, updated, closed, deleted
	// Lifecycle carries the PR/MR lifecycle event name for pull/merge
	// request events, empty for plain issues.
	Lifecycle   string
	Title       string
	Description string
	State       string
	Revision    string
	UpdatedAt   time.Time
}

// Action constants for normalized events
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionClosed  = "closed"
	ActionDeleted = "deleted"
)

// Controller applies inbound events and queues outbound pushes per
// SyncRule.
type Controller struct {
	manager *connection.Manager

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per external entity id
}

// New creates a sync controller
func New(manager *connection.Manager) *Controller {
	return &Controller{
		manager: manager,
		locks:   make(map[string]*sync.Mutex),
	}
}

// HandleInbound applies one provider event for a connection. Inbound
// creates make a local work item and link under both directions; events
// whose revision matches our last outbound push are echoes and are
// dropped with an audit record.
func (c *Controller) HandleInbound(ctx context.Context, conn *models.Connection, ev Event) error {
	if !conn.IsActive() {
		return fmt.Errorf("%w: connection %s is %s", ErrConnectionNotFound, conn.ID, conn.Status)
	}

	unlock := c.lockEntity(conn.ID, ev.ExternalID)
	defer unlock()

	link, err := db.FindLink(conn.ID, ev.ExternalID)
	if err != nil {
		return err
	}

	if link == nil {
		if ev.Action != ActionCreated {
			// Update for an entity we never imported; nothing to do
			return nil
		}
		return c.createFromEvent(conn, ev)
	}

	// Echo suppression: our own push coming back
	if link.LastPushedRevision != "" && link.LastPushedRevision == ev.Revision {
		c.audit(conn.ID, ev.ExternalID, link.WorkItemID, models.AuditEchoDropped,
			fmt.Sprintf("revision %s", ev.Revision))
		return nil
	}

	return c.applyUpdate(conn, link, ev)
}

// PushLocal pushes a local work item's state outward for bidirectional
// rules. Unidirectional-inbound rules never push; the call is a no-op.
// The external revision returned by the provider is recorded on the link
// so the echo webhook is recognized.
func (c *Controller) PushLocal(ctx context.Context, conn *models.Connection, workItemID string) error {
	var link models.ExternalLink
	err := db.GetDB().
		Where("connection_id = ? AND work_item_id = ?", conn.ID, workItemID).
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil // never linked; nothing to push
	}
	if err != nil {
		return err
	}

	var item models.WorkItem
	if err := db.GetDB().Where("id = ?", workItemID).First(&item).Error; err != nil {
		return err
	}

	rule, err := db.GetSyncRule(conn.ID, item.ProjectID)
	if err != nil {
		return err
	}
	if rule == nil || !rule.Active || rule.Direction != models.SyncDirectionBidirectional {
		return nil
	}

	unlock := c.lockEntity(conn.ID, link.ExternalID)
	defer unlock()

	external, err := c.reverseState(conn.ID, item.ProjectID, item.StateID)
	if err != nil {
		return err
	}

	adapter, err := provider.New(conn.Provider)
	if err != nil {
		return err
	}
	if !adapter.Capabilities().Push {
		return nil
	}
	handle, err := c.manager.Handle(ctx, conn, adapter)
	if err != nil {
		return err
	}

	ack, err := adapter.PushStateChange(ctx, handle, link.ExternalID, provider.StateChange{State: external})
	if err != nil {
		if provider.KindOf(err) == provider.KindConflict {
			// Concurrent external mutation: last writer wins, and the
			// conflict is recorded, never silently dropped. The inbound
			// event for the external edit supersedes this push.
			c.audit(conn.ID, link.ExternalID, item.ID, models.AuditConflictResolved,
				fmt.Sprintf("outbound push lost to concurrent external edit: %v", err))
			return nil
		}
		return err
	}

	now := time.Now()
	if err := db.GetDB().Model(&link).Updates(map[string]interface{}{
		"last_pushed_revision": ack.Revision,
		"last_synced_at":       now,
	}).Error; err != nil {
		return err
	}
	c.audit(conn.ID, link.ExternalID, item.ID, models.AuditOutboundPushed,
		fmt.Sprintf("state %s, revision %s", external, ack.Revision))
	return nil
}

// PushComment pushes a local comment outward for bidirectional rules
func (c *Controller) PushComment(ctx context.Context, conn *models.Connection, workItemID, body string) error {
	var link models.ExternalLink
	err := db.GetDB().
		Where("connection_id = ? AND work_item_id = ?", conn.ID, workItemID).
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var item models.WorkItem
	if err := db.GetDB().Where("id = ?", workItemID).First(&item).Error; err != nil {
		return err
	}
	rule, err := db.GetSyncRule(conn.ID, item.ProjectID)
	if err != nil {
		return err
	}
	if rule == nil || !rule.Active || rule.Direction != models.SyncDirectionBidirectional {
		return nil
	}

	unlock := c.lockEntity(conn.ID, link.ExternalID)
	defer unlock()

	adapter, err := provider.New(conn.Provider)
	if err != nil {
		return err
	}
	if !adapter.Capabilities().Push {
		return nil
	}
	handle, err := c.manager.Handle(ctx, conn, adapter)
	if err != nil {
		return err
	}

	ack, err := adapter.PushComment(ctx, handle, link.ExternalID, body)
	if err != nil {
		return err
	}
	if err := db.GetDB().Model(&link).Update("last_pushed_revision", ack.Revision).Error; err != nil {
		return err
	}
	c.audit(conn.ID, link.ExternalID, item.ID, models.AuditOutboundPushed, "comment")
	return nil
}

// createFromEvent creates a local work item and link for an inbound
// creation event, targeting the connection's active rule's project.
func (c *Controller) createFromEvent(conn *models.Connection, ev Event) error {
	rule, err := c.activeRule(conn.ID)
	if err != nil {
		return err
	}

	stateID, err := c.resolveState(conn, rule, ev)
	if err != nil {
		return err
	}

	database := db.GetDB()
	return database.Transaction(func(tx *gorm.DB) error {
		item := models.WorkItem{
			ProjectID:   rule.ProjectID,
			Title:       ev.Title,
			Description: ev.Description,
			StateID:     stateID,
			Priority:    models.PriorityNone,
		}
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		link := models.ExternalLink{
			ConnectionID: conn.ID,
			ExternalID:   ev.ExternalID,
			WorkItemID:   item.ID,
			EntityKind:   ev.Kind,
			LastSyncedAt: time.Now(),
		}
		if err := tx.Create(&link).Error; err != nil {
			return err
		}
		c.audit(conn.ID, ev.ExternalID, item.ID, models.AuditInboundApplied, "created from "+ev.Action)
		return nil
	})
}

// applyUpdate applies an inbound update to the linked work item with
// last-writer-wins conflict resolution.
func (c *Controller) applyUpdate(conn *models.Connection, link *models.ExternalLink, ev Event) error {
	var item models.WorkItem
	if err := db.GetDB().Where("id = ?", link.WorkItemID).First(&item).Error; err != nil {
		return err
	}

	rule, err := db.GetSyncRule(conn.ID, item.ProjectID)
	if err != nil {
		return err
	}
	if rule == nil || !rule.Active {
		return fmt.Errorf("%w: project %s", ErrNoActiveRule, item.ProjectID)
	}

	// Conflict: both sides changed since the last sync. Last writer wins,
	// with an audit record either way.
	localChanged := item.UpdatedAt.After(link.LastSyncedAt)
	if localChanged && !ev.UpdatedAt.IsZero() && item.UpdatedAt.After(ev.UpdatedAt) {
		c.audit(conn.ID, ev.ExternalID, item.ID, models.AuditConflictResolved,
			"local edit newer than inbound event; inbound dropped")
		return nil
	}
	if localChanged {
		c.audit(conn.ID, ev.ExternalID, item.ID, models.AuditConflictResolved,
			"inbound event newer than local edit; external wins")
	}

	updates := map[string]interface{}{}
	if ev.Title != "" {
		updates["title"] = ev.Title
	}
	if ev.Description != "" {
		updates["description"] = ev.Description
	}

	stateID, err := c.resolveState(conn, rule, ev)
	if err != nil {
		return err
	}
	if stateID != "" {
		updates["state_id"] = stateID
	}

	database := db.GetDB()
	if len(updates) > 0 {
		if err := database.Model(&item).Updates(updates).Error; err != nil {
			return err
		}
	}
	now := time.Now()
	remote := ev.UpdatedAt
	if remote.IsZero() {
		remote = now
	}
	if err := database.Model(link).Updates(map[string]interface{}{
		"last_synced_at":    now,
		"remote_updated_at": remote,
	}).Error; err != nil {
		return err
	}
	c.audit(conn.ID, ev.ExternalID, item.ID, models.AuditInboundApplied, ev.Action)
	return nil
}

// resolveState picks the local state for an inbound event. PR/MR
// lifecycle events go through the rule's lifecycle map; an event type
// with no configured mapping is a no-op, not an error. Plain issue
// events go through the state mapping tables.
func (c *Controller) resolveState(conn *models.Connection, rule *models.SyncRule, ev Event) (string, error) {
	if ev.Lifecycle != "" {
		return rule.Lifecycle[ev.Lifecycle], nil
	}
	if ev.State == "" {
		return "", nil
	}

	states, err := db.GetStateMappings(conn.ID, rule.ProjectID)
	if err != nil {
		return "", err
	}
	m := mapper.New(states, nil, nil)
	if id, ok := m.MapState(ev.State); ok {
		return id, nil
	}
	// Unmapped webhook state: leave the local state untouched
	log.Printf("sync: unmapped state %q from connection %s; work item state unchanged", ev.State, conn.ID)
	return "", nil
}

// reverseState finds the external value mapped to a local state id
func (c *Controller) reverseState(connectionID, projectID, stateID string) (string, error) {
	var mapping models.StateMapping
	err := db.GetDB().
		Where("connection_id = ? AND project_id = ? AND local_state_id = ?", connectionID, projectID, stateID).
		Order("external_value ASC").
		First(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", provider.NewError(provider.KindConfiguration, "syncer.reverse_state",
			fmt.Sprintf("no external state mapped to local state %s", stateID), nil)
	}
	if err != nil {
		return "", err
	}
	return mapping.ExternalValue, nil
}

// activeRule returns the connection's active rule, first by project id
// for determinism when several are configured.
func (c *Controller) activeRule(connectionID string) (*models.SyncRule, error) {
	var rule models.SyncRule
	err := db.GetDB().
		Where("connection_id = ? AND active = ?", connectionID, true).
		Order("project_id ASC").
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveRule, connectionID)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (c *Controller) audit(connectionID, externalID, workItemID, action, detail string) {
	rec := models.SyncAudit{
		ConnectionID: connectionID,
		ExternalID:   externalID,
		WorkItemID:   workItemID,
		Action:       action,
		Detail:       detail,
	}
	if err := db.GetDB().Create(&rec).Error; err != nil {
		log.Printf("sync: failed to write audit record: %v", err)
	}
}

// lockEntity serializes work on one external entity id
func (c *Controller) lockEntity(connectionID, externalID string) func() {
	key := connectionID + "/" + externalID
	c.mu.Lock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	c.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}
