package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// PR/MR lifecycle event constants, the keys of a SyncRule's lifecycle map
const (
	LifecycleDraftOpened     = "draft_opened"
	LifecycleOpened          = "opened"
	LifecycleReviewRequested = "review_requested"
	LifecycleReadyForMerge   = "ready_for_merge"
	LifecycleMerged          = "merged"
	LifecycleClosed          = "closed"
)

// LifecycleMap maps PR/MR lifecycle events to local state ids, stored as
// JSON. An event with no entry is a no-op during sync.
type LifecycleMap map[string]string

// Scan implements the sql.Scanner interface
func (m *LifecycleMap) Scan(value interface{}) error {
	if value == nil {
		*m = LifecycleMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("LifecycleMap.Scan: unexpected type %T", value)
		}
		bytes = []byte(str)
	}
	if len(bytes) == 0 {
		*m = LifecycleMap{}
		return nil
	}
	if err := json.Unmarshal(bytes, m); err != nil {
		return fmt.Errorf("LifecycleMap.Scan: invalid JSON: %w", err)
	}
	return nil
}

// Value implements the driver.Valuer interface
func (m LifecycleMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// SyncRule configures continuous synchronization for one project over one
// connection after import finishes. Disconnecting the connection marks
// the rule inactive rather than deleting it, so history stays inspectable.
type SyncRule struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	ConnectionID string       `gorm:"size:40;not null;index:idx_rule_conn_project,unique" json:"connection_id"`
	ProjectID    string       `gorm:"size:40;not null;index:idx_rule_conn_project,unique" json:"project_id"`
	Direction    string       `gorm:"size:15;default:inbound" json:"direction"`
	Lifecycle    LifecycleMap `gorm:"type:text" json:"lifecycle,omitempty"`
	Active       bool         `gorm:"default:true;index" json:"active"`
	CreatedAt    time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for SyncRule
func (SyncRule) TableName() string {
	return "sync_rules"
}

// Audit action constants
const (
	AuditConflictResolved = "conflict_resolved"
	AuditEchoDropped      = "echo_dropped"
	AuditInboundApplied   = "inbound_applied"
	AuditOutboundPushed   = "outbound_pushed"
)

// SyncAudit records every sync decision that touched a link, including
// last-writer-wins conflict resolutions. Conflicts are never resolved
// silently.
type SyncAudit struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ConnectionID string    `gorm:"size:40;not null;index" json:"connection_id"`
	ExternalID   string    `gorm:"size:100;index" json:"external_id"`
	WorkItemID   string    `gorm:"size:40;index" json:"work_item_id,omitempty"`
	Action       string    `gorm:"size:30;not null" json:"action"`
	Detail       string    `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for SyncAudit
func (SyncAudit) TableName() string {
	return "sync_audits"
}
