package models

import (
	"time"
)

// Sync direction constants
const (
	SyncDirectionInbound       = "inbound"
	SyncDirectionBidirectional = "bidirectional"
)

// ExternalLink is the durable correlation between one external entity
// (issue/PR/MR) and one local work item, scoped to a Connection. It is
// what makes re-import an upsert instead of a duplicate: unique per
// (connection, external id), at most one per work item per connection.
type ExternalLink struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	ConnectionID    string     `gorm:"size:40;not null;index:idx_link_conn_ext,unique;index:idx_link_conn_item,unique" json:"connection_id"`
	ExternalID      string     `gorm:"size:100;not null;index:idx_link_conn_ext,unique" json:"external_id"`
	WorkItemID      string     `gorm:"size:40;not null;index:idx_link_conn_item,unique" json:"work_item_id"`
	ExternalURL     string     `gorm:"size:500" json:"external_url,omitempty"`
	EntityKind      string     `gorm:"size:20;default:issue" json:"entity_kind"` // issue, pull_request, merge_request
	LastSyncedAt    time.Time  `json:"last_synced_at"`
	RemoteUpdatedAt *time.Time `json:"remote_updated_at,omitempty"`
	// LastPushedRevision is the external revision produced by our most
	// recent outbound push. An inbound event carrying this revision is an
	// echo and must not mutate local state again.
	LastPushedRevision string    `gorm:"size:100" json:"last_pushed_revision,omitempty"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for ExternalLink
func (ExternalLink) TableName() string {
	return "external_links"
}
