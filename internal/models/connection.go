package models

import (
	"time"
)

// Connection status constants
const (
	ConnectionActive  = "active"
	ConnectionExpired = "expired"
	ConnectionRevoked = "revoked"
)

// Provider identifiers
const (
	ProviderGitHub     = "github"
	ProviderGitLab     = "gitlab"
	ProviderJira       = "jira"
	ProviderAsana      = "asana"
	ProviderLinear     = "linear"
	ProviderClickUp    = "clickup"
	ProviderNotion     = "notion"
	ProviderConfluence = "confluence"
	ProviderCSV        = "csv"
)

// Connection is a workspace's authenticated link to one external provider
// account. The raw secret never lives here; CredentialHandle is the opaque
// keyring reference used to look it up.
type Connection struct {
	ID                string    `gorm:"primaryKey;size:40" json:"id"`
	WorkspaceID       string    `gorm:"size:40;not null;index:idx_workspace_provider" json:"workspace_id"`
	Provider          string    `gorm:"size:20;not null;index:idx_workspace_provider" json:"provider"`
	ExternalAccountID string    `gorm:"size:100;not null;index" json:"external_account_id"`
	CredentialHandle  string    `gorm:"size:100;not null" json:"-"`
	Status            string    `gorm:"size:20;default:active;index" json:"status"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Connection
func (Connection) TableName() string {
	return "connections"
}

// IsActive returns true if the connection can be used for provider calls
func (c *Connection) IsActive() bool {
	return c.Status == ConnectionActive
}
