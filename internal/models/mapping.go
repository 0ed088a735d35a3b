package models

import (
	"time"
)

// StateMapping maps one external state value onto a local state for a
// (connection, project) pair. A row with an empty LocalStateID is the
// unmapped bucket: it records the external value so the user can resolve
// it before the job transforms.
type StateMapping struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ConnectionID  string    `gorm:"size:40;not null;index:idx_state_map,unique" json:"connection_id"`
	ProjectID     string    `gorm:"size:40;not null;index:idx_state_map,unique" json:"project_id"`
	ExternalValue string    `gorm:"size:100;not null;index:idx_state_map,unique" json:"external_value"`
	LocalStateID  string    `gorm:"size:40" json:"local_state_id,omitempty"`
	AutoMapped    bool      `gorm:"default:false" json:"auto_mapped"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for StateMapping
func (StateMapping) TableName() string {
	return "state_mappings"
}

// Mapped returns true if the external value resolves to a local state
func (m *StateMapping) Mapped() bool {
	return m.LocalStateID != ""
}

// PriorityMapping maps one external priority value onto a local priority
// for a (connection, project) pair. Empty LocalPriority marks the row
// unmapped.
type PriorityMapping struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ConnectionID  string    `gorm:"size:40;not null;index:idx_priority_map,unique" json:"connection_id"`
	ProjectID     string    `gorm:"size:40;not null;index:idx_priority_map,unique" json:"project_id"`
	ExternalValue string    `gorm:"size:100;not null;index:idx_priority_map,unique" json:"external_value"`
	LocalPriority string    `gorm:"size:10" json:"local_priority,omitempty"`
	AutoMapped    bool      `gorm:"default:false" json:"auto_mapped"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for PriorityMapping
func (PriorityMapping) TableName() string {
	return "priority_mappings"
}

// Mapped returns true if the external value resolves to a local priority
func (m *PriorityMapping) Mapped() bool {
	return m.LocalPriority != ""
}

// UserMapping maps an external user id to a local user id for a connection
type UserMapping struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConnectionID   string    `gorm:"size:40;not null;index:idx_user_map,unique" json:"connection_id"`
	ExternalUserID string    `gorm:"size:100;not null;index:idx_user_map,unique" json:"external_user_id"`
	LocalUserID    string    `gorm:"size:40" json:"local_user_id,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for UserMapping
func (UserMapping) TableName() string {
	return "user_mappings"
}
