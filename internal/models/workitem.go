package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/google/uuid"
)

// Project is a local container for work items, the target of an import
type Project struct {
	ID          string    `gorm:"primaryKey;size:40" json:"id"`
	WorkspaceID string    `gorm:"size:40;not null;index" json:"workspace_id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Project
func (Project) TableName() string {
	return "projects"
}

// State is a per-project workflow state work items move through
type State struct {
	ID        string    `gorm:"primaryKey;size:40" json:"id"`
	ProjectID string    `gorm:"size:40;not null;index" json:"project_id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Group     string    `gorm:"size:20" json:"group"` // backlog, unstarted, started, completed, cancelled
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for State
func (State) TableName() string {
	return "states"
}

// State group constants
const (
	StateGroupBacklog   = "backlog"
	StateGroupUnstarted = "unstarted"
	StateGroupStarted   = "started"
	StateGroupCompleted = "completed"
	StateGroupCancelled = "cancelled"
)

// Priority constants for local work items
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
	PriorityNone   = "none"
)

// WorkItem is a local issue/task, the unit the engine imports into and
// keeps synchronized with external entities.
type WorkItem struct {
	ID          string         `gorm:"primaryKey;size:40" json:"id"`
	ProjectID   string         `gorm:"size:40;not null;index" json:"project_id"`
	Title       string         `gorm:"size:255;not null" json:"title"`
	Description string         `gorm:"type:text" json:"description,omitempty"`
	StateID     string         `gorm:"size:40;not null;index" json:"state_id"`
	Priority    string         `gorm:"size:10;default:none;index" json:"priority"`
	AssigneeID  string         `gorm:"size:40;index" json:"assignee_id,omitempty"`
	Labels      StringSlice    `gorm:"type:text" json:"labels,omitempty"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for WorkItem
func (WorkItem) TableName() string {
	return "work_items"
}

// BeforeCreate hook to generate ID if not set
func (w *WorkItem) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}

// Comment is a discussion entry on a work item, importable from and
// pushable to the external system.
type Comment struct {
	ID         string    `gorm:"primaryKey;size:40" json:"id"`
	WorkItemID string    `gorm:"size:40;not null;index" json:"work_item_id"`
	AuthorID   string    `gorm:"size:40" json:"author_id,omitempty"`
	Body       string    `gorm:"type:text;not null" json:"body"`
	ExternalID string    `gorm:"size:100;index" json:"external_id,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for Comment
func (Comment) TableName() string {
	return "comments"
}

// BeforeCreate hook to generate ID if not set
func (c *Comment) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// StringSlice is a custom type for storing string slices as JSON in the database
type StringSlice []string

// Scan implements the sql.Scanner interface
func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = []string{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("StringSlice.Scan: unexpected type %T", value)
		}
		bytes = []byte(str)
	}
	if len(bytes) == 0 {
		*s = []string{}
		return nil
	}
	if err := json.Unmarshal(bytes, s); err != nil {
		return fmt.Errorf("StringSlice.Scan: invalid JSON: %w", err)
	}
	return nil
}

// Value implements the driver.Valuer interface
func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	bytes, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}
