package models

import (
	"time"
)

// Job status constants. The pipeline progresses left to right; error is
// reachable from any non-terminal state and cancelled from any state
// before finished.
const (
	JobQueued       = "queued"
	JobCreated      = "created"
	JobInitiated    = "initiated"
	JobPulling      = "pulling"
	JobPulled       = "pulled"
	JobTransforming = "transforming"
	JobTransformed  = "transformed"
	JobPushing      = "pushing"
	JobFinished     = "finished"
	JobError        = "error"
	JobCancelled    = "cancelled"

	// JobFinishedWithErrors marks a partial success: some batches failed
	// but the user did not request all-or-nothing.
	JobFinishedWithErrors = "finished_with_errors"
)

// Batch status constants
const (
	BatchPending     = "pending"
	BatchPulled      = "pulled"
	BatchTransformed = "transformed"
	BatchPushed      = "pushed"
	BatchFailed      = "failed"
)

// User skip policy constants. Applied when an external user has no local
// mapping during import.
const (
	SkipPolicyFail   = "fail"
	SkipPolicyAssign = "assign_importer"
)

// ImportJob is one run of a migration from an external provider into the
// local store. Terminal jobs are retained for audit and re-run; a re-run
// clears the batch set under the same job id.
type ImportJob struct {
	ID             string      `gorm:"primaryKey;size:40" json:"id"`
	ConnectionID   string      `gorm:"size:40;not null;index" json:"connection_id"`
	ProjectID      string      `gorm:"size:40;not null;index" json:"project_id"`
	SourceScope    string      `gorm:"size:200;not null" json:"source_scope"`
	Status         string      `gorm:"size:25;default:queued;index" json:"status"`
	TotalBatches   int         `json:"total_batches"`
	DoneBatches    int         `json:"done_batches"`
	AllOrNothing   bool        `gorm:"default:false" json:"all_or_nothing"`
	SkipUserPolicy string      `gorm:"size:20;default:assign_importer" json:"skip_user_policy"`
	ImportingUser  string      `gorm:"size:40" json:"importing_user,omitempty"`
	ErrorSummary   string      `gorm:"type:text" json:"error_summary,omitempty"`
	Warnings       StringSlice `gorm:"type:text" json:"warnings,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	CreatedAt      time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for ImportJob
func (ImportJob) TableName() string {
	return "import_jobs"
}

// IsTerminal returns true once the job can no longer make progress
func (j *ImportJob) IsTerminal() bool {
	switch j.Status {
	case JobFinished, JobFinishedWithErrors, JobError, JobCancelled:
		return true
	}
	return false
}

// CanCancel reports whether cancellation is still meaningful
func (j *ImportJob) CanCancel() bool {
	return !j.IsTerminal()
}

// Batch is an ordered unit of work within an ImportJob: one page of
// external entities plus the cursor that produced it. Owned exclusively
// by its job.
type Batch struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	JobID    string `gorm:"size:40;not null;index:idx_job_seq,unique" json:"job_id"`
	Sequence int    `gorm:"not null;index:idx_job_seq,unique" json:"sequence"`
	Cursor   string `gorm:"size:200" json:"cursor"`
	// NextCursor is the cursor the following batch starts from; empty on
	// a pulled batch means the source is exhausted.
	NextCursor string    `gorm:"size:200" json:"next_cursor,omitempty"`
	ItemCount  int       `json:"item_count"`
	Status     string    `gorm:"size:20;default:pending;index" json:"status"`
	RawPage    []byte    `gorm:"type:blob" json:"-"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Batch
func (Batch) TableName() string {
	return "batches"
}
