package db

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"conduit/internal/models"
)

// GetConnectionByID retrieves a connection by its id
func GetConnectionByID(id string) (*models.Connection, error) {
	var conn models.Connection
	if err := GetDB().Where("id = ?", id).First(&conn).Error; err != nil {
		return nil, fmt.Errorf("connection %s not found: %w", id, err)
	}
	return &conn, nil
}

// FindActiveConnections returns the active connections for a
// (workspace, provider) pair.
func FindActiveConnections(workspaceID, provider string) ([]models.Connection, error) {
	var conns []models.Connection
	err := GetDB().
		Where("workspace_id = ? AND provider = ? AND status = ?", workspaceID, provider, models.ConnectionActive).
		Find(&conns).Error
	return conns, err
}

// FindConnectionsByAccount returns connections matching a provider's
// installation/account id, used by the webhook gateway to route events.
func FindConnectionsByAccount(provider, accountID string) ([]models.Connection, error) {
	var conns []models.Connection
	err := GetDB().
		Where("provider = ? AND external_account_id = ?", provider, accountID).
		Find(&conns).Error
	return conns, err
}

// GetJobByID retrieves an import job by its id
func GetJobByID(id string) (*models.ImportJob, error) {
	var job models.ImportJob
	if err := GetDB().Where("id = ?", id).First(&job).Error; err != nil {
		return nil, fmt.Errorf("job %s not found: %w", id, err)
	}
	return &job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status
func ListJobs(status string, limit, offset int) ([]models.ImportJob, error) {
	query := GetDB().Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var jobs []models.ImportJob
	err := query.Find(&jobs).Error
	return jobs, err
}

// GetJobBatches returns a job's batches in sequence order
func GetJobBatches(jobID string) ([]models.Batch, error) {
	var batches []models.Batch
	err := GetDB().Where("job_id = ?", jobID).Order("sequence ASC").Find(&batches).Error
	return batches, err
}

// BatchCounts returns the number of batches per status for a job
func BatchCounts(jobID string) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := GetDB().Model(&models.Batch{}).
		Select("status, count(*) as n").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// GetStateMappings returns state mappings for a (connection, project) pair
func GetStateMappings(connectionID, projectID string) ([]models.StateMapping, error) {
	var mappings []models.StateMapping
	err := GetDB().
		Where("connection_id = ? AND project_id = ?", connectionID, projectID).
		Find(&mappings).Error
	return mappings, err
}

// GetPriorityMappings returns priority mappings for a (connection, project) pair
func GetPriorityMappings(connectionID, projectID string) ([]models.PriorityMapping, error) {
	var mappings []models.PriorityMapping
	err := GetDB().
		Where("connection_id = ? AND project_id = ?", connectionID, projectID).
		Find(&mappings).Error
	return mappings, err
}

// FindLink retrieves the ExternalLink for an external entity, or nil if
// the entity has never been imported or matched.
func FindLink(connectionID, externalID string) (*models.ExternalLink, error) {
	var link models.ExternalLink
	err := GetDB().
		Where("connection_id = ? AND external_id = ?", connectionID, externalID).
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// GetSyncRule returns the sync rule for a (connection, project) pair, or
// nil if none is configured.
func GetSyncRule(connectionID, projectID string) (*models.SyncRule, error) {
	var rule models.SyncRule
	err := GetDB().
		Where("connection_id = ? AND project_id = ?", connectionID, projectID).
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ActiveSyncRules returns the active sync rules for a connection
func ActiveSyncRules(connectionID string) ([]models.SyncRule, error) {
	var rules []models.SyncRule
	err := GetDB().
		Where("connection_id = ? AND active = ?", connectionID, true).
		Find(&rules).Error
	return rules, err
}

// GetProjectStates returns a project's workflow states
func GetProjectStates(projectID string) ([]models.State, error) {
	var states []models.State
	err := GetDB().Where("project_id = ?", projectID).Find(&states).Error
	return states, err
}
