package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"conduit/internal/db"
	"conduit/internal/mapper"
	"conduit/internal/models"
	"conduit/internal/provider"
)

// jobRun carries the state of one pipeline execution
type jobRun struct {
	orch    *Orchestrator
	job     *models.ImportJob
	conn    *models.Connection
	adapter provider.Adapter
	handle  provider.Handle
	mapper  *mapper.Mapper
}

// start moves the job through queued to initiated, freezing the mapping
// configuration. This is the last point StateMapping/PriorityMapping
// mutation is allowed.
func (r *jobRun) start() error {
	if err := r.orch.transition(r.job, models.JobQueued, models.JobCreated); err != nil {
		return err
	}
	now := time.Now()
	if err := db.GetDB().Model(r.job).Update("started_at", now).Error; err != nil {
		return err
	}
	return r.orch.transition(r.job, models.JobCreated, models.JobInitiated)
}

// loadMapper snapshots the mapping tables for the job's connection and
// project pair.
func (r *jobRun) loadMapper() error {
	states, err := db.GetStateMappings(r.job.ConnectionID, r.job.ProjectID)
	if err != nil {
		return err
	}
	priorities, err := db.GetPriorityMappings(r.job.ConnectionID, r.job.ProjectID)
	if err != nil {
		return err
	}
	var users []models.UserMapping
	if err := db.GetDB().Where("connection_id = ?", r.job.ConnectionID).Find(&users).Error; err != nil {
		return err
	}
	r.mapper = mapper.New(states, priorities, users).
		WithUserPolicy(r.job.SkipUserPolicy, r.job.ImportingUser)
	return nil
}

// pull enumerates batches from the adapter's cursor stream. Each batch is
// persisted pending before the fetch, so a crash is resumable by
// re-issuing the same cursor. Cancellation is checked between batches.
func (r *jobRun) pull(ctx context.Context) error {
	if r.job.Status == models.JobInitiated {
		if err := r.orch.transition(r.job, models.JobInitiated, models.JobPulling); err != nil {
			return err
		}
	}

	database := db.GetDB()
	cursor := ""
	sequence := 0

	// Resume after a crash: a pending batch holds the cursor to re-issue;
	// a pulled batch with an empty next cursor means the source was
	// already exhausted.
	var pending *models.Batch
	existing, err := db.GetJobBatches(r.job.ID)
	if err != nil {
		return err
	}
	if n := len(existing); n > 0 {
		last := existing[n-1]
		switch {
		case last.Status == models.BatchPending:
			pending = &last
		case last.NextCursor == "":
			return r.orch.transition(r.job, models.JobPulling, models.JobPulled)
		default:
			cursor = last.NextCursor
			sequence = last.Sequence + 1
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var batch models.Batch
		if pending != nil {
			batch = *pending
			pending = nil
		} else {
			batch = models.Batch{
				JobID:    r.job.ID,
				Sequence: sequence,
				Cursor:   cursor,
				Status:   models.BatchPending,
			}
			if err := database.Create(&batch).Error; err != nil {
				return fmt.Errorf("failed to persist batch %d: %w", sequence, err)
			}
			if err := database.Model(r.job).Update("total_batches", gorm.Expr("total_batches + 1")).Error; err != nil {
				return err
			}
			r.job.TotalBatches++
		}

		var page provider.EntityPage
		err := r.orch.retryAdapter(ctx, func(callCtx context.Context) error {
			var fetchErr error
			page, fetchErr = r.adapter.FetchEntities(callCtx, r.handle, r.job.SourceScope, batch.Cursor)
			return fetchErr
		})
		if err != nil {
			r.markBatchFailed(&batch, err)
			return fmt.Errorf("batch %d pull failed: %w", batch.Sequence, err)
		}

		raw, err := provider.EncodePage(page.Entities)
		if err != nil {
			return fmt.Errorf("failed to encode batch %d: %w", batch.Sequence, err)
		}
		next := page.NextCursor
		if page.Done {
			next = ""
		}
		if err := database.Model(&batch).Updates(map[string]interface{}{
			"status":      models.BatchPulled,
			"raw_page":    raw,
			"item_count":  len(page.Entities),
			"next_cursor": next,
		}).Error; err != nil {
			return err
		}

		if page.Done {
			break
		}
		cursor = page.NextCursor
		sequence++
	}

	return r.orch.transition(r.job, models.JobPulling, models.JobPulled)
}

// checkUnmapped scans pulled batches for state/priority values missing
// from the mapping tables. Unmapped values pause the job at pulled with
// job-level warnings and an unmapped row per value for the user to fill
// in; they never fail the job.
func (r *jobRun) checkUnmapped() (paused bool, err error) {
	batches, err := db.GetJobBatches(r.job.ID)
	if err != nil {
		return false, err
	}

	unmappedStates := make(map[string]struct{})
	unmappedPriorities := make(map[string]struct{})
	for _, batch := range batches {
		if batch.Status != models.BatchPulled {
			continue
		}
		entities, err := provider.DecodePage(batch.RawPage)
		if err != nil {
			return false, fmt.Errorf("corrupt batch %d: %w", batch.Sequence, err)
		}
		for _, e := range entities {
			if _, ok := r.mapper.MapState(e.State); !ok {
				unmappedStates[e.State] = struct{}{}
			}
			if e.Priority != "" {
				if _, ok := r.mapper.MapPriority(e.Priority); !ok {
					unmappedPriorities[e.Priority] = struct{}{}
				}
			}
		}
	}

	if len(unmappedStates) == 0 && len(unmappedPriorities) == 0 {
		return false, nil
	}

	var warnings models.StringSlice
	database := db.GetDB()
	for _, v := range sortedKeys(unmappedStates) {
		warnings = append(warnings, fmt.Sprintf("unmapped state %q", v))
		database.Where(models.StateMapping{
			ConnectionID:  r.job.ConnectionID,
			ProjectID:     r.job.ProjectID,
			ExternalValue: v,
		}).FirstOrCreate(&models.StateMapping{
			ConnectionID:  r.job.ConnectionID,
			ProjectID:     r.job.ProjectID,
			ExternalValue: v,
		})
	}
	for _, v := range sortedKeys(unmappedPriorities) {
		warnings = append(warnings, fmt.Sprintf("unmapped priority %q", v))
		database.Where(models.PriorityMapping{
			ConnectionID:  r.job.ConnectionID,
			ProjectID:     r.job.ProjectID,
			ExternalValue: v,
		}).FirstOrCreate(&models.PriorityMapping{
			ConnectionID:  r.job.ConnectionID,
			ProjectID:     r.job.ProjectID,
			ExternalValue: v,
		})
	}

	if err := database.Model(r.job).Update("warnings", warnings).Error; err != nil {
		return false, err
	}
	log.Printf("job %s paused at %s: %d unmapped value(s); complete the mapping and resume",
		r.job.ID, models.JobPulled, len(warnings))
	return true, nil
}

// transform runs the mapper over pulled batches with limited parallelism.
// A batch with a hard error (malformed entity) marks itself failed; the
// job accumulates failures without halting other batches.
func (r *jobRun) transform(ctx context.Context) error {
	if err := r.orch.transition(r.job, models.JobPulled, models.JobTransforming); err != nil {
		return err
	}

	batches, err := db.GetJobBatches(r.job.ID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.orch.batchParallel)
	for i := range batches {
		batch := &batches[i]
		if batch.Status != models.BatchPulled {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return r.transformBatch(batch)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return r.orch.transition(r.job, models.JobTransforming, models.JobTransformed)
}

func (r *jobRun) transformBatch(batch *models.Batch) error {
	entities, err := provider.DecodePage(batch.RawPage)
	if err != nil {
		r.markBatchFailed(batch, fmt.Errorf("corrupt raw page: %w", err))
		return nil
	}

	transformed := make([]mapper.Transformed, 0, len(entities))
	for _, e := range entities {
		t, err := r.mapper.Transform(e)
		if err != nil {
			// Validation errors fail only this batch
			r.markBatchFailed(batch, err)
			return nil
		}
		transformed = append(transformed, *t)
	}

	payload, err := mapper.EncodeTransformed(transformed)
	if err != nil {
		r.markBatchFailed(batch, err)
		return nil
	}
	return db.GetDB().Model(batch).Updates(map[string]interface{}{
		"status":   models.BatchTransformed,
		"raw_page": payload,
	}).Error
}

// push writes transformed batches into the local store, upserting by
// ExternalLink so re-runs update instead of duplicate. Cancellation is
// checked between batches; pushed batches stay pushed.
func (r *jobRun) push(ctx context.Context) error {
	if err := r.orch.transition(r.job, models.JobTransformed, models.JobPushing); err != nil {
		return err
	}

	batches, err := db.GetJobBatches(r.job.ID)
	if err != nil {
		return err
	}

	for i := range batches {
		batch := &batches[i]
		if batch.Status != models.BatchTransformed {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.pushBatch(batch); err != nil {
			return err
		}
	}
	return nil
}

func (r *jobRun) pushBatch(batch *models.Batch) error {
	transformed, err := mapper.DecodeTransformed(batch.RawPage)
	if err != nil {
		r.markBatchFailed(batch, fmt.Errorf("corrupt transformed page: %w", err))
		return nil
	}

	database := db.GetDB()
	err = database.Transaction(func(tx *gorm.DB) error {
		for i := range transformed {
			if err := r.upsertEntity(tx, &transformed[i]); err != nil {
				return err
			}
		}
		if err := tx.Model(batch).Update("status", models.BatchPushed).Error; err != nil {
			return err
		}
		return tx.Model(&models.ImportJob{}).
			Where("id = ?", r.job.ID).
			Update("done_batches", gorm.Expr("done_batches + 1")).Error
	})
	if err != nil {
		r.markBatchFailed(batch, err)
	}
	return nil
}

// upsertEntity creates or updates one work item keyed by its ExternalLink
func (r *jobRun) upsertEntity(tx *gorm.DB, t *mapper.Transformed) error {
	var link models.ExternalLink
	err := tx.Where("connection_id = ? AND external_id = ?", r.job.ConnectionID, t.ExternalID).
		First(&link).Error
	now := time.Now()

	if errors.Is(err, gorm.ErrRecordNotFound) {
		item := models.WorkItem{
			ProjectID:   r.job.ProjectID,
			Title:       t.Title,
			Description: t.Description,
			StateID:     t.StateID,
			Priority:    t.Priority,
			AssigneeID:  t.AssigneeID,
			Labels:      t.Labels,
		}
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		link = models.ExternalLink{
			ConnectionID: r.job.ConnectionID,
			ExternalID:   t.ExternalID,
			WorkItemID:   item.ID,
			ExternalURL:  t.URL,
			EntityKind:   t.Kind,
			LastSyncedAt: now,
		}
		if err := tx.Create(&link).Error; err != nil {
			return err
		}
		return r.upsertComments(tx, item.ID, t)
	}
	if err != nil {
		return err
	}

	if err := tx.Model(&models.WorkItem{}).Where("id = ?", link.WorkItemID).
		Updates(map[string]interface{}{
			"title":       t.Title,
			"description": t.Description,
			"state_id":    t.StateID,
			"priority":    t.Priority,
			"assignee_id": t.AssigneeID,
			"labels":      t.Labels,
		}).Error; err != nil {
		return err
	}
	if err := tx.Model(&link).Update("last_synced_at", now).Error; err != nil {
		return err
	}
	return r.upsertComments(tx, link.WorkItemID, t)
}

func (r *jobRun) upsertComments(tx *gorm.DB, workItemID string, t *mapper.Transformed) error {
	for _, c := range t.Comments {
		var existing models.Comment
		err := tx.Where("work_item_id = ? AND external_id = ?", workItemID, c.ExternalID).
			First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		author, mapErr := r.mapper.MapUser(c.AuthorID)
		if mapErr != nil {
			return mapErr
		}
		comment := models.Comment{
			WorkItemID: workItemID,
			AuthorID:   author,
			Body:       c.Body,
			ExternalID: c.ExternalID,
		}
		if err := tx.Create(&comment).Error; err != nil {
			return err
		}
	}
	return nil
}

// finish resolves the terminal status from batch outcomes: finished when
// everything pushed, finished_with_errors on partial failure unless the
// user asked for all-or-nothing, error when nothing usable was imported.
func (r *jobRun) finish() error {
	counts, err := db.BatchCounts(r.job.ID)
	if err != nil {
		return err
	}
	pushed := counts[models.BatchPushed]
	failed := counts[models.BatchFailed]

	status := models.JobFinished
	switch {
	case failed == 0:
		status = models.JobFinished
	case pushed == 0:
		status = models.JobError
	case r.job.AllOrNothing:
		status = models.JobError
	default:
		status = models.JobFinishedWithErrors
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":      status,
		"finished_at": now,
	}
	if status == models.JobError {
		updates["error_summary"] = fmt.Sprintf("%d of %d batch(es) failed", failed, pushed+failed)
	}
	if err := db.GetDB().Model(r.job).Updates(updates).Error; err != nil {
		return err
	}
	log.Printf("job %s %s: %d pushed, %d failed", r.job.ID, status, pushed, failed)
	if status == models.JobError {
		return fmt.Errorf("job %s: %s", r.job.ID, updates["error_summary"])
	}
	return nil
}

// markBatchFailed records a batch failure as a single atomic write
func (r *jobRun) markBatchFailed(batch *models.Batch, cause error) {
	db.GetDB().Model(batch).Updates(map[string]interface{}{
		"status": models.BatchFailed,
		"error":  cause.Error(),
	})
}

func asProviderError(err error, target **provider.Error) bool {
	return errors.As(err, target)
}
