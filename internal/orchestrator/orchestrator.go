// Package orchestrator drives import jobs through their pipeline:
// queued, created, initiated, pulling, pulled, transforming, transformed,
// pushing, finished. Batches are persisted before any network call so a
// crash mid-pull resumes from the same cursor, and every batch transition
// is a single atomic write.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"conduit/internal/connection"
	"conduit/internal/db"
	"conduit/internal/models"
	"conduit/internal/provider"
)

const (
	// maxFetchRetries bounds retries of a timed-out or transient adapter
	// call before the batch is marked failed.
	maxFetchRetries = 3
)

// Options configures a new import job
type Options struct {
	AllOrNothing   bool
	SkipUserPolicy string
	ImportingUser  string
}

// Orchestrator runs import jobs on a bounded worker pool; each job holds
// one slot for its whole pull/transform/push lifecycle.
type Orchestrator struct {
	manager        *connection.Manager
	slots          *semaphore.Weighted
	batchParallel  int
	adapterTimeout time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an orchestrator with the given worker slot count, intra-job
// batch parallelism, and per-call adapter timeout.
func New(manager *connection.Manager, workerSlots, batchParallel int, adapterTimeout time.Duration) *Orchestrator {
	if workerSlots < 1 {
		workerSlots = models.DefaultWorkerSlots
	}
	if batchParallel < 1 {
		batchParallel = models.DefaultBatchParallel
	}
	if adapterTimeout <= 0 {
		adapterTimeout = models.DefaultAdapterTimeout
	}
	return &Orchestrator{
		manager:        manager,
		slots:          semaphore.NewWeighted(int64(workerSlots)),
		batchParallel:  batchParallel,
		adapterTimeout: adapterTimeout,
		cancels:        make(map[string]context.CancelFunc),
	}
}

// CreateJob accepts a migration configuration and queues it. The job id
// is stable across re-runs.
func (o *Orchestrator) CreateJob(connectionID, projectID, scope string, opts Options) (*models.ImportJob, error) {
	conn, err := db.GetConnectionByID(connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive() {
		return nil, fmt.Errorf("connection %s is %s; reconnect before importing", conn.ID, conn.Status)
	}

	policy := opts.SkipUserPolicy
	if policy == "" {
		policy = models.SkipPolicyAssign
	}

	job := &models.ImportJob{
		ID:             uuid.NewString(),
		ConnectionID:   connectionID,
		ProjectID:      projectID,
		SourceScope:    scope,
		Status:         models.JobQueued,
		AllOrNothing:   opts.AllOrNothing,
		SkipUserPolicy: policy,
		ImportingUser:  opts.ImportingUser,
	}
	if err := db.GetDB().Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// Run acquires a worker slot and drives the job to a terminal or paused
// state. It blocks; callers that want a background job run it in a
// goroutine.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	if err := o.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("job %s: cancelled while waiting for a worker slot: %w", jobID, err)
	}
	defer o.slots.Release(1)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.cancels[jobID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, jobID)
		o.mu.Unlock()
	}()

	return o.execute(jobCtx, jobID)
}

// Cancel requests cooperative cancellation: in-flight batches finish
// their current call, then the job stops. Already-pushed batches are not
// rolled back; cancellation stops the import process, it does not undo it.
func (o *Orchestrator) Cancel(jobID string) error {
	job, err := db.GetJobByID(jobID)
	if err != nil {
		return err
	}
	if !job.CanCancel() {
		return fmt.Errorf("job %s is %s and can no longer be cancelled", jobID, job.Status)
	}

	o.mu.Lock()
	cancel, running := o.cancels[jobID]
	o.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	// Not running anywhere: mark it directly
	return o.markCancelled(job)
}

// Rerun clears the batch set and counters under the same job id and
// pulls from scratch. Entities already linked are updated, not
// duplicated, so re-running after error or cancel is idempotent.
func (o *Orchestrator) Rerun(ctx context.Context, jobID string) error {
	job, err := db.GetJobByID(jobID)
	if err != nil {
		return err
	}
	if !job.IsTerminal() && job.Status != models.JobPulled {
		return fmt.Errorf("job %s is %s; only terminal or paused jobs can be re-run", jobID, job.Status)
	}

	database := db.GetDB()
	if err := database.Where("job_id = ?", jobID).Delete(&models.Batch{}).Error; err != nil {
		return fmt.Errorf("failed to clear batches: %w", err)
	}
	if err := database.Model(job).Updates(map[string]interface{}{
		"status":        models.JobQueued,
		"total_batches": 0,
		"done_batches":  0,
		"error_summary": "",
		"warnings":      models.StringSlice{},
		"started_at":    nil,
		"finished_at":   nil,
	}).Error; err != nil {
		return fmt.Errorf("failed to reset job: %w", err)
	}

	return o.Run(ctx, jobID)
}

// Resume continues a job paused at pulled once the user has completed
// the missing mappings.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	job, err := db.GetJobByID(jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobPulled {
		return fmt.Errorf("job %s is %s; only jobs paused at %s can be resumed", jobID, job.Status, models.JobPulled)
	}
	return o.Run(ctx, jobID)
}

// execute drives the pipeline from wherever the job currently is
func (o *Orchestrator) execute(ctx context.Context, jobID string) error {
	job, err := db.GetJobByID(jobID)
	if err != nil {
		return err
	}

	conn, err := db.GetConnectionByID(job.ConnectionID)
	if err != nil {
		return o.fail(job, err)
	}
	if !conn.IsActive() {
		return o.fail(job, fmt.Errorf("connection %s is %s", conn.ID, conn.Status))
	}

	adapter, err := provider.New(conn.Provider)
	if err != nil {
		return o.fail(job, err)
	}
	handle, err := o.manager.Handle(ctx, conn, adapter)
	if err != nil {
		return o.fail(job, err)
	}

	run := &jobRun{
		orch:    o,
		job:     job,
		conn:    conn,
		adapter: adapter,
		handle:  handle,
	}

	switch job.Status {
	case models.JobQueued:
		if err := run.start(); err != nil {
			return o.fail(job, err)
		}
		fallthrough
	case models.JobCreated:
		if job.Status == models.JobCreated {
			if err := o.transition(job, models.JobCreated, models.JobInitiated); err != nil {
				return o.fail(job, err)
			}
		}
		fallthrough
	case models.JobInitiated, models.JobPulling:
		if err := run.pull(ctx); err != nil {
			return o.settle(ctx, job, err)
		}
		fallthrough
	case models.JobPulled:
		if err := run.loadMapper(); err != nil {
			return o.fail(job, err)
		}
		paused, err := run.checkUnmapped()
		if err != nil {
			return o.fail(job, err)
		}
		if paused {
			// Stays at pulled; the user resolves the mapping and resumes
			return nil
		}
		if err := run.transform(ctx); err != nil {
			return o.settle(ctx, job, err)
		}
		fallthrough
	case models.JobTransformed:
		if run.mapper == nil {
			if err := run.loadMapper(); err != nil {
				return o.fail(job, err)
			}
		}
		if err := run.push(ctx); err != nil {
			return o.settle(ctx, job, err)
		}
		return run.finish()
	case models.JobTransforming, models.JobPushing:
		// A crash mid-stage leaves batches in well-defined states; rerun
		// is the supported recovery for these.
		return fmt.Errorf("job %s interrupted at %s; re-run it", job.ID, job.Status)
	default:
		return fmt.Errorf("job %s is %s and cannot run", job.ID, job.Status)
	}
}

// settle routes a pipeline error to cancelled or error handling
func (o *Orchestrator) settle(ctx context.Context, job *models.ImportJob, err error) error {
	if ctx.Err() != nil {
		return o.markCancelled(job)
	}
	return o.fail(job, err)
}

func (o *Orchestrator) markCancelled(job *models.ImportJob) error {
	now := time.Now()
	res := db.GetDB().Model(&models.ImportJob{}).
		Where("id = ? AND status NOT IN ?", job.ID,
			[]string{models.JobFinished, models.JobFinishedWithErrors, models.JobError, models.JobCancelled}).
		Updates(map[string]interface{}{"status": models.JobCancelled, "finished_at": now})
	if res.Error != nil {
		return res.Error
	}
	log.Printf("job %s cancelled", job.ID)
	return nil
}

func (o *Orchestrator) fail(job *models.ImportJob, err error) error {
	now := time.Now()
	db.GetDB().Model(&models.ImportJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":        models.JobError,
			"error_summary": err.Error(),
			"finished_at":   now,
		})
	log.Printf("job %s failed: %v", job.ID, err)
	return err
}

// transition moves a job between states with a guarded single write, so
// two workers can never both claim the same transition.
func (o *Orchestrator) transition(job *models.ImportJob, from, to string) error {
	res := db.GetDB().Model(&models.ImportJob{}).
		Where("id = ? AND status = ?", job.ID, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s is no longer %s", job.ID, from)
	}
	job.Status = to
	return nil
}

// retryAdapter runs an adapter call with timeout and bounded exponential
// backoff. Non-retryable error kinds abort immediately; rate limit hints
// are honored before the next attempt.
func (o *Orchestrator) retryAdapter(ctx context.Context, op func(context.Context) error) error {
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, o.adapterTimeout)
		defer cancel()

		err := op(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if !provider.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		var pe *provider.Error
		if asProviderError(err, &pe) && pe.RetryAfter > 0 {
			select {
			case <-time.After(pe.RetryAfter):
			case <-ctx.Done():
				return backoff.Permanent(err)
			}
		}
		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxFetchRetries)
	return backoff.Retry(attempt, backoff.WithContext(policy, ctx))
}

// sortedKeys returns map keys in stable order for warning output
func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
