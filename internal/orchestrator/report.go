package orchestrator

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"conduit/internal/db"
	"conduit/internal/models"
)

// WriteErrorReport writes a CSV of a job's failed batches: one row per
// batch with its sequence, cursor, item count and error.
func WriteErrorReport(jobID string, w io.Writer) error {
	if _, err := db.GetJobByID(jobID); err != nil {
		return err
	}
	batches, err := db.GetJobBatches(jobID)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"sequence", "cursor", "item_count", "status", "error"}); err != nil {
		return err
	}
	for _, b := range batches {
		if b.Status != models.BatchFailed {
			continue
		}
		record := []string{
			strconv.Itoa(b.Sequence),
			b.Cursor,
			strconv.Itoa(b.ItemCount),
			b.Status,
			b.Error,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to write error report: %w", err)
	}
	return nil
}

// Progress summarizes a job's batch accounting for status surfaces
type Progress struct {
	JobID   string           `json:"job_id"`
	Status  string           `json:"status"`
	Total   int64            `json:"total"`
	Counts  map[string]int64 `json:"counts"`
	Percent float64          `json:"percent"`
}

// JobProgress computes the per-status batch counts for a job. The counts
// always sum to the total: no batch is lost or double-counted.
func JobProgress(jobID string) (*Progress, error) {
	job, err := db.GetJobByID(jobID)
	if err != nil {
		return nil, err
	}
	counts, err := db.BatchCounts(jobID)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	p := &Progress{JobID: job.ID, Status: job.Status, Total: total, Counts: counts}
	if total > 0 {
		done := counts[models.BatchPushed] + counts[models.BatchFailed]
		p.Percent = 100 * float64(done) / float64(total)
	}
	return p, nil
}
