package db

import (
	"os"
	"path/filepath"
	"testing"

	"conduit/internal/models"
)

func setupTestDB(t *testing.T) func() {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "conduit-db-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	_, err = InitDB(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to init test DB: %v", err)
	}

	return func() {
		CloseDB()
		os.RemoveAll(tmpDir)
	}
}

func TestInitDBCreatesSchema(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	database := GetDB()
	for _, table := range []string{"connections", "import_jobs", "batches", "external_links", "sync_rules", "work_items", "config"} {
		if !database.Migrator().HasTable(table) {
			t.Errorf("table %s was not created", table)
		}
	}
}

func TestConfigSetGet(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	if err := SetConfig("worker_slots", "4"); err != nil {
		t.Fatalf("SetConfig() error: %v", err)
	}
	v, err := GetConfig("worker_slots")
	if err != nil {
		t.Fatalf("GetConfig() error: %v", err)
	}
	if v != "4" {
		t.Errorf("GetConfig() = %q, want 4", v)
	}

	// Overwrite
	if err := SetConfig("worker_slots", "8"); err != nil {
		t.Fatalf("SetConfig() overwrite error: %v", err)
	}
	v, _ = GetConfig("worker_slots")
	if v != "8" {
		t.Errorf("GetConfig() after overwrite = %q, want 8", v)
	}

	if _, err := GetConfig("missing_key"); err == nil {
		t.Error("GetConfig(missing) should error")
	}
}

func TestFindLinkNilWhenAbsent(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	link, err := FindLink("conn-1", "owner/repo#1")
	if err != nil {
		t.Fatalf("FindLink() error: %v", err)
	}
	if link != nil {
		t.Errorf("FindLink() = %+v, want nil", link)
	}

	if err := GetDB().Create(&models.ExternalLink{
		ConnectionID: "conn-1", ExternalID: "owner/repo#1", WorkItemID: "item-1",
	}).Error; err != nil {
		t.Fatalf("create link: %v", err)
	}
	link, err = FindLink("conn-1", "owner/repo#1")
	if err != nil {
		t.Fatalf("FindLink() error: %v", err)
	}
	if link == nil || link.WorkItemID != "item-1" {
		t.Errorf("FindLink() = %+v, want item-1", link)
	}
}

func TestLinkUniqueness(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	database := GetDB()
	if err := database.Create(&models.ExternalLink{
		ConnectionID: "conn-1", ExternalID: "x#1", WorkItemID: "item-1",
	}).Error; err != nil {
		t.Fatalf("first link: %v", err)
	}

	// Same (connection, external id) must be rejected
	err := database.Create(&models.ExternalLink{
		ConnectionID: "conn-1", ExternalID: "x#1", WorkItemID: "item-2",
	}).Error
	if err == nil {
		t.Error("duplicate (connection, external id) link should fail")
	}

	// Same (connection, work item) must be rejected
	err = database.Create(&models.ExternalLink{
		ConnectionID: "conn-1", ExternalID: "x#2", WorkItemID: "item-1",
	}).Error
	if err == nil {
		t.Error("duplicate (connection, work item) link should fail")
	}

	// Another connection may link the same external id
	if err := database.Create(&models.ExternalLink{
		ConnectionID: "conn-2", ExternalID: "x#1", WorkItemID: "item-3",
	}).Error; err != nil {
		t.Errorf("cross-connection link should succeed: %v", err)
	}
}

func TestBatchCountsConservation(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	database := GetDB()
	statuses := []string{
		models.BatchPushed, models.BatchPushed, models.BatchFailed, models.BatchPending,
	}
	for i, status := range statuses {
		if err := database.Create(&models.Batch{
			JobID: "job-1", Sequence: i, Status: status,
		}).Error; err != nil {
			t.Fatalf("create batch %d: %v", i, err)
		}
	}

	counts, err := BatchCounts("job-1")
	if err != nil {
		t.Fatalf("BatchCounts() error: %v", err)
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	if total != int64(len(statuses)) {
		t.Errorf("counts sum to %d, want %d", total, len(statuses))
	}
	if counts[models.BatchPushed] != 2 || counts[models.BatchFailed] != 1 || counts[models.BatchPending] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestBatchSequenceUniquePerJob(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	database := GetDB()
	if err := database.Create(&models.Batch{JobID: "job-1", Sequence: 0}).Error; err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if err := database.Create(&models.Batch{JobID: "job-1", Sequence: 0}).Error; err == nil {
		t.Error("duplicate sequence within a job should fail")
	}
	if err := database.Create(&models.Batch{JobID: "job-2", Sequence: 0}).Error; err != nil {
		t.Errorf("same sequence in another job should succeed: %v", err)
	}
}

func TestListJobsFilterAndOrder(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	database := GetDB()
	for _, j := range []models.ImportJob{
		{ID: "job-a", ConnectionID: "c", ProjectID: "p", SourceScope: "s", Status: models.JobFinished},
		{ID: "job-b", ConnectionID: "c", ProjectID: "p", SourceScope: "s", Status: models.JobError},
		{ID: "job-c", ConnectionID: "c", ProjectID: "p", SourceScope: "s", Status: models.JobFinished},
	} {
		if err := database.Create(&j).Error; err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	jobs, err := ListJobs(models.JobFinished, 0, 0)
	if err != nil {
		t.Fatalf("ListJobs() error: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("filtered jobs = %d, want 2", len(jobs))
	}

	jobs, err = ListJobs("", 2, 0)
	if err != nil {
		t.Fatalf("ListJobs() error: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("limited jobs = %d, want 2", len(jobs))
	}
}

func TestGetSyncRuleNilWhenAbsent(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	rule, err := GetSyncRule("conn-1", "proj-1")
	if err != nil {
		t.Fatalf("GetSyncRule() error: %v", err)
	}
	if rule != nil {
		t.Errorf("GetSyncRule() = %+v, want nil", rule)
	}
}
