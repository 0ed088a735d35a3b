package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"conduit/internal/connection"
	"conduit/internal/db"
	"conduit/internal/models"
	"conduit/internal/provider"
)

// fakeAdapter serves scripted pages and records push traffic
type fakeAdapter struct {
	pages    [][]provider.RawEntity
	fetchErr error // returned on every fetch when set

	// When fetchStarted is set, the fetch for page blockAt signals it and
	// then stalls until the context is cancelled.
	blockAt      int
	fetchStarted chan struct{}
}

var currentFake *fakeAdapter

func init() {
	provider.Register("faketracker", func() provider.Adapter { return currentFake })
}

type fakeHandle struct{}

func (fakeHandle) AccountID() string { return "fake-account" }

func (f *fakeAdapter) Name() string { return "faketracker" }
func (f *fakeAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Webhooks: true, Push: true}
}
func (f *fakeAdapter) Authenticate(ctx context.Context, cred provider.Credential) (provider.Handle, error) {
	return fakeHandle{}, nil
}
func (f *fakeAdapter) ListProjects(ctx context.Context, h provider.Handle, cursor string) (provider.ProjectPage, error) {
	return provider.ProjectPage{Done: true}, nil
}
func (f *fakeAdapter) FetchEntities(ctx context.Context, h provider.Handle, scope, cursor string) (provider.EntityPage, error) {
	if f.fetchErr != nil {
		return provider.EntityPage{}, f.fetchErr
	}
	idx := 0
	if cursor != "" {
		idx, _ = strconv.Atoi(cursor)
	}
	if f.fetchStarted != nil && idx == f.blockAt {
		close(f.fetchStarted)
		f.fetchStarted = nil
		<-ctx.Done()
		return provider.EntityPage{}, ctx.Err()
	}
	if idx >= len(f.pages) {
		return provider.EntityPage{Done: true}, nil
	}
	page := provider.EntityPage{Entities: f.pages[idx]}
	if idx == len(f.pages)-1 {
		page.Done = true
	} else {
		page.NextCursor = strconv.Itoa(idx + 1)
	}
	return page, nil
}
func (f *fakeAdapter) PushComment(ctx context.Context, h provider.Handle, externalID, body string) (provider.PushAck, error) {
	return provider.PushAck{Revision: "rev-comment"}, nil
}
func (f *fakeAdapter) PushStateChange(ctx context.Context, h provider.Handle, externalID string, change provider.StateChange) (provider.PushAck, error) {
	return provider.PushAck{Revision: "rev-state"}, nil
}

func setupTestDB(t *testing.T) func() {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "conduit-orch-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	dbPath := filepath.Join(tmpDir, "test.db")
	if _, err := db.InitDB(dbPath); err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to init test DB: %v", err)
	}
	keyring.MockInit()

	return func() {
		db.CloseDB()
		os.RemoveAll(tmpDir)
	}
}

// setupImport seeds a connection, project, states and mappings, and
// returns an orchestrator wired to the fake adapter.
func setupImport(t *testing.T, fake *fakeAdapter) (*Orchestrator, *models.Connection, string) {
	t.Helper()
	currentFake = fake

	manager := connection.NewManager()
	conn, err := manager.Connect(context.Background(), "ws-1", "faketracker", provider.Credential{Token: "t"})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	database := db.GetDB()
	project := models.Project{ID: "proj-1", WorkspaceID: "ws-1", Name: "Test"}
	if err := database.Create(&project).Error; err != nil {
		t.Fatalf("create project: %v", err)
	}
	for _, s := range []models.State{
		{ID: "s-todo", ProjectID: project.ID, Name: "Todo", Group: models.StateGroupUnstarted},
		{ID: "s-done", ProjectID: project.ID, Name: "Done", Group: models.StateGroupCompleted},
	} {
		if err := database.Create(&s).Error; err != nil {
			t.Fatalf("create state: %v", err)
		}
	}
	for _, m := range []models.StateMapping{
		{ConnectionID: conn.ID, ProjectID: project.ID, ExternalValue: "open", LocalStateID: "s-todo"},
		{ConnectionID: conn.ID, ProjectID: project.ID, ExternalValue: "closed", LocalStateID: "s-done"},
	} {
		if err := database.Create(&m).Error; err != nil {
			t.Fatalf("create mapping: %v", err)
		}
	}

	orch := New(manager, 2, 2, 5*time.Second)
	return orch, conn, project.ID
}

func entity(id, title, state string) provider.RawEntity {
	return provider.RawEntity{ExternalID: id, Kind: "issue", Title: title, State: state}
}

func TestRunImportsAndFinishes(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	fake := &fakeAdapter{pages: [][]provider.RawEntity{
		{entity("x#1", "First", "open"), entity("x#2", "Second", "closed")},
		{entity("x#3", "Third", "open")},
	}}
	orch, conn, projectID := setupImport(t, fake)

	job, err := orch.CreateJob(conn.ID, projectID, "fake/scope", Options{})
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}
	if job.Status != models.JobQueued {
		t.Errorf("new job status = %s, want queued", job.Status)
	}

	if err := orch.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got, _ := db.GetJobByID(job.ID)
	if got.Status != models.JobFinished {
		t.Errorf("job status = %s, want finished", got.Status)
	}
	if got.TotalBatches != 2 || got.DoneBatches != 2 {
		t.Errorf("batches = %d/%d, want 2/2", got.DoneBatches, got.TotalBatches)
	}

	// Batch accounting: per-status counts sum to the total
	counts, err := db.BatchCounts(job.ID)
	if err != nil {
		t.Fatalf("BatchCounts() error: %v", err)
	}
	var sum int64
	for _, n := range counts {
		sum += n
	}
	if sum != int64(got.TotalBatches) {
		t.Errorf("batch counts sum to %d, want %d", sum, got.TotalBatches)
	}
	if counts[models.BatchPushed] != 2 {
		t.Errorf("pushed batches = %d, want 2", counts[models.BatchPushed])
	}

	var items []models.WorkItem
	db.GetDB().Find(&items)
	if len(items) != 3 {
		t.Fatalf("work items = %d, want 3", len(items))
	}

	link, err := db.FindLink(conn.ID, "x#2")
	if err != nil || link == nil {
		t.Fatalf("FindLink(x#2) = %v, %v", link, err)
	}
	var second models.WorkItem
	db.GetDB().Where("id = ?", link.WorkItemID).First(&second)
	if second.StateID != "s-done" {
		t.Errorf("x#2 state = %s, want s-done", second.StateID)
	}
}

func TestRerunUpsertsInsteadOfDuplicating(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	fake := &fakeAdapter{pages: [][]provider.RawEntity{
		{entity("x#1", "Original title", "open")},
	}}
	orch, conn, projectID := setupImport(t, fake)

	job, err := orch.CreateJob(conn.ID, projectID, "fake/scope", Options{})
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}
	if err := orch.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}

	// Source changed between runs
	fake.pages = [][]provider.RawEntity{
		{entity("x#1", "Updated title", "closed")},
	}
	if err := orch.Rerun(context.Background(), job.ID); err != nil {
		t.Fatalf("Rerun() error: %v", err)
	}

	var items []models.WorkItem
	db.GetDB().Find(&items)
	if len(items) != 1 {
		t.Fatalf("work items after rerun = %d, want 1 (no duplicates)", len(items))
	}
	if items[0].Title != "Updated title" || items[0].StateID != "s-done" {
		t.Errorf("item = %q/%s, want Updated title/s-done", items[0].Title, items[0].StateID)
	}

	var links []models.ExternalLink
	db.GetDB().Find(&links)
	if len(links) != 1 {
		t.Errorf("links after rerun = %d, want 1", len(links))
	}
}

func TestUnmappedValuesPauseThenResume(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	fake := &fakeAdapter{pages: [][]provider.RawEntity{
		{entity("x#1", "Mystery", "blocked")},
	}}
	orch, conn, projectID := setupImport(t, fake)

	job, err := orch.CreateJob(conn.ID, projectID, "fake/scope", Options{})
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}
	if err := orch.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got, _ := db.GetJobByID(job.ID)
	if got.Status != models.JobPulled {
		t.Fatalf("job status = %s, want pulled (paused)", got.Status)
	}
	if len(got.Warnings) == 0 {
		t.Error("paused job should carry warnings")
	}

	// The pause must leave an unmapped row for the user to fill in
	var row models.StateMapping
	err = db.GetDB().
		Where("connection_id = ? AND project_id = ? AND external_value = ?", conn.ID, projectID, "blocked").
		First(&row).Error
	if err != nil {
		t.Fatalf("unmapped row not created: %v", err)
	}
	if row.Mapped() {
		t.Error("placeholder row should be unmapped")
	}

	// No items were pushed while paused
	var count int64
	db.GetDB().Model(&models.WorkItem{}).Count(&count)
	if count != 0 {
		t.Errorf("work items while paused = %d, want 0", count)
	}

	// Resolve the mapping and resume
	if err := db.GetDB().Model(&row).Update("local_state_id", "s-todo").Error; err != nil {
		t.Fatalf("resolve mapping: %v", err)
	}
	if err := orch.Resume(context.Background(), job.ID); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}

	got, _ = db.GetJobByID(job.ID)
	if got.Status != models.JobFinished {
		t.Errorf("job status after resume = %s, want finished", got.Status)
	}
	db.GetDB().Model(&models.WorkItem{}).Count(&count)
	if count != 1 {
		t.Errorf("work items after resume = %d, want 1", count)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	fake := &fakeAdapter{}
	orch, conn, projectID := setupImport(t, fake)

	job, err := orch.CreateJob(conn.ID, projectID, "fake/scope", Options{})
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}

	if err := orch.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	got, _ := db.GetJobByID(job.ID)
	if got.Status != models.JobCancelled {
		t.Errorf("job status = %s, want cancelled", got.Status)
	}

	// Terminal jobs refuse a second cancel
	if err := orch.Cancel(job.ID); err == nil {
		t.Error("Cancel() on a cancelled job should error")
	}
}

func TestCancelDuringPullEndsCancelledAndKeepsPulledBatches(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	// The fetch for the second page stalls until cancelled, so the cancel
	// lands while the job is pulling.
	fake := &fakeAdapter{
		pages: [][]provider.RawEntity{
			{entity("x#1", "First", "open")},
			{entity("x#2", "Second", "open")},
		},
		blockAt:      1,
		fetchStarted: make(chan struct{}),
	}
	orch, conn, projectID := setupImport(t, fake)

	job, err := orch.CreateJob(conn.ID, projectID, "fake/scope", Options{})
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}

	started := fake.fetchStarted
	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background(), job.ID) }()

	<-started
	if err := orch.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run() after cancel: %v", err)
	}

	got, _ := db.GetJobByID(job.ID)
	if got.Status != models.JobCancelled {
		t.Errorf("job status = %s, want cancelled", got.Status)
	}

	// The batch pulled before the cancel is preserved for a later rerun
	counts, _ := db.BatchCounts(job.ID)
	if counts[models.BatchPulled] != 1 {
		t.Errorf("pulled batches = %d, want 1", counts[models.BatchPulled])
	}

	// Nothing was pushed mid-pull
	var count int64
	db.GetDB().Model(&models.WorkItem{}).Count(&count)
	if count != 0 {
		t.Errorf("work items after cancel = %d, want 0", count)
	}
}

func TestCancelledRunPreservesPushedBatches(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	fake := &fakeAdapter{pages: [][]provider.RawEntity{
		{entity("x#1", "Kept", "open")},
	}}
	orch, conn, projectID := setupImport(t, fake)

	job, err := orch.CreateJob(conn.ID, projectID, "fake/scope", Options{})
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}
	if err := orch.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// Cancel after completion is refused; simulate a cancel landing on a
	// running job instead and verify pushed work survives.
	if err := orch.markCancelled(&models.ImportJob{ID: job.ID}); err != nil {
		t.Fatalf("markCancelled() error: %v", err)
	}
	got, _ := db.GetJobByID(job.ID)
	if got.Status != models.JobFinished {
		t.Errorf("terminal job must not be overwritten by cancel, got %s", got.Status)
	}

	var count int64
	db.GetDB().Model(&models.WorkItem{}).Count(&count)
	if count != 1 {
		t.Errorf("pushed work items = %d, want 1", count)
	}
}

func TestPartialFailureStatuses(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	// Second page contains a malformed entity; its batch fails at
	// transform while the first batch pushes.
	pages := [][]provider.RawEntity{
		{entity("x#1", "Good", "open")},
		{entity("x#2", "", "open")},
	}

	fake := &fakeAdapter{pages: pages}
	orch, conn, projectID := setupImport(t, fake)

	job, err := orch.CreateJob(conn.ID, projectID, "fake/scope", Options{})
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}
	if err := orch.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got, _ := db.GetJobByID(job.ID)
	if got.Status != models.JobFinishedWithErrors {
		t.Errorf("job status = %s, want finished_with_errors", got.Status)
	}

	counts, _ := db.BatchCounts(job.ID)
	if counts[models.BatchPushed] != 1 || counts[models.BatchFailed] != 1 {
		t.Errorf("counts = %v, want 1 pushed / 1 failed", counts)
	}
}

func TestAllOrNothingTurnsPartialIntoError(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	fake := &fakeAdapter{pages: [][]provider.RawEntity{
		{entity("x#1", "Good", "open")},
		{entity("x#2", "", "open")},
	}}
	orch, conn, projectID := setupImport(t, fake)

	job, err := orch.CreateJob(conn.ID, projectID, "fake/scope", Options{AllOrNothing: true})
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}
	if err := orch.Run(context.Background(), job.ID); err == nil {
		t.Fatal("Run() should surface the all-or-nothing failure")
	}

	got, _ := db.GetJobByID(job.ID)
	if got.Status != models.JobError {
		t.Errorf("job status = %s, want error", got.Status)
	}
	if got.ErrorSummary == "" {
		t.Error("all-or-nothing failure should record an error summary")
	}
}

func TestFetchFailureFailsJob(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	fake := &fakeAdapter{
		fetchErr: provider.NewError(provider.KindNotFound, "fake.fetch", "scope gone", nil),
	}
	orch, conn, projectID := setupImport(t, fake)

	job, err := orch.CreateJob(conn.ID, projectID, "fake/scope", Options{})
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}
	if err := orch.Run(context.Background(), job.ID); err == nil {
		t.Fatal("Run() should fail on a non-retryable fetch error")
	}

	got, _ := db.GetJobByID(job.ID)
	if got.Status != models.JobError {
		t.Errorf("job status = %s, want error", got.Status)
	}

	counts, _ := db.BatchCounts(job.ID)
	if counts[models.BatchFailed] != 1 {
		t.Errorf("failed batches = %d, want 1", counts[models.BatchFailed])
	}
}

func TestCreateJobRequiresActiveConnection(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	fake := &fakeAdapter{}
	orch, conn, projectID := setupImport(t, fake)

	db.GetDB().Model(conn).Update("status", models.ConnectionRevoked)
	conn.Status = models.ConnectionRevoked

	if _, err := orch.CreateJob(conn.ID, projectID, "fake/scope", Options{}); err == nil {
		t.Error("CreateJob() on a revoked connection should error")
	}
}
