package connection

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"

	"conduit/internal/db"
	"conduit/internal/models"
	"conduit/internal/provider"
)

type fakeAdapter struct {
	authCalls int
	authErr   error
}

var currentFake *fakeAdapter

func init() {
	provider.Register("fakeconn", func() provider.Adapter { return currentFake })
}

type fakeHandle struct{}

func (fakeHandle) AccountID() string { return "fake-account" }

func (f *fakeAdapter) Name() string { return "fakeconn" }
func (f *fakeAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Webhooks: true, Push: true}
}
func (f *fakeAdapter) Authenticate(ctx context.Context, cred provider.Credential) (provider.Handle, error) {
	f.authCalls++
	if f.authErr != nil {
		return nil, f.authErr
	}
	return fakeHandle{}, nil
}
func (f *fakeAdapter) ListProjects(ctx context.Context, h provider.Handle, cursor string) (provider.ProjectPage, error) {
	return provider.ProjectPage{Done: true}, nil
}
func (f *fakeAdapter) FetchEntities(ctx context.Context, h provider.Handle, scope, cursor string) (provider.EntityPage, error) {
	return provider.EntityPage{Done: true}, nil
}
func (f *fakeAdapter) PushComment(ctx context.Context, h provider.Handle, externalID, body string) (provider.PushAck, error) {
	return provider.PushAck{}, nil
}
func (f *fakeAdapter) PushStateChange(ctx context.Context, h provider.Handle, externalID string, change provider.StateChange) (provider.PushAck, error) {
	return provider.PushAck{}, nil
}

func setupTestDB(t *testing.T) func() {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "conduit-conn-test-*")
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

func TestConnectStoresCredentialBehindHandle(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	currentFake = &fakeAdapter{}

	m := NewManager()
	conn, err := m.Connect(context.Background(), "ws-1", "fakeconn", provider.Credential{Token: "tok-secret"})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if conn.ExternalAccountID != "fake-account" {
		t.Errorf("account = %q, want fake-account", conn.ExternalAccountID)
	}
	if conn.Status != models.ConnectionActive {
		t.Errorf("status = %q, want active", conn.Status)
	}
	if conn.CredentialHandle == "" || strings.Contains(conn.CredentialHandle, "tok-secret") {
		t.Errorf("credential handle %q must be opaque", conn.CredentialHandle)
	}

	// The raw token lives only in the keyring
	blob, err := keyring.Get(models.KeyringServiceName, conn.CredentialHandle)
	if err != nil {
		t.Fatalf("keyring.Get() error: %v", err)
	}
	if !strings.Contains(blob, "tok-secret") {
		t.Errorf("keyring blob does not carry the token: %q", blob)
	}

	var saved models.Connection
	if err := db.GetDB().Where("id = ?", conn.ID).First(&saved).Error; err != nil {
		t.Fatalf("connection not persisted: %v", err)
	}
}

func TestConnectRefusesSecondActiveConnection(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	currentFake = &fakeAdapter{}

	m := NewManager()
	if _, err := m.Connect(context.Background(), "ws-1", "fakeconn", provider.Credential{Token: "a"}); err != nil {
		t.Fatalf("first Connect() error: %v", err)
	}
	_, err := m.Connect(context.Background(), "ws-1", "fakeconn", provider.Credential{Token: "b"})
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() err = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnectRejectsBadCredential(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	currentFake = &fakeAdapter{
		authErr: provider.NewError(provider.KindAuth, "fake.auth", "bad token", nil),
	}

	m := NewManager()
	_, err := m.Connect(context.Background(), "ws-1", "fakeconn", provider.Credential{Token: "bad"})
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("Connect() err = %v, want ErrInvalidCredential", err)
	}

	var count int64
	db.GetDB().Model(&models.Connection{}).Count(&count)
	if count != 0 {
		t.Errorf("rejected connect persisted %d connections", count)
	}
}

func TestDisconnectCascades(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	currentFake = &fakeAdapter{}

	m := NewManager()
	conn, err := m.Connect(context.Background(), "ws-1", "fakeconn", provider.Credential{Token: "t"})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	database := db.GetDB()
	job := models.ImportJob{
		ID:           "job-1",
		ConnectionID: conn.ID,
		ProjectID:    "proj-1",
		SourceScope:  "fake/scope",
		Status:       models.JobPulling,
	}
	if err := database.Create(&job).Error; err != nil {
		t.Fatalf("create job: %v", err)
	}
	rule := models.SyncRule{ConnectionID: conn.ID, ProjectID: "proj-1", Direction: models.SyncDirectionInbound, Active: true}
	if err := database.Create(&rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}

	if err := m.Disconnect(conn.ID); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}

	got, _ := db.GetConnectionByID(conn.ID)
	if got.Status != models.ConnectionRevoked {
		t.Errorf("connection status = %s, want revoked", got.Status)
	}
	var gotJob models.ImportJob
	database.Where("id = ?", job.ID).First(&gotJob)
	if gotJob.Status != models.JobCancelled {
		t.Errorf("in-flight job status = %s, want cancelled", gotJob.Status)
	}
	var gotRule models.SyncRule
	database.Where("connection_id = ?", conn.ID).First(&gotRule)
	if gotRule.Active {
		t.Error("sync rule still active after disconnect")
	}
	if _, err := keyring.Get(models.KeyringServiceName, conn.CredentialHandle); err == nil {
		t.Error("credential still in keyring after disconnect")
	}
}

func TestHandleAuthenticatesLazilyAndCaches(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	currentFake = &fakeAdapter{}

	m := NewManager()
	conn, err := m.Connect(context.Background(), "ws-1", "fakeconn", provider.Credential{Token: "t"})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	// A fresh manager has no cached handle and must read the keyring
	fresh := NewManager()
	if _, err := fresh.Handle(context.Background(), conn, currentFake); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	calls := currentFake.authCalls
	if _, err := fresh.Handle(context.Background(), conn, currentFake); err != nil {
		t.Fatalf("second Handle() error: %v", err)
	}
	if currentFake.authCalls != calls {
		t.Errorf("cached handle re-authenticated (%d -> %d calls)", calls, currentFake.authCalls)
	}

	// Invalidate forces a new login
	fresh.Invalidate(conn.ID)
	if _, err := fresh.Handle(context.Background(), conn, currentFake); err != nil {
		t.Fatalf("Handle() after Invalidate error: %v", err)
	}
	if currentFake.authCalls != calls+1 {
		t.Errorf("auth calls = %d, want %d after invalidate", currentFake.authCalls, calls+1)
	}
}

func TestHandleSuspendsOnAuthFailure(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	currentFake = &fakeAdapter{}

	m := NewManager()
	conn, err := m.Connect(context.Background(), "ws-1", "fakeconn", provider.Credential{Token: "t"})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	rule := models.SyncRule{ConnectionID: conn.ID, ProjectID: "proj-1", Direction: models.SyncDirectionInbound, Active: true}
	if err := db.GetDB().Create(&rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}

	// The token stops working between sessions
	currentFake.authErr = provider.NewError(provider.KindAuth, "fake.auth", "token revoked upstream", nil)
	fresh := NewManager()
	if _, err := fresh.Handle(context.Background(), conn, currentFake); err == nil {
		t.Fatal("Handle() should fail when the credential is rejected")
	}

	got, _ := db.GetConnectionByID(conn.ID)
	if got.Status != models.ConnectionExpired {
		t.Errorf("connection status = %s, want expired", got.Status)
	}
	var gotRule models.SyncRule
	db.GetDB().Where("connection_id = ?", conn.ID).First(&gotRule)
	if gotRule.Active {
		t.Error("sync rule still active after suspension")
	}
}

func TestHandleRefusesInactiveConnection(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	currentFake = &fakeAdapter{}

	m := NewManager()
	conn, err := m.Connect(context.Background(), "ws-1", "fakeconn", provider.Credential{Token: "t"})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := m.Disconnect(conn.ID); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	conn.Status = models.ConnectionRevoked

	if _, err := m.Handle(context.Background(), conn, currentFake); !errors.Is(err, ErrConnectionExpired) {
		t.Errorf("Handle() err = %v, want ErrConnectionExpired", err)
	}
}
