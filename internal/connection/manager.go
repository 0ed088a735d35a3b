// Package connection owns provider credentials and the
// one-active-connection-per-workspace invariant. Secrets live in the
// system keyring behind an opaque handle; the database only ever sees
// the handle.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zalando/go-keyring"

	"conduit/internal/db"
	"conduit/internal/models"
	"conduit/internal/provider"
)

// Sentinel errors for connect/disconnect operations
var (
	ErrAlreadyConnected  = errors.New("workspace already has an active connection for this provider")
	ErrInvalidCredential = errors.New("credential rejected by provider")
	ErrConnectionExpired = errors.New("connection credential expired")
)

// Manager coordinates connection lifecycle and credential access
type Manager struct {
	mu      sync.Mutex
	refresh map[string]*sync.Mutex // per-connection refresh locks
	handles map[string]provider.Handle
}

// NewManager creates a connection manager
func NewManager() *Manager {
	return &Manager{
		refresh: make(map[string]*sync.Mutex),
		handles: make(map[string]provider.Handle),
	}
}

// storedCredential is the JSON blob kept in the keyring
type storedCredential struct {
	Token   string            `json:"token,omitempty"`
	BaseURL string            `json:"base_url,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// Connect validates the credential against the provider and creates an
// active Connection. Fails with ErrAlreadyConnected when the workspace
// already holds an active connection for a single-connection provider,
// and ErrInvalidCredential when authentication fails.
func (m *Manager) Connect(ctx context.Context, workspaceID, providerName string, cred provider.Credential) (*models.Connection, error) {
	adapter, err := provider.New(providerName)
	if err != nil {
		return nil, err
	}

	if !adapter.Capabilities().MultipleConnections {
		existing, err := db.FindActiveConnections(workspaceID, providerName)
		if err != nil {
			return nil, fmt.Errorf("failed to check existing connections: %w", err)
		}
		if len(existing) > 0 {
			return nil, fmt.Errorf("%w: disconnect %s first", ErrAlreadyConnected, existing[0].ID)
		}
	}

	handle, err := adapter.Authenticate(ctx, cred)
	if err != nil {
		if provider.KindOf(err) == provider.KindAuth {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		return nil, err
	}

	credHandle := uuid.NewString()
	blob, err := json.Marshal(storedCredential{Token: cred.Token, BaseURL: cred.BaseURL, Extra: cred.Extra})
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := keyring.Set(models.KeyringServiceName, credHandle, string(blob)); err != nil {
		return nil, fmt.Errorf("failed to store credential in keyring: %w", err)
	}

	conn := &models.Connection{
		ID:                uuid.NewString(),
		WorkspaceID:       workspaceID,
		Provider:          providerName,
		ExternalAccountID: handle.AccountID(),
		CredentialHandle:  credHandle,
		Status:            models.ConnectionActive,
	}
	if err := db.GetDB().Create(conn).Error; err != nil {
		keyring.Delete(models.KeyringServiceName, credHandle)
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}

	m.mu.Lock()
	m.handles[conn.ID] = handle
	m.mu.Unlock()

	return conn, nil
}

// Disconnect revokes a connection and cascades: in-flight import jobs
// move to cancelled, sync rules become inactive (never deleted), and
// external links stay queryable for history.
func (m *Manager) Disconnect(connectionID string) error {
	conn, err := db.GetConnectionByID(connectionID)
	if err != nil {
		return err
	}

	database := db.GetDB()
	now := time.Now()

	if err := database.Model(&models.ImportJob{}).
		Where("connection_id = ? AND status NOT IN ?", connectionID,
			[]string{models.JobFinished, models.JobFinishedWithErrors, models.JobError, models.JobCancelled}).
		Updates(map[string]interface{}{"status": models.JobCancelled, "finished_at": now}).Error; err != nil {
		return fmt.Errorf("failed to cancel in-flight jobs: %w", err)
	}

	if err := database.Model(&models.SyncRule{}).
		Where("connection_id = ?", connectionID).
		Update("active", false).Error; err != nil {
		return fmt.Errorf("failed to deactivate sync rules: %w", err)
	}

	if err := database.Model(conn).Update("status", models.ConnectionRevoked).Error; err != nil {
		return fmt.Errorf("failed to revoke connection: %w", err)
	}

	// Best effort: a missing keyring entry is not fatal on disconnect
	keyring.Delete(models.KeyringServiceName, conn.CredentialHandle)

	m.mu.Lock()
	delete(m.handles, connectionID)
	m.mu.Unlock()

	return nil
}

// Handle returns an authenticated provider handle for the connection,
// authenticating lazily on first use. Refresh is guarded by a
// per-connection lock so concurrent callers never race two logins.
// An auth failure marks the connection expired and suspends its sync
// rules.
func (m *Manager) Handle(ctx context.Context, conn *models.Connection, adapter provider.Adapter) (provider.Handle, error) {
	if !conn.IsActive() {
		return nil, fmt.Errorf("%w: connection %s is %s", ErrConnectionExpired, conn.ID, conn.Status)
	}

	lock := m.refreshLock(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	handle, ok := m.handles[conn.ID]
	m.mu.Unlock()
	if ok {
		return handle, nil
	}

	cred, err := m.credential(conn)
	if err != nil {
		return nil, err
	}

	handle, err = adapter.Authenticate(ctx, cred)
	if err != nil {
		if provider.KindOf(err) == provider.KindAuth {
			m.suspend(conn)
		}
		return nil, err
	}

	m.mu.Lock()
	m.handles[conn.ID] = handle
	m.mu.Unlock()
	return handle, nil
}

// Invalidate drops the cached handle so the next use re-authenticates
func (m *Manager) Invalidate(connectionID string) {
	m.mu.Lock()
	delete(m.handles, connectionID)
	m.mu.Unlock()
}

func (m *Manager) credential(conn *models.Connection) (provider.Credential, error) {
	blob, err := keyring.Get(models.KeyringServiceName, conn.CredentialHandle)
	if err != nil {
		return provider.Credential{}, fmt.Errorf("credential for connection %s not found in keyring: %w", conn.ID, err)
	}
	var stored storedCredential
	if err := json.Unmarshal([]byte(blob), &stored); err != nil {
		return provider.Credential{}, fmt.Errorf("corrupt credential for connection %s: %w", conn.ID, err)
	}
	return provider.Credential{Token: stored.Token, BaseURL: stored.BaseURL, Extra: stored.Extra}, nil
}

// suspend marks the connection expired and deactivates its sync rules.
// Jobs are left in place; the orchestrator refuses to run them while the
// connection is not active.
func (m *Manager) suspend(conn *models.Connection) {
	database := db.GetDB()
	database.Model(conn).Update("status", models.ConnectionExpired)
	database.Model(&models.SyncRule{}).
		Where("connection_id = ?", conn.ID).
		Update("active", false)
	conn.Status = models.ConnectionExpired
}

func (m *Manager) refreshLock(connectionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.refresh[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		m.refresh[connectionID] = lock
	}
	return lock
}
