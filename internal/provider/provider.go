// Package provider defines the uniform adapter contract the engine uses to
// talk to external trackers, plus the concrete GitHub and CSV adapters.
//
// Each external system implements Adapter; everything provider-specific
// (authentication, pagination, entity shapes) stays inside the adapter so
// the orchestrator and sync controller never branch on provider name.
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Credential carries the secret material for authentication. It is passed
// by value at connect time and never persisted by adapters.
type Credential struct {
	Token   string // PAT or OAuth access token
	BaseURL string // optional override for self-hosted instances
	Extra   map[string]string
}

// Handle is an authenticated session with one external account. Opaque to
// callers; adapters store whatever client state they need behind it.
type Handle interface {
	// AccountID returns the external account/organization identifier the
	// credential authenticates as.
	AccountID() string
}

// ProjectRef identifies one importable container (repo, project, space)
// in the external system.
type ProjectRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// RawEntity is one external issue/PR/MR in the adapter's normalized form.
// State, priority and users stay in provider vocabulary; the mapper
// translates them later.
type RawEntity struct {
	ExternalID  string       `json:"external_id"`
	Kind        string       `json:"kind"` // issue, pull_request, merge_request
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	State       string       `json:"state"`
	Priority    string       `json:"priority,omitempty"`
	AssigneeID  string       `json:"assignee_id,omitempty"`
	Labels      []string     `json:"labels,omitempty"`
	URL         string       `json:"url,omitempty"`
	Revision    string       `json:"revision,omitempty"`
	Comments    []RawComment `json:"comments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// RawComment is one discussion entry on a RawEntity
type RawComment struct {
	ExternalID string    `json:"external_id"`
	AuthorID   string    `json:"author_id,omitempty"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// EntityPage is one page of fetch results plus the cursor to continue from
type EntityPage struct {
	Entities   []RawEntity
	NextCursor string
	Done       bool
}

// ProjectPage is one page of project listing results
type ProjectPage struct {
	Projects   []ProjectRef
	NextCursor string
	Done       bool
}

// StateChange is an outbound state mutation for one external entity
type StateChange struct {
	State string // target state in provider vocabulary
}

// PushAck acknowledges an outbound push and reports the external revision
// it produced, used for echo suppression.
type PushAck struct {
	Revision string
}

// Capabilities declares per-provider behavior the engine must respect
type Capabilities struct {
	// MultipleConnections permits more than one active connection per
	// workspace for this provider.
	MultipleConnections bool
	// Webhooks reports whether the provider delivers events.
	Webhooks bool
	// Push reports whether outbound writes are supported. The CSV
	// adapter, for example, is read-only.
	Push bool
}

// Adapter is the uniform interface over one external system. Every method
// is safe to retry: transient failures return a retryable error kind
// distinct from permanent ones.
type Adapter interface {
	// Name returns the lowercase provider identifier (e.g. "github").
	Name() string

	// Capabilities returns the provider's behavior flags.
	Capabilities() Capabilities

	// Authenticate validates the credential and returns a session handle.
	// A bad credential yields a KindAuth error.
	Authenticate(ctx context.Context, cred Credential) (Handle, error)

	// ListProjects returns one page of importable projects. Pass an empty
	// cursor to start; the listing is finite and restartable from any
	// returned cursor.
	ListProjects(ctx context.Context, h Handle, cursor string) (ProjectPage, error)

	// FetchEntities returns one page of entities for the scope, plus the
	// cursor for the next page. Re-issuing the same cursor after a crash
	// yields the same page.
	FetchEntities(ctx context.Context, h Handle, scope, cursor string) (EntityPage, error)

	// PushComment writes a comment to the external entity.
	PushComment(ctx context.Context, h Handle, externalID, body string) (PushAck, error)

	// PushStateChange moves the external entity to a new state. A
	// concurrent external mutation yields a KindConflict error.
	PushStateChange(ctx context.Context, h Handle, externalID string, change StateChange) (PushAck, error)
}

// EncodePage serializes a fetched page for batch persistence
func EncodePage(entities []RawEntity) ([]byte, error) {
	return json.Marshal(entities)
}

// DecodePage deserializes a persisted batch payload
func DecodePage(raw []byte) ([]RawEntity, error) {
	var entities []RawEntity
	if len(raw) == 0 {
		return entities, nil
	}
	if err := json.Unmarshal(raw, &entities); err != nil {
		return nil, err
	}
	return entities, nil
}
