package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubAdapter struct{ name string }

func (s *stubAdapter) Name() string               { return s.name }
func (s *stubAdapter) Capabilities() Capabilities { return Capabilities{} }
func (s *stubAdapter) Authenticate(ctx context.Context, cred Credential) (Handle, error) {
	return nil, nil
}
func (s *stubAdapter) ListProjects(ctx context.Context, h Handle, cursor string) (ProjectPage, error) {
	return ProjectPage{Done: true}, nil
}
func (s *stubAdapter) FetchEntities(ctx context.Context, h Handle, scope, cursor string) (EntityPage, error) {
	return EntityPage{Done: true}, nil
}
func (s *stubAdapter) PushComment(ctx context.Context, h Handle, externalID, body string) (PushAck, error) {
	return PushAck{}, nil
}
func (s *stubAdapter) PushStateChange(ctx context.Context, h Handle, externalID string, change StateChange) (PushAck, error) {
	return PushAck{}, nil
}

func TestRegistry(t *testing.T) {
	r := &Registry{factories: make(map[string]Factory)}

	r.Register("stub", func() Adapter { return &stubAdapter{name: "stub"} })

	if !r.IsRegistered("stub") {
		t.Error("stub should be registered")
	}
	if r.IsRegistered("missing") {
		t.Error("missing should not be registered")
	}

	a, err := r.New("stub")
	if err != nil {
		t.Fatalf("New(stub) error: %v", err)
	}
	if a.Name() != "stub" {
		t.Errorf("Name() = %q, want stub", a.Name())
	}

	if _, err := r.New("missing"); err == nil {
		t.Error("New(missing) should error")
	}

	r.Register("alpha", func() Adapter { return &stubAdapter{name: "alpha"} })
	names := r.List()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "stub" {
		t.Errorf("List() = %v, want [alpha stub]", names)
	}

	r.Clear()
	if r.IsRegistered("stub") {
		t.Error("Clear() should remove registrations")
	}
}

func TestGlobalRegistryHasBuiltins(t *testing.T) {
	for _, name := range []string{"github", "csv"} {
		if !IsRegistered(name) {
			t.Errorf("built-in adapter %q not registered", name)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("boom")
	err := NewError(KindRateLimited, "test.op", "slow down", base)
	err.RetryAfter = 2 * time.Second

	if !errors.Is(err, base) {
		t.Error("wrapped error should unwrap to base")
	}
	if KindOf(err) != KindRateLimited {
		t.Errorf("KindOf = %v, want rate_limited", KindOf(err))
	}
	if !IsRetryable(err) {
		t.Error("rate limited errors are retryable")
	}

	if KindOf(errors.New("plain")) != KindTransient {
		t.Error("unclassified errors default to transient")
	}
	if !IsRetryable(errors.New("plain")) {
		t.Error("unclassified errors stay retryable")
	}

	for kind, retryable := range map[Kind]bool{
		KindAuth:          false,
		KindRateLimited:   true,
		KindNotFound:      false,
		KindConflict:      false,
		KindValidation:    false,
		KindConfiguration: false,
		KindTransient:     true,
	} {
		e := NewError(kind, "op", "msg", nil)
		if e.Retryable() != retryable {
			t.Errorf("kind %s: Retryable() = %v, want %v", kind, e.Retryable(), retryable)
		}
	}
}
