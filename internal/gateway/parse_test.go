package gateway

import (
	"errors"
	"testing"

	"conduit/internal/models"
	"conduit/internal/syncer"
)

const issueOpenedBody = `{
	"action": "opened",
	"issue": {
		"number": 7,
		"title": "Crash on startup",
		"body": "Stack trace attached",
		"state": "open",
		"updated_at": "2026-03-01T10:30:00Z"
	},
	"repository": {
		"full_name": "octo/widgets",
		"owner": {"login": "octo"}
	}
}`

func TestParseGitHubIssueOpened(t *testing.T) {
	account, ev, err := parseGitHubEvent("issues", []byte(issueOpenedBody))
	if err != nil {
		t.Fatalf("parseGitHubEvent() error: %v", err)
	}
	if account != "octo" {
		t.Errorf("account = %q, want octo", account)
	}
	if ev.ExternalID != "octo/widgets#7" {
		t.Errorf("external id = %q, want octo/widgets#7", ev.ExternalID)
	}
	if ev.Kind != "issue" || ev.Action != syncer.ActionCreated {
		t.Errorf("kind/action = %s/%s, want issue/created", ev.Kind, ev.Action)
	}
	if ev.Title != "Crash on startup" || ev.State != "open" {
		t.Errorf("title/state = %q/%q", ev.Title, ev.State)
	}
	if ev.Revision != "2026-03-01T10:30:00Z" {
		t.Errorf("revision = %q, want the updated_at timestamp", ev.Revision)
	}
}

func TestParseGitHubIgnoredEvents(t *testing.T) {
	for _, eventType := range []string{"ping", "star", "push", "workflow_run"} {
		_, _, err := parseGitHubEvent(eventType, []byte(`{}`))
		if !errors.Is(err, errIgnoredEvent) {
			t.Errorf("%s: err = %v, want errIgnoredEvent", eventType, err)
		}
	}
}

func TestParseGitHubMissingOwnerRejected(t *testing.T) {
	body := `{"action": "opened", "issue": {"number": 1}, "repository": {"full_name": "x/y"}}`
	_, _, err := parseGitHubEvent("issues", []byte(body))
	if !errors.Is(err, ErrUnsupportedWebhookPayload) {
		t.Errorf("err = %v, want ErrUnsupportedWebhookPayload", err)
	}
}

func TestParseGitHubMalformedJSON(t *testing.T) {
	_, _, err := parseGitHubEvent("issues", []byte(`{not json`))
	if !errors.Is(err, ErrUnsupportedWebhookPayload) {
		t.Errorf("err = %v, want ErrUnsupportedWebhookPayload", err)
	}
}

func TestParseEventUnknownProvider(t *testing.T) {
	_, _, err := parseEvent("jira", "issues", []byte(`{}`))
	if !errors.Is(err, ErrUnsupportedWebhookPayload) {
		t.Errorf("err = %v, want ErrUnsupportedWebhookPayload", err)
	}
}

func TestIssueAction(t *testing.T) {
	tests := []struct {
		action string
		want   string
	}{
		{"opened", syncer.ActionCreated},
		{"edited", syncer.ActionUpdated},
		{"reopened", syncer.ActionUpdated},
		{"labeled", syncer.ActionUpdated},
		{"assigned", syncer.ActionUpdated},
		{"closed", syncer.ActionClosed},
		{"deleted", syncer.ActionDeleted},
		{"pinned", ""},
		{"transferred", ""},
	}
	for _, tt := range tests {
		if got := issueAction(tt.action); got != tt.want {
			t.Errorf("issueAction(%q) = %q, want %q", tt.action, got, tt.want)
		}
	}
}

func TestPRLifecycle(t *testing.T) {
	tests := []struct {
		action string
		draft  bool
		merged bool
		want   string
	}{
		{"opened", false, false, models.LifecycleOpened},
		{"opened", true, false, models.LifecycleDraftOpened},
		{"ready_for_review", false, false, models.LifecycleReadyForMerge},
		{"review_requested", false, false, models.LifecycleReviewRequested},
		{"closed", false, true, models.LifecycleMerged},
		{"closed", false, false, models.LifecycleClosed},
		{"edited", false, false, ""},
		{"reopened", false, false, ""},
		{"synchronize", false, false, ""},
	}
	for _, tt := range tests {
		if got := prLifecycle(tt.action, tt.draft, tt.merged); got != tt.want {
			t.Errorf("prLifecycle(%q, draft=%v, merged=%v) = %q, want %q",
				tt.action, tt.draft, tt.merged, got, tt.want)
		}
	}
}

func prBody(action string, merged bool) []byte {
	m := "false"
	if merged {
		m = "true"
	}
	return []byte(`{
		"action": "` + action + `",
		"pull_request": {
			"number": 12,
			"title": "Add retry",
			"body": "",
			"state": "open",
			"merged": ` + m + `,
			"updated_at": "2026-03-02T09:00:00Z"
		},
		"repository": {
			"full_name": "octo/widgets",
			"owner": {"login": "octo"}
		}
	}`)
}

func TestParseGitHubPullRequestMerged(t *testing.T) {
	account, ev, err := parseGitHubEvent("pull_request", prBody("closed", true))
	if err != nil {
		t.Fatalf("parseGitHubEvent() error: %v", err)
	}
	if account != "octo" {
		t.Errorf("account = %q, want octo", account)
	}
	if ev.Kind != "pull_request" || ev.Lifecycle != models.LifecycleMerged {
		t.Errorf("kind/lifecycle = %s/%s, want pull_request/merged", ev.Kind, ev.Lifecycle)
	}
	if ev.Action != syncer.ActionUpdated {
		t.Errorf("action = %s, want updated", ev.Action)
	}
}

func TestParseGitHubPullRequestEditedIsPlainUpdate(t *testing.T) {
	_, ev, err := parseGitHubEvent("pull_request", prBody("edited", false))
	if err != nil {
		t.Fatalf("parseGitHubEvent() error: %v", err)
	}
	if ev.Lifecycle != "" {
		t.Errorf("lifecycle = %q, want empty for an edit", ev.Lifecycle)
	}
	if ev.Action != syncer.ActionUpdated {
		t.Errorf("action = %s, want updated", ev.Action)
	}
}

func TestParseGitHubPullRequestSynchronizeIgnored(t *testing.T) {
	_, _, err := parseGitHubEvent("pull_request", prBody("synchronize", false))
	if !errors.Is(err, errIgnoredEvent) {
		t.Errorf("err = %v, want errIgnoredEvent", err)
	}
}
