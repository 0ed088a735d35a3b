package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"conduit/internal/models"
	"conduit/internal/syncer"
)

// errIgnoredEvent marks payloads we receive but deliberately do not
// sync (stars, pushes, ping). The gateway acks them without queueing.
var errIgnoredEvent = errors.New("event type not synchronized")

// githubPayload covers the fields shared by issues, issue_comment and
// pull_request events. Everything else in the payload is ignored.
type githubPayload struct {
	Action string `json:"action"`
	Issue  *struct {
		Number    int       `json:"number"`
		Title     string    `json:"title"`
		Body      string    `json:"body"`
		State     string    `json:"state"`
		UpdatedAt time.Time `json:"updated_at"`
	} `json:"issue"`
	PullRequest *struct {
		Number    int       `json:"number"`
		Title     string    `json:"title"`
		Body      string    `json:"body"`
		State     string    `json:"state"`
		Draft     bool      `json:"draft"`
		Merged    bool      `json:"merged"`
		UpdatedAt time.Time `json:"updated_at"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// parseEvent normalizes a raw webhook body into a sync event plus the
// account id used to route it to a connection.
func parseEvent(providerName, eventType string, body []byte) (string, syncer.Event, error) {
	switch providerName {
	case models.ProviderGitHub:
		return parseGitHubEvent(eventType, body)
	default:
		return "", syncer.Event{}, fmt.Errorf("%w: provider %s has no webhook support", ErrUnsupportedWebhookPayload, providerName)
	}
}

func parseGitHubEvent(eventType string, body []byte) (string, syncer.Event, error) {
	switch eventType {
	case "issues", "pull_request":
	case "ping":
		return "", syncer.Event{}, errIgnoredEvent
	default:
		return "", syncer.Event{}, errIgnoredEvent
	}

	var p githubPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", syncer.Event{}, fmt.Errorf("%w: %v", ErrUnsupportedWebhookPayload, err)
	}
	account := p.Repository.Owner.Login
	if account == "" {
		return "", syncer.Event{}, fmt.Errorf("%w: missing repository owner", ErrUnsupportedWebhookPayload)
	}

	switch {
	case eventType == "issues" && p.Issue != nil:
		ev := syncer.Event{
			ExternalID:  p.Repository.FullName + "#" + strconv.Itoa(p.Issue.Number),
			Kind:        "issue",
			Action:      issueAction(p.Action),
			Title:       p.Issue.Title,
			Description: p.Issue.Body,
			State:       p.Issue.State,
			Revision:    p.Issue.UpdatedAt.UTC().Format(time.RFC3339Nano),
			UpdatedAt:   p.Issue.UpdatedAt,
		}
		if ev.Action == "" {
			return "", syncer.Event{}, errIgnoredEvent
		}
		return account, ev, nil

	case eventType == "pull_request" && p.PullRequest != nil:
		pr := p.PullRequest
		lifecycle := prLifecycle(p.Action, pr.Draft, pr.Merged)
		if lifecycle == "" && p.Action != "edited" && p.Action != "reopened" {
			return "", syncer.Event{}, errIgnoredEvent
		}
		action := syncer.ActionUpdated
		if p.Action == "opened" {
			action = syncer.ActionCreated
		}
		return account, syncer.Event{
			ExternalID:  p.Repository.FullName + "#" + strconv.Itoa(pr.Number),
			Kind:        "pull_request",
			Action:      action,
			Lifecycle:   lifecycle,
			Title:       pr.Title,
			Description: pr.Body,
			Revision:    pr.UpdatedAt.UTC().Format(time.RFC3339Nano),
			UpdatedAt:   pr.UpdatedAt,
		}, nil
	}
	return "", syncer.Event{}, errIgnoredEvent
}

func issueAction(action string) string {
	switch action {
	case "opened":
		return syncer.ActionCreated
	case "edited", "reopened", "labeled", "unlabeled", "assigned", "unassigned":
		return syncer.ActionUpdated
	case "closed":
		return syncer.ActionClosed
	case "deleted":
		return syncer.ActionDeleted
	}
	return ""
}

// prLifecycle maps a GitHub pull_request action onto the lifecycle
// vocabulary used by sync rules.
func prLifecycle(action string, draft, merged bool) string {
	switch action {
	case "opened":
		if draft {
			return models.LifecycleDraftOpened
		}
		return models.LifecycleOpened
	case "ready_for_review":
		return models.LifecycleReadyForMerge
	case "review_requested":
		return models.LifecycleReviewRequested
	case "closed":
		if merged {
			return models.LifecycleMerged
		}
		return models.LifecycleClosed
	case "edited", "reopened":
		// State unchanged, but title/body may have; treat as a plain
		// update with no lifecycle transition.
		return ""
	}
	return ""
}
