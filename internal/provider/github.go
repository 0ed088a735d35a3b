package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v63/github"
)

const (
	// githubAPITimeout bounds individual GitHub API requests
	githubAPITimeout = 30 * time.Second
	githubPageSize   = 100

	// commentFetchLimit caps comments pulled per entity; anything beyond
	// one page is cut off rather than ballooning a batch.
	commentFetchLimit = 100
)

func init() {
	Register("github", func() Adapter { return NewGitHub() })
}

// GitHub implements Adapter over the GitHub REST API. A repository is one
// importable project; issues and pull requests are the entities.
type GitHub struct {
	limiter *Limiter
}

// NewGitHub creates a GitHub adapter with a conservative default limit;
// the bucket is resized from response headers after the first call.
func NewGitHub() *GitHub {
	// 5000 requests/hour is the authenticated REST quota
	return &GitHub{limiter: NewLimiter(5000.0/3600.0, 10)}
}

// Name returns the provider identifier
func (g *GitHub) Name() string { return "github" }

// Capabilities returns GitHub's behavior flags
func (g *GitHub) Capabilities() Capabilities {
	return Capabilities{MultipleConnections: false, Webhooks: true, Push: true}
}

type githubHandle struct {
	client *github.Client
	login  string
}

func (h *githubHandle) AccountID() string { return h.login }

// Authenticate validates the token by fetching the authenticated user
func (g *GitHub) Authenticate(ctx context.Context, cred Credential) (Handle, error) {
	httpClient := &http.Client{
		Timeout: githubAPITimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	client := github.NewClient(httpClient).WithAuthToken(cred.Token)
	if cred.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cred.BaseURL, cred.BaseURL)
		if err != nil {
			return nil, NewError(KindConfiguration, "github.authenticate", "invalid enterprise base URL", err)
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	user, resp, err := client.Users.Get(ctx, "")
	if err != nil {
		return nil, g.classify("github.authenticate", resp, err)
	}
	g.resize(resp)

	return &githubHandle{client: client, login: user.GetLogin()}, nil
}

// ListProjects lists repositories the token can reach, one repo per
// ProjectRef. The cursor is the API page number.
func (g *GitHub) ListProjects(ctx context.Context, h Handle, cursor string) (ProjectPage, error) {
	gh, err := g.handle(h)
	if err != nil {
		return ProjectPage{}, err
	}

	page := cursorPage(cursor)
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Sort:        "full_name",
		ListOptions: github.ListOptions{Page: page, PerPage: githubPageSize},
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return ProjectPage{}, err
	}
	repos, resp, err := gh.client.Repositories.ListByAuthenticatedUser(ctx, opts)
	if err != nil {
		return ProjectPage{}, g.classify("github.list_projects", resp, err)
	}
	g.resize(resp)

	out := ProjectPage{Done: resp.NextPage == 0}
	if !out.Done {
		out.NextCursor = strconv.Itoa(resp.NextPage)
	}
	for _, r := range repos {
		out.Projects = append(out.Projects, ProjectRef{
			ID:   r.GetFullName(),
			Name: r.GetName(),
			URL:  r.GetHTMLURL(),
		})
	}
	return out, nil
}

// FetchEntities pulls one page of issues and pull requests for the scope
// ("owner/repo"). Re-issuing a cursor yields the same page.
func (g *GitHub) FetchEntities(ctx context.Context, h Handle, scope, cursor string) (EntityPage, error) {
	gh, err := g.handle(h)
	if err != nil {
		return EntityPage{}, err
	}
	owner, repo, err := splitScope(scope)
	if err != nil {
		return EntityPage{}, err
	}

	page := cursorPage(cursor)
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Sort:        "created",
		Direction:   "asc",
		ListOptions: github.ListOptions{Page: page, PerPage: githubPageSize},
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return EntityPage{}, err
	}
	issues, resp, err := gh.client.Issues.ListByRepo(ctx, owner, repo, opts)
	if err != nil {
		return EntityPage{}, g.classify("github.fetch_entities", resp, err)
	}
	g.resize(resp)

	out := EntityPage{Done: resp.NextPage == 0}
	if !out.Done {
		out.NextCursor = strconv.Itoa(resp.NextPage)
	}
	for _, issue := range issues {
		entity := convertIssue(issue)
		if issue.GetComments() > 0 {
			comments, err := g.fetchComments(ctx, gh, owner, repo, issue.GetNumber())
			if err != nil {
				return EntityPage{}, err
			}
			entity.Comments = comments
		}
		out.Entities = append(out.Entities, entity)
	}
	return out, nil
}

// PushComment writes a comment to the issue identified by externalID
func (g *GitHub) PushComment(ctx context.Context, h Handle, externalID, body string) (PushAck, error) {
	gh, err := g.handle(h)
	if err != nil {
		return PushAck{}, err
	}
	owner, repo, num, err := splitEntityID(externalID)
	if err != nil {
		return PushAck{}, err
	}

	// Pushes fail fast with the rate-limit hint instead of blocking; the
	// caller decides whether the push is worth waiting for.
	if err := g.limiter.Reserve(); err != nil {
		return PushAck{}, err
	}
	comment, resp, err := gh.client.Issues.CreateComment(ctx, owner, repo, num, &github.IssueComment{Body: &body})
	if err != nil {
		return PushAck{}, g.classify("github.push_comment", resp, err)
	}
	g.resize(resp)

	return PushAck{Revision: revisionFor(comment.GetUpdatedAt().Time)}, nil
}

// PushStateChange transitions the external issue to the mapped state
func (g *GitHub) PushStateChange(ctx context.Context, h Handle, externalID string, change StateChange) (PushAck, error) {
	gh, err := g.handle(h)
	if err != nil {
		return PushAck{}, err
	}
	owner, repo, num, err := splitEntityID(externalID)
	if err != nil {
		return PushAck{}, err
	}

	state := change.State
	if err := g.limiter.Reserve(); err != nil {
		return PushAck{}, err
	}
	issue, resp, err := gh.client.Issues.Edit(ctx, owner, repo, num, &github.IssueRequest{State: &state})
	if err != nil {
		return PushAck{}, g.classify("github.push_state", resp, err)
	}
	g.resize(resp)

	return PushAck{Revision: revisionFor(issue.GetUpdatedAt().Time)}, nil
}

func (g *GitHub) fetchComments(ctx context.Context, gh *githubHandle, owner, repo string, num int) ([]RawComment, error) {
	opts := &github.IssueListCommentsOptions{
		Sort:        github.String("created"),
		Direction:   github.String("asc"),
		ListOptions: github.ListOptions{PerPage: commentFetchLimit},
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	comments, resp, err := gh.client.Issues.ListComments(ctx, owner, repo, num, opts)
	if err != nil {
		return nil, g.classify("github.fetch_comments", resp, err)
	}
	g.resize(resp)

	var out []RawComment
	for _, c := range comments {
		out = append(out, RawComment{
			ExternalID: strconv.FormatInt(c.GetID(), 10),
			AuthorID:   c.GetUser().GetLogin(),
			Body:       c.GetBody(),
			CreatedAt:  c.GetCreatedAt().Time,
		})
	}
	return out, nil
}

func (g *GitHub) handle(h Handle) (*githubHandle, error) {
	gh, ok := h.(*githubHandle)
	if !ok {
		return nil, NewError(KindConfiguration, "github", "handle does not belong to the github adapter", nil)
	}
	return gh, nil
}

// classify maps go-github errors onto the adapter error taxonomy
func (g *GitHub) classify(op string, resp *github.Response, err error) error {
	if _, ok := err.(*github.RateLimitError); ok {
		e := NewError(KindRateLimited, op, "GitHub rate limit exhausted", err)
		if resp != nil {
			e.RetryAfter = time.Until(resp.Rate.Reset.Time)
		}
		return e
	}
	if _, ok := err.(*github.AbuseRateLimitError); ok {
		e := NewError(KindRateLimited, op, "GitHub secondary rate limit", err)
		if ab := err.(*github.AbuseRateLimitError); ab.RetryAfter != nil {
			e.RetryAfter = *ab.RetryAfter
		}
		return e
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return NewError(KindAuth, op, "credential rejected by GitHub", err)
		case http.StatusNotFound, http.StatusGone:
			return NewError(KindNotFound, op, "entity not found on GitHub", err)
		case http.StatusConflict:
			return NewError(KindConflict, op, "concurrent modification on GitHub", err)
		case http.StatusUnprocessableEntity:
			return NewError(KindValidation, op, "GitHub rejected the payload", err)
		}
	}
	return NewError(KindTransient, op, "GitHub request failed", err)
}

// resize feeds provider-reported limits back into the local bucket
func (g *GitHub) resize(resp *github.Response) {
	if resp == nil {
		return
	}
	g.limiter.Resize(resp.Rate.Remaining, resp.Rate.Reset.Time)
}

func convertIssue(issue *github.Issue) RawEntity {
	entity := RawEntity{
		ExternalID:  issue.GetRepository().GetFullName() + "#" + strconv.Itoa(issue.GetNumber()),
		Kind:        "issue",
		Title:       issue.GetTitle(),
		Description: issue.GetBody(),
		State:       issue.GetState(),
		URL:         issue.GetHTMLURL(),
		Revision:    revisionFor(issue.GetUpdatedAt().Time),
		CreatedAt:   issue.GetCreatedAt().Time,
		UpdatedAt:   issue.GetUpdatedAt().Time,
	}
	if entity.ExternalID == "#"+strconv.Itoa(issue.GetNumber()) {
		// ListByRepo omits the repository object; fall back to the URL path
		entity.ExternalID = repoFromURL(issue.GetHTMLURL()) + "#" + strconv.Itoa(issue.GetNumber())
	}
	if issue.PullRequestLinks != nil {
		entity.Kind = "pull_request"
	}
	if issue.Assignee != nil {
		entity.AssigneeID = issue.Assignee.GetLogin()
	}
	for _, label := range issue.Labels {
		name := label.GetName()
		entity.Labels = append(entity.Labels, name)
		// GitHub has no priority field; a priority-looking label carries it
		lower := strings.ToLower(name)
		if entity.Priority == "" && (strings.HasPrefix(lower, "priority") || priorityShorthand(lower)) {
			entity.Priority = name
		}
	}
	return entity
}

func priorityShorthand(label string) bool {
	switch label {
	case "p0", "p1", "p2", "p3", "p4", "critical", "urgent", "high", "medium", "low":
		return true
	}
	return false
}

func cursorPage(cursor string) int {
	if cursor == "" {
		return 1
	}
	page, err := strconv.Atoi(cursor)
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func splitScope(scope string) (owner, repo string, err error) {
	parts := strings.SplitN(scope, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", NewError(KindConfiguration, "github", fmt.Sprintf("invalid scope %q: expected owner/repo", scope), nil)
	}
	return parts[0], parts[1], nil
}

// splitEntityID parses "owner/repo#123" identifiers
func splitEntityID(externalID string) (owner, repo string, num int, err error) {
	idx := strings.LastIndex(externalID, "#")
	if idx < 0 {
		return "", "", 0, NewError(KindConfiguration, "github", fmt.Sprintf("invalid entity id %q: expected owner/repo#number", externalID), nil)
	}
	owner, repo, err = splitScope(externalID[:idx])
	if err != nil {
		return "", "", 0, err
	}
	num, convErr := strconv.Atoi(externalID[idx+1:])
	if convErr != nil || num < 1 {
		return "", "", 0, NewError(KindConfiguration, "github", fmt.Sprintf("invalid issue number in %q", externalID), nil)
	}
	return owner, repo, num, nil
}

func repoFromURL(htmlURL string) string {
	// https://github.com/owner/repo/issues/123
	parts := strings.Split(strings.TrimPrefix(htmlURL, "https://"), "/")
	if len(parts) >= 3 {
		return parts[1] + "/" + parts[2]
	}
	return ""
}

func revisionFor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
