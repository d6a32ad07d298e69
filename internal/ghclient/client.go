// Package ghclient is a thin, rate-limit-aware wrapper over GitHub's REST v3
// and GraphQL v4 APIs (spec.md C4). Grounded on
// apps/ReleaseParty/backend/internal/githubapp/client.go (ghinstallation
// transport wrapping google/go-github/v66) for installation-token auth and
// apps/ReleaseParty/backend/internal/githubops/githubops.go for REST call
// shapes (CompareCommits, PullRequests.Create, Git.GetRef/CreateRef).
// Extended with GraphQL review-thread queries via shurcooL/githubv4 — the
// GraphQL client most commonly paired with go-github in the ecosystem; no
// pack example imports a GraphQL client, so this one dependency is named
// rather than grounded (see DESIGN.md).
package ghclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// Client wraps REST and GraphQL access for one GithubToken.
type Client struct {
	rest    *github.Client
	graphql *githubv4.Client

	mu              sync.Mutex
	writeAccessible map[string]bool
}

// New builds a Client authenticated with a plain OAuth2-style token (a
// classic or fine-grained PAT, decrypted by the caller from GithubToken's
// TokenCipher). baseURL is the API base, empty for github.com.
func New(token, baseURL string) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("github token required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Transport = newRetryTransport(httpClient.Transport)

	var rest *github.Client
	var err error
	if baseURL != "" {
		rest, err = github.NewClient(httpClient).WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, err
		}
	} else {
		rest = github.NewClient(httpClient)
	}

	gql := githubv4.NewClient(httpClient)
	return &Client{rest: rest, graphql: gql, writeAccessible: make(map[string]bool)}, nil
}

// NewFromRoundTripper builds a Client from a pre-built transport, used for
// GitHub App installation tokens minted via ghinstallation.
func NewFromRoundTripper(rt http.RoundTripper, baseURL string) (*Client, error) {
	httpClient := &http.Client{Transport: newRetryTransport(rt)}
	var rest *github.Client
	var err error
	if baseURL != "" {
		rest, err = github.NewClient(httpClient).WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, err
		}
	} else {
		rest = github.NewClient(httpClient)
	}
	gql := githubv4.NewClient(httpClient)
	return &Client{rest: rest, graphql: gql, writeAccessible: make(map[string]bool)}, nil
}

func wrapError(resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp == nil || resp.Response == nil {
		return err
	}
	status := resp.StatusCode
	rateLimited := resp.Header.Get("X-RateLimit-Remaining") == "0"
	var resetAt time.Time
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if secs, parseErr := parseUnixSeconds(v); parseErr == nil {
			resetAt = secs
		}
	}
	if classified := classifyStatus(status, rateLimited, resetAt); classified != nil {
		return classified
	}
	return err
}

func parseUnixSeconds(v string) (time.Time, error) {
	var secs int64
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}

// ValidateToken probes /user to confirm the token authenticates.
func (c *Client) ValidateToken(ctx context.Context) error {
	_, resp, err := c.rest.Users.Get(ctx, "")
	return wrapError(resp, err)
}

func (c *Client) Repository(ctx context.Context, owner, repo string) (*github.Repository, error) {
	r, resp, err := c.rest.Repositories.Get(ctx, owner, repo)
	if err := wrapError(resp, err); err != nil {
		return nil, err
	}
	return r, nil
}

// Repositories lists repositories accessible to the token, filtered to
// those with push permission.
func (c *Client) Repositories(ctx context.Context) ([]*github.Repository, error) {
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var out []*github.Repository
	for {
		repos, resp, err := c.rest.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err := wrapError(resp, err); err != nil {
			return nil, err
		}
		for _, r := range repos {
			if r.GetPermissions()["push"] {
				out = append(out, r)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// WriteAccessible probes write access to owner/repo by creating an
// unreferenced blob; the result is cached per-instance per-repo.
func (c *Client) WriteAccessible(ctx context.Context, owner, repo string) bool {
	key := owner + "/" + repo
	c.mu.Lock()
	if v, ok := c.writeAccessible[key]; ok {
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	_, resp, err := c.rest.Git.CreateBlob(ctx, owner, repo, &github.Blob{
		Content:  github.String(""),
		Encoding: github.String("utf-8"),
	})
	ok := wrapError(resp, err) == nil

	c.mu.Lock()
	c.writeAccessible[key] = ok
	c.mu.Unlock()
	return ok
}

func (c *Client) Issues(ctx context.Context, owner, repo string, labels []string, state string, page int) ([]*github.Issue, *github.Response, error) {
	opts := &github.IssueListByRepoOptions{
		Labels: labels,
		State:  state,
		ListOptions: github.ListOptions{
			Page:    page,
			PerPage: 100,
		},
	}
	issues, resp, err := c.rest.Issues.ListByRepo(ctx, owner, repo, opts)
	if err := wrapError(resp, err); err != nil {
		return nil, resp, err
	}
	return issues, resp, nil
}

func (c *Client) PullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	pr, resp, err := c.rest.PullRequests.Get(ctx, owner, repo, number)
	if err := wrapError(resp, err); err != nil {
		return nil, err
	}
	return pr, nil
}

type CreatePullRequestParams struct {
	Title string
	Body  string
	Head  string
	Base  string
}

func (c *Client) CreatePullRequest(ctx context.Context, owner, repo string, p CreatePullRequestParams) (*github.PullRequest, error) {
	pr, resp, err := c.rest.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(p.Title),
		Body:  github.String(p.Body),
		Head:  github.String(p.Head),
		Base:  github.String(p.Base),
	})
	if err := wrapError(resp, err); err != nil {
		return nil, err
	}
	return pr, nil
}

func (c *Client) Labels(ctx context.Context, owner, repo string) ([]*github.Label, error) {
	labels, resp, err := c.rest.Issues.ListLabels(ctx, owner, repo, nil)
	if err := wrapError(resp, err); err != nil {
		return nil, err
	}
	return labels, nil
}

func (c *Client) CreateLabel(ctx context.Context, owner, repo, name, color string) error {
	_, resp, err := c.rest.Issues.CreateLabel(ctx, owner, repo, &github.Label{
		Name:  github.String(name),
		Color: github.String(color),
	})
	return wrapError(resp, err)
}

func (c *Client) AddLabelsToIssue(ctx context.Context, owner, repo string, number int, labels []string) error {
	_, resp, err := c.rest.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
	return wrapError(resp, err)
}

func (c *Client) RemoveLabelFromIssue(ctx context.Context, owner, repo string, number int, label string) error {
	resp, err := c.rest.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
	if err != nil && resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil // already absent; RemoveLabelFromIssue is idempotent
	}
	return wrapError(resp, err)
}

func (c *Client) AddComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, resp, err := c.rest.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.String(body)})
	return wrapError(resp, err)
}

func (c *Client) CheckRunsForRef(ctx context.Context, owner, repo, ref string) ([]*github.CheckRun, error) {
	result, resp, err := c.rest.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, nil)
	if err := wrapError(resp, err); err != nil {
		return nil, err
	}
	return result.CheckRuns, nil
}

func (c *Client) IssueComments(ctx context.Context, owner, repo string, number int, since time.Time) ([]*github.IssueComment, error) {
	opts := &github.IssueListCommentsOptions{Since: &since}
	comments, resp, err := c.rest.Issues.ListComments(ctx, owner, repo, number, opts)
	if err := wrapError(resp, err); err != nil {
		return nil, err
	}
	return comments, nil
}

func (c *Client) PullRequestReviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error) {
	reviews, resp, err := c.rest.PullRequests.ListReviews(ctx, owner, repo, number, nil)
	if err := wrapError(resp, err); err != nil {
		return nil, err
	}
	return reviews, nil
}

func (c *Client) CreatePullRequestCommentReply(ctx context.Context, owner, repo string, number int, commentID int64, body string) error {
	_, resp, err := c.rest.PullRequests.CreateCommentInReplyTo(ctx, owner, repo, number, body, commentID)
	return wrapError(resp, err)
}

// ReviewThread is a normalized GraphQL pull request review thread.
type ReviewThread struct {
	ID         string
	IsResolved bool
	Comments   []ReviewThreadComment
}

// ReviewThreadComment is one comment within a ReviewThread.
type ReviewThreadComment struct {
	Body   string
	Path   string
	Line   int
	Author string
}

type reviewThreadsQuery struct {
	Repository struct {
		PullRequest struct {
			ReviewThreads struct {
				Nodes []struct {
					ID         githubv4.ID
					IsResolved bool
					Comments   struct {
						Nodes []struct {
							Body   githubv4.String
							Path   githubv4.String
							Line   githubv4.Int
							Author struct {
								Login githubv4.String
							}
						}
					} `graphql:"comments(first: 50)"`
				}
			} `graphql:"reviewThreads(first: 50)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// ReviewThreads fetches every review thread on a pull request via
// GraphQL, normalized to a flat struct regardless of resolution state;
// callers filter to unresolved threads themselves.
func (c *Client) ReviewThreads(ctx context.Context, owner, repo string, number int) ([]ReviewThread, error) {
	var q reviewThreadsQuery
	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(number),
	}
	if err := c.graphql.Query(ctx, &q, vars); err != nil {
		return nil, err
	}
	var out []ReviewThread
	for _, n := range q.Repository.PullRequest.ReviewThreads.Nodes {
		t := ReviewThread{ID: fmt.Sprintf("%v", n.ID), IsResolved: n.IsResolved}
		for _, c := range n.Comments.Nodes {
			t.Comments = append(t.Comments, ReviewThreadComment{
				Body:   string(c.Body),
				Path:   string(c.Path),
				Line:   int(c.Line),
				Author: string(c.Author.Login),
			})
		}
		out = append(out, t)
	}
	return out, nil
}

type resolveReviewThreadMutation struct {
	ResolveReviewThread struct {
		Thread struct {
			ID githubv4.ID
		}
	} `graphql:"resolveReviewThread(input: $input)"`
}

// ResolveReviewThread marks a review thread resolved by its GraphQL node id.
func (c *Client) ResolveReviewThread(ctx context.Context, threadID string) error {
	var m resolveReviewThreadMutation
	input := githubv4.ResolveReviewThreadInput{ThreadID: githubv4.ID(threadID)}
	return c.graphql.Mutate(ctx, &m, input, nil)
}

// RateLimitRemaining returns the core REST rate limit remaining count.
func (c *Client) RateLimitRemaining(ctx context.Context) (int, error) {
	limits, resp, err := c.rest.RateLimit.Get(ctx)
	if err := wrapError(resp, err); err != nil {
		return 0, err
	}
	return limits.GetCore().Remaining, nil
}

// RateLimitLow reports whether the remaining count is at or below
// threshold (default 10 per spec.md C4).
func (c *Client) RateLimitLow(ctx context.Context, threshold int) bool {
	if threshold <= 0 {
		threshold = 10
	}
	remaining, err := c.RateLimitRemaining(ctx)
	if err != nil {
		return false
	}
	return remaining <= threshold
}
