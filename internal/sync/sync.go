// Package sync fetches GitHub issues into the local store and scans
// paid-generated pull requests for follow-up triggers (spec.md C6). The
// bounded-pagination loop below follows the teacher's preference for
// small explicit loops with logging at the cap, the same shape as
// agents/manager/internal/beam/activities.go's StartCodexLogin polling
// loop (for i := 0; i < 60; i++), generalized from a time-bounded wait
// to a page-bounded fetch.
package sync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"go.uber.org/zap"

	"paidagent/orchestrator/internal/ghclient"
	"paidagent/orchestrator/internal/model"
)

const maxPages = 10

// IssueLister is the subset of ghclient.Client FetchIssues needs.
type IssueLister interface {
	Issues(ctx context.Context, owner, repo string, labels []string, state string, page int) ([]*github.Issue, *github.Response, error)
}

// PrScanClient is the subset of ghclient.Client ScanPaidPrs needs.
type PrScanClient interface {
	PullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
	CheckRunsForRef(ctx context.Context, owner, repo, ref string) ([]*github.CheckRun, error)
	PullRequestReviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error)
	IssueComments(ctx context.Context, owner, repo string, number int, since time.Time) ([]*github.IssueComment, error)
	RemoveLabelFromIssue(ctx context.Context, owner, repo string, number int, label string) error
}

// ReviewThreadLister is satisfied by internal/poll's threadAdapter, which
// wraps ghclient.Client's GraphQL ReviewThreads; split out so tests can
// fake it independently of the REST surface.
type ReviewThreadLister interface {
	ReviewThreads(ctx context.Context, owner, repo string, number int) (threads []ReviewThread, err error)
}

// ReviewThread mirrors ghclient.ReviewThread without importing that
// package's REST client type directly, keeping this package's test
// doubles small.
type ReviewThread struct {
	ID         string
	IsResolved bool
	Comments   []ReviewThreadComment
}

type ReviewThreadComment struct {
	Body   string
	Author string
}

// IssueStore is the subset of store.Store FetchIssues needs.
type IssueStore interface {
	UpsertIssue(ctx context.Context, i model.Issue) (model.Issue, error)
	GetIssueByGithubID(ctx context.Context, projectID, githubIssueID int64) (model.Issue, error)
	ListIssuesByGithubState(ctx context.Context, projectID int64, githubState string) ([]model.Issue, error)
	SetIssueGithubState(ctx context.Context, id int64, githubState string) error
}

// FetchSummary reports what FetchIssues did for a project.
type FetchSummary struct {
	Created int
	Updated int
	Closed  int
	Pages   int
	Warning string
}

// RateLimitError wraps a retryable rate-limit failure from the GitHub
// API into the engine's generic retryable-error type, so the workflow
// layer can retry the activity instead of failing the run outright.
type RateLimitError struct {
	Type string // always "RateLimit"
	Err  error
}

func (e *RateLimitError) Error() string { return "RateLimit: " + e.Err.Error() }
func (e *RateLimitError) Unwrap() error { return e.Err }

func newRateLimitError(err error) *RateLimitError {
	return &RateLimitError{Type: "RateLimit", Err: err}
}

// FetchIssues pages through open issues labeled with any of the
// project's mapped stage labels, upserting each into the store and
// closing out any previously-open issue that dropped off the response.
func FetchIssues(ctx context.Context, log *zap.Logger, store IssueStore, client IssueLister, project model.Project) (FetchSummary, error) {
	labels := uniqueNonEmpty(mapValues(project.LabelMappings))

	seen := make(map[int64]bool)
	var summary FetchSummary

	for page := 1; page <= maxPages; page++ {
		items, resp, err := client.Issues(ctx, project.Owner, project.Repo, labels, "open", page)
		if err != nil {
			return summary, classifyFetchError(err)
		}
		for _, item := range items {
			creator := ""
			if item.GetUser() != nil {
				creator = item.GetUser().GetLogin()
			}
			issue := model.Issue{
				ProjectID:          project.ID,
				GithubIssueID:      item.GetID(),
				GithubNumber:       item.GetNumber(),
				Title:              item.GetTitle(),
				GithubState:        item.GetState(),
				IsPullRequest:      item.IsPullRequest(),
				GithubCreatorLogin: creator,
				Labels:             labelNames(item.Labels),
			}
			body := item.GetBody()
			if project.AllowsUsername(creator) {
				issue.Body = &body
			} else {
				log.Warn("github_sync.untrusted_issue_skipped",
					zap.Int64("project_id", project.ID), zap.Int("github_number", issue.GithubNumber),
					zap.String("creator", creator))
			}

			_, existsErr := store.GetIssueByGithubID(ctx, project.ID, issue.GithubIssueID)
			existed := existsErr == nil

			if _, err := store.UpsertIssue(ctx, issue); err != nil {
				return summary, err
			}
			seen[item.GetID()] = true
			if existed {
				summary.Updated++
			} else {
				summary.Created++
			}
		}
		summary.Pages = page
		if resp == nil || resp.NextPage == 0 {
			break
		}
		if page == maxPages {
			summary.Warning = "stopped at MAX_PAGES"
			log.Warn("github_sync.max_pages_reached", zap.Int64("project_id", project.ID), zap.Int("pages", maxPages))
		}
	}

	previouslyOpen, err := store.ListIssuesByGithubState(ctx, project.ID, "open")
	if err != nil {
		return summary, err
	}
	for _, i := range previouslyOpen {
		if seen[i.GithubIssueID] {
			continue
		}
		if err := store.SetIssueGithubState(ctx, i.ID, "closed"); err != nil {
			return summary, err
		}
		summary.Closed++
	}

	return summary, nil
}

func classifyFetchError(err error) error {
	if err == nil {
		return nil
	}
	var rateLimited *ghclient.RateLimitError
	if errors.As(err, &rateLimited) {
		return newRateLimitError(err)
	}
	return err
}

func mapValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func uniqueNonEmpty(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func labelNames(labels []*github.Label) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l.GetName())
	}
	return out
}

// PrTrigger names one reason ScanPaidPrs decided to follow up on a PR.
type PrTrigger string

const (
	TriggerCIFailure           PrTrigger = "ci_failure"
	TriggerReviewThreads       PrTrigger = "review_threads"
	TriggerConversationComment PrTrigger = "conversation_comments"
	TriggerChangesRequested    PrTrigger = "changes_requested"
	TriggerActionableLabels    PrTrigger = "actionable_labels"
	TriggerMergeConflicts      PrTrigger = "merge_conflicts"
)

// ScanResult is one PR selected for a follow-up agent run.
type ScanResult struct {
	IssueID  int64
	PRNumber int
	Triggers []PrTrigger
}

// RunTracker reports whether a PR already has an active run or has hit
// its follow-up cap, so ScanPaidPrs can skip it.
type RunTracker interface {
	ActiveRunForPullRequest(ctx context.Context, projectID int64, prNumber int) (bool, error)
	LastCompletedRunForPullRequest(ctx context.Context, projectID int64, prNumber int) (model.AgentRun, error)
}

// ScanPaidPrs inspects every open, paid-generated pull request for
// follow-up triggers. Only runs meaningfully when project.AutoScanPRs.
func ScanPaidPrs(ctx context.Context, log *zap.Logger, store interface {
	IssueStore
	ListPaidGeneratedOpenPullRequests(ctx context.Context, projectID int64) ([]model.Issue, error)
}, runs RunTracker, client PrScanClient, threads ReviewThreadLister, project model.Project) ([]ScanResult, error) {
	if !project.AutoScanPRs {
		return nil, nil
	}

	candidates, err := store.ListPaidGeneratedOpenPullRequests(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	var results []ScanResult
	for _, issue := range candidates {
		if issue.PRFollowupCount >= project.MaxPRFollowupRuns {
			continue
		}
		active, err := runs.ActiveRunForPullRequest(ctx, project.ID, issue.GithubNumber)
		if err != nil {
			log.Warn("github_sync.active_run_check_failed", zap.Int64("issue_id", issue.ID), zap.Error(err))
			continue
		}
		if active {
			continue
		}

		var lastCompletedAt *time.Time
		if last, err := runs.LastCompletedRunForPullRequest(ctx, project.ID, issue.GithubNumber); err == nil {
			t := last.CompletedAt
			lastCompletedAt = t
		}

		triggers := detectTriggers(ctx, log, client, threads, project, issue, lastCompletedAt)
		if len(triggers) == 0 {
			continue
		}
		results = append(results, ScanResult{IssueID: issue.ID, PRNumber: issue.GithubNumber, Triggers: triggers})
	}
	return results, nil
}

func detectTriggers(ctx context.Context, log *zap.Logger, client PrScanClient, threadsClient ReviewThreadLister, project model.Project, issue model.Issue, lastCompletedAt *time.Time) []PrTrigger {
	var triggers []PrTrigger

	pr, err := client.PullRequest(ctx, project.Owner, project.Repo, issue.GithubNumber)
	if err != nil {
		log.Warn("github_sync.pr_fetch_failed", zap.Int("pr_number", issue.GithubNumber), zap.Error(err))
		return nil
	}

	if checks, err := client.CheckRunsForRef(ctx, project.Owner, project.Repo, pr.GetHead().GetSHA()); err != nil {
		log.Warn("github_sync.check_runs_failed", zap.Int("pr_number", issue.GithubNumber), zap.Error(err))
	} else if ciFailed(checks) {
		triggers = append(triggers, TriggerCIFailure)
	}

	if threadsClient != nil {
		if list, err := threadsClient.ReviewThreads(ctx, project.Owner, project.Repo, issue.GithubNumber); err != nil {
			log.Warn("github_sync.review_threads_failed", zap.Int("pr_number", issue.GithubNumber), zap.Error(err))
		} else if hasUnresolvedTrustedThread(list, project) {
			triggers = append(triggers, TriggerReviewThreads)
		}
	}

	since := time.Time{}
	if lastCompletedAt != nil {
		since = *lastCompletedAt
	}
	if comments, err := client.IssueComments(ctx, project.Owner, project.Repo, issue.GithubNumber, since); err != nil {
		log.Warn("github_sync.comments_failed", zap.Int("pr_number", issue.GithubNumber), zap.Error(err))
	} else if hasTrustedConversationComment(comments, project, lastCompletedAt) {
		triggers = append(triggers, TriggerConversationComment)
	}

	if reviews, err := client.PullRequestReviews(ctx, project.Owner, project.Repo, issue.GithubNumber); err != nil {
		log.Warn("github_sync.reviews_failed", zap.Int("pr_number", issue.GithubNumber), zap.Error(err))
	} else if hasChangesRequested(reviews, project, lastCompletedAt) {
		triggers = append(triggers, TriggerChangesRequested)
	}

	if actionable := actionableLabels(issue.Labels, project.PRActionLabels); len(actionable) > 0 {
		triggers = append(triggers, TriggerActionableLabels)
	}

	if project.AutoFixMergeConflicts && pr.Mergeable != nil && !pr.GetMergeable() {
		triggers = append(triggers, TriggerMergeConflicts)
	}

	return triggers
}

func ciFailed(checks []*github.CheckRun) bool {
	if len(checks) == 0 {
		return false
	}
	for _, c := range checks {
		if c.GetConclusion() == "" {
			return false // a check is still pending; skip the signal entirely
		}
	}
	for _, c := range checks {
		switch c.GetConclusion() {
		case "failure", "cancelled", "timed_out":
			return true
		}
	}
	return false
}

func isBotLogin(login string) bool {
	l := strings.ToLower(login)
	return strings.HasSuffix(l, "[bot]") || strings.Contains(l, "bot")
}

func hasUnresolvedTrustedThread(threads []ReviewThread, project model.Project) bool {
	for _, t := range threads {
		if t.IsResolved {
			continue
		}
		for _, c := range t.Comments {
			if !isBotLogin(c.Author) && project.AllowsUsername(c.Author) {
				return true
			}
		}
	}
	return false
}

func hasTrustedConversationComment(comments []*github.IssueComment, project model.Project, since *time.Time) bool {
	for _, c := range comments {
		login := c.GetUser().GetLogin()
		if isBotLogin(login) || !project.AllowsUsername(login) {
			continue
		}
		if since != nil && !c.GetCreatedAt().After(*since) {
			continue
		}
		if len(strings.TrimSpace(c.GetBody())) < 20 {
			continue
		}
		return true
	}
	return false
}

func hasChangesRequested(reviews []*github.PullRequestReview, project model.Project, since *time.Time) bool {
	latest := make(map[string]*github.PullRequestReview)
	for _, r := range reviews {
		login := r.GetUser().GetLogin()
		if isBotLogin(login) || !project.AllowsUsername(login) {
			continue
		}
		existing, ok := latest[login]
		if !ok || r.GetSubmittedAt().After(existing.GetSubmittedAt()) {
			latest[login] = r
		}
	}
	for _, r := range latest {
		if r.GetState() != "CHANGES_REQUESTED" {
			continue
		}
		if since == nil || r.GetSubmittedAt().After(*since) {
			return true
		}
	}
	return false
}

func actionableLabels(issueLabels, actionLabels []string) []string {
	set := make(map[string]bool, len(issueLabels))
	for _, l := range issueLabels {
		set[l] = true
	}
	var out []string
	for _, l := range actionLabels {
		if set[l] {
			out = append(out, l)
		}
	}
	return out
}
