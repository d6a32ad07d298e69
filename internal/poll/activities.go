// Package poll implements spec.md C8: one long-lived Temporal workflow
// per project that periodically re-fetches issues and scans paid-
// generated pull requests, scheduling an AgentExecutionWorkflow child
// for every new trigger it finds, plus the manager that starts and
// stops that per-project workflow from the outside.
package poll

import (
	"context"

	"go.uber.org/zap"

	"paidagent/orchestrator/internal/ghclient"
	"paidagent/orchestrator/internal/model"
	"paidagent/orchestrator/internal/store"
	"paidagent/orchestrator/internal/sync"
)

// Activities holds the shared clients the poll activities need.
type Activities struct {
	store  *store.Store
	logger *zap.Logger
}

func NewActivities(st *store.Store, logger *zap.Logger) *Activities {
	return &Activities{store: st, logger: logger}
}

func (a *Activities) githubClient(ctx context.Context, project model.Project) (*ghclient.Client, error) {
	tok, err := a.store.GetGithubToken(ctx, project.GithubTokenID)
	if err != nil {
		return nil, err
	}
	return ghclient.New(tok.TokenCipher, "")
}

type FetchProjectIssuesInput struct {
	ProjectID int64
}

type FetchProjectIssuesResult struct {
	Created int
	Updated int
	Closed  int
	Warning string
}

// FetchProjectIssues is the activity wrapper around sync.FetchIssues,
// resolving the project's store row and GitHub client before delegating.
func (a *Activities) FetchProjectIssues(ctx context.Context, in FetchProjectIssuesInput) (FetchProjectIssuesResult, error) {
	project, err := a.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return FetchProjectIssuesResult{}, err
	}
	gh, err := a.githubClient(ctx, project)
	if err != nil {
		return FetchProjectIssuesResult{}, err
	}
	summary, err := sync.FetchIssues(ctx, a.logger, a.store, gh, project)
	if err != nil {
		return FetchProjectIssuesResult{}, err
	}
	return FetchProjectIssuesResult{
		Created: summary.Created, Updated: summary.Updated, Closed: summary.Closed, Warning: summary.Warning,
	}, nil
}

// threadAdapter narrows ghclient.Client's richer ReviewThread (with
// Path/Line, needed by the prompt builder) down to sync.ReviewThread's
// trigger-detection shape.
type threadAdapter struct{ gh *ghclient.Client }

func (t threadAdapter) ReviewThreads(ctx context.Context, owner, repo string, number int) ([]sync.ReviewThread, error) {
	threads, err := t.gh.ReviewThreads(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}
	out := make([]sync.ReviewThread, 0, len(threads))
	for _, th := range threads {
		st := sync.ReviewThread{ID: th.ID, IsResolved: th.IsResolved}
		for _, c := range th.Comments {
			st.Comments = append(st.Comments, sync.ReviewThreadComment{Body: c.Body, Author: c.Author})
		}
		out = append(out, st)
	}
	return out, nil
}

type ScanProjectPullRequestsInput struct {
	ProjectID int64
}

// TriggeredPullRequest is one pull request ScanPaidPrs found work for.
type TriggeredPullRequest struct {
	IssueID  int64
	PRNumber int
	Triggers []string
}

type ScanProjectPullRequestsResult struct {
	Triggered []TriggeredPullRequest
}

// ScanProjectPullRequests is the activity wrapper around sync.ScanPaidPrs.
func (a *Activities) ScanProjectPullRequests(ctx context.Context, in ScanProjectPullRequestsInput) (ScanProjectPullRequestsResult, error) {
	project, err := a.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return ScanProjectPullRequestsResult{}, err
	}
	gh, err := a.githubClient(ctx, project)
	if err != nil {
		return ScanProjectPullRequestsResult{}, err
	}
	results, err := sync.ScanPaidPrs(ctx, a.logger, a.store, a.store, gh, threadAdapter{gh: gh}, project)
	if err != nil {
		return ScanProjectPullRequestsResult{}, err
	}
	out := ScanProjectPullRequestsResult{}
	for _, r := range results {
		triggers := make([]string, 0, len(r.Triggers))
		actionable := false
		for _, t := range r.Triggers {
			triggers = append(triggers, string(t))
			if t == sync.TriggerActionableLabels {
				actionable = true
			}
		}
		out.Triggered = append(out.Triggered, TriggeredPullRequest{IssueID: r.IssueID, PRNumber: r.PRNumber, Triggers: triggers})

		if actionable {
			a.removeActionableLabels(ctx, gh, project, r.IssueID)
		}
	}
	return out, nil
}

// removeActionableLabels clears the project's PR-action labels from the
// issue once a follow-up run has been scheduled for them, so the same
// trigger does not fire again on the next poll interval. Failures are
// logged and swallowed, matching the best-effort label removal
// workflow.Activities.UpdateIssueWithPR does for stage labels.
func (a *Activities) removeActionableLabels(ctx context.Context, gh *ghclient.Client, project model.Project, issueID int64) {
	issue, err := a.store.GetIssue(ctx, issueID)
	if err != nil {
		a.logger.Warn("load issue for actionable label removal failed", zap.Int64("issue_id", issueID), zap.Error(err))
		return
	}
	for _, label := range project.PRActionLabels {
		if !containsString(issue.Labels, label) {
			continue
		}
		if err := gh.RemoveLabelFromIssue(ctx, project.Owner, project.Repo, issue.GithubNumber, label); err != nil {
			a.logger.Warn("remove actionable label failed", zap.Int64("issue_id", issueID), zap.String("label", label), zap.Error(err))
		}
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

type ListReadyIssuesInput struct {
	ProjectID int64
}

type ListReadyIssuesResult struct {
	IssueIDs []int64
}

// ListReadyIssues returns the ids of open issues this project has not
// yet dispatched an agent run for (spec.md C8's "new" trigger).
func (a *Activities) ListReadyIssues(ctx context.Context, in ListReadyIssuesInput) (ListReadyIssuesResult, error) {
	issues, err := a.store.ListIssuesByState(ctx, in.ProjectID, model.PaidNew)
	if err != nil {
		return ListReadyIssuesResult{}, err
	}
	out := ListReadyIssuesResult{}
	for _, i := range issues {
		if i.IsPullRequest || i.GithubState != "open" {
			continue
		}
		out.IssueIDs = append(out.IssueIDs, i.ID)
	}
	return out, nil
}

type GetProjectInput struct {
	ProjectID int64
}

// GetProjectSnapshot returns the fields the poll workflow needs to decide
// pacing and agent type, without exposing the full store row to
// workflow code (which must stay a pure function of its inputs).
type GetProjectSnapshotResult struct {
	Active              bool
	PollIntervalSeconds int
	AgentType           model.AgentType
}

func (a *Activities) GetProjectSnapshot(ctx context.Context, in GetProjectInput) (GetProjectSnapshotResult, error) {
	project, err := a.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return GetProjectSnapshotResult{}, err
	}
	interval := project.PollIntervalSeconds
	if interval <= 0 {
		interval = 60
	}
	return GetProjectSnapshotResult{
		Active:              project.Active,
		PollIntervalSeconds: interval,
		AgentType:           model.AgentClaudeCode,
	}, nil
}
