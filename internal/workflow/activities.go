// Package workflow implements spec.md C7's per-run activity pipeline and
// the Temporal workflow that sequences it, grounded on
// agents/manager/internal/beam's Activities/workflow split: a struct of
// shared clients with one method per activity, and typed request/response
// structs in types.go.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"paidagent/orchestrator/internal/container"
	"paidagent/orchestrator/internal/ghclient"
	"paidagent/orchestrator/internal/gitops"
	"paidagent/orchestrator/internal/model"
	"paidagent/orchestrator/internal/prompt"
	"paidagent/orchestrator/internal/store"
	"paidagent/orchestrator/internal/tokens"
)

// Activities holds the shared clients every activity method needs. One
// instance is registered with the Temporal worker and reused across runs;
// per-run state (container handle, git driver) is reconstructed inside
// each activity from what the previous activity persisted to the store,
// so any activity can be retried independently after a worker restart.
type Activities struct {
	store      *store.Store
	logger     *zap.Logger
	sandboxCfg container.Config
	builder    *prompt.Builder
	tracker    *tokens.Tracker
}

func NewActivities(st *store.Store, logger *zap.Logger, sandboxCfg container.Config, builder *prompt.Builder, tracker *tokens.Tracker) *Activities {
	if builder == nil {
		builder = prompt.New(nil)
	}
	if tracker == nil {
		tracker = tokens.New(st, tokens.DefaultPricing)
	}
	return &Activities{store: st, logger: logger, sandboxCfg: sandboxCfg, builder: builder, tracker: tracker}
}

func (a *Activities) githubClient(ctx context.Context, project model.Project) (*ghclient.Client, error) {
	tok, err := a.store.GetGithubToken(ctx, project.GithubTokenID)
	if err != nil {
		return nil, fmt.Errorf("load github token: %w", err)
	}
	if !tok.Active(time.Now().UTC()) {
		return nil, fmt.Errorf("github token %d is revoked or expired", tok.ID)
	}
	// TokenCipher is decrypted at rest by the secrets layer the deployment
	// wires in front of the store; this package only ever sees the token
	// value it needs to present to GitHub (see DESIGN.md).
	return ghclient.New(tok.TokenCipher, "")
}

func cloneURL(token, owner, repo string) string {
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, repo)
}

// CreateAgentRun inserts the AgentRun row that every later activity keys
// off of.
func (a *Activities) CreateAgentRun(ctx context.Context, in CreateAgentRunInput) (CreateAgentRunResult, error) {
	run, err := a.store.CreateAgentRun(ctx, model.AgentRun{
		ProjectID:               in.ProjectID,
		IssueID:                 in.IssueID,
		AgentType:               in.AgentType,
		SourcePullRequestNumber: in.SourcePullRequestNumber,
		CustomPrompt:            in.CustomPrompt,
		ProxyToken:              uuid.NewString(),
	})
	if err != nil {
		return CreateAgentRunResult{}, err
	}
	return CreateAgentRunResult{RunID: run.ID, ProxyToken: run.ProxyToken}, nil
}

// ProvisionContainer starts (or, on retry, reconnects to) the run's
// sandbox container.
func (a *Activities) ProvisionContainer(ctx context.Context, in ProvisionContainerInput) (ProvisionContainerResult, error) {
	run, err := a.store.GetAgentRun(ctx, in.RunID)
	if err != nil {
		return ProvisionContainerResult{}, err
	}

	if run.ContainerID != "" {
		sb, err := container.Reconnect(a.sandboxCfg, run.ContainerID, run.WorktreePath, a.logger)
		if err != nil {
			return ProvisionContainerResult{}, err
		}
		if sb.Running(ctx) {
			return ProvisionContainerResult{ContainerID: sb.ContainerID(), WorkspaceHost: sb.WorkspaceHost()}, nil
		}
	}

	if err := a.store.TransitionAgentRunStatus(ctx, in.RunID, model.RunRunning, ""); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return ProvisionContainerResult{}, err
	}

	sb, err := container.New(a.sandboxCfg, a.logger)
	if err != nil {
		return ProvisionContainerResult{}, err
	}
	if err := sb.Provision(ctx, run, ""); err != nil {
		return ProvisionContainerResult{}, err
	}
	if err := a.store.SetAgentRunContainer(ctx, in.RunID, sb.ContainerID()); err != nil {
		return ProvisionContainerResult{}, err
	}
	return ProvisionContainerResult{ContainerID: sb.ContainerID(), WorkspaceHost: sb.WorkspaceHost()}, nil
}

func (a *Activities) reconnectSandbox(ctx context.Context, run model.AgentRun) (*container.Sandbox, error) {
	if run.ContainerID == "" {
		return nil, fmt.Errorf("run %d has no provisioned container", run.ID)
	}
	return container.Reconnect(a.sandboxCfg, run.ContainerID, run.WorktreePath, a.logger)
}

// sandboxExecutor adapts container.Sandbox's ExecuteSimple to the
// Executor interface gitops depends on.
type sandboxExecutor struct{ sb *container.Sandbox }

func (e sandboxExecutor) Execute(ctx context.Context, command []string, timeout time.Duration) (stdout, stderr string, exitCode int, err error) {
	return e.sb.ExecuteSimple(ctx, command, timeout)
}

func (a *Activities) gitDriver(run model.AgentRun, project model.Project, sb *container.Sandbox, token string) *gitops.Git {
	return gitops.New(sandboxExecutor{sb: sb}, cloneURL(token, project.Owner, project.Repo), project.DefaultBranch)
}

// CloneRepo claims a worktree row for the run's branch (fresh branch for a
// new-issue run, the PR's existing branch for a follow-up run) and clones
// the repository into the container at that branch.
func (a *Activities) CloneRepo(ctx context.Context, in CloneRepoInput) (CloneRepoResult, error) {
	run, err := a.store.GetAgentRun(ctx, in.RunID)
	if err != nil {
		return CloneRepoResult{}, err
	}
	project, err := a.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return CloneRepoResult{}, err
	}
	gh, err := a.githubClient(ctx, project)
	if err != nil {
		return CloneRepoResult{}, err
	}
	sb, err := a.reconnectSandbox(ctx, run)
	if err != nil {
		return CloneRepoResult{}, err
	}
	tok, err := a.store.GetGithubToken(ctx, project.GithubTokenID)
	if err != nil {
		return CloneRepoResult{}, err
	}
	git := a.gitDriver(run, project, sb, tok.TokenCipher)

	var branch, baseCommit string
	if run.SourcePullRequestNumber != nil {
		pr, err := gh.PullRequest(ctx, project.Owner, project.Repo, *run.SourcePullRequestNumber)
		if err != nil {
			return CloneRepoResult{}, err
		}
		branch = pr.GetHead().GetRef()
		baseCommit, err = git.CloneAndCheckoutBranch(ctx, branch)
		if err != nil {
			return CloneRepoResult{}, err
		}
	} else {
		var slugSource string
		if run.IssueID != nil {
			issue, err := a.store.GetIssue(ctx, *run.IssueID)
			if err != nil {
				return CloneRepoResult{}, err
			}
			slugSource = fmt.Sprintf("%d-%s", issue.GithubNumber, issue.Title)
		} else {
			slugSource = run.CustomPrompt
		}
		branch, baseCommit, err = git.CloneAndSetupBranch(ctx, slugSource, uuid.NewString()[:6])
		if err != nil {
			return CloneRepoResult{}, err
		}
	}

	if _, err := a.store.ClaimWorktree(ctx, project.ID, run.ID, branch, sb.WorkspaceHost(), baseCommit); err != nil {
		return CloneRepoResult{}, err
	}
	if err := a.store.SetAgentRunWorktree(ctx, run.ID, sb.WorkspaceHost(), branch, baseCommit); err != nil {
		return CloneRepoResult{}, err
	}
	return CloneRepoResult{Branch: branch, BaseCommitSHA: baseCommit}, nil
}

// RebaseBranch fetches and rebases the working branch onto the project's
// default branch, only meaningful for PR follow-up runs.
func (a *Activities) RebaseBranch(ctx context.Context, in RebaseBranchInput) (RebaseBranchResult, error) {
	run, err := a.store.GetAgentRun(ctx, in.RunID)
	if err != nil {
		return RebaseBranchResult{}, err
	}
	project, err := a.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return RebaseBranchResult{}, err
	}
	sb, err := a.reconnectSandbox(ctx, run)
	if err != nil {
		return RebaseBranchResult{}, err
	}
	tok, err := a.store.GetGithubToken(ctx, project.GithubTokenID)
	if err != nil {
		return RebaseBranchResult{}, err
	}
	git := a.gitDriver(run, project, sb, tok.TokenCipher)
	ok, err := git.RebaseOnto(ctx, project.DefaultBranch)
	if err != nil {
		return RebaseBranchResult{}, err
	}
	return RebaseBranchResult{Succeeded: ok}, nil
}

// PreparePrompt renders the issue-mode or PR-followup-mode prompt for the
// run, pulling PR signal state (checks, threads, comments, reviews) fresh
// from GitHub for follow-up runs. A run with neither an issue nor a pull
// request uses its CustomPrompt as is.
func (a *Activities) PreparePrompt(ctx context.Context, in PreparePromptInput) (PreparePromptResult, error) {
	run, err := a.store.GetAgentRun(ctx, in.RunID)
	if err != nil {
		return PreparePromptResult{}, err
	}
	project, err := a.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return PreparePromptResult{}, err
	}

	if run.SourcePullRequestNumber == nil {
		if run.IssueID == nil {
			return PreparePromptResult{Prompt: run.CustomPrompt}, nil
		}
		issue, err := a.store.GetIssue(ctx, *run.IssueID)
		if err != nil {
			return PreparePromptResult{}, err
		}
		text, err := a.builder.IssueMode(ctx, project, issue)
		if err != nil {
			return PreparePromptResult{}, err
		}
		return PreparePromptResult{Prompt: text}, nil
	}

	gh, err := a.githubClient(ctx, project)
	if err != nil {
		return PreparePromptResult{}, err
	}
	prNumber := *run.SourcePullRequestNumber
	pr, err := gh.PullRequest(ctx, project.Owner, project.Repo, prNumber)
	if err != nil {
		return PreparePromptResult{}, err
	}

	var lastCompletedAt *time.Time
	if last, err := a.store.LastCompletedRunForPullRequest(ctx, project.ID, prNumber); err == nil && last.CompletedAt != nil {
		lastCompletedAt = last.CompletedAt
	}

	checkRuns, _ := gh.CheckRunsForRef(ctx, project.Owner, project.Repo, pr.GetHead().GetSHA())
	promptChecks := make([]prompt.CheckRun, 0, len(checkRuns))
	for _, c := range checkRuns {
		promptChecks = append(promptChecks, prompt.CheckRun{Name: c.GetName(), Conclusion: c.GetConclusion()})
	}

	threads, _ := gh.ReviewThreads(ctx, project.Owner, project.Repo, prNumber)
	promptThreads := make([]prompt.ReviewThread, 0, len(threads))
	for _, t := range threads {
		if t.IsResolved {
			continue
		}
		pt := prompt.ReviewThread{}
		if len(t.Comments) > 0 {
			pt.Path = t.Comments[0].Path
			pt.Line = t.Comments[0].Line
		}
		for _, c := range t.Comments {
			pt.Comments = append(pt.Comments, prompt.Comment{Author: c.Author, Body: c.Body})
		}
		promptThreads = append(promptThreads, pt)
	}

	since := time.Time{}
	if lastCompletedAt != nil {
		since = *lastCompletedAt
	}
	issueComments, _ := gh.IssueComments(ctx, project.Owner, project.Repo, prNumber, since)
	promptComments := make([]prompt.Comment, 0, len(issueComments))
	for _, c := range issueComments {
		promptComments = append(promptComments, prompt.Comment{
			Author:      c.GetUser().GetLogin(),
			Body:        c.GetBody(),
			SubmittedAt: c.GetCreatedAt().Time,
		})
	}

	reviews, _ := gh.PullRequestReviews(ctx, project.Owner, project.Repo, prNumber)
	promptReviews := make([]prompt.Review, 0, len(reviews))
	for _, r := range reviews {
		promptReviews = append(promptReviews, prompt.Review{
			Author:      r.GetUser().GetLogin(),
			State:       r.GetState(),
			SubmittedAt: r.GetSubmittedAt().Time,
		})
	}

	var linkedIssue *model.Issue
	if run.IssueID != nil {
		issue, err := a.store.GetIssue(ctx, *run.IssueID)
		if err == nil {
			linkedIssue = &issue
		}
	}

	text := a.builder.PRFollowupMode(prompt.PRFollowupInput{
		Project:              project,
		PRTitle:              pr.GetTitle(),
		PRNumber:             prNumber,
		PRBaseBranch:         project.DefaultBranch,
		PRBody:               pr.GetBody(),
		LinkedIssue:          linkedIssue,
		RebaseFailed:         in.RebaseFailed,
		CheckRuns:            promptChecks,
		UnresolvedThreads:    promptThreads,
		ConversationComments: promptComments,
		Reviews:              promptReviews,
		LastCompletedAt:      lastCompletedAt,
		IsTrusted:            project.AllowsUsername,
	})
	return PreparePromptResult{Prompt: text}, nil
}

// harnessCommand maps an agent type to the provider CLI invocation run
// inside the sandbox, per spec.md C7's agent-type -> provider table.
func harnessCommand(agentType model.AgentType, promptPath string) ([]string, error) {
	switch agentType {
	case model.AgentClaudeCode:
		return []string{"claude", "-p", "--dangerously-skip-permissions", "--output-format", "json", "-f", promptPath}, nil
	case model.AgentCursor:
		return []string{"cursor-agent", "--print", "-f", promptPath}, nil
	case model.AgentCodex:
		return []string{"codex", "exec", "--json", "-f", promptPath}, nil
	case model.AgentCopilot:
		return []string{"github_copilot", "suggest", "-f", promptPath}, nil
	case model.AgentAider:
		return []string{"aider", "--yes-always", "--message-file", promptPath}, nil
	case model.AgentGemini:
		return []string{"gemini", "-p", promptPath}, nil
	case model.AgentOpencode:
		return []string{"opencode", "run", "-f", promptPath}, nil
	case model.AgentKilocode:
		return []string{"kilocode", "run", "-f", promptPath}, nil
	default:
		return nil, fmt.Errorf("unsupported agent type %q", agentType)
	}
}

var usageLinePattern = regexp.MustCompile(`\{[^{}]*"tokens_input"[^{}]*\}`)

type usageLine struct {
	TokensInput  int64 `json:"tokens_input"`
	TokensOutput int64 `json:"tokens_output"`
}

// parseUsage extracts the harness's trailing usage line from combined
// output, following tools/codex-stdout-parser's one-JSON-object-per-line
// emission convention generalized to a single final usage record.
func parseUsage(output string) (int64, int64) {
	matches := usageLinePattern.FindAllString(output, -1)
	if len(matches) == 0 {
		return 0, 0
	}
	var u usageLine
	if err := json.Unmarshal([]byte(matches[len(matches)-1]), &u); err != nil {
		return 0, 0
	}
	return u.TokensInput, u.TokensOutput
}

// RunAgent writes the prompt into the container, invokes the configured
// coding agent harness, streams its output into the run's log, and
// reports whether it produced any change plus token usage.
func (a *Activities) RunAgent(ctx context.Context, in RunAgentInput) (RunAgentResult, error) {
	run, err := a.store.GetAgentRun(ctx, in.RunID)
	if err != nil {
		return RunAgentResult{}, err
	}
	project, err := a.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return RunAgentResult{}, err
	}
	sb, err := a.reconnectSandbox(ctx, run)
	if err != nil {
		return RunAgentResult{}, err
	}
	tok, err := a.store.GetGithubToken(ctx, project.GithubTokenID)
	if err != nil {
		return RunAgentResult{}, err
	}
	git := a.gitDriver(run, project, sb, tok.TokenCipher)

	const promptPath = "/tmp/paid-agent-prompt.md"
	writeCmd := fmt.Sprintf("cat > %s <<'PAID_PROMPT_EOF'\n%s\nPAID_PROMPT_EOF", promptPath, in.Prompt)
	if _, err := sb.Execute(ctx, []string{"sh", "-c", writeCmd}, 10*time.Second, nil); err != nil {
		return RunAgentResult{}, fmt.Errorf("write prompt: %w", err)
	}

	cmd, err := harnessCommand(run.AgentType, promptPath)
	if err != nil {
		return RunAgentResult{}, err
	}

	var combined strings.Builder
	stream := func(logType model.LogType, chunk string) {
		combined.WriteString(chunk)
		_, _ = a.store.AppendAgentRunLog(ctx, model.AgentRunLog{AgentRunID: run.ID, LogType: logType, Content: chunk})
	}
	if _, err := sb.Execute(ctx, cmd, 0, stream); err != nil {
		return RunAgentResult{}, fmt.Errorf("run agent: %w", err)
	}

	if _, err := git.CommitUncommittedChanges(ctx); err != nil {
		a.logger.Warn("commit safety net failed", zap.Int64("run_id", run.ID), zap.Error(err))
	}
	hasChanges := git.HasChangesSince(ctx, run.BaseCommitSHA)

	tokensIn, tokensOut := parseUsage(combined.String())
	if err := a.tracker.Track(ctx, run, tokensIn, tokensOut); err != nil {
		return RunAgentResult{}, fmt.Errorf("track token usage: %w", err)
	}

	return RunAgentResult{HasChanges: hasChanges, TokensInput: tokensIn, TokensOutput: tokensOut}, nil
}

// PushBranch force-with-lease pushes the working branch for a PR
// follow-up run (rewritten history after a rebase), a plain push
// otherwise.
func (a *Activities) PushBranch(ctx context.Context, in PushBranchInput) (PushBranchResult, error) {
	run, err := a.store.GetAgentRun(ctx, in.RunID)
	if err != nil {
		return PushBranchResult{}, err
	}
	project, err := a.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return PushBranchResult{}, err
	}
	sb, err := a.reconnectSandbox(ctx, run)
	if err != nil {
		return PushBranchResult{}, err
	}
	tok, err := a.store.GetGithubToken(ctx, project.GithubTokenID)
	if err != nil {
		return PushBranchResult{}, err
	}
	git := a.gitDriver(run, project, sb, tok.TokenCipher)

	sha, err := git.PushBranch(ctx, run.BranchName, run.SourcePullRequestNumber != nil)
	if err != nil {
		return PushBranchResult{}, err
	}
	if err := a.store.UpdateAgentRunResult(ctx, run.ID, sha, run.PullRequestURL, run.PullRequestNumber, run.TokensInput, run.TokensOutput, run.CostCents); err != nil {
		return PushBranchResult{}, err
	}
	return PushBranchResult{ResultCommitSHA: sha}, nil
}

// CreatePullRequest opens a new pull request for a new-issue run and
// labels it paid-generated.
func (a *Activities) CreatePullRequest(ctx context.Context, in CreatePullRequestInput) (CreatePullRequestResult, error) {
	run, err := a.store.GetAgentRun(ctx, in.RunID)
	if err != nil {
		return CreatePullRequestResult{}, err
	}
	project, err := a.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return CreatePullRequestResult{}, err
	}
	gh, err := a.githubClient(ctx, project)
	if err != nil {
		return CreatePullRequestResult{}, err
	}

	title := run.BranchName
	body := run.CustomPrompt
	if run.IssueID != nil {
		issue, err := a.store.GetIssue(ctx, *run.IssueID)
		if err == nil {
			title = fmt.Sprintf("Fix #%d: %s", issue.GithubNumber, issue.Title)
			body = fmt.Sprintf("Closes #%d", issue.GithubNumber)
		}
	}

	pr, err := gh.CreatePullRequest(ctx, project.Owner, project.Repo, ghclient.CreatePullRequestParams{
		Title: title,
		Body:  body,
		Head:  run.BranchName,
		Base:  project.DefaultBranch,
	})
	if err != nil {
		return CreatePullRequestResult{}, err
	}
	if err := gh.AddLabelsToIssue(ctx, project.Owner, project.Repo, pr.GetNumber(), []string{"paid-generated"}); err != nil {
		a.logger.Warn("label pull request failed", zap.Int64("run_id", run.ID), zap.Error(err))
	}
	if err := a.store.UpdateAgentRunResult(ctx, run.ID, run.ResultCommitSHA, pr.GetHTMLURL(), pr.GetNumber(), run.TokensInput, run.TokensOutput, run.CostCents); err != nil {
		return CreatePullRequestResult{}, err
	}
	return CreatePullRequestResult{URL: pr.GetHTMLURL(), Number: pr.GetNumber()}, nil
}

// UpdateIssueWithPR marks the source issue in_progress once its PR exists,
// comments the PR link back onto the issue, and clears the stage label
// that triggered this run so it does not re-fire on the next poll.
func (a *Activities) UpdateIssueWithPR(ctx context.Context, in UpdateIssueWithPRInput) error {
	run, err := a.store.GetAgentRun(ctx, in.RunID)
	if err != nil {
		return err
	}
	if run.IssueID == nil {
		return nil
	}
	issue, err := a.store.GetIssue(ctx, *run.IssueID)
	if err != nil {
		return err
	}
	project, err := a.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return err
	}
	gh, err := a.githubClient(ctx, project)
	if err != nil {
		return err
	}
	if run.PullRequestURL != "" {
		if err := gh.AddComment(ctx, project.Owner, project.Repo, issue.GithubNumber, fmt.Sprintf("Pull request created: %s", run.PullRequestURL)); err != nil {
			a.logger.Warn("comment pull request link failed", zap.Int64("run_id", run.ID), zap.Error(err))
		}
	}
	for _, label := range uniqueNonEmpty(mapValues(project.LabelMappings)) {
		if !containsString(issue.Labels, label) {
			continue
		}
		if err := gh.RemoveLabelFromIssue(ctx, project.Owner, project.Repo, issue.GithubNumber, label); err != nil {
			a.logger.Warn("remove stage label failed", zap.Int64("run_id", run.ID), zap.String("label", label), zap.Error(err))
		}
	}
	return a.store.SetIssuePaidState(ctx, *run.IssueID, model.PaidInProgress)
}

func mapValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func uniqueNonEmpty(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// ResolveReviewThreads marks every review thread still unresolved on the
// run's pull request as resolved; a failure on one thread is logged and
// the rest are still attempted.
func (a *Activities) ResolveReviewThreads(ctx context.Context, in ResolveReviewThreadsInput) error {
	run, err := a.store.GetAgentRun(ctx, in.RunID)
	if err != nil {
		return err
	}
	if run.SourcePullRequestNumber == nil {
		return nil
	}
	project, err := a.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return err
	}
	gh, err := a.githubClient(ctx, project)
	if err != nil {
		return err
	}
	threads, err := gh.ReviewThreads(ctx, project.Owner, project.Repo, *run.SourcePullRequestNumber)
	if err != nil {
		return err
	}
	for _, t := range threads {
		if t.IsResolved {
			continue
		}
		if err := gh.ResolveReviewThread(ctx, t.ID); err != nil {
			a.logger.Warn("resolve review thread failed", zap.Int64("run_id", run.ID), zap.String("thread_id", t.ID), zap.Error(err))
		}
	}
	return nil
}

// CompleteExistingPrRun comments the push notice on the PR, increments its
// follow-up counter, marks the run completed, and moves the linked issue
// (if any) to its terminal completed state.
func (a *Activities) CompleteExistingPrRun(ctx context.Context, in CompleteExistingPrRunInput) error {
	run, err := a.store.GetAgentRun(ctx, in.RunID)
	if err != nil {
		return err
	}
	if run.SourcePullRequestNumber != nil {
		project, err := a.store.GetProject(ctx, run.ProjectID)
		if err != nil {
			return err
		}
		gh, err := a.githubClient(ctx, project)
		if err != nil {
			return err
		}
		if err := gh.AddComment(ctx, project.Owner, project.Repo, *run.SourcePullRequestNumber, "Agent pushed updates to this PR."); err != nil {
			a.logger.Warn("comment pr followup failed", zap.Int64("run_id", run.ID), zap.Error(err))
		}
	}
	if run.IssueID != nil {
		if _, err := a.store.IncrementIssuePRFollowupCount(ctx, *run.IssueID); err != nil {
			return err
		}
		if err := a.store.SetIssuePaidState(ctx, *run.IssueID, model.PaidCompleted); err != nil {
			return err
		}
	}
	return a.store.TransitionAgentRunStatus(ctx, run.ID, model.RunCompleted, "")
}

// MarkAgentRunCompleted finalizes a new-issue run that opened its first
// pull request (or produced no changes), without touching the PR
// follow-up counter CompleteExistingPrRun maintains, and moves the linked
// issue to its terminal completed state.
func (a *Activities) MarkAgentRunCompleted(ctx context.Context, in MarkAgentRunCompletedInput) error {
	run, err := a.store.GetAgentRun(ctx, in.RunID)
	if err != nil {
		return err
	}
	if run.IssueID != nil {
		if err := a.store.SetIssuePaidState(ctx, *run.IssueID, model.PaidCompleted); err != nil {
			return err
		}
	}
	return a.store.TransitionAgentRunStatus(ctx, in.RunID, model.RunCompleted, "")
}

// CleanupContainer stops and removes the run's sandbox container,
// tolerating a container that is already gone.
func (a *Activities) CleanupContainer(ctx context.Context, in CleanupContainerInput) error {
	run, err := a.store.GetAgentRun(ctx, in.RunID)
	if err != nil {
		return err
	}
	if run.ContainerID == "" {
		return nil
	}
	sb, err := container.Reconnect(a.sandboxCfg, run.ContainerID, run.WorktreePath, a.logger)
	if err != nil {
		return err
	}
	return sb.Cleanup(ctx, in.Force)
}

// CleanupWorktree records the worktree's terminal cleanup state so a
// later run can reclaim the same branch.
func (a *Activities) CleanupWorktree(ctx context.Context, in CleanupWorktreeInput) error {
	run, err := a.store.GetAgentRun(ctx, in.RunID)
	if err != nil {
		return err
	}
	project, err := a.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return err
	}
	wt, err := a.store.GetWorktreeByBranch(ctx, project.ID, run.BranchName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return a.store.MarkWorktreeCleaned(ctx, wt.ID, in.Ok)
}

// MarkAgentRunFailed finalizes a run that could not complete, recording
// the error and leaving it in a terminal state for the poll manager to
// skip over.
func (a *Activities) MarkAgentRunFailed(ctx context.Context, in MarkAgentRunFailedInput) error {
	run, err := a.store.GetAgentRun(ctx, in.RunID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if run.IssueID != nil {
		if err := a.store.SetIssuePaidState(ctx, *run.IssueID, model.PaidFailed); err != nil {
			return err
		}
	}
	return a.store.TransitionAgentRunStatus(ctx, in.RunID, model.RunFailed, in.ErrorMessage)
}
