package workflow

import "paidagent/orchestrator/internal/model"

// AgentExecutionInput starts one AgentExecutionWorkflow run (spec.md C7).
// A run with SourcePullRequestNumber set is a PR follow-up run and reclaims
// the PR's existing branch (IssueID may also be set, naming the PR's own
// issue row); otherwise it plants a fresh branch, for the issue named by
// IssueID or, when IssueID is nil, for CustomPrompt.
type AgentExecutionInput struct {
	ProjectID               int64
	IssueID                 *int64
	AgentType               model.AgentType
	SourcePullRequestNumber *int
	CustomPrompt            string
}

type CreateAgentRunInput struct {
	ProjectID               int64
	IssueID                 *int64
	AgentType               model.AgentType
	SourcePullRequestNumber *int
	CustomPrompt            string
}

type CreateAgentRunResult struct {
	RunID      int64
	ProxyToken string
}

type ProvisionContainerInput struct {
	RunID int64
}

type ProvisionContainerResult struct {
	ContainerID   string
	WorkspaceHost string
}

type CloneRepoInput struct {
	RunID int64
}

type CloneRepoResult struct {
	Branch        string
	BaseCommitSHA string
}

type RebaseBranchInput struct {
	RunID int64
}

type RebaseBranchResult struct {
	Succeeded bool
}

type PreparePromptInput struct {
	RunID        int64
	RebaseFailed bool
}

type PreparePromptResult struct {
	Prompt string
}

type RunAgentInput struct {
	RunID  int64
	Prompt string
}

type RunAgentResult struct {
	HasChanges   bool
	TokensInput  int64
	TokensOutput int64
}

type PushBranchInput struct {
	RunID int64
}

type PushBranchResult struct {
	ResultCommitSHA string
}

type CreatePullRequestInput struct {
	RunID int64
}

type CreatePullRequestResult struct {
	URL    string
	Number int
}

type UpdateIssueWithPRInput struct {
	RunID int64
}

type ResolveReviewThreadsInput struct {
	RunID int64
}

type CompleteExistingPrRunInput struct {
	RunID int64
}

type MarkAgentRunCompletedInput struct {
	RunID int64
}

type CleanupContainerInput struct {
	RunID int64
	Force bool
}

type CleanupWorktreeInput struct {
	RunID int64
	Ok    bool
}

type MarkAgentRunFailedInput struct {
	RunID        int64
	ErrorMessage string
}

type TrackTokenUsageInput struct {
	RunID        int64
	TokensInput  int64
	TokensOutput int64
}
