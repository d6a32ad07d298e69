// Package model holds the shared data-model structs persisted by internal/store
// and passed between workflow activities as JSON.
package model

import "time"

// AgentType enumerates the coding agent harnesses a run can invoke.
type AgentType string

const (
	AgentClaudeCode AgentType = "claude_code"
	AgentCursor     AgentType = "cursor"
	AgentCodex      AgentType = "codex"
	AgentCopilot    AgentType = "copilot"
	AgentAider      AgentType = "aider"
	AgentGemini     AgentType = "gemini"
	AgentOpencode   AgentType = "opencode"
	AgentKilocode   AgentType = "kilocode"
	AgentAPI        AgentType = "api"
)

// RunStatus is the AgentRun state machine (spec.md S8 I1: monotone, terminal-once).
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
)

// Terminal reports whether status is one of the terminal states.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout:
		return true
	default:
		return false
	}
}

type PaidState string

const (
	PaidNew        PaidState = "new"
	PaidPlanning   PaidState = "planning"
	PaidInProgress PaidState = "in_progress"
	PaidCompleted  PaidState = "completed"
	PaidFailed     PaidState = "failed"
)

type WorktreeStatus string

const (
	WorktreeActive        WorktreeStatus = "active"
	WorktreeCleaned       WorktreeStatus = "cleaned"
	WorktreeCleanupFailed WorktreeStatus = "cleanup_failed"
)

type LogType string

const (
	LogStdout LogType = "stdout"
	LogStderr LogType = "stderr"
	LogSystem LogType = "system"
	LogMetric LogType = "metric"
)

// Account owns Projects, GithubTokens, and Users.
type Account struct {
	ID   int64
	Slug string
	Name string
}

// GithubToken belongs to an Account.
type GithubToken struct {
	ID          int64
	AccountID   int64
	Name        string
	TokenCipher string // encrypted at rest
	Scopes      []string
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
	LastUsedAt  *time.Time
}

// Active reports whether the token is usable: not revoked and (no expiry or not yet expired).
func (t GithubToken) Active(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Project belongs to an Account and a GithubToken.
type Project struct {
	ID                     int64
	AccountID              int64
	GithubTokenID          int64
	Owner                  string
	Repo                   string
	GithubID               int64
	DefaultBranch          string
	Active                 bool
	PollIntervalSeconds    int
	LabelMappings          map[string]string // stage ("build"|"plan") -> label name
	PRActionLabels         []string
	AllowedGithubUsernames []string
	AutoScanPRs            bool
	AutoFixMergeConflicts  bool
	MaxPRFollowupRuns      int
	TotalCostCents         int64
	TotalTokensUsed        int64
	DetectedLanguage       string
}

// AllowsUsername reports whether login is a trusted contributor for this project.
func (p Project) AllowsUsername(login string) bool {
	for _, u := range p.AllowedGithubUsernames {
		if u == login {
			return true
		}
	}
	return false
}

// Issue belongs to a Project.
type Issue struct {
	ID                 int64
	ProjectID          int64
	GithubIssueID       int64
	GithubNumber       int
	Title              string
	Body               *string // nil when untrusted
	Labels             []string
	GithubState        string // open|closed
	IsPullRequest      bool
	GithubCreatorLogin string
	PaidState          PaidState
	PRFollowupCount    int
}

// Trusted reports whether the issue's creator is in the project's allowlist.
func (i Issue) Trusted(p Project) bool {
	return p.AllowsUsername(i.GithubCreatorLogin)
}

// HasLabel reports whether name is among the issue's labels.
func (i Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// AgentRun is one invocation of a coding agent against a repository.
type AgentRun struct {
	ID                      int64
	ProjectID               int64
	IssueID                 *int64
	AgentType               AgentType
	Status                  RunStatus
	StartedAt               *time.Time
	CompletedAt             *time.Time
	DurationSeconds         int64
	WorktreePath            string
	BranchName              string
	BaseCommitSHA           string
	ResultCommitSHA         string
	PullRequestURL          string
	PullRequestNumber       int
	SourcePullRequestNumber *int
	CustomPrompt            string
	TokensInput             int64
	TokensOutput            int64
	CostCents               int64
	ProxyToken              string
	ContainerID             string
	ErrorMessage            string
}

// TransitionTo validates the monotone status transition rule (spec.md S8 I1).
func (r AgentRun) TransitionTo(next RunStatus) bool {
	if r.Status.Terminal() {
		return false
	}
	switch r.Status {
	case RunPending:
		return next == RunRunning || next.Terminal()
	case RunRunning:
		return next.Terminal()
	default:
		return false
	}
}

// Worktree is a bookkeeping record of a cloned-and-branched working copy.
type Worktree struct {
	ID         int64
	ProjectID  int64
	AgentRunID *int64
	Path       string
	BranchName string
	BaseCommit string
	Status     WorktreeStatus
	Pushed     bool
	CleanedAt  *time.Time
	CreatedAt  time.Time
}

// AgentRunLog is an append-only log entry belonging to an AgentRun.
type AgentRunLog struct {
	ID        int64
	AgentRunID int64
	LogType   LogType
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// WorkflowState mirrors the workflow engine's run record.
type WorkflowState struct {
	ID                 int64
	TemporalWorkflowID string
	WorkflowType       string
	Status             string
	StartedAt          time.Time
	CompletedAt        *time.Time
	ErrorMessage       string
	InputData          string // JSON
}

// PromptVersion is immutable after creation.
type PromptVersion struct {
	ID              int64
	Slug            string
	Version         int
	Template        string
	Variables       []string
	SystemPrompt    string
	CreatedBy       string
	ChangeNotes     string
	ParentVersionID *int64
	ProjectID       *int64
	AccountID       *int64
}
