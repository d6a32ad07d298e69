// Package prompt builds the text handed to a coding agent harness, in
// either issue mode or pull-request follow-up mode. Section assembly
// follows apps/ReleaseParty/backend/internal/releaseparty/generate.go's
// style: plain strings.Builder, one section at a time, no templating
// engine for the parts that are just string concatenation.
package prompt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"paidagent/orchestrator/internal/model"
)

const (
	maxContextChunks  = 10
	maxChunkChars     = 2000
	minCommentLength  = 20
)

// UntrustedIssueError is returned by IssueMode when the issue's creator
// is not in the project's allowlist; the caller must never forward the
// issue body to an agent in this case.
type UntrustedIssueError struct {
	IssueID int64
}

func (e *UntrustedIssueError) Error() string {
	return fmt.Sprintf("issue %d is not from a trusted contributor", e.IssueID)
}

// languageCommands maps a detected project language to its test/lint
// invocations (spec.md C5's fixed table).
type languageCommands struct {
	Test string
	Lint string
}

var commandTable = map[string]languageCommands{
	"ruby":       {Test: "bundle exec rspec", Lint: "bundle exec rubocop"},
	"javascript": {Test: "npm test", Lint: "npm run lint"},
	"typescript": {Test: "npm test", Lint: "npm run lint"},
	"python":     {Test: "pytest", Lint: "ruff check ."},
	"go":         {Test: "go test ./...", Lint: "golangci-lint run"},
	"rust":       {Test: "cargo test", Lint: "cargo clippy"},
}

func commandsFor(language string) languageCommands {
	if cmds, ok := commandTable[language]; ok {
		return cmds
	}
	return languageCommands{
		Test: `echo "No test command configured"`,
		Lint: `echo "No lint command configured"`,
	}
}

// Chunk is one snippet returned by the external search component.
type Chunk struct {
	File       string
	Start      int
	End        int
	ChunkType  string
	Identifier string
	Language   string
	Content    string
}

// SearchClient is the read-only interface onto the external semantic
// search service; the index itself is out of scope (spec.md §1).
type SearchClient interface {
	Search(ctx context.Context, query string, limit int) ([]Chunk, error)
}

// Comment is a normalized review/conversation comment used by PR
// follow-up mode.
type Comment struct {
	Author      string
	Body        string
	SubmittedAt time.Time
}

func (c Comment) isBot() bool {
	login := strings.ToLower(c.Author)
	return strings.HasSuffix(login, "[bot]") || strings.Contains(login, "bot")
}

// ReviewThread is one unresolved code review thread.
type ReviewThread struct {
	Path     string
	Line     int
	Comments []Comment
}

func (t ReviewThread) hasTrustedComment(trusted func(string) bool) bool {
	for _, c := range t.Comments {
		if !c.isBot() && trusted(c.Author) {
			return true
		}
	}
	return false
}

// CheckRun is a normalized GitHub check run result.
type CheckRun struct {
	Name       string
	Conclusion string // failure|cancelled|timed_out|success|...
}

// Review is a normalized pull request review.
type Review struct {
	Author      string
	State       string // CHANGES_REQUESTED, APPROVED, ...
	SubmittedAt time.Time
}

// Builder assembles agent prompts from project/issue/PR state.
type Builder struct {
	search SearchClient
}

func New(search SearchClient) *Builder {
	return &Builder{search: search}
}

// IssueMode renders the prompt for a brand new issue-driven run.
func (b *Builder) IssueMode(ctx context.Context, project model.Project, issue model.Issue) (string, error) {
	if !issue.Trusted(project) {
		return "", &UntrustedIssueError{IssueID: issue.ID}
	}

	var sections []string

	var task strings.Builder
	fmt.Fprintf(&task, "## Task\n\n%s #%d\n\n%s", issue.Title, issue.GithubNumber, issueBody(issue))
	sections = append(sections, task.String())

	if context := b.renderContext(ctx, issue.Title); context != "" {
		sections = append(sections, context)
	}

	cmds := commandsFor(project.DetectedLanguage)
	sections = append(sections, renderInstructions([]string{
		"Analyze the task above and plan your approach.",
		"Implement the change.",
		fmt.Sprintf("Run `%s` and ensure it passes.", cmds.Test),
		fmt.Sprintf("Run `%s` and ensure it passes.", cmds.Lint),
		"Commit your changes.",
	}))

	sections = append(sections, renderRules())

	return strings.Join(sections, "\n\n"), nil
}

func issueBody(issue model.Issue) string {
	if issue.Body == nil {
		return ""
	}
	return *issue.Body
}

func (b *Builder) renderContext(ctx context.Context, query string) string {
	if b.search == nil {
		return ""
	}
	chunks, err := b.search.Search(ctx, query, maxContextChunks)
	if err != nil || len(chunks) == 0 {
		return ""
	}
	if len(chunks) > maxContextChunks {
		chunks = chunks[:maxContextChunks]
	}

	var out strings.Builder
	out.WriteString("## Relevant Codebase Context\n\n")
	for _, c := range chunks {
		fmt.Fprintf(&out, "## %s:%d-%d (%s: %s)\n", c.File, c.Start, c.End, c.ChunkType, c.Identifier)
		content := c.Content
		if len(content) > maxChunkChars {
			content = content[:maxChunkChars]
		}
		fmt.Fprintf(&out, "```%s\n%s\n```\n\n", c.Language, content)
	}
	return strings.TrimRight(out.String(), "\n")
}

func renderInstructions(steps []string) string {
	var b strings.Builder
	b.WriteString("## Instructions\n\n")
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderRules() string {
	return strings.TrimRight(`## Rules

- Lint and tests MUST pass before every commit.
- Never run tests or commits with --no-verify.
- Never disable linters to make them pass.
- Fix problems forward; do not revert unrelated work.
- Match the existing code style.
- Do not push; the workflow pushes your branch for you.
`, "\n")
}

// PRFollowupInput carries everything PRFollowupMode needs to decide
// which sections fire.
type PRFollowupInput struct {
	Project              model.Project
	PRTitle              string
	PRNumber             int
	PRBaseBranch         string
	PRBody               string
	LinkedIssue          *model.Issue
	RebaseFailed         bool
	CheckRuns            []CheckRun
	UnresolvedThreads    []ReviewThread
	ConversationComments []Comment
	Reviews              []Review
	LastCompletedAt      *time.Time
	IsTrusted            func(login string) bool
}

// PRFollowupMode renders the prompt for an existing-PR agent run.
// Sections are included only when their underlying signal fired.
func (b *Builder) PRFollowupMode(in PRFollowupInput) string {
	var sections []string
	var priorities []string

	var task strings.Builder
	fmt.Fprintf(&task, "## Task\n\n%s #%d (base: %s)\n\n%s", in.PRTitle, in.PRNumber, in.PRBaseBranch, in.PRBody)
	sections = append(sections, task.String())

	if in.LinkedIssue != nil {
		var s strings.Builder
		fmt.Fprintf(&s, "## Issue Requirements\n\n%s #%d\n\n%s", in.LinkedIssue.Title, in.LinkedIssue.GithubNumber, issueBody(*in.LinkedIssue))
		sections = append(sections, s.String())
		priorities = append(priorities, "Re-read the linked issue's requirements.")
	}

	if in.RebaseFailed {
		var s strings.Builder
		fmt.Fprintf(&s, "## Merge Conflicts\n\nThe branch could not be rebased onto `%s` automatically. Run `git merge origin/%s` and resolve the conflicts.", in.PRBaseBranch, in.PRBaseBranch)
		sections = append(sections, s.String())
		priorities = append(priorities, "Resolve the merge conflicts described above.")
	}

	if failures := failedCheckRuns(in.CheckRuns); len(failures) > 0 {
		var s strings.Builder
		s.WriteString("## CI Failures\n\n")
		for _, c := range failures {
			fmt.Fprintf(&s, "- %s: %s\n", c.Name, c.Conclusion)
		}
		sections = append(sections, strings.TrimRight(s.String(), "\n"))
		priorities = append(priorities, "Fix the failing CI checks above.")
	}

	if threads := unresolvedTrustedThreads(in.UnresolvedThreads, in.IsTrusted); len(threads) > 0 {
		var s strings.Builder
		s.WriteString("## Code Review Comments\n\n")
		for _, t := range threads {
			fmt.Fprintf(&s, "### %s:%d\n\n", t.Path, t.Line)
			for _, c := range t.Comments {
				if c.isBot() {
					continue
				}
				fmt.Fprintf(&s, "- **%s**: %s\n", c.Author, c.Body)
			}
			s.WriteString("\n")
		}
		sections = append(sections, strings.TrimRight(s.String(), "\n"))
		priorities = append(priorities, "Address the unresolved code review comments above.")
	}

	if comments := trustedConversationComments(in.ConversationComments, in.LastCompletedAt, in.IsTrusted); len(comments) > 0 {
		var s strings.Builder
		s.WriteString("## Conversation Comments\n\n")
		for _, c := range comments {
			fmt.Fprintf(&s, "- **%s**: %s\n", c.Author, c.Body)
		}
		sections = append(sections, strings.TrimRight(s.String(), "\n"))
		priorities = append(priorities, "Address the conversation comments above.")
	}

	if changesRequested(in.Reviews, in.LastCompletedAt, in.IsTrusted) {
		priorities = append(priorities, "Address the most recent changes-requested review.")
	}

	sections = append(sections, renderInstructions(priorities))
	sections = append(sections, renderRules())

	return strings.Join(sections, "\n\n")
}

func failedCheckRuns(runs []CheckRun) []CheckRun {
	var out []CheckRun
	for _, r := range runs {
		switch r.Conclusion {
		case "failure", "cancelled", "timed_out":
			out = append(out, r)
		}
	}
	return out
}

func unresolvedTrustedThreads(threads []ReviewThread, trusted func(string) bool) []ReviewThread {
	if trusted == nil {
		return nil
	}
	var out []ReviewThread
	for _, t := range threads {
		if t.hasTrustedComment(trusted) {
			out = append(out, t)
		}
	}
	return out
}

func trustedConversationComments(comments []Comment, since *time.Time, trusted func(string) bool) []Comment {
	if trusted == nil {
		return nil
	}
	var out []Comment
	for _, c := range comments {
		if c.isBot() || !trusted(c.Author) {
			continue
		}
		if since != nil && !c.SubmittedAt.After(*since) {
			continue
		}
		if len(strings.TrimSpace(c.Body)) < minCommentLength {
			continue
		}
		out = append(out, c)
	}
	return out
}

func changesRequested(reviews []Review, since *time.Time, trusted func(string) bool) bool {
	if trusted == nil {
		return false
	}
	latestByAuthor := map[string]Review{}
	for _, r := range reviews {
		if r.isBotAuthor() || !trusted(r.Author) {
			continue
		}
		existing, ok := latestByAuthor[r.Author]
		if !ok || r.SubmittedAt.After(existing.SubmittedAt) {
			latestByAuthor[r.Author] = r
		}
	}
	for _, r := range latestByAuthor {
		if r.State != "CHANGES_REQUESTED" {
			continue
		}
		if since == nil || r.SubmittedAt.After(*since) {
			return true
		}
	}
	return false
}

func (r Review) isBotAuthor() bool {
	login := strings.ToLower(r.Author)
	return strings.HasSuffix(login, "[bot]") || strings.Contains(login, "bot")
}
