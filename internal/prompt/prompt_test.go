package prompt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paidagent/orchestrator/internal/model"
)

func trustedProject() model.Project {
	return model.Project{
		AllowedGithubUsernames: []string{"alice"},
		DetectedLanguage:       "go",
	}
}

func TestIssueModeRejectsUntrustedCreator(t *testing.T) {
	b := New(nil)
	issue := model.Issue{ID: 7, GithubCreatorLogin: "mallory"}
	_, err := b.IssueMode(context.Background(), trustedProject(), issue)
	var target *UntrustedIssueError
	require.ErrorAs(t, err, &target)
}

func TestIssueModeRendersGoCommands(t *testing.T) {
	b := New(nil)
	body := "do the thing"
	issue := model.Issue{GithubCreatorLogin: "alice", GithubNumber: 42, Title: "Fix bug", Body: &body}
	out, err := b.IssueMode(context.Background(), trustedProject(), issue)
	require.NoError(t, err)
	require.Contains(t, out, "go test ./...")
	require.Contains(t, out, "golangci-lint run")
	require.Contains(t, out, "#42")
	require.Contains(t, out, "do the thing")
	require.Contains(t, out, "Do not push")
}

func TestIssueModeUnknownLanguageFallsBackToEcho(t *testing.T) {
	b := New(nil)
	project := trustedProject()
	project.DetectedLanguage = "cobol"
	body := "x"
	issue := model.Issue{GithubCreatorLogin: "alice", Body: &body}
	out, err := b.IssueMode(context.Background(), project, issue)
	require.NoError(t, err)
	require.Contains(t, out, "No test command configured")
}

type fakeSearch struct {
	chunks []Chunk
	err    error
}

func (f fakeSearch) Search(ctx context.Context, query string, limit int) ([]Chunk, error) {
	return f.chunks, f.err
}

func TestIssueModeIncludesContextChunksTruncated(t *testing.T) {
	long := strings.Repeat("a", 3000)
	b := New(fakeSearch{chunks: []Chunk{{File: "main.go", Start: 1, End: 10, ChunkType: "function", Identifier: "main", Language: "go", Content: long}}})
	body := "x"
	issue := model.Issue{GithubCreatorLogin: "alice", Body: &body}
	out, err := b.IssueMode(context.Background(), trustedProject(), issue)
	require.NoError(t, err)
	require.Contains(t, out, "main.go:1-10 (function: main)")
	require.Less(t, len(out), len(long))
}

func TestIssueModeSilentlyDropsContextOnSearchError(t *testing.T) {
	b := New(fakeSearch{err: context.DeadlineExceeded})
	body := "x"
	issue := model.Issue{GithubCreatorLogin: "alice", Body: &body}
	out, err := b.IssueMode(context.Background(), trustedProject(), issue)
	require.NoError(t, err)
	require.NotContains(t, out, "Relevant Codebase Context")
}

func TestPRFollowupModeOnlyIncludesFiredSections(t *testing.T) {
	b := New(nil)
	in := PRFollowupInput{
		PRTitle:      "Add feature",
		PRNumber:     10,
		PRBaseBranch: "main",
		IsTrusted:    func(login string) bool { return login == "alice" },
	}
	out := b.PRFollowupMode(in)
	require.NotContains(t, out, "Merge Conflicts")
	require.NotContains(t, out, "CI Failures")
	require.NotContains(t, out, "Code Review Comments")
}

func TestPRFollowupModeExcludesBotComments(t *testing.T) {
	b := New(nil)
	since := time.Now().Add(-time.Hour)
	in := PRFollowupInput{
		PRTitle:      "Add feature",
		PRBaseBranch: "main",
		IsTrusted:    func(login string) bool { return true },
		ConversationComments: []Comment{
			{Author: "dependabot[bot]", Body: "bumped a dependency to a newer version", SubmittedAt: time.Now()},
			{Author: "alice", Body: "please also update the changelog entry", SubmittedAt: time.Now()},
		},
		LastCompletedAt: &since,
	}
	out := b.PRFollowupMode(in)
	require.NotContains(t, out, "bumped a dependency")
	require.Contains(t, out, "update the changelog entry")
}

func TestPRFollowupModeDropsShortConversationComments(t *testing.T) {
	b := New(nil)
	in := PRFollowupInput{
		PRTitle:      "Add feature",
		PRBaseBranch: "main",
		IsTrusted:    func(login string) bool { return true },
		ConversationComments: []Comment{
			{Author: "alice", Body: "lgtm", SubmittedAt: time.Now()},
		},
	}
	out := b.PRFollowupMode(in)
	require.NotContains(t, out, "Conversation Comments")
}
