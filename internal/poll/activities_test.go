package poll

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paidagent/orchestrator/internal/model"
	"paidagent/orchestrator/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProject(t *testing.T, s *store.Store) model.Project {
	t.Helper()
	ctx := context.Background()
	acct, err := s.CreateAccount(ctx, model.Account{Slug: "acme", Name: "Acme"})
	require.NoError(t, err)
	tok, err := s.CreateGithubToken(ctx, model.GithubToken{AccountID: acct.ID, Name: "default", TokenCipher: "enc"})
	require.NoError(t, err)
	p, err := s.CreateProject(ctx, model.Project{
		AccountID:           acct.ID,
		GithubTokenID:       tok.ID,
		Owner:               "acme",
		Repo:                "widgets",
		GithubID:            42,
		DefaultBranch:       "main",
		Active:              true,
		PollIntervalSeconds: 30,
	})
	require.NoError(t, err)
	return p
}

func TestListReadyIssuesExcludesPullRequests(t *testing.T) {
	s := newTestStore(t)
	p := seedProject(t, s)
	ctx := context.Background()

	issue, err := s.UpsertIssue(ctx, model.Issue{ProjectID: p.ID, GithubIssueID: 1, GithubNumber: 1, Title: "fix bug", GithubState: "open", PaidState: model.PaidNew})
	require.NoError(t, err)
	_, err = s.UpsertIssue(ctx, model.Issue{ProjectID: p.ID, GithubIssueID: 2, GithubNumber: 2, Title: "a pull request", GithubState: "open", IsPullRequest: true, PaidState: model.PaidNew})
	require.NoError(t, err)

	a := NewActivities(s, zap.NewNop())
	result, err := a.ListReadyIssues(ctx, ListReadyIssuesInput{ProjectID: p.ID})
	require.NoError(t, err)
	require.Equal(t, []int64{issue.ID}, result.IssueIDs)
}

func TestGetProjectSnapshotReturnsConfiguredPollInterval(t *testing.T) {
	s := newTestStore(t)
	p := seedProject(t, s)
	ctx := context.Background()

	a := NewActivities(s, zap.NewNop())
	snap, err := a.GetProjectSnapshot(ctx, GetProjectInput{ProjectID: p.ID})
	require.NoError(t, err)
	require.True(t, snap.Active)
	require.Equal(t, 30, snap.PollIntervalSeconds)
	require.Equal(t, model.AgentClaudeCode, snap.AgentType)
}
