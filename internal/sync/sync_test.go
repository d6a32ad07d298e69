package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paidagent/orchestrator/internal/model"
)

func testProject() model.Project {
	return model.Project{
		ID:                     1,
		Owner:                  "acme",
		Repo:                   "widgets",
		LabelMappings:          map[string]string{"build": "paid-build"},
		AllowedGithubUsernames: []string{"alice"},
		MaxPRFollowupRuns:      3,
		AutoScanPRs:            true,
		PRActionLabels:         []string{"paid-retry"},
	}
}

type fakeIssueStore struct {
	issues map[int64]model.Issue // keyed by github issue id
	nextID int64
}

func newFakeIssueStore() *fakeIssueStore {
	return &fakeIssueStore{issues: make(map[int64]model.Issue)}
}

func (f *fakeIssueStore) UpsertIssue(ctx context.Context, i model.Issue) (model.Issue, error) {
	if existing, ok := f.issues[i.GithubIssueID]; ok {
		i.ID = existing.ID
	} else {
		f.nextID++
		i.ID = f.nextID
	}
	f.issues[i.GithubIssueID] = i
	return i, nil
}

func (f *fakeIssueStore) GetIssueByGithubID(ctx context.Context, projectID, githubIssueID int64) (model.Issue, error) {
	if i, ok := f.issues[githubIssueID]; ok {
		return i, nil
	}
	return model.Issue{}, errors.New("not found")
}

func (f *fakeIssueStore) ListIssuesByGithubState(ctx context.Context, projectID int64, state string) ([]model.Issue, error) {
	var out []model.Issue
	for _, i := range f.issues {
		if i.GithubState == state {
			out = append(out, i)
		}
	}
	return out, nil
}

func (f *fakeIssueStore) SetIssueGithubState(ctx context.Context, id int64, state string) error {
	for k, i := range f.issues {
		if i.ID == id {
			i.GithubState = state
			f.issues[k] = i
		}
	}
	return nil
}

func (f *fakeIssueStore) ListPaidGeneratedOpenPullRequests(ctx context.Context, projectID int64) ([]model.Issue, error) {
	var out []model.Issue
	for _, i := range f.issues {
		if i.IsPullRequest && i.GithubState == "open" && i.HasLabel("paid-generated") {
			out = append(out, i)
		}
	}
	return out, nil
}

type fakeIssueLister struct {
	pages [][]*github.Issue
}

func (f *fakeIssueLister) Issues(ctx context.Context, owner, repo string, labels []string, state string, page int) ([]*github.Issue, *github.Response, error) {
	idx := page - 1
	if idx >= len(f.pages) {
		return nil, &github.Response{}, nil
	}
	resp := &github.Response{}
	if idx < len(f.pages)-1 {
		resp.NextPage = page + 1
	}
	return f.pages[idx], resp, nil
}

func TestFetchIssuesUpsertsAndClosesMissing(t *testing.T) {
	store := newFakeIssueStore()
	store.issues[99] = model.Issue{ID: 5, GithubIssueID: 99, GithubState: "open"}

	lister := &fakeIssueLister{pages: [][]*github.Issue{{
		{ID: github.Int64(1), Number: github.Int(10), Title: github.String("bug"), State: github.String("open"),
			User: &github.User{Login: github.String("alice")}, Body: github.String("details")},
	}}}

	summary, err := FetchIssues(context.Background(), zap.NewNop(), store, lister, testProject())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Created)
	require.Equal(t, 1, summary.Closed)

	got, err := store.GetIssueByGithubID(context.Background(), 1, 1)
	require.NoError(t, err)
	require.NotNil(t, got.Body)
	require.Equal(t, "details", *got.Body)
}

func TestFetchIssuesDropsBodyForUntrustedCreator(t *testing.T) {
	store := newFakeIssueStore()
	lister := &fakeIssueLister{pages: [][]*github.Issue{{
		{ID: github.Int64(2), Number: github.Int(11), Title: github.String("bug"), State: github.String("open"),
			User: &github.User{Login: github.String("mallory")}, Body: github.String("secret")},
	}}}

	_, err := FetchIssues(context.Background(), zap.NewNop(), store, lister, testProject())
	require.NoError(t, err)

	got, err := store.GetIssueByGithubID(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Nil(t, got.Body)
}

type fakeRunTracker struct {
	active    map[int]bool
	completed map[int]model.AgentRun
}

func (f *fakeRunTracker) ActiveRunForPullRequest(ctx context.Context, projectID int64, prNumber int) (bool, error) {
	return f.active[prNumber], nil
}

func (f *fakeRunTracker) LastCompletedRunForPullRequest(ctx context.Context, projectID int64, prNumber int) (model.AgentRun, error) {
	if r, ok := f.completed[prNumber]; ok {
		return r, nil
	}
	return model.AgentRun{}, errors.New("not found")
}

type fakePrScanClient struct {
	pr       *github.PullRequest
	checks   []*github.CheckRun
	reviews  []*github.PullRequestReview
	comments []*github.IssueComment
}

func (f *fakePrScanClient) PullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	return f.pr, nil
}
func (f *fakePrScanClient) CheckRunsForRef(ctx context.Context, owner, repo, ref string) ([]*github.CheckRun, error) {
	return f.checks, nil
}
func (f *fakePrScanClient) PullRequestReviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error) {
	return f.reviews, nil
}
func (f *fakePrScanClient) IssueComments(ctx context.Context, owner, repo string, number int, since time.Time) ([]*github.IssueComment, error) {
	return f.comments, nil
}
func (f *fakePrScanClient) RemoveLabelFromIssue(ctx context.Context, owner, repo string, number int, label string) error {
	return nil
}

func TestScanPaidPrsDetectsCIFailureTrigger(t *testing.T) {
	store := newFakeIssueStore()
	store.issues[1] = model.Issue{ID: 1, GithubIssueID: 1, GithubNumber: 50, GithubState: "open", IsPullRequest: true, Labels: []string{"paid-generated"}}

	client := &fakePrScanClient{
		pr:     &github.PullRequest{Head: &github.PullRequestBranch{SHA: github.String("abc")}},
		checks: []*github.CheckRun{{Conclusion: github.String("failure")}},
	}
	runs := &fakeRunTracker{active: map[int]bool{}, completed: map[int]model.AgentRun{}}

	results, err := ScanPaidPrs(context.Background(), zap.NewNop(), store, runs, client, nil, testProject())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Contains(t, results[0].Triggers, TriggerCIFailure)
}

func TestScanPaidPrsSkipsPendingChecks(t *testing.T) {
	store := newFakeIssueStore()
	store.issues[1] = model.Issue{ID: 1, GithubIssueID: 1, GithubNumber: 50, GithubState: "open", IsPullRequest: true, Labels: []string{"paid-generated"}}

	client := &fakePrScanClient{
		pr:     &github.PullRequest{Head: &github.PullRequestBranch{SHA: github.String("abc")}},
		checks: []*github.CheckRun{{Conclusion: github.String("")}},
	}
	runs := &fakeRunTracker{active: map[int]bool{}, completed: map[int]model.AgentRun{}}

	results, err := ScanPaidPrs(context.Background(), zap.NewNop(), store, runs, client, nil, testProject())
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestScanPaidPrsSkipsActiveRun(t *testing.T) {
	store := newFakeIssueStore()
	store.issues[1] = model.Issue{ID: 1, GithubIssueID: 1, GithubNumber: 50, GithubState: "open", IsPullRequest: true, Labels: []string{"paid-generated"}}

	client := &fakePrScanClient{pr: &github.PullRequest{Head: &github.PullRequestBranch{SHA: github.String("abc")}}}
	runs := &fakeRunTracker{active: map[int]bool{50: true}, completed: map[int]model.AgentRun{}}

	results, err := ScanPaidPrs(context.Background(), zap.NewNop(), store, runs, client, nil, testProject())
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestScanPaidPrsRespectsMaxFollowupCap(t *testing.T) {
	store := newFakeIssueStore()
	store.issues[1] = model.Issue{ID: 1, GithubIssueID: 1, GithubNumber: 50, GithubState: "open", IsPullRequest: true,
		Labels: []string{"paid-generated"}, PRFollowupCount: 3}

	client := &fakePrScanClient{pr: &github.PullRequest{Head: &github.PullRequestBranch{SHA: github.String("abc")}}}
	runs := &fakeRunTracker{active: map[int]bool{}, completed: map[int]model.AgentRun{}}

	results, err := ScanPaidPrs(context.Background(), zap.NewNop(), store, runs, client, nil, testProject())
	require.NoError(t, err)
	require.Empty(t, results)
}
