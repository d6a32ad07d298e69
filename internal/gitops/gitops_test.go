package gitops

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlugifyCollapsesAndTrims(t *testing.T) {
	require.Equal(t, "fix-the-thing", Slugify("Fix   The---Thing!!!", 55))
	require.Equal(t, "", Slugify("!!!", 55))
}

func TestSlugifyTruncatesToMaxLen(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	got := Slugify(long, 10)
	require.LessOrEqual(t, len(got), 10)
}

func TestBranchNameHasPaidPrefix(t *testing.T) {
	name := BranchName("42-Fix login bug", "a1b2c3")
	require.True(t, ValidBranchName(name))
	require.Contains(t, name, "paid/42-fix-login-bug-a1b2c3")
}

func TestValidHookWordsRejectsShellMetacharacters(t *testing.T) {
	require.True(t, validHookWords("bundle exec rspec"))
	require.False(t, validHookWords("rm -rf / ; echo pwned"))
	require.False(t, validHookWords("echo `whoami`"))
	require.False(t, validHookWords("echo $(whoami)"))
}

type fakeExecutor struct {
	calls     [][]string
	responses map[string]fakeResponse
}

type fakeResponse struct {
	stdout, stderr string
	exitCode       int
	err            error
}

func (f *fakeExecutor) Execute(ctx context.Context, command []string, timeout time.Duration) (string, string, int, error) {
	f.calls = append(f.calls, command)
	key := command[len(command)-1]
	if r, ok := f.responses[key]; ok {
		return r.stdout, r.stderr, r.exitCode, r.err
	}
	return "", "", 0, nil
}

func TestCloneAndSetupBranchSkipsCloneWhenAlreadyWorkTree(t *testing.T) {
	exec := &fakeExecutor{responses: map[string]fakeResponse{
		"--is-inside-work-tree": {stdout: "true", exitCode: 0},
		"HEAD":                  {stdout: "deadbeef\n", exitCode: 0},
	}}
	g := New(exec, "https://github.com/acme/widgets.git", "main")
	branch, sha, err := g.CloneAndSetupBranch(context.Background(), "42-Fix login bug", "a1b2c3")
	require.NoError(t, err)
	require.Equal(t, "paid/42-fix-login-bug-a1b2c3", branch)
	require.Equal(t, "deadbeef", sha)
	for _, call := range exec.calls {
		require.NotContains(t, call, "clone")
	}
}

func TestHasChangesSinceFalseOnExecError(t *testing.T) {
	exec := &fakeExecutor{responses: map[string]fakeResponse{
		"deadbeef..HEAD": {err: errors.New("exec failed")},
		"--porcelain":    {err: errors.New("exec failed")},
	}}
	g := New(exec, "https://github.com/acme/widgets.git", "main")
	require.False(t, g.HasChangesSince(context.Background(), "deadbeef"))
}
