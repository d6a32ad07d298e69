// Package gitops drives git entirely inside the sandbox container via
// internal/container's Execute, so no credential ever lives on the host.
// Grounded on agents/manager/internal/beam/docker.go's execCapture (trimmed
// combined stdout+stderr, wrapped errors) and activities.go's error-wrapping
// style for exec failures.
package gitops

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Executor is the subset of internal/container.Sandbox gitops depends on
// (satisfied by Sandbox.ExecuteSimple).
type Executor interface {
	Execute(ctx context.Context, command []string, timeout time.Duration) (stdout, stderr string, exitCode int, err error)
}

var slugCollapse = regexp.MustCompile(`[\s-]+`)
var slugDisallowed = regexp.MustCompile(`[^a-z0-9 \-]`)

// Slugify implements spec.md C3's branch-slug rule: lowercase, keep
// [a-z0-9 -], collapse whitespace/hyphens, trim a trailing hyphen.
func Slugify(s string, maxLen int) string {
	s = strings.ToLower(s)
	s = slugDisallowed.ReplaceAllString(s, "")
	s = slugCollapse.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxLen {
		s = s[:maxLen]
		s = strings.TrimRight(s, "-")
	}
	return s
}

// BranchName builds the paid/<slug>-<6-hex> branch name spec.md C3
// specifies, given a slug source and a 6-hex suffix (caller supplies the
// random/run-derived suffix so this stays deterministic and testable).
func BranchName(slugSource string, hexSuffix string) string {
	slug := Slugify(slugSource, 55)
	if slug == "" {
		slug = "run"
	}
	return fmt.Sprintf("paid/%s-%s", slug, hexSuffix)
}

var branchNamePattern = regexp.MustCompile(`\Apaid/[a-z0-9\-]+\z`)

// ValidBranchName reports whether name is "paid/" followed only by
// lowercase letters, digits and hyphens (BranchName's paid/<slug>-<hex>
// output passes; the hex suffix itself is not checked), the same defense-in-depth gate applied before any branch name reaches a
// shell command.
func ValidBranchName(name string) bool {
	return branchNamePattern.MatchString(name)
}

// Git drives the git operations of spec.md C3 over a container Execute
// interface plus a real clone URL and default branch.
type Git struct {
	exec          Executor
	cloneURL      string
	defaultBranch string
}

func New(exec Executor, cloneURL, defaultBranch string) *Git {
	return &Git{exec: exec, cloneURL: cloneURL, defaultBranch: defaultBranch}
}

func (g *Git) isWorkTree(ctx context.Context) bool {
	_, _, code, err := g.exec.Execute(ctx, []string{"git", "-C", "/workspace", "rev-parse", "--is-inside-work-tree"}, 10*time.Second)
	return err == nil && code == 0
}

// CloneAndSetupBranch clones (if not already a work tree) and creates a
// fresh branch named from slugSource, recording base_commit_sha.
func (g *Git) CloneAndSetupBranch(ctx context.Context, slugSource string, hexSuffix string) (branch, baseCommitSHA string, err error) {
	if !g.isWorkTree(ctx) {
		if _, stderr, code, execErr := g.exec.Execute(ctx,
			[]string{"git", "clone", g.cloneURL, "."}, 120*time.Second); execErr != nil || code != 0 {
			return "", "", fmt.Errorf("git clone: %w (%s)", execErr, strings.TrimSpace(stderr))
		}
	}
	branch = BranchName(slugSource, hexSuffix)
	if _, stderr, code, execErr := g.exec.Execute(ctx,
		[]string{"git", "-C", "/workspace", "checkout", "-b", branch}, 30*time.Second); execErr != nil || code != 0 {
		return "", "", fmt.Errorf("git checkout -b %s: %w (%s)", branch, execErr, strings.TrimSpace(stderr))
	}
	sha, _, code, execErr := g.exec.Execute(ctx, []string{"git", "-C", "/workspace", "rev-parse", "HEAD"}, 10*time.Second)
	if execErr != nil || code != 0 {
		return "", "", fmt.Errorf("git rev-parse HEAD: %w", execErr)
	}
	return branch, strings.TrimSpace(sha), nil
}

// CloneAndCheckoutBranch clones (idempotent) and checks out an existing
// branch, deriving base_commit_sha from merge-base with the default branch.
func (g *Git) CloneAndCheckoutBranch(ctx context.Context, branch string) (baseCommitSHA string, err error) {
	if !ValidBranchName(branch) {
		return "", fmt.Errorf("invalid branch name %q", branch)
	}
	if !g.isWorkTree(ctx) {
		if _, stderr, code, execErr := g.exec.Execute(ctx,
			[]string{"git", "clone", g.cloneURL, "."}, 120*time.Second); execErr != nil || code != 0 {
			return "", fmt.Errorf("git clone: %w (%s)", execErr, strings.TrimSpace(stderr))
		}
	}
	if _, stderr, code, execErr := g.exec.Execute(ctx,
		[]string{"git", "-C", "/workspace", "checkout", branch}, 30*time.Second); execErr != nil || code != 0 {
		return "", fmt.Errorf("git checkout %s: %w (%s)", branch, execErr, strings.TrimSpace(stderr))
	}
	sha, _, code, execErr := g.exec.Execute(ctx,
		[]string{"git", "-C", "/workspace", "merge-base", g.defaultBranch, "HEAD"}, 15*time.Second)
	if execErr != nil || code != 0 {
		sha, _, _, execErr = g.exec.Execute(ctx, []string{"git", "-C", "/workspace", "rev-parse", "HEAD"}, 10*time.Second)
		if execErr != nil {
			return "", fmt.Errorf("git rev-parse HEAD fallback: %w", execErr)
		}
	}
	return strings.TrimSpace(sha), nil
}

// PushBranch pushes branch, using --force-with-lease when targeting an
// existing PR. Rejects a blank branch name.
func (g *Git) PushBranch(ctx context.Context, branch string, forceWithLease bool) (resultCommitSHA string, err error) {
	if strings.TrimSpace(branch) == "" {
		return "", fmt.Errorf("branch name required")
	}
	cmd := []string{"git", "-C", "/workspace", "push", "--no-verify"}
	if forceWithLease {
		cmd = append(cmd, "--force-with-lease")
	}
	cmd = append(cmd, "origin", branch)
	if _, stderr, code, execErr := g.exec.Execute(ctx, cmd, 60*time.Second); execErr != nil || code != 0 {
		return "", fmt.Errorf("git push: %w (%s)", execErr, strings.TrimSpace(stderr))
	}
	sha, _, code, execErr := g.exec.Execute(ctx, []string{"git", "-C", "/workspace", "rev-parse", "HEAD"}, 10*time.Second)
	if execErr != nil || code != 0 {
		return "", fmt.Errorf("git rev-parse HEAD: %w", execErr)
	}
	return strings.TrimSpace(sha), nil
}

// CommitUncommittedChanges is the safety net run after the agent exits.
// Returns whether a commit was made.
func (g *Git) CommitUncommittedChanges(ctx context.Context) (committed bool, err error) {
	status, _, code, execErr := g.exec.Execute(ctx, []string{"git", "-C", "/workspace", "status", "--porcelain"}, 15*time.Second)
	if execErr != nil || code != 0 {
		return false, fmt.Errorf("git status: %w", execErr)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, stderr, code, execErr := g.exec.Execute(ctx, []string{"git", "-C", "/workspace", "add", "-A"}, 30*time.Second); execErr != nil || code != 0 {
		return false, fmt.Errorf("git add -A: %w (%s)", execErr, strings.TrimSpace(stderr))
	}
	if _, stderr, code, execErr := g.exec.Execute(ctx,
		[]string{"git", "-C", "/workspace", "commit", "--no-verify", "-m", "Apply agent changes"}, 30*time.Second); execErr != nil || code != 0 {
		return false, fmt.Errorf("git commit: %w (%s)", execErr, strings.TrimSpace(stderr))
	}
	return true, nil
}

// HasChangesSince reports whether HEAD has moved past base, or the
// worktree has uncommitted changes. On exec error, returns false (spec.md
// C3 treats an exec error here as "no changes" rather than propagating).
func (g *Git) HasChangesSince(ctx context.Context, base string) bool {
	log, _, code, err := g.exec.Execute(ctx, []string{"git", "-C", "/workspace", "log", "--oneline", base + "..HEAD"}, 15*time.Second)
	if err == nil && code == 0 && strings.TrimSpace(log) != "" {
		return true
	}
	status, _, code, err := g.exec.Execute(ctx, []string{"git", "-C", "/workspace", "status", "--porcelain"}, 15*time.Second)
	if err != nil || code != 0 {
		return false
	}
	return strings.TrimSpace(status) != ""
}

// HasChanges diffs against baseCommitSHA when present, else against HEAD
// (a no-op diff, matching spec.md C3's literal fallback).
func (g *Git) HasChanges(ctx context.Context, baseCommitSHA string) bool {
	base := baseCommitSHA
	if base == "" {
		base = "HEAD"
	}
	out, _, code, err := g.exec.Execute(ctx, []string{"git", "-C", "/workspace", "diff", "--stat", base, "HEAD"}, 15*time.Second)
	if err != nil || code != 0 {
		return false
	}
	return strings.TrimSpace(out) != ""
}

// RebaseOnto fetches and rebases onto base. On conflict, aborts
// (best-effort) and returns false without error; any other failure is
// returned as an error.
func (g *Git) RebaseOnto(ctx context.Context, base string) (succeeded bool, err error) {
	if _, stderr, code, execErr := g.exec.Execute(ctx, []string{"git", "-C", "/workspace", "fetch", "origin", base}, 60*time.Second); execErr != nil || code != 0 {
		return false, fmt.Errorf("git fetch origin %s: %w (%s)", base, execErr, strings.TrimSpace(stderr))
	}
	_, stderr, code, execErr := g.exec.Execute(ctx, []string{"git", "-C", "/workspace", "rebase", "origin/" + base}, 60*time.Second)
	if execErr == nil && code == 0 {
		return true, nil
	}
	if strings.Contains(stderr, "CONFLICT") {
		_, _, _, _ = g.exec.Execute(ctx, []string{"git", "-C", "/workspace", "rebase", "--abort"}, 15*time.Second)
		return false, nil
	}
	return false, fmt.Errorf("git rebase origin/%s: %w (%s)", base, execErr, strings.TrimSpace(stderr))
}

var hookCommandWordPattern = regexp.MustCompile(`\A[a-zA-Z0-9_\-/.]+\z`)

// validHookWords reports whether every whitespace-separated word of cmd
// matches the strict character class spec.md C3 requires for hook
// commands (defense-in-depth: the commands come from a fixed
// language->command table, never from untrusted input).
func validHookWords(cmd string) bool {
	for _, word := range strings.Fields(cmd) {
		if !hookCommandWordPattern.MatchString(word) {
			return false
		}
	}
	return true
}

// InstallGitHooks writes a pre-commit hook running lintCmd then testCmd,
// skipping gracefully (never overwriting an existing hook, never installing
// a command containing shell metacharacters).
func (g *Git) InstallGitHooks(ctx context.Context, lintCmd, testCmd string) error {
	if !validHookWords(lintCmd) || !validHookWords(testCmd) {
		return fmt.Errorf("hook commands contain disallowed characters, skipping install")
	}
	checkExisting, _, code, err := g.exec.Execute(ctx,
		[]string{"sh", "-c", "test -s /workspace/.git/hooks/pre-commit && echo present || true"}, 10*time.Second)
	if err == nil && code == 0 && strings.TrimSpace(checkExisting) == "present" {
		return nil
	}
	hookBody := fmt.Sprintf(`#!/bin/sh
set -e
if command -v %s >/dev/null 2>&1; then
  %s
fi
if command -v %s >/dev/null 2>&1; then
  %s
fi
`, firstWord(lintCmd), lintCmd, firstWord(testCmd), testCmd)

	writeCmd := fmt.Sprintf("cat > /workspace/.git/hooks/pre-commit <<'PAID_HOOK_EOF'\n%s\nPAID_HOOK_EOF\nchmod +x /workspace/.git/hooks/pre-commit", hookBody)
	if _, stderr, code, err := g.exec.Execute(ctx, []string{"sh", "-c", writeCmd}, 10*time.Second); err != nil || code != 0 {
		return fmt.Errorf("install pre-commit hook: %w (%s)", err, strings.TrimSpace(stderr))
	}
	return nil
}

func firstWord(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
