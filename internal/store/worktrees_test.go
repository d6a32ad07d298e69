package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClaimWorktreeCreatesThenReclaimsAfterCleanup(t *testing.T) {
	s := newTestStore(t)
	p := seedProject(t, s)
	ctx := context.Background()

	w, err := s.ClaimWorktree(ctx, p.ID, 1, "paid/fix-bug-abc123", "/workspace", "deadbeef")
	require.NoError(t, err)
	require.Equal(t, int64(1), *w.AgentRunID)

	// Same run claiming again is a no-op returning the same active row.
	again, err := s.ClaimWorktree(ctx, p.ID, 1, "paid/fix-bug-abc123", "/workspace", "deadbeef")
	require.NoError(t, err)
	require.Equal(t, w.ID, again.ID)

	require.NoError(t, s.MarkWorktreeCleaned(ctx, w.ID, true))

	reclaimed, err := s.ClaimWorktree(ctx, p.ID, 2, "paid/fix-bug-abc123", "/workspace", "cafebabe")
	require.NoError(t, err)
	require.Equal(t, w.ID, reclaimed.ID)
	require.Equal(t, int64(2), *reclaimed.AgentRunID)
	require.Equal(t, "cafebabe", reclaimed.BaseCommit)
}

func TestClaimWorktreeConflictsAcrossActiveRuns(t *testing.T) {
	s := newTestStore(t)
	p := seedProject(t, s)
	ctx := context.Background()

	_, err := s.ClaimWorktree(ctx, p.ID, 1, "paid/fix-bug-abc123", "/workspace", "deadbeef")
	require.NoError(t, err)

	_, err = s.ClaimWorktree(ctx, p.ID, 2, "paid/fix-bug-abc123", "/workspace", "deadbeef")
	require.ErrorIs(t, err, ErrWorktreeConflict)
}
