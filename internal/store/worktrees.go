package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"paidagent/orchestrator/internal/model"
)

const worktreeColumns = `
	id, project_id, agent_run_id, path, branch_name, base_commit, status, pushed, cleaned_at, created_at`

func (s *Store) CreateWorktree(ctx context.Context, w model.Worktree) (model.Worktree, error) {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO worktrees (project_id, agent_run_id, path, branch_name, base_commit, status, pushed, cleaned_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ProjectID, nullableInt64(w.AgentRunID), w.Path, w.BranchName, w.BaseCommit, string(w.Status),
		boolToInt(w.Pushed), timeToNullString(w.CleanedAt), fmtTime(w.CreatedAt))
	if err != nil {
		return model.Worktree{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Worktree{}, err
	}
	w.ID = id
	return w, nil
}

func (s *Store) GetWorktree(ctx context.Context, id int64) (model.Worktree, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+worktreeColumns+` FROM worktrees WHERE id = ?`, id)
	return scanWorktree(row)
}

// ErrWorktreeConflict is returned by ClaimWorktree when an active worktree
// for the same branch already belongs to a different run.
var ErrWorktreeConflict = errors.New("store: worktree already active for a different run")

// GetWorktreeByBranch looks up a project's worktree bookkeeping row by
// branch name, used by CloneRepo to decide between reclaiming an
// existing row and creating a new one.
func (s *Store) GetWorktreeByBranch(ctx context.Context, projectID int64, branchName string) (model.Worktree, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+worktreeColumns+` FROM worktrees WHERE project_id = ? AND branch_name = ?`,
		projectID, branchName)
	return scanWorktree(row)
}

// ClaimWorktree implements spec.md C7 step 3's reclaim rule under a row
// lock: if no row exists for (project_id, branch_name), insert one owned
// by agentRunID; if an existing row is inactive, re-activate it for
// agentRunID; if it is active for a different run, return
// ErrWorktreeConflict; if active for this run already, no-op.
func (s *Store) ClaimWorktree(ctx context.Context, projectID, agentRunID int64, branchName, path, baseCommit string) (model.Worktree, error) {
	var result model.Worktree
	err := s.withImmediate(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+worktreeColumns+` FROM worktrees WHERE project_id = ? AND branch_name = ?`,
			projectID, branchName)
		existing, err := scanWorktree(row)
		now := time.Now().UTC()

		if errors.Is(err, ErrNotFound) {
			res, execErr := tx.ExecContext(ctx, `
				INSERT INTO worktrees (project_id, agent_run_id, path, branch_name, base_commit, status, pushed, cleaned_at, created_at)
				VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?)`,
				projectID, agentRunID, path, branchName, baseCommit, string(model.WorktreeActive), fmtTime(now))
			if execErr != nil {
				return execErr
			}
			id, idErr := res.LastInsertId()
			if idErr != nil {
				return idErr
			}
			result = model.Worktree{ID: id, ProjectID: projectID, AgentRunID: &agentRunID, Path: path,
				BranchName: branchName, BaseCommit: baseCommit, Status: model.WorktreeActive, CreatedAt: now}
			return nil
		}
		if err != nil {
			return err
		}

		if existing.Status == model.WorktreeActive {
			if existing.AgentRunID != nil && *existing.AgentRunID != agentRunID {
				return ErrWorktreeConflict
			}
			result = existing
			return nil
		}

		if _, execErr := tx.ExecContext(ctx, `
			UPDATE worktrees SET agent_run_id = ?, path = ?, base_commit = ?, status = ?, pushed = 0, cleaned_at = NULL, created_at = ?
			WHERE id = ?`, agentRunID, path, baseCommit, string(model.WorktreeActive), fmtTime(now), existing.ID); execErr != nil {
			return execErr
		}
		existing.AgentRunID = &agentRunID
		existing.Path = path
		existing.BaseCommit = baseCommit
		existing.Status = model.WorktreeActive
		existing.Pushed = false
		existing.CleanedAt = nil
		existing.CreatedAt = now
		result = existing
		return nil
	})
	return result, err
}

func (s *Store) MarkWorktreePushed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE worktrees SET pushed = 1 WHERE id = ?`, id)
	return err
}

// MarkWorktreeCleaned records successful (or failed) cleanup, matching
// spec.md C1's guaranteed-finally cleanup contract.
func (s *Store) MarkWorktreeCleaned(ctx context.Context, id int64, ok bool) error {
	now := time.Now().UTC()
	status := model.WorktreeCleaned
	if !ok {
		status = model.WorktreeCleanupFailed
	}
	_, err := s.db.ExecContext(ctx, `UPDATE worktrees SET status = ?, cleaned_at = ? WHERE id = ?`,
		string(status), fmtTime(now), id)
	return err
}

// ListActiveWorktrees finds a project's worktrees still in active status
// (never marked cleaned). No code path in this module calls it.
func (s *Store) ListActiveWorktrees(ctx context.Context, projectID int64) ([]model.Worktree, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+worktreeColumns+` FROM worktrees WHERE project_id = ? AND status = ?`,
		projectID, string(model.WorktreeActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Worktree
	for rows.Next() {
		w, err := scanWorktreeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorktree(row *sql.Row) (model.Worktree, error) {
	return scanWorktreeScanner(row)
}

func scanWorktreeRows(rows *sql.Rows) (model.Worktree, error) {
	return scanWorktreeScanner(rows)
}

func scanWorktreeScanner(sc scanner) (model.Worktree, error) {
	var w model.Worktree
	var agentRunID sql.NullInt64
	var status string
	var pushed int
	var cleanedAt sql.NullString
	var createdAt string
	err := sc.Scan(&w.ID, &w.ProjectID, &agentRunID, &w.Path, &w.BranchName, &w.BaseCommit, &status,
		&pushed, &cleanedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Worktree{}, ErrNotFound
		}
		return model.Worktree{}, err
	}
	w.Status = model.WorktreeStatus(status)
	w.Pushed = pushed != 0
	if agentRunID.Valid {
		v := agentRunID.Int64
		w.AgentRunID = &v
	}
	if w.CleanedAt, err = nullableTime(cleanedAt); err != nil {
		return model.Worktree{}, err
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Worktree{}, err
	}
	return w, nil
}
