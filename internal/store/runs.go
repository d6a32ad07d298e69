package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"paidagent/orchestrator/internal/model"
)

var ErrInvalidTransition = errors.New("store: invalid agent run status transition")

const agentRunColumns = `
	id, project_id, issue_id, agent_type, status, started_at, completed_at, duration_seconds,
	worktree_path, branch_name, base_commit_sha, result_commit_sha, pull_request_url,
	pull_request_number, source_pull_request_number, custom_prompt, tokens_input, tokens_output,
	cost_cents, proxy_token, container_id, error_message`

func (s *Store) CreateAgentRun(ctx context.Context, r model.AgentRun) (model.AgentRun, error) {
	if r.Status == "" {
		r.Status = model.RunPending
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (
			project_id, issue_id, agent_type, status, started_at, completed_at, duration_seconds,
			worktree_path, branch_name, base_commit_sha, result_commit_sha, pull_request_url,
			pull_request_number, source_pull_request_number, custom_prompt, tokens_input, tokens_output,
			cost_cents, proxy_token, container_id, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ProjectID, nullableInt64(r.IssueID), string(r.AgentType), string(r.Status),
		timeToNullString(r.StartedAt), timeToNullString(r.CompletedAt), r.DurationSeconds,
		r.WorktreePath, r.BranchName, r.BaseCommitSHA, r.ResultCommitSHA, r.PullRequestURL,
		r.PullRequestNumber, nullableInt(r.SourcePullRequestNumber), r.CustomPrompt,
		r.TokensInput, r.TokensOutput, r.CostCents, r.ProxyToken, r.ContainerID, r.ErrorMessage)
	if err != nil {
		return model.AgentRun{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.AgentRun{}, err
	}
	r.ID = id
	return r, nil
}

func (s *Store) GetAgentRun(ctx context.Context, id int64) (model.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentRunColumns+` FROM agent_runs WHERE id = ?`, id)
	return scanAgentRun(row)
}

// TransitionAgentRunStatus applies model.AgentRun.TransitionTo inside a
// BEGIN IMMEDIATE transaction so two activities racing to finalize the same
// run (e.g. a timeout activity and the agent-exit activity) cannot both
// succeed, per spec.md S8 I1.
func (s *Store) TransitionAgentRunStatus(ctx context.Context, id int64, next model.RunStatus, errMsg string) error {
	return s.withImmediate(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+agentRunColumns+` FROM agent_runs WHERE id = ?`, id)
		run, err := scanAgentRun(row)
		if err != nil {
			return err
		}
		if !run.TransitionTo(next) {
			return fmt.Errorf("%w: run %d %s -> %s", ErrInvalidTransition, id, run.Status, next)
		}
		now := time.Now().UTC()
		var completedAt sql.NullString
		if next.Terminal() {
			completedAt = timeToNullString(&now)
		}
		var startedAt sql.NullString
		if next == model.RunRunning && run.StartedAt == nil {
			startedAt = timeToNullString(&now)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE agent_runs SET status = ?, error_message = ?,
				completed_at = COALESCE(?, completed_at),
				started_at = COALESCE(?, started_at)
			WHERE id = ?`, string(next), errMsg, nullStringOrNil(completedAt), nullStringOrNil(startedAt), id)
		return err
	})
}

func (s *Store) UpdateAgentRunResult(ctx context.Context, id int64, resultCommitSHA, prURL string, prNumber int, tokensIn, tokensOut, costCents int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET result_commit_sha = ?, pull_request_url = ?, pull_request_number = ?,
			tokens_input = ?, tokens_output = ?, cost_cents = ?
		WHERE id = ?`, resultCommitSHA, prURL, prNumber, tokensIn, tokensOut, costCents, id)
	return err
}

// IncrementAgentRunUsage adds tokensIn/tokensOut/costCents to an
// AgentRun's running totals under a row lock, mirroring
// IncrementProjectUsage's additive-upsert shape for the run side of a
// token-usage update.
func (s *Store) IncrementAgentRunUsage(ctx context.Context, id int64, tokensIn, tokensOut, costCents int64) error {
	return s.withImmediate(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE agent_runs SET
				tokens_input = tokens_input + ?,
				tokens_output = tokens_output + ?,
				cost_cents = cost_cents + ?
			WHERE id = ?`, tokensIn, tokensOut, costCents, id)
		return err
	})
}

func (s *Store) SetAgentRunContainer(ctx context.Context, id int64, containerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agent_runs SET container_id = ? WHERE id = ?`, containerID, id)
	return err
}

func (s *Store) SetAgentRunWorktree(ctx context.Context, id int64, path, branch, baseCommit string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET worktree_path = ?, branch_name = ?, base_commit_sha = ? WHERE id = ?`,
		path, branch, baseCommit, id)
	return err
}

// ActiveRunForPullRequest reports whether a non-terminal AgentRun already
// targets source_pull_request_number within project_id, used by
// ScanPaidPrs to avoid double-scheduling follow-up runs on the same PR.
func (s *Store) ActiveRunForPullRequest(ctx context.Context, projectID int64, prNumber int) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_runs
		WHERE project_id = ? AND source_pull_request_number = ?
		  AND status NOT IN (?, ?, ?, ?)`,
		projectID, prNumber, string(model.RunCompleted), string(model.RunFailed), string(model.RunCancelled), string(model.RunTimeout)).Scan(&count)
	return count > 0, err
}

// LastCompletedRunForPullRequest returns the most recently completed run
// targeting source_pull_request_number, used to bound "since last run"
// comment/review windows in the prompt builder. Returns ErrNotFound if
// no completed run exists yet.
func (s *Store) LastCompletedRunForPullRequest(ctx context.Context, projectID int64, prNumber int) (model.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentRunColumns+` FROM agent_runs
		WHERE project_id = ? AND source_pull_request_number = ? AND status = ?
		ORDER BY completed_at DESC LIMIT 1`,
		projectID, prNumber, string(model.RunCompleted))
	return scanAgentRun(row)
}

func scanAgentRun(row *sql.Row) (model.AgentRun, error) {
	var r model.AgentRun
	var issueID, sourcePR sql.NullInt64
	var status, agentType string
	var startedAt, completedAt sql.NullString
	err := row.Scan(&r.ID, &r.ProjectID, &issueID, &agentType, &status, &startedAt, &completedAt, &r.DurationSeconds,
		&r.WorktreePath, &r.BranchName, &r.BaseCommitSHA, &r.ResultCommitSHA, &r.PullRequestURL,
		&r.PullRequestNumber, &sourcePR, &r.CustomPrompt, &r.TokensInput, &r.TokensOutput,
		&r.CostCents, &r.ProxyToken, &r.ContainerID, &r.ErrorMessage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentRun{}, ErrNotFound
		}
		return model.AgentRun{}, err
	}
	r.AgentType = model.AgentType(agentType)
	r.Status = model.RunStatus(status)
	if issueID.Valid {
		v := issueID.Int64
		r.IssueID = &v
	}
	if sourcePR.Valid {
		v := int(sourcePR.Int64)
		r.SourcePullRequestNumber = &v
	}
	if r.StartedAt, err = nullableTime(startedAt); err != nil {
		return model.AgentRun{}, err
	}
	if r.CompletedAt, err = nullableTime(completedAt); err != nil {
		return model.AgentRun{}, err
	}
	return r, nil
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullStringOrNil(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	return s.String
}
