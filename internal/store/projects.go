package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"paidagent/orchestrator/internal/model"
)

func (s *Store) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	labelMappings, err := json.Marshal(p.LabelMappings)
	if err != nil {
		return model.Project{}, err
	}
	prLabels, err := json.Marshal(p.PRActionLabels)
	if err != nil {
		return model.Project{}, err
	}
	allowed, err := json.Marshal(p.AllowedGithubUsernames)
	if err != nil {
		return model.Project{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (
			account_id, github_token_id, owner, repo, github_id, default_branch, active,
			poll_interval_seconds, label_mappings, pr_action_labels, allowed_github_usernames,
			auto_scan_prs, auto_fix_merge_conflicts, max_pr_followup_runs,
			total_cost_cents, total_tokens_used, detected_language
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.AccountID, p.GithubTokenID, p.Owner, p.Repo, p.GithubID, p.DefaultBranch, boolToInt(p.Active),
		p.PollIntervalSeconds, string(labelMappings), string(prLabels), string(allowed),
		boolToInt(p.AutoScanPRs), boolToInt(p.AutoFixMergeConflicts), p.MaxPRFollowupRuns,
		p.TotalCostCents, p.TotalTokensUsed, p.DetectedLanguage)
	if err != nil {
		return model.Project{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Project{}, err
	}
	p.ID = id
	return p, nil
}

const projectColumns = `
	id, account_id, github_token_id, owner, repo, github_id, default_branch, active,
	poll_interval_seconds, label_mappings, pr_action_labels, allowed_github_usernames,
	auto_scan_prs, auto_fix_merge_conflicts, max_pr_followup_runs,
	total_cost_cents, total_tokens_used, detected_language`

func (s *Store) GetProject(ctx context.Context, id int64) (model.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

func (s *Store) ListActiveProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row *sql.Row) (model.Project, error) {
	return scanProjectScanner(row)
}

func scanProjectRows(rows *sql.Rows) (model.Project, error) {
	return scanProjectScanner(rows)
}

func scanProjectScanner(sc scanner) (model.Project, error) {
	var p model.Project
	var active, autoScan, autoFix int
	var labelMappings, prLabels, allowed string
	err := sc.Scan(&p.ID, &p.AccountID, &p.GithubTokenID, &p.Owner, &p.Repo, &p.GithubID, &p.DefaultBranch, &active,
		&p.PollIntervalSeconds, &labelMappings, &prLabels, &allowed,
		&autoScan, &autoFix, &p.MaxPRFollowupRuns,
		&p.TotalCostCents, &p.TotalTokensUsed, &p.DetectedLanguage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Project{}, ErrNotFound
		}
		return model.Project{}, err
	}
	p.Active = active != 0
	p.AutoScanPRs = autoScan != 0
	p.AutoFixMergeConflicts = autoFix != 0
	if err := json.Unmarshal([]byte(labelMappings), &p.LabelMappings); err != nil {
		return model.Project{}, err
	}
	if err := json.Unmarshal([]byte(prLabels), &p.PRActionLabels); err != nil {
		return model.Project{}, err
	}
	if err := json.Unmarshal([]byte(allowed), &p.AllowedGithubUsernames); err != nil {
		return model.Project{}, err
	}
	return p, nil
}

func (s *Store) SetProjectActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET active = ? WHERE id = ?`, boolToInt(active), id)
	return err
}

// IncrementProjectUsage adds to the project's running cost/token totals
// inside a BEGIN IMMEDIATE transaction, per spec.md C9's accumulation rule.
func (s *Store) IncrementProjectUsage(ctx context.Context, id int64, costCents, tokens int64) error {
	return s.withImmediate(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE projects SET total_cost_cents = total_cost_cents + ?, total_tokens_used = total_tokens_used + ?
			WHERE id = ?`, costCents, tokens, id)
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
