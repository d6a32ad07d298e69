package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"paidagent/orchestrator/internal/model"
)

const issueColumns = `
	id, project_id, github_issue_id, github_number, title, body, labels,
	github_state, is_pull_request, github_creator_login, paid_state, pr_followup_count`

// UpsertIssue inserts a new issue or updates the mutable fields (title,
// body, labels, state) of an existing one, keyed by (project_id,
// github_issue_id), grounded on ReleaseParty's UpsertProject pattern.
func (s *Store) UpsertIssue(ctx context.Context, i model.Issue) (model.Issue, error) {
	labels, err := json.Marshal(i.Labels)
	if err != nil {
		return model.Issue{}, err
	}
	var body sql.NullString
	if i.Body != nil {
		body = sql.NullString{String: *i.Body, Valid: true}
	}
	if i.PaidState == "" {
		i.PaidState = model.PaidNew
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issues (
			project_id, github_issue_id, github_number, title, body, labels,
			github_state, is_pull_request, github_creator_login, paid_state, pr_followup_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, github_issue_id) DO UPDATE SET
			github_number = excluded.github_number,
			title = excluded.title,
			body = excluded.body,
			labels = excluded.labels,
			github_state = excluded.github_state,
			is_pull_request = excluded.is_pull_request`,
		i.ProjectID, i.GithubIssueID, i.GithubNumber, i.Title, body, string(labels),
		i.GithubState, boolToInt(i.IsPullRequest), i.GithubCreatorLogin, string(i.PaidState), i.PRFollowupCount)
	if err != nil {
		return model.Issue{}, err
	}
	return s.GetIssueByGithubID(ctx, i.ProjectID, i.GithubIssueID)
}

func (s *Store) GetIssueByGithubID(ctx context.Context, projectID, githubIssueID int64) (model.Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE project_id = ? AND github_issue_id = ?`,
		projectID, githubIssueID)
	return scanIssue(row)
}

func (s *Store) GetIssue(ctx context.Context, id int64) (model.Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	return scanIssue(row)
}

// ListIssuesByState returns issues in a given paid_state for a project, used
// by the poll workflow to find newly fetched issues ready for agent dispatch.
func (s *Store) ListIssuesByState(ctx context.Context, projectID int64, state model.PaidState) ([]model.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE project_id = ? AND paid_state = ?`,
		projectID, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Issue
	for rows.Next() {
		i, err := scanIssueRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *Store) SetIssuePaidState(ctx context.Context, id int64, state model.PaidState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE issues SET paid_state = ? WHERE id = ?`, string(state), id)
	return err
}

// ListIssuesByGithubState returns every issue for a project in a given
// github_state ("open"/"closed"), used by the poll workflow to diff the
// locally-known set against a freshly fetched page of issues.
func (s *Store) ListIssuesByGithubState(ctx context.Context, projectID int64, githubState string) ([]model.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE project_id = ? AND github_state = ?`,
		projectID, githubState)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Issue
	for rows.Next() {
		i, err := scanIssueRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// SetIssueGithubState updates only the github_state column, used to mark
// issues closed after they drop out of an open-issues fetch.
func (s *Store) SetIssueGithubState(ctx context.Context, id int64, githubState string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE issues SET github_state = ? WHERE id = ?`, githubState, id)
	return err
}

// ListPaidGeneratedOpenPullRequests returns open, pull-request issues
// carrying the paid-generated label, the candidate set ScanPaidPrs
// iterates over.
func (s *Store) ListPaidGeneratedOpenPullRequests(ctx context.Context, projectID int64) ([]model.Issue, error) {
	issues, err := s.ListIssuesByGithubState(ctx, projectID, "open")
	if err != nil {
		return nil, err
	}
	var out []model.Issue
	for _, i := range issues {
		if i.IsPullRequest && i.HasLabel("paid-generated") {
			out = append(out, i)
		}
	}
	return out, nil
}

func (s *Store) IncrementIssuePRFollowupCount(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.withImmediate(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE issues SET pr_followup_count = pr_followup_count + 1 WHERE id = ?`, id); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT pr_followup_count FROM issues WHERE id = ?`, id).Scan(&count)
	})
	return count, err
}

func scanIssue(row *sql.Row) (model.Issue, error) {
	return scanIssueScanner(row)
}

func scanIssueRows(rows *sql.Rows) (model.Issue, error) {
	return scanIssueScanner(rows)
}

func scanIssueScanner(sc scanner) (model.Issue, error) {
	var i model.Issue
	var body sql.NullString
	var labels, paidState string
	var isPR int
	err := sc.Scan(&i.ID, &i.ProjectID, &i.GithubIssueID, &i.GithubNumber, &i.Title, &body, &labels,
		&i.GithubState, &isPR, &i.GithubCreatorLogin, &paidState, &i.PRFollowupCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Issue{}, ErrNotFound
		}
		return model.Issue{}, err
	}
	if body.Valid {
		b := body.String
		i.Body = &b
	}
	i.IsPullRequest = isPR != 0
	i.PaidState = model.PaidState(paidState)
	if err := json.Unmarshal([]byte(labels), &i.Labels); err != nil {
		return model.Issue{}, err
	}
	return i, nil
}
