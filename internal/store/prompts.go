package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"paidagent/orchestrator/internal/model"
)

const promptColumns = `
	id, slug, version, template, variables, system_prompt, created_by, change_notes,
	parent_version_id, project_id, account_id`

// CreatePromptVersion inserts a new immutable prompt revision. Versions are
// never updated in place, matching spec.md C5's prompt-versioning model.
func (s *Store) CreatePromptVersion(ctx context.Context, p model.PromptVersion) (model.PromptVersion, error) {
	vars, err := json.Marshal(p.Variables)
	if err != nil {
		return model.PromptVersion{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_versions (
			slug, version, template, variables, system_prompt, created_by, change_notes,
			parent_version_id, project_id, account_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Slug, p.Version, p.Template, string(vars), p.SystemPrompt, p.CreatedBy, p.ChangeNotes,
		nullableInt64(p.ParentVersionID), nullableInt64(p.ProjectID), nullableInt64(p.AccountID))
	if err != nil {
		return model.PromptVersion{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.PromptVersion{}, err
	}
	p.ID = id
	return p, nil
}

// LatestPromptVersion returns the highest-numbered version for a slug
// within one scope: the given project's versions, or, when projectID is
// nil, the versions with no project. It does not fall back from a project
// to account or global versions, and it does not filter by account.
func (s *Store) LatestPromptVersion(ctx context.Context, slug string, projectID *int64) (model.PromptVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+promptColumns+` FROM prompt_versions
		WHERE slug = ? AND (project_id = ? OR (? IS NULL AND project_id IS NULL))
		ORDER BY version DESC LIMIT 1`, slug, nullableInt64(projectID), nullableInt64(projectID))
	return scanPromptVersion(row)
}

func scanPromptVersion(row *sql.Row) (model.PromptVersion, error) {
	var p model.PromptVersion
	var variables string
	var parentID, projectID, accountID sql.NullInt64
	err := row.Scan(&p.ID, &p.Slug, &p.Version, &p.Template, &variables, &p.SystemPrompt, &p.CreatedBy, &p.ChangeNotes,
		&parentID, &projectID, &accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PromptVersion{}, ErrNotFound
		}
		return model.PromptVersion{}, err
	}
	if err := json.Unmarshal([]byte(variables), &p.Variables); err != nil {
		return model.PromptVersion{}, err
	}
	if parentID.Valid {
		v := parentID.Int64
		p.ParentVersionID = &v
	}
	if projectID.Valid {
		v := projectID.Int64
		p.ProjectID = &v
	}
	if accountID.Valid {
		v := accountID.Int64
		p.AccountID = &v
	}
	return p, nil
}
