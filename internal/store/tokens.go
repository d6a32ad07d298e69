package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"paidagent/orchestrator/internal/model"
)

func (s *Store) CreateGithubToken(ctx context.Context, t model.GithubToken) (model.GithubToken, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO github_tokens (account_id, name, token_cipher, scopes, expires_at, revoked_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.AccountID, t.Name, t.TokenCipher, strings.Join(t.Scopes, ","),
		timeToNullString(t.ExpiresAt), timeToNullString(t.RevokedAt), timeToNullString(t.LastUsedAt))
	if err != nil {
		return model.GithubToken{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.GithubToken{}, err
	}
	t.ID = id
	return t, nil
}

func (s *Store) GetGithubToken(ctx context.Context, id int64) (model.GithubToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, name, token_cipher, scopes, expires_at, revoked_at, last_used_at
		FROM github_tokens WHERE id = ?`, id)
	return scanGithubToken(row)
}

func scanGithubToken(row *sql.Row) (model.GithubToken, error) {
	var t model.GithubToken
	var scopes string
	var expiresAt, revokedAt, lastUsedAt sql.NullString
	if err := row.Scan(&t.ID, &t.AccountID, &t.Name, &t.TokenCipher, &scopes, &expiresAt, &revokedAt, &lastUsedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.GithubToken{}, ErrNotFound
		}
		return model.GithubToken{}, err
	}
	if scopes != "" {
		t.Scopes = strings.Split(scopes, ",")
	}
	var err error
	if t.ExpiresAt, err = nullableTime(expiresAt); err != nil {
		return model.GithubToken{}, err
	}
	if t.RevokedAt, err = nullableTime(revokedAt); err != nil {
		return model.GithubToken{}, err
	}
	if t.LastUsedAt, err = nullableTime(lastUsedAt); err != nil {
		return model.GithubToken{}, err
	}
	return t, nil
}

// TouchGithubToken records the most recent use of a token in last_used_at.
// No code path in this module calls it.
func (s *Store) TouchGithubToken(ctx context.Context, id int64, now string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE github_tokens SET last_used_at = ? WHERE id = ?`, now, id)
	return err
}

func (s *Store) RevokeGithubToken(ctx context.Context, id int64, now string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE github_tokens SET revoked_at = ? WHERE id = ?`, now, id)
	return err
}
