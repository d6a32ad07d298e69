package store

import (
	"context"
	"database/sql"
	"errors"

	"paidagent/orchestrator/internal/model"
)

var ErrNotFound = errors.New("store: not found")

func (s *Store) CreateAccount(ctx context.Context, a model.Account) (model.Account, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO accounts (slug, name) VALUES (?, ?)`, a.Slug, a.Name)
	if err != nil {
		return model.Account{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Account{}, err
	}
	a.ID = id
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, slug, name FROM accounts WHERE id = ?`, id)
	var a model.Account
	if err := row.Scan(&a.ID, &a.Slug, &a.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, ErrNotFound
		}
		return model.Account{}, err
	}
	return a, nil
}

func (s *Store) GetAccountBySlug(ctx context.Context, slug string) (model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, slug, name FROM accounts WHERE slug = ?`, slug)
	var a model.Account
	if err := row.Scan(&a.ID, &a.Slug, &a.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, ErrNotFound
		}
		return model.Account{}, err
	}
	return a, nil
}
