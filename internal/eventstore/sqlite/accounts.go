package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// SaveAccount registers or updates a mailbox account
func (s *Store) SaveAccount(ctx context.Context, a sync.Account) error {
	if a.ID == "" {
		return fmt.Errorf("account id is required")
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, provider, email, user_id, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			email = excluded.email,
			user_id = excluded.user_id,
			active = excluded.active
	`, a.ID, string(a.Provider), a.Email, a.UserID, boolInt(a.Active), s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// SetAccountActive toggles sync eligibility
func (s *Store) SetAccountActive(ctx context.Context, id string, active bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, sync.ErrAccountNotFound)
	}
	return nil
}

// GetAccount returns nil when the account does not exist
func (s *Store) GetAccount(ctx context.Context, id string) (*sync.Account, error) {
	var a sync.Account
	var provider string
	var active int
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, provider, email, user_id, active FROM accounts WHERE id = ?
	`, id).Scan(&a.ID, &provider, &a.Email, &a.UserID, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	a.Provider = sync.ProviderName(provider)
	a.Active = active == 1
	return &a, nil
}

// ActiveAccounts lists accounts eligible for scheduled sync
func (s *Store) ActiveAccounts(ctx context.Context) ([]sync.Account, error) {
	return s.listAccounts(ctx, true)
}

// ListAccounts lists all accounts
func (s *Store) ListAccounts(ctx context.Context) ([]sync.Account, error) {
	return s.listAccounts(ctx, false)
}

func (s *Store) listAccounts(ctx context.Context, activeOnly bool) ([]sync.Account, error) {
	query := "SELECT id, provider, email, user_id, active FROM accounts"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY id"

	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []sync.Account
	for rows.Next() {
		var a sync.Account
		var provider string
		var active int
		if err := rows.Scan(&a.ID, &provider, &a.Email, &a.UserID, &active); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.Provider = sync.ProviderName(provider)
		a.Active = active == 1
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}
