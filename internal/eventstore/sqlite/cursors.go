package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// ErrNotSyncing is returned when completing or failing a run that was never started
var ErrNotSyncing = errors.New("sync state is not syncing")

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetSyncState returns the sync state of an account. Accounts that never
// synced get an idle state with no cursor.
func (s *Store) GetSyncState(ctx context.Context, accountID string) (*sync.SyncCursor, error) {
	c, err := loadCursor(ctx, s.DB, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return &sync.SyncCursor{AccountID: accountID, Status: sync.StatusIdle}, nil
	}
	return c, err
}

func loadCursor(ctx context.Context, q queryer, accountID string) (*sync.SyncCursor, error) {
	var (
		c                               sync.SyncCursor
		cursor                          sql.NullInt64
		expired                         int
		status                          string
		startedAt, lastSynced, lastFull sql.NullInt64
		lastError                       sql.NullString
		updatedAt                       int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT account_id, cursor_value, cursor_expired, status, started_at, last_synced_at,
		       last_full_sync_at, messages_synced_total, failure_count, last_error, updated_at
		FROM sync_state WHERE account_id = ?
	`, accountID).Scan(&c.AccountID, &cursor, &expired, &status, &startedAt, &lastSynced,
		&lastFull, &c.MessagesSyncedTotal, &c.FailureCount, &lastError, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	if cursor.Valid {
		c.CursorValue = uint64(cursor.Int64)
	}
	c.CursorExpired = expired == 1
	c.Status = sync.SyncStatus(status)
	c.StartedAt = timePtr(startedAt)
	c.LastSyncedAt = timePtr(lastSynced)
	c.LastFullSyncAt = timePtr(lastFull)
	c.LastError = lastError.String
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}

// StartSync moves idle or failed state to syncing, creating the row on the
// first attempt. A syncing row older than staleAfter is taken over; a fresh
// one belongs to another run and is rejected with ErrSyncInProgress.
func (s *Store) StartSync(ctx context.Context, accountID string, staleAfter time.Duration) (*sync.SyncCursor, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_state (account_id, status, updated_at) VALUES (?, 'idle', ?)
	`, accountID, now.Unix()); err != nil {
		return nil, fmt.Errorf("failed to create sync state: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sync_state
		SET status = 'syncing', started_at = ?, updated_at = ?
		WHERE account_id = ?
		  AND (status != 'syncing' OR started_at IS NULL OR started_at < ?)
	`, now.Unix(), now.Unix(), accountID, now.Add(-staleAfter).Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to start sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%s: %w", accountID, sync.ErrSyncInProgress)
	}

	c, err := loadCursor(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return c, nil
}

// CompleteSync moves syncing to idle, committing the cursor and the running
// total in one statement. A zero cursor is stored as NULL.
func (s *Store) CompleteSync(ctx context.Context, accountID string, cursor uint64, count int, full bool) error {
	now := s.now().Unix()
	var cursorVal any
	if cursor != 0 {
		cursorVal = int64(cursor)
	}

	res, err := s.DB.ExecContext(ctx, `
		UPDATE sync_state
		SET cursor_value = ?,
		    cursor_expired = CASE WHEN ? THEN 0 ELSE cursor_expired END,
		    status = 'idle',
		    started_at = NULL,
		    last_synced_at = ?,
		    last_full_sync_at = CASE WHEN ? THEN ? ELSE last_full_sync_at END,
		    messages_synced_total = messages_synced_total + ?,
		    failure_count = 0,
		    last_error = NULL,
		    updated_at = ?
		WHERE account_id = ? AND status = 'syncing'
	`, cursorVal, boolInt(full), now, boolInt(full), now, count, now, accountID)
	if err != nil {
		return fmt.Errorf("failed to complete sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete %s: %w", accountID, ErrNotSyncing)
	}
	return nil
}

// FailSync moves syncing to failed and records the reason. The cursor is
// left untouched.
func (s *Store) FailSync(ctx context.Context, accountID string, reason string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sync_state
		SET status = 'failed',
		    started_at = NULL,
		    last_error = ?,
		    failure_count = failure_count + 1,
		    updated_at = ?
		WHERE account_id = ? AND status = 'syncing'
	`, reason, s.now().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fail %s: %w", accountID, ErrNotSyncing)
	}
	return nil
}

// MarkCursorExpired forces the next run to be a full sync
func (s *Store) MarkCursorExpired(ctx context.Context, accountID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sync_state SET cursor_expired = 1, updated_at = ? WHERE account_id = ?
	`, s.now().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to mark cursor expired: %w", err)
	}
	return nil
}

// RecoverStale fails syncing rows older than olderThan, left behind by a
// process that died mid-run.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sync_state
		SET status = 'failed',
		    started_at = NULL,
		    last_error = 'interrupted',
		    failure_count = failure_count + 1,
		    updated_at = ?
		WHERE status = 'syncing' AND (started_at IS NULL OR started_at < ?)
	`, now.Unix(), now.Add(-olderThan).Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale syncs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
