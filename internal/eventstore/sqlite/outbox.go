package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// enqueueMessageEvent appends a message event to the outbox inside tx.
// It is a no-op unless the store was opened with Options.Outbox.
func (s *Store) enqueueMessageEvent(ctx context.Context, tx *sql.Tx, eventType string, m *sync.Message, now time.Time) error {
	if !s.opts.Outbox {
		return nil
	}

	event := map[string]interface{}{
		"event_id":          uuid.NewString(),
		"type":              eventType,
		"ts":                now.Unix(),
		"account_id":        m.AccountID,
		"remote_message_id": m.RemoteMessageID,
		"thread_id":         m.ThreadID,
		"subject":           m.Subject,
		"from":              m.From,
		"to":                m.To,
		"cc":                m.Cc,
		"labels":            m.Labels,
		"is_read":           m.Flags.Read,
		"is_starred":        m.Flags.Starred,
		"internal_date":     m.InternalDate.UnixMilli(),
		"history_id":        m.HistoryID,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode outbox event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", s.opts.SubjectPrefix, subjectToken(m.AccountID), eventType)
	msgID := fmt.Sprintf("%s|%s|%s|%d|%s", eventType, m.AccountID, m.RemoteMessageID, m.HistoryID, strings.Join(m.Labels, ","))

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now.Unix(), subject, eventType, payload, msgID, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// subjectToken makes an account id safe to use as one NATS subject token
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// PruneOutbox deletes published entries older than age
func (s *Store) PruneOutbox(ctx context.Context, age time.Duration) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM outbox WHERE published_at IS NOT NULL AND published_at < ?
	`, s.now().Add(-age).Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
