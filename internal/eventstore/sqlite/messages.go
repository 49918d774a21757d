package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// ErrNotFound is returned for lookups of rows that do not exist
var ErrNotFound = errors.New("not found")

const messageColumns = `
	id, account_id, remote_message_id, thread_id, subject, snippet, from_addr,
	to_addrs, cc_addrs, bcc_addrs, labels_json, is_read, is_starred, is_draft, is_sent,
	internal_date, received_at, has_attachments, attachment_count, history_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*sync.Message, error) {
	var (
		m                          sync.Message
		to, cc, bcc, labels        string
		read, starred, draft, sent int
		internalDate, receivedAt   int64
		hasAttachments             int
		historyID                  int64
	)
	err := row.Scan(&m.ID, &m.AccountID, &m.RemoteMessageID, &m.ThreadID, &m.Subject, &m.Snippet, &m.From,
		&to, &cc, &bcc, &labels, &read, &starred, &draft, &sent,
		&internalDate, &receivedAt, &hasAttachments, &m.AttachmentCount, &historyID)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(to), &m.To)
	_ = json.Unmarshal([]byte(cc), &m.Cc)
	_ = json.Unmarshal([]byte(bcc), &m.Bcc)
	_ = json.Unmarshal([]byte(labels), &m.Labels)
	if m.Labels == nil {
		m.Labels = []string{}
	}
	m.Flags = sync.Flags{Read: read == 1, Starred: starred == 1, Draft: draft == 1, Sent: sent == 1}
	m.InternalDate = time.UnixMilli(internalDate).UTC()
	m.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	m.HasAttachments = hasAttachments == 1
	m.HistoryID = uint64(historyID)
	return &m, nil
}

func getMessage(ctx context.Context, q queryer, accountID, remoteID string) (*sync.Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE account_id = ? AND remote_message_id = ?`,
		accountID, remoteID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// GetMessage returns nil when the message is not stored
func (s *Store) GetMessage(ctx context.Context, accountID, remoteMessageID string) (*sync.Message, error) {
	return getMessage(ctx, s.DB, accountID, remoteMessageID)
}

// ListMessages returns an account's newest messages by provider date
func (s *Store) ListMessages(ctx context.Context, accountID string, limit int) ([]sync.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE account_id = ? ORDER BY internal_date DESC LIMIT ?`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []sync.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of stored messages of an account
func (s *Store) CountMessages(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE account_id = ?`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// UpsertMessage inserts a message or refreshes its mutable fields.
// Subject and snippet are only filled in when previously empty; labels,
// flags and history id are always refreshed. Identical input writes nothing.
// m.ID is set to the stored row id.
func (s *Store) UpsertMessage(ctx context.Context, m *sync.Message) (sync.UpsertOutcome, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return sync.UpsertUnchanged, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getMessage(ctx, tx, m.AccountID, m.RemoteMessageID)
	if err != nil {
		return sync.UpsertUnchanged, err
	}

	now := s.now()
	outcome := sync.UpsertInserted
	if existing == nil {
		if err := s.insertMessage(ctx, tx, m, now); err != nil {
			return sync.UpsertUnchanged, err
		}
	} else {
		merged, changed := mergeMessage(existing, m)
		m.ID = existing.ID
		if !changed {
			return sync.UpsertUnchanged, nil
		}
		if err := s.updateMessage(ctx, tx, merged, now); err != nil {
			return sync.UpsertUnchanged, err
		}
		outcome = sync.UpsertUpdated
		m = merged
	}

	if err := s.enqueueMessageEvent(ctx, tx, "message.upserted", m, now); err != nil {
		return sync.UpsertUnchanged, err
	}

	if err := tx.Commit(); err != nil {
		return sync.UpsertUnchanged, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return outcome, nil
}

func (s *Store) insertMessage(ctx context.Context, tx *sql.Tx, m *sync.Message, now time.Time) error {
	receivedAt := m.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	labels := sync.NormalizeLabels(m.Labels)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages
		(account_id, remote_message_id, thread_id, subject, snippet, from_addr, to_addrs, cc_addrs, bcc_addrs,
		 labels_json, is_read, is_starred, is_draft, is_sent, internal_date, received_at,
		 has_attachments, attachment_count, history_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.AccountID, m.RemoteMessageID, m.ThreadID, m.Subject, m.Snippet, m.From,
		jsonList(m.To), jsonList(m.Cc), jsonList(m.Bcc), jsonList(labels),
		boolInt(m.Flags.Read), boolInt(m.Flags.Starred), boolInt(m.Flags.Draft), boolInt(m.Flags.Sent),
		m.InternalDate.UnixMilli(), receivedAt.Unix(),
		boolInt(m.HasAttachments), m.AttachmentCount, int64(m.HistoryID), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get message ID: %w", err)
	}
	m.ID = id

	addrs := map[sync.LinkRole][]string{
		sync.RoleFrom: {m.From},
		sync.RoleTo:   m.To,
		sync.RoleCc:   m.Cc,
		"bcc":         m.Bcc,
	}
	for role, list := range addrs {
		for _, a := range list {
			addr := sync.NormalizeAddress(a)
			if addr == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO message_addresses (message_id, role, address) VALUES (?, ?, ?)
			`, id, string(role), addr); err != nil {
				return fmt.Errorf("failed to insert message address: %w", err)
			}
		}
	}
	return nil
}

func (s *Store) updateMessage(ctx context.Context, tx *sql.Tx, m *sync.Message, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET thread_id = ?, subject = ?, snippet = ?, labels_json = ?,
		    is_read = ?, is_starred = ?, is_draft = ?, is_sent = ?,
		    history_id = ?, updated_at = ?
		WHERE id = ?
	`, m.ThreadID, m.Subject, m.Snippet, jsonList(m.Labels),
		boolInt(m.Flags.Read), boolInt(m.Flags.Starred), boolInt(m.Flags.Draft), boolInt(m.Flags.Sent),
		int64(m.HistoryID), now.Unix(), m.ID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

// mergeMessage applies the mutable fields of incoming onto a copy of stored
func mergeMessage(stored, incoming *sync.Message) (*sync.Message, bool) {
	merged := *stored
	changed := false

	if merged.ThreadID == "" && incoming.ThreadID != "" {
		merged.ThreadID = incoming.ThreadID
		changed = true
	}
	if merged.Subject == "" && incoming.Subject != "" {
		merged.Subject = incoming.Subject
		changed = true
	}
	if merged.Snippet == "" && incoming.Snippet != "" {
		merged.Snippet = incoming.Snippet
		changed = true
	}

	labels := sync.NormalizeLabels(incoming.Labels)
	if !slices.Equal(labels, sync.NormalizeLabels(merged.Labels)) {
		merged.Labels = labels
		changed = true
	}
	if merged.Flags != incoming.Flags {
		merged.Flags = incoming.Flags
		changed = true
	}
	if incoming.HistoryID > merged.HistoryID {
		merged.HistoryID = incoming.HistoryID
		changed = true
	}
	return &merged, changed
}

// PatchLabels replaces the label set and read/starred flags of a stored
// message. Events older than the stored history id are ignored.
func (s *Store) PatchLabels(ctx context.Context, p sync.LabelPatch) (sync.PatchOutcome, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return sync.PatchMissing, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stored, err := getMessage(ctx, tx, p.AccountID, p.RemoteMessageID)
	if err != nil || stored == nil {
		return sync.PatchMissing, err
	}
	if p.HistoryID != 0 && p.HistoryID < stored.HistoryID {
		return sync.PatchStale, nil
	}

	labels := sync.NormalizeLabels(p.Labels)
	flags := sync.FlagsFromLabels(labels)
	if slices.Equal(labels, sync.NormalizeLabels(stored.Labels)) &&
		flags.Read == stored.Flags.Read && flags.Starred == stored.Flags.Starred {
		return sync.PatchUnchanged, nil
	}

	now := s.now()
	_, err = tx.ExecContext(ctx, `
		UPDATE messages
		SET labels_json = ?, is_read = ?, is_starred = ?,
		    history_id = MAX(history_id, ?), updated_at = ?
		WHERE id = ?
	`, jsonList(labels), boolInt(flags.Read), boolInt(flags.Starred), int64(p.HistoryID), now.Unix(), stored.ID)
	if err != nil {
		return sync.PatchMissing, fmt.Errorf("failed to patch labels: %w", err)
	}

	stored.Labels = labels
	stored.Flags.Read = flags.Read
	stored.Flags.Starred = flags.Starred
	if p.HistoryID > stored.HistoryID {
		stored.HistoryID = p.HistoryID
	}
	if err := s.enqueueMessageEvent(ctx, tx, "message.labels_changed", stored, now); err != nil {
		return sync.PatchMissing, err
	}

	if err := tx.Commit(); err != nil {
		return sync.PatchMissing, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return sync.PatchApplied, nil
}

func jsonList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}
