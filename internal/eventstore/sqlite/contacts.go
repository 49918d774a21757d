package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// SaveContact creates or updates a contact and its addresses. An empty id
// creates a new contact; the contact id is returned.
func (s *Store) SaveContact(ctx context.Context, id, name string, emails []string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contacts (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, id, name, s.now().Unix()); err != nil {
		return "", fmt.Errorf("failed to save contact: %w", err)
	}

	for _, e := range emails {
		addr := sync.NormalizeAddress(e)
		if addr == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contact_emails (email, contact_id) VALUES (?, ?)
			ON CONFLICT(email) DO UPDATE SET contact_id = excluded.contact_id
		`, addr, id); err != nil {
			return "", fmt.Errorf("failed to save contact email: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

// ContactEmails returns every known contact address mapped to its contact id
func (s *Store) ContactEmails(ctx context.Context) (map[string]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT email, contact_id FROM contact_emails`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contact emails: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var email, id string
		if err := rows.Scan(&email, &id); err != nil {
			return nil, fmt.Errorf("failed to scan contact email: %w", err)
		}
		out[email] = id
	}
	return out, rows.Err()
}

// CreateAutoLinks inserts auto links, leaving any existing link for the same
// (message, contact, role) untouched, manual ones included.
func (s *Store) CreateAutoLinks(ctx context.Context, links []sync.ContactLink) (int, error) {
	if len(links) == 0 {
		return 0, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().Unix()
	created := 0
	for _, l := range links {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO contact_links (message_id, contact_id, role, origin, created_at)
			VALUES (?, ?, ?, 'auto', ?)
		`, l.MessageID, l.ContactID, string(l.Role), now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert contact link: %w", err)
		}
		n, _ := res.RowsAffected()
		created += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

// LinkContact records a user-created link. An existing auto link for the
// same tuple becomes manual.
func (s *Store) LinkContact(ctx context.Context, accountID, remoteMessageID, contactID string, role sync.LinkRole) error {
	switch role {
	case sync.RoleFrom, sync.RoleTo, sync.RoleCc:
	default:
		return fmt.Errorf("invalid link role %q", role)
	}

	msg, err := s.GetMessage(ctx, accountID, remoteMessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %s: %w", remoteMessageID, ErrNotFound)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO contact_links (message_id, contact_id, role, origin, created_at)
		VALUES (?, ?, ?, 'manual', ?)
		ON CONFLICT(message_id, contact_id, role) DO UPDATE SET origin = 'manual'
	`, msg.ID, contactID, string(role), s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to link contact: %w", err)
	}
	return nil
}

// ContactLinks lists the links of a stored message
func (s *Store) ContactLinks(ctx context.Context, messageID int64) ([]sync.ContactLink, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT message_id, contact_id, role, origin FROM contact_links
		WHERE message_id = ? ORDER BY role, contact_id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contact links: %w", err)
	}
	defer rows.Close()

	var links []sync.ContactLink
	for rows.Next() {
		var l sync.ContactLink
		var role, origin string
		if err := rows.Scan(&l.MessageID, &l.ContactID, &role, &origin); err != nil {
			return nil, fmt.Errorf("failed to scan contact link: %w", err)
		}
		l.Role = sync.LinkRole(role)
		l.Origin = sync.LinkOrigin(origin)
		links = append(links, l)
	}
	return links, rows.Err()
}
