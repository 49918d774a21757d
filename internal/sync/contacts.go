package sync

import (
	"context"
	"fmt"
)

// ContactIndex is a read-only snapshot of known contact addresses.
// It is built once per engine run and never shared between runs.
type ContactIndex struct {
	byEmail map[string]string
}

// LoadContactIndex snapshots the contact source
func LoadContactIndex(ctx context.Context, src ContactSource) (*ContactIndex, error) {
	if src == nil {
		return &ContactIndex{byEmail: map[string]string{}}, nil
	}
	emails, err := src.ContactEmails(ctx)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	idx := &ContactIndex{byEmail: make(map[string]string, len(emails))}
	for email, id := range emails {
		if key := NormalizeAddress(email); key != "" {
			idx.byEmail[key] = id
		}
	}
	return idx, nil
}

// Lookup returns the contact id for a participant header value
func (c *ContactIndex) Lookup(participant string) (string, bool) {
	id, ok := c.byEmail[NormalizeAddress(participant)]
	return id, ok
}

// Len returns the number of indexed addresses
func (c *ContactIndex) Len() int { return len(c.byEmail) }

// LinksFor computes the auto links for a stored message. Bcc is ignored.
func (c *ContactIndex) LinksFor(m *Message) []ContactLink {
	if len(c.byEmail) == 0 {
		return nil
	}
	var links []ContactLink
	seen := make(map[ContactLink]bool)
	add := func(role LinkRole, participants ...string) {
		for _, p := range participants {
			id, ok := c.Lookup(p)
			if !ok {
				continue
			}
			l := ContactLink{MessageID: m.ID, ContactID: id, Role: role, Origin: OriginAuto}
			if !seen[l] {
				seen[l] = true
				links = append(links, l)
			}
		}
	}
	add(RoleFrom, m.From)
	add(RoleTo, m.To...)
	add(RoleCc, m.Cc...)
	return links
}
