package sync

import (
	"net/mail"
	"sort"
	"strings"
	"time"
)

// Account identifies one remote mailbox
type Account struct {
	ID       string       `json:"id"`
	Provider ProviderName `json:"provider"`
	Email    string       `json:"email"`
	UserID   string       `json:"user_id"`
	Active   bool         `json:"active"`
}

// SyncStatus is the state of an account's sync cursor
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusFailed  SyncStatus = "failed"
)

// SyncCursor is the persisted sync state of one account.
// A zero CursorValue means no cursor has been committed yet.
type SyncCursor struct {
	AccountID           string     `json:"account_id"`
	CursorValue         uint64     `json:"cursor_value,omitempty"`
	CursorExpired       bool       `json:"cursor_expired"`
	Status              SyncStatus `json:"status"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
	LastFullSyncAt      *time.Time `json:"last_full_sync_at,omitempty"`
	MessagesSyncedTotal int64      `json:"messages_synced_total"`
	FailureCount        int        `json:"failure_count"`
	LastError           string     `json:"last_error,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// NeedsFullSync reports whether the next run must be a full sync
func (c *SyncCursor) NeedsFullSync() bool {
	return c == nil || c.CursorValue == 0 || c.CursorExpired
}

// Message is a locally mirrored remote message
type Message struct {
	ID              int64     `json:"id"`
	AccountID       string    `json:"account_id"`
	RemoteMessageID string    `json:"remote_message_id"`
	ThreadID        string    `json:"thread_id"`
	Subject         string    `json:"subject"`
	Snippet         string    `json:"snippet"`
	From            string    `json:"from"`
	To              []string  `json:"to"`
	Cc              []string  `json:"cc"`
	Bcc             []string  `json:"bcc"`
	Labels          []string  `json:"labels"`
	Flags           Flags     `json:"flags"`
	InternalDate    time.Time `json:"internal_date"`
	ReceivedAt      time.Time `json:"received_at"`
	HasAttachments  bool      `json:"has_attachments"`
	AttachmentCount int       `json:"attachment_count"`
	HistoryID       uint64    `json:"history_id"`
}

// MessageFromMeta builds the local row for a fetched remote message
func MessageFromMeta(accountID string, meta *MessageMeta) *Message {
	labels := NormalizeLabels(meta.Labels)
	return &Message{
		AccountID:       accountID,
		RemoteMessageID: meta.MessageID,
		ThreadID:        meta.ThreadID,
		Subject:         meta.Subject,
		Snippet:         meta.Snippet,
		From:            meta.From,
		To:              meta.To,
		Cc:              meta.Cc,
		Bcc:             meta.Bcc,
		Labels:          labels,
		Flags:           FlagsFromLabels(labels),
		InternalDate:    meta.InternalDate,
		HasAttachments:  meta.HasAttachments,
		AttachmentCount: meta.AttachmentCount,
		HistoryID:       meta.HistoryID,
	}
}

// NormalizeLabels returns a sorted, de-duplicated, non-nil copy
func NormalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// UpsertOutcome reports what UpsertMessage did
type UpsertOutcome int

const (
	UpsertUnchanged UpsertOutcome = iota
	UpsertInserted
	UpsertUpdated
)

// PatchOutcome reports what PatchLabels did
type PatchOutcome int

const (
	// PatchMissing means the message is not stored locally
	PatchMissing PatchOutcome = iota
	// PatchStale means the event is older than the stored row
	PatchStale
	PatchUnchanged
	PatchApplied
)

// LabelPatch replaces the label set and label-derived flags of a stored message
type LabelPatch struct {
	AccountID       string
	RemoteMessageID string
	Labels          []string
	HistoryID       uint64
}

// LinkRole is the participant role a contact link was made from
type LinkRole string

const (
	RoleFrom LinkRole = "from"
	RoleTo   LinkRole = "to"
	RoleCc   LinkRole = "cc"
)

// LinkOrigin distinguishes automatic links from user-created ones
type LinkOrigin string

const (
	OriginAuto   LinkOrigin = "auto"
	OriginManual LinkOrigin = "manual"
)

// ContactLink relates a stored message to a contact
type ContactLink struct {
	MessageID int64      `json:"message_id"`
	ContactID string     `json:"contact_id"`
	Role      LinkRole   `json:"role"`
	Origin    LinkOrigin `json:"origin"`
}

// NormalizeAddress extracts the lower-cased address from a header value
// such as `"Jane Doe" <Jane@Example.com>`.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(addr.Address)
	}
	if i := strings.LastIndex(s, "<"); i >= 0 {
		s = strings.TrimSuffix(s[i+1:], ">")
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// SplitAddresses parses a comma separated address header
func SplitAddresses(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(s); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.String())
		}
		return out
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
