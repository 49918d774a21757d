package sync

import (
	"context"
	"time"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// Well-known label ids. Providers without native labels synthesize these.
const (
	LabelUnread  = "UNREAD"
	LabelStarred = "STARRED"
	LabelDraft   = "DRAFT"
	LabelSent    = "SENT"
)

// MessageRef is a message id as returned by list and history calls
type MessageRef struct {
	ID       string
	ThreadID string
}

// ListOptions controls a single ListMessages call
type ListOptions struct {
	PageToken  string
	LabelID    string
	MaxResults int
}

// MessagePage is one page of the remote message listing
type MessagePage struct {
	Messages      []MessageRef
	NextPageToken string
}

// MessageMeta represents normalized email metadata across providers
type MessageMeta struct {
	MessageID       string
	ThreadID        string
	Subject         string
	Snippet         string
	From            string
	To              []string
	Cc              []string
	Bcc             []string
	Labels          []string
	InternalDate    time.Time
	HistoryID       uint64
	HasAttachments  bool
	AttachmentCount int
}

// LabelChange is a label added/removed history event.
// CurrentLabels is the full label set after the change when the provider
// reports it; Changed holds only the labels that were added or removed.
type LabelChange struct {
	MessageID     string
	CurrentLabels []string
	Changed       []string
}

// HistoryRecord is one entry of the change-history feed
type HistoryRecord struct {
	ID            uint64
	MessagesAdded []MessageRef
	LabelsAdded   []LabelChange
	LabelsRemoved []LabelChange
}

// HistoryPage is one page of the change-history feed
type HistoryPage struct {
	HistoryID     uint64
	Records       []HistoryRecord
	NextPageToken string
}

// MailboxClient is the remote mailbox protocol the engine consumes.
// Implementations own their credentials; ListHistory must return an error
// wrapping ErrCursorExpired when start is no longer resolvable.
type MailboxClient interface {
	ListMessages(ctx context.Context, opts ListOptions) (*MessagePage, error)
	GetMessageMetadata(ctx context.Context, id string) (*MessageMeta, error)
	ListHistory(ctx context.Context, start uint64, pageToken string) (*HistoryPage, error)
	ListLabels(ctx context.Context) (map[string]string, error)

	// CurrentCursor returns the provider's current history position
	CurrentCursor(ctx context.Context) (uint64, error)

	// MaxPageSize is the provider's per-call listing maximum
	MaxPageSize() int
}

// Flags are the message flags derived from a label set
type Flags struct {
	Read    bool
	Starred bool
	Draft   bool
	Sent    bool
}

// FlagsFromLabels derives read/starred/draft/sent from provider labels
func FlagsFromLabels(labels []string) Flags {
	f := Flags{Read: true}
	for _, l := range labels {
		switch l {
		case LabelUnread:
			f.Read = false
		case LabelStarred:
			f.Starred = true
		case LabelDraft:
			f.Draft = true
		case LabelSent:
			f.Sent = true
		}
	}
	return f
}
