package sync

import (
	"context"
	"time"
)

// MessageStore persists messages keyed by (account, remote message id)
type MessageStore interface {
	UpsertMessage(ctx context.Context, m *Message) (UpsertOutcome, error)

	PatchLabels(ctx context.Context, p LabelPatch) (PatchOutcome, error)

	GetMessage(ctx context.Context, accountID, remoteMessageID string) (*Message, error)

	// CreateAutoLinks inserts links that do not exist yet and returns how many were new
	CreateAutoLinks(ctx context.Context, links []ContactLink) (int, error)
}

// CursorStore persists per-account sync state
type CursorStore interface {
	GetSyncState(ctx context.Context, accountID string) (*SyncCursor, error)
	StartSync(ctx context.Context, accountID string, staleAfter time.Duration) (*SyncCursor, error)
	CompleteSync(ctx context.Context, accountID string, cursor uint64, count int, full bool) error
	FailSync(ctx context.Context, accountID string, reason string) error
	MarkCursorExpired(ctx context.Context, accountID string) error
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// ContactSource lists known contact addresses, keyed by lower-cased email
type ContactSource interface {
	ContactEmails(ctx context.Context) (map[string]string, error)
}

// AccountSource lists mailbox accounts
type AccountSource interface {
	ActiveAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
}
