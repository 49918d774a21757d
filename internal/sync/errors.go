package sync

import (
	"context"
	"errors"
)

var (
	// ErrCursorExpired means the history feed can no longer resolve the cursor
	ErrCursorExpired = errors.New("sync cursor expired")
	// ErrAuth covers invalid, revoked or unrefreshable credentials
	ErrAuth = errors.New("mailbox authorization failed")
	// ErrMessageNotFound means a listed message vanished before it was fetched
	ErrMessageNotFound = errors.New("remote message not found")
	// ErrPersistence marks local store failures
	ErrPersistence = errors.New("persistence failure")
	// ErrSyncInProgress is returned when an account already has a running sync
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrAccountNotFound is returned for unknown or inactive accounts
	ErrAccountNotFound = errors.New("account not found")
	// ErrLabelNotFound is returned when a folder sync names an unknown label
	ErrLabelNotFound = errors.New("label not found")
)

// ErrorKind classifies a sync failure for the orchestrator
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindTransient     ErrorKind = "transient"
	KindAuth          ErrorKind = "auth"
	KindCursorExpired ErrorKind = "cursor_expired"
	KindPersistence   ErrorKind = "persistence"
	KindCanceled      ErrorKind = "canceled"
	KindInProgress    ErrorKind = "in_progress"
	KindNotFound      ErrorKind = "not_found"
)

// Classify maps an error onto an ErrorKind
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrCursorExpired):
		return KindCursorExpired
	case errors.Is(err, ErrSyncInProgress):
		return KindInProgress
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrLabelNotFound):
		return KindNotFound
	default:
		return KindTransient
	}
}

// Retryable reports whether the next scheduled tick is expected to fix it.
// Auth and persistence failures need an operator.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindAuth, KindPersistence, KindNotFound:
		return false
	}
	return true
}
