package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/sync"
)

const (
	// maxListPageSize is the Gmail API per-call maximum for messages.list
	maxListPageSize = 500
	historyPageSize = 500
	userID          = "me"
)

var metadataHeaders = []string{"From", "To", "Cc", "Bcc", "Subject", "Date"}

// Options tunes the adapter's protection of the Gmail quota
type Options struct {
	QPS   float64
	Burst int
	// BreakerFailures consecutive server failures open the circuit
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Logger          zerolog.Logger

	// Guard is shared across adapters of the same account. A private one is
	// created when nil.
	Guard *Guard
}

func (o Options) withDefaults() Options {
	if o.QPS <= 0 {
		o.QPS = 5
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	return o
}

// Adapter implements sync.MailboxClient for Gmail
type Adapter struct {
	svc   *gmail.Service
	guard *Guard
	log   zerolog.Logger
}

// New creates a Gmail adapter authenticated by ts
func New(ctx context.Context, ts oauth2.TokenSource, opts Options) (*Adapter, error) {
	return NewWithOptions(ctx, opts, option.WithTokenSource(ts))
}

// NewWithOptions creates a Gmail adapter from raw client options
func NewWithOptions(ctx context.Context, opts Options, clientOpts ...option.ClientOption) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	guard := opts.Guard
	if guard == nil {
		guard = NewGuard("gmail-api", opts)
	}
	return &Adapter{
		svc:   svc,
		guard: guard,
		log:   opts.Logger,
	}, nil
}

// MaxPageSize implements sync.MailboxClient
func (a *Adapter) MaxPageSize() int { return maxListPageSize }

// ListMessages lists one page of message ids
func (a *Adapter) ListMessages(ctx context.Context, opts sync.ListOptions) (*sync.MessagePage, error) {
	size := opts.MaxResults
	if size <= 0 || size > maxListPageSize {
		size = maxListPageSize
	}

	call := a.svc.Users.Messages.List(userID).IncludeSpamTrash(false).MaxResults(int64(size))
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}
	if opts.LabelID != "" {
		call = call.LabelIds(opts.LabelID)
	}

	var resp *gmail.ListMessagesResponse
	err := a.do(ctx, "messages.list", func() (err error) {
		resp, err = call.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, translate(err, "list messages")
	}

	page := &sync.MessagePage{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.Messages = append(page.Messages, sync.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return page, nil
}

// GetMessageMetadata fetches message metadata only
func (a *Adapter) GetMessageMetadata(ctx context.Context, id string) (*sync.MessageMeta, error) {
	var msg *gmail.Message
	err := a.do(ctx, "messages.get", func() (err error) {
		msg, err = a.svc.Users.Messages.Get(userID, id).
			Format("metadata").
			MetadataHeaders(metadataHeaders...).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		if apiCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("message %s: %w", id, sync.ErrMessageNotFound)
		}
		return nil, translate(err, "get message "+id)
	}
	return normalize(msg), nil
}

// ListHistory lists one page of the history feed starting at start
func (a *Adapter) ListHistory(ctx context.Context, start uint64, pageToken string) (*sync.HistoryPage, error) {
	call := a.svc.Users.History.List(userID).
		StartHistoryId(start).
		MaxResults(historyPageSize).
		HistoryTypes("messageAdded", "labelAdded", "labelRemoved")
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	var resp *gmail.ListHistoryResponse
	err := a.do(ctx, "history.list", func() (err error) {
		resp, err = call.Context(ctx).Do()
		return err
	})
	if err != nil {
		// Gmail answers 404 once startHistoryId falls out of the history window
		if apiCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("history %d: %w", start, sync.ErrCursorExpired)
		}
		return nil, translate(err, "list history")
	}

	page := &sync.HistoryPage{HistoryID: resp.HistoryId, NextPageToken: resp.NextPageToken}
	for _, h := range resp.History {
		rec := sync.HistoryRecord{ID: h.Id}
		for _, added := range h.MessagesAdded {
			if added.Message != nil {
				rec.MessagesAdded = append(rec.MessagesAdded, sync.MessageRef{ID: added.Message.Id, ThreadID: added.Message.ThreadId})
			}
		}
		for _, la := range h.LabelsAdded {
			if la.Message != nil {
				rec.LabelsAdded = append(rec.LabelsAdded, labelChange(la.Message, la.LabelIds))
			}
		}
		for _, lr := range h.LabelsRemoved {
			if lr.Message != nil {
				rec.LabelsRemoved = append(rec.LabelsRemoved, labelChange(lr.Message, lr.LabelIds))
			}
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// ListLabels returns label id -> display name
func (a *Adapter) ListLabels(ctx context.Context) (map[string]string, error) {
	var resp *gmail.ListLabelsResponse
	err := a.do(ctx, "labels.list", func() (err error) {
		resp, err = a.svc.Users.Labels.List(userID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, translate(err, "list labels")
	}

	labels := make(map[string]string, len(resp.Labels))
	for _, l := range resp.Labels {
		labels[l.Id] = l.Name
	}
	return labels, nil
}

// CurrentCursor returns the mailbox's current history id
func (a *Adapter) CurrentCursor(ctx context.Context) (uint64, error) {
	var profile *gmail.Profile
	err := a.do(ctx, "profile.get", func() (err error) {
		profile, err = a.svc.Users.GetProfile(userID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return 0, translate(err, "get profile")
	}
	return profile.HistoryId, nil
}

// do waits for the rate limiter and runs fn behind the circuit breaker
func (a *Adapter) do(ctx context.Context, op string, fn func() error) error {
	if err := a.guard.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := a.guard.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		a.log.Warn().Str("op", op).Str("state", a.guard.State().String()).Msg("gmail call rejected by circuit breaker")
	}
	return err
}

// Guard returns the limiter and breaker this adapter calls through
func (a *Adapter) Guard() *Guard { return a.guard }

func labelChange(m *gmail.Message, changed []string) sync.LabelChange {
	return sync.LabelChange{
		MessageID:     m.Id,
		CurrentLabels: m.LabelIds,
		Changed:       changed,
	}
}

func apiCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func isServerError(err error) bool {
	code := apiCode(err)
	return code == http.StatusTooManyRequests || code >= 500
}

func isRateLimit(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, e := range apiErr.Errors {
		if strings.Contains(e.Reason, "RateLimitExceeded") || strings.Contains(e.Reason, "rateLimitExceeded") {
			return true
		}
	}
	return false
}

// translate maps auth failures onto sync.ErrAuth; everything else stays as
// is and is treated as transient by the engine.
func translate(err error, op string) error {
	var retrieveErr *oauth2.RetrieveError
	switch {
	case errors.As(err, &retrieveErr):
		return fmt.Errorf("%s: %w: %w", op, sync.ErrAuth, err)
	case apiCode(err) == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w: %w", op, sync.ErrAuth, err)
	case apiCode(err) == http.StatusForbidden && !isRateLimit(err):
		return fmt.Errorf("%s: %w: %w", op, sync.ErrAuth, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// normalize converts Gmail message to MessageMeta
func normalize(m *gmail.Message) *sync.MessageMeta {
	headers := make(map[string]string)
	var mimeType string
	attachments := 0
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
		mimeType = m.Payload.MimeType
		attachments = countAttachments(m.Payload)
	}

	return &sync.MessageMeta{
		MessageID:       m.Id,
		ThreadID:        m.ThreadId,
		Subject:         headers["Subject"],
		Snippet:         m.Snippet,
		From:            headers["From"],
		To:              sync.SplitAddresses(headers["To"]),
		Cc:              sync.SplitAddresses(headers["Cc"]),
		Bcc:             sync.SplitAddresses(headers["Bcc"]),
		Labels:          m.LabelIds,
		InternalDate:    time.UnixMilli(m.InternalDate).UTC(),
		HistoryID:       m.HistoryId,
		HasAttachments:  attachments > 0 || strings.HasPrefix(mimeType, "multipart/mixed"),
		AttachmentCount: attachments,
	}
}

func countAttachments(p *gmail.MessagePart) int {
	n := 0
	if p.Filename != "" {
		n++
	}
	for _, part := range p.Parts {
		n += countAttachments(part)
	}
	return n
}
