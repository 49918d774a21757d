package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SyncMode is the kind of run that produced a SyncResult
type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
	ModeFolder      SyncMode = "folder"
)

// SyncResult is the structured outcome of one account sync
type SyncResult struct {
	AccountID      string    `json:"account_id"`
	Mode           SyncMode  `json:"mode,omitempty"`
	Success        bool      `json:"success"`
	MessagesSynced int       `json:"messages_synced"`
	LabelsPatched  int       `json:"labels_patched"`
	LinksCreated   int       `json:"links_created"`
	FellBack       bool      `json:"fell_back,omitempty"`
	Cursor         uint64    `json:"cursor,omitempty"`
	Errors         []string  `json:"errors,omitempty"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
	Duration       string    `json:"duration"`

	// Err is the fatal error of a failed run
	Err error `json:"-"`
}

func (r *SyncResult) addError(err error) {
	r.Errors = append(r.Errors, err.Error())
}

func (r *SyncResult) fail(err error) {
	r.Success = false
	r.Err = err
	r.ErrorKind = Classify(err)
	r.addError(err)
}

// FailedResult builds the result for a run that could not start
func FailedResult(accountID string, err error) *SyncResult {
	r := &SyncResult{AccountID: accountID}
	r.fail(err)
	return r
}

// EngineOptions bounds remote pagination
type EngineOptions struct {
	DefaultMaxResults int
	MaxResultsCeiling int
	PageSize          int
	StaleAfter        time.Duration
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.DefaultMaxResults <= 0 {
		o.DefaultMaxResults = 500
	}
	if o.MaxResultsCeiling <= 0 {
		o.MaxResultsCeiling = 10000
	}
	if o.DefaultMaxResults > o.MaxResultsCeiling {
		o.DefaultMaxResults = o.MaxResultsCeiling
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Minute
	}
	return o
}

// Engine synchronizes a single account. Build one per run: the contact
// index it loads lives only as long as the run.
type Engine struct {
	account  Account
	client   MailboxClient
	messages MessageStore
	cursors  CursorStore
	source   ContactSource
	contacts *ContactIndex
	opts     EngineOptions
	log      zerolog.Logger
}

// NewEngine creates a sync engine for one account
func NewEngine(account Account, client MailboxClient, messages MessageStore, cursors CursorStore, contacts ContactSource, opts EngineOptions, logger zerolog.Logger) *Engine {
	return &Engine{
		account:  account,
		client:   client,
		messages: messages,
		cursors:  cursors,
		source:   contacts,
		opts:     opts.withDefaults(),
		log: logger.With().
			Str("account_id", account.ID).
			Str("provider", string(account.Provider)).
			Logger(),
	}
}

// Sync runs a full sync when no usable cursor exists, otherwise an incremental one
func (e *Engine) Sync(ctx context.Context) *SyncResult {
	state, err := e.cursors.GetSyncState(ctx, e.account.ID)
	if err != nil {
		return FailedResult(e.account.ID, fmt.Errorf("load sync state: %w: %w", ErrPersistence, err))
	}
	if state.NeedsFullSync() {
		return e.FullSync(ctx, 0)
	}
	return e.IncrementalSync(ctx)
}

// FullSync re-lists the mailbox and commits the cursor read before paging
func (e *Engine) FullSync(ctx context.Context, maxResults int) *SyncResult {
	res, started := e.begin(ModeFull)
	defer e.finish(res, started)

	if _, err := e.cursors.StartSync(ctx, e.account.ID, e.opts.StaleAfter); err != nil {
		res.fail(fmt.Errorf("start sync: %w", err))
		return res
	}

	cursor, err := e.runFull(ctx, res, maxResults, "")
	e.commit(ctx, res, cursor, true, err)
	return res
}

// IncrementalSync applies the change-history feed since the stored cursor.
// An expired cursor falls back to a full sync in the same invocation.
func (e *Engine) IncrementalSync(ctx context.Context) *SyncResult {
	res, started := e.begin(ModeIncremental)
	defer e.finish(res, started)

	state, err := e.cursors.StartSync(ctx, e.account.ID, e.opts.StaleAfter)
	if err != nil {
		res.fail(fmt.Errorf("start sync: %w", err))
		return res
	}

	if state.NeedsFullSync() {
		res.Mode = ModeFull
		cursor, err := e.runFull(ctx, res, 0, "")
		e.commit(ctx, res, cursor, true, err)
		return res
	}

	cursor, err := e.runIncremental(ctx, res, state.CursorValue)
	if errors.Is(err, ErrCursorExpired) {
		e.log.Warn().Uint64("cursor", state.CursorValue).Msg("history cursor expired, falling back to full sync")
		if mErr := e.cursors.MarkCursorExpired(context.WithoutCancel(ctx), e.account.ID); mErr != nil {
			e.log.Error().Err(mErr).Msg("mark cursor expired")
		}
		res.FellBack = true
		res.Mode = ModeFull
		cursor, err = e.runFull(ctx, res, 0, "")
		e.commit(ctx, res, cursor, true, err)
		return res
	}

	e.commit(ctx, res, cursor, false, err)
	return res
}

// FolderSync refreshes one label's messages without touching the account cursor.
// labelID may also be the label's display name.
func (e *Engine) FolderSync(ctx context.Context, labelID string, maxResults int) *SyncResult {
	res, started := e.begin(ModeFolder)
	defer e.finish(res, started)

	resolved, err := e.resolveLabel(ctx, labelID)
	if err != nil {
		res.fail(err)
		return res
	}

	if _, err := e.runFull(ctx, res, maxResults, resolved); err != nil {
		res.fail(err)
		return res
	}
	res.Success = true
	return res
}

func (e *Engine) begin(mode SyncMode) (*SyncResult, time.Time) {
	e.contacts = nil
	e.log.Info().Str("mode", string(mode)).Msg("sync start")
	return &SyncResult{AccountID: e.account.ID, Mode: mode}, time.Now()
}

func (e *Engine) finish(res *SyncResult, started time.Time) {
	res.Duration = time.Since(started).Round(time.Millisecond).String()

	ev := e.log.Info()
	if !res.Success {
		ev = e.log.Error().Err(res.Err).Str("error_kind", string(res.ErrorKind))
	}
	ev.Str("mode", string(res.Mode)).
		Int("messages", res.MessagesSynced).
		Int("labels_patched", res.LabelsPatched).
		Int("links", res.LinksCreated).
		Bool("fell_back", res.FellBack).
		Str("duration", res.Duration).
		Msg("sync finished")
}

// commit moves the cursor row to its terminal state. It runs detached from
// ctx so a cancelled run still records failure.
func (e *Engine) commit(ctx context.Context, res *SyncResult, cursor uint64, full bool, runErr error) {
	persistCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		res.fail(runErr)
		if err := e.cursors.FailSync(persistCtx, e.account.ID, runErr.Error()); err != nil {
			e.log.Error().Err(err).Msg("record sync failure")
			res.addError(fmt.Errorf("record failure: %w", err))
		}
		return
	}

	if err := e.cursors.CompleteSync(persistCtx, e.account.ID, cursor, res.MessagesSynced, full); err != nil {
		res.fail(fmt.Errorf("commit cursor: %w: %w", ErrPersistence, err))
		if fErr := e.cursors.FailSync(persistCtx, e.account.ID, err.Error()); fErr != nil {
			e.log.Error().Err(fErr).Msg("record sync failure")
			res.addError(fmt.Errorf("record failure: %w", fErr))
		}
		return
	}
	res.Success = true
	res.Cursor = cursor
}

func (e *Engine) clampMax(maxResults int) int {
	if maxResults <= 0 {
		maxResults = e.opts.DefaultMaxResults
	}
	if maxResults > e.opts.MaxResultsCeiling {
		e.log.Warn().Int("requested", maxResults).Int("ceiling", e.opts.MaxResultsCeiling).Msg("max results clamped")
		maxResults = e.opts.MaxResultsCeiling
	}
	return maxResults
}

func (e *Engine) pageSize(remaining int) int {
	size := e.opts.PageSize
	if providerMax := e.client.MaxPageSize(); providerMax > 0 && size > providerMax {
		size = providerMax
	}
	if remaining < size {
		size = remaining
	}
	return size
}

// runFull pages the message listing. It returns the cursor captured before
// the first page; labelID != "" restricts the listing and skips the capture.
func (e *Engine) runFull(ctx context.Context, res *SyncResult, maxResults int, labelID string) (uint64, error) {
	limit := e.clampMax(maxResults)

	var cursor uint64
	if labelID == "" {
		c, err := e.client.CurrentCursor(ctx)
		if err != nil {
			return 0, fmt.Errorf("read current cursor: %w", err)
		}
		cursor = c
	}

	considered := 0
	pageToken := ""
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}

		list, err := e.client.ListMessages(ctx, ListOptions{
			PageToken:  pageToken,
			LabelID:    labelID,
			MaxResults: e.pageSize(limit - considered),
		})
		if err != nil {
			return cursor, fmt.Errorf("list messages page %d: %w", page, err)
		}

		for _, ref := range list.Messages {
			if considered >= limit {
				break
			}
			considered++
			if err := e.syncMessage(ctx, res, ref.ID); err != nil {
				return cursor, err
			}
		}

		e.log.Debug().Int("page", page).Int("considered", considered).Msg("page synced")
		if considered >= limit || list.NextPageToken == "" {
			return cursor, nil
		}
		pageToken = list.NextPageToken
	}
}

// runIncremental applies history pages in provider order and returns the
// highest cursor observed.
func (e *Engine) runIncremental(ctx context.Context, res *SyncResult, start uint64) (uint64, error) {
	maxSeen := start
	fetched := make(map[string]bool)

	pageToken := ""
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return maxSeen, err
		}

		hist, err := e.client.ListHistory(ctx, start, pageToken)
		if err != nil {
			return maxSeen, fmt.Errorf("list history page %d: %w", page, err)
		}
		if hist.HistoryID > maxSeen {
			maxSeen = hist.HistoryID
		}

		for _, rec := range hist.Records {
			if rec.ID > maxSeen {
				maxSeen = rec.ID
			}
			for _, ref := range rec.MessagesAdded {
				if fetched[ref.ID] {
					continue
				}
				fetched[ref.ID] = true
				if err := e.syncMessage(ctx, res, ref.ID); err != nil {
					return maxSeen, err
				}
			}
			for _, ch := range rec.LabelsAdded {
				if err := e.patchLabels(ctx, res, ch, rec.ID, true); err != nil {
					return maxSeen, err
				}
			}
			for _, ch := range rec.LabelsRemoved {
				if err := e.patchLabels(ctx, res, ch, rec.ID, false); err != nil {
					return maxSeen, err
				}
			}
		}

		if hist.NextPageToken == "" {
			return maxSeen, nil
		}
		pageToken = hist.NextPageToken
	}
}

// syncMessage fetches, upserts and links one message. Messages that vanished
// remotely are skipped; any other error aborts the run.
func (e *Engine) syncMessage(ctx context.Context, res *SyncResult, id string) error {
	meta, err := e.client.GetMessageMetadata(ctx, id)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			e.log.Warn().Str("message_id", id).Msg("message disappeared before fetch, skipping")
			res.addError(fmt.Errorf("get message %s: %w", id, err))
			return nil
		}
		return fmt.Errorf("get message %s: %w", id, err)
	}

	msg := MessageFromMeta(e.account.ID, meta)
	msg.ReceivedAt = time.Now().UTC()
	if _, err := e.messages.UpsertMessage(ctx, msg); err != nil {
		return persistErr(fmt.Sprintf("upsert message %s", id), err)
	}
	res.MessagesSynced++

	n, err := e.autoLink(ctx, msg)
	if err != nil {
		return err
	}
	res.LinksCreated += n
	return nil
}

func (e *Engine) autoLink(ctx context.Context, msg *Message) (int, error) {
	if e.contacts == nil {
		idx, err := LoadContactIndex(ctx, e.source)
		if err != nil {
			return 0, persistErr("contact index", err)
		}
		e.log.Debug().Int("addresses", idx.Len()).Msg("contact index loaded")
		e.contacts = idx
	}

	links := e.contacts.LinksFor(msg)
	if len(links) == 0 {
		return 0, nil
	}
	n, err := e.messages.CreateAutoLinks(ctx, links)
	if err != nil {
		return 0, persistErr(fmt.Sprintf("link message %s", msg.RemoteMessageID), err)
	}
	return n, nil
}

// patchLabels updates the label set of an already stored message from a
// history event without re-fetching it.
func (e *Engine) patchLabels(ctx context.Context, res *SyncResult, ch LabelChange, historyID uint64, added bool) error {
	labels := ch.CurrentLabels
	if labels == nil {
		stored, err := e.messages.GetMessage(ctx, e.account.ID, ch.MessageID)
		if err != nil {
			return persistErr(fmt.Sprintf("load message %s", ch.MessageID), err)
		}
		if stored == nil {
			return nil
		}
		labels = applyLabelDelta(stored.Labels, ch.Changed, added)
	}

	outcome, err := e.messages.PatchLabels(ctx, LabelPatch{
		AccountID:       e.account.ID,
		RemoteMessageID: ch.MessageID,
		Labels:          NormalizeLabels(labels),
		HistoryID:       historyID,
	})
	if err != nil {
		return persistErr(fmt.Sprintf("patch labels %s", ch.MessageID), err)
	}
	switch outcome {
	case PatchApplied:
		res.LabelsPatched++
	case PatchMissing:
		e.log.Debug().Str("message_id", ch.MessageID).Msg("label event for unknown message")
	case PatchStale:
		e.log.Debug().Str("message_id", ch.MessageID).Uint64("history_id", historyID).Msg("stale label event ignored")
	}
	return nil
}

func (e *Engine) resolveLabel(ctx context.Context, label string) (string, error) {
	labels, err := e.client.ListLabels(ctx)
	if err != nil {
		return "", fmt.Errorf("list labels: %w", err)
	}
	if _, ok := labels[label]; ok {
		return label, nil
	}
	for id, name := range labels {
		if strings.EqualFold(name, label) {
			return id, nil
		}
	}
	return "", fmt.Errorf("%q: %w", label, ErrLabelNotFound)
}

func applyLabelDelta(current, changed []string, added bool) []string {
	set := make(map[string]bool, len(current)+len(changed))
	for _, l := range current {
		set[l] = true
	}
	for _, l := range changed {
		set[l] = added
	}
	out := make([]string, 0, len(set))
	for l, keep := range set {
		if keep {
			out = append(out, l)
		}
	}
	return out
}

func persistErr(op string, err error) error {
	if errors.Is(err, ErrPersistence) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
