package sync_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// fakeMailbox is an in-memory MailboxClient. Page tokens are offsets.
type fakeMailbox struct {
	order    []string
	messages map[string]*sync.MessageMeta
	labels   map[string]string
	cursor   uint64
	pageSize int

	history         []sync.HistoryRecord
	historyPageSize int
	historyID       uint64
	expired         bool

	getErr    map[string]error
	onList    func(call int)
	listCalls int
	getCalls  int
}

func newFakeMailbox(cursor uint64) *fakeMailbox {
	return &fakeMailbox{
		messages: make(map[string]*sync.MessageMeta),
		labels:   map[string]string{"INBOX": "Inbox", "Label_1": "Work"},
		cursor:   cursor,
		pageSize: 2,
		getErr:   make(map[string]error),
	}
}

func (f *fakeMailbox) add(id string, labels ...string) *sync.MessageMeta {
	meta := &sync.MessageMeta{
		MessageID:    id,
		ThreadID:     "t-" + id,
		Subject:      "Subject " + id,
		From:         "Alice <alice@example.com>",
		To:           []string{"bob@example.com"},
		Bcc:          []string{"secret@example.com"},
		Labels:       labels,
		InternalDate: time.UnixMilli(1700000000000),
		HistoryID:    f.cursor,
	}
	f.order = append(f.order, id)
	f.messages[id] = meta
	return meta
}

func (f *fakeMailbox) ListMessages(ctx context.Context, opts sync.ListOptions) (*sync.MessagePage, error) {
	f.listCalls++
	if f.onList != nil {
		f.onList(f.listCalls)
	}

	var ids []string
	for _, id := range f.order {
		if opts.LabelID == "" || slices.Contains(f.messages[id].Labels, opts.LabelID) {
			ids = append(ids, id)
		}
	}

	start, _ := strconv.Atoi(opts.PageToken)
	size := opts.MaxResults
	if size <= 0 || size > f.pageSize {
		size = f.pageSize
	}
	end := min(start+size, len(ids))

	page := &sync.MessagePage{}
	for _, id := range ids[start:end] {
		page.Messages = append(page.Messages, sync.MessageRef{ID: id})
	}
	if end < len(ids) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeMailbox) GetMessageMetadata(ctx context.Context, id string) (*sync.MessageMeta, error) {
	f.getCalls++
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	meta, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, sync.ErrMessageNotFound)
	}
	cp := *meta
	return &cp, nil
}

func (f *fakeMailbox) ListHistory(ctx context.Context, start uint64, pageToken string) (*sync.HistoryPage, error) {
	if f.expired {
		return nil, fmt.Errorf("history %d: %w", start, sync.ErrCursorExpired)
	}

	var recs []sync.HistoryRecord
	for _, r := range f.history {
		if r.ID > start {
			recs = append(recs, r)
		}
	}

	size := f.historyPageSize
	if size <= 0 {
		size = len(recs)
	}
	offset, _ := strconv.Atoi(pageToken)
	end := min(offset+size, len(recs))

	page := &sync.HistoryPage{HistoryID: f.historyID, Records: recs[offset:end]}
	if end < len(recs) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeMailbox) ListLabels(ctx context.Context) (map[string]string, error) {
	return f.labels, nil
}

func (f *fakeMailbox) CurrentCursor(ctx context.Context) (uint64, error) {
	return f.cursor, nil
}

func (f *fakeMailbox) MaxPageSize() int { return f.pageSize }

var testAccount = sync.Account{ID: "acc-1", Provider: sync.ProviderGoogle, UserID: "u1", Active: true}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "mailsync.db"), sqlite.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newEngine(s *sqlite.Store, client sync.MailboxClient) *sync.Engine {
	return sync.NewEngine(testAccount, client, s, s, s, sync.EngineOptions{PageSize: 100}, zerolog.Nop())
}

func mustState(t *testing.T, s *sqlite.Store, accountID string) *sync.SyncCursor {
	t.Helper()
	state, err := s.GetSyncState(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	return state
}

func TestFullSyncPagesAndCommitsCursor(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	mb := newFakeMailbox(100)
	mb.add("m1", "INBOX", "UNREAD")
	mb.add("m2", "INBOX")
	mb.add("m3", "SENT")

	res := newEngine(s, mb).Sync(ctx)
	if !res.Success {
		t.Fatalf("sync failed: %v", res.Err)
	}
	if res.Mode != sync.ModeFull || res.MessagesSynced != 3 || res.Cursor != 100 {
		t.Fatalf("unexpected result %+v", res)
	}
	if mb.listCalls != 2 {
		t.Errorf("expected 2 list pages, got %d", mb.listCalls)
	}

	state := mustState(t, s, "acc-1")
	if state.CursorValue != 100 || state.Status != sync.StatusIdle || state.MessagesSyncedTotal != 3 || state.LastFullSyncAt == nil {
		t.Fatalf("unexpected state %+v", state)
	}

	m3, _ := s.GetMessage(ctx, "acc-1", "m3")
	if m3 == nil || !m3.Flags.Sent || !m3.Flags.Read {
		t.Errorf("expected sent and read flags on m3, got %+v", m3)
	}
}

func TestFullSyncRespectsMaxResults(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	mb := newFakeMailbox(50)
	for i := range 5 {
		mb.add(fmt.Sprintf("m%d", i), "INBOX")
	}

	res := newEngine(s, mb).FullSync(ctx, 3)
	if !res.Success || res.MessagesSynced != 3 {
		t.Fatalf("expected 3 messages, got %+v", res)
	}
	if n, _ := s.CountMessages(ctx, "acc-1"); n != 3 {
		t.Fatalf("expected 3 stored messages, got %d", n)
	}
}

func TestFullSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	if _, err := s.SaveContact(ctx, "c-alice", "Alice", []string{"alice@example.com"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveContact(ctx, "c-secret", "Secret", []string{"secret@example.com"}); err != nil {
		t.Fatal(err)
	}

	mb := newFakeMailbox(10)
	mb.add("m1", "INBOX")
	mb.add("m2", "INBOX")

	first := newEngine(s, mb).FullSync(ctx, 0)
	if !first.Success || first.LinksCreated != 2 {
		t.Fatalf("expected 2 from-links, got %+v", first)
	}
	second := newEngine(s, mb).FullSync(ctx, 0)
	if !second.Success || second.LinksCreated != 0 {
		t.Fatalf("re-sync must not duplicate links, got %+v", second)
	}
	if n, _ := s.CountMessages(ctx, "acc-1"); n != 2 {
		t.Fatalf("expected 2 stored messages, got %d", n)
	}

	m1, _ := s.GetMessage(ctx, "acc-1", "m1")
	links, err := s.ContactLinks(ctx, m1.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range links {
		if l.ContactID == "c-secret" {
			t.Fatal("bcc participants must never be linked")
		}
	}
	if mustState(t, s, "acc-1").MessagesSyncedTotal != 4 {
		t.Errorf("running total must count both runs")
	}
}

func TestIncrementalSyncAppliesHistory(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	mb := newFakeMailbox(100)
	mb.add("m1", "INBOX", "UNREAD")
	mb.add("m2", "INBOX")

	if res := newEngine(s, mb).Sync(ctx); !res.Success {
		t.Fatalf("initial sync failed: %v", res.Err)
	}

	mb.cursor = 130
	mb.add("m4", "INBOX")
	mb.historyID = 130
	mb.historyPageSize = 1
	mb.history = []sync.HistoryRecord{
		{ID: 105, MessagesAdded: []sync.MessageRef{{ID: "m4"}}},
		{ID: 107, LabelsRemoved: []sync.LabelChange{{MessageID: "m1", Changed: []string{"UNREAD"}}}},
		{ID: 109, LabelsAdded: []sync.LabelChange{{MessageID: "m2", CurrentLabels: []string{"INBOX", "STARRED"}}}},
		{ID: 110, LabelsAdded: []sync.LabelChange{{MessageID: "not-stored", Changed: []string{"STARRED"}}}},
		{ID: 111, MessagesAdded: []sync.MessageRef{{ID: "m4"}}},
		// repeats m2's current state and must not count as a patch
		{ID: 112, LabelsAdded: []sync.LabelChange{{MessageID: "m2", CurrentLabels: []string{"STARRED", "INBOX"}}}},
	}
	mb.messages["m1"].Subject = "Edited remotely"
	getsBefore := mb.getCalls

	res := newEngine(s, mb).Sync(ctx)
	if !res.Success {
		t.Fatalf("incremental sync failed: %v", res.Err)
	}
	if res.Mode != sync.ModeIncremental || res.MessagesSynced != 1 || res.LabelsPatched != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if mb.getCalls-getsBefore != 1 {
		t.Errorf("label events must not re-fetch and adds must dedupe, got %d gets", mb.getCalls-getsBefore)
	}
	if res.Cursor != 130 {
		t.Errorf("expected cursor 130, got %d", res.Cursor)
	}

	m1, _ := s.GetMessage(ctx, "acc-1", "m1")
	if !m1.Flags.Read {
		t.Error("m1 must be read after UNREAD removal")
	}
	if m1.Subject != "Subject m1" || !slices.Equal(m1.Labels, []string{"INBOX"}) {
		t.Errorf("label patch must only touch labels, got subject %q labels %v", m1.Subject, m1.Labels)
	}
	m2, _ := s.GetMessage(ctx, "acc-1", "m2")
	if !m2.Flags.Starred {
		t.Error("m2 must be starred")
	}
	if n, _ := s.CountMessages(ctx, "acc-1"); n != 3 {
		t.Errorf("label event for unknown message must not create it, count=%d", n)
	}
}

func TestIncrementalCursorNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	mb := newFakeMailbox(200)
	mb.add("m1", "INBOX")

	if res := newEngine(s, mb).Sync(ctx); !res.Success {
		t.Fatalf("initial sync failed: %v", res.Err)
	}

	// provider reports an older history id with no records
	mb.historyID = 150
	res := newEngine(s, mb).IncrementalSync(ctx)
	if !res.Success {
		t.Fatalf("incremental sync failed: %v", res.Err)
	}
	if got := mustState(t, s, "acc-1").CursorValue; got != 200 {
		t.Fatalf("cursor moved backwards to %d", got)
	}
}

func TestExpiredCursorFallsBackToFullSync(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	mb := newFakeMailbox(100)
	mb.add("m1", "INBOX")

	if res := newEngine(s, mb).Sync(ctx); !res.Success {
		t.Fatalf("initial sync failed: %v", res.Err)
	}

	mb.expired = true
	mb.cursor = 900
	mb.add("m2", "INBOX")

	res := newEngine(s, mb).IncrementalSync(ctx)
	if !res.Success || !res.FellBack || res.Mode != sync.ModeFull {
		t.Fatalf("expected successful fallback, got %+v", res)
	}
	if res.MessagesSynced != 2 || res.Cursor != 900 {
		t.Fatalf("unexpected fallback result %+v", res)
	}

	state := mustState(t, s, "acc-1")
	if state.CursorExpired || state.CursorValue != 900 {
		t.Fatalf("fallback must clear the expired flag, got %+v", state)
	}
}

func TestFailedRunKeepsCursorAndResumes(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	mb := newFakeMailbox(100)
	mb.add("m1", "INBOX")
	mb.add("m2", "INBOX")
	mb.add("m3", "INBOX")
	mb.getErr["m2"] = errors.New("503 backend error")

	res := newEngine(s, mb).Sync(ctx)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != sync.KindTransient || !res.ErrorKind.Retryable() {
		t.Errorf("expected retryable transient failure, got %s", res.ErrorKind)
	}
	if res.MessagesSynced != 1 {
		t.Errorf("partial count must be reported, got %d", res.MessagesSynced)
	}

	state := mustState(t, s, "acc-1")
	if state.Status != sync.StatusFailed || state.CursorValue != 0 || state.FailureCount != 1 {
		t.Fatalf("unexpected state after failure %+v", state)
	}

	delete(mb.getErr, "m2")
	res = newEngine(s, mb).Sync(ctx)
	if !res.Success || res.Mode != sync.ModeFull {
		t.Fatalf("resume failed: %+v", res)
	}
	if n, _ := s.CountMessages(ctx, "acc-1"); n != 3 {
		t.Fatalf("expected 3 messages without duplicates, got %d", n)
	}
	if state := mustState(t, s, "acc-1"); state.CursorValue != 100 || state.FailureCount != 0 {
		t.Fatalf("unexpected state after resume %+v", state)
	}
}

func TestVanishedMessageIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	mb := newFakeMailbox(100)
	mb.add("m1", "INBOX")
	mb.add("m2", "INBOX")
	mb.getErr["m1"] = fmt.Errorf("message m1: %w", sync.ErrMessageNotFound)

	res := newEngine(s, mb).FullSync(ctx, 0)
	if !res.Success {
		t.Fatalf("vanished message must not fail the run: %v", res.Err)
	}
	if res.MessagesSynced != 1 || len(res.Errors) != 1 {
		t.Fatalf("expected one synced and one recorded error, got %+v", res)
	}
}

func TestAuthFailureIsNotRetryable(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	mb := newFakeMailbox(100)
	mb.add("m1", "INBOX")
	mb.getErr["m1"] = fmt.Errorf("get: %w", sync.ErrAuth)

	res := newEngine(s, mb).FullSync(ctx, 0)
	if res.Success || res.ErrorKind != sync.KindAuth || res.ErrorKind.Retryable() {
		t.Fatalf("expected non-retryable auth failure, got %+v", res)
	}
}

func TestCanceledRunRecordsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := openStore(t)
	mb := newFakeMailbox(100)
	mb.pageSize = 1
	mb.add("m1", "INBOX")
	mb.add("m2", "INBOX")
	mb.onList = func(call int) {
		if call == 1 {
			cancel()
		}
	}

	res := newEngine(s, mb).FullSync(ctx, 0)
	if res.Success || res.ErrorKind != sync.KindCanceled {
		t.Fatalf("expected canceled failure, got %+v", res)
	}
	if state := mustState(t, s, "acc-1"); state.Status != sync.StatusFailed {
		t.Fatalf("canceled run must leave the row failed, got %s", state.Status)
	}
}

func TestFolderSyncLeavesCursorAlone(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	mb := newFakeMailbox(100)
	mb.add("m1", "INBOX")
	mb.add("m2", "Label_1")
	mb.add("m3", "Label_1", "INBOX")

	if res := newEngine(s, mb).Sync(ctx); !res.Success {
		t.Fatalf("initial sync failed: %v", res.Err)
	}
	before := mustState(t, s, "acc-1")

	mb.cursor = 999
	res := newEngine(s, mb).FolderSync(ctx, "work", 0)
	if !res.Success || res.MessagesSynced != 2 || res.Mode != sync.ModeFolder {
		t.Fatalf("unexpected folder result %+v", res)
	}

	after := mustState(t, s, "acc-1")
	if after.CursorValue != before.CursorValue || after.MessagesSyncedTotal != before.MessagesSyncedTotal || after.Status != sync.StatusIdle {
		t.Fatalf("folder sync touched sync state: before %+v after %+v", before, after)
	}

	res = newEngine(s, mb).FolderSync(ctx, "Nope", 0)
	if res.Success || res.ErrorKind != sync.KindNotFound || !errors.Is(res.Err, sync.ErrLabelNotFound) {
		t.Fatalf("expected label not found, got %+v", res)
	}
}

func TestSyncInProgressIsRejected(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	if _, err := s.StartSync(ctx, "acc-1", time.Hour); err != nil {
		t.Fatal(err)
	}

	res := newEngine(s, newFakeMailbox(1)).Sync(ctx)
	if res.Success || res.ErrorKind != sync.KindInProgress {
		t.Fatalf("expected in-progress rejection, got %+v", res)
	}
}
