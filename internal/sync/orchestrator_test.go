package sync_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/sync"
)

type panicMailbox struct{ *fakeMailbox }

func (p panicMailbox) CurrentCursor(ctx context.Context) (uint64, error) {
	panic("provider exploded")
}

// blockingMailbox parks the first list call until release is closed
type blockingMailbox struct {
	*fakeMailbox
	entered chan struct{}
	release chan struct{}
}

func (b *blockingMailbox) ListMessages(ctx context.Context, opts sync.ListOptions) (*sync.MessagePage, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.fakeMailbox.ListMessages(ctx, opts)
}

// workerGate holds every run that reaches ListMessages until release is
// closed, recording the peak number of runs parked at once
type workerGate struct {
	inflight atomic.Int32
	peak     atomic.Int32
	entered  chan struct{}
	release  chan struct{}
}

type gatedMailbox struct {
	*fakeMailbox
	gate *workerGate
}

func (g gatedMailbox) ListMessages(ctx context.Context, opts sync.ListOptions) (*sync.MessagePage, error) {
	n := g.gate.inflight.Add(1)
	for {
		p := g.gate.peak.Load()
		if n <= p || g.gate.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.gate.entered <- struct{}{}
	<-g.gate.release
	g.gate.inflight.Add(-1)
	return g.fakeMailbox.ListMessages(ctx, opts)
}

type brokenAccounts struct{}

func (brokenAccounts) ActiveAccounts(ctx context.Context) ([]sync.Account, error) {
	return nil, errors.New("database disk image is malformed")
}

func (brokenAccounts) GetAccount(ctx context.Context, id string) (*sync.Account, error) {
	return nil, errors.New("database disk image is malformed")
}

func newOrchestrator(s *sqlite.Store, factory sync.ClientFactory) *sync.Orchestrator {
	return sync.NewOrchestrator(sync.Stores{
		Accounts: s,
		Messages: s,
		Cursors:  s,
		Contacts: s,
	}, factory, sync.OrchestratorOptions{Workers: 2}, zerolog.Nop())
}

func saveAccounts(t *testing.T, s *sqlite.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.SaveAccount(context.Background(), sync.Account{ID: id, Provider: sync.ProviderGoogle, UserID: "u-" + id, Active: true}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSyncAllIsolatesAccounts(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	saveAccounts(t, s, "good", "noauth", "panics")

	good := newFakeMailbox(10)
	good.add("m1", "INBOX")

	factory := func(ctx context.Context, account sync.Account) (sync.MailboxClient, error) {
		switch account.ID {
		case "good":
			return good, nil
		case "noauth":
			return nil, fmt.Errorf("token: %w", sync.ErrAuth)
		default:
			return panicMailbox{newFakeMailbox(1)}, nil
		}
	}

	results, err := newOrchestrator(s, factory).SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results["good"].Success || results["good"].MessagesSynced != 1 {
		t.Errorf("good account must sync, got %+v", results["good"])
	}
	if results["noauth"].Success || results["noauth"].ErrorKind != sync.KindAuth {
		t.Errorf("expected auth failure, got %+v", results["noauth"])
	}
	if results["panics"].Success {
		t.Errorf("panicking account must fail, got %+v", results["panics"])
	}

	if state := mustState(t, s, "panics"); state.Status != sync.StatusFailed {
		t.Errorf("panicked run must be recorded as failed, got %s", state.Status)
	}
	if state := mustState(t, s, "good"); state.CursorValue != 10 {
		t.Errorf("good account cursor not committed: %+v", state)
	}
}

func TestSyncAllSkipsInactiveAccounts(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	saveAccounts(t, s, "a", "b")
	if err := s.SetAccountActive(ctx, "b", false); err != nil {
		t.Fatal(err)
	}

	factory := func(ctx context.Context, account sync.Account) (sync.MailboxClient, error) {
		return newFakeMailbox(1), nil
	}
	o := newOrchestrator(s, factory)

	results, err := o.SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := results["b"]; ok || len(results) != 1 {
		t.Fatalf("inactive account must be skipped, got %v", results)
	}

	triggered, err := o.TriggerSync(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	res := triggered["b"]
	if res.Success || res.ErrorKind != sync.KindNotFound {
		t.Fatalf("expected not_found for inactive account, got %+v", res)
	}
}

func TestSingleFlightPerAccount(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	saveAccounts(t, s, "acc")

	mb := &blockingMailbox{
		fakeMailbox: newFakeMailbox(5),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	mb.add("m1", "INBOX")

	o := newOrchestrator(s, func(ctx context.Context, account sync.Account) (sync.MailboxClient, error) {
		return mb, nil
	})

	done := make(chan map[string]*sync.SyncResult)
	go func() {
		results, _ := o.TriggerSync(ctx, "acc")
		done <- results
	}()

	select {
	case <-mb.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first sync never started")
	}

	if !o.IsRunning("acc") {
		t.Error("expected account to be running")
	}
	rejected, err := o.TriggerSync(ctx, "acc")
	if err != nil {
		t.Fatal(err)
	}
	second := rejected["acc"]
	if second.Success || !errors.Is(second.Err, sync.ErrSyncInProgress) {
		t.Fatalf("expected in-progress rejection, got %+v", second)
	}

	close(mb.release)
	first := (<-done)["acc"]
	if !first.Success {
		t.Fatalf("first sync failed: %v", first.Err)
	}
	if o.IsRunning("acc") || len(o.GetRunningSyncs()) != 0 {
		t.Error("slot must be released after the run")
	}
}

func TestOrchestratorStateAndLabels(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	saveAccounts(t, s, "acc")

	mb := newFakeMailbox(7)
	mb.add("m1", "INBOX")
	o := newOrchestrator(s, func(ctx context.Context, account sync.Account) (sync.MailboxClient, error) {
		return mb, nil
	})

	if res := o.TriggerFullSync(ctx, "acc", 0); !res.Success {
		t.Fatalf("full sync failed: %v", res.Err)
	}
	state, err := o.SyncState(ctx, "acc")
	if err != nil || state.CursorValue != 7 {
		t.Fatalf("unexpected state %+v (%v)", state, err)
	}
	if _, err := o.SyncState(ctx, "missing"); !errors.Is(err, sync.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	labels, err := o.Labels(ctx, "acc")
	if err != nil || labels["Label_1"] != "Work" {
		t.Fatalf("unexpected labels %v (%v)", labels, err)
	}

	res := o.TriggerFolderSync(ctx, "acc", "INBOX", 0)
	if !res.Success || res.MessagesSynced != 1 {
		t.Fatalf("folder sync failed: %+v", res)
	}
}

func TestRecoverStaleOnStartup(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	saveAccounts(t, s, "acc")
	if _, err := s.StartSync(ctx, "acc", time.Hour); err != nil {
		t.Fatal(err)
	}

	o := sync.NewOrchestrator(sync.Stores{Accounts: s, Messages: s, Cursors: s, Contacts: s},
		nil, sync.OrchestratorOptions{Engine: sync.EngineOptions{StaleAfter: time.Nanosecond}}, zerolog.Nop())

	// started_at has second precision; wait until it is strictly in the past
	time.Sleep(1100 * time.Millisecond)
	if err := o.RecoverStale(ctx); err != nil {
		t.Fatal(err)
	}
	if state := mustState(t, s, "acc"); state.Status != sync.StatusFailed || state.LastError != "interrupted" {
		t.Fatalf("expected interrupted failure, got %+v", state)
	}
}

func TestSyncAllRespectsWorkerLimit(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	ids := []string{"a", "b", "c", "d", "e"}
	saveAccounts(t, s, ids...)

	gate := &workerGate{entered: make(chan struct{}, len(ids)), release: make(chan struct{})}
	factory := func(ctx context.Context, account sync.Account) (sync.MailboxClient, error) {
		mb := newFakeMailbox(3)
		mb.add("m-"+account.ID, "INBOX")
		return gatedMailbox{fakeMailbox: mb, gate: gate}, nil
	}
	o := newOrchestrator(s, factory)

	done := make(chan map[string]*sync.SyncResult)
	go func() {
		results, _ := o.SyncAll(ctx)
		done <- results
	}()

	// two workers run side by side
	for i := 0; i < 2; i++ {
		select {
		case <-gate.entered:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d accounts started concurrently", i)
		}
	}
	// a third must wait for a free worker
	select {
	case <-gate.entered:
		t.Fatal("more accounts in flight than workers")
	case <-time.After(200 * time.Millisecond):
	}

	close(gate.release)
	var results map[string]*sync.SyncResult
	select {
	case results = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("sync round never finished")
	}

	if len(results) != len(ids) {
		t.Fatalf("expected %d results, got %d", len(ids), len(results))
	}
	for id, res := range results {
		if !res.Success {
			t.Errorf("%s failed: %v", id, res.Err)
		}
	}
	if peak := gate.peak.Load(); peak != 2 {
		t.Errorf("expected peak of 2 concurrent runs, got %d", peak)
	}
}

func TestSyncAllReportsUnreadableAccounts(t *testing.T) {
	s := openStore(t)
	o := sync.NewOrchestrator(sync.Stores{Accounts: brokenAccounts{}, Messages: s, Cursors: s, Contacts: s},
		nil, sync.OrchestratorOptions{Workers: 2}, zerolog.Nop())

	results, err := o.SyncAll(context.Background())
	if err == nil || results != nil {
		t.Fatalf("expected an error and no results, got %v / %v", results, err)
	}
	if kind := sync.Classify(err); kind != sync.KindPersistence {
		t.Errorf("expected persistence failure, got %s", kind)
	}

	if _, err := o.TriggerSync(context.Background(), ""); err == nil {
		t.Error("trigger of all accounts must surface the failure too")
	}
}

// brokenCursors is a cursor store whose terminal writes always fail
type brokenCursors struct {
	*sqlite.Store
}

func (brokenCursors) CompleteSync(ctx context.Context, accountID string, cursor uint64, count int, full bool) error {
	return errors.New("disk full")
}

func (brokenCursors) FailSync(ctx context.Context, accountID string, reason string) error {
	return errors.New("disk full")
}

func TestEngineReportsUnrecordableFailure(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	mb := newFakeMailbox(10)
	mb.add("m1", "INBOX")

	e := sync.NewEngine(testAccount, mb, s, brokenCursors{s}, s, sync.EngineOptions{PageSize: 100}, zerolog.Nop())
	res := e.Sync(ctx)
	if res.Success || res.ErrorKind != sync.KindPersistence {
		t.Fatalf("expected persistence failure, got %+v", res)
	}
	found := false
	for _, msg := range res.Errors {
		if strings.Contains(msg, "record failure") {
			found = true
		}
	}
	if !found {
		t.Errorf("failure to record the failed state must be reported, got %v", res.Errors)
	}
}

func TestPanicLogsUnrecordableFailure(t *testing.T) {
	s := openStore(t)
	saveAccounts(t, s, "panics")

	var logs bytes.Buffer
	o := sync.NewOrchestrator(sync.Stores{Accounts: s, Messages: s, Cursors: brokenCursors{s}, Contacts: s},
		func(ctx context.Context, account sync.Account) (sync.MailboxClient, error) {
			return panicMailbox{newFakeMailbox(1)}, nil
		}, sync.OrchestratorOptions{Workers: 1}, zerolog.New(&logs))

	results, err := o.SyncAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if results["panics"].Success {
		t.Fatal("panicking account must fail")
	}
	if !strings.Contains(logs.String(), "record sync failure") {
		t.Errorf("expected the failed FailSync to be logged, got %s", logs.String())
	}
}
