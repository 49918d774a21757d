package sync

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ClientFactory creates the remote mailbox client for an account
type ClientFactory func(ctx context.Context, account Account) (MailboxClient, error)

// Stores bundles the persistence the orchestrator hands to each engine
type Stores struct {
	Accounts AccountSource
	Messages MessageStore
	Cursors  CursorStore
	Contacts ContactSource
}

// OrchestratorOptions configures fan-out across accounts
type OrchestratorOptions struct {
	Workers int
	Engine  EngineOptions
}

// Orchestrator runs the engine across accounts with per-account isolation
// and single-flight. Construct one per process and share it between the
// scheduler, the HTTP API and the CLI.
type Orchestrator struct {
	stores        Stores
	clientFactory ClientFactory
	opts          OrchestratorOptions
	log           zerolog.Logger

	inflight      map[string]struct{}
	inflightMutex sync.Mutex
}

// NewOrchestrator creates the sync orchestrator
func NewOrchestrator(stores Stores, clientFactory ClientFactory, opts OrchestratorOptions, logger zerolog.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	opts.Engine = opts.Engine.withDefaults()
	return &Orchestrator{
		stores:        stores,
		clientFactory: clientFactory,
		opts:          opts,
		log:           logger.With().Str("component", "orchestrator").Logger(),
		inflight:      make(map[string]struct{}),
	}
}

// SyncAll syncs every active account. Accounts run concurrently up to the
// worker limit; a failing account never prevents the others from running.
// The error is only set when the account list itself cannot be read.
func (o *Orchestrator) SyncAll(ctx context.Context) (map[string]*SyncResult, error) {
	accounts, err := o.stores.Accounts.ActiveAccounts(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("list active accounts")
		return nil, fmt.Errorf("list active accounts: %w: %w", ErrPersistence, err)
	}

	results := make(map[string]*SyncResult, len(accounts))
	var resultsMutex sync.Mutex

	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for _, account := range accounts {
		g.Go(func() error {
			res := o.runAccount(ctx, account, func(e *Engine) *SyncResult {
				return e.Sync(ctx)
			})
			resultsMutex.Lock()
			results[account.ID] = res
			resultsMutex.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	o.log.Info().Int("accounts", len(results)).Int("failed", failed).Msg("sync round complete")
	return results, nil
}

// TriggerSync syncs one account, or all active accounts when accountID is
// empty. Per-account failures are reported in the results, never as the error.
func (o *Orchestrator) TriggerSync(ctx context.Context, accountID string) (map[string]*SyncResult, error) {
	if accountID == "" {
		return o.SyncAll(ctx)
	}

	account, err := o.lookup(ctx, accountID)
	if err != nil {
		return map[string]*SyncResult{accountID: FailedResult(accountID, err)}, nil
	}
	res := o.runAccount(ctx, *account, func(e *Engine) *SyncResult {
		return e.Sync(ctx)
	})
	return map[string]*SyncResult{accountID: res}, nil
}

// TriggerFullSync forces a full sync of one account
func (o *Orchestrator) TriggerFullSync(ctx context.Context, accountID string, maxResults int) *SyncResult {
	account, err := o.lookup(ctx, accountID)
	if err != nil {
		return FailedResult(accountID, err)
	}
	return o.runAccount(ctx, *account, func(e *Engine) *SyncResult {
		return e.FullSync(ctx, maxResults)
	})
}

// TriggerFolderSync refreshes one label of an account
func (o *Orchestrator) TriggerFolderSync(ctx context.Context, accountID, labelID string, maxResults int) *SyncResult {
	account, err := o.lookup(ctx, accountID)
	if err != nil {
		return FailedResult(accountID, err)
	}
	return o.runAccount(ctx, *account, func(e *Engine) *SyncResult {
		return e.FolderSync(ctx, labelID, maxResults)
	})
}

// SyncState returns the persisted sync state of an account
func (o *Orchestrator) SyncState(ctx context.Context, accountID string) (*SyncCursor, error) {
	if _, err := o.lookup(ctx, accountID); err != nil {
		return nil, err
	}
	return o.stores.Cursors.GetSyncState(ctx, accountID)
}

// Labels lists the remote labels of an account
func (o *Orchestrator) Labels(ctx context.Context, accountID string) (map[string]string, error) {
	account, err := o.lookup(ctx, accountID)
	if err != nil {
		return nil, err
	}
	client, err := o.clientFactory(ctx, *account)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return client.ListLabels(ctx)
}

// RecoverStale marks sync rows left in "syncing" by a dead process as failed
func (o *Orchestrator) RecoverStale(ctx context.Context) error {
	n, err := o.stores.Cursors.RecoverStale(ctx, o.opts.Engine.StaleAfter)
	if err != nil {
		return fmt.Errorf("recover stale syncs: %w", err)
	}
	if n > 0 {
		o.log.Warn().Int("accounts", n).Msg("recovered interrupted syncs")
	}
	return nil
}

// IsRunning checks if a sync is running for an account
func (o *Orchestrator) IsRunning(accountID string) bool {
	o.inflightMutex.Lock()
	defer o.inflightMutex.Unlock()
	_, exists := o.inflight[accountID]
	return exists
}

// GetRunningSyncs returns the ids of accounts currently syncing
func (o *Orchestrator) GetRunningSyncs() []string {
	o.inflightMutex.Lock()
	defer o.inflightMutex.Unlock()

	var ids []string
	for id := range o.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) lookup(ctx context.Context, accountID string) (*Account, error) {
	account, err := o.stores.Accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w: %w", ErrPersistence, err)
	}
	if account == nil || !account.Active {
		return nil, fmt.Errorf("%s: %w", accountID, ErrAccountNotFound)
	}
	return account, nil
}

func (o *Orchestrator) acquire(accountID string) bool {
	o.inflightMutex.Lock()
	defer o.inflightMutex.Unlock()
	if _, exists := o.inflight[accountID]; exists {
		return false
	}
	o.inflight[accountID] = struct{}{}
	return true
}

func (o *Orchestrator) release(accountID string) {
	o.inflightMutex.Lock()
	delete(o.inflight, accountID)
	o.inflightMutex.Unlock()
}

// runAccount builds a fresh engine for the account and runs fn under the
// account's single-flight slot. Panics are converted into failed results.
func (o *Orchestrator) runAccount(ctx context.Context, account Account, fn func(*Engine) *SyncResult) (res *SyncResult) {
	if !o.acquire(account.ID) {
		return FailedResult(account.ID, fmt.Errorf("%s: %w", account.ID, ErrSyncInProgress))
	}
	defer o.release(account.ID)

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().
				Str("account_id", account.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("sync panicked")
			res = FailedResult(account.ID, fmt.Errorf("sync panicked: %v", r))
			res.Duration = time.Since(started).Round(time.Millisecond).String()
			if err := o.stores.Cursors.FailSync(context.WithoutCancel(ctx), account.ID, fmt.Sprintf("panic: %v", r)); err != nil {
				o.log.Error().Err(err).Str("account_id", account.ID).Msg("record sync failure")
			}
		}
	}()

	client, err := o.clientFactory(ctx, account)
	if err != nil {
		o.log.Error().Err(err).Str("account_id", account.ID).Msg("create mailbox client")
		res = FailedResult(account.ID, fmt.Errorf("create client: %w", err))
		res.Duration = time.Since(started).Round(time.Millisecond).String()
		return res
	}

	engine := NewEngine(account, client, o.stores.Messages, o.stores.Cursors, o.stores.Contacts, o.opts.Engine, o.log)
	res = fn(engine)
	if !res.Success && !res.ErrorKind.Retryable() {
		o.log.Error().
			Str("account_id", account.ID).
			Str("error_kind", string(res.ErrorKind)).
			Msg("sync needs operator attention")
	}
	return res
}
