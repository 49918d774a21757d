package gmail

import (
	"sync"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Guard rate-limits and circuit-breaks the Gmail calls of one mailbox. It
// outlives the per-run Adapter so breaker counts carry over between runs.
type Guard struct {
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
}

// NewGuard builds a guard from opts. name identifies the breaker in logs.
// The breaker has no clearing interval: only a success resets its counts.
func NewGuard(name string, opts Options) *Guard {
	opts = opts.withDefaults()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// only server-side trouble counts against the circuit
			return err == nil || !isServerError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			opts.Logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	return &Guard{
		limiter: rate.NewLimiter(rate.Limit(opts.QPS), opts.Burst),
		cb:      cb,
	}
}

// State returns the breaker state: closed, half-open or open
func (g *Guard) State() gobreaker.State {
	return g.cb.State()
}

// Guards hands out one long-lived Guard per account
type Guards struct {
	opts Options

	mu     sync.Mutex
	guards map[string]*Guard
}

// NewGuards creates an empty registry; every guard it creates uses opts
func NewGuards(opts Options) *Guards {
	return &Guards{opts: opts, guards: make(map[string]*Guard)}
}

// For returns the account's guard, creating it on first use
func (g *Guards) For(accountID string) *Guard {
	g.mu.Lock()
	defer g.mu.Unlock()

	if guard, ok := g.guards[accountID]; ok {
		return guard
	}
	opts := g.opts
	opts.Logger = opts.Logger.With().Str("account_id", accountID).Logger()
	guard := NewGuard("gmail-"+accountID, opts)
	g.guards[accountID] = guard
	return guard
}
