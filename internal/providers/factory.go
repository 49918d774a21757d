package providers

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// TokenSourcer hands out refreshing token sources per user and provider
type TokenSourcer interface {
	TokenSource(ctx context.Context, userID string, provider auth.Provider, initial *auth.Token) oauth2.TokenSource
}

// NewClientFactory returns a sync.ClientFactory that builds the mailbox
// client matching each account's provider. Gmail clients of the same account
// share one rate limiter and circuit breaker for the factory's lifetime.
func NewClientFactory(tokens TokenSourcer, gmailOpts gmail.Options) sync.ClientFactory {
	guards := gmail.NewGuards(gmailOpts)
	return func(ctx context.Context, account sync.Account) (sync.MailboxClient, error) {
		switch account.Provider {
		case sync.ProviderGoogle:
			ts := tokens.TokenSource(ctx, account.UserID, auth.ProviderGoogle, nil)
			opts := gmailOpts
			opts.Logger = gmailOpts.Logger.With().Str("account_id", account.ID).Logger()
			opts.Guard = guards.For(account.ID)
			return gmail.New(ctx, ts, opts)
		case sync.ProviderMicrosoft:
			ts := tokens.TokenSource(ctx, account.UserID, auth.ProviderMicrosoft, nil)
			return outlook.New(ts, "me")
		default:
			return nil, fmt.Errorf("unsupported provider %q for account %s", account.Provider, account.ID)
		}
	}
}
