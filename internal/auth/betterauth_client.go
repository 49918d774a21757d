package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// BetterAuthClient fetches OAuth tokens from BetterAuth.
// BetterAuth owns storage and refresh; this service only asks for a
// currently valid access token on behalf of a user.
type BetterAuthClient struct {
	baseURL    string
	serviceKey string
	client     *http.Client
}

// NewBetterAuthClient creates client to fetch tokens from BetterAuth
func NewBetterAuthClient(authServerURL, serviceKey string) *BetterAuthClient {
	return &BetterAuthClient{
		baseURL:    authServerURL,
		serviceKey: serviceKey,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches the user's OAuth token for provider
func (c *BetterAuthClient) GetToken(ctx context.Context, userID string, provider Provider) (*Token, error) {
	endpoint := fmt.Sprintf("%s/api/auth/accounts/%s/token?user_id=%s", c.baseURL, provider, url.QueryEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.serviceKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("no %s account connected for %s: %w", provider, userID, sync.ErrAuth)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("token request rejected (%d): %w", resp.StatusCode, sync.ErrAuth)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("empty access token for %s: %w", userID, sync.ErrAuth)
	}

	tok := &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}

// TokenSource returns an oauth2.TokenSource that asks BetterAuth for a new
// token whenever the cached one expires.
func (c *BetterAuthClient) TokenSource(ctx context.Context, userID string, provider Provider, initial *Token) oauth2.TokenSource {
	var seed *oauth2.Token
	if initial != nil {
		seed = initial.OAuth2()
	}
	return oauth2.ReuseTokenSource(seed, &betterAuthSource{ctx: ctx, client: c, userID: userID, provider: provider})
}

type betterAuthSource struct {
	ctx      context.Context
	client   *BetterAuthClient
	userID   string
	provider Provider
}

func (s *betterAuthSource) Token() (*oauth2.Token, error) {
	tok, err := s.client.GetToken(s.ctx, s.userID, s.provider)
	if err != nil {
		return nil, err
	}
	return tok.OAuth2(), nil
}

// OAuth2 converts the token for use with golang.org/x/oauth2 clients
func (t *Token) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       t.Expiry,
	}
}
