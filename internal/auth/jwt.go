package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Verifier authenticates API requests
type Verifier interface {
	UserFromRequest(r *http.Request) (*User, error)
}

// JWTVerifier verifies RS/ES-signed tokens against a cached JWKS
type JWTVerifier struct {
	jwksURL string
	keySet  jwk.Set
}

// NewJWTVerifier registers jwksURL with an auto-refreshing cache that lives
// until ctx is done, and warms it up.
func NewJWTVerifier(ctx context.Context, jwksURL string, refresh time.Duration) (*JWTVerifier, error) {
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &JWTVerifier{
		jwksURL: jwksURL,
		keySet:  jwk.NewCachedSet(cache, jwksURL),
	}, nil
}

// UserFromRequest extracts and validates the bearer token of the request
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.keySet),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing user ID (subject)")
	}

	var email, name string
	if emailClaim, ok := token.Get("email"); ok {
		email, _ = emailClaim.(string)
	}
	if nameClaim, ok := token.Get("name"); ok {
		name, _ = nameClaim.(string)
	}

	return &User{ID: userID, Email: email, Name: name}, nil
}

// HMACVerifier verifies HS256 tokens signed with a shared secret
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a shared-secret verifier
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// UserFromRequest validates the bearer token of the request
func (v *HMACVerifier) UserFromRequest(r *http.Request) (*User, error) {
	tokenString := bearerToken(r)
	if tokenString == "" {
		return nil, errors.New("missing authorization header")
	}

	claims := gjwt.MapClaims{}
	token, err := gjwt.ParseWithClaims(tokenString, claims, func(token *gjwt.Token) (interface{}, error) {
		return v.secret, nil
	}, gjwt.WithValidMethods([]string{gjwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("token missing user ID (subject)")
	}
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	return &User{ID: sub, Email: email, Name: name}, nil
}

// SignHMAC issues an HS256 token, used by the CLI to mint operator tokens
func SignHMAC(secret string, user User, ttl time.Duration) (string, error) {
	claims := gjwt.MapClaims{
		"sub":   user.ID,
		"email": user.Email,
		"name":  user.Name,
		"exp":   time.Now().Add(ttl).Unix(),
		"iat":   time.Now().Unix(),
	}
	return gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return h
}
