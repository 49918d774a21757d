package auth

import (
	"time"
)

// Provider represents OAuth providers
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// User represents an authenticated API caller
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}
