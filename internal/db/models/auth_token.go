// Package models - auth_token.go defines the stored form of a bearer token.
package models

import "time"

// AuthToken is a bearer credential. Only the hash of the raw token is stored.
type AuthToken struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	TokenHash   string     `json:"-"`
	TokenPrefix string     `json:"prefix"`
	Scope       string     `json:"scope"`
	Description *string    `json:"description,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// IsExpired reports whether the token has an expiry at or before now.
func (t *AuthToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// Identity is the authenticated caller resolved from a token.
type Identity struct {
	Username string `json:"username"`
	Scope    string `json:"scope"`
	TokenID  string `json:"-"`
}
