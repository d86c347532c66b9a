// Package auth - scopes.go defines the token scopes and the HasScope check.
package auth

import (
	"fmt"
)

// Scope represents a permission attached to a token
type Scope string

const (
	// ScopeRead allows authenticated reads (listing own tokens, own orgs)
	ScopeRead Scope = "read"

	// ScopePublish allows publishing, deprecating and removing packs
	ScopePublish Scope = "publish"

	// ScopeAdmin is the wildcard scope
	ScopeAdmin Scope = "admin"
)

// scopeRank orders scopes so a broader scope satisfies a narrower one.
var scopeRank = map[Scope]int{
	ScopeRead:    1,
	ScopePublish: 2,
	ScopeAdmin:   3,
}

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{ScopeRead, ScopePublish, ScopeAdmin}
}

// ParseScope validates a scope string
func ParseScope(s string) (Scope, error) {
	scope := Scope(s)
	if _, ok := scopeRank[scope]; !ok {
		return "", fmt.Errorf("invalid scope: %s", s)
	}
	return scope, nil
}

// HasScope reports whether a token holding granted may act with required.
// admin satisfies every scope and publish satisfies read.
func HasScope(granted string, required Scope) bool {
	g, ok := scopeRank[Scope(granted)]
	if !ok {
		return false
	}
	return g >= scopeRank[required]
}
