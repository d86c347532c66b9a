// name.go validates pack and organization names. Pack names follow the npm
// convention: lowercase, optionally scoped as @org/name.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxPackNameLength bounds the full name including any @scope/ prefix.
	MaxPackNameLength = 214

	// MaxOrgNameLength bounds organization names.
	MaxOrgNameLength = 39
)

var (
	packNameRe = regexp.MustCompile(`^(@[a-z0-9][a-z0-9-]*/)?[a-z0-9][a-z0-9._-]*$`)
	orgNameRe  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
)

// ValidatePackName checks a pack name such as "lint-rules" or "@acme/lint-rules".
func ValidatePackName(name string) error {
	if name == "" {
		return fmt.Errorf("pack name is required")
	}
	if len(name) > MaxPackNameLength {
		return fmt.Errorf("pack name exceeds %d characters", MaxPackNameLength)
	}
	if !packNameRe.MatchString(name) {
		return fmt.Errorf("invalid pack name %q: use lowercase letters, digits, '.', '_' or '-', optionally scoped as @org/name", name)
	}
	if scope, ok := scopeOf(name); ok {
		if err := ValidateOrgName(scope); err != nil {
			return fmt.Errorf("invalid pack scope: %w", err)
		}
	}
	return nil
}

// ValidateOrgName checks an organization name. Organization names double as
// pack scopes so they may not contain '/', '@' or uppercase letters.
func ValidateOrgName(name string) error {
	if name == "" {
		return fmt.Errorf("organization name is required")
	}
	if len(name) > MaxOrgNameLength {
		return fmt.Errorf("organization name exceeds %d characters", MaxOrgNameLength)
	}
	if !orgNameRe.MatchString(name) {
		return fmt.Errorf("invalid organization name %q: use lowercase letters, digits and inner hyphens", name)
	}
	return nil
}

// scopeOf returns the org part of "@org/rest". Malformed scopes report false.
func scopeOf(name string) (string, bool) {
	if !strings.HasPrefix(name, "@") {
		return "", false
	}
	scope, rest, found := strings.Cut(name[1:], "/")
	if !found || scope == "" || rest == "" {
		return "", false
	}
	return scope, true
}

// PackScope extracts the organization from a scoped pack name.
// "@my-org/x" yields "my-org"; "simple-pack" and "@noSlash" yield "".
func PackScope(name string) string {
	scope, _ := scopeOf(name)
	return scope
}
