// semver.go validates pack version strings and orders them. Parsing and
// precedence come from hashicorp/go-version; the extra pattern check rejects
// the shorthand forms ("1.0", "v1.2.3") that go-version accepts.
package validation

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/hashicorp/go-version"
)

var strictSemverRe = regexp.MustCompile(
	`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(-[0-9A-Za-z-]+(\.[0-9A-Za-z-]+)*)?(\+[0-9A-Za-z-]+(\.[0-9A-Za-z-]+)*)?$`)

// ValidateStrictSemver requires MAJOR.MINOR.PATCH with optional pre-release and build parts
func ValidateStrictSemver(versionStr string) error {
	if !strictSemverRe.MatchString(versionStr) {
		return fmt.Errorf("invalid semantic version %q: expected MAJOR.MINOR.PATCH", versionStr)
	}
	if _, err := version.NewSemver(versionStr); err != nil {
		return fmt.Errorf("invalid semantic version: %w", err)
	}
	return nil
}

// HighestVersion returns the greatest version by semver precedence.
// Stable releases win over pre-releases; if only pre-releases exist the
// greatest of those is returned. Unparseable entries are ignored.
func HighestVersion(versions []string) string {
	var bestStable, bestAny *version.Version
	var stableStr, anyStr string

	for _, s := range versions {
		v, err := version.NewVersion(s)
		if err != nil {
			continue
		}
		if bestAny == nil || v.GreaterThan(bestAny) {
			bestAny, anyStr = v, s
		}
		if v.Prerelease() == "" && (bestStable == nil || v.GreaterThan(bestStable)) {
			bestStable, stableStr = v, s
		}
	}

	if bestStable != nil {
		return stableStr
	}
	return anyStr
}

// SortDescending orders version strings newest first. Unparseable entries sort last.
func SortDescending(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		vi, erri := version.NewVersion(versions[i])
		vj, errj := version.NewVersion(versions[j])
		switch {
		case erri != nil:
			return false
		case errj != nil:
			return true
		default:
			return vi.GreaterThan(vj)
		}
	})
}
