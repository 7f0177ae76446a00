// version.go provides ordering helpers for plugin release version strings.
// Index releases mostly follow semantic-style versioning, but the package
// index does not enforce it, so comparison falls back to lexicographic order
// for strings that do not parse.
package validation

import (
	"strings"

	"github.com/hashicorp/go-version"
)

// CompareVersions orders two release version strings. Returns -1 if a < b,
// 0 if equal, 1 if a > b. Parseable versions always order before unparseable
// ones; two unparseable strings compare lexicographically.
func CompareVersions(a, b string) int {
	va, errA := version.NewVersion(a)
	vb, errB := version.NewVersion(b)

	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	default:
		return strings.Compare(a, b)
	}
}

// IsNewer reports whether candidate is a strictly newer release than current.
// An empty current always loses; an unparseable candidate never beats a
// parseable current.
func IsNewer(candidate, current string) bool {
	if current == "" {
		return candidate != ""
	}
	return CompareVersions(candidate, current) > 0
}
