// Package semver parses and compares package versions using
// hashicorp/go-version, the same library go-gitea-gitea's Cargo index
// parser uses to validate published version strings.
package semver

import (
	"github.com/hashicorp/go-version"

	"github.com/git-pkgs/registry-server/internal/domain"
)

// Parse validates a version string, returning an InvalidMetadata error
// on failure.
func Parse(s string) (*version.Version, error) {
	v, err := version.NewVersion(s)
	if err != nil {
		return nil, domain.Wrap(domain.KindInvalidMetadata, err, "invalid version %q", s)
	}
	return v, nil
}

// GreaterThanAll reports whether candidate is strictly greater than every
// version in existing. An empty existing set is always satisfied.
func GreaterThanAll(candidate *version.Version, existing []*version.Version) bool {
	for _, v := range existing {
		if candidate.LessThanOrEqual(v) {
			return false
		}
	}
	return true
}

// Max returns the largest version in vs, or nil if vs is empty.
func Max(vs []*version.Version) *version.Version {
	if len(vs) == 0 {
		return nil
	}
	max := vs[0]
	for _, v := range vs[1:] {
		if v.GreaterThan(max) {
			max = v
		}
	}
	return max
}
