// Package cargoproto parses the publish request wire format described in
// spec §4.5: a 4-byte little-endian metadata length, the metadata JSON,
// a 4-byte little-endian tarball length, and the tarball bytes. The frame
// layout and the name/version validation are adapted from go-gitea-gitea's
// modules/packages/cargo/parser.go, which implements the same crates.io
// wire protocol for Gitea's built-in Cargo registry.
package cargoproto

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"regexp"

	"github.com/git-pkgs/spdx"

	"github.com/git-pkgs/registry-server/internal/domain"
	"github.com/git-pkgs/registry-server/internal/semver"
)

var namePattern = regexp.MustCompile(`\A[a-zA-Z][a-zA-Z0-9_-]{0,63}\z`)

// MaxFrameSize bounds a single length-prefixed section to defend against
// a malicious or corrupt length prefix forcing an unbounded read.
const MaxFrameSize = 128 << 20 // 128MiB, generous for a source tarball

// PublishRequest is a fully parsed and validated publish frame.
type PublishRequest struct {
	Metadata domain.Metadata
	Tarball  []byte
}

// Parse reads and validates a publish frame from r.
func Parse(r io.Reader) (*PublishRequest, error) {
	metaBytes, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	var meta domain.Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, domain.Wrap(domain.KindInvalidMetadata, err, "decoding publish metadata")
	}

	if err := ValidateMetadata(&meta); err != nil {
		return nil, err
	}

	tarball, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if len(tarball) == 0 {
		return nil, domain.New(domain.KindBadRequest, "empty tarball")
	}

	return &PublishRequest{Metadata: meta, Tarball: tarball}, nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, domain.Wrap(domain.KindBadRequest, err, "reading frame length")
	}
	if size > MaxFrameSize {
		return nil, domain.New(domain.KindBadRequest, "frame length %d exceeds maximum %d", size, MaxFrameSize)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, domain.Wrap(domain.KindBadRequest, err, "reading frame body")
	}
	return buf, nil
}

// ValidateMetadata checks the static shape of a publish metadata block:
// name regex, semver parseability, and (when present) an SPDX-valid
// license expression. It does not consult the index; duplicate-version,
// lower-version, and alternate-registry checks happen in the registry
// service, which has access to the accumulated index and the configured
// allow-list.
func ValidateMetadata(m *domain.Metadata) error {
	if !namePattern.MatchString(m.Name) {
		return domain.New(domain.KindInvalidMetadata, "invalid package name %q", m.Name)
	}

	if _, err := semver.Parse(m.Vers); err != nil {
		return err
	}

	if m.License != "" {
		if _, err := spdx.Parse(m.License); err != nil {
			return domain.Wrap(domain.KindInvalidMetadata, err, "invalid SPDX license expression %q", m.License)
		}
	}

	for _, dep := range m.Deps {
		if !namePattern.MatchString(dep.Name) {
			return domain.New(domain.KindInvalidMetadata, "invalid dependency name %q", dep.Name)
		}
	}

	return nil
}

// ValidateRegistryReferences checks each dependency's optional alternate
// registry marker against an allow-list of upstream registry URLs. The
// empty string means "this registry" and is always allowed.
func ValidateRegistryReferences(m *domain.Metadata, allowedUpstreams map[string]bool) error {
	for _, dep := range m.Deps {
		if dep.Registry == nil || *dep.Registry == "" {
			continue
		}
		if !allowedUpstreams[*dep.Registry] {
			return domain.New(domain.KindInvalidMetadata, "dependency %q references disallowed registry %q", dep.Name, *dep.Registry)
		}
	}
	return nil
}
