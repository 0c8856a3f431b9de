// Package mirror implements a read-through cache of crates.io: on a miss
// it resolves the requested version's checksum through the retained
// upstream cargo client, downloads the tarball with a circuit-broken,
// DNS-cached fetcher, verifies the checksum, and caches the bytes
// alongside a record in the metadata store.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/git-pkgs/registry-server/client"
	"github.com/git-pkgs/registry-server/fetch"
	"github.com/git-pkgs/registry-server/internal/blobstore"
	_ "github.com/git-pkgs/registry-server/internal/cargo" // registers the "cargo" ecosystem with core.Register
	"github.com/git-pkgs/registry-server/internal/core"
	"github.com/git-pkgs/registry-server/internal/domain"
	"github.com/git-pkgs/registry-server/internal/metadata"
)

// Service is a read-through mirror of a single upstream cargo registry.
type Service struct {
	blobs    *blobstore.Store
	store    metadata.Store
	registry core.Registry
	fetcher  *fetch.CircuitBreakerFetcher
	logger   *logrus.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the default logger, a logrus.New() writing to stderr.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRegistry overrides the upstream registry client New constructs by
// default, for pointing a mirror at an alternate ecosystem's upstream or
// at a test double implementing core.Registry.
func WithRegistry(reg core.Registry) Option {
	return func(s *Service) { s.registry = reg }
}

// New builds a mirror Service for baseURL (empty uses the cargo registry's
// default upstream, https://crates.io).
func New(blobs *blobstore.Store, store metadata.Store, baseURL string, opts ...Option) (*Service, error) {
	reg, err := core.New("cargo", baseURL, client.DefaultClient())
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "constructing upstream cargo registry client")
	}

	s := &Service{
		blobs:    blobs,
		store:    store,
		registry: reg,
		fetcher:  fetch.NewCircuitBreakerFetcher(fetch.NewFetcher(fetch.WithUserAgent("registry-server-mirror/1.0"))),
		logger:   logrus.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Fetch returns the tarball bytes for name@vers, serving from the local
// mirror cache when present and otherwise downloading, verifying, and
// caching it from upstream.
func (s *Service) Fetch(ctx context.Context, name, vers string) ([]byte, error) {
	if entry, err := s.store.MirrorGet(name, vers); err != nil {
		return nil, err
	} else if entry != nil {
		data, err := s.blobs.Get(name, vers)
		if err == nil {
			return data, nil
		}
		s.logger.WithError(err).Warn("mirror cache entry present but blob missing, re-fetching from upstream")
	}

	versions, err := s.registry.FetchVersions(ctx, name)
	if err != nil {
		if _, ok := err.(*core.NotFoundError); ok {
			return nil, domain.New(domain.KindNotFound, "upstream has no package %q", name)
		}
		return nil, domain.Wrap(domain.KindUpstreamError, err, "looking up %q on upstream", name)
	}

	var checksum string
	found := false
	for _, v := range versions {
		if v.Number == vers {
			checksum = strings.TrimPrefix(v.Integrity, "sha256-")
			found = true
			break
		}
	}
	if !found {
		return nil, domain.New(domain.KindNotFound, "upstream has no version %s@%s", name, vers)
	}
	if checksum == "" {
		return nil, domain.New(domain.KindUpstreamError, "upstream reports no checksum for %s@%s", name, vers)
	}

	downloadURL := s.registry.URLs().Download(name, vers)
	artifact, err := s.fetcher.Fetch(ctx, downloadURL)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "downloading %s@%s from upstream", name, vers)
	}
	defer artifact.Body.Close()

	data, err := io.ReadAll(artifact.Body)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "reading upstream body for %s@%s", name, vers)
	}

	if checksum != "" {
		sum := sha256.Sum256(data)
		got := hex.EncodeToString(sum[:])
		if got != checksum {
			return nil, domain.New(domain.KindChecksumMismatch, "checksum mismatch for %s@%s: upstream %s, got %s", name, vers, checksum, got)
		}
	}

	path, err := s.blobs.Put(name, vers, data)
	if err != nil {
		return nil, err
	}

	if err := s.store.MirrorPut(metadata.MirrorCacheEntry{
		Name:     name,
		Vers:     vers,
		BlobPath: path,
		CachedAt: time.Now(),
	}); err != nil {
		return nil, err
	}

	s.logger.WithField("purl", s.registry.URLs().PURL(name, vers)).Info("cached package version from upstream mirror")

	return data, nil
}

// Evict drops a cached tarball and its bookkeeping entry, forcing the
// next Fetch to re-download and re-verify from upstream.
func (s *Service) Evict(name, vers string) error {
	if err := s.store.MirrorEvict(name, vers); err != nil {
		return err
	}
	return s.blobs.Delete(name, vers)
}
