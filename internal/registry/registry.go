// Package registry orchestrates the write path: it validates a publish
// frame, serializes per-name mutations, and drives the blob store, the
// git index, and the metadata store together. It also serves the read
// paths (search, download, owners) that don't need per-name locking.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/git-pkgs/purl"
	"github.com/hashicorp/go-version"
	"github.com/petar/GoLLRB/llrb"
	"github.com/sirupsen/logrus"

	"github.com/git-pkgs/registry-server/internal/blobstore"
	"github.com/git-pkgs/registry-server/internal/cargoproto"
	"github.com/git-pkgs/registry-server/internal/domain"
	"github.com/git-pkgs/registry-server/internal/indexrepo"
	"github.com/git-pkgs/registry-server/internal/metadata"
	"github.com/git-pkgs/registry-server/internal/semver"
)

// Service is the registry's write/read orchestrator. Every mutation to a
// single package name is serialized through a per-name mutex, lazily
// created with the same double-checked-locking shape the upstream mirror
// uses for its per-host circuit breakers.
type Service struct {
	blobs   *blobstore.Store
	index   *indexrepo.Repo
	store   metadata.Store
	logger  *logrus.Logger

	allowedUpstreams map[string]bool

	locksMu sync.RWMutex
	locks   map[string]*sync.Mutex

	namesMu sync.RWMutex
	names   *llrb.LLRB
}

// Option configures a Service.
type Option func(*Service)

// WithAllowedUpstreams sets the alternate-registry allow-list dependency
// entries are checked against (empty/nil means only "this registry",
// i.e. no dependency may reference an alternate registry).
func WithAllowedUpstreams(allowed map[string]bool) Option {
	return func(s *Service) { s.allowedUpstreams = allowed }
}

// WithLogger overrides the default logger, a logrus.New() writing to stderr.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// nameItem is a package name stored in the in-memory ordered index that
// backs Search, mirroring apkgdb's llrb.Item-over-sorted-keys pattern.
type nameItem string

func (n nameItem) Less(than llrb.Item) bool {
	return n < than.(nameItem)
}

// New builds a Service and seeds its in-memory name index from the
// metadata store's known-names side table.
func New(blobs *blobstore.Store, index *indexrepo.Repo, store metadata.Store, opts ...Option) (*Service, error) {
	s := &Service{
		blobs:  blobs,
		index:  index,
		store:  store,
		logger: logrus.New(),
		locks:  make(map[string]*sync.Mutex),
		names:  llrb.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	known, err := store.KnownNames()
	if err != nil {
		return nil, err
	}
	for _, n := range known {
		s.names.InsertNoReplace(nameItem(strings.ToLower(n)))
	}

	return s, nil
}

func (s *Service) nameLock(name string) *sync.Mutex {
	s.locksMu.RLock()
	l, ok := s.locks[name]
	s.locksMu.RUnlock()
	if ok {
		return l
	}

	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[name]; ok {
		return l
	}
	l = &sync.Mutex{}
	s.locks[name] = l
	return l
}

func (s *Service) recordName(name string) {
	s.namesMu.Lock()
	s.names.InsertNoReplace(nameItem(strings.ToLower(name)))
	s.namesMu.Unlock()
}

// packageIdentifier returns the canonical purl for a published version,
// used only as a log field. purl.Parse is called to validate the
// constructed identifier; this is the only place the module parses a
// purl. The raw string is what's logged either way, since Parse exists
// here to catch a malformed name slipping past cargoproto's validation,
// not to reformat it.
func packageIdentifier(name, vers string) string {
	raw := fmt.Sprintf("pkg:cargo/%s@%s", name, vers)
	if _, err := purl.Parse(raw); err != nil {
		return raw + " (unparseable purl)"
	}
	return raw
}

// Publish validates and applies a publish frame on behalf of userID,
// implementing spec's publish algorithm plus the resolved ownership-
// adoption open question: a name with index entries but no recorded
// owner is adopted by the publishing user, with a warning.
func (s *Service) Publish(ctx context.Context, userID uint64, req *cargoproto.PublishRequest) (*domain.Warnings, error) {
	name := req.Metadata.Name
	vers := req.Metadata.Vers

	lock := s.nameLock(strings.ToLower(name))
	lock.Lock()
	defer lock.Unlock()

	if err := cargoproto.ValidateRegistryReferences(&req.Metadata, s.allowedUpstreams); err != nil {
		return nil, err
	}

	existing, err := s.index.Versions(name)
	if err != nil {
		return nil, err
	}

	candidate, err := semver.Parse(vers)
	if err != nil {
		return nil, err
	}

	existingVersions := make([]*version.Version, 0, len(existing))
	for _, p := range existing {
		if p.Vers == vers {
			return nil, domain.New(domain.KindDuplicateVersion, "%s@%s already published", name, vers)
		}
		if p.Yanked {
			continue
		}
		if v, err := semver.Parse(p.Vers); err == nil {
			existingVersions = append(existingVersions, v)
		}
	}
	if len(existingVersions) > 0 && !semver.GreaterThanAll(candidate, existingVersions) {
		return nil, domain.New(domain.KindLowerVersion, "%s@%s is not greater than the highest published non-yanked version", name, vers)
	}

	owners, err := s.store.Owners(name)
	if err != nil {
		return nil, err
	}

	warnings := &domain.Warnings{}
	switch {
	case len(owners) == 0:
		if err := s.store.AddOwners(name, []uint64{userID}); err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			warnings.Other = append(warnings.Other, "adopted ownership of previously unowned package")
		}
	case !owners[userID]:
		return nil, domain.New(domain.KindForbidden, "user is not an owner of %q", name)
	}

	sum := sha256.Sum256(req.Tarball)
	cksum := hex.EncodeToString(sum[:])

	if _, err := s.blobs.Put(name, vers, req.Tarball); err != nil {
		return nil, err
	}

	pkg := req.Metadata.ToPackage(cksum)
	if err := s.index.AddVersion(ctx, pkg); err != nil {
		if delErr := s.blobs.Delete(name, vers); delErr != nil {
			s.logger.WithError(delErr).Warn("failed to compensate orphan blob after index write failure")
		}
		return nil, err
	}

	if err := s.store.RecordKnownName(name); err != nil {
		return nil, err
	}
	s.recordName(name)

	if err := s.store.PutDescriptor(descriptorFrom(req.Metadata)); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"purl":    packageIdentifier(name, vers),
		"user_id": userID,
	}).Info("published package version")

	return warnings, nil
}

func descriptorFrom(m domain.Metadata) domain.PackageDescriptor {
	return domain.PackageDescriptor{
		Name:        m.Name,
		MaxVersion:  m.Vers,
		Description: m.Description,
		Authors:     m.Authors,
		Keywords:    m.Keywords,
		Categories:  m.Categories,
		License:     m.License,
		Repository:  m.Repository,
	}
}

func (s *Service) requireOwner(name string, userID uint64) error {
	owners, err := s.store.Owners(name)
	if err != nil {
		return err
	}
	if !owners[userID] {
		return domain.New(domain.KindForbidden, "user is not an owner of %q", name)
	}
	return nil
}

// Yank marks name@vers as yanked on behalf of userID.
func (s *Service) Yank(ctx context.Context, userID uint64, name, vers string) error {
	lock := s.nameLock(strings.ToLower(name))
	lock.Lock()
	defer lock.Unlock()

	if err := s.requireOwner(name, userID); err != nil {
		return err
	}
	if err := s.index.SetYanked(ctx, name, vers, true); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"purl": packageIdentifier(name, vers), "user_id": userID}).Info("yanked package version")
	return nil
}

// Unyank clears the yanked flag on name@vers on behalf of userID.
func (s *Service) Unyank(ctx context.Context, userID uint64, name, vers string) error {
	lock := s.nameLock(strings.ToLower(name))
	lock.Lock()
	defer lock.Unlock()

	if err := s.requireOwner(name, userID); err != nil {
		return err
	}
	if err := s.index.SetYanked(ctx, name, vers, false); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"purl": packageIdentifier(name, vers), "user_id": userID}).Info("unyanked package version")
	return nil
}

// ListOwners resolves name's owner IDs to full owner-list entries.
func (s *Service) ListOwners(name string) ([]domain.OwnerListEntry, error) {
	owners, err := s.store.Owners(name)
	if err != nil {
		return nil, err
	}

	entries := make([]domain.OwnerListEntry, 0, len(owners))
	for id := range owners {
		u, err := s.store.UserByID(id)
		if err != nil {
			return nil, err
		}
		if u == nil {
			continue
		}
		entries = append(entries, domain.OwnerListEntry{ID: u.ID, Login: u.Login})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Login < entries[j].Login })
	return entries, nil
}

func (s *Service) resolveLogins(logins []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(logins))
	for _, login := range logins {
		u, err := s.store.UserByLogin(login)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, domain.New(domain.KindNotFound, "no such user %q", login)
		}
		ids = append(ids, u.ID)
	}
	return ids, nil
}

// AddOwners grants ownership of name to the named logins on behalf of an
// existing owner userID.
func (s *Service) AddOwners(userID uint64, name string, logins []string) error {
	lock := s.nameLock(strings.ToLower(name))
	lock.Lock()
	defer lock.Unlock()

	if err := s.requireOwner(name, userID); err != nil {
		return err
	}
	ids, err := s.resolveLogins(logins)
	if err != nil {
		return err
	}
	return s.store.AddOwners(name, ids)
}

// RemoveOwners revokes ownership of name from the named logins on behalf
// of an existing owner userID. Removing the last owner is rejected.
func (s *Service) RemoveOwners(userID uint64, name string, logins []string) error {
	lock := s.nameLock(strings.ToLower(name))
	lock.Lock()
	defer lock.Unlock()

	if err := s.requireOwner(name, userID); err != nil {
		return err
	}
	ids, err := s.resolveLogins(logins)
	if err != nil {
		return err
	}
	return s.store.RemoveOwners(name, ids)
}

// Search scans the in-memory name index for names containing query
// (case-insensitively), returning at most limit results in ascending name
// order plus the total number of matches before limiting.
func (s *Service) Search(query string, limit int) ([]domain.SearchResult, int, error) {
	query = strings.ToLower(strings.TrimSpace(query))

	var names []string
	s.namesMu.RLock()
	s.names.AscendGreaterOrEqual(nameItem(""), func(i llrb.Item) bool {
		names = append(names, string(i.(nameItem)))
		return true
	})
	s.namesMu.RUnlock()

	var results []domain.SearchResult
	total := 0
	for _, name := range names {
		desc, err := s.store.Descriptor(name)
		if err != nil {
			return nil, 0, err
		}

		matches := query == ""
		if !matches && strings.Contains(name, query) {
			matches = true
		}
		if !matches {
			continue
		}

		total++
		if len(results) >= limit {
			continue
		}

		result := domain.SearchResult{Name: name}
		if desc != nil {
			result.MaxVersion = desc.MaxVersion
			result.Description = desc.Description
		}
		results = append(results, result)
	}

	return results, total, nil
}

// Download opens the tarball for name@vers for streaming.
func (s *Service) Download(name, vers string) ([]byte, error) {
	return s.blobs.Get(name, vers)
}

// GetVersion returns the single index entry for name@vers.
func (s *Service) GetVersion(name, vers string) (*domain.Package, error) {
	versions, err := s.index.Versions(name)
	if err != nil {
		return nil, err
	}
	for i := range versions {
		if versions[i].Vers == vers {
			return &versions[i], nil
		}
	}
	return nil, domain.New(domain.KindNotFound, "%s@%s not found", name, vers)
}

// GetPackage returns every published version of name plus its descriptor.
func (s *Service) GetPackage(name string) ([]domain.Package, *domain.PackageDescriptor, error) {
	versions, err := s.index.Versions(name)
	if err != nil {
		return nil, nil, err
	}
	if len(versions) == 0 {
		return nil, nil, domain.New(domain.KindNotFound, "no such package %q", name)
	}
	desc, err := s.store.Descriptor(name)
	if err != nil {
		return nil, nil, err
	}
	return versions, desc, nil
}
