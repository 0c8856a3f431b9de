// Package metadata defines the abstract metadata store contract (spec
// §4.3): users, package ownership, the known-names side-table that backs
// search, and mirror cache bookkeeping. Three drivers implement it:
// boltstore (embedded KV), redisstore (networked KV), and mongostore
// (document store).
package metadata

import (
	"time"

	"github.com/git-pkgs/registry-server/internal/domain"
)

// MirrorCacheEntry records that a (name, vers) tarball was fetched from
// upstream, verified, and cached.
type MirrorCacheEntry struct {
	Name      string
	Vers      string
	BlobPath  string
	CachedAt  time.Time
}

// Store is the contract every metadata driver implements. All operations
// are atomic at the key level. UpdateUser is a read-modify-write: boltstore
// runs it inside one write transaction, while redisstore (WATCH) and
// mongostore (an update conditioned on the values read) repeat it, without
// a delay or a bound, when a concurrent write intervenes.
type Store interface {
	// Users
	UserByLogin(login string) (*domain.User, error)
	UserByID(id uint64) (*domain.User, error)
	UserByTokenHash(hash string) (*domain.User, error)
	PutUser(u *domain.User) error
	UpdateUser(id uint64, f func(*domain.User) *domain.User) error
	NextUserID() (uint64, error)

	// Ownership
	Owners(name string) (map[uint64]bool, error)
	AddOwners(name string, ids []uint64) error
	RemoveOwners(name string, ids []uint64) error

	// Known package names (search side-table)
	RecordKnownName(name string) error
	KnownNames() ([]string, error)

	// Package descriptors (search result enrichment, spec §3 additions)
	PutDescriptor(d domain.PackageDescriptor) error
	Descriptor(name string) (*domain.PackageDescriptor, error)

	// Mirror cache bookkeeping (spec §4.6)
	MirrorGet(name, vers string) (*MirrorCacheEntry, error)
	MirrorPut(entry MirrorCacheEntry) error
	MirrorEvict(name, vers string) error

	Close() error
}
