// Package boltstore implements the metadata.Store contract on top of a
// single embedded bbolt file, one bucket per entity. The layout is
// grounded in AzusaOS-apkg/apkgdb/db.go's one-bolt-file-per-concern
// design: each entity gets its own top-level bucket rather than a single
// flat keyspace with prefix scans.
package boltstore

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/git-pkgs/registry-server/internal/domain"
	"github.com/git-pkgs/registry-server/internal/metadata"
)

var (
	bucketUsers       = []byte("users")         // login -> User JSON
	bucketUsersByID   = []byte("users_by_id")    // id (8 bytes BE) -> login
	bucketUsersByTok  = []byte("users_by_token") // token hash -> login
	bucketOwners      = []byte("owners")         // name -> []uint64 JSON
	bucketKnownNames  = []byte("known_names")    // name -> empty
	bucketDescriptors = []byte("descriptors")    // name -> PackageDescriptor JSON
	bucketMirrorCache = []byte("mirror_cache")   // name\x00vers -> MirrorCacheEntry JSON
	bucketSeq         = []byte("seq")            // "user_id" -> sequence counter
)

var allBuckets = [][]byte{
	bucketUsers, bucketUsersByID, bucketUsersByTok, bucketOwners,
	bucketKnownNames, bucketDescriptors, bucketMirrorCache, bucketSeq,
}

// Store is a bbolt-backed metadata.Store.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the bolt file at path, creating required buckets.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, domain.Wrap(domain.KindIoError, err, "creating directory for %s", path)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, domain.Wrap(domain.KindIoError, err, "opening bolt store %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, domain.Wrap(domain.KindIoError, err, "creating buckets")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func mirrorKey(name, vers string) []byte {
	return []byte(name + "\x00" + vers)
}

func (s *Store) UserByLogin(login string) (*domain.User, error) {
	var user *domain.User
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketUsers).Get([]byte(login))
		if raw == nil {
			return nil
		}
		var u domain.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return err
		}
		user = &u
		return nil
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindIoError, err, "reading user %q", login)
	}
	return user, nil
}

func (s *Store) UserByID(id uint64) (*domain.User, error) {
	var login string
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketUsersByID).Get(idKey(id))
		if raw == nil {
			return nil
		}
		login = string(raw)
		return nil
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindIoError, err, "reading user id %d", id)
	}
	if login == "" {
		return nil, nil
	}
	return s.UserByLogin(login)
}

func (s *Store) UserByTokenHash(hash string) (*domain.User, error) {
	var login string
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketUsersByTok).Get([]byte(hash))
		if raw == nil {
			return nil
		}
		login = string(raw)
		return nil
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindIoError, err, "reading token index")
	}
	if login == "" {
		return nil, nil
	}
	return s.UserByLogin(login)
}

func (s *Store) PutUser(u *domain.User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "encoding user")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if existing := users.Get([]byte(u.Login)); existing != nil {
			return domain.New(domain.KindAlreadyExists, "login %q already exists", u.Login)
		}
		if err := users.Put([]byte(u.Login), raw); err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsersByID).Put(idKey(u.ID), []byte(u.Login)); err != nil {
			return err
		}
		return tx.Bucket(bucketUsersByTok).Put([]byte(u.TokenHash), []byte(u.Login))
	})
}

func (s *Store) UpdateUser(id uint64, f func(*domain.User) *domain.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		loginRaw := tx.Bucket(bucketUsersByID).Get(idKey(id))
		if loginRaw == nil {
			return domain.New(domain.KindNotFound, "no user with id %d", id)
		}
		login := string(loginRaw)

		users := tx.Bucket(bucketUsers)
		raw := users.Get([]byte(login))
		if raw == nil {
			return domain.New(domain.KindNotFound, "no user %q", login)
		}

		var u domain.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return err
		}
		oldTokenHash := u.TokenHash

		updated := f(&u)
		updatedRaw, err := json.Marshal(updated)
		if err != nil {
			return err
		}
		if err := users.Put([]byte(login), updatedRaw); err != nil {
			return err
		}

		if updated.TokenHash != oldTokenHash {
			toks := tx.Bucket(bucketUsersByTok)
			if err := toks.Delete([]byte(oldTokenHash)); err != nil {
				return err
			}
			if err := toks.Put([]byte(updated.TokenHash), []byte(login)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) NextUserID() (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		seq, err := tx.Bucket(bucketSeq).NextSequence()
		if err != nil {
			return err
		}
		id = seq
		return nil
	})
	if err != nil {
		return 0, domain.Wrap(domain.KindIoError, err, "allocating user id")
	}
	return id, nil
}

func (s *Store) Owners(name string) (map[uint64]bool, error) {
	result := map[uint64]bool{}
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketOwners).Get([]byte(name))
		if raw == nil {
			return nil
		}
		var ids []uint64
		if err := json.Unmarshal(raw, &ids); err != nil {
			return err
		}
		for _, id := range ids {
			result[id] = true
		}
		return nil
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindIoError, err, "reading owners of %q", name)
	}
	return result, nil
}

func (s *Store) AddOwners(name string, ids []uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketOwners)
		current := map[uint64]bool{}
		if raw := bucket.Get([]byte(name)); raw != nil {
			var existing []uint64
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			for _, id := range existing {
				current[id] = true
			}
		}
		for _, id := range ids {
			current[id] = true
		}
		return putOwnerSet(bucket, name, current)
	})
}

func (s *Store) RemoveOwners(name string, ids []uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketOwners)
		current := map[uint64]bool{}
		if raw := bucket.Get([]byte(name)); raw != nil {
			var existing []uint64
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			for _, id := range existing {
				current[id] = true
			}
		}
		for _, id := range ids {
			delete(current, id)
		}
		if len(current) == 0 {
			return domain.New(domain.KindLastOwner, "cannot remove last owner of %q", name)
		}
		return putOwnerSet(bucket, name, current)
	})
}

func putOwnerSet(bucket *bolt.Bucket, name string, set map[uint64]bool) error {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(name), raw)
}

func (s *Store) RecordKnownName(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKnownNames).Put([]byte(name), []byte{})
	})
}

// KnownNames returns every recorded name in lexicographic order, which
// bbolt already guarantees for keys within a bucket.
func (s *Store) KnownNames() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKnownNames).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindIoError, err, "listing known names")
	}
	return names, nil
}

func (s *Store) PutDescriptor(d domain.PackageDescriptor) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "encoding descriptor")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDescriptors).Put([]byte(d.Name), raw)
	})
}

func (s *Store) Descriptor(name string) (*domain.PackageDescriptor, error) {
	var d *domain.PackageDescriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDescriptors).Get([]byte(name))
		if raw == nil {
			return nil
		}
		var parsed domain.PackageDescriptor
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return err
		}
		d = &parsed
		return nil
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindIoError, err, "reading descriptor for %q", name)
	}
	return d, nil
}

func (s *Store) MirrorGet(name, vers string) (*metadata.MirrorCacheEntry, error) {
	var entry *metadata.MirrorCacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMirrorCache).Get(mirrorKey(name, vers))
		if raw == nil {
			return nil
		}
		var e metadata.MirrorCacheEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindIoError, err, "reading mirror cache for %s-%s", name, vers)
	}
	return entry, nil
}

func (s *Store) MirrorPut(entry metadata.MirrorCacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "encoding mirror cache entry")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMirrorCache).Put(mirrorKey(entry.Name, entry.Vers), raw)
	})
}

func (s *Store) MirrorEvict(name, vers string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMirrorCache).Delete(mirrorKey(name, vers))
	})
}

func idKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}
