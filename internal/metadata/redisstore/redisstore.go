// Package redisstore implements the metadata.Store contract on top of a
// networked Redis instance: a hash of user records by login, secondary
// hashes for the id and token-hash indexes, sets for ownership, a sorted
// set for the known-names side-table (scored by insertion order so range
// scans stay cheap), and a JSON string key per descriptor/mirror-cache
// entry.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/git-pkgs/registry-server/internal/domain"
	"github.com/git-pkgs/registry-server/internal/metadata"
)

const (
	keyUsers        = "registry:users"         // hash: login -> User JSON
	keyUsersByID    = "registry:users_by_id"    // hash: id -> login
	keyUsersByToken = "registry:users_by_token" // hash: token hash -> login
	keyUserSeq      = "registry:user_seq"       // int counter
	keyKnownNames   = "registry:known_names"    // zset: name -> insertion index
)

func keyOwners(name string) string       { return fmt.Sprintf("registry:owners:%s", name) }
func keyDescriptor(name string) string   { return fmt.Sprintf("registry:descriptor:%s", name) }
func keyMirror(name, vers string) string { return fmt.Sprintf("registry:mirror:%s:%s", name, vers) }

// Store is a Redis-backed metadata.Store.
type Store struct {
	rdb *redis.Client
	ctx context.Context
}

// Open connects to addr (host:port) using the given database index.
func Open(ctx context.Context, addr string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "connecting to redis at %s", addr)
	}
	return &Store{rdb: rdb, ctx: ctx}, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) UserByLogin(login string) (*domain.User, error) {
	raw, err := s.rdb.HGet(s.ctx, keyUsers, login).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "reading user %q", login)
	}
	var u domain.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "decoding user %q", login)
	}
	return &u, nil
}

func (s *Store) UserByID(id uint64) (*domain.User, error) {
	login, err := s.rdb.HGet(s.ctx, keyUsersByID, fmt.Sprint(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "reading user id %d", id)
	}
	return s.UserByLogin(login)
}

func (s *Store) UserByTokenHash(hash string) (*domain.User, error) {
	login, err := s.rdb.HGet(s.ctx, keyUsersByToken, hash).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "reading token index")
	}
	return s.UserByLogin(login)
}

func (s *Store) PutUser(u *domain.User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "encoding user")
	}

	txf := func(tx *redis.Tx) error {
		exists, err := tx.HExists(s.ctx, keyUsers, u.Login).Result()
		if err != nil {
			return err
		}
		if exists {
			return domain.New(domain.KindAlreadyExists, "login %q already exists", u.Login)
		}
		_, err = tx.TxPipelined(s.ctx, func(p redis.Pipeliner) error {
			p.HSet(s.ctx, keyUsers, u.Login, raw)
			p.HSet(s.ctx, keyUsersByID, fmt.Sprint(u.ID), u.Login)
			p.HSet(s.ctx, keyUsersByToken, u.TokenHash, u.Login)
			return nil
		})
		return err
	}

	if err := s.rdb.Watch(s.ctx, txf, keyUsers); err != nil {
		if domain.KindOf(err) == domain.KindAlreadyExists {
			return err
		}
		return domain.Wrap(domain.KindUpstreamError, err, "storing user %q", u.Login)
	}
	return nil
}

func (s *Store) UpdateUser(id uint64, f func(*domain.User) *domain.User) error {
	login, err := s.rdb.HGet(s.ctx, keyUsersByID, fmt.Sprint(id)).Result()
	if err == redis.Nil {
		return domain.New(domain.KindNotFound, "no user with id %d", id)
	}
	if err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "reading user id %d", id)
	}

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(s.ctx, keyUsers, login).Result()
		if err == redis.Nil {
			return domain.New(domain.KindNotFound, "no user %q", login)
		}
		if err != nil {
			return err
		}

		var u domain.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return err
		}
		oldTokenHash := u.TokenHash

		updated := f(&u)
		updatedRaw, err := json.Marshal(updated)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(s.ctx, func(p redis.Pipeliner) error {
			p.HSet(s.ctx, keyUsers, login, updatedRaw)
			if updated.TokenHash != oldTokenHash {
				p.HDel(s.ctx, keyUsersByToken, oldTokenHash)
				p.HSet(s.ctx, keyUsersByToken, updated.TokenHash, login)
			}
			return nil
		})
		return err
	}

	if err := s.rdb.Watch(s.ctx, txf, keyUsers); err != nil {
		if err == redis.TxFailedErr {
			return s.UpdateUser(id, f)
		}
		if k := domain.KindOf(err); k == domain.KindNotFound {
			return err
		}
		return domain.Wrap(domain.KindUpstreamError, err, "updating user id %d", id)
	}
	return nil
}

func (s *Store) NextUserID() (uint64, error) {
	id, err := s.rdb.Incr(s.ctx, keyUserSeq).Result()
	if err != nil {
		return 0, domain.Wrap(domain.KindUpstreamError, err, "allocating user id")
	}
	return uint64(id), nil
}

func (s *Store) Owners(name string) (map[uint64]bool, error) {
	members, err := s.rdb.SMembers(s.ctx, keyOwners(name)).Result()
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "reading owners of %q", name)
	}
	result := map[uint64]bool{}
	for _, m := range members {
		var id uint64
		if _, err := fmt.Sscan(m, &id); err != nil {
			continue
		}
		result[id] = true
	}
	return result, nil
}

func (s *Store) AddOwners(name string, ids []uint64) error {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = fmt.Sprint(id)
	}
	if err := s.rdb.SAdd(s.ctx, keyOwners(name), members...).Err(); err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "adding owners to %q", name)
	}
	return nil
}

func (s *Store) RemoveOwners(name string, ids []uint64) error {
	key := keyOwners(name)
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = fmt.Sprint(id)
	}

	txf := func(tx *redis.Tx) error {
		count, err := tx.SCard(s.ctx, key).Result()
		if err != nil {
			return err
		}
		if count <= int64(len(ids)) {
			remaining, err := tx.SMembers(s.ctx, key).Result()
			if err != nil {
				return err
			}
			removing := map[string]bool{}
			for _, m := range members {
				removing[m.(string)] = true
			}
			stillThere := 0
			for _, m := range remaining {
				if !removing[m] {
					stillThere++
				}
			}
			if stillThere == 0 {
				return domain.New(domain.KindLastOwner, "cannot remove last owner of %q", name)
			}
		}
		_, err = tx.TxPipelined(s.ctx, func(p redis.Pipeliner) error {
			p.SRem(s.ctx, key, members...)
			return nil
		})
		return err
	}

	if err := s.rdb.Watch(s.ctx, txf, key); err != nil {
		if domain.KindOf(err) == domain.KindLastOwner {
			return err
		}
		return domain.Wrap(domain.KindUpstreamError, err, "removing owners from %q", name)
	}
	return nil
}

func (s *Store) RecordKnownName(name string) error {
	// NX: only assign a fresh sequence score to names not already present,
	// so re-publishing an existing package does not disturb its position.
	score, err := s.rdb.ZCard(s.ctx, keyKnownNames).Result()
	if err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "reading known-names size")
	}
	added, err := s.rdb.ZAddNX(s.ctx, keyKnownNames, redis.Z{Score: float64(score), Member: name}).Result()
	if err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "recording known name %q", name)
	}
	_ = added
	return nil
}

func (s *Store) KnownNames() ([]string, error) {
	names, err := s.rdb.ZRange(s.ctx, keyKnownNames, 0, -1).Result()
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "listing known names")
	}
	return names, nil
}

func (s *Store) PutDescriptor(d domain.PackageDescriptor) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "encoding descriptor")
	}
	if err := s.rdb.Set(s.ctx, keyDescriptor(d.Name), raw, 0).Err(); err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "storing descriptor for %q", d.Name)
	}
	return nil
}

func (s *Store) Descriptor(name string) (*domain.PackageDescriptor, error) {
	raw, err := s.rdb.Get(s.ctx, keyDescriptor(name)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "reading descriptor for %q", name)
	}
	var d domain.PackageDescriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "decoding descriptor for %q", name)
	}
	return &d, nil
}

func (s *Store) MirrorGet(name, vers string) (*metadata.MirrorCacheEntry, error) {
	raw, err := s.rdb.Get(s.ctx, keyMirror(name, vers)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "reading mirror cache for %s-%s", name, vers)
	}
	var e metadata.MirrorCacheEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "decoding mirror cache entry")
	}
	return &e, nil
}

func (s *Store) MirrorPut(entry metadata.MirrorCacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "encoding mirror cache entry")
	}
	if err := s.rdb.Set(s.ctx, keyMirror(entry.Name, entry.Vers), raw, 0).Err(); err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "storing mirror cache entry")
	}
	return nil
}

func (s *Store) MirrorEvict(name, vers string) error {
	if err := s.rdb.Del(s.ctx, keyMirror(name, vers)).Err(); err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "evicting mirror cache entry")
	}
	return nil
}
