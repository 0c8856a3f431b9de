// Package mongostore implements the metadata.Store contract on top of a
// MongoDB document store: one collection per entity (users, owners,
// known names, descriptors, mirror cache). User documents are inserted
// once and then updated by id; the others are upserted by their natural
// key. The collection-per-entity layout follows
// mongo_db_manager.rs's USERS_KEY/TOKENS_KEY/ENTRIES_KEY separation from
// the reference implementation this store replaces.
package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/git-pkgs/registry-server/internal/domain"
	"github.com/git-pkgs/registry-server/internal/metadata"
)

const (
	collUsers       = "users"
	collOwners      = "owners"
	collKnownNames  = "known_names"
	collDescriptors = "descriptors"
	collMirrorCache = "mirror_cache"
	collCounters    = "counters"
)

type userDoc struct {
	ID           uint64 `bson:"id"`
	Login        string `bson:"login"`
	PasswordHash string `bson:"password_hash"`
	TokenHash    string `bson:"token_hash"`
}

func (d userDoc) toDomain() *domain.User {
	return &domain.User{ID: d.ID, Login: d.Login, PasswordHash: d.PasswordHash, TokenHash: d.TokenHash}
}

type ownersDoc struct {
	Name string   `bson:"name"`
	IDs  []uint64 `bson:"ids"`
}

type counterDoc struct {
	Name  string `bson:"name"`
	Value uint64 `bson:"value"`
}

// Store is a MongoDB-backed metadata.Store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	ctx    context.Context
}

// Open connects to uri and selects database dbName.
func Open(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "connecting to mongodb at %s", uri)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "pinging mongodb")
	}
	return &Store{client: client, db: client.Database(dbName), ctx: ctx}, nil
}

func (s *Store) Close() error {
	return s.client.Disconnect(s.ctx)
}

func (s *Store) UserByLogin(login string) (*domain.User, error) {
	var doc userDoc
	err := s.db.Collection(collUsers).FindOne(s.ctx, bson.M{"login": login}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "reading user %q", login)
	}
	return doc.toDomain(), nil
}

func (s *Store) UserByID(id uint64) (*domain.User, error) {
	var doc userDoc
	err := s.db.Collection(collUsers).FindOne(s.ctx, bson.M{"id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "reading user id %d", id)
	}
	return doc.toDomain(), nil
}

func (s *Store) UserByTokenHash(hash string) (*domain.User, error) {
	var doc userDoc
	err := s.db.Collection(collUsers).FindOne(s.ctx, bson.M{"token_hash": hash}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "reading token index")
	}
	return doc.toDomain(), nil
}

func (s *Store) PutUser(u *domain.User) error {
	coll := s.db.Collection(collUsers)

	count, err := coll.CountDocuments(s.ctx, bson.M{"login": u.Login})
	if err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "checking existing login %q", u.Login)
	}
	if count > 0 {
		return domain.New(domain.KindAlreadyExists, "login %q already exists", u.Login)
	}

	_, err = coll.InsertOne(s.ctx, userDoc{ID: u.ID, Login: u.Login, PasswordHash: u.PasswordHash, TokenHash: u.TokenHash})
	if err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "inserting user %q", u.Login)
	}
	return nil
}

func (s *Store) UpdateUser(id uint64, f func(*domain.User) *domain.User) error {
	coll := s.db.Collection(collUsers)

	var doc userDoc
	if err := coll.FindOne(s.ctx, bson.M{"id": id}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return domain.New(domain.KindNotFound, "no user with id %d", id)
		}
		return domain.Wrap(domain.KindUpstreamError, err, "reading user id %d", id)
	}

	updated := f(doc.toDomain())
	res, err := coll.UpdateOne(s.ctx, bson.M{"id": id, "password_hash": doc.PasswordHash, "token_hash": doc.TokenHash}, bson.M{"$set": bson.M{
		"login":         updated.Login,
		"password_hash": updated.PasswordHash,
		"token_hash":    updated.TokenHash,
	}})
	if err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "updating user id %d", id)
	}
	if res.MatchedCount == 0 {
		return s.UpdateUser(id, f)
	}
	return nil
}

func (s *Store) NextUserID() (uint64, error) {
	coll := s.db.Collection(collCounters)
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc counterDoc
	err := coll.FindOneAndUpdate(s.ctx, bson.M{"name": "user_id"}, bson.M{"$inc": bson.M{"value": 1}}, opts).Decode(&doc)
	if err != nil {
		return 0, domain.Wrap(domain.KindUpstreamError, err, "allocating user id")
	}
	return doc.Value, nil
}

func (s *Store) Owners(name string) (map[uint64]bool, error) {
	var doc ownersDoc
	err := s.db.Collection(collOwners).FindOne(s.ctx, bson.M{"name": name}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return map[uint64]bool{}, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "reading owners of %q", name)
	}
	result := make(map[uint64]bool, len(doc.IDs))
	for _, id := range doc.IDs {
		result[id] = true
	}
	return result, nil
}

func (s *Store) AddOwners(name string, ids []uint64) error {
	current, err := s.Owners(name)
	if err != nil {
		return err
	}
	for _, id := range ids {
		current[id] = true
	}
	return s.putOwnerSet(name, current)
}

func (s *Store) RemoveOwners(name string, ids []uint64) error {
	current, err := s.Owners(name)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(current, id)
	}
	if len(current) == 0 {
		return domain.New(domain.KindLastOwner, "cannot remove last owner of %q", name)
	}
	return s.putOwnerSet(name, current)
}

func (s *Store) putOwnerSet(name string, set map[uint64]bool) error {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	opts := options.Update().SetUpsert(true)
	_, err := s.db.Collection(collOwners).UpdateOne(s.ctx, bson.M{"name": name}, bson.M{"$set": bson.M{"name": name, "ids": ids}}, opts)
	if err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "storing owners of %q", name)
	}
	return nil
}

func (s *Store) RecordKnownName(name string) error {
	opts := options.Update().SetUpsert(true)
	_, err := s.db.Collection(collKnownNames).UpdateOne(s.ctx, bson.M{"name": name}, bson.M{"$set": bson.M{"name": name}}, opts)
	if err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "recording known name %q", name)
	}
	return nil
}

func (s *Store) KnownNames() ([]string, error) {
	opts := options.Find().SetSort(bson.M{"name": 1})
	cursor, err := s.db.Collection(collKnownNames).Find(s.ctx, bson.M{}, opts)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "listing known names")
	}
	defer cursor.Close(s.ctx)

	var names []string
	for cursor.Next(s.ctx) {
		var doc struct {
			Name string `bson:"name"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, domain.Wrap(domain.KindInternal, err, "decoding known name")
		}
		names = append(names, doc.Name)
	}
	return names, nil
}

func (s *Store) PutDescriptor(d domain.PackageDescriptor) error {
	opts := options.Update().SetUpsert(true)
	_, err := s.db.Collection(collDescriptors).UpdateOne(s.ctx, bson.M{"name": d.Name}, bson.M{"$set": d}, opts)
	if err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "storing descriptor for %q", d.Name)
	}
	return nil
}

func (s *Store) Descriptor(name string) (*domain.PackageDescriptor, error) {
	var d domain.PackageDescriptor
	err := s.db.Collection(collDescriptors).FindOne(s.ctx, bson.M{"name": name}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "reading descriptor for %q", name)
	}
	return &d, nil
}

type mirrorDoc struct {
	Name     string    `bson:"name"`
	Vers     string    `bson:"vers"`
	BlobPath string    `bson:"blob_path"`
	CachedAt time.Time `bson:"cached_at"`
}

func (s *Store) MirrorGet(name, vers string) (*metadata.MirrorCacheEntry, error) {
	var doc mirrorDoc
	err := s.db.Collection(collMirrorCache).FindOne(s.ctx, bson.M{"name": name, "vers": vers}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamError, err, "reading mirror cache for %s-%s", name, vers)
	}
	return &metadata.MirrorCacheEntry{Name: doc.Name, Vers: doc.Vers, BlobPath: doc.BlobPath, CachedAt: doc.CachedAt}, nil
}

func (s *Store) MirrorPut(entry metadata.MirrorCacheEntry) error {
	opts := options.Update().SetUpsert(true)
	doc := mirrorDoc{Name: entry.Name, Vers: entry.Vers, BlobPath: entry.BlobPath, CachedAt: entry.CachedAt}
	_, err := s.db.Collection(collMirrorCache).UpdateOne(s.ctx, bson.M{"name": entry.Name, "vers": entry.Vers}, bson.M{"$set": doc}, opts)
	if err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "storing mirror cache entry")
	}
	return nil
}

func (s *Store) MirrorEvict(name, vers string) error {
	_, err := s.db.Collection(collMirrorCache).DeleteOne(s.ctx, bson.M{"name": name, "vers": vers})
	if err != nil {
		return domain.Wrap(domain.KindUpstreamError, err, "evicting mirror cache entry")
	}
	return nil
}
