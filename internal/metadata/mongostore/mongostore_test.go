package mongostore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/git-pkgs/registry-server/internal/domain"
	"github.com/git-pkgs/registry-server/internal/metadata"
)

// These tests exercise a real MongoDB instance and only run in CI, matching
// the pattern used for other networked-store components in this codebase.
func openCITestStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("CI") == "" {
		t.Skip("skip test for local development, requires a local mongod")
	}
	dbName := fmt.Sprintf("registry_test_%d", time.Now().UnixNano())
	s, err := Open(context.Background(), "mongodb://127.0.0.1:27017", dbName)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		s.db.Drop(s.ctx)
		s.Close()
	})
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := openCITestStore(t)

	id, err := s.NextUserID()
	if err != nil {
		t.Fatalf("NextUserID: %v", err)
	}
	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}

	if err := s.PutUser(&domain.User{ID: id, Login: "alice", TokenHash: "tok1"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	byLogin, err := s.UserByLogin("alice")
	if err != nil || byLogin == nil {
		t.Fatalf("UserByLogin: %v, %v", byLogin, err)
	}
	byTok, err := s.UserByTokenHash("tok1")
	if err != nil || byTok == nil {
		t.Fatalf("UserByTokenHash: %v, %v", byTok, err)
	}
}

func TestPutUserDuplicateLogin(t *testing.T) {
	s := openCITestStore(t)

	id1, _ := s.NextUserID()
	if err := s.PutUser(&domain.User{ID: id1, Login: "alice", TokenHash: "t1"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	id2, _ := s.NextUserID()
	err := s.PutUser(&domain.User{ID: id2, Login: "alice", TokenHash: "t2"})
	if domain.KindOf(err) != domain.KindAlreadyExists {
		t.Fatalf("expected KindAlreadyExists, got %v", err)
	}
}

func TestOwnersRemoveLastOwnerFails(t *testing.T) {
	s := openCITestStore(t)

	if err := s.AddOwners("widget", []uint64{1}); err != nil {
		t.Fatalf("AddOwners: %v", err)
	}
	if err := s.RemoveOwners("widget", []uint64{1}); domain.KindOf(err) != domain.KindLastOwner {
		t.Fatalf("expected KindLastOwner, got %v", err)
	}
}

func TestKnownNamesSortedOrder(t *testing.T) {
	s := openCITestStore(t)

	for _, n := range []string{"zeta", "alpha", "mid"} {
		if err := s.RecordKnownName(n); err != nil {
			t.Fatalf("RecordKnownName(%q): %v", n, err)
		}
	}

	names, err := s.KnownNames()
	if err != nil {
		t.Fatalf("KnownNames: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestDescriptorAndMirrorCacheRoundTrip(t *testing.T) {
	s := openCITestStore(t)

	if err := s.PutDescriptor(domain.PackageDescriptor{Name: "widget", MaxVersion: "1.0.0"}); err != nil {
		t.Fatalf("PutDescriptor: %v", err)
	}
	got, err := s.Descriptor("widget")
	if err != nil || got == nil {
		t.Fatalf("Descriptor: %v, %v", got, err)
	}

	if err := s.MirrorPut(metadata.MirrorCacheEntry{Name: "serde", Vers: "1.0.0", BlobPath: "serde/serde-1.0.0.crate", CachedAt: time.Now()}); err != nil {
		t.Fatalf("MirrorPut: %v", err)
	}
	entry, err := s.MirrorGet("serde", "1.0.0")
	if err != nil || entry == nil {
		t.Fatalf("MirrorGet: %v, %v", entry, err)
	}
}
