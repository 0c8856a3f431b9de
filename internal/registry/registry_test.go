package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/git-pkgs/registry-server/internal/blobstore"
	"github.com/git-pkgs/registry-server/internal/cargoproto"
	"github.com/git-pkgs/registry-server/internal/domain"
	"github.com/git-pkgs/registry-server/internal/indexrepo"
	"github.com/git-pkgs/registry-server/internal/metadata/boltstore"
)

func newSeededOrigin(t *testing.T) string {
	t.Helper()

	originPath := filepath.Join(t.TempDir(), "origin.git")
	if _, err := git.PlainInit(originPath, true); err != nil {
		t.Fatalf("PlainInit bare: %v", err)
	}

	seedDir := t.TempDir()
	repo, err := git.PlainInitWithOptions(seedDir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		t.Fatalf("PlainInit seed: %v", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(seedDir, ".gitkeep"), []byte(""), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := wt.Add(".gitkeep"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "seed", Email: "seed@localhost", When: time.Now()},
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{originPath}}); err != nil {
		t.Fatalf("CreateRemote: %v", err)
	}
	if err := repo.Push(&git.PushOptions{RemoteName: "origin"}); err != nil {
		t.Fatalf("Push seed: %v", err)
	}
	return originPath
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	origin := newSeededOrigin(t)
	idx, err := indexrepo.Open(context.Background(), origin, filepath.Join(t.TempDir(), "work"),
		indexrepo.WithBranch("main"), indexrepo.WithAuthor("test", "test@localhost"))
	if err != nil {
		t.Fatalf("indexrepo.Open: %v", err)
	}

	blobs, err := blobstore.New(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}

	store, err := boltstore.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("boltstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc, err := New(blobs, idx, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func publishReq(name, vers string) *cargoproto.PublishRequest {
	return &cargoproto.PublishRequest{
		Metadata: domain.Metadata{Name: name, Vers: vers, Description: "a widget library"},
		Tarball:  []byte("tarball-" + name + "-" + vers),
	}
}

func TestPublishFirstVersionAdoptsPublisherAsOwner(t *testing.T) {
	svc := newTestService(t)
	if err := svc.store.PutUser(&domain.User{ID: 1, Login: "alice", TokenHash: "tok-alice"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	warnings, err := svc.Publish(context.Background(), 1, publishReq("widget", "1.0.0"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(warnings.Other) != 0 {
		t.Errorf("expected no warnings on first publish, got %v", warnings.Other)
	}

	owners, err := svc.ListOwners("widget")
	if err != nil {
		t.Fatalf("ListOwners: %v", err)
	}
	if len(owners) != 1 || owners[0].ID != 1 {
		t.Fatalf("owners = %+v, want [{1 ...}]", owners)
	}
}

func TestPublishDuplicateVersionRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, 1, publishReq("widget", "1.0.0")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	_, err := svc.Publish(ctx, 1, publishReq("widget", "1.0.0"))
	if domain.KindOf(err) != domain.KindDuplicateVersion {
		t.Fatalf("expected KindDuplicateVersion, got %v", err)
	}
}

func TestPublishLowerVersionRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, 1, publishReq("widget", "2.0.0")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	_, err := svc.Publish(ctx, 1, publishReq("widget", "1.0.0"))
	if domain.KindOf(err) != domain.KindLowerVersion {
		t.Fatalf("expected KindLowerVersion, got %v", err)
	}
}

func TestPublishLowerVersionAllowedAfterHighestIsYanked(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, 1, publishReq("widget", "0.2.0")); err != nil {
		t.Fatalf("Publish 0.2.0: %v", err)
	}
	if err := svc.Yank(ctx, 1, "widget", "0.2.0"); err != nil {
		t.Fatalf("Yank 0.2.0: %v", err)
	}
	if _, err := svc.Publish(ctx, 1, publishReq("widget", "0.1.5")); err != nil {
		t.Fatalf("Publish 0.1.5 after yanking the only higher version should succeed: %v", err)
	}
}

func TestPublishByNonOwnerForbidden(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, 1, publishReq("widget", "1.0.0")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	_, err := svc.Publish(ctx, 2, publishReq("widget", "1.1.0"))
	if domain.KindOf(err) != domain.KindForbidden {
		t.Fatalf("expected KindForbidden, got %v", err)
	}
}

func TestYankRequiresOwnership(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, 1, publishReq("widget", "1.0.0")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := svc.Yank(ctx, 2, "widget", "1.0.0"); domain.KindOf(err) != domain.KindForbidden {
		t.Fatalf("expected KindForbidden for non-owner yank, got %v", err)
	}

	if err := svc.Yank(ctx, 1, "widget", "1.0.0"); err != nil {
		t.Fatalf("Yank: %v", err)
	}

	pkg, err := svc.GetVersion("widget", "1.0.0")
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if !pkg.Yanked {
		t.Fatal("expected version to be yanked")
	}
}

func TestOwnersAddAndRemoveLastOwnerFails(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, 1, publishReq("widget", "1.0.0")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := svc.store.PutUser(&domain.User{ID: 1, Login: "alice", TokenHash: "tok-alice"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := svc.store.PutUser(&domain.User{ID: 2, Login: "bob", TokenHash: "tok-bob"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	if err := svc.AddOwners(1, "widget", []string{"bob"}); err != nil {
		t.Fatalf("AddOwners: %v", err)
	}
	owners, _ := svc.ListOwners("widget")
	if len(owners) != 2 {
		t.Fatalf("owners = %+v, want 2", owners)
	}

	if err := svc.RemoveOwners(1, "widget", []string{"bob"}); err != nil {
		t.Fatalf("RemoveOwners: %v", err)
	}

	// An unknown login is rejected.
	if err := svc.RemoveOwners(1, "widget", []string{"alice-self-placeholder"}); err == nil {
		t.Fatal("expected resolveLogins to fail for unknown login")
	}

	// Removing the last remaining owner (self) must fail.
	if err := svc.RemoveOwners(1, "widget", []string{"alice"}); domain.KindOf(err) != domain.KindLastOwner {
		t.Fatalf("expected KindLastOwner, got %v", err)
	}
}

func TestSearchMatchesNameNotDescription(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, 1, publishReq("widget", "1.0.0")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := svc.Publish(ctx, 1, publishReq("gadget", "1.0.0")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	results, total, err := svc.Search("widget", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Name != "widget" {
		t.Fatalf("results = %+v", results)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}

	results, total, err = svc.Search("", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results for empty query, got %d", len(results))
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
}

func TestSearchTotalCountsAllMatchesBeforeLimiting(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"widget-a", "widget-b", "widget-c"} {
		if _, err := svc.Publish(ctx, 1, publishReq(name, "1.0.0")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	results, total, err := svc.Search("widget", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2 (limit)", len(results))
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3 (all matches before limiting)", total)
	}
}

func TestDownloadReturnsPublishedBytes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, 1, publishReq("widget", "1.0.0")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	data, err := svc.Download("widget", "1.0.0")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "tarball-widget-1.0.0" {
		t.Fatalf("got %q", data)
	}
}
