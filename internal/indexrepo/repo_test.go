package indexrepo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/git-pkgs/registry-server/internal/domain"
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

	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{originPath}}); err != nil {
		t.Fatalf("CreateRemote: %v", err)
	}
	if err := repo.Push(&git.PushOptions{RemoteName: "origin"}); err != nil {
		t.Fatalf("Push seed: %v", err)
	}

	return originPath
}

func openTestRepo(t *testing.T, originPath string) *Repo {
	t.Helper()
	r, err := Open(context.Background(), originPath, filepath.Join(t.TempDir(), "work"),
		WithBranch("main"), WithAuthor("test", "test@localhost"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func TestAddVersionAndReadBack(t *testing.T) {
	origin := newSeededOrigin(t)
	r := openTestRepo(t, origin)

	pkg := domain.Package{Name: "widget", Vers: "1.0.0", Cksum: "abc", Features: map[string][]string{}}
	if err := r.AddVersion(context.Background(), pkg); err != nil {
		t.Fatalf("AddVersion: %v", err)
	}

	versions, err := r.Versions("widget")
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(versions) != 1 || versions[0].Vers != "1.0.0" {
		t.Fatalf("versions = %+v, want one entry at 1.0.0", versions)
	}
}

func TestAddVersionRejectsDuplicate(t *testing.T) {
	origin := newSeededOrigin(t)
	r := openTestRepo(t, origin)

	pkg := domain.Package{Name: "widget", Vers: "1.0.0", Features: map[string][]string{}}
	if err := r.AddVersion(context.Background(), pkg); err != nil {
		t.Fatalf("AddVersion: %v", err)
	}

	err := r.AddVersion(context.Background(), pkg)
	if domain.KindOf(err) != domain.KindDuplicateVersion {
		t.Fatalf("expected KindDuplicateVersion, got %v", err)
	}
}

func TestYankAndUnyank(t *testing.T) {
	origin := newSeededOrigin(t)
	r := openTestRepo(t, origin)

	pkg := domain.Package{Name: "widget", Vers: "1.0.0", Features: map[string][]string{}}
	if err := r.AddVersion(context.Background(), pkg); err != nil {
		t.Fatalf("AddVersion: %v", err)
	}

	if err := r.SetYanked(context.Background(), "widget", "1.0.0", true); err != nil {
		t.Fatalf("SetYanked(yank): %v", err)
	}
	versions, _ := r.Versions("widget")
	if !versions[0].Yanked {
		t.Fatal("expected version to be yanked")
	}

	if err := r.SetYanked(context.Background(), "widget", "1.0.0", true); domain.KindOf(err) != domain.KindAlreadyExists {
		t.Fatalf("expected re-yanking to fail with KindAlreadyExists, got %v", err)
	}

	if err := r.SetYanked(context.Background(), "widget", "1.0.0", false); err != nil {
		t.Fatalf("SetYanked(unyank): %v", err)
	}
	versions, _ = r.Versions("widget")
	if versions[0].Yanked {
		t.Fatal("expected version to be unyanked")
	}
}

func TestYankMissingVersionNotFound(t *testing.T) {
	origin := newSeededOrigin(t)
	r := openTestRepo(t, origin)

	err := r.SetYanked(context.Background(), "widget", "9.9.9", true)
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

// TestConcurrentClonesRetryOnPushRejection simulates two independent
// clones of the same origin publishing different packages; the second
// writer's initial push is rejected as non-fast-forward and must recover
// by resetting to the new origin tip and reapplying its change.
func TestConcurrentClonesRetryOnPushRejection(t *testing.T) {
	origin := newSeededOrigin(t)

	r1 := openTestRepo(t, origin)
	r2, err := Open(context.Background(), origin, filepath.Join(t.TempDir(), "work2"),
		WithBranch("main"), WithAuthor("test2", "test2@localhost"))
	if err != nil {
		t.Fatalf("Open r2: %v", err)
	}

	if err := r1.AddVersion(context.Background(), domain.Package{Name: "alpha", Vers: "1.0.0", Features: map[string][]string{}}); err != nil {
		t.Fatalf("r1.AddVersion: %v", err)
	}

	// r2 is now behind origin; its first push attempt must be rejected and retried.
	if err := r2.AddVersion(context.Background(), domain.Package{Name: "beta", Vers: "1.0.0", Features: map[string][]string{}}); err != nil {
		t.Fatalf("r2.AddVersion: %v", err)
	}

	betaVersions, err := r2.Versions("beta")
	if err != nil || len(betaVersions) != 1 {
		t.Fatalf("r2 Versions(beta) = %+v, %v", betaVersions, err)
	}

	// A fresh clone from origin must see both packages.
	r3 := openTestRepo(t, origin)
	alphaVersions, err := r3.Versions("alpha")
	if err != nil || len(alphaVersions) != 1 {
		t.Fatalf("r3 Versions(alpha) = %+v, %v", alphaVersions, err)
	}
	betaFromOrigin, err := r3.Versions("beta")
	if err != nil || len(betaFromOrigin) != 1 {
		t.Fatalf("r3 Versions(beta) = %+v, %v", betaFromOrigin, err)
	}
}
