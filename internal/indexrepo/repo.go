// Package indexrepo manages the git-tracked package index: a working
// tree of newline-delimited-JSON files, one per package name, committed
// and pushed to a remote on every write. The fetch/reset/apply/commit/push
// retry loop is grounded in index_manager.rs's fetch-then-merge-then-push
// cycle; the retry backoff reuses fetch.Fetcher's exponential-backoff-with-
// jitter idiom via github.com/cenk/backoff, the same package the upstream
// mirror's circuit breaker uses.
package indexrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/git-pkgs/registry-server/internal/domain"
)

const defaultMaxPushAttempts = 5

// Repo manages a local clone of the index and pushes every write back to
// its origin remote. All writes go through a single mutex: spec's
// concurrency model treats the index as a single global writer, since git
// itself only fast-forwards one push at a time anyway.
type Repo struct {
	root            string
	branch          string
	auth            transport.AuthMethod
	maxPushAttempts int
	author          object.Signature

	mu   sync.Mutex
	repo *git.Repository
}

// Option configures a Repo.
type Option func(*Repo)

// WithAuth sets the transport auth method (HTTP basic/token or SSH key).
func WithAuth(auth transport.AuthMethod) Option {
	return func(r *Repo) { r.auth = auth }
}

// WithBranch overrides the default branch name ("main").
func WithBranch(branch string) Option {
	return func(r *Repo) { r.branch = branch }
}

// WithMaxPushAttempts bounds the fetch/rebase/push retry loop.
func WithMaxPushAttempts(n int) Option {
	return func(r *Repo) { r.maxPushAttempts = n }
}

// WithAuthor sets the commit author identity.
func WithAuthor(name, email string) Option {
	return func(r *Repo) {
		r.author = object.Signature{Name: name, Email: email}
	}
}

// Open clones remoteURL into root if root is not already a git working
// tree, then opens it. root's parent directories are created as needed.
func Open(ctx context.Context, remoteURL, root string, opts ...Option) (*Repo, error) {
	r := &Repo{
		root:            root,
		branch:          "main",
		maxPushAttempts: defaultMaxPushAttempts,
		author:          object.Signature{Name: "registry-server", Email: "registry-server@localhost"},
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(filepath.Dir(root), 0o755); err != nil {
		return nil, domain.Wrap(domain.KindIoError, err, "creating parent of %s", root)
	}

	repo, err := git.PlainOpen(root)
	if err == git.ErrRepositoryNotExists {
		repo, err = git.PlainCloneContext(ctx, root, false, &git.CloneOptions{
			URL:           remoteURL,
			Auth:          r.auth,
			ReferenceName: r.branchRef(),
			SingleBranch:  true,
		})
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindIoError, err, "opening index repository at %s", root)
	}

	r.repo = repo
	return r, nil
}

func (r *Repo) branchRef() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(r.branch)
}

// resetToOrigin fetches the remote and hard-resets the working tree onto
// origin/<branch>, discarding any local commits left over from a failed
// push attempt.
func (r *Repo) resetToOrigin(ctx context.Context) error {
	err := r.repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin", Auth: r.auth, Force: true})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("fetching origin: %w", err)
	}

	remoteRef, err := r.repo.Reference(plumbing.NewRemoteReferenceName("origin", r.branch), true)
	if err != nil {
		return fmt.Errorf("resolving origin/%s: %w", r.branch, err)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting to origin/%s: %w", r.branch, err)
	}
	return nil
}

// mutate applies fn to the working tree and commits+pushes the result,
// retrying the whole fetch/reset/apply/commit/push cycle on a rejected
// (non-fast-forward) push. Each retry re-runs fn against the freshly
// reset tree, so fn must be idempotent given the same starting state.
func (r *Repo) mutate(ctx context.Context, message string, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	var attempt int
	operation := func() error {
		attempt++
		if attempt > 1 {
			if err := r.resetToOrigin(ctx); err != nil {
				return domain.Wrap(domain.KindIoError, err, "resetting index before retry")
			}
		}

		if err := fn(); err != nil {
			return backoff.Permanent(err)
		}

		wt, err := r.repo.Worktree()
		if err != nil {
			return backoff.Permanent(domain.Wrap(domain.KindIoError, err, "opening worktree"))
		}

		if _, err := wt.Add("."); err != nil {
			return backoff.Permanent(domain.Wrap(domain.KindIoError, err, "staging index changes"))
		}

		status, err := wt.Status()
		if err != nil {
			return backoff.Permanent(domain.Wrap(domain.KindIoError, err, "checking worktree status"))
		}
		if status.IsClean() {
			return nil
		}

		now := r.author
		now.When = time.Now()
		if _, err := wt.Commit(message, &git.CommitOptions{Author: &now}); err != nil {
			return backoff.Permanent(domain.Wrap(domain.KindIoError, err, "committing index changes"))
		}

		err = r.repo.PushContext(ctx, &git.PushOptions{RemoteName: "origin", Auth: r.auth})
		if err == nil || err == git.NoErrAlreadyUpToDate {
			return nil
		}
		if attempt >= r.maxPushAttempts {
			return backoff.Permanent(domain.Wrap(domain.KindIndexBusy, err, "pushing index after %d attempts", attempt))
		}
		return domain.Wrap(domain.KindIndexBusy, err, "push rejected, retrying")
	}

	bounded := &maxTriesBackOff{inner: b, max: uint64(r.maxPushAttempts - 1)}
	if err := backoff.Retry(operation, bounded); err != nil {
		return err
	}
	return nil
}

// maxTriesBackOff wraps a backoff.BackOff to give up (return backoff.Stop)
// after a fixed number of retries, bounding the fetch/rebase/push loop.
type maxTriesBackOff struct {
	inner backoff.BackOff
	max   uint64
	tries uint64
}

func (m *maxTriesBackOff) NextBackOff() time.Duration {
	if m.tries >= m.max {
		return backoff.Stop
	}
	m.tries++
	return m.inner.NextBackOff()
}

func (m *maxTriesBackOff) Reset() {
	m.tries = 0
	m.inner.Reset()
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// AddVersion appends a new version line to name's index file, creating it
// if this is the name's first publish.
func (r *Repo) AddVersion(ctx context.Context, pkg domain.Package) error {
	path := filepath.Join(r.root, PathFor(pkg.Name))

	return r.mutate(ctx, fmt.Sprintf("add %s@%s", pkg.Name, pkg.Vers), func() error {
		existing, err := r.readPackages(pkg.Name)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Vers == pkg.Vers {
				return domain.New(domain.KindDuplicateVersion, "%s@%s already published", pkg.Name, pkg.Vers)
			}
		}
		existing = append(existing, pkg)

		raw, err := EncodeLines(existing)
		if err != nil {
			return err
		}
		return writeFileAtomic(path, raw)
	})
}

// SetYanked flips the yanked flag for name@vers and pushes the change.
func (r *Repo) SetYanked(ctx context.Context, name, vers string, yanked bool) error {
	path := filepath.Join(r.root, PathFor(name))

	verb := "yank"
	if !yanked {
		verb = "unyank"
	}

	return r.mutate(ctx, fmt.Sprintf("%s %s@%s", verb, name, vers), func() error {
		existing, err := r.readPackages(name)
		if err != nil {
			return err
		}

		found := false
		for i := range existing {
			if existing[i].Vers == vers {
				if existing[i].Yanked == yanked {
					kind := domain.KindAlreadyExists
					if yanked {
						return domain.New(kind, "%s@%s is already yanked", name, vers)
					}
					return domain.New(kind, "%s@%s is not yanked", name, vers)
				}
				existing[i].Yanked = yanked
				found = true
				break
			}
		}
		if !found {
			return domain.New(domain.KindNotFound, "%s@%s not found in index", name, vers)
		}

		raw, err := EncodeLines(existing)
		if err != nil {
			return err
		}
		return writeFileAtomic(path, raw)
	})
}

// Versions returns every published version of name, in index order.
func (r *Repo) Versions(name string) ([]domain.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readPackages(name)
}

func (r *Repo) readPackages(name string) ([]domain.Package, error) {
	path := filepath.Join(r.root, PathFor(name))
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindIoError, err, "reading index file for %q", name)
	}
	return DecodeLines(raw)
}
