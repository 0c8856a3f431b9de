// Package blobstore implements the content-addressed filesystem store for
// published tarballs (spec §4.1). A Store serves a single root; the serve
// command passes the same Store to the registry and to the mirror, so
// locally published and cached upstream tarballs share that root.
package blobstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/git-pkgs/registry-server/internal/domain"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.+_-]*$`)

// Store is a content-addressed filesystem tarball store rooted at a
// single directory.
type Store struct {
	root string
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, domain.Wrap(domain.KindIoError, err, "creating blob root %s", root)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(name, vers string) (string, error) {
	if !namePattern.MatchString(name) {
		return "", domain.New(domain.KindBadRequest, "invalid package name %q", name)
	}
	if !versionPattern.MatchString(vers) {
		return "", domain.New(domain.KindBadRequest, "invalid version %q", vers)
	}
	return filepath.Join(s.root, name, fmt.Sprintf("%s-%s.crate", name, vers)), nil
}

// Put writes the tarball for (name, vers). It is idempotent when the
// existing content is byte-identical, and fails with Conflict-equivalent
// (KindAlreadyExists) when it differs.
func (s *Store) Put(name, vers string, data []byte) (string, error) {
	path, err := s.path(name, vers)
	if err != nil {
		return "", err
	}

	if existing, err := os.ReadFile(path); err == nil {
		if bytes.Equal(existing, data) {
			return path, nil
		}
		return "", domain.New(domain.KindAlreadyExists, "blob for %s-%s already exists with different content", name, vers)
	} else if !os.IsNotExist(err) {
		return "", domain.Wrap(domain.KindIoError, err, "reading existing blob %s-%s", name, vers)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", domain.Wrap(domain.KindIoError, err, "creating blob directory for %s", name)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", domain.Wrap(domain.KindIoError, err, "creating temp file for %s-%s", name, vers)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", domain.Wrap(domain.KindIoError, err, "writing temp file for %s-%s", name, vers)
	}
	if err := tmp.Close(); err != nil {
		return "", domain.Wrap(domain.KindIoError, err, "closing temp file for %s-%s", name, vers)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", domain.Wrap(domain.KindIoError, err, "renaming blob into place for %s-%s", name, vers)
	}

	return path, nil
}

// Get returns the tarball bytes for (name, vers).
func (s *Store) Get(name, vers string) ([]byte, error) {
	path, err := s.path(name, vers)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, domain.New(domain.KindNotFound, "no blob for %s-%s", name, vers)
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindIoError, err, "reading blob %s-%s", name, vers)
	}
	return data, nil
}

// Delete removes a blob, used as a compensating action when an index
// commit fails after the blob was written (spec §4.5 step 5-6).
func (s *Store) Delete(name, vers string) error {
	path, err := s.path(name, vers)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return domain.Wrap(domain.KindIoError, err, "deleting blob %s-%s", name, vers)
	}
	return nil
}

// Open returns a reader for the tarball, for streaming downloads without
// buffering the whole file.
func (s *Store) Open(name, vers string) (io.ReadCloser, int64, error) {
	path, err := s.path(name, vers)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, domain.New(domain.KindNotFound, "no blob for %s-%s", name, vers)
	}
	if err != nil {
		return nil, 0, domain.Wrap(domain.KindIoError, err, "opening blob %s-%s", name, vers)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, domain.Wrap(domain.KindIoError, err, "stat blob %s-%s", name, vers)
	}

	return f, info.Size(), nil
}
