// Package auth implements password hashing and token issuance (spec
// §4.4). Password hashing uses Argon2id (golang.org/x/crypto/argon2), the
// same KDF family go-gitea-gitea defaults new accounts to. Token hashing
// uses crypto/sha256 over a fixed-length random token, for which no
// memory-hard KDF is warranted — see DESIGN.md.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/git-pkgs/registry-server/internal/domain"
)

// KDFParams tunes the Argon2id cost parameters. Defaults follow RFC 9106's
// "low-memory" recommendation, matching spec §4.4's "memory-hard password
// KDF ... the specific KDF is a configuration item" guidance.
type KDFParams struct {
	Time    uint32
	MemoryKiB uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

// DefaultKDFParams returns RFC 9106 "low-memory" parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4, KeyLen: 32, SaltLen: 16}
}

const tokenLen = 32

// Store is the subset of the metadata store contract the auth service
// needs: user lookup/creation and token-hash updates. It is satisfied by
// metadata.Store.
type Store interface {
	UserByLogin(login string) (*domain.User, error)
	UserByID(id uint64) (*domain.User, error)
	PutUser(u *domain.User) error
	UpdateUser(id uint64, f func(*domain.User) *domain.User) error
	NextUserID() (uint64, error)
}

// Service implements spec §4.4 over a Store.
type Service struct {
	store  Store
	params KDFParams
}

// New constructs an auth Service.
func New(store Store, params KDFParams) *Service {
	return &Service{store: store, params: params}
}

// hashPassword returns an encoded "salt$hash" string. Only the salt is
// stored with the hash; verification re-derives with that salt and the
// Service's current KDF parameters.
func (s *Service) hashPassword(password string) (string, error) {
	salt := make([]byte, s.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", domain.Wrap(domain.KindInternal, err, "generating salt")
	}

	hash := argon2.IDKey([]byte(password), salt, s.params.Time, s.params.MemoryKiB, s.params.Threads, s.params.KeyLen)

	return fmt.Sprintf("%s$%s", base64.RawStdEncoding.EncodeToString(salt), base64.RawStdEncoding.EncodeToString(hash)), nil
}

func (s *Service) verifyPassword(encoded, password string) bool {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(password), salt, s.params.Time, s.params.MemoryKiB, s.params.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

func newToken() (plaintext, hash string, err error) {
	buf := make([]byte, tokenLen)
	if _, err := rand.Read(buf); err != nil {
		return "", "", domain.Wrap(domain.KindInternal, err, "generating token")
	}
	plaintext = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(plaintext))
	hash = hex.EncodeToString(sum[:])
	return plaintext, hash, nil
}

// NewUser creates an account and returns its token in plaintext. It is
// the caller's only chance to observe the plaintext token; storage holds
// only its hash.
func (s *Service) NewUser(login, password string) (string, error) {
	if existing, err := s.store.UserByLogin(login); err != nil {
		return "", err
	} else if existing != nil {
		return "", domain.New(domain.KindAlreadyExists, "login %q already exists", login)
	}

	id, err := s.store.NextUserID()
	if err != nil {
		return "", err
	}

	passwordHash, err := s.hashPassword(password)
	if err != nil {
		return "", err
	}

	token, tokenHash, err := newToken()
	if err != nil {
		return "", err
	}

	user := &domain.User{ID: id, Login: login, PasswordHash: passwordHash, TokenHash: tokenHash}
	if err := s.store.PutUser(user); err != nil {
		return "", err
	}

	return token, nil
}

// Login verifies the password and rotates the token, invalidating any
// previously issued token for this user.
func (s *Service) Login(login, password string) (string, error) {
	user, err := s.store.UserByLogin(login)
	if err != nil {
		return "", err
	}
	if user == nil || !s.verifyPassword(user.PasswordHash, password) {
		return "", domain.New(domain.KindUnauthorized, "invalid credentials for %q", login)
	}

	token, tokenHash, err := newToken()
	if err != nil {
		return "", err
	}

	if err := s.store.UpdateUser(user.ID, func(u *domain.User) *domain.User {
		u.TokenHash = tokenHash
		return u
	}); err != nil {
		return "", err
	}

	return token, nil
}

// ChangePassword verifies the old password, replaces the stored hash, and
// rotates the token.
func (s *Service) ChangePassword(login, oldPassword, newPassword string) (string, error) {
	user, err := s.store.UserByLogin(login)
	if err != nil {
		return "", err
	}
	if user == nil || !s.verifyPassword(user.PasswordHash, oldPassword) {
		return "", domain.New(domain.KindUnauthorized, "invalid credentials for %q", login)
	}

	newHash, err := s.hashPassword(newPassword)
	if err != nil {
		return "", err
	}

	token, tokenHash, err := newToken()
	if err != nil {
		return "", err
	}

	if err := s.store.UpdateUser(user.ID, func(u *domain.User) *domain.User {
		u.PasswordHash = newHash
		u.TokenHash = tokenHash
		return u
	}); err != nil {
		return "", err
	}

	return token, nil
}

// Authenticate resolves a plaintext token to a user ID.
func (s *Service) Authenticate(tokenPlaintext string) (uint64, error) {
	sum := sha256.Sum256([]byte(tokenPlaintext))
	tokenHash := hex.EncodeToString(sum[:])

	user, err := s.findByTokenHash(tokenHash)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, domain.New(domain.KindUnauthorized, "unknown or rotated token")
	}
	return user.ID, nil
}

// findByTokenHash looks the token hash up through the store's optional
// UserByTokenHash method, backed by the token-hash index each metadata
// driver maintains; a store without that method yields KindInternal.
func (s *Service) findByTokenHash(tokenHash string) (*domain.User, error) {
	type tokenLookup interface {
		UserByTokenHash(hash string) (*domain.User, error)
	}
	if tl, ok := s.store.(tokenLookup); ok {
		return tl.UserByTokenHash(tokenHash)
	}
	return nil, domain.New(domain.KindInternal, "metadata store does not support token lookup")
}
