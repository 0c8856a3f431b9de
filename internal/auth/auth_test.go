package auth

import (
	"sync"
	"testing"

	"github.com/git-pkgs/registry-server/internal/domain"
)

type memStore struct {
	mu       sync.Mutex
	byLogin  map[string]*domain.User
	byID     map[uint64]*domain.User
	nextID   uint64
}

func newMemStore() *memStore {
	return &memStore{byLogin: map[string]*domain.User{}, byID: map[uint64]*domain.User{}}
}

func (m *memStore) UserByLogin(login string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byLogin[login]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) UserByID(id uint64) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) UserByTokenHash(hash string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.TokenHash == hash {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) PutUser(u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.byLogin[u.Login] = &cp
	m.byID[u.ID] = &cp
	return nil
}

func (m *memStore) UpdateUser(id uint64, f func(*domain.User) *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return domain.New(domain.KindNotFound, "no user %d", id)
	}
	cp := *u
	updated := f(&cp)
	m.byID[id] = updated
	m.byLogin[updated.Login] = updated
	return nil
}

func (m *memStore) NextUserID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID, nil
}

func fastParams() KDFParams {
	// Low-cost parameters so tests run quickly; production uses DefaultKDFParams.
	return KDFParams{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}
}

func TestNewUserAndAuthenticate(t *testing.T) {
	svc := New(newMemStore(), fastParams())

	token, err := svc.NewUser("alice", "p0")
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}

	id, err := svc.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}
}

func TestNewUserDuplicateLogin(t *testing.T) {
	svc := New(newMemStore(), fastParams())
	if _, err := svc.NewUser("alice", "p0"); err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	_, err := svc.NewUser("alice", "p1")
	if domain.KindOf(err) != domain.KindAlreadyExists {
		t.Fatalf("expected KindAlreadyExists, got %v", err)
	}
}

func TestTokenRotationInvalidatesOldToken(t *testing.T) {
	svc := New(newMemStore(), fastParams())
	t1, err := svc.NewUser("alice", "p0")
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}

	t2, err := svc.Login("alice", "p0")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, err := svc.Authenticate(t1); domain.KindOf(err) != domain.KindUnauthorized {
		t.Errorf("expected old token T1 to be unauthorized, got %v", err)
	}
	if _, err := svc.Authenticate(t2); err != nil {
		t.Errorf("expected new token T2 to authenticate, got %v", err)
	}
}

func TestChangePasswordRotatesToken(t *testing.T) {
	svc := New(newMemStore(), fastParams())
	t1, err := svc.NewUser("alice", "p0")
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}

	t2, err := svc.ChangePassword("alice", "p0", "p1")
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, err := svc.Authenticate(t1); domain.KindOf(err) != domain.KindUnauthorized {
		t.Errorf("expected T1 to be unauthorized after password change, got %v", err)
	}
	if _, err := svc.Authenticate(t2); err != nil {
		t.Errorf("expected T2 to authenticate, got %v", err)
	}

	if _, err := svc.Login("alice", "p0"); domain.KindOf(err) != domain.KindUnauthorized {
		t.Errorf("expected old password to be rejected")
	}
	if _, err := svc.Login("alice", "p1"); err != nil {
		t.Errorf("expected new password to authenticate, got %v", err)
	}
}

func TestPasswordHashNeverEqualsPlaintext(t *testing.T) {
	svc := New(newMemStore(), fastParams())
	hash, err := svc.hashPassword("hunter2")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	if hash == "hunter2" {
		t.Fatal("hash must not equal plaintext")
	}
}

func TestDistinctUsersSamePasswordDistinctHashes(t *testing.T) {
	svc := New(newMemStore(), fastParams())
	h1, _ := svc.hashPassword("samepassword")
	h2, _ := svc.hashPassword("samepassword")
	if h1 == h2 {
		t.Fatal("expected distinct salts to produce distinct hashes")
	}
}
