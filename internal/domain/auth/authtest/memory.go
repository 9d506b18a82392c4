// Package authtest provides an in-memory auth.Repository for tests.
package authtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xenking/tonearm/internal/domain/auth"
)

var _ auth.Repository = (*MemoryRepository)(nil)

// MemoryRepository is a goroutine-safe auth.Repository backed by maps.
// Setting Err makes every call fail with it.
type MemoryRepository struct {
	mu          sync.Mutex
	identities  map[int64]*auth.Identity
	credentials map[int64]*auth.Credential
	nextID      int64

	Err error
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		identities:  make(map[int64]*auth.Identity),
		credentials: make(map[int64]*auth.Credential),
	}
}

func (m *MemoryRepository) CreateCredential(_ context.Context, c *auth.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.identities[c.OwnerID]; !ok {
		return auth.ErrNotFound
	}
	m.insertLocked(c)
	return nil
}

func (m *MemoryRepository) CreateIdentity(_ context.Context, c *auth.Credential) (*auth.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.nextID++
	id := &auth.Identity{ID: m.nextID}
	m.identities[id.ID] = id
	if c != nil {
		c.OwnerID = id.ID
		m.insertLocked(c)
	}
	return &auth.Identity{ID: id.ID}, nil
}

func (m *MemoryRepository) FindCredential(_ context.Context, l auth.Lookup) (*auth.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, c := range m.credentials {
		if c.Digest == l.Digest && c.Prefix == l.Prefix && c.Algorithm == l.Algorithm && !c.Revoked() {
			out := *c
			return &out, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *MemoryRepository) FindIdentity(_ context.Context, id int64) (*auth.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	i, ok := m.identities[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &auth.Identity{ID: i.ID}, nil
}

func (m *MemoryRepository) ListCredentials(_ context.Context, ownerID int64) ([]auth.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []auth.Credential
	for _, c := range m.credentials {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *MemoryRepository) RevokeCredential(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	c, ok := m.credentials[id]
	if !ok || c.Revoked() {
		return auth.ErrNotFound
	}
	c.RevokedAt = &at
	return nil
}

// DeleteIdentity removes an identity without touching its credentials,
// simulating a dangling owner reference.
func (m *MemoryRepository) DeleteIdentity(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.identities, id)
}

// Credentials returns a snapshot of every stored credential.
func (m *MemoryRepository) Credentials() []auth.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]auth.Credential, 0, len(m.credentials))
	for _, c := range m.credentials {
		out = append(out, *c)
	}
	return out
}

func (m *MemoryRepository) insertLocked(c *auth.Credential) {
	m.nextID++
	c.ID = m.nextID
	c.CreatedAt = time.Now()
	stored := *c
	m.credentials[c.ID] = &stored
}
