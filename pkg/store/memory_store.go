package store

import (
	"context"
	"errors"
	"sync"

	"pdfpage/pkg/domain"
)

// ErrEmailTaken is returned by SaveUser on a duplicate email,
// mirroring the unique index on the users table.
var ErrEmailTaken = errors.New("email already exists")

// MemoryStore keeps users and usage in-process. It backs tests and
// single-node development runs.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]domain.User // key: user ID
	email  map[string]string      // email -> user ID
	usage  map[string]domain.UsageRecord
	events []domain.UsageEvent
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]domain.User),
		email: make(map[string]string),
		usage: make(map[string]domain.UsageRecord),
	}
}

func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.email[u.Email]; ok && owner != u.ID {
		return ErrEmailTaken
	}
	if prev, ok := m.users[u.ID]; ok && prev.Email != u.Email {
		delete(m.email, prev.Email)
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) HasUserEmail(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) LoadUsage(_ context.Context, key string) (domain.UsageRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.usage[key]
	return rec, ok, nil
}

func (m *MemoryStore) SaveUsage(_ context.Context, rec domain.UsageRecord) error {
	m.mu.Lock()
	m.usage[rec.Key] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) AppendUsage(_ context.Context, ev domain.UsageEvent) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of the usage log in append order.
func (m *MemoryStore) Events() []domain.UsageEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.UsageEvent, len(m.events))
	copy(out, m.events)
	return out
}
