package storage

import (
	"context"
	"sync"

	"github.com/janiproxy/janiproxy/internal/xuid"
	"github.com/patrickmn/go-cache"
)

// MemoryStore implements a non-persistent in-process user storage.
// It is suitable only for a single-process development deployment.
type MemoryStore struct {
	records *cache.Cache

	mu           sync.Mutex
	held         map[string]bool
	announcement string
}

// NewMemoryStore creates an in-memory user storage
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: cache.New(cache.NoExpiration, cache.NoExpiration),
		held:    make(map[string]bool),
	}
}

func (m *MemoryStore) Active() bool {
	return true
}

func (m *MemoryStore) Get(ctx context.Context, id xuid.XUID) (Record, bool, error) {
	if val, found := m.records.Get(id.String()); found {
		return val.(Record), true, nil
	}
	return Record{}, false, nil
}

func (m *MemoryStore) Put(ctx context.Context, id xuid.XUID, data Record) (bool, error) {
	_, existed := m.records.Get(id.String())
	m.records.Set(id.String(), data, cache.NoExpiration)
	return existed, nil
}

func (m *MemoryStore) Remove(ctx context.Context, id xuid.XUID) error {
	m.records.Delete(id.String())
	return nil
}

func (m *MemoryStore) Lock(ctx context.Context, id xuid.XUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held[id.LockID()] {
		return false, nil
	}
	m.held[id.LockID()] = true
	return true, nil
}

func (m *MemoryStore) Unlock(ctx context.Context, id xuid.XUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Releasing a lock that is not held is swallowed
	delete(m.held, id.LockID())
	return nil
}

func (m *MemoryStore) Announcement(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.announcement
}

func (m *MemoryStore) SetAnnouncement(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announcement = text
	return nil
}
