// Package storage persists per-user records keyed by XUID, together with
// the per-user lock used to serialize requests for the same user and the
// shared announcement string.
package storage

import (
	"context"
	"fmt"

	"github.com/janiproxy/janiproxy/internal/config"
	"github.com/janiproxy/janiproxy/internal/xuid"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Record is a flat user record of primitive values, serialized as a flat
// JSON object on persistent backends.
type Record map[string]any

// Store interface defines user storage operations.
//
// When a method returns a bool, it reports whether the given user exists
// (or existed) in the storage.
type Store interface {
	// Active reports whether the storage can be used. Using an inactive
	// storage will most likely cause errors.
	Active() bool

	// Get returns the user record. The bool is false and the record empty
	// if the user has never been stored.
	Get(ctx context.Context, id xuid.XUID) (Record, bool, error)

	// Put overwrites the user record unconditionally and reports whether
	// a prior record existed.
	Put(ctx context.Context, id xuid.XUID, data Record) (bool, error)

	// Remove deletes the user and their record.
	Remove(ctx context.Context, id xuid.XUID) error

	// Lock makes a non-blocking attempt to acquire the user's lock.
	// It returns false immediately if the lock is already held.
	Lock(ctx context.Context, id xuid.XUID) (bool, error)

	// Unlock releases the user's lock if this process holds it. Releasing
	// a lock owned by someone else (e.g. ours expired and was re-acquired)
	// is swallowed, not reported.
	Unlock(ctx context.Context, id xuid.XUID) error

	// Announcement returns the shared broadcast notice. Empty string means
	// no announcement. Read without locking; last writer wins.
	Announcement(ctx context.Context) string

	// SetAnnouncement replaces the shared broadcast notice.
	SetAnnouncement(ctx context.Context, text string) error
}

// Manager wraps the selected storage backend
type Manager struct {
	Store

	logger      *logrus.Logger
	redisClient *redis.Client // Store redis client reference
}

// NewManager creates a storage manager with the configured backend
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	manager := &Manager{
		logger: logger,
	}

	switch cfg.Storage.Type {
	case "redis":
		redisStore, err := NewRedisStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		manager.Store = redisStore
		// Store redis client reference for health and statistics
		manager.redisClient = redisStore.client
	case "memory":
		logger.Warn("Using in-memory user storage, records will not persist")
		manager.Store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return manager, nil
}

// RedisClient returns the Redis client if available
func (m *Manager) RedisClient() *redis.Client {
	return m.redisClient
}
