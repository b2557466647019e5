package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/janiproxy/janiproxy/internal/config"
	"github.com/janiproxy/janiproxy/internal/xuid"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// announcementKey holds the shared broadcast notice. The leading colon
// keeps it out of the XUID keyspace.
const announcementKey = ":announcement"

// unlockScript releases a lock only when the stored token is ours, so an
// expired lock re-acquired by another process is never released by us.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore implements user storage shared across proxy instances.
// Locks are keys with a bounded TTL so an ungracefully terminated request
// cannot wedge a user forever.
type RedisStore struct {
	client      *redis.Client
	logger      *logrus.Logger
	lockTimeout time.Duration

	mu     sync.Mutex
	tokens map[string]string // lock key -> owner token
}

// NewRedisStore connects to Redis and returns a persistent user storage
func NewRedisStore(cfg *config.Config, logger *logrus.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client:      client,
		logger:      logger,
		lockTimeout: cfg.Storage.LockTimeout,
		tokens:      make(map[string]string),
	}, nil
}

func (r *RedisStore) Active() bool {
	return r.client != nil
}

func (r *RedisStore) Get(ctx context.Context, id xuid.XUID) (Record, bool, error) {
	data, err := r.client.Get(ctx, id.String()).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (r *RedisStore) Put(ctx context.Context, id xuid.XUID, data Record) (bool, error) {
	existed, err := r.client.Exists(ctx, id.String()).Result()
	if err != nil {
		return false, err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return false, err
	}

	// No expiration in the interactive path
	if err := r.client.Set(ctx, id.String(), payload, 0).Err(); err != nil {
		return false, err
	}
	return existed > 0, nil
}

func (r *RedisStore) Remove(ctx context.Context, id xuid.XUID) error {
	removed, err := r.client.Del(ctx, id.String()).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("no record for %s", id.Short())
	}
	return nil
}

func (r *RedisStore) Lock(ctx context.Context, id xuid.XUID) (bool, error) {
	token := newLockToken()

	acquired, err := r.client.SetNX(ctx, id.LockID(), token, r.lockTimeout).Result()
	if err != nil {
		return false, err
	}
	if acquired {
		r.mu.Lock()
		r.tokens[id.LockID()] = token
		r.mu.Unlock()
	}
	return acquired, nil
}

func (r *RedisStore) Unlock(ctx context.Context, id xuid.XUID) error {
	r.mu.Lock()
	token, ok := r.tokens[id.LockID()]
	delete(r.tokens, id.LockID())
	r.mu.Unlock()

	if !ok {
		return nil
	}

	// A zero result means the lock expired and possibly belongs to someone
	// else now; that is swallowed by the script itself.
	return unlockScript.Run(ctx, r.client, []string{id.LockID()}, token).Err()
}

func (r *RedisStore) Announcement(ctx context.Context) string {
	text, err := r.client.Get(ctx, announcementKey).Result()
	if err != nil && err != redis.Nil {
		r.logger.WithError(err).Warn("Failed to read announcement")
	}
	return text
}

func (r *RedisStore) SetAnnouncement(ctx context.Context, text string) error {
	if text == "" {
		return r.client.Del(ctx, announcementKey).Err()
	}
	return r.client.Set(ctx, announcementKey, text, 0).Err()
}

func newLockToken() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return hex.EncodeToString(buf[:])
}
