// Package stats keeps coarse, short-lived operational counters in Redis.
//
// Counters land in half-hour buckets that expire after 25 hours, so the
// stats page always shows roughly the last day without any cleanup job.
// Keys are hierarchical ("g.failed.client.quota"): every prefix of a
// tracked key is incremented too, which makes aggregate queries free.
package stats

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	bucketCount    = 48
	bucketInterval = 30 * time.Minute
	bucketLifespan = 25 * time.Hour

	bucketPrefix = ":stats:"
	bucketFormat = "2006-01-02T15:04"
)

// Bucket is one interval's worth of counters
type Bucket struct {
	Name     string
	Counters map[string]int64
}

// Tracker increments and queries the counters. A Tracker with no Redis
// client is a no-op, so callers never need to branch.
type Tracker struct {
	client *redis.Client
	logger *logrus.Logger

	now func() time.Time
}

// NewTracker creates a stats tracker. client may be nil.
func NewTracker(client *redis.Client, logger *logrus.Logger) *Tracker {
	return &Tracker{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// Track increments the counter and all its dotted prefixes in the current
// bucket. Failures are logged and dropped; statistics never fail a request.
func (t *Tracker) Track(ctx context.Context, fullKey string) {
	if t.client == nil {
		return
	}

	bucket := t.bucketName(t.timestamp())
	subKeys := strings.Split(fullKey, ".")

	pipe := t.client.Pipeline()
	for i := 1; i <= len(subKeys); i++ {
		pipe.HIncrBy(ctx, bucket, strings.Join(subKeys[:i], "."), 1)
	}
	pipe.Expire(ctx, bucket, bucketLifespan)

	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.WithError(err).WithField("key", fullKey).Warn("Failed to track statistics")
	}
}

// Query returns the non-empty buckets of the last day, oldest first
func (t *Tracker) Query(ctx context.Context) ([]Bucket, error) {
	if t.client == nil {
		return nil, nil
	}

	timestamp := t.timestamp()
	names := make([]string, 0, bucketCount)
	for delta := 0; delta < bucketCount; delta++ {
		names = append(names, t.bucketName(timestamp.Add(-time.Duration(delta)*bucketInterval)))
	}

	pipe := t.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.HGetAll(ctx, name)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	var result []Bucket
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil || len(raw) == 0 {
			continue
		}

		counters := make(map[string]int64, len(raw))
		for key, value := range raw {
			n, _ := strconv.ParseInt(value, 10, 64)
			counters[key] = n
		}
		result = append(result, Bucket{Name: names[i], Counters: counters})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (t *Tracker) timestamp() time.Time {
	return t.now().UTC().Truncate(bucketInterval)
}

func (t *Tracker) bucketName(timestamp time.Time) string {
	return bucketPrefix + timestamp.Format(bucketFormat)
}
