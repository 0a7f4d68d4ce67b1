package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voyagen/streamkeeper/internal/models"
)

// Redis wraps a go-redis client with JSON helpers, the verdict-cache Store
// implementation, the run lock, and the recheck job queue.
type Redis struct {
	client    *redis.Client
	freshness time.Duration
	retention time.Duration
}

const verdictKeyPrefix = "streamkeeper:verdict:"

// NewRedis parses a Redis URL (e.g. "redis://host:6379/0") and returns a
// connected client. Call Ping to verify the connection.
func NewRedis(rawURL string, freshness, retention time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{
		client:    redis.NewClient(opts),
		freshness: freshness,
		retention: retention,
	}, nil
}

// Ping checks the connection to Redis.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Get returns the cached record for url, or (nil, nil) when the key is
// absent or the record is older than the freshness window.
func (r *Redis) Get(ctx context.Context, url string) (*models.CacheRecord, error) {
	rec, err := r.load(ctx, url)
	if err != nil || rec == nil {
		return nil, err
	}
	if time.Since(rec.CheckedAt) > r.freshness {
		return nil, nil
	}
	return rec, nil
}

func (r *Redis) load(ctx context.Context, url string) (*models.CacheRecord, error) {
	raw, err := r.client.Get(ctx, verdictKeyPrefix+url).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", url, err)
	}
	var rec models.CacheRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("cache unmarshal %s: %w", url, err)
	}
	return &rec, nil
}

// Put upserts the record under the URL key with the retention window as
// TTL. Keys are written one URL at a time; concurrent puts for different
// URLs never contend.
func (r *Redis) Put(ctx context.Context, url string, working bool, qualityScore int) error {
	prev, err := r.load(ctx, url)
	if err != nil {
		return err
	}
	rec := fold(prev, url, working, qualityScore, time.Now())
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", url, err)
	}
	if err := r.client.Set(ctx, verdictKeyPrefix+url, data, r.retention).Err(); err != nil {
		return fmt.Errorf("cache put %s: %w", url, err)
	}
	return nil
}

// Evict is a no-op for Redis: the per-key TTL already enforces the
// retention horizon.
func (r *Redis) Evict(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}
