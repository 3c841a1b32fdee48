package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps dispatch records in Redis, which lets several relay
// instances share one suppression window. Expiry is delegated to Redis key
// TTLs, so no explicit eviction pass is needed.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore connects to Redis at the given URL and verifies the
// connection.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

// newRedisStoreFromClient exists so tests can back the store with an
// already-constructed client (e.g. one pointed at miniredis).
func newRedisStoreFromClient(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// ShouldDispatch implements domain.DedupStore. SET NX inserts the record
// and reports whether it was new in one atomic round trip.
func (s *RedisStore) ShouldDispatch(ctx context.Context, accountKey, postURI string) (bool, error) {
	key := "tagrelay:dispatch:" + accountKey + ":" + postURI
	inserted, err := s.rdb.SetNX(ctx, key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record dispatch: %w", err)
	}
	return inserted, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
