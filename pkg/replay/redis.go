package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a durable Store for multi-node deployments. SET NX gives the
// atomic first-use semantics; keys never expire because a consumed pair is
// consumed forever.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

func key(pdoID, nonce string) string {
	return fmt.Sprintf("replay:%s:%s", pdoID, nonce)
}

func (s *RedisStore) Reserve(ctx context.Context, pdoID, nonce string) (bool, error) {
	first, err := s.client.SetNX(ctx, key(pdoID, nonce), time.Now().UTC().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return false, fmt.Errorf("replay: redis reserve: %w", err)
	}
	return first, nil
}

func (s *RedisStore) Seen(ctx context.Context, pdoID, nonce string) (bool, error) {
	n, err := s.client.Exists(ctx, key(pdoID, nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("replay: redis seen: %w", err)
	}
	return n == 1, nil
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }
