package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "labelrunner:"
	redisChannel   = "labelrunner:changes"
)

// RedisBackend stores values as plain redis strings and announces every write
// on a pub/sub channel so other processes can react.
type RedisBackend struct {
	client *redis.Client
	origin string
}

// NewRedisBackend connects to redisURL (redis://host:port/db).
func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBackend{client: client, origin: uuid.NewString()}, nil
}

// Load implements Backend.
func (r *RedisBackend) Load(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Save implements Backend. The change announcement is best-effort.
func (r *RedisBackend) Save(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, redisKeyPrefix+key, value, 0).Err(); err != nil {
		return err
	}
	_ = r.client.Publish(ctx, redisChannel, r.origin+"|"+key).Err()
	return nil
}

// Watch implements Watcher. Announcements made by this backend are skipped.
func (r *RedisBackend) Watch(ctx context.Context, fn func(key string)) error {
	sub := r.client.Subscribe(ctx, redisChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			origin, key, found := strings.Cut(msg.Payload, "|")
			if !found || origin == r.origin {
				continue
			}
			fn(key)
		}
	}
}

// Close implements Backend.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
