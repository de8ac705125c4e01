package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultRedisDialTimeout  = 5 * time.Second
	DefaultRedisReadTimeout  = 3 * time.Second
	DefaultRedisWriteTimeout = 3 * time.Second
)

// RedisStore keeps sessions in Redis as JSON documents with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr; keys are namespaced with prefix.
func NewRedisStore(addr, prefix string) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  DefaultRedisDialTimeout,
		ReadTimeout:  DefaultRedisReadTimeout,
		WriteTimeout: DefaultRedisWriteTimeout,
	})
	return &RedisStore{client: rdb, prefix: prefix}
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get loads a session.
func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	payload, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// Save writes the whole session with a fresh TTL.
func (r *RedisStore) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(sess.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	return nil
}

// Delete removes a session.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
