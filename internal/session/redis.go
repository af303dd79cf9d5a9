package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "argos:session:"

// RedisStore keeps sessions as JSON strings with a key TTL.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore connects to addr and checks the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("NewRedisStore: ping %s: %w", addr, err)
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

func sessionKey(id string) string { return keyPrefix + id }

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	data, err := r.rdb.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("RedisStore.Load: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("RedisStore.Load: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("RedisStore.Load: decode %s: %w", id, err)
	}
	return &s, nil
}

// Save implements Store. Every save renews the TTL.
func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	if s.ID == "" {
		return fmt.Errorf("RedisStore.Save: session id is required")
	}
	s.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("RedisStore.Save: encode: %w", err)
	}
	if err := r.rdb.Set(ctx, sessionKey(s.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("RedisStore.Save: %w", err)
	}
	return nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("RedisStore.Delete: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
