package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/myopenclawagent/internal/domain"
)

const defaultSessionPrefix = "session:"

// Compile-time interface check.
var _ SessionBackend = (*RedisSessions)(nil)

// RedisSessions stores each session as a JSON value with a native expiry.
type RedisSessions struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
}

// RedisOption configures RedisSessions.
type RedisOption func(*RedisSessions)

// WithPrefix sets the key prefix for session keys.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisSessions) { s.prefix = prefix }
}

// WithOpTimeout bounds every Redis call made by the backend.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(s *RedisSessions) { s.opTimeout = d }
}

// NewRedisSessions creates a Redis-backed session backend.
func NewRedisSessions(client *redis.Client, opts ...RedisOption) *RedisSessions {
	s := &RedisSessions{
		client:    client,
		prefix:    defaultSessionPrefix,
		opTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSessions) key(id string) string {
	return s.prefix + id
}

func (s *RedisSessions) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Name implements SessionBackend.
func (s *RedisSessions) Name() string { return "redis" }

// Load implements SessionBackend.
func (s *RedisSessions) Load(ctx context.Context, id string) (*domain.Session, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}

	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &sess, nil
}

// Save implements SessionBackend.
func (s *RedisSessions) Save(ctx context.Context, sess *domain.Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.Set(ctx, s.key(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

// Delete implements SessionBackend.
func (s *RedisSessions) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del session: %w", err)
	}
	return nil
}

// IDs implements SessionBackend using SCAN so large keyspaces do not block Redis.
// SCAN may return a key more than once, so ids are deduplicated.
func (s *RedisSessions) IDs(ctx context.Context) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan sessions: %w", err)
	}
	return uniqueIDs(keys, s.prefix), nil
}

// uniqueIDs strips prefix from keys, keeping the first occurrence of each.
func uniqueIDs(keys []string, prefix string) []string {
	ids := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(k, prefix)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Len implements SessionBackend. It walks the keyspace.
func (s *RedisSessions) Len(ctx context.Context) (int, error) {
	ids, err := s.IDs(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
