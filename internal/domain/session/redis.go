package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Durable is the optional persistent tier behind the in-process cache.
// Implementations must tolerate concurrent calls.
type Durable interface {
	Put(ctx context.Context, record *Record, ttl time.Duration) error
	Get(ctx context.Context, id string) (*Record, error)
	Remove(ctx context.Context, id string) error
	RefreshTTL(ctx context.Context, id string, ttl time.Duration) error
}

// Record is the serialized form of a session for the durable store.
type Record struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	OwnerID      string                 `json:"owner_id"`
	BackendID    string                 `json:"backend_id,omitempty"`
	Connections  []string               `json:"connections,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	LastAccessed time.Time              `json:"last_accessed"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// RedisStore implements Durable on Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed durable store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(id string) string {
	return fmt.Sprintf("session:%s", id)
}

// Put stores a session record with a TTL.
func (s *RedisStore) Put(ctx context.Context, record *Record, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.client.Set(ctx, sessionKey(record.ID), data, ttl).Err()
}

// Get retrieves a session record. A missing key returns (nil, nil).
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &record, nil
}

// Remove deletes a session record.
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	return s.client.Del(ctx, sessionKey(id)).Err()
}

// RefreshTTL extends the record's lifetime. Missing keys are a no-op.
func (s *RedisStore) RefreshTTL(ctx context.Context, id string, ttl time.Duration) error {
	return s.client.Expire(ctx, sessionKey(id), ttl).Err()
}
