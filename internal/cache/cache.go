package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"kinpool/internal/models"
)

// ErrCacheMiss indicates the key is absent from the cache
var ErrCacheMiss = errors.New("cache miss")

// KVStore abstracts the key-value store so tests can substitute an
// in-memory implementation for Redis.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisKVStore is the go-redis backed KVStore
type RedisKVStore struct {
	client *redis.Client
}

// NewRedisKVStore wraps a redis client
func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKVStore) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// StateCache is a read-through cache of family and account state.
// It is never authoritative: every committed mutation invalidates the
// affected keys before the mutating call returns.
type StateCache struct {
	kv  KVStore
	ttl time.Duration
}

// NewStateCache creates a cache with the given entry TTL
func NewStateCache(kv KVStore, ttl time.Duration) *StateCache {
	return &StateCache{kv: kv, ttl: ttl}
}

func familyKey(id string) string  { return fmt.Sprintf("kinpool:family:%s", id) }
func accountKey(id string) string { return fmt.Sprintf("kinpool:account:%s", id) }

// GetFamily returns a cached family or ErrCacheMiss
func (c *StateCache) GetFamily(ctx context.Context, familyID string) (*models.Family, error) {
	val, err := c.kv.Get(ctx, familyKey(familyID))
	if err != nil {
		return nil, err
	}
	var f models.Family
	if err := json.Unmarshal([]byte(val), &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached family: %w", err)
	}
	return &f, nil
}

// SetFamily stores a family snapshot
func (c *StateCache) SetFamily(ctx context.Context, f *models.Family) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal family: %w", err)
	}
	return c.kv.Set(ctx, familyKey(f.ID), string(data), c.ttl)
}

// GetAccount returns a cached account or ErrCacheMiss
func (c *StateCache) GetAccount(ctx context.Context, familyID string) (*models.VirtualAccount, error) {
	val, err := c.kv.Get(ctx, accountKey(familyID))
	if err != nil {
		return nil, err
	}
	var a models.VirtualAccount
	if err := json.Unmarshal([]byte(val), &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached account: %w", err)
	}
	return &a, nil
}

// SetAccount stores an account snapshot
func (c *StateCache) SetAccount(ctx context.Context, a *models.VirtualAccount) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	return c.kv.Set(ctx, accountKey(a.FamilyID), string(data), c.ttl)
}

// InvalidateFamily drops the family and account entries for familyID.
// Called after every committed mutation, before the operation returns.
func (c *StateCache) InvalidateFamily(ctx context.Context, familyID string) error {
	return c.kv.Del(ctx, familyKey(familyID), accountKey(familyID))
}
