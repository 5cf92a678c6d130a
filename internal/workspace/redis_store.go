package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix = "ledgerdesk:workspace:v1:"
	legacyKeyPrefix = "ledgerdesk:company:"
)

// RedisStore persists records per browser scope (the session cookie id).
type RedisStore struct {
	client redis.Cmdable
	scope  string
	ttl    time.Duration
}

// NewRedisStore binds a store to one scope. A zero ttl keeps keys forever.
func NewRedisStore(client redis.Cmdable, scope string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, scope: scope, ttl: ttl}
}

// RedisStoreFactory builds scoped stores sharing one client.
func RedisStoreFactory(client redis.Cmdable, ttl time.Duration) StoreFactory {
	return func(scope string) Store {
		return NewRedisStore(client, scope, ttl)
	}
}

// RecordKey returns the versioned key used for scope.
func RecordKey(scope string) string {
	return recordKeyPrefix + scope
}

// LegacyKey returns the pre-versioned single company key for scope.
func LegacyKey(scope string) string {
	return legacyKeyPrefix + scope
}

// ReadContext loads and decodes the record.
func (s *RedisStore) ReadContext(ctx context.Context) (Record, error) {
	payload, err := s.client.Get(ctx, RecordKey(s.scope)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNoRecord
		}
		return Record{}, fmt.Errorf("workspace: read context: %w", err)
	}
	return DecodeRecord(payload)
}

// WriteContext overwrites the record. Concurrent writers resolve last write wins.
func (s *RedisStore) WriteContext(ctx context.Context, rec Record) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, RecordKey(s.scope), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("workspace: write context: %w", err)
	}
	return nil
}

// Clear deletes the record together with the legacy pointer.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, RecordKey(s.scope), LegacyKey(s.scope)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("workspace: clear context: %w", err)
	}
	return nil
}

// TakeLegacyCompany reads and deletes the legacy pointer atomically.
func (s *RedisStore) TakeLegacyCompany(ctx context.Context) (string, error) {
	id, err := s.client.GetDel(ctx, LegacyKey(s.scope)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("workspace: migrate legacy company: %w", err)
	}
	return id, nil
}

var (
	_ Store          = (*RedisStore)(nil)
	_ LegacyMigrator = (*RedisStore)(nil)
)
