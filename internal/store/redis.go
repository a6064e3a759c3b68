package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// collection schemas, which the HTTP backend otherwise fetches on every
// filtered query. Records are never cached: each sync run must see the
// lots as they are now.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Schema(ctx context.Context, collection string) (Schema, error) {
	data, err := s.rdb.Get(ctx, schemaKey(collection)).Bytes()
	if err == nil {
		var schema Schema
		if json.Unmarshal(data, &schema) == nil {
			return schema, nil
		}
	}

	// Cache miss: read from primary.
	schema, err := s.primary.Schema(ctx, collection)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(schema); err == nil {
		s.rdb.Set(ctx, schemaKey(collection), data, s.ttl)
	}
	return schema, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Query(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	return s.primary.Query(ctx, collection, filter)
}

func (s *CachedStore) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	return s.primary.Create(ctx, collection, fields)
}

func (s *CachedStore) Update(ctx context.Context, id string, fields Fields) (string, error) {
	return s.primary.Update(ctx, id, fields)
}

func schemaKey(collection string) string { return fmt.Sprintf("lotsync:schema:%s", collection) }
