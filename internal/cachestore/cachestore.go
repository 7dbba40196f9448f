package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/anitrack/anitrack/internal/adapters/kvstore"
	"github.com/anitrack/anitrack/internal/logging"
)

const namespace = "cache:"

type entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp *int64          `json:"timestamp"`
}

// CacheStore keeps timestamped JSON payloads so callers can decide whether they are still fresh
type CacheStore struct {
	store   kvstore.Store
	nowFunc func() time.Time
}

func New(store kvstore.Store, nowFunc func() time.Time) *CacheStore {
	return &CacheStore{
		store:   store,
		nowFunc: nowFunc,
	}
}

func (c *CacheStore) readEntry(ctx context.Context, key string) (entry, bool) {
	logger := logging.FromContext(ctx).With("cacheKey", key)

	raw, err := c.store.Get(ctx, namespace+key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			logger.WarnContext(ctx, "Failed to read cache entry", "error", err.Error())
		}
		return entry{}, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		logger.WarnContext(ctx, "Ignoring corrupt cache entry", "error", err.Error())
		return entry{}, false
	}

	return e, true
}

// IsExpired is true when there is no usable entry for key or it was written more than ttl ago
func (c *CacheStore) IsExpired(ctx context.Context, key string, ttl time.Duration) bool {
	e, ok := c.readEntry(ctx, key)
	if !ok || e.Timestamp == nil {
		return true
	}

	writtenAt := time.UnixMilli(*e.Timestamp)
	return c.nowFunc().Sub(writtenAt) > ttl
}

func (c *CacheStore) Read(ctx context.Context, key string) (json.RawMessage, bool) {
	e, ok := c.readEntry(ctx, key)
	if !ok || len(e.Data) == 0 || string(e.Data) == "null" {
		return nil, false
	}
	return e.Data, true
}

// Write replaces the entry for key with data stamped with the current time
func (c *CacheStore) Write(ctx context.Context, key string, data json.RawMessage) {
	logger := logging.FromContext(ctx).With("cacheKey", key)

	timestamp := c.nowFunc().UnixMilli()
	raw, err := json.Marshal(entry{Data: data, Timestamp: &timestamp})
	if err != nil {
		logger.WarnContext(ctx, "Failed to encode cache entry", "error", err.Error())
		return
	}

	if err := c.store.Set(ctx, namespace+key, raw); err != nil {
		logger.WarnContext(ctx, "Failed to write cache entry", "error", err.Error())
	}
}

func (c *CacheStore) Remove(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, namespace+key); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "Failed to remove cache entry", "cacheKey", key, "error", err.Error())
	}
}

// ClearPrefix removes every entry whose key starts with prefix and returns how many were removed
func (c *CacheStore) ClearPrefix(ctx context.Context, prefix string) int {
	logger := logging.FromContext(ctx)

	keys, err := c.store.Keys(ctx, namespace+prefix)
	if err != nil {
		logger.WarnContext(ctx, "Failed to list cache entries", "prefix", prefix, "error", err.Error())
		return 0
	}

	removed := 0
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			logger.WarnContext(ctx, "Failed to remove cache entry", "key", key, "error", err.Error())
			continue
		}
		removed++
	}

	return removed
}
