// Package etagstore persists the ETag validators returned by the API, one per resource key.
package etagstore

import (
	"context"
	"errors"

	"github.com/anitrack/anitrack/internal/adapters/kvstore"
	"github.com/anitrack/anitrack/internal/logging"
)

const namespace = "etag:"

type ETagStore struct {
	store kvstore.Store
}

func New(store kvstore.Store) *ETagStore {
	return &ETagStore{store: store}
}

// Get returns the stored ETag for key. Storage failures are reported as a miss.
func (e *ETagStore) Get(ctx context.Context, key string) (string, bool) {
	if key == "" {
		return "", false
	}

	value, err := e.store.Get(ctx, namespace+key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			logging.FromContext(ctx).WarnContext(ctx, "Failed to read etag", "etagKey", key, "error", err.Error())
		}
		return "", false
	}
	if len(value) == 0 {
		return "", false
	}

	return string(value), true
}

// Set is a no-op if either key or value is empty
func (e *ETagStore) Set(ctx context.Context, key, value string) {
	if key == "" || value == "" {
		return
	}

	err := e.store.Set(ctx, namespace+key, []byte(value))
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "Failed to store etag", "etagKey", key, "error", err.Error())
	}
}

func (e *ETagStore) Remove(ctx context.Context, key string) {
	if key == "" {
		return
	}

	err := e.store.Delete(ctx, namespace+key)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "Failed to remove etag", "etagKey", key, "error", err.Error())
	}
}

// RemovePrefix removes every ETag whose key starts with prefix and returns how many were removed
func (e *ETagStore) RemovePrefix(ctx context.Context, prefix string) int {
	logger := logging.FromContext(ctx)

	keys, err := e.store.Keys(ctx, namespace+prefix)
	if err != nil {
		logger.WarnContext(ctx, "Failed to list etags", "prefix", prefix, "error", err.Error())
		return 0
	}

	removed := 0
	for _, key := range keys {
		if err := e.store.Delete(ctx, key); err != nil {
			logger.WarnContext(ctx, "Failed to remove etag", "key", key, "error", err.Error())
			continue
		}
		removed++
	}

	return removed
}

// ClearAll removes every stored ETag
func (e *ETagStore) ClearAll(ctx context.Context) {
	removed := e.RemovePrefix(ctx, "")
	logging.FromContext(ctx).InfoContext(ctx, "Cleared etags", "count", removed)
}
