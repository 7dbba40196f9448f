package cache

import (
	"context"
	"fmt"

	"github.com/anitrack/anitrack/internal/logging"
)

// GetOrCreate returns the cached value for key, or calls create to produce it.
// Concurrent callers for the same key wait for the first caller instead of calling create themselves.
func GetOrCreate[T any](ctx context.Context, cache Cache[T], key string, create func() (T, error)) (T, error) {
	// Clean up the cache if we claim an entry, but don't set it
	// This allows other callers to try again
	claimed := false
	set := false
	defer func() {
		if claimed && !set {
			cache.delete(key)
		}
	}()

	logger := logging.FromContext(ctx).With("cacheKey", key)

	for {
		result := cache.getOrClaim(key)

		if result.claimed {
			claimed = true

			logger.DebugContext(ctx, "Creating cache entry", "cache", "miss")

			data, err := create()
			if err != nil {
				var empty T
				return empty, fmt.Errorf("failed to create cache entry: %w", err)
			}

			cache.set(key, data)
			set = true

			return data, nil
		}

		if result.valid {
			logger.DebugContext(ctx, "Using cache entry", "cache", "hit")
			return result.data, nil
		}

		if err := ctx.Err(); err != nil {
			var empty T
			return empty, fmt.Errorf("gave up waiting for cache entry: %w", err)
		}

		logger.DebugContext(ctx, "Waiting for cache")
		cache.wait()
	}
}
