package kvstore

import (
	"context"
	"slices"
	"strings"

	"github.com/jellydator/ttlcache/v3"
)

type MemoryStore struct {
	cache *ttlcache.Cache[string, []byte]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: ttlcache.New[string, []byte](
			ttlcache.WithTTL[string, []byte](ttlcache.NoTTL),
			ttlcache.WithDisableTouchOnHit[string, []byte](),
		),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	item := m.cache.Get(key)
	if item == nil {
		return nil, ErrNotFound
	}
	return slices.Clone(item.Value()), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.cache.Set(key, slices.Clone(value), ttlcache.NoTTL)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	for _, key := range m.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
