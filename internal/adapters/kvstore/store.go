package kvstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

// Store is a flat byte-oriented key-value store.
// Namespacing is done by key prefix, see Keys.
type Store interface {
	// Get returns ErrNotFound when the key is absent
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete is a no-op for absent keys
	Delete(ctx context.Context, key string) error
	// Keys lists every stored key starting with prefix, in no particular order
	Keys(ctx context.Context, prefix string) ([]string, error)
}
