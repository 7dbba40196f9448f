package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/anitrack/anitrack/internal/apiclient"
	"github.com/anitrack/anitrack/internal/cachestore"
	"github.com/anitrack/anitrack/internal/conditional"
	"github.com/anitrack/anitrack/internal/domain"
	"github.com/anitrack/anitrack/internal/logging"
	"github.com/anitrack/anitrack/internal/reporting"
)

type Options struct {
	// Serve a fresh cached copy without asking the server
	UseCache bool

	// Ask the server for a fresh copy regardless of any cached copy or etag
	ForceRefresh bool
}

type Fetcher interface {
	FetchWithETag(ctx context.Context, path, etagKey string, opts conditional.Options) (apiclient.Response, error)
	FetchWithETagAndCache(ctx context.Context, path, etagKey string, cache conditional.CacheAccessor, opts conditional.Options) (domain.Result[json.RawMessage], error)
}

type Client interface {
	Do(ctx context.Context, r apiclient.Request) (apiclient.Response, error)
}

type CacheStore interface {
	IsExpired(ctx context.Context, key string, ttl time.Duration) bool
	Read(ctx context.Context, key string) (json.RawMessage, bool)
	Write(ctx context.Context, key string, data json.RawMessage)
	Remove(ctx context.Context, key string)
	ClearPrefix(ctx context.Context, prefix string) int
}

type ETagStore interface {
	Remove(ctx context.Context, key string)
	RemovePrefix(ctx context.Context, prefix string) int
}

// Service exposes every cached resource family of the API
type Service struct {
	fetcher   Fetcher
	client    Client
	cache     CacheStore
	etags     ETagStore
	sequencer *cachestore.Sequencer
}

func NewService(fetcher Fetcher, client Client, cache CacheStore, etags ETagStore) *Service {
	return &Service{
		fetcher:   fetcher,
		client:    client,
		cache:     cache,
		etags:     etags,
		sequencer: cachestore.NewSequencer(),
	}
}

// resource is the caching policy shared by every family, parameterized by key prefix and ttl
type resource[T any] struct {
	service *Service
	prefix  string
	ttl     time.Duration
}

func newResource[T any](service *Service, prefix string, ttl time.Duration) resource[T] {
	return resource[T]{service: service, prefix: prefix, ttl: ttl}
}

func (r resource[T]) key(id string) string {
	if id == "" {
		return r.prefix
	}
	return r.prefix + ":" + id
}

// sequencedCache only accepts writes from the latest request issued for its key
type sequencedCache struct {
	cache     CacheStore
	sequencer *cachestore.Sequencer
	key       string
	seq       uint64
}

func (s *sequencedCache) Get(ctx context.Context) (json.RawMessage, bool) {
	return s.cache.Read(ctx, s.key)
}

func (s *sequencedCache) Set(ctx context.Context, data json.RawMessage) {
	if !s.sequencer.IsLatest(s.key, s.seq) {
		logging.FromContext(ctx).InfoContext(ctx, "Discarding response superseded by a newer request", "cacheKey", s.key)
		return
	}
	s.cache.Write(ctx, s.key, data)
}

func decode[T any](data json.RawMessage) (T, error) {
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("failed to decode response: %w", err)
	}
	return value, nil
}

// get serves the resource at path, cached under id within the resource's prefix
func (r resource[T]) get(ctx context.Context, id, path string, params url.Values, opts Options) (domain.Result[T], error) {
	return r.getWithTTL(ctx, id, path, params, r.ttl, opts)
}

func (r resource[T]) getWithTTL(ctx context.Context, id, path string, params url.Values, ttl time.Duration, opts Options) (domain.Result[T], error) {
	s := r.service
	key := r.key(id)
	logger := logging.FromContext(ctx).With("cacheKey", key)

	if opts.UseCache && !opts.ForceRefresh && !s.cache.IsExpired(ctx, key, ttl) {
		if raw, ok := s.cache.Read(ctx, key); ok {
			value, err := decode[T](raw)
			if err == nil {
				logger.DebugContext(ctx, "Serving fresh cached copy")
				return domain.Result[T]{Data: value, FromCache: true}, nil
			}
			logger.WarnContext(ctx, "Ignoring undecodable cached copy", "error", err.Error())
		}
	}

	accessor := &sequencedCache{
		cache:     s.cache,
		sequencer: s.sequencer,
		key:       key,
		seq:       s.sequencer.Next(key),
	}

	var result domain.Result[json.RawMessage]
	if opts.ForceRefresh {
		resp, err := s.fetcher.FetchWithETag(ctx, path, key, conditional.Options{Params: params, NoCache: true})
		if err != nil {
			return domain.Result[T]{}, err
		}
		if resp.NotModified {
			// The server ignored the no-cache hint
			cached, ok := accessor.Get(ctx)
			if !ok {
				s.etags.Remove(ctx, key)
				return domain.Result[T]{}, &domain.RequestError{StatusCode: resp.StatusCode, Message: "not modified without a cached copy"}
			}
			result = domain.Result[json.RawMessage]{Data: cached, FromCache: true}
		} else {
			accessor.Set(ctx, resp.Data)
			result = domain.Result[json.RawMessage]{Data: resp.Data}
		}
	} else {
		var err error
		result, err = s.fetcher.FetchWithETagAndCache(ctx, path, key, accessor, conditional.Options{Params: params})
		if err != nil {
			return domain.Result[T]{}, err
		}
	}

	value, err := decode[T](result.Data)
	if err != nil {
		err := fmt.Errorf("%w: %s: %w", domain.ErrResource, path, err)
		reporting.Report(ctx, err, map[string]string{
			"cacheKey":  key,
			"fromCache": fmt.Sprint(result.FromCache),
		})
		if result.FromCache {
			s.cache.Remove(ctx, key)
			s.etags.Remove(ctx, key)
		}
		return domain.Result[T]{}, err
	}

	return domain.Result[T]{
		Data:        value,
		FromCache:   result.FromCache,
		OfflineMode: result.OfflineMode,
	}, nil
}

// overwrite replaces the cached copy with data, typically a write-through after a mutation.
// The stored etag no longer describes the data and is dropped.
func (r resource[T]) overwrite(ctx context.Context, id string, data json.RawMessage) {
	s := r.service
	key := r.key(id)

	// Invalidate in-flight reads so they can't overwrite the new copy
	s.sequencer.Next(key)
	s.cache.Write(ctx, key, data)
	s.etags.Remove(ctx, key)
}

// clear removes the cached copy and etag for id, or every entry of the family if id is empty
func (r resource[T]) clear(ctx context.Context, id string) {
	s := r.service
	logger := logging.FromContext(ctx)

	if id != "" {
		key := r.key(id)
		s.cache.Remove(ctx, key)
		s.etags.Remove(ctx, key)
		logger.InfoContext(ctx, "Cleared cache entry", "cacheKey", key)
		return
	}

	entries := s.cache.ClearPrefix(ctx, r.prefix)
	etags := s.etags.RemovePrefix(ctx, r.prefix)
	logger.InfoContext(ctx, "Cleared cache", "prefix", r.prefix, "entries", entries, "etags", etags)
}
