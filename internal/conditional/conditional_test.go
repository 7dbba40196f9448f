package conditional_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anitrack/anitrack/internal/adapters/kvstore"
	"github.com/anitrack/anitrack/internal/apiclient"
	"github.com/anitrack/anitrack/internal/conditional"
	"github.com/anitrack/anitrack/internal/domain"
	"github.com/anitrack/anitrack/internal/etagstore"
	"github.com/anitrack/anitrack/internal/session"
)

type memoryCache struct {
	mu     sync.Mutex
	data   json.RawMessage
	writes int
}

func (m *memoryCache) Get(ctx context.Context) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, m.data != nil
}

func (m *memoryCache) Set(ctx context.Context, data json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	m.writes++
}

type requestLog struct {
	mu       sync.Mutex
	requests []*http.Request
}

func (l *requestLog) add(r *http.Request) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, r)
	return len(l.requests)
}

func (l *requestLog) get(i int) *http.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests[i]
}

func (l *requestLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

func newFetcher(t *testing.T, handler http.HandlerFunc) (*conditional.Fetcher, *etagstore.ETagStore, *requestLog, *httptest.Server) {
	t.Helper()

	log := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	client, err := apiclient.NewClient(server.Client(), server.URL, "key", session.New(kvstore.NewMemoryStore()))
	require.NoError(t, err)

	etags := etagstore.New(kvstore.NewMemoryStore())
	return conditional.NewFetcher(client, etags), etags, log, server
}

func TestFetchWithETag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("stores the etag of a fresh response", func(t *testing.T) {
		t.Parallel()
		fetcher, etags, log, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("ETag", `"v1"`)
			_, _ = w.Write([]byte(`[]`))
		})

		resp, err := fetcher.FetchWithETag(ctx, "/genres", "genres", conditional.Options{})
		require.NoError(t, err)
		require.False(t, resp.NotModified)
		require.JSONEq(t, `[]`, string(resp.Data))

		require.Empty(t, log.get(0).Header.Get("If-None-Match"))

		etag, ok := etags.Get(ctx, "genres")
		require.True(t, ok)
		require.Equal(t, `"v1"`, etag)
	})

	t.Run("sends the stored etag", func(t *testing.T) {
		t.Parallel()
		fetcher, etags, log, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotModified)
		})
		etags.Set(ctx, "genres", `"v1"`)

		resp, err := fetcher.FetchWithETag(ctx, "/genres", "genres", conditional.Options{})
		require.NoError(t, err)
		require.True(t, resp.NotModified)
		require.Nil(t, resp.Data)

		require.Equal(t, `"v1"`, log.get(0).Header.Get("If-None-Match"))
		require.Empty(t, log.get(0).Header.Get("Cache-Control"))
	})

	t.Run("no-cache skips the etag", func(t *testing.T) {
		t.Parallel()
		fetcher, etags, log, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("ETag", `"v2"`)
			_, _ = w.Write([]byte(`{"theme":"dark"}`))
		})
		etags.Set(ctx, "settings", `"v1"`)

		_, err := fetcher.FetchWithETag(ctx, "/user/settings", "settings", conditional.Options{NoCache: true})
		require.NoError(t, err)

		require.Empty(t, log.get(0).Header.Get("If-None-Match"))
		require.Equal(t, "no-cache", log.get(0).Header.Get("Cache-Control"))

		etag, _ := etags.Get(ctx, "settings")
		require.Equal(t, `"v2"`, etag)
	})

	t.Run("params are passed on", func(t *testing.T) {
		t.Parallel()
		fetcher, _, log, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		})

		_, err := fetcher.FetchWithETag(ctx, "/leaderboard", "leaderboard:weekly:2", conditional.Options{
			Params: url.Values{"kind": {"weekly"}, "page": {"2"}},
		})
		require.NoError(t, err)
		require.Equal(t, "kind=weekly&page=2", log.get(0).URL.RawQuery)
	})

	t.Run("errors pass through", func(t *testing.T) {
		t.Parallel()
		fetcher, etags, _, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("ETag", `"error"`)
			w.WriteHeader(http.StatusNotFound)
		})

		_, err := fetcher.FetchWithETag(ctx, "/anime/404", "anime:404", conditional.Options{})
		require.ErrorIs(t, err, domain.ErrResource)

		_, ok := etags.Get(ctx, "anime:404")
		require.False(t, ok)
	})
}

func TestFetchWithETagAndCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("fresh data is cached", func(t *testing.T) {
		t.Parallel()
		fetcher, etags, _, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("ETag", `"v1"`)
			_, _ = w.Write([]byte(`[{"id":1}]`))
		})
		cache := &memoryCache{}

		result, err := fetcher.FetchWithETagAndCache(ctx, "/genres", "genres", cache, conditional.Options{})
		require.NoError(t, err)
		require.False(t, result.FromCache)
		require.False(t, result.OfflineMode)
		require.JSONEq(t, `[{"id":1}]`, string(result.Data))
		require.JSONEq(t, `[{"id":1}]`, string(cache.data))

		etag, _ := etags.Get(ctx, "genres")
		require.Equal(t, `"v1"`, etag)
	})

	t.Run("not modified serves the cached copy", func(t *testing.T) {
		t.Parallel()
		fetcher, etags, log, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotModified)
		})
		etags.Set(ctx, "genres", `"v1"`)
		cache := &memoryCache{data: json.RawMessage(`[{"id":1}]`)}

		result, err := fetcher.FetchWithETagAndCache(ctx, "/genres", "genres", cache, conditional.Options{})
		require.NoError(t, err)
		require.True(t, result.FromCache)
		require.False(t, result.OfflineMode)
		require.JSONEq(t, `[{"id":1}]`, string(result.Data))
		require.Equal(t, 0, cache.writes)
		require.Equal(t, 1, log.count())
	})

	t.Run("not modified without a cached copy refetches once", func(t *testing.T) {
		t.Parallel()
		fetcher, etags, log, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("If-None-Match") == `"v1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"v2"`)
			_, _ = w.Write([]byte(`[{"id":2}]`))
		})
		etags.Set(ctx, "genres", `"v1"`)
		cache := &memoryCache{}

		result, err := fetcher.FetchWithETagAndCache(ctx, "/genres", "genres", cache, conditional.Options{})
		require.NoError(t, err)
		require.False(t, result.FromCache)
		require.JSONEq(t, `[{"id":2}]`, string(result.Data))
		require.JSONEq(t, `[{"id":2}]`, string(cache.data))

		require.Equal(t, 2, log.count())
		require.Empty(t, log.get(1).Header.Get("If-None-Match"))

		etag, _ := etags.Get(ctx, "genres")
		require.Equal(t, `"v2"`, etag)
	})

	t.Run("refetch without etag drops the stale one", func(t *testing.T) {
		t.Parallel()
		fetcher, etags, log, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("If-None-Match") != "" {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			_, _ = w.Write([]byte(`[]`))
		})
		etags.Set(ctx, "genres", `"v1"`)
		cache := &memoryCache{}

		result, err := fetcher.FetchWithETagAndCache(ctx, "/genres", "genres", cache, conditional.Options{})
		require.NoError(t, err)
		require.JSONEq(t, `[]`, string(result.Data))
		require.Equal(t, 2, log.count())

		_, ok := etags.Get(ctx, "genres")
		require.False(t, ok)
	})

	t.Run("refetch answered with not modified is an error", func(t *testing.T) {
		t.Parallel()
		fetcher, etags, log, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotModified)
		})
		etags.Set(ctx, "genres", `"v1"`)
		cache := &memoryCache{}

		_, err := fetcher.FetchWithETagAndCache(ctx, "/genres", "genres", cache, conditional.Options{})
		require.ErrorIs(t, err, domain.ErrResource)
		require.Equal(t, 2, log.count(), "exactly one follow-up request")

		_, ok := etags.Get(ctx, "genres")
		require.False(t, ok)
	})

	t.Run("offline serves the cached copy", func(t *testing.T) {
		t.Parallel()
		fetcher, _, _, server := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {})
		server.Close()
		cache := &memoryCache{data: json.RawMessage(`{"entries":[]}`)}

		result, err := fetcher.FetchWithETagAndCache(ctx, "/leaderboard", "leaderboard:weekly:1", cache, conditional.Options{})
		require.NoError(t, err)
		require.True(t, result.FromCache)
		require.True(t, result.OfflineMode)
		require.JSONEq(t, `{"entries":[]}`, string(result.Data))
	})

	t.Run("offline without a cached copy fails", func(t *testing.T) {
		t.Parallel()
		fetcher, _, _, server := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {})
		server.Close()

		_, err := fetcher.FetchWithETagAndCache(ctx, "/leaderboard", "leaderboard:weekly:1", &memoryCache{}, conditional.Options{})
		require.ErrorIs(t, err, domain.ErrNetwork)
	})

	t.Run("other errors are not masked by the cache", func(t *testing.T) {
		t.Parallel()

		for _, status := range []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError} {
			var calls atomic.Int32
			fetcher, _, _, _ := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
			})
			cache := &memoryCache{data: json.RawMessage(`{}`)}

			_, err := fetcher.FetchWithETagAndCache(ctx, "/user/stats", "stats", cache, conditional.Options{})
			assert.Error(t, err, status)
			assert.NotErrorIs(t, err, domain.ErrNetwork)
			assert.Equal(t, int32(1), calls.Load())
		}
	})
}
