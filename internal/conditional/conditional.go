package conditional

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/anitrack/anitrack/internal/apiclient"
	"github.com/anitrack/anitrack/internal/domain"
	"github.com/anitrack/anitrack/internal/logging"
	"github.com/anitrack/anitrack/internal/reporting"
)

type Client interface {
	Do(ctx context.Context, r apiclient.Request) (apiclient.Response, error)
}

type ETagStore interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string)
	Remove(ctx context.Context, key string)
}

// CacheAccessor reads and writes the locally cached copy of one resource
type CacheAccessor interface {
	Get(ctx context.Context) (json.RawMessage, bool)
	Set(ctx context.Context, data json.RawMessage)
}

type Options struct {
	Params url.Values

	// Ask the server for a fresh copy: sends Cache-Control: no-cache and no If-None-Match
	NoCache bool
}

type Fetcher struct {
	client Client
	etags  ETagStore
	tracer trace.Tracer
}

func NewFetcher(client Client, etags ETagStore) *Fetcher {
	return &Fetcher{
		client: client,
		etags:  etags,
		tracer: otel.Tracer("anitrack/conditional"),
	}
}

func (f *Fetcher) get(ctx context.Context, path, etagKey string, params url.Values, header http.Header) (apiclient.Response, error) {
	resp, err := f.client.Do(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   path,
		Params: params,
		Header: header,
	})
	if err != nil {
		return apiclient.Response{}, err
	}

	if !resp.NotModified {
		if etag := resp.Header.Get("ETag"); etag != "" {
			f.etags.Set(ctx, etagKey, etag)
		}
	}

	return resp, nil
}

// FetchWithETag sends a GET for path, conditional on the ETag stored under etagKey.
// A 304 is returned as a successful response with NotModified set and no data.
func (f *Fetcher) FetchWithETag(ctx context.Context, path, etagKey string, opts Options) (apiclient.Response, error) {
	header := http.Header{}
	if opts.NoCache {
		header.Set("Cache-Control", "no-cache")
	} else if etag, ok := f.etags.Get(ctx, etagKey); ok {
		header.Set("If-None-Match", etag)
	}

	return f.get(ctx, path, etagKey, opts.Params, header)
}

// FetchWithETagAndCache is FetchWithETag backed by a local copy of the resource.
// Not modified responses are served from the local copy, fresh data is written to it,
// and when the server can't be reached the local copy is served in offline mode.
func (f *Fetcher) FetchWithETagAndCache(ctx context.Context, path, etagKey string, cache CacheAccessor, opts Options) (domain.Result[json.RawMessage], error) {
	ctx, span := f.tracer.Start(ctx, "Conditional.Fetch")
	defer span.End()

	ctx = logging.AddMetaToContext(ctx, slog.String("etagKey", etagKey))
	ctx = reporting.AddExtrasToContext(ctx, map[string]string{"etagKey": etagKey})
	logger := logging.FromContext(ctx)

	result, err := f.fetchWithETagAndCache(ctx, path, etagKey, cache, opts)

	span.SetAttributes(
		attribute.String("etag_key", etagKey),
		attribute.Bool("from_cache", result.FromCache),
		attribute.Bool("offline", result.OfflineMode),
	)
	if err != nil {
		logger.DebugContext(ctx, "Conditional fetch failed", "error", err.Error())
	}

	return result, err
}

func (f *Fetcher) fetchWithETagAndCache(ctx context.Context, path, etagKey string, cache CacheAccessor, opts Options) (domain.Result[json.RawMessage], error) {
	logger := logging.FromContext(ctx)
	span := trace.SpanFromContext(ctx)

	resp, err := f.FetchWithETag(ctx, path, etagKey, opts)
	if err != nil {
		if errors.Is(err, domain.ErrNetwork) {
			if cached, ok := cache.Get(ctx); ok {
				logger.WarnContext(ctx, "Serving cached data while offline", "error", err.Error())
				return domain.Result[json.RawMessage]{Data: cached, FromCache: true, OfflineMode: true}, nil
			}
		}
		return domain.Result[json.RawMessage]{}, err
	}

	span.SetAttributes(attribute.Bool("not_modified", resp.NotModified))

	if !resp.NotModified {
		cache.Set(ctx, resp.Data)
		return domain.Result[json.RawMessage]{Data: resp.Data}, nil
	}

	if cached, ok := cache.Get(ctx); ok {
		return domain.Result[json.RawMessage]{Data: cached, FromCache: true}, nil
	}

	// The ETag outlived the cached copy it validated
	logger.InfoContext(ctx, "Not modified but nothing cached, fetching again without etag")
	resp, err = f.get(ctx, path, etagKey, opts.Params, http.Header{})
	if err != nil {
		return domain.Result[json.RawMessage]{}, err
	}

	if resp.NotModified {
		f.etags.Remove(ctx, etagKey)
		return domain.Result[json.RawMessage]{}, &domain.RequestError{
			StatusCode: http.StatusNotModified,
			Message:    fmt.Sprintf("unconditional request for %s was answered with not modified", path),
		}
	}

	if resp.Header.Get("ETag") == "" {
		// Drop the stale validator so the next request is unconditional
		logger.WarnContext(ctx, "Refetch returned no etag, dropping the stored one")
		f.etags.Remove(ctx, etagKey)
	}

	cache.Set(ctx, resp.Data)
	return domain.Result[json.RawMessage]{Data: resp.Data}, nil
}
