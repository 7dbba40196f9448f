package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/anitrack/anitrack/internal/constants"
	"github.com/anitrack/anitrack/internal/domain"
	"github.com/anitrack/anitrack/internal/logging"
	"github.com/anitrack/anitrack/internal/reporting"
)

const DefaultIdentityPath = "/auth/me"

var errSuperseded = errors.New("superseded by a newer identical request")

type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Session is the part of the persisted client state the request pipeline reads and updates
type Session interface {
	Token(ctx context.Context) (string, bool)
	RejectToken(ctx context.Context, token string, identityCheck bool) bool
	IdentitySuppressed(ctx context.Context) bool
	ResetIdentityFailures(ctx context.Context)
	BeginRedirect(ctx context.Context) bool
}

type Request struct {
	Method string
	Path   string // Relative to the base URL, e.g. /genres
	Params url.Values
	Header http.Header
	Body   any // JSON encoded when set
}

type Response struct {
	StatusCode  int
	Header      http.Header
	Data        json.RawMessage
	NotModified bool
}

type pendingRequest struct {
	id     uint64
	cancel context.CancelCauseFunc
}

type Client struct {
	httpClient     HttpClient
	baseURL        string
	apiKey         string
	session        Session
	identityPath   string
	onUnauthorized func(ctx context.Context)

	pendingMu     sync.Mutex
	pending       map[string]pendingRequest
	nextPendingID uint64

	metrics apiClientMetricsCollection
	tracer  trace.Tracer
}

type Option func(*Client)

func WithIdentityPath(path string) Option {
	return func(c *Client) {
		c.identityPath = path
	}
}

// WithOnUnauthorized sets the hook called when a request is rejected with 401 and the user has to log in again.
// It is called at most once until the session's redirect flag is cleared.
func WithOnUnauthorized(f func(ctx context.Context)) Option {
	return func(c *Client) {
		c.onUnauthorized = f
	}
}

func NewClient(httpClient HttpClient, baseURL string, apiKey string, session Session, opts ...Option) (*Client, error) {
	const name = "anitrack/apiclient"

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", domain.ErrInvalidInput, baseURL)
	}

	metrics, err := setupAPIClientMetrics(otel.Meter(name))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	c := &Client{
		httpClient:     httpClient,
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		session:        session,
		identityPath:   DefaultIdentityPath,
		onUnauthorized: func(ctx context.Context) {},

		pending: make(map[string]pendingRequest),

		metrics: metrics,
		tracer:  otel.Tracer(name),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Client) Get(ctx context.Context, path string, params url.Values) (Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Params: params})
}

func (c *Client) Put(ctx context.Context, path string, body any) (Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

func (c *Client) Post(ctx context.Context, path string, body any) (Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// URL returns the absolute url for a request. Params are encoded sorted by key.
func (c *Client) URL(path string, params url.Values) string {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func fingerprint(method, requestURL string) string {
	return method + " " + requestURL
}

// register makes the request the only in-flight one for its fingerprint, canceling any previous one
func (c *Client) register(ctx context.Context, key string, cancel context.CancelCauseFunc) uint64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if previous, ok := c.pending[key]; ok {
		previous.cancel(errSuperseded)
		c.metrics.supersededCount.Add(ctx, 1)
	}

	c.nextPendingID++
	c.pending[key] = pendingRequest{id: c.nextPendingID, cancel: cancel}
	return c.nextPendingID
}

func (c *Client) deregister(key string, id uint64) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if current, ok := c.pending[key]; ok && current.id == id {
		delete(c.pending, key)
	}
}

func statusClass(statusCode int) string {
	if statusCode <= 0 {
		return "none"
	}
	return fmt.Sprintf("%dxx", statusCode/100)
}

// Do sends the request through the pipeline and normalizes the outcome.
// Errors match one of domain.ErrCanceled, domain.ErrNetwork, domain.ErrUnauthorized or domain.ErrResource.
func (c *Client) Do(ctx context.Context, r Request) (Response, error) {
	ctx, span := c.tracer.Start(ctx, "APIClient.Do")
	defer span.End()

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	requestURL := c.URL(r.Path, r.Params)
	isIdentity := r.Path == c.identityPath

	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("api.path", r.Path),
		attribute.Bool("api.identity", isIdentity),
	)

	ctx = logging.AddMetaToContext(ctx, slog.String("method", method), slog.String("path", r.Path))
	logger := logging.FromContext(ctx)

	statusCode := 0
	outcome := "error"
	start := time.Now()
	defer func() {
		attributes := metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("status_class", statusClass(statusCode)),
			attribute.String("outcome", outcome),
		)
		c.metrics.requestCount.Add(ctx, 1, attributes)
		c.metrics.requestDuration.Record(ctx, time.Since(start).Seconds(), attributes)
		span.SetAttributes(attribute.String("api.outcome", outcome))
	}()

	if isIdentity && c.session.IdentitySuppressed(ctx) {
		outcome = "suppressed"
		logger.InfoContext(ctx, "Skipping identity check after repeated authentication failures")
		return Response{}, domain.ErrIdentityCheckSuppressed
	}

	var body io.Reader
	if r.Body != nil {
		encoded, err := json.Marshal(r.Body)
		if err != nil {
			err := fmt.Errorf("%w: failed to encode request body: %w", domain.ErrInvalidInput, err)
			reporting.Report(ctx, err)
			return Response{}, err
		}
		body = bytes.NewReader(encoded)
	}

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if method == http.MethodGet {
		key := fingerprint(method, requestURL)
		id := c.register(ctx, key, cancel)
		defer c.deregister(key, id)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, requestURL, body)
	if err != nil {
		err := fmt.Errorf("failed to create request: %w", err)
		reporting.Report(ctx, err)
		return Response{}, err
	}

	for header, values := range r.Header {
		for _, value := range values {
			req.Header.Add(header, value)
		}
	}
	req.Header.Set("User-Agent", constants.USER_AGENT)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	token, hasToken := c.session.Token(ctx)
	if hasToken {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	canceledError := func() error {
		outcome = "canceled"
		cause := context.Cause(reqCtx)
		logger.InfoContext(ctx, "Request canceled", "cause", cause.Error())
		return fmt.Errorf("%w: %w", domain.ErrCanceled, cause)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return Response{}, canceledError()
		}
		outcome = "network"
		logger.WarnContext(ctx, "Request failed", "error", err.Error())
		span.SetStatus(codes.Error, "network error")
		return Response{}, fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if reqCtx.Err() != nil {
			return Response{}, canceledError()
		}
		outcome = "network"
		logger.WarnContext(ctx, "Failed to read response body", "error", err.Error())
		span.SetStatus(codes.Error, "network error")
		return Response{}, fmt.Errorf("%w: failed to read response body: %w", domain.ErrNetwork, err)
	}

	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	logger.InfoContext(ctx, "API request completed", "status", statusCode, "duration", time.Since(start).String())

	switch {
	case statusCode == http.StatusNotModified:
		outcome = "not_modified"
		return Response{StatusCode: statusCode, Header: resp.Header, NotModified: true}, nil
	case statusCode >= 200 && statusCode < 300:
		outcome = "ok"
		if isIdentity {
			c.session.ResetIdentityFailures(ctx)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			data = nil
		}
		return Response{StatusCode: statusCode, Header: resp.Header, Data: data}, nil
	case statusCode == http.StatusUnauthorized:
		outcome = "unauthorized"
		c.handleUnauthorized(ctx, token, isIdentity)
		return Response{}, fmt.Errorf("%w: %s", domain.ErrUnauthorized, errorMessage(statusCode, data))
	}

	reqErr := &domain.RequestError{StatusCode: statusCode, Message: errorMessage(statusCode, data)}
	if statusCode >= 500 {
		span.SetStatus(codes.Error, reqErr.Error())
		reporting.Report(ctx, reqErr, map[string]string{
			"status": strconv.Itoa(statusCode),
			"data":   string(data),
		})
	}
	return Response{}, reqErr
}

// handleUnauthorized clears the rejected token. Identity rejections are counted towards
// suppressing identity checks and never redirect.
func (c *Client) handleUnauthorized(ctx context.Context, token string, isIdentity bool) {
	logger := logging.FromContext(ctx)

	if !c.session.RejectToken(ctx, token, isIdentity) {
		logger.InfoContext(ctx, "Ignoring rejection of a token that has since been replaced")
		return
	}

	if isIdentity {
		logger.InfoContext(ctx, "Identity check rejected", "suppressed", c.session.IdentitySuppressed(ctx))
		return
	}

	if !c.session.BeginRedirect(ctx) {
		logger.InfoContext(ctx, "Redirect to login already in progress")
		return
	}
	logger.InfoContext(ctx, "Request rejected, redirecting to login")
	c.onUnauthorized(ctx)
}

// errorMessage extracts a human readable message from an error response body
func errorMessage(statusCode int, data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}

	if text := http.StatusText(statusCode); text != "" {
		return text
	}
	return fmt.Sprintf("unexpected status %d", statusCode)
}
