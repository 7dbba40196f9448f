package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/anitrack/anitrack/internal/adapters/cache"
	"github.com/anitrack/anitrack/internal/apiclient"
	"github.com/anitrack/anitrack/internal/domain"
	"github.com/anitrack/anitrack/internal/logging"
	"github.com/anitrack/anitrack/internal/session"
)

const DefaultIdentityThrottle = 30 * time.Second

// identityCacheKey keys the throttled identity by token so a result fetched with one token
// is never served for another
func identityCacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "identity:" + hex.EncodeToString(sum[:])
}

type Session interface {
	Token(ctx context.Context) (string, bool)
	SetToken(ctx context.Context, token string)
	OnTokenChange(f session.TokenChangeFunc)
	IdentitySuppressed(ctx context.Context) bool
	ResetIdentityFailures(ctx context.Context)
	ClearRedirect(ctx context.Context)
	Clear(ctx context.Context)
}

type Socket interface {
	Connect(ctx context.Context) error
	SetToken(ctx context.Context, token string) error
	Disconnect(ctx context.Context)
}

type ETagStore interface {
	ClearAll(ctx context.Context)
}

type Resources interface {
	ClearUserCaches(ctx context.Context)
}

type Client interface {
	Get(ctx context.Context, path string, params url.Values) (apiclient.Response, error)
}

// Coordinator keeps the session, the socket and the per-user caches consistent across
// login, logout and token changes
type Coordinator struct {
	client       Client
	session      Session
	socket       Socket
	etags        ETagStore
	resources    Resources
	identityPath string
	identity     cache.Cache[domain.User]
}

type Option func(*Coordinator)

// WithIdentityThrottle sets how long a successful identity lookup is reused
func WithIdentityThrottle(throttle time.Duration) Option {
	return func(c *Coordinator) {
		c.identity = cache.NewTTLCache[domain.User](throttle)
	}
}

func WithIdentityPath(path string) Option {
	return func(c *Coordinator) {
		c.identityPath = path
	}
}

func NewCoordinator(client Client, session Session, socket Socket, etags ETagStore, resources Resources, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:       client,
		session:      session,
		socket:       socket,
		etags:        etags,
		resources:    resources,
		identityPath: apiclient.DefaultIdentityPath,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.identity == nil {
		c.identity = cache.NewTTLCache[domain.User](DefaultIdentityThrottle)
	}

	session.OnTokenChange(c.onTokenChange)

	return c
}

// onTokenChange follows every token change, including the token being cleared after a 401
func (c *Coordinator) onTokenChange(ctx context.Context, token string) {
	if token != "" {
		cache.Evict(c.identity, identityCacheKey(token))
	}

	if err := c.socket.SetToken(ctx, token); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "Failed to hand new token to socket", "error", err.Error())
	}
}

func (c *Coordinator) Login(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is required", domain.ErrInvalidInput)
	}

	c.session.SetToken(ctx, token)
	c.session.ResetIdentityFailures(ctx)
	c.session.ClearRedirect(ctx)
	cache.Evict(c.identity, identityCacheKey(token))

	logging.FromContext(ctx).InfoContext(ctx, "Logged in")
	return nil
}

func (c *Coordinator) Logout(ctx context.Context) {
	if token, ok := c.session.Token(ctx); ok {
		cache.Evict(c.identity, identityCacheKey(token))
	}
	// Disconnect first so no delivery in progress can write to the cleared session
	c.socket.Disconnect(ctx)
	c.session.Clear(ctx)
	c.etags.ClearAll(ctx)
	c.resources.ClearUserCaches(ctx)

	logging.FromContext(ctx).InfoContext(ctx, "Logged out")
}

// CurrentUser returns the logged in user.
// Concurrent callers share one request, and a successful result is reused for the identity throttle.
// Once the server has rejected an identity check, checks stay suppressed until the next login.
func (c *Coordinator) CurrentUser(ctx context.Context) (domain.User, error) {
	if c.session.IdentitySuppressed(ctx) {
		return domain.User{}, domain.ErrIdentityCheckSuppressed
	}
	token, ok := c.session.Token(ctx)
	if !ok {
		return domain.User{}, domain.ErrUnauthenticated
	}

	return cache.GetOrCreate(ctx, c.identity, identityCacheKey(token), func() (domain.User, error) {
		resp, err := c.client.Get(ctx, c.identityPath, nil)
		if err != nil {
			return domain.User{}, err
		}

		if current, _ := c.session.Token(ctx); current != token {
			return domain.User{}, fmt.Errorf("%w: token changed during identity check", domain.ErrCanceled)
		}

		var user domain.User
		if err := json.Unmarshal(resp.Data, &user); err != nil {
			return domain.User{}, fmt.Errorf("%w: failed to decode identity: %w", domain.ErrResource, err)
		}
		if user.ID == "" {
			return domain.User{}, fmt.Errorf("%w: identity response has no user id", domain.ErrResource)
		}
		return user, nil
	})
}

// EnsureSocket connects the notification socket if there is a token
func (c *Coordinator) EnsureSocket(ctx context.Context) error {
	if _, ok := c.session.Token(ctx); !ok {
		return nil
	}
	return c.socket.Connect(ctx)
}
