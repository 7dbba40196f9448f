// Package session holds the persisted client state that is not a resource cache:
// the auth token, the last seen notification, user preferences and one-shot coordination flags.
package session

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/anitrack/anitrack/internal/adapters/kvstore"
	"github.com/anitrack/anitrack/internal/domain"
	"github.com/anitrack/anitrack/internal/logging"
)

const namespace = "session:"

const (
	tokenKey              = namespace + "token"
	lastNotificationIDKey = namespace + "last_notification_id"
	identityFailuresKey   = namespace + "identity_failures"
	redirectKey           = namespace + "redirect_in_progress"
	themeKey              = namespace + "theme"
	timezoneKey           = namespace + "timezone"
)

// DefaultIdentityFailureThreshold suppresses identity checks after the first rejection
const DefaultIdentityFailureThreshold = 1

type TokenChangeFunc func(ctx context.Context, token string)

type Session struct {
	store            kvstore.Store
	failureThreshold int
	mu               sync.Mutex
	tokenChangeFuncs []TokenChangeFunc
}

type Option func(*Session)

func WithIdentityFailureThreshold(threshold int) Option {
	return func(s *Session) {
		if threshold > 0 {
			s.failureThreshold = threshold
		}
	}
}

func New(store kvstore.Store, opts ...Option) *Session {
	s := &Session{
		store:            store,
		failureThreshold: DefaultIdentityFailureThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) get(ctx context.Context, key string) (string, bool) {
	value, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			logging.FromContext(ctx).WarnContext(ctx, "Failed to read session value", "key", key, "error", err.Error())
		}
		return "", false
	}
	return string(value), true
}

func (s *Session) set(ctx context.Context, key, value string) {
	if err := s.store.Set(ctx, key, []byte(value)); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "Failed to write session value", "key", key, "error", err.Error())
	}
}

func (s *Session) remove(ctx context.Context, key string) {
	if err := s.store.Delete(ctx, key); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "Failed to remove session value", "key", key, "error", err.Error())
	}
}

func (s *Session) Token(ctx context.Context) (string, bool) {
	token, ok := s.get(ctx, tokenKey)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func (s *Session) IsAuthenticated(ctx context.Context) bool {
	_, ok := s.Token(ctx)
	return ok
}

// SetToken stores token and, if it changed, resets the identity failure state and notifies listeners
func (s *Session) SetToken(ctx context.Context, token string) {
	if token == "" {
		s.ClearToken(ctx)
		return
	}

	s.mu.Lock()
	old, _ := s.Token(ctx)
	if old == token {
		s.mu.Unlock()
		return
	}
	s.set(ctx, tokenKey, token)
	s.remove(ctx, identityFailuresKey)
	funcs := s.tokenChangeFuncs
	s.mu.Unlock()

	for _, f := range funcs {
		f(ctx, token)
	}
}

func (s *Session) ClearToken(ctx context.Context) {
	s.mu.Lock()
	_, had := s.Token(ctx)
	s.remove(ctx, tokenKey)
	funcs := s.tokenChangeFuncs
	s.mu.Unlock()

	if !had {
		return
	}
	for _, f := range funcs {
		f(ctx, "")
	}
}

// OnTokenChange registers f to be called after the token changes. An empty token means it was cleared.
func (s *Session) OnTokenChange(f TokenChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokenChangeFuncs = append(s.tokenChangeFuncs[:len(s.tokenChangeFuncs):len(s.tokenChangeFuncs)], f)
}

func (s *Session) LastNotificationID(ctx context.Context) (domain.NotificationID, bool) {
	id, ok := s.get(ctx, lastNotificationIDKey)
	if !ok || id == "" {
		return "", false
	}
	return domain.NotificationID(id), true
}

func (s *Session) SetLastNotificationID(ctx context.Context, id domain.NotificationID) {
	if id == "" {
		return
	}
	s.set(ctx, lastNotificationIDKey, string(id))
}

func (s *Session) IdentityFailures(ctx context.Context) int {
	raw, ok := s.get(ctx, identityFailuresKey)
	if !ok {
		return 0
	}
	failures, err := strconv.Atoi(raw)
	if err != nil || failures < 0 {
		return 0
	}
	return failures
}

func (s *Session) IdentityFailureThreshold() int {
	return s.failureThreshold
}

// RejectToken handles the server rejecting token: the token is cleared and, for identity
// checks, one more consecutive identity failure is counted. It does nothing and returns false
// if token is no longer the session's token, e.g. because a new one was set while the rejected
// request was in flight.
func (s *Session) RejectToken(ctx context.Context, token string, identityCheck bool) bool {
	s.mu.Lock()
	current, had := s.Token(ctx)
	if current != token {
		s.mu.Unlock()
		return false
	}
	if identityCheck {
		s.set(ctx, identityFailuresKey, strconv.Itoa(s.IdentityFailures(ctx)+1))
	}
	s.remove(ctx, tokenKey)
	funcs := s.tokenChangeFuncs
	s.mu.Unlock()

	if !had {
		return true
	}
	for _, f := range funcs {
		f(ctx, "")
	}
	return true
}

func (s *Session) ResetIdentityFailures(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(ctx, identityFailuresKey)
}

func (s *Session) IdentitySuppressed(ctx context.Context) bool {
	return s.IdentityFailures(ctx) >= s.failureThreshold
}

// BeginRedirect marks a redirect to login as in progress. It returns false if one already was.
func (s *Session) BeginRedirect(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, inProgress := s.get(ctx, redirectKey); inProgress {
		return false
	}
	s.set(ctx, redirectKey, "1")
	return true
}

func (s *Session) RedirectInProgress(ctx context.Context) bool {
	_, inProgress := s.get(ctx, redirectKey)
	return inProgress
}

func (s *Session) ClearRedirect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(ctx, redirectKey)
}

func (s *Session) Theme(ctx context.Context) (string, bool) {
	return s.get(ctx, themeKey)
}

func (s *Session) SetTheme(ctx context.Context, theme string) {
	s.set(ctx, themeKey, theme)
}

func (s *Session) Timezone(ctx context.Context) (string, bool) {
	return s.get(ctx, timezoneKey)
}

func (s *Session) SetTimezone(ctx context.Context, timezone string) {
	s.set(ctx, timezoneKey, timezone)
}

// Clear removes the token, the last seen notification and every coordination flag.
// Preferences are kept.
func (s *Session) Clear(ctx context.Context) {
	s.ClearToken(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(ctx, lastNotificationIDKey)
	s.remove(ctx, identityFailuresKey)
	s.remove(ctx, redirectKey)
}
