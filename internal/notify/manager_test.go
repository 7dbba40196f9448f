package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/anitrack/anitrack/internal/adapters/kvstore"
	"github.com/anitrack/anitrack/internal/domain"
	"github.com/anitrack/anitrack/internal/notify"
	"github.com/anitrack/anitrack/internal/ratelimiting"
	"github.com/anitrack/anitrack/internal/session"
)

const waitFor = 2 * time.Second

type socketServer struct {
	url    string
	conns  chan *websocket.Conn
	frames chan notify.Frame

	mu      sync.Mutex
	headers []http.Header
	reject  int
}

func newSocketServer(t *testing.T) *socketServer {
	t.Helper()

	s := &socketServer{
		conns:  make(chan *websocket.Conn, 16),
		frames: make(chan notify.Frame, 64),
	}
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.headers = append(s.headers, r.Header.Clone())
		reject := s.reject
		s.mu.Unlock()

		if reject != 0 {
			http.Error(w, http.StatusText(reject), reject)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		go func() {
			for {
				var frame notify.Frame
				if err := conn.ReadJSON(&frame); err != nil {
					return
				}
				s.frames <- frame
			}
		}()
	}))
	t.Cleanup(server.Close)

	s.url = "ws" + strings.TrimPrefix(server.URL, "http")
	return s
}

func (s *socketServer) setReject(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = status
}

func (s *socketServer) handshakes() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header{}, s.headers...)
}

func (s *socketServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(waitFor):
		t.Fatal("no connection")
	}
	return nil
}

func (s *socketServer) nextFrame(t *testing.T) notify.Frame {
	t.Helper()
	select {
	case frame := <-s.frames:
		return frame
	case <-time.After(waitFor):
		t.Fatal("no frame")
	}
	return notify.Frame{}
}

func push(t *testing.T, conn *websocket.Conn, id string) {
	t.Helper()
	err := conn.WriteJSON(map[string]any{
		"event": notify.EventNotification,
		"data": map[string]any{
			"id":   id,
			"type": "episode_released",
			"read": false,
		},
	})
	require.NoError(t, err)
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

type fakeTimers struct {
	mu        sync.Mutex
	scheduled chan *fakeTimer
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{scheduled: make(chan *fakeTimer, 32)}
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) func() bool {
	timer := &fakeTimer{d: d, f: f}
	ft.scheduled <- timer
	return func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		if timer.fired || timer.stopped {
			return false
		}
		timer.stopped = true
		return true
	}
}

func (ft *fakeTimers) fire(timer *fakeTimer) {
	ft.mu.Lock()
	if timer.fired || timer.stopped {
		ft.mu.Unlock()
		return
	}
	timer.fired = true
	ft.mu.Unlock()
	timer.f()
}

func (ft *fakeTimers) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case timer := <-ft.scheduled:
		return timer
	case <-time.After(waitFor):
		t.Fatal("no timer scheduled")
	}
	return nil
}

type collector struct {
	ch chan domain.Notification
}

func newCollector() *collector {
	return &collector{ch: make(chan domain.Notification, 64)}
}

func (c *collector) handle(ctx context.Context, n domain.Notification) {
	c.ch <- n
}

func (c *collector) next(t *testing.T) domain.Notification {
	t.Helper()
	select {
	case n := <-c.ch:
		return n
	case <-time.After(waitFor):
		t.Fatal("no notification delivered")
	}
	return domain.Notification{}
}

func (c *collector) requireNothing(t *testing.T) {
	t.Helper()
	select {
	case n := <-c.ch:
		t.Fatalf("unexpected notification %s", n.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

type fixture struct {
	manager *notify.Manager
	session *session.Session
	server  *socketServer
	timers  *fakeTimers
}

func newFixture(t *testing.T, opts ...notify.Option) fixture {
	t.Helper()
	ctx := context.Background()

	server := newSocketServer(t)
	sess := session.New(kvstore.NewMemoryStore())
	sess.SetToken(ctx, "token-1")
	timers := newFakeTimers()

	manager, err := notify.NewManager(server.url, sess, append([]notify.Option{notify.WithAfterFunc(timers.afterFunc)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Disconnect(context.Background()) })

	return fixture{manager: manager, session: sess, server: server, timers: timers}
}

func TestNewManager(t *testing.T) {
	t.Parallel()
	sess := session.New(kvstore.NewMemoryStore())

	for _, socketURL := range []string{"ws://localhost:8080/socket", "wss://example.com", "https://example.com/ws"} {
		_, err := notify.NewManager(socketURL, sess)
		require.NoError(t, err, socketURL)
	}

	for _, socketURL := range []string{"", "localhost", "ftp://example.com", "://"} {
		_, err := notify.NewManager(socketURL, sess)
		require.ErrorIs(t, err, domain.ErrInvalidInput, socketURL)
	}
}

func TestConnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("handshake carries the token and asks for missed notifications", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.session.SetLastNotificationID(ctx, "41")

		require.NoError(t, f.manager.Connect(ctx))
		require.Equal(t, notify.StateConnected, f.manager.State())

		handshakes := f.server.handshakes()
		require.Len(t, handshakes, 1)
		require.Equal(t, "Bearer token-1", handshakes[0].Get("Authorization"))

		frame := f.server.nextFrame(t)
		require.Equal(t, notify.EventFetchMissed, frame.Event)
		require.JSONEq(t, `{"since_id":"41"}`, string(frame.Data))

		// Already connected
		require.NoError(t, f.manager.Connect(ctx))
		require.Len(t, f.server.handshakes(), 1)
	})

	t.Run("requires a token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.session.ClearToken(ctx)

		require.ErrorIs(t, f.manager.Connect(ctx), domain.ErrUnauthenticated)
		require.Equal(t, notify.StateDisconnected, f.manager.State())
		require.Empty(t, f.server.handshakes())
	})

	t.Run("rejected handshake is terminal", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.server.setReject(http.StatusUnauthorized)

		require.ErrorIs(t, f.manager.Connect(ctx), domain.ErrUnauthorized)
		require.Equal(t, notify.StateDisconnected, f.manager.State())
		require.Empty(t, f.timers.scheduled, "no automatic retry")

		// Subscribing does not try again either
		f.manager.Subscribe(ctx, "", newCollector().handle)
		require.Len(t, f.server.handshakes(), 1)
	})

	t.Run("first subscriber connects", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		f.manager.Subscribe(ctx, "", newCollector().handle)
		require.Equal(t, notify.StateConnected, f.manager.State())
		require.Len(t, f.server.handshakes(), 1)
	})
}

func TestFanOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	first, second := newCollector(), newCollector()
	f.manager.Subscribe(ctx, "", first.handle)
	f.manager.Subscribe(ctx, "", second.handle)
	require.Equal(t, 2, f.manager.Subscribers())

	conn := f.server.nextConn(t)
	push(t, conn, "1")
	push(t, conn, "2")

	for _, c := range []*collector{first, second} {
		require.Equal(t, domain.NotificationID("1"), c.next(t).ID)
		require.Equal(t, domain.NotificationID("2"), c.next(t).ID)
		c.requireNothing(t)
	}

	require.Eventually(t, func() bool {
		id, ok := f.session.LastNotificationID(ctx)
		return ok && id == "2"
	}, waitFor, 10*time.Millisecond)
}

func TestQueueWithoutSubscribers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.manager.Connect(ctx))
	conn := f.server.nextConn(t)

	push(t, conn, "n1")
	push(t, conn, "n2")
	require.Eventually(t, func() bool { return f.manager.Pending() == 2 }, waitFor, 10*time.Millisecond)

	_, ok := f.session.LastNotificationID(ctx)
	require.False(t, ok, "queued notifications are not delivered yet")

	first := newCollector()
	f.manager.Subscribe(ctx, "", first.handle)
	require.Len(t, first.ch, 2, "queue drained before Subscribe returns")
	require.Equal(t, domain.NotificationID("n1"), first.next(t).ID)
	require.Equal(t, domain.NotificationID("n2"), first.next(t).ID)
	require.Zero(t, f.manager.Pending())

	late := newCollector()
	f.manager.Subscribe(ctx, "", late.handle)
	late.requireNothing(t)

	id, _ := f.session.LastNotificationID(ctx)
	require.Equal(t, domain.NotificationID("n2"), id)
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	c := newCollector()
	f.manager.Subscribe(ctx, "", c.handle)
	conn := f.server.nextConn(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]any{"event": "notification", "data": map[string]any{"type": "x"}}))
	require.NoError(t, conn.WriteJSON(map[string]any{"event": "notification", "data": "garbage"}))
	push(t, conn, "ok")

	require.Equal(t, domain.NotificationID("ok"), c.next(t).ID)
	c.requireNothing(t)
	require.Equal(t, notify.StateConnected, f.manager.State())
}

func TestEmit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.ErrorIs(t, f.manager.Emit(ctx, "mark_read", map[string]string{"id": "1"}), domain.ErrTemporarilyUnavailable)

	require.NoError(t, f.manager.Connect(ctx))
	require.NoError(t, f.manager.Emit(ctx, "mark_read", map[string]string{"id": "1"}))

	frame := f.server.nextFrame(t)
	require.Equal(t, "mark_read", frame.Event)
	require.JSONEq(t, `{"id":"1"}`, string(frame.Data))
}

func TestReconnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	var announcements atomic.Int32
	f.manager.On("announcement", func(ctx context.Context, data json.RawMessage) {
		announcements.Add(1)
	})

	c := newCollector()
	f.manager.Subscribe(ctx, "", c.handle)
	conn := f.server.nextConn(t)
	push(t, conn, "7")
	require.Equal(t, domain.NotificationID("7"), c.next(t).ID)

	// Dropped by the server
	require.NoError(t, conn.Close())

	timer := f.timers.next(t)
	require.Equal(t, time.Second, timer.d)
	require.Equal(t, notify.StateReconnecting, f.manager.State())

	f.timers.fire(timer)
	require.Equal(t, notify.StateConnected, f.manager.State())
	conn = f.server.nextConn(t)

	handshakes := f.server.handshakes()
	require.Len(t, handshakes, 2)
	require.Equal(t, "Bearer token-1", handshakes[1].Get("Authorization"))

	frame := f.server.nextFrame(t)
	require.Equal(t, notify.EventFetchMissed, frame.Event)
	require.JSONEq(t, `{"since_id":"7"}`, string(frame.Data))

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "announcement", "data": map[string]any{}}))
	push(t, conn, "8")
	// Frames are handled in order, so the announcement has been handled by now
	require.Equal(t, domain.NotificationID("8"), c.next(t).ID)
	require.Equal(t, int32(1), announcements.Load())
}

func TestReconnectGivesUp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	limiter, stop := ratelimiting.NewTokenBucketRateLimiter(ratelimiting.RefillInterval(time.Hour), ratelimiting.BurstSize(1))
	t.Cleanup(stop)
	f := newFixture(t, notify.WithMaxReconnectAttempts(7), notify.WithRetriggerLimiter(limiter))

	require.NoError(t, f.manager.Connect(ctx))
	conn := f.server.nextConn(t)

	f.server.setReject(http.StatusServiceUnavailable)
	require.NoError(t, conn.Close())

	expectedDelays := []time.Duration{1, 2, 3, 4, 5, 5, 5}
	for i, seconds := range expectedDelays {
		timer := f.timers.next(t)
		require.Equal(t, seconds*time.Second, timer.d, "attempt %d", i+1)
		require.Equal(t, notify.StateReconnecting, f.manager.State())
		f.timers.fire(timer)
	}

	require.Equal(t, notify.StateDisconnected, f.manager.State())
	require.Empty(t, f.timers.scheduled)
	require.Len(t, f.server.handshakes(), 1+len(expectedDelays))

	// Waits for a manual trigger
	f.manager.Subscribe(ctx, "", newCollector().handle)
	require.Len(t, f.server.handshakes(), 1+len(expectedDelays))

	f.server.setReject(0)
	require.NoError(t, f.manager.Retrigger(ctx))
	require.Equal(t, notify.StateConnected, f.manager.State())

	// Nothing to do while connected
	require.NoError(t, f.manager.Retrigger(ctx))

	f.manager.Disconnect(ctx)
	require.ErrorIs(t, f.manager.Retrigger(ctx), domain.ErrTemporarilyUnavailable)
	require.Equal(t, notify.StateDisconnected, f.manager.State())
}

func TestSetToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("reconnects with the new token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		require.NoError(t, f.manager.Connect(ctx))
		f.server.nextConn(t)

		f.session.SetToken(ctx, "token-2")
		require.NoError(t, f.manager.SetToken(ctx, "token-2"))
		require.Equal(t, notify.StateConnected, f.manager.State())
		f.server.nextConn(t)

		handshakes := f.server.handshakes()
		require.Len(t, handshakes, 2)
		require.Equal(t, "Bearer token-2", handshakes[1].Get("Authorization"))

		require.Never(t, func() bool { return len(f.timers.scheduled) > 0 }, 100*time.Millisecond, 10*time.Millisecond,
			"closing the old connection is not a drop")
	})

	t.Run("does nothing while disconnected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		require.NoError(t, f.manager.SetToken(ctx, "token-2"))
		require.Equal(t, notify.StateDisconnected, f.manager.State())
		require.Empty(t, f.server.handshakes())
	})

	t.Run("empty token disconnects", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		require.NoError(t, f.manager.Connect(ctx))
		require.NoError(t, f.manager.SetToken(ctx, ""))
		require.Equal(t, notify.StateDisconnected, f.manager.State())
		require.Len(t, f.server.handshakes(), 1)
	})
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	var announcements atomic.Int32
	f.manager.On("announcement", func(ctx context.Context, data json.RawMessage) {
		announcements.Add(1)
	})

	require.NoError(t, f.manager.Connect(ctx))
	conn := f.server.nextConn(t)
	push(t, conn, "queued")
	require.Eventually(t, func() bool { return f.manager.Pending() == 1 }, waitFor, 10*time.Millisecond)

	f.manager.Disconnect(ctx)
	require.Equal(t, notify.StateDisconnected, f.manager.State())
	require.Zero(t, f.manager.Pending())
	require.Zero(t, f.manager.Subscribers())
	require.Never(t, func() bool { return len(f.timers.scheduled) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	c := newCollector()
	f.manager.Subscribe(ctx, "", c.handle)
	c.requireNothing(t)

	// The new connection has no listeners left
	conn = f.server.nextConn(t)
	require.NoError(t, conn.WriteJSON(map[string]any{"event": "announcement", "data": map[string]any{}}))
	push(t, conn, "after")
	require.Equal(t, domain.NotificationID("after"), c.next(t).ID)
	require.Zero(t, announcements.Load())
}

func TestDisconnectDropsNotificationsInFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	started := make(chan struct{})
	release := make(chan struct{})
	received := newCollector()
	f.manager.Subscribe(ctx, "", func(ctx context.Context, n domain.Notification) {
		received.handle(ctx, n)
		if n.ID == "old-1" {
			close(started)
			<-release
		}
	})
	conn := f.server.nextConn(t)

	push(t, conn, "old-1")
	push(t, conn, "old-2")
	<-started

	disconnected := make(chan struct{})
	go func() {
		f.manager.Disconnect(ctx)
		close(disconnected)
	}()
	require.Eventually(t, func() bool { return f.manager.State() == notify.StateDisconnected }, waitFor, time.Millisecond)
	select {
	case <-disconnected:
		t.Fatal("Disconnect returned during a delivery")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-disconnected

	require.Equal(t, domain.NotificationID("old-1"), received.next(t).ID)
	received.requireNothing(t)
	require.Zero(t, f.manager.Pending())
	_, ok := f.session.LastNotificationID(ctx)
	require.False(t, ok, "delivery finishing after disconnect doesn't persist its id")

	next := newCollector()
	f.manager.Subscribe(ctx, "", next.handle)
	next.requireNothing(t)

	conn = f.server.nextConn(t)
	push(t, conn, "new-1")
	require.Equal(t, domain.NotificationID("new-1"), next.next(t).ID)
	next.requireNothing(t)
}

func TestSubscribeKeepsQueueOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.manager.Connect(ctx))
	conn := f.server.nextConn(t)

	push(t, conn, "n1")
	push(t, conn, "n2")
	require.Eventually(t, func() bool { return f.manager.Pending() == 2 }, waitFor, 10*time.Millisecond)

	go func() {
		_ = conn.WriteJSON(map[string]any{
			"event": notify.EventNotification,
			"data":  map[string]any{"id": "n3", "type": "episode_released", "read": false},
		})
	}()
	c := newCollector()
	f.manager.Subscribe(ctx, "", c.handle)

	for _, id := range []domain.NotificationID{"n1", "n2", "n3"} {
		require.Equal(t, id, c.next(t).ID)
	}
}

func TestSubscriptionGracePeriod(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	first := newCollector()
	sub := f.manager.Subscribe(ctx, "episode-list", first.handle)
	require.Equal(t, "episode-list", sub.Key())
	conn := f.server.nextConn(t)

	sub.Cancel()
	grace := f.timers.next(t)
	require.Equal(t, notify.DefaultGraceDelay, grace.d)

	// Still delivered during the grace period
	push(t, conn, "1")
	require.Equal(t, domain.NotificationID("1"), first.next(t).ID)

	second := newCollector()
	revived := f.manager.Subscribe(ctx, "episode-list", second.handle)
	require.Equal(t, sub.ID(), revived.ID())
	require.Equal(t, 1, f.manager.Subscribers())

	f.timers.fire(grace)
	require.Equal(t, 1, f.manager.Subscribers(), "revived subscription is kept")

	push(t, conn, "2")
	require.Equal(t, domain.NotificationID("2"), second.next(t).ID)
	first.requireNothing(t)

	revived.Cancel()
	f.timers.fire(f.timers.next(t))
	require.Zero(t, f.manager.Subscribers())

	push(t, conn, "3")
	require.Eventually(t, func() bool { return f.manager.Pending() == 1 }, waitFor, 10*time.Millisecond)
	second.requireNothing(t)
}
