package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"github.com/anitrack/anitrack/internal/constants"
	"github.com/anitrack/anitrack/internal/domain"
	"github.com/anitrack/anitrack/internal/logging"
	"github.com/anitrack/anitrack/internal/ratelimiting"
	"github.com/anitrack/anitrack/internal/reporting"
)

const (
	EventNotification = "notification"
	EventFetchMissed  = "fetch_missed_notifications"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 1 * time.Second
	DefaultMaxReconnectDelay    = 5 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultGraceDelay           = 1 * time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Frame is a single message on the socket, in both directions
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Session interface {
	Token(ctx context.Context) (string, bool)
	LastNotificationID(ctx context.Context) (domain.NotificationID, bool)
	SetLastNotificationID(ctx context.Context, id domain.NotificationID)
}

// AfterFunc runs f after d unless the returned stop func is called first.
// stop reports whether it prevented f from running.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// ListenerFunc handles a non-notification event
type ListenerFunc func(ctx context.Context, data json.RawMessage)

// Manager owns the notification socket: its connection lifecycle, the event listeners
// and the fan-out of notifications to subscribers
type Manager struct {
	url     string
	session Session
	dialer  Dialer
	limiter ratelimiting.RateLimiter

	afterFunc            AfterFunc
	maxReconnectAttempts int
	reconnectDelay       time.Duration
	maxReconnectDelay    time.Duration
	handshakeTimeout     time.Duration
	graceDelay           time.Duration

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	writeMu    sync.Mutex
	generation uint64
	attempts   int
	halted     bool
	stopTimer  func() bool

	listeners   map[string]ListenerFunc
	subscribers []*Subscription
	queue       []domain.Notification

	// Held while calling subscriber handlers so deliveries never interleave
	deliverMu sync.Mutex

	metrics notifyMetricsCollection
}

type Option func(*Manager)

func WithDialer(dialer Dialer) Option {
	return func(m *Manager) {
		m.dialer = dialer
	}
}

func WithAfterFunc(afterFunc AfterFunc) Option {
	return func(m *Manager) {
		m.afterFunc = afterFunc
	}
}

func WithMaxReconnectAttempts(attempts int) Option {
	return func(m *Manager) {
		m.maxReconnectAttempts = attempts
	}
}

// WithReconnectDelay sets the delay step and cap. Attempt n waits min(n*step, max).
func WithReconnectDelay(step, max time.Duration) Option {
	return func(m *Manager) {
		m.reconnectDelay = step
		m.maxReconnectDelay = max
	}
}

func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.handshakeTimeout = timeout
	}
}

func WithGraceDelay(delay time.Duration) Option {
	return func(m *Manager) {
		m.graceDelay = delay
	}
}

// WithRetriggerLimiter limits how often Retrigger may start a new connection
func WithRetriggerLimiter(limiter ratelimiting.RateLimiter) Option {
	return func(m *Manager) {
		m.limiter = limiter
	}
}

func NewManager(socketURL string, session Session, opts ...Option) (*Manager, error) {
	const name = "anitrack/notify"

	parsed, err := url.Parse(socketURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%w: invalid socket url %q", domain.ErrInvalidInput, socketURL)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: unsupported socket url scheme %q", domain.ErrInvalidInput, parsed.Scheme)
	}

	metrics, err := setupNotifyMetrics(otel.Meter(name))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	m := &Manager{
		url:     parsed.String(),
		session: session,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		limiter: ratelimiting.NewUnlimitedRateLimiter(),

		afterFunc:            timeAfterFunc,
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
		reconnectDelay:       DefaultReconnectDelay,
		maxReconnectDelay:    DefaultMaxReconnectDelay,
		handshakeTimeout:     DefaultHandshakeTimeout,
		graceDelay:           DefaultGraceDelay,

		listeners: make(map[string]ListenerFunc),

		metrics: metrics,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pending returns the number of notifications waiting for a subscriber
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// On registers the listener for event, replacing any previous one.
// Listeners survive reconnects and are dropped by Disconnect.
func (m *Manager) On(event string, listener ListenerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[event] = listener
}

func (m *Manager) Off(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, event)
}

// Connect opens the socket with the session's token. It returns once the handshake has
// completed or failed. A failed handshake other than an authentication failure is retried
// in the background.
func (m *Manager) Connect(ctx context.Context) error {
	token, ok := m.session.Token(ctx)
	if !ok {
		return domain.ErrUnauthenticated
	}
	return m.connect(ctx, token)
}

func (m *Manager) connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.halted = false
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	return m.dial(logging.WithComponent(ctx, "notify"), gen, token)
}

func (m *Manager) dial(ctx context.Context, gen uint64, token string) error {
	logger := logging.FromContext(ctx)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("User-Agent", constants.USER_AGENT)

	dialCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	conn, resp, err := m.dialer.DialContext(dialCtx, m.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("%w: connection superseded", domain.ErrCanceled)
	}

	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			m.state = StateDisconnected
			m.halted = true
			m.attempts = 0
			m.mu.Unlock()
			logger.WarnContext(ctx, "Socket handshake rejected", "status", resp.StatusCode)
			return fmt.Errorf("%w: socket handshake rejected with status %d", domain.ErrUnauthorized, resp.StatusCode)
		}
		m.mu.Unlock()
		logger.WarnContext(ctx, "Socket handshake failed", "error", err.Error())
		m.scheduleReconnect(ctx, gen)
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}

	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()

	logger.InfoContext(ctx, "Socket connected")

	if since, ok := m.session.LastNotificationID(ctx); ok {
		if err := m.write(conn, EventFetchMissed, map[string]domain.NotificationID{"since_id": since}); err != nil {
			logger.WarnContext(ctx, "Failed to request missed notifications", "error", err.Error())
		}
	}

	m.drain(ctx)

	go m.readLoop(context.WithoutCancel(ctx), gen, conn)
	return nil
}

func (m *Manager) write(conn *websocket.Conn, event string, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s data: %w", event, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(Frame{Event: event, Data: encoded})
}

// Emit sends an event to the server. It fails with domain.ErrTemporarilyUnavailable when not connected.
func (m *Manager) Emit(ctx context.Context, event string, data any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: socket is not connected", domain.ErrTemporarilyUnavailable)
	}
	if err := m.write(conn, event, data); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	return nil
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	logger := logging.FromContext(ctx)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(ctx, gen, conn, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			logger.WarnContext(ctx, "Ignoring malformed frame", "error", err.Error())
			continue
		}
		m.dispatch(ctx, gen, frame)
	}
}

// current reports whether gen is still the live connection generation
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation
}

func (m *Manager) dispatch(ctx context.Context, gen uint64, frame Frame) {
	logger := logging.FromContext(ctx)

	if frame.Event == EventNotification {
		var notification domain.Notification
		if err := json.Unmarshal(frame.Data, &notification); err != nil {
			logger.WarnContext(ctx, "Ignoring malformed notification", "error", err.Error())
			return
		}
		if notification.ID == "" {
			logger.WarnContext(ctx, "Ignoring notification without id")
			return
		}
		m.metrics.receivedCount.Add(ctx, 1)
		m.deliver(ctx, gen, notification)
		return
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		logger.DebugContext(ctx, "Dropping event from a closed connection", "event", frame.Event)
		return
	}
	listener, ok := m.listeners[frame.Event]
	m.mu.Unlock()
	if !ok {
		logger.DebugContext(ctx, "No listener for event", "event", frame.Event)
		return
	}
	listener(ctx, frame.Data)
}

func (m *Manager) handleDrop(ctx context.Context, gen uint64, conn *websocket.Conn, err error) {
	logger := logging.FromContext(ctx)

	m.mu.Lock()
	if gen != m.generation || m.conn != conn {
		// We closed it ourselves
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.mu.Unlock()
	conn.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.InfoContext(ctx, "Socket closed by server", "reason", err.Error())
	} else {
		logger.WarnContext(ctx, "Socket connection lost", "error", err.Error())
	}

	m.scheduleReconnect(ctx, gen)
}

func (m *Manager) reconnectDelayFor(attempt int) time.Duration {
	return min(time.Duration(attempt)*m.reconnectDelay, m.maxReconnectDelay)
}

func (m *Manager) scheduleReconnect(ctx context.Context, gen uint64) {
	logger := logging.FromContext(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		return
	}

	if m.attempts >= m.maxReconnectAttempts {
		m.state = StateDisconnected
		m.halted = true
		logger.WarnContext(ctx, "Giving up reconnecting", "attempts", m.attempts)
		return
	}

	m.attempts++
	delay := m.reconnectDelayFor(m.attempts)
	m.state = StateReconnecting
	m.metrics.reconnectCount.Add(ctx, 1)
	logger.InfoContext(ctx, "Scheduling reconnect", "attempt", m.attempts, "delay", delay.String())

	bg := context.WithoutCancel(ctx)
	m.stopTimer = m.afterFunc(delay, func() {
		m.reconnect(bg, gen)
	})
}

func (m *Manager) reconnect(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.stopTimer = nil
	m.mu.Unlock()

	token, ok := m.session.Token(ctx)
	if !ok {
		m.mu.Lock()
		if gen == m.generation {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		logging.FromContext(ctx).InfoContext(ctx, "Not reconnecting without a token")
		return
	}

	// Failures schedule the next attempt themselves
	_ = m.dial(ctx, gen, token)
}

// Retrigger restarts a connection that gave up reconnecting, e.g. on user interaction.
// Calls are rate limited and fail with domain.ErrTemporarilyUnavailable when throttled.
func (m *Manager) Retrigger(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != StateDisconnected {
		return nil
	}

	if !m.limiter.Consume("retrigger") {
		return fmt.Errorf("%w: reconnect retriggered too often", domain.ErrTemporarilyUnavailable)
	}

	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()

	return m.Connect(ctx)
}

// teardownLocked closes the current connection and cancels any pending reconnect.
// Must be called with m.mu held.
func (m *Manager) teardownLocked() {
	m.generation++
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
	m.state = StateDisconnected
	m.attempts = 0
}

// SetToken reconnects with token if the socket is active. An empty token disconnects.
func (m *Manager) SetToken(ctx context.Context, token string) error {
	m.mu.Lock()
	active := m.state != StateDisconnected
	if active {
		m.teardownLocked()
	}
	m.halted = false
	m.mu.Unlock()

	if !active || token == "" {
		return nil
	}

	logging.FromContext(ctx).InfoContext(ctx, "Token changed, reconnecting socket")
	return m.connect(ctx, token)
}

// Disconnect closes the socket and forgets every listener, subscriber and queued notification.
// It returns once any delivery in progress has finished, so it must not be called from a Handler.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	m.teardownLocked()
	m.halted = false
	m.listeners = make(map[string]ListenerFunc)
	for _, sub := range m.subscribers {
		sub.removed = true
		sub.stopGrace()
	}
	m.subscribers = nil
	m.queue = nil
	m.mu.Unlock()

	// Frames read before the teardown are dropped from here on
	m.deliverMu.Lock()
	m.deliverMu.Unlock()

	logging.FromContext(ctx).InfoContext(ctx, "Socket disconnected")
}

// handlersLocked snapshots the current subscriber handlers. Must be called with m.mu held.
func (m *Manager) handlersLocked() []Handler {
	handlers := make([]Handler, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		handlers = append(handlers, sub.handler)
	}
	return handlers
}

func (m *Manager) deliver(ctx context.Context, gen uint64, notification domain.Notification) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		logging.FromContext(ctx).DebugContext(ctx, "Dropping notification from a closed connection", "notificationID", string(notification.ID))
		return
	}
	handlers := m.handlersLocked()
	if len(handlers) == 0 {
		m.queue = append(m.queue, notification)
		m.mu.Unlock()
		m.metrics.queuedCount.Add(ctx, 1)
		return
	}
	m.mu.Unlock()

	m.fanOut(ctx, gen, handlers, notification)
}

// drain delivers queued notifications to the current subscribers in arrival order
func (m *Manager) drain(ctx context.Context) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	gen, handlers, queue := m.takeQueueLocked()
	m.mu.Unlock()

	for _, notification := range queue {
		m.fanOut(ctx, gen, handlers, notification)
	}
}

// takeQueueLocked empties the queue if anyone is subscribed. Must be called with m.mu held.
func (m *Manager) takeQueueLocked() (uint64, []Handler, []domain.Notification) {
	handlers := m.handlersLocked()
	if len(handlers) == 0 || len(m.queue) == 0 {
		return m.generation, handlers, nil
	}
	queue := m.queue
	m.queue = nil
	return m.generation, handlers, queue
}

// fanOut must be called with m.deliverMu held
func (m *Manager) fanOut(ctx context.Context, gen uint64, handlers []Handler, notification domain.Notification) {
	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					reporting.Report(ctx, fmt.Errorf("notification handler panicked: %v", r), map[string]string{
						"notificationID": string(notification.ID),
					})
				}
			}()
			handler(ctx, notification)
		}()
	}

	if m.current(gen) {
		m.session.SetLastNotificationID(ctx, notification.ID)
	}
}
