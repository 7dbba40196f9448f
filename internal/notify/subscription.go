package notify

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/anitrack/anitrack/internal/domain"
	"github.com/anitrack/anitrack/internal/logging"
)

// Handler receives notifications one at a time. It must not call Subscribe or Disconnect.
type Handler func(ctx context.Context, notification domain.Notification)

// Subscription is a handle to a registered notification handler
type Subscription struct {
	id      uuid.UUID
	key     string
	manager *Manager
	handler Handler

	// Guarded by manager.mu
	removed     bool
	graceGen    uint64
	stopRemoval func() bool
}

func (s *Subscription) ID() uuid.UUID {
	return s.id
}

func (s *Subscription) Key() string {
	return s.key
}

func (s *Subscription) stopGrace() {
	if s.stopRemoval != nil {
		s.stopRemoval()
		s.stopRemoval = nil
	}
}

// Cancel removes the subscription after the manager's grace delay.
// Notifications arriving in the meantime are still delivered, and subscribing again
// with the same key revives this subscription.
func (s *Subscription) Cancel() {
	m := s.manager

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.removed || s.stopRemoval != nil {
		return
	}

	s.graceGen++
	gen := s.graceGen
	s.stopRemoval = m.afterFunc(m.graceDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if s.removed || s.stopRemoval == nil || s.graceGen != gen {
			return
		}
		s.stopRemoval = nil
		s.removed = true
		m.subscribers = slices.DeleteFunc(m.subscribers, func(sub *Subscription) bool {
			return sub == s
		})
	})
}

// Subscribe registers handler for every notification. Queued notifications are delivered
// before Subscribe returns. An empty key gets a unique one; subscribing with the key of an
// existing subscription replaces its handler and revives it if it was canceled.
//
// The socket is connected if this is the first subscriber and a token is available.
func (m *Manager) Subscribe(ctx context.Context, key string, handler Handler) *Subscription {
	logger := logging.FromContext(ctx)

	// Held across registration and draining so live notifications can't overtake queued ones
	m.deliverMu.Lock()

	m.mu.Lock()
	var sub *Subscription
	if key != "" {
		for _, existing := range m.subscribers {
			if existing.key == key {
				sub = existing
				break
			}
		}
	}

	if sub != nil {
		if sub.stopRemoval != nil {
			logger.DebugContext(ctx, "Reviving canceled subscription", "subscriptionKey", key)
		}
		sub.stopGrace()
		sub.handler = handler
	} else {
		id := uuid.New()
		if key == "" {
			key = id.String()
		}
		sub = &Subscription{
			id:      id,
			key:     key,
			manager: m,
			handler: handler,
		}
		m.subscribers = append(m.subscribers, sub)
	}

	shouldConnect := m.state == StateDisconnected && !m.halted
	gen, handlers, queue := m.takeQueueLocked()
	m.mu.Unlock()

	for _, notification := range queue {
		m.fanOut(ctx, gen, handlers, notification)
	}
	m.deliverMu.Unlock()

	if shouldConnect {
		if token, ok := m.session.Token(ctx); ok {
			if err := m.connect(ctx, token); err != nil {
				logger.WarnContext(ctx, "Failed to connect socket for subscriber", "error", err.Error())
			}
		}
	}

	return sub
}

// Subscribers returns the number of registered subscriptions, including canceled ones in their grace period
func (m *Manager) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}
