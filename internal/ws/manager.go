// Package ws serves the live WebSocket feed: it authorizes sessions, seeds
// them with cached values and fans broker messages out to them.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"scadabridge/internal/metrics"
	"scadabridge/internal/mqtt"
	"scadabridge/internal/utils"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultDeliveryTimeout bounds one broadcast pass
const DefaultDeliveryTimeout = 5 * time.Second

// Manager is the registry of live sessions
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	timeout time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewManager creates a registry whose broadcasts wait at most timeout
func NewManager(timeout time.Duration, m *metrics.Metrics) *Manager {
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	return &Manager{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		metrics:  m,
		logger:   utils.Logger("WS"),
	}
}

// Add registers s
func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SessionsActive(n)
	m.logger.Info().Str("session", s.ID).Str("uid", s.UID).Str("tenant", s.TenantID).
		Str("broker", s.BrokerKey).Strs("prefixes", s.Prefixes).Int("sessions", n).Msg("Session registered")
}

// Remove unregisters the session with id; it reports whether it was present
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()

	if ok {
		m.metrics.SessionsActive(n)
	}
	return ok
}

// Count returns the number of registered sessions
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

type pending struct {
	session *Session
	result  <-chan error
}

// Broadcast delivers msg to every session allowed to see it. Deliveries run
// concurrently on the sessions' writers and share one deadline; sessions
// that fail or miss it are evicted after the pass. It returns the number of
// sessions reached.
func (m *Manager) Broadcast(msg mqtt.Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Failed to encode broadcast")
		return 0
	}

	var waits []pending
	for _, s := range m.snapshot() {
		if !s.CanReceive(msg.Topic, msg.Broker) {
			continue
		}
		waits = append(waits, pending{session: s, result: s.Deliver(data)})
	}
	if len(waits) == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	delivered := 0
	var evict []*Session
	for _, w := range waits {
		select {
		case err := <-w.result:
			if err != nil {
				m.logger.Warn().Err(err).Str("session", w.session.ID).Str("uid", w.session.UID).
					Str("topic", msg.Topic).Msg("Delivery failed")
				evict = append(evict, w.session)
				continue
			}
			delivered++
		case <-ctx.Done():
			m.logger.Warn().Str("session", w.session.ID).Str("uid", w.session.UID).
				Str("topic", msg.Topic).Dur("timeout", m.timeout).Msg("Delivery timed out")
			evict = append(evict, w.session)
		}
	}

	for _, s := range evict {
		if m.Remove(s.ID) {
			s.Close(websocket.CloseGoingAway, "delivery failed")
		}
	}
	m.metrics.Delivered(delivered)
	m.metrics.Evicted(len(evict))
	m.logger.Debug().Str("topic", msg.Topic).Str("broker", msg.Broker).Int("delivered", delivered).
		Int("evicted", len(evict)).Msg("Broadcast")
	return delivered
}

// CloseAll closes every session, used on shutdown
func (m *Manager) CloseAll() {
	for _, s := range m.snapshot() {
		m.Remove(s.ID)
		s.Close(websocket.CloseGoingAway, "server shutting down")
	}
}
