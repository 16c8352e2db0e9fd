package ws

import (
	"errors"
	"sync"
	"time"

	"scadabridge/internal/acl"
	"scadabridge/internal/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	outboxSize = 256
	closeWait  = time.Second
	pingPeriod = 30 * time.Second
)

// ErrSessionClosed is returned for deliveries to a session that is gone
var ErrSessionClosed = errors.New("session closed")

// ErrOutboxFull is returned when a session cannot accept more frames
var ErrOutboxFull = errors.New("session outbox full")

// Conn is the write side of a WebSocket connection
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type frame struct {
	data   []byte
	result chan error
}

// Session is one authorized WebSocket client. All writes go through its
// writer goroutine.
type Session struct {
	ID        string
	UID       string
	TenantID  string
	Prefixes  []string
	BrokerKey string

	conn   Conn
	outbox chan frame
	done   chan struct{}
	exited chan struct{}
	logger zerolog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	closeCode int
	closeText string
}

// NewSession creates a session bound to grant and broker and starts its
// writer goroutine.
func NewSession(conn Conn, grant acl.Grant, broker string) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		UID:       grant.Principal.UID,
		TenantID:  grant.Principal.TenantID,
		Prefixes:  grant.Prefixes,
		BrokerKey: broker,
		conn:      conn,
		outbox:    make(chan frame, outboxSize),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
	s.logger = utils.Logger("WS").With().Str("session", s.ID).Str("uid", s.UID).Str("tenant", s.TenantID).Logger()
	go s.writeLoop()
	return s
}

// CanReceive reports whether a message from broker on topic is for this session
func (s *Session) CanReceive(topic, broker string) bool {
	if broker != "" && broker != s.BrokerKey {
		return false
	}
	return acl.Allowed(topic, s.Prefixes)
}

// Send queues data without waiting for it to be written
func (s *Session) Send(data []byte) error {
	return s.enqueue(frame{data: data})
}

// Deliver queues data and returns a channel that yields the write result
func (s *Session) Deliver(data []byte) <-chan error {
	result := make(chan error, 1)
	if err := s.enqueue(frame{data: data, result: result}); err != nil {
		result <- err
	}
	return result
}

func (s *Session) enqueue(f frame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.outbox <- f:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrOutboxFull
	}
}

// Close stops the writer, which sends a close frame with code and reason
// before closing the connection. Only the first call has an effect.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeCode, s.closeText = code, reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Done is closed once the session starts closing
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the writer has closed the connection
func (s *Session) Wait() {
	<-s.exited
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.flushClosed()
		_ = s.conn.Close()
		close(s.exited)
	}()

	for {
		select {
		case <-s.done:
			s.mu.Lock()
			code, text := s.closeCode, s.closeText
			s.mu.Unlock()
			if code != websocket.CloseAbnormalClosure && s.drain() {
				_ = s.conn.SetWriteDeadline(time.Now().Add(closeWait))
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
			}
			return
		case f := <-s.outbox:
			err := s.write(websocket.TextMessage, f.data)
			if f.result != nil {
				f.result <- err
			}
			if err != nil {
				s.logger.Debug().Err(err).Msg("Write failed, closing session")
				s.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

// drain writes the frames queued before Close so errors reach the client
// ahead of the close frame. It reports false once a write fails.
func (s *Session) drain() bool {
	for {
		select {
		case f := <-s.outbox:
			_ = s.conn.SetWriteDeadline(time.Now().Add(closeWait))
			err := s.conn.WriteMessage(websocket.TextMessage, f.data)
			if f.result != nil {
				f.result <- err
			}
			if err != nil {
				return false
			}
		default:
			return true
		}
	}
}

// flushClosed fails every frame still waiting in the outbox
func (s *Session) flushClosed() {
	for {
		select {
		case f := <-s.outbox:
			if f.result != nil {
				f.result <- ErrSessionClosed
			}
		default:
			return
		}
	}
}
