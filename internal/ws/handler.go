package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"scadabridge/internal/acl"
	"scadabridge/internal/apperrors"
	"scadabridge/internal/cache"
	"scadabridge/internal/models"
	"scadabridge/internal/mqtt"
	"scadabridge/internal/utils"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	maxMessageSize = 64 * 1024
	pongWait       = 90 * time.Second
)

// IdentityDecoder validates bearer tokens
type IdentityDecoder interface {
	ValidateTokenJWT(token string) (models.Identity, error)
}

// GrantAuthorizer resolves the prefixes of an identity
type GrantAuthorizer interface {
	Authorize(id models.Identity) (acl.Grant, error)
}

// BrokerPool is the part of the broker pool used by sessions
type BrokerPool interface {
	EnsureConnected(ctx context.Context, key string, timeout time.Duration) (string, error)
	Publish(ctx context.Context, key, topic string, payload []byte, qos byte, retain bool) (string, error)
}

// SnapshotSource provides the hello snapshot
type SnapshotSource interface {
	Snapshot(prefixes []string, broker string) []cache.LastValue
}

// SessionSlots limits concurrent sessions per tenant
type SessionSlots interface {
	Claim(ctx context.Context, tenantID, sessionID string) error
	Touch(ctx context.Context, tenantID, sessionID string) error
	Release(ctx context.Context, tenantID, sessionID string) error
}

// Dependencies of the WebSocket handler. Slots may be nil.
type Dependencies struct {
	Auth           IdentityDecoder
	Authorizer     GrantAuthorizer
	Pool           BrokerPool
	Values         SnapshotSource
	Slots          SessionSlots
	Manager        *Manager
	ConnectTimeout time.Duration
	TouchInterval  time.Duration
}

// Handler upgrades authenticated requests to live sessions
type Handler struct {
	deps     Dependencies
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates the /ws handler
func NewHandler(deps Dependencies) *Handler {
	if deps.ConnectTimeout <= 0 {
		deps.ConnectTimeout = 10 * time.Second
	}
	if deps.TouchInterval <= 0 {
		deps.TouchInterval = time.Minute
	}
	return &Handler{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: utils.Logger("WS"),
	}
}

// ServeHTTP accepts the connection first so refusals can carry a close code
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
		return
	}
	h.logger.Info().Str("remote", r.RemoteAddr).Str("origin", r.Header.Get("Origin")).Msg("WS accepted")

	id, err := h.deps.Auth.ValidateTokenJWT(r.URL.Query().Get("token"))
	if err != nil {
		h.logger.Warn().Err(err).Msg("WS token invalid")
		refuse(conn, CloseInvalidToken, "", "invalid token")
		return
	}

	grant, err := h.deps.Authorizer.Authorize(id)
	if err != nil {
		h.logger.Warn().Err(err).Str("uid", id.UID).Str("tenant", id.TenantID).Msg("WS session refused")
		refuse(conn, CloseNoPrefixes, "Usuario sin plantas asignadas", "no allowed prefixes")
		return
	}

	ctx := r.Context()
	broker, err := h.deps.Pool.EnsureConnected(ctx, grant.Tenant.BrokerKey, h.deps.ConnectTimeout)
	if err != nil {
		h.logger.Warn().Err(err).Str("broker", broker).Str("tenant", grant.Principal.TenantID).Msg("Broker not connected")
		refuse(conn, CloseBrokerUnavailable, "MQTT broker not connected", "broker unavailable")
		return
	}

	sess := NewSession(conn, grant, broker)
	if h.deps.Slots != nil {
		if err := h.deps.Slots.Claim(ctx, sess.TenantID, sess.ID); err != nil {
			if errors.Is(err, apperrors.ErrSessionLimit) {
				_ = sess.Send(errorFrame("Limite de usuarios activos superado"))
				sess.Close(CloseSessionLimit, "session limit reached")
				sess.Wait()
				return
			}
			h.logger.Error().Err(err).Str("tenant", sess.TenantID).Msg("Session slot claim failed, continuing without limit")
		}
		defer h.releaseSlot(sess)
	}

	h.deps.Manager.Add(sess)
	defer h.deps.Manager.Remove(sess.ID)

	_ = sess.Send(encode(helloMessage{
		Type:       TypeHello,
		UID:        sess.UID,
		TenantID:   sess.TenantID,
		Prefixes:   sess.Prefixes,
		Broker:     broker,
		LastValues: h.snapshot(sess),
	}))

	if h.deps.Slots != nil {
		go h.keepSlot(sess)
	}
	h.readLoop(conn, sess)
	sess.Close(websocket.CloseNormalClosure, "")
	sess.Wait()
	h.logger.Info().Str("session", sess.ID).Str("uid", sess.UID).Msg("WS session closed")
}

func (h *Handler) snapshot(s *Session) []cache.LastValue {
	if h.deps.Values == nil {
		return []cache.LastValue{}
	}
	return h.deps.Values.Snapshot(s.Prefixes, s.BrokerKey)
}

// refuse closes a connection that never became a session. Writes happen on
// the calling goroutine since no writer exists yet.
func refuse(conn *websocket.Conn, code int, message, reason string) {
	deadline := time.Now().Add(closeWait)
	if message != "" {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteMessage(websocket.TextMessage, errorFrame(message))
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func (h *Handler) readLoop(conn *websocket.Conn, sess *Session) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Str("session", sess.ID).Msg("WS read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		var reply []byte
		if err := json.Unmarshal(data, &msg); err != nil {
			reply = errorFrame(errInvalidJSON)
		} else {
			reply = h.handleMessage(context.Background(), sess, msg)
		}
		if reply != nil {
			if err := sess.Send(reply); err != nil {
				return
			}
		}
	}
}

// handleMessage processes one client message and returns the reply frame
func (h *Handler) handleMessage(ctx context.Context, sess *Session, msg clientMessage) []byte {
	switch msg.Type {
	case TypePublish:
		if !acl.Allowed(msg.Topic, sess.Prefixes) {
			h.logger.Warn().Str("session", sess.ID).Str("topic", msg.Topic).Msg("Publish outside allowed prefixes")
			return errorFrame(apperrors.ErrTopicNotAllowed.Error())
		}
		resolved, err := h.deps.Pool.Publish(ctx, sess.BrokerKey, msg.Topic, PublishBytes(msg.Payload), NormalizeQoS(msg.QoS), msg.Retain)
		if err != nil {
			h.logger.Warn().Err(err).Str("session", sess.ID).Str("topic", msg.Topic).Str("broker", resolved).Msg("Publish failed")
			return errorFrame(fmt.Sprintf("MQTT publish rc=%d", mqtt.ReturnCode(err)))
		}
		return encode(ackMessage{Type: TypeAck, Topic: msg.Topic, Broker: resolved})
	case TypePing:
		return encode(typeOnly{Type: TypePong})
	default:
		return errorFrame(errUnknownType)
	}
}

func (h *Handler) keepSlot(sess *Session) {
	ticker := time.NewTicker(h.deps.TouchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := h.deps.Slots.Touch(ctx, sess.TenantID, sess.ID); err != nil {
				h.logger.Warn().Err(err).Str("session", sess.ID).Msg("Session slot touch failed")
			}
			cancel()
		}
	}
}

func (h *Handler) releaseSlot(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.deps.Slots.Release(ctx, sess.TenantID, sess.ID); err != nil {
		h.logger.Warn().Err(err).Str("session", sess.ID).Msg("Session slot release failed")
	}
}
