// Package mqtt owns one paho client per configured broker profile and hands
// inbound messages to the rest of the bridge.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"scadabridge/internal/apperrors"
	"scadabridge/internal/config"
	"scadabridge/internal/metrics"
	"scadabridge/internal/models"
	"scadabridge/internal/utils"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Publish return codes reported to clients
const (
	RCNoConn  = 4
	RCUnknown = 13
)

const defaultInboxSize = 4096

// Handler consumes inbound messages on the dispatch goroutine of a profile
type Handler func(Message)

// PublishError is a publish the broker did not accept
type PublishError struct {
	Code int
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("MQTT publish rc=%d", e.Code)
}

func (e *PublishError) Unwrap() []error {
	return []error{apperrors.ErrPublishFailed, e.Err}
}

// ReturnCode maps an error from Publish to the return code shown to users
func ReturnCode(err error) int {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, apperrors.ErrBrokerUnavailable) {
		return RCNoConn
	}
	return RCUnknown
}

// PoolConfig configures a Pool
type PoolConfig struct {
	Profiles       map[string]models.BrokerProfile
	ClientID       string
	TopicBase      string
	PublicPrefixes []string
	ConnectTimeout time.Duration
	InboxSize      int
}

// Pool holds one persistent client per broker profile
type Pool struct {
	cfg       PoolConfig
	newClient func(*mqtt.ClientOptions) mqtt.Client
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	clients  map[string]mqtt.Client
	states   map[string]*connState
	inboxes  map[string]chan Message
	handlers []Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool; clients are created by Start
func NewPool(cfg PoolConfig, m *metrics.Metrics) *Pool {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	p := &Pool{
		cfg:       cfg,
		newClient: mqtt.NewClient,
		metrics:   m,
		logger:    utils.Logger("MQTT"),
		clients:   make(map[string]mqtt.Client),
		states:    make(map[string]*connState),
		inboxes:   make(map[string]chan Message),
	}
	for key := range cfg.Profiles {
		p.states[key] = newConnState()
		p.inboxes[key] = make(chan Message, cfg.InboxSize)
	}
	return p
}

// OnMessage registers h for every inbound message. Handlers run in
// registration order and must be added before Start.
func (p *Pool) OnMessage(h Handler) {
	p.handlers = append(p.handlers, h)
}

// Start creates and connects one client per profile. Connection happens in
// the background; use EnsureConnected to wait for it.
func (p *Pool) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	for _, key := range p.Keys() {
		profile := p.cfg.Profiles[key]
		opts, err := clientOptions(profile, p.cfg.ClientID)
		if err != nil {
			p.cancel()
			return apperrors.WrapFatal(err, "mqtt", "Start", "build client options")
		}
		opts.OnConnect = p.onConnect(key)
		opts.OnConnectionLost = p.onConnectionLost(key)

		client := p.newClient(opts)
		p.clients[key] = client

		p.wg.Add(1)
		go func(key string) {
			defer p.wg.Done()
			p.dispatch(ctx, key)
		}(key)

		client.Connect()
		p.logger.Info().Str("broker", key).Str("host", profile.Host).Int("port", profile.Port).
			Str("client_id", clientID(profile, p.cfg.ClientID)).Msg("Connecting to broker")
	}
	return nil
}

// Stop disconnects every client and waits for the dispatchers to exit
func (p *Pool) Stop() {
	for key, c := range p.clients {
		c.Disconnect(250)
		p.states[key].clear()
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("Broker pool stopped")
}

// Keys returns the configured profile keys in sorted order
func (p *Pool) Keys() []string {
	keys := make([]string, 0, len(p.cfg.Profiles))
	for k := range p.cfg.Profiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Status reports the connected flag of every profile
func (p *Pool) Status() map[string]bool {
	out := make(map[string]bool, len(p.states))
	for k, s := range p.states {
		out[k] = s.isConnected()
	}
	return out
}

// Resolve maps a tenant broker key to a configured profile key. Unknown keys
// fall back to the default profile.
func (p *Pool) Resolve(key string) string {
	k := config.SanitizeBrokerKey(key)
	if _, ok := p.cfg.Profiles[k]; ok {
		return k
	}
	if k != "" {
		p.logger.Warn().Str("requested", key).Msg("Unknown broker key, using default profile")
		p.metrics.BrokerFallback(k)
	}
	return models.DefaultBrokerKey
}

// EnsureConnected resolves key and waits up to timeout for that profile to be
// connected. Other profiles are never waited on.
func (p *Pool) EnsureConnected(ctx context.Context, key string, timeout time.Duration) (string, error) {
	resolved := p.Resolve(key)
	state, ok := p.states[resolved]
	if !ok {
		return resolved, apperrors.WrapFatal(apperrors.ErrMissingDefaultBroker, "mqtt", "EnsureConnected", "lookup profile")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-state.wait():
		return resolved, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	err := fmt.Errorf("%w: %s", apperrors.ErrBrokerUnavailable, resolved)
	return resolved, apperrors.WrapTransient(err, "mqtt", "EnsureConnected", "wait for connection")
}

// Publish sends payload through the profile resolved from key. The resolved
// key is returned even when the publish fails.
func (p *Pool) Publish(ctx context.Context, key, topic string, payload []byte, qos byte, retain bool) (string, error) {
	resolved, err := p.EnsureConnected(ctx, key, p.cfg.ConnectTimeout)
	if err != nil {
		return resolved, err
	}
	client := p.clients[resolved]
	if client == nil {
		return resolved, &PublishError{Code: RCNoConn, Err: apperrors.ErrBrokerUnavailable}
	}

	token := client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(p.cfg.ConnectTimeout) {
		return resolved, &PublishError{Code: RCUnknown, Err: errors.New("publish timed out")}
	}
	if err := token.Error(); err != nil {
		code := RCUnknown
		if errors.Is(err, mqtt.ErrNotConnected) {
			code = RCNoConn
		}
		return resolved, &PublishError{Code: code, Err: err}
	}
	return resolved, nil
}

func (p *Pool) subscriptions() map[string]byte {
	filters := map[string]byte{wildcard(p.cfg.TopicBase): 1}
	for _, prefix := range p.cfg.PublicPrefixes {
		filters[wildcard(prefix)] = 1
	}
	return filters
}

func wildcard(prefix string) string {
	if strings.HasSuffix(prefix, "#") {
		return prefix
	}
	return strings.TrimRight(prefix, "/") + "/#"
}

func (p *Pool) onConnect(key string) mqtt.OnConnectHandler {
	return func(c mqtt.Client) {
		p.states[key].set()
		p.metrics.BrokerConnected(key, true)
		p.logger.Info().Str("broker", key).Msg("Broker connected")

		filters := p.subscriptions()
		token := c.SubscribeMultiple(filters, p.onMessage(key))
		if !token.WaitTimeout(p.cfg.ConnectTimeout) {
			p.logger.Error().Str("broker", key).Msg("Subscribe timed out")
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Error().Err(err).Str("broker", key).Msg("Subscribe failed")
			return
		}
		for f := range filters {
			p.logger.Debug().Str("broker", key).Str("filter", f).Msg("Subscribed")
		}
	}
}

func (p *Pool) onConnectionLost(key string) mqtt.ConnectionLostHandler {
	return func(_ mqtt.Client, err error) {
		p.states[key].clear()
		p.metrics.BrokerConnected(key, false)
		p.logger.Warn().Err(err).Str("broker", key).Msg("Broker connection lost")
	}
}

// onMessage runs on paho's goroutine and never blocks
func (p *Pool) onMessage(key string) mqtt.MessageHandler {
	inbox := p.inboxes[key]
	return func(_ mqtt.Client, m mqtt.Message) {
		msg := Message{
			Topic:      m.Topic(),
			Payload:    DecodePayload(m.Payload()),
			QoS:        m.Qos(),
			Retain:     m.Retained(),
			Broker:     key,
			ReceivedAt: time.Now().UTC(),
		}
		p.metrics.MessageReceived(key)
		select {
		case inbox <- msg:
		default:
			p.metrics.MessageDropped(key)
			p.logger.Warn().Str("broker", key).Str("topic", msg.Topic).Msg("Dispatch queue full, dropping message")
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, key string) {
	inbox := p.inboxes[key]
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbox:
			for _, h := range p.handlers {
				p.safeHandle(h, msg)
			}
		}
	}
}

func (p *Pool) safeHandle(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("broker", msg.Broker).Str("topic", msg.Topic).
				Interface("panic", r).Str("stack", string(debug.Stack())).Msg("Message handler panicked")
		}
	}()
	h(msg)
}

// connState is the connected signal of one profile. ready is closed while
// the profile is connected and replaced when the connection drops.
type connState struct {
	mu        sync.Mutex
	connected bool
	ready     chan struct{}
}

func newConnState() *connState {
	return &connState{ready: make(chan struct{})}
}

func (s *connState) set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		s.connected = true
		close(s.ready)
	}
}

func (s *connState) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		s.connected = false
		s.ready = make(chan struct{})
	}
}

func (s *connState) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *connState) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
