package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guliveer/twitch-eventsub-go/internal/constants"
	"github.com/Guliveer/twitch-eventsub-go/internal/dedup"
	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
	"github.com/Guliveer/twitch-eventsub-go/internal/observability"
)

// ReconnectConfig bounds the exponential backoff used when a session is lost.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxElapsed is the total time spent reconnecting before the client
	// gives up with ErrConnectionLost.
	MaxElapsed time.Duration
}

// WebsocketOptions configures a WebsocketClient. Zero values use defaults.
type WebsocketOptions struct {
	URL            string
	WelcomeTimeout time.Duration
	Reconnect      ReconnectConfig
	// MessageHistory is the size of the in-memory duplicate filter. Ignored
	// when Deduper is set.
	MessageHistory    int
	Deduper           dedup.Deduper
	Executor          Executor
	RevocationHandler RevocationHandler
	Metrics           *observability.Metrics
}

func (o *WebsocketOptions) applyDefaults() {
	if o.URL == "" {
		o.URL = constants.EventSubWebsocketURL
	}
	if o.WelcomeTimeout <= 0 {
		o.WelcomeTimeout = constants.DefaultWelcomeTimeout
	}
	if o.Reconnect.InitialDelay <= 0 {
		o.Reconnect.InitialDelay = constants.DefaultReconnectInitialDelay
	}
	if o.Reconnect.MaxDelay <= 0 {
		o.Reconnect.MaxDelay = constants.DefaultReconnectMaxDelay
	}
	if o.Reconnect.MaxElapsed <= 0 {
		o.Reconnect.MaxElapsed = constants.DefaultReconnectMaxElapsed
	}
	if o.MessageHistory <= 0 {
		o.MessageHistory = constants.DefaultMessageHistory
	}
	if o.Deduper == nil {
		o.Deduper = dedup.NewMemory(o.MessageHistory)
	}
}

type sessionState int32

const (
	stateAwaitingWelcome sessionState = iota
	stateReady
	stateClosing
	stateSuperseded
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingWelcome:
		return "awaiting_welcome"
	case stateReady:
		return "ready"
	case stateClosing:
		return "closing"
	case stateSuperseded:
		return "superseded"
	}
	return "unknown"
}

// session is one websocket connection and the server session it carries.
type session struct {
	gen       uint64
	id        string
	conn      *Conn
	keepalive *keepalive
	state     atomic.Int32
}

func (s *session) State() sessionState {
	return sessionState(s.state.Load())
}

func (s *session) setState(st sessionState) {
	s.state.Store(int32(st))
}

// retire stops routing through the session and closes its connection in
// the background.
func (s *session) retire(st sessionState) {
	s.setState(st)
	s.keepalive.Stop()
	go s.conn.Close() //nolint:errcheck
}

// WebsocketClient receives EventSub notifications over a websocket session.
// It is safe for concurrent use.
type WebsocketClient struct {
	core
	opts    WebsocketOptions
	metrics *observability.Metrics

	mu     sync.RWMutex
	active *session
	gen    atomic.Uint64

	events chan sessionEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

// NewWebsocketClient creates a client. Call Start before Listen.
func NewWebsocketClient(remote Remote, opts WebsocketOptions, log *logger.Logger) *WebsocketClient {
	opts.applyDefaults()
	if log == nil {
		log = logger.Discard()
	}
	log = log.WithComponent("eventsub-ws")

	reg := NewRegistry(remote, false, 0, log, opts.Metrics)
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebsocketClient{
		opts:    opts,
		metrics: opts.Metrics,
		events:  make(chan sessionEvent, 16),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.core = core{
		reg:       reg,
		disp:      newDispatcher(reg, opts.Deduper, opts.Executor, opts.RevocationHandler, model.TransportWebsocket, log, opts.Metrics),
		log:       log,
		transport: c.currentTransport,
	}
	return c
}

// Start connects and waits for the session welcome. Listen may be called
// once Start returns.
func (c *WebsocketClient) Start(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}

	s, err := c.connect(ctx, c.opts.URL)
	if err != nil {
		c.lifeMu.Lock()
		c.life = lifecycleIdle
		c.lifeMu.Unlock()
		return err
	}
	c.reg.Locked(func() { c.activate(s) })

	go c.supervise()
	c.log.Info("EventSub websocket started", "session", s.id)
	return nil
}

// Stop closes the session and waits for running callbacks until ctx ends.
// A stopped client cannot be restarted.
func (c *WebsocketClient) Stop(ctx context.Context) error {
	if err := c.end(); err != nil {
		return err
	}
	c.cancel()

	c.mu.RLock()
	s := c.active
	c.mu.RUnlock()
	if s != nil {
		s.setState(stateClosing)
		s.keepalive.Stop()
		if err := s.conn.Close(); err != nil {
			c.log.Debug("Closing websocket", "error", err)
		}
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for supervisor: %w", ctx.Err())
	}
	if err := c.disp.shutdown(ctx); err != nil {
		return err
	}
	c.log.Info("EventSub websocket stopped")
	return nil
}

// Done is closed when the client stopped or gave up reconnecting.
func (c *WebsocketClient) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error after Done is closed, nil after Stop.
func (c *WebsocketClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// SessionID returns the id of the authoritative session, if any.
func (c *WebsocketClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return ""
	}
	return c.active.id
}

func (c *WebsocketClient) currentGen() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return 0
	}
	return c.active.gen
}

func (c *WebsocketClient) currentTransport() (model.Transport, error) {
	c.mu.RLock()
	s := c.active
	c.mu.RUnlock()
	if s == nil {
		return model.Transport{}, ErrNotStarted
	}
	if s.State() != stateReady {
		return model.Transport{}, fmt.Errorf("%w: session is reconnecting", ErrConnection)
	}
	return model.Transport{Method: model.TransportWebsocket, SessionID: s.id}, nil
}

// openSession dials url and reads the welcome. The returned session is not
// yet authoritative and its read loop is not running.
func (c *WebsocketClient) openSession(ctx context.Context, url string) (*session, error) {
	conn, err := dial(ctx, url)
	if err != nil {
		return nil, err
	}
	s := &session{conn: conn}
	s.setState(stateAwaitingWelcome)

	wctx, cancel := context.WithTimeout(ctx, c.opts.WelcomeTimeout)
	msg, err := conn.Read(wctx)
	cancel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("waiting for session_welcome: %w", err)
	}
	if msg.Metadata.MessageType != model.MessageTypeSessionWelcome {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: expected session_welcome, got %q", ErrProtocolViolation, msg.Metadata.MessageType)
	}

	var payload model.SessionPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Session.ID == "" {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: invalid session_welcome payload", ErrProtocolViolation)
	}
	c.metrics.Message(model.TransportWebsocket, msg.Metadata.MessageType)
	c.disp.duplicate(msg.Metadata.MessageID)

	s.id = payload.Session.ID
	s.gen = c.gen.Add(1)
	var timeout time.Duration
	if ka := payload.Session.KeepaliveTimeoutSeconds; ka != nil && *ka > 0 {
		timeout = time.Duration(*ka) * time.Second * constants.KeepaliveGraceFactor
	}
	gen := s.gen
	s.keepalive = newKeepalive(timeout, func() {
		c.post(sessionEvent{kind: eventKeepaliveExpired, gen: gen})
	})

	c.log.Event(ctx, model.EventSessionWelcome, "Session established",
		"session", s.id, "keepalive_deadline", timeout)
	return s, nil
}

// activate makes s the authoritative session and retires the previous one.
// Callers hold the registry write lock.
func (c *WebsocketClient) activate(s *session) {
	c.mu.Lock()
	old := c.active
	c.active = s
	s.setState(stateReady)
	c.mu.Unlock()

	s.keepalive.Start()
	go c.readLoop(s)

	if old != nil && old != s {
		old.retire(stateSuperseded)
	}
}

func (c *WebsocketClient) readLoop(s *session) {
	for {
		msg, err := s.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || s.State() != stateReady {
				return
			}
			if errors.Is(err, ErrProtocolViolation) {
				c.log.Warn("Protocol violation, reconnecting", "session", s.id, "error", err)
				c.post(sessionEvent{kind: eventProtocolViolation, gen: s.gen, err: err})
				return
			}
			code, reason := closeReason(err)
			c.log.Warn("Websocket connection lost",
				"session", s.id, "close_code", code, "close_reason", reason, "error", err)
			c.post(sessionEvent{kind: eventSessionLost, gen: s.gen, err: err})
			return
		}

		if err := c.handle(s, msg); err != nil {
			c.log.Warn("Protocol violation, reconnecting", "session", s.id, "error", err)
			c.post(sessionEvent{kind: eventProtocolViolation, gen: s.gen, err: err})
			return
		}
	}
}

// handle routes one message read from s.
func (c *WebsocketClient) handle(s *session, msg *model.Message) error {
	s.keepalive.Reset()
	c.metrics.Message(model.TransportWebsocket, msg.Metadata.MessageType)

	if s.gen != c.currentGen() || s.State() != stateReady {
		c.log.Debug("Dropping message from retired session",
			"session", s.id, "message_type", msg.Metadata.MessageType)
		return nil
	}
	if c.disp.duplicate(msg.Metadata.MessageID) {
		return nil
	}

	switch msg.Metadata.MessageType {
	case model.MessageTypeSessionKeepalive:
		return nil

	case model.MessageTypeNotification, model.MessageTypeRevocation:
		var payload model.NotificationPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("%w: malformed %s payload: %w", ErrProtocolViolation, msg.Metadata.MessageType, err)
		}
		if msg.Metadata.MessageType == model.MessageTypeNotification {
			c.disp.notification(msg.Metadata, payload)
		} else {
			c.disp.revocation(payload)
		}
		return nil

	case model.MessageTypeSessionReconnect:
		var payload model.SessionPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Session.ReconnectURL == "" {
			return fmt.Errorf("%w: session_reconnect without reconnect_url", ErrProtocolViolation)
		}
		c.post(sessionEvent{kind: eventReconnectRequested, gen: s.gen, url: payload.Session.ReconnectURL})
		return nil

	case model.MessageTypeSessionWelcome:
		return fmt.Errorf("%w: unexpected session_welcome on ready session", ErrProtocolViolation)
	}

	c.log.Debug("Ignoring unknown message type", "message_type", msg.Metadata.MessageType)
	return nil
}

func (c *WebsocketClient) post(ev sessionEvent) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *WebsocketClient) fail(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
	c.log.Event(context.Background(), model.EventConnectionLost, "EventSub connection lost", "error", err)
	c.cancel()
}
