package pubsub

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Guliveer/twitch-eventsub-go/internal/auth"
	"github.com/Guliveer/twitch-eventsub-go/internal/constants"
	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
	"github.com/Guliveer/twitch-eventsub-go/internal/observability"
)

const transportName = "pubsub"

// Handler receives the decoded body of a MESSAGE for a topic it listens on.
// id is the handle Listen returned.
type Handler func(ctx context.Context, id uuid.UUID, msg *model.PubSubMessage)

// Options configures a Client. Zero values use defaults.
type Options struct {
	URL                   string
	PingInterval          time.Duration
	PingJitter            time.Duration
	PongTimeout           time.Duration
	ListenTimeout         time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	MaxTopicsPerConn      int
	MaxConns              int
	Metrics               *observability.Metrics
}

func (o *Options) applyDefaults() {
	if o.URL == "" {
		o.URL = constants.PubSubURL
	}
	if o.PingInterval <= 0 {
		o.PingInterval = constants.DefaultPubSubPingInterval
		if o.PingJitter == 0 {
			o.PingJitter = constants.DefaultPubSubPingJitter
		}
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = constants.DefaultPubSubPongTimeout
	}
	if o.ListenTimeout <= 0 {
		o.ListenTimeout = constants.DefaultPubSubListenTimeout
	}
	if o.ReconnectInitialDelay <= 0 {
		o.ReconnectInitialDelay = constants.DefaultReconnectInitialDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = constants.DefaultPubSubReconnectMaxDelay
	}
	if o.MaxTopicsPerConn <= 0 {
		o.MaxTopicsPerConn = constants.MaxTopicsPerConn
	}
	if o.MaxConns <= 0 {
		o.MaxConns = constants.MaxPubSubConns
	}
}

type topicEntry struct {
	slot     *slot
	handlers map[uuid.UUID]Handler
}

type lifecycle int

const (
	lifecycleIdle lifecycle = iota
	lifecycleRunning
	lifecycleStopped
)

// Client multiplexes PubSub topics over pooled connections.
type Client struct {
	tokens  auth.Provider
	opts    Options
	log     *logger.Logger
	metrics *observability.Metrics

	// writeMu serializes Listen and Unlisten, including their round trips.
	writeMu sync.Mutex
	slots   []*slot

	mu      sync.RWMutex
	topics  map[string]*topicEntry
	handles map[uuid.UUID]string

	lifeMu sync.Mutex
	life   lifecycle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	cbWG   sync.WaitGroup
}

// NewClient creates a client that authenticates LISTEN requests with the
// provider's user token.
func NewClient(tokens auth.Provider, opts Options, log *logger.Logger) *Client {
	opts.applyDefaults()
	if log == nil {
		log = logger.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		tokens:  tokens,
		opts:    opts,
		log:     log.WithComponent("pubsub"),
		metrics: opts.Metrics,
		topics:  make(map[string]*topicEntry),
		handles: make(map[uuid.UUID]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start opens the first connection.
func (c *Client) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	if c.life != lifecycleIdle {
		c.lifeMu.Unlock()
		return ErrAlreadyStarted
	}
	c.life = lifecycleRunning
	c.lifeMu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.slotFor(ctx); err != nil {
		c.lifeMu.Lock()
		c.life = lifecycleIdle
		c.lifeMu.Unlock()
		return err
	}
	c.log.Info("PubSub client started")
	return nil
}

// Stop closes every connection and waits for running handlers until ctx
// ends.
func (c *Client) Stop(ctx context.Context) error {
	c.lifeMu.Lock()
	switch c.life {
	case lifecycleIdle:
		c.lifeMu.Unlock()
		return ErrNotStarted
	case lifecycleStopped:
		c.lifeMu.Unlock()
		return ErrNotRunning
	}
	c.life = lifecycleStopped
	c.lifeMu.Unlock()

	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		c.cbWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for pubsub connections: %w", ctx.Err())
	}
	c.log.Info("PubSub pool closed", "connections", len(c.slots))
	return nil
}

func (c *Client) checkRunning() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	switch c.life {
	case lifecycleIdle:
		return ErrNotStarted
	case lifecycleStopped:
		return ErrNotRunning
	}
	return nil
}

// Listen registers handler for topic and returns a handle for Unlisten.
// The first handler for a topic sends a LISTEN and waits for the server to
// confirm it.
func (c *Client) Listen(ctx context.Context, topic string, handler Handler) (uuid.UUID, error) {
	if err := c.checkRunning(); err != nil {
		return uuid.Nil, err
	}
	if topic == "" || handler == nil {
		return uuid.Nil, errors.New("pubsub: listen needs a topic and a handler")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	id := uuid.New()
	c.mu.Lock()
	if e, ok := c.topics[topic]; ok {
		e.handlers[id] = handler
		c.handles[id] = topic
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	s, err := c.slotFor(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	s.add(topic)
	if conn := s.current(); conn != nil {
		if err := c.request(ctx, conn, TypeListen, []string{topic}); err != nil {
			s.remove(topic)
			return uuid.Nil, err
		}
	}

	c.mu.Lock()
	c.topics[topic] = &topicEntry{slot: s, handlers: map[uuid.UUID]Handler{id: handler}}
	c.handles[id] = topic
	c.mu.Unlock()

	c.log.Debug("Listening", "topic", topic, "conn", s.index)
	return id, nil
}

// ListenTopic is Listen for a typed topic.
func (c *Client) ListenTopic(ctx context.Context, topic model.PubSubTopic, handler Handler) (uuid.UUID, error) {
	return c.Listen(ctx, topic.String(), handler)
}

// Unlisten removes one handler. The last handler of a topic sends an
// UNLISTEN. Unknown handles are ignored.
func (c *Client) Unlisten(ctx context.Context, id uuid.UUID) error {
	if err := c.checkRunning(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	topic, ok := c.handles[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.handles, id)
	e := c.topics[topic]
	delete(e.handlers, id)
	if len(e.handlers) > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.topics, topic)
	c.mu.Unlock()

	e.slot.remove(topic)
	conn := e.slot.current()
	if conn == nil {
		return nil
	}
	if err := c.request(ctx, conn, TypeUnlisten, []string{topic}); err != nil {
		return fmt.Errorf("unlistening %s: %w", topic, err)
	}
	c.log.Debug("Unlistened", "topic", topic, "conn", e.slot.index)
	return nil
}

// Topics returns the topics currently listened on.
func (c *Client) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// ConnectionCount returns the number of pooled connections.
func (c *Client) ConnectionCount() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return len(c.slots)
}

func (c *Client) dial(ctx context.Context, index int) (*Connection, error) {
	return dialConnection(ctx, c.opts.URL, index, connOptions{
		pingInterval: c.opts.PingInterval,
		pingJitter:   c.opts.PingJitter,
		pongTimeout:  c.opts.PongTimeout,
	}, connHooks{
		message: c.dispatch,
		revoked: c.revoked,
	}, c.log)
}

// request sends a LISTEN/UNLISTEN, refreshing the token once when the
// server rejects it.
func (c *Client) request(ctx context.Context, conn *Connection, typ string, topics []string) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("getting access token: %w", err)
	}
	err = conn.Request(ctx, typ, topics, token, c.opts.ListenTimeout)
	if !errors.Is(err, ErrBadAuth) {
		return err
	}

	c.log.Warn("PubSub rejected the auth token, refreshing", "topics", topics)
	token, rerr := c.tokens.Refresh(ctx, token)
	if rerr != nil {
		return errors.Join(err, rerr)
	}
	return conn.Request(ctx, typ, topics, token, c.opts.ListenTimeout)
}

// dispatch runs every handler of topic with the decoded message.
func (c *Client) dispatch(topic, raw string) {
	c.metrics.Message(transportName, TypeMessage)

	c.mu.RLock()
	e, ok := c.topics[topic]
	var handlers map[uuid.UUID]Handler
	if ok {
		handlers = maps.Clone(e.handlers)
	}
	c.mu.RUnlock()
	if !ok {
		c.log.Debug("Message for unknown topic", "topic", topic)
		return
	}

	msg, err := model.ParsePubSubMessage(topic, raw)
	if err != nil {
		c.log.Error("Failed to parse PubSub message", "topic", topic, "error", err)
		return
	}

	for id, h := range handlers {
		c.cbWG.Add(1)
		go func() {
			defer c.cbWG.Done()
			defer func() {
				if r := recover(); r != nil {
					c.metrics.Panic()
					c.log.Error("Recovered panic in PubSub handler",
						"topic", topic, "panic", r, "stack", string(debug.Stack()))
				}
			}()
			h(c.ctx, id, msg)
		}()
	}
}

// revoked drops topics the token lost access to.
func (c *Client) revoked(topics []string) {
	c.mu.Lock()
	for _, topic := range topics {
		e, ok := c.topics[topic]
		if !ok {
			continue
		}
		for id := range e.handlers {
			delete(c.handles, id)
		}
		delete(c.topics, topic)
		e.slot.remove(topic)
		c.metrics.Revocation("auth_revoked")
	}
	c.mu.Unlock()

	c.log.Event(c.ctx, model.EventSubscriptionRevoked, "PubSub auth revoked, no longer listening",
		"topics", topics)
}
