package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
)

// connHooks receive what a connection reads. They run on the read loop.
type connHooks struct {
	message func(topic, message string)
	revoked func(topics []string)
}

type connOptions struct {
	pingInterval time.Duration
	pingJitter   time.Duration
	pongTimeout  time.Duration
}

// Connection represents a single WebSocket connection to the Twitch PubSub
// server. Requests are written by a single write loop; RESPONSE messages are
// matched to their request by nonce.
type Connection struct {
	index int
	conn  *websocket.Conn
	opts  connOptions
	hooks connHooks
	log   *logger.Logger

	writeCh chan []byte
	pong    chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	pending map[string]chan error
	closed  bool

	closeOnce sync.Once
}

// dialConnection dials url. The connection does nothing until Run.
func dialConnection(ctx context.Context, url string, index int, opts connOptions, hooks connHooks,
	log *logger.Logger) (*Connection, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("dialing PubSub server: %w", err)
	}

	conn.SetReadLimit(128 << 10) // 128 KB

	return &Connection{
		index:   index,
		conn:    conn,
		opts:    opts,
		hooks:   hooks,
		log:     log,
		writeCh: make(chan []byte, 64),
		pong:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: make(map[string]chan error),
	}, nil
}

// Run starts the read, write and ping loops. It blocks until one of them
// fails or ctx is cancelled, then closes the connection.
func (c *Connection) Run(ctx context.Context) error {
	defer c.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writeLoop(ctx) })
	g.Go(func() error { return c.pingLoop(ctx) })
	g.Go(func() error {
		err := c.readLoop(ctx)
		// The socket is gone; unblock the writer.
		c.conn.CloseNow() //nolint:errcheck
		return err
	})
	return g.Wait()
}

// Close closes the socket and fails every pending request.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for nonce, ch := range c.pending {
			ch <- ErrConnectionClosed
			delete(c.pending, nonce)
		}
		c.mu.Unlock()
		close(c.done)
		c.conn.Close(websocket.StatusNormalClosure, "closing") //nolint:errcheck
	})
}

// Request sends a LISTEN or UNLISTEN for topics and waits for the matching
// RESPONSE.
func (c *Connection) Request(ctx context.Context, typ string, topics []string, token string,
	timeout time.Duration) error {
	nonce := uuid.NewString()
	ch := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.pending[nonce] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, nonce)
		c.mu.Unlock()
	}()

	req := Request{
		Type:  typ,
		Nonce: nonce,
		Data:  &RequestData{Topics: topics, AuthToken: token},
	}
	if err := c.enqueue(req); err != nil {
		return err
	}
	c.log.Debug("Sent request", "conn", c.index, "type", typ, "topics", topics, "nonce", nonce)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("%s %s: %w", strings.ToLower(typ), strings.Join(topics, ","), err)
		}
		return nil
	case <-timer.C:
		return ErrListenTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read error on conn #%d: %w", c.index, err)
		}

		// Twitch may batch several messages into one frame.
		for _, line := range strings.Split(string(data), "\r\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var resp Response
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				c.log.Warn("Ignoring malformed PubSub frame", "conn", c.index, "error", err)
				continue
			}
			if err := c.handleResponse(&resp); err != nil {
				return err
			}
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.writeCh:
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return fmt.Errorf("write error on conn #%d: %w", c.index, err)
			}
		}
	}
}

// pingLoop sends a PING every interval (plus or minus jitter) and fails the
// connection when the PONG does not arrive within pongTimeout.
func (c *Connection) pingLoop(ctx context.Context) error {
	for {
		wait := c.opts.pingInterval
		if j := c.opts.pingJitter; j > 0 {
			wait += rand.N(2*j) - j
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		// Drop a stale PONG so only the answer to this PING counts.
		select {
		case <-c.pong:
		default:
		}
		if err := c.enqueue(Request{Type: TypePing}); err != nil {
			return err
		}
		c.log.Debug("Sent PING", "conn", c.index)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.pong:
		case <-time.After(c.opts.pongTimeout):
			c.log.Warn("No PONG received, connection is dead", "conn", c.index, "timeout", c.opts.pongTimeout)
			return ErrPongTimeout
		}
	}
}

func (c *Connection) handleResponse(resp *Response) error {
	switch resp.Type {
	case TypePong:
		select {
		case c.pong <- struct{}{}:
		default:
		}

	case TypeReconnect:
		c.log.Info("Reconnection requested by server", "conn", c.index)
		return ErrReconnectRequested

	case TypeResponse:
		c.mu.Lock()
		ch, ok := c.pending[resp.Nonce]
		delete(c.pending, resp.Nonce)
		c.mu.Unlock()
		if !ok {
			c.log.Debug("RESPONSE for unknown nonce", "conn", c.index, "nonce", resp.Nonce)
			return nil
		}
		ch <- responseError(resp.Error)

	case TypeMessage:
		var msg MessageData
		if err := json.Unmarshal(resp.Data, &msg); err != nil {
			c.log.Error("Failed to parse MESSAGE data", "conn", c.index, "error", err)
			return nil
		}
		if c.hooks.message != nil {
			c.hooks.message(msg.Topic, msg.Message)
		}

	case TypeAuthRevoked:
		var data AuthRevokedData
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			c.log.Error("Failed to parse AUTH_REVOKED data", "conn", c.index, "error", err)
			return nil
		}
		if c.hooks.revoked != nil {
			c.hooks.revoked(data.Topics)
		}

	default:
		c.log.Warn("Unknown PubSub message type", "conn", c.index, "type", resp.Type)
	}
	return nil
}

func (c *Connection) enqueue(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return errors.New("pubsub: write channel full")
	}
}
