package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Guliveer/twitch-eventsub-go/internal/constants"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
)

// Conn is one EventSub websocket connection.
type Conn struct {
	ws        *websocket.Conn
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// dial opens a websocket to url. Failures wrap ErrConnection.
func dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", ErrConnection, url, err)
	}
	ws.SetReadLimit(1 << 20)
	return &Conn{ws: ws}, nil
}

// Read blocks for the next message. A frame that is not a valid message
// yields ErrProtocolViolation; transport failures yield ErrConnection.
func (c *Conn) Read(ctx context.Context) (*model.Message, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if c.closed.Load() {
			return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: malformed message: %w", ErrProtocolViolation, err)
	}
	if msg.Metadata.MessageType == "" {
		return nil, fmt.Errorf("%w: message without message_type", ErrProtocolViolation)
	}
	return &msg, nil
}

// Send writes v as a JSON text frame.
func (c *Conn) Send(ctx context.Context, v any) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	if err := wsjson.Write(ctx, c.ws, v); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return nil
}

// Close closes the connection gracefully. Only the first call can fail.
func (c *Conn) Close() error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closed.Store(true)
		c.closeErr = c.ws.Close(websocket.StatusNormalClosure, "")
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	if !first {
		return nil
	}
	return c.closeErr
}

// closeReason describes the close frame behind err, if any.
func closeReason(err error) (int, string) {
	code := int(websocket.CloseStatus(err))
	if code < 0 {
		return code, ""
	}
	if reason, ok := constants.CloseReasons[code]; ok {
		return code, reason
	}
	return code, "unknown"
}
