package eventsub

import (
	"context"
	"fmt"
	"time"

	"github.com/Guliveer/twitch-eventsub-go/internal/model"
)

type eventKind int

const (
	eventSessionLost eventKind = iota
	eventKeepaliveExpired
	eventProtocolViolation
	eventReconnectRequested
)

func (k eventKind) String() string {
	switch k {
	case eventSessionLost:
		return "session_lost"
	case eventKeepaliveExpired:
		return "keepalive"
	case eventProtocolViolation:
		return "protocol_violation"
	case eventReconnectRequested:
		return "server_reconnect"
	}
	return "unknown"
}

// sessionEvent is reported to the supervisor by the read loop and the
// keepalive timer of the session with generation gen.
type sessionEvent struct {
	kind eventKind
	gen  uint64
	url  string
	err  error
}

// supervise owns every reconnect. Events from sessions other than the
// authoritative one are stale and ignored.
func (c *WebsocketClient) supervise() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			if ev.gen != c.currentGen() {
				c.log.Debug("Ignoring event from retired session", "event", ev.kind.String(), "gen", ev.gen)
				continue
			}

			var err error
			if ev.kind == eventReconnectRequested {
				err = c.migrate(ev.url)
			} else {
				err = c.reconnect(ev.kind.String())
			}
			if err != nil {
				if c.ctx.Err() == nil {
					c.fail(err)
				}
				return
			}
		}
	}
}

// connect dials url until a session is established, backing off
// exponentially. It gives up with ErrConnectionLost after MaxElapsed.
func (c *WebsocketClient) connect(ctx context.Context, url string) (*session, error) {
	rc := c.opts.Reconnect
	start := time.Now()
	delay := rc.InitialDelay

	for attempt := 1; ; attempt++ {
		s, err := c.openSession(ctx, url)
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Since(start)+delay > rc.MaxElapsed {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnectionLost, attempt, err)
		}

		c.log.Warn("Connection attempt failed, retrying",
			"attempt", attempt, "retry_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, rc.MaxDelay)
	}
}

// migrate follows a server session_reconnect. The old session keeps
// delivering until the new one is authoritative; subscriptions carry over
// so nothing is replayed. If the reconnect URL cannot be used the client
// falls back to a full reconnect.
func (c *WebsocketClient) migrate(url string) error {
	c.metrics.Reconnect(eventReconnectRequested.String())
	c.log.Event(c.ctx, model.EventSessionReconnect, "Server requested reconnect")

	s, err := c.openSession(c.ctx, url)
	if err != nil {
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}
		c.log.Warn("Reconnect URL failed, falling back to full reconnect", "error", err)
		return c.reconnect("reconnect_url_failed")
	}

	c.reg.Locked(func() { c.activate(s) })
	c.log.Info("Session migrated", "session", s.id)
	return nil
}

// reconnect replaces a dead session: the old session stops routing, a new
// one is dialed with backoff, every subscription is re-created on it and the
// new session becomes authoritative.
func (c *WebsocketClient) reconnect(reason string) error {
	c.metrics.Reconnect(reason)

	c.mu.RLock()
	old := c.active
	c.mu.RUnlock()
	if old != nil {
		old.retire(stateClosing)
	}
	c.log.Event(c.ctx, model.EventSessionReconnect, "Session lost, reconnecting", "reason", reason)

	s, err := c.connect(c.ctx, c.opts.URL)
	if err != nil {
		return err
	}

	tr := model.Transport{Method: model.TransportWebsocket, SessionID: s.id}
	revoked, err := c.reg.Replay(c.ctx, tr, func() { c.activate(s) })
	for _, rev := range revoked {
		c.log.Event(c.ctx, model.EventReplayFailed, "Subscription could not be re-created",
			"subscription", rev.sub.ID, "type", rev.sub.Topic.Type)
		c.disp.revoked(rev)
	}
	if err != nil {
		s.keepalive.Stop()
		s.conn.Close() //nolint:errcheck
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	c.log.Info("Reconnected", "session", s.id, "subscriptions", c.reg.Len())
	return nil
}
