package pubsub

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// slot is one pooled connection and the topics assigned to it. The topic
// set outlives individual connections: after a reconnect every topic is
// LISTENed again on the new connection.
type slot struct {
	index int

	mu     sync.Mutex
	conn   *Connection
	topics map[string]bool
}

func newSlot(index int) *slot {
	return &slot{index: index, topics: make(map[string]bool)}
}

func (s *slot) current() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *slot) setConn(c *Connection) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *slot) add(topic string) {
	s.mu.Lock()
	s.topics[topic] = true
	s.mu.Unlock()
}

func (s *slot) remove(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

func (s *slot) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics)
}

func (s *slot) topicList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// slotFor returns a slot with room for one more topic, dialing a new
// connection when all are full. Callers hold writeMu.
func (c *Client) slotFor(ctx context.Context) (*slot, error) {
	for _, s := range c.slots {
		if s.count() < c.opts.MaxTopicsPerConn {
			return s, nil
		}
	}
	if len(c.slots) >= c.opts.MaxConns {
		return nil, ErrTooManyTopics
	}

	s := newSlot(len(c.slots))
	conn, err := c.dial(ctx, s.index)
	if err != nil {
		return nil, err
	}
	s.setConn(conn)
	c.slots = append(c.slots, s)
	c.log.Info("Created new PubSub connection", "conn", s.index, "total_connections", len(c.slots))

	c.wg.Add(1)
	go c.runSlot(s, conn, false)
	return s, nil
}

// runSlot keeps the slot connected until the client stops. Dead
// connections are redialed with exponential backoff.
func (c *Client) runSlot(s *slot, conn *Connection, relisten bool) {
	defer c.wg.Done()
	ctx := c.ctx
	delay := c.opts.ReconnectInitialDelay

	for {
		if conn != nil {
			errc := make(chan error, 1)
			go func() { errc <- conn.Run(ctx) }()
			s.setConn(conn)
			if relisten {
				c.relisten(ctx, s, conn)
			}

			err := <-errc
			s.setConn(nil)
			if ctx.Err() != nil {
				return
			}
			reason := "pubsub_lost"
			switch {
			case errors.Is(err, ErrReconnectRequested):
				reason = "pubsub_reconnect"
				delay = c.opts.ReconnectInitialDelay
			case errors.Is(err, ErrPongTimeout):
				reason = "pubsub_pong_timeout"
			}
			c.metrics.Reconnect(reason)
			c.log.Warn("PubSub connection lost, reconnecting",
				"conn", s.index, "error", err, "backoff", delay)
			relisten = true
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		var err error
		conn, err = c.dial(ctx, s.index)
		if err != nil {
			c.log.Error("Reconnection failed", "conn", s.index, "error", err)
			delay = min(delay*2, c.opts.ReconnectMaxDelay)
			continue
		}
		delay = c.opts.ReconnectInitialDelay
		c.log.Info("PubSub connection re-established", "conn", s.index)
	}
}

// relisten LISTENs every topic of the slot on a fresh connection.
func (c *Client) relisten(ctx context.Context, s *slot, conn *Connection) {
	topics := s.topicList()
	if len(topics) == 0 {
		return
	}
	if err := c.request(ctx, conn, TypeListen, topics); err != nil {
		c.log.Error("Failed to re-listen topics after reconnect",
			"conn", s.index, "topics", topics, "error", err)
		return
	}
	c.log.Debug("Re-listened topics", "conn", s.index, "count", len(topics))
}
