// Package eventsub is a Twitch EventSub client. WebsocketClient keeps one
// authoritative websocket session, reconnecting and replaying subscriptions
// when the session dies; WebhookClient serves signed HTTP callbacks. Both
// share the subscription registry and dispatcher.
package eventsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
)

// Client is the transport-independent API of WebsocketClient and
// WebhookClient.
type Client interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Done is closed when the client stopped or failed for good.
	Done() <-chan struct{}
	Err() error

	Listen(ctx context.Context, topic Topic, condition map[string]string, callback Callback,
		opts ...ListenOption) (string, error)
	Unsubscribe(ctx context.Context, id string) error
	UnsubscribeAll(ctx context.Context) error
	Subscriptions() []Subscription
}

var (
	_ Client = (*WebsocketClient)(nil)
	_ Client = (*WebhookClient)(nil)
)

type lifecycle int

const (
	lifecycleIdle lifecycle = iota
	lifecycleRunning
	lifecycleStopped
)

// core implements the subscription API common to both transports.
type core struct {
	reg       *Registry
	disp      *dispatcher
	log       *logger.Logger
	transport TransportFunc

	lifeMu sync.Mutex
	life   lifecycle
}

func (c *core) checkRunning() error {
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

// begin moves idle to running.
func (c *core) begin() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.life != lifecycleIdle {
		return ErrAlreadyStarted
	}
	c.life = lifecycleRunning
	return nil
}

// end moves running to stopped. Stopping twice or before Start fails.
func (c *core) end() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	switch c.life {
	case lifecycleIdle:
		return ErrNotStarted
	case lifecycleStopped:
		return ErrNotRunning
	}
	c.life = lifecycleStopped
	return nil
}

// Listen subscribes to topic with the given condition and returns the
// subscription id. callback runs for every notification of the subscription.
func (c *core) Listen(ctx context.Context, topic Topic, condition map[string]string, callback Callback,
	opts ...ListenOption) (string, error) {
	if err := c.checkRunning(); err != nil {
		return "", err
	}
	if topic.Type == "" || topic.Version == "" {
		return "", errors.New("eventsub: topic needs a type and version")
	}
	if callback == nil {
		return "", errors.New("eventsub: nil callback")
	}

	var o listenOptions
	for _, opt := range opts {
		opt(&o)
	}

	id, err := c.reg.Add(ctx, c.transport, topic, condition, callback, o)
	if err != nil {
		return "", err
	}
	c.log.Event(ctx, model.EventSubscriptionCreated, "Subscribed",
		"subscription", id, "topic", topic.String())
	return id, nil
}

// Unsubscribe removes one subscription. Unknown ids are ignored.
func (c *core) Unsubscribe(ctx context.Context, id string) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	return c.reg.Remove(ctx, id)
}

// UnsubscribeAll deletes every subscription visible to the client's
// credentials, including ones this process never created.
func (c *core) UnsubscribeAll(ctx context.Context) error {
	if err := c.reg.RemoveAll(ctx); err != nil {
		return fmt.Errorf("unsubscribing all: %w", err)
	}
	return nil
}

// Subscriptions returns a snapshot of the tracked subscriptions.
func (c *core) Subscriptions() []Subscription {
	return c.reg.List()
}
