// Package notify forwards operational events (revocations, lost
// connections, reconnects) to Discord and generic webhook endpoints.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Guliveer/twitch-eventsub-go/internal/config"
	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
)

// defaultHTTPTimeout is the timeout for notification HTTP requests.
const defaultHTTPTimeout = 5 * time.Second

// Notifier is the interface that all notification providers must implement.
type Notifier interface {
	Send(ctx context.Context, event model.Event, title, message string) error
	Name() string
	ShouldNotify(event model.Event) bool
}

// Dispatcher fans an event out to every notifier subscribed to it.
type Dispatcher struct {
	notifiers []Notifier
	title     string
	log       *logger.Logger
	wg        sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from the notification configuration.
// Providers that are absent or disabled are skipped.
func NewDispatcher(cfg config.NotificationsConfig, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Discard()
	}
	d := &Dispatcher{title: "Twitch EventSub", log: log.WithComponent("notify")}

	httpClient := &http.Client{
		Timeout: defaultHTTPTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	if cfg.Discord != nil && cfg.Discord.Enabled {
		d.notifiers = append(d.notifiers, &Discord{
			baseNotifier: baseNotifier{name: "Discord", events: parseEvents(cfg.Discord.Events)},
			webhookURL:   cfg.Discord.WebhookURL,
			httpClient:   httpClient,
		})
	}

	if cfg.Webhook != nil && cfg.Webhook.Enabled {
		method := cfg.Webhook.Method
		if method == "" {
			method = http.MethodPost
		}
		d.notifiers = append(d.notifiers, &Webhook{
			baseNotifier: baseNotifier{name: "Webhook", events: parseEvents(cfg.Webhook.Events)},
			url:          cfg.Webhook.Endpoint,
			method:       method,
			httpClient:   httpClient,
		})
	}

	return d
}

// Dispatch sends a notification to all notifiers that match the event.
// Sends are non-blocking: each notifier runs in its own goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, event model.Event, title, message string) {
	for _, n := range d.notifiers {
		if !n.ShouldNotify(event) {
			continue
		}
		d.wg.Add(1)
		go func(notifier Notifier) {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultHTTPTimeout)
			defer cancel()
			if err := notifier.Send(sendCtx, event, title, message); err != nil {
				d.log.Warn("notification send failed",
					"provider", notifier.Name(),
					"event", string(event),
					"error", err,
				)
			}
		}(n)
	}
}

// NotifyFunc returns a logger.NotifyFunc that dispatches notifications via this Dispatcher.
func (d *Dispatcher) NotifyFunc() logger.NotifyFunc {
	return func(ctx context.Context, message string, event model.Event) {
		d.Dispatch(ctx, event, d.title, message)
	}
}

// Wait blocks until in-flight sends finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Test sends a test message to every notifier, ignoring event filters, and
// waits for the results.
func (d *Dispatcher) Test(ctx context.Context) error {
	errs := make([]error, len(d.notifiers))
	var wg sync.WaitGroup
	for i, n := range d.notifiers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
			defer cancel()
			if err := n.Send(sendCtx, model.EventTest, d.title, "Test notification"); err != nil {
				errs[i] = fmt.Errorf("%s: %w", n.Name(), err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// HasNotifiers reports whether any notifiers are configured.
func (d *Dispatcher) HasNotifiers() bool {
	return len(d.notifiers) > 0
}

// parseEvents converts event names to model.Event values, dropping unknown
// names.
func parseEvents(names []string) []model.Event {
	events := make([]model.Event, 0, len(names))
	for _, name := range names {
		e := model.ParseEvent(name)
		if e != "" {
			events = append(events, e)
		}
	}
	return events
}

// baseNotifier provides the Name and event filter shared by providers.
type baseNotifier struct {
	name   string
	events []model.Event
}

// Name returns the human-readable name of the notifier.
func (b *baseNotifier) Name() string { return b.name }

// ShouldNotify reports whether this notifier should fire for the given event.
func (b *baseNotifier) ShouldNotify(event model.Event) bool {
	return slices.Contains(b.events, event)
}
