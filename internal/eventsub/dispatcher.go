package eventsub

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/Guliveer/twitch-eventsub-go/internal/dedup"
	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
	"github.com/Guliveer/twitch-eventsub-go/internal/observability"
)

// Executor runs a callback task. The default starts one goroutine per task.
type Executor func(task func())

// dispatcher routes notifications and revocations from either transport to
// the registry's callbacks. Callbacks never run on the reading goroutine.
type dispatcher struct {
	reg       *Registry
	dedup     dedup.Deduper
	executor  Executor
	onRevoke  RevocationHandler
	transport string
	log       *logger.Logger
	metrics   *observability.Metrics

	// ctx is handed to callbacks and cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add against shutdown; no task starts once closed is set.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newDispatcher(reg *Registry, d dedup.Deduper, exec Executor, onRevoke RevocationHandler,
	transport string, log *logger.Logger, metrics *observability.Metrics) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		reg:       reg,
		dedup:     d,
		executor:  exec,
		onRevoke:  onRevoke,
		transport: transport,
		log:       log,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// duplicate reports whether the message id was already handled.
func (d *dispatcher) duplicate(messageID string) bool {
	if d.dedup.Seen(d.ctx, messageID) {
		d.metrics.Duplicate()
		d.log.Debug("Dropping duplicate message", "message_id", messageID)
		return true
	}
	return false
}

func (d *dispatcher) notification(meta model.Metadata, payload model.NotificationPayload) {
	sub := payload.Subscription
	cb, _, ok := d.reg.lookup(sub.ID)
	if !ok {
		d.log.Debug("Dropping notification for unknown subscription",
			"subscription", sub.ID, "type", sub.Type)
		return
	}

	d.metrics.Notification(sub.Type)
	n := Notification{
		MessageID:    meta.MessageID,
		Timestamp:    meta.MessageTimestamp,
		Subscription: sub,
		Event:        payload.Event,
	}
	d.run("callback", sub.ID, func(ctx context.Context) {
		if err := cb(ctx, n); err != nil {
			d.log.Warn("Callback failed", "subscription", sub.ID, "type", sub.Type, "error", err)
		}
	})
}

func (d *dispatcher) revocation(payload model.NotificationPayload) {
	sub := payload.Subscription
	rev, ok := d.reg.revoke(sub.ID, sub.Status)
	if !ok {
		d.log.Debug("Revocation for unknown subscription", "subscription", sub.ID, "type", sub.Type)
		return
	}
	d.revoked(rev)
}

// revoked runs the revocation handler for a subscription the registry
// already dropped.
func (d *dispatcher) revoked(rev revocation) {
	d.metrics.Revocation(rev.sub.Reason)
	d.log.Event(d.ctx, model.EventSubscriptionRevoked, "Subscription revoked",
		"subscription", rev.sub.ID, "type", rev.sub.Topic.Type, "reason", rev.sub.Reason)

	handler := rev.handler
	if handler == nil {
		handler = d.onRevoke
	}
	if handler == nil {
		return
	}
	d.run("revocation handler", rev.sub.ID, func(ctx context.Context) {
		handler(ctx, rev.sub)
	})
}

// run executes fn off the read loop, recovering panics. Work arriving
// after shutdown began is dropped.
func (d *dispatcher) run(kind, subID string, fn func(ctx context.Context)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Debug("Dropping "+kind+" after stop", "subscription", subID)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()
	task := func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.metrics.Panic()
				d.log.Error(fmt.Sprintf("Recovered panic in %s", kind),
					"subscription", subID, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn(d.ctx)
	}

	if d.executor != nil {
		d.executor(task)
		return
	}
	go task()
}

// shutdown cancels the callback context and waits for running callbacks
// until ctx ends.
func (d *dispatcher) shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for callbacks: %w", ctx.Err())
	}
}
