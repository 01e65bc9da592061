package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Guliveer/twitch-eventsub-go/internal/constants"
	"github.com/Guliveer/twitch-eventsub-go/internal/helix"
	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
	"github.com/Guliveer/twitch-eventsub-go/internal/observability"
	"github.com/Guliveer/twitch-eventsub-go/internal/workerpool"
)

const pendingPrefix = "pending-"

// Remote is the Helix surface the registry needs. *helix.Client satisfies it.
type Remote interface {
	CreateEventSubSubscription(ctx context.Context, req helix.CreateSubscriptionRequest) (*model.Subscription, error)
	DeleteEventSubSubscription(ctx context.Context, id string) error
	AllEventSubSubscriptions(ctx context.Context, filter helix.ListFilter) ([]model.Subscription, error)
}

// Status is the local lifecycle state of a subscription.
type Status int

const (
	StatusPending Status = iota
	StatusEnabled
	StatusRevoked
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusEnabled:
		return "enabled"
	case StatusRevoked:
		return "revoked"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = StatusPending
	case "enabled":
		*s = StatusEnabled
	case "revoked":
		*s = StatusRevoked
	default:
		return fmt.Errorf("unknown subscription status %q", b)
	}
	return nil
}

// Subscription is a snapshot of one registry entry.
type Subscription struct {
	// ID is the server id, or pending-<uuid> before the server assigned one.
	ID        string            `json:"id"`
	Topic     Topic             `json:"topic"`
	Condition map[string]string `json:"condition"`
	Status    Status            `json:"status"`
	// Reason carries the server status on revocation, or "replay_failed".
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is one event delivered to a Callback.
type Notification struct {
	MessageID    string
	Timestamp    time.Time
	Subscription model.Subscription
	Event        json.RawMessage
}

// Callback handles a notification. A returned error is logged.
type Callback func(ctx context.Context, n Notification) error

// RevocationHandler is told about a subscription the server revoked or a
// reconnect failed to re-create.
type RevocationHandler func(ctx context.Context, sub Subscription)

type listenOptions struct {
	onRevoke RevocationHandler
}

// ListenOption customizes a single Listen call.
type ListenOption func(*listenOptions)

// WithRevocationHandler overrides the client's default revocation handler
// for one subscription.
func WithRevocationHandler(h RevocationHandler) ListenOption {
	return func(o *listenOptions) { o.onRevoke = h }
}

type entry struct {
	key       string
	id        string
	aliases   []string
	topic     Topic
	condition map[string]string
	callback  Callback
	onRevoke  RevocationHandler
	status    Status
	reason    string
	createdAt time.Time

	// confirmed is closed when a webhook verification challenge arrives.
	confirmed   chan struct{}
	confirmOnce sync.Once
}

func (e *entry) snapshot() Subscription {
	return Subscription{
		ID:        e.id,
		Topic:     e.topic,
		Condition: maps.Clone(e.condition),
		Status:    e.status,
		Reason:    e.reason,
		CreatedAt: e.createdAt,
	}
}

func (e *entry) confirm() {
	e.confirmOnce.Do(func() {
		if e.confirmed != nil {
			close(e.confirmed)
		}
	})
}

// revocation pairs a revoked snapshot with the handler to run for it.
type revocation struct {
	sub     Subscription
	handler RevocationHandler
}

// TransportFunc returns the transport new subscriptions are created on.
// It is called with the registry's write lock held.
type TransportFunc func() (model.Transport, error)

// Registry tracks subscriptions across reconnects. Mutations are serialized
// by writeMu, which is held across the remote round trip; lookups only take
// mu so dispatch never waits on the network.
type Registry struct {
	writeMu sync.Mutex

	mu       sync.RWMutex
	entries  map[string]*entry
	byRemote map[string]*entry
	aliases  map[string]string
	early    map[string]bool

	remote         Remote
	log            *logger.Logger
	metrics        *observability.Metrics
	confirm        bool
	confirmTimeout time.Duration
}

// NewRegistry creates an empty registry. With confirm set, new entries stay
// pending until Confirm is called for their server id.
func NewRegistry(remote Remote, confirm bool, confirmTimeout time.Duration, log *logger.Logger, metrics *observability.Metrics) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	if confirmTimeout <= 0 {
		confirmTimeout = constants.DefaultConfirmTimeout
	}
	return &Registry{
		entries:        make(map[string]*entry),
		byRemote:       make(map[string]*entry),
		aliases:        make(map[string]string),
		early:          make(map[string]bool),
		remote:         remote,
		log:            log,
		metrics:        metrics,
		confirm:        confirm,
		confirmTimeout: confirmTimeout,
	}
}

func (r *Registry) createRequest(tr model.Transport, e *entry) helix.CreateSubscriptionRequest {
	return helix.CreateSubscriptionRequest{
		Type:      e.topic.Type,
		Version:   e.topic.Version,
		Condition: e.condition,
		Transport: tr,
	}
}

// Add registers a subscription locally and remotely and returns the server
// id. On failure the local entry is discarded and the remote error returned.
func (r *Registry) Add(ctx context.Context, transport TransportFunc, topic Topic, condition map[string]string,
	cb Callback, opts listenOptions) (id string, err error) {
	ctx, span := observability.StartSpan(ctx, "eventsub.registry.add",
		attribute.String("subscription.type", topic.Type))
	defer func() { observability.EndSpan(span, err) }()

	r.writeMu.Lock()

	tr, err := transport()
	if err != nil {
		r.writeMu.Unlock()
		return "", err
	}

	key := uuid.NewString()
	e := &entry{
		key:       key,
		id:        pendingPrefix + key,
		topic:     topic,
		condition: maps.Clone(condition),
		callback:  cb,
		onRevoke:  opts.onRevoke,
		status:    StatusPending,
		createdAt: time.Now(),
	}
	e.aliases = []string{e.id}
	if r.confirm {
		e.confirmed = make(chan struct{})
	}

	r.mu.Lock()
	r.entries[key] = e
	r.aliases[e.id] = key
	r.mu.Unlock()

	sub, err := r.remote.CreateEventSubSubscription(ctx, r.createRequest(tr, e))
	if err != nil {
		r.mu.Lock()
		r.drop(e)
		r.mu.Unlock()
		r.writeMu.Unlock()
		return "", fmt.Errorf("creating %s subscription: %w", topic, err)
	}

	r.mu.Lock()
	e.id = sub.ID
	e.aliases = append(e.aliases, sub.ID)
	r.byRemote[sub.ID] = e
	r.aliases[sub.ID] = key
	if !r.confirm || sub.Status == model.SubscriptionStatusEnabled || r.early[sub.ID] {
		delete(r.early, sub.ID)
		e.status = StatusEnabled
		e.confirm()
	}
	waiting := e.status == StatusPending
	r.metrics.SetSubscriptions(len(r.entries))
	r.mu.Unlock()
	r.writeMu.Unlock()

	r.log.Debug("Subscription created",
		"subscription", sub.ID, "type", topic.Type, "status", sub.Status, "cost", sub.Cost)

	if !waiting {
		return sub.ID, nil
	}

	timer := time.NewTimer(r.confirmTimeout)
	defer timer.Stop()
	select {
	case <-e.confirmed:
		return sub.ID, nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = ErrSubscriptionTimeout
	}

	r.log.Warn("Subscription was not verified, removing it",
		"subscription", sub.ID, "type", topic.Type, "error", err)
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.DefaultHTTPTimeout)
	defer cancel()
	if rerr := r.Remove(cleanupCtx, sub.ID); rerr != nil {
		r.log.Warn("Failed to delete unverified subscription", "subscription", sub.ID, "error", rerr)
	}
	return "", err
}

// Confirm marks the subscription with the given server id as verified. A
// challenge that arrives before the create call returned is remembered.
func (r *Registry) Confirm(remoteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byRemote[remoteID]
	if !ok {
		if len(r.early) >= constants.DefaultMessageHistory {
			clear(r.early)
		}
		r.early[remoteID] = true
		return
	}
	if e.status == StatusPending {
		e.status = StatusEnabled
	}
	e.confirm()
}

// lookup returns the callback and snapshot for an enabled subscription.
func (r *Registry) lookup(remoteID string) (Callback, Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byRemote[remoteID]
	if !ok || e.status != StatusEnabled {
		return nil, Subscription{}, false
	}
	return e.callback, e.snapshot(), true
}

// revoke removes the subscription with the given server id and returns its
// final snapshot.
func (r *Registry) revoke(remoteID, reason string) (revocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byRemote[remoteID]
	if !ok {
		return revocation{}, false
	}
	e.status = StatusRevoked
	e.reason = reason
	r.drop(e)
	r.metrics.SetSubscriptions(len(r.entries))
	return revocation{sub: e.snapshot(), handler: e.onRevoke}, true
}

// drop removes e from every index. Callers hold mu.
func (r *Registry) drop(e *entry) {
	delete(r.entries, e.key)
	if r.byRemote[e.id] == e {
		delete(r.byRemote, e.id)
	}
	for _, a := range e.aliases {
		if r.aliases[a] == e.key {
			delete(r.aliases, a)
		}
	}
}

// Remove deletes a subscription by any id Listen returned for it, including
// ids superseded by a replay. Unknown ids are a no-op; a subscription the
// server no longer knows counts as deleted.
func (r *Registry) Remove(ctx context.Context, id string) (err error) {
	ctx, span := observability.StartSpan(ctx, "eventsub.registry.remove", attribute.String("subscription.id", id))
	defer func() { observability.EndSpan(span, err) }()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	e := r.entries[r.aliases[id]]
	r.mu.RUnlock()
	if e == nil {
		return nil
	}

	if !strings.HasPrefix(e.id, pendingPrefix) {
		if err := r.remote.DeleteEventSubSubscription(ctx, e.id); err != nil && !errors.Is(err, helix.ErrNotFound) {
			return fmt.Errorf("deleting subscription %s: %w", e.id, err)
		}
	}

	r.mu.Lock()
	r.drop(e)
	r.metrics.SetSubscriptions(len(r.entries))
	r.mu.Unlock()

	r.log.Debug("Subscription removed", "subscription", e.id, "type", e.topic.Type)
	return nil
}

// RemoveAll deletes every subscription the remote lists for this client
// identity, tracked locally or not, and clears local state. Individual
// delete failures are joined into the returned error.
func (r *Registry) RemoveAll(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, "eventsub.registry.remove_all")
	defer func() { observability.EndSpan(span, err) }()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	subs, err := r.remote.AllEventSubSubscriptions(ctx, helix.ListFilter{})
	if err != nil {
		return fmt.Errorf("listing subscriptions: %w", err)
	}

	ids := make([]string, 0, len(subs))
	seen := make(map[string]bool, len(subs))
	for _, s := range subs {
		if !seen[s.ID] {
			seen[s.ID] = true
			ids = append(ids, s.ID)
		}
	}

	err = r.deleteRemote(ctx, ids)
	r.clearLocal()
	r.log.Info("Removed all subscriptions", "count", len(ids))
	return err
}

// RemoveKnown deletes only the subscriptions tracked locally.
func (r *Registry) RemoveKnown(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		if !strings.HasPrefix(e.id, pendingPrefix) {
			ids = append(ids, e.id)
		}
	}
	r.mu.RUnlock()

	err := r.deleteRemote(ctx, ids)
	r.clearLocal()
	return err
}

func (r *Registry) deleteRemote(ctx context.Context, ids []string) error {
	return workerpool.Run(ctx, ids, constants.DefaultDeleteWorkers, func(ctx context.Context, id string) error {
		if err := r.remote.DeleteEventSubSubscription(ctx, id); err != nil && !errors.Is(err, helix.ErrNotFound) {
			return fmt.Errorf("deleting subscription %s: %w", id, err)
		}
		return nil
	})
}

func (r *Registry) clearLocal() {
	r.mu.Lock()
	for _, e := range r.entries {
		e.confirm()
	}
	clear(r.entries)
	clear(r.byRemote)
	clear(r.aliases)
	clear(r.early)
	r.metrics.SetSubscriptions(0)
	r.mu.Unlock()
}

// List returns a snapshot of all tracked subscriptions, oldest first.
func (r *Registry) List() []Subscription {
	r.mu.RLock()
	out := make([]Subscription, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Subscription) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Len returns the number of tracked subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Locked runs fn while holding the write lock, so no Add or Remove observes
// a half-applied transport change.
func (r *Registry) Locked(fn func()) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	fn()
}

// Replay re-creates every tracked subscription on tr, then runs commit with
// the write lock still held. Previous ids stay valid for Remove. Entries
// that cannot be re-created are dropped and returned so their revocation
// handlers can run; an authentication failure aborts the replay.
func (r *Registry) Replay(ctx context.Context, tr model.Transport, commit func()) (revoked []revocation, err error) {
	ctx, span := observability.StartSpan(ctx, "eventsub.registry.replay")
	defer func() { observability.EndSpan(span, err) }()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	pending := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		pending = append(pending, e)
	}
	r.mu.RUnlock()
	slices.SortFunc(pending, func(a, b *entry) int { return a.createdAt.Compare(b.createdAt) })

	for _, e := range pending {
		sub, cerr := r.remote.CreateEventSubSubscription(ctx, r.createRequest(tr, e))
		if cerr != nil {
			if helix.IsAuthError(cerr) || ctx.Err() != nil {
				return revoked, fmt.Errorf("replaying %s subscription: %w", e.topic, cerr)
			}
			r.log.Warn("Failed to re-create subscription",
				"subscription", e.id, "type", e.topic.Type, "error", cerr)
			r.mu.Lock()
			if _, ok := r.entries[e.key]; ok {
				e.status = StatusRevoked
				e.reason = "replay_failed"
				r.drop(e)
				revoked = append(revoked, revocation{sub: e.snapshot(), handler: e.onRevoke})
			}
			r.mu.Unlock()
			continue
		}

		r.mu.Lock()
		if _, ok := r.entries[e.key]; ok {
			if r.byRemote[e.id] == e {
				delete(r.byRemote, e.id)
			}
			e.id = sub.ID
			e.aliases = append(e.aliases, sub.ID)
			e.status = StatusEnabled
			r.byRemote[sub.ID] = e
			r.aliases[sub.ID] = e.key
		}
		r.mu.Unlock()
	}

	r.metrics.SetSubscriptions(r.Len())
	if commit != nil {
		commit()
	}
	r.log.Debug("Replayed subscriptions", "count", len(pending), "revoked", len(revoked))
	return revoked, nil
}
