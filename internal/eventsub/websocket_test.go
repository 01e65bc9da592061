package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guliveer/twitch-eventsub-go/internal/helix"
	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
)

var topicX = Topic{Type: "topic.x", Version: "1"}

func startClient(t *testing.T, remote Remote, fs *fakeServer, opts WebsocketOptions) (*WebsocketClient, *serverConn) {
	t.Helper()
	opts.URL = fs.URL()
	if opts.WelcomeTimeout == 0 {
		opts.WelcomeTimeout = 2 * time.Second
	}
	if opts.Reconnect == (ReconnectConfig{}) {
		opts.Reconnect = ReconnectConfig{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			MaxElapsed:   2 * time.Second,
		}
	}

	c := NewWebsocketClient(remote, opts, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c, fs.next(t)
}

func toMessage(t *testing.T, v any) *model.Message {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var msg model.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func dropConn(sc *serverConn) {
	_ = sc.ws.Close(websocket.StatusCode(4006), "network error")
}

func activeSession(c *WebsocketClient) *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

func TestWebsocketReplayAfterReconnect(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	var rec recorder
	c, first := startClient(t, remote, fs, WebsocketOptions{Executor: syncExecutor})
	ctx := context.Background()

	assert.Equal(t, "session-1", c.SessionID())

	id, err := c.Listen(ctx, topicX, map[string]string{"user_id": "1"}, rec.callback)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id)

	creates := remote.createCalls()
	require.Len(t, creates, 1)
	assert.Equal(t, map[string]string{"user_id": "1"}, creates[0].Condition)
	assert.Equal(t, model.TransportWebsocket, creates[0].Transport.Method)
	assert.Equal(t, "session-1", creates[0].Transport.SessionID)

	old := activeSession(c)
	dropConn(first)

	second := fs.next(t)
	assert.Equal(t, "session-2", second.sessionID)
	require.Eventually(t, func() bool { return c.SessionID() == "session-2" }, 5*time.Second, 10*time.Millisecond)

	creates = remote.createCalls()
	require.Len(t, creates, 2, "exactly one re-create per subscription")
	assert.Equal(t, "session-2", creates[1].Transport.SessionID)
	assert.Equal(t, "topic.x", creates[1].Type)
	assert.Equal(t, map[string]string{"user_id": "1"}, creates[1].Condition)

	subs := c.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "sub-2", subs[0].ID)
	assert.Equal(t, StatusEnabled, subs[0].Status)

	// A late message read from the retired session is dropped.
	require.NoError(t, c.handle(old, toMessage(t, notificationMessage("late-1", "sub-1", "topic.x", map[string]any{}))))

	// The new session routes by the new id only.
	second.send(t, notificationMessage("stale-id", "sub-1", "topic.x", map[string]any{}))
	second.send(t, notificationMessage("fresh", "sub-2", "topic.x", map[string]any{}))
	require.Eventually(t, func() bool { return len(rec.got()) > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"fresh"}, rec.got())

	// The id Listen returned before the replay still unsubscribes.
	require.NoError(t, c.Unsubscribe(ctx, id))
	assert.Equal(t, []string{"sub-2"}, remote.deleteCalls())
	assert.Empty(t, c.Subscriptions())
	assert.NoError(t, c.Err())
}

func TestWebsocketReplayKeepsEverySubscription(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	c, first := startClient(t, remote, fs, WebsocketOptions{})
	ctx := context.Background()

	for _, user := range []string{"1", "2", "3"} {
		_, err := c.Listen(ctx, topicX, map[string]string{"user_id": user}, func(context.Context, Notification) error { return nil })
		require.NoError(t, err)
	}

	dropConn(first)
	fs.next(t)
	require.Eventually(t, func() bool { return c.SessionID() == "session-2" }, 5*time.Second, 10*time.Millisecond)

	creates := remote.createCalls()
	require.Len(t, creates, 6)
	var users []string
	for _, req := range creates[3:] {
		assert.Equal(t, "session-2", req.Transport.SessionID)
		users = append(users, req.Condition["user_id"])
	}
	slices.Sort(users)
	assert.Equal(t, []string{"1", "2", "3"}, users)
	assert.Len(t, c.Subscriptions(), 3)
}

func TestWebsocketDuplicateMessage(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	var rec recorder
	c, sc := startClient(t, remote, fs, WebsocketOptions{Executor: syncExecutor})

	id, err := c.Listen(context.Background(), topicX, map[string]string{"user_id": "1"}, rec.callback)
	require.NoError(t, err)

	sc.send(t, notificationMessage("m1", id, "topic.x", map[string]any{}))
	sc.send(t, notificationMessage("m1", id, "topic.x", map[string]any{}))
	sc.send(t, notificationMessage("m2", id, "topic.x", map[string]any{}))

	require.Eventually(t, func() bool { return slices.Contains(rec.got(), "m2") }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, rec.got())
}

func TestWebsocketUnexpectedWelcomeReconnects(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	c, sc := startClient(t, remote, fs, WebsocketOptions{})

	_, err := c.Listen(context.Background(), topicX, map[string]string{"user_id": "1"}, func(context.Context, Notification) error { return nil })
	require.NoError(t, err)

	sc.send(t, welcomeMessage("bogus", 10))

	next := fs.next(t)
	assert.Equal(t, "session-2", next.sessionID)
	require.Eventually(t, func() bool { return c.SessionID() == "session-2" }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, remote.createCalls(), 2)

	select {
	case <-c.Done():
		t.Fatal("client stopped after a protocol violation")
	default:
	}
	assert.NoError(t, c.Err())
}

func TestWebsocketMalformedFrameReconnects(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	c, sc := startClient(t, remote, fs, WebsocketOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sc.ws.Write(ctx, websocket.MessageText, []byte("{not json")))

	fs.next(t)
	require.Eventually(t, func() bool { return c.SessionID() == "session-2" }, 5*time.Second, 10*time.Millisecond)
}

func TestWebsocketUnknownMessageTypeIgnored(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	var rec recorder
	c, sc := startClient(t, remote, fs, WebsocketOptions{Executor: syncExecutor})

	id, err := c.Listen(context.Background(), topicX, map[string]string{"user_id": "1"}, rec.callback)
	require.NoError(t, err)

	sc.send(t, message("odd", "session_sparkle", map[string]any{}))
	sc.send(t, message("ka", model.MessageTypeSessionKeepalive, map[string]any{}))
	sc.send(t, notificationMessage("m1", id, "topic.x", map[string]any{}))

	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "session-1", c.SessionID())
}

func TestWebsocketServerReconnectMigrates(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	var rec recorder
	c, sc := startClient(t, remote, fs, WebsocketOptions{Executor: syncExecutor})

	id, err := c.Listen(context.Background(), topicX, map[string]string{"user_id": "1"}, rec.callback)
	require.NoError(t, err)

	sc.send(t, reconnectMessage("r1", fs.URL()))

	next := fs.next(t)
	require.Eventually(t, func() bool { return c.SessionID() == "session-2" }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, remote.createCalls(), 1, "migration must not re-create subscriptions")

	next.send(t, notificationMessage("after-migration", id, "topic.x", map[string]any{}))
	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestWebsocketReconnectWithoutURLIsViolation(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	c, sc := startClient(t, remote, fs, WebsocketOptions{})

	sc.send(t, reconnectMessage("r1", ""))

	fs.next(t)
	require.Eventually(t, func() bool { return c.SessionID() == "session-2" }, 5*time.Second, 10*time.Millisecond)
}

func TestWebsocketKeepaliveExpiryReconnects(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 1)
	c, _ := startClient(t, remote, fs, WebsocketOptions{})

	_, err := c.Listen(context.Background(), topicX, map[string]string{"user_id": "1"}, func(context.Context, Notification) error { return nil })
	require.NoError(t, err)

	// Nothing is sent, so the session dies after twice the keepalive interval.
	fs.next(t)
	require.Eventually(t, func() bool { return c.SessionID() == "session-2" }, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, remote.createCalls(), 2)
}

func TestWebsocketGivesUpReconnecting(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	c, sc := startClient(t, remote, fs, WebsocketOptions{Reconnect: ReconnectConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxElapsed:   200 * time.Millisecond,
	}})

	fs.refuse.Store(true)
	dropConn(sc)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not give up")
	}
	assert.ErrorIs(t, c.Err(), ErrConnectionLost)

	_, err := c.Listen(context.Background(), topicX, nil, func(context.Context, Notification) error { return nil })
	assert.Error(t, err)
}

func TestWebsocketReplayAuthFailureIsTerminal(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	c, sc := startClient(t, remote, fs, WebsocketOptions{})

	_, err := c.Listen(context.Background(), topicX, map[string]string{"user_id": "1"}, func(context.Context, Notification) error { return nil })
	require.NoError(t, err)

	remote.setCreateErr(&helix.APIError{Operation: "create_subscription", StatusCode: http.StatusUnauthorized})
	dropConn(sc)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client kept running after an auth failure")
	}
	assert.ErrorIs(t, c.Err(), ErrConnectionLost)
	assert.ErrorIs(t, c.Err(), helix.ErrUnauthorized)
}

func TestWebsocketReplayFailureRevokes(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)

	var defaultCalls atomic.Int32
	var mu sync.Mutex
	var revoked []Subscription
	c, sc := startClient(t, remote, fs, WebsocketOptions{
		Executor:          syncExecutor,
		RevocationHandler: func(context.Context, Subscription) { defaultCalls.Add(1) },
	})
	ctx := context.Background()
	noop := func(context.Context, Notification) error { return nil }

	_, err := c.Listen(ctx, topicX, map[string]string{"user_id": "1"}, noop,
		WithRevocationHandler(func(_ context.Context, sub Subscription) {
			mu.Lock()
			revoked = append(revoked, sub)
			mu.Unlock()
		}))
	require.NoError(t, err)
	_, err = c.Listen(ctx, Topic{Type: "topic.y", Version: "1"}, map[string]string{"user_id": "1"}, noop)
	require.NoError(t, err)

	remote.failType("topic.x", &helix.APIError{Operation: "create_subscription", StatusCode: http.StatusBadRequest})
	dropConn(sc)
	fs.next(t)
	require.Eventually(t, func() bool { return c.SessionID() == "session-2" }, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, revoked, 1)
	assert.Equal(t, "replay_failed", revoked[0].Reason)
	assert.Equal(t, StatusRevoked, revoked[0].Status)
	mu.Unlock()
	assert.Zero(t, defaultCalls.Load())

	subs := c.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "topic.y", subs[0].Topic.Type)
	assert.NoError(t, c.Err())
}

func TestWebsocketRevocation(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)

	var mu sync.Mutex
	var perSub, byDefault []Subscription
	c, sc := startClient(t, remote, fs, WebsocketOptions{
		Executor: syncExecutor,
		RevocationHandler: func(_ context.Context, sub Subscription) {
			mu.Lock()
			byDefault = append(byDefault, sub)
			mu.Unlock()
		},
	})
	ctx := context.Background()
	noop := func(context.Context, Notification) error { return nil }

	withHandler, err := c.Listen(ctx, topicX, map[string]string{"user_id": "1"}, noop,
		WithRevocationHandler(func(_ context.Context, sub Subscription) {
			mu.Lock()
			perSub = append(perSub, sub)
			mu.Unlock()
		}))
	require.NoError(t, err)
	withoutHandler, err := c.Listen(ctx, topicX, map[string]string{"user_id": "2"}, noop)
	require.NoError(t, err)

	sc.send(t, revocationMessage("rv1", withHandler, model.SubscriptionStatusAuthorizationRevoked))
	sc.send(t, revocationMessage("rv2", withoutHandler, model.SubscriptionStatusUserRemoved))
	// A second revocation for the same subscription finds nothing to revoke.
	sc.send(t, revocationMessage("rv3", withHandler, model.SubscriptionStatusAuthorizationRevoked))

	var rec recorder
	barrier, err := c.Listen(ctx, topicX, map[string]string{"user_id": "3"}, rec.callback)
	require.NoError(t, err)
	sc.send(t, notificationMessage("barrier", barrier, "topic.x", map[string]any{}))
	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, perSub, 1)
	assert.Equal(t, withHandler, perSub[0].ID)
	assert.Equal(t, model.SubscriptionStatusAuthorizationRevoked, perSub[0].Reason)
	require.Len(t, byDefault, 1)
	assert.Equal(t, withoutHandler, byDefault[0].ID)
	assert.Equal(t, model.SubscriptionStatusUserRemoved, byDefault[0].Reason)

	subs := c.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, barrier, subs[0].ID)
}

func TestWebsocketCallbackPanicRecovered(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	var rec recorder
	c, sc := startClient(t, remote, fs, WebsocketOptions{Executor: syncExecutor})

	id, err := c.Listen(context.Background(), topicX, nil, func(ctx context.Context, n Notification) error {
		if n.MessageID == "boom" {
			panic("callback exploded")
		}
		return rec.callback(ctx, n)
	})
	require.NoError(t, err)

	sc.send(t, notificationMessage("boom", id, "topic.x", map[string]any{}))
	sc.send(t, notificationMessage("ok", id, "topic.x", map[string]any{}))

	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"ok"}, rec.got())
	assert.Equal(t, "session-1", c.SessionID())
}

func TestWebsocketCallbackErrorIsNotFatal(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	var calls atomic.Int32
	c, sc := startClient(t, remote, fs, WebsocketOptions{})

	id, err := c.Listen(context.Background(), topicX, nil, func(context.Context, Notification) error {
		calls.Add(1)
		return errors.New("handler failed")
	})
	require.NoError(t, err)

	sc.send(t, notificationMessage("e1", id, "topic.x", map[string]any{}))
	sc.send(t, notificationMessage("e2", id, "topic.x", map[string]any{}))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestWebsocketTypedListen(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	c, sc := startClient(t, remote, fs, WebsocketOptions{})

	got := make(chan model.StreamOnlineEvent, 1)
	id, err := c.ListenStreamOnline(context.Background(), "42", func(_ context.Context, ev model.StreamOnlineEvent) error {
		got <- ev
		return nil
	})
	require.NoError(t, err)

	creates := remote.createCalls()
	require.Len(t, creates, 1)
	assert.Equal(t, "stream.online", creates[0].Type)
	assert.Equal(t, map[string]string{"broadcaster_user_id": "42"}, creates[0].Condition)

	sc.send(t, notificationMessage("live", id, "stream.online", map[string]any{
		"id":                     "9001",
		"broadcaster_user_id":    "42",
		"broadcaster_user_login": "streamer",
		"type":                   "live",
		"started_at":             "2024-01-02T03:04:05Z",
	}))

	select {
	case ev := <-got:
		assert.Equal(t, "9001", ev.ID)
		assert.Equal(t, "42", ev.BroadcasterUserID)
		assert.Equal(t, "live", ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("typed callback not invoked")
	}
}

func TestWebsocketListenValidation(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	c, _ := startClient(t, remote, fs, WebsocketOptions{})
	ctx := context.Background()
	noop := func(context.Context, Notification) error { return nil }

	// Case 1: topic without version
	_, err := c.Listen(ctx, Topic{Type: "topic.x"}, nil, noop)
	assert.Error(t, err)

	// Case 2: nil callback
	_, err = c.Listen(ctx, topicX, nil, nil)
	assert.Error(t, err)

	// Case 3: raid needs exactly one side
	_, err = c.ListenChannelRaid(ctx, "1", "2", func(context.Context, model.ChannelRaidEvent) error { return nil })
	assert.Error(t, err)

	// Case 4: remote rejects the subscription
	remote.setCreateErr(&helix.APIError{Operation: "create_subscription", StatusCode: http.StatusConflict})
	_, err = c.Listen(ctx, topicX, nil, noop)
	assert.ErrorIs(t, err, helix.ErrConflict)

	assert.Empty(t, c.Subscriptions())
	assert.Len(t, remote.createCalls(), 1)
}

func TestWebsocketUnsubscribeUnknownID(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	c, _ := startClient(t, remote, fs, WebsocketOptions{})

	assert.NoError(t, c.Unsubscribe(context.Background(), "does-not-exist"))
	assert.Empty(t, remote.deleteCalls())
}

func TestWebsocketUnsubscribeAll(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("remote-a", "remote-b", "remote-c")
	fs := newFakeServer(t, 10)
	c, _ := startClient(t, remote, fs, WebsocketOptions{})
	ctx := context.Background()

	id, err := c.Listen(ctx, topicX, map[string]string{"user_id": "1"}, func(context.Context, Notification) error { return nil })
	require.NoError(t, err)

	require.NoError(t, c.UnsubscribeAll(ctx))

	deletes := remote.deleteCalls()
	slices.Sort(deletes)
	assert.Equal(t, []string{"remote-a", "remote-b", "remote-c", id}, deletes)
	assert.Empty(t, c.Subscriptions())

	subs, err := remote.AllEventSubSubscriptions(ctx, helix.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestUnsubscribeAllWithEmptyRegistry(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("x-1", "x-2")
	c := NewWebsocketClient(remote, WebsocketOptions{}, nil)

	require.NoError(t, c.UnsubscribeAll(context.Background()))
	deletes := remote.deleteCalls()
	slices.Sort(deletes)
	assert.Equal(t, []string{"x-1", "x-2"}, deletes)
}

func TestWebsocketLifecycle(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	c := NewWebsocketClient(remote, WebsocketOptions{URL: fs.URL()}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	noop := func(context.Context, Notification) error { return nil }

	_, err := c.Listen(ctx, topicX, nil, noop)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, c.Stop(ctx), ErrNotStarted)
	assert.ErrorIs(t, c.Unsubscribe(ctx, "x"), ErrNotStarted)

	require.NoError(t, c.Start(ctx))
	fs.next(t)
	assert.ErrorIs(t, c.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, c.Stop(ctx))
	assert.ErrorIs(t, c.Stop(ctx), ErrNotRunning)
	assert.ErrorIs(t, c.Start(ctx), ErrAlreadyStarted)

	_, err = c.Listen(ctx, topicX, nil, noop)
	assert.ErrorIs(t, err, ErrNotRunning)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.NoError(t, c.Err())
}

func TestWebsocketStartWithoutWelcome(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	fs.noWelcome = true
	c := NewWebsocketClient(remote, WebsocketOptions{
		URL:            fs.URL(),
		WelcomeTimeout: time.Second,
		Reconnect: ReconnectConfig{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			MaxElapsed:   100 * time.Millisecond,
		},
	}, nil)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	_, err = c.Listen(context.Background(), topicX, nil, func(context.Context, Notification) error { return nil })
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestWebsocketStopCancelsCallbacks(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	c, sc := startClient(t, remote, fs, WebsocketOptions{})

	started := make(chan struct{})
	returned := make(chan struct{})
	id, err := c.Listen(context.Background(), topicX, nil, func(ctx context.Context, _ Notification) error {
		close(started)
		<-ctx.Done()
		close(returned)
		return ctx.Err()
	})
	require.NoError(t, err)

	sc.send(t, notificationMessage("slow", id, "topic.x", map[string]any{}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	select {
	case <-returned:
	default:
		t.Fatal("Stop returned before the callback finished")
	}
}

func TestWebsocketStopDeadline(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	c, sc := startClient(t, remote, fs, WebsocketOptions{})

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	id, err := c.Listen(context.Background(), topicX, nil, func(context.Context, Notification) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)

	sc.send(t, notificationMessage("stuck", id, "topic.x", map[string]any{}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Stop(ctx), context.DeadlineExceeded)
}

// gatedDeduper holds the read loop inside Seen for one message id.
type gatedDeduper struct {
	id      string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDeduper) Seen(_ context.Context, id string) bool {
	if id == g.id {
		close(g.entered)
		<-g.release
	}
	return false
}

func TestWebsocketNoCallbackAfterStop(t *testing.T) {
	remote := newFakeRemote()
	fs := newFakeServer(t, 10)
	gate := &gatedDeduper{id: "gated", entered: make(chan struct{}), release: make(chan struct{})}
	c, sc := startClient(t, remote, fs, WebsocketOptions{Deduper: gate})

	var calls atomic.Int32
	id, err := c.Listen(context.Background(), topicX, nil, func(context.Context, Notification) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	sc.send(t, notificationMessage("gated", id, "topic.x", map[string]any{}))
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("notification never reached the deduper")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	close(gate.release)

	assert.Never(t, func() bool { return calls.Load() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestDispatcherRefusesWorkAfterShutdown(t *testing.T) {
	reg := NewRegistry(newFakeRemote(), false, 0, nil, nil)
	d := newDispatcher(reg, nil, syncExecutor, nil, model.TransportWebsocket, logger.Discard(), nil)
	require.NoError(t, d.shutdown(context.Background()))

	ran := false
	d.run("callback", "sub-1", func(context.Context) { ran = true })
	assert.False(t, ran)
}

func TestConnCloseIdempotent(t *testing.T) {
	fs := newFakeServer(t, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := dial(ctx, fs.URL())
	require.NoError(t, err)
	msg, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.MessageTypeSessionWelcome, msg.Metadata.MessageType)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send(ctx, map[string]string{"type": "PING"}), ErrNotConnected)

	_, err = conn.Read(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := dial(ctx, "ws://127.0.0.1:1/ws")
	assert.ErrorIs(t, err, ErrConnection)
}

func TestCloseReason(t *testing.T) {
	code, reason := closeReason(websocket.CloseError{Code: websocket.StatusCode(4002)})
	assert.Equal(t, 4002, code)
	assert.Equal(t, "client failed ping-pong", reason)

	code, reason = closeReason(websocket.CloseError{Code: websocket.StatusCode(4999)})
	assert.Equal(t, 4999, code)
	assert.Equal(t, "unknown", reason)

	code, reason = closeReason(errors.New("eof"))
	assert.Equal(t, -1, code)
	assert.Empty(t, reason)
}
