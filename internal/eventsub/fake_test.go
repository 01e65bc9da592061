package eventsub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Guliveer/twitch-eventsub-go/internal/helix"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
)

// fakeRemote is an in-memory Helix subscription store.
type fakeRemote struct {
	mu      sync.Mutex
	next    int
	subs    map[string]model.Subscription
	creates []helix.CreateSubscriptionRequest
	deletes []string

	// createErr fails every create while set; failTypes fails creates of
	// the listed subscription types.
	createErr error
	failTypes map[string]error
	status    string
	onCreate  func(sub model.Subscription)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		subs:      make(map[string]model.Subscription),
		failTypes: make(map[string]error),
		status:    model.SubscriptionStatusEnabled,
	}
}

func (f *fakeRemote) CreateEventSubSubscription(_ context.Context, req helix.CreateSubscriptionRequest) (*model.Subscription, error) {
	f.mu.Lock()
	f.creates = append(f.creates, req)
	if f.createErr != nil {
		err := f.createErr
		f.mu.Unlock()
		return nil, err
	}
	if err := f.failTypes[req.Type]; err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.next++
	sub := model.Subscription{
		ID:        fmt.Sprintf("sub-%d", f.next),
		Status:    f.status,
		Type:      req.Type,
		Version:   req.Version,
		Condition: req.Condition,
		Transport: req.Transport,
		CreatedAt: time.Now(),
		Cost:      1,
	}
	f.subs[sub.ID] = sub
	hook := f.onCreate
	f.mu.Unlock()

	if hook != nil {
		hook(sub)
	}
	return &sub, nil
}

func (f *fakeRemote) DeleteEventSubSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	if _, ok := f.subs[id]; !ok {
		return &helix.APIError{Operation: "delete_subscription", StatusCode: http.StatusNotFound}
	}
	delete(f.subs, id)
	return nil
}

func (f *fakeRemote) AllEventSubSubscriptions(context.Context, helix.ListFilter) ([]model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b model.Subscription) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (f *fakeRemote) seed(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.subs[id] = model.Subscription{ID: id, Type: "stream.online", Version: "1"}
	}
}

func (f *fakeRemote) createCalls() []helix.CreateSubscriptionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.creates)
}

func (f *fakeRemote) deleteCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.deletes)
}

func (f *fakeRemote) setCreateErr(err error) {
	f.mu.Lock()
	f.createErr = err
	f.mu.Unlock()
}

func (f *fakeRemote) failType(typ string, err error) {
	f.mu.Lock()
	f.failTypes[typ] = err
	f.mu.Unlock()
}

// serverConn is the server side of one client connection.
type serverConn struct {
	ws        *websocket.Conn
	conn      *Conn
	sessionID string
}

func (sc *serverConn) send(t *testing.T, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sc.conn.Send(ctx, v))
}

// fakeServer is an EventSub websocket endpoint. Every accepted connection
// gets a welcome for a fresh session and is handed to the test on conns.
type fakeServer struct {
	srv       *httptest.Server
	conns     chan *serverConn
	sessions  atomic.Int32
	keepalive int
	refuse    atomic.Bool
	// noWelcome makes the server send a keepalive instead of the welcome.
	noWelcome bool
}

func newFakeServer(t *testing.T, keepalive int) *fakeServer {
	fs := &fakeServer{conns: make(chan *serverConn, 8), keepalive: keepalive}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) URL() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	if fs.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{
		ws:        ws,
		conn:      &Conn{ws: ws},
		sessionID: fmt.Sprintf("session-%d", fs.sessions.Add(1)),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	first := welcomeMessage(sc.sessionID, fs.keepalive)
	if fs.noWelcome {
		first = message("ka-"+sc.sessionID, model.MessageTypeSessionKeepalive, map[string]any{})
	}
	err = sc.conn.Send(ctx, first)
	cancel()
	if err != nil {
		return
	}

	done := ws.CloseRead(context.Background())
	if !fs.noWelcome {
		fs.conns <- sc
	}
	<-done.Done()
}

func (fs *fakeServer) next(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-fs.conns:
		return sc
	case <-time.After(5 * time.Second):
		t.Fatal("no connection from client")
		return nil
	}
}

func message(id, typ string, payload any) map[string]any {
	return map[string]any{
		"metadata": map[string]any{
			"message_id":        id,
			"message_type":      typ,
			"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
		"payload": payload,
	}
}

func welcomeMessage(sessionID string, keepalive int) map[string]any {
	return message("welcome-"+sessionID, model.MessageTypeSessionWelcome, map[string]any{
		"session": map[string]any{
			"id":                        sessionID,
			"status":                    "connected",
			"keepalive_timeout_seconds": keepalive,
			"reconnect_url":             nil,
			"connected_at":              time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

func notificationMessage(id, subID, subType string, event any) map[string]any {
	return message(id, model.MessageTypeNotification, map[string]any{
		"subscription": map[string]any{"id": subID, "type": subType, "version": "1", "status": "enabled"},
		"event":        event,
	})
}

func revocationMessage(id, subID, status string) map[string]any {
	return message(id, model.MessageTypeRevocation, map[string]any{
		"subscription": map[string]any{"id": subID, "type": "topic.x", "version": "1", "status": status},
	})
}

func reconnectMessage(id, url string) map[string]any {
	return message(id, model.MessageTypeSessionReconnect, map[string]any{
		"session": map[string]any{"id": "ignored", "status": "reconnecting", "reconnect_url": url},
	})
}

// syncExecutor runs callbacks inline so tests observe them in read order.
func syncExecutor(task func()) { task() }

// recorder collects notifications delivered to a callback.
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) callback(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.ids = append(r.ids, n.MessageID)
	r.mu.Unlock()
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.ids)
}
