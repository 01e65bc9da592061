package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guliveer/twitch-eventsub-go/internal/config"
	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
)

type capture struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
	status   int
}

func newCapture(t *testing.T, status int) (*capture, *httptest.Server) {
	c := &capture{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.requests = append(c.requests, r)
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(c.status)
	}))
	t.Cleanup(srv.Close)
	return c, srv
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *capture) get(i int) (*http.Request, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i], c.bodies[i]
}

func waitSent(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestDispatcherFiltersEvents(t *testing.T) {
	discord, discordSrv := newCapture(t, http.StatusNoContent)
	hook, hookSrv := newCapture(t, http.StatusOK)

	d := NewDispatcher(config.NotificationsConfig{
		Discord: &config.DiscordConfig{
			Enabled:    true,
			WebhookURL: discordSrv.URL,
			Events:     []string{"CONNECTION_LOST", "NOT_AN_EVENT"},
		},
		Webhook: &config.NotifyWebhook{
			Enabled:  true,
			Endpoint: hookSrv.URL,
			Events:   []string{"CONNECTION_LOST", "SUBSCRIPTION_REVOKED"},
		},
	}, nil)
	require.True(t, d.HasNotifiers())

	ctx := context.Background()
	d.Dispatch(ctx, model.EventConnectionLost, "title", "lost")
	d.Dispatch(ctx, model.EventSubscriptionRevoked, "title", "revoked")
	d.Dispatch(ctx, model.EventStreamOnline, "title", "online")
	waitSent(t, d)

	assert.Equal(t, 1, discord.count())
	assert.Equal(t, 2, hook.count())

	var embed struct {
		Username string `json:"username"`
		Embeds   []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Color       int    `json:"color"`
		} `json:"embeds"`
	}
	_, body := discord.get(0)
	require.NoError(t, json.Unmarshal(body, &embed))
	require.Len(t, embed.Embeds, 1)
	assert.Equal(t, "lost", embed.Embeds[0].Description)
	assert.Equal(t, colorRed, embed.Embeds[0].Color)
}

func TestNoNotifiers(t *testing.T) {
	d := NewDispatcher(config.NotificationsConfig{
		Discord: &config.DiscordConfig{Enabled: false, WebhookURL: "http://unused"},
	}, nil)
	assert.False(t, d.HasNotifiers())
	d.Dispatch(context.Background(), model.EventConnectionLost, "t", "m")
	waitSent(t, d)
}

func TestWebhookPost(t *testing.T) {
	hook, srv := newCapture(t, http.StatusOK)
	w := &Webhook{url: srv.URL, method: "post", httpClient: srv.Client()}

	require.NoError(t, w.Send(context.Background(), model.EventReplayFailed, "EventSub", "replay failed"))

	require.Equal(t, 1, hook.count())
	req, body := hook.get(0)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	var payload map[string]string
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "REPLAY_FAILED", payload["event"])
	assert.Equal(t, "EventSub", payload["title"])
	assert.Equal(t, "replay failed", payload["message"])
	assert.NotEmpty(t, payload["timestamp"])
}

func TestWebhookGet(t *testing.T) {
	hook, srv := newCapture(t, http.StatusOK)
	w := &Webhook{url: srv.URL + "/notify?key=1", method: http.MethodGet, httpClient: srv.Client()}

	require.NoError(t, w.Send(context.Background(), model.EventSessionReconnect, "EventSub", "moved"))

	req, _ := hook.get(0)
	q := req.URL.Query()
	assert.Equal(t, "1", q.Get("key"))
	assert.Equal(t, "SESSION_RECONNECT", q.Get("event_name"))
	assert.Equal(t, "moved", q.Get("message"))
}

func TestWebhookErrors(t *testing.T) {
	_, srv := newCapture(t, http.StatusInternalServerError)
	ctx := context.Background()

	w := &Webhook{url: srv.URL, method: http.MethodPost, httpClient: srv.Client()}
	assert.ErrorContains(t, w.Send(ctx, model.EventTest, "t", "m"), "unexpected status 500")

	w = &Webhook{url: srv.URL, method: http.MethodPut, httpClient: srv.Client()}
	assert.ErrorContains(t, w.Send(ctx, model.EventTest, "t", "m"), "unsupported method")

	d := &Discord{webhookURL: srv.URL, httpClient: srv.Client()}
	assert.ErrorContains(t, d.Send(ctx, model.EventTest, "t", "m"), "unexpected status 500")
}

func TestEmbedColor(t *testing.T) {
	assert.Equal(t, colorRed, embedColor(model.EventSubscriptionRevoked))
	assert.Equal(t, colorOrange, embedColor(model.EventSessionReconnect))
	assert.Equal(t, colorGreen, embedColor(model.EventStreamOnline))
	assert.Equal(t, colorTwitch, embedColor(model.EventTest))
}

func TestLoggerEventsReachNotifiers(t *testing.T) {
	hook, srv := newCapture(t, http.StatusOK)
	d := NewDispatcher(config.NotificationsConfig{
		Webhook: &config.NotifyWebhook{Enabled: true, Endpoint: srv.URL, Events: []string{"SUBSCRIPTION_REVOKED"}},
	}, nil)

	cfg := logger.DefaultConfig()
	cfg.Output = io.Discard
	cfg.NotifyFn = d.NotifyFunc()
	log, err := logger.Setup(cfg)
	require.NoError(t, err)

	log.WithComponent("eventsub").Event(context.Background(), model.EventSubscriptionRevoked,
		"Subscription revoked", "subscription", "sub-1")
	log.Info("plain lines are not forwarded")
	waitSent(t, d)

	require.Equal(t, 1, hook.count())
	_, body := hook.get(0)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "Twitch EventSub", payload["title"])
	assert.Contains(t, payload["message"], "Subscription revoked")
	assert.Contains(t, payload["message"], "sub-1")
}

func TestDispatcherTestIgnoresFilters(t *testing.T) {
	discord, discordSrv := newCapture(t, http.StatusNoContent)
	_, badSrv := newCapture(t, http.StatusBadGateway)

	d := NewDispatcher(config.NotificationsConfig{
		Discord: &config.DiscordConfig{Enabled: true, WebhookURL: discordSrv.URL},
		Webhook: &config.NotifyWebhook{Enabled: true, Endpoint: badSrv.URL},
	}, nil)

	err := d.Test(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Webhook:")
	assert.NotContains(t, err.Error(), "Discord:")
	assert.Equal(t, 1, discord.count())

	_, body := discord.get(0)
	assert.Contains(t, string(body), "Test notification")
}
