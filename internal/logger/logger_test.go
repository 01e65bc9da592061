package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guliveer/twitch-eventsub-go/internal/model"
)

func TestParseLevel(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(slog.LevelError, ParseLevel("Error"))
	assert.Equal(slog.LevelInfo, ParseLevel("nonsense"))
}

func TestConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := Setup(Config{Level: slog.LevelDebug, Output: &buf})
	require.NoError(t, err)

	log.WithComponent("websocket").Info("Session ready", "session", "abc")

	out := buf.String()
	assert.Contains(t, out, "[websocket] Session ready")
	assert.Contains(t, out, "session=abc")
	assert.NotContains(t, out, "component=")
	assert.NotContains(t, out, "\033[")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log, err := Setup(Config{Level: slog.LevelWarn, Output: &buf})
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestEventNotifies(t *testing.T) {
	var buf bytes.Buffer
	var gotEvent model.Event
	var gotMsg string

	log, err := Setup(Config{
		Level:  slog.LevelInfo,
		Output: &buf,
		NotifyFn: func(_ context.Context, message string, event model.Event) {
			gotEvent = event
			gotMsg = message
		},
	})
	require.NoError(t, err)

	child := log.With("subscription", "sub-1")
	child.Event(context.Background(), model.EventSubscriptionRevoked, "Subscription revoked")

	assert.Equal(t, model.EventSubscriptionRevoked, gotEvent)
	assert.Contains(t, gotMsg, "Subscription revoked")
	assert.Contains(t, buf.String(), "event=SUBSCRIPTION_REVOKED")
	assert.Contains(t, buf.String(), "subscription=sub-1")
}

func TestDiscard(t *testing.T) {
	log := Discard()
	assert.False(t, log.Enabled(context.Background(), slog.LevelError))
	log.Event(context.Background(), model.EventTest, "ignored")
}
