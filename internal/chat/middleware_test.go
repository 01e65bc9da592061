package chat

import (
	"context"
	"testing"
	"time"

	"github.com/gempir/go-twitch-irc/v4"
	"github.com/stretchr/testify/assert"
)

func command(name, channel, user string) *Command {
	return &Command{
		Name:    name,
		Channel: channel,
		User:    twitch.User{Name: user},
		Message: twitch.PrivateMessage{Tags: map[string]string{"room-id": "1"}},
	}
}

func TestRestrictions(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		mw   Middleware
		cmd  *Command
		want bool
	}{
		{"channel unrestricted", &ChannelRestriction{}, command("c", "a", "u"), true},
		{"channel allowed", &ChannelRestriction{Allowed: []string{"A"}}, command("c", "a", "u"), true},
		{"channel not allowed", &ChannelRestriction{Allowed: []string{"a"}}, command("c", "b", "u"), false},
		{"channel denied", &ChannelRestriction{Denied: []string{"b"}}, command("c", "b", "u"), false},
		{"channel allowed and denied", &ChannelRestriction{Allowed: []string{"b"}, Denied: []string{"b"}}, command("c", "b", "u"), false},
		{"user unrestricted", &UserRestriction{}, command("c", "a", "u"), true},
		{"user allowed", &UserRestriction{Allowed: []string{"u"}}, command("c", "a", "U"), true},
		{"user not allowed", &UserRestriction{Allowed: []string{"u"}}, command("c", "a", "v"), false},
		{"user denied", &UserRestriction{Denied: []string{"v"}}, command("c", "a", "v"), false},
		{"streamer", &StreamerOnly{}, command("c", "owner", "Owner"), true},
		{"not streamer", &StreamerOnly{}, command("c", "owner", "viewer"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mw.CanExecute(ctx, tt.cmd))
		})
	}
}

func TestSharedChatOnlyCurrent(t *testing.T) {
	ctx := context.Background()
	mw := &SharedChatOnlyCurrent{}

	cmd := command("c", "a", "u")
	assert.True(t, mw.CanExecute(ctx, cmd))

	cmd.Message.Tags["source-room-id"] = "1"
	assert.True(t, mw.CanExecute(ctx, cmd))

	cmd.Message.Tags["source-room-id"] = "2"
	assert.False(t, mw.CanExecute(ctx, cmd))
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestChannelCooldown(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	mw := NewChannelCooldown(10*time.Second, nil)
	mw.now = clock.Now

	first := command("hug", "a", "u")
	assert.True(t, mw.CanExecute(ctx, first))
	mw.WasExecuted(ctx, first)

	assert.False(t, mw.CanExecute(ctx, command("hug", "a", "other")), "same channel, any user")
	assert.True(t, mw.CanExecute(ctx, command("hug", "b", "u")), "other channel")
	assert.True(t, mw.CanExecute(ctx, command("wave", "a", "u")), "other command")

	clock.Advance(10 * time.Second)
	assert.True(t, mw.CanExecute(ctx, first))
}

func TestChannelUserCooldown(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	mw := NewChannelUserCooldown(time.Minute, nil)
	mw.now = clock.Now

	first := command("hug", "a", "u")
	mw.WasExecuted(ctx, first)

	assert.False(t, mw.CanExecute(ctx, command("hug", "A", "U")))
	assert.True(t, mw.CanExecute(ctx, command("hug", "a", "other")))
	assert.True(t, mw.CanExecute(ctx, command("hug", "b", "u")))

	clock.Advance(59 * time.Second)
	assert.False(t, mw.CanExecute(ctx, first))
	clock.Advance(time.Second)
	assert.True(t, mw.CanExecute(ctx, first))
}

func TestGlobalCooldown(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	mw := NewGlobalCooldown(5*time.Second, nil)
	mw.now = clock.Now

	mw.WasExecuted(ctx, command("hug", "a", "u"))
	assert.False(t, mw.CanExecute(ctx, command("hug", "b", "v")))
	assert.True(t, mw.CanExecute(ctx, command("wave", "a", "u")))

	clock.Advance(5 * time.Second)
	assert.True(t, mw.CanExecute(ctx, command("hug", "b", "v")))
}

func TestCooldownThroughBot(t *testing.T) {
	b, _ := newTestBot(t, Options{})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cd := NewGlobalCooldown(time.Minute, nil)
	cd.now = clock.Now

	var log commandLog
	blocked := 0
	b.RegisterCommand("hug", log.handle, cd)
	b.SetDefaultBlockedHandler(func(context.Context, *Command) { blocked++ })

	deliver(b, privmsg("a", "u", "!hug"))
	deliver(b, privmsg("b", "v", "!hug"))
	clock.Advance(time.Minute)
	deliver(b, privmsg("a", "u", "!hug"))

	assert.Len(t, log.got(), 2)
	assert.Equal(t, 1, blocked)
}
