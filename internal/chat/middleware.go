package chat

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Middleware decides whether a command may run. CanExecute is asked before
// the handler starts; WasExecuted is told after it was started.
type Middleware interface {
	CanExecute(ctx context.Context, cmd *Command) bool
	WasExecuted(ctx context.Context, cmd *Command)
}

// BlockedFunc is called when a middleware refuses a command.
type BlockedFunc func(ctx context.Context, cmd *Command)

// blocker is implemented by middleware carrying its own blocked handler.
type blocker interface {
	blockedHandler() BlockedFunc
}

// Blocked sets the handler run when this middleware refuses a command. It
// replaces the bot's default blocked handler for that refusal.
type Blocked struct {
	OnBlocked BlockedFunc
}

func (b Blocked) blockedHandler() BlockedFunc { return b.OnBlocked }

// ChannelRestriction limits a command to Allowed channels (when non-empty)
// and never runs it in Denied channels.
type ChannelRestriction struct {
	Blocked
	Allowed []string
	Denied  []string
}

func (m *ChannelRestriction) CanExecute(_ context.Context, cmd *Command) bool {
	return allowedName(strings.ToLower(cmd.Channel), m.Allowed, m.Denied)
}

func (m *ChannelRestriction) WasExecuted(context.Context, *Command) {}

// UserRestriction limits a command by the login name of the sender.
type UserRestriction struct {
	Blocked
	Allowed []string
	Denied  []string
}

func (m *UserRestriction) CanExecute(_ context.Context, cmd *Command) bool {
	return allowedName(strings.ToLower(cmd.User.Name), m.Allowed, m.Denied)
}

func (m *UserRestriction) WasExecuted(context.Context, *Command) {}

func allowedName(name string, allowed, denied []string) bool {
	match := func(s string) bool { return strings.EqualFold(s, name) }
	if len(allowed) > 0 && !slices.ContainsFunc(allowed, match) {
		return false
	}
	return !slices.ContainsFunc(denied, match)
}

// StreamerOnly lets only the owner of the channel run the command.
type StreamerOnly struct {
	Blocked
}

func (m *StreamerOnly) CanExecute(_ context.Context, cmd *Command) bool {
	return strings.EqualFold(cmd.Channel, cmd.User.Name)
}

func (m *StreamerOnly) WasExecuted(context.Context, *Command) {}

// SharedChatOnlyCurrent drops commands mirrored from another channel of a
// shared chat session.
type SharedChatOnlyCurrent struct {
	Blocked
}

func (m *SharedChatOnlyCurrent) CanExecute(_ context.Context, cmd *Command) bool {
	return !isSharedFromOtherRoom(cmd.Message.Tags)
}

func (m *SharedChatOnlyCurrent) WasExecuted(context.Context, *Command) {}

func isSharedFromOtherRoom(tags map[string]string) bool {
	source, ok := tags["source-room-id"]
	return ok && source != tags["room-id"]
}

// cooldown remembers when a key last ran.
type cooldown struct {
	period time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[cooldownKey]time.Time
}

type cooldownKey struct {
	command string
	channel string
	user    string
}

func newCooldown(period time.Duration) *cooldown {
	return &cooldown{period: period, now: time.Now, last: make(map[cooldownKey]time.Time)}
}

func (c *cooldown) ready(k cooldownKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[k]
	return !ok || c.now().Sub(t) >= c.period
}

func (c *cooldown) mark(k cooldownKey) {
	c.mu.Lock()
	c.last[k] = c.now()
	c.mu.Unlock()
}

// ChannelCooldown allows a command once per period in each channel.
type ChannelCooldown struct {
	Blocked
	*cooldown
}

func NewChannelCooldown(period time.Duration, onBlocked BlockedFunc) *ChannelCooldown {
	return &ChannelCooldown{Blocked: Blocked{onBlocked}, cooldown: newCooldown(period)}
}

func (m *ChannelCooldown) key(cmd *Command) cooldownKey {
	return cooldownKey{command: cmd.Name, channel: strings.ToLower(cmd.Channel)}
}

func (m *ChannelCooldown) CanExecute(_ context.Context, cmd *Command) bool {
	return m.ready(m.key(cmd))
}

func (m *ChannelCooldown) WasExecuted(_ context.Context, cmd *Command) { m.mark(m.key(cmd)) }

// ChannelUserCooldown allows a command once per period for each user in
// each channel.
type ChannelUserCooldown struct {
	Blocked
	*cooldown
}

func NewChannelUserCooldown(period time.Duration, onBlocked BlockedFunc) *ChannelUserCooldown {
	return &ChannelUserCooldown{Blocked: Blocked{onBlocked}, cooldown: newCooldown(period)}
}

func (m *ChannelUserCooldown) key(cmd *Command) cooldownKey {
	return cooldownKey{command: cmd.Name, channel: strings.ToLower(cmd.Channel), user: strings.ToLower(cmd.User.Name)}
}

func (m *ChannelUserCooldown) CanExecute(_ context.Context, cmd *Command) bool {
	return m.ready(m.key(cmd))
}

func (m *ChannelUserCooldown) WasExecuted(_ context.Context, cmd *Command) { m.mark(m.key(cmd)) }

// GlobalCooldown allows a command once per period across all channels.
type GlobalCooldown struct {
	Blocked
	*cooldown
}

func NewGlobalCooldown(period time.Duration, onBlocked BlockedFunc) *GlobalCooldown {
	return &GlobalCooldown{Blocked: Blocked{onBlocked}, cooldown: newCooldown(period)}
}

func (m *GlobalCooldown) CanExecute(_ context.Context, cmd *Command) bool {
	return m.ready(cooldownKey{command: cmd.Name})
}

func (m *GlobalCooldown) WasExecuted(_ context.Context, cmd *Command) {
	m.mark(cooldownKey{command: cmd.Name})
}
