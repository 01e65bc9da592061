// Package chat is an IRC chat bot with prefixed commands guarded by
// middleware.
package chat

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/gempir/go-twitch-irc/v4"

	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/observability"
)

// ircClient is the subset of *twitch.Client the bot drives.
type ircClient interface {
	sender
	Join(channels ...string)
	Depart(channel string)
	Connect() error
	Disconnect() error
}

// Options configures a Bot.
type Options struct {
	// Prefix starts every command. Defaults to "!".
	Prefix string
	// SkipSharedChat ignores messages mirrored into joined channels from
	// other channels of a shared chat session.
	SkipSharedChat bool
	Metrics        *observability.Metrics
}

// Bot joins IRC channels and runs registered commands. It uses the
// go-twitch-irc library which handles PING/PONG keepalive and automatic
// reconnection internally.
type Bot struct {
	mu sync.Mutex

	client  ircClient
	handler *Handler

	username string

	channels map[string]bool
	running  bool

	cancel context.CancelFunc
	log    *logger.Logger
}

// NewBot creates a bot that logs in as username with the given user token.
func NewBot(username, authToken string, opts Options, log *logger.Logger) (*Bot, error) {
	client := twitch.NewClient(username, "oauth:"+authToken)
	b, err := newBot(client, username, opts, log)
	if err != nil {
		return nil, err
	}

	h := b.handler
	client.OnPrivateMessage(h.OnPrivateMessage)
	client.OnConnect(h.OnConnect)
	client.OnReconnectMessage(func(twitch.ReconnectMessage) {
		h.OnReconnect()
	})
	client.OnSelfJoinMessage(h.OnSelfJoinMessage)
	client.OnSelfPartMessage(h.OnSelfPartMessage)

	return b, nil
}

func newBot(client ircClient, username string, opts Options, log *logger.Logger) (*Bot, error) {
	if log == nil {
		log = logger.Discard()
	}
	log = log.WithComponent("chat")

	ctx, cancel := context.WithCancel(context.Background())
	h := NewHandler(ctx, client, log, opts.Metrics)
	h.skipShared = opts.SkipSharedChat
	if opts.Prefix != "" {
		if !validPrefix(opts.Prefix) {
			cancel()
			return nil, ErrInvalidPrefix
		}
		h.prefix = opts.Prefix
	}

	return &Bot{
		client:   client,
		handler:  h,
		username: strings.ToLower(username),
		channels: make(map[string]bool),
		cancel:   cancel,
		log:      log,
	}, nil
}

// RegisterCommand adds a command. Names are case-insensitive. middleware
// runs after the bot-wide middleware, for this command only. It returns
// false when the name is already taken.
func (b *Bot) RegisterCommand(name string, fn CommandFunc, middleware ...Middleware) bool {
	name = strings.ToLower(name)
	h := b.handler
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.commands[name]; ok {
		return false
	}
	h.commands[name] = &registeredCommand{handler: fn, middleware: middleware}
	return true
}

// UnregisterCommand removes a command. It returns false when it was not
// registered.
func (b *Bot) UnregisterCommand(name string) bool {
	name = strings.ToLower(name)
	h := b.handler
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.commands[name]; !ok {
		return false
	}
	delete(h.commands, name)
	return true
}

// Use adds middleware applied to every command.
func (b *Bot) Use(middleware ...Middleware) {
	h := b.handler
	h.mu.Lock()
	h.middleware = append(h.middleware, middleware...)
	h.mu.Unlock()
}

// SetDefaultBlockedHandler sets the handler run when a middleware without
// its own blocked handler refuses a command.
func (b *Bot) SetDefaultBlockedHandler(fn BlockedFunc) {
	h := b.handler
	h.mu.Lock()
	h.defaultBlocked = fn
	h.mu.Unlock()
}

// OnMessage registers fn for every chat message.
func (b *Bot) OnMessage(fn MessageFunc) {
	h := b.handler
	h.mu.Lock()
	h.onMessage = append(h.onMessage, fn)
	h.mu.Unlock()
}

// SetPrefix changes the bot-wide command prefix.
func (b *Bot) SetPrefix(prefix string) error {
	if !validPrefix(prefix) {
		return ErrInvalidPrefix
	}
	h := b.handler
	h.mu.Lock()
	h.prefix = prefix
	h.mu.Unlock()
	return nil
}

// SetChannelPrefix overrides the prefix in one channel.
func (b *Bot) SetChannelPrefix(channel, prefix string) error {
	if !validPrefix(prefix) {
		return ErrInvalidPrefix
	}
	h := b.handler
	h.mu.Lock()
	h.channelPrefixes[strings.ToLower(channel)] = prefix
	h.mu.Unlock()
	return nil
}

// ResetChannelPrefix makes channel use the bot-wide prefix again.
func (b *Bot) ResetChannelPrefix(channel string) {
	h := b.handler
	h.mu.Lock()
	delete(h.channelPrefixes, strings.ToLower(channel))
	h.mu.Unlock()
}

// Join joins a channel for chat presence. The channel name should be the
// streamer's username (without the # prefix).
func (b *Bot) Join(channelName string) error {
	channel := normalizeChannel(channelName)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channels[channel] {
		b.log.Debug("Already in IRC", "channel", channel)
		return nil
	}

	b.channels[channel] = true
	b.client.Join(channel)
	b.log.Info("Join IRC Chat", "channel", channel)

	return nil
}

// Leave leaves a channel.
func (b *Bot) Leave(channelName string) error {
	channel := normalizeChannel(channelName)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.channels[channel] {
		b.log.Debug("Not in IRC", "channel", channel)
		return nil
	}

	delete(b.channels, channel)
	b.client.Depart(channel)
	b.log.Info("Leave IRC Chat", "channel", channel)

	return nil
}

// Say sends text to a joined channel.
func (b *Bot) Say(channelName, text string) error {
	channel := normalizeChannel(channelName)
	if tooLong(text) {
		return ErrMessageTooLong
	}
	if !b.IsJoined(channel) {
		return ErrNotJoined
	}
	b.client.Say(channel, text)
	return nil
}

// Reply answers the message with id parentID in a joined channel.
func (b *Bot) Reply(channelName, parentID, text string) error {
	channel := normalizeChannel(channelName)
	if tooLong(text) {
		return ErrMessageTooLong
	}
	if !b.IsJoined(channel) {
		return ErrNotJoined
	}
	b.client.Reply(channel, parentID, text)
	return nil
}

// Run connects to Twitch IRC and maintains presence. It blocks until the
// context is cancelled. The go-twitch-irc library handles reconnection
// automatically.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		err := b.client.Connect()
		if err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		b.Close()
		return ctx.Err()
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			b.log.Error("IRC connection error", "error", err)
			return err
		}
		return ctx.Err()
	}
}

// Close leaves all channels, shuts down the IRC client and waits for
// running command handlers.
func (b *Bot) Close() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false

	for channel := range b.channels {
		b.client.Depart(channel)
		b.log.Info("Leave IRC Chat", "channel", channel)
	}
	b.channels = make(map[string]bool)

	if err := b.client.Disconnect(); err != nil {
		b.log.Debug("IRC disconnect", "error", err)
	}
	b.mu.Unlock()

	b.cancel()
	b.handler.wait()
	b.log.Info("IRC chat bot closed")
}

// IsJoined returns whether the bot is currently in the given channel.
func (b *Bot) IsJoined(channelName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels[normalizeChannel(channelName)]
}

// JoinedChannels returns the currently joined channels, sorted.
func (b *Bot) JoinedChannels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	channels := make([]string, 0, len(b.channels))
	for channelName := range b.channels {
		channels = append(channels, channelName)
	}
	slices.Sort(channels)
	return channels
}

func normalizeChannel(name string) string {
	return strings.ToLower(strings.TrimPrefix(name, "#"))
}
