package chat

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/gempir/go-twitch-irc/v4"

	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
	"github.com/Guliveer/twitch-eventsub-go/internal/observability"
)

const transportName = "chat"

// MessageFunc receives every chat message, commands included.
type MessageFunc func(ctx context.Context, msg twitch.PrivateMessage)

type registeredCommand struct {
	handler    CommandFunc
	middleware []Middleware
}

// Handler routes incoming IRC chat messages to registered commands and logs
// connection events.
type Handler struct {
	ctx     context.Context
	sender  sender
	log     *logger.Logger
	metrics *observability.Metrics

	// skipShared drops messages mirrored from other channels of a shared
	// chat session.
	skipShared bool

	mu              sync.RWMutex
	prefix          string
	channelPrefixes map[string]string
	commands        map[string]*registeredCommand
	middleware      []Middleware
	defaultBlocked  BlockedFunc
	onMessage       []MessageFunc

	wg sync.WaitGroup
}

// NewHandler creates a new chat message Handler.
func NewHandler(ctx context.Context, s sender, log *logger.Logger, metrics *observability.Metrics) *Handler {
	return &Handler{
		ctx:             ctx,
		sender:          s,
		log:             log,
		metrics:         metrics,
		prefix:          "!",
		channelPrefixes: make(map[string]string),
		commands:        make(map[string]*registeredCommand),
	}
}

// OnPrivateMessage is called when a chat message is received. Messages
// starting with the channel's prefix and naming a registered command run
// that command once every middleware allows it.
func (h *Handler) OnPrivateMessage(msg twitch.PrivateMessage) {
	if h.skipShared && isSharedFromOtherRoom(msg.Tags) {
		return
	}

	h.mu.RLock()
	prefix := h.prefixFor(msg.Channel)
	listeners := h.onMessage
	h.mu.RUnlock()

	for _, fn := range listeners {
		h.run("message", func(ctx context.Context) error {
			fn(ctx, msg)
			return nil
		})
	}

	name, param, ok := parseCommand(msg.Message, prefix)
	if !ok {
		return
	}

	h.mu.RLock()
	rc, found := h.commands[name]
	var chain []Middleware
	if found {
		chain = append(append(chain, h.middleware...), rc.middleware...)
	}
	defaultBlocked := h.defaultBlocked
	h.mu.RUnlock()
	if !found {
		h.log.Debug("No handler registered for command", "command", name, "channel", msg.Channel)
		return
	}

	cmd := &Command{
		Name:      name,
		Parameter: param,
		Channel:   msg.Channel,
		RoomID:    msg.RoomID,
		User:      msg.User,
		Message:   msg,
		sender:    h.sender,
	}

	for _, m := range chain {
		if m.CanExecute(h.ctx, cmd) {
			continue
		}
		h.log.Debug("Command blocked by middleware", "command", name, "channel", msg.Channel, "user", msg.User.Name)
		blocked := defaultBlocked
		if b, ok := m.(blocker); ok && b.blockedHandler() != nil {
			blocked = b.blockedHandler()
		}
		if blocked != nil {
			h.run(name, func(ctx context.Context) error {
				blocked(ctx, cmd)
				return nil
			})
		}
		return
	}

	h.metrics.Message(transportName, "command")
	h.log.Event(h.ctx, model.EventChatCommand, "Chat command",
		"command", name, "channel", msg.Channel, "user", msg.User.Name)
	h.run(name, func(ctx context.Context) error { return rc.handler(ctx, cmd) })
	for _, m := range chain {
		m.WasExecuted(h.ctx, cmd)
	}
}

// run executes fn on its own goroutine, logging errors and panics.
func (h *Handler) run(name string, fn func(ctx context.Context) error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				h.metrics.Panic()
				h.log.Error("Recovered panic in chat handler",
					"command", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		if err := fn(h.ctx); err != nil {
			h.log.Warn("Chat command failed", "command", name, "error", err)
		}
	}()
}

// wait blocks until every started handler returned.
func (h *Handler) wait() {
	h.wg.Wait()
}

// prefixFor must be called with mu held.
func (h *Handler) prefixFor(channel string) string {
	if p, ok := h.channelPrefixes[strings.ToLower(channel)]; ok {
		return p
	}
	return h.prefix
}

// OnConnect is called when the IRC client connects to the server.
func (h *Handler) OnConnect() {
	h.log.Info("💬 Connected to Twitch IRC")
}

// OnReconnect is called when the IRC client reconnects to the server.
func (h *Handler) OnReconnect() {
	h.metrics.Reconnect("chat_reconnect")
	h.log.Info("💬 Reconnected to Twitch IRC")
}

// OnSelfJoinMessage is called when the bot joins a channel.
func (h *Handler) OnSelfJoinMessage(msg twitch.UserJoinMessage) {
	h.log.Info("💬 Joined IRC chat", "channel", msg.Channel)
}

// OnSelfPartMessage is called when the bot leaves a channel.
func (h *Handler) OnSelfPartMessage(msg twitch.UserPartMessage) {
	h.log.Info("💬 Left IRC chat", "channel", msg.Channel)
}
