package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gempir/go-twitch-irc/v4"
)

// MaxMessageLength is the longest message Twitch accepts in chat.
const MaxMessageLength = 500

var (
	ErrMessageTooLong = fmt.Errorf("chat: message longer than %d characters", MaxMessageLength)
	ErrInvalidPrefix  = errors.New("chat: prefix may not be empty or start with / or .")
	ErrNotJoined      = errors.New("chat: not joined to channel")
)

// sender is the part of the IRC client commands need to answer.
type sender interface {
	Say(channel, text string)
	Reply(channel, parentMsgID, text string)
}

// CommandFunc handles one invocation of a registered command.
type CommandFunc func(ctx context.Context, cmd *Command) error

// Command is a chat message that matched a registered command.
type Command struct {
	// Name is the lowercased command name without the prefix.
	Name string
	// Parameter is the rest of the message after the name, trimmed.
	Parameter string
	Channel   string
	RoomID    string
	User      twitch.User
	Message   twitch.PrivateMessage

	sender sender
}

// Reply answers the command as a threaded reply to the message.
func (c *Command) Reply(text string) error {
	if tooLong(text) {
		return ErrMessageTooLong
	}
	c.sender.Reply(c.Channel, c.Message.ID, text)
	return nil
}

// Send writes text to the channel the command came from.
func (c *Command) Send(text string) error {
	if tooLong(text) {
		return ErrMessageTooLong
	}
	c.sender.Say(c.Channel, text)
	return nil
}

// parseCommand splits "<prefix><name> <parameter>". ok is false when text
// does not start with prefix or names nothing.
func parseCommand(text, prefix string) (name, parameter string, ok bool) {
	rest, found := strings.CutPrefix(text, prefix)
	if !found {
		return "", "", false
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", "", false
	}
	name, parameter, _ = strings.Cut(rest, " ")
	return strings.ToLower(name), strings.TrimSpace(parameter), true
}

// tooLong counts characters, not bytes.
func tooLong(text string) bool {
	return utf8.RuneCountInString(text) > MaxMessageLength
}

func validPrefix(prefix string) bool {
	return prefix != "" && !strings.HasPrefix(prefix, "/") && !strings.HasPrefix(prefix, ".")
}
