package model

// Event represents an operational event type for notification filtering and logging.
type Event string

// All supported operational events.
const (
	EventSessionWelcome      Event = "SESSION_WELCOME"
	EventSessionReconnect    Event = "SESSION_RECONNECT"
	EventConnectionLost      Event = "CONNECTION_LOST"
	EventSubscriptionCreated Event = "SUBSCRIPTION_CREATED"
	EventSubscriptionRevoked Event = "SUBSCRIPTION_REVOKED"
	EventReplayFailed        Event = "REPLAY_FAILED"
	EventStreamOnline        Event = "STREAM_ONLINE"
	EventStreamOffline       Event = "STREAM_OFFLINE"
	EventChatCommand         Event = "CHAT_COMMAND"
	EventTest                Event = "TEST"
)

// AllEvents returns a slice of all defined events.
func AllEvents() []Event {
	return []Event{
		EventSessionWelcome,
		EventSessionReconnect,
		EventConnectionLost,
		EventSubscriptionCreated,
		EventSubscriptionRevoked,
		EventReplayFailed,
		EventStreamOnline,
		EventStreamOffline,
		EventChatCommand,
		EventTest,
	}
}

// String returns the string representation of an Event.
func (e Event) String() string {
	return string(e)
}

// ParseEvent converts a string to an Event. Returns empty string if invalid.
func ParseEvent(s string) Event {
	for _, e := range AllEvents() {
		if string(e) == s {
			return e
		}
	}
	return ""
}
