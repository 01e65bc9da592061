package eventsub

import "errors"

var (
	// ErrConnection wraps network, DNS and TLS failures while dialing or
	// reading the websocket. It is retried internally with backoff.
	ErrConnection = errors.New("eventsub: connection error")
	// ErrNotConnected is returned by Conn.Send after the connection closed.
	ErrNotConnected = errors.New("eventsub: not connected")
	// ErrProtocolViolation is returned for malformed messages or messages
	// that are not valid in the session's current state.
	ErrProtocolViolation = errors.New("eventsub: protocol violation")
	// ErrConnectionLost is the terminal error surfaced via Err once
	// reconnecting gave up.
	ErrConnectionLost = errors.New("eventsub: connection lost")
	// ErrSubscriptionTimeout is returned by Listen when a webhook subscription
	// was not verified in time.
	ErrSubscriptionTimeout = errors.New("eventsub: subscription verification timed out")
	// ErrNotStarted is returned when the client is used before Start.
	ErrNotStarted = errors.New("eventsub: client not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("eventsub: client already started")
	// ErrNotRunning is returned when the client is used after Stop.
	ErrNotRunning = errors.New("eventsub: client not running")
)
