// Package constants defines Twitch endpoints, EventSub protocol limits and
// default timeout/interval values used throughout the client.
package constants

import "time"

const (
	// EventSubWebsocketURL is the production EventSub websocket endpoint.
	EventSubWebsocketURL = "wss://eventsub.wss.twitch.tv/ws"
	// HelixURL is the base URL of the Helix REST API.
	HelixURL = "https://api.twitch.tv/helix/"
	// PubSubURL is the legacy Twitch PubSub websocket endpoint.
	PubSubURL = "wss://pubsub-edge.twitch.tv/v1"
	// TokenURL is the Twitch OAuth2 token endpoint.
	TokenURL = "https://id.twitch.tv/oauth2/token"
	// ValidateURL is the Twitch OAuth2 token validation endpoint.
	ValidateURL = "https://id.twitch.tv/oauth2/validate"
	// DeviceCodeURL is the Twitch OAuth2 device code endpoint.
	DeviceCodeURL = "https://id.twitch.tv/oauth2/device"
)

// Webhook request headers sent by Twitch.
const (
	HeaderMessageID           = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp    = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature    = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType         = "Twitch-Eventsub-Message-Type"
	HeaderSubscriptionType    = "Twitch-Eventsub-Subscription-Type"
	HeaderSubscriptionVersion = "Twitch-Eventsub-Subscription-Version"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 15 * time.Second
	// DefaultWelcomeTimeout bounds the wait for session_welcome after dialing.
	DefaultWelcomeTimeout = 10 * time.Second
	// KeepaliveGraceFactor multiplies the server keepalive interval to get
	// the deadline after which a session is considered dead.
	KeepaliveGraceFactor = 2
	// DefaultReconnectInitialDelay is the first backoff delay after a failed dial.
	DefaultReconnectInitialDelay = time.Second
	// DefaultReconnectMaxDelay caps a single backoff delay.
	DefaultReconnectMaxDelay = 64 * time.Second
	// DefaultReconnectMaxElapsed is the total time spent reconnecting before
	// the connection is declared lost.
	DefaultReconnectMaxElapsed = 5 * time.Minute
	// DefaultConfirmTimeout bounds the wait for a webhook verification challenge.
	DefaultConfirmTimeout = 30 * time.Second
	// DefaultMessageHistory is the number of message ids kept for duplicate detection.
	DefaultMessageHistory = 50
	// MaxMessageAge is the age after which a webhook message is rejected as a replay.
	MaxMessageAge = 10 * time.Minute
	// DefaultTokenRefreshMargin refreshes access tokens this long before expiry.
	DefaultTokenRefreshMargin = 5 * time.Minute
	// DefaultGracefulShutdownTimeout is the timeout for graceful HTTP server shutdown.
	DefaultGracefulShutdownTimeout = 5 * time.Second
	// DefaultDeleteWorkers bounds concurrent remote deletes during unsubscribe-all.
	DefaultDeleteWorkers = 4
)

const (
	// MaxTopicsPerConn is the maximum number of topics per PubSub connection.
	MaxTopicsPerConn = 50
	// MaxPubSubConns is the maximum number of PubSub connections.
	MaxPubSubConns = 10
	// DefaultPubSubPingInterval is the interval between PubSub PING messages.
	DefaultPubSubPingInterval = 2 * time.Minute
	// DefaultPubSubPingJitter is added to or subtracted from each ping interval.
	DefaultPubSubPingJitter = 4 * time.Second
	// DefaultPubSubPongTimeout is how long a PONG may be missing after a PING
	// before the connection is considered dead.
	DefaultPubSubPongTimeout = 10 * time.Second
	// DefaultPubSubListenTimeout bounds the wait for a LISTEN/UNLISTEN RESPONSE.
	DefaultPubSubListenTimeout = 30 * time.Second
	// DefaultPubSubReconnectMaxDelay caps the PubSub redial backoff.
	DefaultPubSubReconnectMaxDelay = 128 * time.Second
)

// Close codes Twitch uses when it terminates an EventSub websocket.
var CloseReasons = map[int]string{
	4000: "internal server error",
	4001: "client sent inbound traffic",
	4002: "client failed ping-pong",
	4003: "connection unused",
	4004: "reconnect grace time expired",
	4005: "network timeout",
	4006: "network error",
	4007: "invalid reconnect",
}
