package model

import (
	"encoding/json"
	"time"
)

// EventSub websocket and webhook message types, read from metadata.message_type
// (websocket) or the Twitch-Eventsub-Message-Type header (webhook).
const (
	MessageTypeSessionWelcome   = "session_welcome"
	MessageTypeSessionKeepalive = "session_keepalive"
	MessageTypeSessionReconnect = "session_reconnect"
	MessageTypeNotification     = "notification"
	MessageTypeRevocation       = "revocation"
	MessageTypeVerification     = "webhook_callback_verification"
)

// Subscription statuses reported by Helix.
const (
	SubscriptionStatusEnabled              = "enabled"
	SubscriptionStatusVerificationPending  = "webhook_callback_verification_pending"
	SubscriptionStatusAuthorizationRevoked = "authorization_revoked"
	SubscriptionStatusUserRemoved          = "user_removed"
	SubscriptionStatusVersionRemoved       = "version_removed"
)

// Transport methods.
const (
	TransportWebsocket = "websocket"
	TransportWebhook   = "webhook"
)

// Transport describes where Twitch delivers a subscription's events.
type Transport struct {
	Method         string     `json:"method"`
	Callback       string     `json:"callback,omitempty"`
	Secret         string     `json:"secret,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// Subscription is the remote representation of an EventSub subscription.
type Subscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
	CreatedAt time.Time         `json:"created_at"`
	Cost      int               `json:"cost"`
}

// Session is the websocket session object carried by welcome and reconnect messages.
type Session struct {
	ID                      string    `json:"id"`
	Status                  string    `json:"status"`
	KeepaliveTimeoutSeconds *int      `json:"keepalive_timeout_seconds"`
	ReconnectURL            string    `json:"reconnect_url"`
	ConnectedAt             time.Time `json:"connected_at"`
}

// Metadata is the envelope header of every websocket message.
type Metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

// Message is one inbound websocket frame.
type Message struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// SessionPayload is the payload of session_welcome and session_reconnect.
type SessionPayload struct {
	Session Session `json:"session"`
}

// NotificationPayload is the payload of notification and revocation messages,
// and the body of webhook deliveries.
type NotificationPayload struct {
	Subscription Subscription    `json:"subscription"`
	Event        json.RawMessage `json:"event,omitempty"`
	Challenge    string          `json:"challenge,omitempty"`
}
