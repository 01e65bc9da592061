// Package pubsub is a client for the legacy Twitch PubSub websocket. Topics
// are spread over a pool of connections of up to 50 topics each; every
// connection keeps itself alive with PING/PONG and re-LISTENs its topics
// after a reconnect.
package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PubSub protocol message types sent to/from the Twitch PubSub server.
const (
	// TypePing is sent by the client to keep the connection alive.
	TypePing = "PING"
	// TypePong is the server's response to a PING.
	TypePong = "PONG"
	// TypeListen subscribes to one or more topics.
	TypeListen = "LISTEN"
	// TypeUnlisten unsubscribes from one or more topics.
	TypeUnlisten = "UNLISTEN"
	// TypeMessage is a server-pushed message for a subscribed topic.
	TypeMessage = "MESSAGE"
	// TypeResponse is the server's acknowledgement of a LISTEN/UNLISTEN.
	TypeResponse = "RESPONSE"
	// TypeReconnect is sent by the server to request a client reconnection.
	TypeReconnect = "RECONNECT"
	// TypeAuthRevoked tells the client it lost access to some topics.
	TypeAuthRevoked = "AUTH_REVOKED"
)

var (
	// ErrBadAuth is returned when the server rejects the auth token.
	ErrBadAuth = errors.New("pubsub: bad auth")
	// ErrBadTopic is returned for a topic the server does not know.
	ErrBadTopic = errors.New("pubsub: bad topic")
	// ErrBadMessage is returned when the server could not parse a request.
	ErrBadMessage = errors.New("pubsub: bad message")
	// ErrServer is returned on a server-side failure.
	ErrServer = errors.New("pubsub: server error")
	// ErrListenTimeout is returned when no RESPONSE arrived in time.
	ErrListenTimeout = errors.New("pubsub: listen not confirmed in time")
	// ErrPongTimeout ends a connection whose PING went unanswered.
	ErrPongTimeout = errors.New("pubsub: pong timeout")
	// ErrReconnectRequested ends a connection after a RECONNECT message.
	ErrReconnectRequested = errors.New("pubsub: server requested reconnect")
	// ErrConnectionClosed is returned for requests pending on a closed connection.
	ErrConnectionClosed = errors.New("pubsub: connection closed")
	// ErrTooManyTopics is returned when every connection slot is full.
	ErrTooManyTopics = errors.New("pubsub: topic limit reached")

	ErrNotStarted     = errors.New("pubsub: client not started")
	ErrAlreadyStarted = errors.New("pubsub: client already started")
	ErrNotRunning     = errors.New("pubsub: client not running")
)

// responseError maps the error field of a RESPONSE to an error.
func responseError(code string) error {
	switch code {
	case "":
		return nil
	case "ERR_BADAUTH":
		return ErrBadAuth
	case "ERR_BADTOPIC":
		return ErrBadTopic
	case "ERR_BADMESSAGE":
		return ErrBadMessage
	case "ERR_SERVER":
		return ErrServer
	}
	return fmt.Errorf("pubsub: %s", code)
}

// Request is a message sent from the client to the Twitch PubSub server.
type Request struct {
	Type  string       `json:"type"`
	Nonce string       `json:"nonce,omitempty"`
	Data  *RequestData `json:"data,omitempty"`
}

// RequestData contains the topics and auth token for LISTEN/UNLISTEN requests.
type RequestData struct {
	Topics    []string `json:"topics"`
	AuthToken string   `json:"auth_token,omitempty"`
}

// Response is a message received from the Twitch PubSub server.
type Response struct {
	Type  string          `json:"type"`
	Nonce string          `json:"nonce,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageData is the payload within a MESSAGE-type response.
type MessageData struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// AuthRevokedData is the payload of an AUTH_REVOKED message.
type AuthRevokedData struct {
	Topics []string `json:"topics"`
}
