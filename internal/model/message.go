package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Guliveer/twitch-eventsub-go/internal/jsonutil"
)

// PubSubMessage is a parsed legacy PubSub MESSAGE frame.
type PubSubMessage struct {
	Topic string         `json:"topic"`
	Data  map[string]any `json:"data"`
}

// ParsePubSubMessage decodes the JSON string Twitch nests inside MESSAGE frames.
func ParsePubSubMessage(topic string, rawMessage string) (*PubSubMessage, error) {
	data := make(map[string]any)
	if strings.TrimSpace(rawMessage) != "" {
		if err := json.Unmarshal([]byte(rawMessage), &data); err != nil {
			return nil, fmt.Errorf("failed to parse message body: %w", err)
		}
	}
	return &PubSubMessage{Topic: topic, Data: data}, nil
}

// Type returns the payload's message type. Topics disagree on the key name,
// so "type" and "message_type" are both consulted.
func (m *PubSubMessage) Type() string {
	if t := jsonutil.String(m.Data, "type"); t != "" {
		return t
	}
	return jsonutil.String(m.Data, "message_type")
}

// Get extracts a string nested under path in the payload.
func (m *PubSubMessage) Get(path ...string) string {
	return jsonutil.String(m.Data, path...)
}

// String returns a string representation of the message.
func (m *PubSubMessage) String() string {
	return fmt.Sprintf("PubSubMessage(topic=%s)", m.Topic)
}
