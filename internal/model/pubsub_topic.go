package model

import "fmt"

// PubSubTopicType identifies the category of a legacy PubSub topic.
type PubSubTopicType int

const (
	PubSubTopicWhispers PubSubTopicType = iota
	PubSubTopicBits
	PubSubTopicBitsBadge
	PubSubTopicChannelPoints
	PubSubTopicChannelSubscriptions
	PubSubTopicModeratorActions
	PubSubTopicAutomodQueue
	PubSubTopicUserModeration
	PubSubTopicLowTrustUsers
)

var topicNames = map[PubSubTopicType]string{
	PubSubTopicWhispers:             "whispers",
	PubSubTopicBits:                 "channel-bits-events-v2",
	PubSubTopicBitsBadge:            "channel-bits-badge-unlocks",
	PubSubTopicChannelPoints:        "channel-points-channel-v1",
	PubSubTopicChannelSubscriptions: "channel-subscribe-events-v1",
	PubSubTopicModeratorActions:     "chat_moderator_actions",
	PubSubTopicAutomodQueue:         "automod-queue",
	PubSubTopicUserModeration:       "user-moderation-notifications",
	PubSubTopicLowTrustUsers:        "low-trust-users",
}

// String returns the Twitch topic string prefix for this topic type.
func (t PubSubTopicType) String() string {
	if name, ok := topicNames[t]; ok {
		return name
	}
	return "unknown"
}

// PubSubTopic is a topic prefix plus the ids it is scoped to, joined by dots.
type PubSubTopic struct {
	TopicType PubSubTopicType
	IDs       []string
}

// NewPubSubTopic creates a topic scoped to the given ids.
func NewPubSubTopic(topicType PubSubTopicType, ids ...string) PubSubTopic {
	return PubSubTopic{TopicType: topicType, IDs: ids}
}

// String returns the full topic string, e.g. "chat_moderator_actions.123.456".
func (pt PubSubTopic) String() string {
	s := pt.TopicType.String()
	for _, id := range pt.IDs {
		s = fmt.Sprintf("%s.%s", s, id)
	}
	return s
}
