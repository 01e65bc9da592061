package pubsub

import (
	"context"

	"github.com/google/uuid"

	"github.com/Guliveer/twitch-eventsub-go/internal/model"
)

// ListenWhispers needs the whispers:read scope.
func (c *Client) ListenWhispers(ctx context.Context, userID string, h Handler) (uuid.UUID, error) {
	return c.ListenTopic(ctx, model.NewPubSubTopic(model.PubSubTopicWhispers, userID), h)
}

// ListenBits needs the bits:read scope.
func (c *Client) ListenBits(ctx context.Context, channelID string, h Handler) (uuid.UUID, error) {
	return c.ListenTopic(ctx, model.NewPubSubTopic(model.PubSubTopicBits, channelID), h)
}

func (c *Client) ListenBitsBadge(ctx context.Context, channelID string, h Handler) (uuid.UUID, error) {
	return c.ListenTopic(ctx, model.NewPubSubTopic(model.PubSubTopicBitsBadge, channelID), h)
}

// ListenChannelPoints needs the channel:read:redemptions scope.
func (c *Client) ListenChannelPoints(ctx context.Context, channelID string, h Handler) (uuid.UUID, error) {
	return c.ListenTopic(ctx, model.NewPubSubTopic(model.PubSubTopicChannelPoints, channelID), h)
}

func (c *Client) ListenChannelSubscriptions(ctx context.Context, channelID string, h Handler) (uuid.UUID, error) {
	return c.ListenTopic(ctx, model.NewPubSubTopic(model.PubSubTopicChannelSubscriptions, channelID), h)
}

// ListenModeratorActions listens to moderation in channelID as seen by userID.
func (c *Client) ListenModeratorActions(ctx context.Context, userID, channelID string, h Handler) (uuid.UUID, error) {
	return c.ListenTopic(ctx, model.NewPubSubTopic(model.PubSubTopicModeratorActions, userID, channelID), h)
}

func (c *Client) ListenAutomodQueue(ctx context.Context, moderatorID, channelID string, h Handler) (uuid.UUID, error) {
	return c.ListenTopic(ctx, model.NewPubSubTopic(model.PubSubTopicAutomodQueue, moderatorID, channelID), h)
}

func (c *Client) ListenUserModeration(ctx context.Context, userID, channelID string, h Handler) (uuid.UUID, error) {
	return c.ListenTopic(ctx, model.NewPubSubTopic(model.PubSubTopicUserModeration, userID, channelID), h)
}

func (c *Client) ListenLowTrustUsers(ctx context.Context, moderatorID, channelID string, h Handler) (uuid.UUID, error) {
	return c.ListenTopic(ctx, model.NewPubSubTopic(model.PubSubTopicLowTrustUsers, moderatorID, channelID), h)
}
