package eventsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Guliveer/twitch-eventsub-go/internal/model"
)

// Topic names an EventSub subscription type and version.
type Topic struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

func (t Topic) String() string {
	return t.Type + "/v" + t.Version
}

// Topics with typed Listen helpers.
var (
	TopicStreamOnline     = Topic{"stream.online", "1"}
	TopicStreamOffline    = Topic{"stream.offline", "1"}
	TopicChannelUpdate    = Topic{"channel.update", "2"}
	TopicChannelFollow    = Topic{"channel.follow", "2"}
	TopicChannelSubscribe = Topic{"channel.subscribe", "1"}
	TopicChannelCheer     = Topic{"channel.cheer", "1"}
	TopicChannelRaid      = Topic{"channel.raid", "1"}
	TopicChannelBan       = Topic{"channel.ban", "1"}
	TopicRewardRedemption = Topic{"channel.channel_points_custom_reward_redemption.add", "1"}
	TopicChatMessage      = Topic{"channel.chat.message", "1"}
	TopicUserUpdate       = Topic{"user.update", "1"}
)

// Typed adapts a handler for a concrete event payload to a Callback.
// Payloads that do not decode into T are reported as callback errors.
func Typed[T any](fn func(ctx context.Context, event T) error) Callback {
	return func(ctx context.Context, n Notification) error {
		var event T
		if err := json.Unmarshal(n.Event, &event); err != nil {
			return fmt.Errorf("decoding %s event: %w", n.Subscription.Type, err)
		}
		return fn(ctx, event)
	}
}

// ListenStreamOnline subscribes to a broadcaster going live.
func (c *core) ListenStreamOnline(ctx context.Context, broadcasterID string,
	fn func(context.Context, model.StreamOnlineEvent) error, opts ...ListenOption) (string, error) {
	return c.Listen(ctx, TopicStreamOnline, map[string]string{"broadcaster_user_id": broadcasterID}, Typed(fn), opts...)
}

// ListenStreamOffline subscribes to a broadcaster going offline.
func (c *core) ListenStreamOffline(ctx context.Context, broadcasterID string,
	fn func(context.Context, model.StreamOfflineEvent) error, opts ...ListenOption) (string, error) {
	return c.Listen(ctx, TopicStreamOffline, map[string]string{"broadcaster_user_id": broadcasterID}, Typed(fn), opts...)
}

// ListenChannelUpdate subscribes to title and category changes.
func (c *core) ListenChannelUpdate(ctx context.Context, broadcasterID string,
	fn func(context.Context, model.ChannelUpdateEvent) error, opts ...ListenOption) (string, error) {
	return c.Listen(ctx, TopicChannelUpdate, map[string]string{"broadcaster_user_id": broadcasterID}, Typed(fn), opts...)
}

// ListenChannelFollow subscribes to new followers. moderatorID must be the
// broadcaster or one of their moderators and match the token's user.
func (c *core) ListenChannelFollow(ctx context.Context, broadcasterID, moderatorID string,
	fn func(context.Context, model.ChannelFollowEvent) error, opts ...ListenOption) (string, error) {
	return c.Listen(ctx, TopicChannelFollow, map[string]string{
		"broadcaster_user_id": broadcasterID,
		"moderator_user_id":   moderatorID,
	}, Typed(fn), opts...)
}

func (c *core) ListenChannelSubscribe(ctx context.Context, broadcasterID string,
	fn func(context.Context, model.ChannelSubscribeEvent) error, opts ...ListenOption) (string, error) {
	return c.Listen(ctx, TopicChannelSubscribe, map[string]string{"broadcaster_user_id": broadcasterID}, Typed(fn), opts...)
}

func (c *core) ListenChannelCheer(ctx context.Context, broadcasterID string,
	fn func(context.Context, model.ChannelCheerEvent) error, opts ...ListenOption) (string, error) {
	return c.Listen(ctx, TopicChannelCheer, map[string]string{"broadcaster_user_id": broadcasterID}, Typed(fn), opts...)
}

// ListenChannelRaid subscribes to raids. Exactly one of fromID and toID
// must be set.
func (c *core) ListenChannelRaid(ctx context.Context, fromID, toID string,
	fn func(context.Context, model.ChannelRaidEvent) error, opts ...ListenOption) (string, error) {
	if (fromID == "") == (toID == "") {
		return "", fmt.Errorf("channel.raid needs exactly one of from and to broadcaster id")
	}
	cond := map[string]string{}
	if fromID != "" {
		cond["from_broadcaster_user_id"] = fromID
	} else {
		cond["to_broadcaster_user_id"] = toID
	}
	return c.Listen(ctx, TopicChannelRaid, cond, Typed(fn), opts...)
}

func (c *core) ListenChannelBan(ctx context.Context, broadcasterID string,
	fn func(context.Context, model.ChannelBanEvent) error, opts ...ListenOption) (string, error) {
	return c.Listen(ctx, TopicChannelBan, map[string]string{"broadcaster_user_id": broadcasterID}, Typed(fn), opts...)
}

// ListenRewardRedemption subscribes to channel point redemptions, optionally
// of a single reward.
func (c *core) ListenRewardRedemption(ctx context.Context, broadcasterID, rewardID string,
	fn func(context.Context, model.RewardRedemptionEvent) error, opts ...ListenOption) (string, error) {
	cond := map[string]string{"broadcaster_user_id": broadcasterID}
	if rewardID != "" {
		cond["reward_id"] = rewardID
	}
	return c.Listen(ctx, TopicRewardRedemption, cond, Typed(fn), opts...)
}

// ListenChatMessage subscribes to chat messages in a channel as seen by userID.
func (c *core) ListenChatMessage(ctx context.Context, broadcasterID, userID string,
	fn func(context.Context, model.ChatMessageEvent) error, opts ...ListenOption) (string, error) {
	return c.Listen(ctx, TopicChatMessage, map[string]string{
		"broadcaster_user_id": broadcasterID,
		"user_id":             userID,
	}, Typed(fn), opts...)
}

func (c *core) ListenUserUpdate(ctx context.Context, userID string,
	fn func(context.Context, model.UserUpdateEvent) error, opts ...ListenOption) (string, error) {
	return c.Listen(ctx, TopicUserUpdate, map[string]string{"user_id": userID}, Typed(fn), opts...)
}
