package model

import "time"

// Broadcaster identifies the channel an event belongs to.
type Broadcaster struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	BroadcasterUserName  string `json:"broadcaster_user_name"`
}

// User identifies the user who caused an event.
type User struct {
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
}

// StreamOnlineEvent is the payload of stream.online.
type StreamOnlineEvent struct {
	Broadcaster
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	StartedAt time.Time `json:"started_at"`
}

// StreamOfflineEvent is the payload of stream.offline.
type StreamOfflineEvent struct {
	Broadcaster
}

// ChannelUpdateEvent is the payload of channel.update (v2).
type ChannelUpdateEvent struct {
	Broadcaster
	Title                       string   `json:"title"`
	Language                    string   `json:"language"`
	CategoryID                  string   `json:"category_id"`
	CategoryName                string   `json:"category_name"`
	ContentClassificationLabels []string `json:"content_classification_labels"`
}

// ChannelFollowEvent is the payload of channel.follow (v2).
type ChannelFollowEvent struct {
	Broadcaster
	User
	FollowedAt time.Time `json:"followed_at"`
}

// ChannelSubscribeEvent is the payload of channel.subscribe.
type ChannelSubscribeEvent struct {
	Broadcaster
	User
	Tier   string `json:"tier"`
	IsGift bool   `json:"is_gift"`
}

// ChannelCheerEvent is the payload of channel.cheer.
type ChannelCheerEvent struct {
	Broadcaster
	IsAnonymous bool   `json:"is_anonymous"`
	UserID      string `json:"user_id"`
	UserLogin   string `json:"user_login"`
	UserName    string `json:"user_name"`
	Message     string `json:"message"`
	Bits        int    `json:"bits"`
}

// ChannelRaidEvent is the payload of channel.raid.
type ChannelRaidEvent struct {
	FromBroadcasterUserID    string `json:"from_broadcaster_user_id"`
	FromBroadcasterUserLogin string `json:"from_broadcaster_user_login"`
	FromBroadcasterUserName  string `json:"from_broadcaster_user_name"`
	ToBroadcasterUserID      string `json:"to_broadcaster_user_id"`
	ToBroadcasterUserLogin   string `json:"to_broadcaster_user_login"`
	ToBroadcasterUserName    string `json:"to_broadcaster_user_name"`
	Viewers                  int    `json:"viewers"`
}

// ChannelBanEvent is the payload of channel.ban.
type ChannelBanEvent struct {
	Broadcaster
	User
	ModeratorUserID    string     `json:"moderator_user_id"`
	ModeratorUserLogin string     `json:"moderator_user_login"`
	ModeratorUserName  string     `json:"moderator_user_name"`
	Reason             string     `json:"reason"`
	BannedAt           time.Time  `json:"banned_at"`
	EndsAt             *time.Time `json:"ends_at"`
	IsPermanent        bool       `json:"is_permanent"`
}

// RedemptionReward is the reward part of a channel points redemption.
type RedemptionReward struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Cost   int    `json:"cost"`
	Prompt string `json:"prompt"`
}

// RewardRedemptionEvent is the payload of
// channel.channel_points_custom_reward_redemption.add.
type RewardRedemptionEvent struct {
	Broadcaster
	User
	ID         string           `json:"id"`
	UserInput  string           `json:"user_input"`
	Status     string           `json:"status"`
	Reward     RedemptionReward `json:"reward"`
	RedeemedAt time.Time        `json:"redeemed_at"`
}

// ChatMessageFragment is one piece of a chat message.
type ChatMessageFragment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ChatMessageBody is the message part of channel.chat.message.
type ChatMessageBody struct {
	Text      string                `json:"text"`
	Fragments []ChatMessageFragment `json:"fragments"`
}

// ChatMessageEvent is the payload of channel.chat.message.
type ChatMessageEvent struct {
	Broadcaster
	ChatterUserID    string          `json:"chatter_user_id"`
	ChatterUserLogin string          `json:"chatter_user_login"`
	ChatterUserName  string          `json:"chatter_user_name"`
	MessageID        string          `json:"message_id"`
	Message          ChatMessageBody `json:"message"`
	MessageType      string          `json:"message_type"`
	Color            string          `json:"color"`
}

// UserUpdateEvent is the payload of user.update.
type UserUpdateEvent struct {
	User
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Description   string `json:"description"`
}
