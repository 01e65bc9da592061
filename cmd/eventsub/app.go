package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Guliveer/twitch-eventsub-go/internal/auth"
	"github.com/Guliveer/twitch-eventsub-go/internal/config"
	"github.com/Guliveer/twitch-eventsub-go/internal/dedup"
	"github.com/Guliveer/twitch-eventsub-go/internal/eventsub"
	"github.com/Guliveer/twitch-eventsub-go/internal/helix"
	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
	"github.com/Guliveer/twitch-eventsub-go/internal/observability"
)

// newTokenStore creates the token store and obtains a usable token.
func newTokenStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*auth.Store, error) {
	store := auth.NewStore(auth.Options{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AccessToken:  cfg.Auth.AccessToken,
		RefreshToken: cfg.Auth.RefreshToken,
		App:          cfg.Auth.AppToken,
		TokenFile:    cfg.Auth.TokenFile,
	}, log)
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("authenticating: %w", err)
	}
	return store, nil
}

func newHelix(store auth.Provider, cfg *config.Config, metrics *observability.Metrics, log *logger.Logger) *helix.Client {
	return helix.NewClient(store, helix.Options{
		BaseURL:    cfg.Helix.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.Helix.Timeout},
		Metrics:    metrics,
	}, log)
}

// newDeduper returns the configured duplicate filter and a function that
// releases it.
func newDeduper(ctx context.Context, cfg *config.Config, log *logger.Logger) (dedup.Deduper, func(), error) {
	if cfg.Dedup.Backend != "redis" {
		return dedup.NewMemory(cfg.Dedup.HistorySize), func() {}, nil
	}
	r := cfg.Dedup.Redis
	client, err := dedup.Dial(ctx, dedup.RedisOptions{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("Using redis for duplicate detection", "addr", r.Addr)
	return dedup.NewRedis(client, r.KeyPrefix, r.TTL, log), func() { _ = client.Close() }, nil
}

// newEventClient builds the transport selected in the configuration.
func newEventClient(cfg *config.Config, remote eventsub.Remote, d dedup.Deduper,
	metrics *observability.Metrics, log *logger.Logger) (eventsub.Client, error) {
	onRevoke := func(ctx context.Context, sub eventsub.Subscription) {
		log.Warn("Subscription is gone", "subscription", sub.ID, "topic", sub.Topic.String(), "reason", sub.Reason)
	}

	if cfg.IsWebhook() {
		wh := cfg.Webhook
		c, err := eventsub.NewWebhookClient(remote, eventsub.WebhookOptions{
			CallbackURL:       wh.CallbackURL,
			Secret:            wh.Secret,
			ListenAddr:        wh.ListenAddr,
			ConfirmTimeout:    wh.ConfirmTimeout,
			SkipConfirm:       !config.BoolOr(wh.WaitForConfirm, true),
			KeepOnStop:        !config.BoolOr(wh.UnsubscribeOnStop, true),
			MessageHistory:    cfg.Dedup.HistorySize,
			Deduper:           d,
			RevocationHandler: onRevoke,
			Metrics:           metrics,
		}, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	ws := cfg.Websocket
	return eventsub.NewWebsocketClient(remote, eventsub.WebsocketOptions{
		URL:            ws.URL,
		WelcomeTimeout: ws.WelcomeTimeout,
		Reconnect: eventsub.ReconnectConfig{
			InitialDelay: ws.Reconnect.InitialDelay,
			MaxDelay:     ws.Reconnect.MaxDelay,
			MaxElapsed:   ws.Reconnect.MaxElapsed,
		},
		MessageHistory:    cfg.Dedup.HistorySize,
		Deduper:           d,
		RevocationHandler: onRevoke,
		Metrics:           metrics,
	}, log), nil
}

// logNotification is the callback for subscriptions declared in the config
// file. Stream status changes are reported as events; everything else is
// logged with its payload.
func logNotification(log *logger.Logger) eventsub.Callback {
	online := eventsub.Typed(func(ctx context.Context, ev model.StreamOnlineEvent) error {
		log.Event(ctx, model.EventStreamOnline, "Stream is live",
			"broadcaster", ev.BroadcasterUserLogin, "started_at", ev.StartedAt)
		return nil
	})
	offline := eventsub.Typed(func(ctx context.Context, ev model.StreamOfflineEvent) error {
		log.Event(ctx, model.EventStreamOffline, "Stream went offline", "broadcaster", ev.BroadcasterUserLogin)
		return nil
	})

	return func(ctx context.Context, n eventsub.Notification) error {
		switch n.Subscription.Type {
		case eventsub.TopicStreamOnline.Type:
			return online(ctx, n)
		case eventsub.TopicStreamOffline.Type:
			return offline(ctx, n)
		}
		log.Info("Notification",
			"subscription", n.Subscription.ID,
			"type", n.Subscription.Type,
			"message_id", n.MessageID,
			"event", string(n.Event))
		return nil
	}
}

// subscribe creates every subscription listed in the config. A failing
// subscription is logged and skipped.
func subscribe(ctx context.Context, client eventsub.Client, subs []config.SubscriptionConfig, log *logger.Logger) int {
	cb := logNotification(log)
	ok := 0
	for _, s := range subs {
		topic := eventsub.Topic{Type: s.Type, Version: s.Version}
		if _, err := client.Listen(ctx, topic, s.Condition, cb); err != nil {
			log.Error("Failed to subscribe", "topic", topic.String(), "condition", s.Condition, "error", err)
			continue
		}
		ok++
	}
	return ok
}
