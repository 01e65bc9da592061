package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Guliveer/twitch-eventsub-go/internal/auth"
	"github.com/Guliveer/twitch-eventsub-go/internal/chat"
	"github.com/Guliveer/twitch-eventsub-go/internal/config"
	"github.com/Guliveer/twitch-eventsub-go/internal/eventsub"
	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
	"github.com/Guliveer/twitch-eventsub-go/internal/notify"
	"github.com/Guliveer/twitch-eventsub-go/internal/observability"
	"github.com/Guliveer/twitch-eventsub-go/internal/pubsub"
	"github.com/Guliveer/twitch-eventsub-go/internal/server"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and deliver events until interrupted",
		Long: `Connect to EventSub with the configured transport, create the configured
subscriptions and log every notification. PubSub and the chat bot start
when enabled in the config. SIGINT or SIGTERM shuts everything down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if addr := v.GetString("status-addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			return run(cmd.Context(), v, cfg)
		},
	}
	cmd.Flags().String("status-addr", "", "address for the health/metrics server (overrides server.addr)")
	_ = v.BindPFlag("status-addr", cmd.Flags().Lookup("status-addr"))
	return cmd
}

func run(ctx context.Context, v *viper.Viper, cfg *config.Config) error {
	log, err := setupLogger(v, cfg, os.Stdout)
	if err != nil {
		return err
	}
	notifier := notify.NewDispatcher(cfg.Notifications, log)
	if notifier.HasNotifiers() {
		log.SetNotifyFunc(notifier.NotifyFunc())
	}

	fmt.Print(banner)
	log.Info("🚀 Starting Twitch EventSub client", "version", version, "transport", cfg.Transport)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	if cfg.Tracing.Endpoint != "" {
		tp, err := observability.InitTracer(ctx, observability.TracerConfig{
			Endpoint:       cfg.Tracing.Endpoint,
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		log.Info("Tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	store, err := newTokenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	hx := newHelix(store, cfg, metrics, log)

	deduper, closeDedup, err := newDeduper(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDedup()

	client, err := newEventClient(cfg, hx, deduper, metrics, log)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("starting %s transport: %w", cfg.Transport, err)
	}
	n := subscribe(ctx, client, cfg.Subscriptions, log)
	log.Info("📂 Subscriptions created", "ok", n, "configured", len(cfg.Subscriptions))

	var ps *pubsub.Client
	if cfg.PubSub.Enabled {
		ps, err = startPubSub(ctx, store, cfg.PubSub, metrics, log)
		if err != nil {
			stopAll(log, client, nil, notifier)
			return err
		}
	}

	var bot *chat.Bot
	if cfg.Chat.Enabled {
		bot, err = newChatBot(ctx, store, client, cfg.Chat, metrics, log)
		if err != nil {
			stopAll(log, client, ps, notifier)
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.Addr != "" {
		srv := server.NewStatusServer(cfg.Server.Addr, metrics, log)
		srv.SetSubscriptionsFunc(client.Subscriptions)
		srv.SetComponentStatusFunc(func() []server.ComponentStatus {
			return componentStatuses(cfg.Transport, client, ps)
		})
		g.Go(runner(func() error { return srv.Run(gctx) }))
		log.Info("🌐 Health/metrics server started", "addr", cfg.Server.Addr)
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-client.Done():
			return client.Err()
		}
	})

	if bot != nil {
		g.Go(runner(func() error { return bot.Run(gctx) }))
	}

	err = g.Wait()
	if ctx.Err() != nil {
		log.Info("Received shutdown signal")
	}
	stopAll(log, client, ps, notifier)

	if err != nil {
		log.Error("Client failed", "error", err)
		return err
	}
	log.Info("👋 Goodbye!")
	return nil
}

// runner treats cancellation as a clean exit.
func runner(fn func() error) func() error {
	return func() error {
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

func stopAll(log *logger.Logger, client eventsub.Client, ps *pubsub.Client, notifier *notify.Dispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := client.Stop(ctx); err != nil && !errors.Is(err, eventsub.ErrNotRunning) {
		log.Warn("Stopping EventSub client", "error", err)
	}
	if ps != nil {
		if err := ps.Stop(ctx); err != nil {
			log.Warn("Stopping PubSub client", "error", err)
		}
	}
	if err := notifier.Wait(ctx); err != nil {
		log.Warn("Pending notifications dropped", "error", err)
	}
	log.Info("🛑 Shutdown complete")
}

func componentStatuses(transport string, client eventsub.Client, ps *pubsub.Client) []server.ComponentStatus {
	running := func(done <-chan struct{}) bool {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}

	out := []server.ComponentStatus{{Name: transport, Running: running(client.Done())}}
	if ws, ok := client.(*eventsub.WebsocketClient); ok {
		out[0].Detail = ws.SessionID()
	}
	if err := client.Err(); err != nil {
		out[0].Detail = err.Error()
	}
	if ps != nil {
		n := ps.ConnectionCount()
		out = append(out, server.ComponentStatus{
			Name:    "pubsub",
			Running: n > 0,
			Detail:  fmt.Sprintf("%d connections, %d topics", n, len(ps.Topics())),
		})
	}
	return out
}

func startPubSub(ctx context.Context, store auth.Provider, cfg config.PubSubConfig,
	metrics *observability.Metrics, log *logger.Logger) (*pubsub.Client, error) {
	ps := pubsub.NewClient(store, pubsub.Options{Metrics: metrics}, log)
	if err := ps.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting pubsub: %w", err)
	}

	handler := func(_ context.Context, id uuid.UUID, msg *model.PubSubMessage) {
		log.Info("PubSub message", "topic", msg.Topic, "handle", id.String(), "type", msg.Type())
	}
	for _, topic := range cfg.Topics {
		if _, err := ps.Listen(ctx, topic, handler); err != nil {
			log.Error("Failed to listen", "topic", topic, "error", err)
		}
	}
	return ps, nil
}

// newChatBot joins the configured channels and registers the built-in
// !subscriptions command, restricted to channel owners.
func newChatBot(ctx context.Context, store auth.Provider, client eventsub.Client, cfg config.ChatConfig,
	metrics *observability.Metrics, log *logger.Logger) (*chat.Bot, error) {
	token, err := store.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting chat token: %w", err)
	}
	bot, err := chat.NewBot(cfg.Username, token, chat.Options{Prefix: cfg.Prefix, Metrics: metrics}, log)
	if err != nil {
		return nil, err
	}

	bot.RegisterCommand("subscriptions", func(_ context.Context, cmd *chat.Command) error {
		counts := make(map[string]int)
		for _, s := range client.Subscriptions() {
			counts[s.Status.String()]++
		}
		return cmd.Reply(fmt.Sprintf("%d enabled, %d pending, %d revoked",
			counts["enabled"], counts["pending"], counts["revoked"]))
	}, &chat.StreamerOnly{}, chat.NewChannelCooldown(30*time.Second, nil))

	for _, ch := range cfg.Channels {
		if err := bot.Join(strings.TrimSpace(ch)); err != nil {
			return nil, err
		}
	}
	return bot, nil
}
