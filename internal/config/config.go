// Package config handles loading, parsing, and validating the YAML
// configuration file. Secrets may be supplied through the environment or a
// .env file instead of the file itself.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Guliveer/twitch-eventsub-go/internal/constants"
)

// DefaultConfigPath is the config file used when none is given.
const DefaultConfigPath = "eventsub.yaml"

// Load reads a configuration file, overlays environment variables for
// secrets and fills in defaults. It does not validate; call Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration from memory.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// into the process environment without overriding variables already set.
// Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Transport == "" {
		cfg.Transport = "websocket"
	}

	if cfg.Helix.BaseURL == "" {
		cfg.Helix.BaseURL = constants.HelixURL
	}
	if cfg.Helix.Timeout == 0 {
		cfg.Helix.Timeout = constants.DefaultHTTPTimeout
	}

	ws := &cfg.Websocket
	if ws.URL == "" {
		ws.URL = constants.EventSubWebsocketURL
	}
	if ws.WelcomeTimeout == 0 {
		ws.WelcomeTimeout = constants.DefaultWelcomeTimeout
	}
	if ws.Reconnect.InitialDelay == 0 {
		ws.Reconnect.InitialDelay = constants.DefaultReconnectInitialDelay
	}
	if ws.Reconnect.MaxDelay == 0 {
		ws.Reconnect.MaxDelay = constants.DefaultReconnectMaxDelay
	}
	if ws.Reconnect.MaxElapsed == 0 {
		ws.Reconnect.MaxElapsed = constants.DefaultReconnectMaxElapsed
	}

	if cfg.Webhook.ListenAddr == "" {
		cfg.Webhook.ListenAddr = ":8080"
	}
	if cfg.Webhook.ConfirmTimeout == 0 {
		cfg.Webhook.ConfirmTimeout = constants.DefaultConfirmTimeout
	}

	if cfg.Dedup.Backend == "" {
		cfg.Dedup.Backend = "memory"
	}
	if cfg.Dedup.HistorySize == 0 {
		cfg.Dedup.HistorySize = constants.DefaultMessageHistory
	}
	if r := cfg.Dedup.Redis; r != nil {
		if r.KeyPrefix == "" {
			r.KeyPrefix = "eventsub:msg:"
		}
		if r.TTL == 0 {
			r.TTL = constants.MaxMessageAge
		}
	}

	if cfg.Chat.Prefix == "" {
		cfg.Chat.Prefix = "!"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "twitch-eventsub"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "INFO"
	}
}

// applyEnvOverrides overlays environment variables for secrets.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TWITCH_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("TWITCH_CLIENT_SECRET"); v != "" {
		cfg.ClientSecret = v
	}
	if v := os.Getenv("TWITCH_ACCESS_TOKEN"); v != "" {
		cfg.Auth.AccessToken = v
	}
	if v := os.Getenv("TWITCH_REFRESH_TOKEN"); v != "" {
		cfg.Auth.RefreshToken = v
	}
	if v := os.Getenv("EVENTSUB_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if cfg.Dedup.Redis != nil {
		if v := os.Getenv("REDIS_PASSWORD"); v != "" {
			cfg.Dedup.Redis.Password = v
		}
	}
	if cfg.Notifications.Discord != nil {
		if v := os.Getenv("DISCORD_WEBHOOK"); v != "" {
			cfg.Notifications.Discord.WebhookURL = v
		}
	}
	if cfg.Notifications.Webhook != nil {
		if v := os.Getenv("WEBHOOK_URL"); v != "" {
			cfg.Notifications.Webhook.Endpoint = v
		}
	}
}

// Validate checks struct constraints and the rules that span sections.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Auth.AccessToken == "" && cfg.Auth.RefreshToken == "" && cfg.Auth.TokenFile == "" && !cfg.Auth.AppToken {
		return fmt.Errorf("no credentials: set TWITCH_ACCESS_TOKEN, TWITCH_REFRESH_TOKEN, auth.token_file or auth.app_token")
	}
	if (cfg.Auth.AppToken || cfg.Auth.RefreshToken != "") && cfg.ClientSecret == "" {
		return fmt.Errorf("client_secret is required for token refresh (use env var TWITCH_CLIENT_SECRET)")
	}

	if cfg.IsWebhook() {
		u, err := url.Parse(cfg.Webhook.CallbackURL)
		if err != nil || cfg.Webhook.CallbackURL == "" {
			return fmt.Errorf("webhook transport requires webhook.callback_url")
		}
		if u.Scheme != "https" {
			return fmt.Errorf("webhook.callback_url must use https, got %q", u.Scheme)
		}
		if n := len(cfg.Webhook.Secret); n < 10 || n > 100 {
			return fmt.Errorf("webhook secret must be 10-100 characters (use env var EVENTSUB_WEBHOOK_SECRET)")
		}
	}

	if cfg.Dedup.Backend == "redis" && cfg.Dedup.Redis == nil {
		return fmt.Errorf("dedup backend redis requires dedup.redis.addr")
	}

	if cfg.Chat.Enabled {
		if cfg.Chat.Username == "" {
			return fmt.Errorf("chat enabled but chat.username not set")
		}
		if strings.HasPrefix(cfg.Chat.Prefix, "/") || strings.HasPrefix(cfg.Chat.Prefix, ".") {
			return fmt.Errorf("chat prefix %q may not start with / or .", cfg.Chat.Prefix)
		}
	}

	if cfg.Notifications.Discord != nil && cfg.Notifications.Discord.Enabled && cfg.Notifications.Discord.WebhookURL == "" {
		return fmt.Errorf("discord enabled but webhook_url not set (use env var DISCORD_WEBHOOK)")
	}
	if cfg.Notifications.Webhook != nil && cfg.Notifications.Webhook.Enabled && cfg.Notifications.Webhook.Endpoint == "" {
		return fmt.Errorf("webhook notifications enabled but endpoint not set (use env var WEBHOOK_URL)")
	}

	return nil
}
