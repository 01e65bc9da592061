package config

import "time"

// Config is the full client configuration. It is loaded from a YAML file and
// optionally overlaid with environment variables for secrets.
type Config struct {
	ClientID     string `yaml:"client_id" validate:"required"`
	ClientSecret string `yaml:"client_secret"`

	// Transport selects how notifications arrive: "websocket" or "webhook".
	Transport string `yaml:"transport" validate:"oneof=websocket webhook"`

	Auth          AuthConfig           `yaml:"auth"`
	Helix         HelixConfig          `yaml:"helix"`
	Websocket     WebsocketConfig      `yaml:"websocket"`
	Webhook       WebhookConfig        `yaml:"webhook"`
	Dedup         DedupConfig          `yaml:"dedup"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions" validate:"dive"`

	Chat          ChatConfig          `yaml:"chat"`
	PubSub        PubSubConfig        `yaml:"pubsub"`
	Server        ServerConfig        `yaml:"server"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Log           LogConfig           `yaml:"log"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// AuthConfig holds token settings. Tokens are normally supplied through the
// environment rather than the file.
type AuthConfig struct {
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	// TokenFile persists refreshed tokens between runs.
	TokenFile string `yaml:"token_file"`
	// AppToken requests a client-credentials token instead of a user token.
	AppToken bool `yaml:"app_token"`
}

// HelixConfig points the REST client at Helix or a mock such as twitch-cli.
type HelixConfig struct {
	BaseURL string        `yaml:"base_url" validate:"url"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// ReconnectConfig is the exponential backoff policy for websocket reconnects.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gt=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gtefield=InitialDelay"`
	MaxElapsed   time.Duration `yaml:"max_elapsed" validate:"gt=0"`
}

// WebsocketConfig holds websocket transport settings.
type WebsocketConfig struct {
	URL            string          `yaml:"url" validate:"url"`
	WelcomeTimeout time.Duration   `yaml:"welcome_timeout" validate:"gt=0"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

// WebhookConfig holds webhook transport settings.
type WebhookConfig struct {
	CallbackURL       string        `yaml:"callback_url"`
	ListenAddr        string        `yaml:"listen_addr"`
	Secret            string        `yaml:"secret,omitempty"`
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
	WaitForConfirm    *bool         `yaml:"wait_for_confirm,omitempty"`
	UnsubscribeOnStop *bool         `yaml:"unsubscribe_on_stop,omitempty"`
}

// RedisConfig configures the shared duplicate-detection store.
type RedisConfig struct {
	Addr      string        `yaml:"addr" validate:"required"`
	Password  string        `yaml:"password,omitempty"`
	DB        int           `yaml:"db" validate:"gte=0"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// DedupConfig selects where seen message ids are remembered.
type DedupConfig struct {
	Backend     string       `yaml:"backend" validate:"oneof=memory redis"`
	HistorySize int          `yaml:"history_size" validate:"gt=0"`
	Redis       *RedisConfig `yaml:"redis,omitempty"`
}

// SubscriptionConfig is one subscription created at startup by the CLI.
type SubscriptionConfig struct {
	Type      string            `yaml:"type" validate:"required"`
	Version   string            `yaml:"version" validate:"required"`
	Condition map[string]string `yaml:"condition" validate:"required,min=1"`
}

// ChatConfig holds settings for the IRC chat bot.
type ChatConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Username string   `yaml:"username"`
	Channels []string `yaml:"channels"`
	Prefix   string   `yaml:"prefix"`
}

// PubSubConfig holds settings for the legacy PubSub listener.
type PubSubConfig struct {
	Enabled bool     `yaml:"enabled"`
	Topics  []string `yaml:"topics"`
}

// ServerConfig holds settings for the status HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig enables OTLP trace export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// NotificationsConfig holds all notification provider configurations.
type NotificationsConfig struct {
	Discord *DiscordConfig `yaml:"discord,omitempty"`
	Webhook *NotifyWebhook `yaml:"webhook,omitempty"`
}

// DiscordConfig holds Discord notification settings.
type DiscordConfig struct {
	Enabled    bool     `yaml:"enabled"`
	WebhookURL string   `yaml:"webhook_url,omitempty"`
	Events     []string `yaml:"events"`
}

// NotifyWebhook holds generic webhook notification settings.
type NotifyWebhook struct {
	Enabled  bool     `yaml:"enabled"`
	Endpoint string   `yaml:"endpoint,omitempty"`
	Method   string   `yaml:"method"`
	Events   []string `yaml:"events"`
}

// IsWebhook reports whether the webhook transport is selected.
func (c *Config) IsWebhook() bool {
	return c.Transport == "webhook"
}

// BoolOr returns *b, or def when b is nil.
func BoolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
