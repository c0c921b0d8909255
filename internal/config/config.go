// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// APIBaseURL is the consent backend base URL (e.g. https://api2.onairos.uk).
	APIBaseURL string `mapstructure:"API_BASE_URL"`
	// APIKey is the bearer credential the agent presents to the consent backend.
	APIKey string `mapstructure:"API_KEY"`
	// DatabaseURL is the Postgres DSN; empty runs the agent with in-memory stores only.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// SessionTTL is the session lifetime applied at creation and renewal (e.g. "24h").
	SessionTTL string `mapstructure:"SESSION_TTL"`
	// PinPublicKey is the PEM-encoded RSA public key (or path to file) used to encrypt the
	// PIN for transport. Empty selects the embedded default key.
	PinPublicKey string `mapstructure:"PIN_PUBLIC_KEY"`
	// SignerURL is the base URL of the external signing provider that decrypts
	// the PIN envelope. Required for the finalize step.
	SignerURL string `mapstructure:"SIGNER_URL"`
	// CallbackAddr is the loopback address the OAuth callback listener binds to (e.g. 127.0.0.1:8723).
	CallbackAddr string `mapstructure:"CALLBACK_ADDR"`
	// CookieDomain is the domain set on the session fallback cookie; empty means host-only.
	CookieDomain string `mapstructure:"COOKIE_DOMAIN"`
	// CookieSecure marks the session fallback cookie Secure. Default true.
	CookieSecure bool `mapstructure:"COOKIE_SECURE"`
	// PopupTimeout is the hard limit for a popup OAuth attempt (e.g. "5m").
	PopupTimeout string `mapstructure:"POPUP_TIMEOUT"`
	// PopupPollInterval is how often the popup close-poll runs (e.g. "1s").
	PopupPollInterval string `mapstructure:"POPUP_POLL_INTERVAL"`
	// OAuthPollInterval is the poll-for-token interval (e.g. "3s").
	OAuthPollInterval string `mapstructure:"OAUTH_POLL_INTERVAL"`
	// OAuthPollTimeout is the poll-for-token hard limit (e.g. "2m").
	OAuthPollTimeout string `mapstructure:"OAUTH_POLL_TIMEOUT"`
	// ExtensionDetectTimeout is the extension detection window (e.g. "2s").
	ExtensionDetectTimeout string `mapstructure:"EXTENSION_DETECT_TIMEOUT"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// OTLPEndpoint is the OTLP gRPC endpoint for traces/metrics/logs (e.g. http://localhost:4317).
	// Empty disables export (no-op providers).
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints (standard OTEL_EXPORTER_OTLP_INSECURE behavior).
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`

	// Events (optional). When Kafka brokers are set, the agent emits handshake events to Kafka.
	// EventsKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	EventsKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// EventsKafkaTopic is the Kafka topic for handshake events (default consent-handshake-events).
	EventsKafkaTopic string `mapstructure:"EVENTS_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the event worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("API_BASE_URL", "https://api2.onairos.uk")
	v.SetDefault("API_KEY", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("PIN_PUBLIC_KEY", "")
	v.SetDefault("SIGNER_URL", "https://signer.onairos.uk")
	v.SetDefault("CALLBACK_ADDR", "127.0.0.1:8723")
	v.SetDefault("COOKIE_DOMAIN", "")
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("POPUP_TIMEOUT", "5m")
	v.SetDefault("POPUP_POLL_INTERVAL", "1s")
	v.SetDefault("OAUTH_POLL_INTERVAL", "3s")
	v.SetDefault("OAUTH_POLL_TIMEOUT", "2m")
	v.SetDefault("EXTENSION_DETECT_TIMEOUT", "2s")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("EVENTS_KAFKA_TOPIC", "consent-handshake-events")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "consent-event-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.APIBaseURL == "" {
		return nil, errors.New("config: API_BASE_URL must be set")
	}
	if cfg.CallbackAddr == "" {
		return nil, errors.New("config: CALLBACK_ADDR must be set")
	}
	if !strings.HasPrefix(cfg.CallbackAddr, "127.0.0.1:") && !strings.HasPrefix(cfg.CallbackAddr, "localhost:") {
		return nil, errors.New("config: CALLBACK_ADDR must bind to loopback")
	}

	return &cfg, nil
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SessionDuration parses SessionTTL as a time.Duration. Returns 24h if unset or invalid.
func (c *Config) SessionDuration() time.Duration {
	return durationOr(c.SessionTTL, 24*time.Hour)
}

// PopupTimeoutDuration parses PopupTimeout. Returns 5m if unset or invalid.
func (c *Config) PopupTimeoutDuration() time.Duration {
	return durationOr(c.PopupTimeout, 5*time.Minute)
}

// PopupPollIntervalDuration parses PopupPollInterval. Returns 1s if unset or invalid.
func (c *Config) PopupPollIntervalDuration() time.Duration {
	return durationOr(c.PopupPollInterval, time.Second)
}

// OAuthPollIntervalDuration parses OAuthPollInterval. Returns 3s if unset or invalid.
func (c *Config) OAuthPollIntervalDuration() time.Duration {
	return durationOr(c.OAuthPollInterval, 3*time.Second)
}

// OAuthPollTimeoutDuration parses OAuthPollTimeout. Returns 2m if unset or invalid.
func (c *Config) OAuthPollTimeoutDuration() time.Duration {
	return durationOr(c.OAuthPollTimeout, 2*time.Minute)
}

// ExtensionDetectTimeoutDuration parses ExtensionDetectTimeout. Returns 2s if unset or invalid.
func (c *Config) ExtensionDetectTimeoutDuration() time.Duration {
	return durationOr(c.ExtensionDetectTimeout, 2*time.Second)
}

// EventsKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if event streaming is enabled (non-empty list) and to create the producer.
func (c *Config) EventsKafkaBrokersList() []string {
	if c == nil || c.EventsKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.EventsKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
