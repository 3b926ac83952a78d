// Package config loads process-wide configuration from the environment into
// a single value, parsed once and passed by reference. The one other reader
// of the environment is cmd/storage-cli, which reads MAGIC_LINK_DATA_DIR
// itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment
// variables recognized by spec §6.
type Config struct {
	// Mode selects the runtime mode: "api" (ops server) or "worker" (retry +
	// sweeper loops).
	Mode string `env:"SETTLD_MODE" envDefault:"worker"`

	Host string `env:"SETTLD_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SETTLD_PORT" envDefault:"8080"`

	// DataDir is the root of the versioned, single-writer data directory
	// described in spec §6. Falls back to a temp directory when unset —
	// RequireDurableDataDir refuses that fallback.
	DataDir               string `env:"MAGIC_LINK_DATA_DIR"`
	RequireDurableDataDir bool   `env:"MAGIC_LINK_REQUIRE_DURABLE_DATA_DIR" envDefault:"false"`
	MigrateOnStartup      bool   `env:"MAGIC_LINK_MIGRATE_ON_STARTUP" envDefault:"false"`

	MaintenanceIntervalSeconds int `env:"MAGIC_LINK_MAINTENANCE_INTERVAL_SECONDS" envDefault:"60"`

	// SettingsKeyHex is 64 hex chars decoding to a 32-byte AEAD key for
	// SecretBox. Empty means secrets are stored/returned as plaintext.
	SettingsKeyHex string `env:"MAGIC_LINK_SETTINGS_KEY_HEX"`

	// RunStoreMode selects RunRecordStore's backend: fs, db, or dual.
	RunStoreMode        string `env:"MAGIC_LINK_RUN_STORE_MODE" envDefault:"fs"`
	RunStoreDatabaseURL string `env:"MAGIC_LINK_RUN_STORE_DATABASE_URL"`
	DatabaseURL         string `env:"DATABASE_URL"`

	RedisURL string `env:"REDIS_URL"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Operator auth (ops API only — never used for buyer sessions).
	OIDCIssuerURL    string `env:"OPS_OIDC_ISSUER_URL"`
	OIDCClientID     string `env:"OPS_OIDC_CLIENT_ID"`
	OIDCClientSecret string `env:"OPS_OIDC_CLIENT_SECRET"`
	OIDCRedirectURL  string `env:"OPS_OIDC_REDIRECT_URL" envDefault:"http://localhost:8080/ops/v1/auth/oidc/callback"`
	OpsSessionSecret string `env:"OPS_SESSION_SECRET"`
	OpsSessionMaxAge string `env:"OPS_SESSION_MAX_AGE" envDefault:"24h"`

	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"SLACK_OPS_CHANNEL"`

	// Local operator login fallback, used when OIDC is not configured.
	OpsLocalEmail        string `env:"OPS_LOCAL_EMAIL"`
	OpsLocalPasswordHash string `env:"OPS_LOCAL_PASSWORD_HASH"`

	WebhookRetryIntervalSeconds   int `env:"MAGIC_LINK_WEBHOOK_RETRY_INTERVAL_SECONDS" envDefault:"15"`
	PaymentTriggerIntervalSeconds int `env:"MAGIC_LINK_PAYMENT_TRIGGER_RETRY_INTERVAL_SECONDS" envDefault:"15"`

	PublicBaseURL string `env:"MAGIC_LINK_PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if cfg.DataDir == "" {
		if cfg.RequireDurableDataDir {
			return nil, fmt.Errorf("MAGIC_LINK_DATA_DIR must be set when MAGIC_LINK_REQUIRE_DURABLE_DATA_DIR=1")
		}
		cfg.DataDir = filepath.Join(os.TempDir(), "settld-data")
	}
	if cfg.RunStoreDatabaseURL == "" {
		cfg.RunStoreDatabaseURL = cfg.DatabaseURL
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
