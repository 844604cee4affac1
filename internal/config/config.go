// Package config provides configuration management for the alerter.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "stock-alerter/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Database      DatabaseConfig     `mapstructure:"database"`
	Evaluation    EvaluationConfig   `mapstructure:"evaluation"`
	Feed          FeedConfig         `mapstructure:"feed"`
	Digest        DigestConfig       `mapstructure:"digest"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded separately
}

// DatabaseConfig holds storage configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EvaluationConfig holds evaluation pass configuration.
type EvaluationConfig struct {
	PassTimeout time.Duration `mapstructure:"pass_timeout"`
	Workers     int           `mapstructure:"workers"`
}

// FeedConfig holds price feed configuration.
type FeedConfig struct {
	Source         string        `mapstructure:"source"` // mock, fmp, kite
	Interval       time.Duration `mapstructure:"interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"` // requests per second
	Burst          int           `mapstructure:"burst"`
	FMPBaseURL     string        `mapstructure:"fmp_base_url"`
	Exchange       string        `mapstructure:"exchange"` // kite exchange prefix
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig holds circuit breaker settings for the price source.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// DigestConfig holds price digest configuration.
type DigestConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, alerts_only, errors_only
	Retry    RetryConfig    `mapstructure:"retry"`
	Log      LogConfig      `mapstructure:"log"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Email    EmailConfig    `mapstructure:"email"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// RetryConfig holds dispatch retry settings.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// LogConfig enables writing notifications to the application log.
type LogConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// EmailConfig holds email notification configuration.
// When To is empty, alert mail goes to the owning user's address.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

// KafkaConfig holds trigger event publishing configuration.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// Credentials holds API credentials.
type Credentials struct {
	FMP  FMPCredentials  `mapstructure:"fmp"`
	Kite KiteCredentials `mapstructure:"kite"`
}

// FMPCredentials holds Financial Modeling Prep credentials.
type FMPCredentials struct {
	APIKey string `mapstructure:"api_key"`
}

// KiteCredentials holds Kite Connect credentials.
type KiteCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	AccessToken string `mapstructure:"access_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/stock-alerter"
	}
	return filepath.Join(home, ".config", "stock-alerter")
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. Missing files are
// created from commented templates.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env values never override variables already set in the environment.
	_ = godotenv.Load(filepath.Join(configDir, ".env"))
	_ = godotenv.Load()

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("database.path", filepath.Join(configDir, "alerter.db"))

	v.SetDefault("evaluation.pass_timeout", "30s")
	v.SetDefault("evaluation.workers", 4)

	v.SetDefault("feed.source", "mock")
	v.SetDefault("feed.interval", "1m")
	v.SetDefault("feed.request_timeout", "10s")
	v.SetDefault("feed.rate_limit", 5.0)
	v.SetDefault("feed.burst", 1)
	v.SetDefault("feed.fmp_base_url", "https://financialmodelingprep.com")
	v.SetDefault("feed.exchange", "NSE")
	v.SetDefault("feed.breaker.failure_threshold", 5)
	v.SetDefault("feed.breaker.success_threshold", 2)
	v.SetDefault("feed.breaker.timeout", "1m")

	v.SetDefault("digest.enabled", true)
	v.SetDefault("digest.interval", "3m")

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.level", "all")
	v.SetDefault("notifications.retry.max_attempts", 3)
	v.SetDefault("notifications.retry.initial_delay", "500ms")
	v.SetDefault("notifications.retry.max_delay", "5s")
	v.SetDefault("notifications.log.enabled", true)
	v.SetDefault("notifications.email.smtp_port", 587)
	v.SetDefault("notifications.kafka.topic", "stock-alerts.triggers")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9102")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "alerter.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		return createTemplateCredentials(configDir)
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ALERTER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ALERTER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ALERTER_PRICE_SOURCE"); v != "" {
		cfg.Feed.Source = v
	}

	// Feed credentials
	if v := os.Getenv("FMP_API_KEY"); v != "" {
		cfg.Credentials.FMP.APIKey = v
	}
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Kite.AccessToken = v
	}

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notifications.Telegram.BotToken = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return invalid("database.path must be set")
	}

	if c.Evaluation.Workers < 1 {
		return invalid("evaluation.workers must be at least 1")
	}
	if c.Evaluation.PassTimeout < 0 {
		return invalid("evaluation.pass_timeout must be non-negative")
	}

	switch strings.ToLower(c.Feed.Source) {
	case "mock", "fmp", "kite":
	default:
		return invalid(fmt.Sprintf("invalid feed source: %s (must be 'mock', 'fmp' or 'kite')", c.Feed.Source))
	}
	if c.Feed.Interval <= 0 {
		return invalid("feed.interval must be positive")
	}
	if c.Feed.RateLimit <= 0 {
		return invalid("feed.rate_limit must be positive")
	}

	if c.Digest.Enabled && c.Digest.Interval <= 0 {
		return invalid("digest.interval must be positive when the digest is enabled")
	}

	switch c.Notifications.Level {
	case "", "all", "alerts_only", "errors_only":
	default:
		return invalid(fmt.Sprintf("invalid notification level: %s", c.Notifications.Level))
	}
	if c.Notifications.Kafka.Enabled && len(c.Notifications.Kafka.Brokers) == 0 {
		return invalid("notifications.kafka.brokers must be set when kafka is enabled")
	}

	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, msg)
}

// FeedSource returns the effective price source, falling back to the mock
// source when the selected provider has no credentials.
func (c *Config) FeedSource() string {
	switch strings.ToLower(c.Feed.Source) {
	case "fmp":
		if c.Credentials.FMP.APIKey != "" {
			return "fmp"
		}
	case "kite":
		if c.Credentials.Kite.APIKey != "" && c.Credentials.Kite.AccessToken != "" {
			return "kite"
		}
	}
	return "mock"
}
