package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/crm-outbound/internal/events"
	"github.com/jwalitptl/crm-outbound/internal/sender"
	"github.com/jwalitptl/crm-outbound/internal/service/automation"
	"github.com/jwalitptl/crm-outbound/internal/service/gate"
	"github.com/jwalitptl/crm-outbound/internal/service/webhook"
	"github.com/jwalitptl/crm-outbound/internal/worker"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
	"github.com/jwalitptl/crm-outbound/pkg/messaging/redis"
)

type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Log        LogConfig         `mapstructure:"log"`
	Store      StoreConfig       `mapstructure:"store"`
	Automation AutomationConfig  `mapstructure:"automation"`
	Gate       GateConfig        `mapstructure:"gate"`
	Webhook    WebhookConfig     `mapstructure:"webhook"`
	Sender     SenderConfig      `mapstructure:"sender"`
	Company    map[string]string `mapstructure:"company"`
	Security   SecurityConfig    `mapstructure:"security"`
	RateLimit  RateLimitConfig   `mapstructure:"rate_limit"`
	Events     EventsConfig      `mapstructure:"events"`
	Workers    WorkersConfig     `mapstructure:"workers"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
	Mode           string        `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// StoreConfig selects the record store: "postgres" or "memory".
type StoreConfig struct {
	Driver           string        `mapstructure:"driver"`
	TemplateCacheTTL time.Duration `mapstructure:"template_cache_ttl"`
}

type AutomationConfig struct {
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MaxScheduleWait time.Duration `mapstructure:"max_schedule_wait"`
	StuckAfter      time.Duration `mapstructure:"stuck_after"`
	SuccessRatio    float64       `mapstructure:"success_ratio"`
}

type GateConfig struct {
	Backend           string        `mapstructure:"backend"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	MessagesPerMinute int           `mapstructure:"messages_per_minute"`
	Burst             int           `mapstructure:"burst"`
	RecipientCooldown time.Duration `mapstructure:"recipient_cooldown"`
	DailyLimit        int           `mapstructure:"daily_limit"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	FailureBackoff    time.Duration `mapstructure:"failure_backoff"`
	TextDelayMin      time.Duration `mapstructure:"text_delay_min"`
	TextDelayMax      time.Duration `mapstructure:"text_delay_max"`
	MediaDelayMin     time.Duration `mapstructure:"media_delay_min"`
	MediaDelayMax     time.Duration `mapstructure:"media_delay_max"`
}

type WebhookConfig struct {
	Timeout                time.Duration `mapstructure:"timeout"`
	TestTimeout            time.Duration `mapstructure:"test_timeout"`
	FailureThreshold       int           `mapstructure:"failure_threshold"`
	ResetFailuresOnSuccess bool          `mapstructure:"reset_failures_on_success"`
	DefaultMaxRetries      int           `mapstructure:"default_max_retries"`
	DefaultRetryDelay      time.Duration `mapstructure:"default_retry_delay"`
	StaleAfter             time.Duration `mapstructure:"stale_after"`
	RetentionDays          int           `mapstructure:"retention_days"`
}

type SenderConfig struct {
	Channel  string         `mapstructure:"channel"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
}

type WhatsAppConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	Subject  string `mapstructure:"subject"`
}

type SecurityConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
	// APIKeys maps an owner id to its API key. Keys sit in the values because
	// viper lowercases map keys.
	APIKeys map[string]string `mapstructure:"api_keys"`
}

// KeyOwners inverts APIKeys into key -> owner id.
func (c SecurityConfig) KeyOwners() map[string]string {
	out := make(map[string]string, len(c.APIKeys))
	for owner, key := range c.APIKeys {
		if key != "" {
			out[key] = owner
		}
	}
	return out
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type EventsConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	LeadCaptured    string `mapstructure:"lead_captured_channel"`
	ProductInterest string `mapstructure:"product_interest_channel"`
	Business        string `mapstructure:"business_channel"`
}

type WorkersConfig struct {
	PendingSweepInterval     time.Duration `mapstructure:"pending_sweep_interval"`
	DeliveryRecoveryInterval time.Duration `mapstructure:"delivery_recovery_interval"`
	DeliveryCleanupInterval  time.Duration `mapstructure:"delivery_cleanup_interval"`
}

// secrets are read from the environment after the file so they never need
// to live in config.yml.
type secrets struct {
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	RedisURL         string `envconfig:"REDIS_URL"`
	SenderToken      string `envconfig:"SENDER_TOKEN"`
	SMTPPassword     string `envconfig:"SMTP_PASSWORD"`
	EncryptionKey    string `envconfig:"ENCRYPTION_KEY"`
}

const envPrefix = "CRM"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 45*time.Second)
	v.SetDefault("server.max_header_bytes", 1<<20)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "crm")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.template_cache_ttl", 5*time.Minute)

	v.SetDefault("automation.retry_base_delay", time.Minute)
	v.SetDefault("automation.max_retries", 3)
	v.SetDefault("automation.max_schedule_wait", 5*time.Minute)
	v.SetDefault("automation.stuck_after", 10*time.Minute)
	v.SetDefault("automation.success_ratio", 0.8)

	v.SetDefault("gate.backend", "local")
	v.SetDefault("gate.key_prefix", "crm:gate")
	v.SetDefault("gate.messages_per_minute", 30)
	v.SetDefault("gate.burst", 5)
	v.SetDefault("gate.recipient_cooldown", 2*time.Minute)
	v.SetDefault("gate.daily_limit", 40)
	v.SetDefault("gate.failure_threshold", 3)
	v.SetDefault("gate.failure_backoff", 15*time.Minute)
	v.SetDefault("gate.text_delay_min", 2*time.Second)
	v.SetDefault("gate.text_delay_max", 5*time.Second)
	v.SetDefault("gate.media_delay_min", 4*time.Second)
	v.SetDefault("gate.media_delay_max", 9*time.Second)

	v.SetDefault("webhook.timeout", 30*time.Second)
	v.SetDefault("webhook.test_timeout", 10*time.Second)
	v.SetDefault("webhook.failure_threshold", 10)
	v.SetDefault("webhook.reset_failures_on_success", false)
	v.SetDefault("webhook.default_max_retries", 3)
	v.SetDefault("webhook.default_retry_delay", time.Minute)
	v.SetDefault("webhook.stale_after", 2*time.Minute)
	v.SetDefault("webhook.retention_days", 30)

	v.SetDefault("sender.channel", "whatsapp")
	v.SetDefault("sender.whatsapp.timeout", 30*time.Second)
	v.SetDefault("sender.smtp.port", 587)
	v.SetDefault("sender.smtp.subject", "News from us")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 20)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("events.enabled", true)
	v.SetDefault("events.lead_captured_channel", "crm.lead.captured")
	v.SetDefault("events.product_interest_channel", "crm.product.interest")
	v.SetDefault("events.business_channel", "crm.events")

	v.SetDefault("workers.pending_sweep_interval", 5*time.Minute)
	v.SetDefault("workers.delivery_recovery_interval", time.Minute)
	v.SetDefault("workers.delivery_cleanup_interval", 6*time.Hour)
}

// Load reads path (or ./config.yml, ./config/config.yml when empty), applies
// CRM_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var env secrets
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	cfg.applySecrets(env)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applySecrets(env secrets) {
	if env.DatabasePassword != "" {
		c.Database.Password = env.DatabasePassword
	}
	if env.RedisURL != "" {
		c.Redis.URL = env.RedisURL
	}
	if env.SenderToken != "" {
		c.Sender.WhatsApp.Token = env.SenderToken
	}
	if env.SMTPPassword != "" {
		c.Sender.SMTP.Password = env.SMTPPassword
	}
	if env.EncryptionKey != "" {
		c.Security.EncryptionKey = env.EncryptionKey
	}
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("store.driver must be postgres or memory, got %q", c.Store.Driver)
	}
	switch c.Gate.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("gate.backend must be local or redis, got %q", c.Gate.Backend)
	}
	switch c.Sender.Channel {
	case "whatsapp", "email", "log":
	default:
		return fmt.Errorf("sender.channel must be whatsapp, email or log, got %q", c.Sender.Channel)
	}
	if c.Sender.Channel == "whatsapp" && c.Sender.WhatsApp.BaseURL == "" {
		return fmt.Errorf("sender.whatsapp.base_url is required")
	}
	if c.Sender.Channel == "email" && c.Sender.SMTP.Host == "" {
		return fmt.Errorf("sender.smtp.host is required")
	}
	if k := len(c.Security.EncryptionKey); k != 0 && k != 16 && k != 24 && k != 32 {
		return fmt.Errorf("security.encryption_key must be 16, 24 or 32 bytes")
	}
	if c.Automation.MaxRetries < 0 {
		return fmt.Errorf("automation.max_retries must not be negative")
	}
	if c.Webhook.FailureThreshold <= 0 {
		return fmt.Errorf("webhook.failure_threshold must be positive")
	}
	return nil
}

func (c *Config) ToLoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      logger.ParseLevel(c.Log.Level),
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

func (c *Config) ToRedisConfig() redis.Config {
	return redis.Config{
		URL:          c.Redis.URL,
		MaxRetries:   c.Redis.MaxRetries,
		RetryBackoff: c.Redis.RetryBackoff,
		PoolSize:     c.Redis.PoolSize,
		MinIdleConns: c.Redis.MinIdleConns,
	}
}

func (c *Config) ToAutomationConfig() automation.Config {
	return automation.Config{
		RetryBaseDelay:  c.Automation.RetryBaseDelay,
		MaxRetries:      c.Automation.MaxRetries,
		MaxScheduleWait: c.Automation.MaxScheduleWait,
		StuckAfter:      c.Automation.StuckAfter,
		SuccessRatio:    c.Automation.SuccessRatio,
		Company:         c.Company,
	}
}

func (c *Config) ToGateConfig() gate.Config {
	return gate.Config{
		MessagesPerMinute: c.Gate.MessagesPerMinute,
		Burst:             c.Gate.Burst,
		RecipientCooldown: c.Gate.RecipientCooldown,
		DailyLimit:        c.Gate.DailyLimit,
		FailureThreshold:  c.Gate.FailureThreshold,
		FailureBackoff:    c.Gate.FailureBackoff,
		TextDelay:         gate.DelayRange{Min: c.Gate.TextDelayMin, Max: c.Gate.TextDelayMax},
		MediaDelay:        gate.DelayRange{Min: c.Gate.MediaDelayMin, Max: c.Gate.MediaDelayMax},
	}
}

func (c *Config) ToWebhookConfig() webhook.Config {
	return webhook.Config{
		Timeout:                c.Webhook.Timeout,
		TestTimeout:            c.Webhook.TestTimeout,
		FailureThreshold:       c.Webhook.FailureThreshold,
		ResetFailuresOnSuccess: c.Webhook.ResetFailuresOnSuccess,
		DefaultMaxRetries:      c.Webhook.DefaultMaxRetries,
		DefaultRetryDelay:      c.Webhook.DefaultRetryDelay,
		StaleAfter:             c.Webhook.StaleAfter,
	}
}

func (c *Config) ToWhatsAppConfig() sender.WhatsAppConfig {
	return sender.WhatsAppConfig{
		BaseURL: c.Sender.WhatsApp.BaseURL,
		Token:   c.Sender.WhatsApp.Token,
		Timeout: c.Sender.WhatsApp.Timeout,
	}
}

func (c *Config) ToSMTPConfig() sender.SMTPConfig {
	return sender.SMTPConfig{
		Host:     c.Sender.SMTP.Host,
		Port:     c.Sender.SMTP.Port,
		Username: c.Sender.SMTP.Username,
		Password: c.Sender.SMTP.Password,
		From:     c.Sender.SMTP.From,
		Subject:  c.Sender.SMTP.Subject,
	}
}

func (c *Config) ToWorkerConfig() worker.Config {
	return worker.Config{
		PendingSweepInterval:     c.Workers.PendingSweepInterval,
		DeliveryRecoveryInterval: c.Workers.DeliveryRecoveryInterval,
		DeliveryCleanupInterval:  c.Workers.DeliveryCleanupInterval,
		DeliveryRetention:        time.Duration(c.Webhook.RetentionDays) * 24 * time.Hour,
	}
}

func (c *Config) ToEventChannels() events.Channels {
	return events.Channels{
		LeadCaptured:    c.Events.LeadCaptured,
		ProductInterest: c.Events.ProductInterest,
		Business:        c.Events.Business,
	}
}
