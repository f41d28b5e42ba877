package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Gmail     GmailConfig     `mapstructure:"gmail"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       LogConfig       `mapstructure:"log"`
	Channels  []ChannelConfig `mapstructure:"channels"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          string        `mapstructure:"port"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	InternalToken string        `mapstructure:"internal_token"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

// GmailConfig holds Gmail API configuration. RefreshTokens maps a channel's
// credential reference to its refresh token; RefreshToken is used when a
// channel has no reference of its own.
type GmailConfig struct {
	ClientID      string            `mapstructure:"client_id"`
	ClientSecret  string            `mapstructure:"client_secret"`
	RefreshToken  string            `mapstructure:"refresh_token"`
	RefreshTokens map[string]string `mapstructure:"refresh_tokens"`
	BaseURL       string            `mapstructure:"base_url"`
	WebhookToken  string            `mapstructure:"webhook_token"`
}

// FetcherConfig bounds every call made to the provider API
type FetcherConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

// SyncConfig holds reconciliation and threading parameters
type SyncConfig struct {
	RunTimeout         time.Duration `mapstructure:"run_timeout"`
	FullResyncLimit    int           `mapstructure:"full_resync_limit"`
	ReferencesLookback int           `mapstructure:"references_lookback"`
	SubjectMaxLength   int           `mapstructure:"subject_max_length"`
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	IntervalMinutes int  `mapstructure:"interval_minutes"`
	Enabled         bool `mapstructure:"enabled"`
}

// AuditConfig holds the processing log queue configuration
type AuditConfig struct {
	QueueSize   int    `mapstructure:"queue_size"`
	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`
}

// ChannelConfig declares a mailbox to sync. Declared channels are created at
// startup when missing; existing rows keep their checkpoint.
type ChannelConfig struct {
	TenantID      string `mapstructure:"tenant_id"`
	EmailAddress  string `mapstructure:"email_address"`
	CredentialRef string `mapstructure:"credential_ref"`
	PushEnabled   bool   `mapstructure:"push_enabled"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "inbox-sync.db")

	v.SetDefault("gmail.base_url", "https://gmail.googleapis.com/gmail/v1")

	v.SetDefault("fetcher.max_attempts", 5)
	v.SetDefault("fetcher.base_delay", "1s")
	v.SetDefault("fetcher.max_delay", "32s")
	v.SetDefault("fetcher.request_timeout", "15s")
	v.SetDefault("fetcher.rate_per_second", 10.0)
	v.SetDefault("fetcher.burst", 20)

	v.SetDefault("sync.run_timeout", "2m")
	v.SetDefault("sync.full_resync_limit", 500)
	v.SetDefault("sync.references_lookback", 3)
	v.SetDefault("sync.subject_max_length", 200)

	v.SetDefault("scheduler.interval_minutes", 5)
	v.SetDefault("scheduler.enabled", true)

	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.nats_subject", "inbox.processing")

	v.SetDefault("log.level", "info")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	v.BindEnv("server.internal_token", "SERVER_INTERNAL_TOKEN")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")
	v.BindEnv("database.path", "DB_PATH")

	// Gmail
	v.BindEnv("gmail.client_id", "GMAIL_CLIENT_ID")
	v.BindEnv("gmail.client_secret", "GMAIL_CLIENT_SECRET")
	v.BindEnv("gmail.refresh_token", "GMAIL_REFRESH_TOKEN")
	v.BindEnv("gmail.base_url", "GMAIL_BASE_URL")
	v.BindEnv("gmail.webhook_token", "GMAIL_WEBHOOK_TOKEN")

	// Fetcher
	v.BindEnv("fetcher.max_attempts", "FETCHER_MAX_ATTEMPTS")
	v.BindEnv("fetcher.base_delay", "FETCHER_BASE_DELAY")
	v.BindEnv("fetcher.max_delay", "FETCHER_MAX_DELAY")
	v.BindEnv("fetcher.request_timeout", "FETCHER_REQUEST_TIMEOUT")
	v.BindEnv("fetcher.rate_per_second", "FETCHER_RATE_PER_SECOND")
	v.BindEnv("fetcher.burst", "FETCHER_BURST")

	// Sync
	v.BindEnv("sync.run_timeout", "SYNC_RUN_TIMEOUT")
	v.BindEnv("sync.full_resync_limit", "SYNC_FULL_RESYNC_LIMIT")
	v.BindEnv("sync.references_lookback", "SYNC_REFERENCES_LOOKBACK")
	v.BindEnv("sync.subject_max_length", "SYNC_SUBJECT_MAX_LENGTH")

	// Scheduler
	v.BindEnv("scheduler.interval_minutes", "SCHEDULER_INTERVAL_MINUTES")
	v.BindEnv("scheduler.enabled", "SCHEDULER_ENABLED")

	// Audit
	v.BindEnv("audit.queue_size", "AUDIT_QUEUE_SIZE")
	v.BindEnv("audit.nats_url", "AUDIT_NATS_URL")
	v.BindEnv("audit.nats_subject", "AUDIT_NATS_SUBJECT")

	v.BindEnv("log.level", "LOG_LEVEL")
}

// GetDSN returns the database connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	case "sqlite":
		return c.Path
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "mysql", "postgres":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Gmail.ClientID == "" || c.Gmail.ClientSecret == "" {
		return fmt.Errorf("Gmail OAuth2 client credentials are required")
	}
	if c.Gmail.RefreshToken == "" && len(c.Gmail.RefreshTokens) == 0 {
		return fmt.Errorf("at least one Gmail refresh token is required")
	}

	if c.Fetcher.MaxAttempts <= 0 {
		return fmt.Errorf("fetcher max attempts must be greater than 0")
	}
	if c.Fetcher.BaseDelay <= 0 || c.Fetcher.MaxDelay < c.Fetcher.BaseDelay {
		return fmt.Errorf("fetcher delays must be positive and max_delay >= base_delay")
	}

	if c.Sync.RunTimeout <= 0 {
		return fmt.Errorf("sync run timeout must be greater than 0")
	}
	if c.Sync.ReferencesLookback < 0 {
		return fmt.Errorf("sync references lookback cannot be negative")
	}

	if c.Scheduler.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler interval must be greater than 0")
	}

	for i, ch := range c.Channels {
		if ch.TenantID == "" || ch.EmailAddress == "" {
			return fmt.Errorf("channel %d needs tenant_id and email_address", i)
		}
	}

	return nil
}
