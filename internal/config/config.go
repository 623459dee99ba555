// Package config provides application configuration loaded from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	App       AppConfig       `mapstructure:"app"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Reminder  ReminderConfig  `mapstructure:"reminder"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"`  // seconds
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// RawDSN (DATABASE_DSN) wins over the discrete fields when set.
	RawDSN   string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Debug    bool   `mapstructure:"debug"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Dev           bool   `mapstructure:"dev"`
	Migrations    bool   `mapstructure:"migrations"`
	Seed          bool   `mapstructure:"seed"`
	SeedFile      string `mapstructure:"seed_file"`
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	SessionSecret string `mapstructure:"session_secret"`
	Scheduler     bool   `mapstructure:"scheduler"`
	AutoPosting   bool   `mapstructure:"auto_posting"`
	SchedulerHour int    `mapstructure:"scheduler_hour"`
	// NodeID seeds receipt numbers; it must differ between replicas.
	NodeID        int64  `mapstructure:"node_id"`
}

// QueueConfig tunes the job workers.
type QueueConfig struct {
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
}

// RedisConfig is optional; an empty Addr keeps every shared store in memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GatewayConfig configures one payment gateway webhook adapter.
type GatewayConfig struct {
	Scheme string `mapstructure:"scheme"` // "timestamped" or "body"
	Secret string `mapstructure:"secret"`
	Header string `mapstructure:"header"`
}

// WebhookConfig holds gateway secrets and replay protection windows.
type WebhookConfig struct {
	Gateways  map[string]GatewayConfig `mapstructure:"gateways"`
	ReplayTTL time.Duration            `mapstructure:"replay_ttl"`
	Tolerance time.Duration            `mapstructure:"tolerance"`
}

// ReminderConfig holds delivery provider settings.
type ReminderConfig struct {
	SendGridAPIKey        string `mapstructure:"sendgrid_api_key"`
	FromEmail             string `mapstructure:"from_email"`
	FromName              string `mapstructure:"from_name"`
	WhatsAppURL           string `mapstructure:"whatsapp_url"`
	WhatsAppToken         string `mapstructure:"whatsapp_token"`
	WhatsAppWebhookSecret string `mapstructure:"whatsapp_webhook_secret"`
	SMSURL                string `mapstructure:"sms_url"`
	SMSToken              string `mapstructure:"sms_token"`
}

// RateLimitConfig holds the per-prefix request budgets.
type RateLimitConfig struct {
	WebhookLimit  int           `mapstructure:"webhook_limit"`
	WebhookWindow time.Duration `mapstructure:"webhook_window"`
	APILimit      int           `mapstructure:"api_limit"`
	APIWindow     time.Duration `mapstructure:"api_window"`
}

// DSN returns the PostgreSQL connection string in key=value format.
func (d DatabaseConfig) DSN() string {
	if d.RawDSN != "" {
		return d.RawDSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// URL returns the PostgreSQL connection string in URL format.
func (d DatabaseConfig) URL() string {
	if strings.HasPrefix(d.RawDSN, "postgres://") || strings.HasPrefix(d.RawDSN, "postgresql://") {
		return d.RawDSN
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// Load reads configuration from environment variables.
// It uses sensible defaults for local development.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getEnvInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvInt("SERVER_WRITE_TIMEOUT", 15),
			IdleTimeout:  getEnvInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			RawDSN:   getEnv("DATABASE_DSN", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "billing"),
			Password: getEnv("DB_PASSWORD", "billing123"),
			DBName:   getEnv("DB_NAME", "billing"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Debug:    getEnvBool("DB_DEBUG", false),
		},
		App: AppConfig{
			Dev:           getEnvBool("DEV", true),
			Migrations:    getEnvBool("MIGRATIONS", false),
			Seed:          getEnvBool("DB_SEED", false),
			SeedFile:      getEnv("SEED_FILE", ""),
			LogLevel:      getEnv("LOG_LEVEL", "info"),
			LogFormat:     getEnv("LOG_FORMAT", "text"),
			SessionSecret: getEnv("SESSION_SECRET", "devsessionsecret"),
			Scheduler:     getEnvBool("SCHEDULER", true),
			AutoPosting:   getEnvBool("AUTO_POSTING", false),
			SchedulerHour: getEnvInt("SCHEDULER_HOUR", 6),
			NodeID:        int64(getEnvInt("NODE_ID", 1)),
		},
		Queue: QueueConfig{
			Workers:           getEnvInt("QUEUE_WORKERS", 4),
			PollInterval:      getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			VisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 30*time.Minute),
			BackoffBase:       getEnvDuration("QUEUE_BACKOFF_BASE", 2*time.Second),
			MaxAttempts:       getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Webhook: WebhookConfig{
			Gateways:  parseGateways(getEnv("WEBHOOK_GATEWAYS", "")),
			ReplayTTL: getEnvDuration("WEBHOOK_REPLAY_TTL", 10*time.Minute),
			Tolerance: getEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
		},
		Reminder: ReminderConfig{
			SendGridAPIKey:        getEnv("SENDGRID_API_KEY", ""),
			FromEmail:             getEnv("REMINDER_FROM_EMAIL", "billing@example.org"),
			FromName:              getEnv("REMINDER_FROM_NAME", "Accounts Office"),
			WhatsAppURL:           getEnv("WHATSAPP_API_URL", ""),
			WhatsAppToken:         getEnv("WHATSAPP_API_TOKEN", ""),
			WhatsAppWebhookSecret: getEnv("WHATSAPP_WEBHOOK_SECRET", ""),
			SMSURL:                getEnv("SMS_API_URL", ""),
			SMSToken:              getEnv("SMS_API_TOKEN", ""),
		},
		RateLimit: RateLimitConfig{
			WebhookLimit:  getEnvInt("RATE_LIMIT_WEBHOOK", 200),
			WebhookWindow: getEnvDuration("RATE_LIMIT_WEBHOOK_WINDOW", time.Minute),
			APILimit:      getEnvInt("RATE_LIMIT_API", 100),
			APIWindow:     getEnvDuration("RATE_LIMIT_API_WINDOW", time.Minute),
		},
	}
}

// LoadFile overlays a YAML config file on top of cfg. Keys absent from the
// file keep their current value.
func LoadFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

// parseGateways reads "name=scheme:secret[:header],..." pairs.
func parseGateways(raw string) map[string]GatewayConfig {
	out := map[string]GatewayConfig{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, spec, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		fields := strings.SplitN(spec, ":", 3)
		if len(fields) < 2 {
			continue
		}
		gw := GatewayConfig{Scheme: fields[0], Secret: fields[1]}
		if len(fields) == 3 {
			gw.Header = fields[2]
		}
		out[strings.ToLower(strings.TrimSpace(name))] = gw
	}
	return out
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns the boolean value of an environment variable or a default.
// Accepts "1", "true", "yes" as true; everything else is false.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "1" || value == "true" || value == "yes"
}

// getEnvDuration parses a Go duration ("30s", "10m") or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
