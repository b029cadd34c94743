// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// RedisConfig provides Redis connection settings shared by the fanout
// publisher and the asynq dispatch queue.
type RedisConfig interface {
	GetRedisURL() string
}

// JWTConfig provides JWT validation settings for the ops endpoints.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// ProviderConfig provides settings for the external call provider client.
type ProviderConfig interface {
	GetProviderBaseURL() string
	GetProviderAPIKey() string
	GetProviderTimeout() time.Duration
}

// PollConfig provides settings for the fallback poll scheduler.
type PollConfig interface {
	GetPollInterval() time.Duration
	GetPollMaxDuration() time.Duration
	GetPollErrorThreshold() int
}

// WebhookConfig provides settings for inbound webhook authentication.
type WebhookConfig interface {
	GetWebhookAPIKey() string
	GetWebhookRateLimit() float64
}

// StatusMapConfig points at an optional YAML file with extra provider
// status aliases merged over the built-in normalization table.
type StatusMapConfig interface {
	GetStatusAliasFile() string
}

// DispatchConfig provides settings for the asynq call placement queue.
type DispatchConfig interface {
	RedisConfig
	GetDispatchQueueName() string
	GetDispatchConcurrency() int
}

// RecordingConfig provides settings for MinIO recording archival.
type RecordingConfig interface {
	GetMinIOEndpoint() string
	GetMinIOAccessKey() string
	GetMinIOSecretKey() string
	GetMinIOUseSSL() bool
	GetRecordingBucket() string
	IsRecordingArchiveEnabled() bool
}

// EmailConfig provides settings for the post-call summary sender.
type EmailConfig interface {
	GetEmailEnabled() bool
	GetSMTPHost() string
	GetSMTPPort() int
	GetSMTPUsername() string
	GetSMTPPassword() string
	GetEmailFromName() string
	GetEmailFromAddress() string
	GetSummaryRecipient() string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env      string
	HTTPAddr string

	DatabaseURL string
	RedisURL    string

	JWTAccessSecret string

	CORSAllowAll   bool
	CORSOrigins    []string
	CORSAllowCreds bool

	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	PollInterval       time.Duration
	PollMaxDuration    time.Duration
	PollErrorThreshold int

	WebhookAPIKey    string
	WebhookRateLimit float64

	StatusAliasFile string

	DispatchQueueName   string
	DispatchConcurrency int

	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOUseSSL     bool
	RecordingBucket string

	EmailEnabled     bool
	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
	EmailFromName    string
	EmailFromAddress string
	SummaryRecipient string
}

// Load reads configuration from the environment, taking an optional .env
// file into account.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("APP_ENV", "development"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		JWTAccessSecret: getEnv("JWT_ACCESS_SECRET", ""),

		CORSAllowAll:   strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true"),
		CORSOrigins:    splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200")),
		CORSAllowCreds: strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),

		ProviderBaseURL: getEnv("CALL_PROVIDER_BASE_URL", ""),
		ProviderAPIKey:  getEnv("CALL_PROVIDER_API_KEY", ""),
		ProviderTimeout: getDurationEnv("CALL_PROVIDER_TIMEOUT", 10*time.Second),

		PollInterval:       getDurationEnv("POLL_INTERVAL", 10*time.Second),
		PollMaxDuration:    getDurationEnv("POLL_MAX_DURATION", 10*time.Minute),
		PollErrorThreshold: getIntEnv("POLL_ERROR_THRESHOLD", 5),

		WebhookAPIKey:    getEnv("WEBHOOK_API_KEY", ""),
		WebhookRateLimit: getFloatEnv("WEBHOOK_RATE_LIMIT", 50),

		StatusAliasFile: getEnv("STATUS_ALIAS_FILE", ""),

		DispatchQueueName:   getEnv("DISPATCH_QUEUE", "calls"),
		DispatchConcurrency: getIntEnv("DISPATCH_CONCURRENCY", 10),

		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", ""),
		MinIOUseSSL:     strings.EqualFold(getEnv("MINIO_USE_SSL", "false"), "true"),
		RecordingBucket: getEnv("MINIO_BUCKET_CALL_RECORDINGS", "call-recordings"),

		EmailEnabled:     strings.EqualFold(getEnv("EMAIL_ENABLED", "false"), "true"),
		SMTPHost:         getEnv("SMTP_HOST", ""),
		SMTPPort:         getIntEnv("SMTP_PORT", 587),
		SMTPUsername:     getEnv("SMTP_USERNAME", ""),
		SMTPPassword:     getEnv("SMTP_PASSWORD", ""),
		EmailFromName:    getEnv("EMAIL_FROM_NAME", "VoiceGrid"),
		EmailFromAddress: getEnv("EMAIL_FROM_ADDRESS", "noreply@voicegrid.local"),
		SummaryRecipient: getEnv("EMAIL_SUMMARY_RECIPIENT", ""),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// =============================================================================
// Interface implementations
// =============================================================================

func (c *Config) GetDatabaseURL() string  { return c.DatabaseURL }
func (c *Config) GetRedisURL() string     { return c.RedisURL }
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

func (c *Config) GetProviderBaseURL() string        { return c.ProviderBaseURL }
func (c *Config) GetProviderAPIKey() string         { return c.ProviderAPIKey }
func (c *Config) GetProviderTimeout() time.Duration { return c.ProviderTimeout }

func (c *Config) GetPollInterval() time.Duration    { return c.PollInterval }
func (c *Config) GetPollMaxDuration() time.Duration { return c.PollMaxDuration }
func (c *Config) GetPollErrorThreshold() int        { return c.PollErrorThreshold }

func (c *Config) GetWebhookAPIKey() string     { return c.WebhookAPIKey }
func (c *Config) GetWebhookRateLimit() float64 { return c.WebhookRateLimit }

func (c *Config) GetStatusAliasFile() string { return c.StatusAliasFile }

func (c *Config) GetDispatchQueueName() string { return c.DispatchQueueName }
func (c *Config) GetDispatchConcurrency() int  { return c.DispatchConcurrency }

func (c *Config) GetMinIOEndpoint() string  { return c.MinIOEndpoint }
func (c *Config) GetMinIOAccessKey() string { return c.MinIOAccessKey }
func (c *Config) GetMinIOSecretKey() string { return c.MinIOSecretKey }
func (c *Config) GetMinIOUseSSL() bool      { return c.MinIOUseSSL }
func (c *Config) GetRecordingBucket() string { return c.RecordingBucket }
func (c *Config) IsRecordingArchiveEnabled() bool {
	return c.MinIOEndpoint != "" && c.MinIOAccessKey != "" && c.MinIOSecretKey != ""
}

func (c *Config) GetEmailEnabled() bool       { return c.EmailEnabled && c.SMTPHost != "" }
func (c *Config) GetSMTPHost() string         { return c.SMTPHost }
func (c *Config) GetSMTPPort() int            { return c.SMTPPort }
func (c *Config) GetSMTPUsername() string     { return c.SMTPUsername }
func (c *Config) GetSMTPPassword() string     { return c.SMTPPassword }
func (c *Config) GetEmailFromName() string    { return c.EmailFromName }
func (c *Config) GetEmailFromAddress() string { return c.EmailFromAddress }
func (c *Config) GetSummaryRecipient() string { return c.SummaryRecipient }

// =============================================================================
// Helpers
// =============================================================================

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
