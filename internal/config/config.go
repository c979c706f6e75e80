// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"APP_ENV"`
	NodeID         int64  `mapstructure:"NODE_ID"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	LogFile        string `mapstructure:"LOG_FILE"`

	DBHost       string `mapstructure:"DB_HOST"`
	DBPort       string `mapstructure:"DB_PORT"`
	DBUser       string `mapstructure:"DB_USER"`
	DBPassword   string `mapstructure:"DB_PASSWORD"`
	DBName       string `mapstructure:"DB_NAME"`
	DBSSLMode    string `mapstructure:"DB_SSLMODE"`
	DBSchemaMode string `mapstructure:"DB_SCHEMA_MODE"`

	DBAutoMigrateAllowDestructive bool   `mapstructure:"DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE"`
	DBMaxOpenConns                int    `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns                int    `mapstructure:"DB_MAX_IDLE_CONNS"`
	DBConnMaxLifetimeMinutes      int    `mapstructure:"DB_CONN_MAX_LIFETIME_MINUTES"`
	RedisURL                      string `mapstructure:"REDIS_URL"`

	RateLimitDefaultRPS   float64 `mapstructure:"RATE_LIMIT_DEFAULT_RPS"`
	RateLimitDefaultBurst int     `mapstructure:"RATE_LIMIT_DEFAULT_BURST"`
	RateLimitProfiles     string  `mapstructure:"RATE_LIMIT_PROFILES"`
	RateLimitAssignments  string  `mapstructure:"RATE_LIMIT_ASSIGNMENTS"`
	RateLimitStore        string  `mapstructure:"RATE_LIMIT_STORE"`

	EventLogRetention          time.Duration `mapstructure:"EVENT_LOG_RETENTION"`
	EventLogMaxPerConversation int           `mapstructure:"EVENT_LOG_MAX_PER_CONVERSATION"`
	EventLogPruneInterval      time.Duration `mapstructure:"EVENT_LOG_PRUNE_INTERVAL"`
	EventLogPruneBatch         int           `mapstructure:"EVENT_LOG_PRUNE_BATCH"`
	EventReplayLimit           int           `mapstructure:"EVENT_REPLAY_LIMIT"`
	StreamQueueCapacity        int           `mapstructure:"STREAM_QUEUE_CAPACITY"`
	StreamDropStrategy         string        `mapstructure:"STREAM_DROP_STRATEGY"`
	StreamWarnRatio            float64       `mapstructure:"STREAM_WARN_RATIO"`
	StreamHeartbeatInterval    time.Duration `mapstructure:"STREAM_HEARTBEAT_INTERVAL"`
	StreamRecentBuffer         int           `mapstructure:"STREAM_RECENT_BUFFER"`
	PresenceOfflineGrace       time.Duration `mapstructure:"PRESENCE_OFFLINE_GRACE"`
	TypingTTL                  time.Duration `mapstructure:"TYPING_TTL"`
	TracingEnabled             bool          `mapstructure:"TRACING_ENABLED"`
	TracingExporter            string        `mapstructure:"TRACING_EXPORTER"`
	TracingOTLPEndpoint        string        `mapstructure:"TRACING_OTLP_ENDPOINT"`
	TracingSamplerRatio        float64       `mapstructure:"TRACING_SAMPLER_RATIO"`

	OpenAIAPIKey          string `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL         string `mapstructure:"OPENAI_BASE_URL"`
	OpenAIModel           string `mapstructure:"OPENAI_MODEL"`
	AssistantSystemPrompt string `mapstructure:"ASSISTANT_SYSTEM_PROMPT"`
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.AddConfigPath("../..")
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AutomaticEnv()

	// The base file is optional; env vars and defaults cover every key.
	_ = v.ReadInConfig()

	env := v.GetString("APP_ENV")
	if env != "" && env != "development" {
		v.SetConfigName("config." + env)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	config.DBSSLMode = strings.ToLower(strings.TrimSpace(config.DBSSLMode))
	config.StreamDropStrategy = strings.ToLower(strings.TrimSpace(config.StreamDropStrategy))

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults registers development defaults for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8375")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "user")
	v.SetDefault("DB_PASSWORD", "password")
	v.SetDefault("DB_NAME", "loom")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_SCHEMA_MODE", "hybrid")
	v.SetDefault("DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE", false)
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME_MINUTES", 5)
	v.SetDefault("REDIS_URL", "localhost:6379")

	v.SetDefault("RATE_LIMIT_DEFAULT_RPS", 5.0)
	v.SetDefault("RATE_LIMIT_DEFAULT_BURST", 10)
	v.SetDefault("RATE_LIMIT_PROFILES", "stream=50:200,typing=2:5")
	v.SetDefault("RATE_LIMIT_ASSIGNMENTS", "stream=stream,typing=typing")
	v.SetDefault("RATE_LIMIT_STORE", "db")

	v.SetDefault("EVENT_LOG_RETENTION", 7*24*time.Hour)
	v.SetDefault("EVENT_LOG_MAX_PER_CONVERSATION", 5000)
	v.SetDefault("EVENT_LOG_PRUNE_INTERVAL", 5*time.Minute)
	v.SetDefault("EVENT_LOG_PRUNE_BATCH", 500)
	v.SetDefault("EVENT_REPLAY_LIMIT", 500)
	v.SetDefault("STREAM_QUEUE_CAPACITY", 256)
	v.SetDefault("STREAM_DROP_STRATEGY", "drop_low_priority")
	v.SetDefault("STREAM_WARN_RATIO", 0.8)
	v.SetDefault("STREAM_HEARTBEAT_INTERVAL", 15*time.Second)
	v.SetDefault("STREAM_RECENT_BUFFER", 256)
	v.SetDefault("PRESENCE_OFFLINE_GRACE", 5*time.Second)
	v.SetDefault("TYPING_TTL", 6*time.Second)

	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_EXPORTER", "stdout")
	v.SetDefault("TRACING_OTLP_ENDPOINT", "localhost:4318")
	v.SetDefault("TRACING_SAMPLER_RATIO", 1.0)

	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENAI_BASE_URL", "")
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("ASSISTANT_SYSTEM_PROMPT", "You are a helpful participant in a threaded group conversation. Reply to the last message.")
}

// IsProduction reports whether the configuration targets a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.DBConnMaxLifetimeMinutes < 0 {
		return errors.New("DB_CONN_MAX_LIFETIME_MINUTES must not be negative")
	}
	if c.RateLimitDefaultRPS <= 0 {
		return errors.New("RATE_LIMIT_DEFAULT_RPS must be positive")
	}
	if c.RateLimitDefaultBurst < 1 {
		return errors.New("RATE_LIMIT_DEFAULT_BURST must be at least 1")
	}
	if c.StreamQueueCapacity < 1 {
		return errors.New("STREAM_QUEUE_CAPACITY must be at least 1")
	}
	if c.StreamWarnRatio <= 0 || c.StreamWarnRatio > 1 {
		return errors.New("STREAM_WARN_RATIO must be in (0, 1]")
	}
	if c.StreamHeartbeatInterval <= 0 {
		return errors.New("STREAM_HEARTBEAT_INTERVAL must be positive")
	}
	if c.EventLogPruneBatch < 1 {
		return errors.New("EVENT_LOG_PRUNE_BATCH must be at least 1")
	}
	if c.EventLogRetention <= 0 && c.EventLogMaxPerConversation <= 0 {
		log.Println("WARNING: event log retention and count cap are both disabled; the log will grow without bound.")
	}

	if c.IsProduction() {
		if c.JWTSecret == "your-secret-key-change-in-production" {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DBPassword == "password" || c.DBPassword == "" {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
		if c.DBSSLMode == "disable" || c.DBSSLMode == "" {
			log.Println("WARNING: DB_SSLMODE is 'disable' in production. It is highly recommended to use SSL for database connections.")
		}
	} else if len(c.JWTSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}
