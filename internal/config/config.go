package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	DatabaseType   string // sqlite (default), postgres, mysql
	DatabasePath   string // sqlite only
	DatabaseURL    string // postgres/mysql only
	MigrationsPath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// Notification delivery
	AWSRegion       string
	SESFromEmail    string
	SESFromName     string
	PushGatewayURL  string
	PushGatewayKey  string
	ChannelTimeout  time.Duration
	DispatchWorkers int
	DispatchBuffer  int

	// Signing key for emergency recovery tokens
	RecoverySigningKey string
	RecoveryTokenTTL   time.Duration

	// Lifecycle horizons
	InvitationTTL      time.Duration
	TokenRequestTTL    time.Duration
	SweepInterval      time.Duration
	SweepTimeout       time.Duration
	AccountCodeRetries int

	// Rolling-window quotas per actor
	FamilyCreateLimit int
	InviteLimit       int
	TokenRequestLimit int
	RecoveryLimit     int
	RateLimitWindow   time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	return &Config{
		DatabaseType:   getEnv("DB_TYPE", "sqlite"),
		DatabasePath:   getEnv("DB_PATH", "./kinpool.db"),
		DatabaseURL:    getEnv("DB_URL", ""),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "./migrations"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		CacheTTL:      getEnvDuration("CACHE_TTL", 5*time.Minute),

		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
		SESFromEmail:    getEnv("SES_FROM_EMAIL", ""),
		SESFromName:     getEnv("SES_FROM_NAME", "Kinpool"),
		PushGatewayURL:  getEnv("PUSH_GATEWAY_URL", ""),
		PushGatewayKey:  getEnv("PUSH_GATEWAY_KEY", ""),
		ChannelTimeout:  getEnvDuration("CHANNEL_TIMEOUT", 10*time.Second),
		DispatchWorkers: getEnvInt("DISPATCH_WORKERS", 4),
		DispatchBuffer:  getEnvInt("DISPATCH_BUFFER", 256),

		RecoverySigningKey: getEnv("RECOVERY_SIGNING_KEY", ""),
		RecoveryTokenTTL:   getEnvDuration("RECOVERY_TOKEN_TTL", 24*time.Hour),

		InvitationTTL:      getEnvDuration("INVITATION_TTL", 7*24*time.Hour),
		TokenRequestTTL:    getEnvDuration("TOKEN_REQUEST_TTL", 14*24*time.Hour),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", 15*time.Minute),
		SweepTimeout:       getEnvDuration("SWEEP_TIMEOUT", 30*time.Second),
		AccountCodeRetries: getEnvInt("ACCOUNT_CODE_RETRIES", 5),

		FamilyCreateLimit: getEnvInt("LIMIT_FAMILY_CREATE", 3),
		InviteLimit:       getEnvInt("LIMIT_INVITE", 20),
		TokenRequestLimit: getEnvInt("LIMIT_TOKEN_REQUEST", 10),
		RecoveryLimit:     getEnvInt("LIMIT_RECOVERY", 3),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Hour),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// getEnv reads an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
