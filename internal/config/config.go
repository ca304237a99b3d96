// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database. Without DATABASE_URL the stores are in memory.
	DatabaseURL string
	DBDriver    string // "postgres" or "sqlite3"

	// Payment gateway
	GatewayURL      string
	GatewayToken    string
	GatewayTimeout  time.Duration
	GatewayRetries  int
	CallbackBaseURL string // public base URL the gateway calls back on
	SupportLine     string // phone number quoted in sender SMS

	// Security
	AdminSecret        string
	CallbackAllowedIPs []string // exact IPs or CIDRs; empty allows all
	TrustedProxies     []string // proxies whose X-Forwarded-For is honoured
	RateLimitRPM       int

	// Holds still OPEN after HoldExpiry are released by the sweeper. Zero
	// disables the sweeper.
	HoldExpiry    time.Duration
	SweepInterval time.Duration

	// Tracing
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultDBDriver       = "postgres"
	DefaultRateLimit      = 600
	DefaultGatewayTimeout = 10 * time.Second
	DefaultGatewayRetries = 3
	DefaultSweepInterval  = time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          os.Getenv("LOG_FORMAT"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DBDriver:           getEnv("DB_DRIVER", DefaultDBDriver),
		GatewayURL:         os.Getenv("GATEWAY_URL"),
		GatewayToken:       os.Getenv("GATEWAY_TOKEN"),
		GatewayTimeout:     getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		GatewayRetries:     int(getEnvInt64("GATEWAY_RETRIES", DefaultGatewayRetries)),
		CallbackBaseURL:    os.Getenv("CALLBACK_BASE_URL"),
		SupportLine:        os.Getenv("SUPPORT_LINE"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		CallbackAllowedIPs: getEnvList("CALLBACK_ALLOWED_IPS"),
		TrustedProxies:     getEnvList("TRUSTED_PROXIES"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		HoldExpiry:         getEnvDuration("HOLD_EXPIRY", 0),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:       getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TraceSampleRatio:   getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite3", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite3, got %q", c.DBDriver)
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if len(c.AdminSecret) < 16 {
			return fmt.Errorf("ADMIN_SECRET must be at least 16 characters in production")
		}
	}

	for _, entry := range c.CallbackAllowedIPs {
		if net.ParseIP(entry) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(entry); err != nil {
			return fmt.Errorf("CALLBACK_ALLOWED_IPS: %q is not an IP or CIDR", entry)
		}
	}

	if c.HoldExpiry < 0 {
		return fmt.Errorf("HOLD_EXPIRY must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
