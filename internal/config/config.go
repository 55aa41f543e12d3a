// Package config provides environment-aware configuration management.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

const minSecretBytes = 32

// Config holds all application configuration.
type Config struct {
	// Environment
	Env  Environment
	Port int

	// Analytics
	BatchSize   int
	AutoAnalyze bool

	// Persistence
	DataDir          string
	EnableEncryption bool

	// Security
	JWTSecret      string
	JWTExpiration  time.Duration
	AdminUsername  string
	AdminPassword  string
	AuthRateLimit  int
	AuthRateWindow time.Duration

	// Timeouts
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment. A local .env file is loaded
// first when present; real environment variables win over file entries.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Warning: could not load .env: %v\n", err)
	}

	envStr := strings.TrimSpace(os.Getenv("APP_ENV"))
	if envStr == "" {
		envStr = string(Development)
	}
	env, ok := parseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid APP_ENV: %s (must be development, testing, or production)", envStr)
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func parseEnvironment(s string) (Environment, bool) {
	switch Environment(strings.ToLower(s)) {
	case Development:
		return Development, true
	case Testing:
		return Testing, true
	case Production:
		return Production, true
	default:
		return "", false
	}
}

func (c *Config) loadFromEnv() error {
	c.Port = getIntEnv("PORT", 8080)

	c.BatchSize = getIntEnv("BATCH_SIZE", 10)
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	c.AutoAnalyze = getBoolEnv("AUTO_ANALYZE", true)

	c.DataDir = getEnv("DATA_DIR", "./data")
	c.EnableEncryption = getBoolEnv("ENABLE_ENCRYPTION", true)

	c.JWTSecret = strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if c.Env == Development {
		if c.JWTSecret == "" {
			c.JWTSecret = "development-only-signing-secret-0123456789"
		}
	} else {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required outside development")
		}
		if len(c.JWTSecret) < minSecretBytes {
			return fmt.Errorf("JWT_SECRET must be at least %d bytes", minSecretBytes)
		}
	}

	var err error
	c.JWTExpiration, err = getDurationEnv("JWT_EXPIRATION", 24*time.Hour)
	if err != nil {
		return err
	}

	c.AdminUsername = getEnv("ADMIN_USERNAME", "admin")
	c.AdminPassword = strings.TrimSpace(os.Getenv("ADMIN_PASSWORD"))
	if c.AdminPassword == "" {
		if c.Env == Production {
			return fmt.Errorf("ADMIN_PASSWORD is required in production")
		}
		c.AdminPassword = "changeme-admin"
	}

	c.AuthRateLimit = getIntEnv("AUTH_RATE_LIMIT", 5)
	c.AuthRateWindow, err = getDurationEnv("AUTH_RATE_WINDOW", 15*time.Minute)
	if err != nil {
		return err
	}

	c.RequestTimeout, err = getDurationEnv("REQUEST_TIMEOUT", 10*time.Second)
	if err != nil {
		return err
	}
	c.ShutdownTimeout, err = getDurationEnv("SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return err
	}

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	return nil
}

// IsProduction reports whether the server runs with production constraints.
func (c *Config) IsProduction() bool {
	return c.Env == Production
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func getBoolEnv(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}
