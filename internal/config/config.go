package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the gemstudio server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Gemini    GeminiConfig
	Poll      PollConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// BootstrapKey, when set, is ensured to exist as an admin API key on startup.
	BootstrapKey string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// GeminiConfig describes the upstream generative API.
type GeminiConfig struct {
	BaseURL        string
	APIVersion     string
	DefaultModel   string
	RequestTimeout time.Duration
	// MaxRPS paces outbound calls. Zero disables pacing.
	MaxRPS float64
}

type PollConfig struct {
	Interval     time.Duration
	FileInterval time.Duration
	LockTTL      time.Duration
}

type RateLimitConfig struct {
	PerMinute int
}

const (
	minPollInterval = time.Second
	maxPollInterval = 30 * time.Second
)

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         envInt("GEMSTUDIO_PORT", 8080),
			Env:          envString("GEMSTUDIO_ENV", "development"),
			BootstrapKey: os.Getenv("GEMSTUDIO_BOOTSTRAP_KEY"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Gemini: GeminiConfig{
			BaseURL:        strings.TrimRight(envString("GEMINI_BASE_URL", DefaultBaseURL), "/"),
			APIVersion:     envString("GEMINI_API_VERSION", DefaultAPIVersion),
			DefaultModel:   envString("GEMINI_DEFAULT_MODEL", DefaultModel),
			RequestTimeout: envDuration("GEMINI_REQUEST_TIMEOUT", 120*time.Second),
			MaxRPS:         envFloat("GEMINI_MAX_RPS", 0),
		},
		Poll: PollConfig{
			Interval:     envDuration("POLL_INTERVAL", DefaultPollInterval),
			FileInterval: envDuration("FILE_POLL_INTERVAL", DefaultFilePollInterval),
			LockTTL:      envDuration("SESSION_LOCK_TTL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if err := c.Gemini.validate(); err != nil {
		return err
	}

	if c.Poll.Interval < minPollInterval || c.Poll.Interval > maxPollInterval {
		return fmt.Errorf("POLL_INTERVAL must be between %s and %s, got %s", minPollInterval, maxPollInterval, c.Poll.Interval)
	}
	if c.Poll.FileInterval < minPollInterval || c.Poll.FileInterval > maxPollInterval {
		return fmt.Errorf("FILE_POLL_INTERVAL must be between %s and %s, got %s", minPollInterval, maxPollInterval, c.Poll.FileInterval)
	}

	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.RateLimit.PerMinute)
	}

	return nil
}

func (g GeminiConfig) validate() error {
	if !strings.HasPrefix(g.BaseURL, "http://") && !strings.HasPrefix(g.BaseURL, "https://") {
		return fmt.Errorf("GEMINI_BASE_URL must start with http:// or https://, got %q", g.BaseURL)
	}
	if g.APIVersion == "" {
		return fmt.Errorf("GEMINI_API_VERSION is required")
	}
	if g.DefaultModel == "" {
		return fmt.Errorf("GEMINI_DEFAULT_MODEL is required")
	}
	if g.MaxRPS < 0 {
		return fmt.Errorf("GEMINI_MAX_RPS must not be negative, got %v", g.MaxRPS)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
