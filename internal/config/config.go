package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the packwatch server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Scan     ScanConfig
	Rules    RulesConfig
	PyPI     PyPIConfig
	Mail     MailConfig
}

type ServerConfig struct {
	Port int
	Env  string
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

// ScanConfig controls job distribution. JobTimeout is how long an assignment
// may sit pending before it is considered abandoned and offered to another
// worker.
type ScanConfig struct {
	JobTimeout     time.Duration
	RequestsPerMin int
}

// RulesConfig points at the GitHub repository holding the detection rule set.
type RulesConfig struct {
	GitHubToken     string
	RepoOwner       string
	RepoName        string
	Ref             string
	RefreshInterval time.Duration
}

type PyPIConfig struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// MailConfig configures the report dispatch relay. An empty endpoint disables
// outbound mail; dispatched reports are then only logged.
type MailConfig struct {
	Endpoint  string
	Token     string
	Recipient string
	Timeout   time.Duration
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PACKWATCH_PORT", 8080),
			Env:  envString("PACKWATCH_ENV", "development"),
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
		Scan: ScanConfig{
			JobTimeout:     envDuration("JOB_TIMEOUT", 2*time.Minute),
			RequestsPerMin: envInt("SCAN_REQUESTS_PER_MIN", 120),
		},
		Rules: RulesConfig{
			GitHubToken:     os.Getenv("RULES_GITHUB_TOKEN"),
			RepoOwner:       envString("RULES_REPO_OWNER", "vigilsec"),
			RepoName:        envString("RULES_REPO_NAME", "detection-rules"),
			Ref:             envString("RULES_REPO_REF", "main"),
			RefreshInterval: envDuration("RULES_REFRESH_INTERVAL", 15*time.Minute),
		},
		PyPI: PyPIConfig{
			BaseURL:  envString("PYPI_BASE_URL", "https://pypi.org"),
			Timeout:  envDuration("PYPI_TIMEOUT", 15*time.Second),
			CacheTTL: envDuration("PYPI_CACHE_TTL", 10*time.Minute),
		},
		Mail: MailConfig{
			Endpoint:  os.Getenv("MAIL_ENDPOINT"),
			Token:     os.Getenv("MAIL_TOKEN"),
			Recipient: os.Getenv("MAIL_RECIPIENT"),
			Timeout:   envDuration("MAIL_TIMEOUT", 15*time.Second),
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

	if c.Scan.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be a positive duration, got %s", c.Scan.JobTimeout)
	}

	if !strings.HasPrefix(c.PyPI.BaseURL, "http://") && !strings.HasPrefix(c.PyPI.BaseURL, "https://") {
		return fmt.Errorf("PYPI_BASE_URL must start with http:// or https://, got %q", c.PyPI.BaseURL)
	}

	if c.Mail.Endpoint != "" && c.Mail.Recipient == "" {
		return fmt.Errorf("MAIL_RECIPIENT is required when MAIL_ENDPOINT is set")
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
