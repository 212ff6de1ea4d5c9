// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	Env            string // APP_ENV: "production" hides error details
	RedisURL       string
	CacheOpTimeout time.Duration
	AllowedOrigins []string
	AdminKey       string
	DBPath         string // optional SQLite contact archive
	AgentRuntime   string // optional gRPC agent runtime address
	RateLimit      RateLimitConfig
	SMTP           SMTPConfig
	Webhook        WebhookConfig
}

// RateLimitConfig controls the general request limiter and slow-down layer.
type RateLimitConfig struct {
	Window        time.Duration
	Max           int
	SlowDownAfter int // 0 disables progressive delay
}

// SMTPConfig controls the contact relay.
type SMTPConfig struct {
	Username       string
	Password       string
	Host           string
	Port           int
	From           string
	To             string
	SendsPerMinute int
}

// Configured reports whether SMTP credentials are present.
func (c SMTPConfig) Configured() bool {
	return c.Username != "" && c.Password != ""
}

// WebhookConfig controls the deploy webhook binary.
type WebhookConfig struct {
	Port         string
	Secret       string
	RepoPath     string
	HostRepoPath string
	GitPullURL   string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	user, pass := parseCredentials(firstEnv("SMTP_CREDENTIALS", "GOOG_SMTP"))
	repoPath := getEnv("REPO_PATH", ".")

	cfg := &Config{
		Port:           getEnv("PORT", "3000"),
		Env:            getEnv("APP_ENV", getEnv("NODE_ENV", "development")),
		RedisURL:       strings.TrimSpace(getEnv("REDIS_URL", "")),
		CacheOpTimeout: getEnvDuration("CACHE_OP_TIMEOUT", 2*time.Second),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost")),
		AdminKey:       getEnv("ADMIN_KEY", ""),
		DBPath:         getEnv("DB_PATH", ""),
		AgentRuntime:   getEnv("AGENT_RUNTIME_ADDR", ""),
		RateLimit: RateLimitConfig{
			Window:        time.Duration(getEnvInt("RATE_LIMIT_WINDOW", 60000)) * time.Millisecond,
			Max:           getEnvInt("RATE_LIMIT_MAX", 100),
			SlowDownAfter: getEnvInt("SLOW_DOWN_AFTER", 10),
		},
		SMTP: SMTPConfig{
			Username:       user,
			Password:       pass,
			Host:           getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:           getEnvInt("SMTP_PORT", getEnvInt("GOOG_SMTP_PORT", 587)),
			From:           getEnv("CONTACT_FROM", user),
			To:             getEnv("CONTACT_TO", user),
			SendsPerMinute: getEnvInt("CONTACT_SENDS_PER_MINUTE", 30),
		},
		Webhook: WebhookConfig{
			Port:         getEnv("WEBHOOK_PORT", "9090"),
			Secret:       getEnv("GITHUB_WEBHOOK_SECRET", ""),
			RepoPath:     repoPath,
			HostRepoPath: getEnv("HOST_REPO_PATH", repoPath),
			GitPullURL:   getEnv("GIT_PULL_URL", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.RateLimit.Max <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be > 0")
	}
	if c.RateLimit.SlowDownAfter < 0 {
		return fmt.Errorf("SLOW_DOWN_AFTER must be >= 0")
	}
	if c.CacheOpTimeout <= 0 {
		return fmt.Errorf("CACHE_OP_TIMEOUT must be > 0")
	}
	if c.SMTP.SendsPerMinute <= 0 {
		return fmt.Errorf("CONTACT_SENDS_PER_MINUTE must be > 0")
	}
	return nil
}

// IsProduction returns true when error details must be hidden from clients.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseCredentials splits "user:pass". The password may itself contain colons.
func parseCredentials(value string) (string, string) {
	user, pass, ok := strings.Cut(value, ":")
	if !ok {
		return "", ""
	}
	return strings.TrimSpace(user), strings.TrimSpace(pass)
}
