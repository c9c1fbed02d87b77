// Package config loads bridge configuration from environment variables,
// with an optional .env file for local development.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"
)

func init() {
	// Auto-load .env file if present (don't override existing env vars)
	loadDotEnv(".env")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		// Remove surrounding quotes
		if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
			val = val[1 : len(val)-1]
		}
		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

const (
	defaultPort           = "8080"
	defaultUnipileBaseURL = "https://api26.unipile.com:15609/api/v1"
	defaultDedupeTTL      = 120 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultRequestRetries = 2
)

// ChatwootConfig holds connection details for the helpdesk API.
type ChatwootConfig struct {
	BaseURL   string
	AccountID string
	InboxID   string
	APIToken  string
}

// UnipileConfig holds connection details for the messaging provider API.
type UnipileConfig struct {
	BaseURL string
	APIKey  string
}

type Config struct {
	Port        string
	DatabaseURL string

	// AutoMigrate applies pending schema migrations on startup.
	AutoMigrate   bool
	MigrationsDir string

	Chatwoot ChatwootConfig
	Unipile  UnipileConfig

	// WebhookSecret, when set, is required in the X-Webhook-Secret header of
	// every inbound webhook call.
	WebhookSecret string

	DedupeTTL      time.Duration
	RequestTimeout time.Duration
	RequestRetries int
}

// Load reads configuration from the environment.
func Load() Config {
	return Config{
		Port:          getEnv("PORT", defaultPort),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		AutoMigrate:   getEnvBool("AUTO_MIGRATE", false),
		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),
		Chatwoot: ChatwootConfig{
			BaseURL:   strings.TrimSuffix(os.Getenv("CHATWOOT_BASE_URL"), "/"),
			AccountID: os.Getenv("CHATWOOT_ACCOUNT_ID"),
			InboxID:   os.Getenv("CHATWOOT_INBOX_ID"),
			APIToken:  os.Getenv("CHATWOOT_API_TOKEN"),
		},
		Unipile: UnipileConfig{
			BaseURL: strings.TrimSuffix(getEnv("UNIPILE_BASE_URL", defaultUnipileBaseURL), "/"),
			APIKey:  os.Getenv("UNIPILE_API_KEY"),
		},
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		DedupeTTL:      getEnvSeconds("DEDUPE_TTL_SECONDS", defaultDedupeTTL),
		RequestTimeout: getEnvSeconds("REQUEST_TIMEOUT_SECONDS", defaultRequestTimeout),
		RequestRetries: getEnvInt("REQUEST_RETRIES", defaultRequestRetries),
	}
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
