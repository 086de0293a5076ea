package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderPollinations = "pollinations"
	ProviderGemini       = "gemini"
)

type Config struct {
	TelegramBotToken string
	WebhookURL       string // Public URL Telegram pushes updates to; empty means long polling
	WebhookPath      string
	Port             string
	LogLevel         string
	LogDir           string

	// Generation API
	TextAPIURL     string
	ImageAPIURL    string
	APITimeout     time.Duration
	APIRetries     int
	APIRetryBase   time.Duration
	APIMinInterval time.Duration

	// Optional Gemini backend for text and image analysis
	LLMProvider  string
	GeminiAPIKey string
	GeminiModel  string

	// Duplicate delivery guard
	DedupMaxAge        time.Duration
	DedupSweepInterval time.Duration
	DedupPostgresDSN   string

	// Update processing
	Workers   int
	QueueSize int
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment without touching .env.
func FromEnv() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		WebhookURL:       os.Getenv("WEBHOOK_URL"),
		WebhookPath:      getEnvOrDefault("WEBHOOK_PATH", "/webhook"),
		Port:             getEnvOrDefault("PORT", "3000"),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),
		LogDir:           getEnvOrDefault("LOG_DIR", "logs"),

		TextAPIURL:     getEnvOrDefault("TEXT_API_URL", "https://text.pollinations.ai/"),
		ImageAPIURL:    getEnvOrDefault("IMAGE_API_URL", "https://image.pollinations.ai/prompt/"),
		APITimeout:     p.duration("API_TIMEOUT", 15*time.Second),
		APIRetries:     p.int("API_RETRIES", 3),
		APIRetryBase:   p.duration("API_RETRY_BASE", time.Second),
		APIMinInterval: p.duration("API_MIN_INTERVAL", time.Second),

		LLMProvider:  strings.ToLower(getEnvOrDefault("LLM_PROVIDER", ProviderPollinations)),
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),

		DedupMaxAge:        p.duration("DEDUP_MAX_AGE", 5*time.Minute),
		DedupSweepInterval: p.duration("DEDUP_SWEEP_INTERVAL", 5*time.Minute),
		DedupPostgresDSN:   os.Getenv("DEDUP_POSTGRES_DSN"),

		Workers:   p.int("WORKERS", 8),
		QueueSize: p.int("QUEUE_SIZE", 100),
	}

	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("required environment variable TELEGRAM_BOT_TOKEN is not set")
	}
	if c.APIRetries < 1 {
		return fmt.Errorf("API_RETRIES must be at least 1, got %d", c.APIRetries)
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("API_TIMEOUT must be positive")
	}
	if c.DedupSweepInterval <= 0 || c.DedupMaxAge <= 0 {
		return fmt.Errorf("DEDUP_MAX_AGE and DEDUP_SWEEP_INTERVAL must be positive")
	}
	if c.Workers < 1 || c.QueueSize < 1 {
		return fmt.Errorf("WORKERS and QUEUE_SIZE must be at least 1")
	}
	if !strings.HasPrefix(c.WebhookPath, "/") {
		return fmt.Errorf("WEBHOOK_PATH must start with '/', got %q", c.WebhookPath)
	}

	switch c.LLMProvider {
	case ProviderPollinations:
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when LLM_PROVIDER is %s", ProviderGemini)
		}
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider)
	}

	return nil
}

func (c *Config) UsesWebhook() bool {
	return c.WebhookURL != ""
}

func (c *Config) HasDedupDatabase() bool {
	return c.DedupPostgresDSN != ""
}

func (c *Config) UsesGemini() bool {
	return c.LLMProvider == ProviderGemini
}

// getEnvOrDefault returns the environment variable value or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser keeps the first conversion error so Load can report it after all
// fields are read.
type parser struct {
	err error
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		// Bare numbers are milliseconds.
		if ms, convErr := strconv.Atoi(raw); convErr == nil {
			return time.Duration(ms) * time.Millisecond
		}
		p.fail(fmt.Errorf("invalid duration for %s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(fmt.Errorf("invalid integer for %s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}
