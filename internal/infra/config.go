package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderConfig carries the externally supplied dispatch parameters for one
// provider. Poll interval and attempt ceiling are configuration, never
// hard-coded per call site: higher-quality generation modes legitimately need
// longer ceilings.
type ProviderConfig struct {
	Name         string
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	PollAttempts int
}

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisAddr   string
	RedisPass   string

	// Provider selection per job kind plus per-provider polling parameters.
	TextProvider  ProviderConfig
	ImageProvider ProviderConfig
	AppProvider   ProviderConfig

	// Credit cost per job kind.
	TextCost  int64
	ImageCost int64
	AppCost   int64

	ConcurrencyPerUser int64
	FallbackEnabled    bool

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed. DATABASE_URL and REDIS_ADDR are optional: without
// them the service falls back to in-memory persistence and skips the event
// mirror, which is only acceptable for development.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPass:          os.Getenv("REDIS_PASSWORD"),
		TextProvider:       loadProvider("TEXT", "forgelab", "https://api.forgelab.dev/v1"),
		ImageProvider:      loadProvider("IMAGE", "pixelloom", "https://api.pixelloom.dev/v1"),
		AppProvider:        loadProvider("APP", "forgelab", "https://api.forgelab.dev/v1"),
		TextCost:           int64(getEnvInt("CREDIT_COST_TEXT", 1)),
		ImageCost:          int64(getEnvInt("CREDIT_COST_IMAGE", 5)),
		AppCost:            int64(getEnvInt("CREDIT_COST_APP", 10)),
		ConcurrencyPerUser: int64(getEnvInt("MAX_CONCURRENT_JOBS_PER_USER", 5)),
		FallbackEnabled:    getEnvBool("FALLBACK_ENABLED", false),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.ConcurrencyPerUser <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_JOBS_PER_USER must be positive")
	}
	for _, pc := range []ProviderConfig{cfg.TextProvider, cfg.ImageProvider, cfg.AppProvider} {
		if pc.PollAttempts <= 0 {
			return nil, fmt.Errorf("provider %s: poll attempts must be positive", pc.Name)
		}
	}

	return cfg, nil
}

func loadProvider(kind, defaultName, defaultBase string) ProviderConfig {
	prefix := "PROVIDER_" + kind
	name := getEnv(prefix+"_NAME", defaultName)
	envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return ProviderConfig{
		Name:         name,
		BaseURL:      getEnv(prefix+"_BASE_URL", defaultBase),
		APIKey:       os.Getenv("PROVIDER_" + envName + "_API_KEY"),
		PollInterval: time.Second * time.Duration(getEnvInt(prefix+"_POLL_INTERVAL_SECONDS", 2)),
		PollAttempts: getEnvInt(prefix+"_POLL_MAX_ATTEMPTS", 60),
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
