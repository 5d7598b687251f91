package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ProviderGroq     = "groq"
	ProviderOpenAI   = "openai"
	ProviderTogether = "together"
)

var (
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingRedisAddr   = errors.New("REDIS_ADDR is required when the cache is enabled")
)

var providerBaseURLs = map[string]string{
	ProviderGroq:     "https://api.groq.com/openai/v1",
	ProviderOpenAI:   "https://api.openai.com/v1",
	ProviderTogether: "https://api.together.xyz/v1",
}

type Config struct {
	LLM   LLMConfig
	HTTP  HTTPConfig
	Redis RedisConfig
	Cache CacheConfig
	DB    DBConfig
	Log   LogConfig
}

type LLMConfig struct {
	Provider       string
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	MaxTokens      int
	Temperature    float64
	Timeout        time.Duration
}

type HTTPConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
	ReadTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	provider := strings.ToLower(mustEnv("CLOUD_LLM_PROVIDER", ProviderGroq))

	cfg := &Config{
		LLM: LLMConfig{
			Provider:       provider,
			APIKey:         firstEnv("GROQ_API_KEY", "OPENAI_API_KEY"),
			BaseURL:        mustEnv("CLOUD_LLM_BASE_URL", defaultBaseURL(provider)),
			Model:          mustEnv("CLOUD_LLM_MODEL", "llama-3.3-70b-versatile"),
			EmbeddingModel: mustEnv("CLOUD_EMBEDDING_MODEL", "nomic-embed-text"),
			MaxTokens:      mustInt("CLOUD_LLM_MAX_TOKENS", 4096),
			Temperature:    mustFloat("CLOUD_LLM_TEMPERATURE", 0.7),
			Timeout:        mustDuration("CLOUD_LLM_TIMEOUT", 60*time.Second),
		},
		HTTP: HTTPConfig{
			ListenAddr:  mustEnv("LISTEN_ADDR", ":8080"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
			ReadTimeout: mustDuration("HTTP_READ_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled: mustBool("CACHE_ENABLED", false),
			TTL:     mustDuration("CACHE_TTL", 5*time.Minute),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "allma.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.Cache.Enabled && cfg.Redis.Addr == "" {
		return nil, ErrMissingRedisAddr
	}
	if cfg.LLM.MaxTokens <= 0 {
		return nil, fmt.Errorf("CLOUD_LLM_MAX_TOKENS must be > 0, got %d", cfg.LLM.MaxTokens)
	}

	return cfg, nil
}

// defaultBaseURL resolves the provider's API endpoint. Unknown providers
// fall back to the groq endpoint.
func defaultBaseURL(provider string) string {
	if u, ok := providerBaseURLs[provider]; ok {
		return u
	}
	return providerBaseURLs[ProviderGroq]
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := mustEnv(key, ""); v != "" {
			return v
		}
	}
	return ""
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustFloat(key string, def float64) float64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
