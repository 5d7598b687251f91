package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CLOUD_LLM_PROVIDER", "GROQ_API_KEY", "OPENAI_API_KEY",
		"CLOUD_LLM_BASE_URL", "CLOUD_LLM_MODEL", "CLOUD_EMBEDDING_MODEL",
		"CLOUD_LLM_MAX_TOKENS", "CLOUD_LLM_TEMPERATURE", "CLOUD_LLM_TIMEOUT",
		"LISTEN_ADDR", "DB_DRIVER", "DB_DSN", "CACHE_ENABLED", "REDIS_ADDR",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Provider != ProviderGroq {
		t.Fatalf("expected default provider groq, got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.BaseURL != "https://api.groq.com/openai/v1" {
		t.Fatalf("unexpected base url %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Model != "llama-3.3-70b-versatile" {
		t.Fatalf("unexpected model %q", cfg.LLM.Model)
	}
	if cfg.LLM.EmbeddingModel != "nomic-embed-text" {
		t.Fatalf("unexpected embedding model %q", cfg.LLM.EmbeddingModel)
	}
	if cfg.LLM.MaxTokens != 4096 {
		t.Fatalf("unexpected max tokens %d", cfg.LLM.MaxTokens)
	}
	if cfg.LLM.Temperature != 0.7 {
		t.Fatalf("unexpected temperature %v", cfg.LLM.Temperature)
	}
	if cfg.LLM.Timeout != 60*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.LLM.Timeout)
	}
	if cfg.LLM.APIKey != "" {
		t.Fatalf("expected empty api key, got %q", cfg.LLM.APIKey)
	}
}

func TestLoadProviderBaseURLs(t *testing.T) {
	cases := map[string]string{
		"groq":     "https://api.groq.com/openai/v1",
		"openai":   "https://api.openai.com/v1",
		"together": "https://api.together.xyz/v1",
		"unknown":  "https://api.groq.com/openai/v1",
	}
	for provider, want := range cases {
		clearEnv(t)
		t.Setenv("CLOUD_LLM_PROVIDER", provider)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("load for %q: %v", provider, err)
		}
		if cfg.LLM.BaseURL != want {
			t.Fatalf("provider %q: expected base url %q, got %q", provider, want, cfg.LLM.BaseURL)
		}
	}
}

func TestLoadBaseURLOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("CLOUD_LLM_PROVIDER", "openai")
	t.Setenv("CLOUD_LLM_BASE_URL", "https://proxy.internal/v1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.BaseURL != "https://proxy.internal/v1" {
		t.Fatalf("expected override to win, got %q", cfg.LLM.BaseURL)
	}
}

func TestLoadAPIKeyPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("GROQ_API_KEY", "gk")
	t.Setenv("OPENAI_API_KEY", "ok")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "gk" {
		t.Fatalf("expected groq key to win, got %q", cfg.LLM.APIKey)
	}

	t.Setenv("GROQ_API_KEY", "")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "ok" {
		t.Fatalf("expected openai key fallback, got %q", cfg.LLM.APIKey)
	}
}

func TestLoadInvalidNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("CLOUD_LLM_MAX_TOKENS", "not-a-number")
	t.Setenv("CLOUD_LLM_TEMPERATURE", "warm")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.MaxTokens != 4096 || cfg.LLM.Temperature != 0.7 {
		t.Fatalf("expected defaults on parse failure, got %d / %v", cfg.LLM.MaxTokens, cfg.LLM.Temperature)
	}
}
