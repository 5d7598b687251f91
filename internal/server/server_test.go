package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"allma/internal/cache"
	"allma/internal/cloudllm"
	"allma/internal/storage"
)

type fixture struct {
	mux       *http.ServeMux
	store     *storage.Store
	chatCalls *atomic.Int64
}

func newFixture(t *testing.T, withCache bool) *fixture {
	t.Helper()

	chatCalls := &atomic.Int64{}
	upstream := http.NewServeMux()
	upstream.HandleFunc("GET /models", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data": [{"id": "llama-3.3-70b-versatile", "created": 1693000000}]}`))
	})
	upstream.HandleFunc("POST /chat/completions", func(w http.ResponseWriter, r *http.Request) {
		chatCalls.Add(1)
		var payload struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\ndata: [DONE]\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"model": "llama-3.3-70b-versatile",
			"choices": [{"message": {"content": "hello"}}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 5}
		}`))
	})
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	client := cloudllm.New(cloudllm.Config{
		Provider:   cloudllm.ProviderGroq,
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	}, zerolog.Nop())
	t.Cleanup(client.Close)

	store, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "allma_test.db"), true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var responseCache *cache.ResponseCache
	if withCache {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("start miniredis: %v", err)
		}
		t.Cleanup(mr.Close)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		responseCache = cache.New(rdb, time.Minute)
	}

	svc := NewService(Config{
		Client: client,
		Cache:  responseCache,
		Store:  store,
		Logger: zerolog.Nop(),
	})
	mux := http.NewServeMux()
	svc.Register(mux)

	return &fixture{mux: mux, store: store, chatCalls: chatCalls}
}

func (f *fixture) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestChatHandler(t *testing.T) {
	f := newFixture(t, false)

	rec := f.request(t, http.MethodPost, "/v1/chat", `{"messages": [{"role": "user", "content": "hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	var result cloudllm.ChatResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Content != "hello" || result.Usage.PromptTokens != 3 {
		t.Fatalf("unexpected result %+v", result)
	}

	records, err := f.store.RecentUsage(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent usage: %v", err)
	}
	if len(records) != 1 || records[0].CompletionTokens != 5 || records[0].Cached {
		t.Fatalf("unexpected usage records %+v", records)
	}
}

func TestChatHandlerRejectsEmptyMessages(t *testing.T) {
	f := newFixture(t, false)

	rec := f.request(t, http.MethodPost, "/v1/chat", `{"messages": []}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestChatHandlerCacheHit(t *testing.T) {
	f := newFixture(t, true)
	body := `{"messages": [{"role": "user", "content": "hi"}]}`

	if rec := f.request(t, http.MethodPost, "/v1/chat", body); rec.Code != http.StatusOK {
		t.Fatalf("first call failed: %d", rec.Code)
	}
	if rec := f.request(t, http.MethodPost, "/v1/chat", body); rec.Code != http.StatusOK {
		t.Fatalf("second call failed: %d", rec.Code)
	}

	if got := f.chatCalls.Load(); got != 1 {
		t.Fatalf("expected one upstream chat call, got %d", got)
	}

	records, err := f.store.RecentUsage(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent usage: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 usage records, got %d", len(records))
	}
	if !records[0].Cached {
		t.Fatalf("expected newest record to be marked cached")
	}
}

func TestGenerateHandler(t *testing.T) {
	f := newFixture(t, false)

	rec := f.request(t, http.MethodPost, "/v1/generate", `{"prompt": "say hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["content"] != "hello" {
		t.Fatalf("unexpected content %q", resp["content"])
	}
}

func TestStreamHandler(t *testing.T) {
	f := newFixture(t, false)

	rec := f.request(t, http.MethodPost, "/v1/chat/stream", `{"messages": [{"role": "user", "content": "hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `data: {"content":"Hi"}`) {
		t.Fatalf("expected fragment in stream, got %q", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("expected terminator in stream, got %q", body)
	}
}

func TestModelsHandler(t *testing.T) {
	f := newFixture(t, false)

	rec := f.request(t, http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var resp struct {
		Models []cloudllm.ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Models) != 1 || resp.Models[0].Name != "llama-3.3-70b-versatile" {
		t.Fatalf("unexpected models %+v", resp.Models)
	}
}

func TestUsageHandler(t *testing.T) {
	f := newFixture(t, false)

	if rec := f.request(t, http.MethodPost, "/v1/chat", `{"messages": [{"role": "user", "content": "hi"}]}`); rec.Code != http.StatusOK {
		t.Fatalf("chat failed: %d", rec.Code)
	}

	rec := f.request(t, http.MethodGet, "/v1/usage", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var resp struct {
		Totals storage.TokenTotals   `json:"totals"`
		Recent []storage.UsageRecord `json:"recent"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Totals.Requests != 1 || len(resp.Recent) != 1 {
		t.Fatalf("unexpected usage payload %+v", resp)
	}
}
