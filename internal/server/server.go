package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"allma/internal/cache"
	"allma/internal/cloudllm"
	"allma/internal/storage"
)

// Service exposes the cloud chat client over a small JSON API. The cache
// and store are optional; a nil value disables the concern.
type Service struct {
	client *cloudllm.Client
	cache  *cache.ResponseCache
	store  *storage.Store
	logger zerolog.Logger
}

type Config struct {
	Client *cloudllm.Client
	Cache  *cache.ResponseCache
	Store  *storage.Store
	Logger zerolog.Logger
}

func NewService(cfg Config) *Service {
	return &Service{
		client: cfg.Client,
		cache:  cfg.Cache,
		store:  cfg.Store,
		logger: cfg.Logger,
	}
}

func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat", s.chat)
	mux.HandleFunc("POST /v1/generate", s.generate)
	mux.HandleFunc("POST /v1/chat/stream", s.streamChat)
	mux.HandleFunc("GET /v1/models", s.listModels)
	mux.HandleFunc("GET /v1/usage", s.usage)
}

type chatRequest struct {
	Messages    []cloudllm.Message `json:"messages"`
	Model       string             `json:"model"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
}

type generateRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

func (s *Service) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	opts := cloudllm.ChatOptions{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	key := ""
	if s.cache != nil {
		cfg := s.client.Config()
		model := req.Model
		if model == "" {
			model = cfg.Model
		}
		temp := req.Temperature
		if temp <= 0 {
			temp = cfg.Temperature
		}
		maxTokens := req.MaxTokens
		if maxTokens <= 0 {
			maxTokens = cfg.MaxTokens
		}
		key = cache.Key(cfg.Provider, model, req.Messages, temp, maxTokens)

		if result, found, err := s.cache.Get(r.Context(), key); err != nil {
			s.logger.Error().Err(err).Msg("cache lookup failed")
		} else if found {
			s.recordUsage(r.Context(), result, true)
			writeJSON(w, http.StatusOK, result)
			return
		}
	}

	result, err := s.client.Chat(r.Context(), req.Messages, opts)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	if s.cache != nil && key != "" {
		if err := s.cache.Set(r.Context(), key, result); err != nil {
			s.logger.Error().Err(err).Msg("cache store failed")
		}
	}
	s.recordUsage(r.Context(), result, false)
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt must not be empty")
		return
	}

	content, err := s.client.Generate(r.Context(), req.Prompt, cloudllm.ChatOptions{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (s *Service) streamChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream, err := s.client.StreamChat(r.Context(), req.Messages, req.Model)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		fragment, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error().Err(err).Msg("stream read failed")
			}
			break
		}
		payload, _ := json.Marshal(map[string]string{"content": fragment})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Service) listModels(w http.ResponseWriter, r *http.Request) {
	models := s.client.ListModels(r.Context())
	if models == nil {
		models = []cloudllm.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Service) usage(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "usage accounting is disabled")
		return
	}
	records, err := s.store.RecentUsage(r.Context(), 50)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read usage log")
		writeError(w, http.StatusInternalServerError, "failed to read usage log")
		return
	}
	totals, err := s.store.TotalTokens(r.Context(), time.Time{})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read usage totals")
		writeError(w, http.StatusInternalServerError, "failed to read usage totals")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totals": totals, "recent": records})
}

func (s *Service) recordUsage(ctx context.Context, result cloudllm.ChatResult, cached bool) {
	if s.store == nil {
		return
	}
	rec := storage.UsageRecord{
		Provider:         s.client.Config().Provider,
		Model:            result.Model,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		Cached:           cached,
	}
	if err := s.store.InsertUsage(ctx, rec); err != nil {
		s.logger.Error().Err(err).Msg("failed to record usage")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	var reqErr *cloudllm.RequestError
	switch {
	case errors.As(err, &reqErr):
		writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream status %d", reqErr.Status))
	case errors.Is(err, cloudllm.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "cloud llm is not available")
	default:
		writeError(w, http.StatusBadGateway, "upstream request failed")
	}
}
