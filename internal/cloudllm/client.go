package cloudllm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"allma/internal/metrics"
)

const (
	ProviderGroq     = "groq"
	ProviderOpenAI   = "openai"
	ProviderTogether = "together"
)

const (
	DefaultModel          = "llama-3.3-70b-versatile"
	DefaultEmbeddingModel = "nomic-embed-text"
	DefaultMaxTokens      = 4096
	DefaultTemperature    = 0.7
	DefaultTimeout        = 60 * time.Second
)

// DefaultBaseURL returns the API base URL for a provider. Unknown providers
// fall back to the groq endpoint.
func DefaultBaseURL(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderOpenAI:
		return "https://api.openai.com/v1"
	case ProviderTogether:
		return "https://api.together.xyz/v1"
	default:
		return "https://api.groq.com/openai/v1"
	}
}

var ErrNotInitialized = errors.New("cloud llm client is not initialized")

type Config struct {
	Provider       string
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	MaxTokens      int
	Temperature    float64
	Timeout        time.Duration
	HTTPClient     *http.Client
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type ChatResult struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

type ChatOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

type ModelInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

// RequestError carries the HTTP status and response body of a failed
// chat completion call.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("cloud llm request failed: status %d: %s", e.Status, e.Body)
}

// Client talks to an OpenAI-compatible chat completion API. A single
// instance is safe for concurrent use; the underlying HTTP client is
// created lazily on first successful Initialize.
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	httpc *http.Client
	ready bool
}

func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Provider == "" {
		cfg.Provider = ProviderGroq
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL(cfg.Provider)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.Global(),
	}
}

func (c *Client) Config() Config {
	return c.cfg
}

// Initialize allocates the HTTP client and probes the models endpoint.
// A missing API key or a failed probe returns false without an error;
// callers retry on the next operation.
func (c *Client) Initialize(ctx context.Context) bool {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		c.logger.Warn().Msg("no api key configured for cloud llm")
		return false
	}

	httpc := c.cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: c.cfg.Timeout}
	}

	status, err := c.probe(ctx, httpc)
	if err != nil {
		httpc.CloseIdleConnections()
		c.logger.Error().Err(err).Msg("cloud llm initialization failed")
		return false
	}
	if status != http.StatusOK {
		httpc.CloseIdleConnections()
		c.logger.Error().Int("status", status).Msg("failed to connect to cloud llm")
		return false
	}

	c.mu.Lock()
	c.httpc = httpc
	c.ready = true
	c.mu.Unlock()

	c.logger.Info().Str("provider", c.cfg.Provider).Msg("cloud llm initialized")
	return true
}

func (c *Client) probe(ctx context.Context, httpc *http.Client) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	c.setHeaders(req)

	resp, err := httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe models endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, nil
}

func (c *Client) ensureReady(ctx context.Context) (*http.Client, error) {
	c.mu.Lock()
	if c.ready && c.httpc != nil {
		httpc := c.httpc
		c.mu.Unlock()
		return httpc, nil
	}
	c.mu.Unlock()

	if !c.Initialize(ctx) {
		return nil, ErrNotInitialized
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpc == nil {
		return nil, ErrNotInitialized
	}
	return c.httpc, nil
}

// Chat sends a chat completion request. It is the only operation that
// propagates request errors to the caller.
func (c *Client) Chat(ctx context.Context, messages []Message, opts ChatOptions) (ChatResult, error) {
	c.metrics.ChatRequests.Inc()

	result, err := c.chat(ctx, messages, opts)
	if err != nil {
		c.metrics.ChatErrors.Inc()
		c.logger.Error().Err(err).Msg("cloud llm chat failed")
		return ChatResult{}, err
	}
	return result, nil
}

func (c *Client) chat(ctx context.Context, messages []Message, opts ChatOptions) (ChatResult, error) {
	httpc, err := c.ensureReady(ctx)
	if err != nil {
		return ChatResult{}, err
	}

	body, err := c.do(ctx, httpc, c.buildPayload(messages, opts, false))
	if err != nil {
		return ChatResult{}, err
	}

	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ChatResult{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ChatResult{}, fmt.Errorf("empty choices in chat completion response")
	}

	result := ChatResult{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
	}
	if resp.Usage != nil {
		result.Usage = *resp.Usage
	}
	return result, nil
}

// Generate wraps a single user message and returns the response text.
func (c *Client) Generate(ctx context.Context, prompt string, opts ChatOptions) (string, error) {
	result, err := c.Chat(ctx, []Message{{Role: RoleUser, Content: prompt}}, opts)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// StreamChat issues a streaming chat completion request. The returned
// Stream must be closed by the caller.
func (c *Client) StreamChat(ctx context.Context, messages []Message, model string) (*Stream, error) {
	httpc, err := c.ensureReady(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("cloud llm stream failed")
		return nil, err
	}

	payload := c.buildPayload(messages, ChatOptions{Model: model}, true)
	req, err := c.newChatRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	resp, err := httpc.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Msg("cloud llm stream request failed")
		return nil, fmt.Errorf("stream request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		_ = resp.Body.Close()
		reqErr := &RequestError{Status: resp.StatusCode, Body: string(body)}
		c.logger.Error().Err(reqErr).Msg("cloud llm stream request failed")
		return nil, reqErr
	}

	return newStream(resp, c.logger, c.metrics), nil
}

// ListModels returns the provider's model descriptors. Best-effort: any
// failure is logged and yields an empty slice.
func (c *Client) ListModels(ctx context.Context) []ModelInfo {
	httpc, err := c.ensureReady(ctx)
	if err != nil {
		c.metrics.ModelListFailures.Inc()
		c.logger.Error().Err(err).Msg("failed to list models")
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		c.metrics.ModelListFailures.Inc()
		c.logger.Error().Err(err).Msg("failed to list models")
		return nil
	}
	c.setHeaders(req)

	resp, err := httpc.Do(req)
	if err != nil {
		c.metrics.ModelListFailures.Inc()
		c.logger.Error().Err(err).Msg("failed to list models")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.metrics.ModelListFailures.Inc()
		c.logger.Error().Err(err).Msg("failed to list models")
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.ModelListFailures.Inc()
		c.logger.Error().Int("status", resp.StatusCode).Msg("failed to list models")
		return nil
	}

	var parsed struct {
		Data []struct {
			ID      string `json:"id"`
			Created int64  `json:"created"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.metrics.ModelListFailures.Inc()
		c.logger.Error().Err(err).Msg("failed to list models")
		return nil
	}

	out := make([]ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		info := ModelInfo{Name: m.ID}
		if m.Created > 0 {
			info.ModifiedAt = time.Unix(m.Created, 0).UTC().Format(time.RFC3339)
		}
		out = append(out, info)
	}
	return out
}

// Close releases the HTTP client and clears the initialized flag so a
// later call re-initializes. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpc != nil {
		c.httpc.CloseIdleConnections()
		c.httpc = nil
	}
	c.ready = false
}

const maxBodyBytes = 4 << 20

type chatPayload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

func (c *Client) buildPayload(messages []Message, opts ChatOptions, stream bool) chatPayload {
	p := chatPayload{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      stream,
	}
	if opts.Model != "" {
		p.Model = opts.Model
	}
	if opts.Temperature > 0 {
		p.Temperature = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		p.MaxTokens = opts.MaxTokens
	}
	return p
}

func (c *Client) newChatRequest(ctx context.Context, payload chatPayload) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	c.setHeaders(req)
	return req, nil
}

func (c *Client) do(ctx context.Context, httpc *http.Client, payload chatPayload) ([]byte, error) {
	req, err := c.newChatRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
}
