package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scrypster/recall/pkg/types"
)

// OllamaConfig holds Ollama embedder configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is the embedding model (default: nomic-embed-text)
	Model string

	// Timeout is the per-call timeout (default: 5s)
	Timeout time.Duration

	Breaker CircuitBreakerConfig
}

// OllamaEmbedder calls Ollama's /api/embed endpoint behind a circuit breaker.
type OllamaEmbedder struct {
	baseURL string
	model   string
	timeout time.Duration
	client  *http.Client
	breaker *CircuitBreaker
}

var _ Embedder = (*OllamaEmbedder)(nil)

// embedRequest represents the request body for /api/embed endpoint
type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// The embeddings field is a 2D array; we always use the first (and only) embedding.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaEmbedder creates an Ollama embedder, applying defaults.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &OllamaEmbedder{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		client:  &http.Client{},
		breaker: NewCircuitBreaker("ollama-embed", cfg.Breaker),
	}
}

// Model returns the configured model name.
func (o *OllamaEmbedder) Model() string { return o.model }

// Breaker exposes the circuit breaker for health reporting.
func (o *OllamaEmbedder) Breaker() *CircuitBreaker { return o.breaker }

// Embed generates an embedding for text.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := o.breaker.Execute(ctx, func() (interface{}, error) {
		var resp ollamaEmbedResponse
		if err := postJSON(ctx, o.client, o.timeout, o.baseURL+"/api/embed", "", ollamaEmbedRequest{Model: o.model, Input: text}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
			return nil, fmt.Errorf("ollama returned empty embedding vector")
		}
		return resp.Embeddings[0], nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w: %v", types.ErrEmbeddingUnavailable, err)
	}
	return result.([]float32), nil
}

// OpenAIConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIConfig struct {
	APIKey  string
	Model   string        // default: text-embedding-3-small
	BaseURL string        // default: https://api.openai.com
	Timeout time.Duration // default: 30s
	Breaker CircuitBreakerConfig
}

// OpenAIEmbedder calls an OpenAI-compatible /v1/embeddings endpoint behind a
// circuit breaker.
type OpenAIEmbedder struct {
	cfg     OpenAIConfig
	client  *http.Client
	breaker *CircuitBreaker
}

var _ Embedder = (*OpenAIEmbedder)(nil)

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewOpenAIEmbedder creates an OpenAI embedder, applying defaults.
func NewOpenAIEmbedder(cfg OpenAIConfig) *OpenAIEmbedder {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAIEmbedder{
		cfg:     cfg,
		client:  &http.Client{},
		breaker: NewCircuitBreaker("openai-embed", cfg.Breaker),
	}
}

// Model returns the configured model name.
func (o *OpenAIEmbedder) Model() string { return o.cfg.Model }

// Embed generates an embedding for text.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := o.breaker.Execute(ctx, func() (interface{}, error) {
		var resp openAIEmbedResponse
		if err := postJSON(ctx, o.client, o.cfg.Timeout, o.cfg.BaseURL+"/v1/embeddings", o.cfg.APIKey, openAIEmbedRequest{Model: o.cfg.Model, Input: text}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
			return nil, fmt.Errorf("openai returned empty embedding")
		}
		raw := resp.Data[0].Embedding
		vec := make([]float32, len(raw))
		for i, v := range raw {
			vec[i] = float32(v)
		}
		return vec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w: %v", types.ErrEmbeddingUnavailable, err)
	}
	return result.([]float32), nil
}

// postJSON sends body to url with a per-call timeout and decodes the JSON
// response into out.
func postJSON(ctx context.Context, client *http.Client, timeout time.Duration, url, bearer string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
