// Package embedding provides the embedding collaborators: HTTP providers
// wrapped in a circuit breaker, a rate limiter, and an offline hash embedder.
package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Embedder turns text into a vector. Failures wrap
// types.ErrEmbeddingUnavailable so callers can degrade to text-only paths.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Provider names accepted by New.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderHash   = "hash"
	ProviderNone   = "none"
)

// Config selects and configures an embedder.
type Config struct {
	// Provider is one of ollama, openai, hash or none. Default: ollama
	Provider string

	// BaseURL of the HTTP provider.
	BaseURL string

	// Model name sent to the provider.
	Model string

	// APIKey for providers that need one.
	APIKey string

	// Dimension of the hash embedder. Default: 256
	Dimension int

	// Timeout bounds one embedding call. Default: 5s
	Timeout time.Duration

	// RateLimit is the sustained calls per second; 0 disables limiting.
	RateLimit float64

	// Burst is the limiter burst size. Default: 1
	Burst int

	// Breaker configures the circuit breaker around HTTP providers.
	Breaker CircuitBreakerConfig
}

// DefaultConfig returns the local Ollama configuration.
func DefaultConfig() Config {
	return Config{
		Provider:  ProviderOllama,
		BaseURL:   "http://localhost:11434",
		Model:     "nomic-embed-text",
		Dimension: 256,
		Timeout:   5 * time.Second,
		Burst:     1,
		Breaker:   DefaultCircuitBreakerConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch strings.ToLower(c.Provider) {
	case "", ProviderOllama, ProviderOpenAI, ProviderHash, ProviderNone:
	default:
		return fmt.Errorf("unsupported embedding provider: %q", c.Provider)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("embedding timeout must not be negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("embedding rate limit must not be negative")
	}
	if strings.EqualFold(c.Provider, ProviderOpenAI) && c.APIKey == "" {
		return fmt.Errorf("openai embedding provider requires an API key")
	}
	return nil
}

// New builds the embedder named by cfg.Provider, wrapped in a rate limiter
// when cfg.RateLimit is set. It returns (nil, nil) for the none provider;
// the engine then runs text-only.
func New(cfg Config) (Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var e Embedder
	switch strings.ToLower(cfg.Provider) {
	case ProviderOllama, "":
		e = NewOllamaEmbedder(OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
			Breaker: cfg.Breaker,
		})
	case ProviderOpenAI:
		e = NewOpenAIEmbedder(OpenAIConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
			Breaker: cfg.Breaker,
		})
	case ProviderHash:
		e = NewHashEmbedder(cfg.Dimension)
	case ProviderNone:
		return nil, nil
	}

	if cfg.RateLimit > 0 {
		e = NewRateLimited(e, cfg.RateLimit, cfg.Burst)
	}
	return e, nil
}
