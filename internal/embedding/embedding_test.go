package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scrypster/recall/internal/similarity"
	"github.com/scrypster/recall/pkg/types"
)

func TestOllamaEmbedderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-model" || req.Input != "hello world" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2,0.3]]}`))
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Model: "test-model"})
	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 || vec[1] != 0.2 {
		t.Errorf("unexpected vector %v", vec)
	}
	if e.Model() != "test-model" {
		t.Errorf("unexpected model %q", e.Model())
	}
}

func TestOllamaEmbedderFailuresOpenCircuit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{
		BaseURL: srv.URL,
		Breaker: CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute},
	})

	for i := 0; i < 4; i++ {
		_, err := e.Embed(context.Background(), "text")
		if !errors.Is(err, types.ErrEmbeddingUnavailable) {
			t.Fatalf("call %d: expected ErrEmbeddingUnavailable, got %v", i, err)
		}
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("expected breaker to stop calls after 2 failures, server saw %d", got)
	}
	if e.Breaker().State() != "open" {
		t.Errorf("expected open circuit, got %s", e.Breaker().State())
	}
	m := e.Breaker().Metrics()
	if m.TotalRequests != 4 || m.TotalFailures != 4 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestOllamaEmbedderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := e.Embed(context.Background(), "slow")
	if !errors.Is(err, types.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("per-call timeout was not applied")
	}
}

func TestOllamaEmbedderEmptyVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[]}`))
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL})
	if _, err := e.Embed(context.Background(), "x"); !errors.Is(err, types.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.5,-0.5]}]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	vec, err := e.Embed(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 || vec[1] != -0.5 {
		t.Errorf("unexpected vector %v", vec)
	}
	if e.Model() != "text-embedding-3-small" {
		t.Errorf("unexpected default model %q", e.Model())
	}
}

func TestHashEmbedderDeterministicAndNormalized(t *testing.T) {
	h := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := h.Embed(ctx, "fix the auth bug in login")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := h.Embed(ctx, "fix the auth bug in login")
	if similarity.Cosine(a, b) < 0.9999 {
		t.Error("identical text must embed identically")
	}

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if norm < 0.999 || norm > 1.001 {
		t.Errorf("expected unit vector, squared norm %f", norm)
	}

	related, _ := h.Embed(ctx, "auth bug in login flow")
	unrelated, _ := h.Embed(ctx, "database index tuning for postgres")
	if similarity.Cosine(a, related) <= similarity.Cosine(a, unrelated) {
		t.Error("shared vocabulary should score higher than unrelated text")
	}
}

func TestHashEmbedderEmptyText(t *testing.T) {
	h := NewHashEmbedder(0)
	if h.Model() != "hash-256" {
		t.Errorf("unexpected model %q", h.Model())
	}
	if _, err := h.Embed(context.Background(), "   "); !errors.Is(err, types.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
}

func TestRateLimitedHonoursContext(t *testing.T) {
	r := NewRateLimited(NewHashEmbedder(16), 0.001, 1)

	if _, err := r.Embed(context.Background(), "first call uses the burst"); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Embed(ctx, "second call must wait"); !errors.Is(err, types.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
}

func TestNewFactory(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantNil bool
		wantErr bool
	}{
		{name: "ollama default", cfg: DefaultConfig(), want: "*embedding.OllamaEmbedder"},
		{name: "hash", cfg: Config{Provider: "hash", Dimension: 32}, want: "*embedding.HashEmbedder"},
		{name: "rate limited", cfg: Config{Provider: "hash", RateLimit: 10}, want: "*embedding.RateLimited"},
		{name: "openai", cfg: Config{Provider: "openai", APIKey: "k"}, want: "*embedding.OpenAIEmbedder"},
		{name: "none", cfg: Config{Provider: "none"}, wantNil: true},
		{name: "openai without key", cfg: Config{Provider: "openai"}, wantErr: true},
		{name: "unknown", cfg: Config{Provider: "word2vec"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if e != nil {
					t.Fatalf("expected nil embedder, got %T", e)
				}
				return
			}
			if got := typeName(e); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func typeName(e Embedder) string {
	switch e.(type) {
	case *OllamaEmbedder:
		return "*embedding.OllamaEmbedder"
	case *OpenAIEmbedder:
		return "*embedding.OpenAIEmbedder"
	case *HashEmbedder:
		return "*embedding.HashEmbedder"
	case *RateLimited:
		return "*embedding.RateLimited"
	default:
		return "unknown"
	}
}
