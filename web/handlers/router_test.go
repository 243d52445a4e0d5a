package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/embedding"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/querycache"
	"github.com/scrypster/recall/internal/storage/sqlite"
	"github.com/scrypster/recall/web/handlers"
)

// newTestServer builds the router over an engine backed by in-memory SQLite.
func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache, err := querycache.New(querycache.DefaultConfig(), store, store)
	require.NoError(t, err)

	ecfg := engine.DefaultConfig()
	ecfg.Collab.Salt = "handler-test-salt"
	eng, err := engine.New(store, ecfg, engine.Options{
		Cache:    cache,
		Embedder: embedding.NewHashEmbedder(128),
	})
	require.NoError(t, err)

	if cfg == nil {
		cfg = &config.Config{Server: config.ServerConfig{SecurityMode: "development"}}
	}
	srv := httptest.NewServer(handlers.NewRouter(eng, cfg, nil))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[handlers.HealthResponse](t, resp)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, []string{"summaries", "insights", "reflections", "conversations"}, body.Tiers)
	assert.NotEmpty(t, resp.Header.Get("X-Content-Type-Options"))
}

func TestStoreGetAndDuplicate(t *testing.T) {
	srv := newTestServer(t, nil)
	req := map[string]interface{}{
		"content":  "Fix the auth bug in the session refresh path",
		"category": "debugging",
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/memories", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[engine.StoreResult](t, resp)
	require.NotEmpty(t, first.ID)
	assert.False(t, first.Deduplicated)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/memories", req)
	require.Equal(t, http.StatusOK, resp.StatusCode, "an exact duplicate writes nothing")
	dup := decode[engine.StoreResult](t, resp)
	assert.True(t, dup.Deduplicated)
	assert.Equal(t, first.ID, dup.ID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/memories/"+first.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[map[string]interface{}](t, resp)
	assert.Equal(t, first.ID, got["id"])
}

func TestStoreValidation(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name string
		body interface{}
	}{
		{"empty content", map[string]interface{}{"content": "   "}},
		{"unknown category", map[string]interface{}{"content": "x", "category": "gardening"}},
		{"unknown field", map[string]interface{}{"content": "x", "colour": "red"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, srv.URL+"/api/memories", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[handlers.ErrorResponse](t, resp)
			assert.Equal(t, "Bad Request", body.Code)
		})
	}
}

func TestGetMemoryNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/memories/0191-missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSearchRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)
	content := "retry flaky integration tests with a fresh database"

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/memories", map[string]interface{}{
		"content":  content,
		"category": "testing",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	stored := decode[engine.StoreResult](t, resp)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/search", map[string]interface{}{
		"query": content,
		"tiers": []string{"conversations"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[engine.SearchResponse](t, resp)
	require.NotEmpty(t, first.Results)
	assert.Equal(t, stored.ID, first.Results[0].Memory.ID)
	assert.Zero(t, first.CacheHits)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/search", map[string]interface{}{
		"query": content,
		"tiers": []string{"conversations"},
	})
	second := decode[engine.SearchResponse](t, resp)
	assert.Equal(t, 1, second.CacheHits, "use_cache defaults to true")

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/search", map[string]interface{}{"query": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvalidateCache(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := doJSON(t, http.MethodDelete, srv.URL+"/api/cache", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[handlers.InvalidateResponse](t, resp)
	assert.Equal(t, "all", body.Scope)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/cache?scope=insights", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/cache?scope=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/cache/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEvolveInsufficientData(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/categories/debugging/evolve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[map[string]interface{}](t, resp)
	assert.Equal(t, "insufficient_data", snap["outcome"])

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/categories/debugging/snapshots", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snaps := decode[[]map[string]interface{}](t, resp)
	assert.Len(t, snaps, 1)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/categories/gardening/evolve", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/categories/debugging/evolve", map[string]interface{}{
		"min_cluster_size": 0,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "an invalid override is rejected")
}

func TestInteractionsAndRecommendations(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/interactions", map[string]interface{}{
		"user_id": "alice",
		"item_id": "lint-fix",
		"success": true,
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/interactions", map[string]interface{}{
		"user_id": "alice",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/users/bob/recommendations?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recs := decode[handlers.RecommendationsResponse](t, resp)
	assert.Equal(t, len(recs.Recommendations), recs.Count)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/recommendations/popular", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresTokenInProduction(t *testing.T) {
	srv := newTestServer(t, &config.Config{Server: config.ServerConfig{
		SecurityMode: "production",
		APIToken:     "s3cret",
	}})

	resp := doJSON(t, http.MethodDelete, srv.URL+"/api/cache", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays open")

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/cache", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}
