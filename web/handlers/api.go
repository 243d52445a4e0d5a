package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/scrypster/recall/internal/collab"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// APIHandlers contains HTTP handlers for the REST API.
type APIHandlers struct {
	engine *engine.Engine
}

// NewAPIHandlers creates a new APIHandlers instance.
func NewAPIHandlers(eng *engine.Engine) *APIHandlers {
	return &APIHandlers{engine: eng}
}

// Health handles GET /health.
func (h *APIHandlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Store: "ok", Tiers: h.engine.TierNames()}
	status := http.StatusOK
	if err := h.engine.Ping(r.Context()); err != nil {
		log.Printf("WARNING: health: store ping failed: %v", err)
		resp.Status = "degraded"
		resp.Store = "unavailable"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// CreateMemory handles POST /api/memories.
func (h *APIHandlers) CreateMemory(w http.ResponseWriter, r *http.Request) {
	var req engine.StoreRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result, err := h.engine.Store(r.Context(), req)
	if err != nil {
		respondEngineError(w, "failed to store memory", err)
		return
	}

	status := http.StatusCreated
	if result.Deduplicated && len(result.MergedWith) == 1 && result.MergedWith[0] == result.ID {
		// Exact duplicate: nothing new was written.
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

// GetMemory handles GET /api/memories/{id}. Merged records resolve to
// their survivor.
func (h *APIHandlers) GetMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	memory, err := h.engine.Get(r.Context(), id)
	if err != nil {
		respondEngineError(w, "failed to get memory", err)
		return
	}
	respondJSON(w, http.StatusOK, memory)
}

// Search handles POST /api/search.
func (h *APIHandlers) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}

	resp, err := h.engine.Search(r.Context(), engine.SearchRequest{
		Query:       req.Query,
		Tiers:       req.Tiers,
		UseCache:    useCache,
		Context:     req.Context,
		Category:    req.Category,
		Limit:       req.Limit,
		Sufficiency: req.Sufficiency.toSearch(),
	})
	if err != nil {
		respondEngineError(w, "search failed", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// EvolveCategory handles POST /api/categories/{category}/evolve. The body is
// optional. Busy categories answer 409 with the busy snapshot.
func (h *APIHandlers) EvolveCategory(w http.ResponseWriter, r *http.Request) {
	category := types.Category(chi.URLParam(r, "category"))

	var req EvolveRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	override := req.apply(h.engine.Config().Evolution)
	snap, err := h.engine.EvolveCategory(r.Context(), category, override)
	respondSnapshot(w, snap, err)
}

// DecayCategory handles POST /api/categories/{category}/decay.
func (h *APIHandlers) DecayCategory(w http.ResponseWriter, r *http.Request) {
	category := types.Category(chi.URLParam(r, "category"))
	snap, err := h.engine.DecayCategory(r.Context(), category)
	respondSnapshot(w, snap, err)
}

// ListSnapshots handles GET /api/categories/{category}/snapshots.
func (h *APIHandlers) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	category := types.Category(chi.URLParam(r, "category"))
	limit := parseInt(r.URL.Query().Get("limit"), 20)

	snaps, err := h.engine.Snapshots(r.Context(), category, limit)
	if err != nil {
		respondEngineError(w, "failed to list snapshots", err)
		return
	}
	if snaps == nil {
		snaps = []*types.EvolutionSnapshot{}
	}
	respondJSON(w, http.StatusOK, snaps)
}

// ListSubcategories handles GET /api/categories/{category}/subcategories.
func (h *APIHandlers) ListSubcategories(w http.ResponseWriter, r *http.Request) {
	category := types.Category(chi.URLParam(r, "category"))

	subs, err := h.engine.Subcategories(r.Context(), category)
	if err != nil {
		respondEngineError(w, "failed to list subcategories", err)
		return
	}
	if subs == nil {
		subs = []*types.Subcategory{}
	}
	respondJSON(w, http.StatusOK, subs)
}

// RecordInteraction handles POST /api/interactions.
func (h *APIHandlers) RecordInteraction(w http.ResponseWriter, r *http.Request) {
	var req InteractionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	in := collab.Interaction{
		UserID:    req.UserID,
		ItemID:    req.ItemID,
		SessionID: req.SessionID,
		Success:   req.Success,
		Rating:    req.Rating,
	}
	if req.Timestamp != nil {
		in.Timestamp = req.Timestamp.UTC()
	}

	if err := h.engine.RecordInteraction(r.Context(), in); err != nil {
		respondEngineError(w, "failed to record interaction", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Recommend handles GET /api/users/{user}/recommendations.
func (h *APIHandlers) Recommend(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	limit := parseInt(r.URL.Query().Get("limit"), 10)

	recs, err := h.engine.Recommend(r.Context(), user, limit)
	if err != nil {
		respondEngineError(w, "failed to compute recommendations", err)
		return
	}
	respondRecommendations(w, recs)
}

// Popular handles GET /api/recommendations/popular.
func (h *APIHandlers) Popular(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 10)

	recs, err := h.engine.FallbackRecommend(r.Context(), limit)
	if err != nil {
		respondEngineError(w, "failed to compute popular items", err)
		return
	}
	respondRecommendations(w, recs)
}

// InvalidateCache handles DELETE /api/cache?scope=. An empty scope clears
// everything.
func (h *APIHandlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")

	removed, err := h.engine.InvalidateCache(r.Context(), scope)
	if err != nil {
		respondEngineError(w, "failed to invalidate cache", err)
		return
	}
	if scope == "" {
		scope = "all"
	}
	respondJSON(w, http.StatusOK, InvalidateResponse{Scope: scope, Removed: removed})
}

// CacheStats handles GET /api/cache/stats.
func (h *APIHandlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.CacheStats()
	respondJSON(w, http.StatusOK, CacheStatsResponse{Stats: stats, HitRate: stats.HitRate()})
}

func respondSnapshot(w http.ResponseWriter, snap *types.EvolutionSnapshot, err error) {
	if snap == nil {
		respondEngineError(w, "evolution failed", err)
		return
	}
	status := http.StatusOK
	switch {
	case err == nil, errors.Is(err, types.ErrInsufficientData):
	case errors.Is(err, types.ErrEvolutionBusy):
		status = http.StatusConflict
	case errors.Is(err, types.ErrEvolutionAborted):
		status = http.StatusServiceUnavailable
	default:
		log.Printf("ERROR: evolution for %s: %v", snap.Category, err)
		status = http.StatusInternalServerError
	}
	respondJSON(w, status, snap)
}

func respondRecommendations(w http.ResponseWriter, recs []types.Recommendation) {
	if recs == nil {
		recs = []types.Recommendation{}
	}
	respondJSON(w, http.StatusOK, RecommendationsResponse{Recommendations: recs, Count: len(recs)})
}

// respondEngineError maps the engine's error taxonomy onto status codes.
func respondEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, message, err)
	case errors.Is(err, types.ErrEvolutionBusy), errors.Is(err, storage.ErrConflict):
		respondError(w, http.StatusConflict, message, err)
	case errors.Is(err, types.ErrStoreUnavailable):
		respondError(w, http.StatusServiceUnavailable, message, err)
	default:
		log.Printf("ERROR: %s: %v", message, err)
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

// decodeJSON decodes a bounded request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseInt parses an integer query parameter with a default value.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent.
		log.Printf("WARNING: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}

	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}

	respondJSON(w, statusCode, errResp)
}
