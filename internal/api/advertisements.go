package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	storeTimeout     = 5 * time.Second
)

// AdvertisementHandler exposes read-only advertisement endpoints.
type AdvertisementHandler struct {
	store   Reader
	timeout time.Duration
	logger  *zap.Logger
}

// NewAdvertisementHandler wires the store and logger.
func NewAdvertisementHandler(store Reader, logger *zap.Logger) *AdvertisementHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdvertisementHandler{store: store, timeout: storeTimeout, logger: logger}
}

// Stats handles GET /v1/stats.
func (h *AdvertisementHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		h.logger.Error("stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// List handles GET /v1/advertisements?min_id=&max_id=&after=&limit=. Results
// are ordered by id; next_after is set when another page may follow.
func (h *AdvertisementHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rng := crawler.Range{}
	var after int64
	var err error
	for _, p := range []struct {
		name string
		dst  *int64
	}{{"min_id", &rng.Min}, {"max_id", &rng.Max}, {"after", &after}} {
		if *p.dst, err = parseID(q.Get(p.name), true); err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+p.name)
			return
		}
	}
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(limit, maxListLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ads, err := h.store.GetBatch(ctx, rng, after, limit)
	if err != nil {
		h.logger.Error("list advertisements failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list advertisements")
		return
	}
	resp := map[string]any{"advertisements": ads}
	if len(ads) == limit {
		resp["next_after"] = ads[len(ads)-1].ID
	}
	if ads == nil {
		resp["advertisements"] = []crawler.Advertisement{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /v1/advertisements/{id}. The response carries the matched
// keyword titles alongside the advertisement.
func (h *AdvertisementHandler) Get(w http.ResponseWriter, r *http.Request) {
	ad, ok := h.load(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	keywords, err := h.store.MatchedKeywords(ctx, ad.ID)
	if err != nil {
		h.logger.Error("matched keywords failed", zap.Int64("id", ad.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load keywords")
		return
	}
	if keywords == nil {
		keywords = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"advertisement": ad, "keywords": keywords})
}

// Body handles GET /v1/advertisements/{id}/body and returns the raw document.
func (h *AdvertisementHandler) Body(w http.ResponseWriter, r *http.Request) {
	ad, ok := h.load(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(ad.HTMLBody)); err != nil {
		h.logger.Debug("write body failed", zap.Int64("id", ad.ID), zap.Error(err))
	}
}

// Classification handles GET /v1/advertisements/{id}/classification.
func (h *AdvertisementHandler) Classification(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	labels, err := h.store.Classification(ctx, id)
	if err != nil {
		h.logger.Error("classification failed", zap.Int64("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load classification")
		return
	}
	if len(labels) == 0 {
		writeError(w, http.StatusNotFound, "advertisement not classified")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "labels": labels})
}

func (h *AdvertisementHandler) load(w http.ResponseWriter, r *http.Request) (crawler.Advertisement, bool) {
	id, err := parseID(chi.URLParam(r, "id"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return crawler.Advertisement{}, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ad, err := h.store.Get(ctx, id)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "advertisement not found")
		return crawler.Advertisement{}, false
	case err != nil:
		h.logger.Error("get advertisement failed", zap.Int64("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load advertisement")
		return crawler.Advertisement{}, false
	}
	return ad, true
}

// parseID reads a positive id. An empty value is zero when optional.
func parseID(raw string, optional bool) (int64, error) {
	if raw == "" && optional {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 || (id == 0 && !optional) {
		return 0, errors.New("invalid id")
	}
	return id, nil
}
