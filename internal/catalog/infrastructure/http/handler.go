package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/pageturn/bookstore/internal/catalog/domain"
	catalogpg "github.com/pageturn/bookstore/internal/catalog/infrastructure/postgres"
)

type Handler struct {
	log    *slog.Logger
	store  *catalogpg.Store
	tracer trace.Tracer
}

func NewHandler(log *slog.Logger, store *catalogpg.Store) *Handler {
	return &Handler{log: log, store: store, tracer: otel.Tracer("catalog-http")}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/variants", h.listVariants)
	r.Get("/variants/{variantID}", h.getVariant)
	return r
}

type variantResp struct {
	ID         string        `json:"id"`
	SKU        string        `json:"sku"`
	Title      string        `json:"title"`
	Format     domain.Format `json:"format"`
	PriceCents int64         `json:"price_cents"`
	// Available is omitted for digital formats, which never run out.
	Available *int `json:"available,omitempty"`
}

func toResp(v domain.Variant) variantResp {
	resp := variantResp{
		ID:         v.ID,
		SKU:        v.SKU,
		Title:      v.Title,
		Format:     v.Format,
		PriceCents: v.PriceCents,
	}
	if v.Format.IsPhysical() {
		available := v.Available()
		resp.Available = &available
	}
	return resp
}

func (h *Handler) getVariant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetVariant")
	defer span.End()

	v, err := h.store.FindVariant(ctx, chi.URLParam(r, "variantID"))
	if errors.Is(err, catalogpg.ErrVariantNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "variant not found"})
		return
	}
	if err != nil {
		h.log.Error("variant lookup failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, toResp(v))
}

func (h *Handler) listVariants(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListVariants")
	defer span.End()

	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)

	variants, err := h.store.ListVariants(ctx, limit, offset)
	if err != nil {
		h.log.Error("variant list failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	out := make([]variantResp, 0, len(variants))
	for _, v := range variants {
		out = append(out, toResp(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"variants": out})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
