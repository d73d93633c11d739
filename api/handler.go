package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/quotafence/core"
	"github.com/yourusername/quotafence/limiter"
)

// Limiter is the part of *limiter.Limiter the handlers need.
type Limiter interface {
	AcquireOnce(ctx context.Context, key string, n int64, requestID string) (core.Decision, error)
	SetRate(ctx context.Context, key string, r core.Rate) (core.BucketState, error)
	Snapshot(ctx context.Context, key string) (core.BucketState, error)
	Keys() []string
}

// Handler serves the limiter's JSON API.
type Handler struct {
	limiter Limiter
	logger  logrus.FieldLogger
}

// NewHandler creates a new API handler
func NewHandler(l Limiter, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	return &Handler{limiter: l, logger: logger}
}

// Register mounts the API routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/acquire", h.Acquire)
		r.Get("/buckets", h.ListBuckets)
		r.Get("/buckets/{key}", h.GetBucket)
		r.Put("/buckets/{key}/rate", h.SetRate)
	})
}

// Routes returns a router serving only the API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Acquire handles POST /v1/acquire
func (h *Handler) Acquire(w http.ResponseWriter, r *http.Request) {
	var req AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Key == "" {
		h.sendError(w, http.StatusBadRequest, "missing_key", "key is required")
		return
	}

	n := int64(1)
	if req.Tokens != nil {
		n = *req.Tokens
	}

	dec, err := h.limiter.AcquireOnce(r.Context(), req.Key, n, req.RequestID)
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendJSON(w, http.StatusOK, NewAcquireResponse(dec))
}

// SetRate handles PUT /v1/buckets/{key}/rate. The limit arrives in tokens per
// minute and is stored per second.
func (h *Handler) SetRate(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req SetRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	rate := core.Rate{
		Limit: core.PerMinuteToPerSecond(req.NewLimit),
		Burst: req.NewBurst,
	}
	state, err := h.limiter.SetRate(r.Context(), key, rate)
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	h.sendJSON(w, http.StatusOK, NewBucketResponse(state))
}

// GetBucket handles GET /v1/buckets/{key}
func (h *Handler) GetBucket(w http.ResponseWriter, r *http.Request) {
	state, err := h.limiter.Snapshot(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, NewBucketResponse(state))
}

// ListBuckets handles GET /v1/buckets
func (h *Handler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	keys := h.limiter.Keys()
	resp := ListResponse{Buckets: make([]BucketResponse, 0, len(keys))}
	for _, key := range keys {
		state, err := h.limiter.Snapshot(r.Context(), key)
		if err != nil {
			h.sendFailure(w, err)
			return
		}
		resp.Buckets = append(resp.Buckets, NewBucketResponse(state))
	}
	h.sendJSON(w, http.StatusOK, resp)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// sendFailure maps limiter errors to status codes.
func (h *Handler) sendFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidArgument):
		h.sendError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, limiter.ErrStopped):
		h.sendError(w, http.StatusServiceUnavailable, "stopped", "limiter is shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.sendError(w, http.StatusServiceUnavailable, "canceled", err.Error())
	default:
		h.logger.WithField("error", err).Error("api: request failed")
		h.sendError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (h *Handler) sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithField("error", err).Warn("api: encode response")
	}
}

func (h *Handler) sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.sendJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
