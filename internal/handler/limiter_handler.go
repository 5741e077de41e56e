package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"quota-service/internal/limiter"
	"quota-service/internal/models"
	"quota-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

// LimiterHandler exposes acquisition and inspection over HTTP
type LimiterHandler struct {
	limiter *limiter.Limiter
	logger  *zap.Logger
}

func NewLimiterHandler(l *limiter.Limiter, logger *zap.Logger) *LimiterHandler {
	return &LimiterHandler{
		limiter: l,
		logger:  logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

type AcquireRequest struct {
	EntityID      string               `json:"entity_id"`
	Resource      string               `json:"resource"`
	Consume       map[string]int64     `json:"consume"`
	Limits        []models.Limit       `json:"limits,omitempty"`
	OnUnavailable models.OnUnavailable `json:"on_unavailable,omitempty"`
}

type AcquireResponse struct {
	LeaseID   string               `json:"lease_id"`
	Untracked bool                 `json:"untracked,omitempty"`
	Statuses  []models.LimitStatus `json:"statuses"`
}

// ExceededResponse is the body of a 429.
type ExceededResponse struct {
	RetryAfterSeconds float64              `json:"retry_after_seconds"`
	Statuses          []models.LimitStatus `json:"statuses"`
}

type WaitRequest struct {
	Needed map[string]int64 `json:"needed"`
	Limits []models.Limit   `json:"limits,omitempty"`
}

type WaitResponse struct {
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
}

// RegisterRoutes registers all limiter routes
func (h *LimiterHandler) RegisterRoutes(router chi.Router) {
	router.Post("/acquire", h.Acquire)
	router.Route("/entities/{entityID}/resources/{resource}", func(r chi.Router) {
		r.Get("/available", h.Available)
		r.Post("/wait", h.TimeUntilAvailable)
	})
}

// Acquire checks and consumes in one step: the lease is committed before
// the response is written.
func (h *LimiterHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	var opts []limiter.AcquireOption
	if len(req.Limits) > 0 {
		opts = append(opts, limiter.WithLimits(req.Limits...))
	}
	if req.OnUnavailable != "" {
		opts = append(opts, limiter.WithOnUnavailable(req.OnUnavailable))
	}

	lease, err := h.limiter.Acquire(ctx, req.EntityID, req.Resource, req.Consume, opts...)
	if err == nil {
		err = lease.Commit(ctx)
	}
	if err != nil {
		h.respondWithLimiterError(w, err, "Acquire failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(AcquireResponse{
		LeaseID:   lease.ID(),
		Untracked: lease.Untracked(),
		Statuses:  lease.Statuses(),
	}, "Acquired"))
	h.logger.Debug("Acquired via HTTP",
		util.EntityID(req.EntityID),
		util.Resource(req.Resource),
		util.String("lease_id", lease.ID()),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Available reports the whole tokens each limit holds right now
func (h *LimiterHandler) Available(w http.ResponseWriter, r *http.Request) {
	entityID, resource, err := pathPair(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid path")
		return
	}

	available, err := h.limiter.Available(r.Context(), entityID, resource)
	if err != nil {
		h.respondWithLimiterError(w, err, "Failed to read availability")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(available, ""))
}

// TimeUntilAvailable reports how long until the requested amounts could be acquired
func (h *LimiterHandler) TimeUntilAvailable(w http.ResponseWriter, r *http.Request) {
	entityID, resource, err := pathPair(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid path")
		return
	}

	var req WaitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	var opts []limiter.AcquireOption
	if len(req.Limits) > 0 {
		opts = append(opts, limiter.WithLimits(req.Limits...))
	}
	wait, err := h.limiter.TimeUntilAvailable(r.Context(), entityID, resource, req.Needed, opts...)
	if err != nil {
		h.respondWithLimiterError(w, err, "Failed to compute wait")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(WaitResponse{RetryAfterSeconds: wait}, ""))
}

// HealthCheck reports whether the store answers in time
func (h *LimiterHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.IsAvailable(r.Context(), healthTimeout) {
		h.respondWithError(w, http.StatusServiceUnavailable, limiter.ErrBackendUnavailable, "Service unhealthy")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(h.limiter.CacheStats(), "Service is healthy"))
}

// Helper Methods

// pathPair unescapes the path parameters; resources may contain encoded slashes.
func pathPair(r *http.Request) (string, string, error) {
	entityID, err := url.PathUnescape(chi.URLParam(r, "entityID"))
	if err != nil {
		return "", "", err
	}
	resource, err := url.PathUnescape(chi.URLParam(r, "resource"))
	if err != nil {
		return "", "", err
	}
	return entityID, resource, nil
}

func (h *LimiterHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *LimiterHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// respondWithLimiterError maps limiter errors to status codes. A rate limit
// carries Retry-After and every checked status.
func (h *LimiterHandler) respondWithLimiterError(w http.ResponseWriter, err error, message string) {
	var exceeded *limiter.RateLimitExceededError
	if errors.As(err, &exceeded) {
		for _, st := range exceeded.Statuses {
			if !st.Exceeded {
				continue
			}
			h.logger.Info("Rate limit exceeded",
				util.EntityID(st.EntityID),
				util.Resource(st.Resource),
				util.LimitName(st.LimitName),
				util.Int64("requested", st.Requested),
				util.Int64("available", st.Available),
				util.Float64("retry_after_seconds", st.RetryAfterSeconds),
			)
		}
		w.Header().Set("Retry-After", strconv.Itoa(exceeded.RetryAfterHeader()))
		h.respondWithJSON(w, http.StatusTooManyRequests, Response{
			Success: false,
			Error:   exceeded.Error(),
			Data: ExceededResponse{
				RetryAfterSeconds: exceeded.RetryAfterSeconds,
				Statuses:          exceeded.Statuses,
			},
		})
		return
	}
	h.respondWithError(w, statusCode(err), err, message)
}

// statusCode determines the appropriate HTTP status code for an error
func statusCode(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, limiter.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, limiter.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, limiter.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
