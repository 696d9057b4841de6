package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
	"offline-sync-service/internal/syncerr"
)

type Handler struct {
	syncManager *sync.Manager
	cfg         config.ServerConfig
}

func NewHandler(manager *sync.Manager, cfg config.ServerConfig) *Handler {
	return &Handler{
		syncManager: manager,
		cfg:         cfg,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.cfg.CorsOrigins))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", h.syncManager.PrometheusMetrics().Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.cfg.JWTSecret))

		r.Post("/operations", h.SubmitOperation)

		r.Get("/sync/metrics", h.GetMetrics)
		r.Get("/sync/health", h.GetHealth)
		r.Post("/sync/offline", h.GoOffline)
		r.Post("/sync/online", h.GoOnline)
		r.Post("/sync/retry", h.ProcessRetries)

		r.Get("/events", h.ListEvents)
		r.Get("/stores", h.ListStores)
		r.Get("/history", h.ListHistory)

		r.Get("/reviews", h.ListReviews)
		r.Post("/reviews/{id}/resolve", h.ResolveReview)
		r.Put("/strategies/{store}", h.SetStrategy)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": h.syncManager.GetStatus(),
		"online": h.syncManager.IsOnline(),
	})
}

func (h *Handler) SubmitOperation(w http.ResponseWriter, r *http.Request) {
	var op queue.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.syncManager.SubmitOperation(r.Context(), op)
	if err != nil {
		if syncerr.IsPermanent(err) {
			writeJSON(w, http.StatusUnprocessableEntity, res)
			return
		}
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if res.Status != string(queue.StatusSucceeded) {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.Metrics())
}

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	report := h.syncManager.Health()
	status := http.StatusOK
	if report.Status == sync.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (h *Handler) GoOffline(w http.ResponseWriter, r *http.Request) {
	if _, err := h.syncManager.Override(r.Context(), false); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": false})
}

func (h *Handler) GoOnline(w http.ResponseWriter, r *http.Request) {
	report, err := h.syncManager.Override(r.Context(), true)
	resp := map[string]any{"online": h.syncManager.IsOnline(), "report": report}
	if err != nil {
		if errors.Is(err, syncerr.ErrShutdown) {
			writeErr(w, err)
			return
		}
		// The engine is online even when some stores failed.
		resp["errors"] = errorList(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ProcessRetries(w http.ResponseWriter, r *http.Request) {
	sum, err := h.syncManager.ProcessRetryQueue(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.Events())
}

func (h *Handler) ListStores(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.Stores())
}

func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	hist, err := h.syncManager.History(r.Context(), limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *Handler) ListReviews(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	resolved := r.URL.Query().Get("resolved") == "true"
	reviews, err := h.syncManager.ListReviews(r.Context(), resolved, limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reviews)
}

type resolveRequest struct {
	Choice string `json:"choice"`
	Value  any    `json:"value"`
}

func (h *Handler) ResolveReview(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.syncManager.ResolveReview(r.Context(), id, req.Choice, req.Value); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
}

type strategyRequest struct {
	Strategy string `json:"strategy"`
}

func (h *Handler) SetStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	storeName := chi.URLParam(r, "store")
	if err := h.syncManager.SetStrategy(storeName, req.Strategy); err != nil {
		if errors.Is(err, syncerr.ErrUnknownStore) {
			writeErr(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"store": storeName, "strategy": req.Strategy})
}

const defaultPageSize = 50

func paging(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func statusFor(err error) int {
	switch {
	case syncerr.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, syncerr.ErrUnknownStore), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrReviewResolved):
		return http.StatusConflict
	case errors.Is(err, syncerr.ErrNotSyncable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, syncerr.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Log.Error("Request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to encode response", zap.Error(err))
	}
}
