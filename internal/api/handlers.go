package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/service/dispatch"
	"github.com/ignite/campaign-dispatch/internal/service/health"
	"github.com/ignite/campaign-dispatch/internal/service/scheduling"
)

// WorkerStats exposes the dispatch worker pool's counters.
type WorkerStats interface {
	Stats() map[string]int64
}

// Handlers holds the services the HTTP layer fronts.
type Handlers struct {
	db         *sql.DB
	redis      *redis.Client
	scheduler  *scheduling.Service
	dispatcher *dispatch.Service
	health     *health.Service
	workers    WorkerStats
	startTime  time.Time
}

// NewHandlers creates the handler set. workers may be nil on nodes that only
// serve the API.
func NewHandlers(db *sql.DB, redisClient *redis.Client, scheduler *scheduling.Service, dispatcher *dispatch.Service, healthSvc *health.Service, workers WorkerStats) *Handlers {
	return &Handlers{
		db:         db,
		redis:      redisClient,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		health:     healthSvc,
		workers:    workers,
		startTime:  time.Now(),
	}
}

// HealthCheck reports process liveness plus backing-store reachability.
//
//	GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}

	status := "healthy"
	if err := h.db.PingContext(r.Context()); err != nil {
		checks["postgres"] = "down"
		status = "unhealthy"
	} else {
		checks["postgres"] = "up"
	}
	if err := h.redis.Ping(r.Context()).Err(); err != nil {
		checks["redis"] = "down"
		status = "unhealthy"
	} else {
		checks["redis"] = "up"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
		"checks": checks,
	})
}

// scheduleRequest is the POST body for the schedule endpoint. All fields are
// optional; zero values take the scheduler's defaults.
type scheduleRequest struct {
	BatchSize     int `json:"batch_size"`
	MinBatchSize  int `json:"min_batch_size"`
	MaxRecipients int `json:"max_recipients"`
}

// ScheduleCampaign materializes a campaign into batches and dispatch jobs.
//
//	POST /api/campaigns/{id}/schedule
func (h *Handlers) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	var req scheduleRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := h.scheduler.Schedule(r.Context(), campaignID, scheduling.Options{
		BatchSize:     req.BatchSize,
		MinBatchSize:  req.MinBatchSize,
		MaxRecipients: req.MaxRecipients,
	})
	if err != nil {
		switch {
		case errors.Is(err, scheduling.ErrCampaignNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, scheduling.ErrNotSchedulable), errors.Is(err, scheduling.ErrNoRecipients):
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, scheduling.ErrScheduleInFlight):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// dispatchRequest is the POST body for the manual dispatch endpoint.
type dispatchRequest struct {
	Limit       int `json:"limit"`
	MaxAttempts int `json:"max_attempts"`
}

// DispatchBatch runs one dispatch cycle for a batch. Normally the worker
// drives this through the job queue; the endpoint exists for operator
// retries and debugging.
//
//	POST /api/batches/{id}/dispatch
func (h *Handlers) DispatchBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	var req dispatchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := h.dispatcher.DispatchBatch(r.Context(), batchID, dispatch.Options{
		Limit:       req.Limit,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrBatchNotFound), errors.Is(err, dispatch.ErrCampaignNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, dispatch.ErrNoAccount), errors.Is(err, dispatch.ErrNoContent):
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// HealthSummary returns the per-account health snapshots.
//
//	GET /api/email/health
func (h *Handlers) HealthSummary(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.health.Summarize(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"accounts": summaries})
}

// HealthAlerts evaluates alert thresholds, overridable per request.
//
//	GET /api/email/health/alerts?imap_lag=60&hourly_ratio=0.9&pending_batches=50&pending_jobs=25
func (h *Handlers) HealthAlerts(w http.ResponseWriter, r *http.Request) {
	thresholds := health.Thresholds{
		IMAPLagMinutes:  intQuery(r, "imap_lag"),
		HourlyRatio:     floatQuery(r, "hourly_ratio"),
		PendingBatches:  intQuery(r, "pending_batches"),
		PendingJobDepth: intQuery(r, "pending_jobs"),
	}

	alerts, err := h.health.DetectAlerts(r.Context(), thresholds)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []health.Alert{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// GetWorkerStats returns dispatch worker counters.
//
//	GET /api/workers/stats
func (h *Handlers) GetWorkerStats(w http.ResponseWriter, r *http.Request) {
	if h.workers == nil {
		respondError(w, http.StatusNotFound, "no worker pool on this node")
		return
	}
	respondJSON(w, http.StatusOK, h.workers.Stats())
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func intQuery(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(key))
	return v
}

func floatQuery(r *http.Request, key string) float64 {
	v, _ := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	return v
}
