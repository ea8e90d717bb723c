package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/breaker"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/telemetry"
	"github.com/ramiqadoumi/go-job-orchestrator/services/coordinator/middleware"
	"github.com/ramiqadoumi/go-job-orchestrator/services/scheduler"
)

// TriggerStore is the admin view of scheduler triggers.
type TriggerStore interface {
	Create(ctx context.Context, t *domain.Trigger) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.Trigger, error)
}

// API is the coordinator's admin REST surface.
type API struct {
	engine   *Engine
	triggers TriggerStore // nil disables /triggers
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAPI creates the REST handler.
func NewAPI(engine *Engine, triggers TriggerStore, logger *slog.Logger) *API {
	return &API{engine: engine, triggers: triggers, validate: validator.New(), logger: logger}
}

// Handler returns the chi router with middleware applied.
func (h *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(h.logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", h.SubmitJob)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)
		r.Post("/jobs/{id}/cancel", h.CancelJob)
		r.Get("/jobs/{id}/progress", h.GetProgress)
		r.Get("/workers", h.ListWorkers)
		r.Get("/breakers", h.ListBreakers)
		if h.triggers != nil {
			r.Get("/triggers", h.ListTriggers)
			r.Post("/triggers", h.CreateTrigger)
			r.Delete("/triggers/{id}", h.DeleteTrigger)
		}
	})
	return r
}

// SubmitJobRequest is the JSON body for POST /api/v1/jobs.
type SubmitJobRequest struct {
	Type           string          `json:"type" validate:"required"`
	WorkflowID     string          `json:"workflow_id"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority" validate:"gte=0,lte=20"`
	MaxAttempts    int             `json:"max_attempts" validate:"gte=0"`
	TimeoutSeconds int             `json:"timeout_seconds" validate:"gte=0"`
	IdempotencyKey string          `json:"idempotency_key"`
	VisibleAfter   *time.Time      `json:"visible_after,omitempty"`
}

// JobResponse renders a job. JSON payloads are inlined.
type JobResponse struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	WorkflowID     string          `json:"workflow_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       int             `json:"priority"`
	Status         domain.Status   `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	VisibleAfter   time.Time       `json:"visible_after"`
	LastError      string          `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

func toJobResponse(j *domain.Job) JobResponse {
	return JobResponse{
		ID:             j.ID,
		Type:           j.Type,
		WorkflowID:     j.WorkflowID,
		Payload:        rawJSON(j.Payload),
		Priority:       j.Priority,
		Status:         j.Status,
		AttemptCount:   j.AttemptCount,
		MaxAttempts:    j.MaxAttempts,
		TimeoutSeconds: j.TimeoutSeconds,
		IdempotencyKey: j.IdempotencyKey,
		ClaimedBy:      j.Owner(),
		LeaseExpiresAt: j.LeaseExpiresAt,
		VisibleAfter:   j.VisibleAfter,
		LastError:      j.LastError,
		Result:         rawJSON(j.Result),
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
}

// rawJSON inlines b when it is JSON and quotes it as a string otherwise.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

// SubmitJob handles POST /api/v1/jobs. 201 for a new job, 200 when the
// idempotency key matched an existing one.
func (h *API) SubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer("coordinator").Start(r.Context(), "coordinator.submit_job")
	defer span.End()

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := &domain.Job{
		ID:             uuid.NewString(),
		Type:           req.Type,
		WorkflowID:     req.WorkflowID,
		Payload:        req.Payload,
		Priority:       req.Priority,
		MaxAttempts:    req.MaxAttempts,
		TimeoutSeconds: req.TimeoutSeconds,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.VisibleAfter != nil {
		job.VisibleAfter = req.VisibleAfter.UTC()
	}
	span.SetAttributes(attribute.String("job.type", req.Type))

	stored, err := h.engine.Queue().Enqueue(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		if domain.IsPermanent(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("enqueue failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	span.SetAttributes(attribute.String("job.id", stored.ID))

	status := http.StatusCreated
	if stored.ID != job.ID {
		status = http.StatusOK
	} else {
		h.logger.Info("job submitted",
			slog.String("job_id", stored.ID),
			slog.String("type", stored.Type),
			slog.Int("priority", stored.Priority),
		)
	}
	writeJSON(w, status, toJobResponse(stored))
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *API) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.Queue().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// ListJobs handles GET /api/v1/jobs?status=DEAD_LETTER&limit=50.
func (h *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := domain.Status(strings.ToUpper(r.URL.Query().Get("status")))
	if status == "" {
		status = domain.StatusPending
	}
	switch status {
	case domain.StatusPending, domain.StatusClaimed, domain.StatusRunning, domain.StatusCompleted,
		domain.StatusFailed, domain.StatusDeadLetter, domain.StatusCancelled:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}

	jobs, err := h.engine.Queue().List(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("list jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make([]JobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = toJobResponse(j)
	}
	writeJSON(w, http.StatusOK, out)
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel. 409 when already terminal.
func (h *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}

	job, ok, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, toJobResponse(job))
		return
	}
	h.logger.Info("job cancelled", slog.String("job_id", job.ID), slog.String("reason", body.Reason))
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// GetProgress handles GET /api/v1/jobs/{id}/progress.
func (h *API) GetProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListWorkers handles GET /api/v1/workers.
func (h *API) ListWorkers(w http.ResponseWriter, _ *http.Request) {
	type workerResponse struct {
		ID            string              `json:"id"`
		Status        domain.WorkerStatus `json:"status"`
		Capacity      int                 `json:"capacity"`
		Load          int                 `json:"load"`
		LastHeartbeat time.Time           `json:"last_heartbeat"`
		CurrentJobIDs []string            `json:"current_job_ids"`
		Breaker       breaker.State       `json:"breaker"`
	}
	workers := h.engine.Registry().List()
	out := make([]workerResponse, len(workers))
	for i, wk := range workers {
		ids := make([]string, 0, len(wk.CurrentJobIDs))
		for id := range wk.CurrentJobIDs {
			ids = append(ids, id)
		}
		out[i] = workerResponse{
			ID:            wk.ID,
			Status:        wk.Status,
			Capacity:      wk.Capacity,
			Load:          wk.Load(),
			LastHeartbeat: wk.LastHeartbeat,
			CurrentJobIDs: ids,
			Breaker:       h.engine.Breakers().Get(wk.ID).State(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ListBreakers handles GET /api/v1/breakers.
func (h *API) ListBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Breakers().Snapshots())
}

// CreateTriggerRequest is the JSON body for POST /api/v1/triggers.
type CreateTriggerRequest struct {
	Name           string          `json:"name" validate:"required"`
	CronExpr       string          `json:"cron_expr" validate:"required"`
	Timezone       string          `json:"timezone"`
	JobType        string          `json:"job_type" validate:"required"`
	WorkflowID     string          `json:"workflow_id"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority" validate:"gte=0,lte=20"`
	MaxAttempts    int             `json:"max_attempts" validate:"gte=0"`
	TimeoutSeconds int             `json:"timeout_seconds" validate:"gte=0"`
	Enabled        *bool           `json:"enabled"`
}

// CreateTrigger handles POST /api/v1/triggers.
func (h *API) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req CreateTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t := &domain.Trigger{
		Name:           req.Name,
		CronExpr:       req.CronExpr,
		Timezone:       req.Timezone,
		JobType:        req.JobType,
		WorkflowID:     req.WorkflowID,
		Payload:        req.Payload,
		Priority:       req.Priority,
		MaxAttempts:    req.MaxAttempts,
		TimeoutSeconds: req.TimeoutSeconds,
		Enabled:        req.Enabled == nil || *req.Enabled,
	}
	if err := scheduler.ValidateTrigger(t); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.triggers.Create(r.Context(), t); err != nil {
		h.logger.Error("create trigger", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create trigger")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListTriggers handles GET /api/v1/triggers.
func (h *API) ListTriggers(w http.ResponseWriter, r *http.Request) {
	ts, err := h.triggers.List(r.Context())
	if err != nil {
		h.logger.Error("list triggers", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list triggers")
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// DeleteTrigger handles DELETE /api/v1/triggers/{id}.
func (h *API) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	err := h.triggers.Delete(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrTriggerNotFound) {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}
	if err != nil {
		h.logger.Error("delete trigger", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to delete trigger")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *API) writeLookupError(w http.ResponseWriter, err error) {
	var notFound *domain.JobNotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	h.logger.Error("job lookup", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
