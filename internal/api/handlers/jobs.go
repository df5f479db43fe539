package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	apierrors "github.com/narvanalabs/gpuconnect/internal/api/errors"
	"github.com/narvanalabs/gpuconnect/internal/api/middleware"
	"github.com/narvanalabs/gpuconnect/internal/cache"
	"github.com/narvanalabs/gpuconnect/internal/ledger"
	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/store"
)

// Submitter debits a user and creates a PENDING job.
type Submitter interface {
	Submit(ctx context.Context, owner, capability string, payload json.RawMessage) (*models.Job, error)
}

// Trigger nudges the matchmaker after a submission.
type Trigger interface {
	Trigger()
}

// JobHandler handles job submission and lookup.
type JobHandler struct {
	submitter Submitter
	jobs      store.JobStore
	matcher   Trigger
	cache     cache.Cache
	cacheTTL  time.Duration
	logger    *slog.Logger
}

// NewJobHandler creates a new job handler. c may be nil.
func NewJobHandler(submitter Submitter, jobs store.JobStore, matcher Trigger, c cache.Cache, cacheTTL time.Duration, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		submitter: submitter,
		jobs:      jobs,
		matcher:   matcher,
		cache:     c,
		cacheTTL:  cacheTTL,
		logger:    logger,
	}
}

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	Capability string          `json:"capability"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Create handles POST /v1/jobs - debits the tariff and queues a job.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req CreateJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}

	job, err := h.submitter.Submit(r.Context(), userID, req.Capability, req.Payload)
	switch {
	case errors.Is(err, ledger.ErrInvalidSubmission):
		WriteBadRequest(w, r, "capability is required")
		return
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, r, apierrors.NewInsufficientFundsError("Balance is below the job tariff"))
		return
	case err != nil:
		h.logger.Error("failed to submit job", "user_id", userID, "error", err)
		WriteInternalError(w, r, "Failed to submit job")
		return
	}

	if h.matcher != nil {
		h.matcher.Trigger()
	}
	WriteJSON(w, http.StatusCreated, job)
}

// Get handles GET /v1/jobs/{jobID}. Jobs of other users are reported as not found.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	jobID := chi.URLParam(r, "jobID")

	job, err := h.lookup(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.OwnerID != userID) {
		WriteNotFound(w, r, "Job not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", "job_id", jobID, "error", err)
		WriteInternalError(w, r, "Failed to get job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// lookup serves settled jobs from the cache and everything else from the store.
func (h *JobHandler) lookup(ctx context.Context, jobID string) (*models.Job, error) {
	if h.cache != nil {
		data, ok, err := h.cache.Get(ctx, cache.JobKey(jobID))
		if err != nil {
			h.logger.Warn("job cache read failed", "job_id", jobID, "error", err)
		} else if ok {
			var job models.Job
			if err := json.Unmarshal(data, &job); err == nil {
				return &job, nil
			}
		}
	}

	job, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if h.cache != nil && job.Status.IsTerminal() {
		if data, err := json.Marshal(job); err == nil {
			if err := h.cache.Set(ctx, cache.JobKey(jobID), data, h.cacheTTL); err != nil {
				h.logger.Warn("job cache write failed", "job_id", jobID, "error", err)
			}
		}
	}
	return job, nil
}
