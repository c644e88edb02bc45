package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"genforge/internal/domain"
	"genforge/internal/middleware"
	"genforge/internal/orchestrator"
)

type submitJobRequest struct {
	Kind    string          `json:"kind"`
	Prompt  string          `json:"prompt"`
	Options json.RawMessage `json:"options"`
}

type jobResponse struct {
	JobID           string          `json:"job_id"`
	Kind            string          `json:"kind"`
	Status          string          `json:"status"`
	Progress        int             `json:"progress"`
	Provider        string          `json:"provider,omitempty"`
	OutputData      json.RawMessage `json:"output_data,omitempty"`
	Error           string          `json:"error,omitempty"`
	Degraded        bool            `json:"degraded,omitempty"`
	CreditsReserved int64           `json:"credits_reserved"`
	CreditsSettled  int64           `json:"credits_settled"`
	CreatedAt       string          `json:"created_at"`
}

func toJobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		JobID:           job.ID,
		Kind:            string(job.Kind),
		Status:          string(job.Status),
		Progress:        job.Progress,
		Provider:        job.Provider,
		OutputData:      job.OutputData,
		Error:           job.ErrorMessage,
		Degraded:        job.Degraded,
		CreditsReserved: job.CreditsReserved,
		CreditsSettled:  job.CreditsSettled,
		CreatedAt:       job.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	job, err := a.Orchestrator.Submit(r.Context(), orchestrator.SubmitRequest{
		Kind:    domain.JobKind(req.Kind),
		UserID:  middleware.UserIDFromContext(r.Context()),
		Prompt:  req.Prompt,
		Options: req.Options,
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, "bad_request", domain.UserMessage(err))
		return
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, http.StatusPaymentRequired, "insufficient_credits", domain.UserMessage(err))
		return
	default:
		a.Logger.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Msg("submit job")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue job")
		return
	}

	a.json(w, http.StatusAccepted, toJobResponse(job))
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).
			Str("job_id", jobID).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Msg("get job")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	a.json(w, http.StatusOK, toJobResponse(job))
}

func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	jobs, err := a.Store.ListByUser(r.Context(), userID, limit)
	if err != nil {
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("list jobs")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, toJobResponse(&jobs[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": out})
}
