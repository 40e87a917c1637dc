package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/davidarakelyan/stt-pipeline/internal/job"
	"github.com/davidarakelyan/stt-pipeline/internal/orchestrator"
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	orch      *orchestrator.Orchestrator
	validator *validator.Validate
	logger    *slog.Logger
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// NewHandlers creates a new Handlers instance.
func NewHandlers(orch *orchestrator.Orchestrator, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		orch:      orch,
		validator: validator.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateJob handles POST /jobs requests.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	input := orchestrator.CreateJobInput{
		Language:             req.Language,
		AdditionalLanguages:  req.AdditionalLanguages,
		DiarizationEnabled:   req.DiarizationEnabled,
		MinSpeakers:          req.MinSpeakers,
		MaxSpeakers:          req.MaxSpeakers,
		TimestampGranularity: req.TimestampGranularity,
		IncludeConfidence:    req.IncludeConfidence,
		Prompt:               req.Prompt,
		Domain:               req.Domain,
		CustomVocabulary:     req.CustomVocabulary,
		Provider:             req.Provider,
		WebhookURL:           req.WebhookURL,
		Filename:             req.Filename,
		SizeBytes:            req.SizeBytes,
	}

	jobID, err := h.orch.Create(r.Context(), input)
	if err != nil {
		h.logger.Error("failed to create job", slog.String("error", err.Error()))
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "JOB_CREATION_FAILED")
		return
	}

	h.logger.Info("job created", slog.String("job_id", jobID), slog.String("provider", req.Provider))

	writeJSON(w, http.StatusAccepted, CreateJobResponse{ID: jobID, Status: string(job.StatusPending)})
}

// UploadAudio handles POST /jobs/{id}/audio requests. The body is the raw
// audio bytes; the filename arrives via the X-Filename header.
func (h *Handlers) UploadAudio(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", "INVALID_BODY")
		return
	}

	filename := r.Header.Get("X-Filename")
	if filename == "" {
		filename = jobID
	}

	if err := h.orch.UploadAudio(r.Context(), jobID, data, filename); err != nil {
		h.writeDomainError(w, jobID, "upload", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(job.StatusUploaded)})
}

// SubmitJob handles POST /jobs/{id}/submit requests.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	if err := h.orch.Submit(r.Context(), jobID); err != nil {
		h.writeDomainError(w, jobID, "submit", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(job.StatusProcessing)})
}

// GetStatus handles GET /jobs/{id} requests.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	progress, err := h.orch.GetProgress(r.Context(), jobID)
	if err != nil {
		h.writeDomainError(w, jobID, "get status", err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		ID:              jobID,
		Status:          string(progress.Status),
		TotalChunks:     progress.TotalChunks,
		CompletedChunks: progress.CompletedChunks,
	})
}

// GetResult handles GET /jobs/{id}/result requests.
func (h *Handlers) GetResult(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	status, err := h.orch.GetStatus(r.Context(), jobID)
	if err != nil {
		h.writeDomainError(w, jobID, "get result", err)
		return
	}
	if status != job.StatusCompleted {
		writeError(w, http.StatusConflict, "job is not completed yet", "JOB_NOT_COMPLETED")
		return
	}

	result, err := h.orch.GetResult(r.Context(), jobID)
	if err != nil {
		h.writeDomainError(w, jobID, "get result", err)
		return
	}

	writeJSON(w, http.StatusOK, ResultResponse{
		ID:             jobID,
		Status:         string(status),
		ResultKey:      result.Key,
		SummaryPreview: result.SummaryPreview,
	})
}

// RetryJob handles POST /jobs/{id}/retry requests.
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	if err := h.orch.Retry(r.Context(), jobID); err != nil {
		h.writeDomainError(w, jobID, "retry", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(job.StatusProcessing)})
}

// CancelJob handles POST /jobs/{id}/cancel requests.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	if err := h.orch.Cancel(r.Context(), jobID); err != nil {
		h.writeDomainError(w, jobID, "cancel", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(job.StatusCancelled)})
}

// DeleteJob handles DELETE /jobs/{id} requests.
func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	if err := h.orch.Delete(r.Context(), jobID); err != nil {
		h.writeDomainError(w, jobID, "delete", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeDomainError maps orchestrator errors to HTTP status codes.
func (h *Handlers) writeDomainError(w http.ResponseWriter, jobID, op string, err error) {
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, orchestrator.ErrIllegalState):
		writeError(w, http.StatusConflict, err.Error(), "ILLEGAL_STATE")
	default:
		h.logger.Error("operation failed", slog.String("op", op), slog.String("job_id", jobID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
