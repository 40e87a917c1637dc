// Package server provides the HTTP adapter over internal/orchestrator.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

// CreateJobRequest is the HTTP request body for POST /jobs.
type CreateJobRequest struct {
	Language             string   `json:"language" validate:"required,bcp47_language_tag"`
	AdditionalLanguages  []string `json:"additional_languages,omitempty" validate:"dive,bcp47_language_tag"`
	DiarizationEnabled   bool     `json:"diarization_enabled"`
	MinSpeakers          int      `json:"min_speakers,omitempty" validate:"gte=0"`
	MaxSpeakers          int      `json:"max_speakers,omitempty" validate:"gte=0"`
	TimestampGranularity string   `json:"timestamp_granularity,omitempty" validate:"omitempty,oneof=segment word"`
	IncludeConfidence    bool     `json:"include_confidence"`
	Prompt               string   `json:"prompt,omitempty"`
	Domain               string   `json:"domain,omitempty"`
	CustomVocabulary     []string `json:"custom_vocabulary,omitempty"`
	Provider             string   `json:"provider" validate:"required"`
	WebhookURL           string   `json:"webhook_url,omitempty" validate:"omitempty,url"`
	Filename             string   `json:"filename" validate:"required"`
	SizeBytes            int64    `json:"size_bytes" validate:"required,gt=0"`
}

// CreateJobResponse is the HTTP response after creating a job.
type CreateJobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StatusResponse is the HTTP response for GET /jobs/{id}.
type StatusResponse struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	TotalChunks     int    `json:"total_chunks"`
	CompletedChunks int    `json:"completed_chunks"`
	Error           string `json:"error,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
}

// ResultResponse is the HTTP response for GET /jobs/{id}/result.
type ResultResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	ResultKey      string `json:"result_key,omitempty"`
	SummaryPreview string `json:"summary_preview,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}
