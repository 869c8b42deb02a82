package model

import "time"

// APIResponse is the standard response envelope for HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbiddenHost = "FORBIDDEN_HOST"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeUnavailable   = "UPSTREAM_UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// GenerateTokenRequest is the request body for POST /api/generate-token.
type GenerateTokenRequest struct {
	UserName string `json:"user_name,omitempty"`
}

// GenerateTokenResponse is the response for POST /api/generate-token.
// URL is the ready-to-paste stream endpoint with the token bound as a
// query parameter.
type GenerateTokenResponse struct {
	Token        string `json:"token"`
	UserID       string `json:"user_id"`
	URL          string `json:"url"`
	MemoryLimit  int    `json:"memory_limit"`
	MemoriesUsed int    `json:"memories_used"`
}

// JoinWaitlistRequest is the request body for POST /api/join-waitlist.
type JoinWaitlistRequest struct {
	Email string `json:"email"`
}

// JoinWaitlistResponse is the response for POST /api/join-waitlist.
type JoinWaitlistResponse struct {
	Message string `json:"message"`
	Email   string `json:"email"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
}
