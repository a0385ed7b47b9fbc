// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error variables for common endpoint errors.
var (
	// ErrNotConfigured indicates the base URL is not set.
	ErrNotConfigured = errors.New("endpoint base URL not configured")

	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrInsufficientCredits indicates the account has insufficient credits.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrServerError indicates a 5xx response.
	ErrServerError = errors.New("server error")

	// ErrBadRequest indicates any other 4xx response.
	ErrBadRequest = errors.New("request rejected")
)

// APIError is a non-2xx response from the endpoint. It unwraps to one of the
// sentinel errors above so callers can use errors.Is.
type APIError struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration

	kind error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%v [%s] (HTTP %d): %s", e.kind, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%v (HTTP %d): %s", e.kind, e.Status, e.Message)
}

// Unwrap returns the sentinel error for the status class.
func (e *APIError) Unwrap() error {
	return e.kind
}

// Retryable reports whether the request may succeed if sent again.
func (e *APIError) Retryable() bool {
	return e.kind == ErrRateLimited || e.kind == ErrServerError
}

// StreamError represents an error that occurred during streaming,
// preserving any partial content received before the error.
type StreamError struct {
	Partial string // Content received before error
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// apiErrorResponse represents an error response from the API.
type apiErrorResponse struct {
	Error struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// handleErrorResponse maps a non-2xx response to an *APIError.
func handleErrorResponse(statusCode int, header http.Header, body []byte) error {
	apiErr := &APIError{
		Status:  statusCode,
		Message: string(body),
		kind:    statusKind(statusCode),
	}

	var parsed apiErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		apiErr.Message = parsed.Error.Message
		apiErr.Code = decodeCode(parsed.Error.Code)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(statusCode)
	}
	if header != nil {
		apiErr.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}
	return apiErr
}

func statusKind(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthFailed
	case status == http.StatusPaymentRequired:
		return ErrInsufficientCredits
	case status == http.StatusNotFound:
		return ErrModelNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return ErrServerError
	default:
		return ErrBadRequest
	}
}

// decodeCode accepts both string and numeric error codes.
func decodeCode(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
