package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// APIError represents a structured error response from the famgraph API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	// RetryAfter is set when the server asked the caller to back off.
	RetryAfter time.Duration `json:"-"`

	body []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("famgraph: %d %s: %s (request_id=%s)", e.StatusCode, e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("famgraph: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func statusIs(err error, status int) bool {
	var e *APIError
	return errors.As(err, &e) && e.StatusCode == status
}

// IsNotFound returns true if the error is a 404 not found.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsInvalid returns true if the server rejected the request as malformed.
func IsInvalid(err error) bool { return statusIs(err, http.StatusBadRequest) }

// IsRateLimited returns true if the error is a 429 rate limit.
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsUnavailable returns true when a backing store was unreachable. These
// errors are transient and the request can be retried.
func IsUnavailable(err error) bool { return statusIs(err, http.StatusServiceUnavailable) }

// parseAPIError attempts to decode a JSON error body; falls back to raw text.
func parseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode, body: body}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = "unknown"
		apiErr.Message = string(body)
	}
	return apiErr
}
