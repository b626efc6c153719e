// Package httputil writes the JSON error envelope shared by the API handlers
// and middleware.
package httputil

import (
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestIDKey is the gin context key holding the request ID.
const RequestIDKey = "request_id"

// ErrorBody is the error envelope every non-2xx response carries.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// RespondError writes the error envelope and aborts the request.
func RespondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{
		Code:      code,
		Message:   message,
		RequestID: c.GetString(RequestIDKey),
	})
}

// RespondRetryable is RespondError plus a Retry-After header of at least one
// whole second.
func RespondRetryable(c *gin.Context, status int, code, message string, after time.Duration) {
	c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds(after)))
	RespondError(c, status, code, message)
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}

	return s
}
