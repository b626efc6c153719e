package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/httputil"
	"github.com/persistorai/famgraph/internal/metrics"
	"github.com/persistorai/famgraph/internal/middleware"
	"github.com/persistorai/famgraph/internal/models"
)

// Error code constants for standardized API responses.
const (
	ErrCodeInvalidRequest   = "invalid_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeInternalError    = "internal_error"
	ErrCodeValidationError  = "validation_error"
	ErrCodeStoreUnavailable = "store_unavailable"
	ErrCodeTimeout          = "timeout"
)

// storeRetryAfter is advertised on 503 responses.
const storeRetryAfter = 5 * time.Second

// respondError writes a standardized JSON error response, pulling the request
// ID from the Gin context (set by the request ID middleware).
func respondError(c *gin.Context, status int, code, message string) {
	metrics.ErrorsTotal.WithLabelValues(code).Inc()
	httputil.RespondError(c, status, code, message)
}

// respondServiceError maps a service error onto the HTTP error envelope.
// Unexpected errors are logged under action and reported as 500.
func respondServiceError(c *gin.Context, log *logrus.Logger, action string, err error) {
	switch {
	case errors.Is(err, models.ErrStoreUnavailable):
		metrics.ErrorsTotal.WithLabelValues(ErrCodeStoreUnavailable).Inc()
		httputil.RespondRetryable(c, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "store unavailable, retry later", storeRetryAfter)
	case errors.Is(err, models.ErrNodeNotFound),
		errors.Is(err, models.ErrSyncRecordNotFound),
		errors.Is(err, models.ErrJobNotFound),
		errors.Is(err, models.ErrEntityNotFound):
		respondError(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case models.IsTerminal(err):
		respondError(c, http.StatusBadRequest, ErrCodeValidationError, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(c, http.StatusGatewayTimeout, ErrCodeTimeout, "request timed out")
	default:
		middleware.Logger(c, log).WithError(err).Error(action)
		respondError(c, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
	}
}
