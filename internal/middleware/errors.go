package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/persistorai/famgraph/internal/httputil"
	"github.com/persistorai/famgraph/internal/metrics"
)

func respondError(c *gin.Context, status int, code, message string) {
	metrics.ErrorsTotal.WithLabelValues(code).Inc()
	httputil.RespondError(c, status, code, message)
}

func respondRetryable(c *gin.Context, status int, code, message string, after time.Duration) {
	metrics.ErrorsTotal.WithLabelValues(code).Inc()
	httputil.RespondRetryable(c, status, code, message, after)
}
