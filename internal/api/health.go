// Package api provides HTTP handlers for famgraph.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/ws"
)

// HealthHandler serves health check endpoints.
type HealthHandler struct {
	checks    map[string]Pinger
	hub       *ws.Hub
	log       *logrus.Logger
	version   string
	backend   string
	startTime time.Time
}

// NewHealthHandler creates a HealthHandler. checks are the dependencies that
// must answer a ping for the service to be ready.
func NewHealthHandler(checks map[string]Pinger, hub *ws.Hub, log *logrus.Logger, version, backend string) *HealthHandler {
	return &HealthHandler{
		checks:    checks,
		hub:       hub,
		log:       log,
		version:   version,
		backend:   backend,
		startTime: time.Now(),
	}
}

type healthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	Backend       string  `json:"backend"`
	Subscribers   int     `json:"subscribers"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Liveness handles GET /api/v1/health. It never touches a store.
func (h *HealthHandler) Liveness(c *gin.Context) {
	resp := healthResponse{
		Status:        "ok",
		Version:       h.version,
		Backend:       h.backend,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
	}

	if h.hub != nil {
		resp.Subscribers = h.hub.ClientCount()
	}

	c.JSON(http.StatusOK, resp)
}

// Readiness handles GET /api/v1/ready by pinging every dependency.
func (h *HealthHandler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	resp := readinessResponse{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	code := http.StatusOK

	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.log.WithError(err).WithField("check", name).Error("readiness check failed")
			resp.Checks[name] = "error"
			resp.Status = "not_ready"
			code = http.StatusServiceUnavailable

			continue
		}

		resp.Checks[name] = "ok"
	}

	c.JSON(code, resp)
}
