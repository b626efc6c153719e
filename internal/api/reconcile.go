package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/middleware"
)

const (
	reconcileTrigger = "api"
	// maxReconcileWait bounds how long ?wait=true holds the request open.
	maxReconcileWait = 2 * time.Minute
)

// ReconcileHandler serves reconcile job endpoints.
type ReconcileHandler struct {
	jobs ReconcileRunner
	log  *logrus.Logger
}

// NewReconcileHandler creates a ReconcileHandler.
func NewReconcileHandler(jobs ReconcileRunner, log *logrus.Logger) *ReconcileHandler {
	return &ReconcileHandler{jobs: jobs, log: log}
}

// Start handles POST /api/v1/families/:familyId/reconcile. An active job for
// the family is reused. With ?wait=true the finished job is returned.
func (h *ReconcileHandler) Start(c *gin.Context) {
	familyID, ok := familyParam(c)
	if !ok {
		return
	}

	job, created, err := h.jobs.Start(familyID, reconcileTrigger)
	if err != nil {
		respondServiceError(c, h.log, "starting reconcile", err)
		return
	}

	middleware.Logger(c, h.log).WithFields(logrus.Fields{
		"family_id": familyID,
		"job_id":    job.ID,
		"created":   created,
	}).Info("reconcile requested")

	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "created": created, "state": job.State})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), maxReconcileWait)
	defer cancel()

	done, err := h.jobs.Wait(ctx, job.ID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, done)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Still running; hand back the id so the caller can poll.
		c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "created": created, "state": job.State})
	default:
		respondServiceError(c, h.log, "waiting for reconcile", err)
	}
}

// GetJob handles GET /api/v1/reconcile/jobs/:jobId.
func (h *ReconcileHandler) GetJob(c *gin.Context) {
	id := c.Param("jobId")
	if err := validatePathID(id); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	job, err := h.jobs.Get(id)
	if err != nil {
		respondServiceError(c, h.log, "reading reconcile job", err)
		return
	}

	c.JSON(http.StatusOK, job)
}
