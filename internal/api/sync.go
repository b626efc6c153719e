package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/middleware"
	"github.com/persistorai/famgraph/internal/models"
)

// SyncHandler serves sync status and resync endpoints.
type SyncHandler struct {
	svc SyncMonitor
	log *logrus.Logger
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(svc SyncMonitor, log *logrus.Logger) *SyncHandler {
	return &SyncHandler{svc: svc, log: log}
}

// resyncRequest names either one entity or a whole family.
type resyncRequest struct {
	EntityType string `json:"entityType"`
	ExternalID string `json:"externalId"`
	FamilyID   string `json:"familyId"`
}

// EntityStatus handles GET /api/v1/sync/status/:entityType/:externalId.
func (h *SyncHandler) EntityStatus(c *gin.Context) {
	key, ok := nodeKeyParam(c)
	if !ok {
		return
	}

	rec, err := h.svc.GetStatus(c.Request.Context(), key)
	if err != nil {
		respondServiceError(c, h.log, "reading sync status", err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

// FamilyStatus handles GET /api/v1/families/:familyId/sync/status.
func (h *SyncHandler) FamilyStatus(c *gin.Context) {
	familyID, ok := familyParam(c)
	if !ok {
		return
	}

	st, err := h.svc.GetFamilyStatus(c.Request.Context(), familyID)
	if err != nil {
		respondServiceError(c, h.log, "reading family sync status", err)
		return
	}

	c.JSON(http.StatusOK, st)
}

// Resync handles POST /api/v1/sync/resync.
func (h *SyncHandler) Resync(c *gin.Context) {
	var req resyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	entityScoped := req.EntityType != "" || req.ExternalID != ""
	if entityScoped == (req.FamilyID != "") {
		respondError(c, http.StatusBadRequest, ErrCodeValidationError, "specify either entityType and externalId, or familyId")
		return
	}

	log := middleware.Logger(c, h.log)

	if req.FamilyID != "" {
		n, err := h.svc.ForceResyncFamily(c.Request.Context(), req.FamilyID)
		if err != nil {
			respondServiceError(c, h.log, "resyncing family", err)
			return
		}

		log.WithFields(logrus.Fields{"family_id": req.FamilyID, "emitted": n}).Info("family resync accepted")
		c.JSON(http.StatusAccepted, gin.H{"familyId": req.FamilyID, "emitted": n})

		return
	}

	et, err := models.ParseEntityType(req.EntityType)
	if err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeValidationError, err.Error())
		return
	}

	key := models.NodeKey{EntityType: et, ExternalID: req.ExternalID}

	n, err := h.svc.ForceResync(c.Request.Context(), key)
	if err != nil {
		respondServiceError(c, h.log, "resyncing entity", err)
		return
	}

	log.WithFields(logrus.Fields{"entity": key.String(), "emitted": n}).Info("entity resync accepted")
	c.JSON(http.StatusAccepted, gin.H{"entity": key, "emitted": n})
}
