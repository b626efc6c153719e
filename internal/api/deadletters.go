package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DeadLetterHandler lists archived dead letters.
type DeadLetterHandler struct {
	repo DeadLetterLister
	log  *logrus.Logger
}

// NewDeadLetterHandler creates a DeadLetterHandler.
func NewDeadLetterHandler(repo DeadLetterLister, log *logrus.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{repo: repo, log: log}
}

// List handles GET /api/v1/families/:familyId/deadletters.
func (h *DeadLetterHandler) List(c *gin.Context) {
	familyID, ok := familyParam(c)
	if !ok {
		return
	}

	refs, err := h.repo.List(c.Request.Context(), familyID, parseInt(c.Query("limit"), 100))
	if err != nil {
		respondServiceError(c, h.log, "listing dead letters", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"family_id": familyID, "dead_letters": refs})
}
