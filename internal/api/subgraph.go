package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/middleware"
	"github.com/persistorai/famgraph/internal/models"
)

// Hard caps on caller-supplied subgraph limits.
const (
	hardMaxNodes         = 50000
	hardMaxRelationships = 200000
)

// SubgraphHandler serves family graph queries.
type SubgraphHandler struct {
	svc      SubgraphQuerier
	log      *logrus.Logger
	maxNodes int
	maxRels  int
}

// NewSubgraphHandler creates a SubgraphHandler. Zero limits fall back to
// the model defaults.
func NewSubgraphHandler(svc SubgraphQuerier, log *logrus.Logger, maxNodes, maxRels int) *SubgraphHandler {
	if maxNodes <= 0 {
		maxNodes = models.DefaultMaxNodes
	}

	if maxRels <= 0 {
		maxRels = models.DefaultMaxRelationships
	}

	return &SubgraphHandler{svc: svc, log: log, maxNodes: min(maxNodes, hardMaxNodes), maxRels: min(maxRels, hardMaxRelationships)}
}

// Get handles GET /api/v1/families/:familyId/subgraph.
func (h *SubgraphHandler) Get(c *gin.Context) {
	familyID, ok := familyParam(c)
	if !ok {
		return
	}

	maxNodes, err := parseLimit(c.Query("maxNodes"), h.maxNodes, hardMaxNodes)
	if err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "maxNodes: "+err.Error())
		return
	}

	maxRels, err := parseLimit(c.Query("maxRelationships"), h.maxRels, hardMaxRelationships)
	if err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "maxRelationships: "+err.Error())
		return
	}

	sg, err := h.svc.GetFamilyGraph(c.Request.Context(), familyID, maxNodes, maxRels)
	if err != nil {
		respondServiceError(c, h.log, "querying subgraph", err)
		return
	}

	middleware.Logger(c, h.log).WithFields(logrus.Fields{
		"family_id":     familyID,
		"nodes":         len(sg.Nodes),
		"relationships": len(sg.Relationships),
		"truncated":     sg.Truncated,
	}).Debug("subgraph served")

	c.JSON(http.StatusOK, sg)
}
