package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NodeHandler serves single-node debug lookups.
type NodeHandler struct {
	repo NodeReader
	log  *logrus.Logger
}

// NewNodeHandler creates a NodeHandler with the given service and logger.
func NewNodeHandler(repo NodeReader, log *logrus.Logger) *NodeHandler {
	return &NodeHandler{repo: repo, log: log}
}

// Get handles GET /api/v1/nodes/:entityType/:externalId.
func (h *NodeHandler) Get(c *gin.Context) {
	key, ok := nodeKeyParam(c)
	if !ok {
		return
	}

	node, err := h.repo.GetNode(c.Request.Context(), key)
	if err != nil {
		respondServiceError(c, h.log, "getting node", err)
		return
	}

	c.JSON(http.StatusOK, node)
}
