package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/mapper"
	"github.com/persistorai/famgraph/internal/models"
)

// NodeView is a stored node together with the entity attributes it maps back to.
type NodeView struct {
	models.Node
	Attributes map[string]any `json:"attributes"`
}

// GraphService serves single-node lookups for debugging the projection.
type GraphService struct {
	store domain.GraphReader
	log   *logrus.Logger
}

// NewGraphService creates a GraphService.
func NewGraphService(store domain.GraphReader, log *logrus.Logger) *GraphService {
	return &GraphService{store: store, log: log}
}

// GetNode returns the node stored under key.
func (s *GraphService) GetNode(ctx context.Context, key models.NodeKey) (*NodeView, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	s.log.WithField("entity", key.String()).Debug("graph.get_node")

	n, err := s.store.GetNode(ctx, key)
	if err != nil {
		return nil, err
	}

	return &NodeView{Node: *n, Attributes: mapper.Unmap(*n)}, nil
}
