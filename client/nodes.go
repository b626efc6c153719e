package client

import "context"

// NodeService reads single projected nodes.
type NodeService struct {
	c *Client
}

// Get returns one node with its decoded attributes.
func (s *NodeService) Get(ctx context.Context, entityType, externalID string) (*NodeView, error) {
	var node NodeView
	if err := s.c.get(ctx, entityPath("/api/v1/nodes/", entityType, externalID), nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}
