package client

import (
	"context"
	"net/url"
	"strconv"
)

// FamilyService handles family-scoped queries and jobs.
type FamilyService struct {
	c *Client
}

// Subgraph returns the family's graph, bounded by opts.
func (s *FamilyService) Subgraph(ctx context.Context, familyID string, opts *SubgraphOptions) (*Subgraph, error) {
	params := url.Values{}
	if opts != nil {
		if opts.MaxNodes > 0 {
			params.Set("maxNodes", strconv.Itoa(opts.MaxNodes))
		}
		if opts.MaxRelationships > 0 {
			params.Set("maxRelationships", strconv.Itoa(opts.MaxRelationships))
		}
	}
	var sg Subgraph
	if err := s.c.get(ctx, familyPath(familyID, "/subgraph"), params, &sg); err != nil {
		return nil, err
	}
	return &sg, nil
}

// SyncStatus returns aggregate sync health for the family.
func (s *FamilyService) SyncStatus(ctx context.Context, familyID string) (*FamilySyncStatus, error) {
	var st FamilySyncStatus
	if err := s.c.get(ctx, familyPath(familyID, "/sync/status"), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Reconcile starts a reconcile job, or returns the one already running.
func (s *FamilyService) Reconcile(ctx context.Context, familyID string) (*JobTicket, error) {
	var t JobTicket
	if err := s.c.post(ctx, familyPath(familyID, "/reconcile"), nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeadLetters lists archived dead letters of the family, newest first.
func (s *FamilyService) DeadLetters(ctx context.Context, familyID string, limit int) ([]DeadLetterRef, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		DeadLetters []DeadLetterRef `json:"dead_letters"`
	}
	if err := s.c.get(ctx, familyPath(familyID, "/deadletters"), params, &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}
