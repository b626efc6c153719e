package client

import "context"

// SyncService reports per-entity sync state and forces resyncs.
type SyncService struct {
	c *Client
}

type resyncRequest struct {
	EntityType string `json:"entityType,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
	FamilyID   string `json:"familyId,omitempty"`
}

// Status returns the sync record of one entity.
func (s *SyncService) Status(ctx context.Context, entityType, externalID string) (*SyncRecord, error) {
	var rec SyncRecord
	if err := s.c.get(ctx, entityPath("/api/v1/sync/status/", entityType, externalID), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ResyncEntity re-reads one entity from its source and emits it again.
func (s *SyncService) ResyncEntity(ctx context.Context, entityType, externalID string) (*ResyncResult, error) {
	return s.resync(ctx, resyncRequest{EntityType: entityType, ExternalID: externalID})
}

// ResyncFamily re-emits every entity of a family from its source.
func (s *SyncService) ResyncFamily(ctx context.Context, familyID string) (*ResyncResult, error) {
	return s.resync(ctx, resyncRequest{FamilyID: familyID})
}

func (s *SyncService) resync(ctx context.Context, req resyncRequest) (*ResyncResult, error) {
	var res ResyncResult
	if err := s.c.post(ctx, "/api/v1/sync/resync", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
