package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/persistorai/famgraph/internal/models"
)

const syncColumns = `entity_type, external_id, family_id, last_applied_event_id,
	last_applied_version, source_version, last_synced_at, state, deleted,
	attempts, last_error, updated_at`

// SyncStore persists per-entity sync records.
type SyncStore struct {
	Base
}

// NewSyncStore creates a new SyncStore.
func NewSyncStore(base Base) *SyncStore {
	return &SyncStore{Base: base}
}

// MarkPending records that the feed delivered version for key. The record
// only moves back to pending when version is ahead of what was applied.
func (s *SyncStore) MarkPending(ctx context.Context, key models.NodeKey, familyID string, version int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO sync_records AS s (entity_type, external_id, family_id, source_version, state)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT (entity_type, external_id) DO UPDATE
		SET family_id      = EXCLUDED.family_id,
			source_version = GREATEST(s.source_version, EXCLUDED.source_version),
			state          = CASE WHEN EXCLUDED.source_version > s.last_applied_version THEN 'pending' ELSE s.state END,
			updated_at     = CASE WHEN EXCLUDED.source_version > s.source_version THEN NOW() ELSE s.updated_at END`,
		key.EntityType, key.ExternalID, familyID, version)
	if err != nil {
		return classify(fmt.Errorf("marking sync pending: %w", err))
	}

	return nil
}

// MarkApplied records a successfully applied event. A newer version already
// observed on the feed keeps the record pending.
func (s *SyncStore) MarkApplied(ctx context.Context, key models.NodeKey, familyID, eventID string, version int64, deleted bool) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO sync_records AS s (entity_type, external_id, family_id, last_applied_event_id,
			last_applied_version, source_version, last_synced_at, state, deleted)
		VALUES ($1, $2, $3, $4, $5, $5, NOW(), 'applied', $6)
		ON CONFLICT (entity_type, external_id) DO UPDATE
		SET family_id             = EXCLUDED.family_id,
			last_applied_event_id = EXCLUDED.last_applied_event_id,
			last_applied_version  = EXCLUDED.last_applied_version,
			source_version        = GREATEST(s.source_version, EXCLUDED.source_version),
			last_synced_at        = NOW(),
			state                 = CASE WHEN s.source_version > EXCLUDED.last_applied_version THEN 'pending' ELSE 'applied' END,
			deleted               = EXCLUDED.deleted,
			attempts              = 0,
			last_error            = '',
			updated_at            = NOW()
		WHERE s.last_applied_version <= EXCLUDED.last_applied_version`,
		key.EntityType, key.ExternalID, familyID, eventID, version, deleted)
	if err != nil {
		return classify(fmt.Errorf("marking sync applied: %w", err))
	}

	return nil
}

// MarkFailed records a failed attempt, dead-lettering the record when asked.
func (s *SyncStore) MarkFailed(ctx context.Context, key models.NodeKey, familyID, errMsg string, deadLettered bool) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	state := models.SyncPending
	if deadLettered {
		state = models.SyncDeadLettered
	}

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO sync_records AS s (entity_type, external_id, family_id, state, attempts, last_error)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (entity_type, external_id) DO UPDATE
		SET state      = EXCLUDED.state,
			attempts   = s.attempts + 1,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()`,
		key.EntityType, key.ExternalID, familyID, state, errMsg)
	if err != nil {
		return classify(fmt.Errorf("marking sync failed: %w", err))
	}

	return nil
}

// MarkVerified promotes an applied record whose applied version is still version.
func (s *SyncStore) MarkVerified(ctx context.Context, key models.NodeKey, version int64) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tag, err := s.Pool.Exec(ctx, `
		UPDATE sync_records SET state = 'verified', updated_at = NOW()
		WHERE entity_type = $1 AND external_id = $2
		  AND state = 'applied' AND last_applied_version = $3`,
		key.EntityType, key.ExternalID, version)
	if err != nil {
		return false, classify(fmt.Errorf("marking sync verified: %w", err))
	}

	return tag.RowsAffected() > 0, nil
}

// GetSyncRecord retrieves the sync record of key.
func (s *SyncStore) GetSyncRecord(ctx context.Context, key models.NodeKey) (*models.SyncRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.Pool.QueryRow(ctx,
		`SELECT `+syncColumns+` FROM sync_records WHERE entity_type = $1 AND external_id = $2`,
		key.EntityType, key.ExternalID)

	r, err := scanSyncRecord(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, models.ErrSyncRecordNotFound)
	}

	if err != nil {
		return nil, classify(fmt.Errorf("getting sync record: %w", err))
	}

	return r, nil
}

// ListSyncRecords returns every sync record of a family.
func (s *SyncStore) ListSyncRecords(ctx context.Context, familyID string) ([]models.SyncRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx,
		`SELECT `+syncColumns+` FROM sync_records WHERE family_id = $1 ORDER BY entity_type, external_id`,
		familyID)
	if err != nil {
		return nil, classify(fmt.Errorf("listing sync records: %w", err))
	}
	defer rows.Close()

	var records []models.SyncRecord

	for rows.Next() {
		r, err := scanSyncRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning sync record: %w", err)
		}

		records = append(records, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterating sync records: %w", err))
	}

	return records, nil
}

func scanSyncRecord(scan func(dest ...any) error) (*models.SyncRecord, error) {
	var r models.SyncRecord

	err := scan(
		&r.Key.EntityType,
		&r.Key.ExternalID,
		&r.FamilyID,
		&r.LastAppliedEventID,
		&r.LastAppliedVersion,
		&r.SourceVersion,
		&r.LastSyncedAt,
		&r.State,
		&r.Deleted,
		&r.Attempts,
		&r.LastError,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &r, nil
}
