package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/persistorai/famgraph/internal/models"
)

const syncColumns = `entity_type, external_id, family_id, last_applied_event_id,
	last_applied_version, source_version, last_synced_at, state, deleted,
	attempts, last_error, updated_at`

// MarkPending records that the feed delivered version for key.
func (s *Store) MarkPending(ctx context.Context, key models.NodeKey, familyID string, version int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_records (entity_type, external_id, family_id, source_version, state, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?)
		ON CONFLICT (entity_type, external_id) DO UPDATE
		SET family_id      = excluded.family_id,
			source_version = MAX(sync_records.source_version, excluded.source_version),
			state          = CASE WHEN excluded.source_version > sync_records.last_applied_version THEN 'pending' ELSE sync_records.state END,
			updated_at     = CASE WHEN excluded.source_version > sync_records.source_version THEN excluded.updated_at ELSE sync_records.updated_at END`,
		key.EntityType, key.ExternalID, familyID, version, s.stamp())
	if err != nil {
		return classify(fmt.Errorf("marking sync pending: %w", err))
	}

	return nil
}

// MarkApplied records a successfully applied event.
func (s *Store) MarkApplied(ctx context.Context, key models.NodeKey, familyID, eventID string, version int64, deleted bool) error {
	now := s.stamp()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_records (entity_type, external_id, family_id, last_applied_event_id,
			last_applied_version, source_version, last_synced_at, state, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'applied', ?, ?)
		ON CONFLICT (entity_type, external_id) DO UPDATE
		SET family_id             = excluded.family_id,
			last_applied_event_id = excluded.last_applied_event_id,
			last_applied_version  = excluded.last_applied_version,
			source_version        = MAX(sync_records.source_version, excluded.source_version),
			last_synced_at        = excluded.last_synced_at,
			state                 = CASE WHEN sync_records.source_version > excluded.last_applied_version THEN 'pending' ELSE 'applied' END,
			deleted               = excluded.deleted,
			attempts              = 0,
			last_error            = '',
			updated_at            = excluded.updated_at
		WHERE sync_records.last_applied_version <= excluded.last_applied_version`,
		key.EntityType, key.ExternalID, familyID, eventID, version, version, now, deleted, now)
	if err != nil {
		return classify(fmt.Errorf("marking sync applied: %w", err))
	}

	return nil
}

// MarkFailed records a failed attempt.
func (s *Store) MarkFailed(ctx context.Context, key models.NodeKey, familyID, errMsg string, deadLettered bool) error {
	state := models.SyncPending
	if deadLettered {
		state = models.SyncDeadLettered
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_records (entity_type, external_id, family_id, state, attempts, last_error, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (entity_type, external_id) DO UPDATE
		SET state      = excluded.state,
			attempts   = sync_records.attempts + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		key.EntityType, key.ExternalID, familyID, state, errMsg, s.stamp())
	if err != nil {
		return classify(fmt.Errorf("marking sync failed: %w", err))
	}

	return nil
}

// MarkVerified promotes an applied record whose applied version is still version.
func (s *Store) MarkVerified(ctx context.Context, key models.NodeKey, version int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_records SET state = 'verified', updated_at = ?
		WHERE entity_type = ? AND external_id = ? AND state = 'applied' AND last_applied_version = ?`,
		s.stamp(), key.EntityType, key.ExternalID, version)
	if err != nil {
		return false, classify(fmt.Errorf("marking sync verified: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}

	return n > 0, nil
}

// GetSyncRecord retrieves the sync record of key.
func (s *Store) GetSyncRecord(ctx context.Context, key models.NodeKey) (*models.SyncRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+syncColumns+` FROM sync_records WHERE entity_type = ? AND external_id = ?`,
		key.EntityType, key.ExternalID)

	r, err := scanSyncRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, models.ErrSyncRecordNotFound)
	}

	if err != nil {
		return nil, classify(fmt.Errorf("getting sync record: %w", err))
	}

	return r, nil
}

// ListSyncRecords returns every sync record of a family.
func (s *Store) ListSyncRecords(ctx context.Context, familyID string) ([]models.SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+syncColumns+` FROM sync_records WHERE family_id = ? ORDER BY entity_type, external_id`,
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

	return records, classify(rows.Err())
}

func scanSyncRecord(scan func(dest ...any) error) (*models.SyncRecord, error) {
	var (
		r        models.SyncRecord
		syncedAt sql.NullInt64
		updated  int64
	)

	err := scan(&r.Key.EntityType, &r.Key.ExternalID, &r.FamilyID, &r.LastAppliedEventID,
		&r.LastAppliedVersion, &r.SourceVersion, &syncedAt, &r.State, &r.Deleted,
		&r.Attempts, &r.LastError, &updated)
	if err != nil {
		return nil, err
	}

	if syncedAt.Valid {
		t := time.Unix(0, syncedAt.Int64).UTC()
		r.LastSyncedAt = &t
	}

	r.UpdatedAt = time.Unix(0, updated).UTC()

	return &r, nil
}
