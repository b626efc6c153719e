package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/persistorai/famgraph/internal/models"
)

const (
	nodeColumns   = `entity_type, external_id, family_id, node_type, properties, version, placeholder, created_at, updated_at`
	relColumns    = `rel_type, source_type, source_id, target_type, target_id, family_id, properties, version, owner_type, owner_id, created_at, updated_at`
	relKeyColumns = `rel_type, source_type, source_id, target_type, target_id`
	touchesNode   = `((source_type = ? AND source_id = ?) OR (target_type = ? AND target_id = ?))`
)

// UpsertNode applies a node write when version is newer than the stored node
// and any tombstone. A node whose family changed loses mismatched edges.
func (s *Store) UpsertNode(ctx context.Context, up models.NodeUpsert) (models.AppliedResult, error) {
	res := models.AppliedResult{Target: up.Key.String()}

	if err := up.Validate(); err != nil {
		return res, err
	}

	props, err := marshalProps(up.Properties)
	if err != nil {
		return res, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, classify(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit.

	stored, err := storedVersion(ctx, tx, up.Key)
	if err != nil {
		return res, err
	}

	tomb, err := tombstoneVersion(ctx, tx, up.Key)
	if err != nil {
		return res, err
	}

	if (tomb != nil && *tomb >= up.Version) || (stored != nil && *stored >= up.Version) {
		res.Outcome = models.OutcomeStale
		if stored != nil && *stored == up.Version {
			res.Outcome = models.OutcomeUnchanged
		}

		return res, nil
	}

	now := s.stamp()

	if stored == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO graph_nodes (`+nodeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			up.Key.EntityType, up.Key.ExternalID, up.FamilyID, up.Key.EntityType, props, up.Version, now, now)
		res.Outcome = models.OutcomeCreated
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE graph_nodes
			SET family_id = ?, node_type = ?, properties = ?, version = ?, placeholder = 0, updated_at = ?
			WHERE entity_type = ? AND external_id = ?`,
			up.FamilyID, up.Key.EntityType, props, up.Version, now, up.Key.EntityType, up.Key.ExternalID)
		res.Outcome = models.OutcomeUpdated
	}

	if err != nil {
		return res, classify(fmt.Errorf("writing node: %w", err))
	}

	if !up.Key.EntityType.Shared() {
		res.RemovedEdges, err = deleteRelationships(ctx, tx, touchesNode+` AND family_id <> ?`,
			up.Key.EntityType, up.Key.ExternalID, up.Key.EntityType, up.Key.ExternalID, up.FamilyID)
		if err != nil {
			return res, err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM node_tombstones WHERE entity_type = ? AND external_id = ? AND version < ?`,
		up.Key.EntityType, up.Key.ExternalID, up.Version); err != nil {
		return res, classify(fmt.Errorf("clearing tombstone: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return res, classify(fmt.Errorf("committing node upsert: %w", err))
	}

	s.publish(models.GraphChange{Kind: models.ChangeNodeUpserted, FamilyID: up.FamilyID, Target: res.Target, Version: up.Version})

	for _, k := range res.RemovedEdges {
		s.publish(models.GraphChange{Kind: models.ChangeEdgeRemoved, FamilyID: up.FamilyID, Target: k.String()})
	}

	return res, nil
}

// UpsertRelationship applies a relationship write, creating placeholder
// endpoints as needed.
func (s *Store) UpsertRelationship(ctx context.Context, up models.RelationshipUpsert) (models.AppliedResult, error) {
	res := models.AppliedResult{Target: up.Key.String()}

	if err := up.Validate(); err != nil {
		return res, err
	}

	props, err := marshalProps(up.Properties)
	if err != nil {
		return res, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, classify(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit.

	now := s.stamp()

	for _, ep := range []models.NodeKey{up.Key.Source, up.Key.Target} {
		outcome, placeholder, err := ensureEndpoint(ctx, tx, ep, up.FamilyID, now)
		if err != nil {
			if errors.Is(err, models.ErrCrossFamily) {
				res.Outcome = models.OutcomeRejected
				res.Error = err.Error()
			}

			return res, err
		}

		if outcome == models.OutcomeEndpointDeleted {
			res.Outcome = outcome
			return res, nil
		}

		if placeholder {
			res.Placeholders = append(res.Placeholders, ep)
		}
	}

	var stored *int64

	err = tx.QueryRowContext(ctx, `
		SELECT version FROM graph_relationships
		WHERE rel_type = ? AND source_type = ? AND source_id = ? AND target_type = ? AND target_id = ?`,
		relKeyArgs(up.Key)...).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return res, classify(fmt.Errorf("reading relationship version: %w", err))
	}

	switch {
	case stored == nil:
		args := append(relKeyArgs(up.Key), up.FamilyID, props, up.Version, up.Owner.EntityType, up.Owner.ExternalID, now, now)
		_, err = tx.ExecContext(ctx, `INSERT INTO graph_relationships (`+relColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		res.Outcome = models.OutcomeCreated
	case *stored < up.Version:
		args := append([]any{up.FamilyID, props, up.Version, up.Owner.EntityType, up.Owner.ExternalID, now}, relKeyArgs(up.Key)...)
		_, err = tx.ExecContext(ctx, `
			UPDATE graph_relationships
			SET family_id = ?, properties = ?, version = ?, owner_type = ?, owner_id = ?, updated_at = ?
			WHERE rel_type = ? AND source_type = ? AND source_id = ? AND target_type = ? AND target_id = ?`, args...)
		res.Outcome = models.OutcomeUpdated
	default:
		res.Outcome = models.OutcomeUnchanged
	}

	if err != nil {
		return res, classify(fmt.Errorf("writing relationship: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return res, classify(fmt.Errorf("committing relationship upsert: %w", err))
	}

	if res.Outcome.Mutated() {
		s.publish(models.GraphChange{Kind: models.ChangeEdgeUpserted, FamilyID: up.FamilyID, Target: res.Target, Version: up.Version})
	}

	return res, nil
}

// ensureEndpoint returns EndpointDeleted for a tombstoned, absent endpoint,
// creates a placeholder for a missing one, and rejects a family mismatch.
func ensureEndpoint(ctx context.Context, tx *sql.Tx, ep models.NodeKey, familyID string, now int64) (models.Outcome, bool, error) {
	want := models.EndpointFamily(ep.EntityType, familyID)

	var family string

	err := tx.QueryRowContext(ctx,
		`SELECT family_id FROM graph_nodes WHERE entity_type = ? AND external_id = ?`,
		ep.EntityType, ep.ExternalID).Scan(&family)

	switch {
	case err == nil:
		if family != want {
			return "", false, fmt.Errorf("%w: %s belongs to family %q, relationship to %q", models.ErrCrossFamily, ep, family, familyID)
		}

		return "", false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", false, classify(fmt.Errorf("reading endpoint: %w", err))
	}

	tomb, err := tombstoneVersion(ctx, tx, ep)
	if err != nil {
		return "", false, err
	}

	if tomb != nil {
		return models.OutcomeEndpointDeleted, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO graph_nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, '{}', 0, 1, ?, ?)`,
		ep.EntityType, ep.ExternalID, want, models.EntityUnknown, now, now); err != nil {
		return "", false, classify(fmt.Errorf("creating placeholder: %w", err))
	}

	return "", true, nil
}

// DeleteNode removes a node and its relationships, leaving a tombstone.
func (s *Store) DeleteNode(ctx context.Context, key models.NodeKey, version int64) (models.AppliedResult, error) {
	res := models.AppliedResult{Target: key.String()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, classify(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit.

	var (
		stored *int64
		family string
	)

	err = tx.QueryRowContext(ctx,
		`SELECT version, family_id FROM graph_nodes WHERE entity_type = ? AND external_id = ?`,
		key.EntityType, key.ExternalID).Scan(&stored, &family)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return res, classify(fmt.Errorf("reading node for delete: %w", err))
	}

	if stored != nil && *stored > version {
		res.Outcome = models.OutcomeStale
		return res, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO node_tombstones (entity_type, external_id, family_id, version, deleted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, external_id) DO UPDATE
		SET version = excluded.version, family_id = excluded.family_id, deleted_at = excluded.deleted_at
		WHERE node_tombstones.version < excluded.version`,
		key.EntityType, key.ExternalID, family, version, s.stamp()); err != nil {
		return res, classify(fmt.Errorf("writing tombstone: %w", err))
	}

	if stored == nil {
		res.Outcome = models.OutcomeUnchanged
		return res, classify(tx.Commit())
	}

	res.RemovedEdges, err = deleteRelationships(ctx, tx, touchesNode,
		key.EntityType, key.ExternalID, key.EntityType, key.ExternalID)
	if err != nil {
		return res, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM graph_nodes WHERE entity_type = ? AND external_id = ?`,
		key.EntityType, key.ExternalID); err != nil {
		return res, classify(fmt.Errorf("deleting node: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return res, classify(fmt.Errorf("committing node delete: %w", err))
	}

	res.Outcome = models.OutcomeDeleted
	s.publish(models.GraphChange{Kind: models.ChangeNodeDeleted, FamilyID: family, Target: res.Target, Version: version})

	return res, nil
}

// PruneOwnedRelationships removes relationships owner declared before version.
func (s *Store) PruneOwnedRelationships(ctx context.Context, owner models.NodeKey, version int64) ([]models.RelKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit.

	keys, err := deleteRelationships(ctx, tx, `owner_type = ? AND owner_id = ? AND version < ?`,
		owner.EntityType, owner.ExternalID, version)
	if err != nil {
		return nil, err
	}

	return keys, classify(tx.Commit())
}

// deleteRelationships deletes rows matching where and returns their keys.
func deleteRelationships(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]models.RelKey, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+relKeyColumns+` FROM graph_relationships WHERE `+where, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("selecting relationships: %w", err))
	}

	keys, err := collectRelKeys(rows)
	if err != nil {
		return nil, err
	}

	if len(keys) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_relationships WHERE `+where, args...); err != nil {
		return nil, classify(fmt.Errorf("deleting relationships: %w", err))
	}

	return keys, nil
}

func storedVersion(ctx context.Context, tx *sql.Tx, key models.NodeKey) (*int64, error) {
	var v *int64

	err := tx.QueryRowContext(ctx,
		`SELECT version FROM graph_nodes WHERE entity_type = ? AND external_id = ?`,
		key.EntityType, key.ExternalID).Scan(&v)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, classify(fmt.Errorf("reading node version: %w", err))
	}

	return v, nil
}

func tombstoneVersion(ctx context.Context, tx *sql.Tx, key models.NodeKey) (*int64, error) {
	var v *int64

	err := tx.QueryRowContext(ctx,
		`SELECT version FROM node_tombstones WHERE entity_type = ? AND external_id = ?`,
		key.EntityType, key.ExternalID).Scan(&v)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, classify(fmt.Errorf("reading tombstone: %w", err))
	}

	return v, nil
}

func relKeyArgs(k models.RelKey) []any {
	return []any{k.Type, k.Source.EntityType, k.Source.ExternalID, k.Target.EntityType, k.Target.ExternalID}
}

func marshalProps(props map[string]any) (string, error) {
	if props == nil {
		return "{}", nil
	}

	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("marshalling properties: %w", err)
	}

	return string(data), nil
}
