package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/persistorai/famgraph/internal/models"
)

// GraphStore provides the Postgres graph projection.
type GraphStore struct {
	Base
}

// NewGraphStore creates a new GraphStore.
func NewGraphStore(base Base) *GraphStore {
	return &GraphStore{Base: base}
}

// upsertNodeSQL inserts or updates a node only when the incoming version is
// newer than both the stored node and any tombstone for the key.
const upsertNodeSQL = `
	INSERT INTO graph_nodes AS n (entity_type, external_id, family_id, node_type, properties, version, placeholder)
	SELECT $1::text, $2::text, $3::text, $1::text, $4::jsonb, $5::bigint, FALSE
	WHERE NOT EXISTS (
		SELECT 1 FROM node_tombstones t
		WHERE t.entity_type = $1::text AND t.external_id = $2::text AND t.version >= $5::bigint
	)
	ON CONFLICT (entity_type, external_id) DO UPDATE
	SET family_id   = EXCLUDED.family_id,
		node_type   = EXCLUDED.node_type,
		properties  = EXCLUDED.properties,
		version     = EXCLUDED.version,
		placeholder = FALSE,
		updated_at  = NOW()
	WHERE n.version < EXCLUDED.version
	RETURNING (xmax = 0) AS inserted`

// UpsertNode applies a node write with MERGE-if-newer semantics. A node whose
// family changed loses the relationships that no longer match its family.
func (s *GraphStore) UpsertNode(ctx context.Context, up models.NodeUpsert) (models.AppliedResult, error) {
	res := models.AppliedResult{Target: up.Key.String()}

	if err := up.Validate(); err != nil {
		return res, err
	}

	props, err := marshalProps(up.Properties)
	if err != nil {
		return res, err
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	var inserted bool

	err = tx.QueryRow(ctx, upsertNodeSQL,
		up.Key.EntityType, up.Key.ExternalID, up.FamilyID, props, up.Version,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		res.Outcome, err = s.classifyNoop(ctx, tx, up.Key, up.Version)
		return res, err
	}

	if err != nil {
		return res, classify(fmt.Errorf("upserting node: %w", err))
	}

	res.Outcome = models.OutcomeUpdated
	if inserted {
		res.Outcome = models.OutcomeCreated
	}

	if !up.Key.EntityType.Shared() {
		rows, err := tx.Query(ctx, `
			DELETE FROM graph_relationships
			WHERE ((source_type = $1 AND source_id = $2) OR (target_type = $1 AND target_id = $2))
			  AND family_id <> $3
			RETURNING `+relKeyColumns,
			up.Key.EntityType, up.Key.ExternalID, up.FamilyID)
		if err != nil {
			return res, classify(fmt.Errorf("removing mismatched relationships: %w", err))
		}

		res.RemovedEdges, err = collectRelKeys(rows)
		rows.Close()

		if err != nil {
			return res, err
		}
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM node_tombstones WHERE entity_type = $1 AND external_id = $2 AND version < $3`,
		up.Key.EntityType, up.Key.ExternalID, up.Version); err != nil {
		return res, classify(fmt.Errorf("clearing tombstone: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return res, classify(fmt.Errorf("committing node upsert: %w", err))
	}

	changes := []models.GraphChange{{Kind: models.ChangeNodeUpserted, FamilyID: up.FamilyID, Target: res.Target, Version: up.Version}}
	for _, k := range res.RemovedEdges {
		changes = append(changes, models.GraphChange{Kind: models.ChangeEdgeRemoved, FamilyID: up.FamilyID, Target: k.String()})
	}

	s.notify(changes...)

	return res, nil
}

// classifyNoop tells a duplicate delivery apart from an out-of-order one
// after the conditional upsert wrote nothing.
func (s *GraphStore) classifyNoop(ctx context.Context, tx pgx.Tx, key models.NodeKey, version int64) (models.Outcome, error) {
	var stored *int64

	err := tx.QueryRow(ctx,
		`SELECT version FROM graph_nodes WHERE entity_type = $1 AND external_id = $2`,
		key.EntityType, key.ExternalID).Scan(&stored)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", classify(fmt.Errorf("reading stored version: %w", err))
	}

	if stored != nil && *stored == version {
		return models.OutcomeUnchanged, nil
	}

	return models.OutcomeStale, nil
}

// UpsertRelationship applies a relationship write. Missing endpoints get
// placeholder nodes; tombstoned endpoints skip the edge; endpoints of a
// different family reject it without mutating anything.
func (s *GraphStore) UpsertRelationship(ctx context.Context, up models.RelationshipUpsert) (models.AppliedResult, error) {
	res := models.AppliedResult{Target: up.Key.String()}

	if err := up.Validate(); err != nil {
		return res, err
	}

	props, err := marshalProps(up.Properties)
	if err != nil {
		return res, err
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	endpoints := []models.NodeKey{up.Key.Source, up.Key.Target}
	if endpoints[1].Less(endpoints[0]) {
		endpoints[0], endpoints[1] = endpoints[1], endpoints[0]
	}

	for _, ep := range endpoints {
		outcome, placeholder, err := s.ensureEndpoint(ctx, tx, ep, up.FamilyID)
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

	var inserted bool

	err = tx.QueryRow(ctx, `
		INSERT INTO graph_relationships AS r (`+relKeyColumns+`, family_id, properties, version, owner_type, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (`+relKeyColumns+`) DO UPDATE
		SET family_id  = EXCLUDED.family_id,
			properties = EXCLUDED.properties,
			version    = EXCLUDED.version,
			owner_type = EXCLUDED.owner_type,
			owner_id   = EXCLUDED.owner_id,
			updated_at = NOW()
		WHERE r.version < EXCLUDED.version
		RETURNING (xmax = 0) AS inserted`,
		up.Key.Type, up.Key.Source.EntityType, up.Key.Source.ExternalID,
		up.Key.Target.EntityType, up.Key.Target.ExternalID,
		up.FamilyID, props, up.Version, up.Owner.EntityType, up.Owner.ExternalID,
	).Scan(&inserted)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		res.Outcome = models.OutcomeUnchanged
	case err != nil:
		return res, classify(fmt.Errorf("upserting relationship: %w", err))
	case inserted:
		res.Outcome = models.OutcomeCreated
	default:
		res.Outcome = models.OutcomeUpdated
	}

	if err := tx.Commit(ctx); err != nil {
		return res, classify(fmt.Errorf("committing relationship upsert: %w", err))
	}

	if res.Outcome.Mutated() {
		s.notify(models.GraphChange{Kind: models.ChangeEdgeUpserted, FamilyID: up.FamilyID, Target: res.Target, Version: up.Version})
	}

	return res, nil
}

// ensureEndpoint makes sure ep exists as a node of the expected family,
// creating a placeholder when it is missing. The endpoint row stays share-
// locked until the transaction ends so a concurrent family change waits.
func (s *GraphStore) ensureEndpoint(ctx context.Context, tx pgx.Tx, ep models.NodeKey, familyID string) (models.Outcome, bool, error) {
	var tombstoned bool

	err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM node_tombstones WHERE entity_type = $1 AND external_id = $2)
		   AND NOT EXISTS(SELECT 1 FROM graph_nodes WHERE entity_type = $1 AND external_id = $2)`,
		ep.EntityType, ep.ExternalID).Scan(&tombstoned)
	if err != nil {
		return "", false, classify(fmt.Errorf("checking tombstone: %w", err))
	}

	if tombstoned {
		return models.OutcomeEndpointDeleted, false, nil
	}

	want := models.EndpointFamily(ep.EntityType, familyID)

	tag, err := tx.Exec(ctx, `
		INSERT INTO graph_nodes (entity_type, external_id, family_id, node_type, properties, version, placeholder)
		VALUES ($1, $2, $3, $4, '{}'::jsonb, 0, TRUE)
		ON CONFLICT (entity_type, external_id) DO NOTHING`,
		ep.EntityType, ep.ExternalID, want, models.EntityUnknown)
	if err != nil {
		return "", false, classify(fmt.Errorf("creating placeholder: %w", err))
	}

	var family string

	err = tx.QueryRow(ctx,
		`SELECT family_id FROM graph_nodes WHERE entity_type = $1 AND external_id = $2 FOR SHARE`,
		ep.EntityType, ep.ExternalID).Scan(&family)
	if err != nil {
		return "", false, classify(fmt.Errorf("locking endpoint: %w", err))
	}

	if family != want {
		return "", false, fmt.Errorf("%w: %s belongs to family %q, relationship to %q", models.ErrCrossFamily, ep, family, familyID)
	}

	return "", tag.RowsAffected() == 1, nil
}

// DeleteNode removes a node and every relationship touching it, leaving a
// tombstone at version so older redeliveries cannot resurrect it.
func (s *GraphStore) DeleteNode(ctx context.Context, key models.NodeKey, version int64) (models.AppliedResult, error) {
	res := models.AppliedResult{Target: key.String()}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	var (
		stored  int64
		family  string
		present = true
	)

	err = tx.QueryRow(ctx,
		`SELECT version, family_id FROM graph_nodes WHERE entity_type = $1 AND external_id = $2 FOR UPDATE`,
		key.EntityType, key.ExternalID).Scan(&stored, &family)
	if errors.Is(err, pgx.ErrNoRows) {
		present = false
	} else if err != nil {
		return res, classify(fmt.Errorf("locking node for delete: %w", err))
	}

	if present && stored > version {
		res.Outcome = models.OutcomeStale
		return res, nil
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO node_tombstones AS t (entity_type, external_id, family_id, version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_type, external_id) DO UPDATE
		SET version = EXCLUDED.version, family_id = EXCLUDED.family_id, deleted_at = NOW()
		WHERE t.version < EXCLUDED.version`,
		key.EntityType, key.ExternalID, family, version)
	if err != nil {
		return res, classify(fmt.Errorf("writing tombstone: %w", err))
	}

	if !present {
		// Nothing to remove; the tombstone still guards against older creates.
		res.Outcome = models.OutcomeUnchanged
		if tag.RowsAffected() == 0 {
			return res, nil
		}

		return res, classify(tx.Commit(ctx))
	}

	rows, err := tx.Query(ctx, `
		DELETE FROM graph_relationships
		WHERE (source_type = $1 AND source_id = $2) OR (target_type = $1 AND target_id = $2)
		RETURNING `+relKeyColumns,
		key.EntityType, key.ExternalID)
	if err != nil {
		return res, classify(fmt.Errorf("cascading relationship delete: %w", err))
	}

	res.RemovedEdges, err = collectRelKeys(rows)
	rows.Close()

	if err != nil {
		return res, err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM graph_nodes WHERE entity_type = $1 AND external_id = $2`,
		key.EntityType, key.ExternalID); err != nil {
		return res, classify(fmt.Errorf("deleting node: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return res, classify(fmt.Errorf("committing node delete: %w", err))
	}

	res.Outcome = models.OutcomeDeleted
	s.notify(models.GraphChange{Kind: models.ChangeNodeDeleted, FamilyID: family, Target: res.Target, Version: version})

	return res, nil
}

// PruneOwnedRelationships removes relationships owner declared at a version
// older than version.
func (s *GraphStore) PruneOwnedRelationships(ctx context.Context, owner models.NodeKey, version int64) ([]models.RelKey, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, `
		DELETE FROM graph_relationships
		WHERE owner_type = $1 AND owner_id = $2 AND version < $3
		RETURNING `+relKeyColumns,
		owner.EntityType, owner.ExternalID, version)
	if err != nil {
		return nil, classify(fmt.Errorf("pruning owned relationships: %w", err))
	}
	defer rows.Close()

	return collectRelKeys(rows)
}
