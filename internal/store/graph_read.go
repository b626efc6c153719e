package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/persistorai/famgraph/internal/models"
)

// maxKeysPerQuery caps the keys fetched by one NodesByKeys round trip.
const maxKeysPerQuery = 1000

// GetNode retrieves a single node by natural key.
func (s *GraphStore) GetNode(ctx context.Context, key models.NodeKey) (*models.Node, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.Pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM graph_nodes WHERE entity_type = $1 AND external_id = $2`,
		key.EntityType, key.ExternalID)

	n, err := scanNode(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, models.ErrNodeNotFound)
	}

	if err != nil {
		return nil, classify(fmt.Errorf("getting node: %w", err))
	}

	return n, nil
}

// NodesByKeys fetches the nodes that exist among keys. Missing keys are
// silently absent from the result.
func (s *GraphStore) NodesByKeys(ctx context.Context, keys []models.NodeKey) ([]models.Node, error) {
	out := make([]models.Node, 0, len(keys))

	for start := 0; start < len(keys); start += maxKeysPerQuery {
		end := min(start+maxKeysPerQuery, len(keys))

		types := make([]string, 0, end-start)
		ids := make([]string, 0, end-start)

		for _, k := range keys[start:end] {
			types = append(types, string(k.EntityType))
			ids = append(ids, k.ExternalID)
		}

		batch, err := s.nodesByKeyBatch(ctx, types, ids)
		if err != nil {
			return nil, err
		}

		out = append(out, batch...)
	}

	return out, nil
}

func (s *GraphStore) nodesByKeyBatch(ctx context.Context, types, ids []string) ([]models.Node, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, `
		SELECT `+nodeColumns+` FROM graph_nodes
		WHERE (entity_type, external_id) IN (SELECT * FROM unnest($1::text[], $2::text[]))`,
		types, ids)
	if err != nil {
		return nil, classify(fmt.Errorf("fetching nodes by key: %w", err))
	}
	defer rows.Close()

	return collectNodes(rows)
}

// FamilyNodes returns every node scoped to familyID, newest first.
func (s *GraphStore) FamilyNodes(ctx context.Context, familyID string) ([]models.Node, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, `
		SELECT `+nodeColumns+` FROM graph_nodes
		WHERE family_id = $1
		ORDER BY created_at DESC, entity_type, external_id`,
		familyID)
	if err != nil {
		return nil, classify(fmt.Errorf("listing family nodes: %w", err))
	}
	defer rows.Close()

	return collectNodes(rows)
}

// FamilyRelationships returns every relationship scoped to familyID, newest first.
func (s *GraphStore) FamilyRelationships(ctx context.Context, familyID string) ([]models.Relationship, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, `
		SELECT `+relColumns+` FROM graph_relationships
		WHERE family_id = $1
		ORDER BY created_at DESC, `+relKeyColumns,
		familyID)
	if err != nil {
		return nil, classify(fmt.Errorf("listing family relationships: %w", err))
	}
	defer rows.Close()

	return collectRelationships(rows)
}

// ListFamilies returns every family with graph data.
func (s *GraphStore) ListFamilies(ctx context.Context) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, `
		SELECT family_id FROM graph_nodes WHERE family_id <> ''
		UNION
		SELECT family_id FROM graph_relationships
		ORDER BY 1`)
	if err != nil {
		return nil, classify(fmt.Errorf("listing families: %w", err))
	}

	families, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(fmt.Errorf("scanning families: %w", err))
	}

	return families, nil
}

// danglingCondition is true when either endpoint of r has no node.
const danglingCondition = `(
	NOT EXISTS (SELECT 1 FROM graph_nodes n WHERE n.entity_type = r.source_type AND n.external_id = r.source_id)
	OR NOT EXISTS (SELECT 1 FROM graph_nodes n WHERE n.entity_type = r.target_type AND n.external_id = r.target_id)
)`

// DanglingRelationships returns family relationships with a missing endpoint.
func (s *GraphStore) DanglingRelationships(ctx context.Context, familyID string) ([]models.Relationship, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, `
		SELECT `+relColumns+` FROM graph_relationships r
		WHERE r.family_id = $1 AND `+danglingCondition+`
		ORDER BY `+relKeyColumns,
		familyID)
	if err != nil {
		return nil, classify(fmt.Errorf("scanning dangling relationships: %w", err))
	}
	defer rows.Close()

	return collectRelationships(rows)
}

// DeleteRelationshipIfDangling deletes the relationship only while an
// endpoint is still missing; the recheck and the delete are one statement.
func (s *GraphStore) DeleteRelationshipIfDangling(ctx context.Context, key models.RelKey) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM graph_relationships r
		WHERE r.rel_type = $1 AND r.source_type = $2 AND r.source_id = $3
		  AND r.target_type = $4 AND r.target_id = $5
		  AND `+danglingCondition,
		key.Type, key.Source.EntityType, key.Source.ExternalID, key.Target.EntityType, key.Target.ExternalID)
	if err != nil {
		return false, classify(fmt.Errorf("deleting dangling relationship: %w", err))
	}

	return tag.RowsAffected() > 0, nil
}

// Placeholders returns placeholder nodes of the family, plus shared
// placeholders its relationships reference, created before olderThan.
func (s *GraphStore) Placeholders(ctx context.Context, familyID string, olderThan time.Time) ([]models.Node, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, `
		SELECT `+nodeColumns+` FROM graph_nodes n
		WHERE n.placeholder AND n.created_at < $2
		  AND (n.family_id = $1 OR (n.family_id = '' AND EXISTS (
			SELECT 1 FROM graph_relationships r
			WHERE r.family_id = $1
			  AND ((r.source_type = n.entity_type AND r.source_id = n.external_id)
			    OR (r.target_type = n.entity_type AND r.target_id = n.external_id))
		  )))
		ORDER BY n.created_at, n.entity_type, n.external_id`,
		familyID, olderThan)
	if err != nil {
		return nil, classify(fmt.Errorf("listing placeholders: %w", err))
	}
	defer rows.Close()

	return collectNodes(rows)
}
