package store

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/persistorai/famgraph/internal/models"
)

// nodeColumns lists the columns selected for node queries.
const nodeColumns = `entity_type, external_id, family_id, node_type, properties,
	version, placeholder, created_at, updated_at`

// relColumns lists the columns selected for relationship queries.
const relColumns = `rel_type, source_type, source_id, target_type, target_id,
	family_id, properties, version, owner_type, owner_id, created_at, updated_at`

// relKeyColumns lists the natural-key columns of graph_relationships.
const relKeyColumns = `rel_type, source_type, source_id, target_type, target_id`

// scanNode scans a single row into a models.Node.
func scanNode(scan func(dest ...any) error) (*models.Node, error) {
	var n models.Node
	var props []byte

	err := scan(
		&n.Key.EntityType,
		&n.Key.ExternalID,
		&n.FamilyID,
		&n.Type,
		&props,
		&n.Version,
		&n.Placeholder,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(props, &n.Properties); err != nil {
		return nil, fmt.Errorf("unmarshalling node properties: %w", err)
	}

	return &n, nil
}

// scanRelationship scans a single row into a models.Relationship.
func scanRelationship(scan func(dest ...any) error) (*models.Relationship, error) {
	var r models.Relationship
	var props []byte

	err := scan(
		&r.Key.Type,
		&r.Key.Source.EntityType,
		&r.Key.Source.ExternalID,
		&r.Key.Target.EntityType,
		&r.Key.Target.ExternalID,
		&r.FamilyID,
		&props,
		&r.Version,
		&r.Owner.EntityType,
		&r.Owner.ExternalID,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(props, &r.Properties); err != nil {
		return nil, fmt.Errorf("unmarshalling relationship properties: %w", err)
	}

	return &r, nil
}

// collectNodes scans all rows into a node slice.
func collectNodes(rows pgx.Rows) ([]models.Node, error) {
	nodes := make([]models.Node, 0, 16)

	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}

		nodes = append(nodes, *n)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterating node rows: %w", err))
	}

	return nodes, nil
}

// collectRelationships scans all rows into a relationship slice.
func collectRelationships(rows pgx.Rows) ([]models.Relationship, error) {
	rels := make([]models.Relationship, 0, 16)

	for rows.Next() {
		r, err := scanRelationship(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning relationship row: %w", err)
		}

		rels = append(rels, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterating relationship rows: %w", err))
	}

	return rels, nil
}

// collectRelKeys scans rows of relKeyColumns.
func collectRelKeys(rows pgx.Rows) ([]models.RelKey, error) {
	var keys []models.RelKey

	for rows.Next() {
		var k models.RelKey
		if err := rows.Scan(&k.Type, &k.Source.EntityType, &k.Source.ExternalID, &k.Target.EntityType, &k.Target.ExternalID); err != nil {
			return nil, fmt.Errorf("scanning relationship key: %w", err)
		}

		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterating relationship keys: %w", err))
	}

	return keys, nil
}

// marshalProps encodes a property map, storing nil as an empty object.
func marshalProps(props map[string]any) ([]byte, error) {
	if props == nil {
		return []byte("{}"), nil
	}

	data, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("marshalling properties: %w", err)
	}

	return data, nil
}
