package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/persistorai/famgraph/internal/models"
)

// maxKeysPerQuery stays under SQLite's bound-parameter limit.
const maxKeysPerQuery = 400

// GetNode retrieves a single node by key.
func (s *Store) GetNode(ctx context.Context, key models.NodeKey) (*models.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM graph_nodes WHERE entity_type = ? AND external_id = ?`,
		key.EntityType, key.ExternalID)

	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, models.ErrNodeNotFound)
	}

	if err != nil {
		return nil, classify(fmt.Errorf("getting node: %w", err))
	}

	return n, nil
}

// NodesByKeys fetches the nodes that exist among keys.
func (s *Store) NodesByKeys(ctx context.Context, keys []models.NodeKey) ([]models.Node, error) {
	out := make([]models.Node, 0, len(keys))

	for start := 0; start < len(keys); start += maxKeysPerQuery {
		batch := keys[start:min(start+maxKeysPerQuery, len(keys))]

		args := make([]any, 0, 2*len(batch))
		for _, k := range batch {
			args = append(args, k.EntityType, k.ExternalID)
		}

		tuples := pairMarkers(len(batch))

		rows, err := s.db.QueryContext(ctx,
			`SELECT `+nodeColumns+` FROM graph_nodes WHERE (entity_type, external_id) IN (VALUES `+tuples+`)`,
			args...)
		if err != nil {
			return nil, classify(fmt.Errorf("fetching nodes by key: %w", err))
		}

		nodes, err := collectNodes(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, nodes...)
	}

	return out, nil
}

// FamilyNodes returns the nodes of a family, newest first.
func (s *Store) FamilyNodes(ctx context.Context, familyID string) ([]models.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM graph_nodes
		WHERE family_id = ?
		ORDER BY created_at DESC, entity_type, external_id`, familyID)
	if err != nil {
		return nil, classify(fmt.Errorf("listing family nodes: %w", err))
	}

	return collectNodes(rows)
}

// FamilyRelationships returns the relationships of a family, newest first.
func (s *Store) FamilyRelationships(ctx context.Context, familyID string) ([]models.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+relColumns+` FROM graph_relationships
		WHERE family_id = ?
		ORDER BY created_at DESC, `+relKeyColumns, familyID)
	if err != nil {
		return nil, classify(fmt.Errorf("listing family relationships: %w", err))
	}

	return collectRelationships(rows)
}

// ListFamilies returns every family with graph data.
func (s *Store) ListFamilies(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT family_id FROM graph_nodes WHERE family_id <> ''
		UNION
		SELECT family_id FROM graph_relationships
		ORDER BY 1`)
	if err != nil {
		return nil, classify(fmt.Errorf("listing families: %w", err))
	}
	defer rows.Close()

	var families []string

	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scanning family: %w", err)
		}

		families = append(families, f)
	}

	return families, classify(rows.Err())
}

const danglingCondition = `(
	NOT EXISTS (SELECT 1 FROM graph_nodes n WHERE n.entity_type = r.source_type AND n.external_id = r.source_id)
	OR NOT EXISTS (SELECT 1 FROM graph_nodes n WHERE n.entity_type = r.target_type AND n.external_id = r.target_id)
)`

// DanglingRelationships returns family relationships with a missing endpoint.
func (s *Store) DanglingRelationships(ctx context.Context, familyID string) ([]models.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+relColumns+` FROM graph_relationships r
		WHERE r.family_id = ? AND `+danglingCondition+`
		ORDER BY `+relKeyColumns, familyID)
	if err != nil {
		return nil, classify(fmt.Errorf("scanning dangling relationships: %w", err))
	}

	return collectRelationships(rows)
}

// DeleteRelationshipIfDangling deletes the relationship while an endpoint is still missing.
func (s *Store) DeleteRelationshipIfDangling(ctx context.Context, key models.RelKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM graph_relationships AS r
		WHERE r.rel_type = ? AND r.source_type = ? AND r.source_id = ? AND r.target_type = ? AND r.target_id = ?
		  AND `+danglingCondition, relKeyArgs(key)...)
	if err != nil {
		return false, classify(fmt.Errorf("deleting dangling relationship: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}

	return n > 0, nil
}

// Placeholders returns placeholder nodes of the family, plus shared
// placeholders its relationships reference, created before olderThan.
func (s *Store) Placeholders(ctx context.Context, familyID string, olderThan time.Time) ([]models.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM graph_nodes n
		WHERE n.placeholder = 1 AND n.created_at < ?
		  AND (n.family_id = ? OR (n.family_id = '' AND EXISTS (
			SELECT 1 FROM graph_relationships r
			WHERE r.family_id = ?
			  AND ((r.source_type = n.entity_type AND r.source_id = n.external_id)
			    OR (r.target_type = n.entity_type AND r.target_id = n.external_id))
		  )))
		ORDER BY n.created_at, n.entity_type, n.external_id`,
		olderThan.UnixNano(), familyID, familyID)
	if err != nil {
		return nil, classify(fmt.Errorf("listing placeholders: %w", err))
	}

	return collectNodes(rows)
}

// pairMarkers returns n "(?, ?)" row values separated by commas.
func pairMarkers(n int) string {
	return strings.TrimSuffix(strings.Repeat("(?, ?), ", n), ", ")
}

func scanNode(scan func(dest ...any) error) (*models.Node, error) {
	var (
		n                models.Node
		props            string
		created, updated int64
		placeholder      bool
	)

	if err := scan(&n.Key.EntityType, &n.Key.ExternalID, &n.FamilyID, &n.Type, &props,
		&n.Version, &placeholder, &created, &updated); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(props), &n.Properties); err != nil {
		return nil, fmt.Errorf("unmarshalling node properties: %w", err)
	}

	n.Placeholder = placeholder
	n.CreatedAt = time.Unix(0, created).UTC()
	n.UpdatedAt = time.Unix(0, updated).UTC()

	return &n, nil
}

func scanRelationship(scan func(dest ...any) error) (*models.Relationship, error) {
	var (
		r                models.Relationship
		props            string
		created, updated int64
	)

	if err := scan(&r.Key.Type, &r.Key.Source.EntityType, &r.Key.Source.ExternalID,
		&r.Key.Target.EntityType, &r.Key.Target.ExternalID, &r.FamilyID, &props, &r.Version,
		&r.Owner.EntityType, &r.Owner.ExternalID, &created, &updated); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(props), &r.Properties); err != nil {
		return nil, fmt.Errorf("unmarshalling relationship properties: %w", err)
	}

	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()

	return &r, nil
}

func collectNodes(rows *sql.Rows) ([]models.Node, error) {
	defer rows.Close()

	nodes := make([]models.Node, 0, 16)

	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}

		nodes = append(nodes, *n)
	}

	return nodes, classify(rows.Err())
}

func collectRelationships(rows *sql.Rows) ([]models.Relationship, error) {
	defer rows.Close()

	rels := make([]models.Relationship, 0, 16)

	for rows.Next() {
		r, err := scanRelationship(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning relationship row: %w", err)
		}

		rels = append(rels, *r)
	}

	return rels, classify(rows.Err())
}

func collectRelKeys(rows *sql.Rows) ([]models.RelKey, error) {
	defer rows.Close()

	var keys []models.RelKey

	for rows.Next() {
		var k models.RelKey
		if err := rows.Scan(&k.Type, &k.Source.EntityType, &k.Source.ExternalID, &k.Target.EntityType, &k.Target.ExternalID); err != nil {
			return nil, fmt.Errorf("scanning relationship key: %w", err)
		}

		keys = append(keys, k)
	}

	return keys, classify(rows.Err())
}
