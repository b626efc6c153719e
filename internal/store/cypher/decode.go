package cypher

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/persistorai/famgraph/internal/models"
)

var errNoRecord = errors.New("query returned no record")

func single(records []*neo4j.Record) (*neo4j.Record, error) {
	if len(records) == 0 {
		return nil, errNoRecord
	}

	return records[0], nil
}

func str(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	s, _ := v.(string)

	return s
}

func integer(rec *neo4j.Record, key string) int64 {
	v, _ := rec.Get(key)
	i, _ := v.(int64)

	return i
}

func boolean(rec *neo4j.Record, key string) bool {
	v, _ := rec.Get(key)
	b, _ := v.(bool)

	return b
}

func stamp(rec *neo4j.Record, key string) time.Time {
	return time.Unix(0, integer(rec, key)).UTC()
}

func props(rec *neo4j.Record) (map[string]any, error) {
	raw := str(rec, "props")
	if raw == "" {
		return map[string]any{}, nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("unmarshalling properties: %w", err)
	}

	return out, nil
}

func nodeFromRecord(rec *neo4j.Record) (*models.Node, error) {
	p, err := props(rec)
	if err != nil {
		return nil, err
	}

	return &models.Node{
		Key: models.NodeKey{
			EntityType: models.EntityType(str(rec, "entity_type")),
			ExternalID: str(rec, "external_id"),
		},
		FamilyID:    str(rec, "family_id"),
		Type:        models.EntityType(str(rec, "node_type")),
		Properties:  p,
		Version:     integer(rec, "version"),
		Placeholder: boolean(rec, "placeholder"),
		CreatedAt:   stamp(rec, "created_at"),
		UpdatedAt:   stamp(rec, "updated_at"),
	}, nil
}

func nodesFromRecords(records []*neo4j.Record) ([]models.Node, error) {
	nodes := make([]models.Node, 0, len(records))

	for _, rec := range records {
		n, err := nodeFromRecord(rec)
		if err != nil {
			return nil, err
		}

		nodes = append(nodes, *n)
	}

	return nodes, nil
}

func relFromRecord(rec *neo4j.Record) (*models.Relationship, error) {
	p, err := props(rec)
	if err != nil {
		return nil, err
	}

	return &models.Relationship{
		Key:        relKeyFromRecord(rec),
		FamilyID:   str(rec, "family_id"),
		Properties: p,
		Version:    integer(rec, "version"),
		Owner: models.NodeKey{
			EntityType: models.EntityType(str(rec, "owner_type")),
			ExternalID: str(rec, "owner_id"),
		},
		CreatedAt: stamp(rec, "created_at"),
		UpdatedAt: stamp(rec, "updated_at"),
	}, nil
}

func relKeyFromRecord(rec *neo4j.Record) models.RelKey {
	return models.RelKey{
		Type:   models.RelationType(str(rec, "rel_type")),
		Source: models.NodeKey{EntityType: models.EntityType(str(rec, "source_type")), ExternalID: str(rec, "source_id")},
		Target: models.NodeKey{EntityType: models.EntityType(str(rec, "target_type")), ExternalID: str(rec, "target_id")},
	}
}

// relKeys decodes a list of relKeyMap values.
func relKeys(rec *neo4j.Record, key string) []models.RelKey {
	v, _ := rec.Get(key)
	list, _ := v.([]any)

	if len(list) == 0 {
		return nil
	}

	keys := make([]models.RelKey, 0, len(list))

	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}

		get := func(k string) string {
			s, _ := m[k].(string)
			return s
		}

		keys = append(keys, models.RelKey{
			Type:   models.RelationType(get("rel_type")),
			Source: models.NodeKey{EntityType: models.EntityType(get("source_type")), ExternalID: get("source_id")},
			Target: models.NodeKey{EntityType: models.EntityType(get("target_type")), ExternalID: get("target_id")},
		})
	}

	return keys
}
