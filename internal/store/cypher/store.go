package cypher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/models"
)

// Store implements domain.GraphStore over a GraphDriver. Relationships are
// stored as :LINK edges carrying their type in rel_type.
type Store struct {
	driver GraphDriver
	pub    domain.ChangePublisher
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher forwards applied graph changes to pub after each write.
func WithPublisher(pub domain.ChangePublisher) Option {
	return func(s *Store) { s.pub = pub }
}

// New creates a Store.
func New(driver GraphDriver, opts ...Option) *Store {
	s := &Store{driver: driver, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Store) publish(changes ...models.GraphChange) {
	if s.pub == nil {
		return
	}

	for _, c := range changes {
		s.pub.Publish(c)
	}
}

func (s *Store) publishRemoved(familyID string, keys []models.RelKey) {
	for _, k := range keys {
		s.publish(models.GraphChange{Kind: models.ChangeEdgeRemoved, FamilyID: familyID, Target: k.String()})
	}
}

// Ping runs a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.driver.ExecuteQuery(ctx, "RETURN 1", nil); err != nil {
		return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}

	return nil
}

func (s *Store) exec(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := s.driver.ExecuteQuery(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}

	return res.Records, nil
}

// UpsertNode applies a node write when version is newer than the stored
// node and any tombstone.
func (s *Store) UpsertNode(ctx context.Context, up models.NodeUpsert) (models.AppliedResult, error) {
	res := models.AppliedResult{Target: up.Key.String()}

	if err := up.Validate(); err != nil {
		return res, err
	}

	props, err := marshalProps(up.Properties)
	if err != nil {
		return res, err
	}

	records, err := s.exec(ctx, upsertNodeQuery, map[string]any{
		"key":         up.Key.String(),
		"entity_type": string(up.Key.EntityType),
		"external_id": up.Key.ExternalID,
		"family_id":   up.FamilyID,
		"props":       props,
		"version":     up.Version,
		"shared":      up.Key.EntityType.Shared(),
		"now":         s.now().UnixNano(),
	})
	if err != nil {
		return res, fmt.Errorf("upserting node: %w", err)
	}

	rec, err := single(records)
	if err != nil {
		return res, fmt.Errorf("upserting node: %w", err)
	}

	res.Outcome = models.Outcome(str(rec, "outcome"))
	res.RemovedEdges = relKeys(rec, "removed")

	if res.Outcome.Mutated() {
		s.publish(models.GraphChange{Kind: models.ChangeNodeUpserted, FamilyID: up.FamilyID, Target: res.Target, Version: up.Version})
		s.publishRemoved(up.FamilyID, res.RemovedEdges)
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

	srcFamily := models.EndpointFamily(up.Key.Source.EntityType, up.FamilyID)
	tgtFamily := models.EndpointFamily(up.Key.Target.EntityType, up.FamilyID)

	records, err := s.exec(ctx, upsertRelQuery, map[string]any{
		"rel_type":      string(up.Key.Type),
		"source_key":    up.Key.Source.String(),
		"source_type":   string(up.Key.Source.EntityType),
		"source_id":     up.Key.Source.ExternalID,
		"source_family": srcFamily,
		"target_key":    up.Key.Target.String(),
		"target_type":   string(up.Key.Target.EntityType),
		"target_id":     up.Key.Target.ExternalID,
		"target_family": tgtFamily,
		"family_id":     up.FamilyID,
		"props":         props,
		"version":       up.Version,
		"owner_type":    string(up.Owner.EntityType),
		"owner_id":      up.Owner.ExternalID,
		"unknown":       string(models.EntityUnknown),
		"now":           s.now().UnixNano(),
	})
	if err != nil {
		return res, fmt.Errorf("upserting relationship: %w", err)
	}

	rec, err := single(records)
	if err != nil {
		return res, fmt.Errorf("upserting relationship: %w", err)
	}

	res.Outcome = models.Outcome(str(rec, "outcome"))

	if res.Outcome == models.OutcomeRejected {
		ep, family := up.Key.Source, str(rec, "source_family")
		if family == srcFamily {
			ep, family = up.Key.Target, str(rec, "target_family")
		}

		err := fmt.Errorf("%w: %s belongs to family %q, relationship to %q", models.ErrCrossFamily, ep, family, up.FamilyID)
		res.Error = err.Error()

		return res, err
	}

	if boolean(rec, "source_placeholder") {
		res.Placeholders = append(res.Placeholders, up.Key.Source)
	}

	if boolean(rec, "target_placeholder") {
		res.Placeholders = append(res.Placeholders, up.Key.Target)
	}

	if res.Outcome.Mutated() {
		s.publish(models.GraphChange{Kind: models.ChangeEdgeUpserted, FamilyID: up.FamilyID, Target: res.Target, Version: up.Version})
	}

	return res, nil
}

// DeleteNode removes a node and its relationships, leaving a tombstone.
func (s *Store) DeleteNode(ctx context.Context, key models.NodeKey, version int64) (models.AppliedResult, error) {
	res := models.AppliedResult{Target: key.String()}

	records, err := s.exec(ctx, deleteNodeQuery, map[string]any{
		"key":         key.String(),
		"entity_type": string(key.EntityType),
		"external_id": key.ExternalID,
		"version":     version,
		"now":         s.now().UnixNano(),
	})
	if err != nil {
		return res, fmt.Errorf("deleting node: %w", err)
	}

	rec, err := single(records)
	if err != nil {
		return res, fmt.Errorf("deleting node: %w", err)
	}

	res.Outcome = models.Outcome(str(rec, "outcome"))
	res.RemovedEdges = relKeys(rec, "removed")

	if res.Outcome == models.OutcomeDeleted {
		family := str(rec, "family")
		s.publish(models.GraphChange{Kind: models.ChangeNodeDeleted, FamilyID: family, Target: res.Target, Version: version})
		s.publishRemoved(family, res.RemovedEdges)
	}

	return res, nil
}

// PruneOwnedRelationships removes relationships owner declared before version.
func (s *Store) PruneOwnedRelationships(ctx context.Context, owner models.NodeKey, version int64) ([]models.RelKey, error) {
	records, err := s.exec(ctx, pruneOwnedQuery, map[string]any{
		"owner_type": string(owner.EntityType),
		"owner_id":   owner.ExternalID,
		"version":    version,
	})
	if err != nil {
		return nil, fmt.Errorf("pruning owned relationships: %w", err)
	}

	keys := make([]models.RelKey, 0, len(records))
	for _, rec := range records {
		keys = append(keys, relKeyFromRecord(rec))
	}

	return keys, nil
}

// GetNode retrieves a single node by key.
func (s *Store) GetNode(ctx context.Context, key models.NodeKey) (*models.Node, error) {
	records, err := s.exec(ctx, getNodeQuery, map[string]any{"key": key.String()})
	if err != nil {
		return nil, fmt.Errorf("getting node: %w", err)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%s: %w", key, models.ErrNodeNotFound)
	}

	return nodeFromRecord(records[0])
}

// NodesByKeys fetches the nodes that exist among keys.
func (s *Store) NodesByKeys(ctx context.Context, keys []models.NodeKey) ([]models.Node, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	raw := make([]any, 0, len(keys))
	for _, k := range keys {
		raw = append(raw, k.String())
	}

	records, err := s.exec(ctx, nodesByKeysQuery, map[string]any{"keys": raw})
	if err != nil {
		return nil, fmt.Errorf("fetching nodes by key: %w", err)
	}

	return nodesFromRecords(records)
}

// FamilyNodes returns the nodes of a family, newest first.
func (s *Store) FamilyNodes(ctx context.Context, familyID string) ([]models.Node, error) {
	records, err := s.exec(ctx, familyNodesQuery, map[string]any{"family_id": familyID})
	if err != nil {
		return nil, fmt.Errorf("listing family nodes: %w", err)
	}

	return nodesFromRecords(records)
}

// FamilyRelationships returns the relationships of a family, newest first.
func (s *Store) FamilyRelationships(ctx context.Context, familyID string) ([]models.Relationship, error) {
	records, err := s.exec(ctx, familyRelsQuery, map[string]any{"family_id": familyID})
	if err != nil {
		return nil, fmt.Errorf("listing family relationships: %w", err)
	}

	rels := make([]models.Relationship, 0, len(records))

	for _, rec := range records {
		r, err := relFromRecord(rec)
		if err != nil {
			return nil, err
		}

		rels = append(rels, *r)
	}

	return rels, nil
}

// ListFamilies returns every family with graph data.
func (s *Store) ListFamilies(ctx context.Context) ([]string, error) {
	records, err := s.exec(ctx, listFamiliesQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("listing families: %w", err)
	}

	families := make([]string, 0, len(records))
	for _, rec := range records {
		families = append(families, str(rec, "family_id"))
	}

	return families, nil
}

// DanglingRelationships always returns nothing: a :LINK cannot outlive
// either endpoint in a property graph.
func (s *Store) DanglingRelationships(_ context.Context, _ string) ([]models.Relationship, error) {
	return nil, nil
}

// DeleteRelationshipIfDangling never finds a dangling edge.
func (s *Store) DeleteRelationshipIfDangling(_ context.Context, _ models.RelKey) (bool, error) {
	return false, nil
}

// Placeholders returns placeholder nodes of the family, plus shared
// placeholders its relationships reference, created before olderThan.
func (s *Store) Placeholders(ctx context.Context, familyID string, olderThan time.Time) ([]models.Node, error) {
	records, err := s.exec(ctx, placeholdersQuery, map[string]any{
		"family_id":  familyID,
		"older_than": olderThan.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing placeholders: %w", err)
	}

	return nodesFromRecords(records)
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
