// Package storetest holds behavioral tests every graph and sync store
// backend must pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/models"
)

// Harness is one isolated backend instance prepared for a single test.
type Harness struct {
	Graph  domain.GraphStore
	Sync   domain.SyncStore
	Family string
	// Key scopes an external id to this harness so parallel tests on a
	// shared database never collide.
	Key func(t models.EntityType, id string) models.NodeKey
	// DropNodeRow removes a node row without touching its relationships,
	// simulating damage the reconciler must repair. Nil skips those tests.
	DropNodeRow func(ctx context.Context, key models.NodeKey) error
}

// Factory builds a fresh Harness.
type Factory func(t *testing.T) *Harness

// Run executes the graph and sync behavior tests against a backend.
func Run(t *testing.T, newHarness Factory) {
	t.Helper()

	tests := map[string]func(t *testing.T, h *Harness){
		"UpsertNodeOutcomes":           testUpsertNodeOutcomes,
		"UpsertRelationshipPlaceholder": testUpsertRelationshipPlaceholder,
		"PlaceholderUpgrade":           testPlaceholderUpgrade,
		"CrossFamilyRejected":          testCrossFamilyRejected,
		"SharedEndpoint":               testSharedEndpoint,
		"DeleteCascadesAndTombstones":  testDeleteCascadesAndTombstones,
		"DeleteAbsentNode":             testDeleteAbsentNode,
		"FamilyChangeDropsEdges":       testFamilyChangeDropsEdges,
		"PruneOwned":                   testPruneOwned,
		"DanglingRepair":               testDanglingRepair,
		"Placeholders":                 testPlaceholders,
		"SyncRecordLifecycle":          testSyncRecordLifecycle,
		"SyncFailures":                 testSyncFailures,
	}

	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			fn(t, newHarness(t))
		})
	}
}

func nodeUp(h *Harness, t models.EntityType, id string, version int64, props map[string]any) models.NodeUpsert {
	fam := h.Family
	if t.Shared() {
		fam = models.SharedScope
	}

	return models.NodeUpsert{Key: h.Key(t, id), FamilyID: fam, Properties: props, Version: version}
}

func relUp(h *Harness, rt models.RelationType, src, tgt models.NodeKey, version int64, owner models.NodeKey) models.RelationshipUpsert {
	return models.RelationshipUpsert{
		Key:      models.RelKey{Type: rt, Source: src, Target: tgt},
		FamilyID: h.Family,
		Version:  version,
		Owner:    owner,
	}
}

func testUpsertNodeOutcomes(t *testing.T, h *Harness) {
	ctx := context.Background()
	up := nodeUp(h, models.EntityPerson, "p1", 10, map[string]any{"name": "Ann"})

	res, err := h.Graph.UpsertNode(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreated, res.Outcome)

	res, err = h.Graph.UpsertNode(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnchanged, res.Outcome, "redelivery is a no-op")

	older := nodeUp(h, models.EntityPerson, "p1", 5, map[string]any{"name": "Old"})
	res, err = h.Graph.UpsertNode(ctx, older)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeStale, res.Outcome)

	newer := nodeUp(h, models.EntityPerson, "p1", 11, map[string]any{"name": "Anne"})
	res, err = h.Graph.UpsertNode(ctx, newer)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUpdated, res.Outcome)

	n, err := h.Graph.GetNode(ctx, up.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n.Version)
	assert.Equal(t, "Anne", n.Properties["name"])
	assert.Equal(t, models.EntityPerson, n.Type)
	assert.False(t, n.Placeholder)

	_, err = h.Graph.GetNode(ctx, h.Key(models.EntityPerson, "missing"))
	require.ErrorIs(t, err, models.ErrNodeNotFound)
}

func testUpsertRelationshipPlaceholder(t *testing.T, h *Harness) {
	ctx := context.Background()
	task := h.Key(models.EntityTask, "t1")
	person := h.Key(models.EntityPerson, "p9")

	_, err := h.Graph.UpsertNode(ctx, nodeUp(h, models.EntityTask, "t1", 10, nil))
	require.NoError(t, err)

	up := relUp(h, models.RelAssignedTo, task, person, 10, task)

	res, err := h.Graph.UpsertRelationship(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreated, res.Outcome)
	assert.Equal(t, []models.NodeKey{person}, res.Placeholders)

	ph, err := h.Graph.GetNode(ctx, person)
	require.NoError(t, err)
	assert.True(t, ph.Placeholder)
	assert.Equal(t, models.EntityUnknown, ph.Type)
	assert.Equal(t, h.Family, ph.FamilyID)
	assert.Equal(t, int64(0), ph.Version)

	res, err = h.Graph.UpsertRelationship(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnchanged, res.Outcome)
	assert.Empty(t, res.Placeholders)

	rels, err := h.Graph.FamilyRelationships(ctx, h.Family)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, up.Key, rels[0].Key)
	assert.Equal(t, task, rels[0].Owner)
}

func testPlaceholderUpgrade(t *testing.T, h *Harness) {
	ctx := context.Background()
	task := h.Key(models.EntityTask, "t1")
	person := h.Key(models.EntityPerson, "p1")

	_, err := h.Graph.UpsertRelationship(ctx, relUp(h, models.RelAssignedTo, task, person, 5, task))
	require.NoError(t, err)

	res, err := h.Graph.UpsertNode(ctx, nodeUp(h, models.EntityPerson, "p1", 7, map[string]any{"name": "Bo"}))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUpdated, res.Outcome, "placeholder at version 0 is upgraded in place")
	assert.Empty(t, res.RemovedEdges)

	n, err := h.Graph.GetNode(ctx, person)
	require.NoError(t, err)
	assert.False(t, n.Placeholder)
	assert.Equal(t, models.EntityPerson, n.Type)

	rels, err := h.Graph.FamilyRelationships(ctx, h.Family)
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func testCrossFamilyRejected(t *testing.T, h *Harness) {
	ctx := context.Background()
	other := models.NodeUpsert{Key: h.Key(models.EntityPerson, "stranger"), FamilyID: h.Family + "-other", Version: 3}

	_, err := h.Graph.UpsertNode(ctx, other)
	require.NoError(t, err)

	task := h.Key(models.EntityTask, "t1")
	res, err := h.Graph.UpsertRelationship(ctx, relUp(h, models.RelAssignedTo, task, other.Key, 4, task))
	require.ErrorIs(t, err, models.ErrCrossFamily)
	assert.Equal(t, models.OutcomeRejected, res.Outcome)

	rels, err := h.Graph.FamilyRelationships(ctx, h.Family)
	require.NoError(t, err)
	assert.Empty(t, rels)

	nodes, err := h.Graph.FamilyNodes(ctx, h.Family)
	require.NoError(t, err)
	assert.Empty(t, nodes, "a rejected relationship leaves no placeholder behind")
}

func testSharedEndpoint(t *testing.T, h *Harness) {
	ctx := context.Background()
	event := h.Key(models.EntityEvent, "e1")
	provider := h.Key(models.EntityProvider, "dr")

	res, err := h.Graph.UpsertRelationship(ctx, relUp(h, models.RelProvidedBy, event, provider, 2, event))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreated, res.Outcome)

	ph, err := h.Graph.GetNode(ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, models.SharedScope, ph.FamilyID)

	up := nodeUp(h, models.EntityProvider, "dr", 4, map[string]any{"name": "Dr. Lee"})
	res, err = h.Graph.UpsertNode(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUpdated, res.Outcome)
	assert.Empty(t, res.RemovedEdges, "shared nodes keep edges from every family")

	phs, err := h.Graph.Placeholders(ctx, h.Family, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, phs, 1, "only the event placeholder remains")
}

func testDeleteCascadesAndTombstones(t *testing.T, h *Harness) {
	ctx := context.Background()
	task := h.Key(models.EntityTask, "t1")
	person := h.Key(models.EntityPerson, "p1")

	_, err := h.Graph.UpsertNode(ctx, nodeUp(h, models.EntityTask, "t1", 10, nil))
	require.NoError(t, err)
	_, err = h.Graph.UpsertNode(ctx, nodeUp(h, models.EntityPerson, "p1", 10, nil))
	require.NoError(t, err)
	_, err = h.Graph.UpsertRelationship(ctx, relUp(h, models.RelAssignedTo, task, person, 10, task))
	require.NoError(t, err)

	res, err := h.Graph.DeleteNode(ctx, person, 5)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeStale, res.Outcome, "older delete loses")

	res, err = h.Graph.DeleteNode(ctx, person, 12)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDeleted, res.Outcome)
	assert.Len(t, res.RemovedEdges, 1)

	_, err = h.Graph.GetNode(ctx, person)
	require.ErrorIs(t, err, models.ErrNodeNotFound)

	rels, err := h.Graph.FamilyRelationships(ctx, h.Family)
	require.NoError(t, err)
	assert.Empty(t, rels)

	res, err = h.Graph.UpsertNode(ctx, nodeUp(h, models.EntityPerson, "p1", 11, nil))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeStale, res.Outcome, "tombstone blocks resurrection by older versions")

	res, err = h.Graph.UpsertRelationship(ctx, relUp(h, models.RelAssignedTo, task, person, 13, task))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeEndpointDeleted, res.Outcome)

	res, err = h.Graph.UpsertNode(ctx, nodeUp(h, models.EntityPerson, "p1", 20, nil))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreated, res.Outcome, "a newer create recreates the node")
}

func testDeleteAbsentNode(t *testing.T, h *Harness) {
	ctx := context.Background()
	key := h.Key(models.EntityChore, "c1")

	res, err := h.Graph.DeleteNode(ctx, key, 9)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnchanged, res.Outcome)

	res, err = h.Graph.UpsertNode(ctx, nodeUp(h, models.EntityChore, "c1", 8, nil))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeStale, res.Outcome, "a delete that arrived first still wins")
}

func testFamilyChangeDropsEdges(t *testing.T, h *Harness) {
	ctx := context.Background()
	task := h.Key(models.EntityTask, "t1")
	person := h.Key(models.EntityPerson, "p1")

	_, err := h.Graph.UpsertNode(ctx, nodeUp(h, models.EntityPerson, "p1", 1, nil))
	require.NoError(t, err)
	_, err = h.Graph.UpsertRelationship(ctx, relUp(h, models.RelAssignedTo, task, person, 1, task))
	require.NoError(t, err)

	moved := models.NodeUpsert{Key: person, FamilyID: h.Family + "-moved", Version: 2}

	res, err := h.Graph.UpsertNode(ctx, moved)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUpdated, res.Outcome)
	require.Len(t, res.RemovedEdges, 1)
	assert.Equal(t, models.RelAssignedTo, res.RemovedEdges[0].Type)

	rels, err := h.Graph.FamilyRelationships(ctx, h.Family)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func testPruneOwned(t *testing.T, h *Harness) {
	ctx := context.Background()
	task := h.Key(models.EntityTask, "t1")
	a := h.Key(models.EntityPerson, "a")
	b := h.Key(models.EntityPerson, "b")

	_, err := h.Graph.UpsertRelationship(ctx, relUp(h, models.RelAssignedTo, task, a, 1, task))
	require.NoError(t, err)
	_, err = h.Graph.UpsertRelationship(ctx, relUp(h, models.RelAssignedTo, task, b, 1, task))
	require.NoError(t, err)
	_, err = h.Graph.UpsertRelationship(ctx, relUp(h, models.RelAssignedTo, task, b, 2, task))
	require.NoError(t, err)

	pruned, err := h.Graph.PruneOwnedRelationships(ctx, task, 2)
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	assert.Equal(t, a, pruned[0].Target)

	rels, err := h.Graph.FamilyRelationships(ctx, h.Family)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, b, rels[0].Key.Target)
}

func testDanglingRepair(t *testing.T, h *Harness) {
	if h.DropNodeRow == nil {
		t.Skip("backend cannot represent dangling relationships")
	}

	ctx := context.Background()
	task := h.Key(models.EntityTask, "t1")
	person := h.Key(models.EntityPerson, "p1")

	_, err := h.Graph.UpsertNode(ctx, nodeUp(h, models.EntityTask, "t1", 1, nil))
	require.NoError(t, err)
	_, err = h.Graph.UpsertRelationship(ctx, relUp(h, models.RelAssignedTo, task, person, 1, task))
	require.NoError(t, err)

	dangling, err := h.Graph.DanglingRelationships(ctx, h.Family)
	require.NoError(t, err)
	assert.Empty(t, dangling)

	require.NoError(t, h.DropNodeRow(ctx, person))

	dangling, err = h.Graph.DanglingRelationships(ctx, h.Family)
	require.NoError(t, err)
	require.Len(t, dangling, 1)

	removed, err := h.Graph.DeleteRelationshipIfDangling(ctx, dangling[0].Key)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = h.Graph.DeleteRelationshipIfDangling(ctx, dangling[0].Key)
	require.NoError(t, err)
	assert.False(t, removed)
}

func testPlaceholders(t *testing.T, h *Harness) {
	ctx := context.Background()
	task := h.Key(models.EntityTask, "t1")
	person := h.Key(models.EntityPerson, "p1")

	_, err := h.Graph.UpsertRelationship(ctx, relUp(h, models.RelAssignedTo, task, person, 1, task))
	require.NoError(t, err)

	phs, err := h.Graph.Placeholders(ctx, h.Family, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, phs, "young placeholders are not reported")

	phs, err = h.Graph.Placeholders(ctx, h.Family, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, phs, 2)

	families, err := h.Graph.ListFamilies(ctx)
	require.NoError(t, err)
	assert.Contains(t, families, h.Family)

	nodes, err := h.Graph.NodesByKeys(ctx, []models.NodeKey{task, person, h.Key(models.EntityPerson, "nope")})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func testSyncRecordLifecycle(t *testing.T, h *Harness) {
	ctx := context.Background()
	key := h.Key(models.EntityPerson, "p1")

	_, err := h.Sync.GetSyncRecord(ctx, key)
	require.ErrorIs(t, err, models.ErrSyncRecordNotFound)

	require.NoError(t, h.Sync.MarkPending(ctx, key, h.Family, 10))

	rec, err := h.Sync.GetSyncRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, rec.State)
	assert.Equal(t, int64(10), rec.SourceVersion)

	require.NoError(t, h.Sync.MarkApplied(ctx, key, h.Family, "ev-10", 10, false))

	rec, err = h.Sync.GetSyncRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.SyncApplied, rec.State)
	assert.Equal(t, "ev-10", rec.LastAppliedEventID)
	assert.NotNil(t, rec.LastSyncedAt)

	ok, err := h.Sync.MarkVerified(ctx, key, 9)
	require.NoError(t, err)
	assert.False(t, ok, "verification of another version is ignored")

	ok, err = h.Sync.MarkVerified(ctx, key, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.Sync.MarkPending(ctx, key, h.Family, 8))

	rec, err = h.Sync.GetSyncRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.SyncVerified, rec.State, "older deliveries do not reopen the record")

	require.NoError(t, h.Sync.MarkPending(ctx, key, h.Family, 12))
	require.NoError(t, h.Sync.MarkApplied(ctx, key, h.Family, "ev-11", 11, false))

	rec, err = h.Sync.GetSyncRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, rec.State, "a newer observed version keeps it pending")
	assert.True(t, rec.Behind())

	require.NoError(t, h.Sync.MarkApplied(ctx, key, h.Family, "ev-old", 3, false))

	rec, err = h.Sync.GetSyncRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(11), rec.LastAppliedVersion, "applied version never regresses")

	recs, err := h.Sync.ListSyncRecords(ctx, h.Family)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func testSyncFailures(t *testing.T, h *Harness) {
	ctx := context.Background()
	key := h.Key(models.EntityTask, "bad")

	require.NoError(t, h.Sync.MarkFailed(ctx, key, h.Family, "boom", false))
	require.NoError(t, h.Sync.MarkFailed(ctx, key, h.Family, "boom again", true))

	rec, err := h.Sync.GetSyncRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.SyncDeadLettered, rec.State)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "boom again", rec.LastError)

	require.NoError(t, h.Sync.MarkApplied(ctx, key, h.Family, "ev-1", 1, true))

	rec, err = h.Sync.GetSyncRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.SyncApplied, rec.State)
	assert.True(t, rec.Deleted)
	assert.Zero(t, rec.Attempts)
	assert.Empty(t, rec.LastError)
}
