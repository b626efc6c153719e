package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/persistorai/famgraph/internal/models"
	"github.com/persistorai/famgraph/internal/store/storetest"
)

func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s, err := Open(filepath.Join(t.TempDir(), "test.db"), log, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestStoreBehavior(t *testing.T) {
	storetest.Run(t, func(t *testing.T) *storetest.Harness {
		s := createTestStore(t)

		return &storetest.Harness{
			Graph:  s,
			Sync:   s,
			Family: "fam-1",
			Key: func(et models.EntityType, id string) models.NodeKey {
				return models.NodeKey{EntityType: et, ExternalID: id}
			},
			DropNodeRow: func(ctx context.Context, key models.NodeKey) error {
				_, err := s.db.ExecContext(ctx,
					`DELETE FROM graph_nodes WHERE entity_type = ? AND external_id = ?`,
					key.EntityType, key.ExternalID)
				return err
			},
		}
	})
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")

	s1, err := Open(path, logrus.New())
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, logrus.New())
	require.NoError(t, err)
	defer s2.Close()

	v, err := s2.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, v)
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []models.GraphChange
}

func (p *recordingPublisher) Publish(c models.GraphChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
}

func TestPublishesCommittedChanges(t *testing.T) {
	pub := &recordingPublisher{}
	s := createTestStore(t, WithPublisher(pub))
	ctx := context.Background()

	task := models.NodeKey{EntityType: models.EntityTask, ExternalID: "t1"}
	person := models.NodeKey{EntityType: models.EntityPerson, ExternalID: "p1"}

	_, err := s.UpsertNode(ctx, models.NodeUpsert{Key: task, FamilyID: "f", Version: 1})
	require.NoError(t, err)

	up := models.RelationshipUpsert{
		Key:      models.RelKey{Type: models.RelAssignedTo, Source: task, Target: person},
		FamilyID: "f", Version: 1, Owner: task,
	}
	_, err = s.UpsertRelationship(ctx, up)
	require.NoError(t, err)
	_, err = s.UpsertRelationship(ctx, up)
	require.NoError(t, err)

	_, err = s.DeleteNode(ctx, task, 2)
	require.NoError(t, err)

	kinds := make([]models.GraphChangeKind, 0, len(pub.changes))
	for _, c := range pub.changes {
		kinds = append(kinds, c.Kind)
		assert.Equal(t, "f", c.FamilyID)
	}

	assert.Equal(t, []models.GraphChangeKind{
		models.ChangeNodeUpserted,
		models.ChangeEdgeUpserted,
		models.ChangeNodeDeleted,
	}, kinds, "unchanged writes publish nothing")
}

func TestAuditQueryAndPurge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := createTestStore(t, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, s.RecordAudit(ctx, &models.AuditEntry{
		FamilyID: "f", Action: models.AuditEventDeadLettered, Target: "old",
	}))

	now = now.AddDate(0, 0, 400)

	for _, target := range []string{"a", "b", "c"} {
		require.NoError(t, s.RecordAudit(ctx, &models.AuditEntry{
			FamilyID: "f", Action: models.AuditResyncRequested, Target: target,
			Actor: "cli", Detail: map[string]any{"n": 1},
		}))
	}

	entries, hasMore, err := s.QueryAudit(ctx, models.AuditQueryOpts{FamilyID: "f", Action: models.AuditResyncRequested, Limit: 2})
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].Target, "newest first")
	assert.Equal(t, "cli", entries[0].Actor)
	assert.InDelta(t, 1, entries[0].Detail["n"], 0)

	since := now.Add(-time.Hour)
	entries, _, err = s.QueryAudit(ctx, models.AuditQueryOpts{Since: &since})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	purged, err := s.PurgeOldEntries(ctx, 365)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}
