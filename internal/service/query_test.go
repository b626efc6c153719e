package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/persistorai/famgraph/internal/models"
)

func node(et models.EntityType, id, family string, created time.Time) models.Node {
	return models.Node{Key: models.NodeKey{EntityType: et, ExternalID: id}, FamilyID: family, Version: 1, CreatedAt: created}
}

func rel(t models.RelationType, src, tgt models.Node, created time.Time) models.Relationship {
	return models.Relationship{
		Key:       models.RelKey{Type: t, Source: src.Key, Target: tgt.Key},
		FamilyID:  "F1",
		Version:   1,
		CreatedAt: created,
	}
}

func assertClosed(t *testing.T, g *models.Subgraph) {
	t.Helper()

	present := map[models.NodeKey]bool{}
	for _, n := range g.Nodes {
		present[n.Key] = true
	}

	for _, r := range g.Relationships {
		if !present[r.Key.Source] || !present[r.Key.Target] {
			t.Fatalf("relationship %s has an endpoint outside the result", r.Key)
		}
	}
}

func TestGetFamilyGraph_BackfillsSharedAndOmitsForeign(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ann := node(models.EntityPerson, "ann", "F1", t0)
	event := node(models.EntityEvent, "e1", "F1", t0.Add(time.Minute))
	park := node(models.EntityLocation, "park", models.SharedScope, t0)
	foreign := node(models.EntityPerson, "bob", "F2", t0)
	ghost := node(models.EntityPerson, "ghost", "F1", t0)

	graph := &mockGraphStore{
		familyNodes: func(context.Context, string) ([]models.Node, error) {
			return []models.Node{event, ann}, nil
		},
		familyRels: func(context.Context, string) ([]models.Relationship, error) {
			return []models.Relationship{
				rel(models.RelOrganizes, ann, event, t0),
				rel(models.RelLocatedAt, event, park, t0),
				rel(models.RelAttends, foreign, event, t0),
				rel(models.RelAttends, ghost, event, t0),
			}, nil
		},
		nodesByKeys: func(_ context.Context, keys []models.NodeKey) ([]models.Node, error) {
			if len(keys) != 3 {
				t.Errorf("backfill keys = %v, want 3", keys)
			}
			return []models.Node{park, foreign}, nil
		},
	}

	g, err := NewSubgraphEngine(graph, quietLogger()).GetFamilyGraph(context.Background(), "F1", 0, 0)
	if err != nil {
		t.Fatalf("GetFamilyGraph: %v", err)
	}

	assertClosed(t, g)

	if len(g.Nodes) != 3 || len(g.Relationships) != 2 {
		t.Fatalf("nodes=%d rels=%d, want 3 and 2", len(g.Nodes), len(g.Relationships))
	}
	if g.Stats.SeedNodes != 2 || g.Stats.BackfilledNodes != 1 || g.Stats.OmittedRelationships != 2 {
		t.Errorf("stats = %+v", g.Stats)
	}
	if g.Truncated {
		t.Error("omissions are not truncation")
	}

	for _, n := range g.Nodes {
		if n.FamilyID != "F1" && n.FamilyID != models.SharedScope {
			t.Errorf("foreign node %s leaked", n.Key)
		}
	}
}

func TestGetFamilyGraph_TruncatesDeterministically(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	oldest := node(models.EntityPerson, "a", "F1", t0)
	middle := node(models.EntityPerson, "b", "F1", t0.Add(time.Hour))
	newestX := node(models.EntityPerson, "x", "F1", t0.Add(2*time.Hour))
	newestY := node(models.EntityPerson, "y", "F1", t0.Add(2*time.Hour))

	graph := &mockGraphStore{
		familyNodes: func(context.Context, string) ([]models.Node, error) {
			return []models.Node{oldest, newestY, middle, newestX}, nil
		},
		familyRels: func(context.Context, string) ([]models.Relationship, error) {
			return []models.Relationship{
				rel(models.RelSpouseOf, oldest, middle, t0),
				rel(models.RelParentOf, newestX, newestY, t0.Add(3*time.Hour)),
				rel(models.RelParentOf, middle, newestX, t0.Add(4*time.Hour)),
			}, nil
		},
	}

	eng := NewSubgraphEngine(graph, quietLogger())

	g, err := eng.GetFamilyGraph(context.Background(), "F1", 3, 1)
	if err != nil {
		t.Fatalf("GetFamilyGraph: %v", err)
	}

	assertClosed(t, g)

	if !g.Truncated {
		t.Fatal("expected truncated")
	}

	want := []string{"x", "y", "b"}
	for i, n := range g.Nodes {
		if n.Key.ExternalID != want[i] {
			t.Fatalf("node order = %v, want %v", g.Nodes, want)
		}
	}

	if len(g.Relationships) != 1 || g.Relationships[0].Key.Source.ExternalID != "b" {
		t.Errorf("relationships = %+v", g.Relationships)
	}
	if g.Stats.DroppedNodes != 1 || g.Stats.DroppedRelationships != 2 {
		t.Errorf("stats = %+v", g.Stats)
	}

	again, err := eng.GetFamilyGraph(context.Background(), "F1", 3, 1)
	if err != nil {
		t.Fatalf("GetFamilyGraph: %v", err)
	}

	for i := range g.Nodes {
		if g.Nodes[i].Key != again.Nodes[i].Key {
			t.Fatal("truncation is not deterministic")
		}
	}
}

func TestGetFamilyGraph_StoreUnavailable(t *testing.T) {
	t.Parallel()

	graph := &mockGraphStore{
		familyNodes: func(context.Context, string) ([]models.Node, error) {
			return nil, models.ErrStoreUnavailable
		},
	}

	_, err := NewSubgraphEngine(graph, quietLogger()).GetFamilyGraph(context.Background(), "F1", 10, 10)
	if !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
}
