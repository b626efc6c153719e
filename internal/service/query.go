package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/metrics"
	"github.com/persistorai/famgraph/internal/models"
)

const (
	backfillBatchSize   = 500
	backfillConcurrency = 4
)

// SubgraphEngine assembles closure-consistent family subgraphs.
type SubgraphEngine struct {
	graph domain.GraphReader
	log   *logrus.Logger
}

// NewSubgraphEngine creates a SubgraphEngine.
func NewSubgraphEngine(graph domain.GraphReader, log *logrus.Logger) *SubgraphEngine {
	return &SubgraphEngine{graph: graph, log: log}
}

// GetFamilyGraph returns the nodes and relationships of a family. Every
// returned relationship has both endpoints among the returned nodes. Limits
// of zero or less fall back to the defaults.
func (s *SubgraphEngine) GetFamilyGraph(ctx context.Context, familyID string, maxNodes, maxRelationships int) (*models.Subgraph, error) {
	if familyID == "" {
		return nil, models.ErrMissingFamily
	}

	if maxNodes <= 0 {
		maxNodes = models.DefaultMaxNodes
	}
	if maxRelationships <= 0 {
		maxRelationships = models.DefaultMaxRelationships
	}

	seed, err := s.graph.FamilyNodes(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("loading family nodes: %w", err)
	}

	rels, err := s.graph.FamilyRelationships(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("loading family relationships: %w", err)
	}

	g := &models.Subgraph{FamilyID: familyID}
	g.Stats.SeedNodes = len(seed)

	nodes := make(map[models.NodeKey]models.Node, len(seed))
	for _, n := range seed {
		nodes[n.Key] = n
	}

	backfilled, err := s.backfill(ctx, familyID, missingEndpoints(nodes, rels))
	if err != nil {
		return nil, err
	}

	for _, n := range backfilled {
		nodes[n.Key] = n
	}

	g.Stats.BackfilledNodes = len(backfilled)

	closed := make([]models.Relationship, 0, len(rels))

	for _, r := range rels {
		_, src := nodes[r.Key.Source]
		_, tgt := nodes[r.Key.Target]

		if !src || !tgt {
			g.Stats.OmittedRelationships++
			continue
		}

		closed = append(closed, r)
	}

	if g.Stats.OmittedRelationships > 0 {
		s.log.WithFields(logrus.Fields{
			"family_id": familyID,
			"omitted":   g.Stats.OmittedRelationships,
		}).Warn("relationships omitted for unresolvable endpoints")
	}

	ordered := make([]models.Node, 0, len(nodes))
	for _, n := range nodes {
		ordered = append(ordered, n)
	}

	sortNodes(ordered)

	if len(ordered) > maxNodes {
		g.Stats.DroppedNodes = len(ordered) - maxNodes
		ordered = ordered[:maxNodes]
	}

	kept := make(map[models.NodeKey]bool, len(ordered))
	for _, n := range ordered {
		kept[n.Key] = true
	}

	g.Relationships = make([]models.Relationship, 0, len(closed))

	for _, r := range closed {
		if kept[r.Key.Source] && kept[r.Key.Target] {
			g.Relationships = append(g.Relationships, r)
		} else {
			g.Stats.DroppedRelationships++
		}
	}

	sortRelationships(g.Relationships)

	if len(g.Relationships) > maxRelationships {
		g.Stats.DroppedRelationships += len(g.Relationships) - maxRelationships
		g.Relationships = g.Relationships[:maxRelationships]
	}

	g.Nodes = ordered
	g.Truncated = g.Stats.DroppedNodes > 0 || g.Stats.DroppedRelationships > 0

	metrics.SubgraphNodes.Observe(float64(len(g.Nodes)))
	if g.Truncated {
		metrics.SubgraphTruncated.Inc()
	}

	return g, nil
}

// missingEndpoints returns relationship endpoints absent from nodes, sorted.
func missingEndpoints(nodes map[models.NodeKey]models.Node, rels []models.Relationship) []models.NodeKey {
	seen := make(map[models.NodeKey]bool)

	var missing []models.NodeKey

	for _, r := range rels {
		for _, k := range [2]models.NodeKey{r.Key.Source, r.Key.Target} {
			if _, ok := nodes[k]; ok || seen[k] {
				continue
			}

			seen[k] = true
			missing = append(missing, k)
		}
	}

	sort.Slice(missing, func(i, j int) bool { return missing[i].Less(missing[j]) })

	return missing
}

// backfill fetches missing endpoints by key in bounded batches and keeps only
// nodes of the family or the shared scope.
func (s *SubgraphEngine) backfill(ctx context.Context, familyID string, keys []models.NodeKey) ([]models.Node, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	batches := make([][]models.Node, (len(keys)+backfillBatchSize-1)/backfillBatchSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backfillConcurrency)

	for i := range batches {
		lo := i * backfillBatchSize
		hi := min(lo+backfillBatchSize, len(keys))

		g.Go(func() error {
			found, err := s.graph.NodesByKeys(gctx, keys[lo:hi])
			if err != nil {
				return fmt.Errorf("backfilling endpoints: %w", err)
			}

			batches[i] = found

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []models.Node

	for _, batch := range batches {
		for _, n := range batch {
			if n.FamilyID == familyID || n.FamilyID == models.SharedScope {
				out = append(out, n)
			}
		}
	}

	return out, nil
}

// sortNodes orders nodes newest first, then by key.
func sortNodes(nodes []models.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}

		return a.Key.Less(b.Key)
	})
}

// sortRelationships orders relationships newest first, then by key.
func sortRelationships(rels []models.Relationship) {
	sort.Slice(rels, func(i, j int) bool {
		a, b := rels[i], rels[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}

		return a.Key.Less(b.Key)
	})
}
