package models

// Default and hard limits for subgraph queries.
const (
	DefaultMaxNodes         = 5000
	DefaultMaxRelationships = 20000
)

// Subgraph is a closure-consistent family graph: every relationship's
// endpoints are present in Nodes.
type Subgraph struct {
	FamilyID      string         `json:"family_id"`
	Nodes         []Node         `json:"nodes"`
	Relationships []Relationship `json:"relationships"`
	Truncated     bool           `json:"truncated"`
	Stats         SubgraphStats  `json:"stats"`
}

// SubgraphStats describes how the result was assembled.
type SubgraphStats struct {
	SeedNodes            int `json:"seed_nodes"`
	BackfilledNodes      int `json:"backfilled_nodes"`
	OmittedRelationships int `json:"omitted_relationships"`
	DroppedNodes         int `json:"dropped_nodes"`
	DroppedRelationships int `json:"dropped_relationships"`
}

// GraphChangeKind names a graph mutation published on the change stream.
type GraphChangeKind string

// Change kinds.
const (
	ChangeNodeUpserted GraphChangeKind = "node.upserted"
	ChangeNodeDeleted  GraphChangeKind = "node.deleted"
	ChangeEdgeUpserted GraphChangeKind = "edge.upserted"
	ChangeEdgeRemoved  GraphChangeKind = "edge.removed"
)

// GraphChange is one applied mutation, scoped to a family.
type GraphChange struct {
	Kind     GraphChangeKind `json:"kind"`
	FamilyID string          `json:"family_id"`
	Target   string          `json:"target"`
	Version  int64           `json:"version,omitempty"`
}
