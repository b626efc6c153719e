package client

import (
	"encoding/json"
	"time"
)

// NodeKey identifies an entity by type and external ID.
type NodeKey struct {
	EntityType string `json:"entity_type"`
	ExternalID string `json:"external_id"`
}

// String returns "Type:externalId".
func (k NodeKey) String() string {
	return k.EntityType + ":" + k.ExternalID
}

// Node is a projected entity.
type Node struct {
	Key         NodeKey        `json:"key"`
	FamilyID    string         `json:"family_id"`
	Type        string         `json:"type"`
	Properties  map[string]any `json:"properties"`
	Version     int64          `json:"version"`
	Placeholder bool           `json:"placeholder"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NodeView is a node together with its decoded attributes.
type NodeView struct {
	Node
	Attributes map[string]any `json:"attributes"`
}

// RelKey identifies a relationship.
type RelKey struct {
	Type   string  `json:"type"`
	Source NodeKey `json:"source"`
	Target NodeKey `json:"target"`
}

// Relationship is a directed edge between two projected entities.
type Relationship struct {
	Key        RelKey         `json:"key"`
	FamilyID   string         `json:"family_id"`
	Properties map[string]any `json:"properties"`
	Version    int64          `json:"version"`
	Owner      NodeKey        `json:"owner"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Subgraph is a family's graph, possibly truncated.
type Subgraph struct {
	FamilyID      string         `json:"family_id"`
	Nodes         []Node         `json:"nodes"`
	Relationships []Relationship `json:"relationships"`
	Truncated     bool           `json:"truncated"`
	Stats         SubgraphStats  `json:"stats"`
}

// SubgraphStats describes how a subgraph was assembled.
type SubgraphStats struct {
	SeedNodes            int `json:"seed_nodes"`
	BackfilledNodes      int `json:"backfilled_nodes"`
	OmittedRelationships int `json:"omitted_relationships"`
	DroppedNodes         int `json:"dropped_nodes"`
	DroppedRelationships int `json:"dropped_relationships"`
}

// SubgraphOptions bounds a subgraph query. Zero values use server defaults.
type SubgraphOptions struct {
	MaxNodes         int
	MaxRelationships int
}

// SyncRecord is the per-entity sync bookkeeping.
type SyncRecord struct {
	Key                NodeKey    `json:"key"`
	FamilyID           string     `json:"family_id"`
	LastAppliedEventID string     `json:"last_applied_event_id,omitempty"`
	LastAppliedVersion int64      `json:"last_applied_version"`
	SourceVersion      int64      `json:"source_version"`
	LastSyncedAt       *time.Time `json:"last_synced_at,omitempty"`
	State              string     `json:"state"`
	Deleted            bool       `json:"deleted"`
	Attempts           int        `json:"attempts"`
	LastError          string     `json:"last_error,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// FamilySyncStatus aggregates sync health for one family.
type FamilySyncStatus struct {
	FamilyID         string         `json:"family_id"`
	Entities         int            `json:"entities"`
	States           map[string]int `json:"states"`
	DeadLettered     int            `json:"dead_lettered"`
	Placeholders     int            `json:"placeholders"`
	OldestPendingAge string         `json:"oldest_pending_age,omitempty"`
	LastSyncedAt     *time.Time     `json:"last_synced_at,omitempty"`
	Health           string         `json:"health"`
}

// ResyncResult reports how many change events a forced resync emitted.
type ResyncResult struct {
	FamilyID string   `json:"familyId,omitempty"`
	Entity   *NodeKey `json:"entity,omitempty"`
	Emitted  int      `json:"emitted"`
}

// StaleNode is a node whose projection disagrees with its source.
type StaleNode struct {
	Key           NodeKey `json:"key"`
	NodeVersion   int64   `json:"node_version"`
	SourceVersion int64   `json:"source_version"`
	Reason        string  `json:"reason"`
}

// ReconciliationReport lists integrity problems found in a family.
type ReconciliationReport struct {
	FamilyID           string         `json:"family_id"`
	ScannedAt          time.Time      `json:"scanned_at"`
	DanglingEdges      []Relationship `json:"dangling_edges"`
	OrphanPlaceholders []Node         `json:"orphan_placeholders"`
	StaleNodes         []StaleNode    `json:"stale_nodes"`
}

// RepairResult summarizes what a repair pass changed.
type RepairResult struct {
	RemovedEdges           int       `json:"removed_edges"`
	RecoveredEdges         int       `json:"recovered_edges"`
	ResyncRequested        int       `json:"resync_requested"`
	BackfillRequested      int       `json:"backfill_requested"`
	UnresolvedPlaceholders []NodeKey `json:"unresolved_placeholders,omitempty"`
	Verified               int       `json:"verified"`
	Errors                 []string  `json:"errors,omitempty"`
}

// Reconcile job states.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// ReconcileJob is a background scan-and-repair of one family.
type ReconcileJob struct {
	ID         string                `json:"id"`
	FamilyID   string                `json:"family_id"`
	State      string                `json:"state"`
	Trigger    string                `json:"trigger"`
	Report     *ReconciliationReport `json:"report,omitempty"`
	Result     *RepairResult         `json:"result,omitempty"`
	Error      string                `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	StartedAt  *time.Time            `json:"started_at,omitempty"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
}

// Done reports whether the job reached a terminal state.
func (j *ReconcileJob) Done() bool {
	return j.State == JobSucceeded || j.State == JobFailed
}

// JobTicket is returned when a reconcile job is accepted.
type JobTicket struct {
	JobID   string `json:"jobId"`
	Created bool   `json:"created"`
	State   string `json:"state"`
}

// DeadLetterRef points at an archived dead letter.
type DeadLetterRef struct {
	Key          string    `json:"key"`
	EntityType   string    `json:"entity_type"`
	ExternalID   string    `json:"external_id"`
	EventID      string    `json:"event_id"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// AuditEntry is one recorded sync or repair action.
type AuditEntry struct {
	ID        int64          `json:"id"`
	FamilyID  string         `json:"family_id"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	Actor     string         `json:"actor,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditQueryOptions filters audit log queries.
type AuditQueryOptions struct {
	FamilyID string
	Action   string
	Since    *time.Time
	Limit    int
	Offset   int
}

// HealthResponse is the liveness check response.
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	Backend       string  `json:"backend"`
	Subscribers   int     `json:"subscribers"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// GraphChange is one applied mutation pushed over the change stream.
type GraphChange struct {
	Kind     string `json:"kind"`
	FamilyID string `json:"family_id"`
	Target   string `json:"target"`
	Version  int64  `json:"version,omitempty"`
}

// StreamEvent is one message received on a family change stream. Type is a
// change kind, or "reset" when the resume point was lost, or "shutdown".
type StreamEvent struct {
	Type     string          `json:"type"`
	ID       uint64          `json:"id"`
	FamilyID string          `json:"family_id"`
	Data     json.RawMessage `json:"data,omitempty"`
	Time     time.Time       `json:"time"`
	Reason   string          `json:"reason,omitempty"`
}

// Change decodes Data as a GraphChange.
func (e *StreamEvent) Change() (*GraphChange, error) {
	var gc GraphChange
	if err := json.Unmarshal(e.Data, &gc); err != nil {
		return nil, err
	}
	return &gc, nil
}
