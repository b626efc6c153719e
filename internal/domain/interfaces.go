// Package domain defines the canonical interfaces shared by stores, services,
// and the API layer. Consumers should depend on these interfaces rather than
// re-declaring equivalent ones.
package domain

import (
	"context"
	"time"

	"github.com/persistorai/famgraph/internal/models"
)

// GraphWriter applies mapped writes to the graph store. Every method is a
// single atomic conditional write against the store.
type GraphWriter interface {
	UpsertNode(ctx context.Context, up models.NodeUpsert) (models.AppliedResult, error)
	UpsertRelationship(ctx context.Context, up models.RelationshipUpsert) (models.AppliedResult, error)
	DeleteNode(ctx context.Context, key models.NodeKey, version int64) (models.AppliedResult, error)
	// PruneOwnedRelationships removes relationships owned by owner whose
	// version is older than version.
	PruneOwnedRelationships(ctx context.Context, owner models.NodeKey, version int64) ([]models.RelKey, error)
}

// GraphReader serves read-only queries over the projection.
type GraphReader interface {
	GetNode(ctx context.Context, key models.NodeKey) (*models.Node, error)
	NodesByKeys(ctx context.Context, keys []models.NodeKey) ([]models.Node, error)
	FamilyNodes(ctx context.Context, familyID string) ([]models.Node, error)
	FamilyRelationships(ctx context.Context, familyID string) ([]models.Relationship, error)
	ListFamilies(ctx context.Context) ([]string, error)
}

// IntegrityStore supports the reconciler.
type IntegrityStore interface {
	DanglingRelationships(ctx context.Context, familyID string) ([]models.Relationship, error)
	// DeleteRelationshipIfDangling removes the relationship only if an
	// endpoint is still missing at the time of the delete.
	DeleteRelationshipIfDangling(ctx context.Context, key models.RelKey) (bool, error)
	// Placeholders returns placeholder nodes of the family, plus shared
	// placeholders referenced by its relationships, created before olderThan.
	Placeholders(ctx context.Context, familyID string, olderThan time.Time) ([]models.Node, error)
}

// GraphStore is the full graph-store surface.
type GraphStore interface {
	GraphWriter
	GraphReader
	IntegrityStore
	Ping(ctx context.Context) error
}

// SyncStore persists per-entity SyncRecords.
type SyncStore interface {
	// MarkPending records that the feed delivered version for key.
	MarkPending(ctx context.Context, key models.NodeKey, familyID string, version int64) error
	MarkApplied(ctx context.Context, key models.NodeKey, familyID, eventID string, version int64, deleted bool) error
	MarkFailed(ctx context.Context, key models.NodeKey, familyID, errMsg string, deadLettered bool) error
	// MarkVerified promotes an applied record whose applied version is still version.
	MarkVerified(ctx context.Context, key models.NodeKey, version int64) (bool, error)
	GetSyncRecord(ctx context.Context, key models.NodeKey) (*models.SyncRecord, error)
	ListSyncRecords(ctx context.Context, familyID string) ([]models.SyncRecord, error)
}

// AuditStore persists audit log entries.
type AuditStore interface {
	RecordAudit(ctx context.Context, entry *models.AuditEntry) error
	QueryAudit(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, bool, error)
	PurgeOldEntries(ctx context.Context, retentionDays int) (int, error)
}

// AuditEnqueuer accepts audit entries for asynchronous persistence.
type AuditEnqueuer interface {
	Enqueue(entry *models.AuditEntry)
}

// EntitySource reads authoritative snapshots from the document store boundary.
type EntitySource interface {
	FetchEntity(ctx context.Context, key models.NodeKey) (*models.Entity, error)
	ListFamilyEntities(ctx context.Context, familyID string) ([]models.Entity, error)
}

// EventEmitter hands events to the change feed for partitioned processing.
type EventEmitter interface {
	Emit(ctx context.Context, events ...models.ChangeEvent) error
}

// DeadLetterSink stores events that could not be applied.
type DeadLetterSink interface {
	Put(ctx context.Context, dl models.DeadLetter) error
}

// DeadLetterLister lists archived dead letters of a family.
type DeadLetterLister interface {
	List(ctx context.Context, familyID string, limit int) ([]models.DeadLetterRef, error)
}

// ChangePublisher receives applied graph mutations for live subscribers.
type ChangePublisher interface {
	Publish(change models.GraphChange)
}

// EventProcessor applies one change event end to end.
type EventProcessor interface {
	Process(ctx context.Context, ev models.ChangeEvent) (models.ProcessResult, error)
}

// SubgraphService answers family graph queries.
type SubgraphService interface {
	GetFamilyGraph(ctx context.Context, familyID string, maxNodes, maxRelationships int) (*models.Subgraph, error)
}

// ReconcileService scans and repairs a family.
type ReconcileService interface {
	Scan(ctx context.Context, familyID string) (*models.ReconciliationReport, error)
	Repair(ctx context.Context, report *models.ReconciliationReport) (*models.RepairResult, error)
}

// HealthService reports sync state and drives forced resync.
type HealthService interface {
	GetStatus(ctx context.Context, key models.NodeKey) (*models.SyncRecord, error)
	GetFamilyStatus(ctx context.Context, familyID string) (*models.FamilySyncStatus, error)
	ForceResync(ctx context.Context, key models.NodeKey) (int, error)
	ForceResyncFamily(ctx context.Context, familyID string) (int, error)
}
