package api

import (
	"context"

	"github.com/persistorai/famgraph/internal/models"
	"github.com/persistorai/famgraph/internal/service"
)

// SubgraphQuerier serves family subgraph queries.
type SubgraphQuerier interface {
	GetFamilyGraph(ctx context.Context, familyID string, maxNodes, maxRelationships int) (*models.Subgraph, error)
}

// SyncMonitor reports sync health and forces resyncs.
type SyncMonitor interface {
	GetStatus(ctx context.Context, key models.NodeKey) (*models.SyncRecord, error)
	GetFamilyStatus(ctx context.Context, familyID string) (*models.FamilySyncStatus, error)
	ForceResync(ctx context.Context, key models.NodeKey) (int, error)
	ForceResyncFamily(ctx context.Context, familyID string) (int, error)
}

// ReconcileRunner starts and tracks background reconcile jobs.
type ReconcileRunner interface {
	Start(familyID, trigger string) (models.ReconcileJob, bool, error)
	Get(id string) (models.ReconcileJob, error)
	Wait(ctx context.Context, id string) (models.ReconcileJob, error)
}

// NodeReader looks up single projected nodes.
type NodeReader interface {
	GetNode(ctx context.Context, key models.NodeKey) (*service.NodeView, error)
}

// DeadLetterLister lists archived dead letters of a family.
type DeadLetterLister interface {
	List(ctx context.Context, familyID string, limit int) ([]models.DeadLetterRef, error)
}

// AuditRepository defines audit log operations used by AuditHandler.
type AuditRepository interface {
	QueryAudit(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, bool, error)
	PurgeOldEntries(ctx context.Context, retentionDays int) (int, error)
}

// Pinger is a dependency probed by the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}
