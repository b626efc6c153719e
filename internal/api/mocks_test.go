package api_test

import (
	"context"

	"github.com/persistorai/famgraph/internal/models"
	"github.com/persistorai/famgraph/internal/service"
)

type mockSubgraph struct {
	getFn func(ctx context.Context, familyID string, maxNodes, maxRels int) (*models.Subgraph, error)
}

func (m *mockSubgraph) GetFamilyGraph(ctx context.Context, familyID string, maxNodes, maxRels int) (*models.Subgraph, error) {
	return m.getFn(ctx, familyID, maxNodes, maxRels)
}

type mockSync struct {
	statusFn       func(ctx context.Context, key models.NodeKey) (*models.SyncRecord, error)
	familyStatusFn func(ctx context.Context, familyID string) (*models.FamilySyncStatus, error)
	resyncFn       func(ctx context.Context, key models.NodeKey) (int, error)
	resyncFamilyFn func(ctx context.Context, familyID string) (int, error)
}

func (m *mockSync) GetStatus(ctx context.Context, key models.NodeKey) (*models.SyncRecord, error) {
	return m.statusFn(ctx, key)
}

func (m *mockSync) GetFamilyStatus(ctx context.Context, familyID string) (*models.FamilySyncStatus, error) {
	return m.familyStatusFn(ctx, familyID)
}

func (m *mockSync) ForceResync(ctx context.Context, key models.NodeKey) (int, error) {
	return m.resyncFn(ctx, key)
}

func (m *mockSync) ForceResyncFamily(ctx context.Context, familyID string) (int, error) {
	return m.resyncFamilyFn(ctx, familyID)
}

type mockJobs struct {
	startFn func(familyID, trigger string) (models.ReconcileJob, bool, error)
	getFn   func(id string) (models.ReconcileJob, error)
	waitFn  func(ctx context.Context, id string) (models.ReconcileJob, error)
}

func (m *mockJobs) Start(familyID, trigger string) (models.ReconcileJob, bool, error) {
	return m.startFn(familyID, trigger)
}

func (m *mockJobs) Get(id string) (models.ReconcileJob, error) {
	return m.getFn(id)
}

func (m *mockJobs) Wait(ctx context.Context, id string) (models.ReconcileJob, error) {
	return m.waitFn(ctx, id)
}

type mockNodes struct {
	getFn func(ctx context.Context, key models.NodeKey) (*service.NodeView, error)
}

func (m *mockNodes) GetNode(ctx context.Context, key models.NodeKey) (*service.NodeView, error) {
	return m.getFn(ctx, key)
}

type mockDeadLetters struct {
	listFn func(ctx context.Context, familyID string, limit int) ([]models.DeadLetterRef, error)
}

func (m *mockDeadLetters) List(ctx context.Context, familyID string, limit int) ([]models.DeadLetterRef, error) {
	return m.listFn(ctx, familyID, limit)
}

type mockAudit struct {
	queryFn func(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, bool, error)
	purgeFn func(ctx context.Context, days int) (int, error)
}

func (m *mockAudit) QueryAudit(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, bool, error) {
	return m.queryFn(ctx, opts)
}

func (m *mockAudit) PurgeOldEntries(ctx context.Context, days int) (int, error) {
	return m.purgeFn(ctx, days)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
