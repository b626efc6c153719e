package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/models"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// fastRetry keeps retry tests quick.
var fastRetry = RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

// mockGraphStore records calls and returns configured responses. Nil funcs
// fall back to a benign default.
type mockGraphStore struct {
	mu    sync.Mutex
	calls []string

	upsertNode   func(ctx context.Context, up models.NodeUpsert) (models.AppliedResult, error)
	upsertRel    func(ctx context.Context, up models.RelationshipUpsert) (models.AppliedResult, error)
	deleteNode   func(ctx context.Context, key models.NodeKey, version int64) (models.AppliedResult, error)
	prune        func(ctx context.Context, owner models.NodeKey, version int64) ([]models.RelKey, error)
	getNode      func(ctx context.Context, key models.NodeKey) (*models.Node, error)
	nodesByKeys  func(ctx context.Context, keys []models.NodeKey) ([]models.Node, error)
	familyNodes  func(ctx context.Context, familyID string) ([]models.Node, error)
	familyRels   func(ctx context.Context, familyID string) ([]models.Relationship, error)
	dangling     func(ctx context.Context, familyID string) ([]models.Relationship, error)
	deleteIfDang func(ctx context.Context, key models.RelKey) (bool, error)
	placeholders func(ctx context.Context, familyID string, olderThan time.Time) ([]models.Node, error)
}

func (m *mockGraphStore) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockGraphStore) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.calls))
	copy(out, m.calls)

	return out
}

func (m *mockGraphStore) UpsertNode(ctx context.Context, up models.NodeUpsert) (models.AppliedResult, error) {
	m.record("UpsertNode")
	if m.upsertNode == nil {
		return models.AppliedResult{Target: up.Key.String(), Outcome: models.OutcomeCreated}, nil
	}
	return m.upsertNode(ctx, up)
}

func (m *mockGraphStore) UpsertRelationship(ctx context.Context, up models.RelationshipUpsert) (models.AppliedResult, error) {
	m.record("UpsertRelationship")
	if m.upsertRel == nil {
		return models.AppliedResult{Target: up.Key.String(), Outcome: models.OutcomeCreated}, nil
	}
	return m.upsertRel(ctx, up)
}

func (m *mockGraphStore) DeleteNode(ctx context.Context, key models.NodeKey, version int64) (models.AppliedResult, error) {
	m.record("DeleteNode")
	if m.deleteNode == nil {
		return models.AppliedResult{Target: key.String(), Outcome: models.OutcomeDeleted}, nil
	}
	return m.deleteNode(ctx, key, version)
}

func (m *mockGraphStore) PruneOwnedRelationships(ctx context.Context, owner models.NodeKey, version int64) ([]models.RelKey, error) {
	m.record("PruneOwnedRelationships")
	if m.prune == nil {
		return nil, nil
	}
	return m.prune(ctx, owner, version)
}

func (m *mockGraphStore) GetNode(ctx context.Context, key models.NodeKey) (*models.Node, error) {
	m.record("GetNode")
	if m.getNode == nil {
		return nil, models.ErrNodeNotFound
	}
	return m.getNode(ctx, key)
}

func (m *mockGraphStore) NodesByKeys(ctx context.Context, keys []models.NodeKey) ([]models.Node, error) {
	m.record("NodesByKeys")
	if m.nodesByKeys == nil {
		return nil, nil
	}
	return m.nodesByKeys(ctx, keys)
}

func (m *mockGraphStore) FamilyNodes(ctx context.Context, familyID string) ([]models.Node, error) {
	m.record("FamilyNodes")
	if m.familyNodes == nil {
		return nil, nil
	}
	return m.familyNodes(ctx, familyID)
}

func (m *mockGraphStore) FamilyRelationships(ctx context.Context, familyID string) ([]models.Relationship, error) {
	m.record("FamilyRelationships")
	if m.familyRels == nil {
		return nil, nil
	}
	return m.familyRels(ctx, familyID)
}

func (m *mockGraphStore) ListFamilies(context.Context) ([]string, error) {
	m.record("ListFamilies")
	return nil, nil
}

func (m *mockGraphStore) DanglingRelationships(ctx context.Context, familyID string) ([]models.Relationship, error) {
	m.record("DanglingRelationships")
	if m.dangling == nil {
		return nil, nil
	}
	return m.dangling(ctx, familyID)
}

func (m *mockGraphStore) DeleteRelationshipIfDangling(ctx context.Context, key models.RelKey) (bool, error) {
	m.record("DeleteRelationshipIfDangling")
	if m.deleteIfDang == nil {
		return false, nil
	}
	return m.deleteIfDang(ctx, key)
}

func (m *mockGraphStore) Placeholders(ctx context.Context, familyID string, olderThan time.Time) ([]models.Node, error) {
	m.record("Placeholders")
	if m.placeholders == nil {
		return nil, nil
	}
	return m.placeholders(ctx, familyID, olderThan)
}

func (m *mockGraphStore) Ping(context.Context) error { return nil }

// mockSyncStore keeps records in memory and counts transitions.
type mockSyncStore struct {
	mu      sync.Mutex
	records map[models.NodeKey]*models.SyncRecord
	failed  []string
	getErr  error
}

func newMockSyncStore() *mockSyncStore {
	return &mockSyncStore{records: map[models.NodeKey]*models.SyncRecord{}}
}

func (m *mockSyncStore) rec(key models.NodeKey, familyID string) *models.SyncRecord {
	r, ok := m.records[key]
	if !ok {
		r = &models.SyncRecord{Key: key, FamilyID: familyID, State: models.SyncPending}
		m.records[key] = r
	}

	return r
}

func (m *mockSyncStore) MarkPending(_ context.Context, key models.NodeKey, familyID string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rec(key, familyID)
	r.SourceVersion = max(r.SourceVersion, version)
	if version > r.LastAppliedVersion {
		r.State = models.SyncPending
	}

	return nil
}

func (m *mockSyncStore) MarkApplied(_ context.Context, key models.NodeKey, familyID, eventID string, version int64, deleted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rec(key, familyID)
	if r.LastAppliedVersion > version {
		return nil
	}

	r.LastAppliedEventID = eventID
	r.LastAppliedVersion = version
	r.SourceVersion = max(r.SourceVersion, version)
	r.Deleted = deleted
	r.State = models.SyncApplied
	r.Attempts = 0
	r.LastError = ""

	return nil
}

func (m *mockSyncStore) MarkFailed(_ context.Context, key models.NodeKey, familyID, errMsg string, deadLettered bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rec(key, familyID)
	r.Attempts++
	r.LastError = errMsg
	if deadLettered {
		r.State = models.SyncDeadLettered
	}

	m.failed = append(m.failed, key.String())

	return nil
}

func (m *mockSyncStore) MarkVerified(_ context.Context, key models.NodeKey, version int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key]
	if !ok || r.State != models.SyncApplied || r.LastAppliedVersion != version {
		return false, nil
	}

	r.State = models.SyncVerified

	return true, nil
}

func (m *mockSyncStore) GetSyncRecord(_ context.Context, key models.NodeKey) (*models.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return nil, m.getErr
	}

	r, ok := m.records[key]
	if !ok {
		return nil, models.ErrSyncRecordNotFound
	}

	out := *r

	return &out, nil
}

func (m *mockSyncStore) ListSyncRecords(_ context.Context, familyID string) ([]models.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.SyncRecord

	for _, r := range m.records {
		if r.FamilyID == familyID {
			out = append(out, *r)
		}
	}

	return out, nil
}

// mockDeadLetters records archived dead letters.
type mockDeadLetters struct {
	mu      sync.Mutex
	letters []models.DeadLetter
	err     error
}

func (m *mockDeadLetters) Put(_ context.Context, dl models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	m.letters = append(m.letters, dl)

	return nil
}

func (m *mockDeadLetters) get() []models.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.DeadLetter, len(m.letters))
	copy(out, m.letters)

	return out
}

// mockAuditor records audit entries written by the AuditWorker.
type mockAuditor struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (m *mockAuditor) RecordAudit(_ context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *mockAuditor) QueryAudit(_ context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.AuditEntry

	for _, e := range m.entries {
		if opts.Action == "" || e.Action == opts.Action {
			out = append(out, e)
		}
	}

	return out, false, nil
}

func (m *mockAuditor) PurgeOldEntries(context.Context, int) (int, error) {
	return 0, nil
}

func (m *mockAuditor) getCalls() []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.AuditEntry, len(m.entries))
	copy(out, m.entries)

	return out
}

// recordingEnqueuer captures audit entries synchronously.
type recordingEnqueuer struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (r *recordingEnqueuer) Enqueue(entry *models.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *entry)
}

func (r *recordingEnqueuer) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}

	return out
}

// mockSource serves entities from a map.
type mockSource struct {
	mu       sync.Mutex
	entities map[models.NodeKey]models.Entity
	err      error
}

func newMockSource(entities ...models.Entity) *mockSource {
	m := &mockSource{entities: map[models.NodeKey]models.Entity{}}
	for _, e := range entities {
		m.entities[e.Key()] = e
	}

	return m
}

func (m *mockSource) put(e models.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.Key()] = e
}

func (m *mockSource) remove(key models.NodeKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, key)
}

func (m *mockSource) FetchEntity(_ context.Context, key models.NodeKey) (*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	e, ok := m.entities[key]
	if !ok {
		return nil, models.ErrEntityNotFound
	}

	return &e, nil
}

func (m *mockSource) ListFamilyEntities(_ context.Context, familyID string) ([]models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	var out []models.Entity

	for _, e := range m.entities {
		if e.FamilyID == familyID {
			out = append(out, e)
		}
	}

	return out, nil
}

// captureEmitter records emitted events.
type captureEmitter struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (c *captureEmitter) Emit(_ context.Context, events ...models.ChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
	return nil
}

func (c *captureEmitter) get() []models.ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.ChangeEvent, len(c.events))
	copy(out, c.events)

	return out
}
