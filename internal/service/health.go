package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/models"
)

// DefaultPendingLimit is how long a record may stay pending before its
// family is reported as degraded.
const DefaultPendingLimit = 5 * time.Minute

const resyncActor = "resync"

// HealthMonitor reports sync state and emits synthetic events to force a resync.
type HealthMonitor struct {
	graph        domain.GraphStore
	sync         domain.SyncStore
	source       domain.EntitySource
	emitter      domain.EventEmitter
	audit        domain.AuditEnqueuer
	log          *logrus.Logger
	pendingLimit time.Duration
	now          func() time.Time
}

// NewHealthMonitor creates a HealthMonitor.
func NewHealthMonitor(
	graph domain.GraphStore,
	sync domain.SyncStore,
	source domain.EntitySource,
	emitter domain.EventEmitter,
	audit domain.AuditEnqueuer,
	log *logrus.Logger,
	pendingLimit time.Duration,
) *HealthMonitor {
	if pendingLimit <= 0 {
		pendingLimit = DefaultPendingLimit
	}

	return &HealthMonitor{
		graph:        graph,
		sync:         sync,
		source:       source,
		emitter:      emitter,
		audit:        audit,
		log:          log,
		pendingLimit: pendingLimit,
		now:          time.Now,
	}
}

// GetStatus returns the sync record of key.
func (h *HealthMonitor) GetStatus(ctx context.Context, key models.NodeKey) (*models.SyncRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	rec, err := h.sync.GetSyncRecord(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("getting sync status: %w", err)
	}

	return rec, nil
}

// GetFamilyStatus aggregates the sync records and placeholders of a family.
func (h *HealthMonitor) GetFamilyStatus(ctx context.Context, familyID string) (*models.FamilySyncStatus, error) {
	if familyID == "" {
		return nil, models.ErrMissingFamily
	}

	records, err := h.sync.ListSyncRecords(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("listing sync records: %w", err)
	}

	now := h.now()

	placeholders, err := h.graph.Placeholders(ctx, familyID, now)
	if err != nil {
		return nil, fmt.Errorf("counting placeholders: %w", err)
	}

	st := models.SummarizeSync(familyID, records, len(placeholders), now, h.pendingLimit)

	return &st, nil
}

// ForceResync re-reads key from the source and emits a synthetic event that
// supersedes every version seen so far. It returns the number of events emitted.
func (h *HealthMonitor) ForceResync(ctx context.Context, key models.NodeKey) (int, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}

	ent, err := h.source.FetchEntity(ctx, key)
	if err != nil && !errors.Is(err, models.ErrEntityNotFound) {
		return 0, fmt.Errorf("fetching entity: %w", err)
	}

	rec, err := h.sync.GetSyncRecord(ctx, key)
	if err != nil && !errors.Is(err, models.ErrSyncRecordNotFound) {
		return 0, fmt.Errorf("reading sync record: %w", err)
	}

	node, err := h.graph.GetNode(ctx, key)
	if err != nil && !errors.Is(err, models.ErrNodeNotFound) {
		return 0, fmt.Errorf("reading node: %w", err)
	}

	ev, ok, err := h.synthesize(key, ent, rec, node)
	if err != nil || !ok {
		return 0, err
	}

	if err := h.emitter.Emit(ctx, ev); err != nil {
		return 0, fmt.Errorf("emitting resync event: %w", err)
	}

	h.log.WithFields(logrus.Fields{
		"entity":    key.String(),
		"family_id": ev.FamilyID,
		"operation": ev.Operation,
		"version":   ev.Version,
	}).Info("resync requested")

	h.enqueueAudit(ev.FamilyID, key.String(), map[string]any{"operation": string(ev.Operation), "version": ev.Version})

	return 1, nil
}

// ForceResyncFamily resyncs every source entity of a family and deletes the
// family's graph nodes the source no longer lists. Placeholders and shared
// nodes are left alone.
func (h *HealthMonitor) ForceResyncFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, models.ErrMissingFamily
	}

	entities, err := h.source.ListFamilyEntities(ctx, familyID)
	if err != nil {
		return 0, fmt.Errorf("listing source entities: %w", err)
	}

	records, err := h.sync.ListSyncRecords(ctx, familyID)
	if err != nil {
		return 0, fmt.Errorf("listing sync records: %w", err)
	}

	nodes, err := h.graph.FamilyNodes(ctx, familyID)
	if err != nil {
		return 0, fmt.Errorf("listing family nodes: %w", err)
	}

	recByKey := make(map[models.NodeKey]*models.SyncRecord, len(records))
	for i := range records {
		recByKey[records[i].Key] = &records[i]
	}

	nodeByKey := make(map[models.NodeKey]*models.Node, len(nodes))
	for i := range nodes {
		nodeByKey[nodes[i].Key] = &nodes[i]
	}

	// Shared entities live outside the family scope, so their nodes are
	// looked up by key.
	var sharedKeys []models.NodeKey

	for i := range entities {
		if k := entities[i].Key(); k.EntityType.Shared() {
			sharedKeys = append(sharedKeys, k)
		}
	}

	shared, err := h.graph.NodesByKeys(ctx, sharedKeys)
	if err != nil {
		return 0, fmt.Errorf("reading shared nodes: %w", err)
	}

	for i := range shared {
		nodeByKey[shared[i].Key] = &shared[i]
	}

	listed := make(map[models.NodeKey]bool, len(entities))
	events := make([]models.ChangeEvent, 0, len(entities))

	for i := range entities {
		ent := &entities[i]
		key := ent.Key()

		if err := key.Validate(); err != nil {
			h.log.WithError(err).WithField("family_id", familyID).Warn("skipping invalid source entity")
			continue
		}

		if ent.FamilyID == "" {
			ent.FamilyID = familyID
		}

		listed[key] = true

		ev, ok, err := h.synthesize(key, ent, recByKey[key], nodeByKey[key])
		if err != nil {
			return 0, err
		}

		if ok {
			events = append(events, ev)
		}
	}

	for i := range nodes {
		n := &nodes[i]
		if n.Placeholder || listed[n.Key] || n.Key.EntityType.Shared() {
			continue
		}

		ev, ok, err := h.synthesize(n.Key, nil, recByKey[n.Key], n)
		if err != nil {
			return 0, err
		}

		if ok {
			events = append(events, ev)
		}
	}

	if len(events) == 0 {
		return 0, nil
	}

	if err := h.emitter.Emit(ctx, events...); err != nil {
		return 0, fmt.Errorf("emitting resync events: %w", err)
	}

	h.log.WithFields(logrus.Fields{
		"family_id": familyID,
		"events":    len(events),
	}).Info("family resync requested")

	h.enqueueAudit(familyID, familyID, map[string]any{"events": len(events), "source_entities": len(entities)})

	return len(events), nil
}

// synthesize builds the resync event of key. ok is false when neither the
// source nor the projection knows the entity.
func (h *HealthMonitor) synthesize(
	key models.NodeKey,
	ent *models.Entity,
	rec *models.SyncRecord,
	node *models.Node,
) (models.ChangeEvent, bool, error) {
	var version int64

	familyID := ""

	if ent != nil {
		version = max(version, ent.Version)
		familyID = ent.FamilyID
	}

	if rec != nil {
		version = max(version, rec.LastAppliedVersion, rec.SourceVersion)
		if familyID == "" {
			familyID = rec.FamilyID
		}
	}

	if node != nil {
		version = max(version, node.Version)
		if familyID == "" {
			familyID = node.FamilyID
		}
	}

	if ent == nil && node == nil && (rec == nil || rec.Deleted) {
		return models.ChangeEvent{}, false, nil
	}

	if familyID == "" {
		h.log.WithField("entity", key.String()).Warn("no family known for resync, skipping")
		return models.ChangeEvent{}, false, nil
	}

	ev := models.ChangeEvent{
		EventID:    uuid.NewString(),
		EntityType: key.EntityType,
		ExternalID: key.ExternalID,
		FamilyID:   familyID,
		Operation:  models.OpDelete,
		Version:    version + 1,
		EmittedAt:  h.now().UTC(),
		Synthetic:  true,
	}

	if ent != nil {
		attrs := ent.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}

		payload, err := json.Marshal(attrs)
		if err != nil {
			return models.ChangeEvent{}, false, fmt.Errorf("%w: encoding %s snapshot: %v", models.ErrInvalidEvent, key, err)
		}

		ev.Operation = models.OpUpdate
		ev.Payload = payload
	}

	return ev, true, nil
}

func (h *HealthMonitor) enqueueAudit(familyID, target string, detail map[string]any) {
	if h.audit == nil {
		return
	}

	h.audit.Enqueue(&models.AuditEntry{
		FamilyID: familyID,
		Action:   models.AuditResyncRequested,
		Target:   target,
		Actor:    resyncActor,
		Detail:   detail,
	})
}
