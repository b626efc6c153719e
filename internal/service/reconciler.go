package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/metrics"
	"github.com/persistorai/famgraph/internal/models"
)

// DefaultPlaceholderGrace is how old a placeholder or pending record must be
// before a scan reports it.
const DefaultPlaceholderGrace = 10 * time.Minute

const reconcileActor = "reconciler"

// Resyncer forces an entity to be re-read from its source.
type Resyncer interface {
	ForceResync(ctx context.Context, key models.NodeKey) (int, error)
}

// Reconciler finds and repairs integrity problems in one family's projection.
type Reconciler struct {
	graph  domain.GraphStore
	sync   domain.SyncStore
	source domain.EntitySource
	resync Resyncer
	audit  domain.AuditEnqueuer
	log    *logrus.Logger
	grace  time.Duration
	now    func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	graph domain.GraphStore,
	sync domain.SyncStore,
	source domain.EntitySource,
	resync Resyncer,
	audit domain.AuditEnqueuer,
	log *logrus.Logger,
	grace time.Duration,
) *Reconciler {
	if grace <= 0 {
		grace = DefaultPlaceholderGrace
	}

	return &Reconciler{
		graph:  graph,
		sync:   sync,
		source: source,
		resync: resync,
		audit:  audit,
		log:    log,
		grace:  grace,
		now:    time.Now,
	}
}

// Scan reports dangling relationships, orphan placeholders, and stale nodes.
// It never writes.
func (r *Reconciler) Scan(ctx context.Context, familyID string) (*models.ReconciliationReport, error) {
	if familyID == "" {
		return nil, models.ErrMissingFamily
	}

	now := r.now()
	cutoff := now.Add(-r.grace)

	dangling, err := r.graph.DanglingRelationships(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("scanning dangling relationships: %w", err)
	}

	placeholders, err := r.graph.Placeholders(ctx, familyID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scanning placeholders: %w", err)
	}

	records, err := r.sync.ListSyncRecords(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("listing sync records: %w", err)
	}

	keys := make([]models.NodeKey, len(records))
	for i := range records {
		keys[i] = records[i].Key
	}

	nodes, err := r.graph.NodesByKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("reading synced nodes: %w", err)
	}

	byKey := make(map[models.NodeKey]*models.Node, len(nodes))
	for i := range nodes {
		byKey[nodes[i].Key] = &nodes[i]
	}

	report := &models.ReconciliationReport{
		FamilyID:           familyID,
		ScannedAt:          now.UTC(),
		DanglingEdges:      dangling,
		OrphanPlaceholders: placeholders,
		StaleNodes:         []models.StaleNode{},
	}

	for i := range records {
		rec := &records[i]

		// Pending records inside the grace period are still in flight.
		if rec.State == models.SyncPending && rec.UpdatedAt.After(cutoff) {
			continue
		}

		node := byKey[rec.Key]

		if stale, ok := classifyStale(rec, node); ok {
			report.StaleNodes = append(report.StaleNodes, stale)
			continue
		}

		if rec.State == models.SyncApplied && consistent(rec, node) {
			report.Consistent = append(report.Consistent, *rec)
		}
	}

	if report.DanglingEdges == nil {
		report.DanglingEdges = []models.Relationship{}
	}

	if report.OrphanPlaceholders == nil {
		report.OrphanPlaceholders = []models.Node{}
	}

	metrics.ReconcileFindings.WithLabelValues("dangling_edge").Add(float64(len(report.DanglingEdges)))
	metrics.ReconcileFindings.WithLabelValues("orphan_placeholder").Add(float64(len(report.OrphanPlaceholders)))
	metrics.ReconcileFindings.WithLabelValues("stale_node").Add(float64(len(report.StaleNodes)))

	r.log.WithFields(logrus.Fields{
		"family_id":    familyID,
		"dangling":     len(report.DanglingEdges),
		"placeholders": len(report.OrphanPlaceholders),
		"stale":        len(report.StaleNodes),
		"consistent":   len(report.Consistent),
	}).Debug("reconcile scan finished")

	return report, nil
}

func classifyStale(rec *models.SyncRecord, node *models.Node) (models.StaleNode, bool) {
	stale := models.StaleNode{Key: rec.Key, SourceVersion: rec.SourceVersion}

	if node == nil {
		switch {
		case !rec.Deleted && rec.LastAppliedVersion > 0:
			stale.Reason = models.StaleMissingNode
			return stale, true
		case rec.Behind():
			stale.Reason = models.StaleBehindSource
			return stale, true
		}

		return stale, false
	}

	stale.NodeVersion = node.Version

	if rec.SourceVersion > node.Version {
		stale.Reason = models.StaleBehindSource
		return stale, true
	}

	return stale, false
}

func consistent(rec *models.SyncRecord, node *models.Node) bool {
	if rec.Deleted {
		return node == nil
	}

	return node != nil && !node.Placeholder && node.Version == rec.LastAppliedVersion
}

// Repair acts on a report. Every step rechecks its precondition, so a report
// that went stale while live traffic continued is still safe to repair.
func (r *Reconciler) Repair(ctx context.Context, report *models.ReconciliationReport) (*models.RepairResult, error) {
	if report == nil {
		return nil, errors.New("repair requires a report")
	}

	res := &models.RepairResult{}
	log := r.log.WithField("family_id", report.FamilyID)

	for i := range report.DanglingEdges {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		key := report.DanglingEdges[i].Key

		removed, err := r.graph.DeleteRelationshipIfDangling(ctx, key)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", key, err))
			continue
		}

		if !removed {
			res.RecoveredEdges++
			continue
		}

		res.RemovedEdges++

		r.enqueueAudit(report.FamilyID, models.AuditEdgeRemovedDangling, key.String(), nil)
	}

	for _, s := range report.StaleNodes {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		n, err := r.resync.ForceResync(ctx, s.Key)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", s.Key, err))
			continue
		}

		res.ResyncRequested += n
	}

	for i := range report.OrphanPlaceholders {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		key := report.OrphanPlaceholders[i].Key

		_, err := r.source.FetchEntity(ctx, key)

		switch {
		case errors.Is(err, models.ErrEntityNotFound):
			res.UnresolvedPlaceholders = append(res.UnresolvedPlaceholders, key)
			continue
		case err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", key, err))
			continue
		}

		n, err := r.resync.ForceResync(ctx, key)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", key, err))
			continue
		}

		res.BackfillRequested += n
	}

	for _, rec := range report.Consistent {
		ok, err := r.sync.MarkVerified(ctx, rec.Key, rec.LastAppliedVersion)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", rec.Key, err))
			continue
		}

		if ok {
			res.Verified++
		}
	}

	log.WithFields(logrus.Fields{
		"removed":    res.RemovedEdges,
		"recovered":  res.RecoveredEdges,
		"resync":     res.ResyncRequested,
		"backfill":   res.BackfillRequested,
		"unresolved": len(res.UnresolvedPlaceholders),
		"verified":   res.Verified,
		"errors":     len(res.Errors),
	}).Info("reconcile repair finished")

	r.enqueueAudit(report.FamilyID, models.AuditReconcileCompleted, report.FamilyID, map[string]any{
		"removed_edges":      res.RemovedEdges,
		"recovered_edges":    res.RecoveredEdges,
		"resync_requested":   res.ResyncRequested,
		"backfill_requested": res.BackfillRequested,
		"unresolved":         len(res.UnresolvedPlaceholders),
		"verified":           res.Verified,
	})

	return res, nil
}

func (r *Reconciler) enqueueAudit(familyID, action, target string, detail map[string]any) {
	if r.audit == nil {
		return
	}

	r.audit.Enqueue(&models.AuditEntry{
		FamilyID: familyID,
		Action:   action,
		Target:   target,
		Actor:    reconcileActor,
		Detail:   detail,
	})
}
