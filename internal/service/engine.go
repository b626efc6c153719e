// Package service implements the sync, reconcile, and query logic of famgraph.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/mapper"
	"github.com/persistorai/famgraph/internal/metrics"
	"github.com/persistorai/famgraph/internal/models"
)

// RetryPolicy bounds the exponential backoff applied to transient failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy retries four times between 100ms and 5s.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryPolicy.BaseDelay
	}

	b := retry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}

	b = retry.WithJitterPercent(10, b)

	return retry.WithMaxRetries(uint64(max(p.MaxRetries, 0)), b)
}

const engineActor = "sync-engine"

// UpsertEngine applies change events to the graph store. It is safe for
// concurrent use as long as events of one entity are processed in order by a
// single caller, which the worker pool guarantees.
type UpsertEngine struct {
	graph  domain.GraphWriter
	sync   domain.SyncStore
	dead   domain.DeadLetterSink
	audit  domain.AuditEnqueuer
	log    *logrus.Logger
	policy RetryPolicy
	now    func() time.Time
}

// NewUpsertEngine creates an UpsertEngine.
func NewUpsertEngine(
	graph domain.GraphWriter,
	sync domain.SyncStore,
	dead domain.DeadLetterSink,
	audit domain.AuditEnqueuer,
	log *logrus.Logger,
	policy RetryPolicy,
) *UpsertEngine {
	return &UpsertEngine{
		graph:  graph,
		sync:   sync,
		dead:   dead,
		audit:  audit,
		log:    log,
		policy: policy,
		now:    time.Now,
	}
}

// Process applies one event end to end. A nil error means the event was
// either applied or dead-lettered and may be acknowledged.
func (e *UpsertEngine) Process(ctx context.Context, ev models.ChangeEvent) (models.ProcessResult, error) {
	started := e.now()
	res := models.ProcessResult{EventID: ev.EventID, Key: ev.Key()}

	log := e.log.WithFields(logrus.Fields{
		"event_id":  ev.EventID,
		"entity":    ev.Key().String(),
		"family_id": ev.FamilyID,
		"version":   ev.Version,
	})

	if err := ev.Validate(); err != nil {
		return e.deadLetter(ctx, log, ev, res, models.DeadLetterMalformed, err)
	}

	dup, err := e.isDuplicate(ctx, ev)
	if err != nil {
		return res, err
	}

	if dup {
		log.Debug("duplicate event skipped")

		res.Duplicate = true
		metrics.EventsProcessed.WithLabelValues(string(ev.EntityType), "duplicate").Inc()

		return res, nil
	}

	if err := e.retry(ctx, func(ctx context.Context) error {
		return classifyRetry(e.sync.MarkPending(ctx, ev.Key(), ev.FamilyID, ev.Version))
	}); err != nil {
		return res, fmt.Errorf("marking pending: %w", err)
	}

	var plan *writePlan

	if ev.Operation != models.OpDelete {
		plan, err = planWrites(&ev)
		if err != nil {
			return e.deadLetter(ctx, log, ev, res, models.DeadLetterMalformed, err)
		}
	}

	err = e.retry(ctx, func(ctx context.Context) error {
		res.Attempts++

		applied, err := e.apply(ctx, log, ev, plan)
		if err != nil {
			return err
		}

		res.Node = applied.Node
		res.Relationships = applied.Relationships
		res.Pruned = applied.Pruned

		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		reason := models.DeadLetterExhausted
		if models.IsTerminal(err) {
			reason = models.DeadLetterMalformed
		}

		return e.deadLetter(ctx, log, ev, res, reason, err)
	}

	for _, r := range res.Relationships {
		if r.Outcome != models.OutcomeRejected {
			continue
		}

		e.enqueueAudit(&models.AuditEntry{
			FamilyID: ev.FamilyID,
			Action:   models.AuditEdgeRejectedFamily,
			Target:   r.Target,
			Detail:   map[string]any{"event_id": ev.EventID, "error": r.Error},
		})
	}

	metrics.ApplyDuration.WithLabelValues(string(ev.EntityType)).Observe(e.now().Sub(started).Seconds())
	metrics.EventsProcessed.WithLabelValues(string(ev.EntityType), string(res.Node.Outcome)).Inc()

	log.WithFields(logrus.Fields{
		"outcome":       res.Node.Outcome,
		"relationships": len(res.Relationships),
		"pruned":        res.Pruned,
		"attempts":      res.Attempts,
	}).Debug("event applied")

	return res, nil
}

func (e *UpsertEngine) isDuplicate(ctx context.Context, ev models.ChangeEvent) (bool, error) {
	var rec *models.SyncRecord

	err := e.retry(ctx, func(ctx context.Context) error {
		r, err := e.sync.GetSyncRecord(ctx, ev.Key())
		if errors.Is(err, models.ErrSyncRecordNotFound) {
			return nil
		}

		if err != nil {
			return classifyRetry(err)
		}

		rec = r

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reading sync record: %w", err)
	}

	return rec != nil && rec.LastAppliedEventID == ev.EventID, nil
}

// writePlan is the mapped form of a create or update event.
type writePlan struct {
	node models.NodeUpsert
	rels []models.RelationshipUpsert
}

func planWrites(ev *models.ChangeEvent) (*writePlan, error) {
	ent, err := mapper.FromEvent(ev)
	if err != nil {
		return nil, err
	}

	node, rels, err := mapper.Map(ent)
	if err != nil {
		return nil, err
	}

	return &writePlan{node: node, rels: rels}, nil
}

// apply runs one attempt. Every write is idempotent, so a failed attempt is
// retried from the start.
func (e *UpsertEngine) apply(ctx context.Context, log *logrus.Entry, ev models.ChangeEvent, plan *writePlan) (models.ProcessResult, error) {
	var out models.ProcessResult

	if plan == nil {
		node, err := e.graph.DeleteNode(ctx, ev.Key(), ev.Version)
		if err != nil {
			return out, classifyRetry(err)
		}

		out.Node = &node

		return out, e.markApplied(ctx, ev, node.Outcome, true)
	}

	node, err := e.graph.UpsertNode(ctx, plan.node)
	if err != nil {
		return out, classifyRetry(err)
	}

	out.Node = &node

	if len(node.RemovedEdges) > 0 {
		log.WithField("removed", len(node.RemovedEdges)).Warn("family change removed mismatched relationships")
		e.auditRemoved(ev, node.RemovedEdges, models.AuditEdgeRemovedFamilyChg)
	}

	if node.Outcome == models.OutcomeStale {
		return out, nil
	}

	for _, up := range plan.rels {
		r, err := e.graph.UpsertRelationship(ctx, up)

		switch {
		case errors.Is(err, models.ErrCrossFamily):
			log.WithError(err).WithField("relationship", up.Key.String()).Warn("cross-family relationship rejected")
		case err != nil:
			return out, classifyRetry(err)
		}

		metrics.RelationshipOutcomes.WithLabelValues(string(r.Outcome)).Inc()
		out.Relationships = append(out.Relationships, r)
	}

	pruned, err := e.graph.PruneOwnedRelationships(ctx, plan.node.Key, plan.node.Version)
	if err != nil {
		return out, classifyRetry(err)
	}

	out.Pruned = len(pruned)

	return out, e.markApplied(ctx, ev, node.Outcome, false)
}

func (e *UpsertEngine) markApplied(ctx context.Context, ev models.ChangeEvent, outcome models.Outcome, deleted bool) error {
	if outcome == models.OutcomeStale {
		return nil
	}

	if err := e.sync.MarkApplied(ctx, ev.Key(), ev.FamilyID, ev.EventID, ev.Version, deleted); err != nil {
		return classifyRetry(err)
	}

	return nil
}

func (e *UpsertEngine) auditRemoved(ev models.ChangeEvent, removed []models.RelKey, action string) {
	for _, k := range removed {
		e.enqueueAudit(&models.AuditEntry{
			FamilyID: ev.FamilyID,
			Action:   action,
			Target:   k.String(),
			Detail:   map[string]any{"event_id": ev.EventID, "node": ev.Key().String()},
		})
	}
}

func (e *UpsertEngine) enqueueAudit(entry *models.AuditEntry) {
	if e.audit == nil {
		return
	}

	entry.Actor = engineActor
	e.audit.Enqueue(entry)
}

// deadLetter archives ev and marks its sync record. It fails only when the
// event could not be archived, in which case it must not be acknowledged.
func (e *UpsertEngine) deadLetter(
	ctx context.Context,
	log *logrus.Entry,
	ev models.ChangeEvent,
	res models.ProcessResult,
	reason string,
	cause error,
) (models.ProcessResult, error) {
	log.WithError(cause).WithField("reason", reason).Error("dead-lettering event")

	dl := models.DeadLetter{
		Event:    ev,
		Reason:   reason,
		Error:    cause.Error(),
		Attempts: res.Attempts,
		At:       e.now().UTC(),
	}

	if err := e.retry(ctx, func(ctx context.Context) error { return classifyRetry(e.dead.Put(ctx, dl)) }); err != nil {
		return res, fmt.Errorf("archiving dead letter: %w", err)
	}

	res.DeadLettered = true

	metrics.DeadLetters.WithLabelValues(reason).Inc()
	metrics.EventsProcessed.WithLabelValues(string(ev.EntityType), "dead_lettered").Inc()

	e.enqueueAudit(&models.AuditEntry{
		FamilyID: ev.FamilyID,
		Action:   models.AuditEventDeadLettered,
		Target:   ev.Key().String(),
		Detail:   map[string]any{"event_id": ev.EventID, "reason": reason, "error": cause.Error()},
	})

	if ev.Key().Validate() != nil || ev.FamilyID == "" {
		return res, nil
	}

	if err := e.sync.MarkFailed(ctx, ev.Key(), ev.FamilyID, cause.Error(), true); err != nil {
		log.WithError(err).Warn("recording dead-letter state")
	}

	return res, nil
}

func (e *UpsertEngine) retry(ctx context.Context, fn retry.RetryFunc) error {
	return retry.Do(ctx, e.policy.backoff(), fn)
}

// classifyRetry marks every non-terminal error as retryable.
func classifyRetry(err error) error {
	if err == nil || models.IsTerminal(err) {
		return err
	}

	return retry.RetryableError(err)
}
