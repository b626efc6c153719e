package store_test

import (
	"context"
	"testing"

	"github.com/persistorai/famgraph/internal/models"
	"github.com/persistorai/famgraph/internal/store"
)

func TestRecordAndQuery(t *testing.T) {
	f := setupFixture(t)
	as := store.NewAuditStore(f.base)
	ctx := context.Background()

	err := as.RecordAudit(ctx, &models.AuditEntry{
		FamilyID: f.family,
		Action:   models.AuditResyncRequested,
		Target:   "Person:p1",
		Actor:    "test-actor",
		Detail:   map[string]any{"reason": "testing"},
	})
	if err != nil {
		t.Fatalf("RecordAudit: %v", err)
	}

	entries, hasMore, err := as.QueryAudit(ctx, models.AuditQueryOpts{
		FamilyID: f.family,
		Action:   models.AuditResyncRequested,
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("QueryAudit returned %d entries, want 1", len(entries))
	}
	if hasMore {
		t.Error("hasMore = true, want false")
	}

	e := entries[0]
	if e.Target != "Person:p1" {
		t.Errorf("Target = %q, want %q", e.Target, "Person:p1")
	}
	if e.Actor != "test-actor" {
		t.Errorf("Actor = %q, want %q", e.Actor, "test-actor")
	}
	if e.Detail["reason"] != "testing" {
		t.Errorf("Detail[reason] = %v, want testing", e.Detail["reason"])
	}
}

func TestQueryAuditHasMore(t *testing.T) {
	f := setupFixture(t)
	as := store.NewAuditStore(f.base)
	ctx := context.Background()

	for range 3 {
		if err := as.RecordAudit(ctx, &models.AuditEntry{FamilyID: f.family, Action: models.AuditEdgeRemovedDangling, Target: "x"}); err != nil {
			t.Fatalf("RecordAudit: %v", err)
		}
	}

	entries, hasMore, err := as.QueryAudit(ctx, models.AuditQueryOpts{FamilyID: f.family, Limit: 2})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}

	if len(entries) != 2 || !hasMore {
		t.Errorf("got %d entries hasMore=%v, want 2 and true", len(entries), hasMore)
	}
}

func TestPurgeOldEntries(t *testing.T) {
	f := setupFixture(t)
	as := store.NewAuditStore(f.base)
	ctx := context.Background()

	if err := as.RecordAudit(ctx, &models.AuditEntry{FamilyID: f.family, Action: models.AuditEventDeadLettered, Target: "old"}); err != nil {
		t.Fatalf("RecordAudit: %v", err)
	}

	env := getTestEnv(t)
	if _, err := env.pool.Exec(ctx,
		"UPDATE audit_log SET created_at = NOW() - INTERVAL '400 days' WHERE family_id = $1 AND target = 'old'",
		f.family); err != nil {
		t.Fatalf("backdating audit entry: %v", err)
	}

	if err := as.RecordAudit(ctx, &models.AuditEntry{FamilyID: f.family, Action: models.AuditEventDeadLettered, Target: "new"}); err != nil {
		t.Fatalf("RecordAudit: %v", err)
	}

	purged, err := as.PurgeOldEntries(ctx, 365)
	if err != nil {
		t.Fatalf("PurgeOldEntries: %v", err)
	}

	if purged < 1 {
		t.Errorf("PurgeOldEntries purged %d, want >= 1", purged)
	}

	entries, _, err := as.QueryAudit(ctx, models.AuditQueryOpts{FamilyID: f.family, Limit: 10})
	if err != nil {
		t.Fatalf("QueryAudit after purge: %v", err)
	}
	if len(entries) != 1 || entries[0].Target != "new" {
		t.Errorf("QueryAudit after purge = %+v, want only the new entry", entries)
	}
}
