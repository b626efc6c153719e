package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/persistorai/famgraph/internal/models"
)

func newTestMonitor(graph *mockGraphStore, syncs *mockSyncStore, src *mockSource) (*HealthMonitor, *captureEmitter, *recordingEnqueuer) {
	em := &captureEmitter{}
	audit := &recordingEnqueuer{}

	return NewHealthMonitor(graph, syncs, src, em, audit, quietLogger(), time.Minute), em, audit
}

var personP1 = models.NodeKey{EntityType: models.EntityPerson, ExternalID: "p1"}

func TestForceResync_SupersedesEveryKnownVersion(t *testing.T) {
	t.Parallel()

	src := newMockSource(models.Entity{
		Type: models.EntityPerson, ExternalID: "p1", FamilyID: "F1", Version: 40,
		Attributes: map[string]any{"name": "Ann"},
	})

	syncs := newMockSyncStore()
	_ = syncs.MarkPending(context.Background(), personP1, "F1", 55)
	_ = syncs.MarkApplied(context.Background(), personP1, "F1", "ev", 50, false)

	graph := &mockGraphStore{
		getNode: func(context.Context, models.NodeKey) (*models.Node, error) {
			return &models.Node{Key: personP1, FamilyID: "F1", Version: 50}, nil
		},
	}

	h, em, audit := newTestMonitor(graph, syncs, src)

	n, err := h.ForceResync(context.Background(), personP1)
	if err != nil {
		t.Fatalf("ForceResync: %v", err)
	}
	if n != 1 {
		t.Fatalf("emitted %d, want 1", n)
	}

	ev := em.get()[0]
	if ev.Version != 56 {
		t.Errorf("version = %d, want 56", ev.Version)
	}
	if ev.Operation != models.OpUpdate || !ev.Synthetic || ev.EventID == "" {
		t.Errorf("event = %+v", ev)
	}

	var payload map[string]any
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload["name"] != "Ann" {
		t.Errorf("payload = %s", ev.Payload)
	}

	if got := audit.actions(); len(got) != 1 || got[0] != models.AuditResyncRequested {
		t.Errorf("audit = %v", got)
	}
}

func TestForceResync_DeletesWhenSourceLostEntity(t *testing.T) {
	t.Parallel()

	graph := &mockGraphStore{
		getNode: func(context.Context, models.NodeKey) (*models.Node, error) {
			return &models.Node{Key: personP1, FamilyID: "F1", Version: 12}, nil
		},
	}

	h, em, _ := newTestMonitor(graph, newMockSyncStore(), newMockSource())

	if _, err := h.ForceResync(context.Background(), personP1); err != nil {
		t.Fatalf("ForceResync: %v", err)
	}

	ev := em.get()[0]
	if ev.Operation != models.OpDelete || ev.Version != 13 || ev.FamilyID != "F1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestForceResync_UnknownEntityEmitsNothing(t *testing.T) {
	t.Parallel()

	h, em, _ := newTestMonitor(&mockGraphStore{}, newMockSyncStore(), newMockSource())

	n, err := h.ForceResync(context.Background(), personP1)
	if err != nil || n != 0 {
		t.Fatalf("ForceResync = %d, %v", n, err)
	}
	if len(em.get()) != 0 {
		t.Error("unexpected event")
	}
}

func TestForceResync_SourceFailure(t *testing.T) {
	t.Parallel()

	src := newMockSource()
	src.err = errors.New("503")

	h, _, _ := newTestMonitor(&mockGraphStore{}, newMockSyncStore(), src)

	if _, err := h.ForceResync(context.Background(), personP1); err == nil {
		t.Fatal("expected error")
	}
}

func TestForceResyncFamily_DeletesUnlistedNodes(t *testing.T) {
	t.Parallel()

	src := newMockSource(
		models.Entity{Type: models.EntityPerson, ExternalID: "p1", FamilyID: "F1", Version: 3},
		models.Entity{Type: models.EntityLocation, ExternalID: "park", FamilyID: "F1", Version: 2},
	)

	graph := &mockGraphStore{
		familyNodes: func(context.Context, string) ([]models.Node, error) {
			return []models.Node{
				{Key: personP1, FamilyID: "F1", Version: 3},
				{Key: models.NodeKey{EntityType: models.EntityTask, ExternalID: "gone"}, FamilyID: "F1", Version: 8},
				{Key: models.NodeKey{EntityType: models.EntityPerson, ExternalID: "ph"}, FamilyID: "F1", Placeholder: true},
			}, nil
		},
		nodesByKeys: func(_ context.Context, keys []models.NodeKey) ([]models.Node, error) {
			if len(keys) != 1 || keys[0].EntityType != models.EntityLocation {
				t.Errorf("shared lookup keys = %v", keys)
			}
			return []models.Node{{Key: keys[0], FamilyID: models.SharedScope, Version: 9}}, nil
		},
	}

	h, em, _ := newTestMonitor(graph, newMockSyncStore(), src)

	n, err := h.ForceResyncFamily(context.Background(), "F1")
	if err != nil {
		t.Fatalf("ForceResyncFamily: %v", err)
	}
	if n != 3 {
		t.Fatalf("emitted %d, want 3", n)
	}

	byID := map[string]models.ChangeEvent{}
	for _, ev := range em.get() {
		byID[ev.ExternalID] = ev
	}

	if ev := byID["gone"]; ev.Operation != models.OpDelete || ev.Version != 9 {
		t.Errorf("unlisted node event = %+v", ev)
	}
	if ev := byID["park"]; ev.Operation != models.OpUpdate || ev.Version != 10 || ev.FamilyID != "F1" {
		t.Errorf("shared entity event = %+v", ev)
	}
	if ev := byID["p1"]; ev.Version != 4 {
		t.Errorf("person event = %+v", ev)
	}
	if _, ok := byID["ph"]; ok {
		t.Error("placeholder must not be deleted by a family resync")
	}
}

func TestGetFamilyStatus(t *testing.T) {
	t.Parallel()

	syncs := newMockSyncStore()
	ctx := context.Background()

	_ = syncs.MarkApplied(ctx, personP1, "F1", "e1", 5, false)
	_ = syncs.MarkFailed(ctx, models.NodeKey{EntityType: models.EntityTask, ExternalID: "t1"}, "F1", "boom", true)

	graph := &mockGraphStore{
		placeholders: func(context.Context, string, time.Time) ([]models.Node, error) {
			return []models.Node{{Key: models.NodeKey{EntityType: models.EntityPerson, ExternalID: "x"}, Placeholder: true}}, nil
		},
	}

	h, _, _ := newTestMonitor(graph, syncs, newMockSource())

	st, err := h.GetFamilyStatus(ctx, "F1")
	if err != nil {
		t.Fatalf("GetFamilyStatus: %v", err)
	}

	if st.Entities != 2 || st.DeadLettered != 1 || st.Placeholders != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.Health != models.HealthUnhealthy {
		t.Errorf("health = %s, want unhealthy", st.Health)
	}

	if _, err := h.GetFamilyStatus(ctx, ""); !errors.Is(err, models.ErrMissingFamily) {
		t.Errorf("err = %v, want ErrMissingFamily", err)
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestMonitor(&mockGraphStore{}, newMockSyncStore(), newMockSource())

	_, err := h.GetStatus(context.Background(), personP1)
	if !errors.Is(err, models.ErrSyncRecordNotFound) {
		t.Fatalf("err = %v, want ErrSyncRecordNotFound", err)
	}
}
