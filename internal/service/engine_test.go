package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/persistorai/famgraph/internal/models"
)

func taskEvent(id string, version int64, attrs map[string]any) models.ChangeEvent {
	payload, _ := json.Marshal(attrs)

	return models.ChangeEvent{
		EventID:    fmt.Sprintf("ev-%s-%d", id, version),
		EntityType: models.EntityTask,
		ExternalID: id,
		FamilyID:   "F1",
		Operation:  models.OpUpdate,
		Version:    version,
		Payload:    payload,
	}
}

func newTestEngine(graph *mockGraphStore) (*UpsertEngine, *mockSyncStore, *mockDeadLetters, *recordingEnqueuer) {
	syncs := newMockSyncStore()
	dead := &mockDeadLetters{}
	audit := &recordingEnqueuer{}

	return NewUpsertEngine(graph, syncs, dead, audit, quietLogger(), fastRetry), syncs, dead, audit
}

func TestUpsertEngine_AppliesNodeThenRelationshipsThenPrune(t *testing.T) {
	t.Parallel()

	graph := &mockGraphStore{}
	eng, syncs, dead, _ := newTestEngine(graph)

	ev := taskEvent("t1", 10, map[string]any{"title": "Dishes", "createdBy": "p1", "assignedTo": "p2"})

	res, err := eng.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if res.Node == nil || res.Node.Outcome != models.OutcomeCreated {
		t.Fatalf("node result = %+v, want created", res.Node)
	}
	if len(res.Relationships) != 2 {
		t.Fatalf("relationships = %d, want 2", len(res.Relationships))
	}

	want := []string{"UpsertNode", "UpsertRelationship", "UpsertRelationship", "PruneOwnedRelationships"}
	got := graph.getCalls()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", got, want)
	}

	rec, _ := syncs.GetSyncRecord(context.Background(), ev.Key())
	if rec.State != models.SyncApplied || rec.LastAppliedEventID != ev.EventID || rec.LastAppliedVersion != 10 {
		t.Errorf("sync record = %+v", rec)
	}
	if len(dead.get()) != 0 {
		t.Error("unexpected dead letter")
	}
}

func TestUpsertEngine_SkipsDuplicateEvent(t *testing.T) {
	t.Parallel()

	graph := &mockGraphStore{}
	eng, _, _, _ := newTestEngine(graph)
	ev := taskEvent("t1", 10, map[string]any{"title": "Dishes"})

	if _, err := eng.Process(context.Background(), ev); err != nil {
		t.Fatalf("first Process: %v", err)
	}

	before := len(graph.getCalls())

	res, err := eng.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if !res.Duplicate {
		t.Error("expected duplicate")
	}
	if len(graph.getCalls()) != before {
		t.Errorf("duplicate touched the graph: %v", graph.getCalls()[before:])
	}
}

func TestUpsertEngine_DeadLettersTerminalErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   models.ChangeEvent
	}{
		{
			name: "missing family",
			ev: func() models.ChangeEvent {
				ev := taskEvent("t1", 1, map[string]any{"title": "x"})
				ev.FamilyID = ""
				return ev
			}(),
		},
		{
			name: "payload not an object",
			ev: func() models.ChangeEvent {
				ev := taskEvent("t1", 1, nil)
				ev.Payload = json.RawMessage(`[1,2]`)
				return ev
			}(),
		},
		{
			name: "role mismatch",
			ev: models.ChangeEvent{
				EventID:    "ev-doc",
				EntityType: models.EntityDocument,
				ExternalID: "d1",
				FamilyID:   "F1",
				Operation:  models.OpCreate,
				Version:    3,
				Payload:    json.RawMessage(`{"title":"x","relatedIds":[{"type":"Person","id":"p1"}]}`),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			graph := &mockGraphStore{}
			eng, _, dead, audit := newTestEngine(graph)

			res, err := eng.Process(context.Background(), tc.ev)
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if !res.DeadLettered {
				t.Fatal("expected dead letter")
			}

			letters := dead.get()
			if len(letters) != 1 || letters[0].Reason != models.DeadLetterMalformed {
				t.Fatalf("dead letters = %+v", letters)
			}
			if string(letters[0].Event.Payload) != string(tc.ev.Payload) {
				t.Error("dead letter lost the payload")
			}
			if len(graph.getCalls()) != 0 {
				t.Errorf("terminal error reached the graph: %v", graph.getCalls())
			}
			if got := audit.actions(); len(got) != 1 || got[0] != models.AuditEventDeadLettered {
				t.Errorf("audit = %v", got)
			}
		})
	}
}

func TestUpsertEngine_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	failures := 2
	graph := &mockGraphStore{}
	graph.upsertNode = func(_ context.Context, up models.NodeUpsert) (models.AppliedResult, error) {
		if failures > 0 {
			failures--
			return models.AppliedResult{}, fmt.Errorf("%w: connection reset", models.ErrStoreUnavailable)
		}
		return models.AppliedResult{Target: up.Key.String(), Outcome: models.OutcomeCreated}, nil
	}

	eng, _, dead, _ := newTestEngine(graph)

	res, err := eng.Process(context.Background(), taskEvent("t1", 5, map[string]any{"title": "x"}))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if res.DeadLettered || len(dead.get()) != 0 {
		t.Error("transient failure should not dead-letter")
	}
}

func TestUpsertEngine_DeadLettersAfterRetriesExhausted(t *testing.T) {
	t.Parallel()

	graph := &mockGraphStore{}
	graph.upsertNode = func(context.Context, models.NodeUpsert) (models.AppliedResult, error) {
		return models.AppliedResult{}, errors.New("timeout")
	}

	eng, syncs, dead, _ := newTestEngine(graph)
	ev := taskEvent("t1", 5, map[string]any{"title": "x"})

	res, err := eng.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.DeadLettered {
		t.Fatal("expected dead letter")
	}
	if res.Attempts != fastRetry.MaxRetries+1 {
		t.Errorf("attempts = %d, want %d", res.Attempts, fastRetry.MaxRetries+1)
	}

	letters := dead.get()
	if len(letters) != 1 || letters[0].Reason != models.DeadLetterExhausted {
		t.Fatalf("dead letters = %+v", letters)
	}

	rec, _ := syncs.GetSyncRecord(context.Background(), ev.Key())
	if rec.State != models.SyncDeadLettered {
		t.Errorf("state = %s, want dead_lettered", rec.State)
	}
}

func TestUpsertEngine_ArchiveFailureIsNotAcknowledged(t *testing.T) {
	t.Parallel()

	eng, _, dead, _ := newTestEngine(&mockGraphStore{})
	dead.err = errors.New("bucket unavailable")

	ev := taskEvent("t1", 1, nil)
	ev.Payload = json.RawMessage(`"nope"`)

	if _, err := eng.Process(context.Background(), ev); err == nil {
		t.Fatal("expected error when the dead letter cannot be archived")
	}
}

func TestUpsertEngine_CrossFamilyRejectionDoesNotFailEvent(t *testing.T) {
	t.Parallel()

	graph := &mockGraphStore{}
	graph.upsertRel = func(_ context.Context, up models.RelationshipUpsert) (models.AppliedResult, error) {
		if up.Key.Type == models.RelCreated {
			err := fmt.Errorf("%w: Person:p1 belongs to F2", models.ErrCrossFamily)
			return models.AppliedResult{Target: up.Key.String(), Outcome: models.OutcomeRejected, Error: err.Error()}, err
		}
		return models.AppliedResult{Target: up.Key.String(), Outcome: models.OutcomeCreated}, nil
	}

	eng, syncs, dead, audit := newTestEngine(graph)
	ev := taskEvent("t1", 7, map[string]any{"createdBy": "p1", "assignedTo": "p2"})

	res, err := eng.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Rejected() != 1 {
		t.Errorf("rejected = %d, want 1", res.Rejected())
	}
	if len(dead.get()) != 0 {
		t.Error("cross-family rejection must not dead-letter")
	}

	if got := audit.actions(); len(got) != 1 || got[0] != models.AuditEdgeRejectedFamily {
		t.Errorf("audit = %v", got)
	}

	rec, _ := syncs.GetSyncRecord(context.Background(), ev.Key())
	if rec.State != models.SyncApplied {
		t.Errorf("state = %s, want applied", rec.State)
	}
}

func TestUpsertEngine_StaleNodeSkipsRelationships(t *testing.T) {
	t.Parallel()

	graph := &mockGraphStore{}
	graph.upsertNode = func(_ context.Context, up models.NodeUpsert) (models.AppliedResult, error) {
		return models.AppliedResult{Target: up.Key.String(), Outcome: models.OutcomeStale}, nil
	}

	eng, syncs, _, _ := newTestEngine(graph)
	ev := taskEvent("t1", 3, map[string]any{"assignedTo": "p2"})

	res, err := eng.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Node.Outcome != models.OutcomeStale {
		t.Errorf("outcome = %s", res.Node.Outcome)
	}
	if calls := graph.getCalls(); len(calls) != 1 {
		t.Errorf("calls = %v, want only UpsertNode", calls)
	}

	rec, _ := syncs.GetSyncRecord(context.Background(), ev.Key())
	if rec.LastAppliedEventID != "" {
		t.Error("stale event must not be recorded as applied")
	}
}

func TestUpsertEngine_DeleteEvent(t *testing.T) {
	t.Parallel()

	graph := &mockGraphStore{}
	eng, syncs, _, _ := newTestEngine(graph)

	ev := models.ChangeEvent{
		EventID: "del-1", EntityType: models.EntityTask, ExternalID: "t1",
		FamilyID: "F1", Operation: models.OpDelete, Version: 9,
	}

	res, err := eng.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Node.Outcome != models.OutcomeDeleted {
		t.Errorf("outcome = %s", res.Node.Outcome)
	}

	rec, _ := syncs.GetSyncRecord(context.Background(), ev.Key())
	if !rec.Deleted || rec.LastAppliedVersion != 9 {
		t.Errorf("sync record = %+v", rec)
	}
}

func TestUpsertEngine_AuditsFamilyChangeRemovals(t *testing.T) {
	t.Parallel()

	removed := models.RelKey{
		Type:   models.RelAssignedTo,
		Source: models.NodeKey{EntityType: models.EntityTask, ExternalID: "t9"},
		Target: models.NodeKey{EntityType: models.EntityPerson, ExternalID: "p1"},
	}

	graph := &mockGraphStore{}
	graph.upsertNode = func(_ context.Context, up models.NodeUpsert) (models.AppliedResult, error) {
		return models.AppliedResult{Target: up.Key.String(), Outcome: models.OutcomeUpdated, RemovedEdges: []models.RelKey{removed}}, nil
	}

	eng, _, _, audit := newTestEngine(graph)

	ev := models.ChangeEvent{
		EventID: "ev-p1", EntityType: models.EntityPerson, ExternalID: "p1",
		FamilyID: "F2", Operation: models.OpUpdate, Version: 4, Payload: json.RawMessage(`{"name":"Ann"}`),
	}

	if _, err := eng.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if got := audit.actions(); len(got) != 1 || got[0] != models.AuditEdgeRemovedFamilyChg {
		t.Errorf("audit = %v", got)
	}
}

func TestUpsertEngine_ReadFailureIsReturned(t *testing.T) {
	t.Parallel()

	eng, syncs, _, _ := newTestEngine(&mockGraphStore{})
	syncs.getErr = fmt.Errorf("%w: down", models.ErrStoreUnavailable)

	_, err := eng.Process(context.Background(), taskEvent("t1", 1, map[string]any{"title": "x"}))
	if !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
}
