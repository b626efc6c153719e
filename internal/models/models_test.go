package models_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/persistorai/famgraph/internal/models"
)

func ptr[T any](v T) *T { return &v }

func assertNoError(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func assertErrorContains(t *testing.T, err error, want string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error containing %q, got nil", want)
	}

	if !strings.Contains(err.Error(), want) {
		t.Errorf("expected error containing %q, got %q", want, err.Error())
	}
}

func TestChangeEvent_Validate(t *testing.T) {
	payload := json.RawMessage(`{"name":"Ada"}`)

	tests := []struct {
		name    string
		ev      models.ChangeEvent
		wantErr string
	}{
		{
			name: "valid create",
			ev:   models.ChangeEvent{EventID: "e1", EntityType: models.EntityPerson, ExternalID: "p1", FamilyID: "F1", Operation: models.OpCreate, Version: 1, Payload: payload},
		},
		{
			name: "valid delete without payload",
			ev:   models.ChangeEvent{EventID: "e1", EntityType: models.EntityPerson, ExternalID: "p1", FamilyID: "F1", Operation: models.OpDelete, Version: 3},
		},
		{
			name:    "missing family",
			ev:      models.ChangeEvent{EventID: "e1", EntityType: models.EntityPerson, ExternalID: "p1", Operation: models.OpCreate, Version: 1, Payload: payload},
			wantErr: "family_id is required",
		},
		{
			name:    "missing external id",
			ev:      models.ChangeEvent{EventID: "e1", EntityType: models.EntityTask, FamilyID: "F1", Operation: models.OpCreate, Version: 1, Payload: payload},
			wantErr: "external_id is required",
		},
		{
			name:    "unknown type",
			ev:      models.ChangeEvent{EventID: "e1", EntityType: "Pet", ExternalID: "x", FamilyID: "F1", Operation: models.OpCreate, Version: 1, Payload: payload},
			wantErr: "unknown entity type",
		},
		{
			name:    "placeholder type refused",
			ev:      models.ChangeEvent{EventID: "e1", EntityType: models.EntityUnknown, ExternalID: "x", FamilyID: "F1", Operation: models.OpCreate, Version: 1, Payload: payload},
			wantErr: "unknown entity type",
		},
		{
			name:    "create without payload",
			ev:      models.ChangeEvent{EventID: "e1", EntityType: models.EntityTask, ExternalID: "t1", FamilyID: "F1", Operation: models.OpCreate, Version: 1},
			wantErr: "without payload",
		},
		{
			name:    "zero version",
			ev:      models.ChangeEvent{EventID: "e1", EntityType: models.EntityTask, ExternalID: "t1", FamilyID: "F1", Operation: models.OpDelete},
			wantErr: "version must be positive",
		},
		{
			name:    "bad operation",
			ev:      models.ChangeEvent{EventID: "e1", EntityType: models.EntityTask, ExternalID: "t1", FamilyID: "F1", Operation: "merge", Version: 1},
			wantErr: "unknown operation",
		},
		{
			name:    "id too long",
			ev:      models.ChangeEvent{EventID: "e1", EntityType: models.EntityTask, ExternalID: strings.Repeat("x", 256), FamilyID: "F1", Operation: models.OpDelete, Version: 1},
			wantErr: "exceeds maximum length",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if tc.wantErr != "" {
				assertErrorContains(t, err, tc.wantErr)

				if !models.IsTerminal(err) {
					t.Errorf("expected terminal error, got %v", err)
				}

				return
			}
			assertNoError(t, err)
		})
	}
}

func TestRelationType_CheckRoles(t *testing.T) {
	tests := []struct {
		name    string
		rel     models.RelationType
		src     models.EntityType
		tgt     models.EntityType
		wantErr bool
	}{
		{name: "organizes person event", rel: models.RelOrganizes, src: models.EntityPerson, tgt: models.EntityEvent},
		{name: "parent of person person", rel: models.RelParentOf, src: models.EntityPerson, tgt: models.EntityPerson},
		{name: "created person task", rel: models.RelCreated, src: models.EntityPerson, tgt: models.EntityTask},
		{name: "assigned chore person", rel: models.RelAssignedTo, src: models.EntityChore, tgt: models.EntityPerson},
		{name: "attached document task", rel: models.RelAttachedTo, src: models.EntityDocument, tgt: models.EntityTask},
		{name: "related any", rel: models.RelRelatedTo, src: models.EntityDocument, tgt: models.EntityLocation},
		{name: "organizes wrong target", rel: models.RelOrganizes, src: models.EntityPerson, tgt: models.EntityTask, wantErr: true},
		{name: "created wrong source", rel: models.RelCreated, src: models.EntityEvent, tgt: models.EntityTask, wantErr: true},
		{name: "related to unknown", rel: models.RelRelatedTo, src: models.EntityUnknown, tgt: models.EntityTask, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rel.CheckRoles(tc.src, tc.tgt)
			if tc.wantErr {
				if !errors.Is(err, models.ErrRoleMismatch) {
					t.Fatalf("expected ErrRoleMismatch, got %v", err)
				}

				return
			}
			assertNoError(t, err)
		})
	}
}

func TestNodeUpsert_Validate(t *testing.T) {
	tests := []struct {
		name    string
		up      models.NodeUpsert
		wantErr string
	}{
		{name: "family node", up: models.NodeUpsert{Key: models.NodeKey{EntityType: models.EntityTask, ExternalID: "t1"}, FamilyID: "F1", Version: 1}},
		{name: "shared node", up: models.NodeUpsert{Key: models.NodeKey{EntityType: models.EntityProvider, ExternalID: "dr1"}, Version: 1}},
		{name: "shared node with family", up: models.NodeUpsert{Key: models.NodeKey{EntityType: models.EntityLocation, ExternalID: "l1"}, FamilyID: "F1", Version: 1}, wantErr: "shared Location node"},
		{name: "family node without family", up: models.NodeUpsert{Key: models.NodeKey{EntityType: models.EntityTask, ExternalID: "t1"}, Version: 1}, wantErr: "family_id is required"},
		{
			name:    "properties too large",
			up:      models.NodeUpsert{Key: models.NodeKey{EntityType: models.EntityTask, ExternalID: "t1"}, FamilyID: "F1", Version: 1, Properties: map[string]any{"x": strings.Repeat("y", 70000)}},
			wantErr: "exceeds maximum length",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.up.Validate()
			if tc.wantErr != "" {
				assertErrorContains(t, err, tc.wantErr)
				return
			}
			assertNoError(t, err)
		})
	}
}

func TestParseNodeKey(t *testing.T) {
	key, err := models.ParseNodeKey("task:abc:123")
	assertNoError(t, err)

	want := models.NodeKey{EntityType: models.EntityTask, ExternalID: "abc:123"}
	if key != want {
		t.Errorf("got %+v, want %+v", key, want)
	}

	if key.String() != "Task:abc:123" {
		t.Errorf("String() = %q", key.String())
	}

	_, err = models.ParseNodeKey("Task")
	assertErrorContains(t, err, "malformed node key")
}

func TestSummarizeSync(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	synced := now.Add(-time.Minute)

	records := []models.SyncRecord{
		{State: models.SyncApplied, LastSyncedAt: ptr(synced), UpdatedAt: synced},
		{State: models.SyncVerified, LastSyncedAt: ptr(now.Add(-time.Hour)), UpdatedAt: now.Add(-time.Hour)},
		{State: models.SyncPending, UpdatedAt: now.Add(-2 * time.Minute)},
	}

	st := models.SummarizeSync("F1", records, 0, now, 5*time.Minute)
	if st.Health != models.HealthHealthy {
		t.Errorf("health = %s, want healthy", st.Health)
	}

	if st.States[models.SyncPending] != 1 || st.States[models.SyncDeadLettered] != 0 {
		t.Errorf("unexpected state counts %v", st.States)
	}

	if st.LastSyncedAt == nil || !st.LastSyncedAt.Equal(synced) {
		t.Errorf("last synced = %v, want %v", st.LastSyncedAt, synced)
	}

	if st.OldestPendingSeconds() != 120 {
		t.Errorf("oldest pending = %v, want 120", st.OldestPendingSeconds())
	}

	degraded := models.SummarizeSync("F1", records, 0, now, time.Minute)
	if degraded.Health != models.HealthDegraded {
		t.Errorf("health = %s, want degraded", degraded.Health)
	}

	records = append(records, models.SyncRecord{State: models.SyncDeadLettered, UpdatedAt: now})
	bad := models.SummarizeSync("F1", records, 0, now, 5*time.Minute)
	if bad.Health != models.HealthUnhealthy || bad.DeadLettered != 1 {
		t.Errorf("health = %s dead = %d, want unhealthy 1", bad.Health, bad.DeadLettered)
	}
}
