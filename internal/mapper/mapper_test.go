package mapper_test

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/persistorai/famgraph/internal/mapper"
	"github.com/persistorai/famgraph/internal/models"
)

type mapped struct {
	Node          models.NodeUpsert           `json:"node"`
	Relationships []models.RelationshipUpsert `json:"relationships"`
}

func assertGolden(t *testing.T, name string, e models.Entity) {
	t.Helper()

	node, rels, err := mapper.Map(e)
	require.NoError(t, err)

	data, err := json.MarshalIndent(mapped{Node: node, Relationships: rels}, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, name, append(data, '\n'))
}

func taskEntity() models.Entity {
	return models.Entity{
		Type:       models.EntityTask,
		ExternalID: "t1",
		FamilyID:   "F1",
		Version:    1700000000000,
		Attributes: map[string]any{
			"title":      "Pack lunches",
			"status":     "open",
			"priority":   2,
			"dueDate":    "2026-03-02",
			"createdBy":  "p1",
			"assignedTo": []any{"p2", "p1"},
			"internal":   "not mapped",
		},
	}
}

func TestMap_Golden(t *testing.T) {
	assertGolden(t, "task_with_refs", taskEntity())

	assertGolden(t, "provider_shared", models.Entity{
		Type:       models.EntityProvider,
		ExternalID: "dr1",
		FamilyID:   "F1",
		Version:    5,
		Attributes: map[string]any{"name": "Dr. Lee", "specialty": "pediatrics"},
	})
}

func TestMap_Deterministic(t *testing.T) {
	e := taskEntity()
	n1, r1, err := mapper.Map(e)
	require.NoError(t, err)

	e.Attributes["assignedTo"] = []any{"p1", "p2"}
	n2, r2, err := mapper.Map(e)
	require.NoError(t, err)

	assert.Equal(t, n1, n2)
	assert.Equal(t, r1, r2)
}

func TestMap_Errors(t *testing.T) {
	tests := []struct {
		name    string
		entity  models.Entity
		wantErr error
	}{
		{
			name:    "missing family",
			entity:  models.Entity{Type: models.EntityPerson, ExternalID: "p1", Version: 1},
			wantErr: models.ErrMissingFamily,
		},
		{
			name:    "missing version",
			entity:  models.Entity{Type: models.EntityPerson, ExternalID: "p1", FamilyID: "F1"},
			wantErr: models.ErrMissingVersion,
		},
		{
			name:    "placeholder type",
			entity:  models.Entity{Type: models.EntityUnknown, ExternalID: "x", FamilyID: "F1", Version: 1},
			wantErr: models.ErrInvalidEvent,
		},
		{
			name: "typed ref violates role",
			entity: models.Entity{Type: models.EntityTask, ExternalID: "t1", FamilyID: "F1", Version: 1, Attributes: map[string]any{
				"createdBy": map[string]any{"type": "Event", "id": "e1"},
			}},
			wantErr: models.ErrRoleMismatch,
		},
		{
			name: "attachment needs typed ref",
			entity: models.Entity{Type: models.EntityDocument, ExternalID: "d1", FamilyID: "F1", Version: 1, Attributes: map[string]any{
				"relatedIds": []any{"e1"},
			}},
			wantErr: models.ErrInvalidEvent,
		},
		{
			name: "attachment to person",
			entity: models.Entity{Type: models.EntityDocument, ExternalID: "d1", FamilyID: "F1", Version: 1, Attributes: map[string]any{
				"relatedIds": []any{map[string]any{"type": "Person", "id": "p1"}},
			}},
			wantErr: models.ErrRoleMismatch,
		},
		{
			name: "single ref field given array",
			entity: models.Entity{Type: models.EntityPerson, ExternalID: "p1", FamilyID: "F1", Version: 1, Attributes: map[string]any{
				"spouseId": []any{"p2", "p3"},
			}},
			wantErr: models.ErrInvalidEvent,
		},
		{
			name: "self reference",
			entity: models.Entity{Type: models.EntityPerson, ExternalID: "p1", FamilyID: "F1", Version: 1, Attributes: map[string]any{
				"spouseId": "p1",
			}},
			wantErr: models.ErrInvalidEvent,
		},
		{
			name: "unknown link type",
			entity: models.Entity{Type: models.EntityPerson, ExternalID: "p1", FamilyID: "F1", Version: 1, Attributes: map[string]any{
				"links": []any{map[string]any{"type": "LIKES", "target": map[string]any{"type": "Task", "id": "t1"}}},
			}},
			wantErr: models.ErrInvalidEvent,
		},
		{
			name: "link restating a target-owned edge",
			entity: models.Entity{Type: models.EntityPerson, ExternalID: "p1", FamilyID: "F1", Version: 1, Attributes: map[string]any{
				"links": []any{map[string]any{"type": "CREATED", "target": map[string]any{"type": "Task", "id": "t1"}}},
			}},
			wantErr: models.ErrInvalidEvent,
		},
		{
			name: "shared entity with links",
			entity: models.Entity{Type: models.EntityLocation, ExternalID: "l1", FamilyID: "F1", Version: 1, Attributes: map[string]any{
				"links": []any{map[string]any{"type": "RELATED_TO", "target": map[string]any{"type": "Task", "id": "t1"}}},
			}},
			wantErr: models.ErrInvalidEvent,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := mapper.Map(tc.entity)
			require.ErrorIs(t, err, tc.wantErr)
			assert.True(t, models.IsTerminal(err), "mapping errors must be terminal: %v", err)
		})
	}
}

func TestMap_EventRefs(t *testing.T) {
	e := models.Entity{
		Type:       models.EntityEvent,
		ExternalID: "ev1",
		FamilyID:   "F1",
		Version:    10,
		Attributes: map[string]any{
			"title":       "Checkup",
			"organizerId": "p1",
			"attendeeIds": []any{"p2", map[string]any{"type": "Person", "id": "p3"}},
			"locationId":  "clinic",
			"providerId":  "dr1",
			"links": []any{
				map[string]any{"type": "RELATED_TO", "target": map[string]any{"type": "Task", "id": "t1"}, "properties": map[string]any{"note": "prep"}},
			},
		},
	}

	node, rels, err := mapper.Map(e)
	require.NoError(t, err)
	assert.Equal(t, "F1", node.FamilyID)

	got := make([]string, 0, len(rels))
	for _, r := range rels {
		got = append(got, r.Key.String())
		assert.Equal(t, "F1", r.FamilyID)
		assert.Equal(t, e.Key(), r.Owner)
		assert.Equal(t, int64(10), r.Version)
	}

	assert.Equal(t, []string{
		"Person:p2-[ATTENDS]->Event:ev1",
		"Person:p3-[ATTENDS]->Event:ev1",
		"Event:ev1-[LOCATED_AT]->Location:clinic",
		"Person:p1-[ORGANIZES]->Event:ev1",
		"Event:ev1-[PROVIDED_BY]->Provider:dr1",
		"Event:ev1-[RELATED_TO]->Task:t1",
	}, got)

	assert.Equal(t, "prep", rels[5].Properties["note"])
}

func TestUnmap_RoundTrip(t *testing.T) {
	entities := []models.Entity{
		taskEntity(),
		{Type: models.EntityPerson, ExternalID: "p1", FamilyID: "F1", Version: 3, Attributes: map[string]any{
			"name": "Ada", "birthDate": "2015-04-01", "childIds": []any{"p2"},
		}},
		{Type: models.EntityLocation, ExternalID: "l1", FamilyID: "F1", Version: 1, Attributes: map[string]any{
			"name": "Clinic", "latitude": 51.5, "longitude": -0.12,
		}},
		{Type: models.EntitySurveyResponse, ExternalID: "s1", FamilyID: "F1", Version: 1, Attributes: map[string]any{
			"question": "Who does the laundry?", "answer": map[string]any{"choice": "me", "score": 4},
		}},
	}

	for _, e := range entities {
		t.Run(e.Key().String(), func(t *testing.T) {
			node, _, err := mapper.Map(e)
			require.NoError(t, err)

			// Simulate a store write and read of the JSON property column.
			raw, err := json.Marshal(node.Properties)
			require.NoError(t, err)

			var stored map[string]any
			require.NoError(t, json.Unmarshal(raw, &stored))

			want, err := mapper.MappedAttributes(e)
			require.NoError(t, err)

			assert.Equal(t, want, mapper.Unmap(models.Node{Key: node.Key, Properties: stored}))
		})
	}
}

func TestFromEvent(t *testing.T) {
	ev := &models.ChangeEvent{
		EventID: "e1", EntityType: models.EntityTask, ExternalID: "t1", FamilyID: "F1",
		Operation: models.OpCreate, Version: 7, Payload: json.RawMessage(`{"title":"x","familyId":"F1"}`),
	}

	e, err := mapper.FromEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, int64(7), e.Version)
	assert.Equal(t, "x", e.Attributes["title"])

	ev.Payload = json.RawMessage(`{"familyId":"F2"}`)
	_, err = mapper.FromEvent(ev)
	require.ErrorIs(t, err, models.ErrInvalidEvent)

	ev.Payload = json.RawMessage(`[1,2]`)
	_, err = mapper.FromEvent(ev)
	require.ErrorIs(t, err, models.ErrInvalidEvent)
}
