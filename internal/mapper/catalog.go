package mapper

import (
	"fmt"

	"github.com/persistorai/famgraph/internal/models"
)

// refField declares a snapshot attribute that references another entity.
type refField struct {
	field string
	rel   models.RelationType
	// target is the entity type of bare-id references. Empty means only typed
	// references are accepted.
	target models.EntityType
	// reverse makes the referenced entity the relationship source.
	reverse bool
	many    bool
}

// schema declares which snapshot attributes an entity type maps to node
// properties and which ones become relationships.
type schema struct {
	attributes []string
	refs       []refField
}

// schemaFor returns the mapping schema of t.
func schemaFor(t models.EntityType) (schema, error) {
	switch t {
	case models.EntityPerson:
		return schema{
			attributes: []string{"name", "role", "birthDate", "email", "phone", "avatarUrl"},
			refs: []refField{
				{field: "childIds", rel: models.RelParentOf, target: models.EntityPerson, many: true},
				{field: "spouseId", rel: models.RelSpouseOf, target: models.EntityPerson},
			},
		}, nil
	case models.EntityTask:
		return schema{
			attributes: []string{"title", "description", "status", "priority", "dueDate", "completedAt"},
			refs: []refField{
				{field: "createdBy", rel: models.RelCreated, target: models.EntityPerson, reverse: true},
				{field: "assignedTo", rel: models.RelAssignedTo, target: models.EntityPerson, many: true},
			},
		}, nil
	case models.EntityChore:
		return schema{
			attributes: []string{"title", "frequency", "points", "status"},
			refs: []refField{
				{field: "assignedTo", rel: models.RelAssignedTo, target: models.EntityPerson, many: true},
			},
		}, nil
	case models.EntityEvent:
		return schema{
			attributes: []string{"title", "description", "startTime", "endTime", "category", "allDay"},
			refs: []refField{
				{field: "organizerId", rel: models.RelOrganizes, target: models.EntityPerson, reverse: true},
				{field: "attendeeIds", rel: models.RelAttends, target: models.EntityPerson, reverse: true, many: true},
				{field: "locationId", rel: models.RelLocatedAt, target: models.EntityLocation},
				{field: "providerId", rel: models.RelProvidedBy, target: models.EntityProvider},
			},
		}, nil
	case models.EntityDocument:
		return schema{
			attributes: []string{"title", "mimeType", "category", "sizeBytes", "storagePath"},
			refs: []refField{
				{field: "uploadedBy", rel: models.RelUploaded, target: models.EntityPerson, reverse: true},
				{field: "relatedIds", rel: models.RelAttachedTo, many: true},
			},
		}, nil
	case models.EntitySurveyResponse:
		return schema{
			attributes: []string{"surveyId", "question", "answer", "answeredAt"},
			refs: []refField{
				{field: "respondentId", rel: models.RelAnswered, target: models.EntityPerson, reverse: true},
			},
		}, nil
	case models.EntityProvider:
		return schema{attributes: []string{"name", "specialty", "phone", "email"}}, nil
	case models.EntityLocation:
		return schema{attributes: []string{"name", "address", "latitude", "longitude"}}, nil
	case models.EntityUnknown:
		return schema{}, fmt.Errorf("%w: placeholder type cannot be mapped", models.ErrInvalidEvent)
	default:
		return schema{}, fmt.Errorf("%w: unknown entity type %q", models.ErrInvalidEvent, t)
	}
}

// reverseField returns the reference field through which entities of type
// target declare rel with themselves as the relationship target.
func reverseField(rel models.RelationType, target models.EntityType) (string, bool) {
	sc, err := schemaFor(target)
	if err != nil {
		return "", false
	}

	for _, rf := range sc.refs {
		if rf.reverse && rf.rel == rel {
			return rf.field, true
		}
	}

	return "", false
}
