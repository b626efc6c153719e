package models

import (
	"fmt"
	"strings"
)

// EntityType is the closed set of source entity kinds projected into the graph.
type EntityType string

// Family-scoped entity types.
const (
	EntityPerson         EntityType = "Person"
	EntityTask           EntityType = "Task"
	EntityChore          EntityType = "Chore"
	EntityEvent          EntityType = "Event"
	EntityDocument       EntityType = "Document"
	EntitySurveyResponse EntityType = "SurveyResponse"
)

// Shared reference entity types. Their nodes live outside any family.
const (
	EntityProvider EntityType = "Provider"
	EntityLocation EntityType = "Location"
)

// EntityUnknown is the type of placeholder nodes. It is never accepted from the feed.
const EntityUnknown EntityType = "Unknown"

// SharedScope is the familyId carried by shared reference nodes.
const SharedScope = ""

// EntityTypes lists every type accepted from the change feed, in catalog order.
var EntityTypes = []EntityType{
	EntityPerson,
	EntityTask,
	EntityChore,
	EntityEvent,
	EntityDocument,
	EntitySurveyResponse,
	EntityProvider,
	EntityLocation,
}

// Valid reports whether t is a feed-acceptable entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityPerson, EntityTask, EntityChore, EntityEvent, EntityDocument,
		EntitySurveyResponse, EntityProvider, EntityLocation:
		return true
	case EntityUnknown:
		return false
	default:
		return false
	}
}

// Shared reports whether nodes of this type belong to the shared scope.
func (t EntityType) Shared() bool {
	return t == EntityProvider || t == EntityLocation
}

// ParseEntityType returns the EntityType named by s, case-insensitively.
func ParseEntityType(s string) (EntityType, error) {
	for _, t := range EntityTypes {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}

	return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalidEvent, s)
}

// NodeKey is the natural key of a graph node.
type NodeKey struct {
	EntityType EntityType `json:"entity_type"`
	ExternalID string     `json:"external_id"`
}

// String renders the key as "Type:externalId".
func (k NodeKey) String() string {
	return string(k.EntityType) + ":" + k.ExternalID
}

// IsZero reports whether the key is empty.
func (k NodeKey) IsZero() bool {
	return k.EntityType == "" && k.ExternalID == ""
}

// Less orders keys by type then external id.
func (k NodeKey) Less(o NodeKey) bool {
	if k.EntityType != o.EntityType {
		return k.EntityType < o.EntityType
	}

	return k.ExternalID < o.ExternalID
}

// Validate checks the key has a known type and a bounded external id.
func (k NodeKey) Validate() error {
	if !k.EntityType.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidEvent, k.EntityType)
	}

	if k.ExternalID == "" {
		return ErrMissingExternalID
	}

	if len(k.ExternalID) > 255 {
		return ErrFieldTooLong("external_id", 255)
	}

	return nil
}

// ParseNodeKey parses the "Type:externalId" form produced by String.
func ParseNodeKey(s string) (NodeKey, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return NodeKey{}, fmt.Errorf("%w: malformed node key %q", ErrInvalidEvent, s)
	}

	et, err := ParseEntityType(typ)
	if err != nil {
		return NodeKey{}, err
	}

	return NodeKey{EntityType: et, ExternalID: id}, nil
}
