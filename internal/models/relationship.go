package models

import (
	"fmt"
	"time"
)

// RelationType is the closed set of directed relationship kinds.
type RelationType string

// Relationship types.
const (
	RelParentOf   RelationType = "PARENT_OF"
	RelSpouseOf   RelationType = "SPOUSE_OF"
	RelCreated    RelationType = "CREATED"
	RelAssignedTo RelationType = "ASSIGNED_TO"
	RelOrganizes  RelationType = "ORGANIZES"
	RelAttends    RelationType = "ATTENDS"
	RelLocatedAt  RelationType = "LOCATED_AT"
	RelProvidedBy RelationType = "PROVIDED_BY"
	RelUploaded   RelationType = "UPLOADED"
	RelAttachedTo RelationType = "ATTACHED_TO"
	RelAnswered   RelationType = "ANSWERED"
	RelRelatedTo  RelationType = "RELATED_TO"
)

// Roles declares which entity types may appear as source and target of a relationship type.
// A nil slice admits every feed-acceptable type.
type Roles struct {
	Source []EntityType
	Target []EntityType
}

var relationRoles = map[RelationType]Roles{
	RelParentOf:   {Source: []EntityType{EntityPerson}, Target: []EntityType{EntityPerson}},
	RelSpouseOf:   {Source: []EntityType{EntityPerson}, Target: []EntityType{EntityPerson}},
	RelCreated:    {Source: []EntityType{EntityPerson}, Target: []EntityType{EntityTask}},
	RelAssignedTo: {Source: []EntityType{EntityTask, EntityChore}, Target: []EntityType{EntityPerson}},
	RelOrganizes:  {Source: []EntityType{EntityPerson}, Target: []EntityType{EntityEvent}},
	RelAttends:    {Source: []EntityType{EntityPerson}, Target: []EntityType{EntityEvent}},
	RelLocatedAt:  {Source: []EntityType{EntityEvent}, Target: []EntityType{EntityLocation}},
	RelProvidedBy: {Source: []EntityType{EntityEvent}, Target: []EntityType{EntityProvider}},
	RelUploaded:   {Source: []EntityType{EntityPerson}, Target: []EntityType{EntityDocument}},
	RelAttachedTo: {Source: []EntityType{EntityDocument}, Target: []EntityType{EntityEvent, EntityTask}},
	RelAnswered:   {Source: []EntityType{EntityPerson}, Target: []EntityType{EntitySurveyResponse}},
	RelRelatedTo:  {},
}

// ParseRelationType returns the RelationType named by s.
func ParseRelationType(s string) (RelationType, error) {
	t := RelationType(s)
	if _, ok := relationRoles[t]; !ok {
		return "", fmt.Errorf("%w: unknown relationship type %q", ErrInvalidEvent, s)
	}

	return t, nil
}

// Roles returns the declared roles of t.
func (t RelationType) Roles() (Roles, bool) {
	r, ok := relationRoles[t]
	return r, ok
}

// CheckRoles returns ErrRoleMismatch when src or tgt does not satisfy the declared roles of t.
func (t RelationType) CheckRoles(src, tgt EntityType) error {
	r, ok := relationRoles[t]
	if !ok {
		return fmt.Errorf("%w: unknown relationship type %q", ErrInvalidEvent, t)
	}

	if !roleAllows(r.Source, src) {
		return fmt.Errorf("%w: %s source must be %v, got %s", ErrRoleMismatch, t, r.Source, src)
	}

	if !roleAllows(r.Target, tgt) {
		return fmt.Errorf("%w: %s target must be %v, got %s", ErrRoleMismatch, t, r.Target, tgt)
	}

	return nil
}

func roleAllows(allowed []EntityType, t EntityType) bool {
	if !t.Valid() {
		return false
	}

	if allowed == nil {
		return true
	}

	for _, a := range allowed {
		if a == t {
			return true
		}
	}

	return false
}

// RelKey is the natural key of a relationship.
type RelKey struct {
	Type   RelationType `json:"type"`
	Source NodeKey      `json:"source"`
	Target NodeKey      `json:"target"`
}

// String renders the key as "Source-[TYPE]->Target".
func (k RelKey) String() string {
	return k.Source.String() + "-[" + string(k.Type) + "]->" + k.Target.String()
}

// Less orders keys by type, source, then target.
func (k RelKey) Less(o RelKey) bool {
	if k.Type != o.Type {
		return k.Type < o.Type
	}

	if k.Source != o.Source {
		return k.Source.Less(o.Source)
	}

	return k.Target.Less(o.Target)
}

// Relationship represents a directed, typed edge between two nodes of one family.
type Relationship struct {
	Key        RelKey         `json:"key"`
	FamilyID   string         `json:"family_id"`
	Properties map[string]any `json:"properties"`
	Version    int64          `json:"version"`
	Owner      NodeKey        `json:"owner"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// RelationshipUpsert is a mapped relationship write. Owner is the node whose
// snapshot declared it.
type RelationshipUpsert struct {
	Key        RelKey         `json:"key"`
	FamilyID   string         `json:"family_id"`
	Properties map[string]any `json:"properties,omitempty"`
	Version    int64          `json:"version"`
	Owner      NodeKey        `json:"owner"`
}

// Validate checks the relationship key, its roles, and its scope.
func (u *RelationshipUpsert) Validate() error {
	if err := u.Key.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	if err := u.Key.Target.Validate(); err != nil {
		return fmt.Errorf("target: %w", err)
	}

	if err := u.Key.Type.CheckRoles(u.Key.Source.EntityType, u.Key.Target.EntityType); err != nil {
		return err
	}

	if u.FamilyID == "" {
		return ErrMissingFamily
	}

	if u.Version <= 0 {
		return ErrMissingVersion
	}

	return validateProperties(u.Properties)
}

// EndpointFamily returns the family an endpoint of type t must belong to for
// a relationship of family familyID.
func EndpointFamily(t EntityType, familyID string) string {
	if t.Shared() {
		return SharedScope
	}

	return familyID
}
