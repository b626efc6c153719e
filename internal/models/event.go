package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of change a ChangeEvent reports.
type Operation string

// Change operations.
const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeEvent is one at-least-once notification from the document store.
// Payload carries the full entity snapshot, never a diff.
type ChangeEvent struct {
	EventID         string          `json:"event_id"`
	EntityType      EntityType      `json:"entity_type"`
	ExternalID      string          `json:"external_id"`
	FamilyID        string          `json:"family_id"`
	Operation       Operation       `json:"operation"`
	Version         int64           `json:"version"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	DeliveryAttempt int             `json:"delivery_attempt"`
	EmittedAt       time.Time       `json:"emitted_at"`
	Synthetic       bool            `json:"synthetic,omitempty"`
}

// Key returns the natural key of the entity the event refers to.
func (e *ChangeEvent) Key() NodeKey {
	return NodeKey{EntityType: e.EntityType, ExternalID: e.ExternalID}
}

// Validate checks the envelope fields. Payload structure is checked by the mapper.
func (e *ChangeEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidEvent)
	}

	if err := e.Key().Validate(); err != nil {
		return err
	}

	if e.FamilyID == "" {
		return ErrMissingFamily
	}

	switch e.Operation {
	case OpCreate, OpUpdate:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: %s event without payload", ErrInvalidEvent, e.Operation)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidEvent, e.Operation)
	}

	if e.Version <= 0 {
		return ErrMissingVersion
	}

	return nil
}

// Entity is an authoritative snapshot read from the document store boundary.
type Entity struct {
	Type       EntityType     `json:"entity_type"`
	ExternalID string         `json:"external_id"`
	FamilyID   string         `json:"family_id"`
	Version    int64          `json:"version"`
	Attributes map[string]any `json:"attributes"`
}

// Key returns the natural key of the entity.
func (e *Entity) Key() NodeKey {
	return NodeKey{EntityType: e.Type, ExternalID: e.ExternalID}
}
