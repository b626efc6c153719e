// Package models defines data types for the family graph projection.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Node represents a vertex in the graph projection.
type Node struct {
	Key         NodeKey        `json:"key"`
	FamilyID    string         `json:"family_id"`
	Type        EntityType     `json:"type"`
	Properties  map[string]any `json:"properties"`
	Version     int64          `json:"version"`
	Placeholder bool           `json:"placeholder"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NodeUpsert is a mapped node write. Version is the logical version of the
// snapshot it was mapped from.
type NodeUpsert struct {
	Key        NodeKey        `json:"key"`
	FamilyID   string         `json:"family_id"`
	Properties map[string]any `json:"properties"`
	Version    int64          `json:"version"`
}

// maxPropertiesBytes bounds the encoded size of a node or relationship property map.
const maxPropertiesBytes = 65536

// Validate checks key, scope and property limits on NodeUpsert.
func (u *NodeUpsert) Validate() error {
	if err := u.Key.Validate(); err != nil {
		return err
	}

	if u.Key.EntityType.Shared() {
		if u.FamilyID != SharedScope {
			return fmt.Errorf("%w: shared %s node carries family %q", ErrInvalidEvent, u.Key.EntityType, u.FamilyID)
		}
	} else if u.FamilyID == "" {
		return ErrMissingFamily
	}

	if u.Version <= 0 {
		return ErrMissingVersion
	}

	return validateProperties(u.Properties)
}

// NodeTombstone records the delete version of a removed node.
type NodeTombstone struct {
	Key       NodeKey   `json:"key"`
	FamilyID  string    `json:"family_id"`
	Version   int64     `json:"version"`
	DeletedAt time.Time `json:"deleted_at"`
}

func validateProperties(props map[string]any) error {
	if props == nil {
		return nil
	}

	data, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("invalid properties: %w", err)
	}

	if len(data) > maxPropertiesBytes {
		return ErrFieldTooLong("properties", maxPropertiesBytes)
	}

	return nil
}
