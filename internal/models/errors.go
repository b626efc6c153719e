package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for event and mapping validation. All of them are terminal.
var (
	ErrInvalidEvent      = errors.New("invalid change event")
	ErrMissingFamily     = errors.New("family_id is required")
	ErrMissingExternalID = errors.New("external_id is required")
	ErrMissingVersion    = errors.New("version must be positive")
	ErrRoleMismatch      = errors.New("relationship role mismatch")
)

// ErrCrossFamily rejects a relationship whose endpoints belong to different families.
var ErrCrossFamily = errors.New("relationship crosses family boundary")

// Sentinel errors for lookups.
var (
	ErrNodeNotFound       = errors.New("node not found")
	ErrSyncRecordNotFound = errors.New("sync record not found")
	ErrJobNotFound        = errors.New("reconcile job not found")
	ErrEntityNotFound     = errors.New("entity not found in source")
)

// ErrStoreUnavailable marks a store failure the caller may retry.
var ErrStoreUnavailable = errors.New("graph store unavailable")

// ErrFieldTooLong returns an error indicating a field exceeds its maximum length.
func ErrFieldTooLong(field string, maxLen int) error {
	return fmt.Errorf("%w: %s exceeds maximum length of %d", ErrInvalidEvent, field, maxLen)
}

// IsTerminal reports whether err can never succeed on retry.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrMissingFamily) ||
		errors.Is(err, ErrMissingExternalID) ||
		errors.Is(err, ErrMissingVersion) ||
		errors.Is(err, ErrRoleMismatch)
}
