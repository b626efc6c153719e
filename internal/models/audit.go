package models

import "time"

// Audit actions.
const (
	AuditResyncRequested      = "resync.requested"
	AuditReconcileCompleted   = "reconcile.completed"
	AuditEdgeRemovedDangling  = "edge.removed_dangling"
	AuditEdgeRejectedFamily   = "edge.rejected_cross_family"
	AuditEdgeRemovedFamilyChg = "edge.removed_family_change"
	AuditEventDeadLettered    = "event.dead_lettered"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID        int64          `json:"id"`
	FamilyID  string         `json:"family_id"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	Actor     string         `json:"actor,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditQueryOpts holds filters for querying the audit log.
type AuditQueryOpts struct {
	FamilyID string
	Action   string
	Since    *time.Time
	Limit    int
	Offset   int
}

// DeadLetter is an event that could not be applied, with its full payload.
type DeadLetter struct {
	Event    ChangeEvent `json:"event"`
	Reason   string      `json:"reason"`
	Error    string      `json:"error"`
	Attempts int         `json:"attempts"`
	At       time.Time   `json:"at"`
}

// Terminal reasons carried by dead letters.
const (
	DeadLetterMalformed = "malformed"
	DeadLetterExhausted = "retries_exhausted"
	// DeadLetterUnprocessed marks an in-process event whose processing failed
	// with nothing upstream to redeliver it.
	DeadLetterUnprocessed = "unprocessed"
)

// DeadLetterRef identifies one archived dead letter.
type DeadLetterRef struct {
	Key          string    `json:"key"`
	EntityType   string    `json:"entity_type"`
	ExternalID   string    `json:"external_id"`
	EventID      string    `json:"event_id"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}
