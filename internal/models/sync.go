package models

import "time"

// SyncState is the lifecycle state of one entity's projection.
type SyncState string

// Sync states.
const (
	SyncPending      SyncState = "pending"
	SyncApplied      SyncState = "applied"
	SyncVerified     SyncState = "verified"
	SyncDeadLettered SyncState = "dead_lettered"
)

// SyncStates lists every state in lifecycle order.
var SyncStates = []SyncState{SyncPending, SyncApplied, SyncVerified, SyncDeadLettered}

// SyncRecord tracks the projection state of one entity, keyed by node key.
type SyncRecord struct {
	Key                NodeKey    `json:"key"`
	FamilyID           string     `json:"family_id"`
	LastAppliedEventID string     `json:"last_applied_event_id,omitempty"`
	LastAppliedVersion int64      `json:"last_applied_version"`
	SourceVersion      int64      `json:"source_version"`
	LastSyncedAt       *time.Time `json:"last_synced_at,omitempty"`
	State              SyncState  `json:"state"`
	Deleted            bool       `json:"deleted"`
	Attempts           int        `json:"attempts"`
	LastError          string     `json:"last_error,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Behind reports whether the feed has observed a version that was never applied.
func (r *SyncRecord) Behind() bool {
	return r.SourceVersion > r.LastAppliedVersion
}

// FamilyHealth is the coarse health verdict of a family's projection.
type FamilyHealth string

// Family health verdicts.
const (
	HealthHealthy   FamilyHealth = "healthy"
	HealthDegraded  FamilyHealth = "degraded"
	HealthUnhealthy FamilyHealth = "unhealthy"
)

// FamilySyncStatus aggregates sync records of one family.
type FamilySyncStatus struct {
	FamilyID          string            `json:"family_id"`
	Entities          int               `json:"entities"`
	States            map[SyncState]int `json:"states"`
	DeadLettered      int               `json:"dead_lettered"`
	Placeholders      int               `json:"placeholders"`
	OldestPendingAge  string            `json:"oldest_pending_age,omitempty"`
	LastSyncedAt      *time.Time        `json:"last_synced_at,omitempty"`
	Health            FamilyHealth      `json:"health"`
	oldestPendingSecs float64
}

// OldestPendingSeconds returns the age of the oldest pending record in seconds.
func (s *FamilySyncStatus) OldestPendingSeconds() float64 {
	return s.oldestPendingSecs
}

// SummarizeSync folds records into a family status. pendingLimit is the age
// beyond which a pending record degrades the family.
func SummarizeSync(familyID string, records []SyncRecord, placeholders int, now time.Time, pendingLimit time.Duration) FamilySyncStatus {
	st := FamilySyncStatus{
		FamilyID:     familyID,
		Entities:     len(records),
		States:       make(map[SyncState]int, len(SyncStates)),
		Placeholders: placeholders,
	}

	for _, s := range SyncStates {
		st.States[s] = 0
	}

	var oldestPending time.Time

	for i := range records {
		r := &records[i]
		st.States[r.State]++

		if r.State == SyncDeadLettered {
			st.DeadLettered++
		}

		if r.State == SyncPending && (oldestPending.IsZero() || r.UpdatedAt.Before(oldestPending)) {
			oldestPending = r.UpdatedAt
		}

		if r.LastSyncedAt != nil && (st.LastSyncedAt == nil || r.LastSyncedAt.After(*st.LastSyncedAt)) {
			t := *r.LastSyncedAt
			st.LastSyncedAt = &t
		}
	}

	var pendingAge time.Duration
	if !oldestPending.IsZero() {
		pendingAge = now.Sub(oldestPending)
		st.OldestPendingAge = pendingAge.Round(time.Second).String()
		st.oldestPendingSecs = pendingAge.Seconds()
	}

	switch {
	case st.DeadLettered > 0 && st.DeadLettered*10 >= max(len(records), 1):
		st.Health = HealthUnhealthy
	case st.DeadLettered > 0, pendingAge > pendingLimit, placeholders > 0:
		st.Health = HealthDegraded
	default:
		st.Health = HealthHealthy
	}

	return st
}
