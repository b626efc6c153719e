package models

import "time"

// StaleReason says why a node was classified as stale.
type StaleReason string

// Stale reasons.
const (
	StaleBehindSource StaleReason = "behind_source"
	StaleMissingNode  StaleReason = "missing_node"
)

// StaleNode is an entity whose graph node lags the version observed on the feed.
type StaleNode struct {
	Key           NodeKey     `json:"key"`
	NodeVersion   int64       `json:"node_version"`
	SourceVersion int64       `json:"source_version"`
	Reason        StaleReason `json:"reason"`
}

// ReconciliationReport is the read-only result of scanning one family.
type ReconciliationReport struct {
	FamilyID           string         `json:"family_id"`
	ScannedAt          time.Time      `json:"scanned_at"`
	DanglingEdges      []Relationship `json:"dangling_edges"`
	OrphanPlaceholders []Node         `json:"orphan_placeholders"`
	StaleNodes         []StaleNode    `json:"stale_nodes"`
	// Consistent holds applied records whose node matches the applied version;
	// repair promotes them to verified.
	Consistent []SyncRecord `json:"-"`
}

// Clean reports whether the scan found nothing to repair.
func (r *ReconciliationReport) Clean() bool {
	return len(r.DanglingEdges) == 0 && len(r.OrphanPlaceholders) == 0 && len(r.StaleNodes) == 0
}

// RepairResult summarizes what repair did with a report.
type RepairResult struct {
	RemovedEdges           int       `json:"removed_edges"`
	RecoveredEdges         int       `json:"recovered_edges"`
	ResyncRequested        int       `json:"resync_requested"`
	BackfillRequested      int       `json:"backfill_requested"`
	UnresolvedPlaceholders []NodeKey `json:"unresolved_placeholders,omitempty"`
	Verified               int       `json:"verified"`
	Errors                 []string  `json:"errors,omitempty"`
}

// JobState is the lifecycle state of a reconcile job.
type JobState string

// Job states.
const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Done reports whether the job reached a terminal state.
func (s JobState) Done() bool {
	return s == JobSucceeded || s == JobFailed
}

// ReconcileJob tracks one asynchronous reconcile run.
type ReconcileJob struct {
	ID         string                `json:"id"`
	FamilyID   string                `json:"family_id"`
	State      JobState              `json:"state"`
	Trigger    string                `json:"trigger"`
	Report     *ReconciliationReport `json:"report,omitempty"`
	Result     *RepairResult         `json:"result,omitempty"`
	Error      string                `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	StartedAt  *time.Time            `json:"started_at,omitempty"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
}
