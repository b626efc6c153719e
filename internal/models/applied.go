package models

// Outcome is the effect a single upsert or delete had on the graph store.
type Outcome string

// Apply outcomes.
const (
	OutcomeCreated         Outcome = "created"
	OutcomeUpdated         Outcome = "updated"
	OutcomeUnchanged       Outcome = "unchanged"
	OutcomeStale           Outcome = "stale"
	OutcomeDeleted         Outcome = "deleted"
	OutcomeRejected        Outcome = "rejected"
	OutcomeEndpointDeleted Outcome = "endpoint_deleted"
)

// Mutated reports whether the outcome changed stored state.
func (o Outcome) Mutated() bool {
	return o == OutcomeCreated || o == OutcomeUpdated || o == OutcomeDeleted
}

// AppliedResult reports the effect of one node or relationship write.
type AppliedResult struct {
	Target       string    `json:"target"`
	Outcome      Outcome   `json:"outcome"`
	Placeholders []NodeKey `json:"placeholders,omitempty"`
	// RemovedEdges holds relationships dropped as a side effect: cascade on
	// delete, or family mismatch after a node changed family.
	RemovedEdges []RelKey `json:"removed_edges,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// ProcessResult reports how one ChangeEvent was handled end to end.
type ProcessResult struct {
	EventID       string          `json:"event_id"`
	Key           NodeKey         `json:"key"`
	Duplicate     bool            `json:"duplicate,omitempty"`
	DeadLettered  bool            `json:"dead_lettered,omitempty"`
	Node          *AppliedResult  `json:"node,omitempty"`
	Relationships []AppliedResult `json:"relationships,omitempty"`
	Pruned        int             `json:"pruned"`
	Attempts      int             `json:"attempts"`
}

// Rejected counts relationship writes refused as integrity violations.
func (r *ProcessResult) Rejected() int {
	n := 0

	for i := range r.Relationships {
		if r.Relationships[i].Outcome == OutcomeRejected {
			n++
		}
	}

	return n
}
