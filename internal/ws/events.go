package ws

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one message pushed to subscribers of a family.
type Event struct {
	Type     string          `json:"type"`
	ID       uint64          `json:"id"`
	FamilyID string          `json:"family_id"`
	Data     json.RawMessage `json:"data"`
	Time     time.Time       `json:"time"`
}

// SubscribeMsg is sent by a client to resume after lastEventID.
type SubscribeMsg struct {
	Type        string `json:"type"`
	LastEventID uint64 `json:"last_event_id"`
}

// ResetMsg tells a client its resume point is gone and it must refetch the subgraph.
type ResetMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// sequence hands out per-family monotonic event IDs.
type sequence struct {
	mu   sync.Mutex
	last map[string]uint64
}

func newSequence() *sequence {
	return &sequence{last: make(map[string]uint64)}
}

func (s *sequence) next(familyID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last[familyID]++

	return s.last[familyID]
}
