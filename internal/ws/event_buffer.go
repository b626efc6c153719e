package ws

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultBufferMaxLen = 1000
	defaultBufferMaxAge = time.Hour
)

// replayBuffer keeps recent events per family so reconnecting clients can
// resume without refetching the whole subgraph.
type replayBuffer struct {
	mu     sync.RWMutex
	events map[string][]Event
	maxLen int
	maxAge time.Duration
	now    func() time.Time
}

func newReplayBuffer(maxLen int, maxAge time.Duration) *replayBuffer {
	return &replayBuffer{
		events: make(map[string][]Event),
		maxLen: maxLen,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// add stores ev, dropping entries past maxAge or beyond maxLen.
func (b *replayBuffer) add(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := append(b.events[ev.FamilyID], ev)

	cutoff := b.now().Add(-b.maxAge)
	drop := sort.Search(len(buf), func(i int) bool { return !buf[i].Time.Before(cutoff) })
	drop = max(drop, len(buf)-b.maxLen)

	if drop > 0 {
		buf = append([]Event(nil), buf[drop:]...)
	}

	b.events[ev.FamilyID] = buf
}

// since returns the family's events with ID > after. ok is false when after
// predates the oldest buffered event, i.e. events were lost.
func (b *replayBuffer) since(familyID string, after uint64) (events []Event, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	buf := b.events[familyID]
	if len(buf) == 0 {
		return nil, true
	}

	if after > 0 && after+1 < buf[0].ID {
		return nil, false
	}

	i := sort.Search(len(buf), func(i int) bool { return buf[i].ID > after })

	return append([]Event(nil), buf[i:]...), true
}

// prune drops families whose newest event is past maxAge.
func (b *replayBuffer) prune() {
	cutoff := b.now().Add(-b.maxAge)

	b.mu.Lock()
	defer b.mu.Unlock()

	for fid, buf := range b.events {
		if len(buf) == 0 || buf[len(buf)-1].Time.Before(cutoff) {
			delete(b.events, fid)
		}
	}
}
